package core

import (
	"sync"

	"github.com/dkeye/duo/internal/domain"
)

// memberSession implements MemberSession by pairing meta + transport.
type memberSession struct {
	mu     sync.RWMutex
	meta   *domain.Member
	signal SignalConnection
}

func NewMemberSession(signal SignalConnection) MemberSession {
	return &memberSession{signal: signal}
}

func (m *memberSession) Meta() *domain.Member {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.meta
}

func (m *memberSession) Signal() SignalConnection { return m.signal }

func (m *memberSession) UpdateMeta(meta *domain.Member) MemberSession {
	m.mu.Lock()
	m.meta = meta
	m.mu.Unlock()
	return m
}
