package core

import "github.com/dkeye/duo/internal/domain"

// SessionID identifies one websocket connection on the relay.
type SessionID string

// MemberSession binds domain.Member and its transport endpoint.
// This is what the relay registry stores and routes to.
type MemberSession interface {
	Meta() *domain.Member
	Signal() SignalConnection
	UpdateMeta(*domain.Member) MemberSession
}

// MemberDTO is a read-only view for APIs (no transport fields).
type MemberDTO struct {
	ID          domain.UserID `json:"userId"`
	Role        domain.Role   `json:"role"`
	DisplayName string        `json:"userName"`
}
