package app

import (
	"github.com/dkeye/duo/internal/core"
	"github.com/dkeye/duo/internal/protocol"
)

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	DropMessage
	KickMember
)

// Policy decides what happens to a receiver whose send queue is full.
type Policy interface {
	OnBackPressure(member core.MemberSession, kind protocol.Kind) BackpressureAction
}

type SimplePolicy struct{}

func (SimplePolicy) OnBackPressure(core.MemberSession, protocol.Kind) BackpressureAction {
	return KickMember
}

// LenientPolicy drops trickled candidates and kicks only when a call
// control message cannot be delivered.
type LenientPolicy struct{}

func (LenientPolicy) OnBackPressure(_ core.MemberSession, kind protocol.Kind) BackpressureAction {
	if kind == protocol.KindCandidate || kind == protocol.KindIncomingCall {
		return DropMessage
	}
	return KickMember
}
