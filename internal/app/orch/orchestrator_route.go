package orch

import (
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/duo/internal/app"
	"github.com/dkeye/duo/internal/core"
	"github.com/dkeye/duo/internal/protocol"
)

// Route forwards a targeted message from sid to its target. The sender id is
// always the one sid registered with. An offer is followed by an
// incoming_call notification to the same target.
func (o *Orchestrator) Route(sid core.SessionID, msg protocol.Message) error {
	from, ok := o.Registry.UserOf(sid)
	if !ok {
		return ErrNotJoined
	}
	if !msg.Type.Targeted() {
		return fmt.Errorf("%w: %q is not routable", protocol.ErrUnknownKind, msg.Type)
	}

	msg.SenderID = from
	if msg.Type == protocol.KindOffer {
		msg.CallerID = from
		if msg.CallerName == "" {
			msg.CallerName = o.displayName(sid)
		}
	}

	targetSID, target, ok := o.Registry.Lookup(msg.TargetUserID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUserOffline, msg.TargetUserID)
	}

	if !o.deliver(targetSID, target, msg) {
		return nil
	}
	if msg.Type == protocol.KindOffer {
		o.deliver(targetSID, target, protocol.IncomingCall(msg))
	}
	return nil
}

func (o *Orchestrator) displayName(sid core.SessionID) string {
	sess, ok := o.Registry.GetSession(sid)
	if !ok || sess.Meta() == nil {
		return ""
	}
	return sess.Meta().Identity.DisplayName
}

// deliver queues msg on the target connection and applies the backpressure
// policy when its queue is full.
func (o *Orchestrator) deliver(sid core.SessionID, target core.MemberSession, msg protocol.Message) bool {
	data, err := protocol.Encode(msg)
	if err != nil {
		log.Error().Err(err).Str("module", "orch").Str("type", string(msg.Type)).Msg("encode")
		return false
	}
	if err := target.Signal().TrySend(data); err == nil {
		return true
	}

	action := app.KickMember
	if o.Policy != nil {
		action = o.Policy.OnBackPressure(target, msg.Type)
	}
	log.Warn().
		Str("module", "orch").
		Str("sid", string(sid)).
		Str("type", string(msg.Type)).
		Int("action", int(action)).
		Msg("receiver backpressure")
	switch action {
	case app.KickMember:
		o.KickBySID(sid)
	case app.DropMessage, app.NoAction:
	}
	return false
}
