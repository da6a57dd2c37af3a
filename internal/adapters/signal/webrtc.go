package signal

import (
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/duo/internal/app/orch"
	"github.com/dkeye/duo/internal/core"
	"github.com/dkeye/duo/internal/protocol"
)

// handleForward relays offer, answer, ice-candidate, reject-call and end-call
// without looking at their payloads.
func (ctl *SignalWSController) handleForward(
	sid core.SessionID,
	conn *WsSignalConn,
	msg protocol.Message,
) {
	if msg.Type == protocol.KindOffer {
		uid, ok := ctl.Orch.Registry.UserOf(sid)
		if ok && !ctl.offers.Allow(uid) {
			log.Warn().Str("module", "signal").Str("user", string(uid)).Msg("offer rate limited")
			ctl.sendRefused(conn, msg, "rate_limited")
			return
		}
	}

	err := ctl.Orch.Route(sid, msg)
	switch {
	case err == nil:
		log.Debug().
			Str("module", "signal").
			Str("sid", string(sid)).
			Str("type", string(msg.Type)).
			Str("target", string(msg.TargetUserID)).
			Msg("forwarded")
	case errors.Is(err, orch.ErrUserOffline):
		log.Info().Str("module", "signal").Str("target", string(msg.TargetUserID)).Msg("target offline")
		ctl.sendJSON(conn, protocol.Message{Type: protocol.KindUserOffline, TargetUserID: msg.TargetUserID})
	case errors.Is(err, orch.ErrNotJoined):
		ctl.sendRefused(conn, msg, "join_required")
	default:
		log.Warn().Err(err).Str("module", "signal").Str("sid", string(sid)).Msg("route")
		ctl.sendRefused(conn, msg, err.Error())
	}
}
