package signal

import (
	"github.com/rs/zerolog/log"

	"github.com/dkeye/duo/internal/core"
	"github.com/dkeye/duo/internal/protocol"
)

func (ctl *SignalWSController) handleJoin(
	sid core.SessionID,
	conn *WsSignalConn,
	msg protocol.Message,
) {
	id := msg.Identity()
	if id.DisplayName == "" {
		id.DisplayName = string(id.ID)
	}
	if err := ctl.Orch.Join(sid, id); err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("sid", string(sid)).Msg("join rejected")
		ctl.sendError(conn, err.Error())
		return
	}

	log.Info().
		Str("module", "signal").
		Str("sid", string(sid)).
		Str("user", string(id.ID)).
		Str("role", string(id.Role)).
		Msg("joined")
	ctl.sendJSON(conn, protocol.Message{Type: protocol.KindJoined, UserID: id.ID, Role: id.Role, UserName: id.DisplayName})
}
