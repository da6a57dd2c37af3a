package signal

import "github.com/dkeye/duo/internal/protocol"

func (ctl *SignalWSController) sendError(conn *WsSignalConn, reason string) {
	ctl.sendJSON(conn, protocol.Message{Type: protocol.KindError, Error: reason})
}

// sendRefused reports a targeted message that was not delivered. The target
// lets the sender tie the error to the call it belongs to.
func (ctl *SignalWSController) sendRefused(conn *WsSignalConn, msg protocol.Message, reason string) {
	ctl.sendJSON(conn, protocol.Message{Type: protocol.KindError, Error: reason, TargetUserID: msg.TargetUserID})
}
