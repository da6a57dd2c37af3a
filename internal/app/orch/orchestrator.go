// Package orch routes signaling between registered relay connections.
package orch

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/duo/internal/app"
	"github.com/dkeye/duo/internal/core"
	"github.com/dkeye/duo/internal/domain"
)

var (
	ErrNotJoined   = errors.New("join required")
	ErrUserOffline = errors.New("target user offline")
)

type Orchestrator struct {
	Registry *app.Registry
	Policy   app.Policy
}

// Join registers id on sid. A connection previously holding the same user id
// is closed.
func (o *Orchestrator) Join(sid core.SessionID, id domain.Identity) error {
	if err := id.Validate(); err != nil {
		return err
	}
	if _, ok := o.Registry.GetSession(sid); !ok {
		return fmt.Errorf("join on unknown session %s", sid)
	}
	if prev, ok := o.Registry.Register(sid, id); ok {
		log.Info().Str("module", "orch").Str("user", string(id.ID)).Str("old_sid", string(prev)).Msg("superseded connection")
		o.KickBySID(prev)
	}
	return nil
}

func (o *Orchestrator) KickBySID(sid core.SessionID) {
	if sess, ok := o.Registry.GetSession(sid); ok {
		if sig := sess.Signal(); sig != nil {
			sig.Close()
		}
	}
	o.Registry.Cancel(sid)
	o.Registry.Unbind(sid)
}

// OnDisconnect forgets a connection whose websocket went away.
func (o *Orchestrator) OnDisconnect(sid core.SessionID) {
	o.Registry.Unbind(sid)
}

func (o *Orchestrator) Online() []core.MemberDTO {
	return o.Registry.Online()
}
