package app

import (
	"context"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/duo/internal/core"
	"github.com/dkeye/duo/internal/domain"
)

type sessionEntry struct {
	UserID  domain.UserID
	Session core.MemberSession
	Cancel  context.CancelFunc
}

// Registry maps relay connections to registered users. A user is bound to at
// most one connection; the latest join wins.
type Registry struct {
	mu       sync.RWMutex
	sessions map[core.SessionID]*sessionEntry
	users    map[domain.UserID]core.SessionID
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[core.SessionID]*sessionEntry),
		users:    make(map[domain.UserID]core.SessionID),
	}
}

func (r *Registry) BindSignal(sid core.SessionID, sess core.MemberSession, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[sid] = &sessionEntry{Session: sess, Cancel: cancel}
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Msg("bound signal")
}

// Register binds id to the connection sid. It returns the connection that
// previously held id, if it was another one.
func (r *Registry) Register(sid core.SessionID, id domain.Identity) (core.SessionID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.sessions[sid]
	if !ok {
		return "", false
	}
	if entry.UserID != "" && entry.UserID != id.ID && r.users[entry.UserID] == sid {
		delete(r.users, entry.UserID)
	}
	entry.UserID = id.ID
	entry.Session.UpdateMeta(domain.NewMember(id))

	prev, had := r.users[id.ID]
	r.users[id.ID] = sid
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Str("user", string(id.ID)).Msg("registered user")
	if had && prev != sid {
		if old, ok := r.sessions[prev]; ok {
			old.UserID = ""
		}
		return prev, true
	}
	return "", false
}

func (r *Registry) GetSession(sid core.SessionID) (core.MemberSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.sessions[sid]; ok {
		return e.Session, true
	}
	return nil, false
}

// Lookup finds the connection currently registered for uid.
func (r *Registry) Lookup(uid domain.UserID) (core.SessionID, core.MemberSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sid, ok := r.users[uid]
	if !ok {
		return "", nil, false
	}
	e, ok := r.sessions[sid]
	if !ok {
		return "", nil, false
	}
	return sid, e.Session, true
}

func (r *Registry) UserOf(sid core.SessionID) (domain.UserID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.sessions[sid]
	if !ok || e.UserID == "" {
		return "", false
	}
	return e.UserID, true
}

// Online lists registered users ordered by id.
func (r *Registry) Online() []core.MemberDTO {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]core.MemberDTO, 0, len(r.users))
	for uid, sid := range r.users {
		e, ok := r.sessions[sid]
		if !ok {
			continue
		}
		dto := core.MemberDTO{ID: uid}
		if m := e.Session.Meta(); m != nil {
			dto.Role = m.Identity.Role
			dto.DisplayName = m.Identity.DisplayName
		}
		out = append(out, dto)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Registry) Unbind(sid core.SessionID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.sessions[sid]; ok && e.UserID != "" && r.users[e.UserID] == sid {
		delete(r.users, e.UserID)
	}
	delete(r.sessions, sid)
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Msg("unbind session")
}

func (r *Registry) Cancel(sid core.SessionID) bool {
	r.mu.RLock()
	e, ok := r.sessions[sid]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	if e.Cancel != nil {
		e.Cancel()
	}
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Msg("canceled session")
	return true
}
