package app

import (
	"context"
	"sort"
	"sync"

	"github.com/dkeye/VoiceCall/internal/core"
	"github.com/dkeye/VoiceCall/internal/domain"
	"github.com/rs/zerolog/log"
)

type connEntry struct {
	Conn   core.SignalConnection
	Cancel context.CancelFunc
}

// Registry maps online users to their single live signaling connection.
type Registry struct {
	mu    sync.RWMutex
	conns map[domain.UserID]*connEntry
}

func NewRegistry() *Registry {
	return &Registry{conns: make(map[domain.UserID]*connEntry)}
}

// Bind registers conn for uid. A previous connection of the same user is cancelled.
func (r *Registry) Bind(uid domain.UserID, conn core.SignalConnection, cancel context.CancelFunc) {
	r.mu.Lock()
	old := r.conns[uid]
	r.conns[uid] = &connEntry{Conn: conn, Cancel: cancel}
	r.mu.Unlock()

	if old != nil && old.Cancel != nil {
		old.Cancel()
		log.Info().Str("module", "app.registry").Str("uid", string(uid)).Msg("replaced connection")
	}
	log.Info().Str("module", "app.registry").Str("uid", string(uid)).Msg("bound signal")
}

// Unbind removes uid only if conn is still the registered one. It reports whether it did.
func (r *Registry) Unbind(uid domain.UserID, conn core.SignalConnection) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.conns[uid]
	if !ok || e.Conn != conn {
		return false
	}
	delete(r.conns, uid)
	log.Info().Str("module", "app.registry").Str("uid", string(uid)).Msg("unbind signal")
	return true
}

func (r *Registry) Lookup(uid domain.UserID) (core.SignalConnection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.conns[uid]; ok {
		return e.Conn, true
	}
	return nil, false
}

func (r *Registry) Online(uid domain.UserID) bool {
	_, ok := r.Lookup(uid)
	return ok
}

// Users lists online users in a stable order.
func (r *Registry) Users() []domain.UserID {
	r.mu.RLock()
	out := make([]domain.UserID, 0, len(r.conns))
	for uid := range r.conns {
		out = append(out, uid)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (r *Registry) Cancel(uid domain.UserID) bool {
	r.mu.RLock()
	e, ok := r.conns[uid]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	if e.Cancel != nil {
		e.Cancel()
	}
	log.Info().Str("module", "app.registry").Str("uid", string(uid)).Msg("canceled connection")
	return true
}
