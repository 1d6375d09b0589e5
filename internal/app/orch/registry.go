package orch

import (
	"context"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/VoiceClient/internal/app/gateway"
)

const (
	RoomSession     = "room"
	PlaybackSession = "playback"
)

type sessionEntry struct {
	Session GatewaySession
	Cancel  context.CancelFunc
}

// Registry is the arena of live gateway sessions, keyed by purpose. It is
// owned by one Orchestrator.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*sessionEntry
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*sessionEntry)}
}

// Bind stores sess under name and returns the entry it replaced, if any.
func (r *Registry) Bind(name string, sess GatewaySession, cancel context.CancelFunc) (GatewaySession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev, had := r.sessions[name]
	r.sessions[name] = &sessionEntry{Session: sess, Cancel: cancel}
	log.Info().Str("module", "orch.registry").Str("session", name).Msg("bound session")
	if !had {
		return nil, false
	}
	return prev.Session, true
}

func (r *Registry) Get(name string) (GatewaySession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.sessions[name]; ok {
		return e.Session, true
	}
	return nil, false
}

// Unbind removes name only while it still holds sess, and cancels its
// context.
func (r *Registry) Unbind(name string, sess GatewaySession) bool {
	r.mu.Lock()
	e, ok := r.sessions[name]
	if !ok || e.Session != sess {
		r.mu.Unlock()
		return false
	}
	delete(r.sessions, name)
	r.mu.Unlock()

	if e.Cancel != nil {
		e.Cancel()
	}
	log.Info().Str("module", "orch.registry").Str("session", name).Msg("unbind session")
	return true
}

func (r *Registry) Snapshot() []gateway.Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]gateway.Info, 0, len(r.sessions))
	for _, e := range r.sessions {
		out = append(out, e.Session.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
