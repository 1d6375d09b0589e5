package gateway

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/VoiceClient/internal/core"
	"github.com/dkeye/VoiceClient/internal/domain"
)

// Status follows the lifecycle topic of one gateway server. It outlives the
// sessions built on it, so a session created after an outage was reported
// waits for the gateway to come back before sending anything. Until the
// first status message the gateway is assumed online.
type Status struct {
	topic     string
	qos       byte
	transport core.Transport
	log       zerolog.Logger

	mu          sync.Mutex
	online      bool
	up          chan struct{} // closed while online
	watchers    map[int]func(online bool)
	drops       map[int]context.CancelFunc
	next        int
	unsubscribe core.Unsubscribe
}

func NewStatus(server string, qos byte, tr core.Transport) *Status {
	up := make(chan struct{})
	close(up)
	return &Status{
		topic:     domain.NewTopics(server, "", "").Status,
		qos:       qos,
		transport: tr,
		log:       log.With().Str("module", "gateway").Str("server", server).Logger(),
		online:    true,
		up:        up,
		watchers:  make(map[int]func(bool)),
		drops:     make(map[int]context.CancelFunc),
	}
}

// Start subscribes to the status topic. Calling it again is a no-op.
func (st *Status) Start(ctx context.Context) error {
	st.mu.Lock()
	started := st.unsubscribe != nil
	st.mu.Unlock()
	if started {
		return nil
	}
	unsub, err := st.transport.Subscribe(ctx, st.topic, st.qos, st.onMessage)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", st.topic, err)
	}
	st.mu.Lock()
	st.unsubscribe = unsub
	st.mu.Unlock()
	return nil
}

func (st *Status) Stop(ctx context.Context) {
	st.mu.Lock()
	unsub := st.unsubscribe
	st.unsubscribe = nil
	st.mu.Unlock()
	if unsub == nil {
		return
	}
	if err := unsub(ctx); err != nil {
		st.log.Warn().Err(err).Str("topic", st.topic).Msg("unsubscribe failed")
	}
}

func (st *Status) Online() bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.online
}

// WaitOnline blocks while the gateway is reported offline.
func (st *Status) WaitOnline(ctx context.Context) error {
	st.mu.Lock()
	up := st.up
	st.mu.Unlock()
	select {
	case <-up:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Watch calls fn with every status report until the returned func is called.
func (st *Status) Watch(fn func(online bool)) (remove func()) {
	st.mu.Lock()
	defer st.mu.Unlock()
	id := st.next
	st.next++
	st.watchers[id] = fn
	return func() {
		st.mu.Lock()
		defer st.mu.Unlock()
		delete(st.watchers, id)
	}
}

// whileOnline derives a context that is cancelled as soon as the gateway is
// reported offline, or right away if it already is.
func (st *Status) whileOnline(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	st.mu.Lock()
	defer st.mu.Unlock()
	if !st.online {
		cancel()
		return ctx, cancel
	}
	id := st.next
	st.next++
	st.drops[id] = cancel
	return ctx, func() {
		st.mu.Lock()
		delete(st.drops, id)
		st.mu.Unlock()
		cancel()
	}
}

func (st *Status) onMessage(in core.InboundMessage) {
	s, err := domain.DecodeStatus(in.Payload)
	if err != nil {
		st.log.Warn().Err(err).Str("topic", in.Topic).Msg("dropping undecodable status")
		return
	}
	st.set(s.Online)
}

func (st *Status) set(online bool) {
	st.mu.Lock()
	changed := online != st.online
	st.online = online
	var drops []context.CancelFunc
	if changed {
		if online {
			close(st.up)
		} else {
			st.up = make(chan struct{})
			for id, cancel := range st.drops {
				drops = append(drops, cancel)
				delete(st.drops, id)
			}
		}
	}
	watchers := make([]func(bool), 0, len(st.watchers))
	for _, fn := range st.watchers {
		watchers = append(watchers, fn)
	}
	st.mu.Unlock()

	if changed {
		st.log.Info().Bool("online", online).Msg("gateway status changed")
	}
	for _, cancel := range drops {
		cancel()
	}
	for _, fn := range watchers {
		fn(online)
	}
}
