// Package plugin drives media negotiation for gateway plugin handles. The
// publisher, subscriber and playback roles share one Handle that owns the
// peer connection, trickles candidates and runs the ICE-restart loop.
package plugin

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/VoiceClient/internal/app/retry"
	"github.com/dkeye/VoiceClient/internal/core"
	"github.com/dkeye/VoiceClient/internal/domain"
)

var DefaultRestartPolicy = retry.Policy{MaxAttempts: 10, Interval: time.Second}

const (
	attemptTimeout = 10 * time.Second
	detachTimeout  = 5 * time.Second
	trickleQueue   = 128
)

// Session is what a handle needs from its gateway session.
type Session interface {
	Send(ctx context.Context, handle domain.HandleID, body any, jsep *domain.JSEP, expect domain.MessageType) (domain.Message, error)
	Trickle(ctx context.Context, handle domain.HandleID, c *domain.Candidate) error
	Detach(ctx context.Context, id domain.HandleID) error
	IsConnected() bool
}

type Options struct {
	Session Session
	Peers   core.PeerFactory
	Gate    core.ConnectionGate
	Clock   clockwork.Clock
	Restart retry.Policy
}

// Callbacks shared by every role. All are optional and may be called from
// any goroutine.
type Callbacks struct {
	OnState  func(State)
	OnFatal  func(error)
	OnTrack  func(domain.TrackInfo)
	OnMedia  func(kind string, receiving bool)
	OnHangup func(reason string)
}

type Handle struct {
	plugin string
	role   core.PeerRole
	opts   Options
	cb     Callbacks
	log    zerolog.Logger

	// restart re-sends the role's negotiation request with a fresh offer.
	restart func(ctx context.Context) error

	negotiation sync.Mutex
	trickles    chan *domain.Candidate
	ctx         context.Context
	cancel      context.CancelFunc

	mu             sync.Mutex
	id             domain.HandleID
	state          State
	ice            core.ICEState
	peer           core.PeerConnection
	endSent        bool
	restartAttempt int
	restartGen     int
}

func newHandle(plugin string, role core.PeerRole, opts Options, cb Callbacks) *Handle {
	if opts.Gate == nil {
		opts.Gate = core.OpenGate{}
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Restart.MaxAttempts <= 0 {
		opts.Restart = DefaultRestartPolicy
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Handle{
		plugin:   plugin,
		role:     role,
		opts:     opts,
		cb:       cb,
		log:      log.With().Str("module", "plugin").Str("role", string(role)).Logger(),
		trickles: make(chan *domain.Candidate, trickleQueue),
		ctx:      ctx,
		cancel:   cancel,
		ice:      core.ICENew,
	}
}

func (h *Handle) Plugin() string { return h.plugin }

func (h *Handle) ID() domain.HandleID {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.id
}

func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *Handle) ICEState() core.ICEState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ice
}

// RestartAttempt is the number of live restart attempts in the current
// outage; zero once the handle is connected.
func (h *Handle) RestartAttempt() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.restartAttempt
}

func (h *Handle) OnAttached(id domain.HandleID) {
	h.mu.Lock()
	h.id = id
	h.mu.Unlock()
	h.log = h.log.With().Uint64("handle", uint64(id)).Logger()
	go h.trickleLoop()
}

func (h *Handle) OnAttachError(err error) {
	h.log.Warn().Err(err).Str("plugin", h.plugin).Msg("attach rejected")
}

// OnDetached is called by the session once the handle is gone on the
// gateway side, or the session was torn down.
func (h *Handle) OnDetached() {
	if h.transition(InputClose) {
		h.log.Info().Msg("handle detached")
	}
	h.release()
}

// Close closes the peer connection and detaches the handle.
func (h *Handle) Close(ctx context.Context) error {
	h.transition(InputClose)
	h.release()
	id := h.ID()
	if id == 0 {
		return nil
	}
	return h.opts.Session.Detach(ctx, id)
}

func (h *Handle) release() {
	h.cancel()
	h.mu.Lock()
	peer := h.peer
	h.peer = nil
	h.mu.Unlock()
	if peer != nil {
		if err := peer.Close(); err != nil {
			h.log.Debug().Err(err).Msg("peer close")
		}
	}
}

// transition applies one FSM input and reports whether the state changed.
func (h *Handle) transition(in Input) bool {
	h.mu.Lock()
	from := h.state
	to, ok := Next(from, in)
	changed := ok && to != from
	h.state = to
	if to == StateConnected {
		h.restartAttempt = 0
	}
	h.mu.Unlock()

	if changed {
		h.log.Debug().Str("from", from.String()).Str("to", to.String()).Str("input", in.String()).Msg("state")
		if h.cb.OnState != nil {
			h.cb.OnState(to)
		}
	}
	return changed
}

func (h *Handle) ensurePeer() (core.PeerConnection, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.peer != nil {
		return h.peer, nil
	}
	if h.state == StateClosed {
		return nil, domain.ErrHandleClosed
	}
	pc, err := h.opts.Peers.NewPeer(h.role)
	if err != nil {
		return nil, fmt.Errorf("new peer: %w", err)
	}
	pc.OnICECandidate(h.onLocalCandidate)
	pc.OnICEConnectionStateChange(h.onICEState)
	pc.OnTrack(func(t domain.TrackInfo) {
		h.log.Info().Str("kind", t.Kind).Str("track_id", t.ID).Str("stream_id", t.StreamID).Msg("remote track")
		if h.cb.OnTrack != nil {
			h.cb.OnTrack(t)
		}
	})
	h.peer = pc
	return pc, nil
}

// beginGathering arms the end-of-candidates marker for a new local
// description.
func (h *Handle) beginGathering() {
	h.mu.Lock()
	h.endSent = false
	h.mu.Unlock()
}

func (h *Handle) onLocalCandidate(c *domain.Candidate) {
	if c == nil {
		h.mu.Lock()
		if h.endSent {
			h.mu.Unlock()
			return
		}
		h.endSent = true
		h.mu.Unlock()
		c = &domain.Candidate{Completed: true}
	}
	select {
	case h.trickles <- c:
	default:
		h.log.Warn().Msg("trickle queue full, dropping candidate")
	}
}

// trickleLoop sends local candidates in gathering order. Sends are not
// awaited by negotiation.
func (h *Handle) trickleLoop() {
	for {
		select {
		case <-h.ctx.Done():
			return
		case c := <-h.trickles:
			if err := h.opts.Session.Trickle(h.ctx, h.ID(), c); err != nil && h.ctx.Err() == nil {
				h.log.Debug().Err(err).Bool("completed", c.Completed).Msg("trickle failed")
			}
		}
	}
}

// AddRemoteCandidate applies a candidate received from the gateway.
func (h *Handle) AddRemoteCandidate(c domain.Candidate) error {
	h.mu.Lock()
	peer := h.peer
	h.mu.Unlock()
	if peer == nil {
		return domain.ErrHandleClosed
	}
	return peer.AddICECandidate(c)
}

func (h *Handle) onICEState(s core.ICEState) {
	h.mu.Lock()
	h.ice = s
	h.mu.Unlock()
	h.log.Info().Str("ice_state", string(s)).Msg("ICE state")

	switch s {
	case core.ICEConnected, core.ICECompleted:
		h.transition(InputICEConnected)
	case core.ICEDisconnected:
		if h.transition(InputICEDisconnected) {
			h.startRestartLoop()
		}
	case core.ICEFailed:
		if h.transition(InputICEFailed) {
			h.fail(domain.ErrIceFailed)
		}
	}
}

func (h *Handle) startRestartLoop() {
	h.mu.Lock()
	h.restartGen++
	gen := h.restartGen
	h.restartAttempt = 0
	h.mu.Unlock()

	loop := retry.Loop{
		Policy: h.opts.Restart,
		Clock:  h.opts.Clock,
		Done: func() bool {
			h.mu.Lock()
			defer h.mu.Unlock()
			return h.state != StateRestarting || h.restartGen != gen
		},
		Ready: func(context.Context) bool {
			return h.opts.Session.IsConnected() && h.opts.Gate.Healthy()
		},
		Attempt: func(ctx context.Context, n int) error {
			h.mu.Lock()
			h.restartAttempt = n
			h.mu.Unlock()
			h.log.Info().Int("attempt", n).Int("max", h.opts.Restart.MaxAttempts).Msg("ICE restart")

			ctx, cancel := context.WithTimeout(ctx, attemptTimeout)
			defer cancel()
			return h.negotiate(ctx, h.restart)
		},
		OnAttemptError: func(n int, err error) {
			h.log.Warn().Err(err).Int("attempt", n).Msg("ICE restart attempt failed")
		},
	}

	go func() {
		err := loop.Run(h.ctx)
		if errors.Is(err, retry.ErrExhausted) && h.transition(InputRestartExhausted) {
			h.fail(domain.ErrIceRestartExhausted)
		}
	}()
}

// fail reports a terminal failure once the handle reached StateFailed, then
// closes the peer and detaches.
func (h *Handle) fail(reason error) {
	h.log.Error().Err(reason).Msg("handle failed")
	if h.cb.OnFatal != nil {
		h.cb.OnFatal(reason)
	}
	id := h.ID()
	go func() {
		h.release()
		if id == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), detachTimeout)
		defer cancel()
		if err := h.opts.Session.Detach(ctx, id); err != nil {
			h.log.Debug().Err(err).Msg("detach after failure")
		}
	}()
}

// negotiate serializes offer/answer rounds on the handle.
func (h *Handle) negotiate(ctx context.Context, fn func(ctx context.Context) error) error {
	h.negotiation.Lock()
	defer h.negotiation.Unlock()
	if h.State().Terminal() {
		return domain.ErrHandleClosed
	}
	h.transition(InputNegotiate)
	return fn(ctx)
}

func (h *Handle) offer(ctx context.Context, iceRestart bool) (domain.JSEP, error) {
	pc, err := h.ensurePeer()
	if err != nil {
		return domain.JSEP{}, err
	}
	h.beginGathering()
	return pc.CreateOffer(ctx, iceRestart)
}

func (h *Handle) answer(ctx context.Context, remote domain.JSEP) (domain.JSEP, error) {
	pc, err := h.ensurePeer()
	if err != nil {
		return domain.JSEP{}, err
	}
	if err := pc.SetRemoteDescription(remote); err != nil {
		return domain.JSEP{}, fmt.Errorf("set remote offer: %w", err)
	}
	h.beginGathering()
	return pc.CreateAnswer(ctx)
}

func (h *Handle) applyAnswer(jsep *domain.JSEP) error {
	if jsep == nil {
		return fmt.Errorf("%w: reply without jsep", domain.ErrGatewayRejected)
	}
	h.mu.Lock()
	pc := h.peer
	h.mu.Unlock()
	if pc == nil {
		return domain.ErrHandleClosed
	}
	if err := pc.SetRemoteDescription(*jsep); err != nil {
		return fmt.Errorf("set remote answer: %w", err)
	}
	return nil
}

// answerAndStart answers a gateway offer and sends start with the answer.
func (h *Handle) answerAndStart(ctx context.Context, offer domain.JSEP, start any) error {
	ans, err := h.answer(ctx, offer)
	if err != nil {
		return err
	}
	_, err = h.request(ctx, start, &ans)
	return err
}

// request sends a plugin message and returns the event it resolves to.
func (h *Handle) request(ctx context.Context, body any, jsep *domain.JSEP) (*domain.Event, error) {
	id := h.ID()
	if id == 0 {
		return nil, fmt.Errorf("%w: handle not attached", domain.ErrNotConnected)
	}
	reply, err := h.opts.Session.Send(ctx, id, body, jsep, domain.TypeEvent)
	if err != nil {
		return nil, err
	}
	ev, ok := reply.(*domain.Event)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected %s reply", domain.ErrUnknownMessage, reply.Type())
	}
	return ev, nil
}

// onCommon handles the handle-level notifications every role shares.
func (h *Handle) onCommon(msg domain.Message) {
	switch m := msg.(type) {
	case *domain.WebRTCUp:
		h.log.Info().Msg("gateway peer up")
	case *domain.Hangup:
		h.log.Info().Str("reason", m.Reason).Msg("gateway hangup")
		if h.cb.OnHangup != nil {
			h.cb.OnHangup(m.Reason)
		}
	case *domain.Media:
		h.log.Debug().Str("kind", m.Kind).Bool("receiving", m.Receiving).Msg("media")
		if h.cb.OnMedia != nil {
			h.cb.OnMedia(m.Kind, m.Receiving)
		}
	case *domain.SlowLink:
		h.log.Debug().Str("kind", m.Kind).Bool("uplink", m.Uplink).Int("lost", m.Lost).Msg("slow link")
	case *domain.Trickle:
		if err := h.AddRemoteCandidate(m.Candidate); err != nil {
			h.log.Debug().Err(err).Bool("completed", m.Candidate.Completed).Msg("remote candidate dropped")
		}
	case *domain.Detached:
	default:
		h.log.Debug().Str("type", string(msg.Type())).Msg("unhandled message")
	}
}

// async runs fn off the delivery path, bounded by the handle lifetime.
func (h *Handle) async(what string, fn func(ctx context.Context) error) {
	go func() {
		ctx, cancel := context.WithTimeout(h.ctx, attemptTimeout)
		defer cancel()
		if err := fn(ctx); err != nil && h.ctx.Err() == nil {
			h.log.Warn().Err(err).Msg(what)
		}
	}()
}
