// Package gateway turns pub/sub messages into correlated request/response
// semantics and a typed event stream, and keeps one gateway session alive.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"
	"golang.org/x/sync/singleflight"

	"github.com/dkeye/VoiceClient/internal/core"
	"github.com/dkeye/VoiceClient/internal/domain"
)

const (
	DefaultKeepAlivePeriod      = 20 * time.Second
	DefaultKeepAliveTimeout     = 10 * time.Second
	DefaultKeepAliveMaxFailures = 3
	DefaultDestroyTimeout       = 5 * time.Second
)

type Config struct {
	// Name labels the session in logs and in the registry.
	Name    string
	Server  string
	Gateway string
	QoS     byte

	KeepAlivePeriod      time.Duration
	KeepAliveTimeout     time.Duration
	KeepAliveMaxFailures int
	DestroyTimeout       time.Duration
}

func (c Config) withDefaults() Config {
	if c.Gateway == "" {
		c.Gateway = "janus"
	}
	if c.KeepAlivePeriod <= 0 {
		c.KeepAlivePeriod = DefaultKeepAlivePeriod
	}
	if c.KeepAliveTimeout <= 0 {
		c.KeepAliveTimeout = DefaultKeepAliveTimeout
	}
	if c.KeepAliveMaxFailures <= 0 {
		c.KeepAliveMaxFailures = DefaultKeepAliveMaxFailures
	}
	if c.DestroyTimeout <= 0 {
		c.DestroyTimeout = DefaultDestroyTimeout
	}
	return c
}

// Deps are the collaborators a Session drives. Gate and Clock default to an
// always-open gate and the real clock. Status is shared by every session of
// one server; without it the session follows the status topic on its own.
type Deps struct {
	Transport core.Transport
	Gate      core.ConnectionGate
	Restarter core.RoomRestarter
	Clock     clockwork.Clock
	Status    *Status
}

// Handle is a media handle as seen by the session. OnMessage is called from
// the transport's delivery path and must not block.
type Handle interface {
	Plugin() string
	OnAttached(id domain.HandleID)
	OnAttachError(err error)
	OnMessage(msg domain.Message)
	OnDetached()
}

// StateListener observes session connect/disconnect. reason is nil on connect.
type StateListener func(connected bool, reason error)

// Info is a read-only view for APIs.
type Info struct {
	Name      string            `json:"name"`
	ID        domain.SessionID  `json:"id"`
	Connected bool              `json:"connected"`
	Pending   int               `json:"pending"`
	Handles   []domain.HandleID `json:"handles"`
}

type Session struct {
	cfg       Config
	topics    domain.Topics
	transport core.Transport
	gate      core.ConnectionGate
	restarter core.RoomRestarter
	clock     clockwork.Clock
	status    *Status
	ownStatus bool
	log       zerolog.Logger
	creates   singleflight.Group

	mu                sync.Mutex
	id                domain.SessionID
	token             string
	connected         bool
	subscribed        bool
	destroyed         bool
	transactions      map[string]*pending
	handles           map[domain.HandleID]Handle
	stopKeepAlive     context.CancelFunc
	keepAliveFailures int
	unsubs            []core.Unsubscribe
	removeWatch       func()
	removeListener    func()
	listeners         []StateListener
}

func New(cfg Config, deps Deps) *Session {
	cfg = cfg.withDefaults()
	if deps.Gate == nil {
		deps.Gate = core.OpenGate{}
	}
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	s := &Session{
		cfg:          cfg,
		topics:       domain.NewTopics(cfg.Server, cfg.Gateway, deps.Transport.ClientID()),
		transport:    deps.Transport,
		gate:         deps.Gate,
		restarter:    deps.Restarter,
		clock:        deps.Clock,
		status:       deps.Status,
		log:          log.With().Str("module", "gateway").Str("session", cfg.Name).Logger(),
		transactions: make(map[string]*pending),
		handles:      make(map[domain.HandleID]Handle),
	}
	if s.status == nil {
		s.status = NewStatus(cfg.Server, cfg.QoS, deps.Transport)
		s.ownStatus = true
	}
	return s
}

func (s *Session) Name() string          { return s.cfg.Name }
func (s *Session) Topics() domain.Topics { return s.topics }

// OnStateChange registers a connect/disconnect listener.
func (s *Session) OnStateChange(fn StateListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// ID returns the gateway session id and whether it is set.
func (s *Session) ID() (domain.SessionID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id, s.connected
}

func (s *Session) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// Init subscribes to the gateway topics and creates the session.
func (s *Session) Init(ctx context.Context, token string) (domain.SessionID, error) {
	if !s.gate.WaitForConnection(ctx) {
		return 0, domain.ErrConnectionUnavailable
	}
	s.mu.Lock()
	s.token = token
	s.destroyed = false
	s.mu.Unlock()

	if err := s.subscribe(ctx); err != nil {
		return 0, err
	}
	return s.Connect(ctx)
}

// Connect creates the gateway session unless one exists. Concurrent callers
// share one in-flight create. While the gateway reports offline the create is
// deferred until it comes back or ctx ends.
func (s *Session) Connect(ctx context.Context) (domain.SessionID, error) {
	if id, ok := s.ID(); ok {
		return id, nil
	}
	v, err, _ := s.creates.Do("create", func() (any, error) {
		if id, ok := s.ID(); ok {
			return id, nil
		}
		return s.create(ctx)
	})
	if err != nil {
		return 0, err
	}
	return v.(domain.SessionID), nil
}

// create sends "create" once the gateway is online. A create still in flight
// when the gateway goes offline is abandoned and sent again after it returns.
func (s *Session) create(ctx context.Context) (domain.SessionID, error) {
	var succ *domain.Success
	for succ == nil {
		if err := s.status.WaitOnline(ctx); err != nil {
			return 0, err
		}
		s.mu.Lock()
		subscribed, destroyed := s.subscribed, s.destroyed
		s.mu.Unlock()
		if destroyed {
			return 0, domain.ErrSessionDestroyed
		}
		if !subscribed {
			return 0, fmt.Errorf("%w: session not initialized", domain.ErrNotConnected)
		}

		txCtx, cancel := s.status.whileOnline(ctx)
		reply, err := s.transaction(txCtx, domain.Request{Janus: domain.TypeCreate}, domain.TypeSuccess, txOptions{allowDisconnected: true})
		dropped := txCtx.Err() != nil
		cancel()
		if err != nil {
			if ctx.Err() == nil && (dropped || errors.Is(err, domain.ErrSessionOffline)) {
				s.log.Info().Err(err).Msg("gateway went offline during create, waiting to resend")
				continue
			}
			return 0, err
		}
		succ, _ = reply.(*domain.Success)
		if succ == nil || succ.ID == 0 {
			return 0, fmt.Errorf("%w: create reply without session id", domain.ErrGatewayRejected)
		}
	}

	kaCtx, stop := context.WithCancel(context.Background())
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		stop()
		return 0, domain.ErrSessionDestroyed
	}
	s.id = domain.SessionID(succ.ID)
	s.connected = true
	s.keepAliveFailures = 0
	s.stopKeepAlive = stop
	id := s.id
	listeners := append([]StateListener(nil), s.listeners...)
	s.mu.Unlock()

	s.log.Info().Uint64("sid", uint64(id)).Msg("session created")
	go s.keepAliveLoop(kaCtx)
	for _, fn := range listeners {
		fn(true, nil)
	}
	return id, nil
}

func (s *Session) subscribe(ctx context.Context) error {
	s.mu.Lock()
	if s.subscribed {
		s.mu.Unlock()
		return nil
	}
	s.subscribed = true
	s.mu.Unlock()

	for _, topic := range []string{s.topics.Direct, s.topics.Shared} {
		unsub, err := s.transport.Subscribe(ctx, topic, s.cfg.QoS, s.onReply)
		if err != nil {
			s.unsubscribe()
			return fmt.Errorf("subscribe %s: %w", topic, err)
		}
		s.mu.Lock()
		s.unsubs = append(s.unsubs, unsub)
		s.mu.Unlock()
		s.log.Debug().Str("topic", topic).Msg("subscribed")
	}
	if s.ownStatus {
		if err := s.status.Start(ctx); err != nil {
			s.unsubscribe()
			return err
		}
	}

	removeWatch := s.status.Watch(s.onGatewayStatus)
	remove := s.transport.AddListener(s.onTransportEvent)
	s.mu.Lock()
	s.removeWatch = removeWatch
	s.removeListener = remove
	s.mu.Unlock()
	return nil
}

// unsubscribe drops this session's handlers. Topics shared with another
// session stay subscribed on the transport.
func (s *Session) unsubscribe() {
	s.mu.Lock()
	if !s.subscribed {
		s.mu.Unlock()
		return
	}
	s.subscribed = false
	unsubs := s.unsubs
	s.unsubs = nil
	removeWatch, remove := s.removeWatch, s.removeListener
	s.removeWatch, s.removeListener = nil, nil
	s.mu.Unlock()

	if removeWatch != nil {
		removeWatch()
	}
	if remove != nil {
		remove()
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.DestroyTimeout)
	defer cancel()
	for _, unsub := range unsubs {
		if err := unsub(ctx); err != nil {
			s.log.Warn().Err(err).Msg("unsubscribe failed")
		}
	}
	if s.ownStatus {
		s.status.Stop(ctx)
	}
}

// Attach attaches h to the gateway plugin it names.
func (s *Session) Attach(ctx context.Context, h Handle) (domain.HandleID, error) {
	reply, err := s.Transaction(ctx, domain.Request{Janus: domain.TypeAttach, Plugin: h.Plugin()}, domain.TypeSuccess)
	if err == nil {
		if succ, _ := reply.(*domain.Success); succ == nil || succ.ID == 0 {
			err = fmt.Errorf("%w: attach reply without handle id", domain.ErrGatewayRejected)
		}
	}
	if err != nil {
		if isRejection(err) {
			err = fmt.Errorf("%w: %w", domain.ErrAttachRejected, err)
		}
		s.log.Warn().Err(err).Str("plugin", h.Plugin()).Msg("attach failed")
		h.OnAttachError(err)
		return 0, err
	}

	id := domain.HandleID(reply.(*domain.Success).ID)
	s.mu.Lock()
	s.handles[id] = h
	s.mu.Unlock()

	s.log.Info().Uint64("handle", uint64(id)).Str("plugin", h.Plugin()).Msg("handle attached")
	h.OnAttached(id)
	return id, nil
}

// Detach detaches a handle. The handle is dropped and notified even when the
// gateway call fails.
func (s *Session) Detach(ctx context.Context, id domain.HandleID) error {
	h := s.removeHandle(id)
	_, err := s.transaction(ctx, domain.Request{Janus: domain.TypeDetach, HandleID: id}, domain.TypeSuccess,
		txOptions{timeout: s.cfg.DestroyTimeout, bypassGate: true})
	if h != nil {
		h.OnDetached()
	}
	return err
}

// Destroy detaches every handle, destroys the gateway session and clears all
// local state. Network failures are logged, never returned.
func (s *Session) Destroy(ctx context.Context) {
	s.mu.Lock()
	s.destroyed = true
	connected := s.connected
	ids := make([]domain.HandleID, 0, len(s.handles))
	for id := range s.handles {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	if connected {
		var wg conc.WaitGroup
		for _, id := range ids {
			wg.Go(func() {
				if err := s.Detach(ctx, id); err != nil {
					s.log.Debug().Err(err).Uint64("handle", uint64(id)).Msg("detach during destroy failed")
				}
			})
		}
		if r := wg.WaitAndRecover(); r != nil {
			s.log.Error().Err(r.AsError()).Msg("detach panicked during destroy")
		}

		_, err := s.transaction(ctx, domain.Request{Janus: domain.TypeDestroy}, domain.TypeSuccess,
			txOptions{timeout: s.cfg.DestroyTimeout, bypassGate: true})
		if err != nil {
			s.log.Warn().Err(err).Msg("destroy request failed")
		}
	}

	s.teardown(domain.ErrSessionDestroyed)
	s.unsubscribe()
	s.log.Info().Msg("session destroyed")
}

// teardown clears the session: pending transactions are rejected with reason
// and every handle is detached locally. It reports whether the session was
// connected, so callers escalate at most once per loss.
func (s *Session) teardown(reason error) bool {
	s.mu.Lock()
	wasConnected := s.connected
	s.connected = false
	s.id = 0
	pend := s.transactions
	s.transactions = make(map[string]*pending)
	handles := s.handles
	s.handles = make(map[domain.HandleID]Handle)
	stop := s.stopKeepAlive
	s.stopKeepAlive = nil
	listeners := append([]StateListener(nil), s.listeners...)
	s.mu.Unlock()

	if stop != nil {
		stop()
	}
	for _, p := range pend {
		p.done <- txResult{err: reason}
	}
	for _, h := range handles {
		h.OnDetached()
	}
	if wasConnected {
		s.log.Warn().Err(reason).Int("rejected", len(pend)).Int("handles", len(handles)).Msg("session torn down")
		for _, fn := range listeners {
			fn(false, reason)
		}
	}
	return wasConnected
}

// fail tears the session down and asks the room owner to restart.
func (s *Session) fail(reason error) {
	if !s.teardown(reason) {
		return
	}
	if s.restarter != nil {
		s.restarter.RestartRoom(reason)
	}
}

func (s *Session) handle(id domain.HandleID) Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handles[id]
}

func (s *Session) removeHandle(id domain.HandleID) Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.handles[id]
	delete(s.handles, id)
	return h
}

func (s *Session) Snapshot() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := Info{
		Name:      s.cfg.Name,
		ID:        s.id,
		Connected: s.connected,
		Pending:   len(s.transactions),
		Handles:   make([]domain.HandleID, 0, len(s.handles)),
	}
	for id := range s.handles {
		info.Handles = append(info.Handles, id)
	}
	return info
}
