// Package netmon decides whether it is safe to talk to the gateway. It
// watches the device network and the transport, runs one verify cycle per
// outage and tells the room owner to resume or exit.
package netmon

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/VoiceClient/internal/app/retry"
	"github.com/dkeye/VoiceClient/internal/core"
	"github.com/dkeye/VoiceClient/internal/domain"
)

const (
	DefaultPollInterval = time.Second
	DefaultCeiling      = 20
)

// DeviceNetwork reads the current device network.
type DeviceNetwork interface {
	Current(ctx context.Context) (domain.NetworkState, error)
}

// Listener is told when an outage starts and when it is over.
type Listener interface {
	OnReconnecting()
	OnResume()
}

// Exiter is invoked when a verify cycle gives up.
type Exiter interface {
	ExitRoom(reason error)
	MarkTransportDown()
}

type Config struct {
	PollInterval time.Duration
	// Ceiling is the number of failed polls tolerated per phase.
	Ceiling int
}

type Deps struct {
	Device    DeviceNetwork
	Transport core.Transport
	Exiter    Exiter
	Clock     clockwork.Clock
}

type cycle struct {
	done chan struct{}
	ok   bool
}

type Monitor struct {
	cfg       Config
	device    DeviceNetwork
	transport core.Transport
	exiter    Exiter
	clock     clockwork.Clock
	log       zerolog.Logger

	mu        sync.Mutex
	obs       domain.NetworkObservation
	current   *cycle
	listeners []Listener
	ctx       context.Context
	cancel    context.CancelFunc
	remove    func()
}

func New(cfg Config, deps Deps) *Monitor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Ceiling <= 0 {
		cfg.Ceiling = DefaultCeiling
	}
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Monitor{
		cfg:       cfg,
		device:    deps.Device,
		transport: deps.Transport,
		exiter:    deps.Exiter,
		clock:     deps.Clock,
		log:       log.With().Str("module", "netmon").Logger(),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start takes the first readings and subscribes to transport events.
func (m *Monitor) Start(ctx context.Context) error {
	state, err := m.device.Current(ctx)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.obs.Network = state
	m.obs.DeviceConnected = state.Connected
	m.obs.TransportConnected = m.transport.IsConnected()
	m.mu.Unlock()

	remove := m.transport.AddListener(m.onTransportEvent)
	m.mu.Lock()
	m.remove = remove
	m.mu.Unlock()

	m.log.Info().
		Bool("device", state.Connected).
		Str("interface", state.Interface).
		Bool("transport", m.transport.IsConnected()).
		Msg("monitor started")
	return nil
}

// Stop ends any running cycle without escalating it.
func (m *Monitor) Stop() {
	m.cancel()
	m.mu.Lock()
	remove := m.remove
	m.remove = nil
	m.mu.Unlock()
	if remove != nil {
		remove()
	}
}

func (m *Monitor) AddListener(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

func (m *Monitor) Observation() domain.NetworkObservation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.obs
}

// Healthy is the non-blocking form of WaitForConnection.
func (m *Monitor) Healthy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current == nil && m.obs.Healthy()
}

// WaitForConnection returns true at once when healthy. Otherwise it parks
// until the running verify cycle ends, starting one if needed, and reports
// its outcome.
func (m *Monitor) WaitForConnection(ctx context.Context) bool {
	m.mu.Lock()
	if m.current == nil && m.obs.Healthy() {
		m.mu.Unlock()
		return true
	}
	c := m.startCycleLocked("wait for connection")
	m.mu.Unlock()

	select {
	case <-c.done:
		return c.ok
	case <-ctx.Done():
		return false
	}
}

// OnNetworkChange is fed by the device network observer.
func (m *Monitor) OnNetworkChange(state domain.NetworkState) {
	m.mu.Lock()
	prev := m.obs.Network
	m.obs.Network = state
	m.obs.DeviceConnected = state.Connected
	if state.Connected && prev.Connected && prev.SameNetwork(state) {
		m.mu.Unlock()
		return
	}
	m.log.Info().
		Bool("connected", state.Connected).
		Str("interface", state.Interface).
		Str("prev_interface", prev.Interface).
		Msg("network changed")
	m.startCycleLocked("network change")
	m.mu.Unlock()
}

func (m *Monitor) onTransportEvent(ev core.TransportEvent) {
	switch ev.Kind {
	case core.TransportConnect, core.TransportReconnect:
		m.mu.Lock()
		m.obs.TransportConnected = true
		m.mu.Unlock()
	case core.TransportOffline:
		m.mu.Lock()
		m.obs.TransportConnected = false
		m.startCycleLocked("transport offline")
		m.mu.Unlock()
	case core.TransportError:
		m.log.Warn().Err(ev.Err).Msg("transport error")
	}
}

// startCycleLocked returns the running cycle or starts one. m.mu is held.
func (m *Monitor) startCycleLocked(reason string) *cycle {
	if m.current != nil {
		return m.current
	}
	c := &cycle{done: make(chan struct{})}
	m.current = c
	if m.obs.UnstableSince.IsZero() {
		m.obs.UnstableSince = m.clock.Now()
	}
	listeners := append([]Listener(nil), m.listeners...)
	m.log.Warn().Str("reason", reason).Msg("verify cycle started")

	go m.runCycle(c, listeners)
	return c
}

func (m *Monitor) runCycle(c *cycle, listeners []Listener) {
	for _, l := range listeners {
		l.OnReconnecting()
	}

	err := m.verify(m.ctx)

	m.mu.Lock()
	c.ok = err == nil
	m.current = nil
	if c.ok {
		m.obs.UnstableSince = time.Time{}
	}
	listeners = append([]Listener(nil), m.listeners...)
	m.mu.Unlock()
	close(c.done)

	switch {
	case err == nil:
		m.log.Info().Msg("connection verified, resuming")
		for _, l := range listeners {
			l.OnResume()
		}
	case m.ctx.Err() != nil:
	default:
		m.log.Error().Err(err).Msg("verify cycle failed")
		if m.exiter != nil {
			m.exiter.ExitRoom(err)
			m.exiter.MarkTransportDown()
		}
	}
}

// verify waits for the device network, then for the transport.
func (m *Monitor) verify(ctx context.Context) error {
	policy := retry.Policy{MaxAttempts: m.cfg.Ceiling, Interval: m.cfg.PollInterval}

	device := retry.Loop{
		Policy: policy,
		Clock:  m.clock,
		Done:   func() bool { return m.deviceReachable(ctx) },
	}
	if err := device.Run(ctx); err != nil {
		if errors.Is(err, retry.ErrExhausted) {
			return domain.ErrNetworkFailed
		}
		return err
	}

	transport := retry.Loop{
		Policy: policy,
		Clock:  m.clock,
		Done:   m.transportConnected,
		Attempt: func(context.Context, int) error {
			if !m.transport.IsReconnecting() {
				m.log.Debug().Msg("transport idle, nudging reconnect")
				m.transport.Reconnect()
			}
			return nil
		},
	}
	if err := transport.Run(ctx); err != nil {
		if errors.Is(err, retry.ErrExhausted) {
			return domain.ErrTransportLost
		}
		return err
	}
	return nil
}

func (m *Monitor) deviceReachable(ctx context.Context) bool {
	state, err := m.device.Current(ctx)
	if err != nil {
		m.log.Debug().Err(err).Msg("device network read failed")
		return false
	}
	m.mu.Lock()
	m.obs.Network = state
	m.obs.DeviceConnected = state.Connected
	m.mu.Unlock()
	return state.Connected
}

func (m *Monitor) transportConnected() bool {
	ok := m.transport.IsConnected()
	m.mu.Lock()
	m.obs.TransportConnected = ok
	m.mu.Unlock()
	return ok
}
