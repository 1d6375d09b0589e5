// Package pubsub implements core.Transport over any broker connection that
// can subscribe and publish: it owns the subscriptions, the lifecycle
// listeners and the reconnect loop, and leaves the wire to a Dialer.
package pubsub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/VoiceClient/internal/core"
	"github.com/dkeye/VoiceClient/internal/domain"
)

var ErrClosed = errors.New("transport closed")

// Conn is one live broker connection.
type Conn interface {
	Subscribe(ctx context.Context, topic string, qos byte) error
	Unsubscribe(ctx context.Context, topic string) error
	Publish(ctx context.Context, topic string, payload []byte, opts core.PublishOptions) error
	Close() error
}

// Link is what a Dialer gets to push inbound traffic and report loss.
// Lost may be called more than once; only the first call counts.
type Link struct {
	Deliver func(core.InboundMessage)
	Lost    func(error)
}

type Dialer func(ctx context.Context, clientID string, creds core.Credentials, link Link) (Conn, error)

type Config struct {
	ClientID       string
	ConnectTimeout time.Duration
	BackoffInitial time.Duration
	BackoffMax     time.Duration
}

func (c Config) withDefaults() Config {
	if c.ClientID == "" {
		c.ClientID = "voice-" + uuid.NewString()
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.BackoffInitial <= 0 {
		c.BackoffInitial = 500 * time.Millisecond
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 30 * time.Second
	}
	return c
}

// topicSubs is every handler registered on one topic. The broker
// subscription exists while handlers is non-empty.
type topicSubs struct {
	qos      byte
	handlers map[int]core.MessageHandler
}

type Client struct {
	cfg  Config
	dial Dialer
	log  zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	conn         Conn
	gen          uint64
	lostGen      uint64
	creds        core.Credentials
	started      bool
	reconnecting bool
	closed       bool
	subs         map[string]*topicSubs
	nextSub      int
	listeners    map[int]func(core.TransportEvent)
	nextListener int
}

func New(name string, cfg Config, dial Dialer) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		cfg:       cfg.withDefaults(),
		dial:      dial,
		log:       log.With().Str("module", "transport").Str("kind", name).Logger(),
		ctx:       ctx,
		cancel:    cancel,
		subs:      make(map[string]*topicSubs),
		listeners: make(map[int]func(core.TransportEvent)),
	}
}

func (c *Client) ClientID() string { return c.cfg.ClientID }

// Connect performs the first connection. Later losses are repaired by the
// reconnect loop.
func (c *Client) Connect(ctx context.Context, creds core.Credentials) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.creds = creds
	c.started = true
	c.mu.Unlock()

	if err := c.establish(ctx); err != nil {
		return err
	}
	c.log.Info().Str("client_id", c.cfg.ClientID).Msg("connected")
	c.emit(core.TransportEvent{Kind: core.TransportConnect})
	return nil
}

func (c *Client) establish(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()

	c.mu.Lock()
	c.gen++
	gen := c.gen
	creds := c.creds
	c.mu.Unlock()

	var once sync.Once
	conn, err := c.dial(ctx, c.cfg.ClientID, creds, Link{
		Deliver: c.deliver,
		Lost:    func(err error) { once.Do(func() { c.lost(gen, err) }) },
	})
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	c.mu.Lock()
	topics := make(map[string]byte, len(c.subs))
	for t, s := range c.subs {
		topics[t] = s.qos
	}
	c.mu.Unlock()
	for topic, qos := range topics {
		if err := conn.Subscribe(ctx, topic, qos); err != nil {
			_ = conn.Close()
			return fmt.Errorf("resubscribe %s: %w", topic, err)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || gen != c.gen {
		_ = conn.Close()
		return ErrClosed
	}
	if c.lostGen == gen {
		_ = conn.Close()
		return errors.New("connection lost while subscribing")
	}
	c.conn = conn
	return nil
}

func (c *Client) Subscribe(ctx context.Context, topic string, qos byte, h core.MessageHandler) (core.Unsubscribe, error) {
	c.mu.Lock()
	ts, ok := c.subs[topic]
	if !ok {
		ts = &topicSubs{qos: qos, handlers: make(map[int]core.MessageHandler)}
		c.subs[topic] = ts
	}
	id := c.nextSub
	c.nextSub++
	ts.handlers[id] = h
	conn := c.conn
	c.mu.Unlock()

	unsubscribe := func(ctx context.Context) error { return c.remove(ctx, topic, id) }
	if ok || conn == nil {
		// already on the broker, or picked up on (re)connect
		return unsubscribe, nil
	}
	if err := conn.Subscribe(ctx, topic, qos); err != nil {
		_ = c.remove(ctx, topic, id)
		return nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}
	c.log.Debug().Str("topic", topic).Msg("subscribed")
	return unsubscribe, nil
}

// remove drops one handler and leaves the broker topic once nobody listens.
func (c *Client) remove(ctx context.Context, topic string, id int) error {
	c.mu.Lock()
	ts, ok := c.subs[topic]
	if !ok {
		c.mu.Unlock()
		return nil
	}
	if _, ok := ts.handlers[id]; !ok {
		c.mu.Unlock()
		return nil
	}
	delete(ts.handlers, id)
	if len(ts.handlers) > 0 {
		c.mu.Unlock()
		return nil
	}
	delete(c.subs, topic)
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	c.log.Debug().Str("topic", topic).Msg("unsubscribed")
	return conn.Unsubscribe(ctx, topic)
}

func (c *Client) Publish(ctx context.Context, topic string, payload []byte, opts core.PublishOptions) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("%w: transport offline", domain.ErrConnectionUnavailable)
	}
	return conn.Publish(ctx, topic, payload, opts)
}

func (c *Client) deliver(msg core.InboundMessage) {
	c.mu.Lock()
	var handlers []core.MessageHandler
	if ts, ok := c.subs[msg.Topic]; ok {
		handlers = make([]core.MessageHandler, 0, len(ts.handlers))
		for _, h := range ts.handlers {
			handlers = append(handlers, h)
		}
	}
	c.mu.Unlock()
	if len(handlers) == 0 {
		c.log.Debug().Str("topic", msg.Topic).Msg("message without subscription")
		return
	}
	for _, h := range handlers {
		h(msg)
	}
}

func (c *Client) lost(gen uint64, err error) {
	c.mu.Lock()
	if c.closed || gen != c.gen {
		c.mu.Unlock()
		return
	}
	if c.conn == nil {
		// still establishing
		c.lostGen = gen
		c.mu.Unlock()
		return
	}
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	_ = conn.Close()
	c.log.Warn().Err(err).Msg("connection lost")
	c.emit(core.TransportEvent{Kind: core.TransportOffline, Err: err})
	c.Reconnect()
}

// Reconnect starts the reconnect loop unless the client is connected,
// already reconnecting, closed or never connected.
func (c *Client) Reconnect() {
	c.mu.Lock()
	if c.closed || !c.started || c.conn != nil || c.reconnecting {
		c.mu.Unlock()
		return
	}
	c.reconnecting = true
	c.mu.Unlock()
	go c.reconnectLoop()
}

func (c *Client) reconnectLoop() {
	defer func() {
		c.mu.Lock()
		c.reconnecting = false
		c.mu.Unlock()
	}()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.BackoffInitial
	b.MaxInterval = c.cfg.BackoffMax
	b.MaxElapsedTime = 0

	op := func() error {
		err := c.establish(c.ctx)
		if errors.Is(err, ErrClosed) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, next time.Duration) {
		c.log.Warn().Err(err).Dur("retry_in", next).Msg("reconnect failed")
		c.emit(core.TransportEvent{Kind: core.TransportError, Err: err})
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(b, c.ctx), notify); err != nil {
		c.log.Info().Err(err).Msg("reconnect abandoned")
		return
	}
	c.log.Info().Msg("reconnected")
	c.emit(core.TransportEvent{Kind: core.TransportReconnect})
}

func (c *Client) AddListener(fn func(core.TransportEvent)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextListener
	c.nextListener++
	c.listeners[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.listeners, id)
	}
}

func (c *Client) emit(ev core.TransportEvent) {
	c.mu.Lock()
	fns := make([]func(core.TransportEvent), 0, len(c.listeners))
	for _, fn := range c.listeners {
		fns = append(fns, fn)
	}
	c.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

func (c *Client) IsReconnecting() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reconnecting
}

func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	c.cancel()
	if conn != nil {
		return conn.Close()
	}
	return nil
}
