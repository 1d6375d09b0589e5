// Package ws carries the pub/sub topic scheme over a single WebSocket: the
// client sends subscribe, unsubscribe and publish frames, the relay pushes
// messages for subscribed topics.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/VoiceClient/internal/adapters/pubsub"
	"github.com/dkeye/VoiceClient/internal/core"
)

const (
	DefaultPingPeriod = 25 * time.Second
	DefaultReadLimit  = 1 << 20
	writeWait         = 5 * time.Second
	sendQueue         = 64
)

var ErrConnClosed = errors.New("websocket closed")

// Frame is one message on the socket, in either direction.
type Frame struct {
	Op              string          `json:"op,omitempty"`
	Topic           string          `json:"topic"`
	QoS             byte            `json:"qos,omitempty"`
	Retain          bool            `json:"retain,omitempty"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	ResponseTopic   string          `json:"response_topic,omitempty"`
	CorrelationData []byte          `json:"correlation_data,omitempty"`
}

const (
	OpSubscribe   = "subscribe"
	OpUnsubscribe = "unsubscribe"
	OpPublish     = "publish"
)

type Config struct {
	URL        string
	PingPeriod time.Duration
	ReadLimit  int64
}

// Dialer returns a pubsub.Dialer that opens one socket per call.
func Dialer(cfg Config) (pubsub.Dialer, error) {
	if _, err := url.Parse(cfg.URL); err != nil {
		return nil, fmt.Errorf("parse relay url: %w", err)
	}
	if cfg.PingPeriod <= 0 {
		cfg.PingPeriod = DefaultPingPeriod
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = DefaultReadLimit
	}
	return func(ctx context.Context, clientID string, creds core.Credentials, link pubsub.Link) (pubsub.Conn, error) {
		u, _ := url.Parse(cfg.URL)
		q := u.Query()
		q.Set("client_id", clientID)
		u.RawQuery = q.Encode()

		header := http.Header{}
		if creds.Password != "" {
			header.Set("Authorization", "Bearer "+creds.Password)
		}
		c, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
		if err != nil {
			if resp != nil {
				return nil, fmt.Errorf("websocket dial: status %d: %w", resp.StatusCode, err)
			}
			return nil, fmt.Errorf("websocket dial: %w", err)
		}
		return start(c, cfg, clientID, link), nil
	}, nil
}

// New builds a WebSocket-backed transport.
func New(cfg Config, pc pubsub.Config) (*pubsub.Client, error) {
	dial, err := Dialer(cfg)
	if err != nil {
		return nil, err
	}
	return pubsub.New("ws", pc, dial), nil
}

type conn struct {
	ws   *websocket.Conn
	cfg  Config
	link pubsub.Link
	log  zerolog.Logger
	send chan []byte

	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
}

func start(c *websocket.Conn, cfg Config, clientID string, link pubsub.Link) *conn {
	ctx, cancel := context.WithCancel(context.Background())
	wc := &conn{
		ws:     c,
		cfg:    cfg,
		link:   link,
		log:    log.With().Str("module", "ws").Str("client_id", clientID).Logger(),
		send:   make(chan []byte, sendQueue),
		ctx:    ctx,
		cancel: cancel,
	}
	c.SetReadLimit(cfg.ReadLimit)
	_ = c.SetReadDeadline(time.Now().Add(2 * cfg.PingPeriod))
	c.SetPongHandler(func(string) error {
		return c.SetReadDeadline(time.Now().Add(2 * cfg.PingPeriod))
	})
	go wc.writePump()
	go wc.readPump()
	return wc
}

func (c *conn) writePump() {
	ping := time.NewTicker(c.cfg.PingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case data := <-c.send:
			if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.fail(fmt.Errorf("set write deadline: %w", err))
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.fail(fmt.Errorf("write: %w", err))
				return
			}
		case <-ping.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.fail(fmt.Errorf("ping: %w", err))
				return
			}
		}
	}
}

func (c *conn) readPump() {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.fail(fmt.Errorf("read: %w", err))
			return
		}
		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.log.Error().Err(err).Msg("bad frame")
			continue
		}
		if f.Topic == "" {
			c.log.Warn().Msg("frame without topic")
			continue
		}
		c.link.Deliver(core.InboundMessage{Topic: f.Topic, Payload: f.Payload, CorrelationData: f.CorrelationData})
	}
}

// fail tears the socket down and reports the loss, unless Close got there
// first.
func (c *conn) fail(err error) {
	if c.ctx.Err() != nil {
		return
	}
	c.shutdown()
	c.link.Lost(err)
}

func (c *conn) shutdown() {
	c.once.Do(func() {
		c.cancel()
		_ = c.ws.Close()
		c.log.Info().Msg("socket closed")
	})
}

func (c *conn) enqueue(ctx context.Context, f Frame) error {
	b, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	select {
	case c.send <- b:
		return nil
	case <-c.ctx.Done():
		return ErrConnClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *conn) Subscribe(ctx context.Context, topic string, qos byte) error {
	return c.enqueue(ctx, Frame{Op: OpSubscribe, Topic: topic, QoS: qos})
}

func (c *conn) Unsubscribe(ctx context.Context, topic string) error {
	return c.enqueue(ctx, Frame{Op: OpUnsubscribe, Topic: topic})
}

func (c *conn) Publish(ctx context.Context, topic string, payload []byte, opts core.PublishOptions) error {
	if !json.Valid(payload) {
		return fmt.Errorf("publish %s: payload is not JSON", topic)
	}
	return c.enqueue(ctx, Frame{
		Op:              OpPublish,
		Topic:           topic,
		QoS:             opts.QoS,
		Retain:          opts.Retain,
		Payload:         payload,
		ResponseTopic:   opts.ResponseTopic,
		CorrelationData: opts.CorrelationData,
	})
}

func (c *conn) Close() error {
	if c.ctx.Err() == nil {
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
	}
	c.shutdown()
	return nil
}
