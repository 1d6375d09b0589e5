// Package mqtt connects the pub/sub transport to an MQTT v5 broker. The
// gateway protocol relies on v5 publish properties: replies travel to the
// ResponseTopic and carry the request's CorrelationData back.
package mqtt

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/url"
	"time"

	"github.com/eclipse/paho.golang/paho"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/VoiceClient/internal/adapters/pubsub"
	"github.com/dkeye/VoiceClient/internal/core"
)

const DefaultKeepAlive = 30 * time.Second

var ErrUnsupportedScheme = errors.New("unsupported broker scheme")

type Config struct {
	// Broker is tcp://host:port, mqtt://, ssl://, tls:// or mqtts://.
	Broker    string
	KeepAlive time.Duration
	TLS       *tls.Config
}

// Dialer returns a pubsub.Dialer that opens one MQTT v5 session per call.
func Dialer(cfg Config) (pubsub.Dialer, error) {
	u, err := url.Parse(cfg.Broker)
	if err != nil {
		return nil, fmt.Errorf("parse broker url: %w", err)
	}
	secure, err := secureScheme(u.Scheme)
	if err != nil {
		return nil, err
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = DefaultKeepAlive
	}
	addr := u.Host
	if u.Port() == "" {
		port := "1883"
		if secure {
			port = "8883"
		}
		addr = net.JoinHostPort(u.Hostname(), port)
	}

	return func(ctx context.Context, clientID string, creds core.Credentials, link pubsub.Link) (pubsub.Conn, error) {
		nc, err := dialNet(ctx, addr, secure, cfg.TLS)
		if err != nil {
			return nil, err
		}
		return handshake(ctx, nc, clientID, creds, cfg.KeepAlive, link)
	}, nil
}

func secureScheme(scheme string) (bool, error) {
	switch scheme {
	case "tcp", "mqtt":
		return false, nil
	case "ssl", "tls", "mqtts":
		return true, nil
	}
	return false, fmt.Errorf("%w: %q", ErrUnsupportedScheme, scheme)
}

func dialNet(ctx context.Context, addr string, secure bool, tc *tls.Config) (net.Conn, error) {
	if secure {
		d := &tls.Dialer{Config: tc}
		return d.DialContext(ctx, "tcp", addr)
	}
	var d net.Dialer
	return d.DialContext(ctx, "tcp", addr)
}

// handshake runs CONNECT over an open network connection.
func handshake(ctx context.Context, nc net.Conn, clientID string, creds core.Credentials, keepAlive time.Duration, link pubsub.Link) (pubsub.Conn, error) {
	c := paho.NewClient(paho.ClientConfig{
		ClientID: clientID,
		Conn:     nc,
		OnPublishReceived: []func(paho.PublishReceived) (bool, error){
			func(pr paho.PublishReceived) (bool, error) {
				link.Deliver(inbound(pr.Packet))
				return true, nil
			},
		},
		OnClientError: func(err error) { link.Lost(err) },
		OnServerDisconnect: func(d *paho.Disconnect) {
			link.Lost(fmt.Errorf("server disconnect: reason %d", d.ReasonCode))
		},
	})

	cp := &paho.Connect{
		ClientID:   clientID,
		KeepAlive:  uint16(keepAlive / time.Second),
		CleanStart: true,
	}
	if creds.Username != "" {
		cp.Username, cp.UsernameFlag = creds.Username, true
	}
	if creds.Password != "" {
		cp.Password, cp.PasswordFlag = []byte(creds.Password), true
	}

	ca, err := c.Connect(ctx, cp)
	if err != nil {
		_ = nc.Close()
		if ca != nil {
			return nil, fmt.Errorf("mqtt connect refused: reason %d: %w", ca.ReasonCode, err)
		}
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	log.Debug().Str("module", "mqtt").Str("client_id", clientID).Msg("session established")
	return &conn{c: c}, nil
}

func inbound(p *paho.Publish) core.InboundMessage {
	msg := core.InboundMessage{Topic: p.Topic, Payload: p.Payload}
	if p.Properties != nil {
		msg.CorrelationData = p.Properties.CorrelationData
	}
	return msg
}

func outbound(topic string, payload []byte, opts core.PublishOptions) *paho.Publish {
	p := &paho.Publish{
		Topic:   topic,
		QoS:     opts.QoS,
		Retain:  opts.Retain,
		Payload: payload,
	}
	if opts.ResponseTopic != "" || len(opts.CorrelationData) > 0 {
		p.Properties = &paho.PublishProperties{
			ResponseTopic:   opts.ResponseTopic,
			CorrelationData: opts.CorrelationData,
		}
	}
	return p
}

type conn struct {
	c *paho.Client
}

func (c *conn) Subscribe(ctx context.Context, topic string, qos byte) error {
	_, err := c.c.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{{Topic: topic, QoS: qos}},
	})
	return err
}

func (c *conn) Unsubscribe(ctx context.Context, topic string) error {
	_, err := c.c.Unsubscribe(ctx, &paho.Unsubscribe{Topics: []string{topic}})
	return err
}

func (c *conn) Publish(ctx context.Context, topic string, payload []byte, opts core.PublishOptions) error {
	_, err := c.c.Publish(ctx, outbound(topic, payload, opts))
	return err
}

func (c *conn) Close() error {
	return c.c.Disconnect(&paho.Disconnect{ReasonCode: 0})
}

// New builds an MQTT-backed transport.
func New(cfg Config, pc pubsub.Config) (*pubsub.Client, error) {
	dial, err := Dialer(cfg)
	if err != nil {
		return nil, err
	}
	return pubsub.New("mqtt", pc, dial), nil
}
