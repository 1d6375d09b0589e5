package core

import "context"

// InboundMessage is one message delivered by the transport.
type InboundMessage struct {
	Topic           string
	Payload         []byte
	CorrelationData []byte
}

// MessageHandler receives messages for one subscribed topic. It must not block.
type MessageHandler func(InboundMessage)

// Unsubscribe removes the handler a Subscribe call registered.
type Unsubscribe func(ctx context.Context) error

// PublishOptions mirrors the pub/sub properties the gateway protocol uses.
type PublishOptions struct {
	QoS             byte
	Retain          bool
	ResponseTopic   string
	CorrelationData []byte
}

type TransportEventKind int

const (
	TransportConnect TransportEventKind = iota
	TransportReconnect
	TransportOffline
	TransportError
)

func (k TransportEventKind) String() string {
	switch k {
	case TransportConnect:
		return "connect"
	case TransportReconnect:
		return "reconnect"
	case TransportOffline:
		return "offline"
	case TransportError:
		return "error"
	}
	return "unknown"
}

type TransportEvent struct {
	Kind TransportEventKind
	Err  error
}

// Credentials identify this client to the transport broker.
type Credentials struct {
	Username string
	Password string
}

// Transport abstracts the publish/subscribe messaging layer.
// Owned by the adapter; the core never opens sockets itself.
type Transport interface {
	Connect(ctx context.Context, creds Credentials) error
	// Subscribe adds h to topic. Handlers on the same topic all receive every
	// message; the broker subscription lasts until the last one is removed.
	Subscribe(ctx context.Context, topic string, qos byte, h MessageHandler) (Unsubscribe, error)
	Publish(ctx context.Context, topic string, payload []byte, opts PublishOptions) error

	// AddListener registers a lifecycle listener; the returned func removes it.
	AddListener(func(TransportEvent)) (remove func())
	IsConnected() bool
	IsReconnecting() bool
	// Reconnect nudges an idle transport to start reconnecting.
	Reconnect()
	ClientID() string
	Close() error
}
