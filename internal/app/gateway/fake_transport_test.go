package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/VoiceClient/internal/core"
	"github.com/dkeye/VoiceClient/internal/domain"
)

// fakeTransport records publishes and lets a responder answer them
// synchronously on the request's response topic. Every handler on a topic
// gets every message, as with the real client.
type fakeTransport struct {
	mu        sync.Mutex
	handlers  map[string]map[int]core.MessageHandler
	listeners map[int]func(core.TransportEvent)
	nextID    int
	sent      []domain.Request
	opts      []core.PublishOptions
	publishCh chan domain.Request
	respond   func(req domain.Request) []string
	pubErr    error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		handlers:  make(map[string]map[int]core.MessageHandler),
		listeners: make(map[int]func(core.TransportEvent)),
		publishCh: make(chan domain.Request, 64),
	}
}

func (f *fakeTransport) Connect(context.Context, core.Credentials) error { return nil }

func (f *fakeTransport) Subscribe(_ context.Context, topic string, _ byte, h core.MessageHandler) (core.Unsubscribe, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.handlers[topic] == nil {
		f.handlers[topic] = make(map[int]core.MessageHandler)
	}
	id := f.nextID
	f.nextID++
	f.handlers[topic][id] = h
	return func(context.Context) error {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.handlers[topic], id)
		if len(f.handlers[topic]) == 0 {
			delete(f.handlers, topic)
		}
		return nil
	}, nil
}

func (f *fakeTransport) Publish(_ context.Context, _ string, payload []byte, opts core.PublishOptions) error {
	var req domain.Request
	if err := json.Unmarshal(payload, &req); err != nil {
		return err
	}
	f.mu.Lock()
	if f.pubErr != nil {
		err := f.pubErr
		f.mu.Unlock()
		return err
	}
	f.sent = append(f.sent, req)
	f.opts = append(f.opts, opts)
	respond := f.respond
	f.mu.Unlock()

	select {
	case f.publishCh <- req:
	default:
	}
	if respond != nil {
		for _, reply := range respond(req) {
			f.deliver(opts.ResponseTopic, reply)
		}
	}
	return nil
}

func (f *fakeTransport) AddListener(fn func(core.TransportEvent)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextID
	f.nextID++
	f.listeners[id] = fn
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.listeners, id)
	}
}

func (f *fakeTransport) IsConnected() bool    { return true }
func (f *fakeTransport) IsReconnecting() bool { return false }
func (f *fakeTransport) Reconnect()           {}
func (f *fakeTransport) ClientID() string     { return "client-1" }
func (f *fakeTransport) Close() error         { return nil }

func (f *fakeTransport) deliver(topic, payload string) {
	f.mu.Lock()
	hs := make([]core.MessageHandler, 0, len(f.handlers[topic]))
	for _, h := range f.handlers[topic] {
		hs = append(hs, h)
	}
	f.mu.Unlock()
	for _, h := range hs {
		h(core.InboundMessage{Topic: topic, Payload: []byte(payload)})
	}
}

func (f *fakeTransport) topicCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.handlers)
}

func (f *fakeTransport) emit(ev core.TransportEvent) {
	f.mu.Lock()
	ls := make([]func(core.TransportEvent), 0, len(f.listeners))
	for _, fn := range f.listeners {
		ls = append(ls, fn)
	}
	f.mu.Unlock()
	for _, fn := range ls {
		fn(ev)
	}
}

func (f *fakeTransport) setResponder(fn func(req domain.Request) []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.respond = fn
}

func (f *fakeTransport) requests(kind domain.MessageType) []domain.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Request
	for _, r := range f.sent {
		if r.Janus == kind {
			out = append(out, r)
		}
	}
	return out
}

// waitPublished blocks until a request of the given kind is published.
func (f *fakeTransport) waitPublished(t *testing.T, kind domain.MessageType) domain.Request {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case req := <-f.publishCh:
			if req.Janus == kind {
				return req
			}
		case <-deadline:
			t.Fatalf("no %s request published", kind)
		}
	}
}

type fakeRestarter struct {
	reasons chan error
}

func newFakeRestarter() *fakeRestarter {
	return &fakeRestarter{reasons: make(chan error, 16)}
}

func (r *fakeRestarter) RestartRoom(reason error) { r.reasons <- reason }

func (r *fakeRestarter) count() int { return len(r.reasons) }

type closedGate struct{}

func (closedGate) WaitForConnection(context.Context) bool { return false }
func (closedGate) Healthy() bool                          { return false }

type fakeHandle struct {
	mu        sync.Mutex
	plugin    string
	id        domain.HandleID
	attachErr error
	messages  []domain.Message
	detached  int
}

func (h *fakeHandle) Plugin() string { return h.plugin }

func (h *fakeHandle) OnAttached(id domain.HandleID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.id = id
}

func (h *fakeHandle) OnAttachError(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.attachErr = err
}

func (h *fakeHandle) OnMessage(msg domain.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = append(h.messages, msg)
}

func (h *fakeHandle) OnDetached() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.detached++
}

func (h *fakeHandle) received() []domain.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]domain.Message(nil), h.messages...)
}

func (h *fakeHandle) detachCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.detached
}

var errPublish = errors.New("publish failed")
