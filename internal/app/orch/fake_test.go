package orch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dkeye/VoiceClient/internal/app/gateway"
	"github.com/dkeye/VoiceClient/internal/core"
	"github.com/dkeye/VoiceClient/internal/domain"
)

type responder func(req string, body map[string]any) (domain.Message, error)

// fakeGateway stands in for a gateway session: handles attach instantly and
// plugin messages are answered by a responder keyed on the "request" field.
type fakeGateway struct {
	name      string
	restarter core.RoomRestarter
	respond   responder
	connected atomic.Bool
	destroyed atomic.Bool

	mu      sync.Mutex
	nextID  domain.HandleID
	handles []gateway.Handle
	byID    map[domain.HandleID]gateway.Handle
	sent    []map[string]any
}

func (g *fakeGateway) Init(context.Context, string) (domain.SessionID, error) {
	g.connected.Store(true)
	return 555, nil
}

func (g *fakeGateway) Attach(_ context.Context, h gateway.Handle) (domain.HandleID, error) {
	g.mu.Lock()
	g.nextID++
	id := 100 + g.nextID
	g.handles = append(g.handles, h)
	g.byID[id] = h
	g.mu.Unlock()
	h.OnAttached(id)
	return id, nil
}

func (g *fakeGateway) Send(_ context.Context, handle domain.HandleID, body any, _ *domain.JSEP, _ domain.MessageType) (domain.Message, error) {
	if !g.connected.Load() {
		return nil, domain.ErrNotConnected
	}
	raw, _ := json.Marshal(body)
	var m map[string]any
	_ = json.Unmarshal(raw, &m)
	g.mu.Lock()
	g.sent = append(g.sent, m)
	g.mu.Unlock()

	req, _ := m["request"].(string)
	msg, err := g.respond(req, m)
	if ev, ok := msg.(*domain.Event); ok {
		ev.Sender = handle
	}
	return msg, err
}

func (g *fakeGateway) Trickle(context.Context, domain.HandleID, *domain.Candidate) error { return nil }

func (g *fakeGateway) Detach(_ context.Context, id domain.HandleID) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.byID, id)
	return nil
}

func (g *fakeGateway) IsConnected() bool { return g.connected.Load() }

func (g *fakeGateway) Destroy(context.Context) {
	if g.destroyed.Swap(true) {
		return
	}
	g.connected.Store(false)
	g.mu.Lock()
	hs := make([]gateway.Handle, 0, len(g.byID))
	for _, h := range g.byID {
		hs = append(hs, h)
	}
	g.byID = map[domain.HandleID]gateway.Handle{}
	g.mu.Unlock()
	for _, h := range hs {
		h.OnDetached()
	}
}

func (g *fakeGateway) Snapshot() gateway.Info {
	return gateway.Info{Name: g.name, ID: 555, Connected: g.connected.Load()}
}

// handle returns the i-th handle attached, in attach order.
func (g *fakeGateway) handle(i int) gateway.Handle {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.handles[i]
}

func (g *fakeGateway) requests(name string) []map[string]any {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []map[string]any
	for _, m := range g.sent {
		if m["request"] == name {
			out = append(out, m)
		}
	}
	return out
}

type fakeSessions struct {
	respond responder

	mu       sync.Mutex
	sessions []*fakeGateway
}

func (f *fakeSessions) New(name string, restarter core.RoomRestarter) GatewaySession {
	g := &fakeGateway{name: name, restarter: restarter, respond: f.respond, byID: map[domain.HandleID]gateway.Handle{}}
	f.mu.Lock()
	f.sessions = append(f.sessions, g)
	f.mu.Unlock()
	return g
}

func (f *fakeSessions) named(name string) []*fakeGateway {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*fakeGateway
	for _, g := range f.sessions {
		if g.name == name {
			out = append(out, g)
		}
	}
	return out
}

type fakePeer struct {
	role    core.PeerRole
	onState func(core.ICEState)
}

func (p *fakePeer) CreateOffer(context.Context, bool) (domain.JSEP, error) {
	return domain.JSEP{Type: "offer", SDP: "v=0 local-offer"}, nil
}

func (p *fakePeer) CreateAnswer(context.Context) (domain.JSEP, error) {
	return domain.JSEP{Type: "answer", SDP: "v=0 local-answer"}, nil
}

func (p *fakePeer) SetRemoteDescription(domain.JSEP) error { return nil }
func (p *fakePeer) AddICECandidate(domain.Candidate) error { return nil }
func (p *fakePeer) OnICECandidate(func(*domain.Candidate)) {}
func (p *fakePeer) OnTrack(func(domain.TrackInfo))         {}
func (p *fakePeer) Close() error                           { return nil }

func (p *fakePeer) OnICEConnectionStateChange(fn func(core.ICEState)) { p.onState = fn }

type fakePeers struct {
	mu    sync.Mutex
	peers []*fakePeer
}

func (f *fakePeers) NewPeer(role core.PeerRole) (core.PeerConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := &fakePeer{role: role}
	f.peers = append(f.peers, p)
	return p, nil
}

func (f *fakePeers) first(role core.PeerRole) *fakePeer {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.peers {
		if p.role == role {
			return p
		}
	}
	return nil
}

// recorder is a Notifier that counts calls by name.
type recorder struct {
	mu     sync.Mutex
	calls  map[string]int
	reason error
	pubs   []domain.Publisher
}

func newRecorder() *recorder { return &recorder{calls: map[string]int{}} }

func (r *recorder) hit(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls[name]++
}

func (r *recorder) count(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[name]
}

func (r *recorder) lastReason() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reason
}

func (r *recorder) RoomJoined(domain.RoomID) { r.hit("joined") }

func (r *recorder) RoomLeft(_ domain.RoomID, reason error) {
	r.mu.Lock()
	r.reason = reason
	r.mu.Unlock()
	r.hit("left")
}

func (r *recorder) Disconnected(reason error) {
	r.mu.Lock()
	r.reason = reason
	r.mu.Unlock()
	r.hit("disconnected")
}

func (r *recorder) Reconnecting() { r.hit("reconnecting") }
func (r *recorder) Resumed()      { r.hit("resumed") }

func (r *recorder) PublishersChanged(pubs []domain.Publisher) {
	r.mu.Lock()
	r.pubs = pubs
	r.mu.Unlock()
	r.hit("publishers")
}

func (r *recorder) PublisherLeft(domain.FeedID) { r.hit("publisher_left") }
func (r *recorder) Speaking(bool)               { r.hit("speaking") }
func (r *recorder) BitrateAdjusted(int)         { r.hit("bitrate") }
func (r *recorder) TrackAdded(domain.TrackInfo) { r.hit("track") }
func (r *recorder) MediaChanged(string, bool)   { r.hit("media") }

func pluginEvent(plugin, data string, jsep *domain.JSEP) *domain.Event {
	return &domain.Event{
		PluginData: &domain.PluginData{Plugin: plugin, Data: json.RawMessage(data)},
		JSEP:       jsep,
	}
}

// gatewayReplies answers like a videoroom and streaming gateway where the
// local publisher gets feed 7 and bob (feed 8) is already publishing.
func gatewayReplies(req string, body map[string]any) (domain.Message, error) {
	remoteOffer := &domain.JSEP{Type: "offer", SDP: "v=0 remote-offer"}
	switch req {
	case "join":
		if body["ptype"] == "publisher" {
			return pluginEvent(domain.PluginVideoRoom,
				`{"videoroom":"joined","room":1234,"id":7,"private_id":99,"publishers":[{"id":7,"display":"me"},{"id":8,"display":"bob"}]}`, nil), nil
		}
		return pluginEvent(domain.PluginVideoRoom, `{"videoroom":"attached","room":1234}`, remoteOffer), nil
	case "subscribe", "unsubscribe":
		return pluginEvent(domain.PluginVideoRoom, `{"videoroom":"updated","room":1234}`, remoteOffer), nil
	case "configure":
		return pluginEvent(domain.PluginVideoRoom, `{"videoroom":"event","configured":"ok"}`,
			&domain.JSEP{Type: "answer", SDP: "v=0 remote-answer"}), nil
	case "start":
		return pluginEvent(domain.PluginVideoRoom, `{"videoroom":"event","started":"ok"}`, nil), nil
	case "leave":
		return pluginEvent(domain.PluginVideoRoom, `{"videoroom":"event","leaving":"ok"}`, nil), nil
	case "watch":
		return pluginEvent(domain.PluginStreaming, `{"streaming":"event","result":{"status":"preparing"}}`, remoteOffer), nil
	case "stop":
		return pluginEvent(domain.PluginStreaming, `{"streaming":"event","result":{"status":"stopping"}}`, nil), nil
	}
	return nil, fmt.Errorf("unexpected request %q", req)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
