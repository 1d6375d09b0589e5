package plugin

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dkeye/VoiceClient/internal/core"
	"github.com/dkeye/VoiceClient/internal/domain"
)

type sentMessage struct {
	handle domain.HandleID
	body   map[string]any
	jsep   *domain.JSEP
}

// fakeSession answers plugin messages through a responder keyed by the
// body's "request" field.
type fakeSession struct {
	mu        sync.Mutex
	connected atomic.Bool
	sent      []sentMessage
	trickled  []*domain.Candidate
	detached  []domain.HandleID
	respond   func(req string, body map[string]any, jsep *domain.JSEP) (domain.Message, error)
}

func newFakeSession() *fakeSession {
	s := &fakeSession{}
	s.connected.Store(true)
	return s
}

func (s *fakeSession) Send(_ context.Context, handle domain.HandleID, body any, jsep *domain.JSEP, _ domain.MessageType) (domain.Message, error) {
	raw, _ := json.Marshal(body)
	var m map[string]any
	_ = json.Unmarshal(raw, &m)

	s.mu.Lock()
	s.sent = append(s.sent, sentMessage{handle: handle, body: m, jsep: jsep})
	respond := s.respond
	s.mu.Unlock()

	if respond == nil {
		return &domain.Event{Header: domain.Header{Sender: handle}}, nil
	}
	req, _ := m["request"].(string)
	return respond(req, m, jsep)
}

func (s *fakeSession) Trickle(_ context.Context, _ domain.HandleID, c *domain.Candidate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trickled = append(s.trickled, c)
	return nil
}

func (s *fakeSession) Detach(_ context.Context, id domain.HandleID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.detached = append(s.detached, id)
	return nil
}

func (s *fakeSession) IsConnected() bool { return s.connected.Load() }

func (s *fakeSession) requests(name string) []sentMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []sentMessage
	for _, m := range s.sent {
		if m.body["request"] == name {
			out = append(out, m)
		}
	}
	return out
}

func (s *fakeSession) trickles() []*domain.Candidate {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*domain.Candidate(nil), s.trickled...)
}

func (s *fakeSession) detachCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.detached)
}

type fakePeer struct {
	mu      sync.Mutex
	offers  []bool
	answers int
	remote  []domain.JSEP
	added   []domain.Candidate
	closed  bool
	onCand  func(*domain.Candidate)
	onState func(core.ICEState)
	onTrack func(domain.TrackInfo)
}

func (p *fakePeer) CreateOffer(_ context.Context, iceRestart bool) (domain.JSEP, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.offers = append(p.offers, iceRestart)
	return domain.JSEP{Type: "offer", SDP: "v=0 local-offer"}, nil
}

func (p *fakePeer) CreateAnswer(context.Context) (domain.JSEP, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.answers++
	return domain.JSEP{Type: "answer", SDP: "v=0 local-answer"}, nil
}

func (p *fakePeer) SetRemoteDescription(j domain.JSEP) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.remote = append(p.remote, j)
	return nil
}

func (p *fakePeer) AddICECandidate(c domain.Candidate) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.added = append(p.added, c)
	return nil
}

func (p *fakePeer) OnICECandidate(fn func(*domain.Candidate)) { p.onCand = fn }
func (p *fakePeer) OnTrack(fn func(domain.TrackInfo))         { p.onTrack = fn }

func (p *fakePeer) OnICEConnectionStateChange(fn func(core.ICEState)) { p.onState = fn }

func (p *fakePeer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakePeer) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *fakePeer) restartOffers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, r := range p.offers {
		if r {
			n++
		}
	}
	return n
}

type fakeFactory struct {
	mu    sync.Mutex
	peers []*fakePeer
}

func (f *fakeFactory) NewPeer(core.PeerRole) (core.PeerConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := &fakePeer{}
	f.peers = append(f.peers, p)
	return p, nil
}

func (f *fakeFactory) last() *fakePeer {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.peers) == 0 {
		return nil
	}
	return f.peers[len(f.peers)-1]
}

type healthGate struct{ healthy atomic.Bool }

func (g *healthGate) WaitForConnection(context.Context) bool { return g.healthy.Load() }
func (g *healthGate) Healthy() bool                          { return g.healthy.Load() }

func videoroomEvent(t *testing.T, data string, jsep *domain.JSEP) *domain.Event {
	t.Helper()
	return &domain.Event{
		PluginData: &domain.PluginData{Plugin: domain.PluginVideoRoom, Data: json.RawMessage(data)},
		JSEP:       jsep,
	}
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
