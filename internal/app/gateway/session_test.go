package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/dkeye/VoiceClient/internal/core"
	"github.com/dkeye/VoiceClient/internal/domain"
)

const testDirect = "eu1/from-janus/client-1"

// gatewayReplies answers like a healthy gateway.
func gatewayReplies(req domain.Request) []string {
	switch req.Janus {
	case domain.TypeCreate:
		return []string{fmt.Sprintf(`{"janus":"success","transaction":%q,"data":{"id":555}}`, req.Transaction)}
	case domain.TypeAttach:
		return []string{fmt.Sprintf(`{"janus":"success","transaction":%q,"session_id":555,"data":{"id":42}}`, req.Transaction)}
	case domain.TypeDetach, domain.TypeDestroy:
		return []string{fmt.Sprintf(`{"janus":"success","transaction":%q,"session_id":555}`, req.Transaction)}
	case domain.TypeKeepAlive, domain.TypeTrickle, domain.TypeMessage:
		return []string{fmt.Sprintf(`{"janus":"ack","transaction":%q,"session_id":555}`, req.Transaction)}
	}
	return nil
}

type testEnv struct {
	tr        *fakeTransport
	clk       clockwork.FakeClock
	restarter *fakeRestarter
	s         *Session
}

func newTestEnv(t *testing.T, gate core.ConnectionGate) *testEnv {
	t.Helper()
	tr := newFakeTransport()
	tr.setResponder(gatewayReplies)
	clk := clockwork.NewFakeClock()
	r := newFakeRestarter()
	s := New(Config{Name: "room", Server: "eu1"}, Deps{Transport: tr, Gate: gate, Restarter: r, Clock: clk})
	return &testEnv{tr: tr, clk: clk, restarter: r, s: s}
}

func (e *testEnv) init(t *testing.T) {
	t.Helper()
	id, err := e.s.Init(context.Background(), "tok")
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if id != 555 {
		t.Fatalf("expected session 555, got %d", id)
	}
}

func TestSession_InitCreatesAndSchedulesKeepAlive(t *testing.T) {
	e := newTestEnv(t, nil)
	e.init(t)

	if !e.s.IsConnected() {
		t.Fatal("expected connected session")
	}
	creates := e.tr.requests(domain.TypeCreate)
	if len(creates) != 1 || creates[0].SessionID != 0 || creates[0].Token != "tok" {
		t.Fatalf("unexpected create requests %+v", creates)
	}
	e.tr.mu.Lock()
	opts := e.tr.opts[0]
	e.tr.mu.Unlock()
	if opts.ResponseTopic != testDirect || string(opts.CorrelationData) != creates[0].Transaction {
		t.Errorf("unexpected publish options %+v", opts)
	}

	e.clk.BlockUntil(1)
	e.clk.Advance(DefaultKeepAlivePeriod)
	ka := e.tr.waitPublished(t, domain.TypeKeepAlive)
	if ka.SessionID != 555 {
		t.Errorf("keepalive must carry session id, got %d", ka.SessionID)
	}
}

func TestSession_AttachAssignsHandleID(t *testing.T) {
	e := newTestEnv(t, nil)
	e.init(t)

	h := &fakeHandle{plugin: domain.PluginVideoRoom}
	id, err := e.s.Attach(context.Background(), h)
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	if id != 42 || h.id != 42 {
		t.Fatalf("expected handle 42, got %d / %d", id, h.id)
	}
	att := e.tr.requests(domain.TypeAttach)
	if len(att) != 1 || att[0].Plugin != domain.PluginVideoRoom || att[0].SessionID != 555 {
		t.Errorf("unexpected attach request %+v", att)
	}
}

func TestSession_AttachRejected(t *testing.T) {
	e := newTestEnv(t, nil)
	e.init(t)
	e.tr.setResponder(func(req domain.Request) []string {
		if req.Janus == domain.TypeAttach {
			return []string{fmt.Sprintf(`{"janus":"error","transaction":%q,"error":{"code":460,"reason":"no plugin"}}`, req.Transaction)}
		}
		return gatewayReplies(req)
	})

	h := &fakeHandle{plugin: "janus.plugin.missing"}
	_, err := e.s.Attach(context.Background(), h)
	if !errors.Is(err, domain.ErrAttachRejected) {
		t.Fatalf("expected ErrAttachRejected, got %v", err)
	}
	var ge *domain.GatewayError
	if !errors.As(err, &ge) || ge.Code != 460 {
		t.Errorf("expected gateway error 460 in chain, got %v", err)
	}
	if h.attachErr == nil {
		t.Error("handle was not told about the rejection")
	}
}

func TestSession_ReplyMustMatchIDAndType(t *testing.T) {
	e := newTestEnv(t, nil)
	e.init(t)
	e.tr.setResponder(func(req domain.Request) []string {
		return []string{
			`{"janus":"success","transaction":"someone-else","data":{"id":1}}`,
			fmt.Sprintf(`{"janus":"ack","transaction":%q}`, req.Transaction),
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := e.s.Transaction(ctx, domain.Request{Janus: domain.TypeAttach, Plugin: "p"}, domain.TypeSuccess)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("mismatched replies must not resolve, got %v", err)
	}
	if e.s.Snapshot().Pending != 0 {
		t.Error("cancelled transaction left a pending entry")
	}

	e.tr.setResponder(gatewayReplies)
	if _, err := e.s.Transaction(context.Background(), domain.Request{Janus: domain.TypeAttach, Plugin: "p"}, domain.TypeSuccess); err != nil {
		t.Fatalf("matching reply must resolve: %v", err)
	}
}

func TestSession_TransactionTimeout(t *testing.T) {
	e := newTestEnv(t, nil)
	e.init(t)
	e.tr.setResponder(nil)

	errCh := make(chan error, 1)
	go func() {
		_, err := e.s.Transaction(context.Background(), domain.Request{Janus: domain.TypeMessage, HandleID: 1},
			domain.TypeAck, WithTimeout(5*time.Second))
		errCh <- err
	}()
	e.tr.waitPublished(t, domain.TypeMessage)
	// keepalive period timer and transaction timer
	e.clk.BlockUntil(2)
	e.clk.Advance(5 * time.Second)

	select {
	case err := <-errCh:
		if !errors.Is(err, domain.ErrTransactionTimeout) {
			t.Fatalf("expected timeout, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("transaction did not time out")
	}
	if n := e.s.Snapshot().Pending; n != 0 {
		t.Errorf("expected no pending transactions, got %d", n)
	}
}

func TestSession_SequencingErrors(t *testing.T) {
	e := newTestEnv(t, nil)
	_, err := e.s.Transaction(context.Background(), domain.Request{Janus: domain.TypeAttach}, domain.TypeSuccess)
	if !errors.Is(err, domain.ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}

	closed := newTestEnv(t, closedGate{})
	if _, err := closed.s.Init(context.Background(), "tok"); !errors.Is(err, domain.ErrConnectionUnavailable) {
		t.Fatalf("expected ErrConnectionUnavailable from init, got %v", err)
	}
	if len(closed.tr.requests(domain.TypeCreate)) != 0 {
		t.Error("closed gate must not publish")
	}
}

func TestSession_PluginErrorRejectsTransaction(t *testing.T) {
	e := newTestEnv(t, nil)
	e.init(t)
	e.tr.setResponder(func(req domain.Request) []string {
		return []string{fmt.Sprintf(`{"janus":"event","transaction":%q,"sender":42,
			"plugindata":{"plugin":"janus.plugin.videoroom","data":{"videoroom":"event","error_code":426,"error":"No such room"}}}`, req.Transaction)}
	})

	_, err := e.s.Send(context.Background(), 42, map[string]any{"request": "join"}, nil, domain.TypeEvent)
	if !errors.Is(err, domain.ErrGatewayRejected) {
		t.Fatalf("expected rejection, got %v", err)
	}
	var ge *domain.GatewayError
	if !errors.As(err, &ge) || ge.Code != 426 {
		t.Errorf("expected code 426, got %v", err)
	}
}

func TestSession_RoutesEventsBySender(t *testing.T) {
	e := newTestEnv(t, nil)
	e.init(t)
	h := &fakeHandle{plugin: domain.PluginVideoRoom}
	if _, err := e.s.Attach(context.Background(), h); err != nil {
		t.Fatal(err)
	}

	e.tr.deliver(testDirect, `{"janus":"webrtcup","session_id":555,"sender":42}`)
	e.tr.deliver(testDirect, `{"janus":"media","session_id":555,"sender":99,"type":"audio","receiving":true}`)
	e.tr.deliver(testDirect, `{"janus":"hangup","session_id":777,"sender":42,"reason":"other session"}`)
	e.tr.deliver(testDirect, `{"janus":"bogus"}`)

	got := h.received()
	if len(got) != 1 {
		t.Fatalf("expected exactly one routed message, got %d", len(got))
	}
	if _, ok := got[0].(*domain.WebRTCUp); !ok {
		t.Errorf("expected webrtcup, got %T", got[0])
	}
}

func TestSession_DetachedReplyRemovesHandle(t *testing.T) {
	e := newTestEnv(t, nil)
	e.init(t)
	h := &fakeHandle{plugin: domain.PluginVideoRoom}
	if _, err := e.s.Attach(context.Background(), h); err != nil {
		t.Fatal(err)
	}
	e.tr.deliver(testDirect, `{"janus":"detached","session_id":555,"sender":42}`)
	if h.detachCount() != 1 {
		t.Errorf("expected handle detached once, got %d", h.detachCount())
	}
	if len(e.s.Snapshot().Handles) != 0 {
		t.Error("handle still registered")
	}
}

func TestSession_OnlineIsIdempotent(t *testing.T) {
	e := newTestEnv(t, nil)
	e.init(t)

	e.tr.deliver("eu1/status", `{"online":true}`)
	e.tr.deliver("eu1/status", `{"online":true}`)
	time.Sleep(50 * time.Millisecond)

	if n := len(e.tr.requests(domain.TypeCreate)); n != 1 {
		t.Errorf("expected a single create, got %d", n)
	}
	if e.restarter.count() != 0 {
		t.Error("online must not trigger a restart")
	}
}

func TestSession_OfflineRestartsOnceAndDefersCreate(t *testing.T) {
	e := newTestEnv(t, nil)
	e.init(t)
	h := &fakeHandle{plugin: domain.PluginVideoRoom}
	if _, err := e.s.Attach(context.Background(), h); err != nil {
		t.Fatal(err)
	}

	e.tr.deliver("eu1/status", `{"online":false}`)
	e.tr.deliver("eu1/status", `{"online":false}`)

	if e.restarter.count() != 1 {
		t.Fatalf("expected one restart, got %d", e.restarter.count())
	}
	if reason := <-e.restarter.reasons; !errors.Is(reason, domain.ErrSessionOffline) {
		t.Errorf("unexpected restart reason %v", reason)
	}
	if e.s.IsConnected() || h.detachCount() != 1 {
		t.Fatalf("expected torn down session, connected=%v detached=%d", e.s.IsConnected(), h.detachCount())
	}

	done := make(chan error, 1)
	go func() {
		_, err := e.s.Connect(context.Background())
		done <- err
	}()
	select {
	case <-done:
		t.Fatal("create must wait for the gateway to come back")
	case <-time.After(50 * time.Millisecond):
	}

	e.tr.deliver("eu1/status", `{"online":true}`)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("deferred create: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("deferred create never completed")
	}
	if n := len(e.tr.requests(domain.TypeCreate)); n != 2 {
		t.Errorf("expected exactly two creates, got %d", n)
	}
}

func TestSession_GatewayTimeoutExpiresSession(t *testing.T) {
	e := newTestEnv(t, nil)
	e.init(t)
	e.tr.deliver(testDirect, `{"janus":"timeout","session_id":555}`)

	if e.s.IsConnected() {
		t.Fatal("expected expired session")
	}
	if reason := <-e.restarter.reasons; !errors.Is(reason, domain.ErrSessionExpired) {
		t.Errorf("unexpected reason %v", reason)
	}
}

func TestSession_TransportOfflineTearsDownWithoutRestart(t *testing.T) {
	e := newTestEnv(t, nil)
	e.init(t)
	e.tr.setResponder(nil)

	errCh := make(chan error, 1)
	go func() {
		_, err := e.s.Send(context.Background(), 42, map[string]any{}, nil, domain.TypeAck)
		errCh <- err
	}()
	e.tr.waitPublished(t, domain.TypeMessage)
	e.tr.emit(core.TransportEvent{Kind: core.TransportOffline})

	select {
	case err := <-errCh:
		if !errors.Is(err, domain.ErrTransportLost) {
			t.Fatalf("expected ErrTransportLost, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending transaction was not rejected")
	}
	if e.restarter.count() != 0 {
		t.Error("transport loss is handled by the network monitor, not a restart")
	}
	if n := e.s.Snapshot(); n.Pending != 0 || n.Connected {
		t.Errorf("expected clean state, got %+v", n)
	}
}

func TestSession_KeepAliveFailuresRestartOnce(t *testing.T) {
	e := newTestEnv(t, nil)
	e.init(t)
	e.tr.setResponder(nil)

	for i := 0; i < DefaultKeepAliveMaxFailures; i++ {
		e.clk.BlockUntil(1)
		e.clk.Advance(DefaultKeepAlivePeriod)
		e.tr.waitPublished(t, domain.TypeKeepAlive)
		e.clk.BlockUntil(1)
		e.clk.Advance(DefaultKeepAliveTimeout)
	}

	select {
	case reason := <-e.restarter.reasons:
		if !errors.Is(reason, domain.ErrKeepaliveExhausted) {
			t.Errorf("unexpected reason %v", reason)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected restart after keepalive ceiling")
	}
	if e.s.IsConnected() {
		t.Error("expected torn down session")
	}
	time.Sleep(20 * time.Millisecond)
	if e.restarter.count() != 0 {
		t.Error("restart requested more than once")
	}
}

func TestSession_KeepAliveSuccessResetsFailures(t *testing.T) {
	e := newTestEnv(t, nil)
	e.init(t)

	var n int
	e.tr.setResponder(func(req domain.Request) []string {
		if req.Janus == domain.TypeKeepAlive {
			n++
			if n == 1 || n == 2 || n == 4 || n == 5 {
				return nil
			}
		}
		return gatewayReplies(req)
	})

	for i := 1; i <= 5; i++ {
		e.clk.BlockUntil(1)
		e.clk.Advance(DefaultKeepAlivePeriod)
		e.tr.waitPublished(t, domain.TypeKeepAlive)
		if i != 3 {
			e.clk.BlockUntil(1)
			e.clk.Advance(DefaultKeepAliveTimeout)
		}
	}
	e.clk.BlockUntil(1)

	if e.restarter.count() != 0 {
		t.Fatal("non-consecutive failures must not restart")
	}
	if !e.s.IsConnected() {
		t.Error("expected session to stay connected")
	}
}

func TestSession_DestroyClearsEverything(t *testing.T) {
	e := newTestEnv(t, nil)
	e.init(t)
	h1 := &fakeHandle{plugin: domain.PluginVideoRoom}
	if _, err := e.s.Attach(context.Background(), h1); err != nil {
		t.Fatal(err)
	}

	e.s.Destroy(context.Background())

	if len(e.tr.requests(domain.TypeDetach)) != 1 || len(e.tr.requests(domain.TypeDestroy)) != 1 {
		t.Errorf("expected detach and destroy requests")
	}
	info := e.s.Snapshot()
	if info.Connected || info.Pending != 0 || len(info.Handles) != 0 {
		t.Errorf("expected empty session, got %+v", info)
	}
	if h1.detachCount() != 1 {
		t.Errorf("expected one detach notification, got %d", h1.detachCount())
	}
	if e.restarter.count() != 0 {
		t.Error("destroy must not restart")
	}
	if subs := e.tr.topicCount(); subs != 0 {
		t.Errorf("expected no subscriptions left, got %d", subs)
	}
}

func TestSession_PublishFailureReleasesEntry(t *testing.T) {
	e := newTestEnv(t, nil)
	e.init(t)
	e.tr.mu.Lock()
	e.tr.pubErr = errPublish
	e.tr.mu.Unlock()

	_, err := e.s.Send(context.Background(), 42, map[string]any{}, nil, domain.TypeAck)
	if !errors.Is(err, errPublish) {
		t.Fatalf("expected publish error, got %v", err)
	}
	if e.s.Snapshot().Pending != 0 {
		t.Error("failed publish left a pending entry")
	}
}

// sessionReplies hands out a fresh session id per create and a handle id
// derived from the session on attach; everything else echoes the session.
func sessionReplies() func(domain.Request) []string {
	var mu sync.Mutex
	next := uint64(555)
	return func(req domain.Request) []string {
		switch req.Janus {
		case domain.TypeCreate:
			mu.Lock()
			id := next
			next++
			mu.Unlock()
			return []string{fmt.Sprintf(`{"janus":"success","transaction":%q,"data":{"id":%d}}`, req.Transaction, id)}
		case domain.TypeAttach:
			return []string{fmt.Sprintf(`{"janus":"success","transaction":%q,"session_id":%d,"data":{"id":%d}}`,
				req.Transaction, req.SessionID, uint64(req.SessionID)*10)}
		case domain.TypeDetach, domain.TypeDestroy:
			return []string{fmt.Sprintf(`{"janus":"success","transaction":%q,"session_id":%d}`, req.Transaction, req.SessionID)}
		case domain.TypeKeepAlive, domain.TypeTrickle, domain.TypeMessage:
			return []string{fmt.Sprintf(`{"janus":"ack","transaction":%q,"session_id":%d}`, req.Transaction, req.SessionID)}
		}
		return nil
	}
}

func TestSession_RoomAndPlaybackShareOneTransport(t *testing.T) {
	tr := newFakeTransport()
	tr.setResponder(sessionReplies())
	clk := clockwork.NewFakeClock()
	ctx := context.Background()

	room := New(Config{Name: "room", Server: "eu1"}, Deps{Transport: tr, Clock: clk})
	playback := New(Config{Name: "playback", Server: "eu1"}, Deps{Transport: tr, Clock: clk})
	if id, err := room.Init(ctx, "tok"); err != nil || id != 555 {
		t.Fatalf("room init: %d %v", id, err)
	}
	if id, err := playback.Init(ctx, "tok"); err != nil || id != 556 {
		t.Fatalf("playback init: %d %v", id, err)
	}
	if !room.IsConnected() {
		t.Fatal("playback init disturbed the room session")
	}

	roomH := &fakeHandle{plugin: domain.PluginVideoRoom}
	if id, err := room.Attach(ctx, roomH); err != nil || id != 5550 {
		t.Fatalf("room attach: %d %v", id, err)
	}
	playH := &fakeHandle{plugin: domain.PluginStreaming}
	if id, err := playback.Attach(ctx, playH); err != nil || id != 5560 {
		t.Fatalf("playback attach: %d %v", id, err)
	}

	tr.deliver(testDirect, `{"janus":"webrtcup","session_id":555,"sender":5550}`)
	tr.deliver(testDirect, `{"janus":"hangup","session_id":556,"sender":5560,"reason":"done"}`)
	if len(roomH.received()) != 1 || len(playH.received()) != 1 {
		t.Fatalf("events crossed sessions: room=%d playback=%d", len(roomH.received()), len(playH.received()))
	}

	playback.Destroy(ctx)
	if n := tr.topicCount(); n != 3 {
		t.Fatalf("destroying playback must keep the room's topics, got %d", n)
	}
	tctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if _, err := room.Transaction(tctx, domain.Request{Janus: domain.TypeKeepAlive}, domain.TypeAck); err != nil {
		t.Fatalf("room transaction after playback destroy: %v", err)
	}
	tr.deliver(testDirect, `{"janus":"webrtcup","session_id":555,"sender":5550}`)
	if len(roomH.received()) != 2 {
		t.Errorf("room stopped receiving events, got %d", len(roomH.received()))
	}
	if roomH.detachCount() != 0 {
		t.Error("room handle detached by the playback teardown")
	}
}

func TestSession_NewSessionWaitsForGatewayOnline(t *testing.T) {
	tr := newFakeTransport()
	tr.setResponder(gatewayReplies)
	ctx := context.Background()
	st := NewStatus("eu1", 0, tr)
	if err := st.Start(ctx); err != nil {
		t.Fatalf("status start: %v", err)
	}
	defer st.Stop(ctx)
	clk := clockwork.NewFakeClock()
	r := newFakeRestarter()

	old := New(Config{Name: "room", Server: "eu1"}, Deps{Transport: tr, Clock: clk, Restarter: r, Status: st})
	if _, err := old.Init(ctx, "tok"); err != nil {
		t.Fatalf("init: %v", err)
	}
	tr.deliver("eu1/status", `{"online":false}`)
	if reason := <-r.reasons; !errors.Is(reason, domain.ErrSessionOffline) {
		t.Fatalf("unexpected restart reason %v", reason)
	}

	// what the room owner does on restart
	old.Destroy(ctx)
	fresh := New(Config{Name: "room", Server: "eu1"}, Deps{Transport: tr, Clock: clk, Restarter: r, Status: st})
	done := make(chan error, 1)
	go func() {
		_, err := fresh.Init(ctx, "tok")
		done <- err
	}()
	select {
	case err := <-done:
		t.Fatalf("init finished while the gateway is offline: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	if n := len(tr.requests(domain.TypeCreate)); n != 1 {
		t.Fatalf("create sent to an offline gateway, creates=%d", n)
	}

	tr.deliver("eu1/status", `{"online":true}`)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("init after online: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("init never completed after online")
	}
	if n := len(tr.requests(domain.TypeCreate)); n != 2 {
		t.Errorf("expected one create per session, got %d", n)
	}
	if !fresh.IsConnected() {
		t.Error("expected connected session")
	}
}

func TestSession_CreateResentWhenGatewayReturns(t *testing.T) {
	e := newTestEnv(t, nil)
	var creates atomic.Int32
	e.tr.setResponder(func(req domain.Request) []string {
		if req.Janus == domain.TypeCreate && creates.Add(1) == 1 {
			return nil
		}
		return gatewayReplies(req)
	})

	done := make(chan error, 1)
	go func() {
		_, err := e.s.Init(context.Background(), "tok")
		done <- err
	}()
	e.tr.waitPublished(t, domain.TypeCreate)
	e.tr.deliver("eu1/status", `{"online":false}`)
	e.tr.deliver("eu1/status", `{"online":true}`)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("init: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("create was not sent again after the gateway returned")
	}
	if creates.Load() != 2 || !e.s.IsConnected() {
		t.Errorf("expected a second create and a connected session, creates=%d", creates.Load())
	}
	if e.restarter.count() != 0 {
		t.Error("a session that never connected must not ask for a restart")
	}
}

// attachMany attaches n handles with distinct ids and then silences the
// gateway.
func attachMany(t *testing.T, e *testEnv, n int) []*fakeHandle {
	t.Helper()
	var next atomic.Uint64
	e.tr.setResponder(func(req domain.Request) []string {
		if req.Janus == domain.TypeAttach {
			return []string{fmt.Sprintf(`{"janus":"success","transaction":%q,"session_id":555,"data":{"id":%d}}`,
				req.Transaction, 100+next.Add(1))}
		}
		return nil
	})
	hs := make([]*fakeHandle, n)
	for i := range hs {
		hs[i] = &fakeHandle{plugin: domain.PluginVideoRoom}
		if _, err := e.s.Attach(context.Background(), hs[i]); err != nil {
			t.Fatalf("attach %d: %v", i, err)
		}
	}
	e.tr.setResponder(nil)
	return hs
}

// sendPending starts n requests the gateway never answers.
func sendPending(t *testing.T, e *testEnv, n int) <-chan error {
	t.Helper()
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			_, err := e.s.Send(context.Background(), 101, map[string]any{"request": "configure"}, nil, domain.TypeEvent)
			errs <- err
		}()
	}
	deadline := time.Now().Add(2 * time.Second)
	for e.s.Snapshot().Pending != n {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d pending transactions, got %d", n, e.s.Snapshot().Pending)
		}
		time.Sleep(time.Millisecond)
	}
	return errs
}

func assertTornDown(t *testing.T, e *testEnv, hs []*fakeHandle, errs <-chan error, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case err := <-errs:
			if !errors.Is(err, domain.ErrSessionDestroyed) {
				t.Errorf("pending caller got %v, want ErrSessionDestroyed", err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("pending caller never released")
		}
	}
	for i, h := range hs {
		if h.detachCount() != 1 {
			t.Errorf("handle %d detached %d times", i, h.detachCount())
		}
	}
	if info := e.s.Snapshot(); info.Connected || info.Pending != 0 || len(info.Handles) != 0 {
		t.Errorf("expected empty session, got %+v", info)
	}
	if e.tr.topicCount() != 0 {
		t.Error("subscriptions left after destroy")
	}
	if e.restarter.count() != 0 {
		t.Error("destroy must not restart")
	}
}

func TestSession_DestroyWithFailingNetwork(t *testing.T) {
	e := newTestEnv(t, nil)
	e.init(t)
	hs := attachMany(t, e, 3)
	errs := sendPending(t, e, 4)
	e.tr.mu.Lock()
	e.tr.pubErr = errPublish
	e.tr.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.s.Destroy(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("destroy blocked on a failing network")
	}
	assertTornDown(t, e, hs, errs, 4)
}

func TestSession_DestroyWithSilentGatewayIsBounded(t *testing.T) {
	e := newTestEnv(t, nil)
	e.init(t)
	hs := attachMany(t, e, 2)
	errs := sendPending(t, e, 2)

	done := make(chan struct{})
	go func() {
		e.s.Destroy(context.Background())
		close(done)
	}()
	// keepalive period timer plus one detach timer per handle
	e.clk.BlockUntil(3)
	e.clk.Advance(DefaultDestroyTimeout)
	// keepalive period timer plus the destroy request
	e.clk.BlockUntil(2)
	e.clk.Advance(DefaultDestroyTimeout)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("destroy outlived its timeout")
	}
	if len(e.tr.requests(domain.TypeDetach)) != 2 || len(e.tr.requests(domain.TypeDestroy)) != 1 {
		t.Error("expected one detach per handle and a destroy")
	}
	assertTornDown(t, e, hs, errs, 2)
}
