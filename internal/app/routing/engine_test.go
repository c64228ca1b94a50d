package routing

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"

	"github.com/nearcast/nearcast/internal/app/dispatch"
	"github.com/nearcast/nearcast/internal/domain"
	"github.com/nearcast/nearcast/internal/geo"
	"github.com/nearcast/nearcast/internal/infra/directory"
)

// ─── Fakes ──────────────────────────────────────────────────────────────────

type fakeSync struct {
	kind domain.ChannelKind

	mu        sync.Mutex
	sendErr   error
	listenErr error
	sent      []domain.Message
	listening bool
	stops     int
}

func newFakeSync(kind domain.ChannelKind) *fakeSync { return &fakeSync{kind: kind} }

func (f *fakeSync) Kind() domain.ChannelKind { return f.kind }

func (f *fakeSync) Listen(addr string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listenErr != nil {
		return "", f.listenErr
	}
	f.listening = true
	return "bound-" + string(f.kind), nil
}

func (f *fakeSync) TrySend(ctx context.Context, target domain.PeerRecord, msg domain.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return f.sendErr
}

func (f *fakeSync) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listening = false
	f.stops++
	return nil
}

func (f *fakeSync) failWith(err error) {
	f.mu.Lock()
	f.sendErr = err
	f.mu.Unlock()
}

func (f *fakeSync) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type queued struct {
	target string
	msg    domain.Message
}

type fakeQueue struct {
	mu       sync.Mutex
	enqueued []queued
	subs     []string
	subErr   error
	running  bool
	stops    int
}

func (f *fakeQueue) Kind() domain.ChannelKind { return domain.ChannelQueue }

func (f *fakeQueue) Subscribe(peerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.running {
		return domain.ErrAlreadyStarted
	}
	f.subs = append(f.subs, peerID)
	if f.subErr != nil {
		return f.subErr
	}
	f.running = true
	return nil
}

func (f *fakeQueue) Enqueue(ctx context.Context, targetID string, msg domain.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enqueued = append(f.enqueued, queued{target: targetID, msg: msg})
}

func (f *fakeQueue) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running = false
	f.stops++
	return nil
}

func (f *fakeQueue) messages() []queued {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]queued(nil), f.enqueued...)
}

// ─── Fixtures ───────────────────────────────────────────────────────────────

var origin = geo.Location{Lat: -23.5505, Lon: -46.6333}

// north returns a location km kilometres due north of origin.
func north(km float64) geo.Location {
	kmPerDegree := 2 * math.Pi * geo.EarthRadiusKm / 360
	return geo.Location{Lat: origin.Lat + km/kmPerDegree, Lon: origin.Lon}
}

type harness struct {
	dir    *directory.Directory
	engine *Engine
	direct *fakeSync
	rpc    *fakeSync
	queue  *fakeQueue
}

func newHarness(t *testing.T, name string, loc geo.Location, radius float64) *harness {
	t.Helper()
	return newHarnessIn(t, directory.New(nil), name, loc, radius)
}

func newHarnessIn(t *testing.T, dir *directory.Directory, name string, loc geo.Location, radius float64) *harness {
	t.Helper()
	h := &harness{
		dir:    dir,
		direct: newFakeSync(domain.ChannelDirect),
		rpc:    newFakeSync(domain.ChannelRPC),
		queue:  &fakeQueue{},
	}
	e, err := New(domain.NewPeerRecord(name, loc, radius), dir,
		Channels{Direct: h.direct, RPC: h.rpc, Queue: h.queue}, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.engine = e
	return h
}

// addPeer registers a passive peer directly in the directory.
func addPeer(t *testing.T, dir *directory.Directory, name string, loc geo.Location, radius float64, p domain.Presence) domain.PeerRecord {
	t.Helper()
	rec := domain.NewPeerRecord(name, loc, radius)
	rec.Presence = p
	rec.Endpoints = domain.Endpoints{DirectAddr: "direct-" + name, RPCAddr: "rpc-" + name}
	if !dir.Register(rec) {
		t.Fatalf("register %s failed", name)
	}
	return rec
}

func start(t *testing.T, h *harness) {
	t.Helper()
	if err := h.engine.StartServices("127.0.0.1:0", "127.0.0.1:0"); err != nil {
		t.Fatalf("StartServices: %v", err)
	}
	t.Cleanup(func() { _ = h.engine.StopServices() })
}

// ─── Send policy ────────────────────────────────────────────────────────────

func TestSend_DirectSuccessSkipsOtherChannels(t *testing.T) {
	h := newHarness(t, "alice", origin, 5)
	start(t, h)
	bob := addPeer(t, h.dir, "bob", north(3), 1, domain.PresenceOnline)

	res, err := h.engine.Send(context.Background(), bob.ID, "hi")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if res.Channel != domain.ChannelDirect || res.Mode != domain.ModeSynchronous || !res.Reachable {
		t.Errorf("result = %+v, want direct/synchronous/reachable", res)
	}
	if h.direct.calls() != 1 || h.rpc.calls() != 0 || len(h.queue.messages()) != 0 {
		t.Errorf("calls direct=%d rpc=%d queue=%d, want 1/0/0",
			h.direct.calls(), h.rpc.calls(), len(h.queue.messages()))
	}
}

func TestSend_RPCAfterDirectFailure(t *testing.T) {
	h := newHarness(t, "alice", origin, 5)
	start(t, h)
	bob := addPeer(t, h.dir, "bob", north(3), 10, domain.PresenceOnline)
	h.direct.failWith(domain.ErrDeliveryFailed)

	res, err := h.engine.Send(context.Background(), bob.ID, "hi")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if res.Channel != domain.ChannelRPC {
		t.Errorf("Channel = %s, want rpc", res.Channel)
	}
	if len(res.Failed) != 1 || res.Failed[0].Channel != domain.ChannelDirect {
		t.Errorf("Failed = %+v, want one direct attempt", res.Failed)
	}
	if len(h.queue.messages()) != 0 {
		t.Error("queue should not be used")
	}
}

func TestSend_BothSyncFailFallsBackToQueueOnce(t *testing.T) {
	h := newHarness(t, "alice", origin, 5)
	start(t, h)
	bob := addPeer(t, h.dir, "bob", north(3), 10, domain.PresenceOnline)
	h.direct.failWith(domain.ErrDeliveryFailed)
	h.rpc.failWith(domain.ErrDeliveryFailed)

	res, err := h.engine.Send(context.Background(), bob.ID, "original body")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if !res.Reachable || res.Channel != domain.ChannelQueue || res.Mode != domain.ModeAsynchronous {
		t.Errorf("result = %+v, want reachable but queued", res)
	}
	if len(res.Failed) != 2 {
		t.Errorf("Failed = %+v, want 2 attempts", res.Failed)
	}

	q := h.queue.messages()
	if len(q) != 1 {
		t.Fatalf("enqueued %d, want exactly 1", len(q))
	}
	if q[0].target != bob.ID || q[0].msg.Body != "original body" {
		t.Errorf("enqueued %+v", q[0])
	}
	if q[0].msg.Mode != domain.ModeAsynchronous {
		t.Errorf("queued mode = %s", q[0].msg.Mode)
	}
	if q[0].msg.ID != res.MessageID {
		t.Error("queued message should keep the original id")
	}
}

func TestSend_OfflineTargetQueuedWithoutSyncAttempt(t *testing.T) {
	h := newHarness(t, "alice", origin, 5)
	start(t, h)
	bob := addPeer(t, h.dir, "bob", north(1), 10, domain.PresenceOffline)

	res, err := h.engine.Send(context.Background(), bob.ID, "later")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if res.Reachable || res.Channel != domain.ChannelQueue {
		t.Errorf("result = %+v, want unreachable/queue", res)
	}
	if h.direct.calls()+h.rpc.calls() != 0 {
		t.Error("no synchronous attempt expected")
	}
	if len(h.queue.messages()) != 1 {
		t.Error("expected one enqueue")
	}
}

func TestSend_UsesSenderRadius(t *testing.T) {
	dir := directory.New(nil)
	small := newHarnessIn(t, dir, "small", origin, 1)
	big := newHarnessIn(t, dir, "big", north(3), 5)
	start(t, small)
	start(t, big)

	// 3 km apart: big reaches small, small does not reach big.
	res, err := small.engine.Send(context.Background(), big.engine.ID(), "x")
	if err != nil {
		t.Fatal(err)
	}
	if res.Reachable || res.Channel != domain.ChannelQueue {
		t.Errorf("small->big = %+v, want queue", res)
	}

	res, err = big.engine.Send(context.Background(), small.engine.ID(), "y")
	if err != nil {
		t.Fatal(err)
	}
	if !res.Reachable || res.Channel != domain.ChannelDirect {
		t.Errorf("big->small = %+v, want direct", res)
	}
}

func TestSend_UnknownPeer(t *testing.T) {
	h := newHarness(t, "alice", origin, 5)
	start(t, h)

	_, err := h.engine.Send(context.Background(), "nobody", "x")
	if !errors.Is(err, domain.ErrUnknownPeer) {
		t.Fatalf("err = %v, want ErrUnknownPeer", err)
	}
	if h.direct.calls()+h.rpc.calls()+len(h.queue.messages()) != 0 {
		t.Error("no channel should be touched")
	}
}

func TestSend_BoundaryDistanceIsInRange(t *testing.T) {
	h := newHarness(t, "alice", origin, 10)
	start(t, h)
	bob := addPeer(t, h.dir, "bob", north(5), 1, domain.PresenceOnline)

	rec, _ := h.dir.Get(bob.ID)
	d := h.engine.Self().DistanceTo(rec)
	if err := h.engine.UpdateRadius(d); err != nil {
		t.Fatal(err)
	}

	res, _ := h.engine.Send(context.Background(), bob.ID, "edge")
	if !res.Reachable {
		t.Error("distance equal to radius should be reachable")
	}
}

func TestSend_NilRPCChannelSkipped(t *testing.T) {
	dir := directory.New(nil)
	direct := newFakeSync(domain.ChannelDirect)
	direct.failWith(domain.ErrDeliveryFailed)
	q := &fakeQueue{}
	e, err := New(domain.NewPeerRecord("alice", origin, 5), dir, Channels{Direct: direct, Queue: q}, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := e.StartServices("", ""); err != nil {
		t.Fatal(err)
	}
	defer e.StopServices()
	bob := addPeer(t, dir, "bob", north(1), 5, domain.PresenceOnline)

	res, _ := e.Send(context.Background(), bob.ID, "x")
	if res.Channel != domain.ChannelQueue || len(res.Failed) != 1 {
		t.Errorf("result = %+v", res)
	}
}

// ─── Lifecycle ──────────────────────────────────────────────────────────────

func TestStartServices_RegistersOnlineWithEndpoints(t *testing.T) {
	h := newHarness(t, "alice", origin, 5)
	id := h.engine.ID()
	if _, ok := h.dir.Get(id); ok {
		t.Fatal("peer must not be visible before start")
	}

	start(t, h)

	rec, ok := h.dir.Get(id)
	if !ok {
		t.Fatal("peer not registered")
	}
	if rec.Presence != domain.PresenceOnline {
		t.Errorf("presence = %s", rec.Presence)
	}
	want := domain.Endpoints{DirectAddr: "bound-direct", RPCAddr: "bound-rpc"}
	if rec.Endpoints != want {
		t.Errorf("endpoints = %+v, want %+v", rec.Endpoints, want)
	}
	if len(h.queue.subs) != 1 || h.queue.subs[0] != id {
		t.Errorf("subscribed %v, want own inbox", h.queue.subs)
	}
	if !h.engine.Started() {
		t.Error("Started() = false")
	}
	if err := h.engine.StartServices("", ""); !errors.Is(err, domain.ErrAlreadyStarted) {
		t.Errorf("second start err = %v", err)
	}
}

func TestStartServices_PartialFailure(t *testing.T) {
	h := newHarness(t, "alice", origin, 5)
	h.direct.listenErr = fmt.Errorf("%w: address in use", domain.ErrChannelUnavailable)

	err := h.engine.StartServices("127.0.0.1:1", "127.0.0.1:0")
	defer h.engine.StopServices()
	if !errors.Is(err, domain.ErrChannelUnavailable) {
		t.Fatalf("err = %v, want ErrChannelUnavailable", err)
	}
	if !h.rpc.listening || !h.queue.running {
		t.Error("remaining channels should still start")
	}
	rec, ok := h.dir.Get(h.engine.ID())
	if !ok || !rec.IsOnline() {
		t.Fatal("peer should still be registered online")
	}
	if rec.Endpoints.DirectAddr != "" || rec.Endpoints.RPCAddr == "" {
		t.Errorf("endpoints = %+v", rec.Endpoints)
	}
}

func TestStopServices_IdempotentAndSafeBeforeStart(t *testing.T) {
	h := newHarness(t, "alice", origin, 5)
	if err := h.engine.StopServices(); err != nil {
		t.Fatalf("stop before start: %v", err)
	}
	if h.direct.stops != 0 {
		t.Error("channels should not be stopped before start")
	}

	start(t, h)
	if err := h.engine.StopServices(); err != nil {
		t.Fatal(err)
	}
	if err := h.engine.StopServices(); err != nil {
		t.Fatal(err)
	}
	if h.direct.stops != 1 || h.rpc.stops != 1 || h.queue.stops != 1 {
		t.Errorf("stops direct=%d rpc=%d queue=%d, want 1 each", h.direct.stops, h.rpc.stops, h.queue.stops)
	}

	rec, _ := h.dir.Get(h.engine.ID())
	if rec.Presence != domain.PresenceOffline {
		t.Errorf("presence after stop = %s", rec.Presence)
	}
}

func TestRestartAfterStop(t *testing.T) {
	h := newHarness(t, "alice", origin, 5)
	start(t, h)
	if err := h.engine.StopServices(); err != nil {
		t.Fatal(err)
	}
	if err := h.engine.StartServices("", ""); err != nil {
		t.Fatalf("restart: %v", err)
	}
	rec, _ := h.dir.Get(h.engine.ID())
	if !rec.IsOnline() {
		t.Error("restarted peer should be online")
	}
	if h.dir.Len() != 1 {
		t.Errorf("directory has %d peers, want 1", h.dir.Len())
	}
}

func TestSetPresence_OnlineRestartsConsumer(t *testing.T) {
	h := newHarness(t, "alice", origin, 5)
	start(t, h)

	// The consumer died underneath the engine.
	_ = h.queue.Stop()

	if err := h.engine.SetPresence(domain.PresenceOffline); err != nil {
		t.Fatal(err)
	}
	rec, _ := h.dir.Get(h.engine.ID())
	if rec.IsOnline() {
		t.Error("expected offline")
	}

	if err := h.engine.SetPresence(domain.PresenceOnline); err != nil {
		t.Fatal(err)
	}
	if !h.queue.running || len(h.queue.subs) != 2 {
		t.Errorf("consumer running=%v subs=%v", h.queue.running, h.queue.subs)
	}

	if err := h.engine.SetPresence("away"); !errors.Is(err, domain.ErrInvalidPresence) {
		t.Errorf("err = %v", err)
	}
}

// ─── Local record ───────────────────────────────────────────────────────────

func TestUpdateLocation_WritesThroughAndRecomputes(t *testing.T) {
	h := newHarness(t, "alice", origin, 5)
	start(t, h)
	bob := addPeer(t, h.dir, "bob", north(20), 1, domain.PresenceOnline)

	if h.engine.Self().HasContact(bob.ID) {
		t.Fatal("bob should start out of range")
	}
	loc := north(18)
	if err := h.engine.UpdateLocation(loc.Lat, loc.Lon); err != nil {
		t.Fatal(err)
	}
	self := h.engine.Self()
	if self.Location != loc {
		t.Errorf("location = %v", self.Location)
	}
	if !self.HasContact(bob.ID) {
		t.Error("bob should be a contact after moving closer")
	}

	if err := h.engine.UpdateLocation(91, 0); !errors.Is(err, domain.ErrInvalidCoordinates) {
		t.Errorf("err = %v", err)
	}
	if h.engine.Self().Location != loc {
		t.Error("invalid update must not change location")
	}
}

func TestUpdateRadius_WritesThroughAndRecomputes(t *testing.T) {
	h := newHarness(t, "alice", origin, 1)
	start(t, h)
	bob := addPeer(t, h.dir, "bob", north(3), 1, domain.PresenceOnline)

	if err := h.engine.UpdateRadius(4); err != nil {
		t.Fatal(err)
	}
	if !h.engine.Self().HasContact(bob.ID) {
		t.Error("bob should be a contact after widening radius")
	}
	for _, r := range []float64{0, -1, math.NaN(), math.Inf(1)} {
		if err := h.engine.UpdateRadius(r); !errors.Is(err, domain.ErrInvalidRadius) {
			t.Errorf("UpdateRadius(%v) err = %v", r, err)
		}
	}
	if got := h.engine.Self().RadiusKm; got != 4 {
		t.Errorf("radius = %v, want 4", got)
	}
}

func TestUpdates_BeforeRegistrationStayLocal(t *testing.T) {
	h := newHarness(t, "alice", origin, 5)
	loc := north(1)
	if err := h.engine.UpdateLocation(loc.Lat, loc.Lon); err != nil {
		t.Fatal(err)
	}
	if h.dir.Len() != 0 {
		t.Error("unregistered engine must not touch the directory")
	}
	start(t, h)
	if rec, _ := h.dir.Get(h.engine.ID()); rec.Location != loc {
		t.Errorf("registered location = %v, want %v", rec.Location, loc)
	}
}

// ─── Views ──────────────────────────────────────────────────────────────────

func TestContactsView_SortedWithFreshDistance(t *testing.T) {
	h := newHarness(t, "alice", origin, 10)
	start(t, h)
	far := addPeer(t, h.dir, "far", north(8), 1, domain.PresenceOffline)
	near := addPeer(t, h.dir, "near", north(2), 1, domain.PresenceOnline)
	addPeer(t, h.dir, "outside", north(30), 100, domain.PresenceOnline)

	views := h.engine.ContactsView()
	if len(views) != 2 {
		t.Fatalf("got %d contacts, want 2", len(views))
	}
	if views[0].ID != near.ID || views[1].ID != far.ID {
		t.Errorf("order = %s, %s", views[0].Name, views[1].Name)
	}
	if math.Abs(views[0].DistanceKm-2) > 1e-6 || !views[0].InRange {
		t.Errorf("near view = %+v", views[0])
	}
	if views[1].Presence != domain.PresenceOffline {
		t.Errorf("far presence = %s", views[1].Presence)
	}
}

func TestStats(t *testing.T) {
	h := newHarness(t, "alice", origin, 10)
	start(t, h)
	addPeer(t, h.dir, "a", north(1), 1, domain.PresenceOnline)
	addPeer(t, h.dir, "b", north(2), 1, domain.PresenceOnline)
	addPeer(t, h.dir, "c", north(3), 1, domain.PresenceOffline)

	s := h.engine.Stats()
	want := Stats{
		Contacts:        3,
		OnlineContacts:  2,
		InRangeContacts: 3,
		SyncAvailable:   2,
		AsyncRequired:   1,
		Location:        origin,
		RadiusKm:        10,
		Presence:        domain.PresenceOnline,
	}
	if s != want {
		t.Errorf("Stats = %+v\nwant   %+v", s, want)
	}
}

func TestBroadcast_SendsToEveryContact(t *testing.T) {
	h := newHarness(t, "alice", origin, 10)
	start(t, h)
	online := addPeer(t, h.dir, "online", north(1), 1, domain.PresenceOnline)
	offline := addPeer(t, h.dir, "offline", north(2), 1, domain.PresenceOffline)

	results := h.engine.Broadcast(context.Background(), "test")
	if len(results) != 2 {
		t.Fatalf("got %d results", len(results))
	}
	if results[0].TargetID != online.ID || results[0].Channel != domain.ChannelDirect {
		t.Errorf("results[0] = %+v", results[0])
	}
	if results[1].TargetID != offline.ID || results[1].Channel != domain.ChannelQueue {
		t.Errorf("results[1] = %+v", results[1])
	}
}

func TestHandle_RegistersOnDispatcher(t *testing.T) {
	d := dispatch.New(nil)
	e, err := New(domain.NewPeerRecord("alice", origin, 1), directory.New(nil),
		Channels{Queue: &fakeQueue{}}, d, nil)
	if err != nil {
		t.Fatal(err)
	}
	var got []string
	e.Handle(func(m domain.Delivery) error {
		got = append(got, m.Body)
		return nil
	})
	d.Dispatch(domain.Delivery{Body: "x"})
	if len(got) != 1 || e.Dispatcher() != d {
		t.Errorf("got %v", got)
	}
}

func TestNew_Validation(t *testing.T) {
	dir := directory.New(nil)
	q := &fakeQueue{}
	tests := []struct {
		name string
		rec  domain.PeerRecord
		ch   Channels
		want error
	}{
		{"zero radius", domain.NewPeerRecord("a", origin, 0), Channels{Queue: q}, domain.ErrInvalidRadius},
		{"NaN radius", domain.NewPeerRecord("a", origin, math.NaN()), Channels{Queue: q}, domain.ErrInvalidRadius},
		{"infinite radius", domain.NewPeerRecord("a", origin, math.Inf(1)), Channels{Queue: q}, domain.ErrInvalidRadius},
		{"bad coordinates", domain.NewPeerRecord("a", geo.Location{Lat: 100}, 1), Channels{Queue: q}, domain.ErrInvalidCoordinates},
		{"no queue", domain.NewPeerRecord("a", origin, 1), Channels{}, nil},
		{"no id", domain.PeerRecord{Location: origin, RadiusKm: 1}, Channels{Queue: q}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.rec, dir, tt.ch, nil, nil)
			if err == nil {
				t.Fatal("expected error")
			}
			if tt.want != nil && !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}
