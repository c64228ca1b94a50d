package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nearcast/nearcast/internal/app/dispatch"
	"github.com/nearcast/nearcast/internal/domain"
)

type recordingSink struct {
	mu  sync.Mutex
	got []domain.Delivery
}

func (s *recordingSink) Dispatch(d domain.Delivery) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, d)
}

func (s *recordingSink) bodies() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.got))
	for i, d := range s.got {
		out[i] = d.Body
	}
	return out
}

func newTestChannel(t *testing.T, dial Dialer, sink domain.Dispatcher) *Channel {
	t.Helper()
	ch, err := New(dial, sink, Options{PollInterval: 20 * time.Millisecond}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ch.Stop() })
	return ch
}

func asyncMessage(body string) domain.Message {
	sender := domain.PeerRecord{ID: "alice", Name: "Alice"}
	return domain.NewMessage(sender, body, domain.ModeAsynchronous)
}

// ─── Round trip ─────────────────────────────────────────────────────────────

func TestChannel_EnqueueThenConsumeInOrder(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	alice := newTestChannel(t, s.Dial, &recordingSink{})
	// Published before Bob subscribes: the inbox holds them.
	for _, b := range []string{"one", "two", "three"} {
		alice.Enqueue(ctx, "bob", asyncMessage(b))
	}

	sink := &recordingSink{}
	bob := newTestChannel(t, s.Dial, sink)
	require.NoError(t, bob.Subscribe("bob"))
	assert.Equal(t, "bob", bob.Inbox())

	require.Eventually(t, func() bool { return len(sink.bodies()) == 3 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"one", "two", "three"}, sink.bodies())

	sink.mu.Lock()
	d := sink.got[0]
	sink.mu.Unlock()
	assert.Equal(t, domain.ChannelQueue, d.Channel)
	assert.Equal(t, domain.ModeAsynchronous, d.Mode)
	assert.Equal(t, "Alice", d.SenderName)

	counts, err := s.Counts(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, InboxCounts{}, counts)
}

func TestChannel_MalformedMessageDeadLettered(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	raw := dialTest(t, s)
	require.NoError(t, raw.Publish(ctx, "bob", []byte("not json"), true))
	good, _ := json.Marshal(asyncMessage("fine"))
	require.NoError(t, raw.Publish(ctx, "bob", good, true))

	sink := &recordingSink{}
	bob := newTestChannel(t, s.Dial, sink)
	require.NoError(t, bob.Subscribe("bob"))

	require.Eventually(t, func() bool { return len(sink.bodies()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"fine"}, sink.bodies())

	require.Eventually(t, func() bool {
		c, err := s.Counts(ctx, "bob")
		return err == nil && c == InboxCounts{Dead: 1}
	}, 2*time.Second, 10*time.Millisecond)
}

func TestChannel_RedeliveryDispatchedOnce(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	msg := asyncMessage("once")
	body, _ := json.Marshal(msg)
	raw := dialTest(t, s)
	require.NoError(t, raw.Publish(ctx, "bob", body, true))
	require.NoError(t, raw.Publish(ctx, "bob", body, true))

	var (
		mu  sync.Mutex
		got []string
	)
	disp := dispatch.New(nil)
	disp.RegisterFunc(func(d domain.Delivery) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, d.Body)
		return nil
	})
	bob := newTestChannel(t, s.Dial, disp)
	require.NoError(t, bob.Subscribe("bob"))

	// Both copies are acknowledged; only the first reaches handlers.
	require.Eventually(t, func() bool {
		c, err := s.Counts(ctx, "bob")
		return err == nil && c == InboxCounts{}
	}, 2*time.Second, 10*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"once"}, got)
}

// ─── Lifecycle ──────────────────────────────────────────────────────────────

func TestChannel_StopIsPromptAndIdempotent(t *testing.T) {
	s := openTestStore(t)
	ch, err := New(s.Dial, &recordingSink{}, Options{PollInterval: 50 * time.Millisecond}, nil)
	require.NoError(t, err)

	require.NoError(t, ch.Stop(), "Stop before Subscribe")
	require.NoError(t, ch.Subscribe("bob"))
	assert.True(t, errors.Is(ch.Subscribe("bob"), domain.ErrAlreadyStarted))

	start := time.Now()
	require.NoError(t, ch.Stop())
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	require.NoError(t, ch.Stop())
	assert.Equal(t, "", ch.Inbox())

	// Toggling back online starts a fresh consumer.
	require.NoError(t, ch.Subscribe("bob"))
	require.NoError(t, ch.Stop())
}

func TestChannel_StoppedConsumerLeavesMessagesQueued(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	sink := &recordingSink{}
	bob := newTestChannel(t, s.Dial, sink)
	require.NoError(t, bob.Subscribe("bob"))
	require.NoError(t, bob.Stop())

	alice := newTestChannel(t, s.Dial, &recordingSink{})
	alice.Enqueue(ctx, "bob", asyncMessage("while away"))

	counts, err := s.Counts(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Ready)
	assert.Empty(t, sink.bodies())

	require.NoError(t, bob.Subscribe("bob"))
	require.Eventually(t, func() bool { return len(sink.bodies()) == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestChannel_SubscribeFailsWhenBrokerDown(t *testing.T) {
	dial := func(context.Context) (Conn, error) {
		return nil, domain.ErrTransientTransport
	}
	ch := newTestChannel(t, dial, &recordingSink{})
	err := ch.Subscribe("bob")
	assert.True(t, errors.Is(err, domain.ErrChannelUnavailable))
	assert.Equal(t, "", ch.Inbox())
}

// ─── Publish retry ──────────────────────────────────────────────────────────

// flakyConn fails Publish while failures remain, then delegates.
type flakyConn struct {
	Conn
	failures *atomic.Int32
	closed   *atomic.Int32
}

func (f *flakyConn) Publish(ctx context.Context, inbox string, body []byte, durable bool) error {
	if f.failures.Add(-1) >= 0 {
		return domain.ErrTransientTransport
	}
	return f.Conn.Publish(ctx, inbox, body, durable)
}

func (f *flakyConn) Close() error {
	f.closed.Add(1)
	return f.Conn.Close()
}

type flakyBroker struct {
	store    *Store
	dials    atomic.Int32
	failures atomic.Int32
	closed   atomic.Int32
}

func (b *flakyBroker) Dial(ctx context.Context) (Conn, error) {
	b.dials.Add(1)
	c, err := b.store.Dial(ctx)
	if err != nil {
		return nil, err
	}
	return &flakyConn{Conn: c, failures: &b.failures, closed: &b.closed}, nil
}

func TestEnqueue_RetriesOnceOnFreshConnection(t *testing.T) {
	s := openTestStore(t)
	b := &flakyBroker{store: s}
	b.failures.Store(1)

	ch := newTestChannel(t, b.Dial, &recordingSink{})
	ch.Enqueue(context.Background(), "bob", asyncMessage("second try"))

	assert.Equal(t, int32(2), b.dials.Load(), "one redial")
	assert.Equal(t, int32(1), b.closed.Load(), "failed connection closed")

	counts, err := s.Counts(context.Background(), "bob")
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Ready)
}

func TestEnqueue_DropsAfterSecondFailure(t *testing.T) {
	s := openTestStore(t)
	b := &flakyBroker{store: s}
	b.failures.Store(5)

	ch := newTestChannel(t, b.Dial, &recordingSink{})
	ch.Enqueue(context.Background(), "bob", asyncMessage("lost"))

	assert.Equal(t, int32(2), b.dials.Load(), "exactly one retry")

	counts, err := s.Counts(context.Background(), "bob")
	require.NoError(t, err)
	assert.Equal(t, InboxCounts{}, counts)

	// The next enqueue starts over with a fresh connection.
	b.failures.Store(0)
	ch.Enqueue(context.Background(), "bob", asyncMessage("kept"))
	counts, err = s.Counts(context.Background(), "bob")
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Ready)
}

func TestEnqueue_ReusesHealthyConnection(t *testing.T) {
	s := openTestStore(t)
	b := &flakyBroker{store: s}

	ch := newTestChannel(t, b.Dial, &recordingSink{})
	for i := 0; i < 3; i++ {
		ch.Enqueue(context.Background(), "bob", asyncMessage("m"))
	}
	assert.Equal(t, int32(1), b.dials.Load())
}
