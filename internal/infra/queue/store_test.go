package queue

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nearcast/nearcast/internal/domain"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func dialTest(t *testing.T, s *Store) Conn {
	t.Helper()
	c, err := s.Dial(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestStore_FIFOPerInbox(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	c := dialTest(t, s)

	require.NoError(t, c.DeclareInbox(ctx, "bob"))
	for _, body := range []string{"m1", "m2", "m3"} {
		require.NoError(t, c.Publish(ctx, "bob", []byte(body), true))
	}
	require.NoError(t, c.Publish(ctx, "carol", []byte("other"), true))

	var got []string
	for {
		d, ok, err := c.Fetch(ctx, "bob")
		require.NoError(t, err)
		if !ok {
			break
		}
		got = append(got, string(d.Body))
		require.NoError(t, c.Ack(ctx, d.Tag))
	}
	assert.Equal(t, []string{"m1", "m2", "m3"}, got)

	counts, err := s.Counts(ctx, "carol")
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Ready)
}

func TestStore_PrefetchOne(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	c := dialTest(t, s)

	require.NoError(t, c.Publish(ctx, "bob", []byte("a"), true))
	require.NoError(t, c.Publish(ctx, "bob", []byte("b"), true))

	d, ok, err := c.Fetch(ctx, "bob")
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = c.Fetch(ctx, "bob")
	require.NoError(t, err)
	assert.False(t, ok, "second fetch must wait for the first ack")

	require.NoError(t, c.Ack(ctx, d.Tag))
	d, ok, err = c.Fetch(ctx, "bob")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "b", string(d.Body))
}

func TestStore_RejectRequeueAndDeadLetter(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	c := dialTest(t, s)

	require.NoError(t, c.Publish(ctx, "bob", []byte("x"), true))

	d, ok, err := c.Fetch(ctx, "bob")
	require.NoError(t, err)
	require.True(t, ok)
	assert.False(t, d.Redelivered)
	require.NoError(t, c.Reject(ctx, d.Tag, true))

	d, ok, err = c.Fetch(ctx, "bob")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, d.Redelivered)
	require.NoError(t, c.Reject(ctx, d.Tag, false))

	_, ok, err = c.Fetch(ctx, "bob")
	require.NoError(t, err)
	assert.False(t, ok)

	counts, err := s.Counts(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, InboxCounts{Dead: 1}, counts)
}

func TestStore_AckUnknownTag(t *testing.T) {
	c := dialTest(t, openTestStore(t))
	assert.Error(t, c.Ack(context.Background(), 42))
	assert.Error(t, c.Reject(context.Background(), 42, true))
}

func TestStore_CloseRequeuesUnacked(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	c1, err := s.Dial(ctx)
	require.NoError(t, err)
	require.NoError(t, c1.Publish(ctx, "bob", []byte("x"), true))
	_, ok, err := c1.Fetch(ctx, "bob")
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, c1.Close())
	require.NoError(t, c1.Close())

	_, _, err = c1.Fetch(ctx, "bob")
	assert.True(t, errors.Is(err, domain.ErrTransientTransport))

	c2 := dialTest(t, s)
	d, ok, err := c2.Fetch(ctx, "bob")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, d.Redelivered)
}

func TestStore_ReopenRecovers(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "queue.db")

	s, err := Open(path)
	require.NoError(t, err)
	c, err := s.Dial(ctx)
	require.NoError(t, err)
	require.NoError(t, c.Publish(ctx, "bob", []byte("durable"), true))
	require.NoError(t, c.Publish(ctx, "bob", []byte("transient"), false))
	_, ok, err := c.Fetch(ctx, "bob")
	require.NoError(t, err)
	require.True(t, ok)
	// Simulate a crash: the store goes away with a claimed message.
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()

	counts, err := s.Counts(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, InboxCounts{Ready: 1}, counts)

	c = dialTest(t, s)
	d, ok, err := c.Fetch(ctx, "bob")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "durable", string(d.Body))
}

func TestStore_DialAfterClose(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err = s.Dial(context.Background())
	assert.True(t, errors.Is(err, domain.ErrTransientTransport))
	assert.Error(t, s.Ping(context.Background()))
}
