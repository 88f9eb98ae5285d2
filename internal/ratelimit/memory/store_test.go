package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	now time.Time
}

func (f *fakeClock) Now() time.Time { return f.now }

func (f *fakeClock) advance(d time.Duration) { f.now = f.now.Add(d) }

func TestTakeExhaustsBurst(t *testing.T) {
	t.Parallel()

	clk := &fakeClock{now: time.Unix(1700000000, 0)}
	store := NewStore(clk, time.Second, time.Minute)

	for i := 0; i < 5; i++ {
		res, err := store.Take(context.Background(), "cand:a", 1, 5)
		require.NoError(t, err)
		require.True(t, res.Allowed, "take %d should be within burst", i)
	}

	res, err := store.Take(context.Background(), "cand:a", 1, 5)
	require.NoError(t, err)
	require.False(t, res.Allowed)
	require.Greater(t, res.RetryAfter, time.Duration(0))
}

func TestTakeRefillsLinearly(t *testing.T) {
	t.Parallel()

	clk := &fakeClock{now: time.Unix(1700000000, 0)}
	store := NewStore(clk, time.Second, time.Minute)

	// Drain a two-token bucket.
	for i := 0; i < 2; i++ {
		res, err := store.Take(context.Background(), "cand:b", 2, 2)
		require.NoError(t, err)
		require.True(t, res.Allowed)
	}
	res, err := store.Take(context.Background(), "cand:b", 2, 2)
	require.NoError(t, err)
	require.False(t, res.Allowed)

	// 2 rps means half a second buys one token back.
	clk.advance(500 * time.Millisecond)
	res, err = store.Take(context.Background(), "cand:b", 2, 2)
	require.NoError(t, err)
	require.True(t, res.Allowed)

	res, err = store.Take(context.Background(), "cand:b", 2, 2)
	require.NoError(t, err)
	require.False(t, res.Allowed)
}

func TestTakeRetryAfterHint(t *testing.T) {
	t.Parallel()

	clk := &fakeClock{now: time.Unix(1700000000, 0)}
	store := NewStore(clk, time.Second, time.Minute)

	res, err := store.Take(context.Background(), "cand:c", 1, 1)
	require.NoError(t, err)
	require.True(t, res.Allowed)

	res, err = store.Take(context.Background(), "cand:c", 1, 1)
	require.NoError(t, err)
	require.False(t, res.Allowed)
	// Empty bucket at 1 rps needs a full second for the next token.
	require.Equal(t, time.Second, res.RetryAfter)
}

func TestTakeResetsIdleBucket(t *testing.T) {
	t.Parallel()

	clk := &fakeClock{now: time.Unix(1700000000, 0)}
	store := NewStore(clk, time.Second, 10*time.Second)

	for i := 0; i < 3; i++ {
		_, err := store.Take(context.Background(), "cand:d", 1, 3)
		require.NoError(t, err)
	}
	res, err := store.Take(context.Background(), "cand:d", 1, 3)
	require.NoError(t, err)
	require.False(t, res.Allowed)

	// Past the idle TTL the bucket restarts at full burst.
	clk.advance(11 * time.Second)
	for i := 0; i < 3; i++ {
		res, err := store.Take(context.Background(), "cand:d", 1, 3)
		require.NoError(t, err)
		require.True(t, res.Allowed, "take %d after idle reset", i)
	}
}

func TestTakeKeysAreIndependent(t *testing.T) {
	t.Parallel()

	clk := &fakeClock{now: time.Unix(1700000000, 0)}
	store := NewStore(clk, time.Second, time.Minute)

	res, err := store.Take(context.Background(), "cand:e", 1, 1)
	require.NoError(t, err)
	require.True(t, res.Allowed)

	res, err = store.Take(context.Background(), "cand:f", 1, 1)
	require.NoError(t, err)
	require.True(t, res.Allowed)
}
