// Package memory provides a bucket store for tests and single-instance use.
// It mirrors the math of the Redis script exactly.
package memory

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/mbecker/applyfleet/internal/clock"
	"github.com/mbecker/applyfleet/internal/ratelimit"
)

type bucket struct {
	tokens     float64
	lastRefill time.Time
}

// Store is a mutex-guarded map of token buckets.
type Store struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	clock   clock.Clock
	window  time.Duration
	idleTTL time.Duration
}

// NewStore builds a Store with defaults applied.
func NewStore(clk clock.Clock, window, idleTTL time.Duration) *Store {
	if clk == nil {
		clk = clock.System{}
	}
	if window <= 0 {
		window = ratelimit.DefaultWindow
	}
	if idleTTL <= 0 {
		idleTTL = ratelimit.DefaultIdleTTL
	}
	return &Store{
		buckets: make(map[string]*bucket),
		clock:   clk,
		window:  window,
		idleTTL: idleTTL,
	}
}

// Take performs refill-then-consume under the store lock, so the
// read-modify-write is atomic per key.
func (s *Store) Take(_ context.Context, key string, rps float64, burst int) (ratelimit.Result, error) {
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.buckets[key]
	if !ok || now.Sub(b.lastRefill) > s.idleTTL {
		b = &bucket{tokens: float64(burst), lastRefill: now}
		s.buckets[key] = b
	}

	elapsed := now.Sub(b.lastRefill)
	if elapsed < 0 {
		elapsed = 0
	}
	windows := float64(elapsed) / float64(s.window)
	b.tokens = math.Min(float64(burst), b.tokens+rps*windows)
	b.lastRefill = now

	if b.tokens >= 1 {
		b.tokens--
		return ratelimit.Result{Allowed: true}, nil
	}
	retryMs := math.Ceil((1 - b.tokens) / rps * float64(s.window.Milliseconds()))
	return ratelimit.Result{
		Allowed:    false,
		RetryAfter: time.Duration(retryMs) * time.Millisecond,
	}, nil
}
