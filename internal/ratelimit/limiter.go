// Package ratelimit implements the fleet-wide dual token bucket: one
// continuous-refill bucket per candidate plus one global bucket, both living
// in the shared coordination store so independent instances cannot
// double-spend the same token.
package ratelimit

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Result is the outcome of a bucket check.
type Result struct {
	Allowed    bool
	RetryAfter time.Duration
}

// BucketStore performs one atomic refill-then-consume against a keyed bucket.
// rps is tokens added per window; burst is the bucket capacity.
type BucketStore interface {
	Take(ctx context.Context, key string, rps float64, burst int) (Result, error)
}

// Config holds the fleet budgets. Zero values fall back to defaults.
type Config struct {
	CandidateRPS   float64
	CandidateBurst int
	GlobalRPS      float64
	GlobalBurst    int
	// FallbackRPS/FallbackBurst bound this instance locally while the
	// coordination store is unreachable and the limiter is failing open.
	FallbackRPS   float64
	FallbackBurst int
}

// Defaults per spec: 10 rps / burst 50 per candidate, 200 rps / burst 500
// fleet-wide.
const (
	DefaultCandidateRPS   = 10
	DefaultCandidateBurst = 50
	DefaultGlobalRPS      = 200
	DefaultGlobalBurst    = 500
	defaultFallbackRPS    = 50
	defaultFallbackBurst  = 100

	candidateKeyPrefix = "applyfleet:ratelimit:cand:"
	globalKey          = "applyfleet:ratelimit:global"
)

// Limiter gates every upstream call behind the per-candidate and global
// budgets. On store failure it fails open, bounded by an instance-local
// x/time/rate limiter so an outage never becomes an unthrottled flood.
type Limiter struct {
	store    BucketStore
	cfg      Config
	fallback *rate.Limiter
	logger   *zap.Logger
}

// New constructs a Limiter with defaults applied.
func New(store BucketStore, cfg Config, logger *zap.Logger) *Limiter {
	if cfg.CandidateRPS <= 0 {
		cfg.CandidateRPS = DefaultCandidateRPS
	}
	if cfg.CandidateBurst <= 0 {
		cfg.CandidateBurst = DefaultCandidateBurst
	}
	if cfg.GlobalRPS <= 0 {
		cfg.GlobalRPS = DefaultGlobalRPS
	}
	if cfg.GlobalBurst <= 0 {
		cfg.GlobalBurst = DefaultGlobalBurst
	}
	if cfg.FallbackRPS <= 0 {
		cfg.FallbackRPS = defaultFallbackRPS
	}
	if cfg.FallbackBurst <= 0 {
		cfg.FallbackBurst = defaultFallbackBurst
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Limiter{
		store:    store,
		cfg:      cfg,
		fallback: rate.NewLimiter(rate.Limit(cfg.FallbackRPS), cfg.FallbackBurst),
		logger:   logger,
	}
}

// Take checks the candidate bucket then the global bucket. A call is
// permitted only when both allow; the first denial wins.
func (l *Limiter) Take(ctx context.Context, candidateID string) Result {
	res := l.take(ctx, candidateKeyPrefix+candidateID, l.cfg.CandidateRPS, l.cfg.CandidateBurst)
	if !res.Allowed {
		return res
	}
	return l.TakeGlobal(ctx)
}

// TakeGlobal checks only the fleet-wide bucket.
func (l *Limiter) TakeGlobal(ctx context.Context) Result {
	return l.take(ctx, globalKey, l.cfg.GlobalRPS, l.cfg.GlobalBurst)
}

func (l *Limiter) take(ctx context.Context, key string, rps float64, burst int) Result {
	res, err := l.store.Take(ctx, key, rps, burst)
	if err != nil {
		// Availability over strict enforcement: fail open, but keep the
		// local backstop so this instance stays bounded.
		l.logger.Warn("rate limit store unavailable, failing open", zap.String("key", key), zap.Error(err))
		return l.takeLocal()
	}
	return res
}

func (l *Limiter) takeLocal() Result {
	r := l.fallback.Reserve()
	if !r.OK() {
		return Result{Allowed: false, RetryAfter: time.Second}
	}
	delay := r.Delay()
	if delay > 0 {
		r.Cancel()
		return Result{Allowed: false, RetryAfter: delay}
	}
	return Result{Allowed: true}
}
