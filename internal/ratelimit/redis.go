package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mbecker/applyfleet/internal/clock"
)

// takeScript performs refill-then-consume as one atomic server-side
// operation. Refill is continuous in elapsed time, clamped to burst, so
// there are no window-boundary burst artifacts. Returns {allowed, retryMs}.
var takeScript = redis.NewScript(`
local key = KEYS[1]
local rps = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local window = tonumber(ARGV[4])
local ttl = tonumber(ARGV[5])

local state = redis.call('HMGET', key, 'tokens', 'ts')
local tokens = tonumber(state[1])
local ts = tonumber(state[2])
if tokens == nil or ts == nil then
  tokens = burst
  ts = now
end

local elapsed = (now - ts) / window
if elapsed < 0 then
  elapsed = 0
end
tokens = math.min(burst, tokens + rps * elapsed)

local allowed = 0
local retry = 0
if tokens >= 1 then
  tokens = tokens - 1
  allowed = 1
else
  retry = math.ceil((1 - tokens) / rps * window)
end

redis.call('HSET', key, 'tokens', tostring(tokens), 'ts', tostring(now))
redis.call('PEXPIRE', key, ttl)
return {allowed, retry}
`)

// Window and idle-TTL defaults for the shared buckets.
const (
	DefaultWindow  = time.Second
	DefaultIdleTTL = 60 * time.Second
)

// RedisStore evaluates the bucket script against the coordination store.
// Abandoned keys expire after the idle TTL, so the state is self-healing.
type RedisStore struct {
	rdb     redis.UniversalClient
	clock   clock.Clock
	window  time.Duration
	idleTTL time.Duration
}

// NewRedisStore builds a RedisStore with defaults applied.
func NewRedisStore(rdb redis.UniversalClient, clk clock.Clock, window, idleTTL time.Duration) *RedisStore {
	if clk == nil {
		clk = clock.System{}
	}
	if window <= 0 {
		window = DefaultWindow
	}
	if idleTTL <= 0 {
		idleTTL = DefaultIdleTTL
	}
	return &RedisStore{rdb: rdb, clock: clk, window: window, idleTTL: idleTTL}
}

// Take runs the atomic refill-then-consume script for one key.
func (s *RedisStore) Take(ctx context.Context, key string, rps float64, burst int) (Result, error) {
	now := s.clock.Now().UnixMilli()
	vals, err := takeScript.Run(ctx, s.rdb,
		[]string{key},
		rps, burst, now, s.window.Milliseconds(), s.idleTTL.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return Result{}, fmt.Errorf("bucket script: %w", err)
	}
	if len(vals) != 2 {
		return Result{}, fmt.Errorf("bucket script: unexpected reply length %d", len(vals))
	}
	if vals[0] == 1 {
		return Result{Allowed: true}, nil
	}
	return Result{Allowed: false, RetryAfter: time.Duration(vals[1]) * time.Millisecond}, nil
}
