package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/mbecker/applyfleet/internal/clock"
)

const (
	sessionKeyPrefix = "applyfleet:session:"
	sessionIndexKey  = "applyfleet:session-index"
	pauseKeyPrefix   = "applyfleet:pause:"
)

// RedisStore keeps sessions in Redis so every instance in the fleet reads the
// same jar. Records carry a TTL; the sorted-set index orders listings by
// update time.
type RedisStore struct {
	rdb     redis.UniversalClient
	clock   clock.Clock
	publish Publisher
	logger  *zap.Logger
}

// NewRedisStore wires a Redis-backed session store. publish may be nil.
func NewRedisStore(rdb redis.UniversalClient, clk clock.Clock, publish Publisher, logger *zap.Logger) *RedisStore {
	if clk == nil {
		clk = clock.System{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisStore{rdb: rdb, clock: clk, publish: publish, logger: logger}
}

// Upsert replaces the stored session and refreshes the listing index.
func (s *RedisStore) Upsert(ctx context.Context, sess CandidateSession, ttl time.Duration) error {
	if sess.CandidateID == "" {
		return errors.New("candidate id is required")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now := s.clock.Now()
	sess.Cookies = FilterCookies(sess.Cookies, now)
	sess.UpdatedAt = now
	sess.ExpiresAt = now.Add(ttl)

	payload, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, sessionKeyPrefix+sess.CandidateID, payload, ttl)
	pipe.ZAdd(ctx, sessionIndexKey, redis.Z{
		Score:  float64(now.UnixMilli()),
		Member: sess.CandidateID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store session: %w", err)
	}
	s.emit(EventUpserted, sess.CandidateID)
	return nil
}

// Get fetches the freshest session for the candidate. Expiry is enforced
// lazily: a record past its TTL is deleted and reported as not found.
func (s *RedisStore) Get(ctx context.Context, candidateID string) (CandidateSession, error) {
	raw, err := s.rdb.Get(ctx, sessionKeyPrefix+candidateID).Result()
	if errors.Is(err, redis.Nil) {
		s.dropIndex(ctx, candidateID)
		return CandidateSession{}, ErrNotFound
	}
	if err != nil {
		return CandidateSession{}, fmt.Errorf("load session: %w", err)
	}
	var sess CandidateSession
	if err := json.Unmarshal([]byte(raw), &sess); err != nil {
		return CandidateSession{}, fmt.Errorf("decode session: %w", err)
	}
	now := s.clock.Now()
	if sess.Expired(now) {
		if err := s.rdb.Del(ctx, sessionKeyPrefix+candidateID).Err(); err != nil {
			s.logger.Warn("delete expired session failed", zap.String("candidate_id", candidateID), zap.Error(err))
		}
		s.dropIndex(ctx, candidateID)
		s.emit(EventExpired, candidateID)
		return CandidateSession{}, ErrNotFound
	}
	sess.Cookies = FilterCookies(sess.Cookies, now)
	return sess, nil
}

// List returns live sessions newest-first. Index entries whose record has
// since expired are pruned as they are discovered.
func (s *RedisStore) List(ctx context.Context) ([]CandidateSession, error) {
	ids, err := s.rdb.ZRevRange(ctx, sessionIndexKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list session index: %w", err)
	}
	sessions := make([]CandidateSession, 0, len(ids))
	for _, id := range ids {
		sess, err := s.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, nil
}

// Pause records an advisory pause under its own timed key.
func (s *RedisStore) Pause(ctx context.Context, candidateID string, d time.Duration) error {
	if d <= 0 {
		return errors.New("pause duration must be > 0")
	}
	until := s.clock.Now().Add(d)
	if err := s.rdb.Set(ctx, pauseKeyPrefix+candidateID, strconv.FormatInt(until.UnixMilli(), 10), d).Err(); err != nil {
		return fmt.Errorf("store pause: %w", err)
	}
	s.emit(EventPaused, candidateID)
	return nil
}

// Resume clears the pause key. Clearing an absent key is a no-op.
func (s *RedisStore) Resume(ctx context.Context, candidateID string) error {
	removed, err := s.rdb.Del(ctx, pauseKeyPrefix+candidateID).Result()
	if err != nil {
		return fmt.Errorf("clear pause: %w", err)
	}
	if removed > 0 {
		s.emit(EventResumed, candidateID)
	}
	return nil
}

// Paused reports the pause deadline, if one is still active.
func (s *RedisStore) Paused(ctx context.Context, candidateID string) (time.Time, bool, error) {
	raw, err := s.rdb.Get(ctx, pauseKeyPrefix+candidateID).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("load pause: %w", err)
	}
	millis, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("decode pause: %w", err)
	}
	until := time.UnixMilli(millis)
	if !until.After(s.clock.Now()) {
		// Redis TTL normally removes the key first; clean up just in case.
		_ = s.rdb.Del(ctx, pauseKeyPrefix+candidateID).Err()
		return time.Time{}, false, nil
	}
	return until, true, nil
}

func (s *RedisStore) dropIndex(ctx context.Context, candidateID string) {
	if err := s.rdb.ZRem(ctx, sessionIndexKey, candidateID).Err(); err != nil {
		s.logger.Debug("prune session index failed", zap.String("candidate_id", candidateID), zap.Error(err))
	}
}

func (s *RedisStore) emit(t EventType, candidateID string) {
	if s.publish == nil {
		return
	}
	s.publish(Event{Type: t, CandidateID: candidateID, At: s.clock.Now()})
}
