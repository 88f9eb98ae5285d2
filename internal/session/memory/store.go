// Package memory provides a session store for tests and single-instance use.
package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/mbecker/applyfleet/internal/clock"
	"github.com/mbecker/applyfleet/internal/session"
)

type entry struct {
	sess        session.CandidateSession
	pausedUntil time.Time
}

// Store keeps sessions in a mutex-guarded map with lazy expiry on read.
type Store struct {
	mu      sync.Mutex
	entries map[string]*entry
	clock   clock.Clock
	publish session.Publisher
}

// NewStore builds an empty store. publish may be nil.
func NewStore(clk clock.Clock, publish session.Publisher) *Store {
	if clk == nil {
		clk = clock.System{}
	}
	return &Store{
		entries: make(map[string]*entry),
		clock:   clk,
		publish: publish,
	}
}

// Upsert replaces the session whole.
func (s *Store) Upsert(_ context.Context, sess session.CandidateSession, ttl time.Duration) error {
	if sess.CandidateID == "" {
		return errors.New("candidate id is required")
	}
	if ttl <= 0 {
		ttl = session.DefaultTTL
	}
	now := s.clock.Now()
	sess.Cookies = session.FilterCookies(sess.Cookies, now)
	sess.UpdatedAt = now
	sess.ExpiresAt = now.Add(ttl)

	s.mu.Lock()
	e, ok := s.entries[sess.CandidateID]
	if !ok {
		e = &entry{}
		s.entries[sess.CandidateID] = e
	}
	e.sess = sess
	s.mu.Unlock()

	s.emit(session.EventUpserted, sess.CandidateID)
	return nil
}

// Get returns the live session or session.ErrNotFound, deleting expired
// records as they are read.
func (s *Store) Get(_ context.Context, candidateID string) (session.CandidateSession, error) {
	now := s.clock.Now()

	s.mu.Lock()
	e, ok := s.entries[candidateID]
	if !ok || e.sess.CandidateID == "" {
		s.mu.Unlock()
		return session.CandidateSession{}, session.ErrNotFound
	}
	if e.sess.Expired(now) {
		delete(s.entries, candidateID)
		s.mu.Unlock()
		s.emit(session.EventExpired, candidateID)
		return session.CandidateSession{}, session.ErrNotFound
	}
	sess := e.sess
	s.mu.Unlock()

	sess.Cookies = session.FilterCookies(sess.Cookies, now)
	return sess, nil
}

// List returns live sessions ordered by UpdatedAt descending.
func (s *Store) List(ctx context.Context) ([]session.CandidateSession, error) {
	s.mu.Lock()
	ids := make([]string, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	sessions := make([]session.CandidateSession, 0, len(ids))
	for _, id := range ids {
		sess, err := s.Get(ctx, id)
		if errors.Is(err, session.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].UpdatedAt.After(sessions[j].UpdatedAt)
	})
	return sessions, nil
}

// Pause marks the candidate paused until now+d.
func (s *Store) Pause(_ context.Context, candidateID string, d time.Duration) error {
	if d <= 0 {
		return errors.New("pause duration must be > 0")
	}
	until := s.clock.Now().Add(d)

	s.mu.Lock()
	e, ok := s.entries[candidateID]
	if !ok {
		e = &entry{}
		s.entries[candidateID] = e
	}
	e.pausedUntil = until
	s.mu.Unlock()

	s.emit(session.EventPaused, candidateID)
	return nil
}

// Resume clears any pause; resuming an unpaused candidate is a no-op.
func (s *Store) Resume(_ context.Context, candidateID string) error {
	s.mu.Lock()
	e, ok := s.entries[candidateID]
	wasPaused := ok && !e.pausedUntil.IsZero()
	if wasPaused {
		e.pausedUntil = time.Time{}
	}
	s.mu.Unlock()

	if wasPaused {
		s.emit(session.EventResumed, candidateID)
	}
	return nil
}

// Paused reports the active pause deadline. An elapsed pause is cleared on
// read and reported as not paused.
func (s *Store) Paused(_ context.Context, candidateID string) (time.Time, bool, error) {
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[candidateID]
	if !ok || e.pausedUntil.IsZero() {
		return time.Time{}, false, nil
	}
	if !e.pausedUntil.After(now) {
		e.pausedUntil = time.Time{}
		return time.Time{}, false, nil
	}
	return e.pausedUntil, true, nil
}

func (s *Store) emit(t session.EventType, candidateID string) {
	if s.publish == nil {
		return
	}
	s.publish(session.Event{Type: t, CandidateID: candidateID, At: s.clock.Now()})
}
