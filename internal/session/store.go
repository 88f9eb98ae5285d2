package session

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when no live session exists for a candidate.
var ErrNotFound = errors.New("session not found")

// DefaultTTL applies when the caller does not supply a session lifetime.
const DefaultTTL = 7 * 24 * time.Hour

// EventType labels session lifecycle events published for observers.
type EventType string

// Session lifecycle events.
const (
	EventUpserted EventType = "upserted"
	EventPaused   EventType = "paused"
	EventResumed  EventType = "resumed"
	EventExpired  EventType = "expired"
)

// Event is a fire-and-forget notification about a session mutation. It is
// fanned out to current subscribers only and never retained.
type Event struct {
	Type        EventType `json:"type"`
	CandidateID string    `json:"candidateId"`
	At          time.Time `json:"at"`
}

// Publisher receives lifecycle events. Publication is best effort and is not
// part of any write's success contract.
type Publisher func(Event)

// Status is the derived session state reported by listings.
type Status string

// Derived statuses.
const (
	StatusActive  Status = "active"
	StatusPaused  Status = "paused"
	StatusExpired Status = "expired"
)

// Store keeps candidate sessions in the shared coordination store. There is
// no in-process caching across requests; every read fetches the freshest jar.
type Store interface {
	// Upsert replaces the session whole. Cookies are normalized before the
	// write and the record expires after ttl (DefaultTTL when <= 0).
	Upsert(ctx context.Context, sess CandidateSession, ttl time.Duration) error
	// Get returns the session with newly-expired cookies filtered out, or
	// ErrNotFound. Records past their TTL are deleted lazily on read.
	Get(ctx context.Context, candidateID string) (CandidateSession, error)
	// List returns all live sessions ordered by UpdatedAt descending.
	List(ctx context.Context) ([]CandidateSession, error)
	// Pause marks the candidate paused for the given duration. Advisory only:
	// it does not stop a running worker.
	Pause(ctx context.Context, candidateID string, d time.Duration) error
	// Resume clears a pause. Resuming an unpaused candidate is a no-op.
	Resume(ctx context.Context, candidateID string) error
	// Paused reports whether the candidate is paused and until when.
	Paused(ctx context.Context, candidateID string) (time.Time, bool, error)
}
