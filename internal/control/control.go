// Package control defines the shared task backlog and the fleet control
// plane: stop broadcast plus fire-and-forget log and session-event fan-out.
package control

import (
	"context"
	"errors"

	"github.com/mbecker/applyfleet/internal/session"
)

// Task is one (candidate x job) unit of work. Immutable once enqueued;
// consumed at most once from the shared backlog.
type Task struct {
	JobID        string `json:"jobId"`
	ScheduleID   string `json:"scheduleId"`
	CandidateID  string `json:"candidateId"`
	AuthToken    string `json:"authToken"`
	CookieHeader string `json:"cookieHeader,omitempty"`
}

// Validate enforces the fields a worker cannot run without.
func (t Task) Validate() error {
	if t.JobID == "" {
		return errors.New("jobId is required")
	}
	if t.ScheduleID == "" {
		return errors.New("scheduleId is required")
	}
	if t.CandidateID == "" {
		return errors.New("candidateId is required")
	}
	return nil
}

// LogEventType classifies worker log events.
type LogEventType string

// Log event types.
const (
	LogSuccess LogEventType = "success"
	LogError   LogEventType = "error"
)

// LogEvent is an ephemeral observability event fanned out to current
// subscribers; late joiners never see it.
type LogEvent struct {
	Type    LogEventType `json:"type"`
	Message string       `json:"message"`
}

// StopSignal is the only control signal currently defined. The wire payload
// is the bare string so new signals can be added without versioning.
const StopSignal = "STOP"

// Plane is the coordination surface shared by every instance in the fleet.
// The backlog replace and pop operations must be atomic per call; that
// atomicity is the only cross-instance ordering guarantee.
type Plane interface {
	// ReplaceTasks clears the pending backlog and pushes the new batch.
	// Latest batch wins; this is deliberately not an append.
	ReplaceTasks(ctx context.Context, tasks []Task) error
	// PopTask removes and returns the oldest pending task, non-blocking.
	// ok is false when the backlog is empty.
	PopTask(ctx context.Context) (task Task, ok bool, err error)

	// BroadcastStop publishes a fleet-wide stop signal.
	BroadcastStop(ctx context.Context) error
	// SubscribeStop delivers one notification per stop broadcast until the
	// returned cancel func is called.
	SubscribeStop(ctx context.Context) (<-chan struct{}, func(), error)

	// PublishLog fans a log event out to current subscribers, best effort.
	PublishLog(ctx context.Context, evt LogEvent) error
	// SubscribeLogs streams log events until cancelled.
	SubscribeLogs(ctx context.Context) (<-chan LogEvent, func(), error)

	// PublishSessionEvent / SubscribeSessionEvents carry session lifecycle
	// events with the same fire-and-forget semantics as logs.
	PublishSessionEvent(ctx context.Context, evt session.Event) error
	SubscribeSessionEvents(ctx context.Context) (<-chan session.Event, func(), error)
}
