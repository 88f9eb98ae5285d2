// Package worker implements the per-task state machine executing the
// two-phase create-then-poll workflow against the upstream API.
package worker

import (
	"context"
	"fmt"
	"math/rand"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/mbecker/applyfleet/internal/control"
	"github.com/mbecker/applyfleet/internal/proxy"
	"github.com/mbecker/applyfleet/internal/telemetry"
)

// State is the worker lifecycle phase.
type State int32

// Worker states. The machine only ever moves forward.
const (
	StateCreating State = iota
	StatePolling
	StateDone
)

// String renders the state for logs.
func (s State) String() string {
	switch s {
	case StateCreating:
		return "creating"
	case StatePolling:
		return "polling"
	case StateDone:
		return "done"
	default:
		return "unknown"
	}
}

// Applier performs the two upstream operations of the workflow.
type Applier interface {
	CreateApplication(ctx context.Context, task control.Task) (proxy.ApplyResult, error)
	ConfirmApplication(ctx context.Context, task control.Task, applicationID string) (bool, error)
}

// Config controls retry cadence. Creation retries on a fixed delay because a
// failed create has no side effect; polling is slower and jittered because it
// must never re-create the application.
type Config struct {
	CreateRetryDelay time.Duration
	PollDelayMin     time.Duration
	PollDelayMax     time.Duration
	FailureDelay     time.Duration
}

func (c Config) withDefaults() Config {
	if c.CreateRetryDelay <= 0 {
		c.CreateRetryDelay = 5 * time.Second
	}
	if c.PollDelayMin <= 0 {
		c.PollDelayMin = 2000 * time.Millisecond
	}
	if c.PollDelayMax <= c.PollDelayMin {
		c.PollDelayMax = c.PollDelayMin + 1500*time.Millisecond
	}
	if c.FailureDelay <= 0 {
		c.FailureDelay = 5 * time.Second
	}
	return c
}

// Worker runs one task to completion or until stopped. It never escalates:
// every failure path resolves to delay-and-retry, and Stop always wins at
// the next suspension point.
type Worker struct {
	task    control.Task
	applier Applier
	plane   control.Plane
	cfg     Config
	logger  *zap.Logger

	active        atomic.Bool
	state         atomic.Int32
	applicationID string
}

// New builds a Worker bound to one dequeued task.
func New(task control.Task, applier Applier, plane control.Plane, cfg Config, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &Worker{
		task:    task,
		applier: applier,
		plane:   plane,
		cfg:     cfg.withDefaults(),
		logger:  logger,
	}
	w.active.Store(true)
	return w
}

// State returns the current lifecycle phase.
func (w *Worker) State() State {
	return State(w.state.Load())
}

// Active reports whether the worker is still running.
func (w *Worker) Active() bool {
	return w.active.Load()
}

// ApplicationID returns the upstream identifier once creation succeeded.
func (w *Worker) ApplicationID() string {
	return w.applicationID
}

// Stop deactivates the worker from any state. Cooperative: an in-flight
// upstream call completes before the stop takes effect. Idempotent.
func (w *Worker) Stop() {
	w.active.Store(false)
}

// Run executes the state machine until Done, stop, or context cancellation.
func (w *Worker) Run(ctx context.Context) {
	telemetry.IncActiveWorkers()
	defer telemetry.DecActiveWorkers()
	defer func() {
		if w.State() == StateDone {
			telemetry.ObserveTask("done")
		} else {
			telemetry.ObserveTask("stopped")
		}
		w.active.Store(false)
	}()

	if !w.create(ctx) {
		return
	}
	w.poll(ctx)
}

// create repeatedly calls the create operation until an application id is
// obtained. Any failure, 429 included, waits the fixed retry delay.
func (w *Worker) create(ctx context.Context) bool {
	for w.runnable(ctx) {
		res, err := w.applier.CreateApplication(ctx, w.task)
		if err != nil {
			w.logger.Warn("create application failed",
				zap.String("job_id", w.task.JobID),
				zap.String("candidate_id", w.task.CandidateID),
				zap.Error(err),
			)
			if !w.wait(ctx, w.cfg.CreateRetryDelay) {
				return false
			}
			continue
		}
		if res.ApplicationID == "" {
			if !w.wait(ctx, w.cfg.CreateRetryDelay) {
				return false
			}
			continue
		}
		w.applicationID = res.ApplicationID
		w.state.Store(int32(StatePolling))
		telemetry.ObserveApplication("created")
		w.emit(control.LogSuccess, fmt.Sprintf(
			"application %s created for candidate %s on job %s",
			res.ApplicationID, w.task.CandidateID, w.task.JobID,
		))
		return true
	}
	return false
}

// poll repeatedly calls the confirm operation for the known application id.
// After a confirmation the machine is Done and never calls confirm again.
func (w *Worker) poll(ctx context.Context) {
	for w.runnable(ctx) {
		confirmed, err := w.applier.ConfirmApplication(ctx, w.task, w.applicationID)
		if err != nil {
			w.logger.Debug("confirm application failed",
				zap.String("application_id", w.applicationID),
				zap.Error(err),
			)
			if !w.wait(ctx, w.cfg.FailureDelay) {
				return
			}
			continue
		}
		if confirmed {
			w.state.Store(int32(StateDone))
			w.active.Store(false)
			telemetry.ObserveApplication("confirmed")
			w.emit(control.LogSuccess, fmt.Sprintf(
				"application %s confirmed for candidate %s",
				w.applicationID, w.task.CandidateID,
			))
			return
		}
		if !w.wait(ctx, w.pollDelay()) {
			return
		}
	}
}

func (w *Worker) runnable(ctx context.Context) bool {
	return w.active.Load() && ctx.Err() == nil
}

// wait sleeps for d, returning false when the worker should halt instead of
// retrying. The active flag is only consulted here, between suspension
// points.
func (w *Worker) wait(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return w.active.Load()
	}
}

func (w *Worker) pollDelay() time.Duration {
	span := w.cfg.PollDelayMax - w.cfg.PollDelayMin
	return w.cfg.PollDelayMin + time.Duration(rand.Int63n(int64(span)))
}

func (w *Worker) emit(t control.LogEventType, msg string) {
	if w.plane == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := w.plane.PublishLog(ctx, control.LogEvent{Type: t, Message: msg}); err != nil {
		w.logger.Debug("publish log event failed", zap.Error(err))
	}
}
