package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mbecker/applyfleet/internal/control"
	controlmemory "github.com/mbecker/applyfleet/internal/control/memory"
	"github.com/mbecker/applyfleet/internal/proxy"
)

// scriptedApplier fails create calls until createFailures hits zero, then
// reports pending confirms until confirmAfter polls have happened.
type scriptedApplier struct {
	mu             sync.Mutex
	createFailures int
	confirmAfter   int
	createCalls    int
	confirmCalls   int
}

func (a *scriptedApplier) CreateApplication(_ context.Context, _ control.Task) (proxy.ApplyResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.createCalls++
	if a.createFailures > 0 {
		a.createFailures--
		return proxy.ApplyResult{}, proxy.Errf(proxy.CodeUpstreamRateLimit, "upstream rate limited")
	}
	return proxy.ApplyResult{ApplicationID: "app-1", StatusCode: 200}, nil
}

func (a *scriptedApplier) ConfirmApplication(_ context.Context, _ control.Task, _ string) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.confirmCalls++
	return a.confirmCalls > a.confirmAfter, nil
}

func (a *scriptedApplier) calls() (int, int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.createCalls, a.confirmCalls
}

func fastConfig() Config {
	return Config{
		CreateRetryDelay: time.Millisecond,
		PollDelayMin:     time.Millisecond,
		PollDelayMax:     2 * time.Millisecond,
		FailureDelay:     time.Millisecond,
	}
}

func testWorkerTask() control.Task {
	return control.Task{
		JobID:       "job-1",
		ScheduleID:  "sched-1",
		CandidateID: "alice",
		AuthToken:   "tok",
	}
}

func TestWorkerHappyPath(t *testing.T) {
	t.Parallel()

	plane := controlmemory.NewPlane()
	logs, cancel, err := plane.SubscribeLogs(context.Background())
	require.NoError(t, err)
	defer cancel()

	applier := &scriptedApplier{confirmAfter: 2}
	w := New(testWorkerTask(), applier, plane, fastConfig(), nil)
	require.Equal(t, StateCreating, w.State())

	w.Run(context.Background())

	require.Equal(t, StateDone, w.State())
	require.False(t, w.Active())
	require.Equal(t, "app-1", w.ApplicationID())

	creates, confirms := applier.calls()
	require.Equal(t, 1, creates)
	require.Equal(t, 3, confirms, "two pending polls then the confirmation")

	// Exactly two success events: created and confirmed.
	var events []control.LogEvent
	for i := 0; i < 2; i++ {
		select {
		case evt := <-logs:
			events = append(events, evt)
		case <-time.After(time.Second):
			t.Fatal("missing log event")
		}
	}
	require.Equal(t, control.LogSuccess, events[0].Type)
	require.Contains(t, events[0].Message, "created")
	require.Contains(t, events[1].Message, "confirmed")
	select {
	case extra := <-logs:
		t.Fatalf("unexpected extra event %v", extra)
	default:
	}
}

func TestWorkerRetriesCreate(t *testing.T) {
	t.Parallel()

	applier := &scriptedApplier{createFailures: 3}
	w := New(testWorkerTask(), applier, nil, fastConfig(), nil)

	w.Run(context.Background())

	require.Equal(t, StateDone, w.State())
	creates, _ := applier.calls()
	require.Equal(t, 4, creates, "three failures then success")
}

func TestWorkerStopDuringPolling(t *testing.T) {
	t.Parallel()

	// Confirm never succeeds; the worker polls until stopped.
	applier := &scriptedApplier{confirmAfter: 1 << 30}
	w := New(testWorkerTask(), applier, nil, fastConfig(), nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Run(context.Background())
	}()

	require.Eventually(t, func() bool {
		return w.State() == StatePolling
	}, time.Second, time.Millisecond)

	w.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not honor stop")
	}
	require.Equal(t, StatePolling, w.State(), "stop does not mean done")
	require.False(t, w.Active())
}

func TestWorkerContextCancellation(t *testing.T) {
	t.Parallel()

	applier := &scriptedApplier{confirmAfter: 1 << 30}
	w := New(testWorkerTask(), applier, nil, fastConfig(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		return w.State() == StatePolling
	}, time.Second, time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not honor context cancellation")
	}
}

func TestStateString(t *testing.T) {
	t.Parallel()

	require.Equal(t, "creating", StateCreating.String())
	require.Equal(t, "polling", StatePolling.String())
	require.Equal(t, "done", StateDone.String())
}
