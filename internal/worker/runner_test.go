package worker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mbecker/applyfleet/internal/control"
	controlmemory "github.com/mbecker/applyfleet/internal/control/memory"
)

func TestRunnerConsumesBacklog(t *testing.T) {
	t.Parallel()

	plane := controlmemory.NewPlane()
	applier := &scriptedApplier{}
	runner := NewRunner(plane, applier, fastConfig(), 5*time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, plane.ReplaceTasks(ctx, []control.Task{
		testWorkerTask(),
		{JobID: "job-2", ScheduleID: "sched-1", CandidateID: "bob", AuthToken: "tok"},
	}))

	done := make(chan struct{})
	go func() {
		defer close(done)
		runner.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		creates, _ := applier.calls()
		return creates >= 2
	}, 2*time.Second, 5*time.Millisecond, "both tasks should be dequeued and run")

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("runner did not exit on context cancellation")
	}
}

func TestRunnerHonorsStopBroadcast(t *testing.T) {
	t.Parallel()

	plane := controlmemory.NewPlane()
	// Confirm never succeeds, so workers run until stopped.
	applier := &scriptedApplier{confirmAfter: 1 << 30}
	runner := NewRunner(plane, applier, fastConfig(), 5*time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, plane.ReplaceTasks(ctx, []control.Task{testWorkerTask()}))

	done := make(chan struct{})
	go func() {
		defer close(done)
		runner.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		return runner.ActiveWorkers() == 1
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, plane.BroadcastStop(ctx))

	require.Eventually(t, func() bool {
		return runner.ActiveWorkers() == 0
	}, 2*time.Second, 5*time.Millisecond, "stop broadcast should halt the worker")

	// The loop stays alive for future batches.
	require.NoError(t, plane.ReplaceTasks(ctx, []control.Task{
		{JobID: "job-3", ScheduleID: "sched-1", CandidateID: "carol", AuthToken: "tok"},
	}))
	require.Eventually(t, func() bool {
		creates, _ := applier.calls()
		return creates >= 2
	}, 2*time.Second, 5*time.Millisecond, "runner should pick up tasks after a stop")

	cancel()
	<-done
}

func TestRunnerStopAllIdempotent(t *testing.T) {
	t.Parallel()

	plane := controlmemory.NewPlane()
	runner := NewRunner(plane, &scriptedApplier{}, fastConfig(), time.Millisecond, nil)

	runner.StopAll()
	runner.StopAll()
	require.Zero(t, runner.ActiveWorkers())
}
