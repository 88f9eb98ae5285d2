package worker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mbecker/applyfleet/internal/control"
)

// DefaultPollInterval is the fleet-wide dequeue cadence.
const DefaultPollInterval = time.Second

// Runner is this instance's consumer loop: one dequeue attempt per tick,
// one worker goroutine per won task. Work distribution across the fleet is
// nothing more than the atomicity of the pop.
type Runner struct {
	plane        control.Plane
	applier      Applier
	workerCfg    Config
	pollInterval time.Duration
	logger       *zap.Logger

	mu      sync.Mutex
	workers []*Worker
	wg      sync.WaitGroup
}

// NewRunner builds the consumer loop for this instance.
func NewRunner(plane control.Plane, applier Applier, workerCfg Config, pollInterval time.Duration, logger *zap.Logger) *Runner {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		plane:        plane,
		applier:      applier,
		workerCfg:    workerCfg,
		pollInterval: pollInterval,
		logger:       logger,
	}
}

// Run polls the backlog until the context finishes, honoring fleet-wide stop
// broadcasts. It blocks; callers run it in a goroutine.
func (r *Runner) Run(ctx context.Context) {
	stopCh, cancelSub, err := r.plane.SubscribeStop(ctx)
	if err != nil {
		r.logger.Error("subscribe stop broadcast failed", zap.Error(err))
	} else {
		defer cancelSub()
	}

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.StopAll()
			r.wg.Wait()
			return
		case _, ok := <-stopCh:
			if !ok {
				stopCh = nil
				continue
			}
			r.logger.Info("stop broadcast received, halting workers")
			r.StopAll()
		case <-ticker.C:
			r.pollOnce(ctx)
		}
	}
}

// StopAll deactivates every tracked worker. New tasks submitted afterwards
// are still picked up; stop halts current work, it does not close the loop.
func (r *Runner) StopAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, w := range r.workers {
		w.Stop()
	}
	r.workers = r.workers[:0]
}

// ActiveWorkers reports how many tracked workers are still running.
func (r *Runner) ActiveWorkers() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, w := range r.workers {
		if w.Active() {
			n++
		}
	}
	return n
}

func (r *Runner) pollOnce(ctx context.Context) {
	task, ok, err := r.plane.PopTask(ctx)
	if err != nil {
		r.logger.Warn("backlog poll failed", zap.Error(err))
		return
	}
	if !ok {
		return
	}
	r.logger.Info("task dequeued",
		zap.String("job_id", task.JobID),
		zap.String("candidate_id", task.CandidateID),
	)

	w := New(task, r.applier, r.plane, r.workerCfg, r.logger.Named("worker"))
	r.track(w)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		w.Run(ctx)
	}()
}

// track registers the worker and sweeps out finished ones.
func (r *Runner) track(w *Worker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := r.workers[:0]
	for _, existing := range r.workers {
		if existing.Active() {
			kept = append(kept, existing)
		}
	}
	r.workers = append(kept, w)
}
