// Package scheduler triggers the engine jobs, on a cron schedule or on demand,
// under a per-job single-flight lock.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"mlm-engine/internal/lock"
	"mlm-engine/internal/metrics"
	"mlm-engine/internal/notify"
	"mlm-engine/internal/worker"
)

// ErrBusy is returned when another run of the job holds its lock.
var ErrBusy = errors.New("job already running")

const releaseTimeout = 5 * time.Second

type Runner struct {
	locker   lock.Locker
	reporter notify.Reporter
	log      *zap.Logger
	timeout  time.Duration
	lockTTL  time.Duration
}

// NewRunner builds a Runner. A zero timeout leaves runs unbounded; the lock
// TTL should exceed the timeout so a live run never loses its lock.
func NewRunner(locker lock.Locker, reporter notify.Reporter, log *zap.Logger, timeout, lockTTL time.Duration) *Runner {
	if reporter == nil {
		reporter = notify.NopReporter{}
	}
	return &Runner{
		locker:   locker,
		reporter: reporter,
		log:      log.Named("runner"),
		timeout:  timeout,
		lockTTL:  lockTTL,
	}
}

// Run executes job once. It returns ErrBusy without running when another
// invocation of the same job is in flight anywhere.
func (r *Runner) Run(ctx context.Context, job worker.Job) (worker.Result, error) {
	name := job.Name()
	release, ok, err := r.locker.TryAcquire(ctx, name, r.lockTTL)
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", name, err)
	}
	if !ok {
		metrics.RecordBusy(name)
		r.log.Info("Job already running, skipping", zap.String("job", name))
		return nil, ErrBusy
	}
	defer func() {
		relCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
		defer cancel()
		if err := release(relCtx); err != nil {
			r.log.Warn("Failed to release job lock", zap.String("job", name), zap.Error(err))
		}
	}()

	runCtx := ctx
	if r.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	r.log.Info("Job started", zap.String("job", name))
	started := time.Now()
	res := job.Run(runCtx)
	elapsed := time.Since(started)
	metrics.RecordJobRun(name, elapsed, res.Succeeded())

	if res.Succeeded() {
		r.log.Info("Job finished", zap.String("job", name), zap.Duration("elapsed", elapsed), zap.String("summary", res.Brief()))
	} else {
		r.log.Error("Job failed", zap.String("job", name), zap.Duration("elapsed", elapsed), zap.String("error", res.Failure()))
	}
	r.reporter.Report(context.WithoutCancel(ctx), notify.Report{
		Job:     name,
		Success: res.Succeeded(),
		Summary: res.Brief(),
		Error:   res.Failure(),
	})
	return res, nil
}
