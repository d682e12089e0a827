package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"mlm-engine/internal/logging"
	"mlm-engine/internal/worker"
)

// Scheduler fires jobs on standard five-field cron specs evaluated in the
// engine timezone.
type Scheduler struct {
	cron   *cron.Cron
	runner *Runner
	log    *zap.Logger
	ctx    context.Context
}

func New(runner *Runner, loc *time.Location, log *zap.Logger) *Scheduler {
	if loc == nil {
		loc = time.UTC
	}
	cl := logging.NewCronLogger(log)
	return &Scheduler{
		cron: cron.New(
			cron.WithLocation(loc),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		runner: runner,
		log:    log.Named("scheduler"),
		ctx:    context.Background(),
	}
}

// Add schedules job under spec.
func (s *Scheduler) Add(spec string, job worker.Job) error {
	if _, err := s.cron.AddFunc(spec, func() { s.fire(job) }); err != nil {
		return fmt.Errorf("schedule %s %q: %w", job.Name(), spec, err)
	}
	s.log.Info("Job scheduled", zap.String("job", job.Name()), zap.String("spec", spec))
	return nil
}

func (s *Scheduler) fire(job worker.Job) {
	if _, err := s.runner.Run(s.ctx, job); err != nil && !errors.Is(err, ErrBusy) {
		s.log.Error("Scheduled run failed to start", zap.String("job", job.Name()), zap.Error(err))
	}
}

// Start runs the schedule until ctx is done or Stop is called. Runs started
// by the schedule inherit ctx.
func (s *Scheduler) Start(ctx context.Context) {
	s.ctx = ctx
	s.cron.Start()
	go func() {
		<-ctx.Done()
		s.cron.Stop()
	}()
}

// Stop halts the schedule; the returned context is done once running jobs
// have finished.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

// Next is the next fire time of every scheduled entry.
func (s *Scheduler) Next() []time.Time {
	entries := s.cron.Entries()
	out := make([]time.Time, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Next)
	}
	return out
}
