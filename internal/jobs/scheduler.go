package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/rewired-gh/watchdigest/internal/logger"
	"github.com/robfig/cron/v3"
)

// Schedule holds one cron expression (with seconds) per job. An empty
// expression leaves the job unscheduled.
type Schedule struct {
	DailyPrep string
	Movers    string
	HiLo      string
	Targets   string
	Reconcile string
	Digest    string
}

func (s Schedule) entries() []struct{ job, expr string } {
	return []struct{ job, expr string }{
		{JobDailyPrep, s.DailyPrep},
		{JobMovers, s.Movers},
		{JobHiLo, s.HiLo},
		{JobTargets, s.Targets},
		{JobReconcile, s.Reconcile},
		{JobDigest, s.Digest},
	}
}

// Scheduler manages all cron jobs.
type Scheduler struct {
	cron   *cron.Cron
	runner *Runner
	ctx    context.Context
}

// NewScheduler creates a scheduler evaluating expressions in loc.
func NewScheduler(ctx context.Context, runner *Runner, loc *time.Location) *Scheduler {
	if loc == nil {
		loc = time.UTC
	}
	return &Scheduler{
		cron:   cron.New(cron.WithSeconds(), cron.WithLocation(loc)),
		runner: runner,
		ctx:    ctx,
	}
}

// RegisterAll registers every job with a non-empty expression.
func (s *Scheduler) RegisterAll(sched Schedule) error {
	for _, e := range sched.entries() {
		if e.expr == "" {
			logger.Debug("Job %s has no schedule", e.job)
			continue
		}
		job := e.job
		if _, err := s.cron.AddFunc(e.expr, func() { s.run(job) }); err != nil {
			return fmt.Errorf("register %s job: %w", job, err)
		}
		logger.Info("Scheduled job %s at %q", job, e.expr)
	}
	return nil
}

// Len returns the number of registered jobs.
func (s *Scheduler) Len() int {
	return len(s.cron.Entries())
}

// Start starts the cron scheduler.
func (s *Scheduler) Start() {
	s.cron.Start()
	logger.Info("Scheduler started")
}

// Stop stops the scheduler and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	logger.Info("Scheduler stopped")
}

func (s *Scheduler) run(job string) {
	if s.ctx.Err() != nil {
		return
	}
	// Run logs and reports the error itself.
	_ = s.runner.Run(s.ctx, job)
}
