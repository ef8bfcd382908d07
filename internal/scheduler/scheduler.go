package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	appLog "whatson/internal/log"
)

// Job is one step of a refresh cycle.
type Job struct {
	Name string
	Run  func(ctx context.Context) error
}

// Scheduler runs its jobs in order on a cron schedule.
type Scheduler struct {
	cron *cron.Cron
	spec string
	jobs []Job
}

// New validates spec (standard five-field cron or a descriptor such as
// "@every 15m") and builds a Scheduler evaluated in loc.
func New(spec string, loc *time.Location, jobs ...Job) (*Scheduler, error) {
	if _, err := cron.ParseStandard(spec); err != nil {
		return nil, fmt.Errorf("parse refresh schedule %q: %w", spec, err)
	}
	if loc == nil {
		loc = time.Local
	}

	logger := cron.PrintfLogger(slog.NewLogLogger(appLog.Logger().Handler(), slog.LevelDebug))
	c := cron.New(
		cron.WithLocation(loc),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)

	return &Scheduler{cron: c, spec: spec, jobs: jobs}, nil
}

// Start schedules the cycle and returns immediately. ctx is handed to
// every job run.
func (s *Scheduler) Start(ctx context.Context) error {
	if _, err := s.cron.AddFunc(s.spec, func() {
		_ = s.RunOnce(ctx)
	}); err != nil {
		return fmt.Errorf("add refresh job: %w", err)
	}
	s.cron.Start()
	appLog.Info("scheduler started", "spec", s.spec, "jobs", len(s.jobs))
	return nil
}

// Stop waits for a running cycle to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	appLog.Info("scheduler stopped")
}

// RunOnce runs every job in order. A failing job does not stop the ones
// after it; all failures are returned joined.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	var errs []error
	for _, j := range s.jobs {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		start := time.Now()
		if err := j.Run(ctx); err != nil {
			appLog.Error("refresh job failed", err, "job", j.Name)
			errs = append(errs, fmt.Errorf("%s: %w", j.Name, err))
			continue
		}
		appLog.Debug("refresh job done", "job", j.Name, "took", time.Since(start).String())
	}
	return errors.Join(errs...)
}
