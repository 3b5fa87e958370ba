// Package jobs runs the periodic maintenance work of the service on a cron
// scheduler.
package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Job is one periodic task.
type Job struct {
	Name string
	// Spec is a cron spec, e.g. "@every 1m".
	Spec    string
	Timeout time.Duration
	Run     func(ctx context.Context) error
}

// Recorder receives job outcomes, e.g. for metrics.
type Recorder interface {
	JobRun(job string, success bool)
}

// Scheduler runs jobs. A job that panics is logged and its next run still
// happens.
type Scheduler struct {
	cron     *cron.Cron
	logger   *slog.Logger
	recorder Recorder
	ctx      context.Context
	cancel   context.CancelFunc
}

// New creates a stopped scheduler.
func New(logger *slog.Logger, recorder Recorder) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	cl := cronLogger{logger.With("component", "jobs")}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		logger:   logger,
		recorder: recorder,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Add schedules job.
func (s *Scheduler) Add(job Job) error {
	if _, err := s.cron.AddFunc(job.Spec, s.wrap(job)); err != nil {
		return fmt.Errorf("schedule %s: %w", job.Name, err)
	}
	s.logger.Debug("job scheduled", "job", job.Name, "spec", job.Spec)
	return nil
}

// Len returns the number of scheduled jobs.
func (s *Scheduler) Len() int { return len(s.cron.Entries()) }

// Start runs the scheduler in the background.
func (s *Scheduler) Start() { s.cron.Start() }

// Stop stops scheduling, cancels the context of running jobs, and waits for
// them to return.
func (s *Scheduler) Stop() {
	done := s.cron.Stop()
	s.cancel()
	<-done.Done()
}

func (s *Scheduler) wrap(job Job) func() {
	return func() {
		ctx := s.ctx
		if job.Timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, job.Timeout)
			defer cancel()
		}
		start := time.Now()
		err := job.Run(ctx)
		if s.recorder != nil {
			s.recorder.JobRun(job.Name, err == nil)
		}
		if err != nil {
			s.logger.Error("job failed", "job", job.Name, "duration", time.Since(start), "error", err)
			return
		}
		s.logger.Debug("job finished", "job", job.Name, "duration", time.Since(start))
	}
}

// cronLogger adapts slog to cron's logger.
type cronLogger struct{ l *slog.Logger }

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error(msg, append(keysAndValues, "error", err)...)
}
