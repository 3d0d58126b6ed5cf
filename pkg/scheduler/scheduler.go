// Package scheduler runs the daily batch jobs on cron schedules.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// Job is one unit of scheduled work.
type Job func(ctx context.Context) error

// Scheduler wraps a cron runner. Jobs never overlap with themselves: a run
// that starts while the previous one is still going is skipped.
type Scheduler struct {
	cron *cron.Cron
	log  *logrus.Logger
	ctx  context.Context
	stop context.CancelFunc
}

// New creates a Scheduler that evaluates schedules in loc.
func New(loc *time.Location, log *logrus.Logger) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron: cron.New(
			cron.WithLocation(loc),
			cron.WithChain(cron.Recover(cron.DiscardLogger), cron.SkipIfStillRunning(cron.DiscardLogger)),
		),
		log:  log,
		ctx:  ctx,
		stop: cancel,
	}
}

// Register adds job under a standard five-field cron spec.
func (s *Scheduler) Register(spec, name string, job Job) error {
	_, err := s.cron.AddFunc(spec, func() { s.run(name, job) })
	if err != nil {
		return fmt.Errorf("invalid schedule %q for %s: %w", spec, name, err)
	}
	s.log.WithFields(logrus.Fields{"job": name, "schedule": spec}).Info("Job scheduled")
	return nil
}

func (s *Scheduler) run(name string, job Job) {
	entry := s.log.WithField("job", name)
	start := time.Now()
	entry.Info("Job started")
	if err := job(s.ctx); err != nil {
		entry.WithError(err).Error("Job failed")
		return
	}
	entry.WithField("duration", time.Since(start).String()).Info("Job complete")
}

// Start runs the scheduler in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop cancels running jobs and waits for them to return.
func (s *Scheduler) Stop() {
	s.stop()
	<-s.cron.Stop().Done()
	s.log.Info("Scheduler stopped")
}
