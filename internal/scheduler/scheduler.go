// Package scheduler runs the engine's periodic maintenance jobs on cron
// schedules. Each run takes a cross-process lock so only one replica
// executes a given job at a time.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"trimatrix/pkg/errors"
	"trimatrix/pkg/logger"

	"github.com/robfig/cron/v3"
)

// Locker grants exclusive, TTL-bounded ownership of a key.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error)
}

// Observer records job outcomes.
type Observer interface {
	RecordJob(job string, duration time.Duration, err error)
}

// Job is a named unit of periodic work. A PerReplica job refreshes
// process-local state and runs on every replica without taking the lock.
type Job struct {
	Name       string
	Schedule   string
	PerReplica bool
	Run        func(ctx context.Context) error
}

type Scheduler struct {
	cron     *cron.Cron
	locker   Locker
	lockTTL  time.Duration
	observer Observer
	logger   logger.Logger

	mu     sync.Mutex
	jobs   map[string]Job
	ctx    context.Context
	cancel context.CancelFunc
}

// NewScheduler builds a scheduler. locker and observer may be nil.
func NewScheduler(locker Locker, lockTTL time.Duration, observer Observer, log logger.Logger) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:     cron.New(),
		locker:   locker,
		lockTTL:  lockTTL,
		observer: observer,
		logger:   log,
		jobs:     make(map[string]Job),
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (s *Scheduler) Register(job Job) error {
	if job.Name == "" || job.Run == nil {
		return errors.Wrap(errors.ErrInvalidState, "job needs a name and a run func")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.Name]; ok {
		return fmt.Errorf("job %s already registered", job.Name)
	}
	if _, err := s.cron.AddFunc(job.Schedule, func() {
		_ = s.execute(s.ctx, job)
	}); err != nil {
		return fmt.Errorf("invalid schedule for job %s: %w", job.Name, err)
	}
	s.jobs[job.Name] = job

	s.logger.Info("Scheduled job", map[string]interface{}{
		"job":      job.Name,
		"schedule": job.Schedule,
	})
	return nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("Scheduler started", map[string]interface{}{"jobs": len(s.jobs)})
}

// Stop cancels running jobs and waits for them to return or ctx to end.
func (s *Scheduler) Stop(ctx context.Context) {
	s.cancel()
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		s.logger.Warn("Scheduler stop timed out with jobs still running", nil)
	}
	s.logger.Info("Scheduler stopped", nil)
}

// RunNow executes a registered job immediately, under the same lock as
// scheduled runs.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	job, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("job %s not registered", name)
	}
	return s.execute(ctx, job)
}

func (s *Scheduler) execute(ctx context.Context, job Job) error {
	if s.locker != nil && !job.PerReplica {
		release, err := s.locker.Acquire(ctx, "job:"+job.Name, s.lockTTL)
		if errors.Is(err, errors.ErrLockHeld) {
			s.logger.Debug("Job skipped, running elsewhere", map[string]interface{}{"job": job.Name})
			return err
		}
		if err != nil {
			s.logger.Error("Failed to acquire job lock", map[string]interface{}{
				"job":   job.Name,
				"error": err.Error(),
			})
			return err
		}
		defer release()
	}

	start := time.Now()
	err := job.Run(ctx)
	duration := time.Since(start)
	if s.observer != nil {
		s.observer.RecordJob(job.Name, duration, err)
	}

	if err != nil {
		s.logger.Error("Job failed", map[string]interface{}{
			"job":         job.Name,
			"duration_ms": duration.Milliseconds(),
			"error":       err.Error(),
		})
		return err
	}
	s.logger.Debug("Job finished", map[string]interface{}{
		"job":         job.Name,
		"duration_ms": duration.Milliseconds(),
	})
	return nil
}
