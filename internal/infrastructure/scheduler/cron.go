package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"PaperDigest/internal/metrics"
	"PaperDigest/internal/ports"
)

// Job is one periodic unit of work.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// IntervalScheduler runs every job on its own ticker. A job never overlaps with itself:
// ticks that fire while it is still running are dropped.
type IntervalScheduler struct {
	jobs    []Job
	timeout time.Duration
	logger  *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ ports.Scheduler = (*IntervalScheduler)(nil)

// NewIntervalScheduler builds a scheduler; timeout bounds each run when positive.
func NewIntervalScheduler(jobs []Job, timeout time.Duration, logger *slog.Logger) *IntervalScheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &IntervalScheduler{jobs: jobs, timeout: timeout, logger: logger.With("component", "scheduler")}
}

// Start launches the job loops; each job runs once immediately.
func (s *IntervalScheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return errors.New("scheduler already started")
	}

	for _, job := range s.jobs {
		if job.Run == nil || job.Interval <= 0 {
			return fmt.Errorf("job %q needs a run function and a positive interval", job.Name)
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	for _, job := range s.jobs {
		s.wg.Add(1)
		go s.loop(runCtx, job)
	}
	return nil
}

func (s *IntervalScheduler) loop(ctx context.Context, job Job) {
	defer s.wg.Done()

	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()

	s.runOnce(ctx, job)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runOnce(ctx, job)
		}
	}
}

func (s *IntervalScheduler) runOnce(ctx context.Context, job Job) {
	if ctx.Err() != nil {
		return
	}
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	started := time.Now()
	err := safeRun(ctx, job)
	metrics.RecordJob(job.Name, err, time.Since(started).Seconds())
	if err != nil {
		s.logger.Error("job failed", "job", job.Name, "duration", time.Since(started), "error", err)
		return
	}
	s.logger.Debug("job finished", "job", job.Name, "duration", time.Since(started))
}

func safeRun(ctx context.Context, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panicked: %v", job.Name, r)
		}
	}()
	return job.Run(ctx)
}

// Stop cancels the loops and waits for running jobs until ctx expires.
func (s *IntervalScheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("stop scheduler: %w", ctx.Err())
	}
}
