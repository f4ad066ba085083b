// Package poll triggers scheduled notification work on a timer and on demand.
package poll

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Job runs scheduled work that has come due.
type Job interface {
	RunDue(ctx context.Context) error
}

// Monitor runs the job periodically and never lets two runs overlap.
type Monitor struct {
	job     Job
	logger  *slog.Logger
	cron    *cron.Cron
	timeout time.Duration
	mu      sync.Mutex
}

// New creates a monitor. Each run is bounded by timeout.
func New(job Job, timeout time.Duration, logger *slog.Logger) *Monitor {
	return &Monitor{
		job:     job,
		logger:  logger,
		timeout: timeout,
		cron:    cron.New(),
	}
}

// RunDue runs the job once. A call made while another run is in progress
// returns immediately; the running pass will pick up the same work.
func (m *Monitor) RunDue(ctx context.Context) error {
	if !m.mu.TryLock() {
		m.logger.Info("Scheduled work already running, skipping")
		return nil
	}
	defer m.mu.Unlock()

	if m.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.timeout)
		defer cancel()
	}

	start := time.Now()
	if err := m.job.RunDue(ctx); err != nil {
		return err
	}
	m.logger.Info("Scheduled work completed", "duration_ms", time.Since(start).Milliseconds())
	return nil
}

// Start schedules periodic runs using a cron spec such as "@every 1m".
func (m *Monitor) Start(spec string) error {
	_, err := m.cron.AddFunc(spec, func() {
		if err := m.RunDue(context.Background()); err != nil {
			m.logger.Error("Scheduled work failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("schedule %q: %w", spec, err)
	}
	m.cron.Start()
	m.logger.Info("Scheduled work trigger started", "spec", spec)
	return nil
}

// Stop halts the timer and waits for a running pass to finish.
func (m *Monitor) Stop() {
	<-m.cron.Stop().Done()
}
