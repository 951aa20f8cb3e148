// Package scheduler runs the periodic poll jobs against the Solar-Log.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Well-known job names.
const (
	JobSnapshot   = "snapshot"
	JobDeviceList = "device_list"
)

// JobFunc is the work done by a job on each run.
type JobFunc func(ctx context.Context) error

// Job is a named unit of work repeated at a fixed interval.
type Job struct {
	Name     string
	Interval time.Duration
	Run      JobFunc

	nextRun time.Time
	stats   jobCounters
}

type jobCounters struct {
	executed    int64
	failed      int64
	lastError   atomic.Value // string
	lastRun     atomic.Value // time.Time
	lastSuccess atomic.Value // time.Time
}

// due reports whether the job should run at now.
func (j *Job) due(now time.Time) bool {
	return !now.Before(j.nextRun)
}

// JobStats is a point-in-time copy of a job's counters.
type JobStats struct {
	Name        string        `json:"name"`
	Interval    time.Duration `json:"interval"`
	Executed    int64         `json:"executed"`
	Failed      int64         `json:"failed"`
	LastError   string        `json:"last_error,omitempty"`
	LastRun     time.Time     `json:"last_run"`
	LastSuccess time.Time     `json:"last_success"`
}

// SchedulerConfig holds configuration for the poll scheduler.
type SchedulerConfig struct {
	TickInterval time.Duration
	// RunOnStart runs every job right after Start instead of one interval later.
	RunOnStart bool
}

// DefaultSchedulerConfig returns a default scheduler configuration.
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		TickInterval: time.Second,
		RunOnStart:   true,
	}
}

// PollScheduler runs jobs one after the other on a single goroutine, so the
// device never sees concurrent requests from the scheduler.
type PollScheduler struct {
	jobs      []*Job
	logger    zerolog.Logger
	ticker    *time.Ticker
	stopChan  chan struct{}
	wg        sync.WaitGroup
	isRunning bool
	mutex     sync.RWMutex

	tickInterval time.Duration
	runOnStart   bool

	// Metrics
	runsExecuted int64
	runsFailed   int64
}

// NewPollScheduler creates a new poll scheduler.
func NewPollScheduler(config *SchedulerConfig, logger zerolog.Logger) *PollScheduler {
	if config == nil {
		config = DefaultSchedulerConfig()
	}
	if config.TickInterval <= 0 {
		config.TickInterval = time.Second
	}

	return &PollScheduler{
		logger:       logger.With().Str("component", "poll_scheduler").Logger(),
		stopChan:     make(chan struct{}),
		tickInterval: config.TickInterval,
		runOnStart:   config.RunOnStart,
	}
}

// AddJob registers a job. Jobs can only be added while the scheduler is stopped.
func (ps *PollScheduler) AddJob(name string, interval time.Duration, run JobFunc) error {
	ps.mutex.Lock()
	defer ps.mutex.Unlock()

	if ps.isRunning {
		return errors.New("cannot add a job while the scheduler is running")
	}
	if interval <= 0 {
		return fmt.Errorf("job %s: interval must be positive", name)
	}
	if run == nil {
		return fmt.Errorf("job %s: run function is required", name)
	}
	for _, job := range ps.jobs {
		if job.Name == name {
			return fmt.Errorf("job %s already registered", name)
		}
	}

	ps.jobs = append(ps.jobs, &Job{Name: name, Interval: interval, Run: run})
	return nil
}

// Start begins the poll loop.
func (ps *PollScheduler) Start(ctx context.Context) error {
	ps.mutex.Lock()
	defer ps.mutex.Unlock()

	if ps.isRunning {
		return fmt.Errorf("scheduler is already running")
	}
	if len(ps.jobs) == 0 {
		return fmt.Errorf("scheduler has no jobs")
	}

	now := time.Now()
	for _, job := range ps.jobs {
		job.nextRun = now
		if !ps.runOnStart {
			job.nextRun = now.Add(job.Interval)
		}
	}

	ps.stopChan = make(chan struct{})
	ps.ticker = time.NewTicker(ps.tickInterval)
	ps.isRunning = true

	ps.wg.Add(1)
	go ps.executionLoop(ctx)

	ps.logger.Info().
		Dur("tick_interval", ps.tickInterval).
		Int("jobs", len(ps.jobs)).
		Msg("Poll scheduler started")

	return nil
}

// Stop shuts down the poll loop and waits for a running job to return.
func (ps *PollScheduler) Stop() error {
	ps.mutex.Lock()
	if !ps.isRunning {
		ps.mutex.Unlock()
		return fmt.Errorf("scheduler is not running")
	}
	close(ps.stopChan)
	ps.ticker.Stop()
	ps.mutex.Unlock()

	ps.wg.Wait()

	ps.mutex.Lock()
	ps.isRunning = false
	ps.mutex.Unlock()

	ps.logger.Info().Msg("Poll scheduler stopped")
	return nil
}

// IsRunning reports whether the poll loop is active.
func (ps *PollScheduler) IsRunning() bool {
	ps.mutex.RLock()
	defer ps.mutex.RUnlock()
	return ps.isRunning
}

// executionLoop runs due jobs on every tick.
func (ps *PollScheduler) executionLoop(ctx context.Context) {
	defer ps.wg.Done()

	ps.runDueJobs(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ps.stopChan:
			return
		case <-ps.ticker.C:
			ps.runDueJobs(ctx)
		}
	}
}

// runDueJobs runs every due job in registration order.
func (ps *PollScheduler) runDueJobs(ctx context.Context) {
	for _, job := range ps.jobs {
		select {
		case <-ctx.Done():
			return
		case <-ps.stopChan:
			return
		default:
		}

		now := time.Now()
		if !job.due(now) {
			continue
		}
		job.nextRun = now.Add(job.Interval)
		ps.executeJob(ctx, job)
	}
}

// executeJob runs a single job and records the outcome. Failures are not retried.
func (ps *PollScheduler) executeJob(ctx context.Context, job *Job) {
	started := time.Now()
	job.stats.lastRun.Store(started)

	err := job.Run(ctx)

	atomic.AddInt64(&job.stats.executed, 1)
	atomic.AddInt64(&ps.runsExecuted, 1)

	if err != nil {
		atomic.AddInt64(&job.stats.failed, 1)
		atomic.AddInt64(&ps.runsFailed, 1)
		job.stats.lastError.Store(err.Error())
		ps.logger.Error().
			Err(err).
			Str("job", job.Name).
			Dur("duration", time.Since(started)).
			Msg("Job failed")
		return
	}

	job.stats.lastError.Store("")
	job.stats.lastSuccess.Store(time.Now())
	ps.logger.Debug().
		Str("job", job.Name).
		Dur("duration", time.Since(started)).
		Msg("Job completed successfully")
}

// Stats returns the counters of every job in registration order.
func (ps *PollScheduler) Stats() []JobStats {
	ps.mutex.RLock()
	defer ps.mutex.RUnlock()

	stats := make([]JobStats, 0, len(ps.jobs))
	for _, job := range ps.jobs {
		s := JobStats{
			Name:     job.Name,
			Interval: job.Interval,
			Executed: atomic.LoadInt64(&job.stats.executed),
			Failed:   atomic.LoadInt64(&job.stats.failed),
		}
		if v, ok := job.stats.lastError.Load().(string); ok {
			s.LastError = v
		}
		if v, ok := job.stats.lastRun.Load().(time.Time); ok {
			s.LastRun = v
		}
		if v, ok := job.stats.lastSuccess.Load().(time.Time); ok {
			s.LastSuccess = v
		}
		stats = append(stats, s)
	}
	return stats
}

// GetMetrics returns current scheduler metrics.
func (ps *PollScheduler) GetMetrics() map[string]interface{} {
	return map[string]interface{}{
		"is_running":    ps.IsRunning(),
		"jobs":          ps.Stats(),
		"runs_executed": atomic.LoadInt64(&ps.runsExecuted),
		"runs_failed":   atomic.LoadInt64(&ps.runsFailed),
	}
}
