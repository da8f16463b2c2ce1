// Package scheduler runs periodic maintenance jobs such as cache sweeps,
// graph pruning and state persistence. Jobs are plain functions of the
// current time so tests can drive them through Tick without a ticker.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/navcache/navcache/pkg/errors"
	"github.com/navcache/navcache/pkg/types"
	"github.com/navcache/navcache/pkg/utils"
)

// JobFunc is one periodic unit of work.
type JobFunc func(ctx context.Context, now time.Time) error

// Config represents scheduler configuration
type Config struct {
	// Resolution is how often the background loop checks for due jobs.
	Resolution time.Duration `yaml:"resolution"`

	// JobTimeout bounds a single job run.
	JobTimeout time.Duration `yaml:"job_timeout"`
}

// DefaultConfig checks every second and gives each job 30 seconds.
func DefaultConfig() Config {
	return Config{
		Resolution: time.Second,
		JobTimeout: 30 * time.Second,
	}
}

// Deps carries the collaborators of a Scheduler.
type Deps struct {
	Logger *utils.StructuredLogger
	Clock  types.Clock
}

// JobStatus reports the history of one job.
type JobStatus struct {
	Name      string        `json:"name"`
	Interval  time.Duration `json:"interval"`
	Runs      uint64        `json:"runs"`
	Failures  uint64        `json:"failures"`
	LastRun   time.Time     `json:"last_run"`
	LastError string        `json:"last_error,omitempty"`
}

type job struct {
	name     string
	interval time.Duration
	fn       JobFunc
	lastRun  time.Time
	runs     uint64
	failures uint64
	lastErr  error
}

func (j *job) due(now time.Time) bool {
	return j.lastRun.IsZero() || now.Sub(j.lastRun) >= j.interval
}

// Scheduler owns a set of named jobs.
type Scheduler struct {
	config Config
	logger *utils.StructuredLogger
	clock  types.Clock

	mu      sync.Mutex
	jobs    map[string]*job
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New creates an empty scheduler.
func New(config Config, deps Deps) *Scheduler {
	defaults := DefaultConfig()
	if config.Resolution <= 0 {
		config.Resolution = defaults.Resolution
	}
	if config.JobTimeout <= 0 {
		config.JobTimeout = defaults.JobTimeout
	}
	if deps.Logger == nil {
		deps.Logger = utils.NewDiscardLogger()
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	return &Scheduler{
		config: config,
		logger: deps.Logger.WithComponent("scheduler"),
		clock:  deps.Clock,
		jobs:   make(map[string]*job),
	}
}

// Register adds a job that runs every interval. The first Tick after
// registration runs it immediately.
func (s *Scheduler) Register(name string, interval time.Duration, fn JobFunc) error {
	if name == "" || fn == nil {
		return errors.NewError(errors.ErrCodeInvalidConfig, "job requires a name and a function").
			WithComponent("scheduler").WithOperation("register")
	}
	if interval <= 0 {
		return errors.NewError(errors.ErrCodeInvalidConfig, "job interval must be positive").
			WithComponent("scheduler").WithOperation("register").WithContext("job", name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[name]; exists {
		return errors.NewError(errors.ErrCodeInvalidState, fmt.Sprintf("job %s already registered", name)).
			WithComponent("scheduler").WithOperation("register")
	}
	s.jobs[name] = &job{name: name, interval: interval, fn: fn}
	return nil
}

// Tick runs every job due at now, in name order, and returns how many ran.
// Job errors are logged and recorded; they never stop other jobs.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) int {
	s.mu.Lock()
	due := make([]*job, 0, len(s.jobs))
	for _, j := range s.jobs {
		if j.due(now) {
			due = append(due, j)
		}
	}
	s.mu.Unlock()

	sort.Slice(due, func(a, b int) bool { return due[a].name < due[b].name })

	for _, j := range due {
		s.run(ctx, j, now)
	}
	return len(due)
}

// RunNow runs a job regardless of its schedule.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	j, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return errors.NewError(errors.ErrCodeKeyNotFound, fmt.Sprintf("job %s not registered", name)).
			WithComponent("scheduler").WithOperation("run")
	}
	return s.run(ctx, j, s.clock())
}

func (s *Scheduler) run(ctx context.Context, j *job, now time.Time) error {
	jctx, cancel := context.WithTimeout(ctx, s.config.JobTimeout)
	defer cancel()

	start := time.Now()
	err := j.fn(jctx, now)

	s.mu.Lock()
	j.lastRun = now
	j.runs++
	j.lastErr = err
	if err != nil {
		j.failures++
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Warn("scheduled job failed", map[string]interface{}{
			"job":   j.name,
			"error": err.Error(),
		})
		return err
	}
	s.logger.Trace("scheduled job finished", map[string]interface{}{
		"job":      j.name,
		"duration": time.Since(start).String(),
	})
	return nil
}

// Start runs due jobs in the background until Stop or ctx ends.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return errors.NewError(errors.ErrCodeAlreadyStarted, "scheduler already running").
			WithComponent("scheduler").WithOperation("start")
	}
	s.running = true
	s.stopCh = make(chan struct{})

	s.wg.Add(1)
	go s.loop(ctx, s.stopCh)

	s.logger.Info("scheduler started", map[string]interface{}{
		"jobs":       len(s.jobs),
		"resolution": s.config.Resolution.String(),
	})
	return nil
}

func (s *Scheduler) loop(ctx context.Context, stop <-chan struct{}) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.Resolution)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx, s.clock())
		}
	}
}

// Stop halts the background loop and waits for a running tick to finish.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("scheduler stopped")
	return nil
}

// Status returns every job's history in name order.
func (s *Scheduler) Status() []JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]JobStatus, 0, len(s.jobs))
	for _, j := range s.jobs {
		st := JobStatus{
			Name:     j.name,
			Interval: j.interval,
			Runs:     j.runs,
			Failures: j.failures,
			LastRun:  j.lastRun,
		}
		if j.lastErr != nil {
			st.LastError = j.lastErr.Error()
		}
		out = append(out, st)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Name < out[b].Name })
	return out
}
