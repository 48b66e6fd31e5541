// Package scheduler fires recurring messages at agents. Jobs run on a
// fixed interval or a cron expression. A firing is skipped when the
// previous one is still running, and a job's generation counter makes
// in-flight firings from a removed or replaced job harmless.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/alloy-agent/alloy/pkg/agent"
	"github.com/alloy-agent/alloy/pkg/config"
	"github.com/alloy-agent/alloy/pkg/logger"
)

var (
	ErrUnknownJob     = errors.New("unknown job")
	ErrAlreadyRunning = errors.New("job already running")
)

// Dispatcher delivers a scheduled message to its target agent and
// returns the session result.
type Dispatcher func(ctx context.Context, agentName, message string) (*agent.Result, error)

// ResultFunc observes completed firings. It is not called for firings
// whose job was removed or replaced while they ran.
type ResultFunc func(job string, result *agent.Result, err error)

type job struct {
	cfg        config.JobConfig
	generation uint64
	running    atomic.Bool
	schedule   cron.Schedule
	interval   time.Duration
	stop       chan struct{}
}

type Scheduler struct {
	dispatch Dispatcher
	logger   *slog.Logger
	parser   cron.Parser

	mu         sync.Mutex
	jobs       map[string]*job
	generation uint64
	onResult   ResultFunc

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	// Fired counts dispatched (not skipped) firings, for health checks.
	fired atomic.Int64
	skips atomic.Int64
}

func New(dispatch Dispatcher) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		dispatch: dispatch,
		logger:   logger.GetLogger().With("component", "scheduler"),
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		jobs:     make(map[string]*job),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// AddJob validates, registers, and starts a job.
func (s *Scheduler) AddJob(cfg config.JobConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	j := &job{cfg: cfg, stop: make(chan struct{})}
	if cfg.Cron != "" {
		schedule, err := s.parser.Parse(cfg.Cron)
		if err != nil {
			return fmt.Errorf("job %s: parsing cron expression: %w", cfg.Name, err)
		}
		j.schedule = schedule
	} else {
		j.interval = time.Duration(cfg.EveryMS) * time.Millisecond
	}

	s.mu.Lock()
	if _, exists := s.jobs[cfg.Name]; exists {
		s.mu.Unlock()
		return fmt.Errorf("job %s already registered", cfg.Name)
	}
	s.generation++
	j.generation = s.generation
	s.jobs[cfg.Name] = j
	s.mu.Unlock()

	s.wg.Add(1)
	go s.runJob(j)
	return nil
}

// RemoveJob stops a job. A firing already in flight finishes but its
// result is logged as stale.
func (s *Scheduler) RemoveJob(name string) error {
	s.mu.Lock()
	j, ok := s.jobs[name]
	if ok {
		delete(s.jobs, name)
		s.generation++
	}
	s.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	close(j.stop)
	return nil
}

// Trigger fires a job immediately. Returns ErrAlreadyRunning when the
// previous firing has not finished.
func (s *Scheduler) Trigger(name string) error {
	s.mu.Lock()
	j, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return s.fire(j)
}

// OnResult installs a callback for completed firings.
func (s *Scheduler) OnResult(fn ResultFunc) {
	s.mu.Lock()
	s.onResult = fn
	s.mu.Unlock()
}

// Jobs lists registered job names.
func (s *Scheduler) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	return names
}

// Fired reports the number of dispatched firings.
func (s *Scheduler) Fired() int64 { return s.fired.Load() }

// Skipped reports firings suppressed by overlap protection.
func (s *Scheduler) Skipped() int64 { return s.skips.Load() }

// Stop halts all jobs and waits for in-flight firings.
func (s *Scheduler) Stop() {
	s.cancel()
	s.mu.Lock()
	for name, j := range s.jobs {
		close(j.stop)
		delete(s.jobs, name)
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Scheduler) runJob(j *job) {
	defer s.wg.Done()

	for {
		var wait time.Duration
		if j.schedule != nil {
			wait = time.Until(j.schedule.Next(time.Now()))
		} else {
			wait = j.interval
		}

		select {
		case <-time.After(wait):
			s.fire(j)
		case <-j.stop:
			return
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Scheduler) fire(j *job) error {
	if !j.running.CompareAndSwap(false, true) {
		s.skips.Add(1)
		s.logger.Debug("skipping overlapping firing", "job", j.cfg.Name)
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, j.cfg.Name)
	}
	defer j.running.Store(false)

	if s.stale(j) {
		s.logger.Debug("dropping stale firing", "job", j.cfg.Name)
		return nil
	}

	s.fired.Add(1)
	result, err := s.dispatch(s.ctx, j.cfg.Agent, j.cfg.Message)
	if err != nil {
		s.logger.Warn("job dispatch failed", "job", j.cfg.Name, "agent", j.cfg.Agent, "error", err)
	}

	// A firing whose job was removed or replaced mid-flight reports to
	// nobody.
	if s.stale(j) {
		s.logger.Debug("dropping result of stale firing", "job", j.cfg.Name)
		return nil
	}

	s.mu.Lock()
	fn := s.onResult
	s.mu.Unlock()
	if fn != nil {
		fn(j.cfg.Name, result, err)
	}
	return nil
}

// stale reports whether the job has been removed or replaced since this
// firing's goroutine picked it up.
func (s *Scheduler) stale(j *job) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.jobs[j.cfg.Name]
	return !ok || current.generation != j.generation
}
