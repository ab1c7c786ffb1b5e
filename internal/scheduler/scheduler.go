// Package scheduler triggers periodic uploads: once after an initial delay,
// then at a fixed interval.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/tjfontaine/eventrelay/internal/core/domain"
)

// Job is the scheduled work, normally Relay.Upload.
type Job func(ctx context.Context) error

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithInitialDelay sets the delay before the first run.
func WithInitialDelay(d time.Duration) Option {
	return func(s *Scheduler) {
		if d >= 0 {
			s.initialDelay = d
		}
	}
}

// WithInterval sets the delay between runs.
func WithInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// Scheduler runs a Job on a delayed fixed-interval schedule. A run that is
// still going when the next one is due causes that one to be skipped.
type Scheduler struct {
	job          Job
	initialDelay time.Duration
	interval     time.Duration
	logger       *slog.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	entry   cron.EntryID
	ctx     context.Context
	cancel  context.CancelFunc
	running bool
}

// New creates a stopped scheduler.
func New(job Job, opts ...Option) *Scheduler {
	s := &Scheduler{
		job:          job,
		initialDelay: time.Minute,
		interval:     time.Minute,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start begins scheduling. Calling Start on a running scheduler is a no-op.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}
	if s.job == nil {
		return errors.New("scheduler: no job")
	}

	clog := cronLogger{s.logger}
	s.cron = cron.New(
		cron.WithLocation(time.UTC),
		cron.WithLogger(clog),
		cron.WithChain(cron.Recover(clog), cron.SkipIfStillRunning(clog)),
	)
	s.ctx, s.cancel = context.WithCancel(context.Background())

	schedule := &delayedEvery{
		first:    time.Now().Add(s.initialDelay),
		interval: s.interval,
	}
	ctx := s.ctx
	s.entry = s.cron.Schedule(schedule, cron.FuncJob(func() {
		s.run(ctx)
	}))
	s.cron.Start()
	s.running = true

	s.logger.Info("upload scheduler started",
		slog.String("initial_delay", s.initialDelay.String()),
		slog.String("interval", s.interval.String()))
	return nil
}

// Stop halts scheduling and waits for a running job to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	c, cancel := s.cron, s.cancel
	s.running = false
	s.mu.Unlock()

	cancel()
	<-c.Stop().Done()
	s.logger.Info("upload scheduler stopped")
}

// SetInterval changes the delay between runs. A running scheduler is
// restarted with its next run one new interval from now.
func (s *Scheduler) SetInterval(d time.Duration) error {
	if d <= 0 {
		return errors.New("scheduler: interval must be positive")
	}
	wasRunning := s.Running()
	s.Stop()

	s.mu.Lock()
	s.interval = d
	s.initialDelay = d
	s.mu.Unlock()

	if !wasRunning {
		return nil
	}
	return s.Start()
}

// Interval returns the delay between runs.
func (s *Scheduler) Interval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interval
}

// Running reports whether the scheduler is started.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Next returns the time of the next run, or zero when stopped.
func (s *Scheduler) Next() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return time.Time{}
	}
	return s.cron.Entry(s.entry).Next
}

func (s *Scheduler) run(ctx context.Context) {
	err := s.job(ctx)
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrUploadInProgress):
		s.logger.Debug("scheduled upload skipped, upload already running")
	default:
		s.logger.Warn("scheduled upload failed", slog.String("error", err.Error()))
	}
}

// delayedEvery fires once at first, then every interval after each run.
// Unlike cron.Every it keeps sub-second precision. Next is only called from
// the cron run loop.
type delayedEvery struct {
	first    time.Time
	interval time.Duration
	armed    bool
}

func (d *delayedEvery) Next(t time.Time) time.Time {
	if !d.armed {
		d.armed = true
		return d.first
	}
	return t.Add(d.interval)
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	l *slog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error("cron: "+msg, append([]interface{}{slog.String("error", err.Error())}, keysAndValues...)...)
}
