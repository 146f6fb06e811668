// Package scheduler runs delayed work on a bounded worker pool.
//
// Schedule starts a timer on the injected clock; when it fires the job is
// queued and picked up by one of the workers. Scheduled jobs cannot be
// cancelled, every job is awaitable through its handle.
package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/p-blackswan/agentcrew/internal/clock"
)

// Config holds the pool dimensions.
type Config struct {
	Workers   int
	QueueSize int
}

// Observer is notified after every job finishes.
type Observer func(info JobInfo, duration time.Duration)

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithObserver installs fn as the completion observer.
func WithObserver(fn Observer) Option {
	return func(s *Scheduler) { s.observer = fn }
}

// Stats summarises scheduler activity.
type Stats struct {
	Workers   int   `json:"workers"`
	Scheduled int64 `json:"scheduled"`
	Pending   int64 `json:"pending"`
	Running   int64 `json:"running"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	QueueLen  int   `json:"queueLen"`
}

// Scheduler owns the timers and the worker pool.
type Scheduler struct {
	clock    clock.Clock
	queue    chan *Job
	workers  int
	logger   zerolog.Logger
	observer Observer

	cancel    context.CancelFunc
	wg        sync.WaitGroup // workers
	jobsMu    sync.Mutex
	inflight  int
	idle      chan struct{} // closed while inflight == 0
	running   atomic.Bool
	stateMu   sync.Mutex
	timers    sync.WaitGroup // timer goroutines; Add only under stateMu while not stopped
	stopOnce  sync.Once
	stopped   chan struct{}
	scheduled atomic.Int64
	pending   atomic.Int64
	active    atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
}

// New creates a scheduler. Call Start before jobs can run.
func New(cfg Config, c clock.Clock, logger zerolog.Logger, opts ...Option) *Scheduler {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}
	if c == nil {
		c = clock.New()
	}
	s := &Scheduler{
		clock:   c,
		queue:   make(chan *Job, cfg.QueueSize),
		workers: cfg.Workers,
		logger:  logger.With().Str("component", "scheduler").Logger(),
		stopped: make(chan struct{}),
		idle:    make(chan struct{}),
	}
	close(s.idle)
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches the worker goroutines.
func (s *Scheduler) Start(ctx context.Context) {
	if s.running.Swap(true) {
		return
	}

	ctx, s.cancel = context.WithCancel(ctx)
	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.worker(ctx, i)
	}

	s.logger.Info().Int("workers", s.workers).Msg("Scheduler started")
}

// Stop waits for outstanding jobs until ctx ends, then stops the workers.
// Jobs that have not started by then, fired or not, fail with ErrStopped.
func (s *Scheduler) Stop(ctx context.Context) error {
	drainErr := s.Wait(ctx)

	s.stateMu.Lock()
	s.stopOnce.Do(func() { close(s.stopped) })
	s.stateMu.Unlock()
	if s.running.Swap(false) && s.cancel != nil {
		s.cancel()
	}
	s.timers.Wait()
	s.wg.Wait()
	s.abandonQueued()

	s.logger.Info().Err(drainErr).Msg("Scheduler stopped")
	return drainErr
}

// Schedule runs fn after delay. The timer is armed before Schedule returns.
func (s *Scheduler) Schedule(name string, delay time.Duration, fn Func) *Job {
	job := &Job{
		ID:          uuid.New().String(),
		Name:        name,
		Delay:       delay,
		status:      JobScheduled,
		scheduledAt: s.clock.Now(),
		fn:          fn,
		done:        make(chan struct{}),
	}
	s.scheduled.Add(1)
	s.pending.Add(1)
	s.track()

	s.stateMu.Lock()
	select {
	case <-s.stopped:
		s.stateMu.Unlock()
		s.abandon(job)
		return job
	default:
	}
	s.timers.Add(1)
	s.stateMu.Unlock()

	fire := s.clock.After(delay)
	go func() {
		defer s.timers.Done()
		select {
		case <-fire:
		case <-s.stopped:
			s.abandon(job)
			return
		}
		job.setStatus(JobQueued)
		select {
		case s.queue <- job:
		case <-s.stopped:
			s.abandon(job)
		}
	}()

	s.logger.Debug().Str("job_id", job.ID).Str("name", name).Dur("delay", delay).Msg("Job scheduled")
	return job
}

// Wait blocks until every job scheduled so far has finished or ctx ends.
func (s *Scheduler) Wait(ctx context.Context) error {
	s.jobsMu.Lock()
	idle := s.idle
	s.jobsMu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns activity counters.
func (s *Scheduler) Stats() Stats {
	return Stats{
		Workers:   s.workers,
		Scheduled: s.scheduled.Load(),
		Pending:   s.pending.Load(),
		Running:   s.active.Load(),
		Completed: s.completed.Load(),
		Failed:    s.failed.Load(),
		QueueLen:  len(s.queue),
	}
}

// QueueDepth is the number of jobs not yet finished or running.
func (s *Scheduler) QueueDepth() float64 {
	return float64(s.pending.Load())
}

func (s *Scheduler) worker(ctx context.Context, id int) {
	defer s.wg.Done()
	log := s.logger.With().Int("worker", id).Logger()
	log.Debug().Msg("Worker started")

	for {
		select {
		case <-ctx.Done():
			log.Debug().Msg("Worker stopping")
			return
		case job := <-s.queue:
			if ctx.Err() != nil {
				s.abandon(job)
				continue
			}
			s.execute(ctx, job, log)
		}
	}
}

// abandonQueued fails jobs left in the queue once no worker or timer remains.
func (s *Scheduler) abandonQueued() {
	for {
		select {
		case job := <-s.queue:
			s.abandon(job)
		default:
			return
		}
	}
}

func (s *Scheduler) execute(ctx context.Context, job *Job, log zerolog.Logger) {
	s.pending.Add(-1)
	s.active.Add(1)
	started := s.clock.Now()
	job.start(started)

	err := s.run(ctx, job)

	s.active.Add(-1)
	s.complete(job, err)

	evt := log.Info()
	if err != nil {
		evt = log.Warn().Err(err)
	}
	evt.Str("job_id", job.ID).Str("name", job.Name).Msg("Job finished")
}

// run invokes the job function, converting a panic into an error.
func (s *Scheduler) run(ctx context.Context, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().
				Str("job_id", job.ID).
				Str("name", job.Name).
				Str("stack", string(debug.Stack())).
				Msgf("Job panicked: %v", r)
			err = fmt.Errorf("job %s panicked: %v", job.Name, r)
		}
	}()
	return job.fn(ctx)
}

func (s *Scheduler) abandon(job *Job) {
	s.pending.Add(-1)
	s.complete(job, ErrStopped)
}

func (s *Scheduler) complete(job *Job, err error) {
	now := s.clock.Now()
	job.finish(now, err)
	if err != nil {
		s.failed.Add(1)
	} else {
		s.completed.Add(1)
	}
	if s.observer != nil {
		info := job.Snapshot()
		var d time.Duration
		if info.StartedAt != nil {
			d = now.Sub(*info.StartedAt)
		}
		s.observer(info, d)
	}
	s.untrack()
}

func (s *Scheduler) track() {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	if s.inflight == 0 {
		s.idle = make(chan struct{})
	}
	s.inflight++
}

func (s *Scheduler) untrack() {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	s.inflight--
	if s.inflight == 0 {
		close(s.idle)
	}
}
