package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"generation-orchestrator/internal/queue"
	"generation-orchestrator/internal/ratelimit"
)

// ErrClosed is returned when submitting to a closed scheduler.
var ErrClosed = errors.New("scheduler closed")

// Task is a unit of work run by the scheduler. Its outcome is not interpreted:
// an error or a panic only frees the slot.
type Task func(ctx context.Context) error

// Config bounds how many tasks run at once and how often they may start.
type Config struct {
	Name        string
	Concurrency int
	// At most IntervalCap tasks start within any rolling Interval.
	IntervalCap int
	Interval    time.Duration
}

func (c Config) withDefaults() Config {
	if c.Name == "" {
		c.Name = "default"
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	if c.IntervalCap <= 0 {
		c.IntervalCap = c.Concurrency
	}
	if c.Interval <= 0 {
		c.Interval = time.Second
	}
	return c
}

// Stats is a point-in-time view of the scheduler.
type Stats struct {
	Name             string `json:"name"`
	Queued           int    `json:"queued"`
	Running          int    `json:"running"`
	Delayed          int    `json:"delayed"`
	ConcurrencyLimit int    `json:"concurrency_limit"`
	Paused           bool   `json:"paused"`
}

// Idle reports whether nothing is queued, running or waiting on a delay.
func (s Stats) Idle() bool {
	return s.Queued == 0 && s.Running == 0 && s.Delayed == 0
}

// Scheduler runs submitted tasks under a concurrency ceiling and a start-rate
// window. Waiting tasks are started highest priority first, FIFO within a
// priority.
type Scheduler struct {
	cfg      Config
	limiters []ratelimit.Limiter
	logger   *slog.Logger

	mu      sync.Mutex
	ready   *queue.ReadySet[Task]
	running int
	timers  map[*time.Timer]struct{}
	paused  bool
	closed  bool
	changed chan struct{} // closed and replaced on every state change

	wake   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	loop   chan struct{}
}

// New starts a scheduler. The rolling window from cfg always applies; any
// extra limiters (e.g. a shared Redis bucket) are waited on after it.
func New(cfg Config, logger *slog.Logger, limiters ...ratelimit.Limiter) *Scheduler {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cfg:     cfg,
		logger:  logger.With("component", "scheduler", "scheduler", cfg.Name),
		ready:   queue.NewReadySet[Task](),
		timers:  make(map[*time.Timer]struct{}),
		changed: make(chan struct{}),
		wake:    make(chan struct{}, 1),
		ctx:     ctx,
		cancel:  cancel,
		loop:    make(chan struct{}),
	}
	if w := ratelimit.NewWindow(cfg.IntervalCap, cfg.Interval); w != nil {
		s.limiters = append(s.limiters, w)
	}
	for _, l := range limiters {
		if l != nil {
			s.limiters = append(s.limiters, l)
		}
	}
	go s.dispatch()
	return s
}

// Name returns the configured scheduler name.
func (s *Scheduler) Name() string { return s.cfg.Name }

// Submit queues task for execution.
func (s *Scheduler) Submit(task Task, priority int) error {
	if task == nil {
		return errors.New("nil task")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.ready.Push(task, priority)
	s.changedLocked()
	s.signal()
	return nil
}

// SubmitAfter queues task once delay has elapsed. The task holds no slot
// while it waits.
func (s *Scheduler) SubmitAfter(delay time.Duration, task Task, priority int) error {
	if delay <= 0 {
		return s.Submit(task, priority)
	}
	if task == nil {
		return errors.New("nil task")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.timers[t]; !ok {
			return
		}
		delete(s.timers, t)
		s.ready.Push(task, priority)
		s.changedLocked()
		s.signal()
	})
	s.timers[t] = struct{}{}
	s.changedLocked()
	return nil
}

// Size is the number of tasks waiting to start.
func (s *Scheduler) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready.Len()
}

// Pending is the number of tasks currently running.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Stats returns a snapshot of the scheduler counters.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statsLocked()
}

func (s *Scheduler) statsLocked() Stats {
	return Stats{
		Name:             s.cfg.Name,
		Queued:           s.ready.Len(),
		Running:          s.running,
		Delayed:          len(s.timers),
		ConcurrencyLimit: s.cfg.Concurrency,
		Paused:           s.paused,
	}
}

// Pause stops new tasks from starting. Queued tasks are kept.
func (s *Scheduler) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.paused {
		s.paused = true
		s.logger.Info("scheduler paused")
		s.changedLocked()
	}
}

// Resume allows tasks to start again.
func (s *Scheduler) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.paused {
		s.paused = false
		s.logger.Info("scheduler resumed")
		s.changedLocked()
		s.signal()
	}
}

// OnIdle blocks until nothing is queued, running or delayed.
func (s *Scheduler) OnIdle(ctx context.Context) error {
	for {
		s.mu.Lock()
		idle := s.statsLocked().Idle()
		changed := s.changed
		s.mu.Unlock()
		if idle {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		}
	}
}

// Close stops accepting work, drops queued and delayed tasks, cancels the
// context of running tasks and waits for them to return.
func (s *Scheduler) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for t := range s.timers {
		t.Stop()
	}
	dropped := len(s.timers) + len(s.ready.Drain())
	clear(s.timers)
	s.changedLocked()
	s.mu.Unlock()

	s.cancel()
	<-s.loop
	if dropped > 0 {
		s.logger.Warn("dropped unstarted tasks on close", "count", dropped)
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for running tasks: %w", ctx.Err())
	}
}

func (s *Scheduler) dispatch() {
	defer close(s.loop)
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.wake:
		}
		for s.startable() {
			if err := s.waitLimiters(); err != nil {
				if s.ctx.Err() != nil {
					return
				}
				// A failing shared limiter must not stall the scheduler for good.
				s.logger.Error("rate limiter failed", "error", err)
				s.releaseLimiters()
				select {
				case <-s.ctx.Done():
					return
				case <-time.After(time.Second):
				}
				continue
			}
			if !s.startNext() {
				// Paused, closed or drained while waiting.
				s.releaseLimiters()
				break
			}
		}
	}
}

func (s *Scheduler) waitLimiters() error {
	for _, l := range s.limiters {
		if err := l.Wait(s.ctx); err != nil {
			return err
		}
	}
	return nil
}

// releaseLimiters hands back grants that did not lead to a start. Tokens
// taken from shared Redis buckets stay spent.
func (s *Scheduler) releaseLimiters() {
	for _, l := range s.limiters {
		if r, ok := l.(ratelimit.Releaser); ok {
			r.Release()
		}
	}
}

func (s *Scheduler) startNext() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.paused || s.running >= s.cfg.Concurrency {
		return false
	}
	task, ok := s.ready.Pop()
	if !ok {
		return false
	}
	s.running++
	s.wg.Add(1)
	s.changedLocked()
	go s.run(task)
	return true
}

func (s *Scheduler) startable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed && !s.paused && s.running < s.cfg.Concurrency && s.ready.Len() > 0
}

func (s *Scheduler) run(task Task) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("task panicked", "panic", r, "stack", string(debug.Stack()))
		}
		s.mu.Lock()
		s.running--
		s.changedLocked()
		s.mu.Unlock()
		s.signal()
		s.wg.Done()
	}()
	if err := task(s.ctx); err != nil {
		s.logger.Debug("task returned error", "error", err)
	}
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) changedLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}
