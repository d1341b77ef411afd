package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"generation-orchestrator/internal/models"
)

var (
	ErrJobNotFound       = errors.New("job not found")
	ErrDuplicateJob      = errors.New("job already exists")
	ErrTerminal          = errors.New("job is in a terminal state")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Hook observes committed job changes. It is called outside the registry lock
// with copies of the job, so it must not assume ordering between jobs.
type Hook interface {
	JobChanged(job models.Job, from models.Status)
}

// HookFunc adapts a function to Hook.
type HookFunc func(job models.Job, from models.Status)

func (f HookFunc) JobChanged(job models.Job, from models.Status) { f(job, from) }

type record struct {
	job  models.Job
	done chan struct{}
}

// Registry is the process-wide table of jobs and the single source of truth for
// their state. All mutations are applied atomically per job.
type Registry struct {
	mu     sync.RWMutex
	jobs   map[string]*record
	hooks  []Hook
	logger *slog.Logger
	now    func() time.Time
}

// New builds an empty registry.
func New(logger *slog.Logger, hooks ...Hook) *Registry {
	return &Registry{
		jobs:   make(map[string]*record),
		hooks:  hooks,
		logger: logger.With("component", "registry"),
		now:    time.Now,
	}
}

// AddHook registers an additional observer.
func (r *Registry) AddHook(h Hook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks = append(r.hooks, h)
}

// Create inserts a new job. Status defaults to PENDING and CreatedAt to now.
func (r *Registry) Create(job models.Job) error {
	if job.ID == "" {
		return errors.New("job id is required")
	}
	if job.Status == "" {
		job.Status = models.StatusPending
	}
	now := r.now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	job = job.Clone()

	r.mu.Lock()
	if _, exists := r.jobs[job.ID]; exists {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateJob, job.ID)
	}
	rec := &record{job: job, done: make(chan struct{})}
	if job.Status.Terminal() {
		close(rec.done)
	}
	r.jobs[job.ID] = rec
	hooks := r.hooks
	r.mu.Unlock()

	r.notify(hooks, job.Clone(), "")
	return nil
}

// Get returns a copy of the job.
func (r *Registry) Get(id string) (models.Job, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.jobs[id]
	if !ok {
		return models.Job{}, false
	}
	return rec.job.Clone(), true
}

// Done returns a channel closed once the job reaches a terminal state.
func (r *Registry) Done(id string) (<-chan struct{}, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.jobs[id]
	if !ok {
		return nil, false
	}
	return rec.done, true
}

// Watch is Done plus a reader for the job held by the same record. The reader
// keeps working after ClearFinished drops the job, so a waiter woken by done
// always sees the terminal state.
func (r *Registry) Watch(id string) (<-chan struct{}, func() models.Job, bool) {
	r.mu.RLock()
	rec, ok := r.jobs[id]
	r.mu.RUnlock()
	if !ok {
		return nil, nil, false
	}
	read := func() models.Job {
		r.mu.RLock()
		defer r.mu.RUnlock()
		return rec.job.Clone()
	}
	return rec.done, read, true
}

// Update applies fn to a copy of the job and commits it atomically. Updates to
// terminal jobs are rejected with ErrTerminal; a status change made by fn must
// be a legal transition.
func (r *Registry) Update(id string, fn func(*models.Job) error) (models.Job, error) {
	r.mu.Lock()
	rec, ok := r.jobs[id]
	if !ok {
		r.mu.Unlock()
		return models.Job{}, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	from := rec.job.Status
	if from.Terminal() {
		current := rec.job.Clone()
		r.mu.Unlock()
		return current, fmt.Errorf("%w: %s is %s", ErrTerminal, id, from)
	}

	next := rec.job.Clone()
	if err := fn(&next); err != nil {
		r.mu.Unlock()
		return rec.job.Clone(), err
	}
	next.ID = rec.job.ID
	if next.Status != from && !from.CanTransition(next.Status) {
		r.mu.Unlock()
		return rec.job.Clone(), fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, next.Status)
	}

	if next.Status != models.StatusRetryScheduled {
		next.NextAttemptAt = nil
	}
	now := r.now().UTC()
	next.UpdatedAt = now
	if next.Status == models.StatusInProgress && next.StartedAt == nil {
		next.StartedAt = &now
	}
	if next.Status.Terminal() {
		if next.CompletedAt == nil {
			next.CompletedAt = &now
		}
		if next.Status != models.StatusCompleted {
			next.Result = nil
		}
		if next.Status != models.StatusFailed {
			next.Error = ""
		}
	}
	rec.job = next
	if next.Status.Terminal() {
		close(rec.done)
	}
	hooks := r.hooks
	out := next.Clone()
	r.mu.Unlock()

	r.notify(hooks, out.Clone(), from)
	return out, nil
}

// Transition moves the job to status and applies the optional mutation in the
// same atomic step.
func (r *Registry) Transition(id string, status models.Status, fn func(*models.Job)) (models.Job, error) {
	return r.Update(id, func(j *models.Job) error {
		if j.Status == status {
			return fmt.Errorf("%w: already %s", ErrInvalidTransition, status)
		}
		j.Status = status
		if fn != nil {
			fn(j)
		}
		return nil
	})
}

// UpdateProgress replaces the progress of a non-terminal job.
func (r *Registry) UpdateProgress(id string, p models.Progress) error {
	_, err := r.Update(id, func(j *models.Job) error {
		j.Progress = clampProgress(p)
		return nil
	})
	return err
}

// List returns copies of all jobs ordered by creation time.
func (r *Registry) List() []models.Job {
	r.mu.RLock()
	out := make([]models.Job, 0, len(r.jobs))
	for _, rec := range r.jobs {
		out = append(out, rec.job.Clone())
	}
	r.mu.RUnlock()
	sort.SliceStable(out, func(i, k int) bool {
		if out[i].CreatedAt.Equal(out[k].CreatedAt) {
			return out[i].ID < out[k].ID
		}
		return out[i].CreatedAt.Before(out[k].CreatedAt)
	})
	return out
}

// Len returns the number of tracked jobs.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.jobs)
}

// ClearFinished drops completed, failed and cancelled jobs and returns how many
// were removed.
func (r *Registry) ClearFinished() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for id, rec := range r.jobs {
		if rec.job.Status.Terminal() {
			delete(r.jobs, id)
			removed++
		}
	}
	if removed > 0 {
		r.logger.Info("cleared finished jobs", "count", removed, "remaining", len(r.jobs))
	}
	return removed
}

func (r *Registry) notify(hooks []Hook, job models.Job, from models.Status) {
	for _, h := range hooks {
		h.JobChanged(job.Clone(), from)
	}
}

func clampProgress(p models.Progress) models.Progress {
	p.Percentage = max(0, min(100, p.Percentage))
	return p
}
