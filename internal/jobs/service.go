// Package jobs is the caller-facing submission API: submit generation tasks,
// wait for them singly or in batches, cancel them and inspect the queue.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"generation-orchestrator/internal/models"
	"generation-orchestrator/internal/provider"
	"generation-orchestrator/internal/registry"
	"generation-orchestrator/internal/scheduler"
)

var (
	ErrJobNotFound     = registry.ErrJobNotFound
	ErrWaitTimeout     = errors.New("timed out waiting for job")
	ErrAlreadyFinished = errors.New("job already finished")
	ErrInvalidRequest  = errors.New("invalid task request")
)

// TaskRequest is one generation task. Metadata is copied onto the job.
type TaskRequest struct {
	provider.Request
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Result is what a waiter gets back for a finished job.
type Result struct {
	JobID          string         `json:"job_id"`
	Status         models.Status  `json:"status"`
	Success        bool           `json:"success"`
	Data           *models.Result `json:"data,omitempty"`
	Error          string         `json:"error,omitempty"`
	RetryCount     int            `json:"retry_count"`
	ProcessingTime time.Duration  `json:"processing_time"`
}

// Scheduler is the queue surface the service exposes.
type Scheduler interface {
	Stats() scheduler.Stats
	Pause()
	Resume()
}

// Processor schedules the first attempt of a registered job.
type Processor interface {
	Schedule(jobID string, req provider.Request, priority int) error
}

// Service submits tasks to one scheduler and tracks them in the registry.
type Service struct {
	registry *registry.Registry
	sched    Scheduler
	proc     Processor
	logger   *slog.Logger
}

// NewService wires a submission API over a scheduler and its processor.
func NewService(reg *registry.Registry, sched Scheduler, proc Processor, logger *slog.Logger) *Service {
	return &Service{
		registry: reg,
		sched:    sched,
		proc:     proc,
		logger:   logger.With("component", "jobs", "scheduler", sched.Stats().Name),
	}
}

// NewJobID builds an id from a type tag, a discriminator and a random suffix.
func NewJobID(kind models.Type, discriminator string) string {
	d := sanitize(discriminator)
	if d == "" {
		return fmt.Sprintf("%s_%s", kind, uuid.NewString())
	}
	return fmt.Sprintf("%s_%s_%s", kind, d, uuid.NewString())
}

func sanitize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
		if b.Len() >= 40 {
			break
		}
	}
	return strings.Trim(b.String(), "-")
}

// AddTask creates a PENDING job, schedules it and returns its id without
// waiting. If scheduling fails the job is marked FAILED and both the id and
// the error are returned.
func (s *Service) AddTask(req TaskRequest, priority, maxRetries int) (string, error) {
	if err := validate(req, maxRetries); err != nil {
		return "", err
	}
	if req.Operation == "" {
		req.Operation = provider.OperationGenerate
	}

	meta := maps.Clone(req.Metadata)
	if meta == nil {
		meta = make(map[string]any)
	}
	meta[models.MetaIdentifier] = req.Identifier

	id := NewJobID(models.TypeSingleGeneration, req.Identifier)
	job := models.Job{
		ID:         id,
		Type:       models.TypeSingleGeneration,
		Status:     models.StatusPending,
		MaxRetries: maxRetries,
		Priority:   priority,
		Progress:   models.Progress{Percentage: 0, Message: "Queued", Stage: models.StageQueued},
		Metadata:   meta,
	}
	if err := s.registry.Create(job); err != nil {
		return "", fmt.Errorf("register job: %w", err)
	}
	if err := s.proc.Schedule(id, req.Request, priority); err != nil {
		_, _ = s.registry.Transition(id, models.StatusFailed, func(j *models.Job) {
			j.Error = fmt.Sprintf("could not be scheduled: %v", err)
			j.Progress = models.Progress{Percentage: 100, Message: "Not scheduled", Stage: models.StageFailed}
		})
		return id, fmt.Errorf("schedule job %s: %w", id, err)
	}
	s.logger.Debug("task submitted", "job_id", id, "priority", priority, "max_retries", maxRetries)
	return id, nil
}

func validate(req TaskRequest, maxRetries int) error {
	if strings.TrimSpace(req.Identifier) == "" {
		return fmt.Errorf("%w: identifier is required", ErrInvalidRequest)
	}
	if maxRetries < 0 {
		return fmt.Errorf("%w: max retries must not be negative", ErrInvalidRequest)
	}
	return nil
}

// AddBatch submits every request independently and returns their ids in
// submission order. Requests are validated before any is submitted.
func (s *Service) AddBatch(reqs []TaskRequest, priority, maxRetries int) ([]string, error) {
	for i, req := range reqs {
		if err := validate(req, maxRetries); err != nil {
			return nil, fmt.Errorf("request %d: %w", i, err)
		}
	}
	ids := make([]string, 0, len(reqs))
	for _, req := range reqs {
		id, err := s.AddTask(req, priority, maxRetries)
		if id == "" {
			return ids, err
		}
		// A scheduling failure is recorded on the job itself.
		ids = append(ids, id)
	}
	return ids, nil
}

// WaitForJob blocks until the job is terminal, timeout elapses or ctx ends.
// A zero timeout waits until ctx ends. A timeout does not cancel the job.
func (s *Service) WaitForJob(ctx context.Context, id string, timeout time.Duration) (Result, error) {
	done, snapshot, ok := s.registry.Watch(id)
	if !ok {
		return Result{JobID: id}, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case <-done:
	case <-expired:
		job := snapshot()
		return Result{JobID: id, Status: job.Status, RetryCount: job.RetryCount}, fmt.Errorf("%w %s after %s", ErrWaitTimeout, id, timeout)
	case <-ctx.Done():
		return Result{JobID: id}, ctx.Err()
	}
	return ResultOf(snapshot()), nil
}

// ResultOf converts a terminal job into a waiter result.
func ResultOf(job models.Job) Result {
	res := Result{
		JobID:          job.ID,
		Status:         job.Status,
		Success:        job.Status == models.StatusCompleted,
		RetryCount:     job.RetryCount,
		ProcessingTime: job.ProcessingTime(),
	}
	switch job.Status {
	case models.StatusCompleted:
		res.Data = job.Result
	case models.StatusFailed:
		res.Error = job.Error
	case models.StatusCancelled:
		res.Error = "job was cancelled"
	}
	return res
}

// WaitForBatch waits for all ids in parallel under one shared deadline and
// returns results in the order of ids. Wait errors become failed results.
func (s *Service) WaitForBatch(ctx context.Context, ids []string, timeout time.Duration) []Result {
	results := make([]Result, len(ids))
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	var g errgroup.Group
	for i, id := range ids {
		g.Go(func() error {
			remaining := time.Duration(0)
			if !deadline.IsZero() {
				remaining = max(time.Until(deadline), time.Millisecond)
			}
			res, err := s.WaitForJob(ctx, id, remaining)
			if err != nil {
				res.JobID = id
				res.Success = false
				res.Error = err.Error()
			}
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// CancelJob marks a job CANCELLED. A running provider call is not aborted;
// its result is discarded when it arrives.
func (s *Service) CancelJob(id string) error {
	_, err := s.registry.Transition(id, models.StatusCancelled, func(j *models.Job) {
		j.Progress = models.Progress{Percentage: j.Progress.Percentage, Message: "Cancelled by caller", Stage: models.StageCancelled}
	})
	switch {
	case err == nil:
		s.logger.Info("job cancelled", "job_id", id)
		return nil
	case errors.Is(err, registry.ErrTerminal), errors.Is(err, registry.ErrInvalidTransition):
		return fmt.Errorf("%w: %s", ErrAlreadyFinished, id)
	default:
		return err
	}
}

// Get returns a copy of the job.
func (s *Service) Get(id string) (models.Job, bool) {
	return s.registry.Get(id)
}

// Stats reports queue health.
func (s *Service) Stats() scheduler.Stats { return s.sched.Stats() }

// Pause stops new starts without discarding queued work.
func (s *Service) Pause() { s.sched.Pause() }

// Resume allows starts again.
func (s *Service) Resume() { s.sched.Resume() }

// ClearFinished drops terminal jobs from the registry.
func (s *Service) ClearFinished() int { return s.registry.ClearFinished() }
