package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"generation-orchestrator/internal/models"
	"generation-orchestrator/internal/provider"
	"generation-orchestrator/internal/registry"
	"generation-orchestrator/internal/scheduler"
	"generation-orchestrator/internal/telemetry"
)

// Submitter is the part of the scheduler a processor needs.
type Submitter interface {
	Submit(task scheduler.Task, priority int) error
	SubmitAfter(delay time.Duration, task scheduler.Task, priority int) error
}

// Backoff computes retry delays as Base * 2^n, capped at Max when Max > 0.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// Delay returns the wait before the retry that follows n earlier retries.
func (b Backoff) Delay(n int) time.Duration {
	if n < 0 {
		n = 0
	}
	exp := float64(b.Base) * math.Pow(2, float64(n))
	wait := time.Duration(math.MaxInt64)
	if exp < float64(math.MaxInt64) {
		wait = time.Duration(exp)
	}
	if b.Max > 0 && wait > b.Max {
		wait = b.Max
	}
	return wait
}

// Processor runs generation jobs through the provider and owns their retry
// bookkeeping. The scheduler only supplies slots.
type Processor struct {
	registry *registry.Registry
	provider provider.Provider
	sched    Submitter
	backoff  Backoff
	timeout  time.Duration
	logger   *slog.Logger
}

// NewProcessor wires a processor. timeout bounds each provider call; zero
// means no per-attempt limit.
func NewProcessor(reg *registry.Registry, p provider.Provider, sched Submitter, backoff Backoff, timeout time.Duration, logger *slog.Logger) *Processor {
	return &Processor{
		registry: reg,
		provider: p,
		sched:    sched,
		backoff:  backoff,
		timeout:  timeout,
		logger:   logger.With("component", "processor"),
	}
}

// Backoff returns the configured policy.
func (p *Processor) Backoff() Backoff { return p.backoff }

// Schedule queues the first attempt of a registered job.
func (p *Processor) Schedule(jobID string, req provider.Request, priority int) error {
	return p.sched.Submit(p.task(jobID, req, priority), priority)
}

func (p *Processor) task(jobID string, req provider.Request, priority int) scheduler.Task {
	return func(ctx context.Context) error {
		return p.attempt(ctx, jobID, req, priority)
	}
}

func (p *Processor) attempt(ctx context.Context, jobID string, req provider.Request, priority int) error {
	logger := p.logger.With("job_id", jobID)
	job, err := p.registry.Transition(jobID, models.StatusInProgress, func(j *models.Job) {
		msg := "Generating"
		if j.RetryCount > 0 {
			msg = fmt.Sprintf("Generating, attempt %d of %d", j.RetryCount+1, j.MaxRetries+1)
		}
		j.Progress = models.Progress{Percentage: 10, Message: msg, Stage: models.StageGenerating}
	})
	if err != nil {
		// Cancelled or removed while waiting for a slot.
		logger.Debug("skipping job", "error", err)
		return nil
	}

	callCtx, cancel := ctx, context.CancelFunc(func() {})
	if p.timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, p.timeout)
	}
	started := time.Now()
	resp, callErr := provider.Check(p.provider.Generate(callCtx, req))
	cancel()
	observeCall(time.Since(started), callErr)

	if callErr == nil {
		_, err := p.registry.Transition(jobID, models.StatusCompleted, func(j *models.Job) {
			j.Result = &models.Result{Identifier: req.Identifier, Content: resp.Content, TokensUsed: resp.TokensUsed}
			j.Progress = models.Progress{Percentage: 100, Message: "Completed", Stage: models.StageDone}
		})
		if errors.Is(err, registry.ErrTerminal) {
			logger.Info("discarding result of finished job")
			return nil
		}
		if err == nil {
			logger.Info("job completed", "retries", job.RetryCount, "tokens", resp.TokensUsed)
		}
		return err
	}
	return p.fail(logger, job, req, priority, callErr)
}

func (p *Processor) fail(logger *slog.Logger, job models.Job, req provider.Request, priority int, cause error) error {
	if job.RetryCount >= job.MaxRetries {
		_, err := p.registry.Transition(job.ID, models.StatusFailed, func(j *models.Job) {
			j.Error = cause.Error()
			j.Progress = models.Progress{Percentage: 100, Message: "Failed after retries", Stage: models.StageFailed}
		})
		if err == nil {
			logger.Warn("job failed", "attempts", job.RetryCount+1, "error", cause)
		}
		return cause
	}

	delay := p.backoff.Delay(job.RetryCount)
	due := time.Now().UTC().Add(delay)
	_, err := p.registry.Transition(job.ID, models.StatusRetryScheduled, func(j *models.Job) {
		j.RetryCount++
		j.NextAttemptAt = &due
		j.Progress = models.Progress{
			Percentage: 10,
			Message:    fmt.Sprintf("Retry attempt %d of %d", j.RetryCount, j.MaxRetries),
			Stage:      models.StageRetrying,
		}
	})
	if err != nil {
		return cause
	}
	logger.Info("retry scheduled", "retry", job.RetryCount+1, "delay", delay, "error", cause)

	if err := p.sched.SubmitAfter(delay, p.task(job.ID, req, priority), priority); err != nil {
		_, _ = p.registry.Transition(job.ID, models.StatusFailed, func(j *models.Job) {
			j.Error = fmt.Sprintf("schedule retry: %v (last error: %v)", err, cause)
			j.Progress = models.Progress{Percentage: 100, Message: "Retry could not be scheduled", Stage: models.StageFailed}
		})
	}
	return cause
}

func observeCall(d time.Duration, err error) {
	outcome := "success"
	var se *provider.StatusError
	switch {
	case err == nil:
	case errors.Is(err, provider.ErrEmptyContent):
		outcome = "empty"
	case errors.As(err, &se):
		outcome = "status"
	case errors.Is(err, context.DeadlineExceeded):
		outcome = "timeout"
	default:
		outcome = "error"
	}
	telemetry.ProviderLatency.WithLabelValues(outcome).Observe(d.Seconds())
}
