package store

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"generation-orchestrator/internal/models"
)

// JobWriter persists job snapshots and their audit trail.
type JobWriter interface {
	UpsertJob(ctx context.Context, job models.Job) error
	AppendAudit(ctx context.Context, jobID, event, detail string) error
}

type change struct {
	job  models.Job
	from models.Status
}

// Archiver is a registry hook that copies job changes to a JobWriter in the
// background. Changes are dropped, with a warning, when the buffer is full so
// a slow database never blocks job processing.
type Archiver struct {
	writer  JobWriter
	logger  *slog.Logger
	changes chan change

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// NewArchiver builds an archiver with room for buffer pending changes.
func NewArchiver(w JobWriter, buffer int, logger *slog.Logger) *Archiver {
	if buffer <= 0 {
		buffer = 1
	}
	return &Archiver{
		writer:  w,
		logger:  logger.With("component", "archiver"),
		changes: make(chan change, buffer),
		done:    make(chan struct{}),
	}
}

// JobChanged implements registry.Hook.
func (a *Archiver) JobChanged(job models.Job, from models.Status) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return
	}
	select {
	case a.changes <- change{job: job, from: from}:
	default:
		a.logger.Warn("archive buffer full, dropping change", "job_id", job.ID, "status", job.Status)
	}
}

// Run writes changes until Close is called and the buffer is drained.
func (a *Archiver) Run(ctx context.Context) {
	defer close(a.done)
	for c := range a.changes {
		a.write(ctx, c)
	}
}

// Close stops accepting changes and waits for Run to drain the buffer.
func (a *Archiver) Close(ctx context.Context) error {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.changes)
	}
	a.mu.Unlock()
	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Archiver) write(ctx context.Context, c change) {
	if err := a.writer.UpsertJob(ctx, c.job); err != nil {
		a.logger.Error("archive job", "job_id", c.job.ID, "error", err)
		return
	}
	if c.job.Status == c.from {
		return
	}
	if err := a.writer.AppendAudit(ctx, c.job.ID, auditEvent(c.job.Status), auditDetail(c.job)); err != nil {
		a.logger.Error("archive audit", "job_id", c.job.ID, "error", err)
	}
}

func auditEvent(s models.Status) string {
	return strings.ToLower(string(s))
}

func auditDetail(job models.Job) string {
	if job.Status == models.StatusFailed {
		return job.Error
	}
	return job.Progress.Message
}
