package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"generation-orchestrator/internal/models"
)

// ErrNotFound is returned when a job is not in the archive.
var ErrNotFound = errors.New("job not archived")

// Store wraps pgxpool for Postgres persistence.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// UpsertJob writes the latest snapshot of a job.
func (s *Store) UpsertJob(ctx context.Context, job models.Job) error {
	progress, err := json.Marshal(job.Progress)
	if err != nil {
		return fmt.Errorf("marshal progress: %w", err)
	}
	var result []byte
	if job.Result != nil {
		if result, err = json.Marshal(job.Result); err != nil {
			return fmt.Errorf("marshal result: %w", err)
		}
	}
	meta := job.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	metadata, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	session, _ := job.Metadata[models.MetaSessionID].(string)

	_, err = s.pool.Exec(ctx, `
		INSERT INTO generation_jobs (id, type, status, priority, retry_count, max_retries, progress, result, error, metadata, session_id, created_at, started_at, completed_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			retry_count = EXCLUDED.retry_count,
			progress = EXCLUDED.progress,
			result = EXCLUDED.result,
			error = EXCLUDED.error,
			metadata = EXCLUDED.metadata,
			started_at = EXCLUDED.started_at,
			completed_at = EXCLUDED.completed_at,
			updated_at = EXCLUDED.updated_at
		WHERE generation_jobs.updated_at <= EXCLUDED.updated_at
	`, job.ID, string(job.Type), string(job.Status), job.Priority, job.RetryCount, job.MaxRetries,
		progress, result, emptyToNil(job.Error), metadata, emptyToNil(session),
		job.CreatedAt, job.StartedAt, job.CompletedAt, job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert job %s: %w", job.ID, err)
	}
	return nil
}

const jobColumns = `id, type, status, priority, retry_count, max_retries, progress, result, error, metadata, created_at, started_at, completed_at, updated_at`

// GetJob fetches an archived job by id.
func (s *Store) GetJob(ctx context.Context, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM generation_jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return job, err
}

// ListBySession returns the archived jobs of one session, oldest first.
func (s *Store) ListBySession(ctx context.Context, sessionID string) ([]models.Job, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+jobColumns+` FROM generation_jobs WHERE session_id = $1 ORDER BY created_at, id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query session jobs: %w", err)
	}
	defer rows.Close()

	var out []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

func scanJob(row pgx.Row) (models.Job, error) {
	var (
		job                    models.Job
		kind, status           string
		progress, result, meta []byte
		lastErr                pgtype.Text
		startedAt, completedAt pgtype.Timestamptz
	)
	if err := row.Scan(&job.ID, &kind, &status, &job.Priority, &job.RetryCount, &job.MaxRetries,
		&progress, &result, &lastErr, &meta, &job.CreatedAt, &startedAt, &completedAt, &job.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Job{}, err
		}
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	job.Type = models.Type(kind)
	job.Status = models.Status(status)
	if err := json.Unmarshal(progress, &job.Progress); err != nil {
		return models.Job{}, fmt.Errorf("unmarshal progress: %w", err)
	}
	if len(result) > 0 {
		job.Result = &models.Result{}
		if err := json.Unmarshal(result, job.Result); err != nil {
			return models.Job{}, fmt.Errorf("unmarshal result: %w", err)
		}
	}
	if err := json.Unmarshal(meta, &job.Metadata); err != nil {
		return models.Job{}, fmt.Errorf("unmarshal metadata: %w", err)
	}
	if p := textPtr(lastErr); p != nil {
		job.Error = *p
	}
	job.StartedAt = timePtr(startedAt)
	job.CompletedAt = timePtr(completedAt)
	return job, nil
}

// AuditEntry is one row of a job's history.
type AuditEntry struct {
	Event     string    `json:"event"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// AppendAudit writes an audit row for a job.
func (s *Store) AppendAudit(ctx context.Context, jobID, event, detail string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO job_audit (job_id, event, detail, created_at) VALUES ($1, $2, $3, NOW())
	`, jobID, event, emptyToNil(detail))
	if err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	return nil
}

// Audit returns a job's history in write order.
func (s *Store) Audit(ctx context.Context, jobID string) ([]AuditEntry, error) {
	rows, err := s.pool.Query(ctx, `SELECT event, detail, created_at FROM job_audit WHERE job_id = $1 ORDER BY id`, jobID)
	if err != nil {
		return nil, fmt.Errorf("query audit: %w", err)
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var e AuditEntry
		var detail pgtype.Text
		if err := rows.Scan(&e.Event, &detail, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		if p := textPtr(detail); p != nil {
			e.Detail = *p
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func timePtr(t pgtype.Timestamptz) *time.Time {
	if t.Valid {
		v := t.Time.UTC()
		return &v
	}
	return nil
}

func emptyToNil(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
