package models

import (
	"maps"
	"time"
)

// Status enumerates the lifecycle states of a job.
type Status string

const (
	StatusPending        Status = "PENDING"
	StatusInProgress     Status = "IN_PROGRESS"
	StatusRetryScheduled Status = "RETRY_SCHEDULED"
	StatusCompleted      Status = "COMPLETED"
	StatusFailed         Status = "FAILED"
	StatusCancelled      Status = "CANCELLED"
)

// Terminal reports whether no further transitions are allowed out of s.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

var transitions = map[Status][]Status{
	StatusPending:        {StatusInProgress, StatusCancelled, StatusFailed},
	StatusInProgress:     {StatusRetryScheduled, StatusCompleted, StatusFailed, StatusCancelled},
	StatusRetryScheduled: {StatusInProgress, StatusFailed, StatusCancelled},
}

// CanTransition reports whether a job may move from s to next.
func (s Status) CanTransition(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Type is the kind of work a job tracks.
type Type string

const (
	TypeSingleGeneration Type = "single-generation"
	TypeDocumentMaster   Type = "document-pipeline-master"
)

// Progress stages reported on jobs.
const (
	StageQueued     = "queued"
	StageGenerating = "generating"
	StageRetrying   = "retrying"
	StageAssembling = "assembling"
	StageDone       = "done"
	StageFailed     = "failed"
	StageCancelled  = "cancelled"
)

// Progress is the human-facing progress of a job.
type Progress struct {
	Percentage int    `json:"percentage"`
	Message    string `json:"message"`
	Stage      string `json:"stage"`
}

// Result is the output of a completed job.
type Result struct {
	Identifier string `json:"identifier,omitempty"`
	Content    string `json:"content"`
	TokensUsed int    `json:"tokens_used"`
}

// Job is a trackable unit of scheduled work held by the registry.
type Job struct {
	ID            string         `json:"id"`
	Type          Type           `json:"type"`
	Status        Status         `json:"status"`
	Progress      Progress       `json:"progress"`
	RetryCount    int            `json:"retry_count"`
	MaxRetries    int            `json:"max_retries"`
	Priority      int            `json:"priority"`
	Result        *Result        `json:"result,omitempty"`
	Error         string         `json:"error,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	StartedAt     *time.Time     `json:"started_at,omitempty"`
	CompletedAt   *time.Time     `json:"completed_at,omitempty"`
	UpdatedAt     time.Time      `json:"updated_at"`
	// NextAttemptAt is when a RETRY_SCHEDULED job's next attempt is due.
	NextAttemptAt *time.Time     `json:"next_attempt_at,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// Clone returns a copy of j that shares no mutable state with it.
func (j Job) Clone() Job {
	out := j
	if j.Result != nil {
		r := *j.Result
		out.Result = &r
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		out.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		out.CompletedAt = &t
	}
	if j.NextAttemptAt != nil {
		t := *j.NextAttemptAt
		out.NextAttemptAt = &t
	}
	if j.Metadata != nil {
		out.Metadata = maps.Clone(j.Metadata)
	}
	return out
}

// ProcessingTime is the time spent between start (or creation) and completion.
// It is zero for jobs that have not finished.
func (j Job) ProcessingTime() time.Duration {
	if j.CompletedAt == nil {
		return 0
	}
	start := j.CreatedAt
	if j.StartedAt != nil {
		start = *j.StartedAt
	}
	return j.CompletedAt.Sub(start)
}

// Metadata keys set by the submission API and the pipeline.
const (
	MetaIdentifier = "identifier"
	MetaSessionID  = "session_id"
	MetaOrder      = "order"
	MetaSection    = "section"
	MetaTitle      = "title"
	MetaTenant     = "tenant"
	MetaSections   = "sections"
	MetaMasterJob  = "master_job_id"
)
