package models

import "time"

// DocumentRequest asks for a multi-section document (a candidate CV) to be generated.
type DocumentRequest struct {
	SessionID  string         `json:"session_id" validate:"required"`
	Subject    map[string]any `json:"subject" validate:"required"`
	Target     map[string]any `json:"target,omitempty"`
	Priority   *int           `json:"priority,omitempty"`
	MaxRetries *int           `json:"max_retries,omitempty" validate:"omitempty,gte=0,lte=10"`
}

// SectionPayload is the context needed to generate one section.
type SectionPayload struct {
	Subject map[string]any `json:"subject"`
	Target  map[string]any `json:"target,omitempty"`
	// Entry is the experience entry a repeating section is about, if any.
	Entry      map[string]any `json:"entry,omitempty"`
	EntryIndex int            `json:"entry_index,omitempty"`
}

// SectionRequest is the unit of work inside a document pipeline.
type SectionRequest struct {
	Order   int            `json:"order"`
	Key     string         `json:"key"`
	Title   string         `json:"title"`
	Payload SectionPayload `json:"payload"`
}

// SectionResult is the outcome of one section.
type SectionResult struct {
	Order          int           `json:"order"`
	Key            string        `json:"key"`
	Title          string        `json:"title"`
	JobID          string        `json:"job_id,omitempty"`
	Content        string        `json:"content"`
	Success        bool          `json:"success"`
	Error          string        `json:"error,omitempty"`
	ProcessingTime time.Duration `json:"processing_time"`
	TokensUsed     int           `json:"tokens_used"`
}

// PipelineRun aggregates the results of one document request.
type PipelineRun struct {
	SessionID   string          `json:"session_id"`
	MasterJobID string          `json:"master_job_id"`
	Success     bool            `json:"success"`
	Sections    []SectionResult `json:"sections"`
	Errors      []string        `json:"errors"`
	TotalTime   time.Duration   `json:"total_time"` // sum of section processing times
	Elapsed     time.Duration   `json:"elapsed"`
	TotalTokens int             `json:"total_tokens"`
	Document    string          `json:"document"`
}
