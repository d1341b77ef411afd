// Package pipeline turns one document request into independent section jobs
// and reassembles their results by order.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"

	"generation-orchestrator/internal/jobs"
	"generation-orchestrator/internal/models"
	"generation-orchestrator/internal/provider"
	"generation-orchestrator/internal/registry"
	"generation-orchestrator/internal/telemetry"
)

var (
	ErrNoSections     = errors.New("document has no sections")
	ErrDuplicateOrder = errors.New("duplicate section order")
	ErrInvalidRequest = errors.New("invalid document request")
)

// Config tunes section building and submission.
type Config struct {
	MaxExperienceSections     int
	DefaultExperienceSections int
	MaxRetries                int
	Priority                  int
	// RunTimeout bounds how long a run waits for its sections. Zero waits
	// until every section is terminal.
	RunTimeout time.Duration
}

// DefaultConfig matches the standard CV layout.
func DefaultConfig() Config {
	return Config{
		MaxExperienceSections:     10,
		DefaultExperienceSections: 3,
		MaxRetries:                3,
	}
}

// Orchestrator runs document pipelines on a section submission API.
type Orchestrator struct {
	registry *registry.Registry
	sections *jobs.Service
	cfg      Config
	validate *validator.Validate
	logger   *slog.Logger
}

// NewOrchestrator wires an orchestrator. sections should sit on its own
// scheduler so documents do not starve ad-hoc tasks.
func NewOrchestrator(reg *registry.Registry, sections *jobs.Service, cfg Config, logger *slog.Logger) *Orchestrator {
	if cfg.MaxExperienceSections <= 0 {
		cfg.MaxExperienceSections = DefaultConfig().MaxExperienceSections
	}
	if cfg.DefaultExperienceSections < 0 {
		cfg.DefaultExperienceSections = 0
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	return &Orchestrator{
		registry: reg,
		sections: sections,
		cfg:      cfg,
		validate: validator.New(),
		logger:   logger.With("component", "pipeline"),
	}
}

// Run builds the sections for req, runs them and waits for the result.
func (o *Orchestrator) Run(ctx context.Context, req models.DocumentRequest) (models.PipelineRun, error) {
	if err := o.check(req); err != nil {
		return models.PipelineRun{}, err
	}
	return o.RunSections(ctx, req, o.BuildSections(req))
}

// RunSections runs a caller-built section list. Orders must be unique but need
// not be contiguous or sorted.
func (o *Orchestrator) RunSections(ctx context.Context, req models.DocumentRequest, sections []models.SectionRequest) (models.PipelineRun, error) {
	if err := o.check(req); err != nil {
		return models.PipelineRun{}, err
	}
	if err := checkSections(sections); err != nil {
		return models.PipelineRun{}, err
	}
	masterID, err := o.createMaster(req, len(sections))
	if err != nil {
		return models.PipelineRun{}, err
	}
	return o.run(ctx, masterID, req, sections)
}

// Start launches a pipeline in the background and returns the master job id.
// Progress and the assembled document are read from the master job.
func (o *Orchestrator) Start(ctx context.Context, req models.DocumentRequest) (string, error) {
	if err := o.check(req); err != nil {
		return "", err
	}
	sections := o.BuildSections(req)
	masterID, err := o.createMaster(req, len(sections))
	if err != nil {
		return "", err
	}
	go func() {
		if _, err := o.run(context.WithoutCancel(ctx), masterID, req, sections); err != nil {
			o.logger.Error("background pipeline failed", "master_job_id", masterID, "error", err)
		}
	}()
	return masterID, nil
}

func (o *Orchestrator) check(req models.DocumentRequest) error {
	if err := o.validate.Struct(req); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return nil
}

func (o *Orchestrator) createMaster(req models.DocumentRequest, total int) (string, error) {
	id := jobs.NewJobID(models.TypeDocumentMaster, req.SessionID)
	err := o.registry.Create(models.Job{
		ID:       id,
		Type:     models.TypeDocumentMaster,
		Priority: o.priority(req),
		Progress: models.Progress{Percentage: 0, Message: fmt.Sprintf("Queued %d sections", total), Stage: models.StageQueued},
		Metadata: map[string]any{
			models.MetaSessionID: req.SessionID,
			models.MetaSections:  total,
		},
	})
	if err != nil {
		return "", fmt.Errorf("register master job: %w", err)
	}
	return id, nil
}

func (o *Orchestrator) priority(req models.DocumentRequest) int {
	if req.Priority != nil {
		return *req.Priority
	}
	return o.cfg.Priority
}

func (o *Orchestrator) maxRetries(req models.DocumentRequest) int {
	if req.MaxRetries != nil {
		return *req.MaxRetries
	}
	return o.cfg.MaxRetries
}

func (o *Orchestrator) run(ctx context.Context, masterID string, req models.DocumentRequest, sections []models.SectionRequest) (models.PipelineRun, error) {
	started := time.Now()
	logger := o.logger.With("master_job_id", masterID, "session_id", req.SessionID)

	_, err := o.registry.Transition(masterID, models.StatusInProgress, func(j *models.Job) {
		j.Progress = models.Progress{Percentage: 0, Message: fmt.Sprintf("Generating %d sections", len(sections)), Stage: models.StageGenerating}
	})
	if err != nil {
		return models.PipelineRun{}, fmt.Errorf("start master job: %w", err)
	}

	tasks := make([]jobs.TaskRequest, len(sections))
	for i, s := range sections {
		tasks[i] = jobs.TaskRequest{
			Request: provider.Request{
				Identifier: s.Key,
				Operation:  provider.OperationSection,
				Title:      s.Title,
				Subject:    s.Payload.Subject,
				Target:     s.Payload.Target,
				Entry:      s.Payload.Entry,
			},
			Metadata: map[string]any{
				models.MetaSessionID: req.SessionID,
				models.MetaOrder:     s.Order,
				models.MetaSection:   s.Key,
				models.MetaTitle:     s.Title,
				models.MetaMasterJob: masterID,
			},
		}
	}
	ids, err := o.sections.AddBatch(tasks, o.priority(req), o.maxRetries(req))
	if err != nil {
		for _, id := range ids {
			_ = o.sections.CancelJob(id)
		}
		o.finishMaster(masterID, "", 0, fmt.Sprintf("submit sections: %v", err))
		return models.PipelineRun{}, fmt.Errorf("submit sections: %w", err)
	}
	logger.Info("pipeline started", "sections", len(ids))

	stop := o.watch(masterID, ids)
	results := o.sections.WaitForBatch(ctx, ids, o.cfg.RunTimeout)
	stop()

	run := assemble(req.SessionID, masterID, sections, ids, results)
	run.Elapsed = time.Since(started)

	if run.Success {
		o.finishMaster(masterID, run.Document, run.TotalTokens, "")
		telemetry.PipelineRuns.WithLabelValues("success").Inc()
	} else {
		o.finishMaster(masterID, "", run.TotalTokens, fmt.Sprintf("%d of %d sections failed", len(run.Errors), len(run.Sections)))
		telemetry.PipelineRuns.WithLabelValues("partial").Inc()
	}
	telemetry.PipelineDuration.Observe(run.Elapsed.Seconds())
	logger.Info("pipeline finished",
		"success", run.Success,
		"failed_sections", len(run.Errors),
		"tokens", run.TotalTokens,
		"elapsed", run.Elapsed)
	return run, nil
}

// watch moves master progress as sections finish and cancels the remaining
// sections if the master job is cancelled. The returned func stops it.
func (o *Orchestrator) watch(masterID string, ids []string) func() {
	stop := make(chan struct{})
	var wg sync.WaitGroup
	var finished atomic.Int32
	total := len(ids)

	for _, id := range ids {
		done, ok := o.registry.Done(id)
		if !ok {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			select {
			case <-stop:
				return
			case <-done:
			}
			n := int(finished.Add(1))
			_ = o.registry.UpdateProgress(masterID, models.Progress{
				Percentage: n * 100 / total,
				Message:    fmt.Sprintf("%d of %d sections finished", n, total),
				Stage:      models.StageGenerating,
			})
		}()
	}

	if masterDone, master, ok := o.registry.Watch(masterID); ok {
		wg.Add(1)
		go func() {
			defer wg.Done()
			select {
			case <-stop:
				return
			case <-masterDone:
			}
			if master().Status != models.StatusCancelled {
				return
			}
			for _, id := range ids {
				_ = o.sections.CancelJob(id)
			}
			o.logger.Info("master job cancelled, sections cancelled", "master_job_id", masterID)
		}()
	}

	return func() {
		close(stop)
		wg.Wait()
	}
}

func (o *Orchestrator) finishMaster(masterID, document string, tokens int, failure string) {
	status := models.StatusCompleted
	if failure != "" {
		status = models.StatusFailed
	}
	_, err := o.registry.Transition(masterID, status, func(j *models.Job) {
		if failure != "" {
			j.Error = failure
			j.Progress = models.Progress{Percentage: 100, Message: failure, Stage: models.StageFailed}
			return
		}
		j.Result = &models.Result{Identifier: masterID, Content: document, TokensUsed: tokens}
		j.Progress = models.Progress{Percentage: 100, Message: "Document assembled", Stage: models.StageDone}
	})
	if err != nil && !errors.Is(err, registry.ErrTerminal) {
		o.logger.Error("finish master job", "master_job_id", masterID, "error", err)
	}
}

// assemble pairs results with their sections, sorts by order and aggregates.
func assemble(sessionID, masterID string, sections []models.SectionRequest, ids []string, results []jobs.Result) models.PipelineRun {
	run := models.PipelineRun{
		SessionID:   sessionID,
		MasterJobID: masterID,
		Sections:    make([]models.SectionResult, len(sections)),
		Errors:      []string{},
	}
	for i, s := range sections {
		res := results[i]
		sr := models.SectionResult{
			Order:          s.Order,
			Key:            s.Key,
			Title:          s.Title,
			JobID:          ids[i],
			Success:        res.Success,
			ProcessingTime: res.ProcessingTime,
		}
		if res.Success && res.Data != nil {
			sr.Content = res.Data.Content
			sr.TokensUsed = res.Data.TokensUsed
		} else {
			sr.Success = false
			sr.Error = res.Error
			if sr.Error == "" {
				sr.Error = "section did not complete"
			}
		}
		run.Sections[i] = sr
	}
	sort.SliceStable(run.Sections, func(i, j int) bool { return run.Sections[i].Order < run.Sections[j].Order })

	var doc []string
	for _, sr := range run.Sections {
		run.TotalTime += sr.ProcessingTime
		run.TotalTokens += sr.TokensUsed
		if sr.Success {
			doc = append(doc, strings.TrimSpace(sr.Content))
			continue
		}
		run.Errors = append(run.Errors, fmt.Sprintf("section %q (order %d): %s", sr.Key, sr.Order, sr.Error))
	}
	run.Success = len(run.Errors) == 0
	run.Document = strings.Join(doc, "\n\n")
	return run
}
