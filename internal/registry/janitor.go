package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"generation-orchestrator/internal/models"
)

// PruneStaleRetries fails RETRY_SCHEDULED jobs whose next attempt was due more
// than maxAge ago. Such markers are left behind when a retry timer never fires,
// e.g. after its scheduler was closed. Jobs without a due time are measured
// from their last update.
func (r *Registry) PruneStaleRetries(maxAge time.Duration) int {
	cutoff := r.now().UTC().Add(-maxAge)

	r.mu.RLock()
	var stale []string
	for id, rec := range r.jobs {
		if overdue(rec.job, cutoff) {
			stale = append(stale, id)
		}
	}
	r.mu.RUnlock()

	pruned := 0
	for _, id := range stale {
		_, err := r.Update(id, func(j *models.Job) error {
			// Re-check under the lock: the retry may have fired meanwhile.
			if !overdue(*j, cutoff) {
				return errSkip
			}
			j.Status = models.StatusFailed
			j.Error = fmt.Sprintf("retry marker expired after %s", maxAge)
			j.Progress = models.Progress{Percentage: 100, Message: "Retry never ran", Stage: models.StageFailed}
			return nil
		})
		if err == nil {
			pruned++
		}
	}
	if pruned > 0 {
		r.logger.Warn("pruned stale retry markers", "count", pruned, "max_age", maxAge)
	}
	return pruned
}

var errSkip = errors.New("skip")

func overdue(j models.Job, cutoff time.Time) bool {
	if j.Status != models.StatusRetryScheduled {
		return false
	}
	due := j.UpdatedAt
	if j.NextAttemptAt != nil {
		due = *j.NextAttemptAt
	}
	return due.Before(cutoff)
}

// RunJanitor prunes stale retry markers every interval until ctx is done.
func (r *Registry) RunJanitor(ctx context.Context, interval, maxAge time.Duration) {
	if interval <= 0 || maxAge <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.PruneStaleRetries(maxAge)
		}
	}
}
