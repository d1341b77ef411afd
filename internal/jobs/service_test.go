package jobs

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"generation-orchestrator/internal/models"
	"generation-orchestrator/internal/provider"
	"generation-orchestrator/internal/registry"
	"generation-orchestrator/internal/scheduler"
	"generation-orchestrator/internal/worker"
)

func newTestService(t *testing.T, concurrency int, p provider.Provider) (*Service, *scheduler.Scheduler) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := registry.New(logger)
	sched := scheduler.New(scheduler.Config{Name: "generation", Concurrency: concurrency, IntervalCap: 1000}, logger)
	t.Cleanup(func() { _ = sched.Close(context.Background()) })
	proc := worker.NewProcessor(reg, p, sched, worker.Backoff{Base: time.Millisecond}, time.Second, logger)
	return NewService(reg, sched, proc, logger), sched
}

// delayed returns content equal to the identifier after the number of
// milliseconds given in Subject["delay_ms"].
func delayed() provider.Provider {
	return provider.Func(func(ctx context.Context, req provider.Request) (provider.Response, error) {
		if ms, ok := req.Subject["delay_ms"].(int); ok {
			select {
			case <-time.After(time.Duration(ms) * time.Millisecond):
			case <-ctx.Done():
				return provider.Response{}, ctx.Err()
			}
		}
		if req.Subject["fail"] == true {
			return provider.Response{}, errors.New("provider unavailable")
		}
		return provider.Response{Content: req.Identifier, TokensUsed: 1}, nil
	})
}

func task(id string, subject map[string]any) TaskRequest {
	return TaskRequest{Request: provider.Request{Identifier: id, Subject: subject}}
}

func TestAddTaskAndWait(t *testing.T) {
	svc, _ := newTestService(t, 2, delayed())

	id, err := svc.AddTask(task("Cover Letter!", nil), 1, 2)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(id, "single-generation_cover-letter_"), id)

	job, ok := svc.Get(id)
	require.True(t, ok)
	assert.Equal(t, 2, job.MaxRetries)
	assert.Equal(t, "Cover Letter!", job.Metadata[models.MetaIdentifier])

	res, err := svc.WaitForJob(context.Background(), id, time.Second)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, models.StatusCompleted, res.Status)
	require.NotNil(t, res.Data)
	assert.Equal(t, "Cover Letter!", res.Data.Content)
}

func TestAddTaskValidates(t *testing.T) {
	svc, _ := newTestService(t, 1, delayed())
	_, err := svc.AddTask(task(" ", nil), 0, 1)
	assert.ErrorIs(t, err, ErrInvalidRequest)
	_, err = svc.AddTask(task("x", nil), 0, -1)
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestWaitForJobErrors(t *testing.T) {
	svc, sched := newTestService(t, 1, delayed())

	_, err := svc.WaitForJob(context.Background(), "missing", time.Second)
	assert.ErrorIs(t, err, ErrJobNotFound)

	sched.Pause()
	id, err := svc.AddTask(task("slow", nil), 0, 0)
	require.NoError(t, err)
	res, err := svc.WaitForJob(context.Background(), id, 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrWaitTimeout)
	assert.Equal(t, models.StatusPending, res.Status)

	// The timeout did not cancel the job.
	sched.Resume()
	res, err = svc.WaitForJob(context.Background(), id, time.Second)
	require.NoError(t, err)
	assert.True(t, res.Success)
}

func TestFailedJobIsReturnedNotThrown(t *testing.T) {
	svc, _ := newTestService(t, 1, delayed())
	id, err := svc.AddTask(task("doomed", map[string]any{"fail": true}), 0, 1)
	require.NoError(t, err)

	res, err := svc.WaitForJob(context.Background(), id, time.Second)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, models.StatusFailed, res.Status)
	assert.Equal(t, "provider unavailable", res.Error)
	assert.Equal(t, 1, res.RetryCount)
}

func TestWaitForBatchKeepsInputOrder(t *testing.T) {
	svc, _ := newTestService(t, 2, delayed())

	ids, err := svc.AddBatch([]TaskRequest{
		task("slow", map[string]any{"delay_ms": 80}),
		task("fast", map[string]any{"delay_ms": 1}),
	}, 0, 0)
	require.NoError(t, err)
	require.Len(t, ids, 2)

	results := svc.WaitForBatch(context.Background(), append(ids, "missing"), 2*time.Second)
	require.Len(t, results, 3)
	assert.Equal(t, ids[0], results[0].JobID)
	assert.Equal(t, "slow", results[0].Data.Content)
	assert.Equal(t, "fast", results[1].Data.Content)
	assert.False(t, results[2].Success)
	assert.Contains(t, results[2].Error, "not found")
}

func TestAddBatchValidatesAllFirst(t *testing.T) {
	svc, _ := newTestService(t, 1, delayed())
	ids, err := svc.AddBatch([]TaskRequest{task("ok", nil), task("", nil)}, 0, 0)
	assert.ErrorIs(t, err, ErrInvalidRequest)
	assert.Empty(t, ids)
	assert.Equal(t, 0, svc.ClearFinished())
}

func TestCancelJob(t *testing.T) {
	svc, sched := newTestService(t, 1, delayed())
	sched.Pause()
	id, err := svc.AddTask(task("later", nil), 0, 0)
	require.NoError(t, err)

	require.NoError(t, svc.CancelJob(id))
	assert.ErrorIs(t, svc.CancelJob(id), ErrAlreadyFinished)
	assert.ErrorIs(t, svc.CancelJob("missing"), ErrJobNotFound)

	sched.Resume()
	require.NoError(t, sched.OnIdle(context.Background()))

	res, err := svc.WaitForJob(context.Background(), id, time.Second)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, models.StatusCancelled, res.Status)
	assert.Equal(t, "job was cancelled", res.Error)
}

func TestQueueSurface(t *testing.T) {
	svc, sched := newTestService(t, 3, delayed())
	svc.Pause()
	_, err := svc.AddTask(task("a", nil), 0, 0)
	require.NoError(t, err)

	st := svc.Stats()
	assert.Equal(t, scheduler.Stats{Name: "generation", Queued: 1, ConcurrencyLimit: 3, Paused: true}, st)

	svc.Resume()
	_, err = svc.AddTask(task("b", nil), 0, 0)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, sched.OnIdle(ctx))
	assert.Equal(t, 2, svc.ClearFinished())
}

func TestSubmitToClosedSchedulerFailsJob(t *testing.T) {
	svc, sched := newTestService(t, 1, delayed())
	require.NoError(t, sched.Close(context.Background()))

	id, err := svc.AddTask(task("late", nil), 0, 0)
	assert.ErrorIs(t, err, scheduler.ErrClosed)
	require.NotEmpty(t, id)
	job, _ := svc.Get(id)
	assert.Equal(t, models.StatusFailed, job.Status)
}

func TestWaitForJobSurvivesClearFinished(t *testing.T) {
	svc, sched := newTestService(t, 1, delayed())
	svc.registry.AddHook(registry.HookFunc(func(job models.Job, from models.Status) {
		if job.Status.Terminal() {
			svc.ClearFinished()
		}
	}))

	sched.Pause()
	id, err := svc.AddTask(task("cleared", nil), 0, 0)
	require.NoError(t, err)

	waited := make(chan Result, 1)
	go func() {
		res, err := svc.WaitForJob(context.Background(), id, 2*time.Second)
		assert.NoError(t, err)
		waited <- res
	}()
	time.Sleep(20 * time.Millisecond)
	sched.Resume()

	res := <-waited
	assert.True(t, res.Success)
	require.NotNil(t, res.Data)
	assert.Equal(t, "cleared", res.Data.Content)

	_, ok := svc.Get(id)
	assert.False(t, ok, "job was cleared")
}
