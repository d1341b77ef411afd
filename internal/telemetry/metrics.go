package telemetry

import (
	"errors"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"generation-orchestrator/internal/models"
	"generation-orchestrator/internal/registry"
	"generation-orchestrator/internal/scheduler"
)

var (
	once sync.Once

	JobsSubmitted    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "generation_jobs_submitted_total", Help: "Jobs accepted by the submission API"}, []string{"type"})
	JobsCompleted    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "generation_jobs_completed_total", Help: "Jobs completed successfully"}, []string{"type"})
	JobsRetried      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "generation_jobs_retried_total", Help: "Failed attempts that scheduled a retry"}, []string{"type"})
	JobsFailed       = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "generation_jobs_failed_total", Help: "Jobs that failed permanently"}, []string{"type"})
	JobsCancelled    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "generation_jobs_cancelled_total", Help: "Jobs cancelled by callers"}, []string{"type"})
	InFlightGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "generation_jobs_inflight", Help: "Jobs currently IN_PROGRESS"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "generation_rate_limit_rejects_total", Help: "Submissions rejected by the tenant rate limiter"})

	ProviderLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "generation_provider_call_seconds",
		Help:    "Latency of provider calls",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"outcome"})
	TokensUsed = prometheus.NewCounter(prometheus.CounterOpts{Name: "generation_tokens_used_total", Help: "Tokens reported by the provider"})

	PipelineRuns     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "generation_pipeline_runs_total", Help: "Document pipeline runs by outcome"}, []string{"outcome"})
	PipelineDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "generation_pipeline_duration_seconds",
		Help:    "Wall time of document pipeline runs",
		Buckets: prometheus.ExponentialBuckets(1, 2, 10),
	})
)

func register() {
	once.Do(func() {
		prometheus.MustRegister(
			JobsSubmitted,
			JobsCompleted,
			JobsRetried,
			JobsFailed,
			JobsCancelled,
			InFlightGauge,
			RateLimitRejects,
			ProviderLatency,
			TokensUsed,
			PipelineRuns,
			PipelineDuration,
		)
	})
}

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	register()
	return promhttp.Handler()
}

// JobHook keeps the job counters in step with registry changes.
func JobHook() registry.Hook {
	return registry.HookFunc(observeJob)
}

func observeJob(job models.Job, from models.Status) {
	if job.Status == from {
		return
	}
	kind := string(job.Type)
	if from == models.StatusInProgress {
		InFlightGauge.Dec()
	}
	switch job.Status {
	case models.StatusPending:
		JobsSubmitted.WithLabelValues(kind).Inc()
	case models.StatusInProgress:
		InFlightGauge.Inc()
	case models.StatusRetryScheduled:
		JobsRetried.WithLabelValues(kind).Inc()
	case models.StatusCompleted:
		JobsCompleted.WithLabelValues(kind).Inc()
		if job.Result != nil {
			TokensUsed.Add(float64(job.Result.TokensUsed))
		}
	case models.StatusFailed:
		JobsFailed.WithLabelValues(kind).Inc()
	case models.StatusCancelled:
		JobsCancelled.WithLabelValues(kind).Inc()
	}
}

// StatsSource is anything reporting scheduler counters.
type StatsSource interface {
	Stats() scheduler.Stats
}

// RegisterScheduler exports queue gauges for one scheduler, labelled by name.
func RegisterScheduler(name string, src StatsSource) error {
	register()
	labels := prometheus.Labels{"scheduler": name}
	gauges := []prometheus.Collector{
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{Name: "scheduler_queued", Help: "Tasks waiting for a slot", ConstLabels: labels},
			func() float64 { return float64(src.Stats().Queued) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{Name: "scheduler_running", Help: "Tasks holding a slot", ConstLabels: labels},
			func() float64 { return float64(src.Stats().Running) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{Name: "scheduler_delayed", Help: "Tasks waiting on a retry delay", ConstLabels: labels},
			func() float64 { return float64(src.Stats().Delayed) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{Name: "scheduler_paused", Help: "1 while the scheduler is paused", ConstLabels: labels},
			func() float64 {
				if src.Stats().Paused {
					return 1
				}
				return 0
			}),
	}
	for _, g := range gauges {
		if err := prometheus.Register(g); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}
