// Package metrics is Conductor's /metrics exposition (spec §10): task and
// subtask counts by status, agent-run counts by type, token and cost
// totals, and average task duration, refreshed from the store on every
// scrape.
//
// Generalised from the teacher's server/metrics.go, which snapshots an
// in-process map of API request counts on every GET /metrics call; here the
// snapshot is a store read instead of a mutex-guarded map, and the
// collectors are registered on a private prometheus.Registry the way
// jordigilh-kubernaut's monitoring integration test builds its metrics
// server, rather than on prometheus's global default registry.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/conductor-dev/conductor/internal/store"
)

// Metrics holds Conductor's Prometheus collectors and the store used to
// refresh them on each scrape.
type Metrics struct {
	store store.Store
	log   zerolog.Logger

	registry *prometheus.Registry

	tasksByStatus    *prometheus.GaugeVec
	subtasksByStatus *prometheus.GaugeVec
	agentRunsByType  *prometheus.GaugeVec
	inputTokens      prometheus.Gauge
	outputTokens     prometheus.Gauge
	costTotal        prometheus.Gauge
	avgTaskDuration  prometheus.Gauge
	scrapeErrors     prometheus.Counter
}

// New builds a Metrics instance with its own registry, so Conductor's
// process doesn't pull in whatever else a library may have registered on
// prometheus's default registry.
func New(s store.Store, log zerolog.Logger) *Metrics {
	m := &Metrics{
		store:    s,
		log:      log.With().Str("component", "metrics").Logger(),
		registry: prometheus.NewRegistry(),

		tasksByStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "conductor",
			Name:      "tasks_by_status",
			Help:      "Current number of tasks in each status.",
		}, []string{"status"}),

		subtasksByStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "conductor",
			Name:      "subtasks_by_status",
			Help:      "Current number of subtasks in each status.",
		}, []string{"status"}),

		agentRunsByType: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "conductor",
			Name:      "agent_runs_by_type",
			Help:      "Total number of agent runs recorded, by agent type.",
		}, []string{"type"}),

		inputTokens: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "conductor",
			Name:      "agent_run_input_tokens_total",
			Help:      "Cumulative input tokens consumed across all agent runs.",
		}),

		outputTokens: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "conductor",
			Name:      "agent_run_output_tokens_total",
			Help:      "Cumulative output tokens produced across all agent runs.",
		}),

		costTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "conductor",
			Name:      "agent_run_cost_total",
			Help:      "Cumulative estimated cost (USD) across all agent runs.",
		}),

		avgTaskDuration: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "conductor",
			Name:      "task_duration_seconds_average",
			Help:      "Average wall-clock duration of completed tasks, in seconds.",
		}),

		scrapeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "conductor",
			Name:      "metrics_scrape_errors_total",
			Help:      "Number of times refreshing collectors from the store failed.",
		}),
	}

	m.registry.MustRegister(
		m.tasksByStatus,
		m.subtasksByStatus,
		m.agentRunsByType,
		m.inputTokens,
		m.outputTokens,
		m.costTotal,
		m.avgTaskDuration,
		m.scrapeErrors,
	)

	return m
}

// refresh pulls a fresh snapshot from the store and sets every collector.
// The per-label gauge vectors are reset before being refilled, so a label
// absent from the new snapshot disappears instead of keeping its prior count,
// mirroring the teacher's every-call-recomputes snapshot rather than a
// cumulative in-process counter.
func (m *Metrics) refresh(ctx context.Context) {
	snapshot, err := m.store.MetricsSnapshot(ctx)
	if err != nil {
		m.log.Error().Err(err).Msg("failed to refresh metrics from store")
		m.scrapeErrors.Inc()
		return
	}

	m.tasksByStatus.Reset()
	for status, count := range snapshot.TasksByStatus {
		m.tasksByStatus.WithLabelValues(string(status)).Set(float64(count))
	}

	m.subtasksByStatus.Reset()
	for status, count := range snapshot.SubtasksByStatus {
		m.subtasksByStatus.WithLabelValues(string(status)).Set(float64(count))
	}

	m.agentRunsByType.Reset()
	for runType, count := range snapshot.AgentRunsByType {
		m.agentRunsByType.WithLabelValues(string(runType)).Set(float64(count))
	}

	m.inputTokens.Set(float64(snapshot.InputTokensTotal))
	m.outputTokens.Set(float64(snapshot.OutputTokensTotal))
	m.costTotal.Set(snapshot.CostTotal)
	m.avgTaskDuration.Set(snapshot.AvgTaskDurationSeconds)
}

// Handler returns the http.Handler for GET /metrics, refreshing the
// collectors from the store on every scrape before delegating to
// promhttp.
func (m *Metrics) Handler() http.Handler {
	inner := promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.refresh(r.Context())
		inner.ServeHTTP(w, r)
	})
}
