package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Stage result labels.
const (
	ResultSuccess    = "success"
	ResultFailure    = "failure"
	ResultBlocked    = "blocked"
	ResultUnexpected = "unexpected"
)

// Metrics contains the Prometheus metrics of the crawler. Collectors are
// registered through promauto with the default registry, so a namespace can
// only be created once per process.
type Metrics struct {
	// StageRuns counts stage executions, labeled by stage and result.
	StageRuns *prometheus.CounterVec

	// StageDuration observes stage execution time in seconds, labeled by stage.
	StageDuration *prometheus.HistogramVec

	// AttemptsCharged counts attempt increments, labeled by stage.
	AttemptsCharged *prometheus.CounterVec

	// RecordsExhausted counts records forced into a terminal state after their
	// attempt budget ran out.
	RecordsExhausted prometheus.Counter

	// PlaceholdersCreated counts child records, labeled by origin (link, citation).
	PlaceholdersCreated *prometheus.CounterVec

	// PlaceholdersSkipped counts child inserts that were ignored, labeled by
	// origin and reason (duplicate, transient).
	PlaceholdersSkipped *prometheus.CounterVec

	// PgxRowsInserted counts extracted PGX sample rows.
	PgxRowsInserted prometheus.Counter

	// CyclesTotal counts orchestrator cycles.
	CyclesTotal prometheus.Counter

	// CycleDuration observes orchestrator cycle time in seconds.
	CycleDuration prometheus.Histogram

	// PdfDownloads counts download attempts, labeled by result.
	PdfDownloads *prometheus.CounterVec

	// HashesBackfilled counts PDF hashes written by the backfill job.
	HashesBackfilled prometheus.Counter

	// EventsPublished counts outcome events written to the broker, labeled by topic.
	EventsPublished *prometheus.CounterVec

	// EventsFailed counts outcome events that could not be written, labeled by topic.
	EventsFailed *prometheus.CounterVec

	// LLMRequestsTotal counts LLM API requests, labeled by operation and model.
	LLMRequestsTotal *prometheus.CounterVec

	// LLMRequestsFailed counts failed LLM API requests, labeled by operation, model, and error type.
	LLMRequestsFailed *prometheus.CounterVec

	// LLMRequestDuration observes LLM API request duration in seconds, labeled by operation and model.
	LLMRequestDuration *prometheus.HistogramVec

	// LLMTokensUsed counts tokens consumed by LLM operations, labeled by operation, model, and token type.
	LLMTokensUsed *prometheus.CounterVec
}

// NewMetrics creates a new Metrics instance with all metrics initialized.
// The namespace is used as a prefix for all metric names.
func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		StageRuns: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_runs_total",
			Help:      "Total number of stage executions",
		}, []string{"stage", "result"}),
		StageDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Duration of stage executions in seconds",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"stage"}),
		AttemptsCharged: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "attempts_charged_total",
			Help:      "Total number of processing attempts charged",
		}, []string{"stage"}),
		RecordsExhausted: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_exhausted_total",
			Help:      "Total number of records failed after exhausting their attempt budget",
		}),

		PlaceholdersCreated: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "placeholders_created_total",
			Help:      "Total number of child records created",
		}, []string{"origin"}),
		PlaceholdersSkipped: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "placeholders_skipped_total",
			Help:      "Total number of child record inserts that were ignored",
		}, []string{"origin", "reason"}),
		PgxRowsInserted: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pgx_rows_inserted_total",
			Help:      "Total number of PGX sample rows inserted",
		}),

		CyclesTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_total",
			Help:      "Total number of orchestrator cycles",
		}),
		CycleDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Duration of orchestrator cycles in seconds",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}),

		PdfDownloads: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pdf_downloads_total",
			Help:      "Total number of PDF download attempts",
		}, []string{"result"}),
		HashesBackfilled: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pdf_hashes_backfilled_total",
			Help:      "Total number of PDF hashes written by the backfill job",
		}),

		EventsPublished: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_published_total",
			Help:      "Total number of events published",
		}, []string{"topic"}),
		EventsFailed: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_failed_total",
			Help:      "Total number of events that failed to publish",
		}, []string{"topic"}),

		LLMRequestsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_requests_total",
			Help:      "Total number of LLM API requests",
		}, []string{"operation", "model"}),
		LLMRequestsFailed: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_requests_failed_total",
			Help:      "Total number of failed LLM API requests",
		}, []string{"operation", "model", "error_type"}),
		LLMRequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "llm_request_duration_seconds",
			Help:      "Duration of LLM API requests in seconds",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"operation", "model"}),
		LLMTokensUsed: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_tokens_used_total",
			Help:      "Total number of LLM tokens used",
		}, []string{"operation", "model", "type"}),
	}
}

// RecordStage records one stage execution.
func (m *Metrics) RecordStage(stage, result string, durationSeconds float64) {
	m.StageRuns.WithLabelValues(stage, result).Inc()
	m.StageDuration.WithLabelValues(stage).Observe(durationSeconds)
}

// RecordAttempt records an attempt charge.
func (m *Metrics) RecordAttempt(stage string) {
	m.AttemptsCharged.WithLabelValues(stage).Inc()
}

// RecordExhausted records records moved to a terminal state by a sweep.
func (m *Metrics) RecordExhausted(count int64) {
	m.RecordsExhausted.Add(float64(count))
}

// RecordPlaceholder records a created child record.
func (m *Metrics) RecordPlaceholder(origin string) {
	m.PlaceholdersCreated.WithLabelValues(origin).Inc()
}

// RecordPlaceholderSkipped records an ignored child insert.
func (m *Metrics) RecordPlaceholderSkipped(origin, reason string) {
	m.PlaceholdersSkipped.WithLabelValues(origin, reason).Inc()
}

// RecordPgxRows records inserted PGX rows.
func (m *Metrics) RecordPgxRows(count int) {
	m.PgxRowsInserted.Add(float64(count))
}

// RecordCycle records a finished orchestrator cycle.
func (m *Metrics) RecordCycle(durationSeconds float64) {
	m.CyclesTotal.Inc()
	m.CycleDuration.Observe(durationSeconds)
}

// RecordPdfDownload records a download attempt.
func (m *Metrics) RecordPdfDownload(result string) {
	m.PdfDownloads.WithLabelValues(result).Inc()
}

// RecordHashBackfilled records a hash written by the backfill job.
func (m *Metrics) RecordHashBackfilled() {
	m.HashesBackfilled.Inc()
}

// RecordEventPublished records a published event.
func (m *Metrics) RecordEventPublished(topic string) {
	m.EventsPublished.WithLabelValues(topic).Inc()
}

// RecordEventFailed records an event that could not be published.
func (m *Metrics) RecordEventFailed(topic string) {
	m.EventsFailed.WithLabelValues(topic).Inc()
}

// RecordLLMRequest records an LLM API request.
func (m *Metrics) RecordLLMRequest(operation, model string, durationSeconds float64, inputTokens, outputTokens int) {
	m.LLMRequestsTotal.WithLabelValues(operation, model).Inc()
	m.LLMRequestDuration.WithLabelValues(operation, model).Observe(durationSeconds)
	m.LLMTokensUsed.WithLabelValues(operation, model, "input").Add(float64(inputTokens))
	m.LLMTokensUsed.WithLabelValues(operation, model, "output").Add(float64(outputTokens))
}

// RecordLLMRequestFailed records a failed LLM API request.
func (m *Metrics) RecordLLMRequestFailed(operation, model, errorType string) {
	m.LLMRequestsFailed.WithLabelValues(operation, model, errorType).Inc()
}
