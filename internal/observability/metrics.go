package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the paper pipeline service.
// Metrics are organized by subsystem: sessions, stages, papers, search, and
// LLM operations. All counters and histograms are registered via promauto
// for automatic registration with the default Prometheus registry.
type Metrics struct {
	// SessionsStarted counts the total number of pipeline sessions initiated.
	SessionsStarted prometheus.Counter

	// SessionsCompleted counts sessions that reached a terminal state, labeled by status.
	SessionsCompleted *prometheus.CounterVec

	// SessionDuration observes the end-to-end duration of sessions in seconds.
	SessionDuration prometheus.Histogram

	// StagesCompleted counts finished stages, labeled by stage name and status.
	StagesCompleted *prometheus.CounterVec

	// StageDuration observes stage duration in seconds, labeled by stage name.
	StageDuration *prometheus.HistogramVec

	// StageItemsProcessed counts batch items processed, labeled by stage and item status.
	StageItemsProcessed *prometheus.CounterVec

	// PapersDiscovered counts the total number of unique papers discovered.
	PapersDiscovered prometheus.Counter

	// PapersDuplicate counts the total number of duplicate papers dropped during dedupe.
	PapersDuplicate prometheus.Counter

	// PagesOCRed counts OCRed pages, labeled by outcome.
	PagesOCRed *prometheus.CounterVec

	// SearchRequestsTotal counts HTTP requests to the arXiv API, labeled by endpoint.
	SearchRequestsTotal *prometheus.CounterVec

	// SearchRequestsFailed counts failed arXiv requests, labeled by endpoint and error type.
	SearchRequestsFailed *prometheus.CounterVec

	// SearchRequestDuration observes arXiv request duration in seconds.
	SearchRequestDuration *prometheus.HistogramVec

	// LLMRequestsTotal counts LLM API requests, labeled by operation and model.
	LLMRequestsTotal *prometheus.CounterVec

	// LLMRequestsFailed counts failed LLM API requests, labeled by operation, model, and error type.
	LLMRequestsFailed *prometheus.CounterVec

	// LLMRetries counts structured-output retry attempts beyond the first, labeled by operation.
	LLMRetries *prometheus.CounterVec

	// LLMRequestDuration observes LLM API request duration in seconds, labeled by operation and model.
	LLMRequestDuration *prometheus.HistogramVec

	// LLMTokensUsed counts tokens consumed by LLM operations, labeled by operation, model, and token type.
	LLMTokensUsed *prometheus.CounterVec
}

// NewMetrics creates a new Metrics instance with all metrics initialized.
// The namespace is used as a prefix for all metric names.
func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		// Sessions
		SessionsStarted: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_started_total",
			Help:      "Total number of pipeline sessions started",
		}),
		SessionsCompleted: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_completed_total",
			Help:      "Total number of pipeline sessions completed by status",
		}, []string{"status"}),
		SessionDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Duration of pipeline sessions in seconds",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1200, 1800, 3600},
		}),

		// Stages
		StagesCompleted: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stages_completed_total",
			Help:      "Total number of pipeline stages completed by stage and status",
		}, []string{"stage", "status"}),
		StageDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Duration of pipeline stages in seconds by stage",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600},
		}, []string{"stage"}),
		StageItemsProcessed: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_items_processed_total",
			Help:      "Total number of batch items processed by stage and item status",
		}, []string{"stage", "status"}),

		// Papers
		PapersDiscovered: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "papers_discovered_total",
			Help:      "Total number of papers discovered",
		}),
		PapersDuplicate: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "papers_duplicate_total",
			Help:      "Total number of duplicate papers dropped",
		}),
		PagesOCRed: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pages_ocred_total",
			Help:      "Total number of PDF pages OCRed by outcome",
		}, []string{"outcome"}),

		// Search
		SearchRequestsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "search_requests_total",
			Help:      "Total number of requests to the arXiv API",
		}, []string{"endpoint"}),
		SearchRequestsFailed: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "search_requests_failed_total",
			Help:      "Total number of failed arXiv API requests",
		}, []string{"endpoint", "error_type"}),
		SearchRequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "search_request_duration_seconds",
			Help:      "Duration of arXiv API requests in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"endpoint"}),

		// LLM
		LLMRequestsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_requests_total",
			Help:      "Total number of LLM requests by operation",
		}, []string{"operation", "model"}),
		LLMRequestsFailed: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_requests_failed_total",
			Help:      "Total number of failed LLM requests by operation",
		}, []string{"operation", "model", "error_type"}),
		LLMRetries: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_retries_total",
			Help:      "Total number of structured-output retry attempts by operation",
		}, []string{"operation"}),
		LLMRequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "llm_request_duration_seconds",
			Help:      "Duration of LLM requests in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"operation", "model"}),
		LLMTokensUsed: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_tokens_used_total",
			Help:      "Total number of tokens used by LLM operations",
		}, []string{"operation", "model", "token_type"}),
	}
}

// RecordSessionStarted records that a session has started.
func (m *Metrics) RecordSessionStarted() {
	m.SessionsStarted.Inc()
}

// RecordSessionCompleted records that a session reached a terminal status.
func (m *Metrics) RecordSessionCompleted(status string, durationSeconds float64) {
	m.SessionsCompleted.WithLabelValues(status).Inc()
	m.SessionDuration.Observe(durationSeconds)
}

// RecordStageCompleted records a finished stage.
func (m *Metrics) RecordStageCompleted(stage, status string, durationSeconds float64) {
	m.StagesCompleted.WithLabelValues(stage, status).Inc()
	m.StageDuration.WithLabelValues(stage).Observe(durationSeconds)
}

// RecordStageItem records the outcome of one batch item.
func (m *Metrics) RecordStageItem(stage, status string) {
	m.StageItemsProcessed.WithLabelValues(stage, status).Inc()
}

// RecordPapersDiscovered records papers discovered by a search.
func (m *Metrics) RecordPapersDiscovered(count int) {
	m.PapersDiscovered.Add(float64(count))
}

// RecordPaperDuplicates records duplicate papers dropped during dedupe.
func (m *Metrics) RecordPaperDuplicates(count int) {
	m.PapersDuplicate.Add(float64(count))
}

// RecordPageOCRed records one OCRed page.
func (m *Metrics) RecordPageOCRed(outcome string) {
	m.PagesOCRed.WithLabelValues(outcome).Inc()
}

// RecordSearchRequest records a request to the arXiv API.
func (m *Metrics) RecordSearchRequest(endpoint string, durationSeconds float64) {
	m.SearchRequestsTotal.WithLabelValues(endpoint).Inc()
	m.SearchRequestDuration.WithLabelValues(endpoint).Observe(durationSeconds)
}

// RecordSearchRequestFailed records a failed request to the arXiv API.
func (m *Metrics) RecordSearchRequestFailed(endpoint, errorType string) {
	m.SearchRequestsFailed.WithLabelValues(endpoint, errorType).Inc()
}

// RecordLLMRequest records an LLM request.
func (m *Metrics) RecordLLMRequest(operation, model string, durationSeconds float64, inputTokens, outputTokens int) {
	m.LLMRequestsTotal.WithLabelValues(operation, model).Inc()
	m.LLMRequestDuration.WithLabelValues(operation, model).Observe(durationSeconds)
	m.LLMTokensUsed.WithLabelValues(operation, model, "input").Add(float64(inputTokens))
	m.LLMTokensUsed.WithLabelValues(operation, model, "output").Add(float64(outputTokens))
}

// RecordLLMRequestFailed records a failed LLM request.
func (m *Metrics) RecordLLMRequestFailed(operation, model, errorType string) {
	m.LLMRequestsFailed.WithLabelValues(operation, model, errorType).Inc()
}

// RecordLLMRetry records a structured-output retry attempt.
func (m *Metrics) RecordLLMRetry(operation string) {
	m.LLMRetries.WithLabelValues(operation).Inc()
}
