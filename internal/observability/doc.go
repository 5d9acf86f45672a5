// Package observability provides logging and metrics support for the paper
// pipeline service.
//
// # Overview
//
// The observability package provides:
//
//   - Structured logging with zerolog
//   - Prometheus metrics for sessions, stages, papers, and LLM calls
//   - Context helpers for propagating observability data
//
// # Logging
//
// Create a logger from configuration:
//
//	cfg := observability.LoggingConfig{
//	    Level:     "info",
//	    Format:    "json",
//	    Output:    "stdout",
//	    AddSource: true,
//	}
//
//	logger := observability.NewLogger(cfg)
//	logger.Info().Str("session_id", sessionID).Msg("session started")
//
// Add session context to logger:
//
//	logger = observability.WithSessionContext(logger, sessionID)
//
// # Metrics
//
// Initialize metrics:
//
//	metrics := observability.NewMetrics("paperpipeline")
//
// Record metrics:
//
//	metrics.RecordSessionStarted()
//	metrics.RecordStageCompleted("paper-search", "ok", elapsed.Seconds())
//	metrics.RecordPapersDiscovered(42)
//
// # Context Helpers
//
// Store and retrieve request context:
//
//	ctx = observability.WithRequestID(ctx, requestID)
//	ctx = observability.WithSessionID(ctx, sessionID)
//
//	reqID := observability.RequestIDFromContext(ctx)
//	sessionID := observability.SessionIDFromContext(ctx)
//
// # Standard Fields
//
// Common fields used across the service:
//
//   - session_id: Pipeline session identifier
//   - stage: Pipeline stage name
//   - keyword: Search keyword
//   - paper_id: Paper identifier
//   - arxiv_id: arXiv identifier
//   - attempt: Retry attempt number
//
// # Thread Safety
//
// All components are safe for concurrent use from multiple goroutines.
package observability
