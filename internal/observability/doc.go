// Package observability provides logging and metrics support for the
// crawler.
//
// # Logging
//
// Create a logger from configuration:
//
//	logger := observability.NewLogger(observability.LoggingConfig{
//	    Level:   "info",
//	    Format:  "json",
//	    Service: "crawler-worker",
//	})
//	logger.Info().Str("paper_id", id).Msg("stage_start")
//
// Stage code enriches loggers with WithPaperContext and WithStageContext, and
// request scoped code uses LoggerFromContext with the values stored by
// WithRequestID, WithRunID, WithPaperID and WithStage.
//
// # Metrics
//
//	metrics := observability.NewMetrics("crawler")
//	metrics.RecordStage("scoring", observability.ResultSuccess, 1.2)
//
// Collectors register with the default Prometheus registry, which the
// /metrics endpoint serves.
//
// # Standard Fields
//
//   - request_id: admin API request identifier
//   - run_id: batch run identifier
//   - paper_id: paper identifier
//   - stage: stage name (pdf_acquisition, text_extraction, scoring, citations, pgx_extraction)
//   - level, state: paper level and state at the start of a stage
//   - duration_ms: stage duration
//
// All components are safe for concurrent use from multiple goroutines.
package observability
