// Package app assembles the pipeline from configuration. Both binaries share
// it so the server and the worker drive identical stage implementations.
package app

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/helixir/crawler-extractor/internal/citation"
	"github.com/helixir/crawler-extractor/internal/config"
	"github.com/helixir/crawler-extractor/internal/llm"
	"github.com/helixir/crawler-extractor/internal/observability"
	"github.com/helixir/crawler-extractor/internal/pdf"
	"github.com/helixir/crawler-extractor/internal/pgxextract"
	"github.com/helixir/crawler-extractor/internal/pipeline"
	"github.com/helixir/crawler-extractor/internal/repository"
	"github.com/helixir/crawler-extractor/internal/scoring"
	"github.com/helixir/crawler-extractor/internal/storage"
	"github.com/helixir/crawler-extractor/internal/textextract"
	"github.com/helixir/crawler-extractor/internal/websearch"
	"github.com/helixir/crawler-extractor/prompts"
)

// MetricsNamespace prefixes every exported metric.
const MetricsNamespace = "crawler_extractor"

// Pipeline holds the assembled pipeline drivers.
type Pipeline struct {
	Processor    *pipeline.Processor
	Runner       *pipeline.Runner
	Orchestrator *pipeline.Orchestrator
	Harness      *pipeline.Harness
	Backfiller   *pipeline.Backfiller
}

// NewPipeline wires the stage collaborators described by cfg around repo and
// store. metrics may be nil.
func NewPipeline(cfg *config.Config, repo repository.PaperRepository, store storage.Gateway, metrics *observability.Metrics, logger zerolog.Logger) (*Pipeline, error) {
	opts := pipeline.OptionsFromConfig(cfg.Pipeline)
	promptSrc := prompts.Source(cfg.Prompts.Dir)

	client, err := llm.NewClient(llm.FactoryConfig{
		Provider:    cfg.LLM.Provider,
		Temperature: cfg.LLM.Temperature,
		Timeout:     cfg.LLM.Timeout,
		MaxRetries:  cfg.LLM.MaxRetries,
		OpenAI: llm.OpenAIConfig{
			APIKey:  cfg.LLM.OpenAI.APIKey,
			Model:   cfg.LLM.OpenAI.Model,
			BaseURL: cfg.LLM.OpenAI.BaseURL,
		},
		Anthropic: llm.AnthropicConfig{
			APIKey:  cfg.LLM.Anthropic.APIKey,
			Model:   cfg.LLM.Anthropic.Model,
			BaseURL: cfg.LLM.Anthropic.BaseURL,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("create llm client: %w", err)
	}
	var recorder llm.Recorder
	if metrics != nil {
		recorder = metrics
	}

	table, err := scoring.NewPromptTable(promptSrc, cfg.Prompts)
	if err != nil {
		return nil, fmt.Errorf("load scoring prompts: %w", err)
	}
	scorer := scoring.NewScorer(llm.Instrument(client, "scoring", recorder), table, logger)

	citationPrompt, err := prompts.Read(promptSrc, cfg.Prompts.Citation)
	if err != nil {
		return nil, fmt.Errorf("load citation prompt: %w", err)
	}
	citations, err := citation.NewLLMExtractor(llm.Instrument(client, "citations", recorder), citationPrompt, logger)
	if err != nil {
		return nil, fmt.Errorf("create citation extractor: %w", err)
	}

	pgxPrompt, err := prompts.Read(promptSrc, cfg.Prompts.Pgx)
	if err != nil {
		return nil, fmt.Errorf("load pgx prompt: %w", err)
	}
	pgx, err := pgxextract.NewExtractor(llm.Instrument(client, "pgx_extraction", recorder), pgxPrompt, pgxextract.Options{
		PagesPerChunk: cfg.Pipeline.PgxPagesPerChunk,
		MaxChunkChars: cfg.Pipeline.PgxMaxChunkChars,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("create pgx extractor: %w", err)
	}

	downloader := pdf.NewDownloader(cfg.PDF, pdf.Options{Denylist: opts.BlockedHosts})
	fetcher := pdf.NewFetcher(downloader, newSearcher(cfg, logger), opts.BlockedHosts, logger)

	proc := pipeline.NewProcessor(pipeline.Services{
		Repo:      repo,
		Storage:   store,
		Fetcher:   fetcher,
		Text:      textextract.NewExtractor(store, logger),
		Scorer:    scorer,
		Citations: citations,
		Pgx:       pgx,
	}, opts, metrics, logger)
	runner := pipeline.NewRunner(proc, logger)

	return &Pipeline{
		Processor:    proc,
		Runner:       runner,
		Orchestrator: pipeline.NewOrchestrator(runner, metrics, logger),
		Harness:      pipeline.NewHarness(runner),
		Backfiller:   pipeline.NewBackfiller(repo, store, metrics, logger),
	}, nil
}

// newSearcher returns nil when web search is disabled or lacks credentials.
func newSearcher(cfg *config.Config, logger zerolog.Logger) pdf.Searcher {
	if !cfg.Search.Enabled {
		return nil
	}
	httpClient := websearch.NewHTTPClient(websearch.HTTPClientConfig{
		Timeout:    cfg.Search.Timeout,
		RateLimit:  cfg.Search.RateLimit,
		BurstSize:  1,
		MaxRetries: 3,
		RetryDelay: 2 * time.Second,
		UserAgent:  cfg.PDF.UserAgent,
	})
	google := websearch.NewGoogleClient(cfg.Search, httpClient, logger)
	if !google.Configured() {
		logger.Warn().Msg("web search enabled without credentials, falling back to direct URLs")
		return nil
	}
	return google
}
