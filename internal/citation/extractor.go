// Package citation finds the references of a paper so they can be queued as
// new candidate papers.
package citation

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	"github.com/rs/zerolog"

	"github.com/helixir/crawler-extractor/internal/domain"
	"github.com/helixir/crawler-extractor/internal/llm"
)

const truncationMarker = "\n\n[...truncated for citation extraction...]\n\n"

// HeuristicExtractor treats every line that starts with a digit as a
// numbered reference. The text after the first period is the citation; lines
// with fewer than two words are skipped.
type HeuristicExtractor struct{}

// Extract never fails.
func (HeuristicExtractor) Extract(_ context.Context, text string) ([]domain.CitationRecord, error) {
	var citations []domain.CitationRecord
	for _, line := range strings.Split(text, "\n") {
		normalized := strings.TrimSpace(line)
		if normalized == "" || !unicode.IsDigit([]rune(normalized)[0]) {
			continue
		}
		title := normalized
		if _, tail, ok := strings.Cut(normalized, "."); ok {
			title = strings.TrimSpace(tail)
		}
		if len(strings.Fields(title)) < 2 {
			continue
		}
		citations = append(citations, domain.CitationRecord{RawText: title})
	}
	return citations, nil
}

// LLMExtractor asks a model for the reference list.
type LLMExtractor struct {
	client llm.Client
	prompt string
	budget llm.Budget
	logger zerolog.Logger
}

// NewLLMExtractor creates an extractor that sends prompt as system message.
func NewLLMExtractor(client llm.Client, prompt string, logger zerolog.Logger) (*LLMExtractor, error) {
	if strings.TrimSpace(prompt) == "" {
		return nil, fmt.Errorf("citation prompt text is required")
	}
	return &LLMExtractor{
		client: client,
		prompt: prompt,
		budget: llm.DefaultBudget(truncationMarker),
		logger: logger.With().Str("component", "citation_extractor").Logger(),
	}, nil
}

type citationResponse struct {
	Citations []struct {
		Citation string `json:"citation"`
	} `json:"citations"`
}

// Extract returns the citations found in text. Empty text yields none
// without calling the model.
func (e *LLMExtractor) Extract(ctx context.Context, text string) ([]domain.CitationRecord, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}

	resp, err := e.client.Complete(ctx, llm.Request{
		System: e.prompt,
		Prompt: e.budget.Truncate(text),
		JSON:   true,
		// Reference lists are long.
		MaxTokens: 8192,
	})
	if err != nil {
		return nil, fmt.Errorf("citation extraction via %s failed: %w", e.client.Provider(), err)
	}

	var parsed citationResponse
	if err := llm.DecodeJSON(resp.Content, &parsed); err != nil {
		return nil, err
	}

	citations := make([]domain.CitationRecord, 0, len(parsed.Citations))
	for _, c := range parsed.Citations {
		if raw := strings.TrimSpace(c.Citation); raw != "" {
			citations = append(citations, domain.CitationRecord{RawText: raw})
		}
	}
	e.logger.Debug().Int("citations", len(citations)).Str("model", resp.Model).Msg("citations extracted")
	return citations, nil
}
