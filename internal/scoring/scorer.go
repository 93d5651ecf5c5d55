// Package scoring rates paper text for relevance with an LLM, using a
// scoring prompt chosen by the paper's seed number.
package scoring

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/helixir/crawler-extractor/internal/domain"
	"github.com/helixir/crawler-extractor/internal/llm"
)

// Scores outside [MinScore, MaxScore] are rejected.
const (
	MinScore = 0.0
	MaxScore = 10.0
)

const truncationMarker = "\n\n[...truncated for scoring...]\n\n"

// ErrEmptyText is returned when there is nothing to score.
var ErrEmptyText = errors.New("scoring: paper text must not be empty")

// Scorer scores paper text with an LLM.
type Scorer struct {
	client  llm.Client
	prompts *PromptTable
	budget  llm.Budget
	logger  zerolog.Logger
}

// NewScorer creates a scorer.
func NewScorer(client llm.Client, prompts *PromptTable, logger zerolog.Logger) *Scorer {
	return &Scorer{
		client:  client,
		prompts: prompts,
		budget:  llm.DefaultBudget(truncationMarker),
		logger:  logger.With().Str("component", "scorer").Logger(),
	}
}

type scoreResponse struct {
	Score  *float64 `json:"score"`
	Reason string   `json:"reason"`
}

// Score rates text. seed selects the prompt; nil uses the default prompt.
func (s *Scorer) Score(ctx context.Context, text string, seed *int) (*domain.ScoreResult, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyText
	}
	prompt, err := s.prompts.PromptFor(seed)
	if err != nil {
		return nil, err
	}

	resp, err := s.client.Complete(ctx, llm.Request{
		System:    prompt,
		Prompt:    s.budget.Truncate(text),
		JSON:      true,
		MaxTokens: 512,
	})
	if err != nil {
		return nil, fmt.Errorf("scoring via %s failed: %w", s.client.Provider(), err)
	}

	var parsed scoreResponse
	if err := llm.DecodeJSON(resp.Content, &parsed); err != nil {
		return nil, err
	}
	if parsed.Score == nil {
		return nil, fmt.Errorf("scoring: response has no score")
	}
	if *parsed.Score < MinScore || *parsed.Score > MaxScore {
		return nil, fmt.Errorf("scoring: score %.2f outside [%.0f, %.0f]", *parsed.Score, MinScore, MaxScore)
	}

	result := &domain.ScoreResult{
		Score:      *parsed.Score,
		Reason:     strings.TrimSpace(parsed.Reason),
		ModelName:  resp.Model,
		DurationMS: int(resp.Duration.Milliseconds()),
	}
	s.logger.Debug().
		Float64("score", result.Score).
		Str("model", result.ModelName).
		Int("duration_ms", result.DurationMS).
		Int("input_tokens", resp.InputTokens).
		Msg("paper scored")
	return result, nil
}
