package llm

import (
	"context"
	"errors"
	"fmt"
)

// Recorder receives per-request LLM metrics. *observability.Metrics
// implements it.
type Recorder interface {
	RecordLLMRequest(operation, model string, durationSeconds float64, inputTokens, outputTokens int)
	RecordLLMRequestFailed(operation, model, errorType string)
}

type instrumentedClient struct {
	Client
	operation string
	recorder  Recorder
}

// Instrument wraps client so every Complete call is recorded under
// operation. A nil recorder returns client unchanged.
func Instrument(client Client, operation string, recorder Recorder) Client {
	if recorder == nil {
		return client
	}
	return &instrumentedClient{Client: client, operation: operation, recorder: recorder}
}

// Complete forwards to the wrapped client and records the outcome.
func (c *instrumentedClient) Complete(ctx context.Context, req Request) (*Response, error) {
	resp, err := c.Client.Complete(ctx, req)
	if err != nil {
		c.recorder.RecordLLMRequestFailed(c.operation, c.Client.Model(), ErrorType(err))
		return nil, err
	}
	model := resp.Model
	if model == "" {
		model = c.Client.Model()
	}
	c.recorder.RecordLLMRequest(c.operation, model, resp.Duration.Seconds(), resp.InputTokens, resp.OutputTokens)
	return resp, nil
}

// ErrorType classifies err for metrics labeling.
func ErrorType(err error) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		if apiErr.Type != "" {
			return apiErr.Type
		}
		return fmt.Sprintf("http_%d", apiErr.StatusCode)
	}
	if errors.Is(err, ErrEmptyResponse) {
		return "empty_response"
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return "context"
	}
	return "unknown"
}
