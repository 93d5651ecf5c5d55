package llm

import (
	"context"
	"fmt"
	"time"
)

// withRetries calls fn until it succeeds, fails permanently or maxRetries
// retries were spent. backoff returns the wait before retry number attempt.
func withRetries(ctx context.Context, provider string, maxRetries int, backoff func(attempt int) time.Duration, fn func() (*Response, error)) (*Response, error) {
	start := time.Now()
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(backoff(attempt))
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, fmt.Errorf("%s: context cancelled during retry wait: %w", provider, ctx.Err())
			case <-timer.C:
			}
		}

		resp, err := fn()
		if err == nil {
			resp.Duration = time.Since(start)
			return resp, nil
		}
		if !IsTransient(err) {
			return nil, err
		}
		lastErr = err
	}

	return nil, fmt.Errorf("%s: exhausted %d retries: %w", provider, maxRetries, lastErr)
}
