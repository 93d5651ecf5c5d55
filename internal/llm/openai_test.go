package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Compile-time check that OpenAIProvider implements Client.
var _ Client = (*OpenAIProvider)(nil)

func newOpenAITestServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return server
}

func newOpenAITestProvider(t *testing.T, serverURL string, maxRetries int) *OpenAIProvider {
	t.Helper()
	provider := NewOpenAIProvider(OpenAIConfig{
		APIKey:  "test-api-key",
		Model:   "gpt-4o-mini",
		BaseURL: serverURL,
	}, 0, 10*time.Second, maxRetries)
	provider.retryDelay = time.Millisecond
	return provider
}

func writeChatResponse(w http.ResponseWriter, content string) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(chatResponse{
		ID:    "chatcmpl-abc123",
		Model: "gpt-4o-mini-2024-07-18",
		Choices: []chatChoice{{
			Message:      chatMessage{Role: "assistant", Content: content},
			FinishReason: "stop",
		}},
		Usage: chatUsage{PromptTokens: 150, CompletionTokens: 45, TotalTokens: 195},
	})
}

func TestOpenAIProvider_Complete(t *testing.T) {
	t.Run("sends system and user messages in JSON mode", func(t *testing.T) {
		var received chatRequest
		var auth string

		server := newOpenAITestServer(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/chat/completions", r.URL.Path)
			auth = r.Header.Get("Authorization")
			body, err := io.ReadAll(r.Body)
			require.NoError(t, err)
			require.NoError(t, json.Unmarshal(body, &received))
			writeChatResponse(w, `{"score": 8, "reason": "relevant"}`)
		})

		provider := newOpenAITestProvider(t, server.URL, 0)
		resp, err := provider.Complete(context.Background(), Request{
			System: "Score this paper.",
			Prompt: "Paper text",
			JSON:   true,
		})

		require.NoError(t, err)
		assert.Equal(t, `{"score": 8, "reason": "relevant"}`, resp.Content)
		assert.Equal(t, "gpt-4o-mini-2024-07-18", resp.Model)
		assert.Equal(t, 150, resp.InputTokens)
		assert.Equal(t, 45, resp.OutputTokens)

		assert.Equal(t, "Bearer test-api-key", auth)
		require.Len(t, received.Messages, 2)
		assert.Equal(t, "system", received.Messages[0].Role)
		assert.Equal(t, "Paper text", received.Messages[1].Content)
		require.NotNil(t, received.ResponseFormat)
		assert.Equal(t, "json_object", received.ResponseFormat.Type)
		assert.Equal(t, defaultOpenAIMaxTokens, received.MaxTokens)
	})

	t.Run("omits system message and response format when unset", func(t *testing.T) {
		var received chatRequest
		server := newOpenAITestServer(t, func(w http.ResponseWriter, r *http.Request) {
			require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
			writeChatResponse(w, "plain text")
		})

		_, err := newOpenAITestProvider(t, server.URL, 0).Complete(context.Background(), Request{Prompt: "hi", MaxTokens: 10})
		require.NoError(t, err)
		require.Len(t, received.Messages, 1)
		assert.Nil(t, received.ResponseFormat)
		assert.Equal(t, 10, received.MaxTokens)
	})

	t.Run("retries transient errors", func(t *testing.T) {
		var calls int32
		server := newOpenAITestServer(t, func(w http.ResponseWriter, r *http.Request) {
			if atomic.AddInt32(&calls, 1) < 3 {
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = w.Write([]byte(`{"error":{"message":"overloaded","type":"server_error"}}`))
				return
			}
			writeChatResponse(w, "ok")
		})

		resp, err := newOpenAITestProvider(t, server.URL, 2).Complete(context.Background(), Request{Prompt: "x"})
		require.NoError(t, err)
		assert.Equal(t, "ok", resp.Content)
		assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	})

	t.Run("gives up after max retries", func(t *testing.T) {
		var calls int32
		server := newOpenAITestServer(t, func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&calls, 1)
			w.WriteHeader(http.StatusTooManyRequests)
		})

		_, err := newOpenAITestProvider(t, server.URL, 1).Complete(context.Background(), Request{Prompt: "x"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "exhausted 1 retries")
		assert.Equal(t, int32(2), atomic.LoadInt32(&calls))

		var apiErr *APIError
		require.True(t, errors.As(err, &apiErr))
		assert.Equal(t, http.StatusTooManyRequests, apiErr.StatusCode)
	})

	t.Run("does not retry client errors", func(t *testing.T) {
		var calls int32
		server := newOpenAITestServer(t, func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&calls, 1)
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":{"message":"bad key","type":"invalid_request_error","code":"invalid_api_key"}}`))
		})

		_, err := newOpenAITestProvider(t, server.URL, 3).Complete(context.Background(), Request{Prompt: "x"})
		var apiErr *APIError
		require.True(t, errors.As(err, &apiErr))
		assert.Equal(t, "bad key", apiErr.Message)
		assert.Equal(t, "invalid_api_key", apiErr.Code)
		assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	})

	t.Run("empty choices", func(t *testing.T) {
		server := newOpenAITestServer(t, func(w http.ResponseWriter, r *http.Request) {
			_ = json.NewEncoder(w).Encode(chatResponse{ID: "x"})
		})

		_, err := newOpenAITestProvider(t, server.URL, 0).Complete(context.Background(), Request{Prompt: "x"})
		assert.True(t, errors.Is(err, ErrEmptyResponse))
	})

	t.Run("context cancellation stops retries", func(t *testing.T) {
		server := newOpenAITestServer(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		})
		provider := newOpenAITestProvider(t, server.URL, 5)
		provider.retryDelay = time.Second

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		_, err := provider.Complete(ctx, Request{Prompt: "x"})
		require.Error(t, err)
		assert.True(t, errors.Is(err, context.DeadlineExceeded))
	})
}
