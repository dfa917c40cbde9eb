package openai

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jinford/product-rag/internal/core/llm"
)

type chatRequest struct {
	Model       string  `json:"model"`
	Temperature float64 `json:"temperature"`
	Messages    []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
}

func writeCompletion(w http.ResponseWriter, model, content string, totalTokens int) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"id":      "chatcmpl-1",
		"object":  "chat.completion",
		"created": 0,
		"model":   model,
		"choices": []map[string]any{{
			"index":         0,
			"finish_reason": "stop",
			"message":       map[string]any{"role": "assistant", "content": content},
		}},
		"usage": map[string]any{
			"prompt_tokens":     totalTokens,
			"completion_tokens": 0,
			"total_tokens":      totalTokens,
		},
	})
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestChatClient_GenerateCompletionSendsSingleUserMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "/chat/completions"), r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))

		var req chatRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "override-model", req.Model)
		assert.Equal(t, 0.0, req.Temperature)
		if assert.Len(t, req.Messages, 1) {
			assert.Equal(t, "user", req.Messages[0].Role)
			assert.Equal(t, "промпт", req.Messages[0].Content)
		}

		writeCompletion(w, req.Model, "платье", 12)
	}))
	defer srv.Close()

	client := NewChatClient(srv.URL+"/v1", "secret", WithChatModel("qwen3:8b"), WithChatLogger(quietLogger()))

	resp, err := client.GenerateCompletion(t.Context(), llm.CompletionRequest{
		Prompt:      "промпт",
		Temperature: 0,
		Model:       "override-model",
	})
	require.NoError(t, err)
	assert.Equal(t, "платье", resp.Content)
	assert.Equal(t, 12, resp.TokensUsed)
	assert.Equal(t, "override-model", resp.Model)
}

func TestChatClient_RetriesRateLimit(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error": {"message": "slow down", "type": "rate_limit"}}`))
			return
		}
		writeCompletion(w, "m", "ok", 1)
	}))
	defer srv.Close()

	client := NewChatClient(srv.URL+"/v1", "key",
		WithRetryPolicy(3, time.Millisecond, 5*time.Millisecond),
		WithChatLogger(quietLogger()),
	)

	resp, err := client.GenerateCompletion(t.Context(), llm.CompletionRequest{Prompt: "p"})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestChatClient_RateLimitExhausted(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error": {"message": "slow down", "type": "rate_limit"}}`))
	}))
	defer srv.Close()

	client := NewChatClient(srv.URL+"/v1", "key",
		WithRetryPolicy(2, time.Millisecond, time.Millisecond),
		WithChatLogger(quietLogger()),
	)

	_, err := client.GenerateCompletion(t.Context(), llm.CompletionRequest{Prompt: "p"})
	require.Error(t, err)
	assert.ErrorIs(t, err, llm.ErrProvider)
	assert.ErrorIs(t, err, llm.ErrMaxRetriesExceeded)
	assert.ErrorIs(t, err, llm.ErrRateLimitExceeded)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestChatClient_ServerErrorNotRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(`{"error": {"message": "upstream", "type": "server_error"}}`))
	}))
	defer srv.Close()

	client := NewChatClient(srv.URL+"/v1", "key", WithChatLogger(quietLogger()))

	_, err := client.GenerateCompletion(t.Context(), llm.CompletionRequest{Prompt: "p"})
	require.Error(t, err)
	assert.ErrorIs(t, err, llm.ErrProvider)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestChatClient_EstimatesTokensWhenUsageMissing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeCompletion(w, "m", "ответ", 0)
	}))
	defer srv.Close()

	// エンコーディングなしの TokenCounter は文字数から推定する
	client := NewChatClient(srv.URL+"/v1", "key", WithTokenCounter(&TokenCounter{}), WithChatLogger(quietLogger()))

	resp, err := client.GenerateCompletion(t.Context(), llm.CompletionRequest{Prompt: "двенадцать!!"})
	require.NoError(t, err)
	assert.Equal(t, EstimateTokens("двенадцать!!")+EstimateTokens("ответ"), resp.TokensUsed)
}
