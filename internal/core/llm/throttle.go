package llm

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// ThrottledClient はレート制限と計測を付与した Client
type ThrottledClient struct {
	client   Client
	limiter  *rate.Limiter
	recorder Recorder
}

// ThrottledEmbedder はレート制限と計測を付与した Embedder
type ThrottledEmbedder struct {
	embedder Embedder
	limiter  *rate.Limiter
	recorder Recorder
}

// newLimiter は 1 秒あたりのリクエスト数から Limiter を作成する
// requestsPerSecond <= 0 の場合は無制限
func newLimiter(requestsPerSecond float64) *rate.Limiter {
	if requestsPerSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	burst := int(requestsPerSecond)
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(requestsPerSecond), burst)
}

// NewThrottledClient はレート制限付きのLLMクライアントを作成する
func NewThrottledClient(client Client, requestsPerSecond float64, recorder Recorder) *ThrottledClient {
	if recorder == nil {
		recorder = NoopRecorder()
	}
	return &ThrottledClient{
		client:   client,
		limiter:  newLimiter(requestsPerSecond),
		recorder: recorder,
	}
}

// GenerateCompletion はレート制限に従ってLLM APIを呼び出す
func (tc *ThrottledClient) GenerateCompletion(ctx context.Context, req CompletionRequest) (CompletionResponse, error) {
	if err := tc.limiter.Wait(ctx); err != nil {
		return CompletionResponse{}, fmt.Errorf("rate limiter wait failed: %w", err)
	}

	start := time.Now()
	resp, err := tc.client.GenerateCompletion(ctx, req)
	tc.recorder.ObserveProviderCall("complete", err == nil, time.Since(start).Seconds())

	return resp, err
}

// NewThrottledEmbedder はレート制限付きのEmbedderを作成する
func NewThrottledEmbedder(embedder Embedder, requestsPerSecond float64, recorder Recorder) *ThrottledEmbedder {
	if recorder == nil {
		recorder = NoopRecorder()
	}
	return &ThrottledEmbedder{
		embedder: embedder,
		limiter:  newLimiter(requestsPerSecond),
		recorder: recorder,
	}
}

// BatchEmbed はレート制限に従ってEmbedding APIを呼び出す
func (te *ThrottledEmbedder) BatchEmbed(ctx context.Context, texts []string) ([][]float32, error) {
	if err := te.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter wait failed: %w", err)
	}

	start := time.Now()
	vectors, err := te.embedder.BatchEmbed(ctx, texts)
	te.recorder.ObserveProviderCall("embed", err == nil, time.Since(start).Seconds())

	return vectors, err
}

var (
	_ Client   = (*ThrottledClient)(nil)
	_ Embedder = (*ThrottledEmbedder)(nil)
)
