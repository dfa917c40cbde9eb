package llm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubClient struct {
	calls int
	err   error
}

func (c *stubClient) GenerateCompletion(ctx context.Context, req CompletionRequest) (CompletionResponse, error) {
	c.calls++
	if c.err != nil {
		return CompletionResponse{}, c.err
	}
	return CompletionResponse{Content: "ok:" + req.Prompt}, nil
}

type stubEmbedder struct{}

func (stubEmbedder) BatchEmbed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{float32(i)}
	}
	return out, nil
}

type recordedCall struct {
	op      string
	success bool
}

type spyRecorder struct {
	calls []recordedCall
}

func (r *spyRecorder) ObserveProviderCall(op string, success bool, seconds float64) {
	r.calls = append(r.calls, recordedCall{op: op, success: success})
}

func TestThrottledClient_DelegatesAndRecords(t *testing.T) {
	inner := &stubClient{}
	rec := &spyRecorder{}
	client := NewThrottledClient(inner, 0, rec)

	resp, err := client.GenerateCompletion(context.Background(), CompletionRequest{Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "ok:hi", resp.Content)
	assert.Equal(t, 1, inner.calls)
	require.Len(t, rec.calls, 1)
	assert.Equal(t, recordedCall{op: "complete", success: true}, rec.calls[0])
}

func TestThrottledClient_RecordsFailure(t *testing.T) {
	inner := &stubClient{err: errors.New("boom")}
	rec := &spyRecorder{}
	client := NewThrottledClient(inner, 0, rec)

	_, err := client.GenerateCompletion(context.Background(), CompletionRequest{Prompt: "hi"})
	require.Error(t, err)
	require.Len(t, rec.calls, 1)
	assert.False(t, rec.calls[0].success)
}

func TestThrottledClient_ContextCanceledWhileWaiting(t *testing.T) {
	inner := &stubClient{}
	// 1分に1回: 2回目の呼び出しは待機になる
	client := NewThrottledClient(inner, 1.0/60, nil)

	_, err := client.GenerateCompletion(context.Background(), CompletionRequest{Prompt: "first"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = client.GenerateCompletion(ctx, CompletionRequest{Prompt: "second"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limiter wait failed")
	assert.Equal(t, 1, inner.calls)
}

func TestThrottledEmbedder_Delegates(t *testing.T) {
	rec := &spyRecorder{}
	embedder := NewThrottledEmbedder(stubEmbedder{}, 10, rec)

	vectors, err := embedder.BatchEmbed(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	assert.Len(t, vectors, 2)
	require.Len(t, rec.calls, 1)
	assert.Equal(t, "embed", rec.calls[0].op)
}

func TestProviderError_IsAndUnwrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := error(NewProviderError("embed", cause))

	assert.True(t, errors.Is(err, ErrProvider))
	assert.True(t, errors.Is(err, cause))
	assert.Contains(t, err.Error(), "provider embed failed")

	var pe *ProviderError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, "embed", pe.Op)
}
