package openai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"

	"github.com/jinford/product-rag/internal/core/llm"
)

const (
	// DefaultModel はデフォルトで使用するチャットモデル
	DefaultModel = "qwen3:8b"

	// DefaultTimeout はAPI呼び出しのデフォルトタイムアウト
	DefaultTimeout = 60 * time.Second

	// MaxRetries はレート制限エラー時の最大リトライ回数
	MaxRetries = 3

	// BaseBackoff はExponential Backoffの基底時間
	BaseBackoff = 2 * time.Second

	// MaxBackoff はExponential Backoffの最大待機時間
	MaxBackoff = 32 * time.Second
)

// ChatClient は OpenAI 互換APIを使用した LLM クライアント実装
type ChatClient struct {
	client       openai.Client
	model        string
	timeout      time.Duration
	maxRetries   int
	baseBackoff  time.Duration
	maxBackoff   time.Duration
	tokenCounter *TokenCounter
	logger       *slog.Logger
}

// ChatOption は ChatClient のオプション
type ChatOption func(*chatOptions)

type chatOptions struct {
	model          string
	timeout        time.Duration
	maxRetries     int
	baseBackoff    time.Duration
	maxBackoff     time.Duration
	tokenCounter   *TokenCounter
	logger         *slog.Logger
	requestOptions []option.RequestOption
}

// WithChatModel はモデル名を上書きする
func WithChatModel(model string) ChatOption {
	return func(o *chatOptions) {
		if model != "" {
			o.model = model
		}
	}
}

// WithTimeout はAPIコールのタイムアウトを設定する
func WithTimeout(timeout time.Duration) ChatOption {
	return func(o *chatOptions) {
		if timeout > 0 {
			o.timeout = timeout
		}
	}
}

// WithRetryPolicy はレート制限時のリトライ回数とバックオフを設定する
func WithRetryPolicy(maxRetries int, base, max time.Duration) ChatOption {
	return func(o *chatOptions) {
		o.maxRetries = maxRetries
		o.baseBackoff = base
		o.maxBackoff = max
	}
}

// WithTokenCounter はAPIが使用量を返さない場合のトークン計数を設定する
func WithTokenCounter(tc *TokenCounter) ChatOption {
	return func(o *chatOptions) {
		o.tokenCounter = tc
	}
}

// WithChatLogger はロガーを設定する
func WithChatLogger(logger *slog.Logger) ChatOption {
	return func(o *chatOptions) {
		o.logger = logger
	}
}

// WithChatRequestOptions は SDK のリクエストオプションを追加する
func WithChatRequestOptions(opts ...option.RequestOption) ChatOption {
	return func(o *chatOptions) {
		o.requestOptions = append(o.requestOptions, opts...)
	}
}

// NewChatClient は新しい ChatClient を作成する
// baseURL は OpenAI 互換エンドポイント（例: Ollama の http://localhost:11434/v1）
func NewChatClient(baseURL, apiKey string, opts ...ChatOption) *ChatClient {
	options := chatOptions{
		model:       DefaultModel,
		timeout:     DefaultTimeout,
		maxRetries:  MaxRetries,
		baseBackoff: BaseBackoff,
		maxBackoff:  MaxBackoff,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(&options)
	}

	return &ChatClient{
		client:       openai.NewClient(clientOptions(baseURL, apiKey, options.requestOptions)...),
		model:        options.model,
		timeout:      options.timeout,
		maxRetries:   options.maxRetries,
		baseBackoff:  options.baseBackoff,
		maxBackoff:   options.maxBackoff,
		tokenCounter: options.tokenCounter,
		logger:       options.logger,
	}
}

// clientOptions は SDK クライアントの共通オプションを組み立てる
// SDK 側の自動リトライは無効にし、レート制限のリトライはこのパッケージで行う
func clientOptions(baseURL, apiKey string, extra []option.RequestOption) []option.RequestOption {
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return append(opts, extra...)
}

// ModelName はモデル名を返す
func (c *ChatClient) ModelName() string {
	return c.model
}

// GenerateCompletion は単一のユーザーメッセージでテキストを生成する
func (c *ChatClient) GenerateCompletion(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	model := c.model
	if req.Model != "" {
		model = req.Model
	}

	return c.generateWithRetry(ctx, model, req)
}

func (c *ChatClient) generateWithRetry(ctx context.Context, model string, req llm.CompletionRequest) (llm.CompletionResponse, error) {
	var lastErr error

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := c.backoff(attempt)
			c.logger.Warn("rate limited, retrying chat completion", "attempt", attempt, "backoff", backoff)

			select {
			case <-ctx.Done():
				return llm.CompletionResponse{}, llm.NewProviderError("complete", ctx.Err())
			case <-time.After(backoff):
			}
		}

		params := openai.ChatCompletionNewParams{
			Model: shared.ChatModel(model),
			Messages: []openai.ChatCompletionMessageParamUnion{
				openai.UserMessage(req.Prompt),
			},
			Temperature: openai.Float(req.Temperature),
		}

		if req.MaxTokens > 0 {
			params.MaxTokens = openai.Int(int64(req.MaxTokens))
		}

		completion, err := c.client.Chat.Completions.New(ctx, params)
		if err != nil {
			lastErr = err

			if isRateLimitError(err) {
				continue
			}

			return llm.CompletionResponse{}, llm.NewProviderError("complete", fmt.Errorf("chat completion failed: %w", err))
		}

		if len(completion.Choices) == 0 {
			return llm.CompletionResponse{}, llm.NewProviderError("complete", errors.New("no completion choices returned"))
		}

		content := completion.Choices[0].Message.Content
		tokensUsed := int(completion.Usage.TotalTokens)
		if tokensUsed == 0 && c.tokenCounter != nil {
			tokensUsed = c.tokenCounter.CountPromptAndResponse(req.Prompt, content).TotalTokens
		}

		return llm.CompletionResponse{
			Content:    content,
			TokensUsed: tokensUsed,
			Model:      string(completion.Model),
		}, nil
	}

	return llm.CompletionResponse{}, llm.NewProviderError("complete",
		fmt.Errorf("%w: %w: %v", llm.ErrMaxRetriesExceeded, llm.ErrRateLimitExceeded, lastErr))
}

func (c *ChatClient) backoff(attempt int) time.Duration {
	d := time.Duration(math.Pow(2, float64(attempt-1))) * c.baseBackoff
	if d > c.maxBackoff {
		d = c.maxBackoff
	}
	return d
}

func isRateLimitError(err error) bool {
	if err == nil {
		return false
	}

	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429
	}

	return false
}

// インターフェース実装の確認
var _ llm.Client = (*ChatClient)(nil)
