package openai

import (
	"context"
	"fmt"
	"sort"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/jinford/product-rag/internal/core/llm"
)

// Embedder は OpenAI 互換APIを使用してテキストをベクトルに変換する
type Embedder struct {
	client    openai.Client
	model     string
	dimension int
	maxBatch  int
}

const (
	// DefaultEmbeddingModel はモデル未指定時のデフォルトモデル
	DefaultEmbeddingModel = "nomic-embed-text:latest"
	// DefaultMaxBatchSize は1リクエストに含めるテキスト数の上限
	DefaultMaxBatchSize = 256
)

type embedderOptions struct {
	model          string
	dimension      int
	maxBatch       int
	requestOptions []option.RequestOption
}

// EmbedderOption は Embedder のオプション設定
type EmbedderOption func(*embedderOptions)

// WithEmbeddingModel はモデル名を上書きする
func WithEmbeddingModel(model string) EmbedderOption {
	return func(o *embedderOptions) {
		if model != "" {
			o.model = model
		}
	}
}

// WithEmbeddingDimension はベクトル次元を上書きする（0 はプロバイダ既定）
func WithEmbeddingDimension(dimension int) EmbedderOption {
	return func(o *embedderOptions) {
		o.dimension = dimension
	}
}

// WithMaxBatchSize は1リクエストあたりのテキスト数の上限を設定する
func WithMaxBatchSize(n int) EmbedderOption {
	return func(o *embedderOptions) {
		if n > 0 {
			o.maxBatch = n
		}
	}
}

// WithEmbedderRequestOptions は SDK のリクエストオプションを追加する
func WithEmbedderRequestOptions(opts ...option.RequestOption) EmbedderOption {
	return func(o *embedderOptions) {
		o.requestOptions = append(o.requestOptions, opts...)
	}
}

// NewEmbedder は新しい Embedder を作成する
func NewEmbedder(baseURL, apiKey string, opts ...EmbedderOption) *Embedder {
	options := embedderOptions{
		model:    DefaultEmbeddingModel,
		maxBatch: DefaultMaxBatchSize,
	}
	for _, opt := range opts {
		opt(&options)
	}

	return &Embedder{
		client:    openai.NewClient(clientOptions(baseURL, apiKey, options.requestOptions)...),
		model:     options.model,
		dimension: options.dimension,
		maxBatch:  options.maxBatch,
	}
}

// BatchEmbed はテキスト列の Embedding を入力と同じ順序で返す
// 上限を超える入力は複数のリクエストに分割する
func (e *Embedder) BatchEmbed(ctx context.Context, texts []string) ([][]float32, error) {
	embeddings := make([][]float32, 0, len(texts))

	for start := 0; start < len(texts); start += e.maxBatch {
		end := min(start+e.maxBatch, len(texts))

		vectors, err := e.embedChunk(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		embeddings = append(embeddings, vectors...)
	}

	return embeddings, nil
}

func (e *Embedder) embedChunk(ctx context.Context, texts []string) ([][]float32, error) {
	params := openai.EmbeddingNewParams{
		Model: openai.EmbeddingModel(e.model),
	}

	if len(texts) == 1 {
		params.Input = openai.EmbeddingNewParamsInputUnion{
			OfString: openai.String(texts[0]),
		}
	} else {
		params.Input = openai.EmbeddingNewParamsInputUnion{
			OfArrayOfStrings: texts,
		}
	}

	if e.dimension > 0 {
		params.Dimensions = openai.Int(int64(e.dimension))
	}

	resp, err := e.client.Embeddings.New(ctx, params)
	if err != nil {
		return nil, llm.NewProviderError("embed", fmt.Errorf("failed to generate embeddings: %w", err))
	}

	if len(resp.Data) != len(texts) {
		return nil, llm.NewProviderError("embed",
			fmt.Errorf("%w: want %d, got %d", llm.ErrEmbeddingCountMismatch, len(texts), len(resp.Data)))
	}

	data := resp.Data
	sort.SliceStable(data, func(i, j int) bool { return data[i].Index < data[j].Index })

	embeddings := make([][]float32, len(data))
	for i, d := range data {
		vector := make([]float32, len(d.Embedding))
		for j, v := range d.Embedding {
			vector[j] = float32(v)
		}
		embeddings[i] = vector
	}

	return embeddings, nil
}

// ModelName はモデル名を返す
func (e *Embedder) ModelName() string {
	return e.model
}

// Dimension はベクトル次元数を返す（0 はプロバイダ既定）
func (e *Embedder) Dimension() int {
	return e.dimension
}

// MaxBatchSize は1リクエストあたりのテキスト数の上限を返す
func (e *Embedder) MaxBatchSize() int {
	return e.maxBatch
}

// インターフェース実装の確認
var _ llm.Embedder = (*Embedder)(nil)
