package normalize

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/samber/mo"

	"github.com/jinford/product-rag/internal/core/catalog"
	"github.com/jinford/product-rag/internal/core/llm"
	"github.com/jinford/product-rag/internal/core/vectorindex"
)

// SchemaLookup は型名からスキーマを引くためのポート
type SchemaLookup interface {
	GetSchemaByType(ctx context.Context, schemaType string) (*catalog.Schema, error)
}

// Recorder は分類・正規化の結果を記録する
type Recorder interface {
	ObserveTypeDetermination(known bool)
	ObserveExtraction(success bool)
}

type noopRecorder struct{}

func (noopRecorder) ObserveTypeDetermination(bool) {}
func (noopRecorder) ObserveExtraction(bool)        {}

// Outcome は1テキストの分類・正規化結果
type Outcome struct {
	Type       string
	Known      bool
	Record     map[string]any
	Extraction mo.Option[Extraction]
}

// Engine は検索拡張の型判定と属性正規化を行う
type Engine struct {
	index         vectorindex.Index
	embedder      llm.Embedder
	client        llm.Client
	model         string
	logger        *slog.Logger
	recorder      Recorder
	minSimilarity mo.Option[float64]
}

// EngineOption は Engine のオプション
type EngineOption func(*Engine)

// WithEngineLogger はロガーを設定する
func WithEngineLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithEngineRecorder はメトリクスの記録先を設定する
func WithEngineRecorder(recorder Recorder) EngineOption {
	return func(e *Engine) {
		e.recorder = recorder
	}
}

// WithModel はLLM呼び出しに使うモデル名を設定する（空の場合はクライアント既定）
func WithModel(model string) EngineOption {
	return func(e *Engine) {
		e.model = model
	}
}

// WithMinTypeSimilarity は候補型の類似度の下限を設定する（0 以下で無効）
func WithMinTypeSimilarity(threshold float64) EngineOption {
	return func(e *Engine) {
		if threshold > 0 {
			e.minSimilarity = mo.Some(threshold)
		} else {
			e.minSimilarity = mo.None[float64]()
		}
	}
}

// NewEngine は新しい Engine を作成する
func NewEngine(index vectorindex.Index, embedder llm.Embedder, client llm.Client, opts ...EngineOption) *Engine {
	e := &Engine{
		index:    index,
		embedder: embedder,
		client:   client,
		logger:   slog.Default(),
		recorder: noopRecorder{},
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.recorder == nil {
		e.recorder = noopRecorder{}
	}
	return e
}

// DetermineType はテキストの型を判定する
// 応答が候補にない場合もそのまま返す（スキーマがなければ呼び出し側で未知として扱う）
func (e *Engine) DetermineType(ctx context.Context, text string) (string, error) {
	vec, err := e.embed(ctx, text)
	if err != nil {
		return "", err
	}
	return e.determineType(ctx, text, vec)
}

// Normalize はテキストを指定型の属性レコードに正規化する
// 応答を解析できない場合は空のマップを返す（エラーにはしない）
func (e *Engine) Normalize(ctx context.Context, text, typ string, attributes []string) (map[string]any, error) {
	ext, err := e.NormalizeDetailed(ctx, text, typ, attributes)
	if err != nil {
		return nil, err
	}
	if !ext.OK() {
		return map[string]any{}, nil
	}
	return ext.Record, nil
}

// NormalizeDetailed は Normalize と同じ処理を行い、抽出結果をそのまま返す
func (e *Engine) NormalizeDetailed(ctx context.Context, text, typ string, attributes []string) (Extraction, error) {
	vec, err := e.embed(ctx, text)
	if err != nil {
		return Extraction{}, err
	}
	return e.normalize(ctx, text, typ, attributes, vec)
}

// NormalizeText はテキストの型判定から正規化までを行う
//
// テキストは前後空白除去と小文字化をしてから扱う。型が未知またはスキーマがない場合は
// {"тип": "неизвестно"} を返し、正規化は呼び出さない。埋め込みは1回だけ計算する。
func (e *Engine) NormalizeText(ctx context.Context, text string, schemas SchemaLookup) (*Outcome, error) {
	text = catalog.Normalize(text)

	vec, err := e.embed(ctx, text)
	if err != nil {
		return nil, err
	}

	typ, err := e.determineType(ctx, text, vec)
	if err != nil {
		return nil, err
	}

	schema, err := ResolveSchema(ctx, schemas, typ)
	if err != nil {
		return nil, err
	}
	if schema == nil {
		return &Outcome{Type: typ, Record: UnknownRecord()}, nil
	}

	ext, err := e.normalize(ctx, text, schema.Type, schema.Attributes, vec)
	if err != nil {
		return nil, err
	}

	record := ext.Record
	if !ext.OK() {
		record = map[string]any{}
	}
	return &Outcome{Type: schema.Type, Known: true, Record: record, Extraction: mo.Some(ext)}, nil
}

// ResolveSchema は判定された型のスキーマを返す
// 未知の型、スキーマなし、属性が空の場合は nil を返す
func ResolveSchema(ctx context.Context, schemas SchemaLookup, typ string) (*catalog.Schema, error) {
	if typ == "" || catalog.IsUnknownType(typ) {
		return nil, nil
	}
	schema, err := schemas.GetSchemaByType(ctx, typ)
	if errors.Is(err, catalog.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve schema for type %q: %w", typ, err)
	}
	if len(schema.Attributes) == 0 {
		return nil, nil
	}
	return schema, nil
}

// UnknownRecord は分類できなかった場合の出力レコードを返す
func UnknownRecord() map[string]any {
	return map[string]any{catalog.TypeField: catalog.UnknownType}
}

func (e *Engine) embed(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: text is empty", catalog.ErrInvalidInput)
	}

	vectors, err := e.embedder.BatchEmbed(ctx, []string{text})
	if err != nil {
		return nil, fmt.Errorf("failed to embed text: %w", err)
	}
	if len(vectors) != 1 {
		return nil, llm.NewProviderError("embed", fmt.Errorf("%w: want 1, got %d", llm.ErrEmbeddingCountMismatch, len(vectors)))
	}
	return vectors[0], nil
}

// candidateTypes は最も近い型名を距離の昇順で返す
func (e *Engine) candidateTypes(ctx context.Context, vec []float32) ([]string, error) {
	hits, err := e.index.Query(ctx, vectorindex.Schemas, vectorindex.Query{
		Embedding: vec,
		K:         TypeCandidateLimit,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query schemas: %w", err)
	}

	floor, hasFloor := e.minSimilarity.Get()
	types := make([]string, 0, len(hits))
	for _, hit := range hits {
		if hasFloor && hit.Similarity() < floor {
			e.logger.Debug("type candidate below similarity floor",
				"type", hit.Document,
				"similarity", hit.Similarity(),
				"floor", floor,
			)
			continue
		}
		types = append(types, hit.Document)
	}
	return types, nil
}

func (e *Engine) determineType(ctx context.Context, text string, vec []float32) (string, error) {
	candidates, err := e.candidateTypes(ctx, vec)
	if err != nil {
		return "", err
	}
	if len(candidates) == 0 {
		e.logger.Debug("no type candidates, classified as unknown", "text", text)
		e.recorder.ObserveTypeDetermination(false)
		return catalog.UnknownType, nil
	}

	prompt := BuildTypePrompt(text, candidates)
	e.logger.Debug("determine type prompt", "prompt", prompt)

	resp, err := e.client.GenerateCompletion(ctx, llm.CompletionRequest{
		Prompt:      prompt,
		Temperature: Temperature,
		Model:       e.model,
	})
	if err != nil {
		return "", fmt.Errorf("failed to determine type: %w", err)
	}

	typ := CleanTypeAnswer(resp.Content)
	e.logger.Debug("determine type answer", "raw", resp.Content, "type", typ)
	e.recorder.ObserveTypeDetermination(typ != "" && !catalog.IsUnknownType(typ))

	return typ, nil
}

// fewShots は同じ型の作業例を取得し、属性を揃えて返す
func (e *Engine) fewShots(ctx context.Context, typ string, attributes []string, vec []float32) ([]FewShot, error) {
	hits, err := e.index.Query(ctx, vectorindex.Examples, vectorindex.Query{
		Embedding: vec,
		K:         ExampleLimit,
		Filter:    map[string]string{catalog.MetadataType: typ},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query examples: %w", err)
	}

	shots := make([]FewShot, 0, len(hits))
	for _, hit := range hits {
		record, err := catalog.DecodeExampleRecord(hit)
		if err != nil {
			e.logger.Warn("skipping example with unreadable record", "id", hit.ID, "error", err)
			continue
		}
		shots = append(shots, FewShot{Text: hit.Document, Record: AlignRecord(record, attributes)})
	}
	return shots, nil
}

func (e *Engine) normalize(ctx context.Context, text, typ string, attributes []string, vec []float32) (Extraction, error) {
	shots, err := e.fewShots(ctx, typ, attributes, vec)
	if err != nil {
		return Extraction{}, err
	}

	prompt := BuildNormalizePrompt(text, attributes, shots)
	e.logger.Debug("normalize prompt", "type", typ, "examples", len(shots), "prompt", prompt)

	resp, err := e.client.GenerateCompletion(ctx, llm.CompletionRequest{
		Prompt:      prompt,
		Temperature: Temperature,
		Model:       e.model,
	})
	if err != nil {
		return Extraction{}, fmt.Errorf("failed to normalize text: %w", err)
	}
	e.logger.Debug("normalize answer", "type", typ, "raw", resp.Content)

	ext := ExtractJSON(resp.Content)
	e.recorder.ObserveExtraction(ext.OK())
	if !ext.OK() {
		e.logger.Warn("could not parse normalized record",
			"type", typ,
			"payload", ext.Payload,
			"error", ext.Err,
		)
		return ext, nil
	}

	ext.Record = AlignRecord(ext.Record, attributes)
	return ext, nil
}
