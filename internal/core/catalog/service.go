package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/samber/mo"

	"github.com/jinford/product-rag/internal/core/llm"
	"github.com/jinford/product-rag/internal/core/vectorindex"
)

// MirrorRecorder はインデックスへのミラー書き込みの結果を記録する
type MirrorRecorder interface {
	IncIndexMirror(collection, op string, success bool)
}

type noopMirrorRecorder struct{}

func (noopMirrorRecorder) IncIndexMirror(string, string, bool) {}

// Service はスキーマ・作業例の管理とベクトルインデックスへのミラーリングを提供する
//
// リレーショナルストアへの書き込みをコミットした後にインデックスへ反映する。
// ミラーリングはトランザクションに含まれないため、失敗時はログとメトリクスに記録し、
// RebuildIndex による全件再構築で回復させる。
type Service struct {
	store    Store
	index    vectorindex.Index
	embedder llm.Embedder
	logger   *slog.Logger
	recorder MirrorRecorder
	locker   RebuildLocker
}

// ServiceOption は Service のオプション
type ServiceOption func(*Service)

// WithCatalogLogger はロガーを設定する
func WithCatalogLogger(logger *slog.Logger) ServiceOption {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithMirrorRecorder はミラー書き込みのメトリクス記録先を設定する
func WithMirrorRecorder(recorder MirrorRecorder) ServiceOption {
	return func(s *Service) {
		s.recorder = recorder
	}
}

// WithRebuildLocker はインデックス再構築の排他制御を設定する
func WithRebuildLocker(locker RebuildLocker) ServiceOption {
	return func(s *Service) {
		s.locker = locker
	}
}

// NewService は新しい Service を作成する
func NewService(store Store, index vectorindex.Index, embedder llm.Embedder, opts ...ServiceOption) *Service {
	svc := &Service{
		store:    store,
		index:    index,
		embedder: embedder,
		logger:   slog.Default(),
		recorder: noopMirrorRecorder{},
		locker:   &localLocker{},
	}
	for _, opt := range opts {
		opt(svc)
	}
	if svc.logger == nil {
		svc.logger = slog.Default()
	}
	if svc.recorder == nil {
		svc.recorder = noopMirrorRecorder{}
	}
	if svc.locker == nil {
		svc.locker = &localLocker{}
	}
	return svc
}

// === Schema ===

// CreateSchema はスキーマを登録し、インデックスに反映する
func (s *Service) CreateSchema(ctx context.Context, params CreateSchemaParams) (*Schema, error) {
	schema := &Schema{
		Type:       Normalize(params.Type),
		Attributes: NormalizeAttributes(params.Attributes),
	}
	if err := validateSchema(schema); err != nil {
		return nil, err
	}

	var created *Schema
	err := s.store.WithinTx(ctx, func(repo Repository) error {
		if err := ensureTypeAvailable(ctx, repo, schema.Type); err != nil {
			return err
		}
		var err error
		created, err = repo.CreateSchema(ctx, schema)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	s.mirrorSchemas(ctx, "add", created)

	return created, nil
}

// GetSchema はIDでスキーマを取得する
func (s *Service) GetSchema(ctx context.Context, id int64) (*Schema, error) {
	schema, err := s.store.GetSchema(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get schema: %w", err)
	}
	return schema, nil
}

// GetSchemaByType は型名でスキーマを取得する
func (s *Service) GetSchemaByType(ctx context.Context, schemaType string) (*Schema, error) {
	schema, err := s.store.GetSchemaByType(ctx, Normalize(schemaType))
	if err != nil {
		return nil, fmt.Errorf("failed to get schema by type: %w", err)
	}
	return schema, nil
}

// ListSchemas はスキーマ一覧を取得する
func (s *Service) ListSchemas(ctx context.Context, params ListParams) ([]*Schema, error) {
	schemas, err := s.store.ListSchemas(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("failed to list schemas: %w", err)
	}
	return schemas, nil
}

// UpdateSchema はスキーマを更新し、インデックスのエントリを置き換える
func (s *Service) UpdateSchema(ctx context.Context, id int64, params UpdateSchemaParams) (*Schema, error) {
	var updated *Schema
	err := s.store.WithinTx(ctx, func(repo Repository) error {
		current, err := repo.GetSchema(ctx, id)
		if err != nil {
			return err
		}

		next := &Schema{ID: current.ID, Type: current.Type, Attributes: current.Attributes}
		if t, ok := params.Type.Get(); ok {
			next.Type = Normalize(t)
		}
		if attrs, ok := params.Attributes.Get(); ok {
			next.Attributes = NormalizeAttributes(attrs)
		}
		if err := validateSchema(next); err != nil {
			return err
		}

		// 型名が変わる場合は重複を確認する
		if next.Type != current.Type {
			if err := ensureTypeAvailable(ctx, repo, next.Type); err != nil {
				return err
			}
		}

		updated, err = repo.UpdateSchema(ctx, next)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to update schema: %w", err)
	}

	s.mirrorDelete(ctx, vectorindex.Schemas, EntryID(updated.ID))
	s.mirrorSchemas(ctx, "update", updated)

	return updated, nil
}

// DeleteSchema はスキーマを削除し、インデックスからも取り除く
func (s *Service) DeleteSchema(ctx context.Context, id int64) error {
	err := s.store.WithinTx(ctx, func(repo Repository) error {
		if _, err := repo.GetSchema(ctx, id); err != nil {
			return err
		}
		return repo.DeleteSchema(ctx, id)
	})
	if err != nil {
		return fmt.Errorf("failed to delete schema: %w", err)
	}

	s.mirrorDelete(ctx, vectorindex.Schemas, EntryID(id))
	return nil
}

// === Example ===

// CreateExample は作業例を登録し、インデックスに反映する
func (s *Service) CreateExample(ctx context.Context, params CreateExampleParams) (*Example, error) {
	example := &Example{
		Type:             Normalize(params.Type),
		UnnormalizedText: Normalize(params.UnnormalizedText),
		NormalizedJSON:   NormalizeRecord(params.NormalizedJSON),
	}
	if err := validateExample(example); err != nil {
		return nil, err
	}

	var created *Example
	err := s.store.WithinTx(ctx, func(repo Repository) error {
		var err error
		created, err = repo.CreateExample(ctx, example)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create example: %w", err)
	}

	s.mirrorExamples(ctx, "add", created)

	return created, nil
}

// GetExample はIDで作業例を取得する
func (s *Service) GetExample(ctx context.Context, id int64) (*Example, error) {
	example, err := s.store.GetExample(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get example: %w", err)
	}
	return example, nil
}

// ListExamples は作業例一覧を取得する
func (s *Service) ListExamples(ctx context.Context, filter ExampleFilter) ([]*Example, error) {
	if t, ok := filter.Type.Get(); ok {
		filter.Type = mo.Some(Normalize(t))
	}
	examples, err := s.store.ListExamples(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list examples: %w", err)
	}
	return examples, nil
}

// UpdateExample は作業例を更新し、インデックスのエントリを置き換える
func (s *Service) UpdateExample(ctx context.Context, id int64, params UpdateExampleParams) (*Example, error) {
	var updated *Example
	err := s.store.WithinTx(ctx, func(repo Repository) error {
		current, err := repo.GetExample(ctx, id)
		if err != nil {
			return err
		}

		next := &Example{
			ID:               current.ID,
			Type:             current.Type,
			UnnormalizedText: current.UnnormalizedText,
			NormalizedJSON:   current.NormalizedJSON,
		}
		if t, ok := params.Type.Get(); ok {
			next.Type = Normalize(t)
		}
		if text, ok := params.UnnormalizedText.Get(); ok {
			next.UnnormalizedText = Normalize(text)
		}
		if record, ok := params.NormalizedJSON.Get(); ok {
			next.NormalizedJSON = NormalizeRecord(record)
		}
		if err := validateExample(next); err != nil {
			return err
		}

		updated, err = repo.UpdateExample(ctx, next)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to update example: %w", err)
	}

	s.mirrorDelete(ctx, vectorindex.Examples, EntryID(updated.ID))
	s.mirrorExamples(ctx, "update", updated)

	return updated, nil
}

// DeleteExample は作業例を削除し、インデックスからも取り除く
func (s *Service) DeleteExample(ctx context.Context, id int64) error {
	err := s.store.WithinTx(ctx, func(repo Repository) error {
		if _, err := repo.GetExample(ctx, id); err != nil {
			return err
		}
		return repo.DeleteExample(ctx, id)
	})
	if err != nil {
		return fmt.Errorf("failed to delete example: %w", err)
	}

	s.mirrorDelete(ctx, vectorindex.Examples, EntryID(id))
	return nil
}

// === Mirroring ===

// mirrorSchemas はスキーマ群を1回のバッチ埋め込みでインデックスへ追加する
func (s *Service) mirrorSchemas(ctx context.Context, op string, schemas ...*Schema) {
	if len(schemas) == 0 {
		return
	}
	texts := make([]string, len(schemas))
	for i, schema := range schemas {
		texts[i] = schema.Type
	}

	err := s.embedAndAdd(ctx, vectorindex.Schemas, texts, func(i int, vec []float32) (vectorindex.Entry, error) {
		return SchemaEntry(schemas[i], vec)
	})
	s.recordMirror(vectorindex.Schemas, op, len(schemas), err)
}

// mirrorExamples は作業例群を1回のバッチ埋め込みでインデックスへ追加する
func (s *Service) mirrorExamples(ctx context.Context, op string, examples ...*Example) {
	if len(examples) == 0 {
		return
	}
	texts := make([]string, len(examples))
	for i, example := range examples {
		texts[i] = example.UnnormalizedText
	}

	err := s.embedAndAdd(ctx, vectorindex.Examples, texts, func(i int, vec []float32) (vectorindex.Entry, error) {
		return ExampleEntry(examples[i], vec)
	})
	s.recordMirror(vectorindex.Examples, op, len(examples), err)
}

func (s *Service) mirrorDelete(ctx context.Context, c vectorindex.Collection, id string) {
	err := s.index.Delete(ctx, c, id)
	s.recordMirror(c, "delete", 1, err)
}

func (s *Service) recordMirror(c vectorindex.Collection, op string, count int, err error) {
	s.recorder.IncIndexMirror(string(c), op, err == nil)
	if err != nil {
		s.logger.Error("vector index mirror failed; index is stale until the next rebuild",
			"collection", c,
			"op", op,
			"count", count,
			"error", err,
		)
	}
}

func (s *Service) embedAndAdd(
	ctx context.Context,
	c vectorindex.Collection,
	texts []string,
	build func(i int, vec []float32) (vectorindex.Entry, error),
) error {
	entries, err := s.embedEntries(ctx, c, texts, build)
	if err != nil {
		return err
	}
	if err := s.index.Add(ctx, c, entries...); err != nil {
		return fmt.Errorf("failed to add %s entries: %w", c, err)
	}
	return nil
}

// embedEntries は texts を1回のバッチで埋め込み、インデックスのエントリに変換する
func (s *Service) embedEntries(
	ctx context.Context,
	c vectorindex.Collection,
	texts []string,
	build func(i int, vec []float32) (vectorindex.Entry, error),
) ([]vectorindex.Entry, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	vectors, err := s.embedder.BatchEmbed(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("failed to embed %s: %w", c, err)
	}
	if len(vectors) != len(texts) {
		return nil, llm.NewProviderError("embed", fmt.Errorf("%w: want %d, got %d", llm.ErrEmbeddingCountMismatch, len(texts), len(vectors)))
	}

	entries := make([]vectorindex.Entry, 0, len(texts))
	for i, vec := range vectors {
		entry, err := build(i, vec)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// === Validation ===

func validateSchema(s *Schema) error {
	if s.Type == "" {
		return fmt.Errorf("%w: schema type is required", ErrInvalidInput)
	}
	if s.Type == UnknownType {
		return fmt.Errorf("%w: %q is a reserved type name", ErrInvalidInput, UnknownType)
	}
	if len(s.Attributes) == 0 {
		return fmt.Errorf("%w: at least one attribute is required", ErrInvalidInput)
	}
	for _, a := range s.Attributes {
		if a == "" {
			return fmt.Errorf("%w: attribute names must not be empty", ErrInvalidInput)
		}
	}
	return nil
}

func validateExample(e *Example) error {
	if e.Type == "" {
		return fmt.Errorf("%w: example type is required", ErrInvalidInput)
	}
	if e.UnnormalizedText == "" {
		return fmt.Errorf("%w: unnormalized text is required", ErrInvalidInput)
	}
	if e.NormalizedJSON == nil {
		e.NormalizedJSON = map[string]string{}
	}
	return nil
}

func ensureTypeAvailable(ctx context.Context, repo Repository, schemaType string) error {
	_, err := repo.GetSchemaByType(ctx, schemaType)
	switch {
	case err == nil:
		return fmt.Errorf("%w: %s", ErrSchemaConflict, schemaType)
	case errors.Is(err, ErrNotFound):
		return nil
	default:
		return err
	}
}
