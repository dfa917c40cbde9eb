package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jinford/product-rag/internal/core/vectorindex"
)

// ImportStats は一括登録の結果
type ImportStats struct {
	Created int `json:"created"`
	Skipped int `json:"skipped"`
}

// RebuildStats はインデックス再構築の結果
type RebuildStats struct {
	Schemas  int `json:"schemas"`
	Examples int `json:"examples"`
}

// ImportSchemas はインポート行からスキーマを一括登録する
//
// 各行のキー（тип を含む）がその型の属性になる。既に存在する型の行はスキップする。
// 全行を1つのトランザクションで登録し、コミット後に1回のバッチ埋め込みでインデックスへ反映する。
func (s *Service) ImportSchemas(ctx context.Context, rows []ImportRow) (*ImportStats, error) {
	stats := &ImportStats{}
	var created []*Schema

	err := s.store.WithinTx(ctx, func(repo Repository) error {
		seen := make(map[string]bool)
		for i, row := range rows {
			schemaType, ok := row.Get(TypeField)
			if !ok || schemaType == "" {
				return fmt.Errorf("%w: row %d has no %q field", ErrInvalidInput, i, TypeField)
			}

			schema := &Schema{Type: schemaType, Attributes: row.Keys()}
			if err := validateSchema(schema); err != nil {
				return fmt.Errorf("row %d: %w", i, err)
			}

			if seen[schemaType] {
				stats.Skipped++
				continue
			}
			seen[schemaType] = true

			if err := ensureTypeAvailable(ctx, repo, schemaType); err != nil {
				if !errors.Is(err, ErrSchemaConflict) {
					return err
				}
				stats.Skipped++
				s.logger.Debug("schema already exists, skipped", "type", schemaType)
				continue
			}

			c, err := repo.CreateSchema(ctx, schema)
			if err != nil {
				return fmt.Errorf("row %d: %w", i, err)
			}
			created = append(created, c)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to import schemas: %w", err)
	}

	stats.Created = len(created)
	s.mirrorSchemas(ctx, "import", created...)

	s.logger.Info("schemas imported", "created", stats.Created, "skipped", stats.Skipped)
	return stats, nil
}

// ImportExamples はインポート行から作業例を一括登録する
//
// тип が型、行全体が正規化レコード、値を空白で連結したものが入力テキストになる。
func (s *Service) ImportExamples(ctx context.Context, rows []ImportRow) (*ImportStats, error) {
	examples := make([]*Example, 0, len(rows))
	for i, row := range rows {
		exampleType, ok := row.Get(TypeField)
		if !ok || exampleType == "" {
			return nil, fmt.Errorf("%w: row %d has no %q field", ErrInvalidInput, i, TypeField)
		}
		example := &Example{
			Type:             exampleType,
			UnnormalizedText: strings.Join(row.Values(), " "),
			NormalizedJSON:   row.Map(),
		}
		if err := validateExample(example); err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		examples = append(examples, example)
	}

	var created []*Example
	err := s.store.WithinTx(ctx, func(repo Repository) error {
		for i, example := range examples {
			c, err := repo.CreateExample(ctx, example)
			if err != nil {
				return fmt.Errorf("row %d: %w", i, err)
			}
			created = append(created, c)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to import examples: %w", err)
	}

	s.mirrorExamples(ctx, "import", created...)

	s.logger.Info("examples imported", "created", len(created))
	return &ImportStats{Created: len(created)}, nil
}

// RebuildIndex はリレーショナルストアの内容から両コレクションを作り直す
// コレクションごとに1回のバッチ埋め込みを行う。同時に走る再構築は RebuildLocker で直列化する
func (s *Service) RebuildIndex(ctx context.Context) (*RebuildStats, error) {
	var stats *RebuildStats
	err := s.locker.Lock(ctx, rebuildLockName, func(ctx context.Context) error {
		var err error
		stats, err = s.rebuildIndex(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}

func (s *Service) rebuildIndex(ctx context.Context) (*RebuildStats, error) {
	schemas, err := s.store.ListSchemas(ctx, ListParams{})
	if err != nil {
		return nil, fmt.Errorf("failed to list schemas: %w", err)
	}
	examples, err := s.store.ListExamples(ctx, ExampleFilter{})
	if err != nil {
		return nil, fmt.Errorf("failed to list examples: %w", err)
	}

	// 両コレクションの埋め込みが揃うまでインデックスには触れない
	schemaTexts := make([]string, len(schemas))
	for i, schema := range schemas {
		schemaTexts[i] = schema.Type
	}
	schemaEntries, err := s.embedEntries(ctx, vectorindex.Schemas, schemaTexts, func(i int, vec []float32) (vectorindex.Entry, error) {
		return SchemaEntry(schemas[i], vec)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to rebuild schemas collection: %w", err)
	}

	exampleTexts := make([]string, len(examples))
	for i, example := range examples {
		exampleTexts[i] = example.UnnormalizedText
	}
	exampleEntries, err := s.embedEntries(ctx, vectorindex.Examples, exampleTexts, func(i int, vec []float32) (vectorindex.Entry, error) {
		return ExampleEntry(examples[i], vec)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to rebuild examples collection: %w", err)
	}

	if err := s.index.Replace(ctx, vectorindex.Schemas, schemaEntries...); err != nil {
		return nil, fmt.Errorf("failed to replace schemas collection: %w", err)
	}
	if err := s.index.Replace(ctx, vectorindex.Examples, exampleEntries...); err != nil {
		return nil, fmt.Errorf("failed to replace examples collection: %w", err)
	}

	stats := &RebuildStats{Schemas: len(schemas), Examples: len(examples)}
	s.logger.Info("vector index rebuilt", "schemas", stats.Schemas, "examples", stats.Examples)
	return stats, nil
}

// VerifyIndex はリレーショナルストアとインデックスの件数を比較する
// 一致しない場合は ErrIndexOutOfSync を返す
func (s *Service) VerifyIndex(ctx context.Context) error {
	schemas, err := s.store.ListSchemas(ctx, ListParams{})
	if err != nil {
		return fmt.Errorf("failed to list schemas: %w", err)
	}
	examples, err := s.store.ListExamples(ctx, ExampleFilter{})
	if err != nil {
		return fmt.Errorf("failed to list examples: %w", err)
	}

	want := map[vectorindex.Collection]int{
		vectorindex.Schemas:  len(schemas),
		vectorindex.Examples: len(examples),
	}
	for _, c := range vectorindex.Collections {
		got, err := s.index.Count(ctx, c)
		if err != nil {
			return fmt.Errorf("failed to count %s: %w", c, err)
		}
		if got != want[c] {
			return fmt.Errorf("%w: %s has %d entries, store has %d", ErrIndexOutOfSync, c, got, want[c])
		}
	}
	return nil
}
