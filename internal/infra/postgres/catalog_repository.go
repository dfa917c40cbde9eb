package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/jinford/product-rag/internal/core/catalog"
)

// CatalogRepository は catalog.Repository インターフェースを実装する PostgreSQL リポジトリです
type CatalogRepository struct {
	db DBTX
}

// NewCatalogRepository は新しい CatalogRepository を作成します
func NewCatalogRepository(db DBTX) *CatalogRepository {
	return &CatalogRepository{db: db}
}

// コンパイル時の型チェック
var _ catalog.Repository = (*CatalogRepository)(nil)

const (
	schemaColumns  = "id, type, attributes"
	exampleColumns = "id, type, unnormalized_text, normalized_json"
)

// === Schema ===

func (r *CatalogRepository) CreateSchema(ctx context.Context, s *catalog.Schema) (*catalog.Schema, error) {
	attrs, err := json.Marshal(s.Attributes)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal attributes: %w", err)
	}

	row := r.db.QueryRow(ctx,
		`INSERT INTO schemas (type, attributes) VALUES ($1, $2::jsonb) RETURNING `+schemaColumns,
		s.Type, string(attrs),
	)
	created, err := scanSchema(row)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: %s", catalog.ErrSchemaConflict, s.Type)
		}
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	return created, nil
}

func (r *CatalogRepository) GetSchema(ctx context.Context, id int64) (*catalog.Schema, error) {
	row := r.db.QueryRow(ctx, `SELECT `+schemaColumns+` FROM schemas WHERE id = $1`, id)
	s, err := scanSchema(row)
	if err != nil {
		return nil, notFoundOr(err, "schema", id)
	}
	return s, nil
}

func (r *CatalogRepository) GetSchemaByType(ctx context.Context, schemaType string) (*catalog.Schema, error) {
	row := r.db.QueryRow(ctx, `SELECT `+schemaColumns+` FROM schemas WHERE type = $1`, schemaType)
	s, err := scanSchema(row)
	if err != nil {
		return nil, notFoundOr(err, "schema", schemaType)
	}
	return s, nil
}

func (r *CatalogRepository) ListSchemas(ctx context.Context, params catalog.ListParams) ([]*catalog.Schema, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+schemaColumns+` FROM schemas ORDER BY id OFFSET $1 LIMIT $2`,
		params.Skip, limitArg(params.Limit),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list schemas: %w", err)
	}
	defer rows.Close()

	schemas := make([]*catalog.Schema, 0)
	for rows.Next() {
		s, err := scanSchema(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan schema: %w", err)
		}
		schemas = append(schemas, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate schemas: %w", err)
	}
	return schemas, nil
}

func (r *CatalogRepository) UpdateSchema(ctx context.Context, s *catalog.Schema) (*catalog.Schema, error) {
	attrs, err := json.Marshal(s.Attributes)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal attributes: %w", err)
	}

	row := r.db.QueryRow(ctx,
		`UPDATE schemas SET type = $2, attributes = $3::jsonb WHERE id = $1 RETURNING `+schemaColumns,
		s.ID, s.Type, string(attrs),
	)
	updated, err := scanSchema(row)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: %s", catalog.ErrSchemaConflict, s.Type)
		}
		return nil, notFoundOr(err, "schema", s.ID)
	}
	return updated, nil
}

func (r *CatalogRepository) DeleteSchema(ctx context.Context, id int64) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM schemas WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete schema: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: schema %d", catalog.ErrNotFound, id)
	}
	return nil
}

// === Example ===

func (r *CatalogRepository) CreateExample(ctx context.Context, e *catalog.Example) (*catalog.Example, error) {
	record, err := json.Marshal(e.NormalizedJSON)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal normalized json: %w", err)
	}

	row := r.db.QueryRow(ctx,
		`INSERT INTO examples (type, unnormalized_text, normalized_json) VALUES ($1, $2, $3::jsonb) RETURNING `+exampleColumns,
		e.Type, e.UnnormalizedText, string(record),
	)
	created, err := scanExample(row)
	if err != nil {
		return nil, fmt.Errorf("failed to create example: %w", err)
	}
	return created, nil
}

func (r *CatalogRepository) GetExample(ctx context.Context, id int64) (*catalog.Example, error) {
	row := r.db.QueryRow(ctx, `SELECT `+exampleColumns+` FROM examples WHERE id = $1`, id)
	e, err := scanExample(row)
	if err != nil {
		return nil, notFoundOr(err, "example", id)
	}
	return e, nil
}

func (r *CatalogRepository) ListExamples(ctx context.Context, filter catalog.ExampleFilter) ([]*catalog.Example, error) {
	var typeArg *string
	if t, ok := filter.Type.Get(); ok {
		typeArg = &t
	}

	rows, err := r.db.Query(ctx,
		`SELECT `+exampleColumns+` FROM examples
		WHERE ($1::text IS NULL OR type = $1)
		ORDER BY id OFFSET $2 LIMIT $3`,
		typeArg, filter.Skip, limitArg(filter.Limit),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list examples: %w", err)
	}
	defer rows.Close()

	examples := make([]*catalog.Example, 0)
	for rows.Next() {
		e, err := scanExample(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan example: %w", err)
		}
		examples = append(examples, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate examples: %w", err)
	}
	return examples, nil
}

func (r *CatalogRepository) UpdateExample(ctx context.Context, e *catalog.Example) (*catalog.Example, error) {
	record, err := json.Marshal(e.NormalizedJSON)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal normalized json: %w", err)
	}

	row := r.db.QueryRow(ctx,
		`UPDATE examples SET type = $2, unnormalized_text = $3, normalized_json = $4::jsonb
		WHERE id = $1 RETURNING `+exampleColumns,
		e.ID, e.Type, e.UnnormalizedText, string(record),
	)
	updated, err := scanExample(row)
	if err != nil {
		return nil, notFoundOr(err, "example", e.ID)
	}
	return updated, nil
}

func (r *CatalogRepository) DeleteExample(ctx context.Context, id int64) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM examples WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete example: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: example %d", catalog.ErrNotFound, id)
	}
	return nil
}

// === helpers ===

func scanSchema(row pgx.Row) (*catalog.Schema, error) {
	var (
		s     catalog.Schema
		attrs []byte
	)
	if err := row.Scan(&s.ID, &s.Type, &attrs); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(attrs, &s.Attributes); err != nil {
		return nil, fmt.Errorf("failed to decode attributes of schema %d: %w", s.ID, err)
	}
	return &s, nil
}

func scanExample(row pgx.Row) (*catalog.Example, error) {
	var (
		e      catalog.Example
		record []byte
	)
	if err := row.Scan(&e.ID, &e.Type, &e.UnnormalizedText, &record); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(record, &e.NormalizedJSON); err != nil {
		return nil, fmt.Errorf("failed to decode normalized json of example %d: %w", e.ID, err)
	}
	return &e, nil
}

// limitArg は 0 以下の Limit を NULL（LIMIT ALL）に変換します
func limitArg(limit int) *int {
	if limit <= 0 {
		return nil
	}
	return &limit
}

func notFoundOr(err error, kind string, key any) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s %v", catalog.ErrNotFound, kind, key)
	}
	return fmt.Errorf("failed to get %s: %w", kind, err)
}

// isUniqueViolation は PostgreSQL のユニーク制約違反エラー（23505）かどうかを判定します
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
