// Package sqlite は modernc.org/sqlite を使った catalog.Store の実装です
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/jinford/product-rag/internal/core/catalog"
)

//go:embed migrations/*.sql
var migrations embed.FS

// querier は *sql.DB と *sql.Tx の共通インターフェース
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store は単一ファイルの SQLite に保存する catalog.Store です
type Store struct {
	repository
	db   *sql.DB
	path string
}

var _ catalog.Store = (*Store)(nil)

// Open は path の SQLite データベースを開きマイグレーションを適用します
// ":memory:" を指定するとプロセス内のみのデータベースになります
func Open(ctx context.Context, path string) (*Store, error) {
	dsn := path
	if path != ":memory:" {
		dsn = path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// 書き込みを直列化し、:memory: でも単一の接続を共有する
	db.SetMaxOpenConns(1)

	s := &Store{
		repository: repository{q: db},
		db:         db,
		path:       path,
	}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

// Close はデータベース接続を閉じます
func (s *Store) Close() error {
	return s.db.Close()
}

// Path はデータベースファイルのパスを返します
func (s *Store) Path() string {
	return s.path
}

// WithinTx は fn を1つのトランザクション内で実行します
func (s *Store) WithinTx(ctx context.Context, fn func(repo catalog.Repository) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(repository{q: tx}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("tx rollback failed: %v (original err: %w)", rbErr, err)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return fmt.Errorf("creating schema_migrations table: %w", err)
	}

	var current int
	if err := s.db.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(version), 0) FROM schema_migrations",
	).Scan(&current); err != nil {
		return fmt.Errorf("getting current version: %w", err)
	}

	names, err := fs.Glob(migrations, "migrations/*.up.sql")
	if err != nil {
		return fmt.Errorf("listing migrations: %w", err)
	}
	sort.Strings(names)

	for _, name := range names {
		var version int
		if _, err := fmt.Sscanf(strings.TrimPrefix(name, "migrations/"), "%d_", &version); err != nil {
			continue
		}
		if version <= current {
			continue
		}

		content, err := migrations.ReadFile(name)
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", name, err)
		}
		if _, err := s.db.ExecContext(ctx, string(content)); err != nil {
			return fmt.Errorf("executing migration %s: %w", name, err)
		}
		if _, err := s.db.ExecContext(ctx,
			"INSERT INTO schema_migrations (version) VALUES (?)", version,
		); err != nil {
			return fmt.Errorf("recording migration %s: %w", name, err)
		}
	}
	return nil
}

// repository は querier 上の catalog.Repository 実装
type repository struct {
	q querier
}

var _ catalog.Repository = repository{}

const (
	schemaColumns  = "id, type, attributes"
	exampleColumns = "id, type, unnormalized_text, normalized_json"
)

func (r repository) CreateSchema(ctx context.Context, s *catalog.Schema) (*catalog.Schema, error) {
	attrs, err := json.Marshal(s.Attributes)
	if err != nil {
		return nil, fmt.Errorf("marshalling attributes: %w", err)
	}

	created, err := scanSchema(r.q.QueryRowContext(ctx,
		`INSERT INTO schemas (type, attributes) VALUES (?, ?) RETURNING `+schemaColumns,
		s.Type, string(attrs),
	))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: %s", catalog.ErrSchemaConflict, s.Type)
		}
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	return created, nil
}

func (r repository) GetSchema(ctx context.Context, id int64) (*catalog.Schema, error) {
	s, err := scanSchema(r.q.QueryRowContext(ctx, `SELECT `+schemaColumns+` FROM schemas WHERE id = ?`, id))
	if err != nil {
		return nil, notFoundOr(err, "schema", id)
	}
	return s, nil
}

func (r repository) GetSchemaByType(ctx context.Context, schemaType string) (*catalog.Schema, error) {
	s, err := scanSchema(r.q.QueryRowContext(ctx, `SELECT `+schemaColumns+` FROM schemas WHERE type = ?`, schemaType))
	if err != nil {
		return nil, notFoundOr(err, "schema", schemaType)
	}
	return s, nil
}

func (r repository) ListSchemas(ctx context.Context, params catalog.ListParams) ([]*catalog.Schema, error) {
	rows, err := r.q.QueryContext(ctx,
		`SELECT `+schemaColumns+` FROM schemas ORDER BY id LIMIT ? OFFSET ?`,
		limitArg(params.Limit), params.Skip,
	)
	if err != nil {
		return nil, fmt.Errorf("listing schemas: %w", err)
	}
	defer rows.Close()

	schemas := make([]*catalog.Schema, 0)
	for rows.Next() {
		s, err := scanSchema(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning schema: %w", err)
		}
		schemas = append(schemas, s)
	}
	return schemas, rows.Err()
}

func (r repository) UpdateSchema(ctx context.Context, s *catalog.Schema) (*catalog.Schema, error) {
	attrs, err := json.Marshal(s.Attributes)
	if err != nil {
		return nil, fmt.Errorf("marshalling attributes: %w", err)
	}

	updated, err := scanSchema(r.q.QueryRowContext(ctx,
		`UPDATE schemas SET type = ?, attributes = ? WHERE id = ? RETURNING `+schemaColumns,
		s.Type, string(attrs), s.ID,
	))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: %s", catalog.ErrSchemaConflict, s.Type)
		}
		return nil, notFoundOr(err, "schema", s.ID)
	}
	return updated, nil
}

func (r repository) DeleteSchema(ctx context.Context, id int64) error {
	return r.deleteByID(ctx, "schemas", "schema", id)
}

func (r repository) CreateExample(ctx context.Context, e *catalog.Example) (*catalog.Example, error) {
	record, err := json.Marshal(e.NormalizedJSON)
	if err != nil {
		return nil, fmt.Errorf("marshalling normalized json: %w", err)
	}

	created, err := scanExample(r.q.QueryRowContext(ctx,
		`INSERT INTO examples (type, unnormalized_text, normalized_json) VALUES (?, ?, ?) RETURNING `+exampleColumns,
		e.Type, e.UnnormalizedText, string(record),
	))
	if err != nil {
		return nil, fmt.Errorf("creating example: %w", err)
	}
	return created, nil
}

func (r repository) GetExample(ctx context.Context, id int64) (*catalog.Example, error) {
	e, err := scanExample(r.q.QueryRowContext(ctx, `SELECT `+exampleColumns+` FROM examples WHERE id = ?`, id))
	if err != nil {
		return nil, notFoundOr(err, "example", id)
	}
	return e, nil
}

func (r repository) ListExamples(ctx context.Context, filter catalog.ExampleFilter) ([]*catalog.Example, error) {
	var typeArg sql.NullString
	if t, ok := filter.Type.Get(); ok {
		typeArg = sql.NullString{String: t, Valid: true}
	}

	rows, err := r.q.QueryContext(ctx,
		`SELECT `+exampleColumns+` FROM examples
		WHERE (?1 IS NULL OR type = ?1)
		ORDER BY id LIMIT ?2 OFFSET ?3`,
		typeArg, limitArg(filter.Limit), filter.Skip,
	)
	if err != nil {
		return nil, fmt.Errorf("listing examples: %w", err)
	}
	defer rows.Close()

	examples := make([]*catalog.Example, 0)
	for rows.Next() {
		e, err := scanExample(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning example: %w", err)
		}
		examples = append(examples, e)
	}
	return examples, rows.Err()
}

func (r repository) UpdateExample(ctx context.Context, e *catalog.Example) (*catalog.Example, error) {
	record, err := json.Marshal(e.NormalizedJSON)
	if err != nil {
		return nil, fmt.Errorf("marshalling normalized json: %w", err)
	}

	updated, err := scanExample(r.q.QueryRowContext(ctx,
		`UPDATE examples SET type = ?, unnormalized_text = ?, normalized_json = ? WHERE id = ? RETURNING `+exampleColumns,
		e.Type, e.UnnormalizedText, string(record), e.ID,
	))
	if err != nil {
		return nil, notFoundOr(err, "example", e.ID)
	}
	return updated, nil
}

func (r repository) DeleteExample(ctx context.Context, id int64) error {
	return r.deleteByID(ctx, "examples", "example", id)
}

func (r repository) deleteByID(ctx context.Context, table, kind string, id int64) error {
	res, err := r.q.ExecContext(ctx, `DELETE FROM `+table+` WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting %s: %w", kind, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("deleting %s: %w", kind, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s %d", catalog.ErrNotFound, kind, id)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSchema(row scanner) (*catalog.Schema, error) {
	var (
		s     catalog.Schema
		attrs string
	)
	if err := row.Scan(&s.ID, &s.Type, &attrs); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(attrs), &s.Attributes); err != nil {
		return nil, fmt.Errorf("unmarshalling attributes of schema %d: %w", s.ID, err)
	}
	return &s, nil
}

func scanExample(row scanner) (*catalog.Example, error) {
	var (
		e      catalog.Example
		record string
	)
	if err := row.Scan(&e.ID, &e.Type, &e.UnnormalizedText, &record); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(record), &e.NormalizedJSON); err != nil {
		return nil, fmt.Errorf("unmarshalling normalized json of example %d: %w", e.ID, err)
	}
	return &e, nil
}

// limitArg は 0 以下の Limit を SQLite の無制限指定 -1 に変換します
func limitArg(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit
}

func notFoundOr(err error, kind string, key any) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s %v", catalog.ErrNotFound, kind, key)
	}
	return fmt.Errorf("getting %s: %w", kind, err)
}

func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	return errors.As(err, &se) && se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE
}
