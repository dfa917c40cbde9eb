package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"

	"github.com/jinford/product-rag/internal/core/vectorindex"
)

// VectorIndex は pgvector を使った vectorindex.Index の実装です
// 2つのコレクションは vector_entries テーブルの collection 列で区別します
type VectorIndex struct {
	db DBTX
}

// NewVectorIndex は新しい VectorIndex を作成します
func NewVectorIndex(db DBTX) *VectorIndex {
	return &VectorIndex{db: db}
}

var _ vectorindex.Index = (*VectorIndex)(nil)

func (v *VectorIndex) Add(ctx context.Context, c vectorindex.Collection, entries ...vectorindex.Entry) error {
	if !vectorindex.ValidCollection(c) {
		return fmt.Errorf("%w: %s", vectorindex.ErrUnknownCollection, c)
	}
	if len(entries) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, e := range entries {
		if e.ID == "" {
			return fmt.Errorf("entry id is required")
		}
		if len(e.Embedding) == 0 {
			return fmt.Errorf("entry %s has empty embedding", e.ID)
		}
		metadata, err := marshalMetadata(e.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal metadata of %s: %w", e.ID, err)
		}
		batch.Queue(
			`INSERT INTO vector_entries (collection, id, embedding, document, metadata)
			VALUES ($1, $2, $3, $4, $5::jsonb)
			ON CONFLICT (collection, id) DO UPDATE
			SET embedding = EXCLUDED.embedding, document = EXCLUDED.document, metadata = EXCLUDED.metadata`,
			string(c), e.ID, pgvector.NewVector(e.Embedding), e.Document, metadata,
		)
	}

	results := v.db.SendBatch(ctx, batch)
	defer results.Close()
	for range entries {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("failed to upsert vector entry: %w", err)
		}
	}
	return nil
}

func (v *VectorIndex) Delete(ctx context.Context, c vectorindex.Collection, ids ...string) error {
	if !vectorindex.ValidCollection(c) {
		return fmt.Errorf("%w: %s", vectorindex.ErrUnknownCollection, c)
	}
	if len(ids) == 0 {
		return nil
	}
	if _, err := v.db.Exec(ctx,
		`DELETE FROM vector_entries WHERE collection = $1 AND id = ANY($2)`,
		string(c), ids,
	); err != nil {
		return fmt.Errorf("failed to delete vector entries: %w", err)
	}
	return nil
}

func (v *VectorIndex) Query(ctx context.Context, c vectorindex.Collection, q vectorindex.Query) ([]vectorindex.Hit, error) {
	if !vectorindex.ValidCollection(c) {
		return nil, fmt.Errorf("%w: %s", vectorindex.ErrUnknownCollection, c)
	}
	if q.K <= 0 {
		return []vectorindex.Hit{}, nil
	}

	filter, err := marshalMetadata(q.Filter)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal filter: %w", err)
	}

	rows, err := v.db.Query(ctx,
		`SELECT id, document, metadata, embedding <=> $2 AS distance
		FROM vector_entries
		WHERE collection = $1 AND metadata @> $3::jsonb
		ORDER BY distance, id
		LIMIT $4`,
		string(c), pgvector.NewVector(q.Embedding), filter, q.K,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query vector entries: %w", err)
	}
	defer rows.Close()

	hits := make([]vectorindex.Hit, 0, q.K)
	for rows.Next() {
		var (
			hit      vectorindex.Hit
			metadata []byte
		)
		if err := rows.Scan(&hit.ID, &hit.Document, &metadata, &hit.Distance); err != nil {
			return nil, fmt.Errorf("failed to scan vector entry: %w", err)
		}
		if err := json.Unmarshal(metadata, &hit.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode metadata of %s: %w", hit.ID, err)
		}
		hits = append(hits, hit)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate vector entries: %w", err)
	}
	return hits, nil
}

func (v *VectorIndex) Count(ctx context.Context, c vectorindex.Collection) (int, error) {
	if !vectorindex.ValidCollection(c) {
		return 0, fmt.Errorf("%w: %s", vectorindex.ErrUnknownCollection, c)
	}
	var n int
	if err := v.db.QueryRow(ctx,
		`SELECT count(*) FROM vector_entries WHERE collection = $1`, string(c),
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count vector entries: %w", err)
	}
	return n, nil
}

func (v *VectorIndex) Reset(ctx context.Context, c vectorindex.Collection) error {
	if !vectorindex.ValidCollection(c) {
		return fmt.Errorf("%w: %s", vectorindex.ErrUnknownCollection, c)
	}
	if _, err := v.db.Exec(ctx, `DELETE FROM vector_entries WHERE collection = $1`, string(c)); err != nil {
		return fmt.Errorf("failed to reset collection %s: %w", c, err)
	}
	return nil
}

// Replace はコレクションを空にしてから entries を登録する
// 読み手に途中状態を見せないためには、トランザクション上の DBTX で作成した VectorIndex から呼ぶ
func (v *VectorIndex) Replace(ctx context.Context, c vectorindex.Collection, entries ...vectorindex.Entry) error {
	if err := v.Reset(ctx, c); err != nil {
		return err
	}
	return v.Add(ctx, c, entries...)
}

func marshalMetadata(m map[string]string) (string, error) {
	if m == nil {
		m = map[string]string{}
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
