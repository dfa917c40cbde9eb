package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jinford/product-rag/internal/core/catalog"
	"github.com/jinford/product-rag/internal/core/vectorindex"
	"github.com/jinford/product-rag/internal/infra/postgres"
)

// TransactionProvider follows the pattern described in https://threedots.tech/post/database-transactions-in-go/
// It hides pgx transactions behind a callback that receives data-access adapters.
type TransactionProvider struct {
	pool *pgxpool.Pool
}

// NewTransactionProvider は新しいTransactionProviderを作成します
func NewTransactionProvider(pool *pgxpool.Pool) *TransactionProvider {
	return &TransactionProvider{pool: pool}
}

// Adapter bundles repository adapters that operate inside a single transaction.
type Adapter struct {
	Catalog *postgres.CatalogRepository
	Index   *postgres.VectorIndex
}

func newAdapter(tx pgx.Tx) *Adapter {
	return &Adapter{
		Catalog: postgres.NewCatalogRepository(tx),
		Index:   postgres.NewVectorIndex(tx),
	}
}

// Transact opens a transaction, builds adapters, and passes them to fn.
func Transact[T any](ctx context.Context, p *TransactionProvider, fn func(*Adapter) (T, error)) (T, error) {
	var zero T
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return zero, fmt.Errorf("failed to begin transaction: %w", err)
	}

	result, err := fn(newAdapter(tx))
	if err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			return zero, fmt.Errorf("tx rollback failed: %v (original err: %w)", rbErr, err)
		}
		return zero, err
	}

	if err := tx.Commit(ctx); err != nil {
		return zero, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return result, nil
}

// CatalogStore は PostgreSQL 上の catalog.Store 実装です
// トランザクション外の呼び出しはプールに直接発行します
type CatalogStore struct {
	*postgres.CatalogRepository
	provider *TransactionProvider
}

// NewCatalogStore は新しい CatalogStore を作成します
func NewCatalogStore(pool *pgxpool.Pool) *CatalogStore {
	return &CatalogStore{
		CatalogRepository: postgres.NewCatalogRepository(pool),
		provider:          NewTransactionProvider(pool),
	}
}

var _ catalog.Store = (*CatalogStore)(nil)

// WithinTx は fn を1つのトランザクション内で実行します
func (s *CatalogStore) WithinTx(ctx context.Context, fn func(repo catalog.Repository) error) error {
	_, err := Transact(ctx, s.provider, func(a *Adapter) (struct{}, error) {
		return struct{}{}, fn(a.Catalog)
	})
	return err
}

// VectorIndexStore は pgvector 上の vectorindex.Index 実装です
// Replace だけは1つのトランザクションで削除と登録を行います
type VectorIndexStore struct {
	*postgres.VectorIndex
	provider *TransactionProvider
}

// NewVectorIndexStore は新しい VectorIndexStore を作成します
func NewVectorIndexStore(pool *pgxpool.Pool) *VectorIndexStore {
	return &VectorIndexStore{
		VectorIndex: postgres.NewVectorIndex(pool),
		provider:    NewTransactionProvider(pool),
	}
}

var _ vectorindex.Index = (*VectorIndexStore)(nil)

// Replace はコレクションの内容を entries に置き換えます
// 失敗した場合はロールバックされ、元の内容が残ります
func (s *VectorIndexStore) Replace(ctx context.Context, c vectorindex.Collection, entries ...vectorindex.Entry) error {
	_, err := Transact(ctx, s.provider, func(a *Adapter) (struct{}, error) {
		return struct{}{}, a.Index.Replace(ctx, c, entries...)
	})
	return err
}
