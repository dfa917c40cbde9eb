package postgres

import (
	"context"
	"crypto/sha256"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jinford/product-rag/internal/core/catalog"
)

// AdvisoryLocker は PostgreSQL のアドバイザリロックでプロセス間の排他を行う
// トランザクションスコープのロック（pg_advisory_xact_lock）を使うため、fn の終了とともに解放される
type AdvisoryLocker struct {
	pool *pgxpool.Pool
}

var _ catalog.RebuildLocker = (*AdvisoryLocker)(nil)

// NewAdvisoryLocker は新しい AdvisoryLocker を作成する
func NewAdvisoryLocker(pool *pgxpool.Pool) *AdvisoryLocker {
	return &AdvisoryLocker{pool: pool}
}

// LockID は名前からロックIDを生成する
func LockID(parts ...string) int64 {
	h := sha256.New()
	for _, part := range parts {
		h.Write([]byte(part))
	}
	hash := h.Sum(nil)

	// ハッシュの先頭8バイトを int64 として使う
	var id int64
	for i := range 8 {
		id = (id << 8) | int64(hash[i])
	}
	return id
}

// Lock はロックを取得してから fn を実行する
// fn は別の接続で処理してよい。ロックはこのトランザクションが保持する
func (l *AdvisoryLocker) Lock(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	tx, err := l.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("failed to begin lock transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", LockID(name)); err != nil {
		return fmt.Errorf("failed to acquire advisory lock %q: %w", name, err)
	}

	if err := fn(ctx); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to release advisory lock %q: %w", name, err)
	}
	return nil
}
