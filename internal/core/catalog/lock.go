package catalog

import (
	"context"
	"sync"
)

const rebuildLockName = "product-rag:index-rebuild"

// RebuildLocker は名前付きの排他区間で fn を実行する
// 複数プロセスが同じインデックスを共有する場合はプロセスをまたぐ実装を使う
type RebuildLocker interface {
	Lock(ctx context.Context, name string, fn func(ctx context.Context) error) error
}

// localLocker はプロセス内でだけ排他する
type localLocker struct {
	mu sync.Mutex
}

func (l *localLocker) Lock(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return fn(ctx)
}
