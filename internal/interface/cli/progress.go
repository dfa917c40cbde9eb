package cli

import (
	"log/slog"
	"sync"
	"time"

	"github.com/jinford/product-rag/internal/core/batch"
)

// progressLogger はバッチの進捗を一定間隔でだけログに出す
// 完了時の進捗は間隔に関係なく出力する
type progressLogger struct {
	mu       sync.Mutex
	logger   *slog.Logger
	interval time.Duration
	last     time.Time
}

func newProgressLogger(interval time.Duration) *progressLogger {
	return &progressLogger{interval: interval}
}

// setLogger は出力先のロガーを設定する（未設定の間は何も出力しない）
func (pl *progressLogger) setLogger(logger *slog.Logger) {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	pl.logger = logger
	pl.last = time.Now()
}

func (pl *progressLogger) log(p batch.Progress) {
	pl.mu.Lock()
	defer pl.mu.Unlock()

	if pl.logger == nil {
		return
	}

	now := time.Now()
	if now.Sub(pl.last) < pl.interval && p.Completed != p.Total {
		return
	}
	pl.last = now

	successRate := 0.0
	if p.Completed > 0 {
		successRate = float64(p.Completed-p.Failed) / float64(p.Completed) * 100
	}
	pl.logger.Info("バッチ処理の進捗",
		"progress", p.String(),
		"successRate", successRate,
	)
}
