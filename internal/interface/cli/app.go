package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/jinford/product-rag/internal/platform/container"
	"github.com/jinford/product-rag/internal/platform/logger"
	"github.com/jinford/product-rag/pkg/config"
)

// Runner はコマンドのアクションを提供する
type Runner struct {
	// Options はコンテナ構築時に追加するオプション
	Options []container.Option
	// Out は結果の出力先
	Out io.Writer
	// LogOutput はログの出力先
	LogOutput io.Writer
}

// NewRunner は標準出力に結果を書き出す Runner を作成する
func NewRunner() *Runner {
	return &Runner{
		Out:       os.Stdout,
		LogOutput: os.Stderr,
	}
}

// AppContext はコマンド実行に必要な共通コンテキストを保持する
type AppContext struct {
	Container *container.Container
}

// NewAppContext は設定ファイルを読み込み、コンテナを構築する
// インデックスのロードは行わない
func (r *Runner) NewAppContext(ctx context.Context, envFile string, extra ...container.Option) (*AppContext, error) {
	cfg, err := config.Load(envFile)
	if err != nil {
		return nil, fmt.Errorf("設定の読み込みに失敗: %w", err)
	}

	appLogger := logger.New(logger.Config{
		Level:  logger.ParseLevel(cfg.Log.Level),
		Format: cfg.Log.Format,
		Output: r.LogOutput,
	})

	opts := append([]container.Option{container.WithLogger(appLogger)}, r.Options...)
	opts = append(opts, extra...)

	cont, err := container.New(ctx, cfg, opts...)
	if err != nil {
		return nil, fmt.Errorf("コンテナの初期化に失敗: %w", err)
	}

	return &AppContext{Container: cont}, nil
}

// NewIndexedAppContext はコンテナを構築し、ベクトルインデックスがメモリ上にある場合はストアの全件でロードする
// ロードはコーパス全体を埋め込み直すため、インデックスを検索するコマンドだけが使う
func (r *Runner) NewIndexedAppContext(ctx context.Context, envFile string, extra ...container.Option) (*AppContext, error) {
	appCtx, err := r.NewAppContext(ctx, envFile, extra...)
	if err != nil {
		return nil, err
	}
	if appCtx.Container.Config.VectorIndex.Backend != "pgvector" {
		if err := appCtx.Container.Init(ctx); err != nil {
			appCtx.Close()
			return nil, fmt.Errorf("インデックスのロードに失敗: %w", err)
		}
	}
	return appCtx, nil
}

// Close はAppContextが保持するリソースをクリーンアップする
func (ac *AppContext) Close() {
	if ac.Container != nil {
		ac.Container.Close()
	}
}

// Logger はAppContextのロガーを返す
func (ac *AppContext) Logger() *slog.Logger {
	if ac.Container != nil {
		return ac.Container.Logger()
	}
	return slog.Default()
}
