package container

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jinford/product-rag/internal/core/batch"
	"github.com/jinford/product-rag/internal/core/catalog"
	"github.com/jinford/product-rag/internal/core/llm"
	"github.com/jinford/product-rag/internal/core/normalize"
	"github.com/jinford/product-rag/internal/core/validation"
	"github.com/jinford/product-rag/internal/core/vectorindex"
	"github.com/jinford/product-rag/internal/infra/openai"
	"github.com/jinford/product-rag/internal/infra/postgres"
	"github.com/jinford/product-rag/internal/infra/sqlite"
	"github.com/jinford/product-rag/internal/platform/database"
	"github.com/jinford/product-rag/internal/platform/metrics"
	"github.com/jinford/product-rag/pkg/config"
	"github.com/jinford/product-rag/pkg/db"
)

// Container はアプリケーション全体の依存関係を保持する
// インデックスは New の後に Init で一度だけ全件ロードする
type Container struct {
	Config       *config.Config
	Catalog      *catalog.Service
	Engine       *normalize.Engine
	Orchestrator *batch.Orchestrator
	Validator    *validation.Engine
	Index        vectorindex.Index
	Metrics      *metrics.Recorder

	logger  *slog.Logger
	locker  catalog.RebuildLocker
	closers []func()
}

type containerOptions struct {
	logger   *slog.Logger
	embedder llm.Embedder
	client   llm.Client
	store    catalog.Store
	index    vectorindex.Index
	progress func(batch.Progress)
}

// Option は Container 構築時のオプション
type Option func(*containerOptions)

// WithLogger はロガーを差し替える
func WithLogger(logger *slog.Logger) Option {
	return func(o *containerOptions) {
		o.logger = logger
	}
}

// WithEmbedder はカスタム Embedder を注入する
func WithEmbedder(embedder llm.Embedder) Option {
	return func(o *containerOptions) {
		o.embedder = embedder
	}
}

// WithLLMClient は LLM クライアントを差し替える
func WithLLMClient(client llm.Client) Option {
	return func(o *containerOptions) {
		o.client = client
	}
}

// WithStore はリレーショナルストアを差し替える
func WithStore(store catalog.Store) Option {
	return func(o *containerOptions) {
		o.store = store
	}
}

// WithIndex はベクトルインデックスを差し替える
func WithIndex(index vectorindex.Index) Option {
	return func(o *containerOptions) {
		o.index = index
	}
}

// WithProgress はバッチ処理の進捗通知先を設定する
func WithProgress(fn func(batch.Progress)) Option {
	return func(o *containerOptions) {
		o.progress = fn
	}
}

// New は設定からコンテナを生成する
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Container, error) {
	options := containerOptions{logger: slog.Default()}
	for _, opt := range opts {
		opt(&options)
	}
	if options.logger == nil {
		options.logger = slog.Default()
	}
	log := options.logger

	c := &Container{
		Config:  cfg,
		Metrics: metrics.New(),
		logger:  log,
	}

	store, index, err := c.openStorage(ctx, cfg, options)
	if err != nil {
		c.Close()
		return nil, err
	}
	c.Index = index

	// Embedder / LLMClient (OpenAI互換API)
	embedder := options.embedder
	if embedder == nil {
		emb := openai.NewEmbedder(
			cfg.Provider.BaseURL,
			cfg.Provider.APIKey,
			openai.WithEmbeddingModel(cfg.Provider.EmbeddingModel),
			openai.WithEmbeddingDimension(cfg.Provider.EmbeddingDimension),
			openai.WithMaxBatchSize(cfg.Provider.EmbeddingMaxBatch),
		)
		log.Info("embedding provider configured",
			"model", emb.ModelName(),
			"dimension", emb.Dimension(),
			"maxBatchSize", emb.MaxBatchSize(),
		)
		embedder = emb
	}

	client := options.client
	if client == nil {
		tokenCounter, err := openai.NewTokenCounter()
		if err != nil {
			log.Warn("tiktoken encoding unavailable, falling back to estimated token counts", "error", err)
		}
		chat := openai.NewChatClient(
			cfg.Provider.BaseURL,
			cfg.Provider.APIKey,
			openai.WithChatModel(cfg.Provider.LLMModel),
			openai.WithTimeout(cfg.Provider.Timeout),
			openai.WithTokenCounter(tokenCounter),
			openai.WithChatLogger(log),
		)
		log.Info("chat provider configured", "model", chat.ModelName(), "timeout", cfg.Provider.Timeout)
		client = chat
	}

	throttledEmbedder := llm.NewThrottledEmbedder(embedder, cfg.Provider.RequestsPerSecond, c.Metrics)
	throttledClient := llm.NewThrottledClient(client, cfg.Provider.RequestsPerSecond, c.Metrics)

	catalogOpts := []catalog.ServiceOption{
		catalog.WithCatalogLogger(log),
		catalog.WithMirrorRecorder(c.Metrics),
	}
	if c.locker != nil {
		catalogOpts = append(catalogOpts, catalog.WithRebuildLocker(c.locker))
	}
	c.Catalog = catalog.NewService(store, index, throttledEmbedder, catalogOpts...)

	engineOpts := []normalize.EngineOption{
		normalize.WithEngineLogger(log),
		normalize.WithEngineRecorder(c.Metrics),
		normalize.WithModel(cfg.Provider.LLMModel),
	}
	if cfg.Pipeline.TypeMinSimilarity > 0 {
		engineOpts = append(engineOpts, normalize.WithMinTypeSimilarity(cfg.Pipeline.TypeMinSimilarity))
	}
	c.Engine = normalize.NewEngine(index, throttledEmbedder, throttledClient, engineOpts...)

	c.Orchestrator = batch.NewOrchestrator(
		c.Engine,
		c.Catalog,
		batch.WithConcurrency(cfg.Pipeline.Concurrency),
		batch.WithTaskTimeout(cfg.Pipeline.TaskTimeout),
		batch.WithOrchestratorLogger(log),
		batch.WithBatchRecorder(c.Metrics),
		batch.WithProgressCallback(options.progress),
	)

	c.Validator = validation.NewEngine(
		c.Orchestrator,
		validation.WithValidationLogger(log),
		validation.WithValidationRecorder(c.Metrics),
	)

	return c, nil
}

// openStorage はリレーショナルストアとベクトルインデックスを構築する
func (c *Container) openStorage(ctx context.Context, cfg *config.Config, options containerOptions) (catalog.Store, vectorindex.Index, error) {
	store := options.store
	index := options.index
	if store != nil && index != nil {
		return store, index, nil
	}

	switch cfg.Database.Driver {
	case "sqlite":
		if store == nil {
			s, err := sqlite.Open(ctx, cfg.Database.SQLitePath)
			if err != nil {
				return nil, nil, fmt.Errorf("failed to open sqlite store: %w", err)
			}
			c.closers = append(c.closers, func() { _ = s.Close() })
			store = s
		}
		if index == nil {
			index = vectorindex.NewMemoryIndex()
		}

	default:
		withVector := cfg.VectorIndex.Backend == "pgvector"
		pg, err := db.New(ctx, db.ConnectionParams{
			Host:         cfg.Database.Host,
			Port:         cfg.Database.Port,
			User:         cfg.Database.User,
			Password:     cfg.Database.Password,
			DBName:       cfg.Database.DBName,
			SSLMode:      cfg.Database.SSLMode,
			EnableVector: withVector,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize database: %w", err)
		}
		c.closers = append(c.closers, pg.Close)

		if err := postgres.Migrate(ctx, pg.Pool, withVector); err != nil {
			return nil, nil, err
		}
		if store == nil {
			store = database.NewCatalogStore(pg.Pool)
		}
		if index == nil {
			if withVector {
				// 共有インデックスの再構築はプロセスをまたいで直列化する
				index = database.NewVectorIndexStore(pg.Pool)
				c.locker = postgres.NewAdvisoryLocker(pg.Pool)
			} else {
				index = vectorindex.NewMemoryIndex()
			}
		}
	}

	return store, index, nil
}

// Init はリレーショナルストアの全件でベクトルインデックスを再構築する
func (c *Container) Init(ctx context.Context) error {
	stats, err := c.Catalog.RebuildIndex(ctx)
	if err != nil {
		return fmt.Errorf("failed to load vector index: %w", err)
	}
	c.logger.Info("vector index loaded", "schemas", stats.Schemas, "examples", stats.Examples)
	return nil
}

// StartResync は interval ごとにインデックスを再構築する
// interval が 0 以下の場合は何もしない。ctx のキャンセルで停止する
func (c *Container) StartResync(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := c.Catalog.VerifyIndex(ctx); err == nil {
					continue
				}
				if _, err := c.Catalog.RebuildIndex(ctx); err != nil {
					c.logger.Error("periodic index rebuild failed", "error", err)
				}
			}
		}
	}()
}

// Close は内部リソースを解放する
func (c *Container) Close() {
	if c == nil {
		return
	}
	for i := len(c.closers) - 1; i >= 0; i-- {
		c.closers[i]()
	}
	c.closers = nil
}

// Logger はロガーを返す
func (c *Container) Logger() *slog.Logger {
	if c == nil || c.logger == nil {
		return slog.Default()
	}
	return c.logger
}
