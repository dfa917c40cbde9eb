// Package http は分類・正規化システムの REST インターフェースです
package http

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/jinford/product-rag/internal/core/batch"
	"github.com/jinford/product-rag/internal/core/catalog"
	"github.com/jinford/product-rag/internal/core/normalize"
	"github.com/jinford/product-rag/internal/core/validation"
)

// CatalogService はスキーマと作業例の管理操作
type CatalogService interface {
	CreateSchema(ctx context.Context, params catalog.CreateSchemaParams) (*catalog.Schema, error)
	GetSchema(ctx context.Context, id int64) (*catalog.Schema, error)
	GetSchemaByType(ctx context.Context, schemaType string) (*catalog.Schema, error)
	ListSchemas(ctx context.Context, params catalog.ListParams) ([]*catalog.Schema, error)
	UpdateSchema(ctx context.Context, id int64, params catalog.UpdateSchemaParams) (*catalog.Schema, error)
	DeleteSchema(ctx context.Context, id int64) error

	CreateExample(ctx context.Context, params catalog.CreateExampleParams) (*catalog.Example, error)
	GetExample(ctx context.Context, id int64) (*catalog.Example, error)
	ListExamples(ctx context.Context, filter catalog.ExampleFilter) ([]*catalog.Example, error)
	UpdateExample(ctx context.Context, id int64, params catalog.UpdateExampleParams) (*catalog.Example, error)
	DeleteExample(ctx context.Context, id int64) error

	ImportSchemas(ctx context.Context, rows []catalog.ImportRow) (*catalog.ImportStats, error)
	ImportExamples(ctx context.Context, rows []catalog.ImportRow) (*catalog.ImportStats, error)
	RebuildIndex(ctx context.Context) (*catalog.RebuildStats, error)
	VerifyIndex(ctx context.Context) error
}

// TextNormalizer は1件のテキストを分類・正規化する
type TextNormalizer interface {
	NormalizeText(ctx context.Context, text string, schemas normalize.SchemaLookup) (*normalize.Outcome, error)
}

// BatchRunner は複数テキストをまとめて処理する
type BatchRunner interface {
	Run(ctx context.Context, texts []string) (*batch.Result, error)
}

// Validator は期待レコードとの突き合わせを行う
type Validator interface {
	Validate(ctx context.Context, pairs []validation.Pair) (*validation.Report, error)
}

type Server struct {
	router     *chi.Mux
	catalog    CatalogService
	normalizer TextNormalizer
	runner     BatchRunner
	validator  Validator
	metrics    http.Handler
	logger     *slog.Logger
}

type Options func(*Server)

// WithLogger はアクセスログとエラーログの出力先を設定する
func WithLogger(logger *slog.Logger) Options {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithMetricsHandler は /metrics に公開するハンドラを設定する
func WithMetricsHandler(h http.Handler) Options {
	return func(s *Server) {
		s.metrics = h
	}
}

func New(catalogSvc CatalogService, normalizer TextNormalizer, runner BatchRunner, validator Validator, opts ...Options) *Server {
	r := chi.NewRouter()

	s := &Server{
		router:     r,
		catalog:    catalogSvc,
		normalizer: normalizer,
		runner:     runner,
		validator:  validator,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}

	// Middleware
	r.Use(requestID)
	r.Use(s.accessLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}

	r.Route("/schemas", func(r chi.Router) {
		r.Post("/", s.createSchema)
		r.Get("/", s.listSchemas)
		r.Post("/import", s.importSchemas)
		r.Get("/type/{type}", s.getSchemaByType)
		r.Get("/{id}", s.getSchema)
		r.Put("/{id}", s.updateSchema)
		r.Delete("/{id}", s.deleteSchema)
	})

	r.Route("/examples", func(r chi.Router) {
		r.Post("/", s.createExample)
		r.Get("/", s.listExamples)
		r.Post("/import", s.importExamples)
		r.Get("/{id}", s.getExample)
		r.Put("/{id}", s.updateExample)
		r.Delete("/{id}", s.deleteExample)
	})

	r.Route("/processing", func(r chi.Router) {
		r.Post("/normalize_text", s.normalizeText)
		r.Post("/normalize_batch", s.normalizeBatch)
		r.Post("/validate", s.validate)
	})

	r.Route("/index", func(r chi.Router) {
		r.Post("/rebuild", s.rebuildIndex)
		r.Get("/verify", s.verifyIndex)
	})

	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
