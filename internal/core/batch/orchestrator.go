package batch

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/jinford/product-rag/internal/core/catalog"
	"github.com/jinford/product-rag/internal/core/normalize"
)

const (
	defaultConcurrency = 8
	defaultTaskTimeout = 120 * time.Second

	// TextField は分類できなかった行の出力キー
	TextField = "text"
)

// Pipeline は1テキスト単位の型判定と正規化
type Pipeline interface {
	DetermineType(ctx context.Context, text string) (string, error)
	Normalize(ctx context.Context, text, typ string, attributes []string) (map[string]any, error)
}

// Recorder はバッチ処理の結果を記録する
type Recorder interface {
	ObserveBatch(rows, failed int, seconds float64)
}

type noopRecorder struct{}

func (noopRecorder) ObserveBatch(int, int, float64) {}

// Row は入力1行の処理結果
type Row struct {
	// Index は入力での位置
	Index int
	// Text は入力テキスト（正規化前）
	Text string
	// Answer はモデルが返した型
	Answer string
	// Type はスキーマが解決できた型、できなければ catalog.UnknownType
	Type string
	// Known はスキーマが解決できたかどうか
	Known  bool
	Record map[string]any
	Err    error
}

// Group は同じ型の行の集まり（行は入力順）
type Group struct {
	Type    string
	Columns []string
	Rows    []Row
}

// Result はバッチ処理の結果
type Result struct {
	BatchID  uuid.UUID
	Rows     []Row
	Groups   []Group
	Duration time.Duration
}

// Failed はエラーになった行の数を返す
func (r *Result) Failed() int {
	n := 0
	for _, row := range r.Rows {
		if row.Err != nil {
			n++
		}
	}
	return n
}

// Progress はバッチ処理の進捗状況
type Progress struct {
	Stage     string
	Total     int
	Completed int
	Failed    int
	Elapsed   time.Duration
}

// String は進捗を文字列表現で返す
func (p Progress) String() string {
	percentage := 0.0
	if p.Total > 0 {
		percentage = float64(p.Completed) / float64(p.Total) * 100
	}
	return fmt.Sprintf("%s: %d/%d (%.1f%%) | Failed: %d | Elapsed: %s",
		p.Stage, p.Completed, p.Total, percentage, p.Failed, p.Elapsed.Round(time.Millisecond))
}

// Orchestrator は行ごとの型判定・正規化を並列実行し、型ごとにまとめ直す
type Orchestrator struct {
	pipeline    Pipeline
	schemas     normalize.SchemaLookup
	concurrency int
	taskTimeout time.Duration
	failFast    bool
	logger      *slog.Logger
	recorder    Recorder
	onProgress  func(Progress)
}

// Option は Orchestrator のオプション
type Option func(*Orchestrator)

// WithConcurrency は同時実行数の上限を設定する
func WithConcurrency(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.concurrency = n
		}
	}
}

// WithTaskTimeout は1タスクあたりのタイムアウトを設定する（0 以下で無制限）
func WithTaskTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		o.taskTimeout = d
	}
}

// WithFailFast は1行の失敗でバッチ全体を失敗させる
func WithFailFast(enabled bool) Option {
	return func(o *Orchestrator) {
		o.failFast = enabled
	}
}

// WithOrchestratorLogger はロガーを設定する
func WithOrchestratorLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = logger
	}
}

// WithBatchRecorder はメトリクスの記録先を設定する
func WithBatchRecorder(recorder Recorder) Option {
	return func(o *Orchestrator) {
		o.recorder = recorder
	}
}

// WithProgressCallback は各タスク完了時に呼ばれるコールバックを設定する
func WithProgressCallback(fn func(Progress)) Option {
	return func(o *Orchestrator) {
		o.onProgress = fn
	}
}

// NewOrchestrator は新しい Orchestrator を作成する
func NewOrchestrator(pipeline Pipeline, schemas normalize.SchemaLookup, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		pipeline:    pipeline,
		schemas:     schemas,
		concurrency: defaultConcurrency,
		taskTimeout: defaultTaskTimeout,
		logger:      slog.Default(),
		recorder:    noopRecorder{},
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.recorder == nil {
		o.recorder = noopRecorder{}
	}
	return o
}

// Run はテキスト列を分類・正規化する
//
// 結果の Rows は常に入力と同じ長さで、Rows[i] は texts[i] に対応する。
// 既定では行ごとのエラーを Row.Err に集め、他の行の処理は続ける。
// WithFailFast を指定した場合は最初のエラーで残りを取り消し、エラーを返す。
func (o *Orchestrator) Run(ctx context.Context, texts []string) (*Result, error) {
	start := time.Now()
	result := &Result{
		BatchID: uuid.New(),
		Rows:    make([]Row, len(texts)),
	}
	logger := o.logger.With("batch_id", result.BatchID)

	inputs := make([]string, len(texts))
	var classify []int
	for i, text := range texts {
		inputs[i] = catalog.Normalize(text)
		result.Rows[i] = Row{Index: i, Text: text}
		// 空のテキストは型判定せず未知として扱う
		if inputs[i] != "" {
			classify = append(classify, i)
		}
	}

	logger.Info("batch started", "rows", len(texts), "concurrency", o.concurrency)

	// 1. 型判定
	err := o.fanOut(ctx, "determine_type", len(classify), func(ctx context.Context, j int) error {
		i := classify[j]
		answer, err := o.pipeline.DetermineType(ctx, inputs[i])
		if err != nil {
			return fmt.Errorf("row %d: determine type: %w", i, err)
		}
		result.Rows[i].Answer = answer
		return nil
	}, func(j int, err error) {
		result.Rows[classify[j]].Err = err
	})
	if err != nil {
		return nil, fmt.Errorf("batch %s failed: %w", result.BatchID, err)
	}

	// 2. 型ごとのスキーマ解決
	schemas, err := o.resolveSchemas(ctx, result.Rows)
	if err != nil {
		return nil, fmt.Errorf("batch %s failed: %w", result.BatchID, err)
	}

	var pending []int
	for i := range result.Rows {
		row := &result.Rows[i]
		if row.Err != nil {
			continue
		}
		schema, ok := schemas[row.Answer]
		if !ok {
			row.Type = catalog.UnknownType
			row.Record = map[string]any{TextField: row.Text}
			continue
		}
		row.Type = schema.Type
		row.Known = true
		pending = append(pending, i)
	}

	// 3. 正規化
	err = o.fanOut(ctx, "normalize", len(pending), func(ctx context.Context, j int) error {
		i := pending[j]
		row := &result.Rows[i]
		schema := schemas[row.Answer]
		record, err := o.pipeline.Normalize(ctx, inputs[i], schema.Type, schema.Attributes)
		if err != nil {
			return fmt.Errorf("row %d: normalize: %w", i, err)
		}
		row.Record = record
		return nil
	}, func(j int, err error) {
		result.Rows[pending[j]].Err = err
	})
	if err != nil {
		return nil, fmt.Errorf("batch %s failed: %w", result.BatchID, err)
	}

	result.Groups = groupRows(result.Rows, schemas)
	result.Duration = time.Since(start)

	failed := result.Failed()
	o.recorder.ObserveBatch(len(texts), failed, result.Duration.Seconds())
	logger.Info("batch finished",
		"rows", len(texts),
		"groups", len(result.Groups),
		"failed", failed,
		"duration", result.Duration,
	)

	return result, nil
}

// fanOut は n 個のタスクを同時実行数の上限付きで実行し、全完了を待つ
// 各タスクは自分の添字の結果だけを書き込む
func (o *Orchestrator) fanOut(
	ctx context.Context,
	stage string,
	n int,
	task func(ctx context.Context, i int) error,
	onErr func(i int, err error),
) error {
	if n == 0 {
		return nil
	}

	g := &errgroup.Group{}
	gctx := ctx
	if o.failFast {
		g, gctx = errgroup.WithContext(ctx)
	}
	g.SetLimit(o.concurrency)

	var mu sync.Mutex
	progress := Progress{Stage: stage, Total: n}
	start := time.Now()

	for i := 0; i < n; i++ {
		g.Go(func() error {
			tctx, cancel := o.taskContext(gctx)
			defer cancel()

			err := task(tctx, i)

			mu.Lock()
			progress.Completed++
			if err != nil {
				progress.Failed++
			}
			progress.Elapsed = time.Since(start)
			snapshot := progress
			mu.Unlock()
			if o.onProgress != nil {
				o.onProgress(snapshot)
			}

			if err == nil {
				return nil
			}
			if o.failFast {
				return err
			}
			onErr(i, err)
			o.logger.Warn("batch task failed", "stage", stage, "error", err)
			return nil
		})
	}

	return g.Wait()
}

func (o *Orchestrator) taskContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if o.taskTimeout > 0 {
		return context.WithTimeout(ctx, o.taskTimeout)
	}
	return context.WithCancel(ctx)
}

// resolveSchemas は判定された型ごとに1回だけスキーマを引く
func (o *Orchestrator) resolveSchemas(ctx context.Context, rows []Row) (map[string]*catalog.Schema, error) {
	schemas := make(map[string]*catalog.Schema)
	failed := make(map[string]error)

	for i := range rows {
		row := &rows[i]
		if row.Err != nil {
			continue
		}
		if err, ok := failed[row.Answer]; ok {
			row.Err = err
			continue
		}
		if _, ok := schemas[row.Answer]; ok {
			continue
		}

		schema, err := normalize.ResolveSchema(ctx, o.schemas, row.Answer)
		if err != nil {
			if o.failFast {
				return nil, err
			}
			failed[row.Answer] = err
			row.Err = err
			continue
		}
		if schema != nil {
			schemas[row.Answer] = schema
		}
	}

	return schemas, nil
}

// groupRows は成功した行を型ごとにまとめる
// グループは型が最初に現れた順、グループ内の行は入力順に並ぶ
func groupRows(rows []Row, schemas map[string]*catalog.Schema) []Group {
	var groups []Group
	pos := make(map[string]int)

	for _, row := range rows {
		if row.Err != nil {
			continue
		}
		i, ok := pos[row.Type]
		if !ok {
			i = len(groups)
			pos[row.Type] = i
			groups = append(groups, Group{Type: row.Type})
		}
		groups[i].Rows = append(groups[i].Rows, row)
	}

	for i := range groups {
		var attrs []string
		if schema, ok := schemaForType(schemas, groups[i].Type); ok {
			attrs = schema.Attributes
		}
		groups[i].Columns = columns(groups[i].Rows, attrs)
	}
	return groups
}

func schemaForType(schemas map[string]*catalog.Schema, typ string) (*catalog.Schema, bool) {
	for _, s := range schemas {
		if s.Type == typ {
			return s, true
		}
	}
	return nil, false
}

// columns はグループ内レコードのキーの和集合を返す
// スキーマの属性順を先頭に、それ以外のキーは辞書順で続ける
func columns(rows []Row, attributes []string) []string {
	present := make(map[string]bool)
	for _, row := range rows {
		for k := range row.Record {
			present[k] = true
		}
	}

	cols := make([]string, 0, len(present))
	for _, attr := range attributes {
		if present[attr] {
			cols = append(cols, attr)
			delete(present, attr)
		}
	}

	extra := make([]string, 0, len(present))
	for k := range present {
		extra = append(extra, k)
	}
	sort.Strings(extra)

	return append(cols, extra...)
}
