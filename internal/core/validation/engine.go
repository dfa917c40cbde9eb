package validation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/jinford/product-rag/internal/core/batch"
	"github.com/jinford/product-rag/internal/core/normalize"
)

// Pair は検証用の (入力テキスト, 期待レコード)
type Pair struct {
	Text     string         `json:"unnormalized_text"`
	Expected map[string]any `json:"expected_json"`
}

// RowReport は1ペアの検証結果
// Expected / Actual はキーを正規化する前のレコード
type RowReport struct {
	Index    int            `json:"index"`
	Text     string         `json:"unnormalized_text"`
	Type     string         `json:"type"`
	Expected map[string]any `json:"expected_json"`
	Actual   map[string]any `json:"actual_json"`
	Comparison
	Error string `json:"error,omitempty"`
}

// Report は検証全体の集計
type Report struct {
	RunID          uuid.UUID     `json:"run_id"`
	Total          int           `json:"total"`
	Matched        int           `json:"matched"`
	Mismatched     int           `json:"mismatched"`
	TotalPairs     int           `json:"total_pairs"`
	CorrectPairs   int           `json:"correct_pairs"`
	IncorrectPairs int           `json:"incorrect_pairs"`
	Rows           []RowReport   `json:"rows"`
	Duration       time.Duration `json:"duration_ns"`
}

// Accuracy は一致したレコードの割合を返す
func (r *Report) Accuracy() float64 {
	if r.Total == 0 {
		return 0
	}
	return float64(r.Matched) / float64(r.Total)
}

// PairAccuracy は正解したキーと値のペアの割合を返す
func (r *Report) PairAccuracy() float64 {
	if r.TotalPairs == 0 {
		return 0
	}
	return float64(r.CorrectPairs) / float64(r.TotalPairs)
}

// Runner はテキスト列を分類・正規化する
type Runner interface {
	Run(ctx context.Context, texts []string) (*batch.Result, error)
}

// Recorder は検証結果を記録する
type Recorder interface {
	ObserveValidation(matched, mismatched int)
}

type noopRecorder struct{}

func (noopRecorder) ObserveValidation(int, int) {}

// Engine は正規化結果を期待値と突き合わせる
type Engine struct {
	runner   Runner
	logger   *slog.Logger
	recorder Recorder
}

// EngineOption は Engine のオプション
type EngineOption func(*Engine)

// WithValidationLogger はロガーを設定する
func WithValidationLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithValidationRecorder はメトリクスの記録先を設定する
func WithValidationRecorder(recorder Recorder) EngineOption {
	return func(e *Engine) {
		e.recorder = recorder
	}
}

// NewEngine は新しい Engine を作成する
func NewEngine(runner Runner, opts ...EngineOption) *Engine {
	e := &Engine{
		runner:   runner,
		logger:   slog.Default(),
		recorder: noopRecorder{},
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.recorder == nil {
		e.recorder = noopRecorder{}
	}
	return e
}

// Validate は各ペアを分類・正規化し、期待レコードと比較する
//
// 不一致はエラーではなくデータとして扱い、すべてのペアが結果に含まれる。
// 型が未知またはスキーマがない行、処理に失敗した行は、ペアを評価せずに不一致とする。
func (e *Engine) Validate(ctx context.Context, pairs []Pair) (*Report, error) {
	start := time.Now()
	report := &Report{
		RunID: uuid.New(),
		Rows:  make([]RowReport, 0, len(pairs)),
	}

	texts := make([]string, len(pairs))
	for i, p := range pairs {
		texts[i] = p.Text
	}

	result, err := e.runner.Run(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("failed to run validation batch: %w", err)
	}
	if len(result.Rows) != len(pairs) {
		return nil, fmt.Errorf("batch returned %d rows for %d pairs", len(result.Rows), len(pairs))
	}

	for i, pair := range pairs {
		row := result.Rows[i]
		rr := RowReport{
			Index:    i,
			Text:     pair.Text,
			Type:     row.Type,
			Expected: pair.Expected,
		}

		switch {
		case row.Err != nil:
			rr.Comparison = Comparison{Mismatches: []Mismatch{}}
			rr.Error = row.Err.Error()
		case !row.Known:
			rr.Actual = normalize.UnknownRecord()
			rr.Comparison = Comparison{Mismatches: []Mismatch{}}
		default:
			rr.Actual = row.Record
			rr.Comparison = Compare(pair.Expected, row.Record)
		}

		report.Total++
		if rr.Matched {
			report.Matched++
		} else {
			report.Mismatched++
		}
		report.TotalPairs += rr.Total
		report.CorrectPairs += rr.Correct
		report.IncorrectPairs += rr.Incorrect
		report.Rows = append(report.Rows, rr)
	}

	report.Duration = time.Since(start)
	e.recorder.ObserveValidation(report.Matched, report.Mismatched)
	e.logger.Info("validation finished",
		"run_id", report.RunID,
		"total", report.Total,
		"matched", report.Matched,
		"mismatched", report.Mismatched,
		"total_pairs", report.TotalPairs,
		"correct_pairs", report.CorrectPairs,
		"incorrect_pairs", report.IncorrectPairs,
	)

	return report, nil
}
