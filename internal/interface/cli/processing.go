package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/jinford/product-rag/internal/core/batch"
	"github.com/jinford/product-rag/internal/core/validation"
	"github.com/jinford/product-rag/internal/platform/container"
)

const progressInterval = 2 * time.Second

// NormalizeTextAction は1件のテキストを分類・正規化して結果を表示する
func (r *Runner) NormalizeTextAction(ctx context.Context, cmd *cli.Command) error {
	text := cmd.String("text")
	if text == "" {
		return fmt.Errorf("--text を指定してください")
	}

	appCtx, err := r.NewIndexedAppContext(ctx, cmd.String("env"))
	if err != nil {
		return err
	}
	defer appCtx.Close()

	c := appCtx.Container
	outcome, err := c.Engine.NormalizeText(ctx, text, c.Catalog)
	if err != nil {
		return err
	}

	return writeJSONFile(r.Out, "", normalizeOutput{
		Type:   outcome.Type,
		Known:  outcome.Known,
		Record: outcome.Record,
	})
}

// NormalizeBatchAction はファイルの各行を並列に処理し、型ごとのグループを出力する
func (r *Runner) NormalizeBatchAction(ctx context.Context, cmd *cli.Command) error {
	in, err := openInput(cmd.String("input"))
	if err != nil {
		return err
	}
	texts, err := readTextLines(in)
	in.Close()
	if err != nil {
		return err
	}

	progress := newProgressLogger(progressInterval)

	appCtx, err := r.NewIndexedAppContext(ctx, cmd.String("env"), container.WithProgress(progress.log))
	if err != nil {
		return err
	}
	defer appCtx.Close()

	log := appCtx.Logger()
	progress.setLogger(log)
	log.Info("バッチ処理を開始します", "rows", len(texts))

	result, err := appCtx.Container.Orchestrator.Run(ctx, texts)
	if err != nil {
		return err
	}

	if err := writeJSONFile(r.Out, cmd.String("output"), newBatchOutput(result)); err != nil {
		return err
	}

	log.Info("バッチ処理が完了しました",
		"batchID", result.BatchID,
		"rows", len(result.Rows),
		"failed", result.Failed(),
		"groups", len(result.Groups),
		"duration", result.Duration.Round(time.Millisecond),
	)
	return nil
}

// ValidateAction は JSON Lines の検証ペアで精度を測定する
func (r *Runner) ValidateAction(ctx context.Context, cmd *cli.Command) error {
	in, err := openInput(cmd.String("input"))
	if err != nil {
		return err
	}
	pairs, err := readPairs(in)
	in.Close()
	if err != nil {
		return err
	}

	appCtx, err := r.NewIndexedAppContext(ctx, cmd.String("env"))
	if err != nil {
		return err
	}
	defer appCtx.Close()

	report, err := appCtx.Container.Validator.Validate(ctx, pairs)
	if err != nil {
		return err
	}

	if out := cmd.String("output"); out != "" {
		if err := writeJSONFile(r.Out, out, report); err != nil {
			return err
		}
	}

	fmt.Fprint(r.Out, formatReportSummary(report))
	return nil
}

type normalizeOutput struct {
	Type   string         `json:"type"`
	Known  bool           `json:"known"`
	Record map[string]any `json:"record"`
}

type batchRowOutput struct {
	Index  int            `json:"index"`
	Text   string         `json:"text"`
	Record map[string]any `json:"record"`
}

type batchErrorOutput struct {
	Index int    `json:"index"`
	Text  string `json:"text"`
	Error string `json:"error"`
}

type batchGroupOutput struct {
	Type    string           `json:"type"`
	Columns []string         `json:"columns"`
	Rows    []batchRowOutput `json:"rows"`
}

type batchOutput struct {
	BatchID    string             `json:"batch_id"`
	Total      int                `json:"total"`
	Failed     int                `json:"failed"`
	DurationMs int64              `json:"duration_ms"`
	Groups     []batchGroupOutput `json:"groups"`
	Errors     []batchErrorOutput `json:"errors"`
}

func newBatchOutput(result *batch.Result) batchOutput {
	out := batchOutput{
		BatchID:    result.BatchID.String(),
		Total:      len(result.Rows),
		Failed:     result.Failed(),
		DurationMs: result.Duration.Milliseconds(),
		Groups:     make([]batchGroupOutput, 0, len(result.Groups)),
		Errors:     make([]batchErrorOutput, 0),
	}
	for _, g := range result.Groups {
		group := batchGroupOutput{
			Type:    g.Type,
			Columns: g.Columns,
			Rows:    make([]batchRowOutput, 0, len(g.Rows)),
		}
		for _, row := range g.Rows {
			group.Rows = append(group.Rows, batchRowOutput{Index: row.Index, Text: row.Text, Record: row.Record})
		}
		out.Groups = append(out.Groups, group)
	}

	// グループに入らない失敗行は入力位置とエラーで残す
	for _, row := range result.Rows {
		if row.Err != nil {
			out.Errors = append(out.Errors, batchErrorOutput{Index: row.Index, Text: row.Text, Error: row.Err.Error()})
		}
	}
	return out
}

// formatReportSummary は検証結果の要約を人が読める形式で返す
func formatReportSummary(report *validation.Report) string {
	s := fmt.Sprintf("=== 検証結果 (run %s) ===\n", report.RunID)
	s += fmt.Sprintf("レコード: %d/%d 一致 (%.1f%%)\n", report.Matched, report.Total, report.Accuracy()*100)
	s += fmt.Sprintf("キーと値のペア: %d/%d 正解 (%.1f%%)\n", report.CorrectPairs, report.TotalPairs, report.PairAccuracy()*100)
	for _, row := range report.Rows {
		if row.Matched {
			continue
		}
		s += fmt.Sprintf("- #%d [%s] %s\n", row.Index, row.Type, row.Text)
		if row.Error != "" {
			s += fmt.Sprintf("    error: %s\n", row.Error)
		}
		for _, m := range row.Mismatches {
			s += fmt.Sprintf("    %s: expected=%v actual=%v\n", m.Key, m.Expected, m.Actual)
		}
	}
	return s
}
