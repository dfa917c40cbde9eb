package cli

import (
	"context"
	"fmt"

	"github.com/samber/mo"
	"github.com/urfave/cli/v3"

	"github.com/jinford/product-rag/internal/core/catalog"
)

// SchemaImportAction はファイルからスキーマを一括登録する
func (r *Runner) SchemaImportAction(ctx context.Context, cmd *cli.Command) error {
	rows, err := readImportFile(cmd.String("file"))
	if err != nil {
		return err
	}

	appCtx, err := r.NewAppContext(ctx, cmd.String("env"))
	if err != nil {
		return err
	}
	defer appCtx.Close()

	stats, err := appCtx.Container.Catalog.ImportSchemas(ctx, rows)
	if err != nil {
		return err
	}
	fmt.Fprintf(r.Out, "✓ スキーマを登録しました: created=%d skipped=%d\n", stats.Created, stats.Skipped)
	return nil
}

// SchemaListAction はスキーマ一覧を表示する
func (r *Runner) SchemaListAction(ctx context.Context, cmd *cli.Command) error {
	appCtx, err := r.NewAppContext(ctx, cmd.String("env"))
	if err != nil {
		return err
	}
	defer appCtx.Close()

	schemas, err := appCtx.Container.Catalog.ListSchemas(ctx, catalog.ListParams{
		Skip:  cmd.Int("skip"),
		Limit: cmd.Int("limit"),
	})
	if err != nil {
		return err
	}
	return writeJSONFile(r.Out, "", schemas)
}

// SchemaShowAction は型名でスキーマを表示する
func (r *Runner) SchemaShowAction(ctx context.Context, cmd *cli.Command) error {
	appCtx, err := r.NewAppContext(ctx, cmd.String("env"))
	if err != nil {
		return err
	}
	defer appCtx.Close()

	schema, err := appCtx.Container.Catalog.GetSchemaByType(ctx, cmd.String("type"))
	if err != nil {
		return err
	}
	return writeJSONFile(r.Out, "", schema)
}

// SchemaDeleteAction はスキーマを削除する
func (r *Runner) SchemaDeleteAction(ctx context.Context, cmd *cli.Command) error {
	appCtx, err := r.NewAppContext(ctx, cmd.String("env"))
	if err != nil {
		return err
	}
	defer appCtx.Close()

	id := cmd.Int64("id")
	if err := appCtx.Container.Catalog.DeleteSchema(ctx, id); err != nil {
		return err
	}
	fmt.Fprintf(r.Out, "✓ スキーマ %d を削除しました\n", id)
	return nil
}

// ExampleImportAction はファイルから作業例を一括登録する
func (r *Runner) ExampleImportAction(ctx context.Context, cmd *cli.Command) error {
	rows, err := readImportFile(cmd.String("file"))
	if err != nil {
		return err
	}

	appCtx, err := r.NewAppContext(ctx, cmd.String("env"))
	if err != nil {
		return err
	}
	defer appCtx.Close()

	stats, err := appCtx.Container.Catalog.ImportExamples(ctx, rows)
	if err != nil {
		return err
	}
	fmt.Fprintf(r.Out, "✓ 作業例を登録しました: created=%d\n", stats.Created)
	return nil
}

// ExampleListAction は作業例一覧を表示する
func (r *Runner) ExampleListAction(ctx context.Context, cmd *cli.Command) error {
	appCtx, err := r.NewAppContext(ctx, cmd.String("env"))
	if err != nil {
		return err
	}
	defer appCtx.Close()

	filter := catalog.ExampleFilter{
		ListParams: catalog.ListParams{Skip: cmd.Int("skip"), Limit: cmd.Int("limit")},
	}
	if t := cmd.String("type"); t != "" {
		filter.Type = mo.Some(t)
	}

	examples, err := appCtx.Container.Catalog.ListExamples(ctx, filter)
	if err != nil {
		return err
	}
	return writeJSONFile(r.Out, "", examples)
}

// IndexRebuildAction はリレーショナルストアからインデックスを再構築する
func (r *Runner) IndexRebuildAction(ctx context.Context, cmd *cli.Command) error {
	appCtx, err := r.NewAppContext(ctx, cmd.String("env"))
	if err != nil {
		return err
	}
	defer appCtx.Close()

	stats, err := appCtx.Container.Catalog.RebuildIndex(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(r.Out, "✓ インデックスを再構築しました: schemas=%d examples=%d\n", stats.Schemas, stats.Examples)
	return nil
}

// IndexVerifyAction はインデックスの件数がストアと一致するか確認する
func (r *Runner) IndexVerifyAction(ctx context.Context, cmd *cli.Command) error {
	appCtx, err := r.NewIndexedAppContext(ctx, cmd.String("env"))
	if err != nil {
		return err
	}
	defer appCtx.Close()

	if err := appCtx.Container.Catalog.VerifyIndex(ctx); err != nil {
		return err
	}
	fmt.Fprintln(r.Out, "✓ インデックスはストアと一致しています")
	return nil
}
