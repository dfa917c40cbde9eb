package commands

import (
	"github.com/urfave/cli/v3"

	appcli "github.com/jinford/product-rag/internal/interface/cli"
)

func envFlag() cli.Flag {
	return &cli.StringFlag{
		Name:  "env",
		Usage: "環境変数ファイルパス",
		Value: ".env",
	}
}

func pagingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.IntFlag{
			Name:  "skip",
			Usage: "先頭から読み飛ばす件数",
		},
		&cli.IntFlag{
			Name:  "limit",
			Usage: "最大件数（0 は全件）",
		},
	}
}

// New はコマンドツリー全体を組み立てる
func New(r *appcli.Runner) *cli.Command {
	return &cli.Command{
		Name:  "product-rag",
		Usage: "商品テキストの分類と属性正規化を行う RAG システム",
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "REST API サーバーを起動",
				Flags: []cli.Flag{
					envFlag(),
					&cli.IntFlag{
						Name:  "port",
						Usage: "待ち受けポート（未指定なら SERVER_PORT）",
					},
				},
				Action: r.ServeAction,
			},
			{
				Name:  "schema",
				Usage: "スキーマ管理コマンド",
				Commands: []*cli.Command{
					{
						Name:  "import",
						Usage: "JSONL / JSON / YAML ファイルからスキーマを登録",
						Flags: []cli.Flag{
							envFlag(),
							&cli.StringFlag{
								Name:     "file",
								Usage:    "取り込むファイル",
								Required: true,
							},
						},
						Action: r.SchemaImportAction,
					},
					{
						Name:   "list",
						Usage:  "スキーマ一覧を表示",
						Flags:  append([]cli.Flag{envFlag()}, pagingFlags()...),
						Action: r.SchemaListAction,
					},
					{
						Name:  "show",
						Usage: "型名でスキーマを表示",
						Flags: []cli.Flag{
							envFlag(),
							&cli.StringFlag{
								Name:     "type",
								Usage:    "型名",
								Required: true,
							},
						},
						Action: r.SchemaShowAction,
					},
					{
						Name:  "delete",
						Usage: "スキーマを削除",
						Flags: []cli.Flag{
							envFlag(),
							&cli.Int64Flag{
								Name:     "id",
								Usage:    "スキーマID",
								Required: true,
							},
						},
						Action: r.SchemaDeleteAction,
					},
				},
			},
			{
				Name:  "example",
				Usage: "作業例管理コマンド",
				Commands: []*cli.Command{
					{
						Name:  "import",
						Usage: "JSONL / JSON / YAML ファイルから作業例を登録",
						Flags: []cli.Flag{
							envFlag(),
							&cli.StringFlag{
								Name:     "file",
								Usage:    "取り込むファイル",
								Required: true,
							},
						},
						Action: r.ExampleImportAction,
					},
					{
						Name:  "list",
						Usage: "作業例一覧を表示",
						Flags: append([]cli.Flag{
							envFlag(),
							&cli.StringFlag{
								Name:  "type",
								Usage: "型名（絞り込み）",
							},
						}, pagingFlags()...),
						Action: r.ExampleListAction,
					},
				},
			},
			{
				Name:  "index",
				Usage: "ベクトルインデックス管理コマンド",
				Commands: []*cli.Command{
					{
						Name:   "rebuild",
						Usage:  "ストアの全件でインデックスを再構築",
						Flags:  []cli.Flag{envFlag()},
						Action: r.IndexRebuildAction,
					},
					{
						Name:   "verify",
						Usage:  "インデックスの件数がストアと一致するか確認",
						Flags:  []cli.Flag{envFlag()},
						Action: r.IndexVerifyAction,
					},
				},
			},
			{
				Name:  "normalize",
				Usage: "分類・正規化コマンド",
				Commands: []*cli.Command{
					{
						Name:  "text",
						Usage: "1件のテキストを分類・正規化",
						Flags: []cli.Flag{
							envFlag(),
							&cli.StringFlag{
								Name:     "text",
								Usage:    "入力テキスト",
								Required: true,
							},
						},
						Action: r.NormalizeTextAction,
					},
					{
						Name:  "batch",
						Usage: "1行1テキストのファイルをまとめて処理",
						Flags: []cli.Flag{
							envFlag(),
							&cli.StringFlag{
								Name:  "input",
								Usage: "入力ファイル（未指定または - で標準入力）",
							},
							&cli.StringFlag{
								Name:  "output",
								Usage: "結果の JSON を書き出すファイル（未指定で標準出力）",
							},
						},
						Action: r.NormalizeBatchAction,
					},
				},
			},
			{
				Name:  "validate",
				Usage: "期待レコード付きのペアで精度を測定",
				Flags: []cli.Flag{
					envFlag(),
					&cli.StringFlag{
						Name:  "input",
						Usage: "JSON Lines のペアファイル（未指定または - で標準入力）",
					},
					&cli.StringFlag{
						Name:  "output",
						Usage: "詳細レポートの JSON を書き出すファイル",
					},
				},
				Action: r.ValidateAction,
			},
		},
	}
}
