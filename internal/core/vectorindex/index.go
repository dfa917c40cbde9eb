package vectorindex

import (
	"context"
	"errors"
)

// Collection はインデックス内のコレクション名
type Collection string

const (
	// Examples は (テキスト, 型, 正規化レコード) の作業例コレクション
	Examples Collection = "examples"
	// Schemas は (型名, 属性リスト) のスキーマコレクション
	Schemas Collection = "schemas"
)

// Collections は管理対象の全コレクション
var Collections = []Collection{Examples, Schemas}

// ErrUnknownCollection は未知のコレクションが指定された場合のエラー
var ErrUnknownCollection = errors.New("unknown collection")

// Entry はインデックスに格納される1件のドキュメント
type Entry struct {
	ID        string
	Embedding []float32
	Document  string
	Metadata  map[string]string
}

// Hit は近傍検索の結果1件
type Hit struct {
	ID       string
	Document string
	Metadata map[string]string
	// Distance はコサイン距離（0 が最も近い）
	Distance float64
}

// Similarity はコサイン類似度を返す
func (h Hit) Similarity() float64 {
	return 1 - h.Distance
}

// Query は近傍検索のパラメータ
type Query struct {
	Embedding []float32
	// K は返す最大件数。コレクション件数より大きい場合は全件を返す
	K int
	// Filter はメタデータの完全一致条件（距離順に並べた後に適用）
	Filter map[string]string
}

// Index は2つのコレクションを持つベクトルインデックスのポート
// プロセス起動時に一度だけ Replace で全件ロードし、その後は読み書きする
type Index interface {
	// Add は ID をキーに upsert する
	Add(ctx context.Context, c Collection, entries ...Entry) error
	// Delete は存在しない ID を無視する
	Delete(ctx context.Context, c Collection, ids ...string) error
	// Query は距離の昇順で最大 K 件を返す
	Query(ctx context.Context, c Collection, q Query) ([]Hit, error)
	// Count はコレクション内の件数を返す
	Count(ctx context.Context, c Collection) (int, error)
	// Reset はコレクションを空にする
	Reset(ctx context.Context, c Collection) error
	// Replace はコレクションの内容を entries に置き換える
	// 読み手からは置き換え前か後のどちらかだけが見える
	Replace(ctx context.Context, c Collection, entries ...Entry) error
}

// ValidCollection はコレクション名が既知かどうかを判定する
func ValidCollection(c Collection) bool {
	for _, known := range Collections {
		if c == known {
			return true
		}
	}
	return false
}

// MatchesFilter はメタデータがフィルタの全条件を満たすかを判定する
func MatchesFilter(metadata, filter map[string]string) bool {
	for k, v := range filter {
		if metadata[k] != v {
			return false
		}
	}
	return true
}
