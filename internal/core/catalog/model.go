package catalog

import (
	"strings"

	"github.com/samber/mo"
)

const (
	// UnknownType は「確信を持って分類できない」ことを表す予約済みの型名
	UnknownType = "неизвестно"

	// UnknownValue は属性値を決定できなかったことを表す値
	UnknownValue = "Неизвестно"

	// TypeField はインポート行で型名を保持するキー
	TypeField = "тип"
)

// Schema は1つの型に対応する順序付き属性リスト
type Schema struct {
	ID         int64    `json:"id"`
	Type       string   `json:"type"`
	Attributes []string `json:"attributes"`
}

// Example は少数ショット用の作業例 (入力テキスト, 型, 正規化レコード)
type Example struct {
	ID               int64             `json:"id"`
	Type             string            `json:"type"`
	UnnormalizedText string            `json:"unnormalized_text"`
	NormalizedJSON   map[string]string `json:"normalized_json"`
}

// CreateSchemaParams はスキーマ作成パラメータ
type CreateSchemaParams struct {
	Type       string
	Attributes []string
}

// UpdateSchemaParams はスキーマ更新パラメータ（未指定の項目は変更しない）
type UpdateSchemaParams struct {
	Type       mo.Option[string]
	Attributes mo.Option[[]string]
}

// CreateExampleParams は作業例作成パラメータ
type CreateExampleParams struct {
	Type             string
	UnnormalizedText string
	NormalizedJSON   map[string]string
}

// UpdateExampleParams は作業例更新パラメータ（未指定の項目は変更しない）
type UpdateExampleParams struct {
	Type             mo.Option[string]
	UnnormalizedText mo.Option[string]
	NormalizedJSON   mo.Option[map[string]string]
}

// ListParams は一覧取得のページング条件
type ListParams struct {
	Skip  int
	Limit int // 0 以下の場合は全件
}

// ExampleFilter は作業例一覧の条件
type ExampleFilter struct {
	ListParams
	Type mo.Option[string]
}

// Normalize は型名・属性名・値に共通の正規化（前後空白除去 + 小文字化）
func Normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// NormalizeAttributes は属性リストを正規化する（順序は保持）
func NormalizeAttributes(attrs []string) []string {
	out := make([]string, 0, len(attrs))
	for _, a := range attrs {
		out = append(out, Normalize(a))
	}
	return out
}

// NormalizeRecord はレコードのキーと値を正規化する
func NormalizeRecord(record map[string]string) map[string]string {
	out := make(map[string]string, len(record))
	for k, v := range record {
		out[Normalize(k)] = Normalize(v)
	}
	return out
}

// IsUnknownType は型名が未知センチネルかどうかを判定する
func IsUnknownType(t string) bool {
	return Normalize(t) == UnknownType
}
