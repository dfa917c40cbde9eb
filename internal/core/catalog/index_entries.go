package catalog

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/jinford/product-rag/internal/core/vectorindex"
)

// ベクトルインデックスのメタデータキー
const (
	MetadataType           = "type"
	MetadataNormalizedJSON = "normalized_json"
	MetadataAttributes     = "attributes"
)

// EntryID はレコードIDをインデックスのIDに変換する
func EntryID(id int64) string {
	return strconv.FormatInt(id, 10)
}

// SchemaEntry はスキーマをインデックスエントリに変換する（ドキュメントは型名）
func SchemaEntry(s *Schema, embedding []float32) (vectorindex.Entry, error) {
	attrs, err := json.Marshal(s.Attributes)
	if err != nil {
		return vectorindex.Entry{}, fmt.Errorf("failed to marshal attributes: %w", err)
	}
	return vectorindex.Entry{
		ID:        EntryID(s.ID),
		Embedding: embedding,
		Document:  s.Type,
		Metadata: map[string]string{
			MetadataAttributes: string(attrs),
		},
	}, nil
}

// ExampleEntry は作業例をインデックスエントリに変換する（ドキュメントは入力テキスト）
func ExampleEntry(e *Example, embedding []float32) (vectorindex.Entry, error) {
	record, err := json.Marshal(e.NormalizedJSON)
	if err != nil {
		return vectorindex.Entry{}, fmt.Errorf("failed to marshal normalized json: %w", err)
	}
	return vectorindex.Entry{
		ID:        EntryID(e.ID),
		Embedding: embedding,
		Document:  e.UnnormalizedText,
		Metadata: map[string]string{
			MetadataType:           e.Type,
			MetadataNormalizedJSON: string(record),
		},
	}, nil
}

// DecodeExampleRecord は検索結果のメタデータから正規化レコードを復元する
func DecodeExampleRecord(hit vectorindex.Hit) (map[string]any, error) {
	raw, ok := hit.Metadata[MetadataNormalizedJSON]
	if !ok {
		return nil, fmt.Errorf("hit %s has no %s metadata", hit.ID, MetadataNormalizedJSON)
	}
	var record map[string]any
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		return nil, fmt.Errorf("failed to decode normalized json of hit %s: %w", hit.ID, err)
	}
	return record, nil
}
