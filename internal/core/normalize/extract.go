package normalize

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jinford/product-rag/internal/core/catalog"
)

// ErrMalformedOutput はLLMの応答から期待する形式を取り出せなかったことを表す
var ErrMalformedOutput = errors.New("malformed model output")

const (
	fenceOpen  = "```json"
	fence      = "```"
	thinkOpen  = "<think>"
	thinkClose = "</think>"
)

// Extraction はJSON抽出の結果
// 成功時は Record を持ち、失敗時は Err と元の応答 Raw を持つ
type Extraction struct {
	Record  map[string]any
	Raw     string
	Payload string
	Err     error
}

// OK は抽出に成功したかどうかを返す
func (e Extraction) OK() bool {
	return e.Err == nil && e.Record != nil
}

// ExtractJSON はLLMの自由形式の応答からJSONオブジェクトを取り出す
//
// 最初の開きフェンスと最後の閉じフェンスの間を取り出し、
// 単一引用符を二重引用符に置き換えてから解析する。
func ExtractJSON(raw string) Extraction {
	content := strings.TrimSpace(stripThinking(raw))

	if i := strings.Index(content, fenceOpen); i != -1 {
		content = strings.TrimSpace(content[i+len(fenceOpen):])
	} else if strings.HasPrefix(content, fence) {
		content = strings.TrimSpace(content[len(fence):])
	}
	if i := strings.LastIndex(content, fence); i != -1 {
		content = strings.TrimSpace(content[:i])
	}

	content = strings.ReplaceAll(content, "'", `"`)

	var record map[string]any
	if err := json.Unmarshal([]byte(content), &record); err != nil {
		return Extraction{Raw: raw, Payload: content, Err: fmt.Errorf("%w: %v", ErrMalformedOutput, err)}
	}
	if record == nil {
		return Extraction{Raw: raw, Payload: content, Err: fmt.Errorf("%w: payload is null", ErrMalformedOutput)}
	}
	return Extraction{Record: record, Raw: raw, Payload: content}
}

// CleanTypeAnswer は型判定の応答から思考タグと空白を除き小文字化する
func CleanTypeAnswer(raw string) string {
	answer := strings.ReplaceAll(raw, thinkOpen, "")
	answer = strings.ReplaceAll(answer, thinkClose, "")
	return catalog.Normalize(answer)
}

// stripThinking は応答先頭の <think>...</think> ブロックを取り除く
func stripThinking(raw string) string {
	if i := strings.LastIndex(raw, thinkClose); i != -1 {
		return raw[i+len(thinkClose):]
	}
	return raw
}
