package normalize

import (
	"encoding/json"
	"fmt"
	"strings"
)

const (
	// TypeCandidateLimit は型判定で提示する候補型の数
	TypeCandidateLimit = 7

	// ExampleLimit は正規化で提示する作業例の数
	ExampleLimit = 3

	// Temperature は両段階のLLM呼び出しの温度設定
	Temperature = 0.0
)

const typePromptTemplate = `
/no_think
Ты должен определить тип товара по заданному тексту.

Текст:
%s

Возможные типы:
%s

Ответ должен быть либо одним из заданных типов, либо "неизвестно".
Выведи в ответе только тип, без дополнительных комментариев или лишнего текста.

Тип: 
`

const normalizePromptTemplate = `
/no_think
Ты должен нормализовать заданный товар в json формат.
Ключи - названия атрибутов, значения - значения атрибутов.
Если атрибут неизвестен, напиши "Неизвестно".

Текст:
%s

Ответ должен быть заданном формате:
` + "```json" + `
%s
` + "```" + `
`

// FewShot はプロンプトに含める作業例（属性はスキーマに揃え済み）
type FewShot struct {
	Text   string
	Record map[string]any
}

// BuildTypePrompt は型判定プロンプトを構築する
func BuildTypePrompt(text string, candidates []string) string {
	return fmt.Sprintf(typePromptTemplate, text, strings.Join(candidates, "\n"))
}

// BuildNormalizePrompt は正規化プロンプトを構築する
// 出力形式のキーは attributes の順、作業例も同じ順で描画する
func BuildNormalizePrompt(text string, attributes []string, examples []FewShot) string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf(normalizePromptTemplate, text, attributeSkeleton(attributes)))
	b.WriteString("\n\nПримеры нормализации:\n")

	rendered := make([]string, 0, len(examples))
	for _, ex := range examples {
		rendered = append(rendered, fmt.Sprintf("Текст: %s\nНормализованный товар: %s", ex.Text, RenderRecord(ex.Record, attributes)))
	}
	b.WriteString(strings.Join(rendered, "\n\n"))

	return b.String()
}

// attributeSkeleton は値を "..." にした出力形式の見本を返す
func attributeSkeleton(attributes []string) string {
	lines := make([]string, len(attributes))
	for i, attr := range attributes {
		sep := ","
		if i == len(attributes)-1 {
			sep = ""
		}
		lines[i] = fmt.Sprintf("    %s: \"...\"%s", quote(attr), sep)
	}
	return "{\n" + strings.Join(lines, "\n") + "\n}"
}

// RenderRecord はレコードを keys の順で1行のJSONとして描画する
func RenderRecord(record map[string]any, keys []string) string {
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		v, ok := record[k]
		if !ok {
			continue
		}
		value, err := json.Marshal(v)
		if err != nil {
			value = []byte(quote(fmt.Sprint(v)))
		}
		parts = append(parts, quote(k)+": "+string(value))
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

func quote(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}
