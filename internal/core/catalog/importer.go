package catalog

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// ImportField はインポート行の1項目
type ImportField struct {
	Key   string
	Value string
}

// ImportRow はキー順を保持したインポート行
type ImportRow []ImportField

// Get はキーに対応する値を返す
func (r ImportRow) Get(key string) (string, bool) {
	for _, f := range r {
		if f.Key == key {
			return f.Value, true
		}
	}
	return "", false
}

// Keys は出現順のキー一覧を返す
func (r ImportRow) Keys() []string {
	keys := make([]string, len(r))
	for i, f := range r {
		keys[i] = f.Key
	}
	return keys
}

// Values は出現順の値一覧を返す
func (r ImportRow) Values() []string {
	values := make([]string, len(r))
	for i, f := range r {
		values[i] = f.Value
	}
	return values
}

// Map は行をマップに変換する
func (r ImportRow) Map() map[string]string {
	m := make(map[string]string, len(r))
	for _, f := range r {
		m[f.Key] = f.Value
	}
	return m
}

// normalized はキー・値を正規化し、重複キーは最初の位置に最後の値を残す
func (r ImportRow) normalized() ImportRow {
	out := make(ImportRow, 0, len(r))
	pos := make(map[string]int, len(r))
	for _, f := range r {
		k, v := Normalize(f.Key), Normalize(f.Value)
		if i, ok := pos[k]; ok {
			out[i].Value = v
			continue
		}
		pos[k] = len(out)
		out = append(out, ImportField{Key: k, Value: v})
	}
	return out
}

// ImportFormat はインポートファイルの形式
type ImportFormat string

const (
	FormatJSONL ImportFormat = "jsonl"
	FormatJSON  ImportFormat = "json"
	FormatYAML  ImportFormat = "yaml"
)

// FormatFromPath は拡張子からインポート形式を判定する
func FormatFromPath(path string) (ImportFormat, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jsonl", ".ndjson":
		return FormatJSONL, nil
	case ".json":
		return FormatJSON, nil
	case ".yaml", ".yml":
		return FormatYAML, nil
	default:
		return "", fmt.Errorf("%w: unsupported import file extension %q", ErrInvalidInput, filepath.Ext(path))
	}
}

var curlyQuotes = strings.NewReplacer("“", `"`, "”", `"`)

// ParseImportRows はインポートファイルを行の列に変換する
// 全角の引用符は通常の二重引用符として扱う
func ParseImportRows(r io.Reader, format ImportFormat) ([]ImportRow, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read import data: %w", err)
	}

	var rows []ImportRow
	switch format {
	case FormatJSONL:
		rows, err = parseJSONL(curlyQuotes.Replace(string(data)))
	case FormatJSON:
		rows, err = parseJSONArray(curlyQuotes.Replace(string(data)))
	case FormatYAML:
		rows, err = parseYAML(data)
	default:
		return nil, fmt.Errorf("%w: unsupported import format %q", ErrInvalidInput, format)
	}
	if err != nil {
		return nil, err
	}

	for i := range rows {
		rows[i] = rows[i].normalized()
	}
	return rows, nil
}

func parseJSONL(data string) ([]ImportRow, error) {
	var rows []ImportRow
	scanner := bufio.NewScanner(strings.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		dec := json.NewDecoder(strings.NewReader(line))
		row, err := decodeObject(dec)
		if err != nil {
			return nil, fmt.Errorf("%w: line %d: %v", ErrInvalidInput, lineNo, err)
		}
		rows = append(rows, row)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan import data: %w", err)
	}
	return rows, nil
}

func parseJSONArray(data string) ([]ImportRow, error) {
	dec := json.NewDecoder(strings.NewReader(data))
	if err := expectDelim(dec, '['); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	var rows []ImportRow
	for dec.More() {
		row, err := decodeObject(dec)
		if err != nil {
			return nil, fmt.Errorf("%w: element %d: %v", ErrInvalidInput, len(rows), err)
		}
		rows = append(rows, row)
	}
	if err := expectDelim(dec, ']'); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return rows, nil
}

// decodeObject はキー順を保持したまま1つのJSONオブジェクトを読む
func decodeObject(dec *json.Decoder) (ImportRow, error) {
	if err := expectDelim(dec, '{'); err != nil {
		return nil, err
	}

	var row ImportRow
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, ok := tok.(string)
		if !ok {
			return nil, fmt.Errorf("unexpected key token %v", tok)
		}

		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return nil, fmt.Errorf("value of %q: %w", key, err)
		}
		row = append(row, ImportField{Key: key, Value: rawToString(raw)})
	}

	if err := expectDelim(dec, '}'); err != nil {
		return nil, err
	}
	return row, nil
}

func expectDelim(dec *json.Decoder, want json.Delim) error {
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != want {
		return fmt.Errorf("expected %q, got %v", want, tok)
	}
	return nil
}

func rawToString(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	if bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return ""
	}
	return string(bytes.TrimSpace(raw))
}

func parseYAML(data []byte) ([]ImportRow, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if len(doc.Content) == 0 {
		return nil, nil
	}

	root := doc.Content[0]
	if root.Kind != yaml.SequenceNode {
		return nil, fmt.Errorf("%w: yaml import must be a sequence of mappings", ErrInvalidInput)
	}

	rows := make([]ImportRow, 0, len(root.Content))
	for i, item := range root.Content {
		if item.Kind != yaml.MappingNode {
			return nil, fmt.Errorf("%w: element %d is not a mapping", ErrInvalidInput, i)
		}
		row := make(ImportRow, 0, len(item.Content)/2)
		for j := 0; j+1 < len(item.Content); j += 2 {
			k, v := item.Content[j], item.Content[j+1]
			if v.Kind != yaml.ScalarNode {
				return nil, fmt.Errorf("%w: element %d: value of %q must be a scalar", ErrInvalidInput, i, k.Value)
			}
			row = append(row, ImportField{Key: k.Value, Value: v.Value})
		}
		rows = append(rows, row)
	}
	return rows, nil
}
