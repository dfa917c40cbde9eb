package cli

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/jinford/product-rag/internal/core/catalog"
	"github.com/jinford/product-rag/internal/core/validation"
)

// readImportFile は拡張子から形式を判定して取り込み行を読み込む
func readImportFile(path string) ([]catalog.ImportRow, error) {
	format, err := catalog.FormatFromPath(path)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("ファイルを開けません: %w", err)
	}
	defer f.Close()

	return catalog.ParseImportRows(f, format)
}

// readTextLines は1行1テキストのファイルを読み込む（空行は無視する）
func readTextLines(r io.Reader) ([]string, error) {
	var texts []string
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		texts = append(texts, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("入力の読み込みに失敗: %w", err)
	}
	return texts, nil
}

// readPairs は JSON Lines の検証ペアを読み込む
func readPairs(r io.Reader) ([]validation.Pair, error) {
	var pairs []validation.Pair
	dec := json.NewDecoder(r)
	for i := 0; ; i++ {
		var p validation.Pair
		err := dec.Decode(&p)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: pair %d: %v", catalog.ErrInvalidInput, i, err)
		}
		pairs = append(pairs, p)
	}
	return pairs, nil
}

func openInput(path string) (io.ReadCloser, error) {
	if path == "" || path == "-" {
		return io.NopCloser(os.Stdin), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("入力ファイルを開けません: %w", err)
	}
	return f, nil
}

// writeJSONFile は v を整形済み JSON で path に書き出す（空なら w に書き出す）
func writeJSONFile(w io.Writer, path string, v any) error {
	if path != "" {
		f, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("出力ファイルを作成できません: %w", err)
		}
		defer f.Close()
		w = f
	}

	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("JSON の書き出しに失敗: %w", err)
	}
	return nil
}
