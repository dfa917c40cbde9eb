package catalog

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseImportRows_JSONLKeepsKeyOrderAndNormalizes(t *testing.T) {
	input := "{“Тип”: “Платье”, “Цвет”: “Красный”, \"Размер\": 42}\n\n{\"тип\": \"рубашка\"}\n"

	rows, err := ParseImportRows(strings.NewReader(input), FormatJSONL)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	assert.Equal(t, []string{"тип", "цвет", "размер"}, rows[0].Keys())
	assert.Equal(t, []string{"платье", "красный", "42"}, rows[0].Values())

	v, ok := rows[1].Get("тип")
	assert.True(t, ok)
	assert.Equal(t, "рубашка", v)
}

func TestParseImportRows_DuplicateKeysKeepFirstPositionLastValue(t *testing.T) {
	rows, err := ParseImportRows(strings.NewReader(`{"Цвет": "a", "тип": "x", "цвет": "b"}`), FormatJSONL)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, ImportRow{{Key: "цвет", Value: "b"}, {Key: "тип", Value: "x"}}, rows[0])
}

func TestParseImportRows_JSONArray(t *testing.T) {
	rows, err := ParseImportRows(strings.NewReader(`[{"тип": "a"}, {"тип": "b", "x": null}]`), FormatJSON)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, ImportRow{{Key: "тип", Value: "b"}, {Key: "x", Value: ""}}, rows[1])
}

func TestParseImportRows_YAML(t *testing.T) {
	input := `
- Тип: Платье
  Цвет: Красный
- тип: рубашка
  размер: 48
`
	rows, err := ParseImportRows(strings.NewReader(input), FormatYAML)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, []string{"тип", "цвет"}, rows[0].Keys())
	assert.Equal(t, map[string]string{"тип": "рубашка", "размер": "48"}, rows[1].Map())
}

func TestParseImportRows_Errors(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		format ImportFormat
	}{
		{"broken jsonl line", "{\"тип\": \"a\"}\n{broken\n", FormatJSONL},
		{"jsonl array line", `["a"]`, FormatJSONL},
		{"yaml mapping root", "тип: a\n", FormatYAML},
		{"yaml nested value", "- тип: a\n  цвет: [1, 2]\n", FormatYAML},
		{"unknown format", "", ImportFormat("csv")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseImportRows(strings.NewReader(tt.input), tt.format)
			assert.ErrorIs(t, err, ErrInvalidInput)
		})
	}
}

func TestFormatFromPath(t *testing.T) {
	f, err := FormatFromPath("data/examples.JSONL")
	require.NoError(t, err)
	assert.Equal(t, FormatJSONL, f)

	f, err = FormatFromPath("schemas.yml")
	require.NoError(t, err)
	assert.Equal(t, FormatYAML, f)

	_, err = FormatFromPath("schemas.csv")
	assert.ErrorIs(t, err, ErrInvalidInput)
}
