package validation

import (
	"reflect"
	"sort"
	"strings"
)

// Mismatch は1つのキーの不一致
type Mismatch struct {
	Key      string `json:"key"`
	Expected any    `json:"expected"`
	Actual   any    `json:"actual"`
	// Missing は実際のレコードにキーが存在しないことを表す
	Missing bool `json:"missing"`
}

// Comparison は期待レコードと実際のレコードの比較結果
type Comparison struct {
	Matched    bool       `json:"matched"`
	Total      int        `json:"total_pairs"`
	Correct    int        `json:"correct_pairs"`
	Incorrect  int        `json:"incorrect_pairs"`
	Mismatches []Mismatch `json:"mismatches"`
}

// Compare は期待レコードの各キーについて実際のレコードの値と比較する
//
// キーは前後空白除去と小文字化をしてから照合する。文字列値は同じ正規化の上で大文字小文字を
// 区別せず、それ以外の値は完全一致で比較する。実際のレコードにないキーは不正解として数える。
// 実際のレコードにだけあるキーは判定に影響しない。
func Compare(expected, actual map[string]any) Comparison {
	exp := normalizeKeys(expected)
	act := normalizeKeys(actual)

	keys := make([]string, 0, len(exp))
	for k := range exp {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	c := Comparison{Mismatches: []Mismatch{}}
	for _, k := range keys {
		c.Total++
		want := exp[k]
		got, ok := act[k]
		switch {
		case !ok:
			c.Incorrect++
			c.Mismatches = append(c.Mismatches, Mismatch{Key: k, Expected: want, Missing: true})
		case valuesEqual(want, got):
			c.Correct++
		default:
			c.Incorrect++
			c.Mismatches = append(c.Mismatches, Mismatch{Key: k, Expected: want, Actual: got})
		}
	}
	c.Matched = c.Incorrect == 0
	return c
}

func normalizeKeys(record map[string]any) map[string]any {
	out := make(map[string]any, len(record))
	for k, v := range record {
		out[strings.ToLower(strings.TrimSpace(k))] = v
	}
	return out
}

func valuesEqual(expected, actual any) bool {
	es, eok := expected.(string)
	as, aok := actual.(string)
	if eok && aok {
		return strings.EqualFold(strings.TrimSpace(es), strings.TrimSpace(as))
	}
	return reflect.DeepEqual(expected, actual)
}
