package normalize

import (
	"github.com/jinford/product-rag/internal/core/catalog"
)

// AlignRecord はレコードのキー集合をスキーマの属性に揃える
//
// 属性名との照合は大文字小文字と前後空白を無視する。属性にないキーは捨て、
// レコードにない属性は catalog.UnknownValue で埋める。結果のキーは属性名そのもの。
func AlignRecord(record map[string]any, attributes []string) map[string]any {
	byKey := make(map[string]any, len(record))
	for k, v := range record {
		nk := catalog.Normalize(k)
		// 正規化後に衝突する場合は属性名と完全一致するキーを優先する
		if _, exists := byKey[nk]; exists && k != nk {
			continue
		}
		byKey[nk] = v
	}

	aligned := make(map[string]any, len(attributes))
	for _, attr := range attributes {
		if v, ok := byKey[catalog.Normalize(attr)]; ok {
			aligned[attr] = v
			continue
		}
		aligned[attr] = catalog.UnknownValue
	}
	return aligned
}
