package vectorindex

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
)

// MemoryIndex はブルートフォースのコサイン距離で検索するインメモリ実装
type MemoryIndex struct {
	mu          sync.RWMutex
	collections map[Collection]map[string]Entry
}

// NewMemoryIndex は空の MemoryIndex を作成する
func NewMemoryIndex() *MemoryIndex {
	idx := &MemoryIndex{
		collections: make(map[Collection]map[string]Entry, len(Collections)),
	}
	for _, c := range Collections {
		idx.collections[c] = make(map[string]Entry)
	}
	return idx
}

func (m *MemoryIndex) collection(c Collection) (map[string]Entry, error) {
	entries, ok := m.collections[c]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCollection, c)
	}
	return entries, nil
}

// Add は ID をキーにエントリを upsert する
func (m *MemoryIndex) Add(ctx context.Context, c Collection, entries ...Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	coll, err := m.collection(c)
	if err != nil {
		return err
	}

	for _, e := range entries {
		if err := validateEntry(e); err != nil {
			return err
		}
		coll[e.ID] = cloneEntry(e)
	}
	return nil
}

// Delete は指定 ID のエントリを削除する（存在しなければ何もしない）
func (m *MemoryIndex) Delete(ctx context.Context, c Collection, ids ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	coll, err := m.collection(c)
	if err != nil {
		return err
	}
	for _, id := range ids {
		delete(coll, id)
	}
	return nil
}

// Query は距離の昇順で最大 K 件を返す
func (m *MemoryIndex) Query(ctx context.Context, c Collection, q Query) ([]Hit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	coll, err := m.collection(c)
	if err != nil {
		return nil, err
	}
	if q.K <= 0 {
		return []Hit{}, nil
	}

	hits := make([]Hit, 0, len(coll))
	for _, e := range coll {
		if !MatchesFilter(e.Metadata, q.Filter) {
			continue
		}
		hits = append(hits, Hit{
			ID:       e.ID,
			Document: e.Document,
			Metadata: cloneMetadata(e.Metadata),
			Distance: CosineDistance(q.Embedding, e.Embedding),
		})
	}

	// 同距離の場合は ID で安定化する
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Distance != hits[j].Distance {
			return hits[i].Distance < hits[j].Distance
		}
		return hits[i].ID < hits[j].ID
	})

	if len(hits) > q.K {
		hits = hits[:q.K]
	}
	return hits, nil
}

// Count はコレクション内の件数を返す
func (m *MemoryIndex) Count(ctx context.Context, c Collection) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	coll, err := m.collection(c)
	if err != nil {
		return 0, err
	}
	return len(coll), nil
}

// Reset はコレクションを空にする
func (m *MemoryIndex) Reset(ctx context.Context, c Collection) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.collection(c); err != nil {
		return err
	}
	m.collections[c] = make(map[string]Entry)
	return nil
}

// Replace は新しいマップを組み立ててから1回のロックで差し替える
// エントリが不正な場合は元の内容を残す
func (m *MemoryIndex) Replace(ctx context.Context, c Collection, entries ...Entry) error {
	fresh := make(map[string]Entry, len(entries))
	for _, e := range entries {
		if err := validateEntry(e); err != nil {
			return err
		}
		fresh[e.ID] = cloneEntry(e)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.collection(c); err != nil {
		return err
	}
	m.collections[c] = fresh
	return nil
}

func validateEntry(e Entry) error {
	if e.ID == "" {
		return fmt.Errorf("entry id is required")
	}
	if len(e.Embedding) == 0 {
		return fmt.Errorf("entry %s has empty embedding", e.ID)
	}
	return nil
}

// CosineDistance は 1 - cos(a, b) を返す
// 長さが異なる場合は短い方に合わせ、ゼロベクトルは最大距離 1 とする
func CosineDistance(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}

	var dot, normA, normB float64
	for i := 0; i < n; i++ {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		normA += x * x
		normB += y * y
	}
	if normA == 0 || normB == 0 {
		return 1
	}
	return 1 - dot/(math.Sqrt(normA)*math.Sqrt(normB))
}

func cloneEntry(e Entry) Entry {
	vec := make([]float32, len(e.Embedding))
	copy(vec, e.Embedding)
	return Entry{
		ID:        e.ID,
		Embedding: vec,
		Document:  e.Document,
		Metadata:  cloneMetadata(e.Metadata),
	}
}

func cloneMetadata(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

var _ Index = (*MemoryIndex)(nil)
