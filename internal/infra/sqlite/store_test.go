package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/samber/mo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jinford/product-rag/internal/core/catalog"
)

// setupTestStore は一時ディレクトリに SQLite ストアを作成します
func setupTestStore(t *testing.T) *Store {
	t.Helper()

	store, err := Open(t.Context(), filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, store.Close())
	})
	return store
}

func TestStore_SchemaCRUD(t *testing.T) {
	store := setupTestStore(t)
	ctx := t.Context()

	created, err := store.CreateSchema(ctx, &catalog.Schema{Type: "смартфон", Attributes: []string{"бренд", "модель"}})
	require.NoError(t, err)
	assert.Equal(t, int64(1), created.ID)

	got, err := store.GetSchemaByType(ctx, "смартфон")
	require.NoError(t, err)
	assert.Equal(t, created, got)

	_, err = store.CreateSchema(ctx, &catalog.Schema{Type: "смартфон", Attributes: []string{"цвет"}})
	assert.ErrorIs(t, err, catalog.ErrSchemaConflict)

	other, err := store.CreateSchema(ctx, &catalog.Schema{Type: "ноутбук", Attributes: []string{"бренд"}})
	require.NoError(t, err)

	other.Type = "смартфон"
	_, err = store.UpdateSchema(ctx, other)
	assert.ErrorIs(t, err, catalog.ErrSchemaConflict)

	created.Attributes = []string{"бренд"}
	updated, err := store.UpdateSchema(ctx, created)
	require.NoError(t, err)
	assert.Equal(t, []string{"бренд"}, updated.Attributes)

	page, err := store.ListSchemas(ctx, catalog.ListParams{Skip: 1, Limit: 5})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "ноутбук", page[0].Type)

	require.NoError(t, store.DeleteSchema(ctx, created.ID))
	_, err = store.GetSchema(ctx, created.ID)
	assert.ErrorIs(t, err, catalog.ErrNotFound)
	assert.ErrorIs(t, store.DeleteSchema(ctx, created.ID), catalog.ErrNotFound)
}

func TestStore_ExampleCRUD(t *testing.T) {
	store := setupTestStore(t)
	ctx := t.Context()

	for _, e := range []*catalog.Example{
		{Type: "ноутбук", UnnormalizedText: "ноутбук asus", NormalizedJSON: map[string]string{"бренд": "asus"}},
		{Type: "мышь", UnnormalizedText: "мышь logitech", NormalizedJSON: map[string]string{"бренд": "logitech"}},
		{Type: "ноутбук", UnnormalizedText: "ноутбук hp", NormalizedJSON: map[string]string{"бренд": "hp"}},
	} {
		_, err := store.CreateExample(ctx, e)
		require.NoError(t, err)
	}

	all, err := store.ListExamples(ctx, catalog.ExampleFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	laptops, err := store.ListExamples(ctx, catalog.ExampleFilter{Type: mo.Some("ноутбук")})
	require.NoError(t, err)
	require.Len(t, laptops, 2)
	assert.Equal(t, "hp", laptops[1].NormalizedJSON["бренд"])

	limited, err := store.ListExamples(ctx, catalog.ExampleFilter{
		ListParams: catalog.ListParams{Limit: 1},
		Type:       mo.Some("ноутбук"),
	})
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, "ноутбук asus", limited[0].UnnormalizedText)

	first := all[0]
	first.NormalizedJSON = map[string]string{"бренд": "asus", "цвет": "серый"}
	updated, err := store.UpdateExample(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, "серый", updated.NormalizedJSON["цвет"])

	_, err = store.UpdateExample(ctx, &catalog.Example{ID: 42, Type: "x", UnnormalizedText: "x"})
	assert.ErrorIs(t, err, catalog.ErrNotFound)

	require.NoError(t, store.DeleteExample(ctx, first.ID))
	_, err = store.GetExample(ctx, first.ID)
	assert.ErrorIs(t, err, catalog.ErrNotFound)
}

func TestStore_WithinTx(t *testing.T) {
	store := setupTestStore(t)
	ctx := t.Context()

	boom := errors.New("boom")
	err := store.WithinTx(ctx, func(repo catalog.Repository) error {
		_, err := repo.CreateSchema(ctx, &catalog.Schema{Type: "чайник", Attributes: []string{"объем"}})
		require.NoError(t, err)
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = store.GetSchemaByType(ctx, "чайник")
	assert.ErrorIs(t, err, catalog.ErrNotFound)

	err = store.WithinTx(ctx, func(repo catalog.Repository) error {
		_, err := repo.CreateSchema(ctx, &catalog.Schema{Type: "чайник", Attributes: []string{"объем"}})
		return err
	})
	require.NoError(t, err)

	_, err = store.GetSchemaByType(ctx, "чайник")
	assert.NoError(t, err)
}

func TestOpen_InMemoryAndReopen(t *testing.T) {
	mem, err := Open(context.Background(), ":memory:")
	require.NoError(t, err)
	defer mem.Close()

	_, err = mem.CreateSchema(context.Background(), &catalog.Schema{Type: "a", Attributes: []string{"b"}})
	require.NoError(t, err)
	list, err := mem.ListSchemas(context.Background(), catalog.ListParams{})
	require.NoError(t, err)
	assert.Len(t, list, 1)

	// 再オープン時にマイグレーションを重複適用しない
	path := filepath.Join(t.TempDir(), "reopen.db")
	first, err := Open(context.Background(), path)
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second, err := Open(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, path, second.Path())
	require.NoError(t, second.Close())
}
