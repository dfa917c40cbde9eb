package http_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jinford/product-rag/internal/core/batch"
	"github.com/jinford/product-rag/internal/core/catalog"
	"github.com/jinford/product-rag/internal/core/llm"
	"github.com/jinford/product-rag/internal/core/normalize"
	"github.com/jinford/product-rag/internal/core/validation"
	"github.com/jinford/product-rag/internal/core/vectorindex"
	"github.com/jinford/product-rag/internal/infra/sqlite"
	httpapi "github.com/jinford/product-rag/internal/interface/http"
)

type constEmbedder struct{}

func (constEmbedder) BatchEmbed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, float32(i + 1)}
	}
	return out, nil
}

type mockNormalizer struct {
	NormalizeTextFunc func(ctx context.Context, text string, schemas normalize.SchemaLookup) (*normalize.Outcome, error)
}

func (m *mockNormalizer) NormalizeText(ctx context.Context, text string, schemas normalize.SchemaLookup) (*normalize.Outcome, error) {
	return m.NormalizeTextFunc(ctx, text, schemas)
}

type mockRunner struct {
	RunFunc func(ctx context.Context, texts []string) (*batch.Result, error)
}

func (m *mockRunner) Run(ctx context.Context, texts []string) (*batch.Result, error) {
	return m.RunFunc(ctx, texts)
}

type mockValidator struct {
	ValidateFunc func(ctx context.Context, pairs []validation.Pair) (*validation.Report, error)
}

func (m *mockValidator) Validate(ctx context.Context, pairs []validation.Pair) (*validation.Report, error) {
	return m.ValidateFunc(ctx, pairs)
}

type testServer struct {
	srv        *httptest.Server
	index      *vectorindex.MemoryIndex
	normalizer *mockNormalizer
	runner     *mockRunner
	validator  *mockValidator
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	store, err := sqlite.Open(t.Context(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	index := vectorindex.NewMemoryIndex()
	svc := catalog.NewService(store, index, constEmbedder{}, catalog.WithCatalogLogger(quiet))

	ts := &testServer{
		index:      index,
		normalizer: &mockNormalizer{},
		runner:     &mockRunner{},
		validator:  &mockValidator{},
	}
	metricsHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("metrics"))
	})
	server := httpapi.New(svc, ts.normalizer, ts.runner, ts.validator,
		httpapi.WithLogger(quiet),
		httpapi.WithMetricsHandler(metricsHandler),
	)
	ts.srv = httptest.NewServer(server)
	t.Cleanup(ts.srv.Close)
	return ts
}

func (ts *testServer) do(t *testing.T, method, path, contentType, body string) (*http.Response, []byte) {
	t.Helper()

	req, err := http.NewRequestWithContext(t.Context(), method, ts.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(data, &v), string(data))
	return v
}

func TestServer_SchemaLifecycle(t *testing.T) {
	ts := newTestServer(t)

	resp, body := ts.do(t, http.MethodPost, "/schemas/", "application/json", `{"type": " Смартфон ", "attributes": ["Бренд", "Модель"]}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	created := decode[catalog.Schema](t, body)
	assert.Equal(t, "смартфон", created.Type)
	assert.Equal(t, []string{"бренд", "модель"}, created.Attributes)

	resp, _ = ts.do(t, http.MethodPost, "/schemas/", "application/json", `{"type": "смартфон", "attributes": ["цвет"]}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, body = ts.do(t, http.MethodGet, "/schemas/type/СМАРТФОН", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, created.ID, decode[catalog.Schema](t, body).ID)

	resp, body = ts.do(t, http.MethodPut, "/schemas/1", "application/json", `{"attributes": ["бренд", "цвет"]}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	updated := decode[catalog.Schema](t, body)
	assert.Equal(t, "смартфон", updated.Type)
	assert.Equal(t, []string{"бренд", "цвет"}, updated.Attributes)

	resp, body = ts.do(t, http.MethodGet, "/schemas/?limit=10", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decode[[]catalog.Schema](t, body), 1)

	resp, _ = ts.do(t, http.MethodDelete, "/schemas/1", "", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, body = ts.do(t, http.MethodGet, "/schemas/1", "", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Contains(t, string(body), `"detail"`)

	n, err := ts.index.Count(t.Context(), vectorindex.Schemas)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestServer_BadRequests(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
	}{
		{"non numeric id", http.MethodGet, "/schemas/abc", ""},
		{"negative limit", http.MethodGet, "/examples/?limit=-1", ""},
		{"broken json", http.MethodPost, "/schemas/", `{"type":`},
		{"reserved type", http.MethodPost, "/schemas/", `{"type": "неизвестно", "attributes": ["a"]}`},
		{"example without text", http.MethodPost, "/examples/", `{"type": "a"}`},
		{"unknown import format", http.MethodPost, "/schemas/import?format=xlsx", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := ts.do(t, tt.method, tt.path, "application/json", tt.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode, string(body))
		})
	}
}

func TestServer_ExamplesAndImport(t *testing.T) {
	ts := newTestServer(t)

	jsonl := `{"тип": "Ноутбук", "бренд": "asus", "цвет": "серый"}
{"тип": "ноутбук", "бренд": "hp"}
{"тип": "мышь", "бренд": "logitech"}
`
	resp, body := ts.do(t, http.MethodPost, "/examples/import", "application/x-ndjson", jsonl)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	assert.Equal(t, catalog.ImportStats{Created: 3}, decode[catalog.ImportStats](t, body))

	resp, body = ts.do(t, http.MethodGet, "/examples/?type=ноутбук", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	laptops := decode[[]catalog.Example](t, body)
	require.Len(t, laptops, 2)
	assert.Equal(t, "ноутбук asus серый", laptops[0].UnnormalizedText)

	resp, body = ts.do(t, http.MethodPut, "/examples/3", "application/json", `{"normalized_json": {"Бренд": "Razer"}}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.Equal(t, map[string]string{"бренд": "razer"}, decode[catalog.Example](t, body).NormalizedJSON)

	yamlBody := "- тип: смартфон\n  бренд: apple\n- тип: смартфон\n  бренд: samsung\n"
	resp, body = ts.do(t, http.MethodPost, "/schemas/import", "application/yaml", yamlBody)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	assert.Equal(t, catalog.ImportStats{Created: 1, Skipped: 1}, decode[catalog.ImportStats](t, body))
}

func TestServer_NormalizeText(t *testing.T) {
	ts := newTestServer(t)

	var got []string
	ts.normalizer.NormalizeTextFunc = func(ctx context.Context, text string, schemas normalize.SchemaLookup) (*normalize.Outcome, error) {
		assert.NotNil(t, schemas)
		got = append(got, text)
		if text == "fail" {
			return nil, llm.NewProviderError("complete", errors.New("connection refused"))
		}
		return &normalize.Outcome{Type: "рубашка", Known: true, Record: map[string]any{"цвет": "белый"}}, nil
	}

	resp, body := ts.do(t, http.MethodPost, "/processing/normalize_text", "application/json", `"Рубашка белая"`)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.Equal(t, map[string]any{"цвет": "белый"}, decode[map[string]any](t, body))

	resp, _ = ts.do(t, http.MethodPost, "/processing/normalize_text", "application/json", `{"text": "рубашка"}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = ts.do(t, http.MethodPost, "/processing/normalize_text", "application/json", `"fail"`)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)

	resp, _ = ts.do(t, http.MethodPost, "/processing/normalize_text", "application/json", `[1, 2]`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// 空白だけのテキストは正規化器に渡さない
	resp, _ = ts.do(t, http.MethodPost, "/processing/normalize_text", "application/json", `"   "`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = ts.do(t, http.MethodPost, "/processing/normalize_text", "application/json", `{"text": ""}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	assert.Equal(t, []string{"Рубашка белая", "рубашка", "fail"}, got)
}

func TestServer_NormalizeBatch(t *testing.T) {
	ts := newTestServer(t)

	batchID := uuid.New()
	ts.runner.RunFunc = func(ctx context.Context, texts []string) (*batch.Result, error) {
		assert.Equal(t, []string{"a", "b", "c"}, texts)
		rows := []batch.Row{
			{Index: 0, Text: "a", Type: "x", Known: true, Record: map[string]any{"k": "1"}},
			{Index: 1, Text: "b", Err: errors.New("timeout")},
			{Index: 2, Text: "c", Type: catalog.UnknownType, Answer: "y", Record: map[string]any{"text": "c"}},
		}
		return &batch.Result{
			BatchID: batchID,
			Rows:    rows,
			Groups: []batch.Group{
				{Type: "x", Columns: []string{"k"}, Rows: []batch.Row{rows[0]}},
				{Type: catalog.UnknownType, Columns: []string{"text"}, Rows: []batch.Row{rows[2]}},
			},
			Duration: 1500 * time.Millisecond,
		}, nil
	}

	resp, body := ts.do(t, http.MethodPost, "/processing/normalize_batch", "application/json", `{"texts": ["a", "b", "c"]}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	var out struct {
		BatchID    uuid.UUID `json:"batch_id"`
		Total      int       `json:"total"`
		Failed     int       `json:"failed"`
		DurationMS int64     `json:"duration_ms"`
		Groups     []struct {
			Type    string   `json:"type"`
			Columns []string `json:"columns"`
			Rows    []struct {
				Index  int            `json:"index"`
				Answer string         `json:"answer"`
				Record map[string]any `json:"record"`
			} `json:"rows"`
		} `json:"groups"`
		Errors []struct {
			Index int    `json:"index"`
			Error string `json:"error"`
		} `json:"errors"`
	}
	require.NoError(t, json.Unmarshal(body, &out))

	assert.Equal(t, batchID, out.BatchID)
	assert.Equal(t, 3, out.Total)
	assert.Equal(t, 1, out.Failed)
	assert.Equal(t, int64(1500), out.DurationMS)
	require.Len(t, out.Groups, 2)
	assert.Equal(t, "x", out.Groups[0].Type)
	assert.Equal(t, "y", out.Groups[1].Rows[0].Answer)
	require.Len(t, out.Errors, 1)
	assert.Equal(t, 1, out.Errors[0].Index)
	assert.Equal(t, "timeout", out.Errors[0].Error)
}

func TestServer_Validate(t *testing.T) {
	ts := newTestServer(t)

	ts.validator.ValidateFunc = func(ctx context.Context, pairs []validation.Pair) (*validation.Report, error) {
		require.Len(t, pairs, 1)
		assert.Equal(t, "рубашка белая", pairs[0].Text)
		assert.Equal(t, map[string]any{"цвет": "белый"}, pairs[0].Expected)
		return &validation.Report{Total: 2, Matched: 1, Mismatched: 1, TotalPairs: 4, CorrectPairs: 3, IncorrectPairs: 1}, nil
	}

	resp, body := ts.do(t, http.MethodPost, "/processing/validate", "application/json",
		`[{"unnormalized_text": "рубашка белая", "expected_json": {"цвет": "белый"}}]`)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	out := decode[map[string]any](t, body)
	assert.InDelta(t, 0.5, out["accuracy"], 1e-9)
	assert.InDelta(t, 0.75, out["pair_accuracy"], 1e-9)
	assert.InDelta(t, 1, out["matched"], 1e-9)
}

func TestServer_IndexEndpoints(t *testing.T) {
	ts := newTestServer(t)

	resp, _ := ts.do(t, http.MethodPost, "/schemas/", "application/json", `{"type": "чайник", "attributes": ["объем"]}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.NoError(t, ts.index.Reset(t.Context(), vectorindex.Schemas))

	resp, body := ts.do(t, http.MethodGet, "/index/verify", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, decode[map[string]any](t, body)["in_sync"].(bool))

	resp, body = ts.do(t, http.MethodPost, "/index/rebuild", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, catalog.RebuildStats{Schemas: 1}, decode[catalog.RebuildStats](t, body))

	resp, body = ts.do(t, http.MethodGet, "/index/verify", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, decode[map[string]any](t, body)["in_sync"].(bool))
}

func TestServer_HealthMetricsAndRequestID(t *testing.T) {
	ts := newTestServer(t)

	resp, body := ts.do(t, http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", string(body))
	_, err := uuid.Parse(resp.Header.Get("X-Request-Id"))
	assert.NoError(t, err)

	resp, body = ts.do(t, http.MethodGet, "/metrics", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "metrics", string(body))

	req, err := http.NewRequestWithContext(t.Context(), http.MethodGet, ts.srv.URL+"/schemas/999", bytes.NewReader(nil))
	require.NoError(t, err)
	req.Header.Set("X-Request-Id", "req-123")
	r, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer r.Body.Close()
	assert.Equal(t, "req-123", r.Header.Get("X-Request-Id"))

	var e struct {
		RequestID string `json:"request_id"`
	}
	require.NoError(t, json.NewDecoder(r.Body).Decode(&e))
	assert.Equal(t, "req-123", e.RequestID)
}
