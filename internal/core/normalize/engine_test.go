package normalize

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jinford/product-rag/internal/core/catalog"
	"github.com/jinford/product-rag/internal/core/llm"
	"github.com/jinford/product-rag/internal/core/vectorindex"
)

type mockClient struct {
	GenerateCompletionFunc func(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error)
	prompts                []string
}

func (m *mockClient) GenerateCompletion(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
	m.prompts = append(m.prompts, req.Prompt)
	if m.GenerateCompletionFunc != nil {
		return m.GenerateCompletionFunc(ctx, req)
	}
	return llm.CompletionResponse{}, errors.New("not implemented")
}

// tableEmbedder は既知のテキストに固定ベクトルを返し、それ以外は {1, 0} を返す
type tableEmbedder struct {
	vectors map[string][]float32
	calls   int
	err     error
}

func (e *tableEmbedder) BatchEmbed(ctx context.Context, texts []string) ([][]float32, error) {
	e.calls++
	if e.err != nil {
		return nil, e.err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if v, ok := e.vectors[t]; ok {
			out[i] = v
			continue
		}
		out[i] = []float32{1, 0}
	}
	return out, nil
}

type mockSchemaLookup struct {
	schemas map[string]*catalog.Schema
}

func (m *mockSchemaLookup) GetSchemaByType(ctx context.Context, schemaType string) (*catalog.Schema, error) {
	if s, ok := m.schemas[schemaType]; ok {
		return s, nil
	}
	return nil, catalog.ErrNotFound
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func addSchema(t *testing.T, index vectorindex.Index, id int64, typ string, vec []float32, attrs ...string) {
	t.Helper()
	entry, err := catalog.SchemaEntry(&catalog.Schema{ID: id, Type: typ, Attributes: attrs}, vec)
	require.NoError(t, err)
	require.NoError(t, index.Add(context.Background(), vectorindex.Schemas, entry))
}

func addExample(t *testing.T, index vectorindex.Index, id int64, typ, text string, record map[string]string, vec []float32) {
	t.Helper()
	entry, err := catalog.ExampleEntry(&catalog.Example{ID: id, Type: typ, UnnormalizedText: text, NormalizedJSON: record}, vec)
	require.NoError(t, err)
	require.NoError(t, index.Add(context.Background(), vectorindex.Examples, entry))
}

func TestEngine_DetermineTypeOffersSevenNearestCandidates(t *testing.T) {
	index := vectorindex.NewMemoryIndex()
	for i := 0; i < 8; i++ {
		addSchema(t, index, int64(i+1), fmt.Sprintf("t%d", i), []float32{1, float32(i) * 0.1}, "цвет")
	}

	client := &mockClient{
		GenerateCompletionFunc: func(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
			assert.Equal(t, 0.0, req.Temperature)
			assert.Equal(t, "qwen3:8b", req.Model)
			return llm.CompletionResponse{Content: "<think>\n</think>\n T3 \n"}, nil
		},
	}
	engine := NewEngine(index, &tableEmbedder{}, client, WithEngineLogger(discardLogger()), WithModel("qwen3:8b"))

	typ, err := engine.DetermineType(context.Background(), "что-то")
	require.NoError(t, err)
	assert.Equal(t, "t3", typ)

	require.Len(t, client.prompts, 1)
	assert.Contains(t, client.prompts[0], "Возможные типы:\nt0\nt1\nt2\nt3\nt4\nt5\nt6\n")
	assert.NotContains(t, client.prompts[0], "t7")
}

func TestEngine_DetermineTypeWithoutCandidatesSkipsModel(t *testing.T) {
	client := &mockClient{}
	engine := NewEngine(vectorindex.NewMemoryIndex(), &tableEmbedder{}, client, WithEngineLogger(discardLogger()))

	typ, err := engine.DetermineType(context.Background(), "что-то")
	require.NoError(t, err)
	assert.Equal(t, catalog.UnknownType, typ)
	assert.Empty(t, client.prompts)
}

func TestEngine_MinTypeSimilarityFiltersCandidates(t *testing.T) {
	index := vectorindex.NewMemoryIndex()
	addSchema(t, index, 1, "платье", []float32{0, 1}, "цвет")

	client := &mockClient{}
	engine := NewEngine(index, &tableEmbedder{}, client,
		WithEngineLogger(discardLogger()),
		WithMinTypeSimilarity(0.5),
	)

	typ, err := engine.DetermineType(context.Background(), "что-то")
	require.NoError(t, err)
	assert.Equal(t, catalog.UnknownType, typ)
	assert.Empty(t, client.prompts)
}

func TestEngine_NormalizeAlignsExamplesAndOutput(t *testing.T) {
	index := vectorindex.NewMemoryIndex()
	addExample(t, index, 1, "платье", "платье красное хлопок",
		map[string]string{"цвет": "красный", "материал": "хлопок"}, []float32{1, 0})
	addExample(t, index, 2, "рубашка", "рубашка синяя",
		map[string]string{"цвет": "синий"}, []float32{1, 0})

	client := &mockClient{
		GenerateCompletionFunc: func(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
			return llm.CompletionResponse{Content: "```json\n{'Цвет': 'зелёный', 'лишний': 'x'}\n```"}, nil
		},
	}
	engine := NewEngine(index, &tableEmbedder{}, client, WithEngineLogger(discardLogger()))

	record, err := engine.Normalize(context.Background(), "платье зелёное", "платье", []string{"цвет", "размер"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"цвет": "зелёный", "размер": "Неизвестно"}, record)

	require.Len(t, client.prompts, 1)
	prompt := client.prompts[0]
	assert.Contains(t, prompt, "Текст: платье красное хлопок\nНормализованный товар: {\"цвет\": \"красный\", \"размер\": \"Неизвестно\"}")
	assert.NotContains(t, prompt, "рубашка синяя")
	assert.NotContains(t, prompt, "материал")
}

func TestEngine_NormalizeUsesAtMostThreeExamples(t *testing.T) {
	index := vectorindex.NewMemoryIndex()
	for i := 0; i < 5; i++ {
		addExample(t, index, int64(i+1), "платье", fmt.Sprintf("пример %d", i),
			map[string]string{"цвет": "красный"}, []float32{1, float32(i) * 0.1})
	}

	client := &mockClient{
		GenerateCompletionFunc: func(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
			return llm.CompletionResponse{Content: `{"цвет": "красный"}`}, nil
		},
	}
	engine := NewEngine(index, &tableEmbedder{}, client, WithEngineLogger(discardLogger()))

	_, err := engine.Normalize(context.Background(), "платье", "платье", []string{"цвет"})
	require.NoError(t, err)

	prompt := client.prompts[0]
	assert.Equal(t, 3, strings.Count(prompt, "Нормализованный товар:"))
	assert.Contains(t, prompt, "пример 0")
	assert.Contains(t, prompt, "пример 2")
	assert.NotContains(t, prompt, "пример 3")
}

func TestEngine_NormalizeMalformedOutputReturnsEmptyRecord(t *testing.T) {
	client := &mockClient{
		GenerateCompletionFunc: func(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
			return llm.CompletionResponse{Content: "не могу"}, nil
		},
	}
	engine := NewEngine(vectorindex.NewMemoryIndex(), &tableEmbedder{}, client, WithEngineLogger(discardLogger()))

	record, err := engine.Normalize(context.Background(), "платье", "платье", []string{"цвет"})
	require.NoError(t, err)
	assert.Empty(t, record)
	assert.NotNil(t, record)

	ext, err := engine.NormalizeDetailed(context.Background(), "платье", "платье", []string{"цвет"})
	require.NoError(t, err)
	assert.False(t, ext.OK())
	assert.ErrorIs(t, ext.Err, ErrMalformedOutput)
	assert.Equal(t, "не могу", ext.Raw)
}

func TestEngine_NormalizeTextUnknownTypeSkipsNormalization(t *testing.T) {
	index := vectorindex.NewMemoryIndex()
	addSchema(t, index, 1, "платье", []float32{1, 0}, "цвет")

	client := &mockClient{
		GenerateCompletionFunc: func(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
			return llm.CompletionResponse{Content: "неизвестно"}, nil
		},
	}
	engine := NewEngine(index, &tableEmbedder{}, client, WithEngineLogger(discardLogger()))
	lookup := &mockSchemaLookup{schemas: map[string]*catalog.Schema{
		"платье": {ID: 1, Type: "платье", Attributes: []string{"цвет"}},
	}}

	outcome, err := engine.NormalizeText(context.Background(), "  Нечто  ", lookup)
	require.NoError(t, err)
	assert.False(t, outcome.Known)
	assert.Equal(t, map[string]any{"тип": "неизвестно"}, outcome.Record)
	assert.Len(t, client.prompts, 1)
	assert.Contains(t, client.prompts[0], "Текст:\nнечто\n")
}

func TestEngine_NormalizeTextTypeWithoutSchemaIsUnknown(t *testing.T) {
	index := vectorindex.NewMemoryIndex()
	addSchema(t, index, 1, "платье", []float32{1, 0}, "цвет")

	client := &mockClient{
		GenerateCompletionFunc: func(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
			return llm.CompletionResponse{Content: "носки"}, nil
		},
	}
	engine := NewEngine(index, &tableEmbedder{}, client, WithEngineLogger(discardLogger()))

	outcome, err := engine.NormalizeText(context.Background(), "носки", &mockSchemaLookup{})
	require.NoError(t, err)
	assert.False(t, outcome.Known)
	assert.Equal(t, "носки", outcome.Type)
	assert.Equal(t, UnknownRecord(), outcome.Record)
	assert.Len(t, client.prompts, 1)
}

func TestEngine_NormalizeTextEmbedsOnce(t *testing.T) {
	index := vectorindex.NewMemoryIndex()
	addSchema(t, index, 1, "платье", []float32{1, 0}, "цвет")

	calls := 0
	client := &mockClient{
		GenerateCompletionFunc: func(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
			calls++
			if calls == 1 {
				return llm.CompletionResponse{Content: "платье"}, nil
			}
			return llm.CompletionResponse{Content: "```json\n{\"цвет\": \"красный\"}\n```"}, nil
		},
	}
	embedder := &tableEmbedder{}
	engine := NewEngine(index, embedder, client, WithEngineLogger(discardLogger()))
	lookup := &mockSchemaLookup{schemas: map[string]*catalog.Schema{
		"платье": {ID: 1, Type: "платье", Attributes: []string{"цвет", "размер"}},
	}}

	outcome, err := engine.NormalizeText(context.Background(), "Платье красное", lookup)
	require.NoError(t, err)
	assert.True(t, outcome.Known)
	assert.Equal(t, "платье", outcome.Type)
	assert.Equal(t, map[string]any{"цвет": "красный", "размер": "Неизвестно"}, outcome.Record)
	assert.Equal(t, 1, embedder.calls)
	assert.True(t, outcome.Extraction.IsPresent())
}

func TestEngine_BlankTextIsInvalidInput(t *testing.T) {
	embedder := &tableEmbedder{}
	client := &mockClient{}
	engine := NewEngine(vectorindex.NewMemoryIndex(), embedder, client, WithEngineLogger(discardLogger()))

	for _, text := range []string{"", "   ", "\t\n"} {
		_, err := engine.DetermineType(context.Background(), text)
		assert.ErrorIs(t, err, catalog.ErrInvalidInput, "%q", text)

		_, err = engine.NormalizeText(context.Background(), text, &mockSchemaLookup{})
		assert.ErrorIs(t, err, catalog.ErrInvalidInput, "%q", text)
	}

	// プロバイダには一度も問い合わせない
	assert.Zero(t, embedder.calls)
	assert.Empty(t, client.prompts)
}

func TestEngine_ProviderErrorsPropagate(t *testing.T) {
	embedder := &tableEmbedder{err: llm.NewProviderError("embed", errors.New("connection refused"))}
	engine := NewEngine(vectorindex.NewMemoryIndex(), embedder, &mockClient{}, WithEngineLogger(discardLogger()))

	_, err := engine.DetermineType(context.Background(), "платье")
	require.Error(t, err)
	assert.ErrorIs(t, err, llm.ErrProvider)

	_, err = engine.Normalize(context.Background(), "платье", "платье", []string{"цвет"})
	assert.ErrorIs(t, err, llm.ErrProvider)
}
