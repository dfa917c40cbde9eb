package http

import (
	"fmt"
	"mime"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/samber/mo"

	"github.com/jinford/product-rag/internal/core/catalog"
)

type schemaRequest struct {
	Type       *string   `json:"type"`
	Attributes *[]string `json:"attributes"`
}

type exampleRequest struct {
	Type             *string            `json:"type"`
	UnnormalizedText *string            `json:"unnormalized_text"`
	NormalizedJSON   *map[string]string `json:"normalized_json"`
}

// === Schema ===

func (s *Server) createSchema(w http.ResponseWriter, r *http.Request) {
	var req schemaRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	schema, err := s.catalog.CreateSchema(r.Context(), catalog.CreateSchemaParams{
		Type:       deref(req.Type),
		Attributes: deref(req.Attributes),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, schema)
}

func (s *Server) getSchema(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	schema, err := s.catalog.GetSchema(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, schema)
}

func (s *Server) getSchemaByType(w http.ResponseWriter, r *http.Request) {
	schema, err := s.catalog.GetSchemaByType(r.Context(), chi.URLParam(r, "type"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, schema)
}

func (s *Server) listSchemas(w http.ResponseWriter, r *http.Request) {
	params, err := listParams(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	schemas, err := s.catalog.ListSchemas(r.Context(), params)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, schemas)
}

func (s *Server) updateSchema(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req schemaRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	schema, err := s.catalog.UpdateSchema(r.Context(), id, catalog.UpdateSchemaParams{
		Type:       optional(req.Type),
		Attributes: optional(req.Attributes),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, schema)
}

func (s *Server) deleteSchema(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.catalog.DeleteSchema(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) importSchemas(w http.ResponseWriter, r *http.Request) {
	rows, err := importRows(w, r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	stats, err := s.catalog.ImportSchemas(r.Context(), rows)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, stats)
}

// === Example ===

func (s *Server) createExample(w http.ResponseWriter, r *http.Request) {
	var req exampleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	example, err := s.catalog.CreateExample(r.Context(), catalog.CreateExampleParams{
		Type:             deref(req.Type),
		UnnormalizedText: deref(req.UnnormalizedText),
		NormalizedJSON:   deref(req.NormalizedJSON),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, example)
}

func (s *Server) getExample(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	example, err := s.catalog.GetExample(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, example)
}

func (s *Server) listExamples(w http.ResponseWriter, r *http.Request) {
	params, err := listParams(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	filter := catalog.ExampleFilter{ListParams: params}
	if t := r.URL.Query().Get("type"); t != "" {
		filter.Type = mo.Some(t)
	}

	examples, err := s.catalog.ListExamples(r.Context(), filter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, examples)
}

func (s *Server) updateExample(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req exampleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	example, err := s.catalog.UpdateExample(r.Context(), id, catalog.UpdateExampleParams{
		Type:             optional(req.Type),
		UnnormalizedText: optional(req.UnnormalizedText),
		NormalizedJSON:   optional(req.NormalizedJSON),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, example)
}

func (s *Server) deleteExample(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.catalog.DeleteExample(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) importExamples(w http.ResponseWriter, r *http.Request) {
	rows, err := importRows(w, r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	stats, err := s.catalog.ImportExamples(r.Context(), rows)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, stats)
}

// importRows はリクエストボディを取り込み行として解析する
// 形式は ?format= を優先し、なければ Content-Type から決める
func importRows(w http.ResponseWriter, r *http.Request) ([]catalog.ImportRow, error) {
	format, err := importFormat(r)
	if err != nil {
		return nil, err
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	return catalog.ParseImportRows(r.Body, format)
}

func importFormat(r *http.Request) (catalog.ImportFormat, error) {
	if f := r.URL.Query().Get("format"); f != "" {
		switch catalog.ImportFormat(f) {
		case catalog.FormatJSONL, catalog.FormatJSON, catalog.FormatYAML:
			return catalog.ImportFormat(f), nil
		default:
			return "", fmt.Errorf("%w: unsupported import format %q", catalog.ErrInvalidInput, f)
		}
	}

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mediaType {
	case "application/json":
		return catalog.FormatJSON, nil
	case "application/yaml", "application/x-yaml", "text/yaml":
		return catalog.FormatYAML, nil
	default:
		return catalog.FormatJSONL, nil
	}
}

// optional は省略されたフィールドを None に変換する
func optional[T any](p *T) mo.Option[T] {
	if p == nil {
		return mo.None[T]()
	}
	return mo.Some(*p)
}

func deref[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}
	return *p
}
