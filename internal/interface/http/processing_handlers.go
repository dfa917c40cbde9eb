package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/jinford/product-rag/internal/core/batch"
	"github.com/jinford/product-rag/internal/core/catalog"
	"github.com/jinford/product-rag/internal/core/validation"
)

type batchRequest struct {
	Texts []string `json:"texts"`
}

type batchRowResponse struct {
	Index  int            `json:"index"`
	Text   string         `json:"text"`
	Answer string         `json:"answer,omitempty"`
	Record map[string]any `json:"record"`
}

type batchGroupResponse struct {
	Type    string             `json:"type"`
	Columns []string           `json:"columns"`
	Rows    []batchRowResponse `json:"rows"`
}

type batchErrorResponse struct {
	Index int    `json:"index"`
	Error string `json:"error"`
}

type batchResponse struct {
	BatchID    uuid.UUID            `json:"batch_id"`
	Total      int                  `json:"total"`
	Failed     int                  `json:"failed"`
	DurationMS int64                `json:"duration_ms"`
	Groups     []batchGroupResponse `json:"groups"`
	Errors     []batchErrorResponse `json:"errors"`
}

// normalizeText はボディの JSON 文字列（または {"text": ...}）を正規化する
func (s *Server) normalizeText(w http.ResponseWriter, r *http.Request) {
	var raw json.RawMessage
	if err := decodeJSON(w, r, &raw); err != nil {
		s.writeError(w, r, err)
		return
	}

	text, err := textFromBody(raw)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if strings.TrimSpace(text) == "" {
		s.writeError(w, r, fmt.Errorf("%w: text is empty", catalog.ErrInvalidInput))
		return
	}

	outcome, err := s.normalizer.NormalizeText(r.Context(), text, s.catalog)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, outcome.Record)
}

func textFromBody(raw json.RawMessage) (string, error) {
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text, nil
	}
	var body struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return "", fmt.Errorf("%w: body must be a JSON string or {\"text\": ...}", catalog.ErrInvalidInput)
	}
	return body.Text, nil
}

func (s *Server) normalizeBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	result, err := s.runner.Run(r.Context(), req.Texts)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toBatchResponse(result))
}

func toBatchResponse(result *batch.Result) batchResponse {
	resp := batchResponse{
		BatchID:    result.BatchID,
		Total:      len(result.Rows),
		Failed:     result.Failed(),
		DurationMS: result.Duration.Milliseconds(),
		Groups:     make([]batchGroupResponse, 0, len(result.Groups)),
		Errors:     make([]batchErrorResponse, 0),
	}

	for _, g := range result.Groups {
		group := batchGroupResponse{
			Type:    g.Type,
			Columns: g.Columns,
			Rows:    make([]batchRowResponse, 0, len(g.Rows)),
		}
		for _, row := range g.Rows {
			group.Rows = append(group.Rows, batchRowResponse{
				Index:  row.Index,
				Text:   row.Text,
				Answer: row.Answer,
				Record: row.Record,
			})
		}
		resp.Groups = append(resp.Groups, group)
	}

	for _, row := range result.Rows {
		if row.Err != nil {
			resp.Errors = append(resp.Errors, batchErrorResponse{Index: row.Index, Error: row.Err.Error()})
		}
	}
	return resp
}

type validateResponse struct {
	*validation.Report
	Accuracy     float64 `json:"accuracy"`
	PairAccuracy float64 `json:"pair_accuracy"`
}

func (s *Server) validate(w http.ResponseWriter, r *http.Request) {
	var pairs []validation.Pair
	if err := decodeJSON(w, r, &pairs); err != nil {
		s.writeError(w, r, err)
		return
	}

	report, err := s.validator.Validate(r.Context(), pairs)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, validateResponse{
		Report:       report,
		Accuracy:     report.Accuracy(),
		PairAccuracy: report.PairAccuracy(),
	})
}

type verifyResponse struct {
	InSync bool   `json:"in_sync"`
	Detail string `json:"detail,omitempty"`
}

func (s *Server) rebuildIndex(w http.ResponseWriter, r *http.Request) {
	stats, err := s.catalog.RebuildIndex(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) verifyIndex(w http.ResponseWriter, r *http.Request) {
	err := s.catalog.VerifyIndex(r.Context())
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, verifyResponse{InSync: true})
	case errors.Is(err, catalog.ErrIndexOutOfSync):
		writeJSON(w, http.StatusOK, verifyResponse{InSync: false, Detail: err.Error()})
	default:
		s.writeError(w, r, err)
	}
}
