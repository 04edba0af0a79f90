package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"relgraph/internal/analyzer"
	"relgraph/internal/logger"
	"relgraph/internal/store"
	"relgraph/pkg/models"
)

type badRequest string

func (e badRequest) Error() string { return string(e) }

func errBadRequest(msg string) error { return badRequest(msg) }

// RelatedView is one edge in a grouped relation response.
type RelatedView struct {
	Target   string                 `json:"target"`
	Type     string                 `json:"type"`
	Strength int                    `json:"strength"`
	LastSeen time.Time              `json:"lastSeen"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// RelationGroup is every edge leaving one source value.
type RelationGroup struct {
	Source      string        `json:"source"`
	Type        string        `json:"type"`
	Connections int           `json:"connections"`
	Related     []RelatedView `json:"related"`
}

// NormalizedStrength expresses strength as a 0-100 percentage of the
// relation's connection count.
func NormalizedStrength(strength, connections int64) int {
	if connections < 1 {
		connections = 1
	}
	pct := math.Round(100 * float64(strength) / float64(connections))
	switch {
	case pct < 0:
		return 0
	case pct > 100:
		return 100
	}
	return int(pct)
}

// GroupRelations groups relations by source, keeping first-seen order.
func GroupRelations(rels []models.Relation) []RelationGroup {
	type groupKey struct {
		typ   string
		value string
	}
	index := make(map[groupKey]int)
	out := make([]RelationGroup, 0)
	for _, rel := range rels {
		key := groupKey{typ: rel.SourceType, value: rel.SourceValue}
		i, ok := index[key]
		if !ok {
			i = len(out)
			index[key] = i
			out = append(out, RelationGroup{Source: rel.SourceValue, Type: rel.SourceType, Related: make([]RelatedView, 0)})
		}
		out[i].Related = append(out[i].Related, RelatedView{
			Target:   rel.TargetValue,
			Type:     rel.TargetType,
			Strength: NormalizedStrength(rel.Strength, rel.ConnectionCount),
			LastSeen: rel.LastSeen,
			Metadata: rel.Metadata,
		})
		out[i].Connections = len(out[i].Related)
	}
	return out
}

// FileStatusView is a file status record with unspecified host fields shown
// as null.
type FileStatusView struct {
	models.FileStatusRecord
	Hostname   *string `json:"hostname"`
	InternalIP *string `json:"internal_ip"`
}

func fileStatusViews(recs []models.FileStatusRecord) []FileStatusView {
	out := make([]FileStatusView, 0, len(recs))
	for _, rec := range recs {
		out = append(out, FileStatusView{
			FileStatusRecord: rec,
			Hostname:         nullable(rec.Hostname),
			InternalIP:       nullable(rec.InternalIP),
		})
	}
	return out
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func (s *Server) listRelations(w http.ResponseWriter, r *http.Request) {
	op, err := operationScope(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	limit := store.DefaultRelationLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	rels, err := s.relations.List(r.Context(), chi.URLParam(r, "type"), limit, op)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, GroupRelations(rels))
}

func (s *Server) relationsByValue(w http.ResponseWriter, r *http.Request) {
	op, err := operationScope(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	rels, err := s.relations.ListByValue(r.Context(), chi.URLParam(r, "type"), chi.URLParam(r, "value"), op)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, GroupRelations(rels))
}

func (s *Server) listFileStatus(w http.ResponseWriter, r *http.Request) {
	op, err := operationScope(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	recs, err := s.files.List(r.Context(), op)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, fileStatusViews(recs))
}

func (s *Server) getFileStatus(w http.ResponseWriter, r *http.Request) {
	op, err := operationScope(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	recs, err := s.files.Get(r.Context(), chi.URLParam(r, "filename"), op)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, fileStatusViews(recs))
}

func (s *Server) fileStatusStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.files.Stats(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) batchStats(w http.ResponseWriter, r *http.Request) {
	if s.batches == nil {
		writeError(w, http.StatusNotFound, "batching disabled")
		return
	}
	writeJSON(w, http.StatusOK, s.batches.Stats())
}

func (s *Server) fieldUpdate(w http.ResponseWriter, r *http.Request) {
	var fu models.FieldUpdate
	if err := decodeBody(r, &fu); err != nil {
		writeErr(w, err)
		return
	}
	if fu.Username == "" {
		fu.Username = r.Header.Get(HeaderUser)
	}
	if err := s.notifier.NotifyFieldUpdate(fu); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

func (s *Server) templateUpdate(w http.ResponseWriter, r *http.Request) {
	s.notifier.Spawn(func(ctx context.Context) {
		res, err := s.notifier.TemplateUpdate(ctx)
		if err != nil {
			logger.Errorf("Template update re-analysis failed: %v", err)
			return
		}
		logger.Infof("Template update re-analysis %s covered %d logs", res.RunID, res.Logs)
	})
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "scheduled"})
}

// AnalyzeRequest is the optional body of POST /analyze.
type AnalyzeRequest struct {
	Types       []string `json:"types"`
	WindowHours int      `json:"window_hours"`
	Limit       int      `json:"limit"`
}

func (s *Server) analyze(w http.ResponseWriter, r *http.Request) {
	var req AnalyzeRequest
	if err := decodeBody(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	opts := analyzer.Options{Types: req.Types, Limit: req.Limit}
	if req.WindowHours > 0 {
		opts.Window = time.Duration(req.WindowHours) * time.Hour
	}
	known := make(map[string]bool)
	for _, t := range s.analyzer.Types() {
		known[t] = true
	}
	for _, t := range req.Types {
		if !known[t] {
			writeError(w, http.StatusBadRequest, "unknown analysis type "+strconv.Quote(t))
			return
		}
	}
	logger.Infof("Full analysis requested by %q", r.Header.Get(HeaderUser))
	res, err := s.analyzer.AnalyzeLogs(r.Context(), opts)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// CleanupRequest is the optional body of POST /cleanup.
type CleanupRequest struct {
	Days int `json:"days"`
}

func (s *Server) cleanup(w http.ResponseWriter, r *http.Request) {
	var req CleanupRequest
	if err := decodeBody(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	if req.Days < 0 {
		writeError(w, http.StatusBadRequest, "days must be positive")
		return
	}
	n, err := s.notifier.Cleanup(r.Context(), req.Days)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"deleted": n})
}

// decodeBody decodes a JSON body; an empty body leaves v untouched.
func decodeBody(r *http.Request, v interface{}) error {
	if r.Body == nil {
		return nil
	}
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return errBadRequest("invalid JSON body: " + err.Error())
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warnf("Failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeErr(w http.ResponseWriter, err error) {
	var br badRequest
	switch {
	case errors.As(err, &br):
		writeError(w, http.StatusBadRequest, br.Error())
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	default:
		logger.Errorf("Request failed: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
