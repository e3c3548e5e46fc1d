package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/hyperjump/nitamono/internal/engine"
	"github.com/hyperjump/nitamono/internal/models"
	"github.com/hyperjump/nitamono/internal/ordinal"
	"github.com/hyperjump/nitamono/internal/storage"
	"go.uber.org/zap"
)

const (
	maxUploadBytes  = 32 << 20
	maxUploadMemory = 8 << 20
)

// Envelope is the body of every response. Status repeats the HTTP status code.
type Envelope struct {
	Status int `json:"status"`
	Data   any `json:"data,omitempty"`
}

// InsertResult is the payload of a successful insert.
type InsertResult struct {
	ID models.Identifier `json:"id"`
}

// SampleItem is one entry of a /sample payload.
type SampleItem struct {
	ID        models.Identifier `json:"id"`
	Reference string            `json:"reference"`
}

func (s *Server) handleInsert(w http.ResponseWriter, r *http.Request) {
	if s.refuse(w, "insert") {
		return
	}
	if err := parseForm(w, r); err != nil {
		s.respondError(w, "insert", err)
		return
	}
	if formValue(r, "id") != "" || formValue(r, "string") != "" || formValue(r, "url") != "" {
		s.respondError(w, "insert", fmt.Errorf("%w: insert accepts a file upload only", models.ErrInvalidContent))
		return
	}
	ref, ok, err := uploadedFile(r)
	if err != nil {
		s.respondError(w, "insert", err)
		return
	}
	if !ok {
		s.respondError(w, "insert", fmt.Errorf("%w: file is required", models.ErrInvalidContent))
		return
	}
	id, err := s.core.Insert(r.Context(), ref)
	if err != nil {
		s.respondError(w, "insert", err)
		return
	}
	if s.config.RecordInserts && s.ordinal != nil {
		if _, err := s.ordinal.Append(id, ref.Name()); err != nil {
			s.logger.Warn("record insert failed", zap.String("id", string(id)), zap.Error(err))
		}
	}
	s.logger.Debug("inserted", zap.String("id", string(id)), zap.String("name", ref.Name()))
	s.respond(w, http.StatusOK, InsertResult{ID: id})
}

func (s *Server) handleRemove(w http.ResponseWriter, r *http.Request) {
	if s.refuse(w, "remove") {
		return
	}
	id, err := models.ParseIdentifier(chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, "remove", err)
		return
	}
	if err := s.core.Remove(r.Context(), id); err != nil {
		s.respondError(w, "remove", err)
		return
	}
	s.respond(w, http.StatusOK, nil)
}

func (s *Server) handlePull(w http.ResponseWriter, r *http.Request) {
	if s.refuse(w, "pull") {
		return
	}
	if err := s.core.Pull(r.Context()); err != nil {
		s.respondError(w, "pull", err)
		return
	}
	s.respond(w, http.StatusOK, nil)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	if s.refuse(w, "search") {
		return
	}
	if err := parseForm(w, r); err != nil {
		s.respondError(w, "search", err)
		return
	}
	limit, err := s.limit(r)
	if err != nil {
		s.respondError(w, "search", err)
		return
	}
	ref, err := s.searchContent(r)
	if err != nil {
		s.respondError(w, "search", err)
		return
	}
	if s.config.PullBeforeSearch {
		if err := s.core.Pull(r.Context()); err != nil {
			s.respondError(w, "search", err)
			return
		}
	}
	records, err := s.core.Search(r.Context(), limit, ref)
	if err != nil {
		s.respondError(w, "search", err)
		return
	}
	if records == nil {
		records = []models.Record{}
	}
	s.respond(w, http.StatusOK, records)
}

func (s *Server) handleSample(w http.ResponseWriter, r *http.Request) {
	if s.refuse(w, "sample") {
		return
	}
	if s.ordinal == nil {
		s.respondError(w, "sample", fmt.Errorf("%w: no ordinal map configured", models.ErrDisabled))
		return
	}
	n := s.config.MaxResults
	if v := r.URL.Query().Get("n"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			s.respondError(w, "sample", fmt.Errorf("%w: n must be a positive integer", models.ErrInvalidContent))
			return
		}
		n = parsed
	}
	ids, err := s.ordinal.Sample(n)
	if err != nil && !errors.Is(err, ordinal.ErrNotInitialized) {
		s.respondError(w, "sample", &engine.Error{Op: "sample", Class: engine.SystemError, Err: err})
		return
	}
	items := make([]SampleItem, 0, len(ids))
	for _, id := range ids {
		ref, _, err := s.ordinal.Resolve(id)
		if err != nil {
			s.respondError(w, "sample", &engine.Error{Op: "sample", Class: engine.SystemError, Err: err})
			return
		}
		items = append(items, SampleItem{ID: id, Reference: ref})
	}
	s.respond(w, http.StatusOK, items)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"state":      s.core.State().String(),
		"generation": s.core.Generation(),
	}
	if s.ordinal != nil {
		count, err := s.ordinal.Count()
		if err != nil && !errors.Is(err, ordinal.ErrNotInitialized) {
			s.logger.Warn("status: ordinal count failed", zap.Error(err))
		}
		resp["count"] = count
	}
	if len(s.diskPaths) > 0 {
		if bytes, err := storage.DiskUsageBytes(s.diskPaths...); err == nil {
			resp["disk_usage_bytes"] = bytes
		}
	}
	s.respond(w, http.StatusOK, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respond(w, http.StatusOK, nil)
}

// limit returns the requested result count, bounded by max_results.
func (s *Server) limit(r *http.Request) (int, error) {
	maxResults := s.config.MaxResults
	if maxResults <= 0 {
		maxResults = 10
	}
	v := formValue(r, "limit")
	if v == "" {
		return maxResults, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 || n > maxResults {
		return 0, fmt.Errorf("%w: limit must be between 1 and %d", models.ErrInvalidContent, maxResults)
	}
	return n, nil
}

// searchContent builds the query reference from exactly one of file, id, string or url.
func (s *Server) searchContent(r *http.Request) (models.ContentRef, error) {
	file, hasFile, err := uploadedFile(r)
	if err != nil {
		return models.ContentRef{}, err
	}
	id, str, url := formValue(r, "id"), formValue(r, "string"), formValue(r, "url")

	given := 0
	for _, present := range []bool{hasFile, id != "", str != "", url != ""} {
		if present {
			given++
		}
	}
	switch {
	case given == 0:
		return models.ContentRef{}, fmt.Errorf("%w: one of file, id, string or url is required", models.ErrInvalidContent)
	case given > 1:
		return models.ContentRef{}, fmt.Errorf("%w: only one of file, id, string or url may be given", models.ErrInvalidContent)
	}

	switch {
	case hasFile:
		return file, nil
	case id != "":
		parsed, err := models.ParseIdentifier(id)
		if err != nil {
			return models.ContentRef{}, err
		}
		return models.IDRef(parsed), nil
	case str != "":
		return models.StringRef(str), nil
	default:
		if s.fetcher == nil {
			return models.ContentRef{}, fmt.Errorf("%w: search by url", models.ErrDisabled)
		}
		ctx, cancel := context.WithTimeout(r.Context(), s.requestTimeout())
		defer cancel()
		return s.fetcher.Fetch(ctx, url)
	}
}

// refuse answers 400 when op is disabled by configuration.
func (s *Server) refuse(w http.ResponseWriter, op string) bool {
	if !s.disabled[op] {
		return false
	}
	s.respondError(w, op, fmt.Errorf("%w: %s", models.ErrDisabled, op))
	return true
}

func parseForm(w http.ResponseWriter, r *http.Request) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	var err error
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		err = r.ParseMultipartForm(maxUploadMemory)
	} else {
		err = r.ParseForm()
	}
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrInvalidContent, err)
	}
	return nil
}

func formValue(r *http.Request, key string) string {
	if r.MultipartForm != nil {
		if v := r.MultipartForm.Value[key]; len(v) > 0 {
			return v[0]
		}
	}
	return r.Form.Get(key)
}

// uploadedFile reads the "file" part of a multipart request.
func uploadedFile(r *http.Request) (models.ContentRef, bool, error) {
	if r.MultipartForm == nil || len(r.MultipartForm.File["file"]) == 0 {
		return models.ContentRef{}, false, nil
	}
	header := r.MultipartForm.File["file"][0]
	f, err := header.Open()
	if err != nil {
		return models.ContentRef{}, false, fmt.Errorf("%w: open upload: %v", models.ErrInvalidContent, err)
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return models.ContentRef{}, false, fmt.Errorf("%w: read upload: %v", models.ErrInvalidContent, err)
	}
	return models.DataRef(data, header.Filename), true, nil
}

func (s *Server) respond(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Envelope{Status: status, Data: data})
}

// respondError maps err to 400 or 500. System errors have already reset the engine by the time
// they get here.
func (s *Server) respondError(w http.ResponseWriter, op string, err error) {
	status := http.StatusBadRequest
	if engine.IsSystem(err) {
		status = http.StatusInternalServerError
		s.logger.Error("request failed", zap.String("op", op), zap.Error(err))
	} else {
		s.logger.Debug("request rejected", zap.String("op", op), zap.Error(err))
	}
	s.respond(w, status, nil)
}
