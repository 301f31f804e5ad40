package apihttp

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"reviewstream/internal/app"
)

func (s *Server) handleTranscodeSettings(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.handleGetTranscodeSettings(w, r)
	case http.MethodPatch, http.MethodPut:
		s.handleUpdateTranscodeSettings(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleGetTranscodeSettings(w http.ResponseWriter, r *http.Request) {
	if s.settings == nil {
		writeError(w, http.StatusNotImplemented, "not_configured", "transcode settings not configured")
		return
	}
	stored, found, err := s.settings.Get(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to load transcode settings")
		return
	}
	if !found {
		stored = app.TranscodeSettings{
			SegmentDuration: s.manager.defaultSegDur,
			Goniometer:      s.manager.defaultGonio,
		}
	}
	writeJSON(w, http.StatusOK, stored.Normalized())
}

func (s *Server) handleUpdateTranscodeSettings(w http.ResponseWriter, r *http.Request) {
	if s.settings == nil {
		writeError(w, http.StatusNotImplemented, "not_configured", "transcode settings not configured")
		return
	}

	var body app.TranscodeSettings
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid json")
		return
	}
	if body.SegmentDuration != 0 && (body.SegmentDuration < 2 || body.SegmentDuration > 60) {
		writeError(w, http.StatusBadRequest, "invalid_request", "segmentDuration must be 2-60")
		return
	}

	// Merge with current values for partial updates.
	current, found, err := s.settings.Get(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to load transcode settings")
		return
	}
	if !found {
		current = app.TranscodeSettings{
			SegmentDuration: s.manager.defaultSegDur,
			Goniometer:      s.manager.defaultGonio,
		}
	}
	if body.SegmentDuration == 0 {
		body.SegmentDuration = current.SegmentDuration
	}

	body = body.Normalized()
	if err := s.settings.Set(r.Context(), body); err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to update transcode settings")
		return
	}
	writeJSON(w, http.StatusOK, body)
}

type pipelineHealthResponse struct {
	Status    string         `json:"status"`
	CheckedAt time.Time      `json:"checkedAt"`
	Issues    []string       `json:"issues,omitempty"`
	Pipeline  pipelineHealth `json:"pipeline"`
	WSClients int            `json:"wsClients"`
}

// BuildPipelineHealth constructs the health snapshot without writing it to
// an HTTP response.
func (s *Server) BuildPipelineHealth(ctx context.Context) pipelineHealthResponse {
	resp := pipelineHealthResponse{
		Status:    "ok",
		CheckedAt: time.Now().UTC(),
		Pipeline:  s.manager.healthSnapshot(),
		WSClients: s.hub.clientCount(),
	}

	setDegraded := func(issue string) {
		resp.Status = "degraded"
		resp.Issues = append(resp.Issues, issue)
	}

	if !resp.Pipeline.CacheEnabled {
		setDegraded("local source cache is disabled")
	}
	if resp.Pipeline.LastError != "" && !resp.Pipeline.LastErrorAt.IsZero() {
		if resp.CheckedAt.Sub(resp.Pipeline.LastErrorAt) <= 3*time.Minute {
			setDegraded("recent session failure detected")
		}
	}
	return resp
}

func (s *Server) handlePipelineHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.BuildPipelineHealth(r.Context()))
}
