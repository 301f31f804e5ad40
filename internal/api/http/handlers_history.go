package apihttp

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"reviewstream/internal/domain"
)

func (s *Server) handleReviewHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.history == nil {
		writeError(w, http.StatusNotImplemented, "not_configured", "review history not configured")
		return
	}

	limit := queryInt(r, "limit", 20)
	if limit <= 0 {
		limit = 20
	}

	positions, err := s.history.ListRecent(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list review history")
		return
	}
	writeJSON(w, http.StatusOK, positions)
}

func (s *Server) handleReviewHistoryByKey(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusNotImplemented, "not_configured", "review history not configured")
		return
	}

	tail := strings.TrimPrefix(r.URL.EscapedPath(), "/review-history/")
	key, err := url.PathUnescape(tail)
	if err != nil || key == "" {
		http.NotFound(w, r)
		return
	}
	assetKey := domain.AssetKey(key)

	switch r.Method {
	case http.MethodGet:
		pos, err := s.history.Get(r.Context(), assetKey)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				writeError(w, http.StatusNotFound, "not_found", "no review position found")
				return
			}
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to get review position")
			return
		}
		writeJSON(w, http.StatusOK, pos)

	case http.MethodPut:
		var body struct {
			Position float64 `json:"position"`
			Duration float64 `json:"duration"`
			Note     string  `json:"note"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "invalid json")
			return
		}

		pos := domain.ReviewPosition{
			Key:      assetKey,
			Position: body.Position,
			Duration: body.Duration,
			Note:     body.Note,
		}
		if err := s.history.Upsert(r.Context(), pos); err != nil {
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to save review position")
			return
		}
		w.WriteHeader(http.StatusNoContent)

	case http.MethodDelete:
		if err := s.history.Delete(r.Context(), assetKey); err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				writeError(w, http.StatusNotFound, "not_found", "no review position found")
				return
			}
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to delete review position")
			return
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}
