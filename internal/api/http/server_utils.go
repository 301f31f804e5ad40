package apihttp

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"reviewstream/internal/domain"
)

type errorEnvelope struct {
	Error errorPayload `json:"error"`
}

type errorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorEnvelope{Error: errorPayload{Code: code, Message: message}})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeDomainError maps pipeline sentinel errors onto the HTTP surface.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, domain.ErrCredential):
		writeError(w, http.StatusUnauthorized, "credential_error", err.Error())
	case errors.Is(err, domain.ErrCancelled):
		writeError(w, http.StatusConflict, "cancelled", err.Error())
	case errors.Is(err, domain.ErrTimeout):
		writeError(w, http.StatusInternalServerError, "timeout", err.Error())
	case errors.Is(err, domain.ErrSourceUnavailable):
		writeError(w, http.StatusInternalServerError, "source_unavailable", err.Error())
	case errors.Is(err, domain.ErrTranscodeStartup):
		writeError(w, http.StatusInternalServerError, "transcode_startup_failed", err.Error())
	case errors.Is(err, domain.ErrAnalysisFailed):
		writeError(w, http.StatusInternalServerError, "analysis_failed", err.Error())
	case errors.Is(err, domain.ErrIO):
		writeError(w, http.StatusInternalServerError, "io_error", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

// parseVideoPath splits "/video/{key}/{action}" using the escaped path so
// keys containing encoded slashes survive the split. The action is the last
// path segment; everything between the prefix and it is the key.
func parseVideoPath(escapedPath string) (domain.AssetKey, string, error) {
	rest := strings.TrimPrefix(escapedPath, "/video/")
	if rest == escapedPath || rest == "" {
		return "", "", fmt.Errorf("%w: not a video path", domain.ErrNotFound)
	}
	idx := strings.LastIndex(rest, "/")
	if idx <= 0 || idx == len(rest)-1 {
		return "", "", fmt.Errorf("%w: expected /video/{key}/{action}", domain.ErrNotFound)
	}
	key, err := url.PathUnescape(rest[:idx])
	if err != nil || key == "" {
		return "", "", fmt.Errorf("%w: bad asset key", domain.ErrNotFound)
	}
	return domain.AssetKey(key), rest[idx+1:], nil
}

// segmentIndex extracts NNN from "segmentNNN.ts".
func segmentIndex(action string) (int, bool) {
	if !strings.HasPrefix(action, "segment") || !strings.HasSuffix(action, ".ts") {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(action, "segment"), ".ts"))
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// thumbIndex extracts NNN from "thumbNNN.jpg".
func thumbIndex(action string) (int, bool) {
	if !strings.HasPrefix(action, "thumb") || !strings.HasSuffix(action, ".jpg") {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(action, "thumb"), ".jpg"))
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

func queryFloat(r *http.Request, name string, def float64) float64 {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return def
	}
	return v
}

func queryInt(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}

func queryBool(r *http.Request, name string, def bool) bool {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return def
	}
	return v
}
