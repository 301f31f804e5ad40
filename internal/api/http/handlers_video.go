package apihttp

import (
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"reviewstream/internal/domain"
)

// handleVideo dispatches /video/{key}/{action} requests. The key is taken
// from the escaped path so object keys with slashes round-trip.
func (s *Server) handleVideo(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/video/abort-all" {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use POST")
			return
		}
		s.handleAbortAll(w, r)
		return
	}

	key, action, err := parseVideoPath(r.URL.EscapedPath())
	if err != nil {
		writeDomainError(w, err)
		return
	}

	if idx, ok := segmentIndex(action); ok {
		s.handleSegment(w, r, key, idx)
		return
	}
	if idx, ok := thumbIndex(action); ok {
		s.handleThumb(w, r, key, idx)
		return
	}
	// segmentXX.ts or thumb-1.jpg is a malformed artifact name, not a
	// missing one.
	if (strings.HasPrefix(action, "segment") && strings.HasSuffix(action, ".ts")) ||
		(strings.HasPrefix(action, "thumb") && strings.HasSuffix(action, ".jpg")) {
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed segment or thumbnail name")
		return
	}

	switch action {
	case "info":
		s.handleInfo(w, r, key)
	case "playlist.m3u8":
		s.handlePlaylist(w, r, key)
	case "thumbnails":
		s.handleThumbnails(w, r, key)
	case "waveform":
		s.handleWaveform(w, r, key)
	case "ebu-r128":
		s.handleLoudness(w, r, key)
	case "progress":
		s.handleProgress(w, r, key)
	case "stream":
		s.handleStream(w, r, key)
	case "abort":
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use POST")
			return
		}
		s.handleAbort(w, r, key)
	default:
		writeError(w, http.StatusNotFound, "not_found", "unknown video operation")
	}
}

type assetInfo struct {
	domain.ProbeRecord
	SegmentDuration  int  `json:"segmentDuration"`
	ExpectedSegments int  `json:"expectedSegments"`
	CachedLocally    bool `json:"cachedLocally"`
}

// handleInfo declares the asset under review and returns its probed
// metadata. Switching keys here aborts the previous asset's pipeline.
func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request, key domain.AssetKey) {
	ctx := r.Context()
	if err := s.manager.Load(ctx, key); err != nil {
		writeDomainError(w, err)
		return
	}
	rec, err := s.manager.probeRecord(ctx, key)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	opts := s.sessionOptions(r)
	info := assetInfo{
		ProbeRecord:     rec,
		SegmentDuration: opts.SegmentDuration,
	}
	if rec.Duration > 0 && opts.SegmentDuration > 0 {
		info.ExpectedSegments = expectedSegments(rec.Duration, opts.SegmentDuration)
	}
	if _, pathErr := s.manager.cache.LocalPathIfComplete(key); pathErr == nil {
		info.CachedLocally = true
	}
	writeJSON(w, http.StatusOK, info)
}

// handlePlaylist spawns the session on first request and blocks until the
// readiness gate opens, then serves the freshest playlist on disk. The hls
// muxer writes through a temp file, which holds the most current entries
// mid-rename.
func (s *Server) handlePlaylist(w http.ResponseWriter, r *http.Request, key domain.AssetKey) {
	sess, err := s.manager.Ensure(r.Context(), key, s.sessionOptions(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if err := sess.AwaitReady(r.Context()); err != nil {
		writeDomainError(w, err)
		return
	}

	path := filepath.Join(sess.Dir(), "playlist.m3u8")
	if _, statErr := os.Stat(path + ".tmp"); statErr == nil {
		path += ".tmp"
	}
	data, err := os.ReadFile(path)
	if err != nil {
		writeError(w, http.StatusNotFound, "not_found", "playlist not available yet")
		return
	}

	w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) handleSegment(w http.ResponseWriter, r *http.Request, key domain.AssetKey, idx int) {
	sess, ok := s.manager.Get(key)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "no session for asset")
		return
	}
	path := filepath.Join(sess.Dir(), fmt.Sprintf("segment%03d.ts", idx))
	f, err := os.Open(path)
	if err != nil {
		// Not produced yet; the player retries on the next playlist refresh.
		writeError(w, http.StatusNotFound, "not_found", "segment not available")
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		writeDomainError(w, fmt.Errorf("%w: %v", domain.ErrIO, err))
		return
	}

	w.Header().Set("Content-Type", "video/mp2t")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	http.ServeContent(w, r, path, info.ModTime(), f)
}

func (s *Server) handleThumb(w http.ResponseWriter, r *http.Request, key domain.AssetKey, idx int) {
	sess, ok := s.manager.Get(key)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "no session for asset")
		return
	}
	path := filepath.Join(sess.Dir(), fmt.Sprintf("thumb%03d.jpg", idx))
	f, err := os.Open(path)
	if err != nil {
		writeError(w, http.StatusNotFound, "not_found", "thumbnail not available")
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		writeDomainError(w, fmt.Errorf("%w: %v", domain.ErrIO, err))
		return
	}

	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	http.ServeContent(w, r, path, info.ModTime(), f)
}

type thumbnailEntry struct {
	SegmentIndex int     `json:"segmentIndex"`
	Time         float64 `json:"time"`
	Data         *string `json:"data"`
	Source       string  `json:"source"`
}

// handleThumbnails returns the full thumbnail strip as inline data URIs.
// Slots whose JPEG has not been produced yet come back null and fill in on a
// later poll.
func (s *Server) handleThumbnails(w http.ResponseWriter, r *http.Request, key domain.AssetKey) {
	sess, err := s.manager.Ensure(r.Context(), key, s.sessionOptions(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}

	segDur := sess.SegmentDuration()
	total := sess.ExpectedSegments()
	entries := make([]thumbnailEntry, 0, total)
	for i := 0; i < total; i++ {
		entry := thumbnailEntry{
			SegmentIndex: i,
			Time:         float64(i)*float64(segDur) + float64(segDur)/2,
			Source:       "live",
		}
		raw, readErr := os.ReadFile(filepath.Join(sess.Dir(), fmt.Sprintf("thumb%03d.jpg", i)))
		if readErr == nil {
			uri := "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(raw)
			entry.Data = &uri
		}
		entries = append(entries, entry)
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleWaveform(w http.ResponseWriter, r *http.Request, key domain.AssetKey) {
	ctx := r.Context()
	input, rec, err := s.manager.AnalysisInput(ctx, key)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	wf, err := s.analyzer.Waveform(ctx, key, input, rec, queryInt(r, "samples", 1000))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

func (s *Server) handleLoudness(w http.ResponseWriter, r *http.Request, key domain.AssetKey) {
	ctx := r.Context()
	input, rec, err := s.manager.AnalysisInput(ctx, key)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	result, err := s.analyzer.Loudness(ctx, key, input, rec,
		queryFloat(r, "startTime", 0), queryFloat(r, "duration", 10))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request, key domain.AssetKey) {
	writeJSON(w, http.StatusOK, s.manager.ProgressSnapshot(key))
}

// handleStream serves a one-shot fragmented MP4 window for scrubbing ahead
// of the live transcode, burned timecode included.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request, key domain.AssetKey) {
	ctx := r.Context()
	input, _, err := s.manager.AnalysisInput(ctx, key)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	start := queryFloat(r, "t", 0)
	dur := queryFloat(r, "d", 10)
	args := buildFragmentArgs(input, start, dur)

	cmd := exec.CommandContext(ctx, s.manager.ffmpegPath, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		writeDomainError(w, fmt.Errorf("%w: %v", domain.ErrIO, err))
		return
	}
	if err := cmd.Start(); err != nil {
		writeDomainError(w, fmt.Errorf("%w: %v", domain.ErrTranscodeStartup, err))
		return
	}

	w.Header().Set("Content-Type", "video/mp4")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, stdout); err != nil {
		// Client went away mid-stream; reap the child and move on.
		s.logger.Debug("fragment stream interrupted",
			slog.String("key", string(key)), slog.Any("error", err))
	}
	if err := cmd.Wait(); err != nil && ctx.Err() == nil {
		s.logger.Warn("fragment transcode failed",
			slog.String("key", string(key)), slog.Any("error", err))
	}
}

func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request, key domain.AssetKey) {
	found := s.manager.Abort(key)
	writeJSON(w, http.StatusOK, map[string]interface{}{"aborted": found})
}

func (s *Server) handleAbortAll(w http.ResponseWriter, r *http.Request) {
	n := s.manager.AbortAll()
	writeJSON(w, http.StatusOK, map[string]interface{}{"abortedCount": n})
}

// sessionOptions resolves per-session knobs: persisted settings first, then
// query overrides.
func (s *Server) sessionOptions(r *http.Request) SessionOptions {
	opts := SessionOptions{
		SegmentDuration: s.manager.defaultSegDur,
		Goniometer:      s.manager.defaultGonio,
	}
	if s.settings != nil {
		if stored, found, err := s.settings.Get(r.Context()); err == nil && found {
			if stored.SegmentDuration > 0 {
				opts.SegmentDuration = stored.SegmentDuration
			}
			opts.Goniometer = stored.Goniometer
		}
	}
	opts.SegmentDuration = queryInt(r, "segmentDuration", opts.SegmentDuration)
	opts.Goniometer = queryBool(r, "goniometer", opts.Goniometer)
	return opts
}

func expectedSegments(duration float64, segDur int) int {
	n := int(math.Ceil(duration / float64(segDur)))
	if n < 1 {
		n = 1
	}
	return n
}
