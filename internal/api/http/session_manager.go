package apihttp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"reviewstream/internal/domain"
	"reviewstream/internal/media/analysis"
	"reviewstream/internal/media/probe"
	"reviewstream/internal/metrics"
	"reviewstream/internal/objectstore"
	"reviewstream/internal/sourcecache"
)

const (
	defaultSessionTTL = time.Hour
	sessionReapPeriod = time.Minute
	liveHLSDirName    = "live-hls"
	initialBufferSecs = 2 // segments worth of source bytes before spawning
)

var keySanitizeRe = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// sanitizeKey maps an asset key to a filesystem-safe directory name. Runs of
// disallowed characters collapse to a single underscore.
func sanitizeKey(key domain.AssetKey) string {
	return keySanitizeRe.ReplaceAllString(string(key), "_")
}

// SessionManager is the per-asset pipeline controller. It owns the session
// registry, enforces the single-active-asset policy, and coordinates the
// source cache, the prober and the analyzer around session lifecycle.
type SessionManager struct {
	cache    *sourcecache.Cache
	prober   *probe.Prober
	analyzer *analysis.Analyzer
	store    objectstore.Client

	ffmpegPath    string
	defaultSegDur int
	defaultGonio  bool
	encoder       string
	vaapiDevice   string
	sessionTTL    time.Duration
	logger        *slog.Logger

	mu         sync.RWMutex
	sessions   map[domain.AssetKey]*Session
	spawning   map[domain.AssetKey]*spawnGate
	currentKey domain.AssetKey

	// Health stats, guarded by mu.
	totalSessionStarts   int64
	totalSessionFailures int64
	lastSessionError     string
	lastSessionErrorAt   time.Time
	lastReadyAt          time.Time

	reapStop chan struct{}
	reapOnce sync.Once
}

type SessionManagerConfig struct {
	FFmpegPath      string
	SegmentDuration int
	Goniometer      bool
	Encoder         string
	VAAPIDevice     string
	SessionTTL      time.Duration
}

func NewSessionManager(
	cache *sourcecache.Cache,
	prober *probe.Prober,
	analyzer *analysis.Analyzer,
	store objectstore.Client,
	cfg SessionManagerConfig,
	logger *slog.Logger,
) *SessionManager {
	if cfg.FFmpegPath == "" {
		cfg.FFmpegPath = "ffmpeg"
	}
	if cfg.SegmentDuration <= 0 {
		cfg.SegmentDuration = 10
	}
	if cfg.Encoder == "" {
		cfg.Encoder = "software"
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = defaultSessionTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	m := &SessionManager{
		cache:         cache,
		prober:        prober,
		analyzer:      analyzer,
		store:         store,
		ffmpegPath:    cfg.FFmpegPath,
		defaultSegDur: cfg.SegmentDuration,
		defaultGonio:  cfg.Goniometer,
		encoder:       cfg.Encoder,
		vaapiDevice:   cfg.VAAPIDevice,
		sessionTTL:    cfg.SessionTTL,
		logger:        logger,
		sessions:      make(map[domain.AssetKey]*Session),
		spawning:      make(map[domain.AssetKey]*spawnGate),
		reapStop:      make(chan struct{}),
	}
	go m.reapLoop()
	return m
}

// Load declares the asset under review. Switching keys aborts the previous
// asset's sessions and downloads; re-loading the current key verifies the
// session child is alive and clears a dead one so the next playlist request
// respawns it.
func (m *SessionManager) Load(ctx context.Context, key domain.AssetKey) error {
	if key == "" {
		return fmt.Errorf("%w: empty asset key", domain.ErrNotFound)
	}

	m.mu.Lock()
	prev := m.currentKey
	m.currentKey = key
	var dead *Session
	if s, ok := m.sessions[key]; ok && !s.Alive() {
		delete(m.sessions, key)
		dead = s
	}
	m.mu.Unlock()

	if dead != nil {
		m.logger.Info("clearing dead session on reload", slog.String("key", string(key)))
		m.teardown(dead)
	}
	if prev != "" && prev != key {
		m.logger.Info("asset switch",
			slog.String("from", string(prev)), slog.String("to", string(key)))
		m.abortKey(prev)
	}

	// Kick off the progressive download so the asset is warming before the
	// first playlist request arrives.
	if m.cache.Enabled() {
		if err := m.cache.Warm(ctx, key); err != nil {
			if errors.Is(err, domain.ErrNotFound) || errors.Is(err, domain.ErrCredential) {
				return err
			}
			m.logger.Warn("cache warm-up failed, will stream from source",
				slog.String("key", string(key)), slog.Any("error", err))
		}
	}
	return nil
}

// CurrentKey returns the asset under review, if any.
func (m *SessionManager) CurrentKey() domain.AssetKey {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.currentKey
}

// Get returns the live session for a key without creating one.
func (m *SessionManager) Get(key domain.AssetKey) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[key]
	return s, ok
}

// spawnGate serializes concurrent spawns of the same key. Fields are set
// before done is closed.
type spawnGate struct {
	done    chan struct{}
	session *Session
	err     error
}

// Ensure returns the key's session, spawning one if needed. The fast path is
// a read-locked lookup; spawning is serialized per key through a gate so a
// burst of concurrent playlist requests yields exactly one child.
func (m *SessionManager) Ensure(ctx context.Context, key domain.AssetKey, opts SessionOptions) (*Session, error) {
	for {
		m.mu.RLock()
		if s, ok := m.sessions[key]; ok && s.Alive() {
			m.mu.RUnlock()
			return s, nil
		}
		m.mu.RUnlock()

		m.mu.Lock()
		if s, ok := m.sessions[key]; ok {
			if s.Alive() {
				m.mu.Unlock()
				return s, nil
			}
			delete(m.sessions, key)
			m.mu.Unlock()
			m.teardown(s)
			continue
		}
		if gate := m.spawning[key]; gate != nil {
			m.mu.Unlock()
			select {
			case <-gate.done:
				if gate.err != nil {
					return nil, gate.err
				}
				continue
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: waiting for session spawn: %v", domain.ErrTimeout, ctx.Err())
			}
		}
		gate := &spawnGate{done: make(chan struct{})}
		m.spawning[key] = gate
		m.mu.Unlock()

		s, err := m.spawn(ctx, key, opts)
		gate.session, gate.err = s, err
		m.mu.Lock()
		delete(m.spawning, key)
		m.mu.Unlock()
		close(gate.done)

		if err != nil {
			m.recordFailure(err)
			return nil, err
		}
		return s, nil
	}
}

// spawn prepares the workdir and input, starts the child, and installs the
// session in the registry before the readiness gate opens.
func (m *SessionManager) spawn(ctx context.Context, key domain.AssetKey, opts SessionOptions) (*Session, error) {
	if opts.SegmentDuration <= 0 {
		opts.SegmentDuration = m.defaultSegDur
	}

	rec, err := m.probeRecord(ctx, key)
	if err != nil {
		return nil, err
	}

	input, streaming, pinned, err := m.sessionInput(ctx, key, rec, opts.SegmentDuration)
	if err != nil {
		return nil, err
	}

	dir := filepath.Join(m.cache.Dir(), liveHLSDirName, sanitizeKey(key))
	if err := os.RemoveAll(dir); err != nil {
		m.unpin(pinned, key)
		return nil, fmt.Errorf("%w: purging session dir: %v", domain.ErrIO, err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		m.unpin(pinned, key)
		return nil, fmt.Errorf("%w: creating session dir: %v", domain.ErrIO, err)
	}

	procCtx, cancel := context.WithCancel(context.Background())
	args := buildSessionArgs(sessionArgConfig{
		Input:           input,
		Streaming:       streaming,
		SegmentDuration: opts.SegmentDuration,
		Goniometer:      opts.Goniometer,
		Encoder:         m.encoder,
		VAAPIDevice:     m.vaapiDevice,
		Probe:           rec,
	})

	s := &Session{
		key:       key,
		dir:       dir,
		opts:      opts,
		probe:     rec,
		streaming: streaming,
		startedAt: time.Now(),
		proc:      NewFFmpegProcess(procCtx, m.ffmpegPath, args, dir),
		cancel:    cancel,
		ready:     make(chan struct{}),
		logger:    m.logger,
	}

	m.logger.Info("spawning transcode session",
		slog.String("key", string(key)),
		slog.Bool("streaming", streaming),
		slog.Int("segment_duration", opts.SegmentDuration),
		slog.Bool("goniometer", opts.Goniometer),
		slog.String("encoder", m.encoder),
	)

	if err := s.proc.Start(); err != nil {
		cancel()
		m.unpin(pinned, key)
		return nil, fmt.Errorf("%w: %v", domain.ErrTranscodeStartup, err)
	}

	m.mu.Lock()
	m.sessions[key] = s
	m.totalSessionStarts++
	m.mu.Unlock()
	metrics.SessionStartsTotal.Inc()
	metrics.ActiveSessions.Set(float64(m.sessionCount()))

	go s.run(procCtx, func(failure error) {
		if failure != nil {
			m.recordFailure(failure)
		} else {
			m.mu.Lock()
			m.lastReadyAt = time.Now()
			m.mu.Unlock()
		}
		if pinned {
			m.cache.Unpin(key)
		}
	})
	return s, nil
}

// sessionInput picks the transcoder input: the cached local file when the
// cache can serve one (streaming mode while it is partial), the signed URL
// otherwise. A local input pins the cache entry for the session's lifetime.
func (m *SessionManager) sessionInput(ctx context.Context, key domain.AssetKey, rec domain.ProbeRecord, segDur int) (input string, streaming, pinned bool, err error) {
	if m.cache.Enabled() {
		needSecs := float64(initialBufferSecs * segDur)
		path, cacheErr := m.cache.Ensure(ctx, key, needSecs)
		if cacheErr == nil {
			m.cache.Pin(key)
			prog, _ := m.cache.Progress(key)
			return path, !prog.Complete, true, nil
		}
		if errors.Is(cacheErr, domain.ErrNotFound) || errors.Is(cacheErr, domain.ErrCredential) {
			return "", false, false, cacheErr
		}
		m.logger.Warn("cache unavailable, streaming from signed URL",
			slog.String("key", string(key)), slog.Any("error", cacheErr))
	}

	url, urlErr := m.store.PresignedGet(ctx, key, 0)
	if urlErr != nil {
		return "", false, false, urlErr
	}
	return url, false, false, nil
}

// probeRecord probes the asset, preferring a complete local copy over the
// signed URL. Results are memoized by the prober.
func (m *SessionManager) probeRecord(ctx context.Context, key domain.AssetKey) (domain.ProbeRecord, error) {
	if rec, ok := m.prober.Cached(key); ok {
		return rec, nil
	}
	input := ""
	if m.cache.Enabled() {
		if path, err := m.cache.LocalPathIfComplete(key); err == nil {
			input = path
		}
	}
	if input == "" {
		url, err := m.store.PresignedGet(ctx, key, 0)
		if err != nil {
			return domain.ProbeRecord{}, err
		}
		input = url
	}
	return m.prober.Probe(ctx, key, input)
}

// AnalysisInput resolves the input and probe record for one-shot extraction
// work (waveform, loudness, fragment streaming).
func (m *SessionManager) AnalysisInput(ctx context.Context, key domain.AssetKey) (string, domain.ProbeRecord, error) {
	rec, err := m.probeRecord(ctx, key)
	if err != nil {
		return "", domain.ProbeRecord{}, err
	}
	if m.cache.Enabled() {
		if path, pathErr := m.cache.LocalPathIfComplete(key); pathErr == nil {
			return path, rec, nil
		}
	}
	url, err := m.store.PresignedGet(ctx, key, 0)
	if err != nil {
		return "", domain.ProbeRecord{}, err
	}
	return url, rec, nil
}

// Abort tears down the key's session and cancels its download.
func (m *SessionManager) Abort(key domain.AssetKey) bool {
	found := m.abortKey(key)
	m.mu.Lock()
	if m.currentKey == key {
		m.currentKey = ""
	}
	m.mu.Unlock()
	return found
}

// AbortAll tears down every session and download. Returns the number of
// sessions stopped.
func (m *SessionManager) AbortAll() int {
	m.mu.Lock()
	victims := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		victims = append(victims, s)
	}
	m.sessions = make(map[domain.AssetKey]*Session)
	m.currentKey = ""
	m.mu.Unlock()

	for _, s := range victims {
		m.teardown(s)
	}
	m.cache.AbortAll()
	metrics.ActiveSessions.Set(0)
	return len(victims)
}

func (m *SessionManager) abortKey(key domain.AssetKey) bool {
	m.mu.Lock()
	s, ok := m.sessions[key]
	if ok {
		delete(m.sessions, key)
	}
	m.mu.Unlock()

	if ok {
		m.teardown(s)
	}
	m.cache.Abort(key)
	metrics.ActiveSessions.Set(float64(m.sessionCount()))
	return ok
}

// teardown stops the child and drops per-key derived state. Probe records
// survive eviction; analysis results do not.
func (m *SessionManager) teardown(s *Session) {
	s.stop()
	m.analyzer.DropKey(s.key)
}

// Shutdown stops the reaper and aborts everything. For process exit.
func (m *SessionManager) Shutdown() {
	m.reapOnce.Do(func() { close(m.reapStop) })
	m.AbortAll()
}

func (m *SessionManager) sessionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

func (m *SessionManager) recordFailure(err error) {
	m.mu.Lock()
	m.totalSessionFailures++
	m.lastSessionError = err.Error()
	m.lastSessionErrorAt = time.Now()
	m.mu.Unlock()
	metrics.SessionFailuresTotal.Inc()
}

// reapLoop evicts sessions past their TTL.
func (m *SessionManager) reapLoop() {
	ticker := time.NewTicker(sessionReapPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-m.reapStop:
			return
		case <-ticker.C:
		}

		m.mu.Lock()
		var expired []*Session
		for key, s := range m.sessions {
			if time.Since(s.StartedAt()) > m.sessionTTL {
				delete(m.sessions, key)
				expired = append(expired, s)
			}
		}
		m.mu.Unlock()

		for _, s := range expired {
			m.logger.Info("session expired", slog.String("key", string(s.Key())))
			m.teardown(s)
		}
		if len(expired) > 0 {
			metrics.ActiveSessions.Set(float64(m.sessionCount()))
		}
	}
}

func (m *SessionManager) unpin(pinned bool, key domain.AssetKey) {
	if pinned {
		m.cache.Unpin(key)
	}
}

type pipelineHealth struct {
	ActiveSessions int       `json:"activeSessions"`
	CurrentKey     string    `json:"currentKey,omitempty"`
	TotalStarts    int64     `json:"totalSessionStarts"`
	TotalFailures  int64     `json:"totalSessionFailures"`
	LastError      string    `json:"lastSessionError,omitempty"`
	LastErrorAt    time.Time `json:"lastSessionErrorAt,omitempty"`
	LastReadyAt    time.Time `json:"lastReadyAt,omitempty"`
	CacheEnabled   bool      `json:"cacheEnabled"`
	CacheBytes     int64     `json:"cacheBytes"`
}

func (m *SessionManager) healthSnapshot() pipelineHealth {
	m.mu.RLock()
	h := pipelineHealth{
		ActiveSessions: len(m.sessions),
		CurrentKey:     string(m.currentKey),
		TotalStarts:    m.totalSessionStarts,
		TotalFailures:  m.totalSessionFailures,
		LastError:      m.lastSessionError,
		LastErrorAt:    m.lastSessionErrorAt,
		LastReadyAt:    m.lastReadyAt,
	}
	m.mu.RUnlock()
	h.CacheEnabled = m.cache.Enabled()
	h.CacheBytes = m.cache.TotalBytes()
	return h
}
