package analysis

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"reviewstream/internal/domain"
)

const (
	maxAnalysisTimeout = 2 * time.Minute
	cacheTTL           = time.Hour
)

type cacheKey struct {
	key    domain.AssetKey
	kind   string
	params string
}

type cachedResult struct {
	waveform  *domain.Waveform
	loudness  *domain.Loudness
	expiresAt time.Time
}

// Analyzer runs one-shot ffmpeg extractions (waveform RMS envelope, EBU R128
// loudness) against a local file or a signed URL. Results are memoized per
// (key, kind, parameters) and dropped when the key's session is evicted.
type Analyzer struct {
	binary string
	logger *slog.Logger

	mu    sync.Mutex
	cache map[cacheKey]cachedResult
}

func New(binary string, logger *slog.Logger) *Analyzer {
	bin := strings.TrimSpace(binary)
	if bin == "" {
		bin = "ffmpeg"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Analyzer{
		binary: bin,
		logger: logger,
		cache:  make(map[cacheKey]cachedResult),
	}
}

// DropKey removes every cached analysis for a key.
func (a *Analyzer) DropKey(key domain.AssetKey) {
	a.mu.Lock()
	for k := range a.cache {
		if k.key == key {
			delete(a.cache, k)
		}
	}
	a.mu.Unlock()
}

func (a *Analyzer) lookup(k cacheKey) (cachedResult, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	result, ok := a.cache[k]
	if !ok {
		return cachedResult{}, false
	}
	if time.Now().After(result.expiresAt) {
		delete(a.cache, k)
		return cachedResult{}, false
	}
	return result, true
}

func (a *Analyzer) memoize(k cacheKey, result cachedResult) {
	result.expiresAt = time.Now().Add(cacheTTL)
	a.mu.Lock()
	a.cache[k] = result
	a.mu.Unlock()
}

// mergeSource returns the filter-graph source label for the asset's audio:
// the merged mono pair when the hint holds, the first audio stream otherwise.
// The returned prefix must be prepended to the filter chain.
func mergeSource(rec domain.ProbeRecord) (prefix, label string, merged bool) {
	if hint := rec.MonoPair; hint != nil && hint.Compatible {
		prefix = fmt.Sprintf("[0:a:%d][0:a:%d]amerge=inputs=2[pair];", hint.FirstIndex, hint.SecondIndex)
		return prefix, "[pair]", true
	}
	return "", "[0:a:0]", false
}
