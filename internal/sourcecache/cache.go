package sourcecache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"sync"
	"time"

	"reviewstream/internal/domain"
	"reviewstream/internal/metrics"
	"reviewstream/internal/objectstore"
)

const (
	defaultProgressWait = 30 * time.Second
	defaultStallTimeout = 5 * time.Minute
	defaultSignedURLTTL = time.Hour

	// Fallback source bitrate when neither the container nor the probe
	// yields one.
	fallbackBitrate = 8_000_000

	// Safety buffer applied to needSecs-derived byte requirements, covering
	// decoder lookahead and container interleaving.
	byteBufferMultiplier = 2.0

	// Eviction stops once total cached bytes drop below this share of budget.
	evictionLowWater = 0.8

	// Consecutive disk failures before local caching is disabled for the
	// remainder of the process.
	maxIOErrStreak = 3
)

// BitrateFunc resolves an asset's bitrate in bits per second, used to turn a
// needSecs requirement into a byte requirement. Returning 0 falls back to a
// fixed 8 Mbit/s estimate.
type BitrateFunc func(ctx context.Context, key domain.AssetKey) int64

type Config struct {
	Dir          string
	BudgetBytes  int64
	Enabled      bool
	SignedURLTTL time.Duration
}

// Progress is the externally visible download state for one asset.
type Progress struct {
	BytesHave  int64     `json:"bytesHave"`
	BytesTotal int64     `json:"bytesTotal"`
	Complete   bool      `json:"complete"`
	StartedAt  time.Time `json:"startedAt"`
}

// entry is one asset resident on local disk.
type entry struct {
	path          string
	size          int64
	total         int64
	partial       bool
	firstDownload time.Time
	lastAccess    time.Time
}

// Cache downloads source objects into a local directory and hands out paths
// as soon as enough bytes are on disk. One download task per key; waiters
// block on the task's condition variable and re-check their byte requirement
// on every "bytes advanced" broadcast.
type Cache struct {
	dir     string
	budget  int64
	urlTTL  time.Duration
	store   objectstore.Client
	bitrate BitrateFunc
	logger  *slog.Logger
	client  *http.Client

	mu          sync.Mutex
	enabled     bool
	entries     map[domain.AssetKey]*entry
	tasks       map[domain.AssetKey]*downloadTask
	pins        map[domain.AssetKey]int
	ioErrStreak int
	evicting    bool

	// Overridable in tests.
	progressWait time.Duration
	stallTimeout time.Duration
}

func New(cfg Config, store objectstore.Client, logger *slog.Logger) (*Cache, error) {
	dir := filepath.Clean(cfg.Dir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cache dir: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	budget := cfg.BudgetBytes
	if budget <= 0 {
		budget = 10 << 30
	}
	urlTTL := cfg.SignedURLTTL
	if urlTTL <= 0 {
		urlTTL = defaultSignedURLTTL
	}
	return &Cache{
		dir:          dir,
		budget:       budget,
		urlTTL:       urlTTL,
		store:        store,
		logger:       logger,
		client:       &http.Client{},
		enabled:      cfg.Enabled,
		entries:      make(map[domain.AssetKey]*entry),
		tasks:        make(map[domain.AssetKey]*downloadTask),
		pins:         make(map[domain.AssetKey]int),
		progressWait: defaultProgressWait,
		stallTimeout: defaultStallTimeout,
	}, nil
}

// SetBitrateFunc wires the probe-backed bitrate resolver. Must be called
// before the first Ensure.
func (c *Cache) SetBitrateFunc(fn BitrateFunc) {
	c.bitrate = fn
}

func (c *Cache) Dir() string { return c.dir }

func (c *Cache) Enabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enabled
}

var extPattern = regexp.MustCompile(`^\.[A-Za-z0-9]{1,7}$`)

// LocalPath derives the on-disk location for a key: sha256 of the key plus
// the key's original extension when it looks like one.
func (c *Cache) LocalPath(key domain.AssetKey) string {
	sum := sha256.Sum256([]byte(key))
	name := hex.EncodeToString(sum[:])
	if ext := path.Ext(string(key)); extPattern.MatchString(ext) {
		name += ext
	}
	return filepath.Join(c.dir, name)
}

// Ensure returns a local path containing at least the bytes needed to decode
// needSecs seconds from the start of the asset, or the complete file when
// needSecs <= 0. It starts a download task when none is running and may
// return long before that task reaches EOF.
func (c *Cache) Ensure(ctx context.Context, key domain.AssetKey, needSecs float64) (string, error) {
	c.mu.Lock()
	if !c.enabled {
		c.mu.Unlock()
		return "", fmt.Errorf("%w: local cache disabled", domain.ErrIO)
	}

	ent := c.entries[key]
	task := c.tasks[key]

	if ent == nil && task == nil {
		ent = c.adoptOrphanLocked(key)
	}

	if ent != nil && !ent.partial && task == nil {
		ent.lastAccess = time.Now()
		p := ent.path
		c.mu.Unlock()
		return p, nil
	}

	if task == nil {
		var err error
		task, err = c.startTaskLocked(ctx, key)
		if err != nil {
			c.mu.Unlock()
			return "", err
		}
	}
	localPath := task.path
	c.mu.Unlock()

	if needSecs > 0 {
		needBytes := c.requiredBytes(ctx, key, needSecs, task.totalBytes())
		if ok, err := task.waitForBytes(ctx, needBytes, c.progressWait); err != nil {
			return "", err
		} else if ok {
			c.touch(key)
			return localPath, nil
		}
		// Progressive wait window elapsed without satisfying the byte
		// requirement; fall back to waiting for full completion.
		c.logger.Debug("cache progressive wait elapsed, waiting for completion",
			slog.String("key", string(key)),
			slog.Float64("needSecs", needSecs),
		)
	}

	if err := task.waitForCompletion(ctx); err != nil {
		return "", err
	}
	c.touch(key)
	return localPath, nil
}

// adoptOrphanLocked picks up a file left on disk by a previous run. Its size
// is checked against the source object so a crash-truncated file is tracked
// as partial and resumed instead of being served as complete. Caller holds
// c.mu.
func (c *Cache) adoptOrphanLocked(key domain.AssetKey) *entry {
	localPath := c.LocalPath(key)
	info, err := os.Stat(localPath)
	if err != nil || info.IsDir() {
		return nil
	}

	statCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	obj, statErr := c.store.Stat(statCtx, key)
	cancel()

	ent := &entry{
		path:          localPath,
		size:          info.Size(),
		firstDownload: info.ModTime(),
		lastAccess:    time.Now(),
	}
	switch {
	case statErr == nil && info.Size() == obj.Size:
		ent.total = obj.Size
	case statErr == nil && info.Size() < obj.Size:
		ent.partial = true
		ent.total = obj.Size
	case statErr == nil:
		// On-disk file is larger than the source object; it cannot be
		// resumed or trusted.
		_ = os.Remove(localPath)
		return nil
	default:
		// Source unreachable; leave the file marked partial so the next
		// download re-verifies it.
		ent.partial = true
	}
	c.entries[key] = ent
	return ent
}

// Warm starts the download task for a key without blocking on any byte
// requirement. No-op when the file is already complete or a task is running.
func (c *Cache) Warm(ctx context.Context, key domain.AssetKey) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.enabled {
		return fmt.Errorf("%w: local cache disabled", domain.ErrIO)
	}
	if c.tasks[key] != nil {
		return nil
	}
	ent := c.entries[key]
	if ent == nil {
		ent = c.adoptOrphanLocked(key)
	}
	if ent != nil && !ent.partial {
		ent.lastAccess = time.Now()
		return nil
	}
	_, err := c.startTaskLocked(ctx, key)
	return err
}

// LocalPathIfComplete returns the local path for a key only when the whole
// object is on disk.
func (c *Cache) LocalPathIfComplete(key domain.AssetKey) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.enabled {
		return "", fmt.Errorf("%w: local cache disabled", domain.ErrIO)
	}
	ent := c.entries[key]
	if ent == nil {
		ent = c.adoptOrphanLocked(key)
	}
	if ent == nil || ent.partial {
		return "", fmt.Errorf("%w: no complete local copy", domain.ErrNotFound)
	}
	ent.lastAccess = time.Now()
	return ent.path, nil
}

// requiredBytes converts a duration requirement into bytes using the probed
// bitrate, capped at the known total.
func (c *Cache) requiredBytes(ctx context.Context, key domain.AssetKey, needSecs float64, total int64) int64 {
	var bps int64
	if c.bitrate != nil {
		bps = c.bitrate(ctx, key)
	}
	if bps <= 0 {
		bps = fallbackBitrate
	}
	need := int64(needSecs * float64(bps) / 8 * byteBufferMultiplier)
	if total > 0 && need > total {
		need = total
	}
	return need
}

func (c *Cache) touch(key domain.AssetKey) {
	c.mu.Lock()
	if ent := c.entries[key]; ent != nil {
		ent.lastAccess = time.Now()
	}
	c.mu.Unlock()
}

// Progress reports the download state for a key. The second return is false
// when the key has neither a cache entry nor a running task.
func (c *Cache) Progress(key domain.AssetKey) (Progress, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if task := c.tasks[key]; task != nil {
		return task.progress(), true
	}
	if ent := c.entries[key]; ent != nil {
		return Progress{
			BytesHave:  ent.size,
			BytesTotal: ent.total,
			Complete:   !ent.partial,
			StartedAt:  ent.firstDownload,
		}, true
	}
	return Progress{}, false
}

// Pin marks a key's local file as backing a live session so that eviction
// skips it. Pins nest.
func (c *Cache) Pin(key domain.AssetKey) {
	c.mu.Lock()
	c.pins[key]++
	c.mu.Unlock()
}

func (c *Cache) Unpin(key domain.AssetKey) {
	c.mu.Lock()
	if c.pins[key] > 1 {
		c.pins[key]--
	} else {
		delete(c.pins, key)
	}
	c.mu.Unlock()
}

// Abort cancels the download task for a key, if any, waking all waiters with
// a cancelled error. The partial file stays on disk and is resumed by the
// next Ensure.
func (c *Cache) Abort(key domain.AssetKey) {
	c.mu.Lock()
	task := c.tasks[key]
	c.mu.Unlock()
	if task != nil {
		task.abort()
	}
}

// AbortAll cancels every running download task and returns how many were live.
func (c *Cache) AbortAll() int {
	c.mu.Lock()
	tasks := make([]*downloadTask, 0, len(c.tasks))
	for _, t := range c.tasks {
		tasks = append(tasks, t)
	}
	c.mu.Unlock()
	for _, t := range tasks {
		t.abort()
	}
	return len(tasks)
}

// TotalBytes is the sum of on-disk sizes across all tracked entries.
func (c *Cache) TotalBytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.totalBytesLocked()
}

func (c *Cache) totalBytesLocked() int64 {
	var total int64
	for _, ent := range c.entries {
		total += ent.size
	}
	return total
}

// evictLRU deletes complete, unpinned files in ascending last-access order
// until total bytes drop below the low-water mark. Runs opportunistically at
// the end of a download task, never concurrently with itself.
func (c *Cache) evictLRU() {
	c.mu.Lock()
	if c.evicting {
		c.mu.Unlock()
		return
	}
	c.evicting = true

	total := c.totalBytesLocked()
	if total <= c.budget {
		c.evicting = false
		c.mu.Unlock()
		return
	}
	target := int64(float64(c.budget) * evictionLowWater)

	type victim struct {
		key domain.AssetKey
		ent *entry
	}
	candidates := make([]victim, 0, len(c.entries))
	for key, ent := range c.entries {
		if ent.partial {
			continue
		}
		if c.pins[key] > 0 {
			continue
		}
		if c.tasks[key] != nil {
			continue
		}
		candidates = append(candidates, victim{key: key, ent: ent})
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].ent.lastAccess.Before(candidates[j].ent.lastAccess)
	})

	var evicted []victim
	for _, v := range candidates {
		if total <= target {
			break
		}
		total -= v.ent.size
		delete(c.entries, v.key)
		evicted = append(evicted, v)
	}
	c.evicting = false
	c.mu.Unlock()

	for _, v := range evicted {
		if err := os.Remove(v.ent.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			c.logger.Warn("cache evict remove failed",
				slog.String("path", v.ent.path),
				slog.String("error", err.Error()),
			)
			continue
		}
		metrics.CacheEvictionsTotal.Inc()
		c.logger.Info("cache evicted",
			slog.String("key", string(v.key)),
			slog.Int64("bytes", v.ent.size),
		)
	}
	metrics.CacheSizeBytes.Set(float64(c.TotalBytes()))
}

// recordIOError tracks consecutive disk failures and disables local caching
// for the rest of the process once the streak is long enough.
func (c *Cache) recordIOError() {
	c.mu.Lock()
	c.ioErrStreak++
	if c.ioErrStreak >= maxIOErrStreak && c.enabled {
		c.enabled = false
		c.logger.Error("local cache disabled after repeated disk failures",
			slog.Int("streak", c.ioErrStreak))
	}
	c.mu.Unlock()
}

func (c *Cache) recordIOSuccess() {
	c.mu.Lock()
	c.ioErrStreak = 0
	c.mu.Unlock()
}
