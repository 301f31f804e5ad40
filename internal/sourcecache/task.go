package sourcecache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"reviewstream/internal/domain"
	"reviewstream/internal/metrics"
)

const (
	copyBufSize       = 256 << 10
	broadcastInterval = 1 << 20 // fire "bytes advanced" every 1 MiB
)

// downloadTask is the single in-flight download for one key. Waiters block on
// cond and re-check their byte requirement on every broadcast.
type downloadTask struct {
	cache *Cache
	key   domain.AssetKey
	path  string
	url   string

	resumeFrom int64
	cancel     context.CancelFunc

	mu          sync.Mutex
	cond        *sync.Cond
	bytesHave   int64
	bytesTotal  int64
	done        bool
	err         error
	failReason  error
	startedAt   time.Time
	lastAdvance time.Time
}

// startTaskLocked creates and launches the download task for a key. Caller
// holds c.mu.
func (c *Cache) startTaskLocked(ctx context.Context, key domain.AssetKey) (*downloadTask, error) {
	localPath := c.LocalPath(key)

	var resumeFrom int64
	if info, err := os.Stat(localPath); err == nil && !info.IsDir() {
		resumeFrom = info.Size()
	}

	// The signed URL is issued against a short timeout rather than the
	// request context; the task outlives the request that started it.
	signCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	url, err := c.store.PresignedGet(signCtx, key, c.urlTTL)
	cancel()
	if err != nil {
		return nil, err
	}

	ent := c.entries[key]
	if ent == nil {
		ent = &entry{
			path:          localPath,
			size:          resumeFrom,
			partial:       true,
			firstDownload: time.Now(),
			lastAccess:    time.Now(),
		}
		c.entries[key] = ent
	}
	ent.partial = true

	taskCtx, taskCancel := context.WithCancel(context.Background())
	task := &downloadTask{
		cache:       c,
		key:         key,
		path:        localPath,
		url:         url,
		resumeFrom:  resumeFrom,
		cancel:      taskCancel,
		bytesHave:   resumeFrom,
		startedAt:   time.Now(),
		lastAdvance: time.Now(),
	}
	task.cond = sync.NewCond(&task.mu)
	c.tasks[key] = task

	go task.run(taskCtx)
	go task.watchdog(taskCtx)

	c.logger.Info("cache download started",
		slog.String("key", string(key)),
		slog.Int64("resumeFrom", resumeFrom),
	)
	metrics.DownloadsTotal.Inc()
	return task, nil
}

func (t *downloadTask) run(ctx context.Context) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.url, nil)
	if err != nil {
		t.finish(fmt.Errorf("%w: %v", domain.ErrSourceUnavailable, err))
		return
	}
	if t.resumeFrom > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", t.resumeFrom))
	}

	resp, err := t.cache.client.Do(req)
	if err != nil {
		t.finish(t.failureError(ctx, fmt.Errorf("%w: %v", domain.ErrSourceUnavailable, err)))
		return
	}
	defer resp.Body.Close()

	offset := t.resumeFrom
	switch resp.StatusCode {
	case http.StatusPartialContent:
	case http.StatusOK:
		// Origin ignored the range request; restart from zero.
		if offset > 0 {
			offset = 0
			t.mu.Lock()
			t.bytesHave = 0
			t.mu.Unlock()
		}
	default:
		t.finish(fmt.Errorf("%w: origin returned %d", domain.ErrSourceUnavailable, resp.StatusCode))
		return
	}

	if resp.ContentLength >= 0 {
		total := offset + resp.ContentLength
		t.mu.Lock()
		t.bytesTotal = total
		t.mu.Unlock()
		t.cache.mu.Lock()
		if ent := t.cache.entries[t.key]; ent != nil {
			ent.total = total
		}
		t.cache.mu.Unlock()
	}

	flags := os.O_CREATE | os.O_WRONLY | os.O_APPEND
	if offset == 0 {
		flags = os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	}
	file, err := os.OpenFile(t.path, flags, 0o644)
	if err != nil {
		t.cache.recordIOError()
		t.finish(fmt.Errorf("%w: %v", domain.ErrIO, err))
		return
	}

	buf := make([]byte, copyBufSize)
	lastBroadcast := offset
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, writeErr := file.Write(buf[:n]); writeErr != nil {
				file.Close()
				t.cache.recordIOError()
				t.finish(fmt.Errorf("%w: %v", domain.ErrIO, writeErr))
				return
			}
			have := t.advance(int64(n))
			if have-lastBroadcast >= broadcastInterval {
				lastBroadcast = have
				t.mu.Lock()
				t.cond.Broadcast()
				t.mu.Unlock()
			}
		}
		if readErr != nil {
			file.Close()
			if errors.Is(readErr, io.EOF) {
				t.complete()
				return
			}
			t.finish(t.failureError(ctx, fmt.Errorf("%w: %v", domain.ErrSourceUnavailable, readErr)))
			return
		}
	}
}

// failureError substitutes the recorded abort/stall reason when the context
// was cancelled on purpose.
func (t *downloadTask) failureError(ctx context.Context, fallback error) error {
	if ctx.Err() == nil {
		return fallback
	}
	t.mu.Lock()
	reason := t.failReason
	t.mu.Unlock()
	if reason != nil {
		return reason
	}
	return fmt.Errorf("%w: %v", domain.ErrCancelled, ctx.Err())
}

func (t *downloadTask) advance(n int64) int64 {
	t.mu.Lock()
	t.bytesHave += n
	t.lastAdvance = time.Now()
	have := t.bytesHave
	t.mu.Unlock()

	t.cache.mu.Lock()
	if ent := t.cache.entries[t.key]; ent != nil {
		ent.size = have
		ent.lastAccess = time.Now()
	}
	t.cache.mu.Unlock()
	return have
}

func (t *downloadTask) complete() {
	t.cache.mu.Lock()
	delete(t.cache.tasks, t.key)
	if ent := t.cache.entries[t.key]; ent != nil {
		ent.partial = false
		if ent.total == 0 {
			ent.total = ent.size
		}
	}
	t.cache.mu.Unlock()

	t.mu.Lock()
	t.done = true
	t.cond.Broadcast()
	t.mu.Unlock()

	t.cache.recordIOSuccess()
	t.cache.logger.Info("cache download complete",
		slog.String("key", string(t.key)),
		slog.Int64("bytes", t.bytesHave),
		slog.Duration("elapsed", time.Since(t.startedAt)),
	)
	metrics.CacheSizeBytes.Set(float64(t.cache.TotalBytes()))
	t.cache.evictLRU()
}

// finish tears the task down after a failure and wakes all waiters with the
// error. A deliberate abort keeps the partial file on disk so a later request
// resumes it with a range request; any other failure deletes the file.
func (t *downloadTask) finish(err error) {
	cancelled := errors.Is(err, domain.ErrCancelled)

	t.cache.mu.Lock()
	delete(t.cache.tasks, t.key)
	if cancelled {
		if ent := t.cache.entries[t.key]; ent != nil {
			ent.partial = true
		}
	} else {
		delete(t.cache.entries, t.key)
	}
	t.cache.mu.Unlock()

	if !cancelled {
		_ = os.Remove(t.path)
	}

	t.mu.Lock()
	t.done = true
	t.err = err
	t.cond.Broadcast()
	t.mu.Unlock()

	if cancelled {
		t.cache.logger.Info("cache download aborted",
			slog.String("key", string(t.key)),
			slog.Int64("bytes", t.bytesHave),
		)
		return
	}
	t.cache.logger.Warn("cache download failed",
		slog.String("key", string(t.key)),
		slog.String("error", err.Error()),
	)
	metrics.DownloadFailuresTotal.Inc()
}

// watchdog cancels the task when no bytes arrive for the stall timeout.
func (t *downloadTask) watchdog(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		t.mu.Lock()
		if t.done {
			t.mu.Unlock()
			return
		}
		stalled := time.Since(t.lastAdvance)
		if stalled >= t.cache.stallTimeout {
			t.failReason = fmt.Errorf("%w: no download progress for %s", domain.ErrTimeout, stalled.Round(time.Second))
			t.mu.Unlock()
			t.cancel()
			return
		}
		t.mu.Unlock()
	}
}

func (t *downloadTask) abort() {
	t.mu.Lock()
	if t.failReason == nil {
		t.failReason = fmt.Errorf("%w: download aborted", domain.ErrCancelled)
	}
	t.mu.Unlock()
	t.cancel()
}

func (t *downloadTask) totalBytes() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.bytesTotal
}

func (t *downloadTask) progress() Progress {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Progress{
		BytesHave:  t.bytesHave,
		BytesTotal: t.bytesTotal,
		Complete:   t.done && t.err == nil,
		StartedAt:  t.startedAt,
	}
}

// waitForBytes blocks until the task has at least need bytes on disk, the
// task finishes, the window elapses (returns false, nil), or ctx is
// cancelled.
func (t *downloadTask) waitForBytes(ctx context.Context, need int64, window time.Duration) (bool, error) {
	deadline := time.Now().Add(window)
	timer := time.AfterFunc(window, func() {
		t.mu.Lock()
		t.cond.Broadcast()
		t.mu.Unlock()
	})
	defer timer.Stop()
	stop := context.AfterFunc(ctx, func() {
		t.mu.Lock()
		t.cond.Broadcast()
		t.mu.Unlock()
	})
	defer stop()

	t.mu.Lock()
	defer t.mu.Unlock()
	for {
		if t.done {
			return true, t.err
		}
		// The total may only land with the response headers, after the
		// requirement was computed; never wait for more than the whole object.
		target := need
		if t.bytesTotal > 0 && target > t.bytesTotal {
			target = t.bytesTotal
		}
		if t.bytesHave >= target {
			return true, nil
		}
		if err := ctx.Err(); err != nil {
			return false, fmt.Errorf("%w: %v", domain.ErrCancelled, err)
		}
		if time.Now().After(deadline) {
			return false, nil
		}
		t.cond.Wait()
	}
}

// waitForCompletion blocks until the task reaches EOF or fails.
func (t *downloadTask) waitForCompletion(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		t.mu.Lock()
		t.cond.Broadcast()
		t.mu.Unlock()
	})
	defer stop()

	t.mu.Lock()
	defer t.mu.Unlock()
	for {
		if t.done {
			return t.err
		}
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %v", domain.ErrCancelled, err)
		}
		t.cond.Wait()
	}
}
