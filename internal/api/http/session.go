package apihttp

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"os"
	"sync"
	"time"

	"reviewstream/internal/domain"
	"reviewstream/internal/metrics"
)

const (
	sessionReadyMinSegments = 2
	sessionReadyTimeout     = 30 * time.Second
	terminateGrace          = 2 * time.Second
	workdirRemovalDelay     = 5 * time.Second
)

// SessionOptions are the per-session knobs a caller may override.
type SessionOptions struct {
	SegmentDuration int
	Goniometer      bool
}

// Session owns one live HLS transcode: the ffmpeg child, its working
// directory, and the readiness gate playback handlers block on.
type Session struct {
	key       domain.AssetKey
	dir       string
	opts      SessionOptions
	probe     domain.ProbeRecord
	streaming bool
	startedAt time.Time

	proc   *FFmpegProcess
	cancel context.CancelFunc

	ready     chan struct{}
	readyOnce sync.Once

	mu            sync.Mutex
	err           error
	readyAt       time.Time
	finalSegments int
	exited        bool
	deletePending bool

	logger *slog.Logger
}

func (s *Session) Key() domain.AssetKey      { return s.key }
func (s *Session) Dir() string               { return s.dir }
func (s *Session) Probe() domain.ProbeRecord { return s.probe }
func (s *Session) Streaming() bool           { return s.streaming }
func (s *Session) SegmentDuration() int      { return s.opts.SegmentDuration }
func (s *Session) StartedAt() time.Time      { return s.startedAt }

// ExpectedSegments derives the total segment count from the probed duration.
func (s *Session) ExpectedSegments() int {
	if s.probe.Duration <= 0 || s.opts.SegmentDuration <= 0 {
		return 0
	}
	return int(math.Ceil(s.probe.Duration / float64(s.opts.SegmentDuration)))
}

// EncodedSeconds reports how far into the asset the transcoder has written.
func (s *Session) EncodedSeconds() float64 {
	return s.proc.Progress()
}

// SegmentsOnDisk counts contiguous finished segments right now.
func (s *Session) SegmentsOnDisk() int {
	return countContiguousSegments(s.dir)
}

func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Alive reports whether the child process is still running.
func (s *Session) Alive() bool {
	return !s.proc.IsDone()
}

// Ready reports whether the readiness gate has opened.
func (s *Session) Ready() bool {
	select {
	case <-s.ready:
		return true
	default:
		return false
	}
}

// AwaitReady blocks until the session is ready to serve a playlist, the
// session fails, or ctx is cancelled. The gate also opens on pre-ready
// failure so waiters observe the error instead of hanging.
func (s *Session) AwaitReady(ctx context.Context) error {
	select {
	case <-s.ready:
		return s.Err()
	case <-ctx.Done():
		return fmt.Errorf("%w: waiting for session readiness: %v", domain.ErrTimeout, ctx.Err())
	}
}

func (s *Session) signalReady(err error) {
	s.readyOnce.Do(func() {
		s.mu.Lock()
		if err != nil && s.err == nil {
			s.err = err
		}
		s.readyAt = time.Now()
		s.mu.Unlock()
		close(s.ready)
	})
}

// run supervises the child: it drives the readiness gate, waits for exit,
// and classifies the outcome. onExit fires exactly once after the child is
// gone, with the failure (nil on clean or deliberate exit).
func (s *Session) run(ctx context.Context, onExit func(failure error)) {
	go func() {
		n := waitForSegments(ctx, s.dir, sessionReadyMinSegments, sessionReadyTimeout, s.ExpectedSegments())
		s.logger.Info("session ready",
			slog.String("key", string(s.key)),
			slog.Int("segments", n),
			slog.Duration("elapsed", time.Since(s.startedAt)),
		)
		metrics.SessionReadySeconds.Observe(time.Since(s.startedAt).Seconds())
		s.signalReady(nil)
	}()

	err := s.proc.Wait()

	s.mu.Lock()
	s.exited = true
	s.finalSegments = countContiguousSegments(s.dir)
	wasReady := !s.readyAt.IsZero()
	s.mu.Unlock()

	var failure error
	switch {
	case ctx.Err() != nil:
		// Deliberate stop.
	case err != nil:
		tail := s.proc.StderrTail()
		if wasReady {
			failure = fmt.Errorf("%w: transcoder exited: %v: %s", domain.ErrIO, err, tail)
		} else {
			failure = fmt.Errorf("%w: %v: %s", domain.ErrTranscodeStartup, err, tail)
		}
		s.logger.Error("session transcoder failed",
			slog.String("key", string(s.key)),
			slog.Bool("was_ready", wasReady),
			slog.Any("error", err),
		)
	default:
		s.logger.Info("session transcode complete",
			slog.String("key", string(s.key)),
			slog.Int("segments", s.finalSegments),
		)
	}

	if failure != nil {
		s.mu.Lock()
		if s.err == nil {
			s.err = failure
		}
		s.mu.Unlock()
	}
	// Open the gate for anyone still waiting.
	s.signalReady(failure)

	onExit(failure)
}

// stop terminates the child and schedules workdir removal. Removal is
// deferred briefly so in-flight segment responses drain; if the child is
// somehow still alive at removal time the directory is left for the next
// sweep.
func (s *Session) stop() {
	s.cancelOnce()
	s.proc.Terminate(terminateGrace)

	s.mu.Lock()
	if s.deletePending {
		s.mu.Unlock()
		return
	}
	s.deletePending = true
	s.mu.Unlock()

	dir := s.dir
	time.AfterFunc(workdirRemovalDelay, func() {
		if !s.proc.IsDone() {
			s.logger.Warn("session workdir removal skipped, child still alive",
				slog.String("key", string(s.key)))
			s.mu.Lock()
			s.deletePending = false
			s.mu.Unlock()
			return
		}
		if err := os.RemoveAll(dir); err != nil {
			s.logger.Warn("session workdir removal failed",
				slog.String("dir", dir), slog.Any("error", err))
		}
	})
}

func (s *Session) cancelOnce() {
	if s.cancel != nil {
		s.cancel()
	}
}
