package apihttp

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const (
	readinessPollInterval = 100 * time.Millisecond
	shortAssetTimeout     = 10 * time.Second
)

// countContiguousSegments counts segment files present on disk starting at
// segment000.ts with no gaps. A half-written segment later in the sequence
// does not inflate the count.
func countContiguousSegments(dir string) int {
	n := 0
	for {
		name := filepath.Join(dir, fmt.Sprintf("segment%03d.ts", n))
		if _, err := os.Stat(name); err != nil {
			return n
		}
		n++
	}
}

// waitForSegments polls the session dir until minSegments contiguous
// segments exist, the expected total is reached, the timeout lapses, or ctx
// is cancelled. It never reports failure: a lapsed timeout returns whatever
// count is on disk and playback proceeds with the partial playlist. Short
// assets shrink both the threshold and the timeout so a two-segment clip is
// not held to a ten-segment bar.
func waitForSegments(ctx context.Context, dir string, minSegments int, timeout time.Duration, expectedTotal int) int {
	if expectedTotal > 0 && (expectedTotal <= 2 || expectedTotal < minSegments) {
		minSegments = (expectedTotal + 1) / 2
		if timeout > shortAssetTimeout {
			timeout = shortAssetTimeout
		}
	}
	if minSegments < 1 {
		minSegments = 1
	}

	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(readinessPollInterval)
	defer ticker.Stop()

	for {
		n := countContiguousSegments(dir)
		if n >= minSegments {
			return n
		}
		if expectedTotal > 0 && n >= expectedTotal {
			return n
		}
		if time.Now().After(deadline) {
			return n
		}
		select {
		case <-ctx.Done():
			return n
		case <-ticker.C:
		}
	}
}
