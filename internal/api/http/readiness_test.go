package apihttp

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeSegments(t *testing.T, dir string, indexes ...int) {
	t.Helper()
	for _, i := range indexes {
		name := filepath.Join(dir, fmt.Sprintf("segment%03d.ts", i))
		if err := os.WriteFile(name, []byte("ts"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func TestCountContiguousSegments(t *testing.T) {
	dir := t.TempDir()
	if got := countContiguousSegments(dir); got != 0 {
		t.Fatalf("empty dir: got %d", got)
	}

	writeSegments(t, dir, 0, 1, 2)
	if got := countContiguousSegments(dir); got != 3 {
		t.Fatalf("three segments: got %d", got)
	}

	// A gap stops the count; a later segment does not inflate it.
	writeSegments(t, dir, 4)
	if got := countContiguousSegments(dir); got != 3 {
		t.Fatalf("gap at 3: got %d", got)
	}
}

func TestWaitForSegments_AlreadyPresent(t *testing.T) {
	dir := t.TempDir()
	writeSegments(t, dir, 0, 1)

	start := time.Now()
	n := waitForSegments(context.Background(), dir, 2, 5*time.Second, 10)
	if n < 2 {
		t.Fatalf("got %d segments, want >= 2", n)
	}
	if time.Since(start) > time.Second {
		t.Fatal("wait should return immediately when segments exist")
	}
}

func TestWaitForSegments_TimeoutReturnsCount(t *testing.T) {
	dir := t.TempDir()
	writeSegments(t, dir, 0)

	start := time.Now()
	n := waitForSegments(context.Background(), dir, 2, 300*time.Millisecond, 10)
	if n != 1 {
		t.Fatalf("got %d segments, want 1", n)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatal("wait ran far past its timeout")
	}
}

func TestWaitForSegments_ShortAssetShrinksThreshold(t *testing.T) {
	dir := t.TempDir()
	writeSegments(t, dir, 0)

	// A one-segment asset must not be held to the two-segment bar.
	start := time.Now()
	n := waitForSegments(context.Background(), dir, 2, 30*time.Second, 1)
	if n != 1 {
		t.Fatalf("got %d segments, want 1", n)
	}
	if time.Since(start) > time.Second {
		t.Fatal("short asset should be ready immediately")
	}
}

func TestWaitForSegments_TwoSegmentAssetShrinksThreshold(t *testing.T) {
	dir := t.TempDir()
	writeSegments(t, dir, 0)

	// A two-segment asset is ready on its first segment.
	start := time.Now()
	n := waitForSegments(context.Background(), dir, 2, 30*time.Second, 2)
	if n != 1 {
		t.Fatalf("got %d segments, want 1", n)
	}
	if time.Since(start) > time.Second {
		t.Fatal("two-segment asset should be ready on the first segment")
	}
}

func TestWaitForSegments_ContextCancelled(t *testing.T) {
	dir := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	n := waitForSegments(ctx, dir, 2, 30*time.Second, 10)
	if n != 0 {
		t.Fatalf("got %d segments, want 0", n)
	}
	if time.Since(start) > time.Second {
		t.Fatal("cancelled wait should return promptly")
	}
}

func TestWaitForSegments_PicksUpNewSegments(t *testing.T) {
	dir := t.TempDir()

	go func() {
		time.Sleep(250 * time.Millisecond)
		for _, i := range []int{0, 1} {
			name := filepath.Join(dir, fmt.Sprintf("segment%03d.ts", i))
			_ = os.WriteFile(name, []byte("ts"), 0o644)
		}
	}()

	n := waitForSegments(context.Background(), dir, 2, 5*time.Second, 10)
	if n < 2 {
		t.Fatalf("got %d segments, want >= 2", n)
	}
}
