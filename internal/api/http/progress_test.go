package apihttp

import (
	"testing"
	"time"

	"reviewstream/internal/domain"
)

func TestProgressSnapshot_NoActivity(t *testing.T) {
	m := newTestManager(t, &fakeStore{URL: "http://origin.invalid/signed"}, true)

	p := m.ProgressSnapshot("test.mxf")
	if p.Status != domain.StatusInitializing {
		t.Fatalf("status = %q", p.Status)
	}
	if p.OverallProgress != 0 || p.Ready {
		t.Fatalf("progress = %+v", p)
	}
}

func TestEstimateRemaining(t *testing.T) {
	// 10 seconds of output in 5 seconds of wall time: 2x speed, 90 seconds
	// of material left, 45 seconds to go.
	startedAt := time.Now().Add(-5 * time.Second)
	got := estimateRemaining(startedAt, 10, 100)
	if got < 40 || got > 50 {
		t.Fatalf("estimate = %v, want ~45", got)
	}
}

func TestEstimateRemaining_NoOutputYet(t *testing.T) {
	if got := estimateRemaining(time.Now().Add(-time.Second), 0, 100); got != 0 {
		t.Fatalf("estimate = %v, want 0", got)
	}
}

func TestEstimateRemaining_AlreadyDone(t *testing.T) {
	if got := estimateRemaining(time.Now().Add(-time.Minute), 100, 100); got != 0 {
		t.Fatalf("estimate = %v, want 0", got)
	}
	if got := estimateRemaining(time.Now().Add(-time.Minute), 120, 100); got != 0 {
		t.Fatalf("overshoot estimate = %v, want 0", got)
	}
}
