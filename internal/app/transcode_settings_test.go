package app

import "testing"

func TestTranscodeSettingsNormalized(t *testing.T) {
	tests := []struct {
		in   int
		want int
	}{
		{0, 10},
		{-5, 10},
		{1, 2},
		{2, 2},
		{15, 15},
		{60, 60},
		{100, 60},
	}
	for _, tc := range tests {
		got := TranscodeSettings{SegmentDuration: tc.in}.Normalized()
		if got.SegmentDuration != tc.want {
			t.Errorf("Normalized(%d) = %d, want %d", tc.in, got.SegmentDuration, tc.want)
		}
	}

	// Normalization leaves the goniometer flag alone.
	if !(TranscodeSettings{Goniometer: true}.Normalized().Goniometer) {
		t.Error("goniometer flag lost")
	}
}
