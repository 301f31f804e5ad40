package app

// TranscodeSettings are the persisted review-session defaults. Query
// parameters on the playlist request override them per session.
type TranscodeSettings struct {
	SegmentDuration int  `json:"segmentDuration"`
	Goniometer      bool `json:"goniometer"`
}

// Normalized clamps the segment duration into a sane range, defaulting to 10
// seconds.
func (s TranscodeSettings) Normalized() TranscodeSettings {
	if s.SegmentDuration <= 0 {
		s.SegmentDuration = 10
	}
	if s.SegmentDuration < 2 {
		s.SegmentDuration = 2
	}
	if s.SegmentDuration > 60 {
		s.SegmentDuration = 60
	}
	return s
}
