package domain

// Waveform is the per-bucket RMS envelope of an asset's audio, normalized
// to [0,1]. When the asset has no audio Samples is empty and HasAudio is false.
type Waveform struct {
	Duration         float64   `json:"duration"`
	Samples          []float64 `json:"samples"`
	SampleRate       int       `json:"sampleRate"`
	HasAudio         bool      `json:"hasAudio"`
	SamplesPerSecond float64   `json:"samplesPerSecond"`
}

// Loudness is an EBU R128 measurement over one time window. Fields that the
// measurement summary did not yield are nil and omitted from JSON.
type Loudness struct {
	Integrated *float64 `json:"integrated,omitempty"`
	Range      *float64 `json:"range,omitempty"`
	LRALow     *float64 `json:"lraLow,omitempty"`
	LRAHigh    *float64 `json:"lraHigh,omitempty"`
	Threshold  *float64 `json:"threshold,omitempty"`
	StartTime  float64  `json:"startTime"`
	Duration   float64  `json:"duration"`
}
