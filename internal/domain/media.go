package domain

import (
	"fmt"
	"time"
)

// AssetKey is the opaque object-store key that identifies one asset.
// All per-asset state (cache entries, sessions, probe records) is keyed by it.
type AssetKey string

// ProbeRecord is the parsed media metadata for one asset.
type ProbeRecord struct {
	Key        AssetKey      `json:"key"`
	Duration   float64       `json:"duration"`
	TotalBytes int64         `json:"totalBytes"`
	Container  string        `json:"container"`
	BitRate    int64         `json:"bitRate"`
	Video      *VideoStream  `json:"video,omitempty"`
	Audio      []AudioStream `json:"audio"`
	MonoPair   *MonoPairHint `json:"monoPair,omitempty"`
	ProbedAt   time.Time     `json:"probedAt"`
}

type VideoStream struct {
	Codec        string `json:"codec"`
	Width        int    `json:"width"`
	Height       int    `json:"height"`
	FrameRateNum int    `json:"frameRateNum"`
	FrameRateDen int    `json:"frameRateDen"`
	BitRate      int64  `json:"bitRate"`
}

// FrameRate returns the stream frame rate as a float. Callers that need an
// integer round to nearest.
func (v VideoStream) FrameRate() float64 {
	if v.FrameRateDen <= 0 {
		return 0
	}
	return float64(v.FrameRateNum) / float64(v.FrameRateDen)
}

type AudioStream struct {
	Index         int     `json:"index"`
	Codec         string  `json:"codec"`
	SampleRate    int     `json:"sampleRate"`
	Channels      int     `json:"channels"`
	ChannelLayout string  `json:"channelLayout"`
	BitRate       int64   `json:"bitRate"`
	BitsPerSample int     `json:"bitsPerSample"`
	Language      string  `json:"language"`
	Title         string  `json:"title"`
	Duration      float64 `json:"duration"`
}

// MonoPairHint names the first two mono audio streams of an asset, if present.
// Compatible is true iff their codecs and sample rates match, in which case
// the pipeline merges them into one stereo output labelled with Title.
type MonoPairHint struct {
	FirstIndex  int    `json:"firstIndex"`
	SecondIndex int    `json:"secondIndex"`
	Compatible  bool   `json:"compatible"`
	Title       string `json:"title"`
	Language    string `json:"language"`
}

// DefaultChannelLayout maps a channel count to the conventional layout name
// when the container does not carry one.
func DefaultChannelLayout(channels int) string {
	switch channels {
	case 1:
		return "mono"
	case 2:
		return "stereo"
	case 3:
		return "2.1"
	case 4:
		return "quad"
	case 5:
		return "4.1"
	case 6:
		return "5.1"
	case 7:
		return "6.1"
	case 8:
		return "7.1"
	default:
		return fmt.Sprintf("%d channels", channels)
	}
}
