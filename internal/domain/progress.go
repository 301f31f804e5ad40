package domain

import "math"

// PipelineStatus is the coarse state of the per-asset media pipeline as
// reported to clients.
type PipelineStatus string

const (
	StatusInitializing PipelineStatus = "initializing"
	StatusStarting     PipelineStatus = "starting"
	StatusDownloading  PipelineStatus = "downloading"
	StatusDownloaded   PipelineStatus = "downloaded"
	StatusProcessing   PipelineStatus = "processing"
	StatusReady        PipelineStatus = "ready"
	StatusError        PipelineStatus = "error"
)

// PipelineProgress is the JSON progress snapshot for one asset.
type PipelineProgress struct {
	Status                 PipelineStatus `json:"status"`
	Message                string         `json:"message"`
	DownloadProgress       float64        `json:"downloadProgress"`
	ProcessingProgress     float64        `json:"processingProgress"`
	OverallProgress        int            `json:"overallProgress"`
	EstimatedTimeRemaining float64        `json:"estimatedTimeRemaining"`
	Ready                  bool           `json:"ready"`
}

// OverallProgress folds download and processing percentages into one number:
// download fills 0-50, processing fills 50-100, ready is pinned to 100.
func OverallProgress(status PipelineStatus, download, processing float64) int {
	switch status {
	case StatusReady:
		return 100
	case StatusProcessing:
		return int(math.Round(50 + clampPercent(processing)*0.5))
	case StatusDownloading, StatusDownloaded:
		return int(math.Round(clampPercent(download) * 0.5))
	default:
		return 0
	}
}

func clampPercent(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
