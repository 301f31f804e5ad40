package apihttp

import (
	"time"

	"reviewstream/internal/domain"
)

// ProgressSnapshot folds the download state and the session state into one
// client-facing progress record. Safe to call for keys with no activity.
func (m *SessionManager) ProgressSnapshot(key domain.AssetKey) domain.PipelineProgress {
	p := domain.PipelineProgress{
		Status:  domain.StatusInitializing,
		Message: "Waiting for pipeline to start",
	}

	if prog, ok := m.cache.Progress(key); ok {
		if prog.BytesTotal > 0 {
			p.DownloadProgress = float64(prog.BytesHave) / float64(prog.BytesTotal) * 100
		}
		if prog.Complete {
			p.DownloadProgress = 100
			p.Status = domain.StatusDownloaded
			p.Message = "Source media downloaded"
		} else {
			p.Status = domain.StatusDownloading
			p.Message = "Downloading source media"
		}
	}

	if s, ok := m.Get(key); ok {
		dur := s.Probe().Duration
		encoded := s.EncodedSeconds()
		if dur > 0 {
			p.ProcessingProgress = encoded / dur * 100
			if p.ProcessingProgress > 100 {
				p.ProcessingProgress = 100
			}
		}
		p.Ready = s.Ready() && s.Err() == nil

		switch {
		case s.Err() != nil:
			p.Status = domain.StatusError
			p.Message = s.Err().Error()
		case !s.Alive():
			p.Status = domain.StatusReady
			p.Message = "Transcode complete"
			p.ProcessingProgress = 100
			p.Ready = true
		case !s.Ready():
			p.Status = domain.StatusStarting
			p.Message = "Starting transcoder"
		default:
			p.Status = domain.StatusProcessing
			p.Message = "Transcoding for review"
			p.EstimatedTimeRemaining = estimateRemaining(s.StartedAt(), encoded, dur)
		}
	}

	p.OverallProgress = domain.OverallProgress(p.Status, p.DownloadProgress, p.ProcessingProgress)
	return p
}

// estimateRemaining projects the transcoder's observed speed over the
// remaining duration. Returns 0 until enough output exists to extrapolate.
func estimateRemaining(startedAt time.Time, encoded, duration float64) float64 {
	elapsed := time.Since(startedAt).Seconds()
	if encoded <= 0 || elapsed <= 0 || duration <= encoded {
		return 0
	}
	speed := encoded / elapsed
	if speed <= 0 {
		return 0
	}
	return (duration - encoded) / speed
}
