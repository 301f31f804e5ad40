package analysis

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"os/exec"
	"strings"
	"time"

	"reviewstream/internal/domain"
	"reviewstream/internal/metrics"
)

const (
	waveformSampleRate = 8000
	// Compressor ahead of the resampler, lifting low-amplitude detail so the
	// rendered envelope stays readable for quiet broadcast material.
	waveformCompand = "compand=attacks=0.3:decays=0.8:points=-70/-50|-40/-20|-20/-10|0/-5"
)

// Waveform extracts an N-bucket RMS envelope from the asset's audio. Assets
// without audio return an empty, HasAudio=false record without running
// ffmpeg.
func (a *Analyzer) Waveform(ctx context.Context, key domain.AssetKey, input string, rec domain.ProbeRecord, samples int) (domain.Waveform, error) {
	if samples <= 0 {
		samples = 1000
	}

	if len(rec.Audio) == 0 {
		return domain.Waveform{
			Duration: rec.Duration,
			Samples:  []float64{},
			HasAudio: false,
		}, nil
	}

	_, _, merged := mergeSource(rec)
	ck := cacheKey{key: key, kind: "waveform", params: fmt.Sprintf("n=%d:merged=%t", samples, merged)}
	if cached, ok := a.lookup(ck); ok && cached.waveform != nil {
		return *cached.waveform, nil
	}

	pcm, err := a.extractPCM(ctx, input, rec)
	if err != nil {
		metrics.AnalysisFailuresTotal.WithLabelValues("waveform").Inc()
		return domain.Waveform{}, err
	}

	wf := domain.Waveform{
		Duration:   rec.Duration,
		Samples:    bucketRMS(pcm, samples),
		SampleRate: waveformSampleRate,
		HasAudio:   true,
	}
	if rec.Duration > 0 {
		wf.SamplesPerSecond = float64(len(wf.Samples)) / rec.Duration
	}

	a.memoize(ck, cachedResult{waveform: &wf})
	metrics.AnalysisRunsTotal.WithLabelValues("waveform").Inc()
	return wf, nil
}

// extractPCM decodes the asset's audio to 8 kHz mono float32 raw PCM.
func (a *Analyzer) extractPCM(ctx context.Context, input string, rec domain.ProbeRecord) ([]float64, error) {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, maxAnalysisTimeout)
		defer cancel()
	}

	prefix, label, _ := mergeSource(rec)
	filter := fmt.Sprintf("%s%s%s,aresample=%d,aformat=sample_fmts=flt:channel_layouts=mono[wave]",
		prefix, label, waveformCompand, waveformSampleRate)

	cmd := exec.CommandContext(ctx, a.binary,
		"-hide_banner",
		"-loglevel", "error",
		"-i", input,
		"-filter_complex", filter,
		"-map", "[wave]",
		"-f", "f32le",
		"pipe:1",
	)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			return nil, fmt.Errorf("%w: waveform extraction: %v", domain.ErrAnalysisFailed, err)
		}
		return nil, fmt.Errorf("%w: waveform extraction: %v: %s", domain.ErrAnalysisFailed, err, msg)
	}

	raw := stdout.Bytes()
	count := len(raw) / 4
	if count == 0 {
		return nil, fmt.Errorf("%w: waveform extraction produced no samples", domain.ErrAnalysisFailed)
	}
	pcm := make([]float64, count)
	for i := 0; i < count; i++ {
		bits := binary.LittleEndian.Uint32(raw[i*4 : i*4+4])
		pcm[i] = float64(math.Float32frombits(bits))
	}

	a.logger.Debug("waveform pcm extracted",
		slog.Int("samples", count),
		slog.Duration("elapsed", time.Since(start)),
	)
	return pcm, nil
}

// bucketRMS partitions the sample array into n equal buckets and computes
// sqrt(mean(x^2)) per bucket, clamped to [0,1].
func bucketRMS(pcm []float64, n int) []float64 {
	out := make([]float64, n)
	if len(pcm) == 0 {
		return out
	}
	for i := 0; i < n; i++ {
		lo := i * len(pcm) / n
		hi := (i + 1) * len(pcm) / n
		if hi <= lo {
			hi = lo + 1
			if hi > len(pcm) {
				hi = len(pcm)
				lo = hi - 1
			}
		}
		var sum float64
		for _, v := range pcm[lo:hi] {
			sum += v * v
		}
		rms := math.Sqrt(sum / float64(hi-lo))
		if rms > 1 {
			rms = 1
		}
		out[i] = rms
	}
	return out
}
