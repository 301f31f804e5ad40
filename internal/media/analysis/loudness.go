package analysis

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"regexp"
	"strconv"
	"time"

	"reviewstream/internal/domain"
	"reviewstream/internal/metrics"
)

var (
	loudnessIntegratedRe = regexp.MustCompile(`I:\s+(-?\d+(?:\.\d+)?)\s+LUFS`)
	loudnessRangeRe      = regexp.MustCompile(`LRA:\s+(-?\d+(?:\.\d+)?)\s+LU`)
	loudnessLRALowRe     = regexp.MustCompile(`LRA low:\s+(-?\d+(?:\.\d+)?)\s+LUFS`)
	loudnessLRAHighRe    = regexp.MustCompile(`LRA high:\s+(-?\d+(?:\.\d+)?)\s+LUFS`)
	loudnessThresholdRe  = regexp.MustCompile(`Threshold:\s+(-?\d+(?:\.\d+)?)\s+LUFS`)
)

// Loudness measures EBU R128 loudness over the window [start, start+dur).
// Fields the measurement summary did not yield come back nil.
func (a *Analyzer) Loudness(ctx context.Context, key domain.AssetKey, input string, rec domain.ProbeRecord, start, dur float64) (domain.Loudness, error) {
	if len(rec.Audio) == 0 {
		return domain.Loudness{}, fmt.Errorf("%w: asset has no audio", domain.ErrAnalysisFailed)
	}
	if start < 0 {
		start = 0
	}
	if dur <= 0 {
		dur = 10
	}

	_, _, merged := mergeSource(rec)
	ck := cacheKey{key: key, kind: "ebur128", params: fmt.Sprintf("start=%.3f:dur=%.3f:merged=%t", start, dur, merged)}
	if cached, ok := a.lookup(ck); ok && cached.loudness != nil {
		return *cached.loudness, nil
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, maxAnalysisTimeout)
		defer cancel()
	}

	prefix, label, _ := mergeSource(rec)
	filter := fmt.Sprintf("%s%sebur128=peak=true[loud]", prefix, label)

	cmd := exec.CommandContext(ctx, a.binary,
		"-hide_banner",
		"-nostats",
		"-ss", strconv.FormatFloat(start, 'f', 3, 64),
		"-t", strconv.FormatFloat(dur, 'f', 3, 64),
		"-i", input,
		"-filter_complex", filter,
		"-map", "[loud]",
		"-f", "null",
		"-",
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	began := time.Now()
	if err := cmd.Run(); err != nil {
		metrics.AnalysisFailuresTotal.WithLabelValues("ebur128").Inc()
		return domain.Loudness{}, fmt.Errorf("%w: ebur128: %v", domain.ErrAnalysisFailed, err)
	}

	result := parseLoudnessSummary(stderr.String())
	result.StartTime = start
	result.Duration = dur
	if result.Integrated == nil && result.Range == nil {
		metrics.AnalysisFailuresTotal.WithLabelValues("ebur128").Inc()
		return domain.Loudness{}, fmt.Errorf("%w: ebur128 summary not found in output", domain.ErrAnalysisFailed)
	}

	a.logger.Debug("loudness measured",
		slog.String("key", string(key)),
		slog.Float64("start", start),
		slog.Float64("duration", dur),
		slog.Duration("elapsed", time.Since(began)),
	)

	a.memoize(ck, cachedResult{loudness: &result})
	metrics.AnalysisRunsTotal.WithLabelValues("ebur128").Inc()
	return result, nil
}

// parseLoudnessSummary extracts the final human-readable summary block the
// ebur128 filter prints on stderr. The first Threshold line belongs to the
// integrated-loudness section and is the one reported.
func parseLoudnessSummary(output string) domain.Loudness {
	return domain.Loudness{
		Integrated: matchFloat(loudnessIntegratedRe, output),
		Range:      matchFloat(loudnessRangeRe, output),
		LRALow:     matchFloat(loudnessLRALowRe, output),
		LRAHigh:    matchFloat(loudnessLRAHighRe, output),
		Threshold:  matchFloat(loudnessThresholdRe, output),
	}
}

func matchFloat(re *regexp.Regexp, output string) *float64 {
	m := re.FindStringSubmatch(output)
	if len(m) < 2 {
		return nil
	}
	parsed, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return nil
	}
	return &parsed
}
