package probe

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"reviewstream/internal/domain"
)

const (
	maxProbeTimeout = 30 * time.Second
	memoTTL         = time.Hour
)

type memoEntry struct {
	record    domain.ProbeRecord
	expiresAt time.Time
}

// Prober wraps the external ffprobe binary. Successful results are memoized
// per key for one hour with lazy expiry.
type Prober struct {
	binary string

	mu   sync.Mutex
	memo map[domain.AssetKey]memoEntry
}

func New(binary string) *Prober {
	bin := strings.TrimSpace(binary)
	if bin == "" {
		bin = "ffprobe"
	}
	return &Prober{
		binary: bin,
		memo:   make(map[domain.AssetKey]memoEntry),
	}
}

// Probe returns the probe record for a key, running ffprobe against input
// (a local file path or a signed URL) on a memo miss.
func (p *Prober) Probe(ctx context.Context, key domain.AssetKey, input string) (domain.ProbeRecord, error) {
	p.mu.Lock()
	if entry, ok := p.memo[key]; ok {
		if time.Now().Before(entry.expiresAt) {
			p.mu.Unlock()
			return entry.record, nil
		}
		delete(p.memo, key)
	}
	p.mu.Unlock()

	record, err := p.runProbe(ctx, key, input)
	if err != nil {
		return domain.ProbeRecord{}, err
	}

	p.mu.Lock()
	p.memo[key] = memoEntry{record: record, expiresAt: time.Now().Add(memoTTL)}
	p.mu.Unlock()
	return record, nil
}

// Cached returns the memoized record without probing.
func (p *Prober) Cached(key domain.AssetKey) (domain.ProbeRecord, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	entry, ok := p.memo[key]
	if !ok || time.Now().After(entry.expiresAt) {
		return domain.ProbeRecord{}, false
	}
	return entry.record, true
}

// Forget drops the memoized record for a key.
func (p *Prober) Forget(key domain.AssetKey) {
	p.mu.Lock()
	delete(p.memo, key)
	p.mu.Unlock()
}

func (p *Prober) runProbe(ctx context.Context, key domain.AssetKey, input string) (domain.ProbeRecord, error) {
	if strings.TrimSpace(input) == "" {
		return domain.ProbeRecord{}, errors.New("probe input is required")
	}
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, maxProbeTimeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, p.binary,
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		input,
	)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	if ctx.Err() != nil {
		return domain.ProbeRecord{}, fmt.Errorf("%w: ffprobe did not respond", domain.ErrTimeout)
	}

	record, parseErr := parseProbeOutput(key, stdout.Bytes())
	if parseErr != nil {
		if runErr != nil {
			msg := strings.TrimSpace(stderr.String())
			if msg == "" {
				return domain.ProbeRecord{}, fmt.Errorf("ffprobe failed: %w", runErr)
			}
			return domain.ProbeRecord{}, fmt.Errorf("ffprobe failed: %w: %s", runErr, msg)
		}
		return domain.ProbeRecord{}, fmt.Errorf("ffprobe output parse failed: %w", parseErr)
	}

	// ffprobe can exit non-zero for partially downloaded files but still emit
	// usable metadata on stdout. Keep it when we got any streams.
	if runErr != nil && record.Video == nil && len(record.Audio) == 0 {
		return domain.ProbeRecord{}, fmt.Errorf("ffprobe failed: %w", runErr)
	}

	record.ProbedAt = time.Now().UTC()
	return record, nil
}

// BitrateOf resolves the best bitrate estimate for a record: container
// bitrate, then the video stream's, then size over duration.
func BitrateOf(rec domain.ProbeRecord) int64 {
	if rec.BitRate > 0 {
		return rec.BitRate
	}
	if rec.Video != nil && rec.Video.BitRate > 0 {
		return rec.Video.BitRate
	}
	if rec.TotalBytes > 0 && rec.Duration > 0 {
		return int64(float64(rec.TotalBytes) * 8 / rec.Duration)
	}
	return 0
}

// probePayload is the subset of ffprobe JSON output we parse.
type probePayload struct {
	Streams []probeStream `json:"streams"`
	Format  probeFormat   `json:"format"`
}

type probeStream struct {
	Index            int               `json:"index"`
	CodecType        string            `json:"codec_type"`
	CodecName        string            `json:"codec_name"`
	Width            int               `json:"width"`
	Height           int               `json:"height"`
	RFrameRate       string            `json:"r_frame_rate"`
	BitRate          string            `json:"bit_rate"`
	SampleRate       string            `json:"sample_rate"`
	Channels         int               `json:"channels"`
	ChannelLayout    string            `json:"channel_layout"`
	BitsPerRawSample string            `json:"bits_per_raw_sample"`
	BitsPerSample    int               `json:"bits_per_sample"`
	Duration         string            `json:"duration"`
	Tags             map[string]string `json:"tags"`
}

type probeFormat struct {
	FormatName string `json:"format_name"`
	Duration   string `json:"duration"`
	Size       string `json:"size"`
	BitRate    string `json:"bit_rate"`
}

func parseProbeOutput(key domain.AssetKey, data []byte) (domain.ProbeRecord, error) {
	var payload probePayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return domain.ProbeRecord{}, err
	}

	record := domain.ProbeRecord{
		Key:        key,
		Container:  payload.Format.FormatName,
		Duration:   parseFloatField(payload.Format.Duration),
		TotalBytes: parseIntField(payload.Format.Size),
		BitRate:    parseIntField(payload.Format.BitRate),
	}

	audioIndex := 0
	for _, stream := range payload.Streams {
		switch stream.CodecType {
		case "video":
			if record.Video != nil {
				continue
			}
			num, den := parseRational(stream.RFrameRate)
			record.Video = &domain.VideoStream{
				Codec:        stream.CodecName,
				Width:        stream.Width,
				Height:       stream.Height,
				FrameRateNum: num,
				FrameRateDen: den,
				BitRate:      parseIntField(stream.BitRate),
			}
		case "audio":
			layout := strings.TrimSpace(stream.ChannelLayout)
			if layout == "" {
				layout = domain.DefaultChannelLayout(stream.Channels)
			}
			bits := stream.BitsPerSample
			if bits == 0 {
				bits = int(parseIntField(stream.BitsPerRawSample))
			}
			record.Audio = append(record.Audio, domain.AudioStream{
				Index:         audioIndex,
				Codec:         stream.CodecName,
				SampleRate:    int(parseIntField(stream.SampleRate)),
				Channels:      stream.Channels,
				ChannelLayout: layout,
				BitRate:       parseIntField(stream.BitRate),
				BitsPerSample: bits,
				Language:      strings.TrimSpace(getTag(stream.Tags, "language")),
				Title:         strings.TrimSpace(getTag(stream.Tags, "title")),
				Duration:      parseFloatField(stream.Duration),
			})
			audioIndex++
		}
	}

	record.MonoPair = monoPairHint(record.Audio)
	return record, nil
}

// monoPairHint names the first two mono streams when present. Compatible
// requires matching codec and sample rate.
func monoPairHint(streams []domain.AudioStream) *domain.MonoPairHint {
	first := -1
	second := -1
	for i, s := range streams {
		if s.Channels != 1 {
			continue
		}
		if first < 0 {
			first = i
			continue
		}
		second = i
		break
	}
	if second < 0 {
		return nil
	}

	a := streams[first]
	b := streams[second]
	hint := &domain.MonoPairHint{
		FirstIndex:  a.Index,
		SecondIndex: b.Index,
		Compatible:  a.Codec == b.Codec && a.SampleRate == b.SampleRate,
		Title:       fmt.Sprintf("%s + %s (Stereo)", audioTitle(a), audioTitle(b)),
		Language:    a.Language,
	}
	if hint.Language == "" {
		hint.Language = b.Language
	}
	return hint
}

func audioTitle(s domain.AudioStream) string {
	if s.Title != "" {
		return s.Title
	}
	return fmt.Sprintf("Audio %d", s.Index+1)
}

func parseRational(value string) (int, int) {
	parts := strings.SplitN(strings.TrimSpace(value), "/", 2)
	if len(parts) != 2 {
		return 0, 0
	}
	num, errN := strconv.Atoi(parts[0])
	den, errD := strconv.Atoi(parts[1])
	if errN != nil || errD != nil || den == 0 {
		return 0, 0
	}
	return num, den
}

func parseFloatField(value string) float64 {
	if value == "" {
		return 0
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil || parsed < 0 {
		return 0
	}
	return parsed
}

func parseIntField(value string) int64 {
	if value == "" {
		return 0
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil || parsed < 0 {
		return 0
	}
	return parsed
}

func getTag(tags map[string]string, key string) string {
	if len(tags) == 0 {
		return ""
	}
	if value, ok := tags[key]; ok {
		return value
	}
	if value, ok := tags[strings.ToUpper(key)]; ok {
		return value
	}
	return ""
}
