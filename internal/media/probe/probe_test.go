package probe

import (
	"testing"
	"time"

	"reviewstream/internal/domain"
)

// mxfProbeJSON mimics ffprobe output for a broadcast MXF: one MPEG-2 video
// stream and two mono PCM streams carrying the left and right mix legs.
const mxfProbeJSON = `{
  "streams": [
    {
      "index": 0,
      "codec_type": "video",
      "codec_name": "mpeg2video",
      "width": 1920,
      "height": 1080,
      "r_frame_rate": "25/1",
      "bit_rate": "50000000"
    },
    {
      "index": 1,
      "codec_type": "audio",
      "codec_name": "pcm_s24le",
      "sample_rate": "48000",
      "channels": 1,
      "bits_per_sample": 24,
      "tags": {"title": "Mix L", "language": "eng"}
    },
    {
      "index": 2,
      "codec_type": "audio",
      "codec_name": "pcm_s24le",
      "sample_rate": "48000",
      "channels": 1,
      "bits_per_sample": 24,
      "tags": {"title": "Mix R", "language": "eng"}
    }
  ],
  "format": {
    "format_name": "mxf",
    "duration": "95.160000",
    "size": "714000000",
    "bit_rate": "60037000"
  }
}`

func TestParseProbeOutput_MXF(t *testing.T) {
	rec, err := parseProbeOutput("clips/test.mxf", []byte(mxfProbeJSON))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	if rec.Key != "clips/test.mxf" || rec.Container != "mxf" {
		t.Fatalf("record = %+v", rec)
	}
	if rec.Duration != 95.16 || rec.TotalBytes != 714000000 || rec.BitRate != 60037000 {
		t.Fatalf("format fields = %v %v %v", rec.Duration, rec.TotalBytes, rec.BitRate)
	}

	if rec.Video == nil {
		t.Fatal("no video stream")
	}
	if rec.Video.Codec != "mpeg2video" || rec.Video.Width != 1920 || rec.Video.Height != 1080 {
		t.Fatalf("video = %+v", rec.Video)
	}
	if rec.Video.FrameRateNum != 25 || rec.Video.FrameRateDen != 1 {
		t.Fatalf("frame rate = %d/%d", rec.Video.FrameRateNum, rec.Video.FrameRateDen)
	}

	if len(rec.Audio) != 2 {
		t.Fatalf("audio streams = %d, want 2", len(rec.Audio))
	}
	// Audio streams are re-indexed 0..n regardless of container index.
	for i, a := range rec.Audio {
		if a.Index != i {
			t.Errorf("audio[%d].Index = %d", i, a.Index)
		}
		if a.Codec != "pcm_s24le" || a.SampleRate != 48000 || a.Channels != 1 || a.BitsPerSample != 24 {
			t.Errorf("audio[%d] = %+v", i, a)
		}
	}
	if rec.Audio[0].Title != "Mix L" || rec.Audio[1].Title != "Mix R" {
		t.Fatalf("titles = %q, %q", rec.Audio[0].Title, rec.Audio[1].Title)
	}

	hint := rec.MonoPair
	if hint == nil {
		t.Fatal("no mono pair hint")
	}
	if hint.FirstIndex != 0 || hint.SecondIndex != 1 || !hint.Compatible {
		t.Fatalf("hint = %+v", hint)
	}
	if hint.Title != "Mix L + Mix R (Stereo)" || hint.Language != "eng" {
		t.Fatalf("hint title/language = %q / %q", hint.Title, hint.Language)
	}
}

func TestParseProbeOutput_BadJSON(t *testing.T) {
	if _, err := parseProbeOutput("x", []byte("not json")); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestParseProbeOutput_ChannelLayoutFallback(t *testing.T) {
	const payload = `{
  "streams": [
    {"index": 0, "codec_type": "audio", "codec_name": "pcm_s16le", "sample_rate": "48000", "channels": 1},
    {"index": 1, "codec_type": "audio", "codec_name": "pcm_s16le", "sample_rate": "48000", "channels": 6}
  ],
  "format": {"format_name": "wav"}
}`
	rec, err := parseProbeOutput("x", []byte(payload))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if rec.Audio[0].ChannelLayout != "mono" {
		t.Fatalf("mono layout = %q", rec.Audio[0].ChannelLayout)
	}
	if rec.Audio[1].ChannelLayout != "5.1" {
		t.Fatalf("5.1 layout = %q", rec.Audio[1].ChannelLayout)
	}
}

// ---------- mono pair hint tests ----------

func TestMonoPairHint(t *testing.T) {
	mono := func(idx int, codec string, rate int, title, lang string) domain.AudioStream {
		return domain.AudioStream{Index: idx, Codec: codec, SampleRate: rate, Channels: 1, Title: title, Language: lang}
	}

	t.Run("IncompatibleSampleRates", func(t *testing.T) {
		hint := monoPairHint([]domain.AudioStream{
			mono(0, "pcm_s24le", 48000, "", ""),
			mono(1, "pcm_s24le", 44100, "", ""),
		})
		if hint == nil || hint.Compatible {
			t.Fatalf("hint = %+v, want incompatible pair", hint)
		}
	})

	t.Run("StereoOnly", func(t *testing.T) {
		hint := monoPairHint([]domain.AudioStream{
			{Index: 0, Codec: "aac", SampleRate: 48000, Channels: 2},
		})
		if hint != nil {
			t.Fatalf("hint = %+v, want nil", hint)
		}
	})

	t.Run("SingleMono", func(t *testing.T) {
		if hint := monoPairHint([]domain.AudioStream{mono(0, "pcm_s24le", 48000, "", "")}); hint != nil {
			t.Fatalf("hint = %+v, want nil", hint)
		}
	})

	t.Run("SkipsStereoBetweenMonos", func(t *testing.T) {
		hint := monoPairHint([]domain.AudioStream{
			mono(0, "pcm_s24le", 48000, "", ""),
			{Index: 1, Codec: "aac", SampleRate: 48000, Channels: 2},
			mono(2, "pcm_s24le", 48000, "", ""),
		})
		if hint == nil || hint.FirstIndex != 0 || hint.SecondIndex != 2 {
			t.Fatalf("hint = %+v", hint)
		}
	})

	t.Run("UntitledStreamsGetGenericNames", func(t *testing.T) {
		hint := monoPairHint([]domain.AudioStream{
			mono(0, "pcm_s24le", 48000, "", ""),
			mono(1, "pcm_s24le", 48000, "", "deu"),
		})
		if hint.Title != "Audio 1 + Audio 2 (Stereo)" {
			t.Fatalf("title = %q", hint.Title)
		}
		// Language falls back to the second leg.
		if hint.Language != "deu" {
			t.Fatalf("language = %q", hint.Language)
		}
	})
}

// ---------- field parsing tests ----------

func TestParseRational(t *testing.T) {
	tests := []struct {
		in       string
		num, den int
	}{
		{"25/1", 25, 1},
		{"30000/1001", 30000, 1001},
		{" 24/1 ", 24, 1},
		{"0/0", 0, 0},
		{"25", 0, 0},
		{"a/b", 0, 0},
		{"", 0, 0},
	}
	for _, tc := range tests {
		num, den := parseRational(tc.in)
		if num != tc.num || den != tc.den {
			t.Errorf("parseRational(%q) = %d/%d, want %d/%d", tc.in, num, den, tc.num, tc.den)
		}
	}
}

func TestParseFloatField(t *testing.T) {
	tests := []struct {
		in   string
		want float64
	}{
		{"95.160000", 95.16},
		{"0", 0},
		{"", 0},
		{"-5", 0},
		{"abc", 0},
	}
	for _, tc := range tests {
		if got := parseFloatField(tc.in); got != tc.want {
			t.Errorf("parseFloatField(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestParseIntField(t *testing.T) {
	tests := []struct {
		in   string
		want int64
	}{
		{"48000", 48000},
		{"", 0},
		{"-1", 0},
		{"12.5", 0},
	}
	for _, tc := range tests {
		if got := parseIntField(tc.in); got != tc.want {
			t.Errorf("parseIntField(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestGetTag(t *testing.T) {
	tags := map[string]string{"LANGUAGE": "eng", "title": "Mix L"}
	if got := getTag(tags, "language"); got != "eng" {
		t.Fatalf("uppercase fallback = %q", got)
	}
	if got := getTag(tags, "title"); got != "Mix L" {
		t.Fatalf("exact match = %q", got)
	}
	if got := getTag(nil, "title"); got != "" {
		t.Fatalf("nil tags = %q", got)
	}
}

// ---------- bitrate resolution tests ----------

func TestBitrateOf(t *testing.T) {
	rec := domain.ProbeRecord{BitRate: 60_000_000, Video: &domain.VideoStream{BitRate: 50_000_000}}
	if got := BitrateOf(rec); got != 60_000_000 {
		t.Fatalf("container bitrate = %d", got)
	}

	rec.BitRate = 0
	if got := BitrateOf(rec); got != 50_000_000 {
		t.Fatalf("video bitrate = %d", got)
	}

	rec.Video.BitRate = 0
	rec.TotalBytes = 10_000_000
	rec.Duration = 10
	if got := BitrateOf(rec); got != 8_000_000 {
		t.Fatalf("size-derived bitrate = %d", got)
	}

	if got := BitrateOf(domain.ProbeRecord{}); got != 0 {
		t.Fatalf("empty record bitrate = %d", got)
	}
}

// ---------- memo tests ----------

func TestCachedAndForget(t *testing.T) {
	p := New("ffprobe")

	if _, ok := p.Cached("test.mxf"); ok {
		t.Fatal("empty memo reported a hit")
	}

	rec := domain.ProbeRecord{Key: "test.mxf", Duration: 95.16}
	p.mu.Lock()
	p.memo["test.mxf"] = memoEntry{record: rec, expiresAt: time.Now().Add(time.Hour)}
	p.mu.Unlock()

	got, ok := p.Cached("test.mxf")
	if !ok || got.Duration != 95.16 {
		t.Fatalf("cached = %+v, ok = %v", got, ok)
	}

	p.Forget("test.mxf")
	if _, ok := p.Cached("test.mxf"); ok {
		t.Fatal("forgotten key still cached")
	}
}

func TestCached_Expired(t *testing.T) {
	p := New("")

	p.mu.Lock()
	p.memo["test.mxf"] = memoEntry{expiresAt: time.Now().Add(-time.Minute)}
	p.mu.Unlock()

	if _, ok := p.Cached("test.mxf"); ok {
		t.Fatal("expired entry reported as cached")
	}
}
