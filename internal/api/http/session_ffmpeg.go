package apihttp

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"math"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"reviewstream/internal/domain"
)

const stderrTailLines = 80

// sessionArgConfig holds all parameters for building the transcoder
// command line. This is a value type; pass it by value to buildSessionArgs.
type sessionArgConfig struct {
	Input           string // local file path or signed URL
	Streaming       bool   // input file is still growing
	SegmentDuration int
	Goniometer      bool
	Encoder         string // "software", "nvenc" or "vaapi"
	VAAPIDevice     string
	Probe           domain.ProbeRecord
}

// buildSessionArgs constructs the ffmpeg argument list for a live HLS
// session. Output paths are relative: the process runs with its working
// directory set to the session dir. Pure function, no side effects.
func buildSessionArgs(cfg sessionArgConfig) []string {
	segDur := cfg.SegmentDuration
	if segDur <= 0 {
		segDur = 10
	}
	segDurStr := strconv.Itoa(segDur)

	args := []string{
		"-hide_banner",
		"-loglevel", "verbose",
		"-progress", "pipe:1",
		"-y",
	}

	if cfg.Encoder == "vaapi" {
		device := cfg.VAAPIDevice
		if device == "" {
			device = "/dev/dri/renderD128"
		}
		args = append(args, "-vaapi_device", device)
	}

	// Streaming mode: the local file is still being appended to, so input
	// timestamps are unreliable and EOF is not the end of the asset.
	if cfg.Streaming {
		args = append(args,
			"-fflags", "+genpts+igndts",
			"-avoid_negative_ts", "make_zero",
		)
	}

	if strings.HasPrefix(cfg.Input, "http://") || strings.HasPrefix(cfg.Input, "https://") {
		args = append(args, "-reconnect", "1", "-reconnect_streamed", "1")
	}

	args = append(args, "-i", cfg.Input)

	// Cap the output duration so the process does not stop early at the
	// current end of a growing file.
	if cfg.Streaming && cfg.Probe.Duration > 0 {
		args = append(args, "-t", strconv.FormatFloat(cfg.Probe.Duration, 'f', 3, 64))
	}

	args = append(args, "-filter_complex", buildSessionFilter(cfg))
	args = append(args, "-map", videoOutLabel(cfg))

	hasAudio := len(cfg.Probe.Audio) > 0
	merged := mergedPair(cfg.Probe)
	goniometer := cfg.Goniometer && hasAudio

	if hasAudio {
		skip := map[int]bool{}
		if merged != nil {
			args = append(args, "-map", "[aout0]")
			if merged.Title != "" {
				args = append(args, "-metadata:s:a:0", "title="+merged.Title)
			}
			if merged.Language != "" {
				args = append(args, "-metadata:s:a:0", "language="+merged.Language)
			}
			skip[merged.FirstIndex] = true
			skip[merged.SecondIndex] = true
		} else if goniometer {
			// The first stream feeds the vectorscope through a split, so it
			// is mapped via its filter label instead of the input specifier.
			args = append(args, "-map", "[aout0]")
			skip[cfg.Probe.Audio[0].Index] = true
		}
		for _, stream := range cfg.Probe.Audio {
			if skip[stream.Index] {
				continue
			}
			args = append(args, "-map", fmt.Sprintf("0:a:%d", stream.Index))
		}
	}

	switch cfg.Encoder {
	case "nvenc":
		args = append(args, "-c:v", "h264_nvenc", "-preset", "p4")
	case "vaapi":
		args = append(args, "-c:v", "h264_vaapi")
	default:
		args = append(args, "-c:v", "libx264", "-preset", "veryfast")
	}
	args = append(args,
		"-profile:v", "high",
		"-level:v", "4.0",
		"-force_key_frames", fmt.Sprintf("expr:gte(t,n_forced*%d)", segDur),
	)

	if hasAudio {
		args = append(args, "-c:a", "aac", "-b:a", "128k")
	}

	args = append(args,
		"-f", "hls",
		"-hls_time", segDurStr,
		"-hls_list_size", "0",
		"-hls_playlist_type", "event",
		"-hls_flags", "independent_segments+split_by_time+temp_file",
		"-hls_segment_filename", "segment%03d.ts",
		"playlist.m3u8",
	)

	// Thumbnail branch: one JPEG per segment, sampled at segment midpoints.
	args = append(args,
		"-map", "[thumb]",
		"-frames:v", strconv.Itoa(thumbnailCount(cfg.Probe.Duration, segDur)),
		"-q:v", "3",
		"-start_number", "0",
		"thumb%03d.jpg",
	)

	return args
}

// buildSessionFilter assembles the filter graph: 720p25 video with a
// burned-in timecode (and optional goniometer overlay), the merged stereo
// pair when the mono hint holds, and the thumbnail sampling branch.
func buildSessionFilter(cfg sessionArgConfig) string {
	segDur := cfg.SegmentDuration
	if segDur <= 0 {
		segDur = 10
	}

	hasAudio := len(cfg.Probe.Audio) > 0
	merged := mergedPair(cfg.Probe)
	goniometer := cfg.Goniometer && hasAudio

	var parts []string
	parts = append(parts, "[0:v:0]split=2[vsrc][tsrc]")

	main := "[vsrc]scale=1280:720:force_original_aspect_ratio=decrease," +
		"pad=1280:720:(ow-iw)/2:(oh-ih)/2,fps=25,format=yuv420p," +
		`drawtext=text='%{pts\:hms}':fontsize=36:fontcolor=white:` +
		"box=1:boxcolor=black@0.5:boxborderw=8:x=w-tw-20:y=h-th-20"

	if merged != nil {
		if goniometer {
			parts = append(parts,
				fmt.Sprintf("[0:a:%d][0:a:%d]amerge=inputs=2[pair]", merged.FirstIndex, merged.SecondIndex),
				"[pair]asplit=2[aout0][gsrc]",
			)
		} else {
			parts = append(parts,
				fmt.Sprintf("[0:a:%d][0:a:%d]amerge=inputs=2[aout0]", merged.FirstIndex, merged.SecondIndex),
			)
		}
	} else if goniometer {
		parts = append(parts, fmt.Sprintf("[0:a:%d]asplit=2[aout0][gsrc]", cfg.Probe.Audio[0].Index))
	}

	if goniometer {
		parts = append(parts, "[gsrc]avectorscope=s=300x300[gonio]")
		parts = append(parts, main+"[vmain]")
		parts = append(parts, "[vmain][gonio]overlay=W-w-20:H-h-50"+videoChainSuffix(cfg))
	} else {
		parts = append(parts, main+videoChainSuffix(cfg))
	}

	parts = append(parts, fmt.Sprintf(
		"[tsrc]trim=start=%g,setpts=PTS-STARTPTS,fps=1/%d,scale=320:180[thumb]",
		float64(segDur)/2, segDur,
	))

	return strings.Join(parts, ";")
}

// videoChainSuffix closes the main video chain, uploading to the GPU when
// the encoder needs surface frames.
func videoChainSuffix(cfg sessionArgConfig) string {
	if cfg.Encoder == "vaapi" {
		return ",format=nv12,hwupload[vout]"
	}
	return "[vout]"
}

func videoOutLabel(cfg sessionArgConfig) string {
	return "[vout]"
}

// mergedPair returns the mono hint when it is actionable.
func mergedPair(rec domain.ProbeRecord) *domain.MonoPairHint {
	if rec.MonoPair != nil && rec.MonoPair.Compatible {
		return rec.MonoPair
	}
	return nil
}

func thumbnailCount(duration float64, segDur int) int {
	if duration <= 0 || segDur <= 0 {
		return 1
	}
	n := int(math.Ceil(duration / float64(segDur)))
	if n < 1 {
		n = 1
	}
	return n
}

// buildFragmentArgs constructs the one-shot command producing a fragmented
// MP4 chunk with the timecode burned in, written to stdout.
func buildFragmentArgs(input string, start, dur float64) []string {
	if dur <= 0 {
		dur = 10
	}
	if start < 0 {
		start = 0
	}
	drawtext := fmt.Sprintf(`drawtext=text='%%{pts\:hms\:%s}':fontsize=36:fontcolor=white:`+
		"box=1:boxcolor=black@0.5:boxborderw=8:x=w-tw-20:y=h-th-20",
		strconv.FormatFloat(start, 'f', 3, 64))

	args := []string{
		"-hide_banner",
		"-loglevel", "error",
		"-ss", strconv.FormatFloat(start, 'f', 3, 64),
		"-t", strconv.FormatFloat(dur, 'f', 3, 64),
	}
	if strings.HasPrefix(input, "http://") || strings.HasPrefix(input, "https://") {
		args = append(args, "-reconnect", "1", "-reconnect_streamed", "1")
	}
	args = append(args,
		"-i", input,
		"-vf", "scale=1280:720:force_original_aspect_ratio=decrease,pad=1280:720:(ow-iw)/2:(oh-ih)/2,fps=25,format=yuv420p,"+drawtext,
		"-c:v", "libx264",
		"-preset", "veryfast",
		"-c:a", "aac",
		"-b:a", "128k",
		"-movflags", "frag_keyframe+empty_moov",
		"-f", "mp4",
		"pipe:1",
	)
	return args
}

// FFmpegProcess wraps one long-lived ffmpeg child with progress tracking,
// stderr artifact scanning, and a graceful terminate-then-kill stop.
type FFmpegProcess struct {
	cmd        *exec.Cmd
	dir        string
	progressUs int64 // atomic: ffmpeg out_time_us
	done       chan struct{}
	err        error

	onArtifact func(kind, name string)

	mu         sync.Mutex
	stderrTail []string
}

func NewFFmpegProcess(ctx context.Context, ffmpegPath string, args []string, dir string) *FFmpegProcess {
	cmd := exec.CommandContext(ctx, ffmpegPath, args...)
	cmd.Dir = dir
	return &FFmpegProcess{
		cmd:  cmd,
		dir:  dir,
		done: make(chan struct{}),
	}
}

// Start launches the process and begins draining stdout (progress) and
// stderr (artifact markers). Stderr must be drained continuously or the
// child blocks on a full pipe.
func (f *FFmpegProcess) Start() error {
	stdout, err := f.cmd.StdoutPipe()
	if err != nil {
		return err
	}
	stderr, err := f.cmd.StderrPipe()
	if err != nil {
		return err
	}
	if err := f.cmd.Start(); err != nil {
		return err
	}

	go f.parseProgress(stdout)
	go f.scanStderr(stderr)
	go func() {
		f.err = f.cmd.Wait()
		close(f.done)
	}()
	return nil
}

// Terminate asks the child to exit, escalating to SIGKILL after the grace
// period.
func (f *FFmpegProcess) Terminate(grace time.Duration) {
	if f.cmd.Process == nil {
		return
	}
	_ = f.cmd.Process.Signal(syscall.SIGTERM)
	select {
	case <-f.done:
	case <-time.After(grace):
		_ = f.cmd.Process.Kill()
	}
}

func (f *FFmpegProcess) Wait() error {
	<-f.done
	return f.err
}

func (f *FFmpegProcess) Done() <-chan struct{} {
	return f.done
}

func (f *FFmpegProcess) IsDone() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

func (f *FFmpegProcess) Err() error {
	return f.err
}

// Progress returns the encoded output time in seconds.
func (f *FFmpegProcess) Progress() float64 {
	us := atomic.LoadInt64(&f.progressUs)
	if us <= 0 {
		return 0
	}
	return float64(us) / 1e6
}

// StderrTail returns the last captured stderr lines joined for error
// reporting.
func (f *FFmpegProcess) StderrTail() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return strings.TrimSpace(strings.Join(f.stderrTail, "\n"))
}

func (f *FFmpegProcess) parseProgress(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "out_time_us=") {
			if us, err := strconv.ParseInt(strings.TrimPrefix(line, "out_time_us="), 10, 64); err == nil {
				atomic.StoreInt64(&f.progressUs, us)
			}
		}
	}
}

// scanStderr keeps a bounded tail for diagnostics and surfaces per-artifact
// open markers the hls and image2 muxers log.
func (f *FFmpegProcess) scanStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64<<10), 256<<10)
	for scanner.Scan() {
		line := scanner.Text()
		f.mu.Lock()
		f.stderrTail = append(f.stderrTail, line)
		if len(f.stderrTail) > stderrTailLines {
			f.stderrTail = f.stderrTail[len(f.stderrTail)-stderrTailLines:]
		}
		f.mu.Unlock()

		if f.onArtifact == nil {
			continue
		}
		if name, ok := openedArtifact(line); ok {
			switch {
			case strings.HasSuffix(name, ".ts"):
				f.onArtifact("segment", name)
			case strings.HasSuffix(name, ".jpg"):
				f.onArtifact("thumbnail", name)
			case strings.HasSuffix(name, ".m3u8"), strings.HasSuffix(name, ".m3u8.tmp"):
				f.onArtifact("playlist", name)
			}
		}
	}
}

// openedArtifact extracts the filename from the muxer's
// "Opening 'NAME' for writing" marker.
func openedArtifact(line string) (string, bool) {
	idx := strings.Index(line, "Opening '")
	if idx < 0 || !strings.Contains(line, "' for writing") {
		return "", false
	}
	rest := line[idx+len("Opening '"):]
	end := strings.Index(rest, "'")
	if end <= 0 {
		return "", false
	}
	return rest[:end], true
}
