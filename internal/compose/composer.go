// Package compose stitches the intro, generated and outro clips into the
// final manifestation video with ffmpeg.
package compose

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"manifestme/internal/infra"
)

// Options configures a Composer. Zero values fall back to the defaults of
// a 6 second clip window at 24 fps.
type Options struct {
	FFmpegPath  string
	FFprobePath string
	ClipSeconds float64
	FPS         int
	Logger      *infra.Logger
}

// Composer runs ffprobe and ffmpeg.
type Composer struct {
	ffmpegPath  string
	ffprobePath string
	clipSeconds float64
	fps         int
	runner      commandRunner
	logger      *infra.Logger
}

// Request names the three input files and the output path.
type Request struct {
	IntroPath  string
	ClipPath   string
	OutroPath  string
	OutputPath string
}

// MediaInfo is the subset of ffprobe output the composer needs.
type MediaInfo struct {
	Width    int
	Height   int
	Duration float64
	HasAudio bool
}

func NewComposer(opts Options) *Composer {
	return newComposer(opts, execRunner{})
}

func newComposer(opts Options, runner commandRunner) *Composer {
	c := &Composer{
		ffmpegPath:  opts.FFmpegPath,
		ffprobePath: opts.FFprobePath,
		clipSeconds: opts.ClipSeconds,
		fps:         opts.FPS,
		runner:      runner,
		logger:      opts.Logger,
	}
	if c.ffmpegPath == "" {
		c.ffmpegPath = "ffmpeg"
	}
	if c.ffprobePath == "" {
		c.ffprobePath = "ffprobe"
	}
	if c.clipSeconds <= 0 {
		c.clipSeconds = 6
	}
	if c.fps <= 0 {
		c.fps = 24
	}
	if c.logger == nil {
		l := infra.Logger(zerolog.New(io.Discard))
		c.logger = &l
	}
	return c
}

type probeOutput struct {
	Streams []struct {
		CodecType string `json:"codec_type"`
		Width     int    `json:"width"`
		Height    int    `json:"height"`
	} `json:"streams"`
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

// Probe reads frame size, duration and audio presence of path.
func (c *Composer) Probe(ctx context.Context, path string) (MediaInfo, error) {
	res, err := c.runner.Run(ctx, c.ffprobePath,
		"-v", "error",
		"-show_entries", "stream=codec_type,width,height:format=duration",
		"-of", "json",
		path,
	)
	if err != nil {
		return MediaInfo{}, fmt.Errorf("compose: ffprobe %s: %w: %s", path, err, strings.TrimSpace(res.Stderr))
	}
	var out probeOutput
	if err := json.Unmarshal([]byte(res.Stdout), &out); err != nil {
		return MediaInfo{}, fmt.Errorf("compose: parse ffprobe output: %w", err)
	}
	var info MediaInfo
	hasVideo := false
	for _, s := range out.Streams {
		switch s.CodecType {
		case "video":
			if !hasVideo {
				info.Width, info.Height = s.Width, s.Height
				hasVideo = true
			}
		case "audio":
			info.HasAudio = true
		}
	}
	if !hasVideo || info.Width <= 0 || info.Height <= 0 {
		return MediaInfo{}, fmt.Errorf("compose: %s has no video stream", path)
	}
	if d, err := strconv.ParseFloat(strings.TrimSpace(out.Format.Duration), 64); err == nil {
		info.Duration = d
	}
	return info, nil
}

// Compose writes intro, clip and outro back to back into req.OutputPath. The
// clip is looped or trimmed to the clip window and every segment is scaled to
// the intro frame size.
func (c *Composer) Compose(ctx context.Context, req Request) error {
	intro, err := c.Probe(ctx, req.IntroPath)
	if err != nil {
		return err
	}
	clip, err := c.Probe(ctx, req.ClipPath)
	if err != nil {
		return err
	}
	outro, err := c.Probe(ctx, req.OutroPath)
	if err != nil {
		return err
	}

	args := c.buildArgs(req, intro, clip, outro)
	c.logger.Debug().
		Str("output", req.OutputPath).
		Int("width", intro.Width).
		Int("height", intro.Height).
		Float64("clip_duration", clip.Duration).
		Msg("compose: running ffmpeg")

	res, err := c.runner.Run(ctx, c.ffmpegPath, args...)
	if err != nil {
		return fmt.Errorf("compose: ffmpeg: %w: %s", err, tail(res.Stderr, 512))
	}
	st, err := os.Stat(req.OutputPath)
	if err != nil {
		return fmt.Errorf("compose: output missing: %w", err)
	}
	if st.Size() == 0 {
		return errors.New("compose: output is empty")
	}
	return nil
}

func (c *Composer) buildArgs(req Request, intro, clip, outro MediaInfo) []string {
	window := formatSeconds(c.clipSeconds)
	args := []string{"-y", "-hide_banner", "-i", req.IntroPath}
	if clip.Duration < c.clipSeconds {
		args = append(args, "-stream_loop", "-1")
	}
	args = append(args, "-t", window, "-i", req.ClipPath, "-i", req.OutroPath)

	segments := []struct {
		info     MediaInfo
		duration float64
	}{
		{intro, intro.Duration},
		{clip, c.clipSeconds},
		{outro, outro.Duration},
	}

	var filters []string
	var concatInputs strings.Builder
	nextInput := len(segments)
	for i, seg := range segments {
		filters = append(filters, fmt.Sprintf(
			"[%d:v]scale=%d:%d,setsar=1,fps=%d,format=yuv420p[v%d]",
			i, intro.Width, intro.Height, c.fps, i))
		audioSrc := fmt.Sprintf("%d:a", i)
		if !seg.info.HasAudio {
			if seg.duration <= 0 {
				seg.duration = c.clipSeconds
			}
			args = append(args,
				"-f", "lavfi",
				"-t", formatSeconds(seg.duration),
				"-i", "anullsrc=channel_layout=stereo:sample_rate=44100")
			audioSrc = fmt.Sprintf("%d:a", nextInput)
			nextInput++
		}
		filters = append(filters, fmt.Sprintf(
			"[%s]aformat=sample_rates=44100:channel_layouts=stereo[a%d]", audioSrc, i))
		fmt.Fprintf(&concatInputs, "[v%d][a%d]", i, i)
	}
	filters = append(filters, concatInputs.String()+"concat=n=3:v=1:a=1[outv][outa]")

	return append(args,
		"-filter_complex", strings.Join(filters, ";"),
		"-map", "[outv]",
		"-map", "[outa]",
		"-c:v", "libx264",
		"-preset", "veryfast",
		"-crf", "23",
		"-r", strconv.Itoa(c.fps),
		"-c:a", "aac",
		"-b:a", "128k",
		"-movflags", "+faststart",
		req.OutputPath,
	)
}

func formatSeconds(s float64) string {
	return strconv.FormatFloat(s, 'f', 3, 64)
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
