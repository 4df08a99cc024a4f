package concat

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/renameio/v2"
	"github.com/grafov/m3u8"

	"github.com/onnwee/vod-stitch/timeline"
)

// Mode selects the render output.
type Mode string

const (
	// ModeMaterialize writes one concatenated container.
	ModeMaterialize Mode = "materialize"
	// ModeEditList writes an HLS playlist of byte ranges into the part files.
	ModeEditList Mode = "edit-list"
)

// ParseMode accepts "materialize" and "edit-list".
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(s)) {
	case ModeMaterialize, "":
		return ModeMaterialize, nil
	case ModeEditList, "editlist", "playlist":
		return ModeEditList, nil
	}
	return "", fmt.Errorf("unknown output mode %q", s)
}

// Stdout is the output name that streams MPEG-TS to standard output.
const Stdout = "-"

// KeyframeIndexer finds byte offsets of keyframes in a file.
type KeyframeIndexer interface {
	KeyframeOffset(ctx context.Context, path string, at time.Duration) (int64, time.Duration, error)
}

// Engine renders plans with the media toolchain.
type Engine struct {
	FFmpegPath string
	Indexer    KeyframeIndexer
	// Stdout receives the stream when the output is "-". Defaults to os.Stdout.
	Stdout io.Writer
}

// Render writes plan to output in the given mode.
func (e *Engine) Render(ctx context.Context, plan *Plan, mode Mode, output string) error {
	if plan == nil || len(plan.Entries) == 0 {
		return errors.New("render: empty plan")
	}
	for _, ent := range plan.Entries {
		if _, err := os.Stat(ent.Segment.Path); err != nil {
			return &UnreadableError{Segment: ent.Segment, Err: err}
		}
	}
	switch mode {
	case ModeMaterialize:
		return e.materialize(ctx, plan, output)
	case ModeEditList:
		if output == Stdout {
			return errors.New("render: edit-list output cannot be stdout")
		}
		return e.editList(ctx, plan, output)
	default:
		return fmt.Errorf("render: unknown mode %q", mode)
	}
}

// UnreadableError means a planned segment file is gone or unreadable. The
// caller should invalidate the segment and treat its range as missing again.
type UnreadableError struct {
	Segment timeline.Segment
	Err     error
}

func (e *UnreadableError) Error() string {
	return fmt.Sprintf("segment %s unreadable: %v", e.Segment.ID, e.Err)
}

func (e *UnreadableError) Unwrap() error { return e.Err }

// ConcatScript renders the ffconcat demuxer script for plan.
func ConcatScript(plan *Plan) string {
	var b strings.Builder
	b.WriteString("ffconcat version 1.0\n")
	for _, ent := range plan.Entries {
		fmt.Fprintf(&b, "file '%s'\n", strings.ReplaceAll(ent.Segment.Path, "'", `'\''`))
		fmt.Fprintf(&b, "inpoint %.6f\n", ent.In.Seconds())
		fmt.Fprintf(&b, "outpoint %.6f\n", ent.Out.Seconds())
	}
	return b.String()
}

// ffmpegArgs builds the stream-copy concat invocation writing to target.
// Muxer flags follow the final output name: MPEG-TS outputs keep source
// timestamps, MP4 outputs regenerate them and move the index up front. Stdout
// and extensionless outputs name the muxer explicitly since ffmpeg cannot
// infer one.
func ffmpegArgs(scriptPath, output, target string) []string {
	ext := strings.ToLower(filepath.Ext(output))
	explicit := output == Stdout || ext == ""
	ts := explicit || ext == ".ts"
	args := []string{"-hide_banner", "-nostdin", "-y"}
	if ts {
		args = append(args, "-copyts")
	}
	args = append(args, "-f", "concat", "-safe", "0", "-i", scriptPath, "-c", "copy")
	switch {
	case ts:
		args = append(args, "-muxdelay", "0")
		if explicit {
			args = append(args, "-f", "mpegts")
		}
	case ext == ".mp4":
		args = append(args, "-fflags", "+genpts", "-async", "1", "-movflags", "faststart")
	}
	return append(args, target)
}

func (e *Engine) materialize(ctx context.Context, plan *Plan, output string) error {
	dir := os.TempDir()
	if output != Stdout {
		dir = filepath.Dir(output)
	}
	script, err := os.CreateTemp(dir, ".concat-*.ffconcat")
	if err != nil {
		return fmt.Errorf("create concat script: %w", err)
	}
	defer os.Remove(script.Name())
	if _, err := script.WriteString(ConcatScript(plan)); err != nil {
		_ = script.Close()
		return fmt.Errorf("write concat script: %w", err)
	}
	if err := script.Close(); err != nil {
		return err
	}

	// Write next to the target, then rename into place.
	target := output
	if output != Stdout {
		ext := filepath.Ext(output)
		target = strings.TrimSuffix(output, ext) + ".partial" + ext
		defer os.Remove(target)
	}
	ffmpeg := e.FFmpegPath
	if ffmpeg == "" {
		ffmpeg = "ffmpeg"
	}
	cmd := exec.CommandContext(ctx, ffmpeg, ffmpegArgs(script.Name(), output, target)...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if output == Stdout {
		cmd.Stdout = e.Stdout
		if cmd.Stdout == nil {
			cmd.Stdout = os.Stdout
		}
	}
	slog.Info("rendering recording", slog.String("output", output), slog.Int("entries", len(plan.Entries)),
		slog.Duration("duration", plan.Duration()), slog.String("component", "concat"))
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("concatenation failed: %w, output: %s", err, lastLines(stderr.String(), 5))
	}
	if output == Stdout {
		return nil
	}
	if err := os.Rename(target, output); err != nil {
		return fmt.Errorf("move output into place: %w", err)
	}
	return nil
}

// editList writes a VOD media playlist where every entry is a byte range of
// its part file. Cuts snap to the first keyframe at or after the trim point.
func (e *Engine) editList(ctx context.Context, plan *Plan, output string) error {
	if e.Indexer == nil {
		return errors.New("render: edit-list mode needs a keyframe indexer")
	}
	pl, err := m3u8.NewMediaPlaylist(0, uint(len(plan.Entries)))
	if err != nil {
		return err
	}
	base := filepath.Dir(output)
	var prev timeline.Source
	for i, ent := range plan.Entries {
		start, err := e.offset(ctx, ent.Segment, ent.In, true)
		if err != nil {
			return err
		}
		end, err := e.offset(ctx, ent.Segment, ent.Out, false)
		if err != nil {
			return err
		}
		if end <= start {
			return fmt.Errorf("render: empty byte range for %s [%d, %d)", ent.Segment.ID, start, end)
		}
		uri, err := filepath.Rel(base, ent.Segment.Path)
		if err != nil {
			uri = ent.Segment.Path
		}
		if err := pl.Append(filepath.ToSlash(uri), ent.Duration().Seconds(), ""); err != nil {
			return fmt.Errorf("append %s: %w", ent.Segment.ID, err)
		}
		if err := pl.SetRange(end-start, start); err != nil {
			return err
		}
		if i > 0 && ent.Segment.Source != prev {
			if err := pl.SetDiscontinuity(); err != nil {
				return err
			}
		}
		prev = ent.Segment.Source
	}
	pl.MediaType = m3u8.VOD
	pl.Close()

	if err := renameio.WriteFile(output, pl.Encode().Bytes(), 0o644); err != nil {
		return fmt.Errorf("write edit list: %w", err)
	}
	slog.Info("edit list written", slog.String("output", output), slog.Int("entries", len(plan.Entries)),
		slog.Duration("duration", plan.Duration()), slog.String("component", "concat"))
	return nil
}

// offset maps a trim point to a byte position. The file's own start and end
// need no index lookup.
func (e *Engine) offset(ctx context.Context, seg timeline.Segment, at time.Duration, isStart bool) (int64, error) {
	if isStart && at <= seg.Media.Start {
		return 0, nil
	}
	if !isStart && at >= seg.Media.End {
		return fileSize(seg.Path)
	}
	pos, _, err := e.Indexer.KeyframeOffset(ctx, seg.Path, at)
	if err != nil {
		if !isStart {
			// No keyframe before the end of file: keep the tail.
			return fileSize(seg.Path)
		}
		return 0, fmt.Errorf("index %s at %s: %w", seg.ID, at, err)
	}
	return pos, nil
}

func fileSize(path string) (int64, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

func lastLines(s string, n int) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, " | ")
}
