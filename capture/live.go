package capture

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/onnwee/vod-stitch/failure"
	"github.com/onnwee/vod-stitch/media"
	"github.com/onnwee/vod-stitch/telemetry"
	"github.com/onnwee/vod-stitch/timeline"
)

const probeTimeout = 30 * time.Second

// Prober reads container timestamps of a file. *media.FFprobe implements it.
type Prober interface {
	Probe(ctx context.Context, path string) (media.Info, error)
}

// LiveChecker asks the platform whether the broadcast is still live.
type LiveChecker interface {
	IsLive(ctx context.Context) (bool, error)
}

// LiveCheckerFunc adapts a function to LiveChecker.
type LiveCheckerFunc func(ctx context.Context) (bool, error)

func (f LiveCheckerFunc) IsLive(ctx context.Context) (bool, error) { return f(ctx) }

// LiveWorker keeps the live downloader running for as long as the broadcast
// is live and turns its output into probed segment files.
type LiveWorker struct {
	Launcher Launcher
	Prober   Prober
	// Checker confirms that the broadcast really ended when the downloader
	// stops. Nil trusts the downloader.
	Checker       LiveChecker
	Binary        string
	Options       StreamlinkOptions
	Files         Allocator
	Policy        Policy
	Liveness      time.Duration
	SegmentLength time.Duration
	Grace         time.Duration
	Events        chan<- Event
	Logger        *slog.Logger

	// sleep is replaced in tests.
	sleep func(ctx context.Context, d time.Duration) bool
}

// Run supervises the downloader until the broadcast ends, ctx is canceled,
// or the downloader binary is unusable. Only the last case returns an error.
func (w *LiveWorker) Run(ctx context.Context) error {
	log := w.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With(slog.String("component", "live_capture"))

	// Live capture never gives up while the broadcast is live.
	policy := w.Policy
	policy.MaxAttempts = 0
	sup := &Supervisor{Policy: policy}

	parts := make(chan Part, 16)
	var (
		finishWG sync.WaitGroup
		lastEnd  time.Duration
	)
	finishWG.Add(1)
	go func() {
		defer finishWG.Done()
		lastEnd = w.finish(ctx, log, parts)
	}()
	rot := &Rotator{Files: w.Files, Source: timeline.SourceLive, Length: w.SegmentLength, Closed: func(p Part) { parts <- p }}
	stop := func() time.Duration {
		close(parts)
		finishWG.Wait()
		return lastEnd
	}

	for {
		reason, err := w.runOnce(ctx, log, sup, rot)
		if err != nil && errors.Is(err, exec.ErrNotFound) {
			stop()
			ferr := failure.New(failure.ClassConfiguration, "live capture", err)
			w.Events <- Event{Kind: EventFatal, Err: ferr, Reason: "downloader not found"}
			return ferr
		}
		if err != nil {
			log.Warn("live downloader failed", slog.Any("err", err))
		}
		if reason == ExitCanceled || ctx.Err() != nil {
			stop()
			log.Info("live capture stopped")
			return nil
		}
		if reason == ExitEnded || reason == ExitOffline {
			if w.ended(ctx, log) {
				end := stop()
				log.Info("broadcast ended", slog.Duration("end", end), slog.String("exit", reason.String()))
				w.Events <- Event{Kind: EventLiveEnded, End: end, Reason: reason.String()}
				return nil
			}
			reason = ExitTransient
		}
		dec := sup.Exited(reason)
		log.Info("restarting live downloader", slog.String("reason", reason.String()),
			slog.Duration("delay", dec.Delay), slog.Int("restarts", sup.Restarts()))
		telemetry.CountLiveRestart(reason.String())
		w.Events <- Event{Kind: EventLiveRestart, Reason: reason.String()}
		if !w.wait(ctx, dec.Delay) {
			stop()
			return nil
		}
		sup.Restarting()
	}
}

func (w *LiveWorker) wait(ctx context.Context, d time.Duration) bool {
	if w.sleep != nil {
		return w.sleep(ctx, d)
	}
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// ended asks the checker whether the broadcast is over. A failed check
// counts as still live so capture is retried rather than abandoned.
func (w *LiveWorker) ended(ctx context.Context, log *slog.Logger) bool {
	if w.Checker == nil {
		return true
	}
	live, err := w.Checker.IsLive(ctx)
	if err != nil {
		log.Warn("live check failed", slog.Any("err", err))
		return false
	}
	return !live
}

// activityWriter forwards to the rotator and pokes the liveness watchdog.
type activityWriter struct {
	w    io.Writer
	poke chan<- struct{}
}

func (a activityWriter) Write(p []byte) (int, error) {
	select {
	case a.poke <- struct{}{}:
	default:
	}
	return a.w.Write(p)
}

// runOnce runs the downloader once and reports why it stopped. The current
// part file is flushed before it returns.
func (w *LiveWorker) runOnce(ctx context.Context, log *slog.Logger, sup *Supervisor, rot *Rotator) (ExitReason, error) {
	binary := w.Binary
	if binary == "" {
		binary = "streamlink"
	}
	proc, err := w.Launcher.Launch(ctx, binary, w.Options.Args())
	if err != nil {
		return ExitTransient, err
	}
	sup.Started()
	log.Info("live downloader started", slog.String("url", w.Options.URL), slog.String("quality", w.Options.Quality))

	poke := make(chan struct{}, 1)
	copyDone := make(chan error, 1)
	go func() {
		_, err := io.Copy(activityWriter{w: rot, poke: poke}, proc.Stdout())
		copyDone <- err
	}()
	lines := make(chan Line, 64)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(proc.Stderr())
		sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for sc.Scan() {
			lines <- ParseLine(sc.Text())
		}
	}()

	liveness := w.Liveness
	if liveness <= 0 {
		liveness = 2 * time.Minute
	}
	grace := w.Grace
	if grace <= 0 {
		grace = 10 * time.Second
	}
	watchdog := time.NewTimer(liveness)
	defer watchdog.Stop()
	reset := func() {
		if !watchdog.Stop() {
			select {
			case <-watchdog.C:
			default:
			}
		}
		watchdog.Reset(liveness)
	}

	var (
		skips     skipDetector
		reason    = ExitEnded
		offline   bool
		copyErr   error
		stdoutEOF bool
		detail    string
	)
loop:
	for {
		select {
		case <-ctx.Done():
			reason = ExitCanceled
			proc.Terminate(grace)
			break loop
		case <-poke:
			reset()
		case err := <-copyDone:
			copyErr, stdoutEOF = err, true
			break loop
		case <-watchdog.C:
			reason = ExitLiveness
			log.Warn("live downloader silent", slog.Duration("timeout", liveness))
			proc.Terminate(grace)
			break loop
		case l, ok := <-lines:
			if !ok {
				lines = nil
				continue
			}
			reset()
			switch l.Kind {
			case LineOffline:
				offline = true
			case LineAds:
				log.Info("waiting for pre-roll ads")
			case LineWriterError:
				reason, detail = ExitTransient, l.Text
				log.Warn("stream writer error", slog.String("line", l.Text))
				proc.Terminate(grace)
				break loop
			case LineComplete:
				if n, skipped := skips.complete(l.Segment); skipped {
					reason, detail = ExitSkip, fmt.Sprintf("segment %d skipped (got %d)", n, l.Segment)
					log.Warn("upstream skipped segments", slog.Int("missing", n), slog.Int("got", l.Segment))
					proc.Terminate(grace)
					break loop
				}
				sup.Progress()
			}
		}
	}

	if !stdoutEOF {
		copyErr = <-copyDone
	}
	if lines != nil {
		for l := range lines {
			if l.Kind == LineOffline {
				offline = true
			}
		}
	}
	waitErr := proc.Wait()
	if err := rot.Flush(); err != nil {
		log.Error("flush part file", slog.Any("err", err))
	}

	switch {
	case reason != ExitEnded:
	case offline:
		reason = ExitOffline
	case waitErr != nil || copyErr != nil:
		reason = ExitTransient
		detail = errors.Join(waitErr, copyErr).Error()
	}
	if detail != "" {
		return reason, errors.New(detail)
	}
	return reason, nil
}

// finish probes closed part files and turns them into segment events until
// parts is closed. It returns the furthest container end seen.
func (w *LiveWorker) finish(ctx context.Context, log *slog.Logger, parts <-chan Part) time.Duration {
	var last time.Duration
	for p := range parts {
		seg, ok := probePart(ctx, log, w.Prober, timeline.SourceLive, p)
		if !ok {
			continue
		}
		last = max(last, seg.Media.End)
		w.Events <- Event{Kind: EventSegment, Segment: seg}
	}
	return last
}

// probePart turns a closed file into a segment, removing it when it holds
// nothing usable. Probing outlives cancellation so the final file of a
// shutdown is still committed.
func probePart(ctx context.Context, log *slog.Logger, prober Prober, source timeline.Source, p Part) (timeline.Segment, bool) {
	if p.Bytes == 0 {
		_ = os.Remove(p.Path)
		return timeline.Segment{}, false
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), probeTimeout)
	defer cancel()
	var (
		info media.Info
		err  error
	)
	telemetry.TimeFunc(telemetry.ProbeDuration, func() { info, err = prober.Probe(pctx, p.Path) })
	if err == nil && info.End <= info.Start {
		err = fmt.Errorf("empty media range %s", info.Range())
	}
	if err != nil {
		log.Warn("discarding unprobeable part file", slog.String("path", p.Path), slog.Any("err", err))
		telemetry.CountDiscarded(string(source))
		_ = os.Remove(p.Path)
		return timeline.Segment{}, false
	}
	return timeline.Segment{
		ID:     segmentID(p.Path),
		Source: source,
		Seq:    p.Seq,
		Path:   p.Path,
		Range:  info.Range(),
		Media:  info.Range(),
	}, true
}

// segmentID is the part file name without extension, unique per broadcast.
func segmentID(path string) string {
	return strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
}
