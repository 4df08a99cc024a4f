package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/onnwee/vod-stitch/concat"
	"github.com/onnwee/vod-stitch/failure"
	"github.com/onnwee/vod-stitch/telemetry"
	"github.com/onnwee/vod-stitch/timeline"
)

// output is where the recording is written.
func (l *loop) output() string {
	if l.cfg.Output != "" {
		return l.cfg.Output
	}
	ext := ".ts"
	if l.cfg.Mode == concat.ModeEditList {
		ext = ".m3u8"
	}
	return filepath.Join(l.cfg.DataDir, l.sess.BroadcastID+ext)
}

// finalize renders the recording. A gap or an unreadable file sends the
// session back to Reconciling; only repeated toolchain failures are fatal.
func (l *loop) finalize(ctx context.Context) error {
	l.enter(StateFinalizing)
	ctx, span := telemetry.StartSpan(ctx, "orchestrator", "finalize", attribute.String("broadcast", l.sess.BroadcastID))
	defer span.End()

	if !l.sess.OriginKnown || l.sess.Total <= 0 {
		return l.refuse(span, fmt.Errorf("%w: timeline origin or duration unknown", failure.ErrIncompleteTimeline))
	}
	rng := l.sess.Span()
	plan, err := concat.BuildPlan(l.st.Snapshot(), rng, l.cfg.Tolerance)
	if err != nil {
		var gap *concat.GapError
		if errors.As(err, &gap) {
			return l.refuse(span, err)
		}
		telemetry.RecordError(span, err)
		return err
	}
	l.flagBridges(plan)

	out := l.output()
	start := time.Now()
	err = l.o.Renderer.Render(ctx, plan, l.cfg.Mode, out)
	telemetry.Observe(telemetry.FinalizeDuration, time.Since(start))
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var unreadable *concat.UnreadableError
		if errors.As(err, &unreadable) {
			if merr := l.st.MarkInvalid(unreadable.Segment.ID, "unreadable: "+unreadable.Err.Error()); merr != nil {
				return fmt.Errorf("invalidate %s: %w", unreadable.Segment.ID, merr)
			}
			return l.refuse(span, err)
		}
		l.renderFailures++
		if l.renderFailures >= l.cfg.MaxRenderFailures {
			telemetry.RecordError(span, err)
			return fmt.Errorf("render failed %d times: %w", l.renderFailures, err)
		}
		return l.refuse(span, err)
	}
	l.renderFailures = 0

	l.sess.Output = out
	l.sess.Covered, l.sess.Missing = plan.Duration(), 0
	l.sess.Progress = "timeline complete"
	l.enter(StateDone)
	if err := l.st.Seal(); err != nil {
		return fmt.Errorf("seal store: %w", err)
	}
	if l.cfg.CleanupParts && l.cfg.Mode == concat.ModeMaterialize && out != concat.Stdout {
		l.cleanup()
	}
	telemetry.SetSpanSuccess(span)
	l.log.Info("broadcast finalized", slog.String("output", out), slog.Duration("duration", plan.Duration()),
		slog.Int("entries", len(plan.Entries)), slog.Int("reviews", len(l.sess.Reviews)))
	return nil
}

func (l *loop) refuse(span trace.Span, err error) error {
	span.AddEvent("refused", trace.WithAttributes(attribute.String("reason", err.Error())))
	telemetry.Inc(telemetry.FinalizeRefusals)
	l.log.Warn("finalize refused, back to reconciling", slog.Any("err", err))
	l.enter(StateReconciling)
	return nil
}

// flagBridges reports holes stepped over where live and replay meet. Those
// are the places the two sources disagree on a boundary.
func (l *loop) flagBridges(plan *concat.Plan) {
	for _, b := range plan.Bridges {
		if b.From == b.To || b.Hole <= l.cfg.DiscrepancyThreshold {
			continue
		}
		l.review(timeline.Range{Start: b.At, End: b.At + b.Hole},
			fmt.Sprintf("%s/%s boundary disagrees by %s", b.From, b.To, b.Hole))
	}
}

// cleanup removes part files once the recording no longer needs them.
func (l *loop) cleanup() {
	removed := 0
	for _, seg := range l.st.Segments() {
		if err := os.Remove(seg.Path); err == nil {
			removed++
		} else if !errors.Is(err, os.ErrNotExist) {
			l.log.Warn("remove part file", slog.String("path", seg.Path), slog.Any("err", err))
		}
	}
	l.log.Info("part files removed", slog.Int("files", removed))
}
