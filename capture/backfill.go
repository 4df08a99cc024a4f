package capture

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/onnwee/vod-stitch/failure"
	"github.com/onnwee/vod-stitch/telemetry"
	"github.com/onnwee/vod-stitch/timeline"
)

// Request asks for a range of the broadcast from the replay.
type Request struct {
	ID string
	// Range is on the container timeline.
	Range timeline.Range
	// Origin is the container timestamp of replay offset zero.
	Origin time.Duration
}

// Window converts the request into a replay offset window padded by pad on
// both sides. Replay seeking is segment-granular, so the padding makes sure
// the fetched file actually covers the range.
func (r Request) Window(pad time.Duration) timeline.Range {
	start := max(r.Range.Start-r.Origin-pad, 0)
	return timeline.Range{Start: start, End: r.Range.End - r.Origin + pad}
}

// Fetcher downloads a window of the replay, given as offsets from its start,
// into path as MPEG-TS.
type Fetcher interface {
	Fetch(ctx context.Context, window timeline.Range, path string) error
}

// BackfillPool runs backfill requests on a fixed number of workers. Workers
// keep no state between requests.
type BackfillPool struct {
	Fetcher Fetcher
	Prober  Prober
	Files   Allocator
	Workers int
	Padding time.Duration
	// Policy.MaxAttempts bounds attempts per request; zero means 3.
	Policy Policy
	Events chan<- Event
	Logger *slog.Logger

	sleep func(ctx context.Context, d time.Duration) bool

	once   sync.Once
	mu     sync.Mutex
	queue  []Request
	notify chan struct{}
}

func (p *BackfillPool) init() {
	p.once.Do(func() { p.notify = make(chan struct{}, 1) })
}

// Submit queues r and returns immediately. The outcome arrives on Events as
// EventBackfillDone, preceded by an EventSegment on success.
func (p *BackfillPool) Submit(r Request) {
	p.init()
	p.mu.Lock()
	p.queue = append(p.queue, r)
	p.mu.Unlock()
	p.wake()
}

// Pending is the number of queued requests not yet picked up by a worker.
func (p *BackfillPool) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

func (p *BackfillPool) wake() {
	select {
	case p.notify <- struct{}{}:
	default:
	}
}

func (p *BackfillPool) next() (Request, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.queue) == 0 {
		return Request{}, false
	}
	r := p.queue[0]
	p.queue = p.queue[1:]
	if len(p.queue) > 0 {
		p.wake()
	}
	return r, true
}

// Run starts the workers and blocks until ctx is canceled. Requests still
// queued at that point are dropped; the reconciler asks again next run.
func (p *BackfillPool) Run(ctx context.Context) error {
	p.init()
	workers := p.Workers
	if workers <= 0 {
		workers = 1
	}
	log := p.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With(slog.String("component", "backfill"))
	log.Info("backfill workers started", slog.Int("workers", workers))

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		wlog := log.With(slog.Int("worker", i))
		g.Go(func() error {
			for {
				r, ok := p.next()
				if !ok {
					select {
					case <-gctx.Done():
						return nil
					case <-p.notify:
						continue
					}
				}
				p.handle(gctx, wlog, r)
			}
		})
	}
	return g.Wait()
}

func (p *BackfillPool) handle(ctx context.Context, log *slog.Logger, r Request) {
	window := r.Window(p.Padding)
	log = log.With(slog.String("request", r.ID), slog.String("range", r.Range.String()), slog.String("window", window.String()))
	maxAttempts := p.Policy.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	start := time.Now()
	for attempt := 0; ; attempt++ {
		seg, err := p.attempt(ctx, log, r, window)
		if err == nil {
			telemetry.Observe(telemetry.BackfillDuration, time.Since(start))
			log.Info("backfill complete", slog.String("segment", seg.ID), slog.String("media", seg.Media.String()), slog.Int("attempts", attempt+1))
			p.Events <- Event{Kind: EventSegment, Segment: seg, Request: r, FromZero: window.Start == 0}
			p.Events <- Event{Kind: EventBackfillDone, Request: r}
			return
		}
		if ctx.Err() != nil {
			return
		}
		if failure.IsFatal(err) || attempt+1 >= maxAttempts {
			log.Warn("backfill gave up", slog.Any("err", err), slog.Int("attempts", attempt+1), slog.String("class", failure.Classify(err).String()))
			telemetry.Inc(telemetry.BackfillFailures)
			p.Events <- Event{Kind: EventBackfillDone, Request: r, Err: err}
			return
		}
		delay := p.Policy.Delay(attempt)
		log.Warn("backfill attempt failed", slog.Any("err", err), slog.Int("attempt", attempt+1), slog.Duration("retry_in", delay))
		if !p.wait(ctx, delay) {
			return
		}
	}
}

func (p *BackfillPool) attempt(ctx context.Context, log *slog.Logger, r Request, window timeline.Range) (timeline.Segment, error) {
	ctx, span := telemetry.StartSpan(ctx, "capture", "backfill.fetch",
		attribute.String("request", r.ID), attribute.Float64("window.start", window.Start.Seconds()),
		attribute.Float64("window.end", window.End.Seconds()))
	defer span.End()

	path, seq := p.Files.Allocate(timeline.SourceBackfill)
	if err := p.Fetcher.Fetch(ctx, window, path); err != nil {
		_ = os.Remove(path)
		telemetry.RecordError(span, err)
		return timeline.Segment{}, err
	}
	fi, err := os.Stat(path)
	if err != nil {
		return timeline.Segment{}, err
	}
	seg, ok := probePart(ctx, log, p.Prober, timeline.SourceBackfill, Part{Path: path, Seq: seq, Bytes: fi.Size()})
	if !ok {
		err := errors.New("fetched replay window is not playable")
		telemetry.RecordError(span, err)
		return timeline.Segment{}, err
	}
	telemetry.SetSpanSuccess(span)
	return seg, nil
}

func (p *BackfillPool) wait(ctx context.Context, d time.Duration) bool {
	if p.sleep != nil {
		return p.sleep(ctx, d)
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
