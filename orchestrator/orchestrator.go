// Package orchestrator runs one capture session from discovery to the
// finished recording.
//
// The session moves through Discovering, CapturingLive, Reconciling,
// Finalizing and Done; Failed is reachable from anywhere. A single goroutine
// (the loop) owns the session and is the only writer of the segment store.
// Workers report through one event channel and never touch the store.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/onnwee/vod-stitch/capture"
	"github.com/onnwee/vod-stitch/concat"
	"github.com/onnwee/vod-stitch/db"
	"github.com/onnwee/vod-stitch/failure"
	"github.com/onnwee/vod-stitch/reconcile"
	"github.com/onnwee/vod-stitch/store"
	"github.com/onnwee/vod-stitch/telemetry"
	"github.com/onnwee/vod-stitch/timeline"
	"github.com/onnwee/vod-stitch/twitchapi"
)

// Config tunes a session. Zero values take the defaults noted per field.
type Config struct {
	DataDir string
	// Output defaults to DataDir/<broadcast>.ts, or .m3u8 in edit-list mode.
	Output string
	Mode   concat.Mode
	// ReconcileInterval defaults to 60s.
	ReconcileInterval time.Duration
	// BackfillDelay holds back backfill requests while live capture runs.
	BackfillDelay time.Duration
	// Tolerance defaults to concat.DefaultTolerance.
	Tolerance time.Duration
	// DiscrepancyThreshold flags live/replay disagreements larger than
	// this for review. Defaults to 20ms.
	DiscrepancyThreshold time.Duration
	// BootstrapLength is the replay head fetched to learn the timeline
	// origin. Defaults to 30s.
	BootstrapLength time.Duration
	// CleanupParts removes part files after a materialized render.
	CleanupParts bool
	// DiscardCorrupt moves a corrupt broadcast directory aside and starts over
	// instead of failing.
	DiscardCorrupt bool
	// MaxRenderFailures fails the session after this many consecutive
	// toolchain errors. Defaults to 3.
	MaxRenderFailures int
}

func (c Config) withDefaults() Config {
	if c.ReconcileInterval <= 0 {
		c.ReconcileInterval = time.Minute
	}
	if c.Tolerance <= 0 {
		c.Tolerance = concat.DefaultTolerance
	}
	if c.DiscrepancyThreshold <= 0 {
		c.DiscrepancyThreshold = 20 * time.Millisecond
	}
	if c.BootstrapLength <= 0 {
		c.BootstrapLength = 30 * time.Second
	}
	if c.MaxRenderFailures <= 0 {
		c.MaxRenderFailures = 3
	}
	if c.Mode == "" {
		c.Mode = concat.ModeMaterialize
	}
	return c
}

// Runner is a worker that runs until its context is canceled or its job is done.
type Runner interface {
	Run(ctx context.Context) error
}

// Backfiller is a worker pool accepting fire-and-forget requests.
type Backfiller interface {
	Runner
	Submit(r capture.Request)
}

// Renderer turns a plan into the final recording.
type Renderer interface {
	Render(ctx context.Context, plan *concat.Plan, mode concat.Mode, output string) error
}

// Indexer mirrors session progress somewhere queryable.
type Indexer interface {
	UpsertSession(ctx context.Context, rec db.SessionRecord) error
	RecordSegment(ctx context.Context, broadcastID string, seg timeline.Segment) error
}

// Orchestrator wires the collaborators of a session.
type Orchestrator struct {
	Config   Config
	Metadata Metadata
	Prober   capture.Prober
	Renderer Renderer
	// NewLive builds the live worker. Nil disables live capture.
	NewLive func(b twitchapi.Broadcast, files capture.Allocator, events chan<- capture.Event) Runner
	// NewBackfill builds the backfill pool.
	NewBackfill func(b twitchapi.Broadcast, files capture.Allocator, events chan<- capture.Event) Backfiller
	// Index is optional.
	Index  Indexer
	Logger *slog.Logger

	mu     sync.RWMutex
	status Session
}

// Status returns a copy of the current session.
func (o *Orchestrator) Status() Session {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.status.clone()
}

func (o *Orchestrator) publish(s *Session) {
	s.UpdatedAt = time.Now().UTC()
	c := s.clone()
	o.mu.Lock()
	o.status = c
	o.mu.Unlock()
}

// Run executes one session and returns its final state. A canceled ctx stops
// the workers, commits what they flushed and returns ctx.Err(); the session
// resumes from disk on the next run.
func (o *Orchestrator) Run(ctx context.Context) (Session, error) {
	cfg := o.Config.withDefaults()
	sess := &Session{ID: uuid.NewString(), StartedAt: time.Now().UTC()}
	ctx = telemetry.WithCorrelation(ctx, sess.ID)
	log := o.Logger
	if log == nil {
		log = telemetry.LoggerWithCorr(ctx)
	} else {
		log = log.With(slog.String("corr", sess.ID))
	}
	log = log.With(slog.String("component", "orchestrator"))
	l := &loop{o: o, cfg: cfg, log: log, sess: sess}
	l.enter(StateDiscovering)

	b, err := o.discover(ctx, log)
	if err != nil {
		return l.fail(err)
	}
	sess.BroadcastID, sess.Channel, sess.ReplayID, sess.Live = b.ID, b.Channel, b.ReplayID, b.Live
	log = log.With(slog.String("broadcast", b.ID))
	l.log = log
	if b.ReplayID == "" {
		return l.fail(failure.New(failure.ClassBroadcastUnavailable, "discover",
			fmt.Errorf("broadcast %s has no replay; the channel does not archive broadcasts", b.ID)))
	}

	st, err := o.openStore(cfg, b.ID, log)
	if err != nil {
		return l.fail(err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			log.Warn("close segment store", slog.Any("err", err))
		}
	}()
	l.st = st
	m, found, err := st.ReadManifest()
	if err != nil {
		return l.fail(err)
	}
	if found {
		sess.restore(m)
		l.totalFrozen = m.Ended && m.Total > 0
	}
	if st.Sealed() || m.Finished {
		log.Info("broadcast already finalized", slog.String("output", sess.Output))
		sess.Resumed = true
		l.enter(StateDone)
		return sess.clone(), nil
	}
	sess.Resumed = found || len(st.Segments()) > 0
	if !b.Live {
		sess.Ended = true
	}
	l.b = b
	l.applyDuration(b.ReplayDuration)
	l.persist(ctx)
	return l.run(ctx)
}

func (o *Orchestrator) discover(ctx context.Context, log *slog.Logger) (twitchapi.Broadcast, error) {
	if o.Metadata == nil {
		return twitchapi.Broadcast{}, fmt.Errorf("%w: twitch credentials or REPLAY_ID required", failure.ErrConfiguration)
	}
	ctx, span := telemetry.StartSpan(ctx, "orchestrator", "discover")
	defer span.End()
	b, err := o.Metadata.Resolve(ctx)
	if err != nil {
		telemetry.RecordError(span, err)
		return b, err
	}
	span.SetAttributes(attribute.String("broadcast", b.ID), attribute.Bool("live", b.Live), attribute.String("replay", b.ReplayID))
	telemetry.SetSpanSuccess(span)
	log.Info("broadcast resolved", slog.String("broadcast", b.ID), slog.Bool("live", b.Live),
		slog.String("replay", b.ReplayID), slog.Duration("replay_duration", b.ReplayDuration))
	return b, nil
}

func (o *Orchestrator) openStore(cfg Config, id string, log *slog.Logger) (*store.Store, error) {
	st, err := store.Open(cfg.DataDir, id)
	if err == nil || failure.Classify(err) != failure.ClassCorruptState || !cfg.DiscardCorrupt {
		return st, err
	}
	moved, derr := store.Discard(cfg.DataDir, id)
	if derr != nil {
		return nil, errors.Join(err, derr)
	}
	log.Warn("corrupt segment store discarded, capture restarts from scratch", slog.Any("err", err), slog.String("moved_to", moved))
	return store.Open(cfg.DataDir, id)
}

type durationResult struct {
	d   time.Duration
	err error
}

// loop is the state of one running session. All fields are owned by the
// goroutine executing run.
type loop struct {
	o    *Orchestrator
	cfg  Config
	log  *slog.Logger
	sess *Session
	st   *store.Store
	b    twitchapi.Broadcast

	rec       *reconcile.Reconciler
	events    chan capture.Event
	backfill  Backfiller
	requests  map[string]capture.Request
	bootstrap string
	bootSeq   int

	liveRunning    bool
	began          time.Time
	totalFrozen    bool
	polling        bool
	durations      chan durationResult
	renderFailures int
	workers        errgroup.Group
}

func (l *loop) run(ctx context.Context) (Session, error) {
	l.rec = reconcile.New(l.cfg.Tolerance)
	l.rec.Log = l.log
	l.events = make(chan capture.Event, 64)
	l.requests = map[string]capture.Request{}
	l.durations = make(chan durationResult, 1)
	l.began = time.Now()

	l.adoptOrphans(ctx)

	wctx, cancel := context.WithCancel(ctx)
	defer cancel()
	l.backfill = l.o.NewBackfill(l.b, l.st, l.events)
	l.workers.Go(func() error { return l.backfill.Run(wctx) })
	if l.b.Live && !l.sess.Ended && l.o.NewLive != nil {
		live := l.o.NewLive(l.b, l.st, l.events)
		l.liveRunning = true
		l.workers.Go(func() error { return live.Run(wctx) })
	}

	var err error
	switch {
	case l.sess.Resumed:
		l.log.Info("resuming broadcast", slog.Int("segments", len(l.st.Snapshot())), slog.Bool("live", l.liveRunning))
		l.enter(StateReconciling)
	case l.liveRunning:
		l.enter(StateCapturingLive)
	default:
		// The replay already holds the whole broadcast.
		err = l.finalize(ctx)
	}
	if err == nil {
		err = l.serve(ctx, wctx)
	}
	cancel()
	l.drain()

	switch {
	case err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()):
		l.log.Info("session interrupted, state kept for resume", slog.String("state", string(l.sess.State)))
		l.persist(ctx)
		return l.sess.clone(), err
	case err != nil:
		return l.fail(err)
	}
	l.persist(ctx)
	return l.sess.clone(), nil
}

// serve is the event loop. It returns nil once the session is done.
func (l *loop) serve(ctx, wctx context.Context) error {
	ticker := time.NewTicker(l.cfg.ReconcileInterval)
	defer ticker.Stop()
	if err := l.cycle(ctx); err != nil {
		return err
	}
	for !l.sess.State.Terminal() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-l.events:
			if err := l.handle(ctx, wctx, ev); err != nil {
				return err
			}
		case r := <-l.durations:
			l.polling = false
			if r.err != nil {
				l.log.Warn("replay duration poll failed", slog.Any("err", r.err))
				continue
			}
			l.applyDuration(r.d)
		case <-ticker.C:
			l.poll(wctx)
			if err := l.cycle(ctx); err != nil {
				return err
			}
		}
	}
	return nil
}

func (l *loop) handle(ctx, wctx context.Context, ev capture.Event) error {
	switch ev.Kind {
	case capture.EventSegment:
		if err := l.onSegment(ctx, ev); err != nil {
			return err
		}
	case capture.EventBackfillDone:
		return l.onBackfillDone(ctx, ev)
	case capture.EventLiveEnded:
		l.liveRunning = false
		l.sess.Ended = true
		l.sess.LiveEnd = ev.End
		l.log.Info("live capture reported broadcast end", slog.Duration("end", ev.End), slog.String("reason", ev.Reason))
		l.poll(wctx)
		if l.sess.State == StateCapturingLive {
			l.enter(StateReconciling)
		}
		l.persist(ctx)
		return l.cycle(ctx)
	case capture.EventLiveRestart:
		l.sess.Restarts++
		l.log.Debug("live downloader restarted", slog.String("reason", ev.Reason), slog.Int("restarts", l.sess.Restarts))
	case capture.EventFatal:
		return fmt.Errorf("%s: %w", ev.Reason, ev.Err)
	}
	return nil
}

func (l *loop) onSegment(ctx context.Context, ev capture.Event) error {
	seg := ev.Segment
	if ev.FromZero && !l.sess.OriginKnown {
		l.sess.Origin, l.sess.OriginKnown = seg.Media.Start, true
		l.log.Info("timeline origin learned", slog.Duration("origin", l.sess.Origin), slog.String("segment", seg.ID))
		if l.totalFrozen && l.sess.LiveEnd > l.sess.Origin+l.sess.Total {
			l.sess.Total = l.sess.LiveEnd - l.sess.Origin
		}
	}
	committed, err := l.commit(ctx, seg)
	if err != nil {
		return err
	}
	if committed.Source == timeline.SourceBackfill && ev.Request.ID != "" && ev.Request.ID != l.bootstrap {
		l.checkBackfill(ev.Request, committed)
	}
	if committed.Source == timeline.SourceLive && l.sess.State == StateCapturingLive {
		l.enter(StateReconciling)
	}
	l.persist(ctx)
	return nil
}

// commit records seg in the store. Only the loop goroutine calls it.
func (l *loop) commit(ctx context.Context, seg timeline.Segment) (timeline.Segment, error) {
	if seg.Range.Empty() {
		l.log.Warn("dropping empty segment", slog.String("segment", seg.ID))
		return seg, nil
	}
	committed, err := l.st.Record(seg)
	if errors.Is(err, store.ErrSealed) {
		l.log.Debug("store sealed, dropping late segment", slog.String("segment", seg.ID))
		_ = os.Remove(seg.Path)
		return seg, nil
	}
	if err != nil {
		return seg, fmt.Errorf("record segment %s: %w", seg.ID, err)
	}
	telemetry.CountSegment(string(committed.Source))
	l.log.Info("segment committed", slog.String("segment", committed.ID), slog.String("range", committed.Range.String()),
		slog.Bool("valid", committed.Valid), slog.String("reason", committed.Reason))
	if l.o.Index != nil {
		if err := l.o.Index.RecordSegment(context.WithoutCancel(ctx), l.sess.BroadcastID, committed); err != nil {
			l.log.Warn("index segment", slog.Any("err", err))
		}
	}
	return committed, nil
}

// checkBackfill compares what a replay fetch delivered with what was asked.
// A replay that ends before its reported duration shortens the broadcast;
// any other shortfall is flagged for review.
func (l *loop) checkBackfill(req capture.Request, seg timeline.Segment) {
	if !l.sess.OriginKnown {
		return
	}
	short := timeline.Set{req.Range}.Subtract(timeline.Set{seg.Media}).WithoutShorter(l.cfg.DiscrepancyThreshold)
	if len(short) == 0 {
		return
	}
	horizon := l.sess.Span().End
	tailOnly := len(short) == 1 && short[0].End == req.Range.End
	if l.sess.Ended && tailOnly && req.Range.End >= horizon-l.cfg.Tolerance {
		total := max(seg.Media.End, l.sess.LiveEnd) - l.sess.Origin
		if total > 0 && total < l.sess.Total {
			l.review(timeline.Range{Start: l.sess.Origin + total, End: horizon},
				fmt.Sprintf("replay ends at %s, before its reported duration", timeline.Range{Start: l.sess.Origin, End: l.sess.Origin + total}))
			l.sess.Total = total
			l.totalFrozen = true
			return
		}
	}
	l.review(short[0], fmt.Sprintf("replay window %s did not cover requested %s", seg.Media, req.Range))
}

func (l *loop) review(rg timeline.Range, reason string) {
	for _, r := range l.sess.Reviews {
		if r.Range == rg && r.Reason == reason {
			return
		}
	}
	l.sess.Reviews = append(l.sess.Reviews, store.Review{At: time.Now().UTC(), Range: rg, Reason: reason})
	telemetry.Inc(telemetry.Discrepancies)
	l.log.Warn("flagged for manual review", slog.String("range", rg.String()), slog.String("reason", reason))
}

func (l *loop) onBackfillDone(ctx context.Context, ev capture.Event) error {
	id := ev.Request.ID
	delete(l.requests, id)
	if id == l.bootstrap {
		l.bootstrap = ""
	} else {
		l.rec.Done(id)
	}
	l.sess.Inflight = len(l.requests)
	telemetry.SetInflight(l.sess.Inflight)
	if ev.Err != nil {
		if failure.IsFatal(ev.Err) {
			return fmt.Errorf("backfill %s: %w", id, ev.Err)
		}
		l.log.Warn("backfill request exhausted, range still missing", slog.String("request", id),
			slog.String("range", ev.Request.Range.String()), slog.Any("err", ev.Err))
		return nil
	}
	return l.cycle(ctx)
}

// applyDuration folds a replay duration into the session total. The total
// only grows while the broadcast runs and is taken once after it ended.
func (l *loop) applyDuration(d time.Duration) {
	if d <= 0 {
		return
	}
	s := l.sess
	switch {
	case !s.Ended:
		s.Total = max(s.Total, d)
	case !l.totalFrozen:
		s.Total = d
		if s.OriginKnown && s.LiveEnd > s.Origin+d {
			s.Total = s.LiveEnd - s.Origin
		}
		l.totalFrozen = true
		l.log.Info("broadcast duration final", slog.Duration("total", s.Total))
	}
}

// poll refreshes the replay duration in the background.
func (l *loop) poll(ctx context.Context) {
	if l.polling || l.totalFrozen || l.sess.ReplayID == "" {
		return
	}
	l.polling = true
	meta, id := l.o.Metadata, l.sess.ReplayID
	l.workers.Go(func() error {
		d, err := meta.ReplayDuration(ctx, id)
		l.durations <- durationResult{d: d, err: err}
		return nil
	})
}

func (l *loop) allowRequests() bool {
	return !l.liveRunning || time.Since(l.began) >= l.cfg.BackfillDelay
}

// bootstrapOrigin fetches the head of the replay once, to learn the container
// timestamp at broadcast offset zero.
func (l *loop) bootstrapOrigin() {
	if l.sess.OriginKnown || l.bootstrap != "" || !l.allowRequests() {
		return
	}
	l.bootSeq++
	r := capture.Request{ID: fmt.Sprintf("origin-%d", l.bootSeq), Range: timeline.Range{End: l.cfg.BootstrapLength}}
	l.bootstrap = r.ID
	l.requests[r.ID] = r
	l.backfill.Submit(r)
	telemetry.Inc(telemetry.BackfillRequests)
	l.log.Info("fetching replay head to learn the timeline origin", slog.String("request", r.ID))
}

func liveFrontier(segs []timeline.Segment) time.Duration {
	var f time.Duration
	for _, s := range segs {
		if s.Source == timeline.SourceLive {
			f = max(f, s.Range.End)
		}
	}
	return f
}

// cycle runs one reconciliation and finalizes once the timeline is complete.
func (l *loop) cycle(ctx context.Context) error {
	if l.sess.State.Terminal() || l.sess.State == StateFinalizing {
		return nil
	}
	l.bootstrapOrigin()
	snap := l.st.Snapshot()
	in := reconcile.Input{
		Segments:      snap,
		Ended:         l.sess.Ended,
		LiveRunning:   l.liveRunning,
		LiveFrontier:  liveFrontier(snap),
		AllowRequests: l.allowRequests(),
	}
	if l.sess.OriginKnown {
		in.Origin, in.Total = l.sess.Origin, l.sess.Total
	}
	_, span := telemetry.StartSpan(ctx, "orchestrator", "reconcile.cycle")
	res := l.rec.Cycle(in)
	span.SetAttributes(attribute.Int("requests", len(res.Requests)), attribute.Float64("missing_seconds", res.MissingDuration().Seconds()))
	span.End()
	telemetry.Inc(telemetry.ReconcileCycles)

	for _, r := range res.Requests {
		cr := capture.Request{ID: r.ID, Range: r.Range, Origin: l.sess.Origin}
		l.requests[r.ID] = cr
		l.backfill.Submit(cr)
		telemetry.Inc(telemetry.BackfillRequests)
	}
	l.sess.Covered, l.sess.Missing = res.Covered.Total(), res.MissingDuration()
	l.sess.Progress = res.Progress()
	if !l.sess.OriginKnown {
		l.sess.Progress = "timeline origin unknown"
	}
	l.sess.Inflight = len(l.requests)
	telemetry.SetProgress(l.sess.Covered, l.sess.Missing)
	telemetry.SetInflight(l.sess.Inflight)
	l.log.Info("reconcile cycle", slog.String("progress", l.sess.Progress), slog.Int("requested", len(res.Requests)),
		slog.Int("inflight", l.sess.Inflight), slog.Bool("ended", l.sess.Ended))
	l.persist(ctx)

	if res.Complete && l.sess.State == StateReconciling {
		return l.finalize(ctx)
	}
	return nil
}

// adoptOrphans commits part files a previous run wrote but never journaled.
func (l *loop) adoptOrphans(ctx context.Context) {
	for _, orphan := range l.st.Orphans() {
		pctx, cancel := context.WithTimeout(ctx, 30*time.Second)
		info, err := l.o.Prober.Probe(pctx, orphan.Path)
		cancel()
		if err == nil && info.End <= info.Start {
			err = fmt.Errorf("empty media range %s", info.Range())
		}
		if err != nil {
			l.log.Warn("discarding orphan part file", slog.String("path", orphan.Path), slog.Any("err", err))
			telemetry.CountDiscarded(string(orphan.Source))
			_ = os.Remove(orphan.Path)
			continue
		}
		seg := timeline.Segment{
			ID:     strings.TrimSuffix(filepath.Base(orphan.Path), filepath.Ext(orphan.Path)),
			Source: orphan.Source,
			Seq:    orphan.Seq,
			Path:   orphan.Path,
			Range:  info.Range(),
			Media:  info.Range(),
		}
		if _, err := l.commit(ctx, seg); err != nil {
			l.log.Warn("adopt orphan part file", slog.String("path", orphan.Path), slog.Any("err", err))
			continue
		}
		l.log.Info("adopted orphan part file", slog.String("segment", seg.ID))
	}
}

// drain waits for every worker to return while still committing the segments
// they flush on the way out.
func (l *loop) drain() {
	done := make(chan error, 1)
	go func() { done <- l.workers.Wait() }()
	for {
		select {
		case ev := <-l.events:
			l.absorb(ev)
		case err := <-done:
			if err != nil && !errors.Is(err, context.Canceled) {
				l.log.Warn("worker stopped with error", slog.Any("err", err))
			}
			for {
				select {
				case ev := <-l.events:
					l.absorb(ev)
				default:
					return
				}
			}
		}
	}
}

func (l *loop) absorb(ev capture.Event) {
	switch ev.Kind {
	case capture.EventSegment:
		if _, err := l.commit(context.Background(), ev.Segment); err != nil {
			l.log.Warn("commit during shutdown", slog.Any("err", err))
		}
	case capture.EventBackfillDone:
		delete(l.requests, ev.Request.ID)
	case capture.EventLiveEnded:
		l.sess.Ended = true
		l.sess.LiveEnd = ev.End
	}
}

func (l *loop) enter(s State) {
	from := l.sess.State
	l.sess.State = s
	l.sess.Transitions = append(l.sess.Transitions, s)
	telemetry.SetSessionState(string(s))
	if from != "" {
		l.log.Info("session state changed", slog.String("from", string(from)), slog.String("to", string(s)))
	}
	l.persist(context.Background())
}

// persist writes the manifest and mirrors the session to the index.
func (l *loop) persist(ctx context.Context) {
	l.o.publish(l.sess)
	if l.st == nil {
		return
	}
	if err := l.st.WriteManifest(l.sess.manifest()); err != nil {
		l.log.Warn("write manifest", slog.Any("err", err))
	}
	if l.o.Index != nil {
		if err := l.o.Index.UpsertSession(context.WithoutCancel(ctx), l.sess.record()); err != nil {
			l.log.Warn("index session", slog.Any("err", err))
		}
	}
}

func (l *loop) fail(err error) (Session, error) {
	l.sess.Reason = err.Error()
	l.log.Error("session failed", slog.Any("err", err), slog.String("class", failure.Classify(err).String()))
	l.enter(StateFailed)
	return l.sess.clone(), err
}
