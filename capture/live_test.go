package capture

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"slices"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/onnwee/vod-stitch/failure"
)

func newLiveWorker(t *testing.T, l *fakeLauncher, live bool, events chan Event, delays *[]time.Duration) *LiveWorker {
	t.Helper()
	return &LiveWorker{
		Launcher: l,
		Prober:   seqProber{span: 30 * time.Second},
		Checker:  LiveCheckerFunc(func(context.Context) (bool, error) { return live, nil }),
		Options:  StreamlinkOptions{URL: ChannelURL("somechannel"), Quality: "best"},
		Files:    newDirAlloc(t.TempDir()),
		Policy:   Policy{Base: time.Second, Max: time.Minute, Jitter: func(int64) int64 { return 0 }},
		Liveness: time.Minute,
		Events:   events,
		sleep:    noSleep(delays),
	}
}

func TestLiveWorkerSkipRestartsImmediately(t *testing.T) {
	defer goleak.VerifyNone(t)

	l := &fakeLauncher{scripts: []script{
		{stdout: make([]byte, 188*10), lines: []string{
			"[stream.hls][debug] Adding segment 1 to queue",
			"[stream.hls][debug] Segment 1 complete",
			"[stream.hls][debug] Segment 2 complete",
			"[stream.hls][debug] Segment 4 complete",
		}, hold: true},
		{stdout: make([]byte, 188*10), lines: []string{"[stream.hls][debug] Segment 9 complete"}},
	}}
	events := make(chan Event, 32)
	var delays []time.Duration
	w := newLiveWorker(t, l, false, events, &delays)

	if err := w.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	got := collect(events)

	restarts := ofKind(got, EventLiveRestart)
	if len(restarts) != 1 || restarts[0].Reason != "skip" {
		t.Errorf("restarts = %+v, want one skip", restarts)
	}
	if !slices.Equal(delays, []time.Duration{0}) {
		t.Errorf("delays = %v, want [0]", delays)
	}
	var ids []string
	for _, ev := range ofKind(got, EventSegment) {
		ids = append(ids, ev.Segment.ID)
	}
	slices.Sort(ids)
	if !slices.Equal(ids, []string{"live.00000", "live.00001"}) {
		t.Errorf("segments = %v, want live.00000 and live.00001", ids)
	}
	last := got[len(got)-1]
	if last.Kind != EventLiveEnded || last.End != 60*time.Second {
		t.Errorf("last event = %+v, want live_ended at 60s", last)
	}
	if n := len(l.Calls()); n != 2 {
		t.Errorf("launches = %d, want 2", n)
	}
}

func TestLiveWorkerTransientBacksOff(t *testing.T) {
	defer goleak.VerifyNone(t)

	l := &fakeLauncher{scripts: []script{
		{err: errors.New("exit status 1")},
		{err: errors.New("exit status 1")},
		{stdout: make([]byte, 188)},
	}}
	events := make(chan Event, 32)
	var delays []time.Duration
	w := newLiveWorker(t, l, false, events, &delays)

	if err := w.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if want := []time.Duration{time.Second, 2 * time.Second}; !slices.Equal(delays, want) {
		t.Errorf("delays = %v, want %v", delays, want)
	}
	if n := len(ofKind(collect(events), EventLiveEnded)); n != 1 {
		t.Errorf("live_ended events = %d, want 1", n)
	}
}

func TestLiveWorkerOfflineButStillLiveRetries(t *testing.T) {
	defer goleak.VerifyNone(t)

	l := &fakeLauncher{scripts: []script{
		{lines: []string{"error: No playable streams found on this URL"}},
	}}
	events := make(chan Event, 32)
	var delays []time.Duration
	w := newLiveWorker(t, l, true, events, &delays)
	ctx, cancel := context.WithCancel(context.Background())
	w.sleep = func(context.Context, time.Duration) bool {
		cancel()
		return false
	}

	if err := w.Run(ctx); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	got := collect(events)
	if len(ofKind(got, EventLiveEnded)) != 0 {
		t.Errorf("live_ended sent while the platform reports live")
	}
	if r := ofKind(got, EventLiveRestart); len(r) != 1 || r[0].Reason != "transient" {
		t.Errorf("restarts = %+v, want one transient", r)
	}
}

func TestLiveWorkerLivenessTimeout(t *testing.T) {
	defer goleak.VerifyNone(t)

	l := &fakeLauncher{scripts: []script{
		{hold: true},
		{stdout: make([]byte, 188)},
	}}
	events := make(chan Event, 32)
	var delays []time.Duration
	w := newLiveWorker(t, l, false, events, &delays)
	w.Liveness = 20 * time.Millisecond

	if err := w.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if r := ofKind(collect(events), EventLiveRestart); len(r) != 1 || r[0].Reason != "liveness" {
		t.Errorf("restarts = %+v, want one liveness", r)
	}
}

func TestLiveWorkerCancelFlushesFinalFile(t *testing.T) {
	defer goleak.VerifyNone(t)

	l := &fakeLauncher{scripts: []script{{stdout: make([]byte, 188*4), hold: true}}, started: make(chan *fakeProcess, 1)}
	events := make(chan Event, 32)
	var delays []time.Duration
	w := newLiveWorker(t, l, true, events, &delays)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	p := <-l.started
	<-p.wrote
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	segs := ofKind(collect(events), EventSegment)
	if len(segs) != 1 || segs[0].Segment.ID != "live.00000" {
		t.Fatalf("segments = %+v, want live.00000", segs)
	}
	if _, err := os.Stat(segs[0].Segment.Path); err != nil {
		t.Errorf("final part file missing: %v", err)
	}
}

func TestLiveWorkerMissingBinary(t *testing.T) {
	l := &fakeLauncher{err: &exec.Error{Name: "streamlink", Err: exec.ErrNotFound}}
	events := make(chan Event, 4)
	var delays []time.Duration
	w := newLiveWorker(t, l, true, events, &delays)

	err := w.Run(context.Background())
	if failure.Classify(err) != failure.ClassConfiguration {
		t.Fatalf("Run() error = %v, want configuration", err)
	}
	if f := ofKind(collect(events), EventFatal); len(f) != 1 {
		t.Errorf("fatal events = %d, want 1", len(f))
	}
}

func TestLiveWorkerDropsUnprobeableFile(t *testing.T) {
	l := &fakeLauncher{scripts: []script{{stdout: make([]byte, 188)}}}
	events := make(chan Event, 8)
	var delays []time.Duration
	w := newLiveWorker(t, l, false, events, &delays)
	w.Prober = seqProber{span: 30 * time.Second, fail: map[int]bool{0: true}}

	if err := w.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	got := collect(events)
	if n := len(ofKind(got, EventSegment)); n != 0 {
		t.Errorf("segments = %d, want 0", n)
	}
	if ended := ofKind(got, EventLiveEnded); len(ended) != 1 || ended[0].End != 0 {
		t.Errorf("live_ended = %+v, want End 0", ended)
	}
}
