package capture

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/onnwee/vod-stitch/media"
	"github.com/onnwee/vod-stitch/timeline"
)

// script describes one fake downloader run.
type script struct {
	stdout []byte
	lines  []string
	// hold keeps the process running after its output until Terminate.
	hold bool
	err  error
}

type fakeProcess struct {
	outR, errR *io.PipeReader
	outW, errW *io.PipeWriter
	err        error

	termOnce   sync.Once
	terminated chan struct{}
	wrote      chan struct{}
}

func (s script) start() *fakeProcess {
	p := &fakeProcess{err: s.err, terminated: make(chan struct{}), wrote: make(chan struct{})}
	p.outR, p.outW = io.Pipe()
	p.errR, p.errW = io.Pipe()
	go func() {
		if len(s.stdout) > 0 {
			_, _ = p.outW.Write(s.stdout)
		}
		close(p.wrote)
		for _, l := range s.lines {
			if _, err := fmt.Fprintln(p.errW, l); err != nil {
				break
			}
		}
		if s.hold {
			<-p.terminated
		}
		_ = p.outW.Close()
		_ = p.errW.Close()
	}()
	return p
}

func (p *fakeProcess) Stdout() io.Reader { return p.outR }
func (p *fakeProcess) Stderr() io.Reader { return p.errR }
func (p *fakeProcess) Wait() error       { return p.err }
func (p *fakeProcess) Terminate(time.Duration) {
	p.termOnce.Do(func() { close(p.terminated) })
}

// fakeLauncher plays scripts in order and records the arguments it saw.
type fakeLauncher struct {
	mu      sync.Mutex
	scripts []script
	err     error
	calls   [][]string
	started chan *fakeProcess
}

func (l *fakeLauncher) Launch(_ context.Context, name string, args []string) (Process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, append([]string{name}, args...))
	if l.err != nil {
		return nil, l.err
	}
	if len(l.scripts) == 0 {
		return nil, fmt.Errorf("no more scripts")
	}
	s := l.scripts[0]
	l.scripts = l.scripts[1:]
	p := s.start()
	if l.started != nil {
		l.started <- p
	}
	return p, nil
}

func (l *fakeLauncher) Calls() [][]string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls
}

// dirAlloc numbers files per source inside a directory.
type dirAlloc struct {
	dir  string
	mu   sync.Mutex
	seqs map[timeline.Source]int
}

func newDirAlloc(dir string) *dirAlloc {
	return &dirAlloc{dir: dir, seqs: map[timeline.Source]int{}}
}

func (a *dirAlloc) Allocate(source timeline.Source) (string, int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	seq := a.seqs[source]
	a.seqs[source]++
	return filepath.Join(a.dir, fmt.Sprintf("%s.%05d.ts", source, seq)), seq
}

// seqProber maps part number n to [n*span, (n+1)*span) plus offset.
type seqProber struct {
	span   time.Duration
	offset time.Duration
	fail   map[int]bool
}

func (p seqProber) Probe(_ context.Context, path string) (media.Info, error) {
	name := strings.TrimSuffix(filepath.Base(path), ".ts")
	n, err := strconv.Atoi(name[strings.LastIndex(name, ".")+1:])
	if err != nil {
		return media.Info{}, err
	}
	if p.fail[n] {
		return media.Info{}, fmt.Errorf("invalid data found when processing input")
	}
	start := p.offset + time.Duration(n)*p.span
	return media.Info{Start: start, End: start + p.span, Format: "mpegts"}, nil
}

func noSleep(delays *[]time.Duration) func(context.Context, time.Duration) bool {
	var mu sync.Mutex
	return func(ctx context.Context, d time.Duration) bool {
		mu.Lock()
		*delays = append(*delays, d)
		mu.Unlock()
		return ctx.Err() == nil
	}
}

func collect(events <-chan Event) []Event {
	var out []Event
	for {
		select {
		case ev := <-events:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func ofKind(events []Event, k EventKind) []Event {
	var out []Event
	for _, ev := range events {
		if ev.Kind == k {
			out = append(out, ev)
		}
	}
	return out
}
