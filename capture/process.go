package capture

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"
)

// Process is a running external downloader as seen by a worker: two output
// streams, a way to stop it, and its exit status.
type Process interface {
	Stdout() io.Reader
	Stderr() io.Reader
	// Wait returns the exit status. Call it once, after both streams hit EOF.
	Wait() error
	// Terminate asks the process (group) to stop, escalating after grace.
	Terminate(grace time.Duration)
}

// Launcher starts external processes. Tests substitute a fake.
type Launcher interface {
	Launch(ctx context.Context, name string, args []string) (Process, error)
}

// ExecLauncher starts real processes in their own process group so a stop
// also reaches ffmpeg children spawned by streamlink.
type ExecLauncher struct{}

// Launch starts name with args. Canceling ctx does not kill the process;
// workers stop it with Terminate so the current file can be flushed.
func (ExecLauncher) Launch(_ context.Context, name string, args []string) (Process, error) {
	cmd := exec.Command(name, args...)
	setProcessGroup(cmd)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", name, err)
	}
	return &execProcess{cmd: cmd, stdout: stdout, stderr: stderr, exited: make(chan struct{})}, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	stdout io.Reader
	stderr io.Reader

	exited   chan struct{}
	termOnce sync.Once
}

func (p *execProcess) Stdout() io.Reader { return p.stdout }
func (p *execProcess) Stderr() io.Reader { return p.stderr }

func (p *execProcess) Wait() error {
	err := p.cmd.Wait()
	close(p.exited)
	return err
}

// Terminate sends SIGTERM to the group, then SIGKILL if it is still running
// after grace. It returns without waiting for the exit.
func (p *execProcess) Terminate(grace time.Duration) {
	p.termOnce.Do(func() {
		signalGroup(p.cmd, false)
		go func() {
			select {
			case <-p.exited:
			case <-time.After(grace):
				signalGroup(p.cmd, true)
			}
		}()
	})
}
