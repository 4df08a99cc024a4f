package capture

import (
	"testing"
	"time"
)

func noJitter(int64) int64 { return 0 }

func TestPolicyDelay(t *testing.T) {
	p := Policy{Base: time.Second, Max: 10 * time.Second, Jitter: noJitter}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 10 * time.Second, 10 * time.Second}
	for i, w := range want {
		if got := p.Delay(i); got != w {
			t.Errorf("Delay(%d) = %v, want %v", i, got, w)
		}
	}
}

func TestPolicyDelayJitterBounded(t *testing.T) {
	p := Policy{Base: 100 * time.Millisecond, Max: time.Second}
	for i := 0; i < 50; i++ {
		d := p.Delay(2)
		if d < 400*time.Millisecond || d >= 500*time.Millisecond {
			t.Fatalf("Delay(2) = %v, want in [400ms, 500ms)", d)
		}
	}
}

func TestSupervisorTransitions(t *testing.T) {
	s := &Supervisor{Policy: Policy{Base: time.Second, Max: time.Minute, Jitter: noJitter}}
	if s.State() != StateStarting {
		t.Fatalf("initial state = %v, want starting", s.State())
	}
	s.Started()
	if s.State() != StateRunning {
		t.Fatalf("state = %v, want running", s.State())
	}

	d := s.Exited(ExitTransient)
	if !d.Restart || d.Delay != time.Second || s.State() != StateFailed {
		t.Errorf("transient: %+v state %v", d, s.State())
	}
	s.Restarting()
	s.Started()
	d = s.Exited(ExitLiveness)
	if !d.Restart || d.Delay != 2*time.Second {
		t.Errorf("liveness: %+v, want restart after 2s", d)
	}

	s.Restarting()
	s.Started()
	d = s.Exited(ExitSkip)
	if !d.Restart || d.Delay != 0 {
		t.Errorf("skip: %+v, want immediate restart", d)
	}
	// A skip resets the backoff.
	s.Restarting()
	s.Started()
	if d = s.Exited(ExitTransient); d.Delay != time.Second {
		t.Errorf("transient after skip: delay %v, want 1s", d.Delay)
	}

	s.Restarting()
	s.Started()
	d = s.Exited(ExitEnded)
	if d.Restart || s.State() != StateStopped {
		t.Errorf("ended: %+v state %v", d, s.State())
	}
	if s.Restarts() != 4 {
		t.Errorf("Restarts() = %d, want 4", s.Restarts())
	}
}

func TestSupervisorProgressResetsBackoff(t *testing.T) {
	s := &Supervisor{Policy: Policy{Base: time.Second, Max: time.Minute, Jitter: noJitter}}
	s.Exited(ExitTransient)
	s.Exited(ExitTransient)
	s.Progress()
	if d := s.Exited(ExitTransient); d.Delay != time.Second {
		t.Errorf("delay after progress = %v, want 1s", d.Delay)
	}
}

func TestSupervisorGivesUp(t *testing.T) {
	s := &Supervisor{Policy: Policy{Base: time.Second, MaxAttempts: 2, Jitter: noJitter}}
	for i := 0; i < 2; i++ {
		if d := s.Exited(ExitTransient); !d.Restart {
			t.Fatalf("attempt %d: %+v, want restart", i, d)
		}
	}
	d := s.Exited(ExitTransient)
	if d.Restart || !d.GaveUp || s.State() != StateStopped {
		t.Errorf("after max attempts: %+v state %v", d, s.State())
	}
}
