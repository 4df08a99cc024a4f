package capture

import (
	"math/rand/v2"
	"time"
)

// State is the lifecycle of one supervised downloader.
type State int

const (
	StateStarting State = iota
	StateRunning
	StateFailed
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateFailed:
		return "failed"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// ExitReason says why a downloader run ended.
type ExitReason int

const (
	// ExitEnded is a clean end of stream.
	ExitEnded ExitReason = iota
	// ExitOffline means the downloader found nothing to play.
	ExitOffline
	// ExitSkip means the downloader's own segment numbers had a hole.
	ExitSkip
	// ExitTransient covers crashes, writer errors and non-zero exits.
	ExitTransient
	// ExitLiveness means no output arrived within the liveness timeout.
	ExitLiveness
	// ExitCanceled means the supervisor was told to stop.
	ExitCanceled
)

func (r ExitReason) String() string {
	switch r {
	case ExitEnded:
		return "ended"
	case ExitOffline:
		return "offline"
	case ExitSkip:
		return "skip"
	case ExitTransient:
		return "transient"
	case ExitLiveness:
		return "liveness"
	case ExitCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Policy is exponential backoff with jitter. MaxAttempts of zero retries forever.
type Policy struct {
	Base        time.Duration
	Max         time.Duration
	MaxAttempts int
	// Jitter returns a value in [0, n). Defaults to math/rand.
	Jitter func(n int64) int64
}

// Delay is the wait before retry number attempt (0-based): Base*2^attempt
// capped at Max, plus up to Base of jitter.
func (p Policy) Delay(attempt int) time.Duration {
	base := p.Base
	if base <= 0 {
		base = time.Second
	}
	d := base
	for i := 0; i < attempt && (p.Max <= 0 || d < p.Max); i++ {
		d *= 2
	}
	if p.Max > 0 && d > p.Max {
		d = p.Max
	}
	jitter := p.Jitter
	if jitter == nil {
		jitter = rand.Int64N
	}
	return d + time.Duration(jitter(int64(base)))
}

// Decision is what to do after a run ended.
type Decision struct {
	Restart bool
	Delay   time.Duration
	// GaveUp is set when MaxAttempts ran out.
	GaveUp bool
}

// Supervisor decides restarts for one downloader. It holds no process and
// no goroutine, so it is driven directly by tests.
//
//	Starting --Started--> Running --Exited--> Failed --Restarting--> Starting
//	                             \--Exited(ended|offline|canceled)--> Stopped
type Supervisor struct {
	Policy Policy

	state    State
	attempts int
	restarts int
}

// State returns the current state.
func (s *Supervisor) State() State { return s.state }

// Restarts counts restarts so far.
func (s *Supervisor) Restarts() int { return s.restarts }

// Started marks the process as running.
func (s *Supervisor) Started() { s.state = StateRunning }

// Progress resets the backoff once the process has produced usable output.
func (s *Supervisor) Progress() { s.attempts = 0 }

// Exited records the end of a run and returns the restart decision.
func (s *Supervisor) Exited(reason ExitReason) Decision {
	switch reason {
	case ExitEnded, ExitOffline, ExitCanceled:
		s.state = StateStopped
		return Decision{}
	case ExitSkip:
		// Restarting is the only way to route around a skip; waiting gains nothing.
		s.state = StateFailed
		s.attempts = 0
		s.restarts++
		return Decision{Restart: true}
	}
	s.state = StateFailed
	if s.Policy.MaxAttempts > 0 && s.attempts >= s.Policy.MaxAttempts {
		s.state = StateStopped
		return Decision{GaveUp: true}
	}
	d := s.Policy.Delay(s.attempts)
	s.attempts++
	s.restarts++
	return Decision{Restart: true, Delay: d}
}

// Restarting moves a failed supervisor back to Starting.
func (s *Supervisor) Restarting() { s.state = StateStarting }
