// Package failure defines the error taxonomy shared by capture workers, the
// segment store, the concat engine and the orchestrator, plus the classifier
// that maps raw downloader/toolchain errors onto it.
package failure

import (
	"context"
	"errors"
	"regexp"
	"strconv"
	"strings"
)

// Class is the recovery category of an error.
type Class int

const (
	// ClassUnknown is returned for nil errors.
	ClassUnknown Class = iota
	// ClassTransient covers network stalls, 5xx, rate limits and liveness
	// timeouts. Retried with backoff by the worker that hit it.
	ClassTransient
	// ClassUpstreamSkip means the downloader jumped over segment numbers.
	// The live worker restarts immediately without backoff.
	ClassUpstreamSkip
	// ClassConfiguration is a missing credential or capability. Fatal.
	ClassConfiguration
	// ClassCorruptState means the on-disk store cannot be trusted. Fatal for
	// resume; recoverable by discarding the broadcast directory.
	ClassCorruptState
	// ClassIncompleteTimeline is a finalize refusal. Not fatal.
	ClassIncompleteTimeline
	// ClassBroadcastUnavailable means no replay exists for the broadcast. Fatal.
	ClassBroadcastUnavailable
)

// String returns a human-readable name for the class.
func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient_network"
	case ClassUpstreamSkip:
		return "upstream_skip"
	case ClassConfiguration:
		return "configuration"
	case ClassCorruptState:
		return "corrupt_state"
	case ClassIncompleteTimeline:
		return "incomplete_timeline"
	case ClassBroadcastUnavailable:
		return "broadcast_unavailable"
	default:
		return "unknown"
	}
}

// Fatal reports whether errors of this class end the session.
func (c Class) Fatal() bool {
	switch c {
	case ClassConfiguration, ClassCorruptState, ClassBroadcastUnavailable:
		return true
	}
	return false
}

// Sentinels, one per class. Wrap them with fmt.Errorf("...: %w", ErrX) or New.
var (
	ErrTransient            = errors.New("transient network error")
	ErrUpstreamSkip         = errors.New("upstream skipped segments")
	ErrConfiguration        = errors.New("configuration error")
	ErrCorruptState         = errors.New("corrupt segment store")
	ErrIncompleteTimeline   = errors.New("incomplete timeline")
	ErrBroadcastUnavailable = errors.New("broadcast unavailable")
)

var sentinels = []struct {
	err   error
	class Class
}{
	{ErrUpstreamSkip, ClassUpstreamSkip},
	{ErrConfiguration, ClassConfiguration},
	{ErrCorruptState, ClassCorruptState},
	{ErrIncompleteTimeline, ClassIncompleteTimeline},
	{ErrBroadcastUnavailable, ClassBroadcastUnavailable},
	{ErrTransient, ClassTransient},
}

// Error attaches a class and the failing operation to an underlying error.
type Error struct {
	Class Class
	Op    string
	Err   error
}

// New wraps err with class and op.
func New(class Class, op string, err error) *Error {
	return &Error{Class: class, Op: op, Err: err}
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Class.String())
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the sentinel of the error's class so errors.Is(err, ErrX) works
// for *Error values built with New.
func (e *Error) Is(target error) bool {
	for _, s := range sentinels {
		if s.err == target {
			return s.class == e.Class
		}
	}
	return false
}

// Classify maps err to a Class. Typed errors and sentinels win; otherwise the
// message is matched against known downloader and HTTP failure texts.
//
// Unknown messages are treated as transient so workers keep retrying rather
// than give up early.
func Classify(err error) Class {
	if err == nil {
		return ClassUnknown
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Class
	}
	for _, s := range sentinels {
		if errors.Is(err, s.err) {
			return s.class
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTransient
	}
	return classifyMessage(strings.ToLower(err.Error()))
}

// IsFatal reports whether err should terminate the session.
func IsFatal(err error) bool { return Classify(err).Fatal() }

// statusRe finds an HTTP status in the phrasings used by streamlink, requests
// and the helix client. Bare numbers are never statuses: segment numbers in
// downloader logs look just like them.
var statusRe = regexp.MustCompile(`(?:http error|status(?: code)?:?|\()\s*([45]\d\d)\b|\b([45]\d\d)\s+(?:client error|server error|unauthorized|forbidden|not found|gone|too many requests)`)

func httpStatus(lower string) (int, bool) {
	m := statusRe.FindStringSubmatch(lower)
	if m == nil {
		return 0, false
	}
	code := m[1]
	if code == "" {
		code = m[2]
	}
	n, err := strconv.Atoi(code)
	return n, err == nil
}

func classifyMessage(lower string) Class {
	if code, ok := httpStatus(lower); ok {
		switch {
		case code == 401 || code == 403:
			return ClassConfiguration
		case code == 404 || code == 410:
			return ClassBroadcastUnavailable
		default:
			return ClassTransient
		}
	}
	// Server errors first: "service unavailable" must not hit the unavailable check below.
	if containsAny(lower, "internal server error", "bad gateway", "service unavailable", "gateway timeout") {
		return ClassTransient
	}
	if containsAny(lower, "missing client id", "missing credentials", "oauth token", "subscriber-only", "only available to subscribers",
		"login required", "authentication required", "unauthorized", "access denied") {
		return ClassConfiguration
	}
	if containsAny(lower, "skipped segment", "segment skip") {
		return ClassUpstreamSkip
	}
	if (strings.Contains(lower, "video") && strings.Contains(lower, "unavailable")) ||
		containsAny(lower, "no replay", "not found", "deleted", "no longer available", "does not exist") {
		return ClassBroadcastUnavailable
	}
	if containsAny(lower, "checksum mismatch", "corrupt") {
		return ClassCorruptState
	}
	// Network, rate limit and partial transfer texts are transient, as is anything unmatched.
	return ClassTransient
}

func containsAny(s string, patterns ...string) bool {
	for _, p := range patterns {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}
