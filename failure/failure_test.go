package failure

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestClassString(t *testing.T) {
	tests := []struct {
		class Class
		want  string
	}{
		{ClassTransient, "transient_network"},
		{ClassUpstreamSkip, "upstream_skip"},
		{ClassConfiguration, "configuration"},
		{ClassCorruptState, "corrupt_state"},
		{ClassIncompleteTimeline, "incomplete_timeline"},
		{ClassBroadcastUnavailable, "broadcast_unavailable"},
		{ClassUnknown, "unknown"},
		{Class(999), "unknown"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.class.String(); got != tt.want {
				t.Errorf("Class.String() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestClassify_Typed(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Class
	}{
		{"nil", nil, ClassUnknown},
		{"wrapped sentinel", fmt.Errorf("load: %w", ErrCorruptState), ClassCorruptState},
		{"typed", New(ClassIncompleteTimeline, "finalize", errors.New("gap at 60s")), ClassIncompleteTimeline},
		{"typed wrapped", fmt.Errorf("discover: %w", New(ClassBroadcastUnavailable, "resolve", nil)), ClassBroadcastUnavailable},
		{"deadline", fmt.Errorf("probe: %w", context.DeadlineExceeded), ClassTransient},
		{"skip sentinel", ErrUpstreamSkip, ClassUpstreamSkip},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestClassify_Messages(t *testing.T) {
	tests := []struct {
		name string
		msg  string
		want Class
	}{
		{"503", "HTTP Error 503: Service Unavailable", ClassTransient},
		{"connection reset", "read tcp: connection reset by peer", ClassTransient},
		{"429", "HTTP Error 429: Too Many Requests", ClassTransient},
		{"subscriber-only", "This video is subscriber-only", ClassConfiguration},
		{"401", "helix: 401 Unauthorized", ClassConfiguration},
		{"404", "HTTP Error 404: Not Found", ClassBroadcastUnavailable},
		{"video unavailable", "This video is unavailable", ClassBroadcastUnavailable},
		{"checksum", "journal line 4: checksum mismatch", ClassCorruptState},
		{"unknown text", "something odd happened", ClassTransient},
		{"helix status", "helix videos: status 404: gone", ClassBroadcastUnavailable},
		{"segment number", "Adding segment 1403 to queue | Failed to fetch segment 1404: Read timed out", ClassTransient},
		{"segment number 401", "segment 401 complete", ClassTransient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(errors.New(tt.msg)); got != tt.want {
				t.Errorf("Classify(%q) = %v, want %v", tt.msg, got, tt.want)
			}
		})
	}
}

func TestErrorIsSentinel(t *testing.T) {
	err := New(ClassConfiguration, "discover", errors.New("no token"))
	if !errors.Is(err, ErrConfiguration) {
		t.Errorf("errors.Is(%v, ErrConfiguration) = false, want true", err)
	}
	if errors.Is(err, ErrCorruptState) {
		t.Errorf("errors.Is(%v, ErrCorruptState) = true, want false", err)
	}
	if got, want := err.Error(), "discover: configuration: no token"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestIsFatal(t *testing.T) {
	fatal := []error{ErrConfiguration, ErrCorruptState, ErrBroadcastUnavailable}
	for _, err := range fatal {
		if !IsFatal(err) {
			t.Errorf("IsFatal(%v) = false, want true", err)
		}
	}
	nonFatal := []error{ErrTransient, ErrUpstreamSkip, ErrIncompleteTimeline, nil}
	for _, err := range nonFatal {
		if IsFatal(err) {
			t.Errorf("IsFatal(%v) = true, want false", err)
		}
	}
}
