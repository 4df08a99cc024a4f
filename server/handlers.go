// Package server exposes the HTTP API handlers.
package server

import (
	"context"

	"github.com/onnwee/vod-stitch/orchestrator"
)

// StatusProvider reports the current capture session.
type StatusProvider interface {
	Status() orchestrator.Session
}

// Check is one readiness probe.
type Check struct {
	Name string
	Fn   func(ctx context.Context) error
}

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	status StatusProvider
	checks []Check
}

// NewHandlers creates a new Handlers instance with the given dependencies.
func NewHandlers(status StatusProvider, checks ...Check) *Handlers {
	return &Handlers{status: status, checks: checks}
}
