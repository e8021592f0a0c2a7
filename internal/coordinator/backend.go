// Package coordinator spawns the workers selected for a stage attempt,
// polls them without blocking the caller, resolves each worker's canonical
// identity from the durable registry, and detects when the full cohort has
// reached a terminal state.
package coordinator

import (
	"context"

	"github.com/fyrsmithlabs/specpipe/internal/policy"
	"github.com/fyrsmithlabs/specpipe/internal/router"
)

// Status is the lifecycle state of one execution. An execution transitions
// from Running to exactly one terminal status.
type Status string

const (
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusTimedOut  Status = "timed_out"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s != StatusRunning
}

// Handle is an opaque backend-assigned identifier for a running worker.
// Never used as identity; identity comes from the registry keyed by
// execution ID.
type Handle string

// Result is a worker's raw terminal payload. The coordinator does not
// interpret Output beyond handing it to the gate; Confidence and Signals
// are the only structured fields extracted.
type Result struct {
	Output string

	// Confidence is the worker's optional self-reported confidence.
	// Nil when the worker reported none; the gate treats that as 0.
	Confidence *float64

	// Signals are well-known structured observations extracted from
	// sidecar output.
	Signals []policy.Signal
}

// Backend abstracts a worker execution substrate (process spawner, agent
// manager, API client). Implemented per backend kind; the coordinator only
// deals with this interface.
type Backend interface {
	// Spawn starts a worker for the given spec and returns a handle for
	// polling. Must not block past worker startup.
	Spawn(ctx context.Context, spec router.WorkerSpec, prompt string) (Handle, error)

	// Poll reports current status. The result is non-nil only once the
	// status is terminal.
	Poll(ctx context.Context, h Handle) (Status, *Result, error)

	// Cancel stops a running worker. Cancelling an already-terminal worker
	// is a no-op.
	Cancel(ctx context.Context, h Handle) error
}
