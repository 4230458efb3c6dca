// Package trace defines the shared data model for the observability
// engine: trace events, sessions, system state, and the typed value tree
// used to hold event payloads without reflection.
package trace

import "errors"

// Sentinel errors forming the taxonomy of spec.md §7. Components wrap these
// with fmt.Errorf("...: %w", Err...) so callers can errors.Is against them.
var (
	// ErrInvalidEvent is returned synchronously by the ingest path when an
	// event fails validation before it is ever enqueued or published.
	ErrInvalidEvent = errors.New("trace: invalid event")

	// ErrDecodeError indicates a stored blob could not be decoded back into
	// its payload. The read that reaches such a row fails with this error;
	// the row itself is left in place and is not quarantined.
	ErrDecodeError = errors.New("trace: decode error")

	// ErrStorageBusy is a transient condition; callers may retry with
	// backoff.
	ErrStorageBusy = errors.New("trace: storage busy")

	// ErrBatchDropped is raised after a batch exhausts its retry budget.
	ErrBatchDropped = errors.New("trace: batch dropped")

	// ErrReconstruction wraps a failed state_at call; it always carries a
	// partial-progress cursor via ReconstructionError.
	ErrReconstruction = errors.New("trace: reconstruction failed")

	// ErrBreakpointEval indicates a breakpoint condition failed to
	// evaluate; the hit is skipped and the breakpoint stays enabled.
	ErrBreakpointEval = errors.New("trace: breakpoint evaluation failed")

	// ErrRateLimitExceeded is surfaced to a streaming client as an error
	// frame before the connection is throttled or closed.
	ErrRateLimitExceeded = errors.New("trace: rate limit exceeded")

	// ErrBackpressure marks a drop or stall applied by the outbound queue
	// policy.
	ErrBackpressure = errors.New("trace: backpressure")

	// ErrAuthFailure causes the streaming session to close immediately.
	ErrAuthFailure = errors.New("trace: authentication failed")

	// ErrTimeout marks a deadline exceeded on a client-facing call.
	ErrTimeout = errors.New("trace: operation timed out")

	// ErrNotFound is a general not-found condition for lookups (session,
	// snapshot, breakpoint, task) that isn't part of the formal taxonomy
	// but is needed by nearly every read path.
	ErrNotFound = errors.New("trace: not found")

	// ErrCycleDetected is produced when a causal edge would close a cycle
	// in the relationship graph; the critical-path walk excludes the
	// offending edge. Edges are still stored as received.
	ErrCycleDetected = errors.New("trace: cycle detected in causal graph")
)

// ReconstructionError wraps ErrReconstruction with the cursor a caller can
// resume from.
type ReconstructionError struct {
	Cursor SequenceCursor
	Err    error
}

func (e *ReconstructionError) Error() string {
	return "trace: reconstruction failed at " + e.Cursor.String() + ": " + e.Err.Error()
}

func (e *ReconstructionError) Unwrap() error { return e.Err }

// SequenceCursor identifies a point in the (timestamp, id) replay order, the
// sole mechanism for reproducible tie-breaking per spec.md §4.4.
type SequenceCursor struct {
	Timestamp int64
	ID        string
}

func (c SequenceCursor) String() string {
	if c.ID == "" {
		return "<start>"
	}
	return c.ID
}
