package state

import (
	"fmt"

	"github.com/agentrace/engine/internal/trace"
)

// Predicate tests a reconstructed SystemState.
type Predicate func(*trace.SystemState) bool

// FindOrigin returns the smallest timestamp t in [session.start_time,
// session.end_time] (or up to now while the session is open) such that
// predicate(StateAt(session, t)) is true, per spec.md §4.4. It binary
// searches over that time range, calling StateAt at each midpoint, then
// does a linear scan of events within the bracketing region to pinpoint
// the exact flip from false to true.
func (r *Reconstructor) FindOrigin(session string, predicate Predicate) (int64, bool, error) {
	sess, err := r.storage.GetSession(session)
	if err != nil {
		return 0, false, fmt.Errorf("state: find origin session lookup: %w", err)
	}

	lo := sess.StartTime
	hi := trace.Now()
	if sess.EndTime != nil {
		hi = *sess.EndTime
	}

	hiState, err := r.StateAt(session, hi)
	if err != nil {
		return 0, false, err
	}
	if !predicate(hiState) {
		return 0, false, nil
	}

	loState, err := r.StateAt(session, lo)
	if err != nil {
		return 0, false, err
	}
	if predicate(loState) {
		return lo, true, nil
	}

	// Binary search for the coarse bracket where the predicate flips.
	for hi-lo > 1 {
		mid := lo + (hi-lo)/2
		midState, err := r.StateAt(session, mid)
		if err != nil {
			return 0, false, err
		}
		if predicate(midState) {
			hi = mid
		} else {
			lo = mid
		}
	}

	// Linear scan within the bracket to find the exact flipping event, in
	// case two events share a coarse millisecond bucket.
	var origin int64 = hi
	found := true

	err = r.storage.StreamEvents(session, lo, hi, func(ev *trace.Event) error {
		st, stErr := r.StateAt(session, ev.Timestamp)
		if stErr != nil {
			return stErr
		}
		if predicate(st) {
			origin = ev.Timestamp
			return errStopScan
		}
		return nil
	})
	if err != nil && err != errStopScan {
		return 0, false, fmt.Errorf("state: find origin scan: %w", err)
	}

	return origin, found, nil
}

var errStopScan = fmt.Errorf("state: origin found, stopping scan")
