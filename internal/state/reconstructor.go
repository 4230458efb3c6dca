// Package state implements C4: time-travel reconstruction of SystemState
// from the nearest snapshot plus forward event replay, diffing, critical
// path computation, and origin search. Grounded on spec.md §4.4's
// five-step algorithm; the replay loop itself is new (no prior
// analog existed), built in a synchronous, no-suspension style for
// CPU-bound state transitions (Design Note in spec.md §5: "State
// transitions in the reconstructor are CPU-only and must not suspend").
package state

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/agentrace/engine/internal/snapshot"
	"github.com/agentrace/engine/internal/storage"
	"github.com/agentrace/engine/internal/trace"
)

// Reconstructor is the state component (C4).
type Reconstructor struct {
	storage   *storage.Engine
	snapshots *snapshot.Store
	log       zerolog.Logger
}

// New builds a Reconstructor over the given storage and snapshot stores.
func New(storageEngine *storage.Engine, snapshots *snapshot.Store, log zerolog.Logger) *Reconstructor {
	return &Reconstructor{
		storage:   storageEngine,
		snapshots: snapshots,
		log:       log.With().Str("component", "state").Logger(),
	}
}

// StateAt reconstructs the SystemState for session as of timestamp t,
// following spec.md §4.4's algorithm exactly: locate the nearest
// snapshot, materialize it, then replay events in (timestamp, id)
// ascending order applying deterministic transitions.
func (r *Reconstructor) StateAt(session string, t int64) (*trace.SystemState, error) {
	base, fromTS, err := r.baseState(session, t)
	if err != nil {
		return nil, err
	}

	result := base.Clone()
	cursor := trace.SequenceCursor{Timestamp: fromTS}

	err = r.storage.StreamEvents(session, fromTS, t, func(ev *trace.Event) error {
		cursor = trace.SequenceCursor{Timestamp: ev.Timestamp, ID: ev.ID}
		applyTransition(result, ev)
		return nil
	})
	if err != nil {
		return nil, &trace.ReconstructionError{Cursor: cursor, Err: fmt.Errorf("%w: %v", trace.ErrReconstruction, err)}
	}

	result.Timestamp = t
	return result, nil
}

// baseState resolves the starting point for replay: the nearest snapshot
// at or before t, or an empty state at the session's start if none
// exists.
func (r *Reconstructor) baseState(session string, t int64) (*trace.SystemState, int64, error) {
	rec, err := r.snapshots.Nearest(session, t)
	if err != nil {
		return nil, 0, &trace.ReconstructionError{
			Cursor: trace.SequenceCursor{},
			Err:    fmt.Errorf("%w: nearest snapshot lookup: %v", trace.ErrReconstruction, err),
		}
	}
	if rec == nil {
		sess, err := r.storage.GetSession(session)
		if err != nil {
			return nil, 0, &trace.ReconstructionError{
				Cursor: trace.SequenceCursor{},
				Err:    fmt.Errorf("%w: session lookup: %v", trace.ErrReconstruction, err),
			}
		}
		return trace.NewSystemState(session, sess.StartTime), sess.StartTime, nil
	}
	return rec.State, rec.Timestamp, nil
}

// ApplyEvent applies ev's deterministic state transition to s in place,
// letting long-lived callers (the streaming fan-out's live state tracker)
// fold events one at a time instead of calling StateAt on every frame.
func ApplyEvent(s *trace.SystemState, ev *trace.Event) {
	applyTransition(s, ev)
}

// applyTransition implements the deterministic state transition table of
// spec.md §4.4 step 4. Unknown event types fall through untouched — they
// are retained in the event stream but never mutate state.
func applyTransition(s *trace.SystemState, ev *trace.Event) {
	switch ev.Type {
	case trace.EventAgentMethod:
		if ev.Phase == trace.PhaseStart {
			agent := s.EnsureAgent(ev.AgentID)
			agent.Status = trace.AgentBusy
			if task, ok := ev.Data.Field("task"); ok {
				agent.CurrentTask = task.Str()
			}
		}

	case trace.EventTaskStart:
		taskID := taskIDOf(ev)
		if taskID == "" {
			return
		}
		s.EnsureAgent(ev.AgentID)
		s.Tasks[taskID] = &trace.TaskState{
			TaskID:    taskID,
			AgentID:   ev.AgentID,
			Type:      string(ev.Type),
			Status:    trace.TaskRunning,
			Progress:  0,
			StartedAt: ev.Timestamp,
		}

	case trace.EventTaskComplete:
		taskID := taskIDOf(ev)
		task, ok := s.Tasks[taskID]
		if !ok {
			return
		}
		task.Status = trace.TaskCompleted
		completedAt := ev.Timestamp
		task.CompletedAt = &completedAt
		if agent, ok := s.Agents[task.AgentID]; ok && agent.CurrentTask == taskID {
			agent.Status = trace.AgentIdle
			agent.CurrentTask = ""
		}

	case trace.EventTaskFail, trace.EventError:
		taskID := taskIDOf(ev)
		if task, ok := s.Tasks[taskID]; ok {
			task.Status = trace.TaskFailed
		}
		message := ""
		if msg, ok := ev.Data.Field("message"); ok {
			message = msg.Str()
		}
		s.Errors = append(s.Errors, trace.ReplayError{
			AgentID:   ev.AgentID,
			Timestamp: ev.Timestamp,
			Message:   message,
			EventID:   ev.ID,
		})

	case trace.EventCommunication:
		content := ev.Data
		from := ev.AgentID
		to := ""
		if toVal, ok := ev.Data.Field("to"); ok {
			to = toVal.Str()
		}
		s.Communications = append(s.Communications, trace.Communication{
			CorrelationID: ev.CorrelationID,
			FromAgent:     from,
			ToAgent:       to,
			Content:       content,
			Timestamp:     ev.Timestamp,
		})

	case trace.EventDataProcessing:
		// No state transition; retained in the event stream only.

	default:
		// Unknown type: no transition, per spec.md §4.4 step 4's closing
		// clause.
	}
}

func taskIDOf(ev *trace.Event) string {
	if task, ok := ev.Data.Field("task_id"); ok {
		return task.Str()
	}
	if task, ok := ev.Data.Field("taskId"); ok {
		return task.Str()
	}
	return ev.CorrelationID
}
