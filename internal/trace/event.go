package trace

import "time"

// EventType is an open string enum: the known members below get direct
// handling in the state transition table (§4.4); any other string is kept
// as-is and retained in the event stream without mutating state.
type EventType string

const (
	EventTaskStart       EventType = "task_start"
	EventTaskComplete    EventType = "task_complete"
	EventTaskFail        EventType = "task_fail"
	EventCommunication   EventType = "communication"
	EventAgentMethod     EventType = "agent_method"
	EventError           EventType = "error"
	EventDataProcessing  EventType = "data_processing"
)

// Phase narrows an event to a point in its lifecycle.
type Phase string

const (
	PhaseStart    Phase = "start"
	PhaseEnd      Phase = "end"
	PhaseProgress Phase = "progress"
	PhaseError    Phase = "error"
)

// RelationshipType classifies a parent/child causal edge.
type RelationshipType string

const (
	RelCommunication RelationshipType = "communication"
	RelSpawn         RelationshipType = "spawn"
	RelParallel      RelationshipType = "parallel"
	RelSequence      RelationshipType = "sequence"
)

// Event is the atomic trace record described in spec.md §3.
type Event struct {
	ID            string
	SessionID     string
	AgentID       string
	Type          EventType
	Phase         Phase
	Timestamp     int64 // monotonic-enough ms since epoch
	CorrelationID string
	ParentID      string

	Data        Value
	Metadata    Value
	Performance Value
}

// MaxPayloadBytes is the per-field size ceiling from spec.md §3: data,
// metadata, and performance are each capped at 1 MiB.
const MaxPayloadBytes = 1 << 20

// InferRelationshipType implements the inference rule of spec.md §3: a
// communication event yields a communication edge, a start-phase event
// yields a spawn edge, data.parallel truthy yields a parallel edge, and
// everything else defaults to a plain sequence edge.
func (e *Event) InferRelationshipType() RelationshipType {
	if e.Type == EventCommunication {
		return RelCommunication
	}
	if e.Phase == PhaseStart {
		return RelSpawn
	}
	if parallel, ok := e.Data.Field("parallel"); ok && parallel.Truthy() {
		return RelParallel
	}
	return RelSequence
}

// Relationship is the materialized (parent, child, type) causal edge;
// unique on (parent, child).
type Relationship struct {
	ParentID string
	ChildID  string
	Type     RelationshipType
}

// SessionStatus enumerates a session's lifecycle.
type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionCompleted SessionStatus = "completed"
	SessionError     SessionStatus = "error"
)

// Session groups the events produced during one logical run.
type Session struct {
	ID        string
	Name      string
	StartTime int64
	EndTime   *int64
	Status    SessionStatus
	Metadata  Value
}

// ErrorEvent, AgentMessage, TaskExecution, ResourceUsage, and
// PerformanceSnapshot are the auxiliary records of spec.md §3, keyed to a
// session/agent with their own time-range queries.

type ErrorEvent struct {
	ID        string
	SessionID string
	AgentID   string
	EventID   string
	Message   string
	Timestamp int64
	Data      Value
}

type AgentMessage struct {
	ID            string
	SessionID     string
	FromAgent     string
	ToAgent       string
	CorrelationID string
	Content       string
	Timestamp     int64
}

type TaskExecution struct {
	ID          string
	SessionID   string
	AgentID     string
	TaskID      string
	Status      string
	StartedAt   int64
	CompletedAt *int64
}

type ResourceUsage struct {
	ID        string
	SessionID string
	AgentID   string
	Resource  string
	Amount    float64
	Timestamp int64
}

type PerformanceSnapshot struct {
	ID        string
	SessionID string
	AgentID   string
	Duration  float64
	Memory    float64
	CPU       float64
	Timestamp int64
}

// Now returns the current time in the event timestamp's ms-since-epoch
// unit. Centralized so components stamp timestamps consistently.
func Now() int64 {
	return time.Now().UnixMilli()
}
