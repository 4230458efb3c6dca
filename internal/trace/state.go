package trace

// AgentStatus tracks where an agent sits in its lifecycle within a
// reconstructed SystemState.
type AgentStatus string

const (
	AgentIdle AgentStatus = "idle"
	AgentBusy AgentStatus = "busy"
)

// AgentState is the reconstructed view of one agent at an instant.
type AgentState struct {
	AgentID      string
	Status       AgentStatus
	CurrentTask  string
	Capabilities []string
	Resources    map[string]float64
	Memory       map[string]Value
}

// CloneAgentState produces a deep-enough copy for snapshotting /
// diffing without aliasing the maps/slices of the original.
func CloneAgentState(a AgentState) AgentState {
	out := AgentState{
		AgentID:     a.AgentID,
		Status:      a.Status,
		CurrentTask: a.CurrentTask,
	}
	if a.Capabilities != nil {
		out.Capabilities = append([]string(nil), a.Capabilities...)
	}
	if a.Resources != nil {
		out.Resources = make(map[string]float64, len(a.Resources))
		for k, v := range a.Resources {
			out.Resources[k] = v
		}
	}
	if a.Memory != nil {
		out.Memory = make(map[string]Value, len(a.Memory))
		for k, v := range a.Memory {
			out.Memory[k] = v
		}
	}
	return out
}

// TaskStatus mirrors the transitions driven by task_start/task_complete/
// task_fail events during replay.
type TaskStatus string

const (
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

// TaskState is the reconstructed view of one task at an instant.
type TaskState struct {
	TaskID      string
	AgentID     string
	Type        string
	Status      TaskStatus
	Progress    float64
	StartedAt   int64
	CompletedAt *int64
}

// MemoryEntry is one key in an agent's reconstructed memory map.
type MemoryEntry struct {
	Key       string
	Value     Value
	Timestamp int64
	AgentID   string
	Type      string
}

// Communication is a logged inter-agent message, keyed by correlation id
// for grouping during replay.
type Communication struct {
	CorrelationID string
	FromAgent     string
	ToAgent       string
	Content       Value
	Timestamp     int64
}

// ReplayError is an entry in the errors ledger keyed by (agent_id, t),
// populated on task_fail / error events.
type ReplayError struct {
	AgentID   string
	Timestamp int64
	Message   string
	EventID   string
}

// SystemState is the coherent view of all agents, tasks, memory entries
// and communications as of a specific instant (spec.md §3, §4.4).
type SystemState struct {
	Timestamp int64
	SessionID string

	Agents map[string]*AgentState
	Tasks  map[string]*TaskState
	Memory map[string]*MemoryEntry

	Communications []Communication
	Errors         []ReplayError
	Resources      map[string]float64
}

// NewSystemState returns an empty, fully-initialized state ready for event
// replay to be applied on top of.
func NewSystemState(sessionID string, timestamp int64) *SystemState {
	return &SystemState{
		Timestamp: timestamp,
		SessionID: sessionID,
		Agents:    make(map[string]*AgentState),
		Tasks:     make(map[string]*TaskState),
		Memory:    make(map[string]*MemoryEntry),
		Resources: make(map[string]float64),
	}
}

// EnsureAgent returns the agent's state, materializing a default entry if
// none exists yet — the invariant of spec.md §3 ("every agent_id
// referenced by any task/memory must appear in the agents map").
func (s *SystemState) EnsureAgent(agentID string) *AgentState {
	if agentID == "" {
		return &AgentState{}
	}
	if a, ok := s.Agents[agentID]; ok {
		return a
	}
	a := &AgentState{
		AgentID: agentID,
		Status:  AgentIdle,
		Memory:  make(map[string]Value),
	}
	s.Agents[agentID] = a
	return a
}

// Clone performs a deep-enough copy of the state so that two independent
// calls to state_at can't observe each other's mutation (the
// determinism invariant of spec.md §8).
func (s *SystemState) Clone() *SystemState {
	out := NewSystemState(s.SessionID, s.Timestamp)
	for id, a := range s.Agents {
		cloned := CloneAgentState(*a)
		out.Agents[id] = &cloned
	}
	for id, t := range s.Tasks {
		cp := *t
		out.Tasks[id] = &cp
	}
	for k, m := range s.Memory {
		cp := *m
		out.Memory[k] = &cp
	}
	out.Communications = append([]Communication(nil), s.Communications...)
	out.Errors = append([]ReplayError(nil), s.Errors...)
	for k, v := range s.Resources {
		out.Resources[k] = v
	}
	return out
}
