package contract

import (
	"time"
)

type AgentType string

const (
	AgentTypeOrchestrator AgentType = "orchestrator"
	AgentTypePhone        AgentType = "phone"
	AgentTypeWhatsApp     AgentType = "whatsapp"
	AgentTypeBooking      AgentType = "booking"
)

// Task is one user-issued instruction routed through the execution loop.
// Immutable once the loop starts; progress lives in the loop's run state.
type Task struct {
	ID             string         `json:"task_id"`
	UserID         string         `json:"user_id"`
	ConversationID string         `json:"conversation_id"`
	Instruction    string         `json:"task"`
	MaxIterations  int            `json:"max_iterations,omitempty"`
	WaitDuration   time.Duration  `json:"wait_duration,omitempty"`
	Profile        map[string]any `json:"profile,omitempty"`
}

type RunStatus string

const (
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunRunning   RunStatus = "running"
)

// RunResult is the externally visible outcome of one loop invocation.
type RunResult struct {
	TaskID       string         `json:"task_id"`
	Status       RunStatus      `json:"status"`
	FinalMessage string         `json:"final_message"`
	Iterations   int            `json:"iterations"`
	Transcript   []string       `json:"transcript"`
	ExecutionLog []LogEntry     `json:"execution_log"`
	KeyFacts     map[string]any `json:"key_facts,omitempty"`
}

// LogEntry is one line of the execution log, the primary debugging
// artifact of a run. Independent from the model transcript.
type LogEntry struct {
	Iteration int            `json:"iteration"`
	Timestamp time.Time      `json:"timestamp"`
	Kind      string         `json:"kind"` // reasoning | tool_call | tool_result | sleep | wake_up | error | task_start | task_end
	Tool      string         `json:"tool,omitempty"`
	Args      map[string]any `json:"args,omitempty"`
	Message   string         `json:"message,omitempty"`
}

type DecisionKind int

const (
	DecisionContinue DecisionKind = iota
	DecisionToolCalls
	DecisionWait
	DecisionComplete
	DecisionFail
)

// Decision is the model's next step, reduced to a closed set of variants
// so the loop can branch without re-inspecting free text.
type Decision struct {
	Kind      DecisionKind
	Text      string
	ToolCalls []ToolRequest
	WaitFor   time.Duration
}

// ToolRequest is a capability invocation as proposed by the model.
// Contextual arguments are overwritten by the loop before dispatch.
type ToolRequest struct {
	Tool   string         `json:"tool"`
	Args   map[string]any `json:"args,omitempty"`
	CallID string         `json:"call_id,omitempty"`
}

// ToolResult is the outcome of one dispatch. Tool failures are values,
// never errors: a flaky external API must not abort the run.
type ToolResult struct {
	Tool  string         `json:"tool"`
	OK    bool           `json:"success"`
	Data  map[string]any `json:"data,omitempty"`
	Error string         `json:"error,omitempty"`
}

// Judgment is the completion classifier's structured verdict.
type Judgment struct {
	Complete            bool     `json:"is_complete"`
	Score               float64  `json:"completion_score"`
	StatusMessage       string   `json:"status_message"`
	MissingRequirements []string `json:"missing_requirements"`
	Indicators          []string `json:"completion_indicators"`
}

// StatusUpdate is an immutable append-only progress note keyed by
// conversation. Corrections are new entries, never edits.
type StatusUpdate struct {
	ID             string    `json:"id"`
	AgentID        string    `json:"agent_id"`
	AgentType      string    `json:"agent_type"`
	ConversationID string    `json:"conversation_id"`
	Update         string    `json:"update"`
	Timestamp      time.Time `json:"timestamp"`
}

type MemoryScope string

const (
	ScopeUser    MemoryScope = "user"
	ScopeContact MemoryScope = "contact"
)

// MemoryRecord is an immutable text snippet stored under a user or
// contact collection and retrieved by similarity.
type MemoryRecord struct {
	ID         string      `json:"memory_id"`
	Scope      MemoryScope `json:"memory_type"`
	OwnerID    string      `json:"user_id"`
	Collection string      `json:"collection_name"`
	Text       string      `json:"memory"`
	Score      float64     `json:"score"`
}

// StatusFilter narrows a status read. Zero value reads everything for
// the conversation.
type StatusFilter struct {
	AgentType string
	AgentID   string
}

// CallRef identifies a phone call started by the phone gateway.
type CallRef struct {
	CallID string `json:"call_id"`
}

// SubTaskRef identifies a long-running sub-agent task.
type SubTaskRef struct {
	TaskID string `json:"task_id"`
	RunID  string `json:"run_id,omitempty"`
}

// InboundMessage is a message received by a reactive sub-agent.
type InboundMessage struct {
	ID        string    `json:"id"`
	Sender    string    `json:"sender"`
	ChatJID   string    `json:"chat_jid"`
	ChatName  string    `json:"chat_name"`
	Content   string    `json:"content"`
	FromMe    bool      `json:"is_from_me"`
	Timestamp time.Time `json:"timestamp"`
}
