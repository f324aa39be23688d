package contract

import (
	"context"
	"time"

	"github.com/cloudwego/eino/schema"
)

// NextStepModel turns the running transcript into the model's next
// decision. Tools available this run are bound once, up front.
type NextStepModel interface {
	BindTools(tools []*schema.ToolInfo) error
	NextStep(ctx context.Context, transcript []*schema.Message) (Decision, error)
}

// CompletionJudge classifies whether the work recorded so far satisfies
// the task. Implementations must return ErrSchemaViolation (wrapped)
// when the verdict cannot be parsed, so callers can fall back.
type CompletionJudge interface {
	Judge(ctx context.Context, task Task, summary string) (Judgment, error)
}

// Planner sketches a short step list for a task before the first
// iteration. Best effort: callers proceed with an empty plan on error.
type Planner interface {
	Plan(ctx context.Context, task Task) ([]string, error)
}

// ScriptWriter produces a short spoken-call script for a task.
type ScriptWriter interface {
	WriteScript(ctx context.Context, task string, profile map[string]any) (string, error)
}

// StatusStore is the append-only cross-agent progress log.
type StatusStore interface {
	WriteStatus(ctx context.Context, update StatusUpdate) error
	ReadStatus(ctx context.Context, conversationID string, filter StatusFilter) ([]StatusUpdate, error)
}

// MemoryStore holds long-lived facts scoped to a user or a contact.
// Search never crosses owner boundaries.
type MemoryStore interface {
	AddMemory(ctx context.Context, rec MemoryRecord) (string, error)
	SearchMemory(ctx context.Context, ownerID, query string, limit int) ([]MemoryRecord, error)
}

// ProcessedLog records inbound message ids so each is handled at most
// once, surviving restarts when backed by durable storage.
type ProcessedLog interface {
	Seen(ctx context.Context, id string) (bool, error)
	Mark(ctx context.Context, id string) error
}

// PhoneGateway starts an outbound call and returns immediately.
type PhoneGateway interface {
	StartCall(ctx context.Context, number, script, conversationID string) (CallRef, error)
}

// MessagingGateway hands a messaging task to the reactive sub-agent.
type MessagingGateway interface {
	ExecuteTask(ctx context.Context, task Task) (SubTaskRef, error)
	TaskStatus(ctx context.Context, taskID string) (RunStatus, string, error)
}

// BookingGateway launches a long-running booking; the outcome arrives
// through the completion webhook, never through this interface.
type BookingGateway interface {
	StartBooking(ctx context.Context, task Task, link string) (SubTaskRef, error)
}

// Searcher is the web-research collaborator.
type Searcher interface {
	Search(ctx context.Context, query string, maxResults int) ([]SearchResult, error)
}

type SearchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"content"`
}

// Sleeper and Clock let the loop's time behavior be driven by tests.
type Sleeper func(ctx context.Context, d time.Duration) error

type Clock func() time.Time
