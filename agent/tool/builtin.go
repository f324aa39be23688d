package tool

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	contractx "github.com/conciergehq/concierge/agent/contract"
	"github.com/conciergehq/concierge/agent/dedupe"
	"github.com/conciergehq/concierge/agent/gateway"
)

// Names of the built-in tool belt.
const (
	ToolWebSearch        = "web_search"
	ToolMakeOutboundCall = "make_outbound_call"
	ToolSendWhatsAppTask = "send_whatsapp_task"
	ToolBookFlight       = "book_flight"
	ToolAddMemory        = "add_memory"
	ToolSearchMemory     = "search_memory"
	ToolWriteStatus      = "write_status"
	ToolReadStatus       = "read_status"
	ToolSleep            = "sleep"
	ToolMarkComplete     = "mark_task_as_complete"
)

// Deps carries the collaborators the built-in tools close over.
type Deps struct {
	Search    contractx.Searcher
	Phone     contractx.PhoneGateway
	Script    contractx.ScriptWriter
	Messaging contractx.MessagingGateway
	Booking   contractx.BookingGateway
	Memory    contractx.MemoryStore
	Status    contractx.StatusStore
	Outbound  *dedupe.Cache
	AgentID   string
	AgentType contractx.AgentType
	Clock     contractx.Clock
}

func (d Deps) now() time.Time {
	if d.Clock != nil {
		return d.Clock()
	}
	return time.Now()
}

// RegisterBuiltins installs the standard tool belt. Collaborators that
// are nil get a tool that reports itself unavailable instead of being
// silently absent from the model's view.
func RegisterBuiltins(r *Registry, d Deps) {
	r.MustRegister(webSearchTool(d))
	r.MustRegister(outboundCallTool(d))
	r.MustRegister(whatsappTaskTool(d))
	r.MustRegister(bookFlightTool(d))
	r.MustRegister(addMemoryTool(d))
	r.MustRegister(searchMemoryTool(d))
	r.MustRegister(writeStatusTool(d))
	r.MustRegister(readStatusTool(d))
	r.MustRegister(sleepTool())
	r.MustRegister(markCompleteTool(d))
}

func webSearchTool(d Deps) Tool {
	return Tool{
		Name: ToolWebSearch,
		Desc: "Search the web for information. Returns result snippets and any phone numbers found in them.",
		Params: map[string]*schema.ParameterInfo{
			"query":       {Type: schema.String, Desc: "Search query", Required: true},
			"max_results": {Type: schema.Integer, Desc: "Maximum number of results (default 5)"},
		},
		Category: CategoryResearch,
		Run: func(ctx context.Context, args map[string]any) (map[string]any, error) {
			query := strings.TrimSpace(stringArg(args, "query"))
			if query == "" {
				return nil, fmt.Errorf("query is required")
			}
			if d.Search == nil {
				return nil, fmt.Errorf("web search is not configured")
			}

			results, err := d.Search.Search(ctx, query, intArg(args, "max_results", 5))
			if err != nil {
				return nil, fmt.Errorf("search failed: %w", err)
			}

			var numbers []string
			for _, res := range results {
				numbers = append(numbers, gateway.ExtractPhoneNumbers(res.Title+" "+res.Snippet)...)
			}
			return map[string]any{
				"query":               query,
				"results":             results,
				"found_phone_numbers": dedupeStrings(numbers),
			}, nil
		},
	}
}

func outboundCallTool(d Deps) Tool {
	return Tool{
		Name: ToolMakeOutboundCall,
		Desc: "Make an outbound phone call to accomplish a task. Provide the task description and the phone number to call.",
		Params: map[string]*schema.ParameterInfo{
			"task":            {Type: schema.String, Desc: "What to accomplish during the call", Required: true},
			"phone_number":    {Type: schema.String, Desc: "Phone number in international format", Required: true},
			"user_id":         {Type: schema.String, Desc: "Owning user id"},
			"conversation_id": {Type: schema.String, Desc: "Conversation id"},
		},
		Contextual:    []string{"user_id", "conversation_id"},
		SideEffecting: true,
		Category:      CategoryCall,
		Run: func(ctx context.Context, args map[string]any) (map[string]any, error) {
			task := strings.TrimSpace(stringArg(args, "task"))
			number := strings.TrimSpace(stringArg(args, "phone_number"))
			if task == "" || number == "" {
				return nil, fmt.Errorf("task and phone_number are required")
			}
			if d.Phone == nil {
				return nil, fmt.Errorf("phone gateway is not configured")
			}

			formatted, err := gateway.FormatInternational(number)
			if err != nil {
				return nil, fmt.Errorf("invalid phone number %q: %w", number, err)
			}

			if d.Outbound != nil && d.Outbound.Seen(formatted, task) {
				return nil, fmt.Errorf("duplicate message suppressed")
			}

			script := task
			if d.Script != nil {
				if s, err := d.Script.WriteScript(ctx, task, nil); err != nil {
					log.Warn().Err(err).Msg("call script generation failed, using raw task")
				} else {
					script = s
				}
			}

			ref, err := d.Phone.StartCall(ctx, formatted, script, stringArg(args, "conversation_id"))
			if err != nil {
				return nil, fmt.Errorf("call initiation failed: %w", err)
			}
			return map[string]any{
				"call_id":      ref.CallID,
				"phone_number": formatted,
				"message":      "call started, results will arrive as status updates",
			}, nil
		},
	}
}

func whatsappTaskTool(d Deps) Tool {
	return Tool{
		Name: ToolSendWhatsAppTask,
		Desc: "Delegate a task to the WhatsApp agent. Include the phone number of the person to contact in the task text.",
		Params: map[string]*schema.ParameterInfo{
			"task":            {Type: schema.String, Desc: "The task, including the recipient's phone number", Required: true},
			"user_id":         {Type: schema.String, Desc: "Owning user id"},
			"conversation_id": {Type: schema.String, Desc: "Conversation id"},
		},
		Contextual:    []string{"user_id", "conversation_id"},
		SideEffecting: true,
		Category:      CategoryMessage,
		Run: func(ctx context.Context, args map[string]any) (map[string]any, error) {
			task := strings.TrimSpace(stringArg(args, "task"))
			if task == "" {
				return nil, fmt.Errorf("task is required")
			}
			if d.Messaging == nil {
				return nil, fmt.Errorf("whatsapp gateway is not configured")
			}

			recipient := stringArg(args, "conversation_id")
			if numbers := gateway.ExtractPhoneNumbers(task); len(numbers) > 0 {
				recipient = numbers[0]
			}
			if d.Outbound != nil && d.Outbound.Seen(recipient, task) {
				return nil, fmt.Errorf("duplicate message suppressed")
			}

			ref, err := d.Messaging.ExecuteTask(ctx, contractx.Task{
				UserID:         stringArg(args, "user_id"),
				ConversationID: stringArg(args, "conversation_id"),
				Instruction:    task,
			})
			if err != nil {
				return nil, fmt.Errorf("whatsapp task dispatch failed: %w", err)
			}
			return map[string]any{
				"task_id": ref.TaskID,
				"message": "whatsapp agent started, progress will arrive as status updates",
			}, nil
		},
	}
}

func bookFlightTool(d Deps) Tool {
	return Tool{
		Name: ToolBookFlight,
		Desc: "Book a flight from a booking link. Completion arrives later through a status update.",
		Params: map[string]*schema.ParameterInfo{
			"task":            {Type: schema.String, Desc: "Booking details (passenger, preferences)", Required: true},
			"booking_link":    {Type: schema.String, Desc: "Direct booking link for the flight", Required: true},
			"user_id":         {Type: schema.String, Desc: "Owning user id"},
			"conversation_id": {Type: schema.String, Desc: "Conversation id"},
		},
		Contextual:    []string{"user_id", "conversation_id"},
		SideEffecting: true,
		Category:      CategoryBooking,
		Run: func(ctx context.Context, args map[string]any) (map[string]any, error) {
			task := strings.TrimSpace(stringArg(args, "task"))
			link := strings.TrimSpace(stringArg(args, "booking_link"))
			if task == "" || link == "" {
				return nil, fmt.Errorf("task and booking_link are required")
			}
			if d.Booking == nil {
				return nil, fmt.Errorf("booking gateway is not configured")
			}

			ref, err := d.Booking.StartBooking(ctx, contractx.Task{
				UserID:         stringArg(args, "user_id"),
				ConversationID: stringArg(args, "conversation_id"),
				Instruction:    task,
			}, link)
			if err != nil {
				return nil, fmt.Errorf("booking start failed: %w", err)
			}
			return map[string]any{
				"run_id":  ref.RunID,
				"message": "booking started, completion will arrive as a status update",
			}, nil
		},
	}
}

func addMemoryTool(d Deps) Tool {
	return Tool{
		Name: ToolAddMemory,
		Desc: "Store a fact in long-term memory, scoped to the user or to a contact.",
		Params: map[string]*schema.ParameterInfo{
			"memory":          {Type: schema.String, Desc: "The fact to remember", Required: true},
			"memory_type":     {Type: schema.String, Desc: "Either \"user\" or \"contact\" (default \"user\")"},
			"collection_name": {Type: schema.String, Desc: "Contact collection name, required for contact memories"},
			"user_id":         {Type: schema.String, Desc: "Owning user id"},
		},
		Contextual:    []string{"user_id"},
		SideEffecting: true,
		Category:      CategoryMemory,
		Run: func(ctx context.Context, args map[string]any) (map[string]any, error) {
			text := strings.TrimSpace(stringArg(args, "memory"))
			if text == "" {
				return nil, fmt.Errorf("memory is required")
			}
			if d.Memory == nil {
				return nil, fmt.Errorf("memory store is not configured")
			}

			scope := contractx.ScopeUser
			if stringArg(args, "memory_type") == string(contractx.ScopeContact) {
				scope = contractx.ScopeContact
			}
			collection := stringArg(args, "collection_name")
			if scope == contractx.ScopeContact && collection == "" {
				return nil, fmt.Errorf("collection_name is required for contact memories")
			}

			id, err := d.Memory.AddMemory(ctx, contractx.MemoryRecord{
				Scope:      scope,
				OwnerID:    stringArg(args, "user_id"),
				Collection: collection,
				Text:       text,
			})
			if err != nil {
				return nil, fmt.Errorf("memory write failed: %w", err)
			}
			return map[string]any{"memory_id": id}, nil
		},
	}
}

func searchMemoryTool(d Deps) Tool {
	return Tool{
		Name: ToolSearchMemory,
		Desc: "Search long-term memory across the user's own collections.",
		Params: map[string]*schema.ParameterInfo{
			"query":   {Type: schema.String, Desc: "What to look for", Required: true},
			"limit":   {Type: schema.Integer, Desc: "Maximum results (default 5)"},
			"user_id": {Type: schema.String, Desc: "Owning user id"},
		},
		Contextual: []string{"user_id"},
		Category:   CategoryMemory,
		Run: func(ctx context.Context, args map[string]any) (map[string]any, error) {
			query := strings.TrimSpace(stringArg(args, "query"))
			if query == "" {
				return nil, fmt.Errorf("query is required")
			}
			if d.Memory == nil {
				return nil, fmt.Errorf("memory store is not configured")
			}

			records, err := d.Memory.SearchMemory(ctx, stringArg(args, "user_id"), query, intArg(args, "limit", 5))
			if err != nil {
				return nil, fmt.Errorf("memory search failed: %w", err)
			}
			return map[string]any{"memories": records}, nil
		},
	}
}

func writeStatusTool(d Deps) Tool {
	return Tool{
		Name: ToolWriteStatus,
		Desc: "Record a progress note other agents can read. Entries are append-only.",
		Params: map[string]*schema.ParameterInfo{
			"update":          {Type: schema.String, Desc: "The progress note", Required: true},
			"conversation_id": {Type: schema.String, Desc: "Conversation id"},
		},
		Contextual:    []string{"conversation_id"},
		SideEffecting: true,
		Category:      CategoryStatus,
		Run: func(ctx context.Context, args map[string]any) (map[string]any, error) {
			text := strings.TrimSpace(stringArg(args, "update"))
			if text == "" {
				return nil, fmt.Errorf("update is required")
			}
			if d.Status == nil {
				return nil, fmt.Errorf("status store is not configured")
			}

			update := contractx.StatusUpdate{
				ID:             uuid.NewString(),
				AgentID:        d.AgentID,
				AgentType:      string(d.AgentType),
				ConversationID: stringArg(args, "conversation_id"),
				Update:         text,
				Timestamp:      d.now(),
			}
			if err := d.Status.WriteStatus(ctx, update); err != nil {
				return nil, fmt.Errorf("status write failed: %w", err)
			}
			return map[string]any{"status_id": update.ID}, nil
		},
	}
}

func readStatusTool(d Deps) Tool {
	return Tool{
		Name: ToolReadStatus,
		Desc: "Read progress notes for this conversation, oldest first. Optionally filter by agent type or agent id.",
		Params: map[string]*schema.ParameterInfo{
			"agent_type":      {Type: schema.String, Desc: "Only updates from this agent type"},
			"agent_id":        {Type: schema.String, Desc: "Only updates from this agent id"},
			"conversation_id": {Type: schema.String, Desc: "Conversation id"},
		},
		Contextual: []string{"conversation_id"},
		Category:   CategoryStatus,
		Run: func(ctx context.Context, args map[string]any) (map[string]any, error) {
			if d.Status == nil {
				return nil, fmt.Errorf("status store is not configured")
			}
			updates, err := d.Status.ReadStatus(ctx, stringArg(args, "conversation_id"), contractx.StatusFilter{
				AgentType: stringArg(args, "agent_type"),
				AgentID:   stringArg(args, "agent_id"),
			})
			if err != nil {
				return nil, fmt.Errorf("status read failed: %w", err)
			}
			return map[string]any{"updates": updates}, nil
		},
	}
}

func sleepTool() Tool {
	return Tool{
		Name: ToolSleep,
		Desc: "Pause and wait for external work (calls, sub-agents) to make progress before continuing.",
		Params: map[string]*schema.ParameterInfo{
			"duration_seconds": {Type: schema.Integer, Desc: "Seconds to wait (default 30)"},
		},
		Category: CategoryControl,
		Run: func(_ context.Context, args map[string]any) (map[string]any, error) {
			seconds := intArg(args, "duration_seconds", 30)
			if seconds < 1 {
				seconds = 1
			}
			return map[string]any{"duration_seconds": seconds}, nil
		},
	}
}

func markCompleteTool(d Deps) Tool {
	return Tool{
		Name: ToolMarkComplete,
		Desc: "Mark the current task as complete and finish. Call only after verifying the work is done.",
		Params: map[string]*schema.ParameterInfo{
			"final_message":   {Type: schema.String, Desc: "Summary of what was accomplished", Required: true},
			"conversation_id": {Type: schema.String, Desc: "Conversation id"},
		},
		Contextual:    []string{"conversation_id"},
		SideEffecting: true,
		Category:      CategoryControl,
		Run: func(ctx context.Context, args map[string]any) (map[string]any, error) {
			message := strings.TrimSpace(stringArg(args, "final_message"))
			if message == "" {
				message = "task completed"
			}

			if d.Status != nil {
				update := contractx.StatusUpdate{
					ID:             uuid.NewString(),
					AgentID:        d.AgentID,
					AgentType:      string(d.AgentType),
					ConversationID: stringArg(args, "conversation_id"),
					Update:         "TASK_COMPLETED: " + message,
					Timestamp:      d.now(),
				}
				if err := d.Status.WriteStatus(ctx, update); err != nil {
					log.Warn().Err(err).Msg("completion status write failed")
				}
			}
			return map[string]any{"final_message": message}, nil
		},
	}
}

func dedupeStrings(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
