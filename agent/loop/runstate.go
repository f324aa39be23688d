package loop

import (
	"encoding/json"
	"time"

	"github.com/cloudwego/eino/schema"

	contractx "github.com/conciergehq/concierge/agent/contract"
)

// runState is the loop's mutable progress. The Task stays immutable;
// everything that changes during a run lives here.
type runState struct {
	iteration        int
	transcript       []*schema.Message
	log              []contractx.LogEntry
	stats            RunStats
	keyFacts         map[string]any
	consecutiveWaits int
	lastRendezvous   time.Time
	modelFailures    int
	pendingSubTasks  []string
}

func newRunState(system, initialContext string, start time.Time) *runState {
	return &runState{
		transcript: []*schema.Message{
			schema.SystemMessage(system),
			schema.UserMessage(initialContext),
		},
		keyFacts:       make(map[string]any),
		lastRendezvous: start,
	}
}

func (s *runState) append(msg *schema.Message) {
	s.transcript = append(s.transcript, msg)
}

func (s *runState) record(kind string, entry contractx.LogEntry, now time.Time) {
	entry.Iteration = s.iteration
	entry.Kind = kind
	entry.Timestamp = now
	s.log = append(s.log, entry)
}

// noteResult folds a tool outcome into the policy-visible stats.
func (s *runState) noteResult(category string, result contractx.ToolResult) {
	if !result.OK {
		return
	}
	switch category {
	case "call":
		s.stats.SuccessfulCalls++
	case "research":
		s.stats.ResearchResults++
	case "message":
		s.stats.MessagesSent++
	case "memory":
		if _, wrote := result.Data["memory_id"]; wrote {
			s.stats.KeyFacts++
		}
	}
}

// summary renders the policy-visible state for the completion judge.
func (s *runState) summary() string {
	raw, err := json.Marshal(map[string]any{
		"iterations":       s.iteration,
		"successful_calls": s.stats.SuccessfulCalls,
		"research_results": s.stats.ResearchResults,
		"messages_sent":    s.stats.MessagesSent,
		"key_facts_count":  s.stats.KeyFacts,
	})
	if err != nil {
		return "{}"
	}
	return string(raw)
}

func (s *runState) transcriptText() []string {
	lines := make([]string, 0, len(s.transcript))
	for _, msg := range s.transcript {
		lines = append(lines, string(msg.Role)+": "+msg.Content)
	}
	return lines
}
