// Package llm binds the chat model to the execution loop: next-step
// decisions, the structured completion judge, and the call-script
// writer.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	contractx "github.com/conciergehq/concierge/agent/contract"
)

// Markers the model uses to signal terminal and wait states in plain
// content. This set is closed; nothing else is treated as a signal.
const (
	MarkerCompleted = "TASK COMPLETED"
	MarkerFailed    = "TASK FAILED"
	MarkerSleep     = "SLEEP"
)

// ChatDecider drives the loop's branching from a tool-calling chat
// model. Tools are bound once before the first decision. Safe for
// concurrent use: runs sharing a decider serialize the bound model
// swap behind a lock.
type ChatDecider struct {
	base einomodel.ToolCallingChatModel

	mu    sync.RWMutex
	bound einomodel.ToolCallingChatModel
}

var _ contractx.NextStepModel = (*ChatDecider)(nil)

func NewChatDecider(chatModel einomodel.ToolCallingChatModel) *ChatDecider {
	return &ChatDecider{base: chatModel, bound: chatModel}
}

func (d *ChatDecider) BindTools(tools []*schema.ToolInfo) error {
	bound, err := d.base.WithTools(tools)
	if err != nil {
		return fmt.Errorf("%w: bind tools: %v", contractx.ErrModelInvoke, err)
	}
	d.mu.Lock()
	d.bound = bound
	d.mu.Unlock()
	return nil
}

func (d *ChatDecider) NextStep(ctx context.Context, transcript []*schema.Message) (contractx.Decision, error) {
	d.mu.RLock()
	bound := d.bound
	d.mu.RUnlock()

	msg, err := bound.Generate(ctx, transcript)
	if err != nil {
		return contractx.Decision{}, fmt.Errorf("%w: next step: %v", contractx.ErrModelInvoke, err)
	}
	if msg == nil {
		return contractx.Decision{}, fmt.Errorf("%w: empty model response", contractx.ErrSchemaViolation)
	}
	return DecisionFromMessage(msg)
}

// DecisionFromMessage reduces a model turn to a Decision. Tool calls
// win over content; content is then checked against the closed marker
// set; everything else is intermediate reasoning.
func DecisionFromMessage(msg *schema.Message) (contractx.Decision, error) {
	if len(msg.ToolCalls) > 0 {
		requests, err := toToolRequests(msg.ToolCalls)
		if err != nil {
			return contractx.Decision{}, err
		}
		return contractx.Decision{
			Kind:      contractx.DecisionToolCalls,
			Text:      strings.TrimSpace(msg.Content),
			ToolCalls: requests,
		}, nil
	}

	content := strings.TrimSpace(msg.Content)
	upper := strings.ToUpper(content)
	switch {
	case strings.Contains(upper, MarkerCompleted):
		return contractx.Decision{Kind: contractx.DecisionComplete, Text: content}, nil
	case strings.Contains(upper, MarkerFailed):
		return contractx.Decision{Kind: contractx.DecisionFail, Text: content}, nil
	case strings.Contains(upper, MarkerSleep):
		return contractx.Decision{Kind: contractx.DecisionWait, Text: content}, nil
	default:
		return contractx.Decision{Kind: contractx.DecisionContinue, Text: content}, nil
	}
}

func toToolRequests(calls []schema.ToolCall) ([]contractx.ToolRequest, error) {
	reqs := make([]contractx.ToolRequest, 0, len(calls))
	for _, call := range calls {
		tool := strings.TrimSpace(call.Function.Name)
		if tool == "" {
			return nil, fmt.Errorf("%w: tool call name is empty", contractx.ErrSchemaViolation)
		}

		args := map[string]any{}
		rawArgs := strings.TrimSpace(call.Function.Arguments)
		if rawArgs != "" {
			if err := json.Unmarshal([]byte(rawArgs), &args); err != nil {
				return nil, fmt.Errorf("%w: invalid tool args for tool=%s: %v", contractx.ErrSchemaViolation, tool, err)
			}
		}

		reqs = append(reqs, contractx.ToolRequest{
			Tool:   tool,
			Args:   args,
			CallID: call.ID,
		})
	}
	return reqs, nil
}
