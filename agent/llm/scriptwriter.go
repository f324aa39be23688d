package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	openaisdk "github.com/openai/openai-go"

	contractx "github.com/conciergehq/concierge/agent/contract"
	"github.com/conciergehq/concierge/agent/prompt"
)

// ScriptWriter turns a task description into the short spoken section
// spliced into the outbound-call voice prompt. Callers fall back to
// the raw task text when this fails.
type ScriptWriter struct {
	client *openaisdk.Client
	model  string
}

var _ contractx.ScriptWriter = (*ScriptWriter)(nil)

func NewScriptWriter(client *openaisdk.Client, model string) (*ScriptWriter, error) {
	if client == nil {
		return nil, errors.New("openai client is required")
	}
	if strings.TrimSpace(model) == "" {
		return nil, errors.New("script writer model is required")
	}
	return &ScriptWriter{client: client, model: model}, nil
}

func (w *ScriptWriter) WriteScript(ctx context.Context, task string, profile map[string]any) (string, error) {
	if strings.TrimSpace(task) == "" {
		return "", fmt.Errorf("%w: task is required", contractx.ErrValidation)
	}

	prompts := prompt.LoadPromptSet()

	userContent := "Task: " + task + "\nContext: No additional context available"
	if len(profile) > 0 {
		if raw, err := json.Marshal(profile); err == nil {
			userContent = "Task: " + task + "\nContext: " + string(raw)
		}
	}
	userContent += "\n\nGenerate the task-specific section for this call."

	resp, err := w.client.Chat.Completions.New(ctx, openaisdk.ChatCompletionNewParams{
		Model: openaisdk.ChatModel(w.model),
		Messages: []openaisdk.ChatCompletionMessageParamUnion{
			openaisdk.SystemMessage(prompts.CallScript),
			openaisdk.UserMessage(userContent),
		},
	})
	if err != nil {
		return "", fmt.Errorf("%w: call script: %v", contractx.ErrModelInvoke, err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%w: call script has no choices", contractx.ErrSchemaViolation)
	}

	script := strings.TrimSpace(resp.Choices[0].Message.Content)
	if len(script) < 10 {
		return "", fmt.Errorf("%w: generated call script is too short", contractx.ErrSchemaViolation)
	}
	return script, nil
}
