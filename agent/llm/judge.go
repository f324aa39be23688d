package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	einomodel "github.com/cloudwego/eino/components/model"
	einoprompt "github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"

	contractx "github.com/conciergehq/concierge/agent/contract"
	"github.com/conciergehq/concierge/agent/prompt"
)

// Judge asks the model whether the work done so far satisfies the
// task, expecting a strict JSON verdict. A verdict buried in prose is
// still accepted; an unparseable one surfaces as ErrSchemaViolation so
// the caller can fall back to the deterministic policy.
type Judge struct {
	runner compose.Runnable[map[string]any, *schema.Message]
	parser schema.MessageParser[contractx.Judgment]
}

var _ contractx.CompletionJudge = (*Judge)(nil)

func NewJudge(ctx context.Context, chatModel einomodel.BaseChatModel) (*Judge, error) {
	prompts := prompt.LoadPromptSet()

	template := einoprompt.FromMessages(
		schema.FString,
		schema.SystemMessage(escapeBraces(prompts.Judge)),
		schema.UserMessage("{input}"),
	)

	graph := compose.NewGraph[map[string]any, *schema.Message]()
	if err := graph.AddChatTemplateNode("prompt", template); err != nil {
		return nil, fmt.Errorf("add judge prompt node: %w", err)
	}
	if err := graph.AddChatModelNode("model", chatModel); err != nil {
		return nil, fmt.Errorf("add judge model node: %w", err)
	}
	if err := graph.AddEdge(compose.START, "prompt"); err != nil {
		return nil, fmt.Errorf("add judge edge start->prompt: %w", err)
	}
	if err := graph.AddEdge("prompt", "model"); err != nil {
		return nil, fmt.Errorf("add judge edge prompt->model: %w", err)
	}
	if err := graph.AddEdge("model", compose.END); err != nil {
		return nil, fmt.Errorf("add judge edge model->end: %w", err)
	}

	runner, err := graph.Compile(ctx, compose.WithGraphName("loop.completion_judge"))
	if err != nil {
		return nil, fmt.Errorf("compile judge graph: %w", err)
	}

	return &Judge{
		runner: runner,
		parser: schema.NewMessageJSONParser[contractx.Judgment](&schema.MessageJSONParseConfig{
			ParseFrom: schema.MessageParseFromContent,
		}),
	}, nil
}

func (j *Judge) Judge(ctx context.Context, task contractx.Task, summary string) (contractx.Judgment, error) {
	payload := map[string]any{
		"task":    task.Instruction,
		"summary": summary,
	}
	input, err := json.Marshal(payload)
	if err != nil {
		return contractx.Judgment{}, fmt.Errorf("%w: marshal judge payload: %v", contractx.ErrValidation, err)
	}

	msg, err := j.runner.Invoke(ctx, map[string]any{"input": string(input)})
	if err != nil {
		return contractx.Judgment{}, fmt.Errorf("%w: judge invoke: %v", contractx.ErrModelInvoke, err)
	}
	if msg == nil {
		return contractx.Judgment{}, fmt.Errorf("%w: empty judge response", contractx.ErrSchemaViolation)
	}

	if verdict, err := j.parser.Parse(ctx, msg); err == nil {
		return verdict, nil
	}

	// Some models wrap the verdict in prose; take the outermost object.
	if verdict, ok := extractJudgment(msg.Content); ok {
		return verdict, nil
	}
	return contractx.Judgment{}, fmt.Errorf("%w: judge verdict is not valid JSON", contractx.ErrSchemaViolation)
}

// escapeBraces protects literal braces (the JSON example in the judge
// prompt) from FString placeholder substitution.
func escapeBraces(s string) string {
	s = strings.ReplaceAll(s, "{", "{{")
	return strings.ReplaceAll(s, "}", "}}")
}

func extractJudgment(content string) (contractx.Judgment, bool) {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return contractx.Judgment{}, false
	}

	var verdict contractx.Judgment
	if err := json.Unmarshal([]byte(content[start:end+1]), &verdict); err != nil {
		return contractx.Judgment{}, false
	}
	return verdict, true
}
