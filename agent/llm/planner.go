package llm

import (
	"context"
	"fmt"
	"strings"

	einomodel "github.com/cloudwego/eino/components/model"
	einoprompt "github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"

	contractx "github.com/conciergehq/concierge/agent/contract"
	"github.com/conciergehq/concierge/agent/prompt"
)

const maxPlanSteps = 5

// Planner asks the model for a short numbered step list before the
// loop starts, seeding the first-iteration context.
type Planner struct {
	runner compose.Runnable[map[string]any, *schema.Message]
}

var _ contractx.Planner = (*Planner)(nil)

func NewPlanner(ctx context.Context, chatModel einomodel.BaseChatModel) (*Planner, error) {
	prompts := prompt.LoadPromptSet()

	template := einoprompt.FromMessages(
		schema.FString,
		schema.SystemMessage(escapeBraces(prompts.Plan)),
		schema.UserMessage("{input}"),
	)

	graph := compose.NewGraph[map[string]any, *schema.Message]()
	if err := graph.AddChatTemplateNode("prompt", template); err != nil {
		return nil, fmt.Errorf("add planner prompt node: %w", err)
	}
	if err := graph.AddChatModelNode("model", chatModel); err != nil {
		return nil, fmt.Errorf("add planner model node: %w", err)
	}
	if err := graph.AddEdge(compose.START, "prompt"); err != nil {
		return nil, fmt.Errorf("add planner edge start->prompt: %w", err)
	}
	if err := graph.AddEdge("prompt", "model"); err != nil {
		return nil, fmt.Errorf("add planner edge prompt->model: %w", err)
	}
	if err := graph.AddEdge("model", compose.END); err != nil {
		return nil, fmt.Errorf("add planner edge model->end: %w", err)
	}

	runner, err := graph.Compile(ctx, compose.WithGraphName("loop.task_planner"))
	if err != nil {
		return nil, fmt.Errorf("compile planner graph: %w", err)
	}
	return &Planner{runner: runner}, nil
}

func (p *Planner) Plan(ctx context.Context, task contractx.Task) ([]string, error) {
	msg, err := p.runner.Invoke(ctx, map[string]any{"input": task.Instruction})
	if err != nil {
		return nil, fmt.Errorf("%w: plan: %v", contractx.ErrModelInvoke, err)
	}
	if msg == nil {
		return nil, fmt.Errorf("%w: empty plan response", contractx.ErrSchemaViolation)
	}

	steps := parsePlanSteps(msg.Content)
	if len(steps) == 0 {
		return nil, fmt.Errorf("%w: plan has no steps", contractx.ErrSchemaViolation)
	}
	return steps, nil
}

// parsePlanSteps extracts the step lines, tolerating numbering and
// bullet markers.
func parsePlanSteps(content string) []string {
	var steps []string
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		line = strings.TrimLeft(line, "0123456789")
		line = strings.TrimLeft(line, ".)-* ")
		if line == "" {
			continue
		}
		steps = append(steps, line)
		if len(steps) == maxPlanSteps {
			break
		}
	}
	return steps
}
