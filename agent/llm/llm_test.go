package llm

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	contractx "github.com/conciergehq/concierge/agent/contract"
)

type fakeToolCallingModel struct {
	reply *schema.Message
	err   error

	mu       sync.Mutex
	received [][]*schema.Message
}

func (m *fakeToolCallingModel) Generate(_ context.Context, msgs []*schema.Message, _ ...einomodel.Option) (*schema.Message, error) {
	m.mu.Lock()
	m.received = append(m.received, msgs)
	m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	return m.reply, nil
}

func (m *fakeToolCallingModel) Stream(context.Context, []*schema.Message, ...einomodel.Option) (*schema.StreamReader[*schema.Message], error) {
	return nil, errors.New("streaming not supported")
}

func (m *fakeToolCallingModel) WithTools([]*schema.ToolInfo) (einomodel.ToolCallingChatModel, error) {
	return m, nil
}

func TestDecisionFromMessageToolCallsWinOverContent(t *testing.T) {
	t.Parallel()

	msg := &schema.Message{
		Role:    schema.Assistant,
		Content: "TASK COMPLETED",
		ToolCalls: []schema.ToolCall{
			{ID: "call-1", Function: schema.FunctionCall{Name: "web_search", Arguments: `{"query":"sushi"}`}},
		},
	}

	decision, err := DecisionFromMessage(msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision.Kind != contractx.DecisionToolCalls {
		t.Fatalf("expected tool calls to win, got kind %d", decision.Kind)
	}
	if len(decision.ToolCalls) != 1 || decision.ToolCalls[0].Tool != "web_search" {
		t.Fatalf("unexpected tool calls: %v", decision.ToolCalls)
	}
	if decision.ToolCalls[0].CallID != "call-1" {
		t.Fatalf("call id not carried: %v", decision.ToolCalls[0])
	}
	if decision.ToolCalls[0].Args["query"] != "sushi" {
		t.Fatalf("unexpected args: %v", decision.ToolCalls[0].Args)
	}
}

func TestDecisionFromMessageMarkers(t *testing.T) {
	t.Parallel()

	cases := []struct {
		content string
		want    contractx.DecisionKind
	}{
		{"All done. TASK COMPLETED: table booked.", contractx.DecisionComplete},
		{"task completed, nothing left", contractx.DecisionComplete},
		{"Unfortunately TASK FAILED: restaurant closed.", contractx.DecisionFail},
		{"Waiting for the call to finish. SLEEP", contractx.DecisionWait},
		{"Let me look up the number first.", contractx.DecisionContinue},
	}

	for _, tc := range cases {
		decision, err := DecisionFromMessage(&schema.Message{Role: schema.Assistant, Content: tc.content})
		if err != nil {
			t.Fatalf("unexpected error for %q: %v", tc.content, err)
		}
		if decision.Kind != tc.want {
			t.Fatalf("DecisionFromMessage(%q) kind = %d, want %d", tc.content, decision.Kind, tc.want)
		}
	}
}

func TestDecisionFromMessageRejectsMalformedToolCalls(t *testing.T) {
	t.Parallel()

	_, err := DecisionFromMessage(&schema.Message{
		Role:      schema.Assistant,
		ToolCalls: []schema.ToolCall{{Function: schema.FunctionCall{Name: ""}}},
	})
	if !errors.Is(err, contractx.ErrSchemaViolation) {
		t.Fatalf("expected schema violation for empty tool name, got %v", err)
	}

	_, err = DecisionFromMessage(&schema.Message{
		Role:      schema.Assistant,
		ToolCalls: []schema.ToolCall{{Function: schema.FunctionCall{Name: "web_search", Arguments: "{not json"}}},
	})
	if !errors.Is(err, contractx.ErrSchemaViolation) {
		t.Fatalf("expected schema violation for bad args, got %v", err)
	}
}

func TestChatDeciderWrapsModelFailure(t *testing.T) {
	t.Parallel()

	decider := NewChatDecider(&fakeToolCallingModel{err: errors.New("upstream 500")})
	_, err := decider.NextStep(context.Background(), []*schema.Message{schema.UserMessage("hi")})
	if !errors.Is(err, contractx.ErrModelInvoke) {
		t.Fatalf("expected model invoke error, got %v", err)
	}
}

func TestChatDeciderConcurrentBindAndStep(t *testing.T) {
	t.Parallel()

	decider := NewChatDecider(&fakeToolCallingModel{reply: schema.AssistantMessage("thinking", nil)})
	tools := []*schema.ToolInfo{{Name: "web_search", Desc: "search"}}

	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 25 {
				if err := decider.BindTools(tools); err != nil {
					t.Errorf("bind tools: %v", err)
					return
				}
				if _, err := decider.NextStep(context.Background(), []*schema.Message{schema.UserMessage("hi")}); err != nil {
					t.Errorf("next step: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()
}

func TestJudgeParsesStrictVerdict(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	reply := schema.AssistantMessage(`{"is_complete":true,"completion_score":0.9,"status_message":"booked","completion_indicators":["call completed"],"missing_requirements":[]}`, nil)
	judge, err := NewJudge(ctx, &fakeToolCallingModel{reply: reply})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	verdict, err := judge.Judge(ctx, contractx.Task{Instruction: "call the restaurant"}, `{"iterations":3}`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !verdict.Complete || verdict.Score != 0.9 {
		t.Fatalf("unexpected verdict: %+v", verdict)
	}
	if len(verdict.Indicators) != 1 || verdict.Indicators[0] != "call completed" {
		t.Fatalf("unexpected indicators: %v", verdict.Indicators)
	}
}

func TestJudgePromptRendersVerdictExample(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	model := &fakeToolCallingModel{reply: schema.AssistantMessage(`{"is_complete":true}`, nil)}
	judge, err := NewJudge(ctx, model)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := judge.Judge(ctx, contractx.Task{Instruction: "call the restaurant"}, "{}"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	model.mu.Lock()
	defer model.mu.Unlock()
	if len(model.received) != 1 {
		t.Fatalf("expected one model call, got %d", len(model.received))
	}
	system := model.received[0][0]
	if system.Role != schema.System {
		t.Fatalf("first message is not the system prompt: %s", system.Role)
	}
	// The JSON example must survive template rendering with its braces.
	if !strings.Contains(system.Content, `"is_complete"`) {
		t.Fatalf("verdict example missing from rendered prompt: %s", system.Content)
	}
	if strings.Contains(system.Content, "{{") {
		t.Fatalf("rendered prompt still carries escaped braces: %s", system.Content)
	}
}

func TestJudgeExtractsVerdictFromProse(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	reply := schema.AssistantMessage(
		"Here is my assessment:\n{\"is_complete\":false,\"completion_score\":0.4,\"missing_requirements\":[\"confirmation\"]}\nLet me know if you need more.",
		nil,
	)
	judge, err := NewJudge(ctx, &fakeToolCallingModel{reply: reply})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	verdict, err := judge.Judge(ctx, contractx.Task{Instruction: "call the restaurant"}, "{}")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if verdict.Complete {
		t.Fatal("expected incomplete verdict")
	}
	if len(verdict.MissingRequirements) != 1 || verdict.MissingRequirements[0] != "confirmation" {
		t.Fatalf("unexpected missing requirements: %v", verdict.MissingRequirements)
	}
}

func TestJudgeRejectsUnparseableVerdict(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	judge, err := NewJudge(ctx, &fakeToolCallingModel{reply: schema.AssistantMessage("I think it's probably done?", nil)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, err = judge.Judge(ctx, contractx.Task{Instruction: "call the restaurant"}, "{}")
	if !errors.Is(err, contractx.ErrSchemaViolation) {
		t.Fatalf("expected schema violation, got %v", err)
	}
}

func TestPlannerParsesNumberedSteps(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	reply := schema.AssistantMessage(
		"1. Search for the restaurant's phone number\n2. Call the restaurant to book a table\n3. Wait for the call to finish\n4. Confirm the booking with the user",
		nil,
	)
	planner, err := NewPlanner(ctx, &fakeToolCallingModel{reply: reply})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	steps, err := planner.Plan(ctx, contractx.Task{Instruction: "book a table"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(steps) != 4 {
		t.Fatalf("expected 4 steps, got %d: %v", len(steps), steps)
	}
	if steps[0] != "Search for the restaurant's phone number" {
		t.Fatalf("numbering not stripped: %q", steps[0])
	}
}

func TestPlannerRejectsEmptyPlan(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	planner, err := NewPlanner(ctx, &fakeToolCallingModel{reply: schema.AssistantMessage("   \n\n", nil)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := planner.Plan(ctx, contractx.Task{Instruction: "book a table"}); !errors.Is(err, contractx.ErrSchemaViolation) {
		t.Fatalf("expected schema violation, got %v", err)
	}
}

func TestParsePlanStepsCapsAndTrims(t *testing.T) {
	t.Parallel()

	steps := parsePlanSteps("- step one\n* step two\n3) step three\n4. step four\n5. step five\n6. step six")
	if len(steps) != 5 {
		t.Fatalf("expected cap of 5, got %d", len(steps))
	}
	if steps[1] != "step two" {
		t.Fatalf("bullet not stripped: %q", steps[1])
	}
}
