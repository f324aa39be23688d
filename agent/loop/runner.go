// Package loop runs the iterative tool-calling agent: ask the model
// for the next step, dispatch tools, wait for external work, and stop
// when the task is verifiably done or the iteration budget runs out.
package loop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/rs/zerolog/log"

	contractx "github.com/conciergehq/concierge/agent/contract"
	"github.com/conciergehq/concierge/agent/prompt"
	"github.com/conciergehq/concierge/agent/tool"
)

type Config struct {
	MaxIterations       int           `envconfig:"MAX_ITERATIONS" split_words:"true" default:"10"`
	WaitDuration        time.Duration `envconfig:"WAIT_DURATION" split_words:"true" default:"30s"`
	MaxConsecutiveWaits int           `envconfig:"MAX_CONSECUTIVE_WAITS" split_words:"true" default:"0"`
	ModelRetries        int           `envconfig:"MODEL_RETRIES" split_words:"true" default:"1"`
}

// Runner executes one task at a time. It is safe to share across
// goroutines; all per-run state lives in runState.
type Runner struct {
	cfg       Config
	model     contractx.NextStepModel
	judge     contractx.CompletionJudge
	planner   contractx.Planner
	registry  *tool.Registry
	status    contractx.StatusStore
	messaging contractx.MessagingGateway

	agentID   string
	agentType contractx.AgentType

	sleep contractx.Sleeper
	now   contractx.Clock
}

type Option func(*Runner)

// WithSleeper replaces the wait primitive, for tests.
func WithSleeper(sleep contractx.Sleeper) Option {
	return func(r *Runner) {
		if sleep != nil {
			r.sleep = sleep
		}
	}
}

// WithClock replaces the time source, for tests.
func WithClock(now contractx.Clock) Option {
	return func(r *Runner) {
		if now != nil {
			r.now = now
		}
	}
}

// WithPlanner installs the best-effort pre-run planning step.
func WithPlanner(planner contractx.Planner) Option {
	return func(r *Runner) {
		r.planner = planner
	}
}

// WithMessagingGateway lets the rendezvous poll delegated messaging
// sub-tasks directly, in addition to the status store.
func WithMessagingGateway(messaging contractx.MessagingGateway) Option {
	return func(r *Runner) {
		r.messaging = messaging
	}
}

func NewRunner(
	cfg Config,
	model contractx.NextStepModel,
	judge contractx.CompletionJudge,
	registry *tool.Registry,
	status contractx.StatusStore,
	agentID string,
	agentType contractx.AgentType,
	opts ...Option,
) (*Runner, error) {
	if model == nil || registry == nil {
		return nil, errors.New("runner needs a model and a tool registry")
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 10
	}
	if cfg.WaitDuration <= 0 {
		cfg.WaitDuration = 30 * time.Second
	}
	if cfg.ModelRetries < 0 {
		cfg.ModelRetries = 0
	}

	runner := &Runner{
		cfg:       cfg,
		model:     model,
		judge:     judge,
		registry:  registry,
		status:    status,
		agentID:   agentID,
		agentType: agentType,
		sleep:     defaultSleep,
		now:       time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(runner)
		}
	}

	// The tool belt is fixed per process; binding here keeps concurrent
	// runs from mutating a shared model mid-flight.
	if err := model.BindTools(registry.Infos()); err != nil {
		return nil, err
	}
	return runner, nil
}

func defaultSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Run drives the task to a terminal state. The returned error covers
// infrastructure breakage only; a task that fails on its own terms
// comes back as RunResult{Status: RunFailed} with a nil error.
func (r *Runner) Run(ctx context.Context, task contractx.Task) (contractx.RunResult, error) {
	if strings.TrimSpace(task.Instruction) == "" {
		return contractx.RunResult{}, fmt.Errorf("%w: task instruction is required", contractx.ErrValidation)
	}
	if task.UserID == "" || task.ConversationID == "" {
		return contractx.RunResult{}, fmt.Errorf("%w: user_id and conversation_id are required", contractx.ErrValidation)
	}

	maxIterations := task.MaxIterations
	if maxIterations <= 0 {
		maxIterations = r.cfg.MaxIterations
	}
	waitDuration := task.WaitDuration
	if waitDuration <= 0 {
		waitDuration = r.cfg.WaitDuration
	}

	var plan []string
	if r.planner != nil {
		steps, err := r.planner.Plan(ctx, task)
		if err != nil {
			log.Warn().Err(err).Str("task_id", task.ID).Msg("task planning failed, starting without a plan")
		} else {
			plan = steps
		}
	}

	system := prompt.RenderSystem(prompt.LoadPromptSet(), r.registry.DescLines())
	state := newRunState(system, r.initialContext(task, plan), r.now())
	state.record("task_start", contractx.LogEntry{Message: task.Instruction}, r.now())

	log.Info().
		Str("task_id", task.ID).
		Str("user_id", task.UserID).
		Str("conversation_id", task.ConversationID).
		Int("max_iterations", maxIterations).
		Msg("agent run started")

	for state.iteration = 1; state.iteration <= maxIterations; state.iteration++ {
		if err := ctx.Err(); err != nil {
			return r.finish(task, state, contractx.RunFailed, "run cancelled"), nil
		}

		decision, err := r.model.NextStep(ctx, state.transcript)
		if err != nil {
			state.modelFailures++
			state.record("error", contractx.LogEntry{Message: err.Error()}, r.now())
			log.Warn().Err(err).Int("iteration", state.iteration).Msg("model step failed")

			if state.modelFailures > r.cfg.ModelRetries {
				return r.finish(task, state, contractx.RunFailed, "model unavailable: "+err.Error()), nil
			}
			if verdict := r.evaluate(ctx, task, state); verdict.Complete {
				return r.finish(task, state, contractx.RunCompleted, verdict.StatusMessage), nil
			}
			state.append(schema.AssistantMessage("Analyzing task progress and planning next steps.", nil))
			continue
		}
		state.modelFailures = 0

		state.record("reasoning", contractx.LogEntry{Message: decision.Text}, r.now())

		switch decision.Kind {
		case contractx.DecisionComplete:
			state.append(assistantTurn(decision))
			if verdict := r.evaluate(ctx, task, state); !verdict.Complete {
				state.append(schema.UserMessage("Completion not verified yet. Missing: " + strings.Join(verdict.MissingRequirements, ", ") + ". Continue working or report TASK FAILED."))
				continue
			}
			return r.finish(task, state, contractx.RunCompleted, decision.Text), nil

		case contractx.DecisionFail:
			state.append(assistantTurn(decision))
			return r.finish(task, state, contractx.RunFailed, decision.Text), nil

		case contractx.DecisionWait:
			state.append(assistantTurn(decision))
			pause := waitDuration
			if decision.WaitFor > 0 {
				pause = decision.WaitFor
			}
			if done, result := r.doWait(ctx, task, state, pause); done {
				return result, nil
			}

		case contractx.DecisionToolCalls:
			state.append(assistantTurn(decision))
			completed, finalMessage, sleepFor := r.dispatchBatch(ctx, task, state, decision.ToolCalls)
			if completed {
				return r.finish(task, state, contractx.RunCompleted, finalMessage), nil
			}
			if sleepFor > 0 {
				if done, result := r.doWait(ctx, task, state, sleepFor); done {
					return result, nil
				}
			} else {
				state.consecutiveWaits = 0
			}

		default: // intermediate reasoning; not progress, so the wait counter stands
			state.append(assistantTurn(decision))
		}
	}

	state.iteration = maxIterations
	if verdict := r.evaluate(ctx, task, state); verdict.Complete {
		return r.finish(task, state, contractx.RunCompleted, verdict.StatusMessage), nil
	}
	return r.finish(task, state, contractx.RunFailed, "iteration budget exhausted before completion"), nil
}

// dispatchBatch runs every call in the batch, in order, even when an
// early one asks to finish: side effects already promised to the model
// must happen before the run exits.
func (r *Runner) dispatchBatch(ctx context.Context, task contractx.Task, state *runState, calls []contractx.ToolRequest) (completed bool, finalMessage string, sleepFor time.Duration) {
	for _, call := range calls {
		args := r.injectContext(task, call)
		state.record("tool_call", contractx.LogEntry{Tool: call.Tool, Args: args}, r.now())

		result := r.registry.Invoke(ctx, call.Tool, args)

		if t, ok := r.registry.Lookup(call.Tool); ok {
			state.noteResult(string(t.Category), result)
		}
		state.record("tool_result", contractx.LogEntry{Tool: call.Tool, Message: resultSummary(result)}, r.now())
		state.append(toolTurn(call, result))

		if result.OK {
			switch call.Tool {
			case tool.ToolMarkComplete:
				completed = true
				if msg, ok := result.Data["final_message"].(string); ok {
					finalMessage = msg
				}
			case tool.ToolSleep:
				if seconds, ok := asInt(result.Data["duration_seconds"]); ok && seconds > 0 {
					sleepFor = time.Duration(seconds) * time.Second
				}
			case tool.ToolSendWhatsAppTask:
				if id, ok := result.Data["task_id"].(string); ok && id != "" {
					state.pendingSubTasks = append(state.pendingSubTasks, id)
				}
			}
		}
	}
	if finalMessage == "" {
		finalMessage = "task completed"
	}
	if !completed {
		finalMessage = ""
	}
	return completed, finalMessage, sleepFor
}

// injectContext overwrites contextual arguments with authoritative
// task values. The model never gets to pick identities.
func (r *Runner) injectContext(task contractx.Task, call contractx.ToolRequest) map[string]any {
	args := make(map[string]any, len(call.Args)+2)
	for key, value := range call.Args {
		args[key] = value
	}

	t, ok := r.registry.Lookup(call.Tool)
	if !ok {
		return args
	}
	for _, name := range t.Contextual {
		switch name {
		case "user_id":
			args[name] = task.UserID
		case "conversation_id":
			args[name] = task.ConversationID
		}
	}
	return args
}

// doWait is the rendezvous: pause, then pull status updates written
// since the last rendezvous and surface them to the model.
func (r *Runner) doWait(ctx context.Context, task contractx.Task, state *runState, d time.Duration) (bool, contractx.RunResult) {
	state.consecutiveWaits++
	if r.cfg.MaxConsecutiveWaits > 0 && state.consecutiveWaits > r.cfg.MaxConsecutiveWaits {
		return true, r.finish(task, state, contractx.RunFailed, "stalled: too many consecutive waits")
	}
	if state.consecutiveWaits > 1 {
		log.Warn().Int("consecutive_waits", state.consecutiveWaits).Str("task_id", task.ID).Msg("agent waiting again without progress")
	}

	state.record("sleep", contractx.LogEntry{Message: d.String()}, r.now())
	if err := r.sleep(ctx, d); err != nil {
		return true, r.finish(task, state, contractx.RunFailed, "run cancelled while waiting")
	}
	state.record("wake_up", contractx.LogEntry{}, r.now())

	since := state.lastRendezvous
	state.lastRendezvous = r.now()

	var fresh []string
	if r.status != nil {
		updates, err := r.status.ReadStatus(ctx, task.ConversationID, contractx.StatusFilter{})
		if err != nil {
			log.Warn().Err(err).Str("task_id", task.ID).Msg("status poll failed after wait")
		} else {
			for _, update := range updates {
				if update.Timestamp.After(since) && update.AgentID != r.agentID {
					fresh = append(fresh, fmt.Sprintf("[%s/%s] %s", update.AgentType, update.AgentID, update.Update))
				}
			}
		}
	}
	fresh = append(fresh, r.pollSubTasks(ctx, task, state)...)

	if len(fresh) == 0 {
		state.append(schema.UserMessage("You woke up. No new information is available."))
		return false, contractx.RunResult{}
	}

	state.append(schema.UserMessage("You woke up. NEW INFORMATION:\n" + strings.Join(fresh, "\n")))
	return false, contractx.RunResult{}
}

// pollSubTasks asks the messaging gateway directly about delegated
// tasks that have not reported back yet. Terminal outcomes are
// surfaced once and dropped from the pending set.
func (r *Runner) pollSubTasks(ctx context.Context, task contractx.Task, state *runState) []string {
	if r.messaging == nil || len(state.pendingSubTasks) == 0 {
		return nil
	}

	var outcomes []string
	remaining := state.pendingSubTasks[:0]
	for _, id := range state.pendingSubTasks {
		status, result, err := r.messaging.TaskStatus(ctx, id)
		if err != nil {
			log.Warn().Err(err).Str("task_id", task.ID).Str("sub_task_id", id).Msg("sub-task status poll failed")
			remaining = append(remaining, id)
			continue
		}
		if status == contractx.RunRunning {
			remaining = append(remaining, id)
			continue
		}
		outcomes = append(outcomes, fmt.Sprintf("[whatsapp/%s] %s: %s", id, status, result))
	}
	state.pendingSubTasks = remaining
	return outcomes
}

// evaluate is the two-tier completion policy: model judge first, then
// the deterministic keyword fallback.
func (r *Runner) evaluate(ctx context.Context, task contractx.Task, state *runState) contractx.Judgment {
	if r.judge != nil {
		verdict, err := r.judge.Judge(ctx, task, state.summary())
		if err == nil {
			return verdict
		}
		log.Warn().Err(err).Str("task_id", task.ID).Msg("completion judge failed, using keyword fallback")
	}
	return FallbackJudgment(task.Instruction, state.stats)
}

func (r *Runner) finish(task contractx.Task, state *runState, status contractx.RunStatus, message string) contractx.RunResult {
	state.record("task_end", contractx.LogEntry{Message: message}, r.now())
	log.Info().
		Str("task_id", task.ID).
		Str("status", string(status)).
		Int("iterations", state.iteration).
		Msg("agent run finished")

	return contractx.RunResult{
		TaskID:       task.ID,
		Status:       status,
		FinalMessage: message,
		Iterations:   state.iteration,
		Transcript:   state.transcriptText(),
		ExecutionLog: state.log,
		KeyFacts:     state.keyFacts,
	}
}

func (r *Runner) initialContext(task contractx.Task, plan []string) string {
	if plan == nil {
		plan = []string{}
	}
	context := map[string]any{
		"original_task":   task.Instruction,
		"user_id":         task.UserID,
		"conversation_id": task.ConversationID,
		"user_data":       task.Profile,
		"plan":            plan,
	}
	raw, err := json.Marshal(context)
	if err != nil {
		return task.Instruction
	}
	return string(raw)
}

func assistantTurn(d contractx.Decision) *schema.Message {
	msg := &schema.Message{Role: schema.Assistant, Content: d.Text}
	for _, call := range d.ToolCalls {
		args := "{}"
		if len(call.Args) > 0 {
			if raw, err := json.Marshal(call.Args); err == nil {
				args = string(raw)
			}
		}
		msg.ToolCalls = append(msg.ToolCalls, schema.ToolCall{
			ID:       call.CallID,
			Function: schema.FunctionCall{Name: call.Tool, Arguments: args},
		})
	}
	return msg
}

func toolTurn(call contractx.ToolRequest, result contractx.ToolResult) *schema.Message {
	raw, err := json.Marshal(result)
	if err != nil {
		raw = []byte(`{"success":false,"error":"unencodable tool result"}`)
	}
	return &schema.Message{
		Role:       schema.Tool,
		Content:    string(raw),
		ToolCallID: call.CallID,
	}
}

func resultSummary(result contractx.ToolResult) string {
	if result.OK {
		return "success"
	}
	return "error: " + result.Error
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}
