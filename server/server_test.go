package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	contractx "github.com/conciergehq/concierge/agent/contract"
	"github.com/conciergehq/concierge/agent/dedupe"
	"github.com/conciergehq/concierge/agent/inbound"
	"github.com/conciergehq/concierge/agent/store"
)

type fakeRunner struct {
	mu     sync.Mutex
	tasks  []contractx.Task
	result contractx.RunResult
	err    error
	done   chan struct{}
}

func newFakeRunner(result contractx.RunResult, err error) *fakeRunner {
	return &fakeRunner{result: result, err: err, done: make(chan struct{}, 8)}
}

func (r *fakeRunner) Run(_ context.Context, task contractx.Task) (contractx.RunResult, error) {
	r.mu.Lock()
	r.tasks = append(r.tasks, task)
	r.mu.Unlock()
	r.done <- struct{}{}
	result := r.result
	result.TaskID = task.ID
	return result, r.err
}

func (r *fakeRunner) lastTask(t *testing.T) contractx.Task {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.tasks) == 0 {
		t.Fatal("no task was run")
	}
	return r.tasks[len(r.tasks)-1]
}

type fakeProfiles struct {
	profile map[string]any
	err     error
}

func (f *fakeProfiles) FetchUser(context.Context, string) (map[string]any, error) {
	return f.profile, f.err
}

func awaitRun(t *testing.T, runner *fakeRunner) {
	t.Helper()
	select {
	case <-runner.done:
	case <-time.After(2 * time.Second):
		t.Fatal("task was never run")
	}
}

func postJSON(t *testing.T, handler http.Handler, path string, payload any) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body)))
	return rec
}

func TestInvokeAcceptsAndCompletes(t *testing.T) {
	t.Parallel()

	runner := newFakeRunner(contractx.RunResult{
		Status:       contractx.RunCompleted,
		FinalMessage: "table booked",
		Iterations:   3,
	}, nil)
	srv, err := New(Config{}, runner, &fakeProfiles{profile: map[string]any{"Name": "Alice"}}, nil, "orch-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	handler := srv.Handler()

	rec := postJSON(t, handler, "/invoke", map[string]any{
		"task":            "book a table for two",
		"user_id":         "user-1",
		"conversation_id": "conv-1",
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}

	var accepted invokeResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &accepted); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if accepted.TaskID == "" || accepted.Status != string(contractx.RunRunning) {
		t.Fatalf("unexpected response: %+v", accepted)
	}

	awaitRun(t, runner)
	task := runner.lastTask(t)
	if task.Instruction != "book a table for two" || task.UserID != "user-1" {
		t.Fatalf("unexpected task: %+v", task)
	}
	if task.Profile["Name"] != "Alice" {
		t.Fatalf("profile not prefetched: %v", task.Profile)
	}

	// Poll until the detached run records its result.
	deadline := time.Now().Add(2 * time.Second)
	for {
		statusRec := httptest.NewRecorder()
		handler.ServeHTTP(statusRec, httptest.NewRequest(http.MethodGet, "/task_status/"+accepted.TaskID, nil))
		if statusRec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", statusRec.Code)
		}
		var record TaskRecord
		if err := json.Unmarshal(statusRec.Body.Bytes(), &record); err != nil {
			t.Fatalf("decode status: %v", err)
		}
		if record.Status == contractx.RunCompleted {
			if record.Result == nil || record.Result.FinalMessage != "table booked" {
				t.Fatalf("unexpected record: %+v", record)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("task never completed: %+v", record)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestInvokeRejectsIncompleteRequests(t *testing.T) {
	t.Parallel()

	srv, err := New(Config{}, newFakeRunner(contractx.RunResult{}, nil), nil, nil, "orch-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	rec := postJSON(t, srv.Handler(), "/invoke", map[string]any{"task": "do something"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestTaskStatusUnknownTask(t *testing.T) {
	t.Parallel()

	srv, err := New(Config{}, newFakeRunner(contractx.RunResult{}, nil), nil, nil, "orch-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/task_status/nope", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestWebhookWritesSingleStatusUpdate(t *testing.T) {
	t.Parallel()

	status := store.NewMemory()
	srv, err := New(Config{}, newFakeRunner(contractx.RunResult{}, nil), nil, status, "orch-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	output, _ := json.Marshal(map[string]any{
		"conversation_id": "conv-1",
		"agent_id":        "booking-1",
		"agent_type":      "booking",
		"booking_details": map[string]any{"booking_confirmation_number": "ABC123", "total_price": "£120"},
	})
	rec := postJSON(t, srv.Handler(), "/webhooks/task-complete", map[string]any{
		"runId":  "run-1",
		"status": "completed",
		"output": json.RawMessage(output),
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	updates, err := status.ReadStatus(context.Background(), "conv-1", contractx.StatusFilter{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(updates) != 1 {
		t.Fatalf("expected exactly one status update, got %d", len(updates))
	}
	update := updates[0]
	if update.AgentType != "booking" || update.AgentID != "booking-1" {
		t.Fatalf("unexpected identity: %+v", update)
	}
	if !strings.Contains(update.Update, "Run ID: run-1") || !strings.Contains(update.Update, "ABC123") {
		t.Fatalf("unexpected update text: %s", update.Update)
	}
}

func TestWebhookDegradesOnMalformedOutput(t *testing.T) {
	t.Parallel()

	status := store.NewMemory()
	srv, err := New(Config{}, newFakeRunner(contractx.RunResult{}, nil), nil, status, "orch-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	rec := postJSON(t, srv.Handler(), "/webhooks/task-complete", map[string]any{
		"runId":         "run-2",
		"status":        "failed",
		"output":        "this is not json at all",
		"failureReason": "payment declined",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("well-formed envelopes must be acknowledged, got %d", rec.Code)
	}

	updates, err := status.ReadStatus(context.Background(), "unknown", contractx.StatusFilter{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(updates) != 1 {
		t.Fatalf("expected one degraded update, got %d", len(updates))
	}
	if updates[0].AgentID != "unknown" || updates[0].AgentType != "unknown" {
		t.Fatalf("identities must degrade to unknown: %+v", updates[0])
	}
	if !strings.Contains(updates[0].Update, "payment declined") {
		t.Fatalf("failure reason missing: %s", updates[0].Update)
	}
}

func TestWebhookRejectsMissingEnvelopeFields(t *testing.T) {
	t.Parallel()

	srv, err := New(Config{}, newFakeRunner(contractx.RunResult{}, nil), nil, store.NewMemory(), "orch-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	handler := srv.Handler()

	rec := postJSON(t, handler, "/webhooks/task-complete", map[string]any{"status": "completed"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing runId, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/webhooks/task-complete", strings.NewReader("{broken")))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed JSON, got %d", rec.Code)
	}
}

func TestInboundEndpointAcknowledgesDuplicates(t *testing.T) {
	t.Parallel()

	runner := newFakeRunner(contractx.RunResult{Status: contractx.RunCompleted}, nil)
	srv, err := New(Config{}, runner, nil, nil, "orch-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	processor, err := inbound.NewProcessor(dedupe.NewMemoryLog(), inbound.ResponderFunc(
		func(ctx context.Context, msg contractx.InboundMessage) error {
			_, runErr := runner.Run(ctx, contractx.Task{
				ID:             "inbound-task",
				UserID:         msg.Sender,
				ConversationID: msg.ChatJID,
				Instruction:    msg.Content,
			})
			return runErr
		},
	))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	srv.SetInbound(processor)
	handler := srv.Handler()

	msg := map[string]any{
		"id":        "wamid.1",
		"sender":    "alice",
		"chat_jid":  "chat-1",
		"content":   "book me a flight to lyon",
		"timestamp": time.Now().Format(time.RFC3339),
	}

	rec := postJSON(t, handler, "/inbound/message", msg)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "processed") {
		t.Fatalf("expected processed, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = postJSON(t, handler, "/inbound/message", msg)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "duplicate") {
		t.Fatalf("expected duplicate ack, got %d: %s", rec.Code, rec.Body.String())
	}

	runner.mu.Lock()
	runs := len(runner.tasks)
	runner.mu.Unlock()
	if runs != 1 {
		t.Fatalf("expected one run, got %d", runs)
	}
}

func TestInboundEndpointUnconfigured(t *testing.T) {
	t.Parallel()

	srv, err := New(Config{}, newFakeRunner(contractx.RunResult{}, nil), nil, nil, "orch-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	rec := postJSON(t, srv.Handler(), "/inbound/message", map[string]any{"sender": "alice", "content": "hi"})
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}
