// Package server exposes the orchestrator over HTTP: task submission,
// task status, and the sub-agent completion webhook.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	contractx "github.com/conciergehq/concierge/agent/contract"
)

const maxRequestBodyBytes = 1 << 20

type Config struct {
	Addr            string        `envconfig:"ADDR" split_words:"true" default:":8080"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" split_words:"true" default:"10s"`
}

// TaskRunner executes one task to a terminal state.
type TaskRunner interface {
	Run(ctx context.Context, task contractx.Task) (contractx.RunResult, error)
}

// ProfileFetcher loads a user's profile for the first-iteration
// context block. Best effort; a missing profile never blocks a task.
type ProfileFetcher interface {
	FetchUser(ctx context.Context, userID string) (map[string]any, error)
}

// InboundProcessor guards reactive message handling.
type InboundProcessor interface {
	Process(ctx context.Context, msg contractx.InboundMessage) error
}

type Server struct {
	cfg      Config
	runner   TaskRunner
	profiles ProfileFetcher
	status   contractx.StatusStore
	tasks    *TaskRegistry
	agentID  string
	inbound  InboundProcessor
}

func New(cfg Config, runner TaskRunner, profiles ProfileFetcher, status contractx.StatusStore, agentID string) (*Server, error) {
	if runner == nil {
		return nil, errors.New("server needs a task runner")
	}
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	return &Server{
		cfg:      cfg,
		runner:   runner,
		profiles: profiles,
		status:   status,
		tasks:    NewTaskRegistry(),
		agentID:  agentID,
	}, nil
}

// SetInbound installs the inbound message path. Call before Handler.
func (s *Server) SetInbound(processor InboundProcessor) {
	s.inbound = processor
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /invoke", s.handleInvoke)
	mux.HandleFunc("GET /task_status/{id}", s.handleTaskStatus)
	mux.HandleFunc("POST /webhooks/task-complete", s.handleTaskComplete)
	mux.HandleFunc("POST /inbound/message", s.handleInbound)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	return mux
}

// Run serves until ctx is cancelled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", s.cfg.Addr).Msg("http server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return <-errCh
}

type invokeRequest struct {
	Task            string `json:"task"`
	UserID          string `json:"user_id"`
	ConversationID  string `json:"conversation_id"`
	MaxIterations   int    `json:"max_iterations,omitempty"`
	WaitDurationSec int    `json:"wait_duration_seconds,omitempty"`
}

type invokeResponse struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
}

func (s *Server) handleInvoke(w http.ResponseWriter, r *http.Request) {
	var req invokeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Task) == "" || req.UserID == "" || req.ConversationID == "" {
		writeError(w, http.StatusBadRequest, "task, user_id, and conversation_id are required")
		return
	}

	task := contractx.Task{
		ID:             uuid.NewString(),
		UserID:         req.UserID,
		ConversationID: req.ConversationID,
		Instruction:    req.Task,
		MaxIterations:  req.MaxIterations,
		WaitDuration:   time.Duration(req.WaitDurationSec) * time.Second,
	}

	if s.profiles != nil {
		profile, err := s.profiles.FetchUser(r.Context(), task.UserID)
		if err != nil {
			log.Warn().Err(err).Str("user_id", task.UserID).Msg("profile prefetch failed")
		} else {
			task.Profile = profile
		}
	}

	s.tasks.Start(task.ID)
	go s.runTask(task)

	writeJSON(w, http.StatusAccepted, invokeResponse{TaskID: task.ID, Status: string(contractx.RunRunning)})
}

// runTask executes the agent detached from the request lifecycle; the
// submitter polls /task_status/{id} for the outcome.
func (s *Server) runTask(task contractx.Task) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Error().Str("task_id", task.ID).Any("panic", rec).Msg("task run panicked")
			s.tasks.Complete(task.ID, contractx.RunResult{
				TaskID:       task.ID,
				Status:       contractx.RunFailed,
				FinalMessage: fmt.Sprintf("internal error: %v", rec),
			})
		}
	}()

	result, err := s.runner.Run(context.Background(), task)
	if err != nil {
		log.Error().Err(err).Str("task_id", task.ID).Msg("task run errored")
		s.tasks.Complete(task.ID, contractx.RunResult{
			TaskID:       task.ID,
			Status:       contractx.RunFailed,
			FinalMessage: err.Error(),
		})
		return
	}
	s.tasks.Complete(task.ID, result)
}

func (s *Server) handleTaskStatus(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("id")
	record, ok := s.tasks.Get(taskID)
	if !ok {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func decodeJSON(r *http.Request, out any) error {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBodyBytes))
	if err != nil {
		return fmt.Errorf("read request body: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Error().Err(err).Msg("write response failed")
	}
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]string{"error": message})
}
