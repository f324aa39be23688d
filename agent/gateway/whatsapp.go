package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	contractx "github.com/conciergehq/concierge/agent/contract"
)

type WhatsAppConfig struct {
	BaseURL       string        `envconfig:"BASE_URL" split_words:"true" required:"true"`
	Model         string        `envconfig:"MODEL" split_words:"true" default:"llama-3.3-70b-versatile"`
	MaxIterations int           `envconfig:"MAX_ITERATIONS" split_words:"true" default:"10"`
	Timeout       time.Duration `envconfig:"TIMEOUT" split_words:"true" default:"30s"`
}

// WhatsAppClient delegates messaging tasks to the WhatsApp sub-agent.
type WhatsAppClient struct {
	cfg        WhatsAppConfig
	baseURL    string
	httpClient *http.Client
}

var _ contractx.MessagingGateway = (*WhatsAppClient)(nil)

func NewWhatsAppClient(cfg WhatsAppConfig, opts ...ClientOption) (*WhatsAppClient, error) {
	baseURL, httpClient, err := clientBase(cfg.BaseURL, cfg.Timeout, opts)
	if err != nil {
		return nil, err
	}
	return &WhatsAppClient{cfg: cfg, baseURL: baseURL, httpClient: httpClient}, nil
}

type executeTaskRequest struct {
	Task           string `json:"task"`
	UserID         string `json:"user_id"`
	ConversationID string `json:"conversation_id"`
	Model          string `json:"model"`
	MaxIterations  int    `json:"max_iterations"`
}

type executeTaskResponse struct {
	TaskID string `json:"task_id"`
}

func (c *WhatsAppClient) ExecuteTask(ctx context.Context, task contractx.Task) (contractx.SubTaskRef, error) {
	if strings.TrimSpace(task.Instruction) == "" {
		return contractx.SubTaskRef{}, fmt.Errorf("%w: task is required", contractx.ErrValidation)
	}
	if task.UserID == "" || task.ConversationID == "" {
		return contractx.SubTaskRef{}, fmt.Errorf("%w: user_id and conversation_id are required", contractx.ErrValidation)
	}

	payload := executeTaskRequest{
		Task:           task.Instruction,
		UserID:         task.UserID,
		ConversationID: task.ConversationID,
		Model:          c.cfg.Model,
		MaxIterations:  c.cfg.MaxIterations,
	}

	var parsed executeTaskResponse
	if err := postJSON(ctx, c.httpClient, c.baseURL+"/execute_task", payload, &parsed, nil); err != nil {
		return contractx.SubTaskRef{}, fmt.Errorf("execute whatsapp task: %w", err)
	}
	if parsed.TaskID == "" {
		return contractx.SubTaskRef{}, errors.New("whatsapp agent returned no task id")
	}
	return contractx.SubTaskRef{TaskID: parsed.TaskID}, nil
}

type taskStatusResponse struct {
	Status string `json:"status"`
	Result string `json:"result"`
}

func (c *WhatsAppClient) TaskStatus(ctx context.Context, taskID string) (contractx.RunStatus, string, error) {
	if strings.TrimSpace(taskID) == "" {
		return "", "", fmt.Errorf("%w: task id is required", contractx.ErrValidation)
	}

	var parsed taskStatusResponse
	endpoint := c.baseURL + "/task_status/" + url.PathEscape(taskID)
	if err := getJSON(ctx, c.httpClient, endpoint, &parsed); err != nil {
		return "", "", fmt.Errorf("whatsapp task status: %w", err)
	}

	switch parsed.Status {
	case string(contractx.RunCompleted):
		return contractx.RunCompleted, parsed.Result, nil
	case string(contractx.RunFailed):
		return contractx.RunFailed, parsed.Result, nil
	default:
		return contractx.RunRunning, parsed.Result, nil
	}
}
