// Package gateway holds the fire-and-continue HTTP clients for the
// sub-agents. Starting work returns immediately; outcomes come back
// later as status updates.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	contractx "github.com/conciergehq/concierge/agent/contract"
	"github.com/conciergehq/concierge/agent/prompt"
)

const maxResponseSizeBytes = 2 << 20

type PhoneConfig struct {
	BaseURL       string        `envconfig:"BASE_URL" split_words:"true" default:"https://api.elevenlabs.io"`
	APIKey        string        `envconfig:"API_KEY" split_words:"true" required:"true"`
	AgentID       string        `envconfig:"AGENT_ID" split_words:"true" required:"true"`
	PhoneNumberID string        `envconfig:"PHONE_NUMBER_ID" split_words:"true" required:"true"`
	FirstMessage  string        `envconfig:"FIRST_MESSAGE" split_words:"true" default:"Hello!"`
	Timeout       time.Duration `envconfig:"TIMEOUT" split_words:"true" default:"30s"`
}

// PhoneClient starts outbound voice calls through a conversational
// voice provider. The per-call system prompt is the voice template
// with the task script spliced in.
type PhoneClient struct {
	cfg        PhoneConfig
	baseURL    string
	httpClient *http.Client
	prompts    prompt.PromptSet
}

var _ contractx.PhoneGateway = (*PhoneClient)(nil)

func NewPhoneClient(cfg PhoneConfig, opts ...ClientOption) (*PhoneClient, error) {
	baseURL, httpClient, err := clientBase(cfg.BaseURL, cfg.Timeout, opts)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("phone api key is required")
	}

	return &PhoneClient{
		cfg:        cfg,
		baseURL:    baseURL,
		httpClient: httpClient,
		prompts:    prompt.LoadPromptSet(),
	}, nil
}

type outboundCallRequest struct {
	AgentID            string         `json:"agent_id"`
	AgentPhoneNumberID string         `json:"agent_phone_number_id"`
	ToNumber           string         `json:"to_number"`
	InitData           callClientData `json:"conversation_initiation_client_data"`
}

type callClientData struct {
	ConfigOverride callConfigOverride `json:"conversation_config_override"`
}

type callConfigOverride struct {
	Agent callAgentOverride `json:"agent"`
}

type callAgentOverride struct {
	Prompt       callPrompt `json:"prompt"`
	FirstMessage string     `json:"first_message"`
}

type callPrompt struct {
	Prompt string `json:"prompt"`
}

type outboundCallResponse struct {
	CallID string `json:"call_id"`
}

func (c *PhoneClient) StartCall(ctx context.Context, number, script, conversationID string) (contractx.CallRef, error) {
	if strings.TrimSpace(number) == "" {
		return contractx.CallRef{}, fmt.Errorf("%w: phone number is required", contractx.ErrValidation)
	}

	contextInfo := ""
	if conversationID != "" {
		contextInfo = "CONVERSATION ID: " + conversationID
	}

	payload := outboundCallRequest{
		AgentID:            c.cfg.AgentID,
		AgentPhoneNumberID: c.cfg.PhoneNumberID,
		ToNumber:           number,
		InitData: callClientData{
			ConfigOverride: callConfigOverride{
				Agent: callAgentOverride{
					Prompt:       callPrompt{Prompt: prompt.RenderCallVoice(c.prompts, script, contextInfo)},
					FirstMessage: c.cfg.FirstMessage,
				},
			},
		},
	}

	var parsed outboundCallResponse
	err := postJSON(ctx, c.httpClient, c.baseURL+"/v1/convai/twilio/outbound-call", payload, &parsed, map[string]string{
		"Xi-Api-Key": c.cfg.APIKey,
	})
	if err != nil {
		return contractx.CallRef{}, fmt.Errorf("start outbound call: %w", err)
	}
	return contractx.CallRef{CallID: parsed.CallID}, nil
}

// ClientOption customizes a gateway client.
type ClientOption func(*http.Client)

func WithHTTPClient(client *http.Client) ClientOption {
	return func(target *http.Client) {
		if client != nil {
			*target = *client
		}
	}
}

func clientBase(rawURL string, timeout time.Duration, opts []ClientOption) (string, *http.Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(rawURL), "/")
	if baseURL == "" {
		return "", nil, errors.New("gateway base url is required")
	}
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return "", nil, fmt.Errorf("invalid gateway base url: %w", err)
	}

	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	httpClient := &http.Client{Timeout: timeout}
	for _, opt := range opts {
		if opt != nil {
			opt(httpClient)
		}
	}
	return baseURL, httpClient, nil
}

func postJSON(ctx context.Context, client *http.Client, endpoint string, payload, out any, headers map[string]string) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSizeBytes))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("http status=%d body=%s", resp.StatusCode, string(raw))
	}

	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

func getJSON(ctx context.Context, client *http.Client, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSizeBytes))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("http status=%d body=%s", resp.StatusCode, string(raw))
	}

	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
