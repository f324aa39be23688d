// Package store speaks to the shared status/memory service every agent
// coordinates through, and provides an in-process implementation of the
// same semantics.
package store

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

	"github.com/rs/zerolog/log"

	contractx "github.com/conciergehq/concierge/agent/contract"
)

const maxResponseSizeBytes = 2 << 20

type Config struct {
	BaseURL     string        `envconfig:"BASE_URL" split_words:"true" required:"true"`
	Timeout     time.Duration `envconfig:"TIMEOUT" split_words:"true" default:"10s"`
	ReadRetries int           `envconfig:"READ_RETRIES" split_words:"true" default:"3"`
	ReadBackoff time.Duration `envconfig:"READ_BACKOFF" split_words:"true" default:"500ms"`
}

// Option customizes a Client.
type Option func(*Client)

func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

func WithSleeper(sleep contractx.Sleeper) Option {
	return func(c *Client) {
		if sleep != nil {
			c.sleep = sleep
		}
	}
}

// Client talks to the global status/memory service over its JSON API.
// Writes are single-shot; status reads retry with bounded backoff
// because the rendezvous after a wait depends on them.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	readRetries int
	readBackoff time.Duration
	sleep       contractx.Sleeper
}

var (
	_ contractx.StatusStore = (*Client)(nil)
	_ contractx.MemoryStore = (*Client)(nil)
)

func NewClient(cfg Config, opts ...Option) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("store base url is required")
	}
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, fmt.Errorf("invalid store base url: %w", err)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	retries := cfg.ReadRetries
	if retries < 1 {
		retries = 1
	}
	backoff := cfg.ReadBackoff
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}

	client := &Client{
		baseURL:     baseURL,
		httpClient:  &http.Client{Timeout: timeout},
		readRetries: retries,
		readBackoff: backoff,
		sleep:       defaultSleep,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(client)
		}
	}
	return client, nil
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

type writeStatusRequest struct {
	AgentID        string `json:"agent_id"`
	AgentType      string `json:"agent_type"`
	ConversationID string `json:"conversation_id"`
	Update         string `json:"update"`
}

func (c *Client) WriteStatus(ctx context.Context, update contractx.StatusUpdate) error {
	if update.ConversationID == "" || strings.TrimSpace(update.Update) == "" {
		return fmt.Errorf("%w: conversation_id and update are required", contractx.ErrValidation)
	}

	payload := writeStatusRequest{
		AgentID:        update.AgentID,
		AgentType:      update.AgentType,
		ConversationID: update.ConversationID,
		Update:         update.Update,
	}
	if err := c.post(ctx, "/api/status/write", payload, nil); err != nil {
		return fmt.Errorf("write status: %w", err)
	}
	return nil
}

type readStatusRequest struct {
	ConversationID string `json:"conversation_id"`
	AgentType      string `json:"agent_type,omitempty"`
	AgentID        string `json:"agent_id,omitempty"`
}

type statusWire struct {
	ID             string `json:"status_id"`
	AgentID        string `json:"agent_id"`
	AgentType      string `json:"agent_type"`
	ConversationID string `json:"conversation_id"`
	Update         string `json:"update"`
	Timestamp      string `json:"timestamp"`
}

type readStatusResponse struct {
	StatusUpdates []statusWire `json:"status_updates"`
}

func (c *Client) ReadStatus(ctx context.Context, conversationID string, filter contractx.StatusFilter) ([]contractx.StatusUpdate, error) {
	if conversationID == "" {
		return nil, fmt.Errorf("%w: conversation_id is required", contractx.ErrValidation)
	}

	payload := readStatusRequest{
		ConversationID: conversationID,
		AgentType:      filter.AgentType,
		AgentID:        filter.AgentID,
	}

	var parsed readStatusResponse
	var lastErr error
	for attempt := 1; attempt <= c.readRetries; attempt++ {
		lastErr = c.post(ctx, "/api/status/read", payload, &parsed)
		if lastErr == nil {
			break
		}
		log.Warn().Err(lastErr).Int("attempt", attempt).Msg("status read failed")
		if attempt < c.readRetries {
			if err := c.sleep(ctx, c.readBackoff*time.Duration(attempt)); err != nil {
				return nil, err
			}
		}
	}
	if lastErr != nil {
		return nil, fmt.Errorf("%w: %v", contractx.ErrStoreUnavailable, lastErr)
	}

	updates := make([]contractx.StatusUpdate, 0, len(parsed.StatusUpdates))
	for _, wire := range parsed.StatusUpdates {
		updates = append(updates, contractx.StatusUpdate{
			ID:             wire.ID,
			AgentID:        wire.AgentID,
			AgentType:      wire.AgentType,
			ConversationID: wire.ConversationID,
			Update:         wire.Update,
			Timestamp:      parseTimestamp(wire.Timestamp),
		})
	}
	return updates, nil
}

type addMemoryRequest struct {
	UserID    string `json:"user_id"`
	Memory    string `json:"memory"`
	ContactID string `json:"contact_id,omitempty"`
}

type addMemoryResponse struct {
	MemoryID string `json:"memory_id"`
}

func (c *Client) AddMemory(ctx context.Context, rec contractx.MemoryRecord) (string, error) {
	if rec.OwnerID == "" || strings.TrimSpace(rec.Text) == "" {
		return "", fmt.Errorf("%w: user_id and memory are required", contractx.ErrValidation)
	}

	payload := addMemoryRequest{UserID: rec.OwnerID, Memory: rec.Text}
	if rec.Scope == contractx.ScopeContact {
		payload.ContactID = rec.Collection
	}

	var parsed addMemoryResponse
	if err := c.post(ctx, "/api/memory/add", payload, &parsed); err != nil {
		return "", fmt.Errorf("add memory: %w", err)
	}
	return parsed.MemoryID, nil
}

type searchMemoryRequest struct {
	UserID               string `json:"user_id"`
	Query                string `json:"query"`
	NResults             int    `json:"n_results"`
	SearchAllCollections bool   `json:"search_all_collections"`
}

type memoryWire struct {
	ID         string  `json:"memory_id"`
	Memory     string  `json:"memory"`
	MemoryType string  `json:"memory_type"`
	Collection string  `json:"collection_name"`
	Score      float64 `json:"score"`
}

type searchMemoryResponse struct {
	Results []memoryWire `json:"results"`
}

// SearchMemory always searches across all of the owner's collections;
// the service enforces that other users' collections stay invisible.
func (c *Client) SearchMemory(ctx context.Context, ownerID, query string, limit int) ([]contractx.MemoryRecord, error) {
	if ownerID == "" || strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("%w: user_id and query are required", contractx.ErrValidation)
	}
	if limit <= 0 {
		limit = 5
	}

	payload := searchMemoryRequest{
		UserID:               ownerID,
		Query:                query,
		NResults:             limit,
		SearchAllCollections: true,
	}

	var parsed searchMemoryResponse
	if err := c.post(ctx, "/api/memory/search", payload, &parsed); err != nil {
		return nil, fmt.Errorf("search memory: %w", err)
	}

	records := make([]contractx.MemoryRecord, 0, len(parsed.Results))
	for _, wire := range parsed.Results {
		scope := contractx.ScopeUser
		if wire.MemoryType == string(contractx.ScopeContact) {
			scope = contractx.ScopeContact
		}
		records = append(records, contractx.MemoryRecord{
			ID:         wire.ID,
			Scope:      scope,
			OwnerID:    ownerID,
			Collection: wire.Collection,
			Text:       wire.Memory,
			Score:      wire.Score,
		})
	}
	return records, nil
}

// FetchUser loads the user's profile document, best effort.
func (c *Client) FetchUser(ctx context.Context, userID string) (map[string]any, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", contractx.ErrValidation)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/user/"+url.PathEscape(userID), nil)
	if err != nil {
		return nil, fmt.Errorf("build user request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch user: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSizeBytes))
	if err != nil {
		return nil, fmt.Errorf("read user response: %w", err)
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, fmt.Errorf("user http status=%d body=%s", resp.StatusCode, string(raw))
	}

	var profile map[string]any
	if err := json.Unmarshal(raw, &profile); err != nil {
		return nil, fmt.Errorf("decode user response: %w", err)
	}
	// Contacts are managed through their own tools.
	delete(profile, "Contacts")
	return profile, nil
}

func (c *Client) post(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
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

func parseTimestamp(raw string) time.Time {
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05.999999", "2006-01-02T15:04:05"} {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts
		}
	}
	return time.Time{}
}
