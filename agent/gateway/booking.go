package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	contractx "github.com/conciergehq/concierge/agent/contract"
)

type BookingConfig struct {
	BaseURL string        `envconfig:"BASE_URL" split_words:"true" required:"true"`
	Timeout time.Duration `envconfig:"TIMEOUT" split_words:"true" default:"60s"`
}

// BookingClient launches long-running flight bookings. The checkout
// service reports the outcome through the completion webhook, so the
// only thing returned here is the run id.
type BookingClient struct {
	baseURL    string
	httpClient *http.Client
}

var _ contractx.BookingGateway = (*BookingClient)(nil)

func NewBookingClient(cfg BookingConfig, opts ...ClientOption) (*BookingClient, error) {
	baseURL, httpClient, err := clientBase(cfg.BaseURL, cfg.Timeout, opts)
	if err != nil {
		return nil, err
	}
	return &BookingClient{baseURL: baseURL, httpClient: httpClient}, nil
}

type bookDirectRequest struct {
	DirectBookingLink string `json:"direct_booking_link"`
	Task              string `json:"task"`
	UserID            string `json:"user_id"`
	ConversationID    string `json:"conversation_id"`
}

type bookDirectResponse struct {
	RunID string `json:"run_id"`
}

func (c *BookingClient) StartBooking(ctx context.Context, task contractx.Task, link string) (contractx.SubTaskRef, error) {
	if strings.TrimSpace(link) == "" {
		return contractx.SubTaskRef{}, fmt.Errorf("%w: booking link is required", contractx.ErrValidation)
	}
	if task.ConversationID == "" {
		return contractx.SubTaskRef{}, fmt.Errorf("%w: conversation_id is required", contractx.ErrValidation)
	}

	payload := bookDirectRequest{
		DirectBookingLink: link,
		Task:              task.Instruction,
		UserID:            task.UserID,
		ConversationID:    task.ConversationID,
	}

	var parsed bookDirectResponse
	if err := postJSON(ctx, c.httpClient, c.baseURL+"/flights/book-direct", payload, &parsed, nil); err != nil {
		return contractx.SubTaskRef{}, fmt.Errorf("start booking: %w", err)
	}
	if parsed.RunID == "" {
		return contractx.SubTaskRef{}, errors.New("checkout agent returned no run id")
	}
	return contractx.SubTaskRef{RunID: parsed.RunID}, nil
}
