package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	contractx "github.com/conciergehq/concierge/agent/contract"
)

type webhookRequest struct {
	RunID         string          `json:"runId"`
	Status        string          `json:"status"`
	Output        json.RawMessage `json:"output,omitempty"`
	FailureReason string          `json:"failureReason,omitempty"`
}

type webhookResponse struct {
	Message string `json:"message"`
	Status  string `json:"status"`
}

// webhookOutput is the structured payload the booking executor embeds
// in its output. Every field may be absent; absent identities degrade
// to "unknown" rather than rejecting the notification.
type webhookOutput struct {
	ConversationID string         `json:"conversation_id"`
	AgentID        string         `json:"agent_id"`
	AgentType      string         `json:"agent_type"`
	BookingDetails map[string]any `json:"booking_details"`
}

// handleTaskComplete ingests a sub-agent completion notification and
// turns it into exactly one status update. Well-formed envelopes are
// always acknowledged with 200, even when their content is partial;
// the sender retries otherwise and the update would double-write.
func (s *Server) handleTaskComplete(w http.ResponseWriter, r *http.Request) {
	var req webhookRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.RunID == "" || req.Status == "" {
		writeError(w, http.StatusBadRequest, "runId and status are required")
		return
	}

	output := parseWebhookOutput(req.Output)
	update := buildCompletionUpdate(req, output)

	if s.status != nil {
		statusUpdate := contractx.StatusUpdate{
			ID:             uuid.NewString(),
			AgentID:        output.AgentID,
			AgentType:      output.AgentType,
			ConversationID: output.ConversationID,
			Update:         update,
			Timestamp:      time.Now(),
		}
		ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
		defer cancel()
		if err := s.status.WriteStatus(ctx, statusUpdate); err != nil {
			log.Error().Err(err).Str("run_id", req.RunID).Msg("webhook status write failed")
		}
	}

	message := fmt.Sprintf("Task %s failed and failure details recorded", req.RunID)
	if strings.EqualFold(req.Status, "completed") {
		message = fmt.Sprintf("Task %s completed successfully and result recorded", req.RunID)
	}
	writeJSON(w, http.StatusOK, webhookResponse{Message: message, Status: "processed"})
}

func parseWebhookOutput(raw json.RawMessage) webhookOutput {
	output := webhookOutput{
		ConversationID: "unknown",
		AgentID:        "unknown",
		AgentType:      "unknown",
	}
	if len(raw) == 0 {
		return output
	}

	// The output may be a JSON object, or a string wrapping one.
	payload := raw
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		payload = []byte(asString)
	}

	var parsed webhookOutput
	if err := json.Unmarshal(payload, &parsed); err != nil {
		output.BookingDetails = map[string]any{"raw_output": string(raw)}
		return output
	}

	if parsed.ConversationID != "" {
		output.ConversationID = parsed.ConversationID
	}
	if parsed.AgentID != "" {
		output.AgentID = parsed.AgentID
	}
	if parsed.AgentType != "" {
		output.AgentType = parsed.AgentType
	}
	output.BookingDetails = parsed.BookingDetails
	return output
}

func buildCompletionUpdate(req webhookRequest, output webhookOutput) string {
	var update string
	if strings.EqualFold(req.Status, "completed") {
		update = fmt.Sprintf("Booking completed successfully (Run ID: %s)", req.RunID)
		if confirmation, ok := output.BookingDetails["booking_confirmation_number"].(string); ok && confirmation != "" {
			update += " - Confirmation: " + confirmation
		}
		if price, ok := output.BookingDetails["total_price"].(string); ok && price != "" {
			update += " - Price: " + price
		}
	} else {
		update = fmt.Sprintf("Booking failed (Run ID: %s)", req.RunID)
		if req.FailureReason != "" {
			update += " - Reason: " + req.FailureReason
		}
	}

	if len(output.BookingDetails) > 0 {
		if details, err := json.Marshal(output.BookingDetails); err == nil {
			update += " - Details: " + string(details)
		}
	}
	return update
}
