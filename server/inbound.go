package server

import (
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	contractx "github.com/conciergehq/concierge/agent/contract"
)

// handleInbound accepts a relayed message from a messaging transport.
// Duplicates are acknowledged without reprocessing: the transport may
// redeliver, and the guard exists precisely for that.
func (s *Server) handleInbound(w http.ResponseWriter, r *http.Request) {
	if s.inbound == nil {
		writeError(w, http.StatusServiceUnavailable, "inbound processing is not configured")
		return
	}

	var msg contractx.InboundMessage
	if err := decodeJSON(r, &msg); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if msg.Sender == "" || msg.Content == "" {
		writeError(w, http.StatusBadRequest, "sender and content are required")
		return
	}

	err := s.inbound.Process(r.Context(), msg)
	switch {
	case errors.Is(err, contractx.ErrDuplicateMessage):
		writeJSON(w, http.StatusOK, map[string]string{"status": "duplicate"})
	case err != nil:
		log.Error().Err(err).Str("sender", msg.Sender).Msg("inbound processing failed")
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusOK, map[string]string{"status": "processed"})
	}
}
