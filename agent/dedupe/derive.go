package dedupe

import (
	"fmt"

	contractx "github.com/conciergehq/concierge/agent/contract"
)

// MessageID returns a stable identifier for an inbound message. The
// upstream id wins when present; otherwise the id is derived from
// sender, chat, content hash, and timestamp, so the same message seen
// twice derives the same id.
func MessageID(msg contractx.InboundMessage) string {
	if msg.ID != "" {
		return msg.ID
	}
	return fmt.Sprintf("%s_%s_%s_%d", msg.Sender, msg.ChatJID, contentHash(msg.Content), msg.Timestamp.Unix())
}
