package dedupe

import (
	"context"
	"testing"
	"time"

	contractx "github.com/conciergehq/concierge/agent/contract"
)

func TestCacheSuppressesWithinWindow(t *testing.T) {
	t.Parallel()

	now := time.Now()
	cache := NewCache(60 * time.Second).WithClock(func() time.Time { return now })

	if cache.Seen("+441234567890", "hello") {
		t.Fatal("first send must not be a duplicate")
	}
	if !cache.Seen("+441234567890", "hello") {
		t.Fatal("identical send inside the window must be a duplicate")
	}
	if cache.Seen("+440987654321", "hello") {
		t.Fatal("different recipient must not be a duplicate")
	}
	if cache.Seen("+441234567890", "different body") {
		t.Fatal("different body must not be a duplicate")
	}
}

func TestCacheExpires(t *testing.T) {
	t.Parallel()

	now := time.Now()
	cache := NewCache(60 * time.Second).WithClock(func() time.Time { return now })

	if cache.Seen("+441234567890", "hello") {
		t.Fatal("first send must not be a duplicate")
	}

	now = now.Add(61 * time.Second)
	if cache.Seen("+441234567890", "hello") {
		t.Fatal("send after the window must not be a duplicate")
	}
}

func TestMessageIDPrefersUpstreamID(t *testing.T) {
	t.Parallel()

	msg := contractx.InboundMessage{ID: "wamid.123", Sender: "a", Content: "hi"}
	if got := MessageID(msg); got != "wamid.123" {
		t.Fatalf("unexpected id: %s", got)
	}
}

func TestMessageIDDerivationIsStable(t *testing.T) {
	t.Parallel()

	ts := time.Unix(1700000000, 0)
	msg := contractx.InboundMessage{Sender: "alice", ChatJID: "chat-1", Content: "hello there", Timestamp: ts}

	first := MessageID(msg)
	second := MessageID(msg)
	if first != second {
		t.Fatalf("derived ids differ: %s vs %s", first, second)
	}

	other := msg
	other.Content = "different content"
	if MessageID(other) == first {
		t.Fatal("different content must derive a different id")
	}
}

func TestMemoryLogSeenMark(t *testing.T) {
	t.Parallel()

	log := NewMemoryLog()
	ctx := context.Background()

	seen, err := log.Seen(ctx, "id-1")
	if err != nil || seen {
		t.Fatalf("unexpected: seen=%v err=%v", seen, err)
	}
	if err := log.Mark(ctx, "id-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	seen, err = log.Seen(ctx, "id-1")
	if err != nil || !seen {
		t.Fatalf("unexpected: seen=%v err=%v", seen, err)
	}
}
