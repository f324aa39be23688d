package store

import (
	"context"
	"testing"
	"time"

	contractx "github.com/conciergehq/concierge/agent/contract"
)

func TestMemoryStatusOrderingAndFilters(t *testing.T) {
	t.Parallel()

	mem := NewMemory()
	ctx := context.Background()
	base := time.Now()

	// Written out of order; reads must come back oldest first.
	updates := []contractx.StatusUpdate{
		{AgentID: "phone-1", AgentType: "phone", ConversationID: "conv-1", Update: "second", Timestamp: base.Add(2 * time.Second)},
		{AgentID: "orch-1", AgentType: "orchestrator", ConversationID: "conv-1", Update: "first", Timestamp: base.Add(1 * time.Second)},
		{AgentID: "phone-1", AgentType: "phone", ConversationID: "conv-1", Update: "third", Timestamp: base.Add(3 * time.Second)},
	}
	for _, update := range updates {
		if err := mem.WriteStatus(ctx, update); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	all, err := mem.ReadStatus(ctx, "conv-1", contractx.StatusFilter{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 updates, got %d", len(all))
	}
	if all[0].Update != "first" || all[2].Update != "third" {
		t.Fatalf("updates out of order: %v", all)
	}

	phoneOnly, err := mem.ReadStatus(ctx, "conv-1", contractx.StatusFilter{AgentType: "phone"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(phoneOnly) != 2 {
		t.Fatalf("expected 2 phone updates, got %d", len(phoneOnly))
	}

	other, err := mem.ReadStatus(ctx, "conv-2", contractx.StatusFilter{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(other) != 0 {
		t.Fatalf("conversation isolation broken: %v", other)
	}
}

func TestMemoryStatusIsAppendOnly(t *testing.T) {
	t.Parallel()

	mem := NewMemory()
	ctx := context.Background()

	if err := mem.WriteStatus(ctx, contractx.StatusUpdate{ConversationID: "conv-1", Update: "original"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mem.WriteStatus(ctx, contractx.StatusUpdate{ConversationID: "conv-1", Update: "correction"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	all, err := mem.ReadStatus(ctx, "conv-1", contractx.StatusFilter{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("corrections must append, got %d entries", len(all))
	}
}

func TestMemorySearchScopeIsolation(t *testing.T) {
	t.Parallel()

	mem := NewMemory()
	ctx := context.Background()

	if _, err := mem.AddMemory(ctx, contractx.MemoryRecord{OwnerID: "alice", Text: "alice likes sushi restaurants"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := mem.AddMemory(ctx, contractx.MemoryRecord{
		OwnerID: "alice", Scope: contractx.ScopeContact, Collection: "contact-bob",
		Text: "bob prefers sushi on fridays",
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := mem.AddMemory(ctx, contractx.MemoryRecord{OwnerID: "mallory", Text: "mallory loves sushi too"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	results, err := mem.SearchMemory(ctx, "alice", "sushi restaurants", 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected both owned scopes, got %d results", len(results))
	}
	for _, rec := range results {
		if rec.OwnerID != "alice" {
			t.Fatalf("search crossed owner boundary: %+v", rec)
		}
	}
}

func TestMemorySearchRanksByOverlap(t *testing.T) {
	t.Parallel()

	mem := NewMemory()
	ctx := context.Background()

	if _, err := mem.AddMemory(ctx, contractx.MemoryRecord{OwnerID: "u", Text: "flight to lyon booked for tuesday"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := mem.AddMemory(ctx, contractx.MemoryRecord{OwnerID: "u", Text: "dentist appointment next week"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	results, err := mem.SearchMemory(ctx, "u", "flight lyon", 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 match, got %d", len(results))
	}
	if results[0].Text != "flight to lyon booked for tuesday" {
		t.Fatalf("unexpected top result: %s", results[0].Text)
	}
	if results[0].Score <= 0 {
		t.Fatalf("expected positive score, got %f", results[0].Score)
	}
}

func TestMemorySearchLimit(t *testing.T) {
	t.Parallel()

	mem := NewMemory()
	ctx := context.Background()
	for _, text := range []string{"sushi place one", "sushi place two", "sushi place three"} {
		if _, err := mem.AddMemory(ctx, contractx.MemoryRecord{OwnerID: "u", Text: text}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	results, err := mem.SearchMemory(ctx, "u", "sushi place", 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected limit of 2, got %d", len(results))
	}
}
