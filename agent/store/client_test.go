package store

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	contractx "github.com/conciergehq/concierge/agent/contract"
)

func instantSleep(context.Context, time.Duration) error { return nil }

func TestClientWriteStatusWireShape(t *testing.T) {
	t.Parallel()

	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/status/write" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"status_id": "s-1"})
	}))
	defer srv.Close()

	client, err := NewClient(Config{BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	err = client.WriteStatus(context.Background(), contractx.StatusUpdate{
		AgentID:        "orch-1",
		AgentType:      "orchestrator",
		ConversationID: "conv-1",
		Update:         "making progress",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got["agent_id"] != "orch-1" || got["conversation_id"] != "conv-1" || got["update"] != "making progress" {
		t.Fatalf("unexpected wire payload: %v", got)
	}
}

func TestClientReadStatusRetriesThenSucceeds(t *testing.T) {
	t.Parallel()

	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) < 3 {
			http.Error(w, "temporary", http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status_updates": []map[string]any{
				{"status_id": "s-1", "agent_id": "phone-1", "agent_type": "phone", "conversation_id": "conv-1", "update": "call done", "timestamp": "2026-08-30T12:00:00Z"},
			},
		})
	}))
	defer srv.Close()

	client, err := NewClient(Config{BaseURL: srv.URL, ReadRetries: 3}, WithSleeper(instantSleep))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	updates, err := client.ReadStatus(context.Background(), "conv-1", contractx.StatusFilter{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(updates) != 1 {
		t.Fatalf("expected 1 update, got %d", len(updates))
	}
	if updates[0].Update != "call done" {
		t.Fatalf("unexpected update: %s", updates[0].Update)
	}
	if updates[0].Timestamp.IsZero() {
		t.Fatal("timestamp not parsed")
	}
	if attempts.Load() != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts.Load())
	}
}

func TestClientReadStatusGivesUpAfterRetries(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer srv.Close()

	client, err := NewClient(Config{BaseURL: srv.URL, ReadRetries: 2}, WithSleeper(instantSleep))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, err = client.ReadStatus(context.Background(), "conv-1", contractx.StatusFilter{})
	if !errors.Is(err, contractx.ErrStoreUnavailable) {
		t.Fatalf("expected store unavailable, got %v", err)
	}
}

func TestClientSearchMemorySearchesAllOwnedCollections(t *testing.T) {
	t.Parallel()

	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/memory/search" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"results": []map[string]any{
				{"memory_id": "m-1", "memory": "likes sushi", "memory_type": "user", "collection_name": "user-1", "score": 0.9},
			},
		})
	}))
	defer srv.Close()

	client, err := NewClient(Config{BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	records, err := client.SearchMemory(context.Background(), "user-1", "sushi", 5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(records) != 1 || records[0].Text != "likes sushi" {
		t.Fatalf("unexpected records: %v", records)
	}

	if got["search_all_collections"] != true {
		t.Fatalf("expected all-owned-collections search, got %v", got["search_all_collections"])
	}
	if got["user_id"] != "user-1" {
		t.Fatalf("unexpected user_id: %v", got["user_id"])
	}
}

func TestClientFetchUserDropsContacts(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/user/user-1" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"Name":     "Alice",
			"Contacts": []string{"bob"},
		})
	}))
	defer srv.Close()

	client, err := NewClient(Config{BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	profile, err := client.FetchUser(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if profile["Name"] != "Alice" {
		t.Fatalf("unexpected profile: %v", profile)
	}
	if _, found := profile["Contacts"]; found {
		t.Fatal("contacts must be stripped from the profile")
	}
}
