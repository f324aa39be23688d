package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	contractx "github.com/conciergehq/concierge/agent/contract"
)

// Memory is an in-process status/memory store with the same semantics
// as the shared service: append-only status ordered by timestamp, and
// memory search bounded to collections the owner holds. Used by tests
// and single-node runs.
type Memory struct {
	mu       sync.Mutex
	statuses map[string][]contractx.StatusUpdate
	memories map[string]map[string][]contractx.MemoryRecord
	now      contractx.Clock
}

var (
	_ contractx.StatusStore = (*Memory)(nil)
	_ contractx.MemoryStore = (*Memory)(nil)
)

func NewMemory() *Memory {
	return &Memory{
		statuses: make(map[string][]contractx.StatusUpdate),
		memories: make(map[string]map[string][]contractx.MemoryRecord),
		now:      time.Now,
	}
}

// WithClock replaces the time source, for tests.
func (m *Memory) WithClock(now contractx.Clock) *Memory {
	m.now = now
	return m
}

func (m *Memory) WriteStatus(_ context.Context, update contractx.StatusUpdate) error {
	if update.ConversationID == "" || strings.TrimSpace(update.Update) == "" {
		return fmt.Errorf("%w: conversation_id and update are required", contractx.ErrValidation)
	}
	if update.ID == "" {
		update.ID = uuid.NewString()
	}
	if update.Timestamp.IsZero() {
		update.Timestamp = m.now()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses[update.ConversationID] = append(m.statuses[update.ConversationID], update)
	return nil
}

func (m *Memory) ReadStatus(_ context.Context, conversationID string, filter contractx.StatusFilter) ([]contractx.StatusUpdate, error) {
	if conversationID == "" {
		return nil, fmt.Errorf("%w: conversation_id is required", contractx.ErrValidation)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var updates []contractx.StatusUpdate
	for _, update := range m.statuses[conversationID] {
		if filter.AgentType != "" && update.AgentType != filter.AgentType {
			continue
		}
		if filter.AgentID != "" && update.AgentID != filter.AgentID {
			continue
		}
		updates = append(updates, update)
	}

	sort.SliceStable(updates, func(i, j int) bool {
		return updates[i].Timestamp.Before(updates[j].Timestamp)
	})
	return updates, nil
}

func (m *Memory) AddMemory(_ context.Context, rec contractx.MemoryRecord) (string, error) {
	if rec.OwnerID == "" || strings.TrimSpace(rec.Text) == "" {
		return "", fmt.Errorf("%w: owner and text are required", contractx.ErrValidation)
	}
	if rec.Scope == contractx.ScopeContact && rec.Collection == "" {
		return "", fmt.Errorf("%w: contact memories need a collection", contractx.ErrValidation)
	}

	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	collection := rec.Collection
	if rec.Scope != contractx.ScopeContact {
		rec.Scope = contractx.ScopeUser
		collection = rec.OwnerID
		rec.Collection = collection
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	owned, ok := m.memories[rec.OwnerID]
	if !ok {
		owned = make(map[string][]contractx.MemoryRecord)
		m.memories[rec.OwnerID] = owned
	}
	owned[collection] = append(owned[collection], rec)
	return rec.ID, nil
}

// SearchMemory ranks by token overlap with the query across every
// collection the owner holds. Other owners' collections are never
// touched, whatever the query says.
func (m *Memory) SearchMemory(_ context.Context, ownerID, query string, limit int) ([]contractx.MemoryRecord, error) {
	if ownerID == "" || strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("%w: owner and query are required", contractx.ErrValidation)
	}
	if limit <= 0 {
		limit = 5
	}

	queryTokens := tokenize(query)

	m.mu.Lock()
	defer m.mu.Unlock()

	var matches []contractx.MemoryRecord
	for _, records := range m.memories[ownerID] {
		for _, rec := range records {
			score := overlapScore(queryTokens, tokenize(rec.Text))
			if score <= 0 {
				continue
			}
			rec.Score = score
			matches = append(matches, rec)
		}
	}

	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Score > matches[j].Score
	})
	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

func tokenize(s string) map[string]struct{} {
	tokens := make(map[string]struct{})
	for _, field := range strings.Fields(strings.ToLower(s)) {
		token := strings.Trim(field, ".,!?;:\"'()[]")
		if len(token) > 2 {
			tokens[token] = struct{}{}
		}
	}
	return tokens
}

func overlapScore(query, doc map[string]struct{}) float64 {
	if len(query) == 0 {
		return 0
	}
	hits := 0
	for token := range query {
		if _, ok := doc[token]; ok {
			hits++
		}
	}
	return float64(hits) / float64(len(query))
}
