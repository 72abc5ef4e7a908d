package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/zymochat/platform/internal/model"
)

// Memory is an in-process Store for tests and single-node development.
type Memory struct {
	mu            sync.RWMutex
	conversations map[string]*model.Conversation
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		conversations: make(map[string]*model.Conversation),
	}
}

// Create persists a new conversation.
func (s *Memory) Create(ctx context.Context, conv *model.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.conversations[conv.ID]; exists {
		return fmt.Errorf("conversation %s already exists", conv.ID)
	}
	s.conversations[conv.ID] = clone(conv)
	return nil
}

// Load returns a copy of the conversation by id.
func (s *Memory) Load(ctx context.Context, id string) (*model.Conversation, error) {
	s.mu.RLock()
	conv, exists := s.conversations[id]
	s.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("conversation %s: %w", id, model.ErrNotFound)
	}
	return clone(conv), nil
}

// Save overwrites an existing conversation.
func (s *Memory) Save(ctx context.Context, conv *model.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.conversations[conv.ID]; !exists {
		return fmt.Errorf("conversation %s: %w", conv.ID, model.ErrNotFound)
	}
	s.conversations[conv.ID] = clone(conv)
	return nil
}

// Query returns tenant conversation summaries, newest activity first.
func (s *Memory) Query(ctx context.Context, tenantID string, f Filter, p Page) ([]model.ConversationSummary, int, error) {
	s.mu.RLock()
	var matched []*model.Conversation
	for _, conv := range s.conversations {
		if conv.TenantID == tenantID && f.matches(conv) {
			matched = append(matched, conv)
		}
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].Metadata.LastActivity.After(matched[j].Metadata.LastActivity)
	})

	total := len(matched)
	start, end := p.clamp(total)

	summaries := make([]model.ConversationSummary, 0, end-start)
	for _, conv := range matched[start:end] {
		summaries = append(summaries, conv.Summary())
	}
	return summaries, total, nil
}

// Close is a no-op for the memory store.
func (s *Memory) Close() error {
	return nil
}

// clone deep-copies a conversation so callers never share message slices
// with the stored record.
func clone(conv *model.Conversation) *model.Conversation {
	c := *conv
	c.Messages = make([]model.Message, len(conv.Messages))
	copy(c.Messages, conv.Messages)
	if conv.Satisfaction != nil {
		sat := *conv.Satisfaction
		c.Satisfaction = &sat
	}
	if conv.Metadata.FirstResponseSecs != nil {
		v := *conv.Metadata.FirstResponseSecs
		c.Metadata.FirstResponseSecs = &v
	}
	if conv.Metadata.ResolutionSecs != nil {
		v := *conv.Metadata.ResolutionSecs
		c.Metadata.ResolutionSecs = &v
	}
	return &c
}
