// Package store provides durable persistence for conversations.
package store

import (
	"context"

	"github.com/zymochat/platform/internal/model"
)

// Filter narrows a tenant conversation query.
type Filter struct {
	// Status limits results to one lifecycle state. Empty or "all" matches
	// every state.
	Status model.Status
	// ClaimedBy limits results to conversations claimed by one agent.
	ClaimedBy string
}

// Page bounds a query result window.
type Page struct {
	Limit  int
	Offset int
}

// Store is the Session Store contract. Implementations must be safe for
// concurrent use; serialization of read-modify-write cycles on a single
// conversation is the caller's responsibility.
type Store interface {
	// Create persists a new conversation. Fails if the id already exists.
	Create(ctx context.Context, conv *model.Conversation) error

	// Load returns the conversation by id, or model.ErrNotFound.
	Load(ctx context.Context, id string) (*model.Conversation, error)

	// Save overwrites an existing conversation, or model.ErrNotFound.
	Save(ctx context.Context, conv *model.Conversation) error

	// Query returns tenant conversation summaries ordered by last activity,
	// newest first, plus the total match count before paging.
	Query(ctx context.Context, tenantID string, f Filter, p Page) ([]model.ConversationSummary, int, error)

	// Close releases any resources held by the store.
	Close() error
}

func (f Filter) matches(c *model.Conversation) bool {
	if f.Status != "" && f.Status != "all" && c.Status != f.Status {
		return false
	}
	if f.ClaimedBy != "" && c.ClaimedBy != f.ClaimedBy {
		return false
	}
	return true
}

func (p Page) clamp(total int) (start, end int) {
	limit := p.Limit
	if limit <= 0 {
		limit = 20
	}
	start = p.Offset
	if start < 0 {
		start = 0
	}
	if start > total {
		start = total
	}
	end = start + limit
	if end > total {
		end = total
	}
	return start, end
}
