package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/dgraph-io/badger/v4"

	"github.com/zymochat/platform/internal/model"
	"github.com/zymochat/platform/pkg/logger"
)

// Key layout:
//
//	conv:<id>                 → JSON conversation
//	tenant:<tenantID>:<id>    → empty (tenant index)
const (
	convPrefix   = "conv:"
	tenantPrefix = "tenant:"
)

// Badger is a Store backed by an embedded BadgerDB, for durable single-node
// deployments.
type Badger struct {
	db  *badger.DB
	log *logger.Logger
}

// OpenBadger opens (or creates) a badger-backed store at dir.
func OpenBadger(dir string, log *logger.Logger) (*Badger, error) {
	opts := badger.DefaultOptions(dir)
	opts.Logger = nil // badger's own logger is too chatty; we log at the store level
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger at %s: %w", dir, err)
	}
	return &Badger{db: db, log: log}, nil
}

func convKey(id string) []byte {
	return []byte(convPrefix + id)
}

func tenantKey(tenantID, id string) []byte {
	return []byte(tenantPrefix + tenantID + ":" + id)
}

// Create persists a new conversation and its tenant index entry.
func (s *Badger) Create(ctx context.Context, conv *model.Conversation) error {
	data, err := json.Marshal(conv)
	if err != nil {
		return fmt.Errorf("failed to marshal conversation: %w", err)
	}

	return s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(convKey(conv.ID)); err == nil {
			return fmt.Errorf("conversation %s already exists", conv.ID)
		}
		if err := txn.Set(convKey(conv.ID), data); err != nil {
			return err
		}
		return txn.Set(tenantKey(conv.TenantID, conv.ID), nil)
	})
}

// Load returns the conversation by id.
func (s *Badger) Load(ctx context.Context, id string) (*model.Conversation, error) {
	var conv model.Conversation
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(convKey(id))
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error {
			return json.Unmarshal(v, &conv)
		})
	})
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, fmt.Errorf("conversation %s: %w", id, model.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to load conversation: %w", err)
	}
	return &conv, nil
}

// Save overwrites an existing conversation.
func (s *Badger) Save(ctx context.Context, conv *model.Conversation) error {
	data, err := json.Marshal(conv)
	if err != nil {
		return fmt.Errorf("failed to marshal conversation: %w", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(convKey(conv.ID)); err != nil {
			return err
		}
		return txn.Set(convKey(conv.ID), data)
	})
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("conversation %s: %w", conv.ID, model.ErrNotFound)
		}
		return fmt.Errorf("failed to save conversation: %w", err)
	}
	return nil
}

// Query walks the tenant index, loads each conversation and filters in
// memory. Tenant conversation counts are small enough that this stays
// within the store call bound.
func (s *Badger) Query(ctx context.Context, tenantID string, f Filter, p Page) ([]model.ConversationSummary, int, error) {
	var matched []*model.Conversation

	err := s.db.View(func(txn *badger.Txn) error {
		prefix := []byte(tenantPrefix + tenantID + ":")

		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			id := string(it.Item().Key()[len(prefix):])

			item, err := txn.Get(convKey(id))
			if err != nil {
				if errors.Is(err, badger.ErrKeyNotFound) {
					continue // dangling index entry
				}
				return err
			}

			var conv model.Conversation
			if err := item.Value(func(v []byte) error {
				return json.Unmarshal(v, &conv)
			}); err != nil {
				return err
			}

			if f.matches(&conv) {
				c := conv
				matched = append(matched, &c)
			}
		}
		return nil
	})
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query conversations: %w", err)
	}

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

// Close closes the underlying database.
func (s *Badger) Close() error {
	return s.db.Close()
}
