// Package session implements the conversation state machine.
//
// Lifecycle: open → claimed → closed or resolved. There is no un-claim:
// a claim is sticky until the conversation reaches a terminal state.
// Every operation is one read-modify-write against the store, serialized
// per conversation; events are published only after the write commits.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zymochat/platform/internal/directory"
	"github.com/zymochat/platform/internal/fanout"
	"github.com/zymochat/platform/internal/model"
	"github.com/zymochat/platform/internal/store"
	"github.com/zymochat/platform/pkg/logger"
	"github.com/zymochat/platform/pkg/metrics"
)

const (
	// MaxMessageLen bounds message text length.
	MaxMessageLen = 2000
	// MaxNoteLen bounds the conversation note length.
	MaxNoteLen = 1000

	notificationPreviewLen = 120
)

// Engine drives conversation lifecycle and message-append invariants.
type Engine struct {
	store  store.Store
	router *fanout.Router
	dir    directory.Directory
	log    *logger.Logger
	now    func() time.Time

	locks convLocks

	// retry bounds for store calls
	maxRetries  uint64
	maxInterval time.Duration
}

// NewEngine creates a session engine over the given store and router.
func NewEngine(st store.Store, router *fanout.Router, dir directory.Directory, log *logger.Logger) *Engine {
	return &Engine{
		store:       st,
		router:      router,
		dir:         dir,
		log:         log.WithComponent("session"),
		now:         time.Now,
		maxRetries:  2,
		maxInterval: 250 * time.Millisecond,
	}
}

// Start creates a conversation from a visitor's first message and announces
// it on the tenant channel and to each member's identity channel.
func (e *Engine) Start(ctx context.Context, tenantID, visitorID string, info model.VisitorInfo, text string) (*model.Conversation, error) {
	if err := validText(text); err != nil {
		return nil, err
	}

	now := e.now()
	conv := &model.Conversation{
		ID:          uuid.Must(uuid.NewV7()).String(),
		TenantID:    tenantID,
		VisitorID:   visitorID,
		VisitorInfo: info,
		Status:      model.StatusOpen,
		Priority:    model.PriorityMedium,
		Messages: []model.Message{{
			ID:        uuid.Must(uuid.NewV7()).String(),
			Origin:    model.OriginVisitor,
			Text:      text,
			Timestamp: now,
		}},
		Metadata: model.Metadata{
			TotalMessages: 1,
			LastActivity:  now,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := e.withRetry(ctx, "create", func() error {
		return e.store.Create(ctx, conv)
	}); err != nil {
		return nil, err
	}

	metrics.ConversationsTotal.WithLabelValues(tenantID).Inc()
	metrics.MessagesTotal.WithLabelValues(tenantID, string(model.OriginVisitor)).Inc()

	e.router.Publish(fanout.Tenant(tenantID), model.Event{
		Type: model.EventNewConversation,
		Data: conv.Summary(),
	})
	e.notifyMembers(ctx, conv, text)

	e.log.Info("conversation started",
		zap.String("conversation_id", conv.ID),
		zap.String("tenant_id", tenantID),
	)
	return conv, nil
}

// AppendMessage appends one message and recomputes derived metadata.
// Visitor messages are rejected once the conversation is terminal; agents
// may still annotate after closure.
func (e *Engine) AppendMessage(ctx context.Context, conversationID string, origin model.Origin, senderID, text string, attachments []model.Attachment) (*model.Message, error) {
	if err := validText(text); err != nil {
		return nil, err
	}
	if origin == model.OriginAgent && senderID == "" {
		return nil, fmt.Errorf("agent message requires a sender: %w", model.ErrMalformed)
	}
	if origin == model.OriginVisitor {
		senderID = ""
	}

	var msg *model.Message
	var tenantID string
	err := e.mutate(ctx, conversationID, func(conv *model.Conversation) error {
		if conv.Status.Terminal() && origin == model.OriginVisitor {
			return fmt.Errorf("conversation %s is %s: %w", conv.ID, conv.Status, model.ErrClosed)
		}

		ts := e.now()
		if last := conv.LastMessage(); last != nil && !ts.After(last.Timestamp) {
			// server-assigned timestamps stay strictly monotonic per conversation
			ts = last.Timestamp.Add(time.Millisecond)
		}

		m := model.Message{
			ID:          uuid.Must(uuid.NewV7()).String(),
			Origin:      origin,
			SenderID:    senderID,
			Text:        text,
			Timestamp:   ts,
			Attachments: attachments,
		}
		conv.Messages = append(conv.Messages, m)
		e.recompute(conv, ts)

		if origin == model.OriginAgent && conv.Metadata.FirstResponseSecs == nil {
			if first := firstOfOrigin(conv, model.OriginVisitor); first != nil {
				secs := int64(ts.Sub(first.Timestamp).Seconds())
				conv.Metadata.FirstResponseSecs = &secs
			}
		}

		msg = &conv.Messages[len(conv.Messages)-1]
		tenantID = conv.TenantID
		return nil
	}, func(conv *model.Conversation) {
		e.router.Publish(fanout.Conversation(conv.ID), model.Event{
			Type: model.EventNewMessage,
			Data: model.MessageEvent{ConversationID: conv.ID, Message: *msg},
		})
	})
	if err != nil {
		return nil, err
	}

	metrics.MessagesTotal.WithLabelValues(tenantID, string(origin)).Inc()
	return msg, nil
}

// Claim takes exclusive ownership of a conversation for one agent. Exactly
// one of two concurrent claims succeeds; re-claiming by the current
// claimant is a no-op success.
func (e *Engine) Claim(ctx context.Context, conversationID, agentID string) (*model.Conversation, error) {
	var out *model.Conversation
	var claimed bool
	err := e.mutate(ctx, conversationID, func(conv *model.Conversation) error {
		switch {
		case conv.Status.Terminal():
			metrics.RecordClaim("terminal")
			return fmt.Errorf("conversation %s is %s: %w", conv.ID, conv.Status, model.ErrClosed)
		case conv.Status == model.StatusClaimed && conv.ClaimedBy != agentID:
			metrics.RecordClaim("lost")
			return fmt.Errorf("conversation %s claimed by %s: %w", conv.ID, conv.ClaimedBy, model.ErrAlreadyClaimed)
		case conv.Status == model.StatusClaimed:
			// idempotent re-claim by the current claimant
			metrics.RecordClaim("idempotent")
			out = conv
			return errNoop
		}

		conv.Status = model.StatusClaimed
		conv.ClaimedBy = agentID
		e.recompute(conv, e.now())
		metrics.RecordClaim("won")
		claimed = true
		out = conv
		return nil
	}, func(conv *model.Conversation) {
		if !claimed {
			return
		}
		e.router.Publish(fanout.Conversation(conv.ID), model.Event{
			Type: model.EventConversationClaimed,
			Data: model.ClaimEvent{ConversationID: conv.ID, ClaimedBy: agentID},
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Close moves the conversation to the closed terminal state. Idempotent if
// already closed.
func (e *Engine) Close(ctx context.Context, conversationID string) (*model.Conversation, error) {
	return e.terminate(ctx, conversationID, model.StatusClosed, model.EventConversationClosed)
}

// Resolve moves the conversation to the resolved terminal state and fixes
// the resolution latency if unset. Idempotent if already resolved.
func (e *Engine) Resolve(ctx context.Context, conversationID string) (*model.Conversation, error) {
	return e.terminate(ctx, conversationID, model.StatusResolved, model.EventConversationResolved)
}

func (e *Engine) terminate(ctx context.Context, conversationID string, target model.Status, evType model.EventType) (*model.Conversation, error) {
	var out *model.Conversation
	var changed bool
	err := e.mutate(ctx, conversationID, func(conv *model.Conversation) error {
		if conv.Status == target {
			out = conv
			return errNoop
		}
		if conv.Status.Terminal() {
			return fmt.Errorf("conversation %s is %s: %w", conv.ID, conv.Status, model.ErrClosed)
		}

		now := e.now()
		conv.Status = target
		if target == model.StatusResolved && conv.Metadata.ResolutionSecs == nil && len(conv.Messages) > 0 {
			secs := int64(now.Sub(conv.Messages[0].Timestamp).Seconds())
			conv.Metadata.ResolutionSecs = &secs
		}
		e.recompute(conv, now)
		changed = true
		out = conv
		return nil
	}, func(conv *model.Conversation) {
		if !changed {
			return
		}
		e.router.Publish(fanout.Conversation(conv.ID), model.Event{
			Type: evType,
			Data: model.LifecycleEvent{ConversationID: conv.ID, Status: target},
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SetPriority updates the triage priority. Permitted in any state.
func (e *Engine) SetPriority(ctx context.Context, conversationID string, p model.Priority) (*model.Conversation, error) {
	if !model.ValidPriority(p) {
		return nil, fmt.Errorf("invalid priority %q: %w", p, model.ErrMalformed)
	}
	var out *model.Conversation
	err := e.mutate(ctx, conversationID, func(conv *model.Conversation) error {
		conv.Priority = p
		e.recompute(conv, e.now())
		out = conv
		return nil
	}, nil)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SetNote replaces the internal agent note. Permitted in any state.
func (e *Engine) SetNote(ctx context.Context, conversationID, note string) (*model.Conversation, error) {
	if len(note) > MaxNoteLen {
		return nil, fmt.Errorf("note exceeds %d characters: %w", MaxNoteLen, model.ErrMalformed)
	}
	var out *model.Conversation
	err := e.mutate(ctx, conversationID, func(conv *model.Conversation) error {
		conv.Note = note
		e.recompute(conv, e.now())
		out = conv
		return nil
	}, nil)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SetSatisfaction records the visitor's rating. Permitted in any state,
// including terminal ones.
func (e *Engine) SetSatisfaction(ctx context.Context, conversationID string, rating int, feedback string) (*model.Conversation, error) {
	if rating < 1 || rating > 5 {
		return nil, fmt.Errorf("rating must be between 1 and 5: %w", model.ErrMalformed)
	}
	var out *model.Conversation
	err := e.mutate(ctx, conversationID, func(conv *model.Conversation) error {
		conv.Satisfaction = &model.Satisfaction{
			Rating:      rating,
			Feedback:    feedback,
			SubmittedAt: e.now(),
		}
		conv.UpdatedAt = e.now()
		out = conv
		return nil
	}, nil)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// MarkRead flips the read flag on all visitor-origin messages. No status
// effect, no event.
func (e *Engine) MarkRead(ctx context.Context, conversationID, readerID string) error {
	return e.mutate(ctx, conversationID, func(conv *model.Conversation) error {
		changed := false
		for i := range conv.Messages {
			if conv.Messages[i].Origin == model.OriginVisitor && !conv.Messages[i].Read {
				conv.Messages[i].Read = true
				changed = true
			}
		}
		if !changed {
			return errNoop
		}
		conv.UpdatedAt = e.now()
		return nil
	}, nil)
}

// Get loads a conversation.
func (e *Engine) Get(ctx context.Context, conversationID string) (*model.Conversation, error) {
	var conv *model.Conversation
	err := e.withRetry(ctx, "load", func() error {
		var loadErr error
		conv, loadErr = e.store.Load(ctx, conversationID)
		return loadErr
	})
	if err != nil {
		return nil, err
	}
	return conv, nil
}

// Query lists tenant conversation summaries.
func (e *Engine) Query(ctx context.Context, tenantID string, f store.Filter, p store.Page) ([]model.ConversationSummary, int, error) {
	var summaries []model.ConversationSummary
	var total int
	err := e.withRetry(ctx, "query", func() error {
		var qErr error
		summaries, total, qErr = e.store.Query(ctx, tenantID, f, p)
		return qErr
	})
	if err != nil {
		return nil, 0, err
	}
	return summaries, total, nil
}

// errNoop signals an idempotent no-change outcome inside mutate: skip the
// save and the publish, report success.
var errNoop = errors.New("no-op")

// mutate runs one read-modify-write cycle under the conversation's lock.
// publish, if non-nil, runs after the save commits and before the lock is
// released, so a conversation's events preserve mutation order.
func (e *Engine) mutate(ctx context.Context, conversationID string, fn func(*model.Conversation) error, publish func(*model.Conversation)) error {
	unlock := e.locks.lock(conversationID)
	defer unlock()

	var conv *model.Conversation
	if err := e.withRetry(ctx, "load", func() error {
		var loadErr error
		conv, loadErr = e.store.Load(ctx, conversationID)
		return loadErr
	}); err != nil {
		return err
	}

	if err := fn(conv); err != nil {
		if errors.Is(err, errNoop) {
			return nil
		}
		return err
	}

	if err := e.withRetry(ctx, "save", func() error {
		return e.store.Save(ctx, conv)
	}); err != nil {
		return err
	}

	if publish != nil {
		publish(conv)
	}
	return nil
}

// withRetry bounds a store call: transient failures are retried with
// exponential backoff, exhaustion surfaces as ErrUnavailable. Domain
// failures (ErrNotFound) are never retried.
func (e *Engine) withRetry(ctx context.Context, op string, fn func() error) error {
	start := e.now()
	defer func() {
		metrics.StoreOpDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 20 * time.Millisecond
	bo.MaxInterval = e.maxInterval

	err := backoff.Retry(func() error {
		err := fn()
		if err == nil {
			return nil
		}
		if errors.Is(err, model.ErrNotFound) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(bo, e.maxRetries), ctx))

	if err == nil {
		return nil
	}
	if errors.Is(err, model.ErrNotFound) {
		return err
	}
	e.log.Warn("store call exhausted retries",
		zap.String("op", op),
		zap.Error(err),
	)
	return fmt.Errorf("store %s failed: %v: %w", op, err, model.ErrUnavailable)
}

// recompute refreshes derived metadata after a mutation. LastActivity is
// monotonically non-decreasing.
func (e *Engine) recompute(conv *model.Conversation, now time.Time) {
	conv.Metadata.TotalMessages = len(conv.Messages)
	if now.After(conv.Metadata.LastActivity) {
		conv.Metadata.LastActivity = now
	}
	conv.UpdatedAt = now
}

// notifyMembers pushes a new_notification to each member's identity channel.
func (e *Engine) notifyMembers(ctx context.Context, conv *model.Conversation, text string) {
	members, err := e.dir.MembersOf(ctx, conv.TenantID)
	if err != nil {
		e.log.Warn("failed to resolve members for notification",
			zap.String("tenant_id", conv.TenantID),
			zap.Error(err),
		)
		return
	}

	preview := []rune(text)
	if len(preview) > notificationPreviewLen {
		preview = preview[:notificationPreviewLen]
	}
	ev := model.Event{
		Type: model.EventNewNotification,
		Data: model.NotificationEvent{
			TenantID:       conv.TenantID,
			ConversationID: conv.ID,
			Kind:           "new_conversation",
			Preview:        string(preview),
			CreatedAt:      conv.CreatedAt,
		},
	}
	for _, identityID := range members {
		e.router.Publish(fanout.Identity(identityID), ev)
	}
}

func firstOfOrigin(conv *model.Conversation, origin model.Origin) *model.Message {
	for i := range conv.Messages {
		if conv.Messages[i].Origin == origin {
			return &conv.Messages[i]
		}
	}
	return nil
}

func validText(text string) error {
	if text == "" {
		return fmt.Errorf("message text is empty: %w", model.ErrMalformed)
	}
	if len(text) > MaxMessageLen {
		return fmt.Errorf("message exceeds %d characters: %w", MaxMessageLen, model.ErrMalformed)
	}
	return nil
}

// convLocks serializes state machine operations per conversation.
// Entries are reference counted and removed once the last holder
// unlocks, so the map stays bounded by in-flight conversations.
type convLocks struct {
	mu    sync.Mutex
	locks map[string]*convLock
}

type convLock struct {
	mu   sync.Mutex
	refs int
}

func (l *convLocks) lock(id string) func() {
	l.mu.Lock()
	if l.locks == nil {
		l.locks = make(map[string]*convLock)
	}
	e, ok := l.locks[id]
	if !ok {
		e = &convLock{}
		l.locks[id] = e
	}
	e.refs++
	l.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		l.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(l.locks, id)
		}
		l.mu.Unlock()
	}
}
