package model

import (
	"time"
)

// EventType is the outbound event vocabulary.
type EventType string

const (
	EventNewConversation      EventType = "new_conversation"
	EventNewMessage           EventType = "new_message"
	EventConversationClaimed  EventType = "conversation_claimed"
	EventConversationClosed   EventType = "conversation_closed"
	EventConversationResolved EventType = "conversation_resolved"
	EventAgentStatusChanged   EventType = "agent_status_changed"
	EventUserTyping           EventType = "user_typing"
	EventUserStoppedTyping    EventType = "user_stopped_typing"
	EventNewNotification      EventType = "new_notification"
)

// Event is the payload delivered to subscribed connections.
type Event struct {
	Channel string    `json:"channel"`
	Type    EventType `json:"type"`
	Data    any       `json:"data"`
}

// MessageEvent is the data payload for new_message events.
type MessageEvent struct {
	ConversationID string  `json:"conversation_id"`
	Message        Message `json:"message"`
}

// ClaimEvent is the data payload for conversation_claimed events.
type ClaimEvent struct {
	ConversationID string `json:"conversation_id"`
	ClaimedBy      string `json:"claimed_by"`
}

// LifecycleEvent is the data payload for closed/resolved events.
type LifecycleEvent struct {
	ConversationID string `json:"conversation_id"`
	Status         Status `json:"status"`
}

// TypingEvent is the data payload for typing relay events.
type TypingEvent struct {
	ConversationID string `json:"conversation_id"`
	IdentityID     string `json:"identity_id"`
}

// StatusEvent is the data payload for agent_status_changed events.
type StatusEvent struct {
	IdentityID string    `json:"identity_id"`
	Online     bool      `json:"online"`
	LastSeen   time.Time `json:"last_seen"`
}

// NotificationEvent is the data payload for new_notification events.
type NotificationEvent struct {
	TenantID       string    `json:"tenant_id"`
	ConversationID string    `json:"conversation_id"`
	Kind           string    `json:"kind"`
	Preview        string    `json:"preview,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}
