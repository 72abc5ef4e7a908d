// Package model defines data structures for the session platform.
package model

import (
	"time"
)

// Status is the lifecycle state of a conversation.
type Status string

const (
	StatusOpen     Status = "open"
	StatusClaimed  Status = "claimed"
	StatusClosed   Status = "closed"
	StatusResolved Status = "resolved"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusClosed || s == StatusResolved
}

// Priority is the triage priority of a conversation, independent of status.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// ValidPriority reports whether p is one of the known priority levels.
func ValidPriority(p Priority) bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// VisitorInfo is what the widget knows about the visitor at chat start.
type VisitorInfo struct {
	Name      string `json:"name,omitempty"`
	Email     string `json:"email,omitempty"`
	Phone     string `json:"phone,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
	Referrer  string `json:"referrer,omitempty"`
}

// Satisfaction is a visitor-submitted rating for a conversation.
type Satisfaction struct {
	Rating      int       `json:"rating"`
	Feedback    string    `json:"feedback,omitempty"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// Metadata holds derived conversation measurements. It is recomputed on
// every mutation and never independently settable.
type Metadata struct {
	FirstResponseSecs *int64    `json:"first_response_secs,omitempty"`
	ResolutionSecs    *int64    `json:"resolution_secs,omitempty"`
	TotalMessages     int       `json:"total_messages"`
	LastActivity      time.Time `json:"last_activity"`
}

// Conversation is a single visitor-to-agent support thread.
//
// Invariants: ClaimedBy is non-empty iff Status is "claimed"; Status only
// moves forward (open → claimed → closed/resolved); Metadata.LastActivity
// is monotonically non-decreasing.
type Conversation struct {
	ID           string        `json:"id"`
	TenantID     string        `json:"tenant_id"`
	VisitorID    string        `json:"visitor_id"`
	VisitorInfo  VisitorInfo   `json:"visitor_info"`
	Messages     []Message     `json:"messages"`
	Status       Status        `json:"status"`
	ClaimedBy    string        `json:"claimed_by,omitempty"`
	Priority     Priority      `json:"priority"`
	Note         string        `json:"note,omitempty"`
	Satisfaction *Satisfaction `json:"satisfaction,omitempty"`
	Metadata     Metadata      `json:"metadata"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// LastMessage returns the most recent message, or nil if there is none.
func (c *Conversation) LastMessage() *Message {
	if len(c.Messages) == 0 {
		return nil
	}
	return &c.Messages[len(c.Messages)-1]
}

// UnreadCount returns the number of unread visitor-origin messages.
func (c *Conversation) UnreadCount() int {
	n := 0
	for i := range c.Messages {
		if c.Messages[i].Origin == OriginVisitor && !c.Messages[i].Read {
			n++
		}
	}
	return n
}

// Summary projects the conversation into its list representation.
func (c *Conversation) Summary() ConversationSummary {
	return ConversationSummary{
		ID:           c.ID,
		TenantID:     c.TenantID,
		VisitorID:    c.VisitorID,
		VisitorInfo:  c.VisitorInfo,
		Status:       c.Status,
		Priority:     c.Priority,
		ClaimedBy:    c.ClaimedBy,
		MessageCount: c.Metadata.TotalMessages,
		UnreadCount:  c.UnreadCount(),
		LastMessage:  c.LastMessage(),
		CreatedAt:    c.CreatedAt,
		LastActivity: c.Metadata.LastActivity,
	}
}

// ConversationSummary is the list/query projection of a conversation.
type ConversationSummary struct {
	ID           string      `json:"id"`
	TenantID     string      `json:"tenant_id"`
	VisitorID    string      `json:"visitor_id"`
	VisitorInfo  VisitorInfo `json:"visitor_info"`
	Status       Status      `json:"status"`
	Priority     Priority    `json:"priority"`
	ClaimedBy    string      `json:"claimed_by,omitempty"`
	MessageCount int         `json:"message_count"`
	UnreadCount  int         `json:"unread_count"`
	LastMessage  *Message    `json:"last_message,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
	LastActivity time.Time   `json:"last_activity"`
}

// Transcript is the visitor-facing projection of a conversation. It hides
// agent identities, notes and triage fields.
type Transcript struct {
	ID        string              `json:"id"`
	Status    Status              `json:"status"`
	Messages  []TranscriptMessage `json:"messages"`
	CreatedAt time.Time           `json:"created_at"`
}

// TranscriptMessage is a message as seen by the visitor widget.
type TranscriptMessage struct {
	Origin      Origin       `json:"origin"`
	Text        string       `json:"text"`
	Timestamp   time.Time    `json:"timestamp"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// ToTranscript projects the conversation for the widget.
func (c *Conversation) ToTranscript() Transcript {
	msgs := make([]TranscriptMessage, len(c.Messages))
	for i, m := range c.Messages {
		msgs[i] = TranscriptMessage{
			Origin:      m.Origin,
			Text:        m.Text,
			Timestamp:   m.Timestamp,
			Attachments: m.Attachments,
		}
	}
	return Transcript{
		ID:        c.ID,
		Status:    c.Status,
		Messages:  msgs,
		CreatedAt: c.CreatedAt,
	}
}
