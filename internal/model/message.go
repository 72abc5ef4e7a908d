package model

import (
	"time"
)

// Origin identifies which side of the conversation a message came from.
type Origin string

const (
	OriginVisitor Origin = "visitor"
	OriginAgent   Origin = "agent"
)

// AttachmentKind classifies an attachment descriptor.
type AttachmentKind string

const (
	AttachmentImage AttachmentKind = "image"
	AttachmentFile  AttachmentKind = "file"
	AttachmentAudio AttachmentKind = "audio"
	AttachmentVideo AttachmentKind = "video"
)

// Attachment is a pointer to externally stored content. The platform never
// holds attachment bytes, only this descriptor.
type Attachment struct {
	Kind AttachmentKind `json:"kind"`
	URL  string         `json:"url"`
	Name string         `json:"name,omitempty"`
	Size int64          `json:"size,omitempty"`
}

// Message is one entry in a conversation. Immutable once appended, except
// for the Read flag which markRead flips.
type Message struct {
	ID          string       `json:"id"`
	Origin      Origin       `json:"origin"`
	SenderID    string       `json:"sender_id,omitempty"` // set iff Origin is agent
	Text        string       `json:"text"`
	Timestamp   time.Time    `json:"timestamp"` // server-assigned, monotonic per conversation
	Read        bool         `json:"read"`
	Attachments []Attachment `json:"attachments,omitempty"`
}
