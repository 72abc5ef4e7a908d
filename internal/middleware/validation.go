package middleware

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/zymochat/platform/internal/model"
)

const (
	maxMessageLen     = 2000
	maxNoteLen        = 1000
	maxNameLen        = 200
	maxEmailLen       = 254
	maxIDLen          = 128
	maxCommentLen     = 1000
	maxAttachmentName = 255
)

// ValidateMessageText checks an inbound message body against the schema
// bounds before it reaches the session engine.
func ValidateMessageText(text string) error {
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("%w: message text is required", model.ErrMalformed)
	}
	if utf8.RuneCountInString(text) > maxMessageLen {
		return fmt.Errorf("%w: message text exceeds %d characters", model.ErrMalformed, maxMessageLen)
	}
	return nil
}

// ValidateNote checks an agent note. Empty is allowed, it clears the note.
func ValidateNote(note string) error {
	if utf8.RuneCountInString(note) > maxNoteLen {
		return fmt.Errorf("%w: note exceeds %d characters", model.ErrMalformed, maxNoteLen)
	}
	return nil
}

// ValidateID checks an opaque identifier (conversation, tenant, identity).
func ValidateID(field, id string) error {
	if id == "" {
		return fmt.Errorf("%w: %s is required", model.ErrMalformed, field)
	}
	if len(id) > maxIDLen {
		return fmt.Errorf("%w: %s exceeds %d characters", model.ErrMalformed, field, maxIDLen)
	}
	for _, r := range id {
		if r < 0x21 || r > 0x7e {
			return fmt.Errorf("%w: %s contains invalid characters", model.ErrMalformed, field)
		}
	}
	return nil
}

// ValidateRating checks a satisfaction rating.
func ValidateRating(rating int) error {
	if rating < 1 || rating > 5 {
		return fmt.Errorf("%w: rating must be between 1 and 5", model.ErrMalformed)
	}
	return nil
}

// ValidateSatisfactionComment checks the optional comment attached to a rating.
func ValidateSatisfactionComment(comment string) error {
	if utf8.RuneCountInString(comment) > maxCommentLen {
		return fmt.Errorf("%w: comment exceeds %d characters", model.ErrMalformed, maxCommentLen)
	}
	return nil
}

// ValidateVisitorInfo checks the optional visitor profile supplied when a
// conversation starts.
func ValidateVisitorInfo(info *model.VisitorInfo) error {
	if info == nil {
		return nil
	}
	if utf8.RuneCountInString(info.Name) > maxNameLen {
		return fmt.Errorf("%w: visitor name exceeds %d characters", model.ErrMalformed, maxNameLen)
	}
	if len(info.Email) > maxEmailLen {
		return fmt.Errorf("%w: visitor email exceeds %d characters", model.ErrMalformed, maxEmailLen)
	}
	if info.Email != "" && !strings.Contains(info.Email, "@") {
		return fmt.Errorf("%w: visitor email is invalid", model.ErrMalformed)
	}
	return nil
}

// ValidatePriority checks a priority value.
func ValidatePriority(p model.Priority) error {
	if !model.ValidPriority(p) {
		return fmt.Errorf("%w: invalid priority %q", model.ErrMalformed, p)
	}
	return nil
}

// ValidateAttachments checks message attachments.
func ValidateAttachments(atts []model.Attachment) error {
	if len(atts) > 10 {
		return fmt.Errorf("%w: too many attachments", model.ErrMalformed)
	}
	for _, a := range atts {
		if a.URL == "" {
			return fmt.Errorf("%w: attachment url is required", model.ErrMalformed)
		}
		if utf8.RuneCountInString(a.Name) > maxAttachmentName {
			return fmt.Errorf("%w: attachment name exceeds %d characters", model.ErrMalformed, maxAttachmentName)
		}
	}
	return nil
}
