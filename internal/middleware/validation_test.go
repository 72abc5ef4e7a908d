package middleware

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/zymochat/platform/internal/model"
)

func TestValidateMessageText(t *testing.T) {
	assert.NoError(t, ValidateMessageText("hello"))
	assert.NoError(t, ValidateMessageText(strings.Repeat("a", maxMessageLen)))

	assert.ErrorIs(t, ValidateMessageText(""), model.ErrMalformed)
	assert.ErrorIs(t, ValidateMessageText("   "), model.ErrMalformed)
	assert.ErrorIs(t, ValidateMessageText(strings.Repeat("a", maxMessageLen+1)), model.ErrMalformed)

	// the limit counts runes, not bytes
	assert.NoError(t, ValidateMessageText(strings.Repeat("é", maxMessageLen)))
}

func TestValidateNote(t *testing.T) {
	assert.NoError(t, ValidateNote(""))
	assert.NoError(t, ValidateNote(strings.Repeat("n", maxNoteLen)))
	assert.ErrorIs(t, ValidateNote(strings.Repeat("n", maxNoteLen+1)), model.ErrMalformed)
}

func TestValidateID(t *testing.T) {
	assert.NoError(t, ValidateID("tenant id", "acme-support"))
	assert.NoError(t, ValidateID("conversation id", "0192f3a1-7b9c-7def-8123-456789abcdef"))

	assert.ErrorIs(t, ValidateID("tenant id", ""), model.ErrMalformed)
	assert.ErrorIs(t, ValidateID("tenant id", strings.Repeat("x", maxIDLen+1)), model.ErrMalformed)
	assert.ErrorIs(t, ValidateID("tenant id", "has space"), model.ErrMalformed)
	assert.ErrorIs(t, ValidateID("tenant id", "newline\n"), model.ErrMalformed)
}

func TestValidateRating(t *testing.T) {
	for r := 1; r <= 5; r++ {
		assert.NoError(t, ValidateRating(r))
	}
	assert.ErrorIs(t, ValidateRating(0), model.ErrMalformed)
	assert.ErrorIs(t, ValidateRating(6), model.ErrMalformed)
	assert.ErrorIs(t, ValidateRating(-1), model.ErrMalformed)
}

func TestValidateVisitorInfo(t *testing.T) {
	assert.NoError(t, ValidateVisitorInfo(nil))
	assert.NoError(t, ValidateVisitorInfo(&model.VisitorInfo{Name: "Bob", Email: "bob@example.com"}))
	assert.NoError(t, ValidateVisitorInfo(&model.VisitorInfo{}))

	assert.ErrorIs(t, ValidateVisitorInfo(&model.VisitorInfo{Name: strings.Repeat("n", maxNameLen+1)}), model.ErrMalformed)
	assert.ErrorIs(t, ValidateVisitorInfo(&model.VisitorInfo{Email: "not-an-email"}), model.ErrMalformed)
}

func TestValidatePriority(t *testing.T) {
	for _, p := range []model.Priority{model.PriorityLow, model.PriorityMedium, model.PriorityHigh, model.PriorityUrgent} {
		assert.NoError(t, ValidatePriority(p))
	}
	assert.ErrorIs(t, ValidatePriority(model.Priority("critical")), model.ErrMalformed)
	assert.ErrorIs(t, ValidatePriority(model.Priority("")), model.ErrMalformed)
}

func TestValidateAttachments(t *testing.T) {
	assert.NoError(t, ValidateAttachments(nil))
	assert.NoError(t, ValidateAttachments([]model.Attachment{
		{Kind: model.AttachmentImage, URL: "https://cdn.example.com/a.png", Name: "a.png"},
	}))

	assert.ErrorIs(t, ValidateAttachments([]model.Attachment{{Name: "no-url"}}), model.ErrMalformed)

	many := make([]model.Attachment, 11)
	for i := range many {
		many[i] = model.Attachment{URL: "https://cdn.example.com/f"}
	}
	assert.ErrorIs(t, ValidateAttachments(many), model.ErrMalformed)
}
