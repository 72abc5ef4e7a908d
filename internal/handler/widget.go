package handler

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zymochat/platform/internal/directory"
	"github.com/zymochat/platform/internal/middleware"
	"github.com/zymochat/platform/internal/model"
	"github.com/zymochat/platform/internal/presence"
	"github.com/zymochat/platform/internal/session"
	"github.com/zymochat/platform/pkg/logger"
)

// WidgetHandler handles the unauthenticated visitor-facing endpoints. The
// visitor id acts as a bearer capability for its own conversations, so it is
// never echoed into agent-visible channels beyond the conversation record.
type WidgetHandler struct {
	engine   *session.Engine
	dir      directory.Directory
	presence *presence.Registry
	logger   *logger.Logger
}

// NewWidgetHandler creates a new widget handler.
func NewWidgetHandler(engine *session.Engine, dir directory.Directory, reg *presence.Registry, log *logger.Logger) *WidgetHandler {
	return &WidgetHandler{
		engine:   engine,
		dir:      dir,
		presence: reg,
		logger:   log,
	}
}

// authorizeVisitor loads a conversation and verifies the visitor owns it.
func (h *WidgetHandler) authorizeVisitor(r *http.Request, conversationID, visitorID string) (*model.Conversation, error) {
	conv, err := h.engine.Get(r.Context(), conversationID)
	if err != nil {
		return nil, err
	}
	if visitorID == "" || conv.VisitorID != visitorID {
		return nil, fmt.Errorf("visitor does not own conversation %s: %w", conversationID, model.ErrForbidden)
	}
	return conv, nil
}

// Start handles POST /widget/v1/tenants/{tenantID}/conversations
func (h *WidgetHandler) Start(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := chi.URLParam(r, "tenantID")

	if err := middleware.ValidateID("tenant id", tenantID); err != nil {
		writeDomainError(w, err)
		return
	}

	var req struct {
		VisitorID   string             `json:"visitor_id,omitempty"`
		VisitorInfo *model.VisitorInfo `json:"visitor_info,omitempty"`
		Text        string             `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := middleware.ValidateMessageText(req.Text); err != nil {
		writeDomainError(w, err)
		return
	}
	if err := middleware.ValidateVisitorInfo(req.VisitorInfo); err != nil {
		writeDomainError(w, err)
		return
	}

	// Reject unknown tenants before creating anything.
	if _, err := h.dir.MembersOf(ctx, tenantID); err != nil {
		writeDomainError(w, err)
		return
	}

	visitorID := req.VisitorID
	if visitorID == "" {
		visitorID = uuid.New().String()
	}
	var info model.VisitorInfo
	if req.VisitorInfo != nil {
		info = *req.VisitorInfo
	}
	if info.UserAgent == "" {
		info.UserAgent = r.UserAgent()
	}

	conv, err := h.engine.Start(ctx, tenantID, visitorID, info, req.Text)
	if err != nil {
		h.logger.Error("failed to start conversation", zap.String("tenant_id", tenantID), zap.Error(err))
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"conversation_id": conv.ID,
		"visitor_id":      visitorID,
		"transcript":      conv.ToTranscript(),
	})
}

// Send handles POST /widget/v1/conversations/{id}/messages
func (h *WidgetHandler) Send(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "id")

	var req struct {
		VisitorID   string             `json:"visitor_id"`
		Text        string             `json:"text"`
		Attachments []model.Attachment `json:"attachments,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := middleware.ValidateMessageText(req.Text); err != nil {
		writeDomainError(w, err)
		return
	}
	if err := middleware.ValidateAttachments(req.Attachments); err != nil {
		writeDomainError(w, err)
		return
	}

	if _, err := h.authorizeVisitor(r, conversationID, req.VisitorID); err != nil {
		writeDomainError(w, err)
		return
	}

	msg, err := h.engine.AppendMessage(r.Context(), conversationID, model.OriginVisitor, "", req.Text, req.Attachments)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

// Transcript handles GET /widget/v1/conversations/{id}
func (h *WidgetHandler) Transcript(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "id")
	visitorID := r.URL.Query().Get("visitor_id")

	conv, err := h.authorizeVisitor(r, conversationID, visitorID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conv.ToTranscript())
}

// Close handles POST /widget/v1/conversations/{id}/close
func (h *WidgetHandler) Close(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "id")

	var req struct {
		VisitorID string `json:"visitor_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if _, err := h.authorizeVisitor(r, conversationID, req.VisitorID); err != nil {
		writeDomainError(w, err)
		return
	}

	conv, err := h.engine.Close(r.Context(), conversationID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conv.ToTranscript())
}

// Satisfaction handles POST /widget/v1/conversations/{id}/satisfaction
func (h *WidgetHandler) Satisfaction(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "id")

	var req struct {
		VisitorID string `json:"visitor_id"`
		Rating    int    `json:"rating"`
		Feedback  string `json:"feedback,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := middleware.ValidateRating(req.Rating); err != nil {
		writeDomainError(w, err)
		return
	}
	if err := middleware.ValidateSatisfactionComment(req.Feedback); err != nil {
		writeDomainError(w, err)
		return
	}
	if _, err := h.authorizeVisitor(r, conversationID, req.VisitorID); err != nil {
		writeDomainError(w, err)
		return
	}

	if _, err := h.engine.SetSatisfaction(r.Context(), conversationID, req.Rating, req.Feedback); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Online handles GET /widget/v1/tenants/{tenantID}/online. The widget uses
// it to decide whether to show "we're online" before starting a chat.
func (h *WidgetHandler) Online(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := chi.URLParam(r, "tenantID")

	online, err := h.presence.ListOnline(ctx, tenantID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"online":        len(online) > 0,
		"agents_online": len(online),
	})
}
