// Package handler provides HTTP handlers for the API.
package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/zymochat/platform/internal/directory"
	"github.com/zymochat/platform/internal/middleware"
	"github.com/zymochat/platform/internal/model"
	"github.com/zymochat/platform/internal/presence"
	"github.com/zymochat/platform/internal/session"
	"github.com/zymochat/platform/internal/store"
	"github.com/zymochat/platform/pkg/logger"
)

// ConversationHandler handles the agent-facing conversation endpoints.
type ConversationHandler struct {
	engine   *session.Engine
	dir      directory.Directory
	presence *presence.Registry
	logger   *logger.Logger
}

// NewConversationHandler creates a new conversation handler.
func NewConversationHandler(engine *session.Engine, dir directory.Directory, reg *presence.Registry, log *logger.Logger) *ConversationHandler {
	return &ConversationHandler{
		engine:   engine,
		dir:      dir,
		presence: reg,
		logger:   log,
	}
}

// authorize loads a conversation and verifies the caller's tenant access.
func (h *ConversationHandler) authorize(r *http.Request, conversationID string) (*model.Conversation, error) {
	ctx := r.Context()
	conv, err := h.engine.Get(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	identityID := middleware.GetIdentityID(ctx)
	ok, err := h.dir.HasAccess(ctx, identityID, conv.TenantID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("identity %s has no access to tenant %s: %w", identityID, conv.TenantID, model.ErrForbidden)
	}
	return conv, nil
}

// List handles GET /api/v1/tenants/{tenantID}/conversations
func (h *ConversationHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := chi.URLParam(r, "tenantID")
	identityID := middleware.GetIdentityID(ctx)

	if err := middleware.ValidateID("tenant id", tenantID); err != nil {
		writeDomainError(w, err)
		return
	}

	ok, err := h.dir.HasAccess(ctx, identityID, tenantID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if !ok {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}

	f := store.Filter{
		Status:    model.Status(r.URL.Query().Get("status")),
		ClaimedBy: r.URL.Query().Get("claimed_by"),
	}
	p := store.Page{Limit: 20}
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 100 {
			p.Limit = parsed
		}
	}
	if o := r.URL.Query().Get("offset"); o != "" {
		if parsed, err := strconv.Atoi(o); err == nil && parsed >= 0 {
			p.Offset = parsed
		}
	}

	summaries, total, err := h.engine.Query(ctx, tenantID, f, p)
	if err != nil {
		h.logger.Error("failed to list conversations", zap.String("tenant_id", tenantID), zap.Error(err))
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"conversations": summaries,
		"total":         total,
		"limit":         p.Limit,
		"offset":        p.Offset,
	})
}

// Get handles GET /api/v1/conversations/{id}. Viewing a conversation
// marks its visitor messages read, same as joining it over the socket.
func (h *ConversationHandler) Get(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	conversationID := chi.URLParam(r, "id")
	if _, err := h.authorize(r, conversationID); err != nil {
		writeDomainError(w, err)
		return
	}
	identityID := middleware.GetIdentityID(ctx)
	if err := h.engine.MarkRead(ctx, conversationID, identityID); err != nil {
		h.logger.Error("failed to mark read", zap.String("conversation_id", conversationID), zap.Error(err))
		writeDomainError(w, err)
		return
	}
	conv, err := h.engine.Get(ctx, conversationID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

// Messages handles GET /api/v1/conversations/{id}/messages
func (h *ConversationHandler) Messages(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "id")
	conv, err := h.authorize(r, conversationID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"messages": conv.Messages,
		"total":    len(conv.Messages),
	})
}

// Send handles POST /api/v1/conversations/{id}/messages
func (h *ConversationHandler) Send(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	conversationID := chi.URLParam(r, "id")
	identityID := middleware.GetIdentityID(ctx)

	if _, err := h.authorize(r, conversationID); err != nil {
		writeDomainError(w, err)
		return
	}

	var req struct {
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

	msg, err := h.engine.AppendMessage(ctx, conversationID, model.OriginAgent, identityID, req.Text, req.Attachments)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

// Claim handles POST /api/v1/conversations/{id}/claim
func (h *ConversationHandler) Claim(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	conversationID := chi.URLParam(r, "id")
	identityID := middleware.GetIdentityID(ctx)

	if _, err := h.authorize(r, conversationID); err != nil {
		writeDomainError(w, err)
		return
	}

	conv, err := h.engine.Claim(ctx, conversationID, identityID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

// Close handles POST /api/v1/conversations/{id}/close
func (h *ConversationHandler) Close(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "id")
	if _, err := h.authorize(r, conversationID); err != nil {
		writeDomainError(w, err)
		return
	}
	conv, err := h.engine.Close(r.Context(), conversationID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

// Resolve handles POST /api/v1/conversations/{id}/resolve
func (h *ConversationHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "id")
	if _, err := h.authorize(r, conversationID); err != nil {
		writeDomainError(w, err)
		return
	}
	conv, err := h.engine.Resolve(r.Context(), conversationID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

// SetPriority handles PUT /api/v1/conversations/{id}/priority
func (h *ConversationHandler) SetPriority(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "id")
	if _, err := h.authorize(r, conversationID); err != nil {
		writeDomainError(w, err)
		return
	}

	var req struct {
		Priority model.Priority `json:"priority"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := middleware.ValidatePriority(req.Priority); err != nil {
		writeDomainError(w, err)
		return
	}

	conv, err := h.engine.SetPriority(r.Context(), conversationID, req.Priority)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

// SetNote handles PUT /api/v1/conversations/{id}/note
func (h *ConversationHandler) SetNote(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "id")
	if _, err := h.authorize(r, conversationID); err != nil {
		writeDomainError(w, err)
		return
	}

	var req struct {
		Note string `json:"note"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := middleware.ValidateNote(req.Note); err != nil {
		writeDomainError(w, err)
		return
	}

	conv, err := h.engine.SetNote(r.Context(), conversationID, req.Note)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

// MarkRead handles POST /api/v1/conversations/{id}/read
func (h *ConversationHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	conversationID := chi.URLParam(r, "id")
	identityID := middleware.GetIdentityID(ctx)

	if _, err := h.authorize(r, conversationID); err != nil {
		writeDomainError(w, err)
		return
	}
	if err := h.engine.MarkRead(ctx, conversationID, identityID); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// OnlineAgents handles GET /api/v1/tenants/{tenantID}/agents/online
func (h *ConversationHandler) OnlineAgents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := chi.URLParam(r, "tenantID")
	identityID := middleware.GetIdentityID(ctx)

	ok, err := h.dir.HasAccess(ctx, identityID, tenantID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if !ok {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}

	online, err := h.presence.ListOnline(ctx, tenantID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	agents := lo.FilterMap(online, func(id string, _ int) (*directory.Identity, bool) {
		ident, err := h.dir.Identity(ctx, id)
		return ident, err == nil
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"agents": agents,
		"total":  len(agents),
	})
}
