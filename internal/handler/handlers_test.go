package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zymochat/platform/internal/directory"
	"github.com/zymochat/platform/internal/fanout"
	"github.com/zymochat/platform/internal/middleware"
	"github.com/zymochat/platform/internal/model"
	"github.com/zymochat/platform/internal/presence"
	"github.com/zymochat/platform/internal/session"
	"github.com/zymochat/platform/internal/store"
	"github.com/zymochat/platform/pkg/logger"
)

const testSecret = "test-secret"

type testEnv struct {
	engine   *session.Engine
	presence *presence.Registry
	dir      *directory.Memory
	server   *httptest.Server
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	log := logger.NewNop()

	dir := directory.NewMemory()
	dir.AddTenant("acme")
	dir.AddTenant("globex")
	dir.AddIdentity(directory.Identity{ID: "agent-1", Name: "Ada"})
	dir.AddIdentity(directory.Identity{ID: "agent-2", Name: "Lin"})
	dir.AddMember("acme", "agent-1")
	dir.AddMember("globex", "agent-2")

	router := fanout.NewRouter(log)
	reg := presence.NewRegistry(router, dir, log)
	engine := session.NewEngine(store.NewMemory(), router, dir, log)

	conversationHandler := NewConversationHandler(engine, dir, reg, log)
	widgetHandler := NewWidgetHandler(engine, dir, reg, log)

	r := chi.NewRouter()
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Auth(testSecret))
		r.Route("/tenants/{tenantID}", func(r chi.Router) {
			r.Get("/conversations", conversationHandler.List)
			r.Get("/agents/online", conversationHandler.OnlineAgents)
		})
		r.Route("/conversations/{id}", func(r chi.Router) {
			r.Get("/", conversationHandler.Get)
			r.Get("/messages", conversationHandler.Messages)
			r.Post("/messages", conversationHandler.Send)
			r.Post("/claim", conversationHandler.Claim)
			r.Post("/close", conversationHandler.Close)
			r.Post("/resolve", conversationHandler.Resolve)
			r.Post("/read", conversationHandler.MarkRead)
			r.Put("/priority", conversationHandler.SetPriority)
			r.Put("/note", conversationHandler.SetNote)
		})
	})
	r.Route("/widget/v1", func(r chi.Router) {
		r.Route("/tenants/{tenantID}", func(r chi.Router) {
			r.Post("/conversations", widgetHandler.Start)
			r.Get("/online", widgetHandler.Online)
		})
		r.Route("/conversations/{id}", func(r chi.Router) {
			r.Get("/", widgetHandler.Transcript)
			r.Post("/messages", widgetHandler.Send)
			r.Post("/close", widgetHandler.Close)
			r.Post("/satisfaction", widgetHandler.Satisfaction)
		})
	})

	ts := httptest.NewServer(r)
	t.Cleanup(ts.Close)
	return &testEnv{engine: engine, presence: reg, dir: dir, server: ts}
}

func signToken(t *testing.T, subject string) string {
	t.Helper()
	claims := &middleware.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

// do issues a request, optionally authenticated, with a JSON body.
func (env *testEnv) do(t *testing.T, method, path, identity string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, env.server.URL+path, &buf)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if identity != "" {
		req.Header.Set("Authorization", "Bearer "+signToken(t, identity))
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func (env *testEnv) startConversation(t *testing.T) (convID, visitorID string) {
	t.Helper()
	resp := env.do(t, http.MethodPost, "/widget/v1/tenants/acme/conversations", "", map[string]any{
		"text":         "hi, my order never arrived",
		"visitor_info": map[string]any{"name": "Bob", "email": "bob@example.com"},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	body := decode[map[string]any](t, resp)
	return body["conversation_id"].(string), body["visitor_id"].(string)
}

func TestWidgetStartAndTranscript(t *testing.T) {
	env := newTestEnv(t)
	convID, visitorID := env.startConversation(t)
	require.NotEmpty(t, convID)
	require.NotEmpty(t, visitorID)

	resp := env.do(t, http.MethodGet, fmt.Sprintf("/widget/v1/conversations/%s?visitor_id=%s", convID, visitorID), "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	transcript := decode[model.Transcript](t, resp)
	assert.Equal(t, model.StatusOpen, transcript.Status)
	require.Len(t, transcript.Messages, 1)
	assert.Equal(t, "hi, my order never arrived", transcript.Messages[0].Text)
}

func TestWidgetStartUnknownTenant(t *testing.T) {
	env := newTestEnv(t)
	resp := env.do(t, http.MethodPost, "/widget/v1/tenants/nonesuch/conversations", "", map[string]any{"text": "hello"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestWidgetVisitorOwnership(t *testing.T) {
	env := newTestEnv(t)
	convID, _ := env.startConversation(t)

	// wrong visitor id cannot read or write
	resp := env.do(t, http.MethodGet, "/widget/v1/conversations/"+convID+"?visitor_id=intruder", "", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/widget/v1/conversations/"+convID+"/messages", "", map[string]any{
		"visitor_id": "intruder", "text": "let me in",
	})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestWidgetSendAfterClose(t *testing.T) {
	env := newTestEnv(t)
	convID, visitorID := env.startConversation(t)

	resp := env.do(t, http.MethodPost, "/widget/v1/conversations/"+convID+"/close", "", map[string]any{"visitor_id": visitorID})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/widget/v1/conversations/"+convID+"/messages", "", map[string]any{
		"visitor_id": visitorID, "text": "one more thing",
	})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestWidgetSatisfaction(t *testing.T) {
	env := newTestEnv(t)
	convID, visitorID := env.startConversation(t)

	resp := env.do(t, http.MethodPost, "/widget/v1/conversations/"+convID+"/satisfaction", "", map[string]any{
		"visitor_id": visitorID, "rating": 4, "feedback": "fast reply",
	})
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/widget/v1/conversations/"+convID+"/satisfaction", "", map[string]any{
		"visitor_id": visitorID, "rating": 9,
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestWidgetOnline(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodGet, "/widget/v1/tenants/acme/online", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[map[string]any](t, resp)
	assert.Equal(t, false, body["online"])

	env.presence.Connect(context.Background(), "agent-1", &stubConn{id: "c1"})

	resp = env.do(t, http.MethodGet, "/widget/v1/tenants/acme/online", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body = decode[map[string]any](t, resp)
	assert.Equal(t, true, body["online"])
	assert.Equal(t, float64(1), body["agents_online"])
}

func TestAgentAuthRequired(t *testing.T) {
	env := newTestEnv(t)
	resp := env.do(t, http.MethodGet, "/api/v1/tenants/acme/conversations", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAgentList(t *testing.T) {
	env := newTestEnv(t)
	convID, _ := env.startConversation(t)

	resp := env.do(t, http.MethodGet, "/api/v1/tenants/acme/conversations", "agent-1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[struct {
		Conversations []model.ConversationSummary `json:"conversations"`
		Total         int                         `json:"total"`
	}](t, resp)
	assert.Equal(t, 1, body.Total)
	require.Len(t, body.Conversations, 1)
	assert.Equal(t, convID, body.Conversations[0].ID)
	assert.Equal(t, 1, body.Conversations[0].UnreadCount)

	// members of other tenants are refused
	resp = env.do(t, http.MethodGet, "/api/v1/tenants/acme/conversations", "agent-2", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestAgentListStatusFilter(t *testing.T) {
	env := newTestEnv(t)
	convID, _ := env.startConversation(t)
	env.startConversation(t)

	resp := env.do(t, http.MethodPost, "/api/v1/conversations/"+convID+"/claim", "agent-1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/api/v1/tenants/acme/conversations?status=claimed", "agent-1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[struct {
		Total int `json:"total"`
	}](t, resp)
	assert.Equal(t, 1, body.Total)
}

func TestAgentClaimFlow(t *testing.T) {
	env := newTestEnv(t)
	convID, _ := env.startConversation(t)

	resp := env.do(t, http.MethodPost, "/api/v1/conversations/"+convID+"/claim", "agent-1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	conv := decode[model.Conversation](t, resp)
	assert.Equal(t, model.StatusClaimed, conv.Status)
	assert.Equal(t, "agent-1", conv.ClaimedBy)

	// foreign tenant agents cannot even see it
	resp = env.do(t, http.MethodPost, "/api/v1/conversations/"+convID+"/claim", "agent-2", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestAgentSendAndMarkRead(t *testing.T) {
	env := newTestEnv(t)
	convID, _ := env.startConversation(t)

	resp := env.do(t, http.MethodPost, "/api/v1/conversations/"+convID+"/messages", "agent-1", map[string]any{
		"text": "hi Bob, looking into it now",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	msg := decode[model.Message](t, resp)
	assert.Equal(t, model.OriginAgent, msg.Origin)
	assert.Equal(t, "agent-1", msg.SenderID)

	resp = env.do(t, http.MethodPost, "/api/v1/conversations/"+convID+"/read", "agent-1", nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/api/v1/conversations/"+convID, "agent-1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	conv := decode[model.Conversation](t, resp)
	assert.Equal(t, 0, conv.UnreadCount())
	require.NotNil(t, conv.Metadata.FirstResponseSecs)
}

func TestAgentGetMarksRead(t *testing.T) {
	env := newTestEnv(t)
	convID, _ := env.startConversation(t)

	ctx := context.Background()
	before, err := env.engine.Get(ctx, convID)
	require.NoError(t, err)
	require.Equal(t, 1, before.UnreadCount(), "opening message starts unread")

	resp := env.do(t, http.MethodGet, "/api/v1/conversations/"+convID, "agent-1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	conv := decode[model.Conversation](t, resp)
	assert.Equal(t, 0, conv.UnreadCount(), "viewing marks visitor messages read")

	after, err := env.engine.Get(ctx, convID)
	require.NoError(t, err)
	assert.Equal(t, 0, after.UnreadCount())
}

func TestAgentLifecycleConflicts(t *testing.T) {
	env := newTestEnv(t)
	convID, _ := env.startConversation(t)

	resp := env.do(t, http.MethodPost, "/api/v1/conversations/"+convID+"/resolve", "agent-1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// crossing terminal states conflicts
	resp = env.do(t, http.MethodPost, "/api/v1/conversations/"+convID+"/close", "agent-1", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	// idempotent repeat succeeds
	resp = env.do(t, http.MethodPost, "/api/v1/conversations/"+convID+"/resolve", "agent-1", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAgentPriorityAndNote(t *testing.T) {
	env := newTestEnv(t)
	convID, _ := env.startConversation(t)

	resp := env.do(t, http.MethodPut, "/api/v1/conversations/"+convID+"/priority", "agent-1", map[string]any{
		"priority": "urgent",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	conv := decode[model.Conversation](t, resp)
	assert.Equal(t, model.PriorityUrgent, conv.Priority)

	resp = env.do(t, http.MethodPut, "/api/v1/conversations/"+convID+"/priority", "agent-1", map[string]any{
		"priority": "whenever",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.do(t, http.MethodPut, "/api/v1/conversations/"+convID+"/note", "agent-1", map[string]any{
		"note": "billing dispute, see ticket 4121",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	conv = decode[model.Conversation](t, resp)
	assert.Equal(t, "billing dispute, see ticket 4121", conv.Note)
}

func TestAgentGetNotFound(t *testing.T) {
	env := newTestEnv(t)
	resp := env.do(t, http.MethodGet, "/api/v1/conversations/nonesuch", "agent-1", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestOnlineAgents(t *testing.T) {
	env := newTestEnv(t)
	env.presence.Connect(context.Background(), "agent-1", &stubConn{id: "c1"})

	resp := env.do(t, http.MethodGet, "/api/v1/tenants/acme/agents/online", "agent-1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[struct {
		Agents []directory.Identity `json:"agents"`
		Total  int                  `json:"total"`
	}](t, resp)
	assert.Equal(t, 1, body.Total)
	require.Len(t, body.Agents, 1)
	assert.Equal(t, "agent-1", body.Agents[0].ID)
}

type stubConn struct{ id string }

func (c *stubConn) ID() string                { return c.id }
func (c *stubConn) Send(ev model.Event) error { return nil }
