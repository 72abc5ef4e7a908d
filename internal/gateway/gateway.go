// Package gateway terminates WebSocket connections for agent dashboards,
// bridging sockets into the presence registry and the fanout router.
package gateway

import (
	"context"
	"net/http"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/zymochat/platform/internal/directory"
	"github.com/zymochat/platform/internal/fanout"
	"github.com/zymochat/platform/internal/middleware"
	"github.com/zymochat/platform/internal/model"
	"github.com/zymochat/platform/internal/presence"
	"github.com/zymochat/platform/internal/session"
	"github.com/zymochat/platform/pkg/logger"
	"github.com/zymochat/platform/pkg/metrics"
)

// Gateway upgrades HTTP requests to WebSocket connections and runs the
// per-connection read loop.
type Gateway struct {
	engine    *session.Engine
	presence  *presence.Registry
	router    *fanout.Router
	dir       directory.Directory
	jwtSecret string
	log       *logger.Logger
	upgrader  websocket.Upgrader
}

// New creates a Gateway.
func New(engine *session.Engine, reg *presence.Registry, router *fanout.Router, dir directory.Directory, jwtSecret string, log *logger.Logger) *Gateway {
	return &Gateway{
		engine:    engine,
		presence:  reg,
		router:    router,
		dir:       dir,
		jwtSecret: jwtSecret,
		log:       log.WithComponent("gateway"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Browser origins are enforced upstream by the CORS layer.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// ServeHTTP handles GET /ws. The token is verified before the upgrade so
// unauthenticated clients get a plain 401 instead of a dropped socket.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := middleware.BearerToken(r)
	claims, err := middleware.VerifyToken(token, g.jwtSecret)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	identityID := claims.Subject

	if _, err := g.dir.Identity(r.Context(), identityID); err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	socket, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	conn := newConn(socket, identityID)
	g.log.Info("connection opened",
		zap.String("conn_id", conn.ID()),
		zap.String("identity_id", identityID),
	)
	metrics.WSConnectionsActive.Inc()

	ctx := context.Background()
	g.presence.Connect(ctx, identityID, conn)
	g.subscribeHome(ctx, conn, identityID)

	g.readLoop(ctx, conn)

	g.presence.Disconnect(ctx, identityID, conn.ID())
	g.router.UnsubscribeAll(conn.ID())
	conn.Close()
	metrics.WSConnectionsActive.Dec()
	g.log.Info("connection closed",
		zap.String("conn_id", conn.ID()),
		zap.String("identity_id", identityID),
	)
}

// subscribeHome attaches the connection to its identity channel and to the
// tenant channel of every tenant the identity belongs to. Platform admins
// observe all tenants.
func (g *Gateway) subscribeHome(ctx context.Context, conn *Conn, identityID string) {
	g.router.Subscribe(fanout.Identity(identityID), conn)

	var tenants []string
	var err error
	if admin, _ := g.dir.IsPlatformAdmin(ctx, identityID); admin {
		tenants, err = g.dir.AllTenants(ctx)
	} else {
		tenants, err = g.dir.TenantsOf(ctx, identityID)
	}
	if err != nil {
		g.log.Warn("tenant lookup failed", zap.String("identity_id", identityID), zap.Error(err))
		return
	}
	for _, t := range tenants {
		g.router.Subscribe(fanout.Tenant(t), conn)
	}
}

func (g *Gateway) readLoop(ctx context.Context, conn *Conn) {
	for {
		frame, err := conn.readFrame()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				g.log.Debug("read error", zap.String("conn_id", conn.ID()), zap.Error(err))
			}
			return
		}
		g.dispatch(ctx, conn, frame)
	}
}

func (g *Gateway) dispatch(ctx context.Context, conn *Conn, f Frame) {
	switch f.Type {
	case FrameJoinChat:
		g.handleJoin(ctx, conn, f.ConversationID)
	case FrameLeaveChat:
		g.router.Unsubscribe(fanout.Conversation(f.ConversationID), conn.ID())
	case FrameTypingStart:
		g.relayTyping(conn, f.ConversationID, model.EventUserTyping)
	case FrameTypingStop:
		g.relayTyping(conn, f.ConversationID, model.EventUserStoppedTyping)
	case FrameStatusUpdate:
		if f.Online != nil {
			g.presence.SetStatus(ctx, conn.IdentityID(), *f.Online)
		}
	default:
		g.log.Debug("unknown frame type",
			zap.String("conn_id", conn.ID()),
			zap.String("type", f.Type),
		)
	}
}

// handleJoin subscribes the connection to a conversation channel after an
// access check, and marks the visitor's messages read for the joining agent.
func (g *Gateway) handleJoin(ctx context.Context, conn *Conn, conversationID string) {
	if conversationID == "" {
		return
	}
	conv, err := g.engine.Get(ctx, conversationID)
	if err != nil {
		g.log.Debug("join rejected", zap.String("conversation_id", conversationID), zap.Error(err))
		return
	}
	ok, err := g.dir.HasAccess(ctx, conn.IdentityID(), conv.TenantID)
	if err != nil || !ok {
		g.log.Warn("join denied",
			zap.String("identity_id", conn.IdentityID()),
			zap.String("conversation_id", conversationID),
		)
		return
	}
	g.router.Subscribe(fanout.Conversation(conversationID), conn)
	if err := g.engine.MarkRead(ctx, conversationID, conn.IdentityID()); err != nil {
		g.log.Debug("mark read failed", zap.String("conversation_id", conversationID), zap.Error(err))
	}
}

// relayTyping forwards a typing indicator to everyone else viewing the
// conversation. The originator is excluded so clients never see their own
// indicator echoed back.
func (g *Gateway) relayTyping(conn *Conn, conversationID string, typ model.EventType) {
	if conversationID == "" {
		return
	}
	g.router.PublishExcept(fanout.Conversation(conversationID), model.Event{
		Type: typ,
		Data: model.TypingEvent{
			ConversationID: conversationID,
			IdentityID:     conn.IdentityID(),
		},
	}, conn.ID())
}
