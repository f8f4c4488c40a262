package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"marketplace-messaging/internal/apperr"
	"marketplace-messaging/internal/auth"
	"marketplace-messaging/internal/config"
	"marketplace-messaging/internal/middleware"
	"marketplace-messaging/internal/models"
	"marketplace-messaging/internal/observability"
	"marketplace-messaging/internal/presence"
	"marketplace-messaging/internal/services"
)

// Gateway authenticates realtime connections and dispatches their events.
type Gateway struct {
	hub       *Hub
	messenger services.Messenger
	verifier  auth.TokenVerifier
	presence  presence.Tracker
	cfg       config.WSConfig
	log       *zap.Logger
	upgrader  websocket.Upgrader
}

func NewGateway(hub *Hub, messenger services.Messenger, verifier auth.TokenVerifier, tracker presence.Tracker, cfg config.WSConfig, log *zap.Logger) *Gateway {
	return &Gateway{
		hub:       hub,
		messenger: messenger,
		verifier:  verifier,
		presence:  tracker,
		cfg:       cfg,
		log:       log,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Handle verifies the handshake token, upgrades the connection and joins the
// caller's personal room.
func (g *Gateway) Handle(c *gin.Context) {
	ctx, span := otel.Tracer("marketplace-messaging/ws").Start(c.Request.Context(), "ws.handshake")
	defer span.End()

	token := handshakeToken(c)
	if token == "" {
		observability.IncWSEvent("handshake", "no_token")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "NO_TOKEN"})
		return
	}
	userID, err := g.verifier.VerifyToken(ctx, token)
	if err != nil {
		observability.IncWSEvent("handshake", "bad_token")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "BAD_TOKEN"})
		return
	}

	conn, err := g.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		g.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	requestID := observability.RequestIDFromRequest(c.Request)
	if requestID == "" {
		requestID = observability.RequestIDFromContext(ctx)
	}
	info := ConnInfo{
		ConnID:      uuid.NewString(),
		UserID:      userID,
		DeviceID:    observability.DeviceIDFromRequest(c.Request),
		IP:          observability.IPFromRequest(c.Request),
		RequestID:   requestID,
		TraceID:     span.SpanContext().TraceID().String(),
		ConnectedAt: time.Now(),
	}
	client := newClient(conn, info, g.cfg.SendBuffer)
	g.hub.Join(UserRoom(userID), client)

	// Connection work outlives the handshake request.
	connCtx := observability.WithRequestID(context.WithoutCancel(ctx), requestID)
	if err := g.presence.Set(connCtx, userID, info.ConnID); err != nil {
		g.log.Warn("presence set failed", zap.String("user_id", userID), zap.Error(err))
	}

	observability.IncWSActive()
	g.log.Info("realtime client connected", zap.String("user_id", userID), zap.String("conn_id", info.ConnID))
	publishLifecycle(connCtx, info, "ws_connect", "")

	go client.writePump(g.cfg.WriteWait, g.cfg.PingPeriod)
	go g.readPump(connCtx, client)
}

func handshakeToken(c *gin.Context) string {
	if token, ok := middleware.BearerToken(c.GetHeader("Authorization")); ok {
		return token
	}
	return strings.TrimSpace(c.Query("token"))
}

func (g *Gateway) readPump(ctx context.Context, client *Client) {
	var closeReason string
	defer func() {
		g.hub.Remove(client)
		if err := g.presence.Remove(ctx, client.info.UserID, client.info.ConnID); err != nil {
			g.log.Warn("presence remove failed", zap.String("user_id", client.info.UserID), zap.Error(err))
		}
		observability.DecWSActive()
		g.log.Info("realtime client disconnected", zap.String("user_id", client.info.UserID), zap.String("conn_id", client.info.ConnID), zap.String("reason", closeReason))
		publishLifecycle(ctx, client.info, "ws_disconnect", closeReason)
	}()

	conn := client.conn
	conn.SetReadLimit(g.cfg.MaxMessageBytes)
	conn.SetReadDeadline(time.Now().Add(g.cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(g.cfg.PongWait))
		if err := g.presence.Set(ctx, client.info.UserID, client.info.ConnID); err != nil {
			g.log.Debug("presence refresh failed", zap.Error(err))
		}
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			closeReason = err.Error()
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				publishLifecycle(ctx, client.info, "ws_error", closeReason)
			}
			return
		}
		g.dispatch(ctx, client, data)
	}
}

// dispatch handles one client frame. Membership is checked on every
// room-scoped event.
func (g *Gateway) dispatch(ctx context.Context, client *Client, data []byte) {
	var frame models.ClientFrame
	if err := json.Unmarshal(data, &frame); err != nil || frame.Event == "" {
		observability.IncWSEvent("invalid", "error")
		client.push(errorFrame(string(apperr.CodeInvalidArgument), "malformed frame"))
		return
	}

	switch frame.Event {
	case models.EventJoinConversation:
		g.join(ctx, client, frame)
	case models.EventLeaveConversation:
		g.leave(ctx, client, frame)
	case models.EventSendMessage:
		g.send(ctx, client, frame)
	case models.EventMarkRead:
		g.markRead(ctx, client, frame)
	case models.EventTypingStart, models.EventTypingStop:
		g.typing(client, frame)
	default:
		observability.IncWSEvent("unknown", "error")
		client.push(errorFrame(string(apperr.CodeInvalidArgument), "unknown event "+frame.Event))
	}
}

func (g *Gateway) join(ctx context.Context, client *Client, frame models.ClientFrame) {
	var ref models.ConversationRef
	if err := json.Unmarshal(frame.Data, &ref); err != nil || ref.ConversationID == "" {
		g.nack(client, frame, apperr.New(apperr.CodeInvalidArgument, "conversationId is required"))
		return
	}

	gen := g.hub.leaveGeneration(client.info.UserID)
	ok, err := g.messenger.CanAccess(ctx, ref.ConversationID, client.info.UserID)
	if err == nil && ok {
		ok, err = g.joinConversation(ctx, client, ref.ConversationID, gen)
	}
	if err != nil {
		g.nack(client, frame, err)
		return
	}
	if !ok {
		observability.IncWSEvent(frame.Event, "forbidden")
		client.push(models.ServerFrame{Event: models.EventForbidden, Data: models.ForbiddenPayload{Resource: "conversation", ID: ref.ConversationID}})
		g.nack(client, frame, apperr.ErrForbidden)
		return
	}
	g.ack(client, frame, models.AckPayload{OK: true})
}

// joinConversation subscribes client to the conversation room. gen is the
// user's leave generation read before membership was last confirmed; if the
// user has left a conversation since then, membership is checked again.
func (g *Gateway) joinConversation(ctx context.Context, client *Client, conversationID string, gen uint64) (bool, error) {
	room := ConversationRoom(conversationID)
	for !g.hub.joinSince(room, client, gen) {
		gen = g.hub.leaveGeneration(client.info.UserID)
		ok, err := g.messenger.CanAccess(ctx, conversationID, client.info.UserID)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

// leave never reports failure to the client.
func (g *Gateway) leave(ctx context.Context, client *Client, frame models.ClientFrame) {
	var ref models.ConversationRef
	if err := json.Unmarshal(frame.Data, &ref); err != nil || ref.ConversationID == "" {
		return
	}
	if ok, err := g.messenger.CanAccess(ctx, ref.ConversationID, client.info.UserID); err != nil || !ok {
		return
	}
	g.hub.Leave(ConversationRoom(ref.ConversationID), client)
	observability.IncWSEvent(frame.Event, "ok")
}

func (g *Gateway) send(ctx context.Context, client *Client, frame models.ClientFrame) {
	var payload models.SendMessagePayload
	if err := json.Unmarshal(frame.Data, &payload); err != nil {
		g.nack(client, frame, apperr.New(apperr.CodeInvalidArgument, "invalid send-message payload"))
		return
	}

	gen := g.hub.leaveGeneration(client.info.UserID)
	msg, err := g.messenger.SendMessage(ctx, services.SendInput{
		ConversationID: payload.ConversationID,
		SenderID:       client.info.UserID,
		RecipientID:    payload.RecipientID,
		ListingRef:     payload.ListingRef,
		Body:           payload.Body,
		AttachmentURL:  payload.AttachmentURL,
	})
	if err != nil {
		g.nack(client, frame, err)
		return
	}

	// A send that started the conversation also subscribes the sender to it.
	if _, err := g.joinConversation(ctx, client, msg.ConversationID, gen); err != nil {
		g.log.Warn("realtime room join failed", zap.String("conversation_id", msg.ConversationID), zap.String("user_id", client.info.UserID), zap.Error(err))
	}
	g.ack(client, frame, models.AckPayload{OK: true, Message: &msg})
}

func (g *Gateway) markRead(ctx context.Context, client *Client, frame models.ClientFrame) {
	var ref models.ConversationRef
	if err := json.Unmarshal(frame.Data, &ref); err != nil || ref.ConversationID == "" {
		g.nack(client, frame, apperr.New(apperr.CodeInvalidArgument, "conversationId is required"))
		return
	}
	if _, err := g.messenger.MarkRead(ctx, ref.ConversationID, client.info.UserID); err != nil {
		g.nack(client, frame, err)
		return
	}
	g.ack(client, frame, models.AckPayload{OK: true})
}

// typing is relayed only by clients that joined the conversation room.
func (g *Gateway) typing(client *Client, frame models.ClientFrame) {
	var ref models.ConversationRef
	if err := json.Unmarshal(frame.Data, &ref); err != nil || ref.ConversationID == "" {
		return
	}
	room := ConversationRoom(ref.ConversationID)
	if !g.hub.InRoom(room, client) {
		return
	}
	g.hub.Emit(room, models.ServerFrame{
		Event: frame.Event,
		Data:  models.TypingPayload{ConversationID: ref.ConversationID, UserID: client.info.UserID},
	}, client)
}

func (g *Gateway) ack(client *Client, frame models.ClientFrame, payload models.AckPayload) {
	observability.IncWSEvent(frame.Event, "ok")
	client.push(models.ServerFrame{Event: models.EventAck, Ack: frame.Ack, Data: payload})
}

func (g *Gateway) nack(client *Client, frame models.ClientFrame, err error) {
	code := apperr.CodeOf(err)
	observability.IncWSEvent(frame.Event, "error")
	if code == apperr.CodeInternal {
		g.log.Error("realtime event failed", zap.String("event", frame.Event), zap.String("user_id", client.info.UserID), zap.Error(err))
	}
	client.push(models.ServerFrame{
		Event: models.EventAck,
		Ack:   frame.Ack,
		Data:  models.AckPayload{OK: false, Error: &models.ErrorBody{Code: string(code), Message: apperr.Public(err)}},
	})
}

func errorFrame(code, message string) models.ServerFrame {
	return models.ServerFrame{Event: models.EventError, Data: models.ErrorBody{Code: code, Message: message}}
}
