package ws

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"marketplace-messaging/internal/models"
	"marketplace-messaging/internal/observability"
)

const lifecycleRoutingKey = "ws_events.connections"

func UserRoom(userID string) string { return "user:" + userID }

func ConversationRoom(conversationID string) string { return "conversation:" + conversationID }

// Hub maintains the named rooms of active realtime clients.
type Hub struct {
	rooms   map[string]map[*Client]struct{}
	members map[*Client]map[string]struct{}
	// leaves counts ConversationLeft calls per user.
	leaves map[string]uint64
	mu     sync.RWMutex
	log     *zap.Logger
}

// NewHub creates an empty hub.
func NewHub(log *zap.Logger) *Hub {
	return &Hub{
		rooms:   make(map[string]map[*Client]struct{}),
		members: make(map[*Client]map[string]struct{}),
		leaves:  make(map[string]uint64),
		log:     log,
	}
}

// Join adds client to room.
func (h *Hub) Join(room string, client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.joinLocked(room, client)
}

func (h *Hub) joinLocked(room string, client *Client) {
	if _, ok := h.rooms[room]; !ok {
		h.rooms[room] = make(map[*Client]struct{})
	}
	h.rooms[room][client] = struct{}{}
	if _, ok := h.members[client]; !ok {
		h.members[client] = make(map[string]struct{})
	}
	h.members[client][room] = struct{}{}
}

// leaveGeneration returns how many conversations userID has left so far.
func (h *Hub) leaveGeneration(userID string) uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.leaves[userID]
}

// joinSince adds client to room only if its user has not left a conversation
// since gen was read.
func (h *Hub) joinSince(room string, client *Client, gen uint64) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.leaves[client.info.UserID] != gen {
		return false
	}
	h.joinLocked(room, client)
	return true
}

// Leave removes client from room. Leaving a room the client is not in is a no-op.
func (h *Hub) Leave(room string, client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(room, client)
}

func (h *Hub) leaveLocked(room string, client *Client) {
	if clients, ok := h.rooms[room]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.rooms, room)
		}
	}
	if rooms, ok := h.members[client]; ok {
		delete(rooms, room)
	}
}

// Remove drops client from every room and closes it.
func (h *Hub) Remove(client *Client) {
	h.mu.Lock()
	for room := range h.members[client] {
		h.leaveLocked(room, client)
	}
	delete(h.members, client)
	h.mu.Unlock()
	client.close()
}

func (h *Hub) InRoom(room string, client *Client) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.rooms[room][client]
	return ok
}

// Emit sends frame to every client in room except skip. Clients that cannot
// keep up are disconnected.
func (h *Hub) Emit(room string, frame models.ServerFrame, skip *Client) {
	payload, err := json.Marshal(frame)
	if err != nil {
		h.log.Error("marshal realtime frame", zap.String("event", frame.Event), zap.Error(err))
		return
	}

	h.mu.RLock()
	var slow []*Client
	for client := range h.rooms[room] {
		if client == skip {
			continue
		}
		if !client.enqueue(payload) {
			slow = append(slow, client)
		}
	}
	h.mu.RUnlock()

	for _, client := range slow {
		h.log.Warn("dropping slow realtime client", zap.String("conn_id", client.info.ConnID), zap.String("user_id", client.info.UserID))
		h.Remove(client)
		publishLifecycle(context.Background(), client.info, "ws_error", "send buffer full")
	}
}

// MessageCreated broadcasts the message to its conversation room and the new
// badge count to each recipient.
func (h *Hub) MessageCreated(msg models.MessageView, recipients []models.RecipientUnread) {
	h.Emit(ConversationRoom(msg.ConversationID), models.ServerFrame{Event: models.EventNewMessage, Data: msg}, nil)
	for _, r := range recipients {
		h.Emit(UserRoom(r.UserID), models.ServerFrame{Event: models.EventBadgeUpdate, Data: models.BadgePayload{TotalUnread: r.TotalUnread}}, nil)
	}
}

func (h *Hub) ConversationRead(result models.ReadResult) {
	h.Emit(UserRoom(result.UserID), models.ServerFrame{Event: models.EventBadgeUpdate, Data: models.BadgePayload{TotalUnread: result.TotalUnread}}, nil)
	h.Emit(ConversationRoom(result.ConversationID), models.ServerFrame{Event: models.EventConversationRead, Data: models.ReadPayload{
		ConversationID:    result.ConversationID,
		UserID:            result.UserID,
		LastReadMessageID: result.LastReadMessageID,
	}}, nil)
}

// ConversationLeft updates the leaver's badge and takes their connections out
// of the conversation room.
func (h *Hub) ConversationLeft(result models.LeaveResult) {
	room := ConversationRoom(result.ConversationID)
	h.mu.Lock()
	h.leaves[result.UserID]++
	for client := range h.rooms[room] {
		if client.info.UserID == result.UserID {
			h.leaveLocked(room, client)
		}
	}
	h.mu.Unlock()
	h.Emit(UserRoom(result.UserID), models.ServerFrame{Event: models.EventBadgeUpdate, Data: models.BadgePayload{TotalUnread: result.TotalUnread}}, nil)
}

func publishLifecycle(ctx context.Context, info ConnInfo, event, reason string) {
	observability.IncWSEvent(event, "lifecycle")
	_ = observability.PublishEvent(ctx, lifecycleRoutingKey, observability.EventEnvelope{
		EventType: "ws_events",
		EventName: event,
		Payload: map[string]interface{}{
			"ws": map[string]interface{}{
				"event":       event,
				"conn_id":     info.ConnID,
				"duration_ms": time.Since(info.ConnectedAt).Milliseconds(),
				"reason":      reason,
			},
			"identity": map[string]interface{}{
				"user_id":   info.UserID,
				"device_id": info.DeviceID,
				"ip":        info.IP,
			},
		},
	}, observability.BuildHeaders(info.RequestID, info.TraceID))
}
