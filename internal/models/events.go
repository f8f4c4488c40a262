package models

import "encoding/json"

// Realtime event names.
const (
	EventJoinConversation  = "join-conversation"
	EventLeaveConversation = "leave-conversation"
	EventSendMessage       = "send-message"
	EventMarkRead          = "mark-read"
	EventTypingStart       = "typing-start"
	EventTypingStop        = "typing-stop"

	EventAck              = "ack"
	EventNewMessage       = "new-message"
	EventBadgeUpdate      = "badge-update"
	EventForbidden        = "forbidden"
	EventConversationRead = "conversation-read"
	EventError            = "error"
)

// ClientFrame is a frame received from a realtime client.
type ClientFrame struct {
	Event string          `json:"event"`
	Ack   string          `json:"ack,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// ServerFrame is a frame pushed to a realtime client.
type ServerFrame struct {
	Event string `json:"event"`
	Ack   string `json:"ack,omitempty"`
	Data  any    `json:"data,omitempty"`
}

// ConversationRef is the payload of room-scoped client events.
type ConversationRef struct {
	ConversationID string `json:"conversationId"`
}

// SendMessagePayload is the payload of send-message. RecipientID may replace
// ConversationID to start a conversation on first send.
type SendMessagePayload struct {
	ConversationID string `json:"conversationId"`
	RecipientID    string `json:"recipientId,omitempty"`
	ListingRef     string `json:"listingRef,omitempty"`
	Body           string `json:"body"`
	AttachmentURL  string `json:"attachmentUrl,omitempty"`
}

type AckPayload struct {
	OK      bool         `json:"ok"`
	Message *MessageView `json:"message,omitempty"`
	Error   *ErrorBody   `json:"error,omitempty"`
}

type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type BadgePayload struct {
	TotalUnread int `json:"total_unread"`
}

type ForbiddenPayload struct {
	Resource string `json:"resource"`
	ID       string `json:"id"`
}

type TypingPayload struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
}

// ReadPayload tells a conversation room how far a participant has read.
type ReadPayload struct {
	ConversationID    string `json:"conversation_id"`
	UserID            string `json:"user_id"`
	LastReadMessageID string `json:"last_read_message_id,omitempty"`
}
