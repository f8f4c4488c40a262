package models

import (
	"database/sql"
	"time"
)

const MessageStatusSent = "SENT"

// Message is an immutable chat message. IDs sort in creation order.
type Message struct {
	ID             string         `db:"id" json:"id"`
	ConversationID string         `db:"conversation_id" json:"conversation_id"`
	SenderID       string         `db:"sender_id" json:"sender_id"`
	Body           string         `db:"body" json:"body"`
	AttachmentURL  sql.NullString `db:"attachment_url" json:"-"`
	Status         string         `db:"status" json:"status"`
	CreatedAt      time.Time      `db:"created_at" json:"created_at"`
}

// MessageView is a message with its sender's display fields attached.
type MessageView struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"conversation_id"`
	SenderID       string      `json:"sender_id"`
	Sender         UserProfile `json:"sender"`
	Body           string      `json:"body"`
	AttachmentURL  string      `json:"attachment_url,omitempty"`
	Status         string      `json:"status"`
	CreatedAt      time.Time   `json:"created_at"`
}

// NewMessageView attaches sender to msg.
func NewMessageView(msg Message, sender UserProfile) MessageView {
	return MessageView{
		ID:             msg.ID,
		ConversationID: msg.ConversationID,
		SenderID:       msg.SenderID,
		Sender:         sender,
		Body:           msg.Body,
		AttachmentURL:  msg.AttachmentURL.String,
		Status:         msg.Status,
		CreatedAt:      msg.CreatedAt,
	}
}

// RecipientUnread is a recipient's counters as recomputed by a send.
type RecipientUnread struct {
	UserID      string `db:"user_id" json:"user_id"`
	UnreadCount int    `db:"unread_count" json:"unread_count"`
	TotalUnread int    `db:"total_unread" json:"total_unread"`
}

// SendResult is the committed outcome of a send.
type SendResult struct {
	Message    Message
	Recipients []RecipientUnread
}

// ReadResult is the committed outcome of marking a conversation read.
type ReadResult struct {
	ConversationID    string `json:"conversation_id"`
	UserID            string `json:"user_id"`
	LastReadMessageID string `json:"last_read_message_id,omitempty"`
	TotalUnread       int    `json:"total_unread"`
}

// LeaveResult is the committed outcome of a participant leaving.
type LeaveResult struct {
	ConversationID string
	UserID         string
	TotalUnread    int
	Destroyed      bool
}
