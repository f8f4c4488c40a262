package models

import (
	"database/sql"
	"time"
)

// Conversation is a two-party conversation. ParticipantLow/ParticipantHigh
// hold the pair in canonical (ascending) order.
type Conversation struct {
	ID              string         `db:"id" json:"id"`
	ParticipantLow  string         `db:"participant_low" json:"-"`
	ParticipantHigh string         `db:"participant_high" json:"-"`
	ListingRef      sql.NullString `db:"listing_ref" json:"-"`
	CreatedAt       time.Time      `db:"created_at" json:"created_at"`
}

// OtherParticipant returns the participant that is not userID.
func (c Conversation) OtherParticipant(userID string) string {
	if c.ParticipantLow == userID {
		return c.ParticipantHigh
	}
	return c.ParticipantLow
}

// Participant is a membership row.
type Participant struct {
	ConversationID string    `db:"conversation_id" json:"conversation_id"`
	UserID         string    `db:"user_id" json:"user_id"`
	JoinedAt       time.Time `db:"joined_at" json:"joined_at"`
}

// ConversationCounters is the denormalized last-message state of a conversation.
type ConversationCounters struct {
	ConversationID     string    `db:"conversation_id" json:"conversation_id"`
	LastMessageID      string    `db:"last_message_id" json:"last_message_id"`
	LastMessagePreview string    `db:"last_message_preview" json:"last_message_preview"`
	LastMessageAt      time.Time `db:"last_message_at" json:"last_message_at"`
}

// ConversationRow is a conversation joined with its counters and the
// requesting user's unread count, as listed for that user.
type ConversationRow struct {
	Conversation
	LastMessageID      sql.NullString `db:"last_message_id"`
	LastMessagePreview sql.NullString `db:"last_message_preview"`
	LastMessageAt      sql.NullTime   `db:"last_message_at"`
	UnreadCount        int            `db:"unread_count"`
}

// UserProfile holds the public display fields of a user.
type UserProfile struct {
	ID          string `db:"id" json:"id"`
	DisplayName string `db:"display_name" json:"display_name"`
	AvatarURL   string `db:"avatar_url" json:"avatar_url,omitempty"`
}

// Listing holds the minimal display fields of a marketplace listing.
type Listing struct {
	ID            string  `db:"id" json:"id"`
	Title         string  `db:"title" json:"title"`
	Price         float64 `db:"price" json:"price"`
	OwnerID       string  `db:"owner_id" json:"-"`
	FirstImageURL string  `db:"first_image_url" json:"first_image_url,omitempty"`
}

// ConversationSummary is the API view of a conversation for one user.
type ConversationSummary struct {
	ID                 string      `json:"id"`
	Counterpart        UserProfile `json:"counterpart"`
	Listing            *Listing    `json:"listing,omitempty"`
	UnreadCount        int         `json:"unread_count"`
	LastMessageID      string      `json:"last_message_id,omitempty"`
	LastMessagePreview string      `json:"last_message_preview,omitempty"`
	LastMessageAt      *time.Time  `json:"last_message_at,omitempty"`
	CreatedAt          time.Time   `json:"created_at"`
}
