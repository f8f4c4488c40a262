package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"marketplace-messaging/internal/apperr"
	"marketplace-messaging/internal/middleware"
	"marketplace-messaging/internal/services"
)

// ConversationHandler serves the conversation and message endpoints.
type ConversationHandler struct {
	messenger services.Messenger
}

func NewConversationHandler(messenger services.Messenger) *ConversationHandler {
	return &ConversationHandler{messenger: messenger}
}

// Register mounts the handler's routes on an authenticated group.
func (h *ConversationHandler) Register(rg *gin.RouterGroup) {
	rg.GET("/conversations", h.ListConversations)
	rg.POST("/conversations", h.StartConversation)
	rg.POST("/conversations/listing/:listing_id", h.StartFromListing)
	rg.GET("/conversations/:conversation_id", h.GetConversation)
	rg.DELETE("/conversations/:conversation_id", h.LeaveConversation)
	rg.GET("/conversations/:conversation_id/messages", h.ListMessages)
	rg.POST("/conversations/:conversation_id/messages", h.PostMessage)
	rg.POST("/conversations/:conversation_id/read", h.MarkRead)
	rg.POST("/messages", h.SendDirect)
	rg.GET("/unread", h.UnreadTotal)
}

// ListConversations returns the caller's conversations, most recent first.
func (h *ConversationHandler) ListConversations(c *gin.Context) {
	page, pageSize, ok := pagination(c)
	if !ok {
		return
	}

	list, err := h.messenger.ListConversations(c.Request.Context(), c.GetString(middleware.UserIDKey), page, pageSize)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversations": list})
}

// StartConversation creates or returns the conversation with a counterpart.
func (h *ConversationHandler) StartConversation(c *gin.Context) {
	var req struct {
		CounterpartID string `json:"counterpart_id" binding:"required"`
		ListingRef    string `json:"listing_ref"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": apperr.CodeInvalidArgument})
		return
	}

	summary, err := h.messenger.StartConversation(c.Request.Context(), c.GetString(middleware.UserIDKey), req.CounterpartID, req.ListingRef)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversation": summary})
}

// StartFromListing opens the conversation with a listing's owner.
func (h *ConversationHandler) StartFromListing(c *gin.Context) {
	summary, err := h.messenger.StartFromListing(c.Request.Context(), c.GetString(middleware.UserIDKey), c.Param("listing_id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversation": summary})
}

func (h *ConversationHandler) GetConversation(c *gin.Context) {
	summary, err := h.messenger.GetConversation(c.Request.Context(), c.Param("conversation_id"), c.GetString(middleware.UserIDKey))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversation": summary})
}

// LeaveConversation removes the conversation for the caller only.
func (h *ConversationHandler) LeaveConversation(c *gin.Context) {
	if _, err := h.messenger.LeaveConversation(c.Request.Context(), c.Param("conversation_id"), c.GetString(middleware.UserIDKey)); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ListMessages returns a page of history in chronological order.
func (h *ConversationHandler) ListMessages(c *gin.Context) {
	page, pageSize, ok := pagination(c)
	if !ok {
		return
	}

	msgs, err := h.messenger.ListMessages(c.Request.Context(), c.Param("conversation_id"), c.GetString(middleware.UserIDKey), page, pageSize)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

type messageRequest struct {
	Body          string `json:"body"`
	AttachmentURL string `json:"attachment_url"`
}

// PostMessage appends a message to an existing conversation.
func (h *ConversationHandler) PostMessage(c *gin.Context) {
	var req messageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": apperr.CodeInvalidArgument})
		return
	}

	h.send(c, services.SendInput{
		ConversationID: c.Param("conversation_id"),
		SenderID:       c.GetString(middleware.UserIDKey),
		Body:           req.Body,
		AttachmentURL:  req.AttachmentURL,
	})
}

// SendDirect sends to a recipient, starting the conversation if needed.
func (h *ConversationHandler) SendDirect(c *gin.Context) {
	var req struct {
		messageRequest
		RecipientID string `json:"recipient_id" binding:"required"`
		ListingRef  string `json:"listing_ref"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": apperr.CodeInvalidArgument})
		return
	}

	h.send(c, services.SendInput{
		SenderID:      c.GetString(middleware.UserIDKey),
		RecipientID:   req.RecipientID,
		ListingRef:    req.ListingRef,
		Body:          req.Body,
		AttachmentURL: req.AttachmentURL,
	})
}

func (h *ConversationHandler) send(c *gin.Context, in services.SendInput) {
	msg, err := h.messenger.SendMessage(c.Request.Context(), in)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"message": msg})
}

func (h *ConversationHandler) MarkRead(c *gin.Context) {
	result, err := h.messenger.MarkRead(c.Request.Context(), c.Param("conversation_id"), c.GetString(middleware.UserIDKey))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"total_unread": result.TotalUnread})
}

func (h *ConversationHandler) UnreadTotal(c *gin.Context) {
	total, err := h.messenger.UnreadTotal(c.Request.Context(), c.GetString(middleware.UserIDKey))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"total_unread": total})
}

// pagination parses page and page_size. Missing values are left to the
// service defaults.
func pagination(c *gin.Context) (int, int, bool) {
	page, pageSize := 0, 0
	if raw := c.Query("page"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid page", "code": apperr.CodeInvalidArgument})
			return 0, 0, false
		}
		page = v
	}
	if raw := c.Query("page_size"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid page_size", "code": apperr.CodeInvalidArgument})
			return 0, 0, false
		}
		pageSize = v
	}
	return page, pageSize, true
}
