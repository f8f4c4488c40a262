package ws

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"marketplace-messaging/internal/apperr"
	"marketplace-messaging/internal/config"
	"marketplace-messaging/internal/mocks"
	"marketplace-messaging/internal/models"
	"marketplace-messaging/internal/presence"
	"marketplace-messaging/internal/services"
)

func testWSConfig() config.WSConfig {
	return config.WSConfig{
		WriteWait:       time.Second,
		PongWait:        5 * time.Second,
		PingPeriod:      2 * time.Second,
		MaxMessageBytes: 8192,
		SendBuffer:      16,
	}
}

func newTestGateway() (*Gateway, *Hub, *mocks.MessengerMock, *mocks.TokenVerifierMock, *presence.MemoryTracker) {
	hub := NewHub(zap.NewNop())
	messenger := &mocks.MessengerMock{}
	verifier := &mocks.TokenVerifierMock{}
	tracker := presence.NewMemoryTracker()
	return NewGateway(hub, messenger, verifier, tracker, testWSConfig(), zap.NewNop()), hub, messenger, verifier, tracker
}

func TestDispatchJoinChecksMembership(t *testing.T) {
	gw, hub, messenger, _, _ := newTestGateway()
	member, outsider := testClient("u1", 8), testClient("u3", 8)
	messenger.On("CanAccess", mock.Anything, "c1", "u1").Return(true, nil)
	messenger.On("CanAccess", mock.Anything, "c1", "u3").Return(false, nil)

	gw.dispatch(context.Background(), member, []byte(`{"event":"join-conversation","ack":"1","data":{"conversationId":"c1"}}`))
	ack := nextFrame(t, member)
	assert.Equal(t, models.EventAck, ack.Event)
	assert.Equal(t, "1", ack.Ack)
	assert.JSONEq(t, `{"ok":true}`, string(ack.Data))
	assert.True(t, hub.InRoom(ConversationRoom("c1"), member))

	gw.dispatch(context.Background(), outsider, []byte(`{"event":"join-conversation","ack":"2","data":{"conversationId":"c1"}}`))
	forbidden := nextFrame(t, outsider)
	assert.Equal(t, models.EventForbidden, forbidden.Event)
	assert.JSONEq(t, `{"resource":"conversation","id":"c1"}`, string(forbidden.Data))
	nack := nextFrame(t, outsider)
	assert.Equal(t, "2", nack.Ack)
	assert.Contains(t, string(nack.Data), `"ok":false`)
	assert.Contains(t, string(nack.Data), `"FORBIDDEN"`)
	assert.False(t, hub.InRoom(ConversationRoom("c1"), outsider))
}

func TestDispatchJoinRechecksAfterMembershipChange(t *testing.T) {
	gw, hub, messenger, _, _ := newTestGateway()
	c := testClient("u1", 8)
	messenger.On("CanAccess", mock.Anything, "c1", "u1").Return(true, nil).Once()
	messenger.On("CanAccess", mock.Anything, "c1", "u1").Return(false, nil).Once()

	gw.dispatch(context.Background(), c, []byte(`{"event":"join-conversation","data":{"conversationId":"c1"}}`))
	nextFrame(t, c)
	hub.Leave(ConversationRoom("c1"), c)

	gw.dispatch(context.Background(), c, []byte(`{"event":"join-conversation","data":{"conversationId":"c1"}}`))
	assert.Equal(t, models.EventForbidden, nextFrame(t, c).Event)
	assert.False(t, hub.InRoom(ConversationRoom("c1"), c))
	messenger.AssertExpectations(t)
}

func TestDispatchJoinLosesToConcurrentLeave(t *testing.T) {
	gw, hub, messenger, _, _ := newTestGateway()
	c := testClient("u1", 8)
	messenger.On("CanAccess", mock.Anything, "c1", "u1").Return(true, nil).Once().Run(func(mock.Arguments) {
		// The leave commits and purges the room between the check and the join.
		hub.ConversationLeft(models.LeaveResult{ConversationID: "c1", UserID: "u1"})
	})
	messenger.On("CanAccess", mock.Anything, "c1", "u1").Return(false, nil).Once()

	gw.dispatch(context.Background(), c, []byte(`{"event":"join-conversation","ack":"5","data":{"conversationId":"c1"}}`))
	assert.Equal(t, models.EventForbidden, nextFrame(t, c).Event)
	assert.Contains(t, string(nextFrame(t, c).Data), `"FORBIDDEN"`)
	assert.False(t, hub.InRoom(ConversationRoom("c1"), c))

	hub.MessageCreated(models.MessageView{ID: "m2", ConversationID: "c1", SenderID: "u2", Body: "still there?"}, nil)
	assertNoFrame(t, c)
	messenger.AssertExpectations(t)
}

func TestDispatchSendDoesNotRejoinAfterLeave(t *testing.T) {
	gw, hub, messenger, _, _ := newTestGateway()
	c := testClient("u1", 8)
	view := models.MessageView{ID: "m1", ConversationID: "c1", SenderID: "u1", Body: "bye"}
	messenger.On("SendMessage", mock.Anything, mock.Anything).Return(view, nil).Run(func(mock.Arguments) {
		hub.ConversationLeft(models.LeaveResult{ConversationID: "c1", UserID: "u1"})
	})
	messenger.On("CanAccess", mock.Anything, "c1", "u1").Return(false, nil).Once()

	gw.dispatch(context.Background(), c, []byte(`{"event":"send-message","ack":"6","data":{"conversationId":"c1","body":"bye"}}`))
	assert.Contains(t, string(nextFrame(t, c).Data), `"ok":true`)
	assert.False(t, hub.InRoom(ConversationRoom("c1"), c))

	hub.MessageCreated(models.MessageView{ID: "m2", ConversationID: "c1", SenderID: "u2", Body: "reply"}, nil)
	assertNoFrame(t, c)
	messenger.AssertExpectations(t)
}

func TestDispatchLeaveIsSilent(t *testing.T) {
	gw, hub, messenger, _, _ := newTestGateway()
	c := testClient("u1", 8)
	hub.Join(ConversationRoom("c1"), c)
	messenger.On("CanAccess", mock.Anything, "c1", "u1").Return(true, nil)
	messenger.On("CanAccess", mock.Anything, "c2", "u1").Return(false, errors.New("db down"))

	gw.dispatch(context.Background(), c, []byte(`{"event":"leave-conversation","data":{"conversationId":"c2"}}`))
	gw.dispatch(context.Background(), c, []byte(`{"event":"leave-conversation","data":{}}`))
	gw.dispatch(context.Background(), c, []byte(`{"event":"leave-conversation","data":{"conversationId":"c1"}}`))

	assert.False(t, hub.InRoom(ConversationRoom("c1"), c))
	assertNoFrame(t, c)
}

func TestDispatchSendAcksWithMessage(t *testing.T) {
	gw, hub, messenger, _, _ := newTestGateway()
	c := testClient("u1", 8)
	view := models.MessageView{ID: "m1", ConversationID: "c1", SenderID: "u1", Body: "Merhaba"}
	messenger.On("SendMessage", mock.Anything, services.SendInput{ConversationID: "c1", SenderID: "u1", Body: "Merhaba"}).Return(view, nil)

	gw.dispatch(context.Background(), c, []byte(`{"event":"send-message","ack":"7","data":{"conversationId":"c1","body":"Merhaba"}}`))

	ack := nextFrame(t, c)
	assert.Equal(t, "7", ack.Ack)
	assert.Contains(t, string(ack.Data), `"ok":true`)
	assert.Contains(t, string(ack.Data), `"body":"Merhaba"`)
	assert.True(t, hub.InRoom(ConversationRoom("c1"), c))
}

func TestDispatchSendReportsFailure(t *testing.T) {
	gw, hub, messenger, _, _ := newTestGateway()
	c := testClient("u3", 8)
	messenger.On("SendMessage", mock.Anything, mock.Anything).Return(nil, apperr.ErrForbidden).Once()
	messenger.On("SendMessage", mock.Anything, mock.Anything).Return(nil, errors.New("connection reset")).Once()

	gw.dispatch(context.Background(), c, []byte(`{"event":"send-message","ack":"8","data":{"conversationId":"c1","body":"hi"}}`))
	ack := nextFrame(t, c)
	assert.JSONEq(t, `{"ok":false,"error":{"code":"FORBIDDEN","message":"not a conversation participant"}}`, string(ack.Data))
	assert.False(t, hub.InRoom(ConversationRoom("c1"), c))

	gw.dispatch(context.Background(), c, []byte(`{"event":"send-message","ack":"9","data":{"conversationId":"c1","body":"hi"}}`))
	ack = nextFrame(t, c)
	assert.JSONEq(t, `{"ok":false,"error":{"code":"INTERNAL","message":"internal error"}}`, string(ack.Data))
}

func TestDispatchMarkRead(t *testing.T) {
	gw, _, messenger, _, _ := newTestGateway()
	c := testClient("u1", 8)
	messenger.On("MarkRead", mock.Anything, "c1", "u1").Return(models.ReadResult{ConversationID: "c1", UserID: "u1"}, nil)

	gw.dispatch(context.Background(), c, []byte(`{"event":"mark-read","ack":"3","data":{"conversationId":"c1"}}`))
	assert.JSONEq(t, `{"ok":true}`, string(nextFrame(t, c).Data))

	gw.dispatch(context.Background(), c, []byte(`{"event":"mark-read","ack":"4","data":{}}`))
	assert.Contains(t, string(nextFrame(t, c).Data), `"INVALID_ARGUMENT"`)
}

func TestDispatchTypingRelaysToOthersInRoom(t *testing.T) {
	gw, hub, _, _, _ := newTestGateway()
	typist, peer, stranger := testClient("u1", 8), testClient("u2", 8), testClient("u3", 8)
	hub.Join(ConversationRoom("c1"), typist)
	hub.Join(ConversationRoom("c1"), peer)

	gw.dispatch(context.Background(), typist, []byte(`{"event":"typing-start","data":{"conversationId":"c1"}}`))
	frame := nextFrame(t, peer)
	assert.Equal(t, models.EventTypingStart, frame.Event)
	assert.JSONEq(t, `{"conversation_id":"c1","user_id":"u1"}`, string(frame.Data))
	assertNoFrame(t, typist)

	// not joined, so nothing is relayed
	gw.dispatch(context.Background(), stranger, []byte(`{"event":"typing-stop","data":{"conversationId":"c1"}}`))
	assertNoFrame(t, peer)
}

func TestDispatchRejectsMalformedFrames(t *testing.T) {
	gw, _, _, _, _ := newTestGateway()
	c := testClient("u1", 8)

	gw.dispatch(context.Background(), c, []byte(`not json`))
	assert.Equal(t, models.EventError, nextFrame(t, c).Event)

	gw.dispatch(context.Background(), c, []byte(`{"event":"dance"}`))
	frame := nextFrame(t, c)
	assert.Equal(t, models.EventError, frame.Event)
	assert.Contains(t, string(frame.Data), "unknown event")
}

func newHandshakeServer(t *testing.T, gw *Gateway) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/ws", gw.Handle)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server, query string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws" + query
}

func TestHandshakeRejectsMissingAndBadTokens(t *testing.T) {
	gw, _, _, verifier, _ := newTestGateway()
	verifier.On("VerifyToken", mock.Anything, "forged").Return("", apperr.ErrUnauthenticated)
	srv := newHandshakeServer(t, gw)

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, ""), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, resp, err = websocket.DefaultDialer.Dial(wsURL(srv, "?token=forged"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHandshakeConnectsAndTracksPresence(t *testing.T) {
	gw, hub, _, verifier, tracker := newTestGateway()
	verifier.On("VerifyToken", mock.Anything, "good").Return("u1", nil)
	srv := newHandshakeServer(t, gw)

	header := http.Header{}
	header.Set("Authorization", "Bearer good")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, ""), header)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, online, _ := tracker.Get(context.Background(), "u1")
		return online
	}, time.Second, 10*time.Millisecond)

	// a push to the personal room reaches the socket
	hub.Emit(UserRoom("u1"), models.ServerFrame{Event: models.EventBadgeUpdate, Data: models.BadgePayload{TotalUnread: 3}}, nil)
	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"badge-update","data":{"total_unread":3}}`, string(data))

	// malformed frames are answered, not fatal
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{")))
	_, data, err = conn.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(data), `"event":"error"`)

	require.NoError(t, conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	conn.Close()
	require.Eventually(t, func() bool {
		_, online, _ := tracker.Get(context.Background(), "u1")
		return !online
	}, time.Second, 10*time.Millisecond)
}
