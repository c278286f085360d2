package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/wavechat/wavechat/internal/auth"
	"github.com/wavechat/wavechat/internal/cache"
	"github.com/wavechat/wavechat/internal/chat"
	"github.com/wavechat/wavechat/internal/cluster"
	"github.com/wavechat/wavechat/internal/database/testutil"
	"github.com/wavechat/wavechat/internal/models"
	"github.com/wavechat/wavechat/internal/services"
)

func TestDecodePayload(t *testing.T) {
	t.Run("missing payload", func(t *testing.T) {
		var out markReadPayload
		require.Error(t, decodePayload(nil, &out))
	})

	t.Run("undecodable payload", func(t *testing.T) {
		var out markReadPayload
		require.Error(t, decodePayload(json.RawMessage(`{bad`), &out))
	})

	t.Run("validation failure", func(t *testing.T) {
		var out markReadPayload
		err := decodePayload(json.RawMessage(`{"roomId":"r1","messageIds":[]}`), &out)
		require.Error(t, err)
		require.Contains(t, err.Error(), "messageIds")
	})

	t.Run("valid", func(t *testing.T) {
		var out markReadPayload
		require.NoError(t, decodePayload(json.RawMessage(`{"roomId":"r1","messageIds":["m1"]}`), &out))
		require.Equal(t, "r1", out.RoomID)
		require.Equal(t, []string{"m1"}, out.MessageIDs)
	})

	t.Run("reaction type restricted", func(t *testing.T) {
		var out reactionPayload
		err := decodePayload(json.RawMessage(`{"messageId":"m1","reaction":"👍","type":"toggle"}`), &out)
		require.Error(t, err)
	})
}

func TestRoomIDFromData(t *testing.T) {
	cases := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{name: "bare string", input: `"room-1"`, want: "room-1"},
		{name: "object", input: `{"roomId":"room-2"}`, want: "room-2"},
		{name: "empty string", input: `""`, wantErr: true},
		{name: "empty object", input: `{}`, wantErr: true},
		{name: "wrong type", input: `42`, wantErr: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := roomIDFromData(json.RawMessage(tc.input))
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}

// gatewayStack wires the full websocket boundary over an in-memory database.
type gatewayStack struct {
	db     *gorm.DB
	jwt    *auth.JWTService
	server *httptest.Server
}

func newGatewayStack(t *testing.T) *gatewayStack {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())

	jwtService, err := auth.NewJWTService(auth.JWTConfig{Secret: "test-secret"})
	require.NoError(t, err)
	authn := auth.NewAuthenticator(jwtService, db)

	hub := chat.NewHub()
	cacheSvc := services.NewCacheService(cache.NewDatabaseStore(db), db)
	coordinator := cluster.NewCoordinator(nil, "test-instance")
	presence := services.NewPresenceService(hub, coordinator, 10*time.Second, 5*time.Second)
	messages := services.NewMessageService(db, hub, cacheSvc, nil, services.MessageConfig{
		BatchSize:       15,
		LoadTimeout:     5 * time.Second,
		MaxRetries:      3,
		RetryBackoff:    10 * time.Millisecond,
		RetryCap:        50 * time.Millisecond,
		ReadBatchWindow: 3 * time.Second,
	})
	streams := services.NewStreamService(db, hub, cacheSvc, nil)
	rooms := services.NewRoomService(db, hub, cacheSvc, messages, streams, coordinator)

	gateway := NewChatGateway(hub, authn, presence, rooms, messages, streams, nil)

	router := gin.New()
	router.GET("/ws", gateway.Serve)
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	return &gatewayStack{db: db, jwt: jwtService, server: server}
}

func (s *gatewayStack) token(t *testing.T, userID string) string {
	t.Helper()
	token, err := s.jwt.GenerateAccessToken(auth.AccessTokenInput{UserID: userID, SessionID: "sess-" + userID})
	require.NoError(t, err)
	return token
}

func (s *gatewayStack) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(s.server.URL, "http") + "/ws?token=" + token
	client, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func readEventEnvelope(t *testing.T, client *websocket.Conn) (string, json.RawMessage) {
	t.Helper()
	require.NoError(t, client.SetReadDeadline(time.Now().Add(3*time.Second)))
	var envelope struct {
		Event string          `json:"event"`
		Data  json.RawMessage `json:"data"`
	}
	require.NoError(t, client.ReadJSON(&envelope))
	return envelope.Event, envelope.Data
}

func readEventUntil(t *testing.T, client *websocket.Conn, event string) json.RawMessage {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		name, data := readEventEnvelope(t, client)
		if name == event {
			return data
		}
	}
	t.Fatalf("event %q never arrived", event)
	return nil
}

func TestServeRejectsInvalidToken(t *testing.T) {
	stack := newGatewayStack(t)

	resp, err := http.Get(stack.server.URL + "/ws?token=garbage")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestServeRejectsUnknownUser(t *testing.T) {
	stack := newGatewayStack(t)

	resp, err := http.Get(stack.server.URL + "/ws?token=" + stack.token(t, "ghost"))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestJoinAndChatOverSocket(t *testing.T) {
	stack := newGatewayStack(t)

	user := models.User{BaseModel: models.BaseModel{ID: "u1"}, Name: "Alice", Email: "u1@example.com"}
	require.NoError(t, stack.db.Create(&user).Error)
	room := models.Room{BaseModel: models.BaseModel{ID: "r1"}, Name: "general", CreatorID: "u1"}
	require.NoError(t, stack.db.Create(&room).Error)

	client := stack.dial(t, stack.token(t, "u1"))

	// Bare-string room ID, the older client shape.
	require.NoError(t, client.WriteJSON(chat.Event{Event: chat.EventInJoinRoom, Data: "r1"}))

	data := readEventUntil(t, client, chat.EventJoinRoomSuccess)
	var success struct {
		RoomID string `json:"roomId"`
	}
	require.NoError(t, json.Unmarshal(data, &success))
	require.Equal(t, "r1", success.RoomID)

	require.NoError(t, client.WriteJSON(chat.Event{Event: chat.EventInChatMessage, Data: map[string]string{
		"room":    "r1",
		"type":    "text",
		"content": "hello over the wire",
	}}))

	// The async join notice is also a message event, so read until ours.
	deadline := time.Now().Add(3 * time.Second)
	for {
		require.True(t, time.Now().Before(deadline), "chat message never arrived")
		var message models.Message
		require.NoError(t, json.Unmarshal(readEventUntil(t, client, chat.EventMessage), &message))
		if message.Content != "hello over the wire" {
			continue
		}
		require.NotNil(t, message.Sender)
		require.Equal(t, "Alice", message.Sender.Name)
		break
	}
}

func TestJoinUnknownRoomAnswersJoinError(t *testing.T) {
	stack := newGatewayStack(t)

	user := models.User{BaseModel: models.BaseModel{ID: "u1"}, Name: "Alice", Email: "u1@example.com"}
	require.NoError(t, stack.db.Create(&user).Error)

	client := stack.dial(t, stack.token(t, "u1"))
	require.NoError(t, client.WriteJSON(chat.Event{Event: chat.EventInJoinRoom, Data: map[string]string{"roomId": "missing"}}))

	data := readEventUntil(t, client, chat.EventJoinRoomError)
	var failure chat.ErrorPayload
	require.NoError(t, json.Unmarshal(data, &failure))
	require.Equal(t, "NOT_FOUND", failure.Code)
}

func TestInvalidPayloadAnswersError(t *testing.T) {
	stack := newGatewayStack(t)

	user := models.User{BaseModel: models.BaseModel{ID: "u1"}, Name: "Alice", Email: "u1@example.com"}
	require.NoError(t, stack.db.Create(&user).Error)

	client := stack.dial(t, stack.token(t, "u1"))
	require.NoError(t, client.WriteJSON(chat.Event{Event: chat.EventInMarkRead, Data: map[string]any{
		"roomId":     "r1",
		"messageIds": []string{},
	}}))

	data := readEventUntil(t, client, chat.EventError)
	var failure chat.ErrorPayload
	require.NoError(t, json.Unmarshal(data, &failure))
	require.Equal(t, "BAD_REQUEST", failure.Code)
}

func TestAudioEventsWithoutEngine(t *testing.T) {
	stack := newGatewayStack(t)

	user := models.User{BaseModel: models.BaseModel{ID: "u1"}, Name: "Alice", Email: "u1@example.com"}
	require.NoError(t, stack.db.Create(&user).Error)

	client := stack.dial(t, stack.token(t, "u1"))

	require.NoError(t, client.WriteJSON(chat.Event{Event: chat.EventInAudioChunk, Data: map[string]any{
		"audioData": "aGVsbG8=",
		"sessionId": "audio-1",
	}}))
	data := readEventUntil(t, client, chat.EventTranscriptionError)
	var transcription transcriptionErrorPayload
	require.NoError(t, json.Unmarshal(data, &transcription))
	require.Equal(t, "audio-1", transcription.SessionID)

	require.NoError(t, client.WriteJSON(chat.Event{Event: chat.EventInRequestTTS, Data: map[string]any{
		"messageId": "m1",
		"text":      "hello",
	}}))
	data = readEventUntil(t, client, chat.EventTTSError)
	var tts ttsErrorPayload
	require.NoError(t, json.Unmarshal(data, &tts))
	require.Equal(t, "m1", tts.MessageID)
}

func TestForceLoginRequiresOwnToken(t *testing.T) {
	stack := newGatewayStack(t)

	for _, id := range []string{"u1", "u2"} {
		user := models.User{BaseModel: models.BaseModel{ID: id}, Name: id, Email: id + "@example.com"}
		require.NoError(t, stack.db.Create(&user).Error)
	}

	client := stack.dial(t, stack.token(t, "u1"))

	// A token naming someone else must not end this session.
	require.NoError(t, client.WriteJSON(chat.Event{Event: chat.EventInForceLogin, Data: map[string]string{
		"token": stack.token(t, "u2"),
	}}))
	data := readEventUntil(t, client, chat.EventError)
	var failure chat.ErrorPayload
	require.NoError(t, json.Unmarshal(data, &failure))
	require.Equal(t, "INVALID_TOKEN", failure.Code)

	// The caller's own token does.
	require.NoError(t, client.WriteJSON(chat.Event{Event: chat.EventInForceLogin, Data: map[string]string{
		"token": stack.token(t, "u1"),
	}}))
	data = readEventUntil(t, client, chat.EventSessionEnded)
	var ended struct {
		Reason string `json:"reason"`
	}
	require.NoError(t, json.Unmarshal(data, &ended))
	require.Equal(t, "force_logout", ended.Reason)
}
