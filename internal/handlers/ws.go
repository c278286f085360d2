package handlers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/wavechat/wavechat/internal/auth"
	"github.com/wavechat/wavechat/internal/chat"
	"github.com/wavechat/wavechat/internal/services"
	"github.com/wavechat/wavechat/pkg/errors"
	"github.com/wavechat/wavechat/pkg/logger"
	"github.com/wavechat/wavechat/pkg/validator"
)

type fetchPreviousPayload struct {
	RoomID string     `json:"roomId" validate:"required"`
	Before *time.Time `json:"before"`
}

type markReadPayload struct {
	RoomID     string   `json:"roomId" validate:"required"`
	MessageIDs []string `json:"messageIds" validate:"required,min=1"`
}

type reactionPayload struct {
	MessageID string `json:"messageId" validate:"required"`
	Reaction  string `json:"reaction" validate:"required"`
	Type      string `json:"type" validate:"required,oneof=add remove"`
}

type forceLoginPayload struct {
	Token string `json:"token" validate:"required"`
}

type audioChunkPayload struct {
	AudioData string `json:"audioData" validate:"required"`
	SessionID string `json:"sessionId" validate:"required"`
	Sequence  int    `json:"sequence"`
	RoomID    string `json:"roomId"`
}

type audioCompletePayload struct {
	SessionID string `json:"sessionId" validate:"required"`
	RoomID    string `json:"roomId"`
}

type requestTTSPayload struct {
	MessageID string `json:"messageId" validate:"required"`
	Text      string `json:"text" validate:"required"`
	AIKind    string `json:"aiType"`
}

type transcriptionChunkPayload struct {
	SessionID     string    `json:"sessionId"`
	Sequence      int       `json:"sequence"`
	Transcription string    `json:"transcription"`
	IsPartial     bool      `json:"isPartial"`
	Timestamp     time.Time `json:"timestamp"`
}

type transcriptionErrorPayload struct {
	SessionID string `json:"sessionId"`
	Error     string `json:"error"`
}

type ttsReadyPayload struct {
	MessageID string    `json:"messageId"`
	AudioData string    `json:"audioData"`
	Format    string    `json:"format"`
	Voice     string    `json:"voice"`
	Timestamp time.Time `json:"timestamp"`
}

type ttsErrorPayload struct {
	MessageID string `json:"messageId"`
	Error     string `json:"error"`
}

// ChatGateway is the websocket boundary: it authenticates upgrade requests,
// decodes and validates inbound events, and routes them to the services.
// State-changing events from one connection are handled in receipt order.
type ChatGateway struct {
	hub      *chat.Hub
	authn    *auth.Authenticator
	presence *services.PresenceService
	rooms    *services.RoomService
	messages *services.MessageService
	streams  *services.StreamService
	audio    services.AudioService
	log      *zap.Logger
}

// NewChatGateway wires the gateway and registers it as the hub's inbound
// handler.
func NewChatGateway(
	hub *chat.Hub,
	authn *auth.Authenticator,
	presence *services.PresenceService,
	rooms *services.RoomService,
	messages *services.MessageService,
	streams *services.StreamService,
	audio services.AudioService,
) *ChatGateway {
	g := &ChatGateway{
		hub:      hub,
		authn:    authn,
		presence: presence,
		rooms:    rooms,
		messages: messages,
		streams:  streams,
		audio:    audio,
		log:      logger.WithModule("gateway"),
	}
	hub.SetHandler(g)
	return g
}

// Serve handles GET /ws. Credentials ride in the query string or the
// Authorization header; the connection is rejected before admission when
// they do not validate.
func (g *ChatGateway) Serve(c *gin.Context) {
	token := c.Query("token")
	if token == "" {
		token = strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
	}
	sessionID := c.Query("sessionId")

	identity, err := g.authn.Authenticate(c.Request.Context(), token)
	if err != nil {
		appErr := errors.FromError(err)
		c.AbortWithStatusJSON(appErr.StatusCode, gin.H{"error": appErr.Message})
		return
	}
	if sessionID == "" {
		sessionID = identity.SessionID
	}

	g.hub.Serve(identity.User, sessionID, c.Writer, c.Request)
}

// HandleConnect registers the admitted connection with the presence service,
// kicking off duplicate-session resolution when needed.
func (g *ChatGateway) HandleConnect(conn *chat.Conn) {
	g.presence.Register(context.Background(), conn)
}

// HandleDisconnect clears presence and membership state for the dropped
// connection.
func (g *ChatGateway) HandleDisconnect(conn *chat.Conn, reason string) {
	ctx := context.Background()
	g.presence.Unregister(ctx, conn)
	g.rooms.HandleDisconnect(ctx, conn, reason)
}

// HandleEvent routes one decoded client event. Handler panics and errors are
// converted to error events; nothing may crash the instance.
func (g *ChatGateway) HandleEvent(conn *chat.Conn, event chat.InboundEvent) {
	defer func() {
		if r := recover(); r != nil {
			g.log.Error("event handler panic",
				zap.String("event", event.Event),
				zap.Any("panic", r),
			)
			g.sendError(conn, errors.ErrInternalServer)
		}
	}()

	ctx := context.Background()

	switch event.Event {
	case chat.EventInJoinRoom:
		roomID, err := roomIDFromData(event.Data)
		if err != nil {
			g.sendError(conn, err)
			return
		}
		if err := g.rooms.JoinRoom(ctx, conn, roomID); err != nil {
			appErr := errors.FromError(err)
			conn.Send(chat.Event{Event: chat.EventJoinRoomError, Data: chat.ErrorPayload{
				Code:    appErr.Code,
				Message: appErr.Message,
			}})
		}

	case chat.EventInLeaveRoom:
		roomID, err := roomIDFromData(event.Data)
		if err != nil {
			g.sendError(conn, err)
			return
		}
		if err := g.rooms.LeaveRoom(ctx, conn, roomID); err != nil {
			g.sendError(conn, err)
		}

	case chat.EventInChatMessage:
		g.handleChatMessage(ctx, conn, event.Data)

	case chat.EventInFetchPrevious:
		var payload fetchPreviousPayload
		if err := decodePayload(event.Data, &payload); err != nil {
			g.sendError(conn, err)
			return
		}
		// History loads carry their own dedupe and retry budget; they run
		// off the connection's event loop so slow pages never stall it.
		go func() {
			if err := g.messages.FetchPrevious(ctx, conn, payload.RoomID, payload.Before); err != nil {
				g.sendError(conn, err)
			}
		}()

	case chat.EventInMarkRead:
		var payload markReadPayload
		if err := decodePayload(event.Data, &payload); err != nil {
			g.sendError(conn, err)
			return
		}
		g.messages.MarkRead(ctx, conn, payload.RoomID, payload.MessageIDs)

	case chat.EventInMessageReaction:
		var payload reactionPayload
		if err := decodePayload(event.Data, &payload); err != nil {
			g.sendError(conn, err)
			return
		}
		if err := g.messages.React(ctx, conn, payload.MessageID, payload.Reaction, payload.Type); err != nil {
			g.sendError(conn, err)
		}

	case chat.EventInForceLogin:
		g.handleForceLogin(ctx, conn, event.Data)

	case chat.EventInAudioChunk:
		g.handleAudioChunk(ctx, conn, event.Data)

	case chat.EventInAudioComplete:
		g.handleAudioComplete(conn, event.Data)

	case chat.EventInRequestTTS:
		g.handleRequestTTS(ctx, conn, event.Data)

	default:
		g.log.Debug("unknown event", zap.String("event", event.Event), zap.String("user", conn.User.ID))
	}
}

func (g *ChatGateway) handleChatMessage(ctx context.Context, conn *chat.Conn, data json.RawMessage) {
	var payload services.ChatMessagePayload
	if err := decodePayload(data, &payload); err != nil {
		g.sendError(conn, err)
		return
	}

	_, mentions, err := g.messages.Send(ctx, conn, payload)
	if err != nil {
		g.sendError(conn, err)
		return
	}

	for _, kind := range mentions {
		query := services.StripMention(payload.Content, kind)
		go g.streams.StartGeneration(ctx, payload.Room, conn.User.ID, kind, query)
	}
}

func (g *ChatGateway) handleForceLogin(ctx context.Context, conn *chat.Conn, data json.RawMessage) {
	var payload forceLoginPayload
	if err := decodePayload(data, &payload); err != nil {
		g.sendError(conn, err)
		return
	}

	claims, err := g.authn.ValidateToken(payload.Token)
	if err != nil || claims.UserID != conn.User.ID {
		g.sendError(conn, errors.ErrInvalidToken)
		return
	}

	g.presence.ForceLogout(ctx, conn)
}

func (g *ChatGateway) handleAudioChunk(ctx context.Context, conn *chat.Conn, data json.RawMessage) {
	var payload audioChunkPayload
	if err := decodePayload(data, &payload); err != nil {
		g.sendError(conn, err)
		return
	}

	if g.audio == nil {
		conn.Send(chat.Event{Event: chat.EventTranscriptionError, Data: transcriptionErrorPayload{
			SessionID: payload.SessionID,
			Error:     "Transcription is not available.",
		}})
		return
	}

	audioBytes, err := base64.StdEncoding.DecodeString(payload.AudioData)
	if err != nil {
		conn.Send(chat.Event{Event: chat.EventTranscriptionError, Data: transcriptionErrorPayload{
			SessionID: payload.SessionID,
			Error:     "Audio data is not valid base64.",
		}})
		return
	}

	partial, err := g.audio.ProcessChunk(ctx, payload.SessionID, audioBytes)
	if err != nil {
		g.log.Warn("audio chunk failed", zap.String("session", payload.SessionID), zap.Error(err))
		conn.Send(chat.Event{Event: chat.EventTranscriptionError, Data: transcriptionErrorPayload{
			SessionID: payload.SessionID,
			Error:     "Audio transcription failed.",
		}})
		return
	}

	if strings.TrimSpace(partial) == "" {
		return
	}

	conn.Send(chat.Event{Event: chat.EventTranscriptionChunk, Data: transcriptionChunkPayload{
		SessionID:     payload.SessionID,
		Sequence:      payload.Sequence,
		Transcription: partial,
		IsPartial:     true,
		Timestamp:     time.Now(),
	}})
}

func (g *ChatGateway) handleAudioComplete(conn *chat.Conn, data json.RawMessage) {
	var payload audioCompletePayload
	if err := decodePayload(data, &payload); err != nil {
		g.sendError(conn, err)
		return
	}

	conn.Send(chat.Event{Event: chat.EventTranscriptionComplete, Data: gin.H{
		"sessionId": payload.SessionID,
		"timestamp": time.Now(),
	}})
}

func (g *ChatGateway) handleRequestTTS(ctx context.Context, conn *chat.Conn, data json.RawMessage) {
	var payload requestTTSPayload
	if err := decodePayload(data, &payload); err != nil {
		g.sendError(conn, err)
		return
	}

	if g.audio == nil {
		conn.Send(chat.Event{Event: chat.EventTTSError, Data: ttsErrorPayload{
			MessageID: payload.MessageID,
			Error:     "Text-to-speech is not available.",
		}})
		return
	}

	audioBytes, err := g.audio.TextToSpeech(ctx, payload.Text, payload.AIKind)
	if err != nil {
		g.log.Warn("tts failed", zap.String("message", payload.MessageID), zap.Error(err))
		conn.Send(chat.Event{Event: chat.EventTTSError, Data: ttsErrorPayload{
			MessageID: payload.MessageID,
			Error:     "Speech synthesis failed.",
		}})
		return
	}

	conn.Send(chat.Event{Event: chat.EventTTSReady, Data: ttsReadyPayload{
		MessageID: payload.MessageID,
		AudioData: base64.StdEncoding.EncodeToString(audioBytes),
		Format:    "mp3",
		Voice:     g.audio.VoiceFor(payload.AIKind),
		Timestamp: time.Now(),
	}})
}

func (g *ChatGateway) sendError(conn *chat.Conn, err error) {
	appErr := errors.FromError(err)
	conn.Send(chat.Event{Event: chat.EventError, Data: chat.ErrorPayload{
		Code:    appErr.Code,
		Message: appErr.Message,
	}})
}

// decodePayload unmarshals and validates an inbound event body.
func decodePayload(data json.RawMessage, out any) error {
	if len(data) == 0 {
		return errors.NewBadRequest("missing event payload")
	}
	if err := json.Unmarshal(data, out); err != nil {
		return errors.NewBadRequest("undecodable event payload")
	}
	if err := validator.ValidateStruct(out); err != nil {
		return errors.NewBadRequest(err.Error())
	}
	return nil
}

// roomIDFromData accepts either a bare room ID string or {"roomId": "..."}.
// Clients historically sent both shapes.
func roomIDFromData(data json.RawMessage) (string, error) {
	var id string
	if err := json.Unmarshal(data, &id); err == nil && strings.TrimSpace(id) != "" {
		return id, nil
	}

	var obj struct {
		RoomID string `json:"roomId"`
	}
	if err := json.Unmarshal(data, &obj); err == nil && strings.TrimSpace(obj.RoomID) != "" {
		return obj.RoomID, nil
	}
	return "", errors.NewBadRequest("room id is required")
}
