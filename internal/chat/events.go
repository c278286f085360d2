package chat

import "encoding/json"

// Inbound event names accepted over the websocket.
const (
	EventInJoinRoom        = "joinRoom"
	EventInLeaveRoom       = "leaveRoom"
	EventInChatMessage     = "chatMessage"
	EventInFetchPrevious   = "fetchPreviousMessages"
	EventInMarkRead        = "markMessagesAsRead"
	EventInMessageReaction = "messageReaction"
	EventInForceLogin      = "force_login"
	EventInAudioChunk      = "audioChunk"
	EventInAudioComplete   = "audioComplete"
	EventInRequestTTS      = "requestTTS"
)

// Outbound event names emitted to clients.
const (
	EventJoinRoomSuccess        = "joinRoomSuccess"
	EventJoinRoomError          = "joinRoomError"
	EventMessage                = "message"
	EventParticipantsUpdate     = "participantsUpdate"
	EventUserLeft               = "userLeft"
	EventMessageLoadStart       = "messageLoadStart"
	EventMessageLoadError       = "messageLoadError"
	EventPreviousMessagesLoaded = "previousMessagesLoaded"
	EventInitialMessagesLoaded  = "initialMessagesLoaded"
	EventMessagesRead           = "messagesRead"
	EventMessageReactionUpdate  = "messageReactionUpdate"
	EventAIMessageStart         = "aiMessageStart"
	EventAIMessageChunk         = "aiMessageChunk"
	EventAIMessageComplete      = "aiMessageComplete"
	EventAIMessageError         = "aiMessageError"
	EventDuplicateLogin         = "duplicate_login"
	EventSessionEnded           = "session_ended"
	EventTranscriptionChunk     = "transcriptionChunk"
	EventTranscriptionComplete  = "transcriptionComplete"
	EventTranscriptionError     = "transcriptionError"
	EventTTSReady               = "ttsReady"
	EventTTSError               = "ttsError"
	EventError                  = "error"
)

// Disconnect reasons that mark an intentional client-side replacement. Room
// cleanup is skipped for these so a stale "left" notification never races the
// replacement session's join.
const (
	ReasonDuplicateLogin  = "duplicate_login"
	ReasonClientNamespace = "client namespace disconnect"
	ReasonForceLogout     = "force_logout"
	ReasonTransportClose  = "transport close"
)

// Event is the JSON envelope exchanged over the websocket. Outbound data is
// any encodable value; inbound data stays raw until the handler decodes it
// into the event's payload type.
type Event struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// InboundEvent is the wire form of a client event before payload decoding.
type InboundEvent struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// ErrorPayload is the body of outbound "error" events.
type ErrorPayload struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}
