package services

import "context"

// AudioService is the external transcription and text-to-speech collaborator.
// Only the call contract is consumed; the engine lives elsewhere.
type AudioService interface {
	// ProcessChunk feeds one audio chunk into the transcription session and
	// returns any partial transcription produced so far.
	ProcessChunk(ctx context.Context, sessionID string, audio []byte) (string, error)

	// TextToSpeech synthesises the text with the voice assigned to the AI
	// persona and returns encoded audio.
	TextToSpeech(ctx context.Context, text, aiKind string) ([]byte, error)

	// VoiceFor reports the voice name used for the persona.
	VoiceFor(aiKind string) string
}
