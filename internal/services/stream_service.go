package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/wavechat/wavechat/internal/chat"
	"github.com/wavechat/wavechat/internal/models"
	"github.com/wavechat/wavechat/pkg/logger"
	"github.com/wavechat/wavechat/pkg/metrics"
)

// StreamSession is the in-memory accumulator for one in-flight AI response.
// Owned exclusively by the instance that initiated the generation call.
type StreamSession struct {
	MessageID  string
	RoomID     string
	UserID     string
	AIKind     string
	Content    string
	StartedAt  time.Time
	LastUpdate time.Time
}

// StreamView is the projection of an active session included in initial room
// payloads so late joiners see in-progress responses.
type StreamView struct {
	MessageID   string    `json:"id"`
	Type        string    `json:"type"`
	AIKind      string    `json:"aiType"`
	Content     string    `json:"content"`
	Timestamp   time.Time `json:"timestamp"`
	IsStreaming bool      `json:"isStreaming"`
}

type streamStartPayload struct {
	MessageID string    `json:"messageId"`
	AIKind    string    `json:"aiType"`
	Timestamp time.Time `json:"timestamp"`
}

type streamChunkPayload struct {
	MessageID   string    `json:"messageId"`
	Chunk       string    `json:"currentChunk"`
	FullContent string    `json:"fullContent"`
	IsCodeBlock bool      `json:"isCodeBlock"`
	Timestamp   time.Time `json:"timestamp"`
	AIKind      string    `json:"aiType"`
	IsComplete  bool      `json:"isComplete"`
}

type streamCompletePayload struct {
	MessageID   string    `json:"messageId"`
	PersistedID string    `json:"id"`
	Content     string    `json:"content"`
	AIKind      string    `json:"aiType"`
	Timestamp   time.Time `json:"timestamp"`
	IsComplete  bool      `json:"isComplete"`
	Query       string    `json:"query"`
}

type streamErrorPayload struct {
	MessageID string `json:"messageId"`
	Error     string `json:"error"`
	AIKind    string `json:"aiType"`
}

// StreamService relays an external generator's incremental output to all
// room members. Per message the state machine is Starting -> Streaming ->
// Completed | Errored; only completion persists content.
type StreamService struct {
	db        *gorm.DB
	hub       *chat.Hub
	cache     *CacheService
	generator Generator
	log       *zap.Logger

	mu       sync.Mutex
	sessions map[string]*StreamSession

	timeNow func() time.Time
}

// StreamOption customises the StreamService.
type StreamOption func(*StreamService)

// WithStreamClock overrides the clock, primarily for tests.
func WithStreamClock(now func() time.Time) StreamOption {
	return func(s *StreamService) {
		if now != nil {
			s.timeNow = now
		}
	}
}

// NewStreamService builds the broadcaster. A nil generator disables AI
// responses; mentions are then ignored with a warning.
func NewStreamService(db *gorm.DB, hub *chat.Hub, cacheSvc *CacheService, generator Generator, opts ...StreamOption) *StreamService {
	s := &StreamService{
		db:        db,
		hub:       hub,
		cache:     cacheSvc,
		generator: generator,
		log:       logger.WithModule("streams"),
		sessions:  make(map[string]*StreamSession),
		timeNow:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// StartGeneration runs one generation end to end, relaying chunks to the
// room. It blocks until the generator finishes; callers run it on its own
// goroutine.
func (s *StreamService) StartGeneration(ctx context.Context, roomID, userID, aiKind, query string) {
	if s.generator == nil {
		s.log.Warn("ai mention ignored, no generator configured", zap.String("room", roomID))
		return
	}

	started := s.timeNow()
	messageID := fmt.Sprintf("%s-%d", aiKind, started.UnixMilli())

	session := &StreamSession{
		MessageID:  messageID,
		RoomID:     roomID,
		UserID:     userID,
		AIKind:     aiKind,
		StartedAt:  started,
		LastUpdate: started,
	}
	s.mu.Lock()
	s.sessions[messageID] = session
	s.mu.Unlock()
	metrics.StreamSessions.Inc()

	s.hub.BroadcastRoom(roomID, chat.Event{Event: chat.EventAIMessageStart, Data: streamStartPayload{
		MessageID: messageID,
		AIKind:    aiKind,
		Timestamp: started,
	}})

	err := s.generator.Generate(ctx, query, aiKind, StreamCallbacks{
		OnStart: func() {
			s.log.Debug("generation started", zap.String("message", messageID), zap.String("ai", aiKind))
		},
		OnChunk: func(chunk StreamChunk) {
			s.handleChunk(messageID, chunk)
		},
		OnComplete: func(result StreamResult) {
			s.handleComplete(ctx, messageID, query, result)
		},
		OnError: func(genErr error) {
			s.handleError(messageID, genErr)
		},
	})
	if err != nil {
		s.handleError(messageID, err)
	}
}

func (s *StreamService) handleChunk(messageID string, chunk StreamChunk) {
	s.mu.Lock()
	session, ok := s.sessions[messageID]
	if !ok {
		s.mu.Unlock()
		return
	}
	session.Content += chunk.Content
	session.LastUpdate = s.timeNow()
	roomID, aiKind, full := session.RoomID, session.AIKind, session.Content
	s.mu.Unlock()

	s.hub.BroadcastRoom(roomID, chat.Event{Event: chat.EventAIMessageChunk, Data: streamChunkPayload{
		MessageID:   messageID,
		Chunk:       chunk.Content,
		FullContent: full,
		IsCodeBlock: chunk.IsCodeBlock,
		Timestamp:   s.timeNow(),
		AIKind:      aiKind,
		IsComplete:  false,
	}})
}

func (s *StreamService) handleComplete(ctx context.Context, messageID, query string, result StreamResult) {
	session, ok := s.removeSession(messageID)
	if !ok {
		return
	}

	now := s.timeNow()
	metadata, err := json.Marshal(map[string]any{
		"query":            query,
		"generationTime":   now.Sub(session.StartedAt).Milliseconds(),
		"completionTokens": result.CompletionTokens,
		"totalTokens":      result.TotalTokens,
	})
	if err != nil {
		s.log.Error("encode stream metadata", zap.Error(err))
	}

	message := models.Message{
		RoomID:    session.RoomID,
		Type:      models.MessageTypeAI,
		AIKind:    session.AIKind,
		Content:   result.Content,
		Timestamp: now,
		Metadata:  metadata,
	}
	if err := s.db.WithContext(ctx).Create(&message).Error; err != nil {
		s.log.Error("persist ai message", zap.String("message", messageID), zap.Error(err))
		s.hub.BroadcastRoom(session.RoomID, chat.Event{Event: chat.EventAIMessageError, Data: streamErrorPayload{
			MessageID: messageID,
			Error:     "Failed to store the generated response.",
			AIKind:    session.AIKind,
		}})
		return
	}

	s.hub.BroadcastRoom(session.RoomID, chat.Event{Event: chat.EventAIMessageComplete, Data: streamCompletePayload{
		MessageID:   messageID,
		PersistedID: message.ID,
		Content:     result.Content,
		AIKind:      session.AIKind,
		Timestamp:   now,
		IsComplete:  true,
		Query:       query,
	}})

	s.cache.AppendRecentMessage(ctx, session.RoomID, message)
	metrics.MessagesProcessed.WithLabelValues(models.MessageTypeAI).Inc()
}

func (s *StreamService) handleError(messageID string, genErr error) {
	session, ok := s.removeSession(messageID)
	if !ok {
		return
	}

	s.log.Error("generation failed",
		zap.String("message", messageID),
		zap.String("ai", session.AIKind),
		zap.Error(genErr),
	)
	s.hub.BroadcastRoom(session.RoomID, chat.Event{Event: chat.EventAIMessageError, Data: streamErrorPayload{
		MessageID: messageID,
		Error:     "The response could not be generated.",
		AIKind:    session.AIKind,
	}})
}

func (s *StreamService) removeSession(messageID string) (*StreamSession, bool) {
	s.mu.Lock()
	session, ok := s.sessions[messageID]
	if ok {
		delete(s.sessions, messageID)
	}
	s.mu.Unlock()
	if ok {
		metrics.StreamSessions.Dec()
	}
	return session, ok
}

// ActiveStreams lists in-progress sessions for a room, for inclusion in
// initial join payloads.
func (s *StreamService) ActiveStreams(roomID string) []StreamView {
	s.mu.Lock()
	defer s.mu.Unlock()

	var views []StreamView
	for _, session := range s.sessions {
		if session.RoomID != roomID {
			continue
		}
		views = append(views, StreamView{
			MessageID:   session.MessageID,
			Type:        models.MessageTypeAI,
			AIKind:      session.AIKind,
			Content:     session.Content,
			Timestamp:   session.StartedAt,
			IsStreaming: true,
		})
	}
	return views
}

// Active reports whether a session for the message is still in flight.
func (s *StreamService) Active(messageID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sessions[messageID]
	return ok
}

// Count reports the number of in-flight sessions on this instance.
func (s *StreamService) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// PurgeUser removes sessions initiated by the user, optionally scoped to one
// room. Called on leave and disconnect.
func (s *StreamService) PurgeUser(userID, roomID string) {
	s.mu.Lock()
	removed := 0
	for id, session := range s.sessions {
		if session.UserID != userID {
			continue
		}
		if roomID != "" && session.RoomID != roomID {
			continue
		}
		delete(s.sessions, id)
		removed++
	}
	s.mu.Unlock()

	for i := 0; i < removed; i++ {
		metrics.StreamSessions.Dec()
	}
}

// SweepIdle deletes sessions without updates for maxIdle, treating them as
// abandoned. Returns how many were removed and how many remain.
func (s *StreamService) SweepIdle(maxIdle time.Duration) (removed, remaining int) {
	cutoff := s.timeNow().Add(-maxIdle)

	s.mu.Lock()
	for id, session := range s.sessions {
		if session.LastUpdate.Before(cutoff) {
			delete(s.sessions, id)
			removed++
		}
	}
	remaining = len(s.sessions)
	s.mu.Unlock()

	for i := 0; i < removed; i++ {
		metrics.StreamSessions.Dec()
	}
	return removed, remaining
}
