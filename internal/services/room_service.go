package services

import (
	"context"
	stderrors "errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/wavechat/wavechat/internal/chat"
	"github.com/wavechat/wavechat/internal/cluster"
	"github.com/wavechat/wavechat/internal/models"
	"github.com/wavechat/wavechat/pkg/errors"
	"github.com/wavechat/wavechat/pkg/logger"
)

// joinRoomSuccessPayload is the phase-1 join response. When no cached window
// exists it carries an empty message list with the loading flag set; the true
// history follows asynchronously as initialMessagesLoaded.
type joinRoomSuccessPayload struct {
	RoomID          string               `json:"roomId"`
	Participants    []models.UserSummary `json:"participants,omitempty"`
	Messages        []models.Message     `json:"messages"`
	HasMore         bool                 `json:"hasMore"`
	OldestTimestamp *time.Time           `json:"oldestTimestamp,omitempty"`
	ActiveStreams   []StreamView         `json:"activeStreams,omitempty"`
	Loading         bool                 `json:"loading,omitempty"`
	FromCache       bool                 `json:"fromCache,omitempty"`
}

type userLeftPayload struct {
	UserID string `json:"userId"`
	Name   string `json:"name"`
}

// RoomService orchestrates join/leave transitions: persisted participant
// updates, the per-user room assignment, coordinator announcements, and
// membership broadcasts. The assignment map is mutated only here.
type RoomService struct {
	db          *gorm.DB
	hub         *chat.Hub
	cache       *CacheService
	messages    *MessageService
	streams     *StreamService
	coordinator *cluster.Coordinator
	log         *zap.Logger

	mu          sync.Mutex
	assignments map[string]string // user ID -> room ID
}

// NewRoomService wires the membership manager.
func NewRoomService(db *gorm.DB, hub *chat.Hub, cacheSvc *CacheService, messages *MessageService, streams *StreamService, coordinator *cluster.Coordinator) *RoomService {
	return &RoomService{
		db:          db,
		hub:         hub,
		cache:       cacheSvc,
		messages:    messages,
		streams:     streams,
		coordinator: coordinator,
		log:         logger.WithModule("rooms"),
		assignments: make(map[string]string),
	}
}

// Assignment reports the room the user is currently considered in.
func (s *RoomService) Assignment(userID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	roomID, ok := s.assignments[userID]
	return roomID, ok
}

// JoinRoom admits the connection to a room. Joining the current room again is
// an idempotent no-op that still answers with a cache-backed fast response.
// The reply is two-phase: an immediate success with cached or empty history,
// then an asynchronous initialMessagesLoaded once the real page is in.
func (s *RoomService) JoinRoom(ctx context.Context, conn *chat.Conn, roomID string) error {
	userID := conn.User.ID

	s.mu.Lock()
	current := s.assignments[userID]
	s.mu.Unlock()

	if current == roomID {
		// Re-subscribe the (possibly new) connection, answer, done.
		s.hub.JoinRoom(conn, roomID)
		if cached, ok := s.cache.GetRecentMessages(ctx, roomID); ok {
			conn.Send(chat.Event{Event: chat.EventJoinRoomSuccess, Data: joinRoomSuccessPayload{
				RoomID:          roomID,
				Messages:        cached.Messages,
				HasMore:         cached.HasMore,
				OldestTimestamp: cached.OldestTimestamp,
				ActiveStreams:   cached.ActiveStreams,
				FromCache:       true,
			}})
			return nil
		}
		conn.Send(chat.Event{Event: chat.EventJoinRoomSuccess, Data: joinRoomSuccessPayload{
			RoomID:   roomID,
			Messages: []models.Message{},
		}})
		return nil
	}

	if current != "" {
		s.leaveForJoin(conn, current)
	}

	var room models.Room
	if err := s.db.WithContext(ctx).Take(&room, "id = ?", roomID).Error; err != nil {
		if stderrors.Is(err, gorm.ErrRecordNotFound) {
			return errors.ErrNotFound.WithMessage("Room not found")
		}
		return errors.Wrap(err, "load room")
	}

	// Atomic add: concurrent joins must not lose updates.
	participant := models.RoomParticipant{RoomID: roomID, UserID: userID}
	if err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&participant).Error; err != nil {
		return errors.Wrap(err, "add participant")
	}

	s.cache.InvalidateRoomInfo(ctx, roomID)
	s.cache.InvalidateRoomParticipants(ctx, roomID)
	s.cache.InvalidateRoomsList(ctx)

	s.hub.JoinRoom(conn, roomID)
	s.mu.Lock()
	s.assignments[userID] = roomID
	s.mu.Unlock()

	s.coordinator.AnnounceRoomJoin(ctx, userID, roomID)

	participants, err := s.cache.GetRoomParticipants(ctx, roomID)
	if err != nil {
		s.log.Warn("participant list load failed", zap.String("room", roomID), zap.Error(err))
	}

	// Phase 1: answer immediately from cache, or with an empty page.
	if cached, ok := s.cache.GetRecentMessages(ctx, roomID); ok {
		conn.Send(chat.Event{Event: chat.EventJoinRoomSuccess, Data: joinRoomSuccessPayload{
			RoomID:          roomID,
			Participants:    participants,
			Messages:        cached.Messages,
			HasMore:         cached.HasMore,
			OldestTimestamp: cached.OldestTimestamp,
			ActiveStreams:   cached.ActiveStreams,
			FromCache:       true,
		}})
	} else {
		conn.Send(chat.Event{Event: chat.EventJoinRoomSuccess, Data: joinRoomSuccessPayload{
			RoomID:       roomID,
			Participants: participants,
			Messages:     []models.Message{},
			HasMore:      true,
			Loading:      true,
		}})

		// Phase 2: load the real page in the background.
		background := context.WithoutCancel(ctx)
		go s.loadInitialMessages(background, conn, roomID)
	}

	// The join notice is persisted off the hot path.
	background := context.WithoutCancel(ctx)
	go func() {
		if _, err := s.messages.SendSystem(background, roomID, conn.User.Name+" joined the room."); err != nil {
			s.log.Warn("join notice failed", zap.String("room", roomID), zap.Error(err))
			return
		}
		s.cache.InvalidateRecentMessages(background, roomID)
	}()

	s.hub.BroadcastRoom(roomID, chat.Event{Event: chat.EventParticipantsUpdate, Data: participants})
	return nil
}

// leaveForJoin detaches the connection from its previous room when switching
// rooms. Unlike a full leave, membership rows stay persisted and no system
// message is written; the room only learns the user moved on.
func (s *RoomService) leaveForJoin(conn *chat.Conn, roomID string) {
	s.hub.LeaveRoom(conn, roomID)
	s.mu.Lock()
	delete(s.assignments, conn.User.ID)
	s.mu.Unlock()

	s.hub.BroadcastRoomExcept(roomID, conn.ID, chat.Event{Event: chat.EventUserLeft, Data: userLeftPayload{
		UserID: conn.User.ID,
		Name:   conn.User.Name,
	}})
}

// LeaveRoom removes the user from the room. A leave for a room the user is
// not assigned to is a guarded no-op; stale or duplicate leave calls must not
// produce a second departure notice.
func (s *RoomService) LeaveRoom(ctx context.Context, conn *chat.Conn, roomID string) error {
	userID := conn.User.ID

	s.mu.Lock()
	current, ok := s.assignments[userID]
	if !ok || current != roomID {
		s.mu.Unlock()
		s.log.Debug("leave ignored, not assigned to room",
			zap.String("user", userID),
			zap.String("room", roomID),
		)
		return nil
	}
	delete(s.assignments, userID)
	s.mu.Unlock()

	s.hub.LeaveRoom(conn, roomID)
	s.coordinator.AnnounceRoomLeave(ctx, userID, roomID)

	if err := s.removeParticipant(ctx, roomID, userID); err != nil {
		s.log.Error("participant removal failed", zap.String("room", roomID), zap.Error(err))
	}
	s.cache.InvalidateRoomCaches(ctx, roomID)

	if _, err := s.messages.SendSystem(ctx, roomID, conn.User.Name+" left the room."); err != nil {
		s.log.Warn("leave notice failed", zap.String("room", roomID), zap.Error(err))
	}

	s.broadcastParticipants(ctx, roomID)

	s.streams.PurgeUser(userID, roomID)
	s.messages.PurgeMarkers(roomID, userID)
	return nil
}

// HandleDisconnect performs the leave cleanup for a dropped connection.
// Reasons that mark an intentional client-side replacement skip the
// membership cleanup so a stale departure notice never races the replacement
// session's join.
func (s *RoomService) HandleDisconnect(ctx context.Context, conn *chat.Conn, reason string) {
	userID := conn.User.ID

	s.mu.Lock()
	roomID, assigned := s.assignments[userID]
	if assigned {
		delete(s.assignments, userID)
	}
	s.mu.Unlock()

	if assigned {
		s.coordinator.AnnounceRoomLeave(ctx, userID, roomID)
	}

	s.messages.PurgeUserMarkers(userID)
	s.streams.PurgeUser(userID, "")

	if !assigned || intentionalReplacement(reason) {
		return
	}

	if err := s.removeParticipant(ctx, roomID, userID); err != nil {
		s.log.Error("participant removal failed", zap.String("room", roomID), zap.Error(err))
	}
	s.cache.InvalidateRoomCaches(ctx, roomID)

	if _, err := s.messages.SendSystem(ctx, roomID, conn.User.Name+" disconnected."); err != nil {
		s.log.Warn("disconnect notice failed", zap.String("room", roomID), zap.Error(err))
	}

	s.broadcastParticipants(ctx, roomID)
}

func intentionalReplacement(reason string) bool {
	switch reason {
	case chat.ReasonDuplicateLogin, chat.ReasonClientNamespace, chat.ReasonForceLogout:
		return true
	}
	return false
}

func (s *RoomService) removeParticipant(ctx context.Context, roomID, userID string) error {
	return s.db.WithContext(ctx).
		Where("room_id = ? AND user_id = ?", roomID, userID).
		Delete(&models.RoomParticipant{}).Error
}

func (s *RoomService) broadcastParticipants(ctx context.Context, roomID string) {
	participants, err := s.cache.GetRoomParticipants(ctx, roomID)
	if err != nil {
		s.log.Warn("participant list load failed", zap.String("room", roomID), zap.Error(err))
		return
	}
	s.hub.BroadcastRoom(roomID, chat.Event{Event: chat.EventParticipantsUpdate, Data: participants})
}

// loadInitialMessages is the second phase of the join flow: the true history
// page plus any in-flight streams, cached for the next joiner.
func (s *RoomService) loadInitialMessages(ctx context.Context, conn *chat.Conn, roomID string) {
	page, err := s.messages.LoadInitial(ctx, conn.User.ID, roomID)
	if err != nil {
		s.log.Error("initial history load failed", zap.String("room", roomID), zap.Error(err))
		conn.Send(chat.Event{Event: chat.EventMessageLoadError, Data: chat.ErrorPayload{
			Code:    "LOAD_ERROR",
			Message: "Failed to load room history.",
		}})
		return
	}

	data := RecentMessages{
		Messages:        page.Messages,
		HasMore:         page.HasMore,
		OldestTimestamp: page.OldestTimestamp,
		ActiveStreams:   s.streams.ActiveStreams(roomID),
	}
	s.cache.SetRecentMessages(ctx, roomID, data)

	conn.Send(chat.Event{Event: chat.EventInitialMessagesLoaded, Data: data})
}
