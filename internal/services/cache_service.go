package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/wavechat/wavechat/internal/cache"
	"github.com/wavechat/wavechat/internal/models"
	"github.com/wavechat/wavechat/pkg/logger"
	"github.com/wavechat/wavechat/pkg/metrics"
)

// Cache TTLs per entity type.
const (
	ttlUserInfo       = 900 * time.Second
	ttlRoomInfo       = 600 * time.Second
	ttlRoomsList      = 300 * time.Second
	ttlParticipants   = 300 * time.Second
	ttlUserSearch     = 300 * time.Second
	ttlRecentMessages = 300 * time.Second
)

// recentMessagesCap bounds the cached recent-message window per room.
const recentMessagesCap = 15

// RecentMessages is the cached hot window of a room's newest messages,
// returned on join before the full history load completes.
type RecentMessages struct {
	Messages        []models.Message `json:"messages"`
	HasMore         bool             `json:"hasMore"`
	OldestTimestamp *time.Time       `json:"oldestTimestamp,omitempty"`
	ActiveStreams   []StreamView     `json:"activeStreams,omitempty"`
}

// CacheService is the cache-aside accessor over the shared store. The
// database stays the source of truth: every cache failure is logged and the
// read falls through to a direct query, never surfacing to the caller.
type CacheService struct {
	store cache.Store
	db    *gorm.DB
	log   *zap.Logger
}

// NewCacheService wires the shared store in front of the database.
func NewCacheService(store cache.Store, db *gorm.DB) *CacheService {
	return &CacheService{
		store: store,
		db:    db,
		log:   logger.WithModule("cache"),
	}
}

func userKey(userID string) string { return "user:" + userID }
func roomKey(roomID string) string { return "room:" + roomID }

func participantsKey(roomID string) string { return "room:participants:" + roomID }

func roomsListKey(page int, sortField, sortOrder, search string) string {
	if search == "" {
		search = "all"
	}
	return fmt.Sprintf("rooms:list:%d:%s:%s:%s", page, sortField, sortOrder, search)
}

func userSearchKey(query string, page, limit int) string {
	return fmt.Sprintf("search:users:%s:%d:%d", query, page, limit)
}

func recentMessagesKey(roomID string) string { return "recent_messages:" + roomID }

// GetUserInfo returns the user's profile projection, cache-aside.
func (s *CacheService) GetUserInfo(ctx context.Context, userID string) (*models.UserSummary, error) {
	var cached models.UserSummary
	if s.lookup(ctx, "user", userKey(userID), &cached) {
		return &cached, nil
	}

	var user models.User
	if err := s.db.WithContext(ctx).Take(&user, "id = ?", userID).Error; err != nil {
		return nil, err
	}

	summary := user.Summary()
	s.populate(ctx, "user", userKey(userID), summary, ttlUserInfo)
	return &summary, nil
}

// InvalidateUserInfo drops the user's cached profile.
func (s *CacheService) InvalidateUserInfo(ctx context.Context, userID string) {
	s.invalidate(ctx, "user", userKey(userID))
}

// GetRoomInfo returns the room projection including creator and participant
// summaries, cache-aside.
func (s *CacheService) GetRoomInfo(ctx context.Context, roomID string) (*models.RoomSummary, error) {
	var cached models.RoomSummary
	if s.lookup(ctx, "room", roomKey(roomID), &cached) {
		return &cached, nil
	}

	room, err := s.loadRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}

	summary := RoomSummaryOf(room)
	s.populate(ctx, "room", roomKey(roomID), summary, ttlRoomInfo)
	return &summary, nil
}

// InvalidateRoomInfo drops the room's cached projection.
func (s *CacheService) InvalidateRoomInfo(ctx context.Context, roomID string) {
	s.invalidate(ctx, "room", roomKey(roomID))
}

// GetRoomParticipants returns the room's participant summaries, cache-aside.
func (s *CacheService) GetRoomParticipants(ctx context.Context, roomID string) ([]models.UserSummary, error) {
	var cached []models.UserSummary
	if s.lookup(ctx, "participants", participantsKey(roomID), &cached) {
		return cached, nil
	}

	room, err := s.loadRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}

	participants := userSummaries(room.Participants)
	s.populate(ctx, "participants", participantsKey(roomID), participants, ttlParticipants)
	return participants, nil
}

// InvalidateRoomParticipants drops the room's cached participant list.
func (s *CacheService) InvalidateRoomParticipants(ctx context.Context, roomID string) {
	s.invalidate(ctx, "participants", participantsKey(roomID))
}

// GetRoomsList returns a cached listing page, or a miss. Listing pages are
// computed by the HTTP handler; the cache only stores the serialized result.
func (s *CacheService) GetRoomsList(ctx context.Context, page int, sortField, sortOrder, search string) (json.RawMessage, bool) {
	var cached json.RawMessage
	if s.lookup(ctx, "rooms_list", roomsListKey(page, sortField, sortOrder, search), &cached) {
		return cached, true
	}
	return nil, false
}

// SetRoomsList caches a serialized listing page.
func (s *CacheService) SetRoomsList(ctx context.Context, page int, sortField, sortOrder, search string, data json.RawMessage) {
	s.populate(ctx, "rooms_list", roomsListKey(page, sortField, sortOrder, search), data, ttlRoomsList)
}

// InvalidateRoomsList clears every cached listing page. Listing keys are
// parameterized by page, sort, and search, so the whole keyspace must go:
// scan-capable stores enumerate it directly; others fall back to clearing a
// bounded set of common parameter combinations.
func (s *CacheService) InvalidateRoomsList(ctx context.Context) {
	if s.store == nil {
		return
	}

	if scanner, ok := s.store.(cache.KeyScanner); ok {
		keys, err := scanner.ScanKeys(ctx, "rooms:list:*")
		if err != nil {
			s.log.Warn("rooms list scan failed", zap.Error(err))
			return
		}
		if len(keys) == 0 {
			return
		}
		if err := s.store.Delete(ctx, keys...); err != nil {
			s.log.Warn("rooms list invalidation failed", zap.Error(err))
		}
		return
	}

	// Bounded fallback: cannot guarantee full invalidation, but TTLs bound
	// the staleness window for uncovered combinations.
	sortFields := []string{"createdAt", "name", "participantsCount"}
	sortOrders := []string{"asc", "desc"}

	var keys []string
	for page := 0; page < 5; page++ {
		for _, field := range sortFields {
			for _, order := range sortOrders {
				keys = append(keys, roomsListKey(page, field, order, ""))
			}
		}
	}
	if err := s.store.Delete(ctx, keys...); err != nil {
		s.log.Warn("rooms list invalidation failed", zap.Error(err))
	}
}

// GetUserSearch returns a cached user-search page, or a miss.
func (s *CacheService) GetUserSearch(ctx context.Context, query string, page, limit int) (json.RawMessage, bool) {
	var cached json.RawMessage
	if s.lookup(ctx, "user_search", userSearchKey(query, page, limit), &cached) {
		return cached, true
	}
	return nil, false
}

// SetUserSearch caches a serialized user-search page.
func (s *CacheService) SetUserSearch(ctx context.Context, query string, page, limit int, data json.RawMessage) {
	s.populate(ctx, "user_search", userSearchKey(query, page, limit), data, ttlUserSearch)
}

// GetRecentMessages returns the cached hot message window for a room.
func (s *CacheService) GetRecentMessages(ctx context.Context, roomID string) (*RecentMessages, bool) {
	var cached RecentMessages
	if s.lookup(ctx, "recent_messages", recentMessagesKey(roomID), &cached) {
		return &cached, true
	}
	return nil, false
}

// SetRecentMessages caches the hot message window for a room.
func (s *CacheService) SetRecentMessages(ctx context.Context, roomID string, data RecentMessages) {
	s.populate(ctx, "recent_messages", recentMessagesKey(roomID), data, ttlRecentMessages)
}

// InvalidateRecentMessages drops the room's cached message window.
func (s *CacheService) InvalidateRecentMessages(ctx context.Context, roomID string) {
	s.invalidate(ctx, "recent_messages", recentMessagesKey(roomID))
}

// AppendRecentMessage incrementally updates the cached window with a newly
// persisted message instead of invalidating the whole entry. The window stays
// capped; the oldest entry is dropped. Any failure degrades to invalidation.
func (s *CacheService) AppendRecentMessage(ctx context.Context, roomID string, message models.Message) {
	cached, ok := s.GetRecentMessages(ctx, roomID)
	if !ok {
		return
	}

	messages := append(cached.Messages, message)
	if len(messages) > recentMessagesCap {
		messages = messages[len(messages)-recentMessagesCap:]
	}

	updated := RecentMessages{
		Messages:      messages,
		HasMore:       true,
		ActiveStreams: cached.ActiveStreams,
	}
	if len(messages) > 0 {
		oldest := messages[0].Timestamp
		updated.OldestTimestamp = &oldest
	}

	encoded, err := json.Marshal(updated)
	if err != nil {
		s.log.Warn("recent messages append encode failed", zap.String("room", roomID), zap.Error(err))
		s.InvalidateRecentMessages(ctx, roomID)
		return
	}
	if err := s.store.Set(ctx, recentMessagesKey(roomID), encoded, ttlRecentMessages); err != nil {
		s.log.Warn("recent messages append failed", zap.String("room", roomID), zap.Error(err))
		s.InvalidateRecentMessages(ctx, roomID)
	}
}

// InvalidateRoomCaches drops every cache entry touched by a membership or
// message change in the room.
func (s *CacheService) InvalidateRoomCaches(ctx context.Context, roomID string) {
	s.InvalidateRoomInfo(ctx, roomID)
	s.InvalidateRoomParticipants(ctx, roomID)
	s.InvalidateRoomsList(ctx)
	s.InvalidateRecentMessages(ctx, roomID)
}

func (s *CacheService) loadRoom(ctx context.Context, roomID string) (*models.Room, error) {
	var room models.Room
	err := s.db.WithContext(ctx).
		Preload("Creator").
		Preload("Participants").
		Take(&room, "id = ?", roomID).Error
	if err != nil {
		return nil, err
	}
	return &room, nil
}

// lookup reads and decodes a cache entry, reporting whether it was a hit.
// Store errors count as misses.
func (s *CacheService) lookup(ctx context.Context, entity, key string, out any) bool {
	if s.store == nil {
		return false
	}

	raw, found, err := s.store.Get(ctx, key)
	if err != nil {
		metrics.CacheRequests.WithLabelValues(entity, "error").Inc()
		s.log.Warn("cache read failed", zap.String("key", key), zap.Error(err))
		return false
	}
	if !found {
		metrics.CacheRequests.WithLabelValues(entity, "miss").Inc()
		return false
	}

	if err := json.Unmarshal(raw, out); err != nil {
		metrics.CacheRequests.WithLabelValues(entity, "error").Inc()
		s.log.Warn("cache decode failed", zap.String("key", key), zap.Error(err))
		_ = s.store.Delete(ctx, key)
		return false
	}

	metrics.CacheRequests.WithLabelValues(entity, "hit").Inc()
	return true
}

func (s *CacheService) populate(ctx context.Context, entity, key string, value any, ttl time.Duration) {
	if s.store == nil {
		return
	}

	encoded, err := json.Marshal(value)
	if err != nil {
		s.log.Warn("cache encode failed", zap.String("key", key), zap.Error(err))
		return
	}
	if err := s.store.Set(ctx, key, encoded, ttl); err != nil {
		metrics.CacheRequests.WithLabelValues(entity, "error").Inc()
		s.log.Warn("cache write failed", zap.String("key", key), zap.Error(err))
	}
}

func (s *CacheService) invalidate(ctx context.Context, entity, key string) {
	if s.store == nil {
		return
	}
	if err := s.store.Delete(ctx, key); err != nil {
		metrics.CacheRequests.WithLabelValues(entity, "error").Inc()
		s.log.Warn("cache invalidation failed", zap.String("key", key), zap.Error(err))
	}
}

// RoomSummaryOf projects a room row into its cacheable summary form.
func RoomSummaryOf(room *models.Room) models.RoomSummary {
	summary := models.RoomSummary{
		ID:           room.ID,
		Name:         room.Name,
		HasPassword:  room.HasPassword,
		Participants: userSummaries(room.Participants),
		CreatedAt:    room.CreatedAt.UTC().Format(time.RFC3339),
	}
	if room.Creator != nil {
		creator := room.Creator.Summary()
		summary.Creator = &creator
	}
	return summary
}

func userSummaries(users []models.User) []models.UserSummary {
	summaries := make([]models.UserSummary, 0, len(users))
	for i := range users {
		summaries = append(summaries, users[i].Summary())
	}
	return summaries
}
