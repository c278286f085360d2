package services

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/wavechat/wavechat/internal/auth"
	"github.com/wavechat/wavechat/internal/chat"
	"github.com/wavechat/wavechat/internal/models"
	"github.com/wavechat/wavechat/pkg/errors"
	"github.com/wavechat/wavechat/pkg/logger"
	"github.com/wavechat/wavechat/pkg/metrics"
)

// markerHoldDown keeps a finished load marker briefly so a client re-request
// racing the response does not start a second load.
const markerHoldDown = 100 * time.Millisecond

// MessageConfig carries the delivery pipeline tuning knobs.
type MessageConfig struct {
	BatchSize       int
	LoadTimeout     time.Duration
	MaxRetries      int
	RetryBackoff    time.Duration
	RetryCap        time.Duration
	ReadBatchWindow time.Duration
}

// HistoryPage is one page of room history, ordered ascending by timestamp.
type HistoryPage struct {
	Messages        []models.Message `json:"messages"`
	HasMore         bool             `json:"hasMore"`
	OldestTimestamp *time.Time       `json:"oldestTimestamp,omitempty"`
}

// FileRef is the tagged file reference accepted in message payloads. Clients
// historically sent several shapes (bare id string, {_id}, {id}, {filename});
// they are resolved once here and ambiguous combinations are rejected.
type FileRef struct {
	ID       string
	Filename string
}

// UnmarshalJSON accepts a bare id string or an object naming exactly one of
// the known identifying fields.
func (f *FileRef) UnmarshalJSON(data []byte) error {
	var id string
	if err := json.Unmarshal(data, &id); err == nil {
		if strings.TrimSpace(id) == "" {
			return fmt.Errorf("file reference: empty id")
		}
		f.ID = id
		return nil
	}

	var obj struct {
		MongoID  string `json:"_id"`
		ID       string `json:"id"`
		Filename string `json:"filename"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("file reference: unsupported shape: %w", err)
	}

	set := 0
	for _, v := range []string{obj.MongoID, obj.ID, obj.Filename} {
		if v != "" {
			set++
		}
	}
	if set == 0 {
		return fmt.Errorf("file reference: no identifying field")
	}
	if set > 1 {
		return fmt.Errorf("file reference: ambiguous shape")
	}

	switch {
	case obj.MongoID != "":
		f.ID = obj.MongoID
	case obj.ID != "":
		f.ID = obj.ID
	default:
		f.Filename = obj.Filename
	}
	return nil
}

// ChatMessagePayload is the inbound chatMessage event body.
type ChatMessagePayload struct {
	Room     string   `json:"room" validate:"required"`
	Type     string   `json:"type" validate:"required,oneof=text file"`
	Content  string   `json:"content"`
	FileData *FileRef `json:"fileData,omitempty"`
}

// readReceiptPayload is broadcast when a user marks messages read.
type readReceiptPayload struct {
	UserID     string   `json:"userId"`
	MessageIDs []string `json:"messageIds"`
}

// reactionUpdatePayload carries the aggregated reaction state of a message.
type reactionUpdatePayload struct {
	MessageID string              `json:"messageId"`
	Reactions map[string][]string `json:"reactions"`
}

type loadMarker struct {
	createdAt time.Time
}

type readBatch struct {
	roomID     string
	userID     string
	messageIDs map[string]struct{}
}

// MessageService is the message delivery pipeline: paginated history with
// timeout and bounded retry, live persistence and broadcast, and read-receipt
// batching.
type MessageService struct {
	db       *gorm.DB
	hub      *chat.Hub
	cache    *CacheService
	sessions auth.SessionValidator
	cfg      MessageConfig
	log      *zap.Logger

	markerMu sync.Mutex
	markers  map[string]*loadMarker // "roomID:userID"

	batchMu sync.Mutex
	batches map[string]*readBatch // "roomID:userID"

	timeNow   func() time.Time
	afterFunc func(d time.Duration, f func()) *time.Timer
	sleep     func(ctx context.Context, d time.Duration) error
}

// MessageOption customises the MessageService.
type MessageOption func(*MessageService)

// WithMessageClock overrides the clock, primarily for tests.
func WithMessageClock(now func() time.Time) MessageOption {
	return func(s *MessageService) {
		if now != nil {
			s.timeNow = now
		}
	}
}

// WithMessageSleep overrides the retry delay, primarily for tests.
func WithMessageSleep(sleep func(ctx context.Context, d time.Duration) error) MessageOption {
	return func(s *MessageService) {
		if sleep != nil {
			s.sleep = sleep
		}
	}
}

// WithMessageAfterFunc overrides timer scheduling, primarily for tests.
func WithMessageAfterFunc(after func(d time.Duration, f func()) *time.Timer) MessageOption {
	return func(s *MessageService) {
		if after != nil {
			s.afterFunc = after
		}
	}
}

// NewMessageService builds the delivery pipeline.
func NewMessageService(db *gorm.DB, hub *chat.Hub, cacheSvc *CacheService, sessions auth.SessionValidator, cfg MessageConfig, opts ...MessageOption) *MessageService {
	if sessions == nil {
		sessions = auth.AllowAllSessions{}
	}

	s := &MessageService{
		db:       db,
		hub:      hub,
		cache:    cacheSvc,
		sessions: sessions,
		cfg:      cfg,
		log:      logger.WithModule("messages"),
		markers:  make(map[string]*loadMarker),
		batches:  make(map[string]*readBatch),
		timeNow:   time.Now,
		afterFunc: time.AfterFunc,
		sleep: func(ctx context.Context, d time.Duration) error {
			timer := time.NewTimer(d)
			defer timer.Stop()
			select {
			case <-timer.C:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func markerKey(roomID, userID string) string { return roomID + ":" + userID }

// FetchPrevious handles a pagination request end to end: authorization,
// concurrent-load dedupe, retried load, and result delivery. A request that
// arrives while another load for the same (room, user) is in flight is
// dropped; the client is already waiting on the first.
func (s *MessageService) FetchPrevious(ctx context.Context, conn *chat.Conn, roomID string, before *time.Time) error {
	if err := s.requireParticipant(ctx, roomID, conn.User.ID); err != nil {
		return err
	}

	key := markerKey(roomID, conn.User.ID)
	s.markerMu.Lock()
	if _, loading := s.markers[key]; loading {
		s.markerMu.Unlock()
		s.log.Debug("history load already in flight",
			zap.String("room", roomID),
			zap.String("user", conn.User.ID),
		)
		return nil
	}
	s.markers[key] = &loadMarker{createdAt: s.timeNow()}
	s.markerMu.Unlock()

	defer s.releaseMarkerAfterHoldDown(key)

	conn.Send(chat.Event{Event: chat.EventMessageLoadStart})

	page, err := s.loadWithRetry(ctx, conn.User.ID, roomID, before)
	if err != nil {
		return err
	}

	conn.Send(chat.Event{Event: chat.EventPreviousMessagesLoaded, Data: page})
	return nil
}

// LoadInitial loads the newest page for a freshly joined user. Used by the
// join flow's background phase; no dedupe marker, single attempt.
func (s *MessageService) LoadInitial(ctx context.Context, userID, roomID string) (HistoryPage, error) {
	return s.loadPage(ctx, userID, roomID, nil)
}

func (s *MessageService) releaseMarkerAfterHoldDown(key string) {
	s.afterFunc(markerHoldDown, func() {
		s.markerMu.Lock()
		delete(s.markers, key)
		s.markerMu.Unlock()
	})
}

// loadWithRetry retries timed-out or failed loads with exponential backoff,
// doubling from the base and capped, until the retry budget is exhausted.
func (s *MessageService) loadWithRetry(ctx context.Context, userID, roomID string, before *time.Time) (HistoryPage, error) {
	var lastErr error
	for attempt := 0; ; attempt++ {
		page, err := s.loadPage(ctx, userID, roomID, before)
		if err == nil {
			return page, nil
		}
		lastErr = err

		if attempt >= s.cfg.MaxRetries {
			break
		}

		delay := s.cfg.RetryBackoff << uint(attempt)
		if delay > s.cfg.RetryCap {
			delay = s.cfg.RetryCap
		}
		s.log.Debug("retrying history load",
			zap.String("room", roomID),
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay),
		)
		if err := s.sleep(ctx, delay); err != nil {
			return HistoryPage{}, err
		}
	}
	return HistoryPage{}, lastErr
}

// loadPage races the history query against the load timeout. On timeout the
// in-flight query result is discarded, not aborted server-side.
func (s *MessageService) loadPage(ctx context.Context, userID, roomID string, before *time.Time) (HistoryPage, error) {
	started := s.timeNow()

	type result struct {
		messages []models.Message
		err      error
	}
	resultCh := make(chan result, 1)

	queryCtx := context.WithoutCancel(ctx)
	go func() {
		var messages []models.Message
		query := s.db.WithContext(queryCtx).
			Preload("Sender").
			Preload("File").
			Where("room_id = ?", roomID).
			Order("timestamp DESC").
			Limit(s.cfg.BatchSize + 1)
		if before != nil {
			query = query.Where("timestamp < ?", *before)
		}
		err := query.Find(&messages).Error
		resultCh <- result{messages: messages, err: err}
	}()

	timer := time.NewTimer(s.cfg.LoadTimeout)
	defer timer.Stop()

	var messages []models.Message
	select {
	case res := <-resultCh:
		if res.err != nil {
			return HistoryPage{}, errors.Wrap(res.err, "history load failed")
		}
		messages = res.messages
	case <-timer.C:
		s.log.Warn("history load timed out", zap.String("room", roomID))
		return HistoryPage{}, errors.ErrLoadTimeout
	case <-ctx.Done():
		return HistoryPage{}, ctx.Err()
	}

	metrics.HistoryLoadDuration.Observe(s.timeNow().Sub(started).Seconds())

	hasMore := len(messages) > s.cfg.BatchSize
	if hasMore {
		messages = messages[:s.cfg.BatchSize]
	}

	// Query returned newest first; pages are delivered ascending.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}

	page := HistoryPage{Messages: messages, HasMore: hasMore}
	if len(messages) > 0 {
		oldest := messages[0].Timestamp
		page.OldestTimestamp = &oldest
	}

	// Fire-and-forget read receipts for the delivered page.
	if len(messages) > 0 {
		ids := make([]string, len(messages))
		for i := range messages {
			ids[i] = messages[i].ID
		}
		go func() {
			if err := s.persistReadReceipts(queryCtx, userID, ids); err != nil {
				s.log.Warn("page read receipt update failed", zap.Error(err))
			}
		}()
	}

	return page, nil
}

// Send validates, persists, and broadcasts a message, then incrementally
// updates the recent-message cache. Returns the stored message together with
// any AI personas mentioned in it.
func (s *MessageService) Send(ctx context.Context, conn *chat.Conn, payload ChatMessagePayload) (*models.Message, []string, error) {
	userID := conn.User.ID

	if err := s.requireParticipant(ctx, payload.Room, userID); err != nil {
		return nil, nil, err
	}

	if err := s.sessions.Validate(ctx, userID, conn.SessionID); err != nil {
		return nil, nil, errors.ErrSessionExpired.WithInternal(err)
	}

	message := models.Message{
		RoomID:    payload.Room,
		SenderID:  &userID,
		Timestamp: s.timeNow(),
	}

	switch payload.Type {
	case models.MessageTypeText:
		content := strings.TrimSpace(payload.Content)
		if content == "" {
			return nil, nil, nil
		}
		message.Type = models.MessageTypeText
		message.Content = content

	case models.MessageTypeFile:
		if payload.FileData == nil {
			return nil, nil, errors.NewBadRequest("file message requires file data")
		}
		file, err := s.resolveFile(ctx, userID, *payload.FileData)
		if err != nil {
			return nil, nil, err
		}
		metadata, err := json.Marshal(map[string]any{
			"fileType":     file.MimeType,
			"fileSize":     file.Size,
			"originalName": file.OriginalName,
		})
		if err != nil {
			return nil, nil, errors.Wrap(err, "encode file metadata")
		}
		message.Type = models.MessageTypeFile
		message.FileID = &file.ID
		message.Content = payload.Content
		message.Metadata = metadata

	default:
		return nil, nil, errors.NewBadRequest("unsupported message type")
	}

	if err := s.db.WithContext(ctx).Create(&message).Error; err != nil {
		return nil, nil, errors.Wrap(err, "persist message")
	}
	if err := s.db.WithContext(ctx).Preload("Sender").Preload("File").
		Take(&message, "id = ?", message.ID).Error; err != nil {
		return nil, nil, errors.Wrap(err, "reload message")
	}

	s.hub.BroadcastRoom(payload.Room, chat.Event{Event: chat.EventMessage, Data: message})
	s.cache.AppendRecentMessage(ctx, payload.Room, message)
	metrics.MessagesProcessed.WithLabelValues(message.Type).Inc()

	return &message, ExtractAIMentions(payload.Content), nil
}

// SendSystem persists a system message and broadcasts it to the room.
func (s *MessageService) SendSystem(ctx context.Context, roomID, content string) (*models.Message, error) {
	message := models.Message{
		RoomID:    roomID,
		Type:      models.MessageTypeSystem,
		Content:   content,
		Timestamp: s.timeNow(),
	}
	if err := s.db.WithContext(ctx).Create(&message).Error; err != nil {
		return nil, errors.Wrap(err, "persist system message")
	}

	s.hub.BroadcastRoom(roomID, chat.Event{Event: chat.EventMessage, Data: message})
	metrics.MessagesProcessed.WithLabelValues(models.MessageTypeSystem).Inc()
	return &message, nil
}

// MarkRead coalesces read receipts into a per-(room, user) batch flushed once
// per window, while informing other room members immediately. The broadcast
// is decoupled from the batched write for responsiveness.
func (s *MessageService) MarkRead(ctx context.Context, conn *chat.Conn, roomID string, messageIDs []string) {
	if len(messageIDs) == 0 {
		return
	}

	key := markerKey(roomID, conn.User.ID)

	s.batchMu.Lock()
	batch, ok := s.batches[key]
	if !ok {
		batch = &readBatch{
			roomID:     roomID,
			userID:     conn.User.ID,
			messageIDs: make(map[string]struct{}),
		}
		s.batches[key] = batch
		s.afterFunc(s.cfg.ReadBatchWindow, func() { s.flushReadBatch(key) })
	}
	for _, id := range messageIDs {
		batch.messageIDs[id] = struct{}{}
	}
	s.batchMu.Unlock()

	s.hub.BroadcastRoomExcept(roomID, conn.ID, chat.Event{
		Event: chat.EventMessagesRead,
		Data:  readReceiptPayload{UserID: conn.User.ID, MessageIDs: messageIDs},
	})
}

func (s *MessageService) flushReadBatch(key string) {
	s.batchMu.Lock()
	batch, ok := s.batches[key]
	delete(s.batches, key)
	s.batchMu.Unlock()
	if !ok || len(batch.messageIDs) == 0 {
		return
	}

	ids := make([]string, 0, len(batch.messageIDs))
	for id := range batch.messageIDs {
		ids = append(ids, id)
	}

	if err := s.persistReadReceipts(context.Background(), batch.userID, ids); err != nil {
		s.log.Warn("read batch flush failed",
			zap.String("room", batch.roomID),
			zap.String("user", batch.userID),
			zap.Error(err),
		)
		return
	}

	s.log.Debug("read batch flushed",
		zap.String("room", batch.roomID),
		zap.String("user", batch.userID),
		zap.Int("messages", len(ids)),
	)
}

// persistReadReceipts inserts receipt rows; the composite primary key makes
// re-marking idempotent.
func (s *MessageService) persistReadReceipts(ctx context.Context, userID string, messageIDs []string) error {
	readers := make([]models.MessageReader, 0, len(messageIDs))
	now := s.timeNow()
	for _, id := range messageIDs {
		readers = append(readers, models.MessageReader{
			MessageID: id,
			UserID:    userID,
			ReadAt:    now,
		})
	}

	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&readers).Error
}

// React adds or removes an emoji reaction and broadcasts the message's
// aggregated reaction state to its room.
func (s *MessageService) React(ctx context.Context, conn *chat.Conn, messageID, emoji, action string) error {
	var message models.Message
	if err := s.db.WithContext(ctx).Take(&message, "id = ?", messageID).Error; err != nil {
		if stderrors.Is(err, gorm.ErrRecordNotFound) {
			return errors.ErrNotFound.WithMessage("Message not found")
		}
		return errors.Wrap(err, "load message")
	}

	reaction := models.MessageReaction{
		MessageID: messageID,
		UserID:    conn.User.ID,
		Emoji:     emoji,
	}

	switch action {
	case "add":
		if err := s.db.WithContext(ctx).
			Clauses(clause.OnConflict{DoNothing: true}).
			Create(&reaction).Error; err != nil {
			return errors.Wrap(err, "add reaction")
		}
	case "remove":
		if err := s.db.WithContext(ctx).
			Where("message_id = ? AND user_id = ? AND emoji = ?", messageID, conn.User.ID, emoji).
			Delete(&models.MessageReaction{}).Error; err != nil {
			return errors.Wrap(err, "remove reaction")
		}
	default:
		return errors.NewBadRequest("unsupported reaction action")
	}

	reactions, err := s.aggregateReactions(ctx, messageID)
	if err != nil {
		return err
	}

	s.hub.BroadcastRoom(message.RoomID, chat.Event{
		Event: chat.EventMessageReactionUpdate,
		Data:  reactionUpdatePayload{MessageID: messageID, Reactions: reactions},
	})
	return nil
}

func (s *MessageService) aggregateReactions(ctx context.Context, messageID string) (map[string][]string, error) {
	var rows []models.MessageReaction
	if err := s.db.WithContext(ctx).
		Where("message_id = ?", messageID).
		Order("created_at").
		Find(&rows).Error; err != nil {
		return nil, errors.Wrap(err, "load reactions")
	}

	reactions := make(map[string][]string)
	for _, row := range rows {
		reactions[row.Emoji] = append(reactions[row.Emoji], row.UserID)
	}
	return reactions, nil
}

// PurgeMarkers removes the load marker for a (room, user) pair.
func (s *MessageService) PurgeMarkers(roomID, userID string) {
	s.markerMu.Lock()
	delete(s.markers, markerKey(roomID, userID))
	s.markerMu.Unlock()
}

// PurgeUserMarkers removes every load marker owned by the user.
func (s *MessageService) PurgeUserMarkers(userID string) {
	suffix := ":" + userID
	s.markerMu.Lock()
	for key := range s.markers {
		if strings.HasSuffix(key, suffix) {
			delete(s.markers, key)
		}
	}
	s.markerMu.Unlock()
}

// SweepMarkers drops markers older than maxAge and reports how many remain.
// Guards against leaked markers from abandoned loads.
func (s *MessageService) SweepMarkers(maxAge time.Duration) int {
	cutoff := s.timeNow().Add(-maxAge)
	s.markerMu.Lock()
	for key, marker := range s.markers {
		if marker.createdAt.Before(cutoff) {
			delete(s.markers, key)
		}
	}
	remaining := len(s.markers)
	s.markerMu.Unlock()
	return remaining
}

// requireParticipant rejects callers that are not persisted members of the
// room.
func (s *MessageService) requireParticipant(ctx context.Context, roomID, userID string) error {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&models.RoomParticipant{}).
		Where("room_id = ? AND user_id = ?", roomID, userID).
		Count(&count).Error
	if err != nil {
		return errors.Wrap(err, "participant check")
	}
	if count == 0 {
		return errors.ErrNotRoomMember
	}
	return nil
}

func (s *MessageService) resolveFile(ctx context.Context, userID string, ref FileRef) (*models.File, error) {
	var file models.File
	query := s.db.WithContext(ctx).Where("user_id = ?", userID)

	var err error
	switch {
	case ref.ID != "":
		err = query.Take(&file, "id = ?", ref.ID).Error
	case ref.Filename != "":
		// Newest upload with that name wins.
		err = query.Where("filename = ?", ref.Filename).
			Order("created_at DESC").
			First(&file).Error
	default:
		return nil, errors.NewBadRequest("file reference is empty")
	}

	if err != nil {
		if stderrors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errors.ErrNotFound.WithMessage("File not found or not owned by sender")
		}
		return nil, errors.Wrap(err, "resolve file")
	}
	return &file, nil
}
