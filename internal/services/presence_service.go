package services

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wavechat/wavechat/internal/chat"
	"github.com/wavechat/wavechat/internal/cluster"
	"github.com/wavechat/wavechat/pkg/logger"
	"github.com/wavechat/wavechat/pkg/metrics"
)

// duplicateLoginPayload is sent to the connection about to be replaced.
type duplicateLoginPayload struct {
	Type      string `json:"type"`
	Instance  string `json:"instanceId,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// sessionEndedPayload closes out the duplicate-session protocol.
type sessionEndedPayload struct {
	Reason  string `json:"reason"`
	Message string `json:"message"`
}

// PresenceService owns the per-instance user -> connection registry and runs
// the duplicate-session resolution protocol. It consumes the coordinator's
// remote events so a login elsewhere terminates the local connection.
type PresenceService struct {
	hub         *chat.Hub
	coordinator *cluster.Coordinator
	localGrace  time.Duration
	globalGrace time.Duration
	log         *zap.Logger

	mu       sync.Mutex
	registry map[string]string // user ID -> connection ID

	afterFunc func(d time.Duration, f func()) *time.Timer
}

// PresenceOption customises the PresenceService.
type PresenceOption func(*PresenceService)

// WithAfterFunc overrides timer scheduling, primarily for tests.
func WithAfterFunc(after func(d time.Duration, f func()) *time.Timer) PresenceOption {
	return func(s *PresenceService) {
		if after != nil {
			s.afterFunc = after
		}
	}
}

// NewPresenceService builds the registry with the configured grace periods
// for local and cross-instance duplicate resolution.
func NewPresenceService(hub *chat.Hub, coordinator *cluster.Coordinator, localGrace, globalGrace time.Duration, opts ...PresenceOption) *PresenceService {
	s := &PresenceService{
		hub:         hub,
		coordinator: coordinator,
		localGrace:  localGrace,
		globalGrace: globalGrace,
		log:         logger.WithModule("presence"),
		registry:    make(map[string]string),
		afterFunc:   time.AfterFunc,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register admits a new authenticated connection. An existing connection for
// the same user, local or on another instance, is resolved by the duplicate
// protocol; the new connection is admitted immediately and never blocked.
func (s *PresenceService) Register(ctx context.Context, conn *chat.Conn) {
	userID := conn.User.ID

	s.mu.Lock()
	previousID, hadPrevious := s.registry[userID]
	s.registry[userID] = conn.ID
	s.mu.Unlock()

	if hadPrevious && previousID != conn.ID {
		if previous, ok := s.hub.Connection(previousID); ok {
			s.terminateDuplicate(previous, "new_login_attempt", "", s.localGrace)
			metrics.DuplicateSessions.WithLabelValues("local").Inc()
		}
	}

	// The shared registry write below also publishes the login, which lets
	// any instance holding an older connection run the same protocol.
	if ref, ok := s.coordinator.GlobalConnection(ctx, userID); ok && ref.InstanceID != s.coordinator.InstanceID() {
		s.log.Info("duplicate session on another instance",
			zap.String("user", userID),
			zap.String("instance", ref.InstanceID),
		)
	}

	s.coordinator.AnnounceLogin(ctx, userID, conn.ID)

	s.log.Debug("connection registered",
		zap.String("user", userID),
		zap.String("conn", conn.ID),
	)
}

// Unregister clears the user's registry entry, but only when the
// disconnecting connection is still the registered one. A stale connection
// replaced by a newer login must not erase the newer registration.
// Reports whether this connection owned the registration.
func (s *PresenceService) Unregister(ctx context.Context, conn *chat.Conn) bool {
	userID := conn.User.ID

	s.mu.Lock()
	current, ok := s.registry[userID]
	owned := ok && current == conn.ID
	if owned {
		delete(s.registry, userID)
	}
	s.mu.Unlock()

	if owned {
		s.coordinator.AnnounceLogout(ctx, userID)
	}
	return owned
}

// LocalConnection reports the registered connection ID for a user on this
// instance.
func (s *PresenceService) LocalConnection(userID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	connID, ok := s.registry[userID]
	return connID, ok
}

// ForceLogout terminates the caller's own session on request.
func (s *PresenceService) ForceLogout(ctx context.Context, conn *chat.Conn) {
	s.coordinator.AnnounceLogout(ctx, conn.User.ID)

	conn.Send(chat.Event{Event: chat.EventSessionEnded, Data: sessionEndedPayload{
		Reason:  "force_logout",
		Message: "Your session has been terminated.",
	}})
	conn.CloseWithReason(chat.ReasonForceLogout)
}

// HandleRemoteLogin terminates the local connection when the same user logs
// in on another instance.
func (s *PresenceService) HandleRemoteLogin(event cluster.Event) {
	s.mu.Lock()
	connID, ok := s.registry[event.UserID]
	s.mu.Unlock()
	if !ok {
		return
	}

	conn, live := s.hub.Connection(connID)
	if !live {
		return
	}

	s.log.Info("remote login detected",
		zap.String("user", event.UserID),
		zap.String("instance", event.InstanceID),
	)
	s.terminateDuplicate(conn, "remote_login_detected", event.InstanceID, s.globalGrace)
	metrics.DuplicateSessions.WithLabelValues("remote").Inc()
}

// HandleRemoteLogout records the remote logout; the shared hash was already
// updated by the owning instance.
func (s *PresenceService) HandleRemoteLogout(event cluster.Event) {
	s.log.Debug("remote logout", zap.String("user", event.UserID), zap.String("instance", event.InstanceID))
}

// HandleRemoteRoomJoin records a remote room join for visibility.
func (s *PresenceService) HandleRemoteRoomJoin(event cluster.Event) {
	s.log.Debug("remote room join",
		zap.String("user", event.UserID),
		zap.String("room", event.RoomID),
		zap.String("instance", event.InstanceID),
	)
}

// HandleRemoteRoomLeave records a remote room leave for visibility.
func (s *PresenceService) HandleRemoteRoomLeave(event cluster.Event) {
	s.log.Debug("remote room leave",
		zap.String("user", event.UserID),
		zap.String("room", event.RoomID),
		zap.String("instance", event.InstanceID),
	)
}

// terminateDuplicate notifies the doomed connection, waits out the grace
// period, then ends the session. Whichever side disconnects first wins the
// closing race; CloseWithReason is idempotent.
func (s *PresenceService) terminateDuplicate(conn *chat.Conn, kind, instanceID string, grace time.Duration) {
	conn.Send(chat.Event{Event: chat.EventDuplicateLogin, Data: duplicateLoginPayload{
		Type:      kind,
		Instance:  instanceID,
		Timestamp: time.Now().UnixMilli(),
	}})

	s.afterFunc(grace, func() {
		conn.Send(chat.Event{Event: chat.EventSessionEnded, Data: sessionEndedPayload{
			Reason:  "duplicate_login",
			Message: "Your session was ended by a login from another device.",
		}})
		conn.CloseWithReason(chat.ReasonDuplicateLogin)
	})
}
