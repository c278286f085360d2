package cluster

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/wavechat/wavechat/pkg/logger"
)

// Well-known pub/sub channels shared by every instance.
const (
	ChannelLogin     = "user:login"
	ChannelLogout    = "user:logout"
	ChannelRoomJoin  = "user:room:join"
	ChannelRoomLeave = "user:room:leave"
)

// Shared hash keys. The connected-users hash is the single source of truth
// for "is this user connected somewhere"; the user-rooms hash mirrors the
// per-user room assignment.
const (
	connectedUsersHash = "connected_users"
	userRoomsHash      = "user_rooms"
)

// Event is the payload published on every coordination channel.
type Event struct {
	UserID       string `json:"userId"`
	ConnectionID string `json:"connectionId,omitempty"`
	RoomID       string `json:"roomId,omitempty"`
	InstanceID   string `json:"instanceId"`
	Timestamp    int64  `json:"timestamp"`
}

// ConnectionRef points at the instance currently holding a user's live
// connection.
type ConnectionRef struct {
	ConnectionID string `json:"connectionId"`
	InstanceID   string `json:"instanceId"`
	Timestamp    int64  `json:"timestamp"`
}

// RemoteHandler receives events that originated on other instances.
type RemoteHandler interface {
	HandleRemoteLogin(event Event)
	HandleRemoteLogout(event Event)
	HandleRemoteRoomJoin(event Event)
	HandleRemoteRoomLeave(event Event)
}

// Coordinator maintains the cross-instance registry of connected users and
// room assignments. All shared-store failures are logged and swallowed: the
// coordinator degrades to local-instance-only visibility rather than
// blocking connection setup.
type Coordinator struct {
	client     *redis.Client
	instanceID string
	handler    RemoteHandler
	log        *zap.Logger
	timeNow    func() time.Time

	cancel context.CancelFunc
}

// Option customises the Coordinator.
type Option func(*Coordinator)

// WithClock overrides the clock, primarily for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		if now != nil {
			c.timeNow = now
		}
	}
}

// NewCoordinator constructs a coordinator tagged with the supplied instance
// ID. A nil client is accepted and leaves the coordinator in local-only mode.
func NewCoordinator(client *redis.Client, instanceID string, opts ...Option) *Coordinator {
	instanceID = strings.TrimSpace(instanceID)
	if instanceID == "" {
		instanceID = "instance-" + uuid.NewString()[:8]
	}

	c := &Coordinator{
		client:     client,
		instanceID: instanceID,
		log:        logger.WithModule("cluster"),
		timeNow:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// InstanceID returns the tag used for loop prevention.
func (c *Coordinator) InstanceID() string {
	return c.instanceID
}

// SetHandler registers the consumer of remote events. Must be called before
// Start.
func (c *Coordinator) SetHandler(handler RemoteHandler) {
	c.handler = handler
}

// Start subscribes to the coordination channels and dispatches remote events
// until the context is cancelled. It is a no-op in local-only mode.
func (c *Coordinator) Start(ctx context.Context) {
	if c.client == nil {
		c.log.Warn("no shared store configured; duplicate sessions across instances may go undetected")
		return
	}

	ctx, c.cancel = context.WithCancel(ctx)
	sub := c.client.Subscribe(ctx, ChannelLogin, ChannelLogout, ChannelRoomJoin, ChannelRoomLeave)

	go func() {
		defer func() { _ = sub.Close() }()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				c.dispatch(msg.Channel, msg.Payload)
			}
		}
	}()

	c.log.Info("coordination subscriptions established", zap.String("instance", c.instanceID))
}

// Stop cancels the subscription loop.
func (c *Coordinator) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
}

// dispatch routes a raw pub/sub message, ignoring events published by this
// instance.
func (c *Coordinator) dispatch(channel, payload string) {
	var event Event
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		c.log.Error("undecodable coordination event", zap.String("channel", channel), zap.Error(err))
		return
	}
	if event.InstanceID == c.instanceID {
		return
	}
	if c.handler == nil {
		return
	}

	switch channel {
	case ChannelLogin:
		c.handler.HandleRemoteLogin(event)
	case ChannelLogout:
		c.handler.HandleRemoteLogout(event)
	case ChannelRoomJoin:
		c.handler.HandleRemoteRoomJoin(event)
	case ChannelRoomLeave:
		c.handler.HandleRemoteRoomLeave(event)
	}
}

// AnnounceLogin records the user's connection in the shared registry and
// notifies peers.
func (c *Coordinator) AnnounceLogin(ctx context.Context, userID, connectionID string) {
	if c.client == nil {
		return
	}

	ref := ConnectionRef{
		ConnectionID: connectionID,
		InstanceID:   c.instanceID,
		Timestamp:    c.timeNow().UnixMilli(),
	}
	encoded, err := json.Marshal(ref)
	if err != nil {
		c.log.Error("encode connection ref", zap.Error(err))
		return
	}

	if err := c.client.HSet(ctx, connectedUsersHash, userID, encoded).Err(); err != nil {
		c.log.Error("record login in shared registry", zap.String("user", userID), zap.Error(err))
		return
	}

	c.publish(ctx, ChannelLogin, Event{UserID: userID, ConnectionID: connectionID})
}

// AnnounceLogout clears the user's shared registry entry and notifies peers.
func (c *Coordinator) AnnounceLogout(ctx context.Context, userID string) {
	if c.client == nil {
		return
	}

	if err := c.client.HDel(ctx, connectedUsersHash, userID).Err(); err != nil {
		c.log.Error("clear login from shared registry", zap.String("user", userID), zap.Error(err))
		return
	}

	c.publish(ctx, ChannelLogout, Event{UserID: userID})
}

// AnnounceRoomJoin records the user's room assignment and notifies peers.
func (c *Coordinator) AnnounceRoomJoin(ctx context.Context, userID, roomID string) {
	if c.client == nil {
		return
	}

	if err := c.client.HSet(ctx, userRoomsHash, userID, roomID).Err(); err != nil {
		c.log.Error("record room join in shared registry", zap.String("user", userID), zap.Error(err))
		return
	}

	c.publish(ctx, ChannelRoomJoin, Event{UserID: userID, RoomID: roomID})
}

// AnnounceRoomLeave clears the user's room assignment and notifies peers.
func (c *Coordinator) AnnounceRoomLeave(ctx context.Context, userID, roomID string) {
	if c.client == nil {
		return
	}

	if err := c.client.HDel(ctx, userRoomsHash, userID).Err(); err != nil {
		c.log.Error("clear room join from shared registry", zap.String("user", userID), zap.Error(err))
		return
	}

	c.publish(ctx, ChannelRoomLeave, Event{UserID: userID, RoomID: roomID})
}

// GlobalConnection looks up the instance currently holding a live connection
// for the user. Lookup failures degrade to "not found" so connection setup is
// never blocked on the shared store.
func (c *Coordinator) GlobalConnection(ctx context.Context, userID string) (ConnectionRef, bool) {
	if c.client == nil {
		return ConnectionRef{}, false
	}

	raw, err := c.client.HGet(ctx, connectedUsersHash, userID).Result()
	if err != nil {
		if err != redis.Nil {
			c.log.Error("global connection lookup", zap.String("user", userID), zap.Error(err))
		}
		return ConnectionRef{}, false
	}

	var ref ConnectionRef
	if err := json.Unmarshal([]byte(raw), &ref); err != nil {
		c.log.Error("decode connection ref", zap.String("user", userID), zap.Error(err))
		return ConnectionRef{}, false
	}
	return ref, true
}

func (c *Coordinator) publish(ctx context.Context, channel string, event Event) {
	event.InstanceID = c.instanceID
	event.Timestamp = c.timeNow().UnixMilli()

	payload, err := json.Marshal(event)
	if err != nil {
		c.log.Error("encode coordination event", zap.String("channel", channel), zap.Error(err))
		return
	}

	if err := c.client.Publish(ctx, channel, payload).Err(); err != nil {
		c.log.Error("publish coordination event", zap.String("channel", channel), zap.Error(err))
	}
}
