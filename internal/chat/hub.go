package chat

import (
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/wavechat/wavechat/internal/models"
	"github.com/wavechat/wavechat/pkg/logger"
	"github.com/wavechat/wavechat/pkg/metrics"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20 // 1 MiB

	defaultBufferSize = 64
)

// InboundHandler consumes decoded events from a connection. Events from a
// single connection are delivered sequentially in receipt order.
type InboundHandler interface {
	HandleEvent(conn *Conn, event InboundEvent)
	HandleConnect(conn *Conn)
	HandleDisconnect(conn *Conn, reason string)
}

// Hub owns every live websocket connection on this instance and fans
// outbound events out to rooms and users.
type Hub struct {
	mu    sync.RWMutex
	conns map[string]*Conn            // connection ID -> connection
	rooms map[string]map[*Conn]struct{} // room ID -> member connections

	handler  InboundHandler
	upgrader websocket.Upgrader
	log      *zap.Logger
}

// NewHub constructs a hub. The inbound handler must be attached with
// SetHandler before Serve is called.
func NewHub() *Hub {
	return &Hub{
		conns: make(map[string]*Conn),
		rooms: make(map[string]map[*Conn]struct{}),
		log:   logger.WithModule("chat"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Allow same-origin requests and explicit localhost development.
				origin := r.Header.Get("Origin")
				if origin == "" {
					return true
				}
				originHost := hostWithoutPort(origin)
				requestHost := hostWithoutPort(r.Host)
				return originHost == requestHost || isLoopback(originHost)
			},
		},
	}
}

// SetHandler attaches the inbound event consumer.
func (h *Hub) SetHandler(handler InboundHandler) {
	h.handler = handler
}

// Serve upgrades the HTTP connection and runs the connection's read loop
// until it closes. The user must already be authenticated.
func (h *Hub) Serve(user models.UserSummary, sessionID string, w http.ResponseWriter, r *http.Request) {
	socket, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Error("websocket upgrade failed", zap.Error(err))
		return
	}

	conn := &Conn{
		ID:        uuid.NewString(),
		User:      user,
		SessionID: sessionID,
		hub:       h,
		socket:    socket,
		send:      make(chan Event, defaultBufferSize),
	}

	h.mu.Lock()
	h.conns[conn.ID] = conn
	h.mu.Unlock()
	metrics.ConnectedUsers.Inc()

	if h.handler != nil {
		h.handler.HandleConnect(conn)
	}

	go conn.writeLoop()
	conn.readLoop()
}

// JoinRoom adds the connection to a room's fan-out set.
func (h *Hub) JoinRoom(conn *Conn, roomID string) {
	if conn == nil || roomID == "" {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.rooms[roomID] == nil {
		h.rooms[roomID] = make(map[*Conn]struct{})
	}
	h.rooms[roomID][conn] = struct{}{}
}

// LeaveRoom removes the connection from a room's fan-out set.
func (h *Hub) LeaveRoom(conn *Conn, roomID string) {
	if conn == nil || roomID == "" {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeFromRoomLocked(conn, roomID)
}

// BroadcastRoom delivers an event to every connection joined to the room.
func (h *Hub) BroadcastRoom(roomID string, event Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for conn := range h.rooms[roomID] {
		h.enqueue(conn, event)
	}
}

// BroadcastRoomExcept delivers an event to the room, skipping one connection.
func (h *Hub) BroadcastRoomExcept(roomID, exceptConnID string, event Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for conn := range h.rooms[roomID] {
		if conn.ID == exceptConnID {
			continue
		}
		h.enqueue(conn, event)
	}
}

// SendConn delivers an event to a single connection by ID.
func (h *Hub) SendConn(connID string, event Event) {
	h.mu.RLock()
	conn := h.conns[connID]
	h.mu.RUnlock()

	if conn != nil {
		h.enqueue(conn, event)
	}
}

// Connection returns the live connection with the supplied ID, if any.
func (h *Hub) Connection(connID string) (*Conn, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	conn, ok := h.conns[connID]
	return conn, ok
}

// ConnectionCount reports the number of live connections on this instance.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

func (h *Hub) unregister(conn *Conn) {
	h.mu.Lock()
	if _, ok := h.conns[conn.ID]; ok {
		delete(h.conns, conn.ID)
		metrics.ConnectedUsers.Dec()
	}
	for roomID := range h.rooms {
		h.removeFromRoomLocked(conn, roomID)
	}
	h.mu.Unlock()
}

func (h *Hub) removeFromRoomLocked(conn *Conn, roomID string) {
	members, ok := h.rooms[roomID]
	if !ok {
		return
	}
	delete(members, conn)
	if len(members) == 0 {
		delete(h.rooms, roomID)
	}
}

func (h *Hub) enqueue(conn *Conn, event Event) {
	conn.mu.Lock()
	if conn.closed {
		conn.mu.Unlock()
		return
	}

	select {
	case conn.send <- event:
		conn.mu.Unlock()
	default:
		conn.mu.Unlock()
		h.log.Warn("dropping backpressured connection",
			zap.String("user", conn.User.ID),
			zap.String("conn", conn.ID),
		)
		go conn.CloseWithReason(ReasonTransportClose)
	}
}

// Conn is a single authenticated websocket connection. It is owned
// exclusively by the instance that accepted it.
type Conn struct {
	ID        string
	User      models.UserSummary
	SessionID string

	hub    *Hub
	socket *websocket.Conn
	send   chan Event

	once   sync.Once
	mu     sync.Mutex
	closed bool
	reason string
}

// Send enqueues an outbound event without blocking the caller.
func (c *Conn) Send(event Event) {
	c.hub.enqueue(c, event)
}

// CloseWithReason terminates the connection, recording the reason handed to
// the disconnect handler.
func (c *Conn) CloseWithReason(reason string) {
	c.mu.Lock()
	if c.reason == "" {
		c.reason = reason
	}
	c.mu.Unlock()
	c.close()
}

func (c *Conn) closeReason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reason == "" {
		return ReasonTransportClose
	}
	return c.reason
}

func (c *Conn) readLoop() {
	defer c.close()

	c.socket.SetReadLimit(maxMessageSize)
	_ = c.socket.SetReadDeadline(time.Now().Add(pongWait))
	c.socket.SetPongHandler(func(string) error {
		_ = c.socket.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, payload, err := c.socket.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Debug("unexpected close",
					zap.String("user", c.User.ID),
					zap.Error(err),
				)
			}
			return
		}

		if len(payload) == 0 {
			continue
		}

		var event InboundEvent
		if err := json.Unmarshal(payload, &event); err != nil {
			c.Send(Event{Event: EventError, Data: ErrorPayload{
				Code:    "BAD_REQUEST",
				Message: "undecodable event payload",
			}})
			continue
		}

		if c.hub.handler != nil {
			c.hub.handler.HandleEvent(c, event)
		}
	}
}

// writeLoop owns all socket writes and the final socket close. Closing the
// socket only after the send channel drains lets queued events (notably the
// session_ended notice) flush before the connection drops.
func (c *Conn) writeLoop() {
	defer func() {
		c.close()
		_ = c.socket.Close()
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case event, ok := <-c.send:
			_ = c.socket.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.socket.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.socket.WriteJSON(event); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.socket.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.socket.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Conn) close() {
	c.once.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()

		c.hub.unregister(c)
		if c.hub.handler != nil {
			c.hub.handler.HandleDisconnect(c, c.closeReason())
		}
		close(c.send)
	})
}

func hostWithoutPort(host string) string {
	host = strings.TrimSpace(host)
	if host == "" {
		return ""
	}

	if strings.HasPrefix(host, "http://") || strings.HasPrefix(host, "https://") {
		parsed, err := http.NewRequest(http.MethodGet, host, nil)
		if err == nil {
			return hostWithoutPort(parsed.URL.Host)
		}
	}

	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return host
}

func isLoopback(host string) bool {
	ip := net.ParseIP(host)
	if ip != nil {
		return ip.IsLoopback()
	}
	return strings.EqualFold(host, "localhost")
}
