package chat

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/wavechat/wavechat/internal/models"
)

type stubHandler struct {
	mu          sync.Mutex
	events      []InboundEvent
	connects    chan *Conn
	disconnects chan string
}

func newStubHandler() *stubHandler {
	return &stubHandler{
		connects:    make(chan *Conn, 8),
		disconnects: make(chan string, 8),
	}
}

func (h *stubHandler) HandleEvent(conn *Conn, event InboundEvent) {
	h.mu.Lock()
	h.events = append(h.events, event)
	h.mu.Unlock()
}

func (h *stubHandler) HandleConnect(conn *Conn)                   { h.connects <- conn }
func (h *stubHandler) HandleDisconnect(conn *Conn, reason string) { h.disconnects <- reason }

func (h *stubHandler) eventNames() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	names := make([]string, len(h.events))
	for i, ev := range h.events {
		names[i] = ev.Event
	}
	return names
}

func startHub(t *testing.T) (*Hub, *stubHandler, *httptest.Server) {
	t.Helper()

	hub := NewHub()
	handler := newStubHandler()
	hub.SetHandler(handler)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user := models.UserSummary{ID: r.URL.Query().Get("user"), Name: "Test"}
		hub.Serve(user, "sess", w, r)
	}))
	t.Cleanup(server.Close)
	return hub, handler, server
}

func connect(t *testing.T, server *httptest.Server, handler *stubHandler, userID string) (*websocket.Conn, *Conn) {
	t.Helper()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/?user=" + userID
	client, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	select {
	case conn := <-handler.connects:
		return client, conn
	case <-time.After(3 * time.Second):
		t.Fatal("connect timeout")
		return nil, nil
	}
}

func receive(t *testing.T, client *websocket.Conn) Event {
	t.Helper()

	require.NoError(t, client.SetReadDeadline(time.Now().Add(3*time.Second)))
	var event Event
	require.NoError(t, client.ReadJSON(&event))
	return event
}

func TestRoomFanout(t *testing.T) {
	hub, handler, server := startHub(t)

	clientA, connA := connect(t, server, handler, "a")
	clientB, connB := connect(t, server, handler, "b")
	clientC, _ := connect(t, server, handler, "c")

	hub.JoinRoom(connA, "room")
	hub.JoinRoom(connB, "room")

	hub.BroadcastRoom("room", Event{Event: "message", Data: "hi"})

	require.Equal(t, "message", receive(t, clientA).Event)
	require.Equal(t, "message", receive(t, clientB).Event)

	// Members only: the third connection never joined.
	require.NoError(t, clientC.SetReadDeadline(time.Now().Add(150*time.Millisecond)))
	var stray Event
	require.Error(t, clientC.ReadJSON(&stray))
}

func TestBroadcastRoomExceptSkipsSender(t *testing.T) {
	hub, handler, server := startHub(t)

	clientA, connA := connect(t, server, handler, "a")
	clientB, connB := connect(t, server, handler, "b")
	hub.JoinRoom(connA, "room")
	hub.JoinRoom(connB, "room")

	hub.BroadcastRoomExcept("room", connA.ID, Event{Event: "messagesRead"})
	require.Equal(t, "messagesRead", receive(t, clientB).Event)

	require.NoError(t, clientA.SetReadDeadline(time.Now().Add(150*time.Millisecond)))
	var stray Event
	require.Error(t, clientA.ReadJSON(&stray))
}

func TestLeaveRoomStopsDelivery(t *testing.T) {
	hub, handler, server := startHub(t)

	client, conn := connect(t, server, handler, "a")
	hub.JoinRoom(conn, "room")
	hub.LeaveRoom(conn, "room")

	hub.BroadcastRoom("room", Event{Event: "message"})

	require.NoError(t, client.SetReadDeadline(time.Now().Add(150*time.Millisecond)))
	var stray Event
	require.Error(t, client.ReadJSON(&stray))
}

func TestInboundEventsReachHandlerInOrder(t *testing.T) {
	_, handler, server := startHub(t)

	client, _ := connect(t, server, handler, "a")

	for _, name := range []string{"joinRoom", "chatMessage", "leaveRoom"} {
		require.NoError(t, client.WriteJSON(Event{Event: name, Data: map[string]string{"roomId": "r1"}}))
	}

	require.Eventually(t, func() bool {
		return len(handler.eventNames()) == 3
	}, 3*time.Second, 10*time.Millisecond)
	require.Equal(t, []string{"joinRoom", "chatMessage", "leaveRoom"}, handler.eventNames())
}

func TestUndecodablePayloadAnswersWithError(t *testing.T) {
	_, handler, server := startHub(t)

	client, _ := connect(t, server, handler, "a")
	require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte("{not json")))

	event := receive(t, client)
	require.Equal(t, EventError, event.Event)
	require.Empty(t, handler.eventNames())
}

func TestCloseWithReasonReportsReason(t *testing.T) {
	hub, handler, server := startHub(t)

	_, conn := connect(t, server, handler, "a")
	require.Equal(t, 1, hub.ConnectionCount())

	conn.CloseWithReason(ReasonForceLogout)

	select {
	case reason := <-handler.disconnects:
		require.Equal(t, ReasonForceLogout, reason)
	case <-time.After(3 * time.Second):
		t.Fatal("disconnect timeout")
	}
	require.Equal(t, 0, hub.ConnectionCount())

	// Closing again is idempotent.
	conn.CloseWithReason(ReasonTransportClose)
	require.Equal(t, 0, hub.ConnectionCount())
}

func TestClientDisconnectReportsTransportClose(t *testing.T) {
	_, handler, server := startHub(t)

	client, _ := connect(t, server, handler, "a")
	require.NoError(t, client.Close())

	select {
	case reason := <-handler.disconnects:
		require.Equal(t, ReasonTransportClose, reason)
	case <-time.After(3 * time.Second):
		t.Fatal("disconnect timeout")
	}
}

func TestSendAfterCloseIsDropped(t *testing.T) {
	hub, handler, server := startHub(t)

	_, conn := connect(t, server, handler, "a")
	conn.CloseWithReason(ReasonTransportClose)
	<-handler.disconnects

	// Must not panic on the closed channel.
	conn.Send(Event{Event: "message"})
	hub.SendConn(conn.ID, Event{Event: "message"})
}

func TestOriginCheck(t *testing.T) {
	cases := []struct {
		host string
		want string
	}{
		{host: "example.com:8080", want: "example.com"},
		{host: "example.com", want: "example.com"},
		{host: "http://example.com:3000", want: "example.com"},
		{host: "127.0.0.1:9000", want: "127.0.0.1"},
		{host: "", want: ""},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, hostWithoutPort(tc.host), "host %q", tc.host)
	}

	require.True(t, isLoopback("127.0.0.1"))
	require.True(t, isLoopback("::1"))
	require.True(t, isLoopback("localhost"))
	require.False(t, isLoopback("example.com"))
}

func TestEnvelopeRoundTrip(t *testing.T) {
	raw := []byte(`{"event":"joinRoom","data":{"roomId":"r1"}}`)

	var inbound InboundEvent
	require.NoError(t, json.Unmarshal(raw, &inbound))
	require.Equal(t, "joinRoom", inbound.Event)
	require.JSONEq(t, `{"roomId":"r1"}`, string(inbound.Data))
}
