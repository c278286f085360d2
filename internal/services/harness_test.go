package services

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/wavechat/wavechat/internal/chat"
	"github.com/wavechat/wavechat/internal/models"
)

const eventWait = 3 * time.Second

// recordingHandler satisfies chat.InboundHandler and surfaces connection
// lifecycle transitions to tests through channels.
type recordingHandler struct {
	connects    chan *chat.Conn
	disconnects chan disconnectRecord
}

type disconnectRecord struct {
	conn   *chat.Conn
	reason string
}

func (h *recordingHandler) HandleEvent(conn *chat.Conn, event chat.InboundEvent) {}

func (h *recordingHandler) HandleConnect(conn *chat.Conn) {
	h.connects <- conn
}

func (h *recordingHandler) HandleDisconnect(conn *chat.Conn, reason string) {
	h.disconnects <- disconnectRecord{conn: conn, reason: reason}
}

// testHub spins up a hub behind an httptest server. Identity rides in query
// parameters since these tests bypass the HTTP authentication boundary.
func testHub(t *testing.T) (*chat.Hub, *recordingHandler, *httptest.Server) {
	t.Helper()

	hub := chat.NewHub()
	handler := &recordingHandler{
		connects:    make(chan *chat.Conn, 16),
		disconnects: make(chan disconnectRecord, 16),
	}
	hub.SetHandler(handler)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		user := models.UserSummary{
			ID:    q.Get("user"),
			Name:  q.Get("name"),
			Email: q.Get("user") + "@example.com",
		}
		hub.Serve(user, q.Get("session"), w, r)
	}))
	t.Cleanup(server.Close)

	return hub, handler, server
}

// dial connects a websocket client and returns both sides of the connection.
func dial(t *testing.T, server *httptest.Server, handler *recordingHandler, userID, name string) (*websocket.Conn, *chat.Conn) {
	t.Helper()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") +
		"/?user=" + url.QueryEscape(userID) +
		"&name=" + url.QueryEscape(name) +
		"&session=sess-" + url.QueryEscape(userID)

	client, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	select {
	case conn := <-handler.connects:
		return client, conn
	case <-time.After(eventWait):
		t.Fatal("timed out waiting for connection registration")
		return nil, nil
	}
}

// readEvent blocks until the client receives one event envelope.
func readEvent(t *testing.T, client *websocket.Conn) (string, json.RawMessage) {
	t.Helper()

	require.NoError(t, client.SetReadDeadline(time.Now().Add(eventWait)))
	var envelope struct {
		Event string          `json:"event"`
		Data  json.RawMessage `json:"data"`
	}
	require.NoError(t, client.ReadJSON(&envelope))
	return envelope.Event, envelope.Data
}

// readUntil drains events until the named one arrives, returning its payload.
// Other events received along the way are discarded.
func readUntil(t *testing.T, client *websocket.Conn, event string) json.RawMessage {
	t.Helper()

	deadline := time.Now().Add(eventWait)
	for time.Now().Before(deadline) {
		name, data := readEvent(t, client)
		if name == event {
			return data
		}
	}
	t.Fatalf("event %q never arrived", event)
	return nil
}

// expectSilence asserts no event arrives within the window.
func expectSilence(t *testing.T, client *websocket.Conn, window time.Duration) {
	t.Helper()

	require.NoError(t, client.SetReadDeadline(time.Now().Add(window)))
	var envelope json.RawMessage
	err := client.ReadJSON(&envelope)
	require.Error(t, err, "expected no event, got %s", envelope)
}

// awaitDisconnect waits for the hub to report a disconnect and returns its
// reason.
func awaitDisconnect(t *testing.T, handler *recordingHandler) (string, string) {
	t.Helper()

	select {
	case rec := <-handler.disconnects:
		return rec.conn.User.ID, rec.reason
	case <-time.After(eventWait):
		t.Fatal("timed out waiting for disconnect")
		return "", ""
	}
}

// immediateAfterFunc runs scheduled callbacks synchronously, collapsing grace
// periods and batch windows for tests.
func immediateAfterFunc(d time.Duration, f func()) *time.Timer {
	f()
	return time.NewTimer(0)
}

