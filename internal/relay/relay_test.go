package relay_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ageniuscoder/corelink/internal/auth"
	"github.com/ageniuscoder/corelink/internal/logger"
	"github.com/ageniuscoder/corelink/internal/presence"
	"github.com/ageniuscoder/corelink/internal/relay"
	"github.com/ageniuscoder/corelink/internal/rpc"
	"github.com/ageniuscoder/corelink/internal/wire"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const secret = "relay-test-secret"

type env struct {
	hub *relay.Hub
	srv *httptest.Server
}

func setup(t *testing.T, opts relay.Options) *env {
	t.Helper()
	gin.SetMode(gin.TestMode)
	opts.Log = logger.Discard()
	hub := relay.NewHub(opts)
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	srv := httptest.NewServer(relay.NewRouter(hub, secret))
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return &env{hub: hub, srv: srv}
}

func (e *env) wsURL() string {
	return "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/ws"
}

func (e *env) dialRaw(t *testing.T, a wire.Auth) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(e.wsURL(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	b, err := wire.Encode(wire.AuthFrame(a))
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, b))
	return conn
}

func (e *env) dial(t *testing.T, userID string, serves ...string) *websocket.Conn {
	t.Helper()
	tok, err := auth.NewToken(secret, userID, time.Hour)
	require.NoError(t, err)
	conn := e.dialRaw(t, wire.Auth{Token: tok, UserID: userID, Device: userID + "-laptop", Serves: serves})
	require.Eventually(t, func() bool {
		_, ok := e.hub.Peer(userID)
		return ok
	}, 2*time.Second, 5*time.Millisecond)
	return conn
}

func send(t *testing.T, conn *websocket.Conn, f wire.Frame) {
	t.Helper()
	b, err := wire.Encode(f)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, b))
}

func read(t *testing.T, conn *websocket.Conn) wire.Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, b, err := conn.ReadMessage()
	require.NoError(t, err)
	f, err := wire.Decode(b)
	require.NoError(t, err)
	return f
}

func expectSilence(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(150*time.Millisecond)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
}

func message(to string) wire.Message {
	return wire.Message{
		ID:        "m-1",
		Type:      wire.TypeMemoryUpdate,
		From:      "spoofed",
		To:        to,
		Data:      json.RawMessage(`{"memory":"roadmap"}`),
		Timestamp: time.Now().UTC(),
		Priority:  wire.PriorityHigh,
	}
}

func TestDirectMessageStampsSender(t *testing.T) {
	t.Parallel()
	e := setup(t, relay.Options{})
	alice := e.dial(t, "alice")
	bob := e.dial(t, "bob")

	send(t, alice, wire.MessageFrame(message("bob")))
	f := read(t, bob)
	require.Equal(t, wire.FrameMessage, f.Kind)
	assert.Equal(t, "alice", f.Message.From)
	assert.Equal(t, "m-1", f.Message.ID)

	send(t, bob, wire.AckFrame(wire.Ack{ID: "m-1", To: "alice", At: time.Now()}))
	f = read(t, alice)
	require.Equal(t, wire.FrameAck, f.Kind)
	assert.Equal(t, "bob", f.Ack.From)
}

func TestBroadcastSkipsSender(t *testing.T) {
	t.Parallel()
	e := setup(t, relay.Options{})
	alice := e.dial(t, "alice")
	bob := e.dial(t, "bob")
	carol := e.dial(t, "carol")

	send(t, alice, wire.MessageFrame(message(wire.Broadcast)))
	assert.Equal(t, "alice", read(t, bob).Message.From)
	assert.Equal(t, "alice", read(t, carol).Message.From)
	expectSilence(t, alice)
}

func TestRejectsBadAuth(t *testing.T) {
	t.Parallel()
	e := setup(t, relay.Options{})
	bobToken, err := auth.NewToken(secret, "bob", time.Hour)
	require.NoError(t, err)

	cases := []struct {
		name string
		auth wire.Auth
	}{
		{"garbage token", wire.Auth{Token: "nope", UserID: "alice"}},
		{"token for someone else", wire.Auth{Token: bobToken, UserID: "alice"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			conn := e.dialRaw(t, tc.auth)
			require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
			_, _, err := conn.ReadMessage()
			assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation), "got %v", err)
		})
	}
	assert.Empty(t, e.hub.Peers())
}

func TestRPCRoutedToServingPeer(t *testing.T) {
	t.Parallel()
	e := setup(t, relay.Options{})
	host := e.dial(t, "host", "notes")
	caller := e.dial(t, "caller")

	send(t, caller, wire.RequestFrame(wire.Request{ID: "r-1", Server: "notes", Method: rpc.MethodPing}))
	f := read(t, host)
	require.Equal(t, wire.FrameRPCRequest, f.Kind)
	assert.Equal(t, "caller", f.Request.From)

	send(t, host, wire.ResponseFrame(wire.Response{ID: "r-1", Server: "notes", Result: json.RawMessage(`{}`)}))
	f = read(t, caller)
	require.Equal(t, wire.FrameRPCResponse, f.Kind)
	assert.Equal(t, "caller", f.Response.To)
	assert.Nil(t, f.Response.Error)

	// a second response for the same id has nowhere to go
	send(t, host, wire.ResponseFrame(wire.Response{ID: "r-1", Server: "notes"}))
	expectSilence(t, caller)
}

func TestServerIDStaysWithItsHolder(t *testing.T) {
	t.Parallel()
	e := setup(t, relay.Options{})
	alice := e.dial(t, "alice", "alice-tools")
	mallory := e.dial(t, "mallory", "alice-tools", "mallory-tools")
	carol := e.dial(t, "carol")

	p, ok := e.hub.Peer("mallory")
	require.True(t, ok)
	assert.Equal(t, []string{"mallory-tools"}, p.Serves)

	send(t, carol, wire.RequestFrame(wire.Request{ID: "r-1", Server: "alice-tools", Method: rpc.MethodPing}))
	f := read(t, alice)
	require.Equal(t, wire.FrameRPCRequest, f.Kind)
	assert.Equal(t, "carol", f.Request.From)
	expectSilence(t, mallory)
}

func TestRPCWithoutServerIsUnavailable(t *testing.T) {
	t.Parallel()
	e := setup(t, relay.Options{})
	caller := e.dial(t, "caller")

	send(t, caller, wire.RequestFrame(wire.Request{ID: "r-2", Server: "missing", Method: rpc.MethodPing}))
	f := read(t, caller)
	require.Equal(t, wire.FrameRPCResponse, f.Kind)
	require.NotNil(t, f.Response.Error)
	assert.Equal(t, rpc.CodeUnavailable, f.Response.Error.Code)
}

func TestLastSocketBroadcastsOffline(t *testing.T) {
	t.Parallel()
	e := setup(t, relay.Options{})
	alice := e.dial(t, "alice")
	bob := e.dial(t, "bob")

	require.NoError(t, alice.Close())
	f := read(t, bob)
	require.Equal(t, wire.FrameMessage, f.Kind)
	assert.Equal(t, wire.TypeUserStatus, f.Message.Type)

	var rec presence.Record
	require.NoError(t, f.Message.DecodeData(&rec))
	assert.Equal(t, presence.StatusOffline, rec.Status)
	assert.Equal(t, "alice", rec.UserID)

	require.Eventually(t, func() bool {
		_, ok := e.hub.Peer("alice")
		return !ok
	}, 2*time.Second, 5*time.Millisecond)
}

func TestRateLimitDropsExcessFrames(t *testing.T) {
	t.Parallel()
	e := setup(t, relay.Options{RPS: 0.001, Burst: 2})
	alice := e.dial(t, "alice")
	bob := e.dial(t, "bob")

	for i := 0; i < 4; i++ {
		send(t, alice, wire.MessageFrame(message("bob")))
	}
	read(t, bob)
	read(t, bob)
	expectSilence(t, bob)
}

func TestPresenceEndpoint(t *testing.T) {
	t.Parallel()
	e := setup(t, relay.Options{})
	e.dial(t, "alice", "notes")

	resp, err := http.Get(e.srv.URL + "/api/presence")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	tok, err := auth.NewToken(secret, "bob", time.Hour)
	require.NoError(t, err)
	get := func(path string) (*http.Response, []byte) {
		req, _ := http.NewRequest(http.MethodGet, e.srv.URL+path, nil)
		req.Header.Set("Authorization", "Bearer "+tok)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		var raw json.RawMessage
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&raw))
		return resp, raw
	}

	resp, body := get("/api/presence")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list struct {
		Peers  []relay.Peer `json:"peers"`
		Viewer string       `json:"viewer"`
	}
	require.NoError(t, json.Unmarshal(body, &list))
	require.Len(t, list.Peers, 1)
	assert.Equal(t, "alice", list.Peers[0].UserID)
	assert.Equal(t, []string{"notes"}, list.Peers[0].Serves)
	assert.Equal(t, "bob", list.Viewer)

	resp, _ = get("/api/presence?user=zed")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHealthz(t *testing.T) {
	t.Parallel()
	e := setup(t, relay.Options{})
	resp, err := http.Get(e.srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
