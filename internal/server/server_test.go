package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/pondchat/internal/channel"
	"github.com/Tyrowin/pondchat/internal/lobby"
	"github.com/Tyrowin/pondchat/internal/metrics"
	"github.com/Tyrowin/pondchat/internal/presence"
)

const testOrigin = "http://localhost:8080"

func sequentialIDs() func() string {
	var n atomic.Int64
	return func() string {
		return fmt.Sprintf("client-%d", n.Add(1))
	}
}

func newTestServer(t *testing.T, opts ...Option) (*Server, *httptest.Server) {
	t.Helper()

	opts = append([]Option{WithIDGenerator(sequentialIDs())}, opts...)
	s := New(&Config{AllowedOrigins: []string{testOrigin}}, opts...)
	ts := httptest.NewServer(s.Routes())

	t.Cleanup(ts.Close)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	})
	return s, ts
}

func acceptAll(_ *ConnectionRequest, res *ConnectionResponse) {
	res.Accept(nil)
}

type wsClient struct {
	t       *testing.T
	conn    *websocket.Conn
	pending []channel.Event
}

func dial(t *testing.T, ts *httptest.Server, path string) (*wsClient, *http.Response, error) {
	t.Helper()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + path
	conn, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": {testOrigin}})
	if err != nil {
		return nil, resp, err
	}
	t.Cleanup(func() { _ = conn.Close() })
	return &wsClient{t: t, conn: conn}, resp, nil
}

func mustDial(t *testing.T, ts *httptest.Server, path string) *wsClient {
	t.Helper()
	c, _, err := dial(t, ts, path)
	require.NoError(t, err)
	return c
}

func (c *wsClient) sendRaw(raw string) {
	c.t.Helper()
	require.NoError(c.t, c.conn.WriteMessage(websocket.TextMessage, []byte(raw)))
}

func (c *wsClient) send(action, channelName, event string, payload channel.Payload) {
	c.t.Helper()
	data, err := json.Marshal(ClientMessage{Action: action, ChannelName: channelName, Event: event, Payload: payload})
	require.NoError(c.t, err)
	c.sendRaw(string(data))
}

// next returns the next event, splitting frames that carry several
// newline-separated events.
func (c *wsClient) next() channel.Event {
	c.t.Helper()

	if len(c.pending) == 0 {
		require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		_, data, err := c.conn.ReadMessage()
		require.NoError(c.t, err)

		for _, line := range bytes.Split(data, []byte{'\n'}) {
			var ev channel.Event
			require.NoError(c.t, json.Unmarshal(line, &ev))
			c.pending = append(c.pending, ev)
		}
	}

	ev := c.pending[0]
	c.pending = c.pending[1:]
	return ev
}

func (c *wsClient) expectNothing(wait time.Duration) {
	c.t.Helper()
	require.Empty(c.t, c.pending)
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(wait)))
	_, data, err := c.conn.ReadMessage()
	require.Error(c.t, err, "unexpected message %s", data)
}

func (c *wsClient) expectEndpointError(message string) {
	c.t.Helper()
	ev := c.next()
	assert.Equal(c.t, channel.Event{
		Event:       EventError,
		Payload:     channel.Payload{"message": message},
		ChannelName: EndpointChannel,
	}, ev)
}

func TestHTTPRoutes(t *testing.T) {
	_, ts := newTestServer(t, WithMetrics(metrics.New()))

	tests := []struct {
		path        string
		contentType string
		contains    string
	}{
		{"/", "text/plain", "PondChat server is running!"},
		{"/test", "text/html", "JOIN_CHANNEL"},
		{"/metrics", "text/plain", "pondchat_connections_active"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			resp, err := ts.Client().Get(ts.URL + tt.path)
			require.NoError(t, err)
			defer resp.Body.Close()

			body, err := io.ReadAll(resp.Body)
			require.NoError(t, err)
			assert.Equal(t, http.StatusOK, resp.StatusCode)
			assert.Contains(t, resp.Header.Get("Content-Type"), tt.contentType)
			assert.Contains(t, string(body), tt.contains)
		})
	}
}

func TestUpgradeWithoutEndpoint(t *testing.T) {
	s, ts := newTestServer(t)
	s.CreateEndpoint("/socket", acceptAll)

	_, resp, err := dial(t, ts, "/elsewhere")
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestUpgradeFromDisallowedOrigin(t *testing.T) {
	s, ts := newTestServer(t)
	s.CreateEndpoint("/socket", acceptAll)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/socket"
	_, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": {"http://evil.test"}})
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestConnectionRejectedWithoutHandler(t *testing.T) {
	s, ts := newTestServer(t)
	s.CreateEndpoint("/socket", func(*ConnectionRequest, *ConnectionResponse) {})

	_, resp, err := dial(t, ts, "/socket")
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "Unauthorized connection\n", string(body))
}

func TestConnectionRequestAndReject(t *testing.T) {
	s, ts := newTestServer(t)
	seen := make(chan *ConnectionRequest, 2)
	s.CreateEndpoint("/api/:room", func(req *ConnectionRequest, res *ConnectionResponse) {
		seen <- req
		if req.Query["token"] != "secret" {
			res.Reject("bad token", http.StatusUnauthorized)
			return
		}
		res.Accept(nil)
	})

	_, resp, err := dial(t, ts, "/api/lobby?token=wrong")
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req := <-seen
	assert.Equal(t, "client-1", req.ID)
	assert.Equal(t, map[string]string{"room": "lobby"}, req.Params)
	assert.Equal(t, map[string]string{"token": "wrong"}, req.Query)
	assert.Equal(t, testOrigin, req.Headers.Get("Origin"))
	assert.NotEmpty(t, req.Address)

	mustDial(t, ts, "/api/lobby?token=secret")
}

func TestConnectionSend(t *testing.T) {
	s, ts := newTestServer(t)
	s.CreateEndpoint("/socket", func(req *ConnectionRequest, res *ConnectionResponse) {
		res.Send("welcome", channel.Payload{"id": req.ID}, nil)
	})

	c := mustDial(t, ts, "/socket")
	assert.Equal(t, channel.Event{
		Event:       "welcome",
		Payload:     channel.Payload{"id": "client-1"},
		ChannelName: ServerChannel,
	}, c.next())
}

func TestProtocolValidation(t *testing.T) {
	s, ts := newTestServer(t)
	ep := s.CreateEndpoint("/socket", acceptAll)
	ep.UseChannel("/chat/:room", lobby.New())
	c := mustDial(t, ts, "/socket")

	c.sendRaw(`not json`)
	c.expectEndpointError("Invalid JSON")

	c.sendRaw(`{}`)
	c.expectEndpointError("No action provided")

	c.sendRaw(`{"action":"JOIN_CHANNEL"}`)
	c.expectEndpointError("No channel name provided")

	c.sendRaw(`{"action":"JOIN_CHANNEL","channelName":"/chat/1"}`)
	c.expectEndpointError("No payload provided")

	c.send("DANCE", "/chat/1", "", channel.Payload{})
	c.expectEndpointError("Unknown action DANCE")

	c.send(ActionJoinChannel, "/nowhere", "", channel.Payload{})
	c.expectEndpointError("Channel /nowhere does not exist")

	c.send(ActionBroadcast, "/chat/1", "message", channel.Payload{})
	c.expectEndpointError("Channel /chat/1 does not exist")

	c.send(ActionLeaveChannel, "/chat/1", "", channel.Payload{})
	c.expectEndpointError("Channel /chat/1 does not exist")
}

func TestJoinTrackPresence(t *testing.T) {
	s, ts := newTestServer(t)
	rooms := lobby.New()
	rooms.OnJoinRequest(func(req *lobby.JoinRequest, res *lobby.JoinResponse) {
		res.Accept(nil).TrackPresence(presence.Metadata{"status": "online"})
	})
	ep := s.CreateEndpoint("/socket", acceptAll)
	ep.UseChannel("/test/:room", rooms)

	c := mustDial(t, ts, "/socket")
	c.send(ActionJoinChannel, "/test/socket", "", channel.Payload{})

	assert.Equal(t, channel.Event{
		Event: channel.EventPresenceChange,
		Payload: channel.Payload{
			"type":     "join",
			"changed":  map[string]any{"status": "online"},
			"presence": []any{map[string]any{"status": "online"}},
		},
		ChannelName: "/test/socket",
	}, c.next())
	c.expectNothing(100 * time.Millisecond)
}

func TestJoinRejected(t *testing.T) {
	s, ts := newTestServer(t)
	rooms := lobby.New()
	rooms.OnJoinRequest(func(req *lobby.JoinRequest, res *lobby.JoinResponse) {
		res.Reject("", 0, nil)
	})
	ep := s.CreateEndpoint("/socket", acceptAll)
	ep.UseChannel("/test/:room", rooms)

	c := mustDial(t, ts, "/socket")
	c.send(ActionJoinChannel, "/test/socket", "", channel.Payload{})

	assert.Equal(t, channel.Event{
		Event: channel.EventErrorChannel,
		Payload: channel.Payload{
			"message": "Request to join channel /test/socket rejected: Unauthorized request",
			"code":    float64(403),
		},
		ChannelName: "/test/socket",
	}, c.next())
	assert.Empty(t, rooms.ListChannels())
}

// chatLobby accepts everyone, acknowledges joins and relays "message"
// events to the other members.
func chatLobby() *lobby.Lobby {
	rooms := lobby.New()
	rooms.OnJoinRequest(func(req *lobby.JoinRequest, res *lobby.JoinResponse) {
		res.Send("joined", channel.Payload{"room": req.Params()["room"]}, nil)
	})
	rooms.OnEvent("message", func(req *channel.Request, res *channel.Response) {
		res.BroadcastFromUser("message", req.Payload()).Accept(nil)
	})
	rooms.OnEvent("boom", func(*channel.Request, *channel.Response) {
		panic("handler exploded")
	})
	return rooms
}

func joinChat(t *testing.T, c *wsClient, name string) {
	t.Helper()
	c.send(ActionJoinChannel, name, "", channel.Payload{})
	ev := c.next()
	require.Equal(t, "joined", ev.Event)
	require.Equal(t, name, ev.ChannelName)
}

func TestChannelBroadcast(t *testing.T) {
	s, ts := newTestServer(t)
	ep := s.CreateEndpoint("/socket", acceptAll)
	ep.UseChannel("/chat/:room", chatLobby())

	alice := mustDial(t, ts, "/socket")
	bob := mustDial(t, ts, "/socket")
	joinChat(t, alice, "/chat/lobby")
	joinChat(t, bob, "/chat/lobby")

	alice.send(ActionBroadcast, "/chat/lobby", "message", channel.Payload{"text": "hello"})

	assert.Equal(t, channel.Event{
		Event:       "message",
		Payload:     channel.Payload{"text": "hello"},
		ChannelName: "/chat/lobby",
	}, bob.next())
	alice.expectNothing(100 * time.Millisecond)
}

func TestUnhandledEvent(t *testing.T) {
	s, ts := newTestServer(t)
	ep := s.CreateEndpoint("/socket", acceptAll)
	ep.UseChannel("/chat/:room", chatLobby())

	c := mustDial(t, ts, "/socket")
	joinChat(t, c, "/chat/lobby")

	c.send(ActionBroadcast, "/chat/lobby", "typing", channel.Payload{})
	assert.Equal(t, channel.Event{
		Event:       channel.EventNoHandler,
		Payload:     channel.Payload{"message": "A handler did not respond to the event", "code": float64(404)},
		ChannelName: "/chat/lobby",
	}, c.next())
}

func TestHandlerPanicIsReported(t *testing.T) {
	s, ts := newTestServer(t)
	ep := s.CreateEndpoint("/socket", acceptAll)
	ep.UseChannel("/chat/:room", chatLobby())

	c := mustDial(t, ts, "/socket")
	joinChat(t, c, "/chat/lobby")

	c.send(ActionBroadcast, "/chat/lobby", "boom", channel.Payload{})
	c.expectEndpointError("Internal server error")

	c.send(ActionBroadcast, "/chat/lobby", "typing", channel.Payload{})
	assert.Equal(t, channel.EventNoHandler, c.next().Event, "the connection survives the panic")
}

func TestLeaveChannel(t *testing.T) {
	s, ts := newTestServer(t)
	rooms := chatLobby()
	ep := s.CreateEndpoint("/socket", acceptAll)
	ep.UseChannel("/chat/:room", rooms)

	c := mustDial(t, ts, "/socket")
	joinChat(t, c, "/chat/lobby")
	assert.Equal(t, []string{"/chat/lobby"}, rooms.ListChannels())

	c.send(ActionLeaveChannel, "/chat/lobby", "", channel.Payload{})
	require.Eventually(t, func() bool { return len(rooms.ListChannels()) == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestDisconnectLeavesChannels(t *testing.T) {
	m := metrics.New()
	s, ts := newTestServer(t, WithMetrics(m))
	rooms := chatLobby()
	ep := s.CreateEndpoint("/socket", acceptAll)
	ep.UseChannel("/chat/:room", rooms)

	alice := mustDial(t, ts, "/socket")
	bob := mustDial(t, ts, "/socket")
	joinChat(t, alice, "/chat/a")
	joinChat(t, alice, "/chat/b")
	joinChat(t, bob, "/chat/b")

	require.NoError(t, alice.conn.Close())

	require.Eventually(t, func() bool {
		channels := rooms.ListChannels()
		return len(channels) == 1 && channels[0] == "/chat/b"
	}, 2*time.Second, 10*time.Millisecond)

	engine, ok := rooms.Channel("/chat/b")
	require.True(t, ok)
	assert.Equal(t, 1, engine.Len())
	assert.Eventually(t, func() bool {
		return len(ep.ListConnections()) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestEndpointOperations(t *testing.T) {
	s, ts := newTestServer(t)
	ep := s.CreateEndpoint("/socket", acceptAll)
	other := s.CreateEndpoint("/other", acceptAll)

	alice := mustDial(t, ts, "/socket")
	bob := mustDial(t, ts, "/socket")
	carol := mustDial(t, ts, "/other")

	require.Eventually(t, func() bool {
		return len(ep.ListConnections()) == 2 && len(other.ListConnections()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"client-1", "client-2"}, ep.ListConnections())

	require.NoError(t, ep.Broadcast("notice", channel.Payload{"text": "maintenance"}))
	for _, c := range []*wsClient{alice, bob} {
		assert.Equal(t, channel.Event{
			Event:       "notice",
			Payload:     channel.Payload{"text": "maintenance"},
			ChannelName: ServerChannel,
		}, c.next())
	}
	carol.expectNothing(100 * time.Millisecond)

	require.NoError(t, ep.Send("client-2", "direct", nil))
	assert.Equal(t, "direct", bob.next().Event)
	assert.ErrorIs(t, ep.Send("client-3", "direct", nil), ErrConnectionNotFound)

	ep.CloseConnection("client-1")
	require.Eventually(t, func() bool {
		ids := ep.ListConnections()
		return len(ids) == 1 && ids[0] == "client-2"
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, alice.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := alice.conn.ReadMessage()
	assert.Error(t, err)
}

func TestRateLimitDropsExcessMessages(t *testing.T) {
	s := New(&Config{
		AllowedOrigins: []string{testOrigin},
		RateLimit:      RateLimitConfig{Burst: 2, RefillInterval: time.Hour},
	})
	ts := httptest.NewServer(s.Routes())
	t.Cleanup(ts.Close)
	t.Cleanup(func() { _ = s.Shutdown(context.Background()) })
	s.CreateEndpoint("/socket", acceptAll)

	c := mustDial(t, ts, "/socket")
	for i := 0; i < 4; i++ {
		c.sendRaw(`{}`)
	}

	c.expectEndpointError("No action provided")
	c.expectEndpointError("No action provided")
	c.expectNothing(200 * time.Millisecond)
}

func TestShutdownClosesConnections(t *testing.T) {
	m := metrics.New()
	s := New(&Config{AllowedOrigins: []string{testOrigin}}, WithMetrics(m))
	ts := httptest.NewServer(s.Routes())
	t.Cleanup(ts.Close)
	ep := s.CreateEndpoint("/socket", acceptAll)

	c := mustDial(t, ts, "/socket")
	require.Eventually(t, func() bool { return len(ep.ListConnections()) == 1 }, 2*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))

	require.NoError(t, c.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := c.conn.ReadMessage()
	assert.Error(t, err)

	assert.ErrorIs(t, ep.Broadcast("late", nil), ErrServerClosed)
}

func TestSendToClientWithClosedQueue(t *testing.T) {
	s, _ := newTestServer(t)
	ep := s.CreateEndpoint("/socket", acceptAll)

	client := newClient(nil, s, ep, "closing", nil, "")
	s.hub.mutex.Lock()
	s.hub.clients[client] = struct{}{}
	s.hub.mutex.Unlock()
	t.Cleanup(func() {
		s.hub.mutex.Lock()
		delete(s.hub.clients, client)
		s.hub.mutex.Unlock()
	})

	require.NoError(t, ep.Send("closing", "before", nil))

	client.closeSend()
	assert.ErrorIs(t, ep.Send("closing", "after", nil), ErrConnectionNotFound)
}
