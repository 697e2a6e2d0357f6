package server

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/Tyrowin/pondchat/internal/channel"
	"github.com/Tyrowin/pondchat/internal/lobby"
	"github.com/Tyrowin/pondchat/internal/middleware"
	"github.com/Tyrowin/pondchat/internal/pattern"
)

type channelRoute struct {
	pattern *pattern.Pattern
	lobby   *lobby.Lobby
}

// Endpoint is a WebSocket path clients connect to. It authorizes connections
// and routes their messages to the channels registered on it.
type Endpoint struct {
	server   *Server
	pattern  *pattern.Pattern
	handlers *middleware.Chain[*ConnectionRequest, *ConnectionResponse]
	logger   *zap.Logger

	mu       sync.RWMutex
	channels []channelRoute
}

// Use appends connection handlers. Connections no handler accepts are
// rejected.
func (e *Endpoint) Use(handlers ...ConnectionHandler) {
	for _, h := range handlers {
		e.handlers.Use(middleware.Handler[*ConnectionRequest, *ConnectionResponse](h))
	}
}

// UseChannel serves channels whose names match path from l. Patterns are
// tried in registration order.
func (e *Endpoint) UseChannel(path string, l *lobby.Lobby) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.channels = append(e.channels, channelRoute{pattern: pattern.Compile(path), lobby: l})
}

// ListConnections returns the ids of the connected clients in lexical order.
func (e *Endpoint) ListConnections() []string {
	clients := e.server.hub.clientsFor(e)
	ids := make([]string, 0, len(clients))
	for _, c := range clients {
		ids = append(ids, c.id)
	}
	sort.Strings(ids)
	return ids
}

// Broadcast sends event to every client of the endpoint on the SERVER
// channel.
func (e *Endpoint) Broadcast(event string, payload channel.Payload) error {
	data, err := encodeServerEvent(event, payload)
	if err != nil {
		return err
	}
	if !e.server.hub.broadcastTo(e, data) {
		return ErrServerClosed
	}
	return nil
}

// Send sends event to one client on the SERVER channel. A client whose send
// queue is already closed counts as not connected.
func (e *Endpoint) Send(clientID, event string, payload channel.Payload) error {
	client, ok := e.client(clientID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrConnectionNotFound, clientID)
	}
	data, err := encodeServerEvent(event, payload)
	if err != nil {
		return err
	}
	if !client.enqueue(data) {
		return fmt.Errorf("%w: %s", ErrConnectionNotFound, clientID)
	}
	return nil
}

// CloseConnection closes the connections of the given clients. Their
// channel memberships are cleaned up as they disconnect.
func (e *Endpoint) CloseConnection(clientIDs ...string) {
	wanted := make(map[string]struct{}, len(clientIDs))
	for _, id := range clientIDs {
		wanted[id] = struct{}{}
	}
	for _, c := range e.server.hub.clientsFor(e) {
		if _, ok := wanted[c.id]; ok {
			c.closeConnection()
		}
	}
}

func (e *Endpoint) client(id string) (*Client, bool) {
	for _, c := range e.server.hub.clientsFor(e) {
		if c.id == id {
			return c, true
		}
	}
	return nil, false
}

func (e *Endpoint) routes() []channelRoute {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]channelRoute(nil), e.channels...)
}

// handleMessage decodes one inbound message and acts on it. Every failure is
// reported to the client as an ENDPOINT error.
func (e *Endpoint) handleMessage(c *Client, raw []byte) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Recovered from panic while handling message", zap.Any("panic", r))
			e.server.metrics.RecordError("panic")
			c.sendError("Internal server error")
		}
	}()

	msg, err := parseClientMessage(raw)
	if err != nil {
		c.logger.Debug("Rejected client message", zap.Error(err))
		e.server.metrics.RecordError("protocol")
		c.sendError(err.Error())
		return
	}

	e.server.metrics.RecordMessageReceived(msg.Action)
	c.logger.Debug("Received client message",
		zap.String("action", msg.Action),
		zap.String("channel", msg.ChannelName),
		zap.String("event", msg.Event))

	if err := e.dispatch(c, msg); err != nil {
		c.logger.Debug("Client message failed",
			zap.String("action", msg.Action),
			zap.String("channel", msg.ChannelName),
			zap.Error(err))
		e.server.metrics.RecordError("action")
		c.sendError(err.Error())
	}
}

func (e *Endpoint) dispatch(c *Client, msg ClientMessage) error {
	switch msg.Action {
	case ActionJoinChannel:
		return e.joinChannel(c, msg)

	case ActionLeaveChannel:
		return e.execute(msg.ChannelName, func(engine *channel.Engine) error {
			return engine.RemoveUser(c.id, false)
		})

	case ActionBroadcast:
		return e.execute(msg.ChannelName, func(engine *channel.Engine) error {
			return engine.OnMessage(c.id, channel.Message{
				Event:     msg.Event,
				Payload:   msg.Payload,
				Addresses: msg.Addresses,
			})
		})

	default:
		return &unknownActionError{action: msg.Action}
	}
}

func (e *Endpoint) joinChannel(c *Client, msg ClientMessage) error {
	for _, route := range e.routes() {
		m, ok := route.pattern.Match(msg.ChannelName)
		if !ok {
			continue
		}
		return route.lobby.AddUser(lobby.Candidate{
			ClientID:    c.id,
			Assigns:     c.assigns,
			ChannelName: msg.ChannelName,
			Params:      m.Params,
			Query:       m.Query,
			JoinParams:  msg.Payload,
			OnEvent:     c.deliver,
		})
	}
	return &routeError{channel: msg.ChannelName}
}

// execute runs fn against the live channel called name.
func (e *Endpoint) execute(name string, fn func(*channel.Engine) error) error {
	for _, route := range e.routes() {
		if engine, ok := route.lobby.Channel(name); ok {
			return fn(engine)
		}
	}
	return &routeError{channel: name}
}

// disconnect removes c from every channel of the endpoint.
func (e *Endpoint) disconnect(c *Client) {
	for _, route := range e.routes() {
		route.lobby.RemoveUser(c.id)
	}
}

func encodeServerEvent(event string, payload channel.Payload) ([]byte, error) {
	if payload == nil {
		payload = channel.Payload{}
	}
	return json.Marshal(channel.Event{Event: event, Payload: payload, ChannelName: ServerChannel})
}
