package server

import (
	"encoding/json"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Tyrowin/pondchat/internal/channel"
	"github.com/Tyrowin/pondchat/internal/metrics"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

// Client is one accepted WebSocket connection on an endpoint.
type Client struct {
	id       string
	assigns  channel.Assigns
	conn     *websocket.Conn
	send     chan []byte
	hub      *Hub
	endpoint *Endpoint
	addr     string
	logger   *zap.Logger
	metrics  *metrics.Metrics

	mu     sync.Mutex
	closed bool

	maxMessageSize int64
	rateLimiter    *rateLimiter
	rateLimit      RateLimitConfig
}

func newClient(conn *websocket.Conn, s *Server, ep *Endpoint, id string, assigns channel.Assigns, addr string) *Client {
	if conn != nil {
		conn.SetReadLimit(s.cfg.MaxMessageSize)
	}

	return &Client{
		id:             id,
		assigns:        assigns,
		conn:           conn,
		send:           make(chan []byte, s.cfg.SendBufferSize),
		hub:            s.hub,
		endpoint:       ep,
		addr:           addr,
		logger:         s.logger.With(zap.String("client", id), zap.String("address", addr)),
		metrics:        s.metrics,
		maxMessageSize: s.cfg.MaxMessageSize,
		rateLimiter:    newRateLimiter(s.cfg.RateLimit.Burst, s.cfg.RateLimit.RefillInterval),
		rateLimit:      s.cfg.RateLimit,
	}
}

// ID returns the client id.
func (c *Client) ID() string {
	return c.id
}

// deliver queues ev for the write pump.
func (c *Client) deliver(ev channel.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		c.logger.Warn("Failed to encode event", zap.String("event", ev.Event), zap.Error(err))
		return
	}
	c.enqueue(data)
}

func (c *Client) sendError(message string) {
	c.deliver(channel.Event{
		Event:       EventError,
		Payload:     channel.Payload{"message": message},
		ChannelName: EndpointChannel,
	})
}

// enqueue hands message to the write pump. A full buffer closes the send
// queue, which makes the write pump close the connection.
func (c *Client) enqueue(message []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}

	select {
	case c.send <- message:
		c.metrics.RecordEventDelivered()
		return true
	default:
		c.logger.Warn("Send buffer full; dropping connection")
		c.metrics.RecordError("send_buffer_full")
		c.closed = true
		close(c.send)
		return false
	}
}

// closeSend closes the send queue once.
func (c *Client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *Client) setupReadConnection() {
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.logger.Warn("Error setting initial read deadline", zap.Error(err))
	}
	c.conn.SetPongHandler(func(string) error {
		if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			c.logger.Warn("Error setting read deadline in pong handler", zap.Error(err))
		}
		return nil
	})
}

func (c *Client) logReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		c.logger.Warn("Message exceeded maximum size", zap.Int64("max_bytes", c.maxMessageSize))
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure):
		c.logger.Info("Client disconnected", zap.Error(err))
	case errors.Is(err, io.EOF) || isExpectedCloseError(err):
		c.logger.Info("Client connection closed", zap.Error(err))
	case websocket.IsUnexpectedCloseError(err,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure,
		websocket.CloseMessageTooBig):
		c.logger.Warn("Unexpected WebSocket error", zap.Error(err))
	default:
		c.logger.Warn("WebSocket read error", zap.Error(err))
	}
}

// checkRateLimit reports whether the next message may be processed.
func (c *Client) checkRateLimit() bool {
	if c.rateLimiter != nil && !c.rateLimiter.allow() {
		c.logger.Warn("Rate limit exceeded; discarding message",
			zap.Int("burst", c.rateLimit.Burst),
			zap.Duration("refill_interval", c.rateLimit.RefillInterval))
		c.metrics.RecordError("rate_limited")
		return false
	}
	return true
}

func (c *Client) readPump() {
	defer func() {
		c.hub.unregisterClient(c)
		c.closeConnection()
	}()

	c.setupReadConnection()

	for {
		_, rawMessage, err := c.conn.ReadMessage()
		if err != nil {
			c.logReadError(err)
			return
		}

		if !c.checkRateLimit() {
			continue
		}

		c.endpoint.handleMessage(c, rawMessage)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.closeConnection()
	}()

	for {
		select {
		case message, ok := <-c.send:
			if !c.writeMessage(message, ok) {
				return
			}
		case <-ticker.C:
			if !c.writePing() {
				return
			}
		}
	}
}

func (c *Client) closeConnection() {
	if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
		c.logger.Warn("Error closing connection", zap.Error(err))
	}
}

// writeMessage writes message and anything already queued behind it as one
// text frame separated by newlines. It returns false when the pump should stop.
func (c *Client) writeMessage(message []byte, ok bool) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.logger.Warn("Error setting write deadline", zap.Error(err))
		return false
	}

	if !ok {
		if err := c.conn.WriteMessage(websocket.CloseMessage, []byte{}); err != nil && !isExpectedCloseError(err) {
			c.logger.Warn("Error writing close message", zap.Error(err))
		}
		return false
	}

	w, err := c.conn.NextWriter(websocket.TextMessage)
	if err != nil {
		c.logger.Warn("Error creating writer", zap.Error(err))
		return false
	}

	if _, err := w.Write(message); err != nil {
		c.logger.Warn("Error writing message", zap.Error(err))
		return false
	}

	n := len(c.send)
	for i := 0; i < n; i++ {
		queued, ok := <-c.send
		if !ok {
			break
		}
		if _, err := w.Write([]byte{'\n'}); err != nil {
			c.logger.Warn("Error writing separator", zap.Error(err))
			return false
		}
		if _, err := w.Write(queued); err != nil {
			c.logger.Warn("Error writing queued message", zap.Error(err))
			return false
		}
	}

	if err := w.Close(); err != nil {
		c.logger.Warn("Error closing writer", zap.Error(err))
		return false
	}
	return true
}

func (c *Client) writePing() bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.logger.Warn("Error setting write deadline for ping", zap.Error(err))
		return false
	}
	if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		c.logger.Warn("Error writing ping message", zap.Error(err))
		return false
	}
	return true
}
