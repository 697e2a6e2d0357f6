package server

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/Tyrowin/pondchat/internal/metrics"
)

// BroadcastMessage is an encoded event for every client of one endpoint.
type BroadcastMessage struct {
	Endpoint *Endpoint
	Payload  []byte
}

// Hub tracks every accepted client, runs its pumps and tears it down when it
// disconnects. Registration, unregistration and broadcasts are serialized by
// the Run loop.
type Hub struct {
	clients    map[*Client]struct{}
	broadcast  chan BroadcastMessage
	register   chan *Client
	unregister chan *Client
	mutex      sync.RWMutex
	wg         sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}
	logger     *zap.Logger
	metrics    *metrics.Metrics
}

func newHub(logger *zap.Logger, m *metrics.Metrics) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		clients:    make(map[*Client]struct{}),
		broadcast:  make(chan BroadcastMessage),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
		logger:     logger,
		metrics:    m,
	}
}

// Run is the hub event loop. It returns once Shutdown is called.
func (h *Hub) Run() {
	defer close(h.done)

	for {
		select {
		case <-h.ctx.Done():
			h.shutdownClients()
			return

		case client := <-h.register:
			h.mutex.Lock()
			h.clients[client] = struct{}{}
			clientCount := len(h.clients)
			h.mutex.Unlock()

			h.metrics.RecordConnectionOpened()
			client.logger.Info("Client registered", zap.Int("clients", clientCount))

			h.wg.Add(2)
			go func() {
				defer h.wg.Done()
				client.writePump()
			}()
			go func() {
				defer h.wg.Done()
				client.readPump()
			}()

		case client := <-h.unregister:
			h.remove(client)

		case msg := <-h.broadcast:
			h.handleBroadcast(msg)
		}
	}
}

// registerClient hands client to the Run loop. It fails once the hub is shut
// down.
func (h *Hub) registerClient(client *Client) bool {
	select {
	case h.register <- client:
		return true
	case <-h.ctx.Done():
		return false
	}
}

// unregisterClient removes client through the Run loop, or directly when the
// loop has stopped.
func (h *Hub) unregisterClient(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.ctx.Done():
		h.remove(client)
	}
}

func (h *Hub) remove(client *Client) {
	h.mutex.Lock()
	_, ok := h.clients[client]
	delete(h.clients, client)
	clientCount := len(h.clients)
	h.mutex.Unlock()

	if !ok {
		return
	}

	client.closeSend()
	h.metrics.RecordConnectionClosed()
	client.endpoint.disconnect(client)
	client.logger.Info("Client unregistered", zap.Int("clients", clientCount))
}

func (h *Hub) broadcastTo(ep *Endpoint, payload []byte) bool {
	select {
	case h.broadcast <- BroadcastMessage{Endpoint: ep, Payload: payload}:
		return true
	case <-h.ctx.Done():
		return false
	}
}

func (h *Hub) handleBroadcast(msg BroadcastMessage) {
	clients := h.clientsFor(msg.Endpoint)
	h.logger.Debug("Broadcasting server event", zap.Int("clients", len(clients)))

	for _, client := range clients {
		client.enqueue(msg.Payload)
	}
}

// clientsFor returns a snapshot of the clients of ep.
func (h *Hub) clientsFor(ep *Endpoint) []*Client {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		if client.endpoint == ep {
			clients = append(clients, client)
		}
	}
	return clients
}

func (h *Hub) shutdownClients() {
	h.mutex.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.mutex.RUnlock()

	for _, client := range clients {
		client.closeConnection()
	}

	h.logger.Info("Closed client connections", zap.Int("clients", len(clients)))
}

// Shutdown closes every connection and waits for the client pumps to finish
// or for ctx to expire.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.logger.Info("Initiating hub shutdown")

	h.cancel()
	<-h.done

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.logger.Info("Hub shutdown completed")
		return nil
	case <-ctx.Done():
		h.logger.Warn("Hub shutdown deadline reached, some goroutines may still be running")
		return ctx.Err()
	}
}
