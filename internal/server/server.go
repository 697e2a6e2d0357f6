package server

import (
	"context"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Tyrowin/pondchat/internal/metrics"
	"github.com/Tyrowin/pondchat/internal/middleware"
	"github.com/Tyrowin/pondchat/internal/pattern"
)

// Server hosts WebSocket endpoints and the HTTP routes around them.
type Server struct {
	cfg      Config
	logger   *zap.Logger
	metrics  *metrics.Metrics
	newID    func() string
	origins  *originPolicy
	upgrader websocket.Upgrader
	hub      *Hub

	mu        sync.RWMutex
	endpoints []*Endpoint
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics sets the metrics the server records into and serves.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

// WithIDGenerator replaces the client id generator, uuid.NewString by default.
func WithIDGenerator(newID func() string) Option {
	return func(s *Server) {
		if newID != nil {
			s.newID = newID
		}
	}
}

// New creates a server from cfg, or from defaults when cfg is nil, and starts
// its hub.
func New(cfg *Config, opts ...Option) *Server {
	base := defaultConfig()
	if cfg != nil {
		base = *cfg
	}

	s := &Server{
		cfg:    sanitizeConfig(base),
		logger: zap.NewNop(),
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.origins = newOriginPolicy(s.cfg.AllowedOrigins, s.logger)
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.origins.check,
	}
	s.hub = newHub(s.logger, s.metrics)
	go s.hub.Run()

	return s
}

// Config returns the sanitized configuration in use.
func (s *Server) Config() Config {
	cfg := s.cfg
	cfg.AllowedOrigins = append([]string(nil), s.cfg.AllowedOrigins...)
	return cfg
}

// CreateEndpoint registers an endpoint for upgrade requests whose path matches
// path. Endpoints are tried in creation order.
func (s *Server) CreateEndpoint(path string, handler ConnectionHandler) *Endpoint {
	ep := &Endpoint{
		server:   s,
		pattern:  pattern.Compile(path),
		handlers: middleware.NewChain[*ConnectionRequest, *ConnectionResponse](),
		logger:   s.logger.With(zap.String("endpoint", path)),
	}
	if handler != nil {
		ep.Use(handler)
	}

	s.mu.Lock()
	s.endpoints = append(s.endpoints, ep)
	s.mu.Unlock()

	s.logger.Info("Endpoint created", zap.String("endpoint", path))
	return ep
}

func (s *Server) matchEndpoint(path string) (*Endpoint, pattern.Match, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, ep := range s.endpoints {
		if m, ok := ep.pattern.Match(path); ok {
			return ep, m, true
		}
	}
	return nil, pattern.Match{}, false
}

// handleUpgrade authorizes an upgrade request against the matching endpoint
// and, when accepted, registers the new client.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	ep, match, ok := s.matchEndpoint(r.URL.RequestURI())
	if !ok {
		http.Error(w, "No endpoint matches this path", http.StatusNotFound)
		return
	}

	if !s.origins.check(r) {
		http.Error(w, "Origin not allowed", http.StatusForbidden)
		return
	}

	req := &ConnectionRequest{
		ID:      s.newID(),
		Params:  match.Params,
		Query:   match.Query,
		Headers: r.Header.Clone(),
		Address: r.RemoteAddr,
	}
	res := &ConnectionResponse{}
	ep.handlers.Dispatch(req, res, func() {
		res.Reject("", 0)
	})

	if !res.accepted {
		ep.logger.Info("Connection rejected",
			zap.String("address", r.RemoteAddr),
			zap.Int("code", res.code),
			zap.String("reason", res.message))
		s.metrics.RecordError("connection_rejected")
		http.Error(w, res.message, res.code)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		ep.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}

	client := newClient(conn, s, ep, req.ID, res.assigns, r.RemoteAddr)
	if res.event != nil {
		client.deliver(*res.event)
	}

	if !s.hub.registerClient(client) {
		client.closeConnection()
	}
}

// Shutdown closes every connection and waits for the client pumps to stop.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.hub.Shutdown(ctx)
}
