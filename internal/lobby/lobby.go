// Package lobby manages the channels registered under one channel pattern. It
// owns the channel engines, runs the join handlers that admit members, and
// runs the event handlers for every channel it owns.
package lobby

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/Tyrowin/pondchat/internal/channel"
	"github.com/Tyrowin/pondchat/internal/metrics"
	"github.com/Tyrowin/pondchat/internal/middleware"
	"github.com/Tyrowin/pondchat/internal/pattern"
)

var (
	// ErrChannelNotFound is returned when no live channel has the given name.
	ErrChannelNotFound = errors.New("lobby: channel does not exist")
	// ErrInvalidCandidate is returned when a join candidate has no id or no
	// event callback.
	ErrInvalidCandidate = errors.New("lobby: invalid join candidate")
)

// JoinHandler decides whether a candidate may join a channel.
type JoinHandler = middleware.Handler[*JoinRequest, *JoinResponse]

// EventHandler handles an inbound channel event.
type EventHandler = middleware.Handler[*channel.Request, *channel.Response]

// Candidate describes a connection asking to join a channel.
type Candidate struct {
	ClientID    string
	Assigns     channel.Assigns
	ChannelName string
	// Params and Query come from matching ChannelName against the lobby's
	// channel pattern.
	Params     map[string]string
	Query      map[string]string
	JoinParams channel.Payload
	OnEvent    func(channel.Event)
}

type entry struct {
	engine  *channel.Engine
	pending int
}

// Lobby is the registry of live channels for one channel pattern.
type Lobby struct {
	logger  *zap.Logger
	metrics *metrics.Metrics

	joins  *middleware.Chain[*JoinRequest, *JoinResponse]
	events *middleware.Chain[*channel.Request, *channel.Response]

	mu       sync.Mutex
	channels map[string]*entry
}

// Option configures a Lobby.
type Option func(*Lobby)

// WithLogger sets the logger passed to the lobby and its channels.
func WithLogger(logger *zap.Logger) Option {
	return func(l *Lobby) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithMetrics sets the metrics the lobby records channel and join counts in.
func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Lobby) {
		l.metrics = m
	}
}

// New creates a lobby with no handlers and no channels.
func New(opts ...Option) *Lobby {
	l := &Lobby{
		logger:   zap.NewNop(),
		joins:    middleware.NewChain[*JoinRequest, *JoinResponse](),
		events:   middleware.NewChain[*channel.Request, *channel.Response](),
		channels: make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// OnJoinRequest appends a join handler. Candidates nobody accepts are
// rejected.
func (l *Lobby) OnJoinRequest(handler JoinHandler) {
	l.joins.Use(handler)
}

// OnEvent appends a handler for events whose name matches eventPattern. The
// request params and query are bound before handler runs.
func (l *Lobby) OnEvent(eventPattern string, handler EventHandler) {
	p := pattern.Compile(eventPattern)
	l.events.Use(func(req *channel.Request, res *channel.Response) {
		if req.ParseEvent(p) {
			handler(req, res)
		}
	})
}

// AddUser runs the join handlers for c against the channel it names, creating
// the channel if needed. Rejections and handler errors are delivered to
// c.OnEvent. A channel created for a join that ends without members is
// discarded.
func (l *Lobby) AddUser(c Candidate) error {
	if c.ClientID == "" || c.OnEvent == nil {
		return ErrInvalidCandidate
	}

	ent := l.acquire(c.ChannelName)
	req := newJoinRequest(ent.engine, c)
	res := newJoinResponse(l, ent, c)
	// Accept may move res.entry to a fresh channel, so it is read at release time.
	defer func() { l.release(res.entry) }()

	l.joins.Dispatch(req, res, func() {
		res.Reject("", 0, nil)
	})

	if res.accepted {
		l.metrics.RecordJoin(metrics.JoinAccepted)
	} else {
		l.metrics.RecordJoin(metrics.JoinRejected)
	}
	return nil
}

// RemoveUser removes clientID from every channel it belongs to. Absence is
// not an error.
func (l *Lobby) RemoveUser(clientID string) {
	for _, engine := range l.engines() {
		if err := engine.RemoveUser(clientID, true); err != nil {
			l.logger.Warn("Failed to remove user from channel",
				zap.String("client", clientID), zap.String("channel", engine.Name()), zap.Error(err))
		}
	}
}

// Execute runs fn against the live channel called name.
func (l *Lobby) Execute(name string, fn func(*channel.Engine) error) error {
	engine, ok := l.Channel(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrChannelNotFound, name)
	}
	return fn(engine)
}

// Channel returns the live channel called name.
func (l *Lobby) Channel(name string) (*channel.Engine, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	ent, ok := l.channels[name]
	if !ok {
		return nil, false
	}
	return ent.engine, true
}

// ListChannels returns the names of the live channels in lexical order.
func (l *Lobby) ListChannels() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	names := make([]string, 0, len(l.channels))
	for name := range l.channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Broadcast sends event from the channel to every member of name.
func (l *Lobby) Broadcast(name, event string, payload channel.Payload) error {
	return l.Execute(name, func(engine *channel.Engine) error {
		return engine.SendMessage(channel.ChannelSender, channel.AllUsers(), event, payload)
	})
}

func (l *Lobby) engines() []*channel.Engine {
	l.mu.Lock()
	defer l.mu.Unlock()

	engines := make([]*channel.Engine, 0, len(l.channels))
	for _, ent := range l.channels {
		engines = append(engines, ent.engine)
	}
	return engines
}

// acquire returns the entry for name, creating it if needed, and marks a join
// as pending on it.
func (l *Lobby) acquire(name string) *entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	ent, ok := l.channels[name]
	if !ok {
		ent = &entry{}
		ent.engine = channel.NewEngine(name, &channelParent{lobby: l, entry: ent},
			channel.WithLogger(l.logger))
		l.channels[name] = ent
		l.metrics.RecordChannelCreated()
		l.logger.Debug("Channel created", zap.String("channel", name))
	}
	ent.pending++
	return ent
}

// release ends a pending join on ent and discards the channel if it is left
// empty with no other join in flight.
func (l *Lobby) release(ent *entry) {
	l.mu.Lock()
	ent.pending--
	l.mu.Unlock()

	ent.engine.DestroyIfEmpty(func() bool {
		l.mu.Lock()
		defer l.mu.Unlock()
		if ent.pending > 0 {
			return false
		}
		l.detachLocked(ent)
		return true
	})
}

// detachLocked drops ent from the registry if it is still the live entry for
// its name.
func (l *Lobby) detachLocked(ent *entry) {
	name := ent.engine.Name()
	if current, ok := l.channels[name]; ok && current == ent {
		delete(l.channels, name)
		l.metrics.RecordChannelDestroyed()
		l.logger.Debug("Channel discarded", zap.String("channel", name))
	}
}

// channelParent is the capability each engine holds on its lobby.
type channelParent struct {
	lobby *Lobby
	entry *entry
}

func (p *channelParent) DestroyChannel() {
	p.lobby.mu.Lock()
	defer p.lobby.mu.Unlock()
	p.lobby.detachLocked(p.entry)
}

func (p *channelParent) Dispatch(req *channel.Request, res *channel.Response, fallback func()) {
	p.lobby.events.Dispatch(req, res, fallback)
}
