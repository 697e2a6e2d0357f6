// Package channel implements a single named channel: its member registry,
// recipient resolution, presence tracking and the request/response pair handed
// to user handlers for every inbound event.
package channel

import (
	"sync"

	"go.uber.org/zap"

	"github.com/Tyrowin/pondchat/internal/eventbus"
	"github.com/Tyrowin/pondchat/internal/presence"
)

// Engine owns one channel. All mutating operations are serialized by a single
// lock per engine; different engines never share state.
//
// Member callbacks passed to AddUser run synchronously while the engine lock
// is held and must not call back into the engine.
type Engine struct {
	name   string
	parent Parent
	logger *zap.Logger
	bus    *eventbus.Bus[internalEvent]

	mu       sync.Mutex
	users    map[string]Assigns
	presence optionalPresence
	closed   bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// NewEngine creates an empty channel named name owned by parent.
func NewEngine(name string, parent Parent, opts ...Option) *Engine {
	e := &Engine{
		name:   name,
		parent: parent,
		logger: zap.NewNop(),
		bus:    eventbus.New[internalEvent](),
		users:  make(map[string]Assigns),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With(zap.String("channel", name))
	return e
}

// optionalPresence holds the presence engine, which only exists once the first
// member has been tracked.
type optionalPresence struct {
	engine *presence.Engine
}

func (o *optionalPresence) get() (*presence.Engine, bool) {
	return o.engine, o.engine != nil
}

func (o *optionalPresence) getOrCreate() *presence.Engine {
	if o.engine == nil {
		o.engine = presence.NewEngine()
	}
	return o.engine
}

// Name returns the channel name.
func (e *Engine) Name() string {
	return e.name
}

// Len returns the number of members.
func (e *Engine) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.users)
}

// Closed reports whether the channel has been destroyed.
func (e *Engine) Closed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// AddUser registers id with assigns and subscribes onEvent to every event
// whose resolved recipients include id.
func (e *Engine) AddUser(id string, assigns Assigns, onEvent func(Event)) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrChannelClosed
	}
	if _, exists := e.users[id]; exists {
		return memberError(ErrDuplicateMember, id, e.name)
	}

	e.users[id] = copyAssigns(assigns)
	e.bus.Subscribe(id, func(ev internalEvent) {
		if _, ok := ev.recipients[id]; !ok {
			return
		}
		onEvent(Event{Event: ev.event, Payload: ev.payload, ChannelName: e.name})
	})

	e.logger.Info("User joined channel", zap.String("client", id), zap.Int("members", len(e.users)))
	return nil
}

// RemoveUser deletes id, its presence entry and its subscription. When the
// last member leaves the parent is told to destroy the channel. Unknown ids
// are an error unless silent is set.
func (e *Engine) RemoveUser(id string, silent bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.removeLocked(id, silent)
}

func (e *Engine) removeLocked(id string, silent bool) error {
	if _, exists := e.users[id]; !exists {
		if silent {
			return nil
		}
		return memberError(ErrUnknownMember, id, e.name)
	}

	delete(e.users, id)
	if p, ok := e.presence.get(); ok {
		if _, tracked := p.Get(id); tracked {
			_ = p.Remove(id)
		}
	}
	e.bus.Unsubscribe(id)

	e.logger.Info("User left channel", zap.String("client", id), zap.Int("members", len(e.users)))

	if len(e.users) == 0 && !e.closed {
		e.closed = true
		e.parent.DestroyChannel()
	}
	return nil
}

// KickUser tells id it has been kicked, removes it and tells the remaining
// members.
func (e *Engine) KickUser(id, reason string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrChannelClosed
	}

	if _, exists := e.users[id]; !exists {
		return memberError(ErrUnknownMember, id, e.name)
	}

	if err := e.sendLocked(ChannelSender, Users(id), EventKickedOut, Payload{
		"message": "You have been kicked out of the channel",
		"reason":  reason,
	}); err != nil {
		return err
	}

	if err := e.removeLocked(id, false); err != nil {
		return err
	}

	if e.closed {
		return nil
	}
	return e.sendLocked(ChannelSender, AllUsers(), EventKicked, Payload{
		"id":     id,
		"reason": reason,
	})
}

// Destroy tells every member the channel is gone, notifies the parent and
// drops every subscription. Members are not removed one by one. Destroying a
// closed channel does nothing.
func (e *Engine) Destroy(reason string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return
	}

	if err := e.sendLocked(ChannelSender, AllUsers(), EventDestroyed, Payload{
		"message": "Channel has been destroyed",
		"reason":  reason,
	}); err != nil {
		e.logger.Warn("Failed to announce channel destruction", zap.Error(err))
	}

	e.closed = true
	e.parent.DestroyChannel()
	for id := range e.users {
		e.bus.Unsubscribe(id)
	}

	e.logger.Info("Channel destroyed", zap.String("reason", reason))
}

// DestroyIfEmpty destroys a channel that has no members and reports whether
// it did. It is used by owners that create a channel ahead of a join which is
// then rejected. A non-nil guard runs with the engine lock held once the
// channel is known to be empty and can veto the destruction.
func (e *Engine) DestroyIfEmpty(guard func() bool) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed || len(e.users) > 0 {
		return false
	}
	if guard != nil && !guard() {
		return false
	}
	e.closed = true
	e.parent.DestroyChannel()
	return true
}

// TrackPresence starts tracking id with metadata. Every presence diff for id
// is sent to id as a presence_change event.
func (e *Engine) TrackPresence(id string, metadata presence.Metadata) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrChannelClosed
	}

	if _, exists := e.users[id]; !exists {
		return memberError(ErrUnknownMember, id, e.name)
	}

	p := e.presence.getOrCreate()
	if _, tracked := p.Get(id); tracked {
		return memberError(ErrPresenceAlreadyTracked, id, e.name)
	}

	return p.Track(id, metadata, e.presenceNotifier(id))
}

// presenceNotifier runs inside presence operations, which the engine only
// performs with its lock held.
func (e *Engine) presenceNotifier(id string) func(presence.Diff) {
	return func(diff presence.Diff) {
		if _, exists := e.users[id]; !exists {
			return
		}
		if err := e.sendLocked(ChannelSender, Users(id), EventPresenceChange, diff.ToPayload()); err != nil {
			e.logger.Warn("Failed to deliver presence change", zap.String("client", id), zap.Error(err))
		}
	}
}

// UpdatePresence replaces the tracked metadata of id.
func (e *Engine) UpdatePresence(id string, metadata presence.Metadata) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrChannelClosed
	}

	if _, exists := e.users[id]; !exists {
		return memberError(ErrUnknownMember, id, e.name)
	}

	p, ok := e.presence.get()
	if !ok {
		return ErrPresenceEngineUninitialized
	}
	return p.Update(id, metadata)
}

// UntrackPresence stops tracking id. It fails with presence.ErrUnknownPresence
// when id has no presence entry.
func (e *Engine) UntrackPresence(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrChannelClosed
	}

	p, ok := e.presence.get()
	if !ok {
		return memberError(presence.ErrUnknownPresence, id, e.name)
	}
	return p.Remove(id)
}

// UpdateAssigns shallow-merges partial into the assigns of id.
func (e *Engine) UpdateAssigns(id string, partial Assigns) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrChannelClosed
	}

	current, exists := e.users[id]
	if !exists {
		return memberError(ErrUnknownMember, id, e.name)
	}

	merged := copyAssigns(current)
	for k, v := range partial {
		merged[k] = v
	}
	e.users[id] = merged
	return nil
}

// UserData returns the view of member id.
func (e *Engine) UserData(id string) (UserData, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	assigns, exists := e.users[id]
	if !exists {
		return UserData{}, false
	}

	meta := presence.Metadata{}
	if p, ok := e.presence.get(); ok {
		if tracked, found := p.Get(id); found {
			meta = tracked
		}
	}

	return UserData{ID: id, Assigns: copyAssigns(assigns), Presence: meta}, true
}

// Assigns returns the assigns of every member keyed by member id.
func (e *Engine) Assigns() map[string]Assigns {
	e.mu.Lock()
	defer e.mu.Unlock()

	all := make(map[string]Assigns, len(e.users))
	for id, assigns := range e.users {
		all[id] = copyAssigns(assigns)
	}
	return all
}

// Presence returns the presence snapshot, empty when nobody was ever tracked.
func (e *Engine) Presence() map[string][]presence.Metadata {
	e.mu.Lock()
	defer e.mu.Unlock()

	if p, ok := e.presence.get(); ok {
		return p.Snapshot()
	}
	return map[string][]presence.Metadata{}
}

// SendMessage resolves recipients and publishes the event. sender is either
// ChannelSender or a member id.
func (e *Engine) SendMessage(sender string, recipients Recipients, event string, payload Payload) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrChannelClosed
	}
	return e.sendLocked(sender, recipients, event, payload)
}

func (e *Engine) sendLocked(sender string, recipients Recipients, event string, payload Payload) error {
	if _, exists := e.users[sender]; !exists && sender != ChannelSender {
		return memberError(ErrUnknownSender, sender, e.name)
	}

	resolved, err := e.resolveLocked(sender, recipients)
	if err != nil {
		return err
	}

	e.logger.Debug("Publishing event",
		zap.String("event", event),
		zap.String("sender", sender),
		zap.Stringer("recipients", recipients),
		zap.Int("count", len(resolved)))

	e.bus.Publish(internalEvent{
		sender:     sender,
		recipients: resolved,
		event:      event,
		payload:    payload,
	})
	return nil
}

func (e *Engine) resolveLocked(sender string, recipients Recipients) (map[string]struct{}, error) {
	resolved := make(map[string]struct{}, len(e.users))

	switch recipients.kind {
	case toAllUsers:
		for id := range e.users {
			resolved[id] = struct{}{}
		}

	case toAllExceptSender:
		if sender == ChannelSender {
			return nil, ErrInvalidRecipientSet
		}
		for id := range e.users {
			if id != sender {
				resolved[id] = struct{}{}
			}
		}

	default:
		var absent []string
		for _, id := range recipients.ids {
			if _, exists := e.users[id]; !exists {
				absent = append(absent, id)
				continue
			}
			resolved[id] = struct{}{}
		}
		if len(absent) > 0 {
			return nil, &UnknownRecipientsError{Channel: e.name, IDs: absent}
		}
	}

	return resolved, nil
}

// OnMessage wraps an inbound event from senderID into a request/response pair
// and hands it to the parent's handler chain. If no handler resolves it the
// sender receives an error_no_handler event.
func (e *Engine) OnMessage(senderID string, msg Message) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrChannelClosed
	}
	if _, exists := e.users[senderID]; !exists {
		e.mu.Unlock()
		return memberError(ErrUnknownMember, senderID, e.name)
	}
	e.mu.Unlock()

	req := newRequest(e, senderID, msg)
	res := newResponse(e, senderID)

	e.parent.Dispatch(req, res, func() {
		err := e.SendMessage(ChannelSender, Users(senderID), EventNoHandler, Payload{
			"message": "A handler did not respond to the event",
			"code":    404,
		})
		if err != nil {
			e.logger.Debug("Could not report missing handler", zap.String("client", senderID), zap.Error(err))
		}
	})
	return nil
}

func copyAssigns(assigns Assigns) Assigns {
	out := make(Assigns, len(assigns))
	for k, v := range assigns {
		out[k] = v
	}
	return out
}
