package channel

import (
	"github.com/Tyrowin/pondchat/internal/pattern"
	"github.com/Tyrowin/pondchat/internal/presence"
)

// Request is the read-only view of an inbound channel event handed to
// handlers.
type Request struct {
	engine    *Engine
	sender    string
	event     string
	payload   Payload
	addresses []string
	params    map[string]string
	query     map[string]string
}

func newRequest(engine *Engine, sender string, msg Message) *Request {
	payload := msg.Payload
	if payload == nil {
		payload = Payload{}
	}
	return &Request{
		engine:    engine,
		sender:    sender,
		event:     msg.Event,
		payload:   payload,
		addresses: msg.Addresses,
		params:    map[string]string{},
		query:     map[string]string{},
	}
}

// Event returns the raw event name.
func (r *Request) Event() string { return r.event }

// Params returns the parameters bound by the last successful ParseEvent.
func (r *Request) Params() map[string]string { return r.params }

// Query returns the query bound by the last successful ParseEvent.
func (r *Request) Query() map[string]string { return r.query }

// Payload returns the event payload.
func (r *Request) Payload() Payload { return r.payload }

// Addresses returns the optional recipient ids sent by the client.
func (r *Request) Addresses() []string { return r.addresses }

// Sender returns the id of the member that sent the event.
func (r *Request) Sender() string { return r.sender }

// ChannelName returns the name of the channel the event was sent to.
func (r *Request) ChannelName() string { return r.engine.Name() }

// ParseEvent matches the event name against p. On a match the request params
// and query are replaced and true is returned; otherwise the request is left
// untouched.
func (r *Request) ParseEvent(p *pattern.Pattern) bool {
	m, ok := p.Match(r.event)
	if !ok {
		return false
	}
	r.params = m.Params
	r.query = m.Query
	return true
}

// User returns the sender's member data. It fails if the sender has left the
// channel since the event was received.
func (r *Request) User() (UserData, error) {
	data, ok := r.engine.UserData(r.sender)
	if !ok {
		return UserData{}, memberError(ErrUnknownMember, r.sender, r.engine.Name())
	}
	return data, nil
}

// Assigns returns the assigns of every member of the channel.
func (r *Request) Assigns() map[string]Assigns { return r.engine.Assigns() }

// Presence returns the presence snapshot of the channel.
func (r *Request) Presence() map[string][]presence.Metadata { return r.engine.Presence() }
