package server

import (
	"net/http"

	"github.com/Tyrowin/pondchat/internal/channel"
)

// ConnectionRequest describes an incoming WebSocket upgrade to an endpoint.
type ConnectionRequest struct {
	// ID is the client id the connection will have if accepted.
	ID      string
	Params  map[string]string
	Query   map[string]string
	Headers http.Header
	Address string
}

// ConnectionResponse records what the endpoint handlers decided for a
// connection. Accept, Reject and Send are terminal; when several are called
// the last one wins.
type ConnectionResponse struct {
	sent     bool
	accepted bool
	assigns  channel.Assigns
	message  string
	code     int
	event    *channel.Event
}

// ConnectionHandler authorizes connections to an endpoint.
type ConnectionHandler func(req *ConnectionRequest, res *ConnectionResponse)

// ResponseSent reports whether a terminal action has been taken.
func (r *ConnectionResponse) ResponseSent() bool { return r.sent }

// Accept upgrades the connection with assigns attached to the client.
func (r *ConnectionResponse) Accept(assigns channel.Assigns) {
	r.sent = true
	r.accepted = true
	if r.assigns == nil {
		r.assigns = channel.Assigns{}
	}
	for k, v := range assigns {
		r.assigns[k] = v
	}
}

// Reject refuses the upgrade with an HTTP error. An empty message defaults to
// "Unauthorized connection" and a zero code to 403.
func (r *ConnectionResponse) Reject(message string, code int) {
	if message == "" {
		message = "Unauthorized connection"
	}
	if code == 0 {
		code = http.StatusForbidden
	}
	r.sent = true
	r.accepted = false
	r.message = message
	r.code = code
}

// Send accepts the connection and sends the client event once connected.
func (r *ConnectionResponse) Send(event string, payload channel.Payload, assigns channel.Assigns) {
	r.Accept(assigns)
	if payload == nil {
		payload = channel.Payload{}
	}
	r.event = &channel.Event{Event: event, Payload: payload, ChannelName: ServerChannel}
}
