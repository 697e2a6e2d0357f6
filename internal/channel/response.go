package channel

import (
	"errors"

	"go.uber.org/zap"

	"github.com/Tyrowin/pondchat/internal/presence"
)

// Response carries the actions a handler can take for a channel event.
// Accept, Reject, Send, EvictUser and CloseChannel are terminal; the others
// may be combined with them. Calling a terminal action again runs its side
// effect again.
//
// Engine errors raised by any action are recorded (see Err) and reported to
// the requesting member as an error_channel event with code 500.
type Response struct {
	engine *Engine
	sender string
	sent   bool
	err    error
}

func newResponse(engine *Engine, sender string) *Response {
	return &Response{engine: engine, sender: sender}
}

// ResponseSent reports whether a terminal action has been taken.
func (r *Response) ResponseSent() bool { return r.sent }

// Err returns every error raised by the actions taken so far.
func (r *Response) Err() error { return r.err }

// Accept resolves the event and merges assigns into the sender's assigns.
func (r *Response) Accept(assigns Assigns) *Response {
	r.manageAssigns(assigns)
	r.sent = true
	return r
}

// Reject resolves the event and sends the sender an error_channel event.
// An empty message defaults to "Unauthorized request" and a zero code to 403.
func (r *Response) Reject(message string, code int, assigns Assigns) *Response {
	r.manageAssigns(assigns)
	if message == "" {
		message = "Unauthorized request"
	}
	if code == 0 {
		code = 403
	}
	r.do(r.engine.SendMessage(ChannelSender, Users(r.sender), EventErrorChannel, Payload{
		"message": message,
		"code":    code,
	}))
	r.sent = true
	return r
}

// Send sends event directly to the sender and accepts.
func (r *Response) Send(event string, payload Payload, assigns Assigns) *Response {
	r.do(r.engine.SendMessage(ChannelSender, Users(r.sender), event, payload))
	return r.Accept(assigns)
}

// Broadcast sends event from the sender to every member, sender included.
func (r *Response) Broadcast(event string, payload Payload) *Response {
	r.do(r.engine.SendMessage(r.sender, AllUsers(), event, payload))
	return r
}

// BroadcastFromUser sends event from the sender to every other member.
func (r *Response) BroadcastFromUser(event string, payload Payload) *Response {
	r.do(r.engine.SendMessage(r.sender, AllExceptSender(), event, payload))
	return r
}

// SendToUsers sends event from the sender to the listed members.
func (r *Response) SendToUsers(event string, payload Payload, userIDs []string) *Response {
	r.do(r.engine.SendMessage(r.sender, Users(userIDs...), event, payload))
	return r
}

// TrackPresence starts tracking the sender's presence.
func (r *Response) TrackPresence(metadata presence.Metadata) *Response {
	return r.TrackPresenceFor(r.sender, metadata)
}

// TrackPresenceFor starts tracking the presence of userID.
func (r *Response) TrackPresenceFor(userID string, metadata presence.Metadata) *Response {
	r.do(r.engine.TrackPresence(userID, metadata))
	return r
}

// UpdatePresence replaces the sender's presence metadata.
func (r *Response) UpdatePresence(metadata presence.Metadata) *Response {
	return r.UpdatePresenceFor(r.sender, metadata)
}

// UpdatePresenceFor replaces the presence metadata of userID.
func (r *Response) UpdatePresenceFor(userID string, metadata presence.Metadata) *Response {
	r.do(r.engine.UpdatePresence(userID, metadata))
	return r
}

// UntrackPresence stops tracking the sender's presence.
func (r *Response) UntrackPresence() *Response {
	return r.UntrackPresenceFor(r.sender)
}

// UntrackPresenceFor stops tracking the presence of userID. A missing entry
// is reported to userID as an error_channel event.
func (r *Response) UntrackPresenceFor(userID string) *Response {
	if err := r.engine.UntrackPresence(userID); err != nil {
		r.record(err)
		r.report(userID, err)
	}
	return r
}

// EvictUser kicks userID, or the sender when userID is empty, and resolves
// the event.
func (r *Response) EvictUser(reason, userID string) {
	if userID == "" {
		userID = r.sender
	}
	r.do(r.engine.KickUser(userID, reason))
	r.sent = true
}

// CloseChannel destroys the channel for every member and resolves the event.
func (r *Response) CloseChannel(reason string) {
	r.engine.Destroy(reason)
	r.sent = true
}

func (r *Response) manageAssigns(assigns Assigns) {
	if assigns != nil {
		r.do(r.engine.UpdateAssigns(r.sender, assigns))
	}
}

func (r *Response) do(err error) {
	if err == nil {
		return
	}
	r.record(err)
	r.report(r.sender, err)
}

func (r *Response) record(err error) {
	r.err = errors.Join(r.err, err)
}

func (r *Response) report(userID string, err error) {
	sendErr := r.engine.SendMessage(ChannelSender, Users(userID), EventErrorChannel, Payload{
		"message": err.Error(),
		"code":    500,
	})
	if sendErr != nil {
		r.engine.logger.Debug("Could not report handler error",
			zap.String("client", userID), zap.Error(err), zap.NamedError("report_error", sendErr))
	}
}
