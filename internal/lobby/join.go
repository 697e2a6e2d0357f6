package lobby

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/Tyrowin/pondchat/internal/channel"
	"github.com/Tyrowin/pondchat/internal/presence"
)

// JoinRequest is the view of a join attempt handed to join handlers.
type JoinRequest struct {
	engine    *channel.Engine
	candidate Candidate
}

func newJoinRequest(engine *channel.Engine, c Candidate) *JoinRequest {
	return &JoinRequest{engine: engine, candidate: c}
}

// ChannelName returns the name of the channel being joined.
func (r *JoinRequest) ChannelName() string { return r.candidate.ChannelName }

// Params returns the parameters bound from the channel name.
func (r *JoinRequest) Params() map[string]string { return orEmpty(r.candidate.Params) }

// Query returns the query bound from the channel name.
func (r *JoinRequest) Query() map[string]string { return orEmpty(r.candidate.Query) }

// JoinParams returns the payload the client sent with the join.
func (r *JoinRequest) JoinParams() channel.Payload {
	if r.candidate.JoinParams == nil {
		return channel.Payload{}
	}
	return r.candidate.JoinParams
}

// User returns the candidate as it would appear once admitted.
func (r *JoinRequest) User() channel.UserData {
	assigns := channel.Assigns{}
	for k, v := range r.candidate.Assigns {
		assigns[k] = v
	}
	return channel.UserData{ID: r.candidate.ClientID, Assigns: assigns, Presence: presence.Metadata{}}
}

// Assigns returns the assigns of the current members of the channel.
func (r *JoinRequest) Assigns() map[string]channel.Assigns { return r.engine.Assigns() }

// Presence returns the presence snapshot of the channel.
func (r *JoinRequest) Presence() map[string][]presence.Metadata { return r.engine.Presence() }

// JoinResponse carries the actions a join handler can take. Accept, Reject and
// Send are terminal. The broadcast and presence helpers act as the candidate
// and so only succeed once it has been accepted.
type JoinResponse struct {
	lobby     *Lobby
	entry     *entry
	candidate Candidate
	accepted  bool
	sent      bool
	err       error
}

func newJoinResponse(l *Lobby, ent *entry, c Candidate) *JoinResponse {
	return &JoinResponse{lobby: l, entry: ent, candidate: c}
}

// ResponseSent reports whether a terminal action has been taken.
func (r *JoinResponse) ResponseSent() bool { return r.sent }

// Accepted reports whether the candidate was admitted.
func (r *JoinResponse) Accepted() bool { return r.accepted }

// Err returns every error raised by the actions taken so far.
func (r *JoinResponse) Err() error { return r.err }

// Accept admits the candidate with its assigns merged with assigns. Accepting
// an admitted candidate again only merges assigns.
func (r *JoinResponse) Accept(assigns channel.Assigns) *JoinResponse {
	r.sent = true

	if r.accepted {
		if assigns != nil {
			r.do(r.entry.engine.UpdateAssigns(r.candidate.ClientID, assigns))
		}
		return r
	}

	merged := channel.Assigns{}
	for k, v := range r.candidate.Assigns {
		merged[k] = v
	}
	for k, v := range assigns {
		merged[k] = v
	}

	err := r.entry.engine.AddUser(r.candidate.ClientID, merged, r.candidate.OnEvent)
	if errors.Is(err, channel.ErrChannelClosed) {
		// The last member left while this join was pending.
		fresh := r.lobby.acquire(r.candidate.ChannelName)
		r.lobby.release(r.entry)
		r.entry = fresh
		err = r.entry.engine.AddUser(r.candidate.ClientID, merged, r.candidate.OnEvent)
	}
	if err != nil {
		r.do(err)
		return r
	}

	r.accepted = true
	return r
}

// Reject refuses the candidate, which receives an error_channel event. An
// empty message defaults to "Unauthorized request" and a zero code to 403.
func (r *JoinResponse) Reject(message string, code int, assigns channel.Assigns) *JoinResponse {
	if r.accepted && assigns != nil {
		r.do(r.entry.engine.UpdateAssigns(r.candidate.ClientID, assigns))
	}
	if message == "" {
		message = "Unauthorized request"
	}
	if code == 0 {
		code = 403
	}

	r.deliver(channel.EventErrorChannel, channel.Payload{
		"message": fmt.Sprintf("Request to join channel %s rejected: %s", r.candidate.ChannelName, message),
		"code":    code,
	})
	r.sent = true
	return r
}

// Send admits the candidate and then sends it event.
func (r *JoinResponse) Send(event string, payload channel.Payload, assigns channel.Assigns) *JoinResponse {
	r.Accept(assigns)
	if r.accepted {
		r.do(r.entry.engine.SendMessage(channel.ChannelSender, channel.Users(r.candidate.ClientID), event, payload))
	}
	return r
}

// Broadcast sends event from the candidate to every member.
func (r *JoinResponse) Broadcast(event string, payload channel.Payload) *JoinResponse {
	r.do(r.entry.engine.SendMessage(r.candidate.ClientID, channel.AllUsers(), event, payload))
	return r
}

// BroadcastFromUser sends event from the candidate to every other member.
func (r *JoinResponse) BroadcastFromUser(event string, payload channel.Payload) *JoinResponse {
	r.do(r.entry.engine.SendMessage(r.candidate.ClientID, channel.AllExceptSender(), event, payload))
	return r
}

// SendToUsers sends event from the candidate to the listed members.
func (r *JoinResponse) SendToUsers(event string, payload channel.Payload, userIDs []string) *JoinResponse {
	r.do(r.entry.engine.SendMessage(r.candidate.ClientID, channel.Users(userIDs...), event, payload))
	return r
}

// TrackPresence starts tracking the candidate's presence.
func (r *JoinResponse) TrackPresence(metadata presence.Metadata) *JoinResponse {
	r.do(r.entry.engine.TrackPresence(r.candidate.ClientID, metadata))
	return r
}

// UpdatePresence replaces the candidate's presence metadata.
func (r *JoinResponse) UpdatePresence(metadata presence.Metadata) *JoinResponse {
	r.do(r.entry.engine.UpdatePresence(r.candidate.ClientID, metadata))
	return r
}

// UntrackPresence stops tracking the candidate's presence.
func (r *JoinResponse) UntrackPresence() *JoinResponse {
	r.do(r.entry.engine.UntrackPresence(r.candidate.ClientID))
	return r
}

func (r *JoinResponse) do(err error) {
	if err == nil {
		return
	}
	r.err = errors.Join(r.err, err)
	r.lobby.metrics.RecordError("join")
	r.lobby.logger.Debug("Join handler action failed",
		zap.String("client", r.candidate.ClientID),
		zap.String("channel", r.candidate.ChannelName),
		zap.Error(err))
	r.deliver(channel.EventErrorChannel, channel.Payload{
		"message": err.Error(),
		"code":    500,
	})
}

// deliver sends straight to the candidate, which may not be a member.
func (r *JoinResponse) deliver(event string, payload channel.Payload) {
	r.candidate.OnEvent(channel.Event{
		Event:       event,
		Payload:     payload,
		ChannelName: r.candidate.ChannelName,
	})
}

func orEmpty(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
