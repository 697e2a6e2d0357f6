package channel

import (
	"strings"

	"github.com/Tyrowin/pondchat/internal/presence"
)

// ChannelSender is the symbolic sender used for events that originate from the
// channel itself rather than from a member.
const ChannelSender = "channel"

// Reserved event names emitted by the engine and its responses.
const (
	EventKickedOut      = "kicked_out"
	EventKicked         = "kicked"
	EventDestroyed      = "destroyed"
	EventPresenceChange = "presence_change"
	EventErrorChannel   = "error_channel"
	EventNoHandler      = "error_no_handler"
)

// Assigns is the open key-value map attached to a member.
type Assigns = map[string]any

// Payload is the structured body of an event.
type Payload = map[string]any

// Event is the outbound envelope delivered to a member.
type Event struct {
	Event       string  `json:"event"`
	Payload     Payload `json:"payload"`
	ChannelName string  `json:"channelName"`
}

// Message is an inbound event sent by a member to the channel.
type Message struct {
	Event     string
	Payload   Payload
	Addresses []string
}

// UserData is the view of a single member.
type UserData struct {
	ID       string            `json:"id"`
	Assigns  Assigns           `json:"assigns"`
	Presence presence.Metadata `json:"presence"`
}

// Parent is the capability a channel holds on the registry that owns it.
type Parent interface {
	// DestroyChannel tells the owner the channel is gone. It is called with
	// the engine lock held and must not call back into the engine.
	DestroyChannel()
	// Dispatch runs the owner's handler chain for an inbound event and runs
	// fallback if no handler resolved res.
	Dispatch(req *Request, res *Response, fallback func())
}

type recipientKind int

const (
	toUsers recipientKind = iota
	toAllUsers
	toAllExceptSender
)

// Recipients is the closed set of recipient-resolution strategies. The zero
// value is an empty explicit list.
type Recipients struct {
	kind recipientKind
	ids  []string
}

// AllUsers addresses every member of the channel.
func AllUsers() Recipients {
	return Recipients{kind: toAllUsers}
}

// AllExceptSender addresses every member but the sender.
func AllExceptSender() Recipients {
	return Recipients{kind: toAllExceptSender}
}

// Users addresses an explicit list of members.
func Users(ids ...string) Recipients {
	return Recipients{kind: toUsers, ids: ids}
}

func (r Recipients) String() string {
	switch r.kind {
	case toAllUsers:
		return "all_users"
	case toAllExceptSender:
		return "all_except_sender"
	default:
		return "[" + strings.Join(r.ids, ",") + "]"
	}
}

type internalEvent struct {
	sender     string
	recipients map[string]struct{}
	event      string
	payload    Payload
}
