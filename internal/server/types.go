package server

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/Tyrowin/pondchat/internal/channel"
)

// Client actions.
const (
	ActionJoinChannel  = "JOIN_CHANNEL"
	ActionLeaveChannel = "LEAVE_CHANNEL"
	ActionBroadcast    = "BROADCAST"
)

// Reserved channel names for events that do not come from a channel.
const (
	ServerChannel   = "SERVER"
	EndpointChannel = "ENDPOINT"
)

// EventError is the event name of protocol errors sent on EndpointChannel.
const EventError = "error"

// Protocol validation errors. Their text is sent to the client unchanged.
var (
	ErrNoAction      = errors.New("No action provided")
	ErrNoChannelName = errors.New("No channel name provided")
	ErrNoPayload     = errors.New("No payload provided")
	ErrInvalidJSON   = errors.New("Invalid JSON")
	ErrUnknownAction = errors.New("Unknown action")
	// ErrNoRoute is returned when a channel name matches no registered channel
	// pattern or live channel.
	ErrNoRoute = errors.New("channel does not exist")
	// ErrConnectionNotFound is returned when a client id is not connected to
	// the endpoint.
	ErrConnectionNotFound = errors.New("connection not found")
	// ErrServerClosed is returned by operations attempted after Shutdown.
	ErrServerClosed = errors.New("server closed")
)

// ClientMessage is the JSON message a client sends over the socket.
type ClientMessage struct {
	Action      string          `json:"action"`
	ChannelName string          `json:"channelName"`
	Event       string          `json:"event"`
	Payload     channel.Payload `json:"payload"`
	Addresses   []string        `json:"addresses,omitempty"`
}

// parseClientMessage decodes raw and checks the required fields in order.
func parseClientMessage(raw []byte) (ClientMessage, error) {
	var msg ClientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return ClientMessage{}, ErrInvalidJSON
	}

	switch {
	case msg.Action == "":
		return msg, ErrNoAction
	case msg.ChannelName == "":
		return msg, ErrNoChannelName
	case msg.Payload == nil:
		return msg, ErrNoPayload
	}
	return msg, nil
}

// routeError is a client-facing error naming a channel.
type routeError struct {
	channel string
}

func (e *routeError) Error() string {
	return "Channel " + e.channel + " does not exist"
}

func (e *routeError) Is(target error) bool {
	return target == ErrNoRoute
}

// unknownActionError names an action the server does not implement.
type unknownActionError struct {
	action string
}

func (e *unknownActionError) Error() string {
	return "Unknown action " + e.action
}

func (e *unknownActionError) Is(target error) bool {
	return target == ErrUnknownAction
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
