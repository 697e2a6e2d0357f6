package server

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/pondchat/internal/channel"
)

func TestParseClientMessage(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		err  error
	}{
		{"malformed", `{"action":`, ErrInvalidJSON},
		{"not an object", `"hello"`, ErrInvalidJSON},
		{"payload not an object", `{"action":"BROADCAST","channelName":"/a","payload":3}`, ErrInvalidJSON},
		{"missing action", `{"channelName":"/a","payload":{}}`, ErrNoAction},
		{"missing everything", `{}`, ErrNoAction},
		{"missing channel", `{"action":"JOIN_CHANNEL","payload":{}}`, ErrNoChannelName},
		{"missing payload", `{"action":"JOIN_CHANNEL","channelName":"/a"}`, ErrNoPayload},
		{"null payload", `{"action":"JOIN_CHANNEL","channelName":"/a","payload":null}`, ErrNoPayload},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseClientMessage([]byte(tt.raw))
			assert.ErrorIs(t, err, tt.err)
		})
	}
}

func TestParseClientMessageValid(t *testing.T) {
	msg, err := parseClientMessage([]byte(
		`{"action":"BROADCAST","channelName":"/chat/1","event":"message","payload":{"text":"hi"},"addresses":["a","b"]}`))
	require.NoError(t, err)

	assert.Equal(t, ClientMessage{
		Action:      ActionBroadcast,
		ChannelName: "/chat/1",
		Event:       "message",
		Payload:     channel.Payload{"text": "hi"},
		Addresses:   []string{"a", "b"},
	}, msg)
}

func TestValidationMessages(t *testing.T) {
	assert.Equal(t, "No action provided", ErrNoAction.Error())
	assert.Equal(t, "No channel name provided", ErrNoChannelName.Error())
	assert.Equal(t, "No payload provided", ErrNoPayload.Error())
	assert.Equal(t, "Invalid JSON", ErrInvalidJSON.Error())

	err := error(&routeError{channel: "/nope"})
	assert.Equal(t, "Channel /nope does not exist", err.Error())
	assert.True(t, errors.Is(err, ErrNoRoute))

	err = &unknownActionError{action: "DANCE"}
	assert.Equal(t, "Unknown action DANCE", err.Error())
	assert.True(t, errors.Is(err, ErrUnknownAction))
}

func TestConnectionResponse(t *testing.T) {
	res := &ConnectionResponse{}
	assert.False(t, res.ResponseSent())

	res.Reject("", 0)
	assert.True(t, res.ResponseSent())
	assert.False(t, res.accepted)
	assert.Equal(t, "Unauthorized connection", res.message)
	assert.Equal(t, 403, res.code)

	res.Send("welcome", nil, channel.Assigns{"role": "admin"})
	assert.True(t, res.accepted, "the last terminal action wins")
	assert.Equal(t, channel.Assigns{"role": "admin"}, res.assigns)
	assert.Equal(t, &channel.Event{Event: "welcome", Payload: channel.Payload{}, ChannelName: ServerChannel}, res.event)
}
