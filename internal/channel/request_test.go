package channel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/pondchat/internal/pattern"
)

func TestRequestDefaults(t *testing.T) {
	engine, _, _ := newTestEngine(t, "alice")
	req := newRequest(engine, "alice", Message{Event: "ping"})

	assert.Equal(t, "ping", req.Event())
	assert.Equal(t, Payload{}, req.Payload())
	assert.Empty(t, req.Params())
	assert.Empty(t, req.Query())
	assert.Nil(t, req.Addresses())
}

func TestRequestParseEvent(t *testing.T) {
	engine, _, _ := newTestEngine(t, "alice")
	req := newRequest(engine, "alice", Message{Event: "/1234?choke=balls"})

	assert.False(t, req.ParseEvent(pattern.Compile("/room/:id")))
	assert.Empty(t, req.Params())

	require.True(t, req.ParseEvent(pattern.Compile("/:id")))
	assert.Equal(t, map[string]string{"id": "1234"}, req.Params())
	assert.Equal(t, map[string]string{"choke": "balls"}, req.Query())

	assert.False(t, req.ParseEvent(pattern.Compile("/a/b")))
	assert.Equal(t, map[string]string{"id": "1234"}, req.Params(), "a failed match keeps earlier bindings")
}

func TestRequestUserAndChannelView(t *testing.T) {
	engine, _, _ := newTestEngine(t, "alice", "bob")
	req := newRequest(engine, "alice", Message{Event: "x"})

	user, err := req.User()
	require.NoError(t, err)
	assert.Equal(t, "alice", user.ID)
	assert.Equal(t, Assigns{"role": "member"}, user.Assigns)
	assert.Len(t, req.Assigns(), 2)
	assert.Empty(t, req.Presence())

	require.NoError(t, engine.RemoveUser("alice", false))
	_, err = req.User()
	assert.ErrorIs(t, err, ErrUnknownMember)
}
