package main

import (
	"strings"

	"go.uber.org/zap"

	"github.com/Tyrowin/pondchat/internal/channel"
	"github.com/Tyrowin/pondchat/internal/lobby"
	"github.com/Tyrowin/pondchat/internal/metrics"
	"github.com/Tyrowin/pondchat/internal/presence"
	"github.com/Tyrowin/pondchat/internal/server"
)

// maxNameLength is counted in runes.
const maxNameLength = 32

// setupChat registers the demo endpoint used by the test page. Connections
// pick a display name with ?name=, and any /chat/:room channel is open to
// every connected client.
func setupChat(s *server.Server, logger *zap.Logger, m *metrics.Metrics) {
	ep := s.CreateEndpoint("/socket", func(req *server.ConnectionRequest, res *server.ConnectionResponse) {
		name := strings.TrimSpace(req.Query["name"])
		if name == "" {
			res.Reject("A name is required", 400)
			return
		}
		if runes := []rune(name); len(runes) > maxNameLength {
			name = string(runes[:maxNameLength])
		}
		res.Send("welcome", channel.Payload{"id": req.ID, "name": name}, channel.Assigns{"name": name})
	})

	rooms := lobby.New(lobby.WithLogger(logger), lobby.WithMetrics(m))

	rooms.OnJoinRequest(func(req *lobby.JoinRequest, res *lobby.JoinResponse) {
		name := req.User().Assigns["name"]
		res.Accept(nil).
			TrackPresence(presence.Metadata{"name": name, "status": "online"}).
			BroadcastFromUser("joined", channel.Payload{"name": name})
	})

	rooms.OnEvent("message", func(req *channel.Request, res *channel.Response) {
		text, _ := req.Payload()["text"].(string)
		if strings.TrimSpace(text) == "" {
			res.Reject("Message text is required", 400, nil)
			return
		}

		user, err := req.User()
		if err != nil {
			res.Reject(err.Error(), 404, nil)
			return
		}
		res.Broadcast("message", channel.Payload{"from": user.Assigns["name"], "text": text}).Accept(nil)
	})

	ep.UseChannel("/chat/:room", rooms)
}
