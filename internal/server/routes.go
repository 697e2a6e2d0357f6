package server

import (
	"net/http"

	"github.com/gorilla/websocket"
)

// Routes returns the HTTP handler for the server: health check, metrics and
// the test page. Every WebSocket upgrade request, whatever its path, goes to
// endpoint matching.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", HealthHandler)
	mux.Handle(s.cfg.MetricsPath, s.metrics.Handler())
	mux.HandleFunc("/test", TestPageHandler)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if websocket.IsWebSocketUpgrade(r) {
			s.handleUpgrade(w, r)
			return
		}
		mux.ServeHTTP(w, r)
	})
}
