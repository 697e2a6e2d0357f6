package server

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// CreateServer creates and configures an HTTP server with the specified port and handler.
// It sets reasonable timeout values for production use.
func CreateServer(port string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         port,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// StartServer starts the HTTP server and blocks until it stops.
func StartServer(server *http.Server, logger *zap.Logger) error {
	logger.Info("Server listening", zap.String("addr", server.Addr))
	return server.ListenAndServe()
}

// ShutdownServer stops accepting HTTP requests and waits for in-flight ones
// until the timeout is reached.
func ShutdownServer(server *http.Server, timeout time.Duration, logger *zap.Logger) error {
	logger.Info("Shutting down HTTP server")

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
		return err
	}

	logger.Info("HTTP server shutdown completed")
	return nil
}
