// Command server runs the PondChat WebSocket server with a demo chat
// endpoint at /socket and chat rooms at /chat/:room.
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v3"
	"go.uber.org/zap"

	"github.com/Tyrowin/pondchat/internal/logging"
	"github.com/Tyrowin/pondchat/internal/metrics"
	"github.com/Tyrowin/pondchat/internal/server"
)

const shutdownTimeout = 10 * time.Second

func main() {
	// A missing .env file is fine.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "Warning: error loading .env file: %v\n", err)
	}

	cmd := &cli.Command{
		Name:  "pondchat",
		Usage: "real-time channel server over WebSockets",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "path to a YAML config file",
				Sources: cli.EnvVars("PONDCHAT_CONFIG"),
			},
			&cli.StringFlag{
				Name:  "port",
				Usage: "listen address, e.g. :8080",
			},
			&cli.StringSliceFlag{
				Name:  "allowed-origin",
				Usage: "origin allowed to open WebSocket connections (repeatable, * for any)",
			},
			&cli.IntFlag{
				Name:  "max-message-size",
				Usage: "maximum inbound message size in bytes",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "debug, info, warn or error",
			},
			&cli.StringFlag{
				Name:  "metrics-path",
				Usage: "HTTP path serving Prometheus metrics",
			},
		},
		Action: run,
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "pondchat: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cmd *cli.Command) error {
	cfg, err := server.LoadConfig(cmd.String("config"))
	if err != nil {
		return err
	}
	applyFlags(cmd, cfg)

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	m := metrics.New()
	s := server.New(cfg, server.WithLogger(logger), server.WithMetrics(m))
	setupChat(s, logger, m)

	httpServer := server.CreateServer(s.Config().Port, s.Routes())

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.StartServer(httpServer, logger)
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	}

	shutdownErr := server.ShutdownServer(httpServer, shutdownTimeout, logger)

	hubCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.Shutdown(hubCtx); err != nil {
		logger.Warn("Hub shutdown incomplete", zap.Error(err))
	}

	return shutdownErr
}

// applyFlags overrides the loaded configuration with flags given on the
// command line.
func applyFlags(cmd *cli.Command, cfg *server.Config) {
	if cmd.IsSet("port") {
		cfg.Port = cmd.String("port")
	}
	if cmd.IsSet("allowed-origin") {
		cfg.AllowedOrigins = cmd.StringSlice("allowed-origin")
	}
	if cmd.IsSet("max-message-size") {
		cfg.MaxMessageSize = int64(cmd.Int("max-message-size"))
	}
	if cmd.IsSet("log-level") {
		cfg.LogLevel = cmd.String("log-level")
	}
	if cmd.IsSet("metrics-path") {
		cfg.MetricsPath = cmd.String("metrics-path")
	}
}
