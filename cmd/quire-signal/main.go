// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/pflag"

	"github.com/bureau-foundation/quire/lib/config"
	"github.com/bureau-foundation/quire/lib/version"
	"github.com/bureau-foundation/quire/transport"
)

// shutdownTimeout bounds the wait for in-flight HTTP requests.
const shutdownTimeout = 5 * time.Second

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "quire-signal: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	var (
		configPath  string
		listen      string
		verbose     bool
		showVersion bool
	)
	flagSet := pflag.NewFlagSet("quire-signal", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to a YAML or JSONC config file (default: built-in defaults)")
	flagSet.StringVarP(&listen, "listen", "l", "", "address to listen on (overrides signaling.listen, default localhost:4444)")
	flagSet.BoolVarP(&verbose, "verbose", "v", false, "log at debug level")
	flagSet.BoolVar(&showVersion, "version", false, "print version information and exit")
	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if showVersion {
		version.Fprint(os.Stdout, "quire-signal")
		return nil
	}

	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.LoadFile(configPath)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		cfg = loaded
	}
	if listen != "" {
		cfg.Signaling.Listen = listen
	}
	if verbose {
		cfg.Logging.Level = "debug"
	}
	level, err := cfg.Logging.SlogLevel()
	if err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	handlerOptions := &slog.HandlerOptions{Level: level}
	logger := slog.New(slog.NewTextHandler(os.Stderr, handlerOptions))
	if cfg.Logging.Format == "json" {
		logger = slog.New(slog.NewJSONHandler(os.Stderr, handlerOptions))
	}
	slog.SetDefault(logger)

	listener, err := net.Listen("tcp", cfg.Signaling.Listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", cfg.Signaling.Listen, err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return serve(ctx, listener, logger)
}

// newHandler answers WebSocket upgrades with the signaling relay and
// plain requests with a liveness response.
func newHandler(signaling *transport.SignalingServer) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if websocket.IsWebSocketUpgrade(r) {
			signaling.ServeHTTP(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprintln(w, "okay")
	})
}

// serve relays signaling on listener until ctx is done.
func serve(ctx context.Context, listener net.Listener, logger *slog.Logger) error {
	signaling := transport.NewSignalingServer(logger)
	server := &http.Server{
		Handler: newHandler(signaling),
		// WebSocket connections are long-lived; only the handshake is
		// bounded.
		ReadHeaderTimeout: 10 * time.Second,
	}
	// Shutdown does not track hijacked connections.
	server.RegisterOnShutdown(signaling.Close)

	logger.Info("signaling server listening", "address", listener.Addr().String())
	serveDone := make(chan error, 1)
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveDone <- err
		}
		close(serveDone)
	}()

	select {
	case <-ctx.Done():
		logger.Info("signaling server shutting down")
	case err := <-serveDone:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("signaling server shutdown: %w", err)
	}
	logger.Info("signaling server stopped")
	return nil
}
