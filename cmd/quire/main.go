// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/bureau-foundation/quire/access"
	"github.com/bureau-foundation/quire/bridge"
	"github.com/bureau-foundation/quire/editor"
	"github.com/bureau-foundation/quire/lib/config"
	"github.com/bureau-foundation/quire/lib/version"
	"github.com/bureau-foundation/quire/presence"
	"github.com/bureau-foundation/quire/session"
	"github.com/bureau-foundation/quire/transport"
)

// maxLineSize bounds one line read from stdin.
const maxLineSize = 1 << 20

func main() {
	if err := run(os.Args[1:], os.Stdin); err != nil {
		fmt.Fprintf(os.Stderr, "quire: %v\n", err)
		os.Exit(1)
	}
}

// options holds the command-line flags. Non-empty values override the
// config file.
type options struct {
	configPath string
	room       string
	name       string
	signaling  []string
	output     string
	verbose    bool
}

func run(args []string, stdin io.Reader) error {
	var opts options
	var showVersion bool

	flagSet := pflag.NewFlagSet("quire", pflag.ContinueOnError)
	flagSet.StringVar(&opts.configPath, "config", "", "path to a YAML or JSONC config file (default: $"+config.EnvVar+")")
	flagSet.StringVar(&opts.room, "room", "", "room to join (overrides room.name)")
	flagSet.StringVar(&opts.name, "name", "", "display name shown to other peers")
	flagSet.StringSliceVar(&opts.signaling, "signaling", nil, "signaling server URL; repeat or comma-separate for fallbacks")
	flagSet.StringVarP(&opts.output, "output", "o", "", "file that mirrors the shared document")
	flagSet.BoolVarP(&opts.verbose, "verbose", "v", false, "log at debug level")
	flagSet.BoolVar(&showVersion, "version", false, "print version information and exit")
	flagSet.Usage = func() { printHelp(flagSet) }

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if showVersion {
		version.Fprint(os.Stdout, "quire")
		return nil
	}
	if rest := flagSet.Args(); len(rest) > 0 {
		return fmt.Errorf("unexpected argument: %s", rest[0])
	}

	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	logger, err := newLogger(os.Stderr, cfg.Logging)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	settings, err := sessionConfig(cfg, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return serve(ctx, settings, stdin, opts.output, logger)
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `quire: headless peer for a shared text document.

Joins a room, keeps a local copy of the shared document, and appends
every line read from stdin to it. Other peers see the lines as they
arrive; their edits are mirrored to --output.

Usage:
  quire [flags]

Examples:
  # Join a room through a local signaling server (see quire-signal)
  quire --room design-notes --name Ada --output notes.md

  # Use a config file and a public signaling server
  quire --config quire.yaml --signaling wss://signal.example.com

Flags:
`)
	flagSet.SetOutput(os.Stderr)
	flagSet.PrintDefaults()
}

// loadConfig reads --config, then $QUIRE_CONFIG, then the defaults,
// applies flag overrides, and validates the result.
func loadConfig(opts options) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	switch {
	case opts.configPath != "":
		cfg, err = config.LoadFile(opts.configPath)
	case os.Getenv(config.EnvVar) != "":
		cfg, err = config.Load()
	default:
		cfg = config.Default()
	}
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	if opts.room != "" {
		cfg.Room.Name = opts.room
	}
	if opts.name != "" {
		cfg.Identity.Name = opts.name
	}
	if len(opts.signaling) > 0 {
		cfg.Signaling.Servers = opts.signaling
	}
	if opts.verbose {
		cfg.Logging.Level = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func newLogger(w io.Writer, logging config.LoggingConfig) (*slog.Logger, error) {
	level, err := logging.SlogLevel()
	if err != nil {
		return nil, fmt.Errorf("logging.level: %w", err)
	}
	options := &slog.HandlerOptions{Level: level}
	if logging.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, options)), nil
	}
	return slog.New(slog.NewTextHandler(w, options)), nil
}

// sessionConfig translates a validated config into session settings.
func sessionConfig(cfg *config.Config, logger *slog.Logger) (session.Config, error) {
	servers := make([]transport.ICEServer, 0, len(cfg.ICE.Servers))
	for _, server := range cfg.ICE.Servers {
		servers = append(servers, transport.ICEServer{
			URLs:       server.URLs,
			Username:   server.Username,
			Credential: server.Credential,
		})
	}
	ice, err := transport.ICEConfigFromServers(servers)
	if err != nil {
		return session.Config{}, fmt.Errorf("ice: %w", err)
	}

	var authorizer access.Authorizer
	if cfg.Access != nil {
		folder, err := cfg.Access.NewFolder(cfg.Room.Name)
		if err != nil {
			return session.Config{}, fmt.Errorf("access: %w", err)
		}
		authorizer = folder
	}

	return session.Config{
		Room:                 cfg.Room.Name,
		Document:             cfg.Room.Document,
		PeerID:               cfg.Identity.PeerID,
		Name:                 cfg.Identity.Name,
		Color:                cfg.Identity.Color,
		SignalingServers:     cfg.Signaling.Servers,
		PingInterval:         cfg.Signaling.PingIntervalDuration(),
		PublishRate:          cfg.Signaling.PublishRate,
		ICE:                  ice,
		MaxConnections:       cfg.Transport.MaxConnections,
		ReconnectInterval:    cfg.Transport.ReconnectIntervalDuration(),
		Compression:          cfg.Transport.CompressionTag(),
		CompressionThreshold: cfg.Transport.CompressionThreshold,
		RenewInterval:        cfg.Transport.RenewIntervalDuration(),
		PresenceTimeout:      cfg.Presence.TimeoutDuration(),
		MaxParticipants:      cfg.Presence.MaxParticipants,
		Authorizer:           authorizer,
		Logger:               logger,
	}, nil
}

// serve runs a session until ctx is done: stdin lines are appended to
// the shared document and the document is mirrored to outputPath.
func serve(ctx context.Context, settings session.Config, stdin io.Reader, outputPath string, logger *slog.Logger) error {
	s, err := session.New(settings)
	if err != nil {
		return err
	}
	defer s.Close()

	buffer := editor.NewBuffer("")
	if _, err := s.Bind(buffer, settings.Document); err != nil {
		return err
	}

	s.OnConnectionChange(func(connected bool) {
		if connected {
			logger.Info("connected to room", "room", s.Room())
			return
		}
		logger.Info("disconnected from room", "room", s.Room(), "attempts", s.Status().AttemptCount)
	})
	s.OnPresence(func(event presence.Event) {
		switch event.Type {
		case presence.UserJoin:
			logger.Info("user joined", "peer", event.PeerID, "name", event.User.Name, "color", event.User.Color)
		case presence.UserLeave:
			logger.Info("user left", "peer", event.PeerID, "reason", string(event.Reason))
		}
	})

	changed := make(chan struct{}, 1)
	buffer.OnChanges(func([]bridge.Change) {
		select {
		case changed <- struct{}{}:
		default:
		}
	})

	logger.Info("joining room", "room", s.Room(), "peer", s.PeerID(), "signaling", settings.SignalingServers)
	if err := s.Start(ctx); err != nil {
		logger.Warn("initial connection failed, retrying in the background", "error", err)
	}

	lines := make(chan string)
	go readLines(ctx, stdin, lines, logger)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		for {
			select {
			case <-groupCtx.Done():
				return nil
			case line, ok := <-lines:
				if !ok {
					logger.Debug("stdin closed")
					lines = nil
					continue
				}
				if err := s.Do(func() { buffer.Append(line + "\n") }); err != nil {
					return err
				}
			}
		}
	})
	if outputPath != "" {
		group.Go(func() error {
			for {
				select {
				case <-groupCtx.Done():
					return writeOutput(outputPath, buffer.Value())
				case <-changed:
					if err := writeOutput(outputPath, buffer.Value()); err != nil {
						return err
					}
				}
			}
		})
	}
	err = group.Wait()
	logger.Info("shutting down")
	return err
}

// readLines sends each stdin line on lines and closes it at EOF. The
// read itself cannot be interrupted, so the goroutine may outlive ctx
// until the next line or EOF.
func readLines(ctx context.Context, stdin io.Reader, lines chan<- string, logger *slog.Logger) {
	defer close(lines)
	scanner := bufio.NewScanner(stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		select {
		case lines <- scanner.Text():
		case <-ctx.Done():
			return
		}
	}
	if err := scanner.Err(); err != nil {
		logger.Warn("reading stdin failed", "error", err)
	}
}

// writeOutput replaces path with content through a rename so readers
// never see a partial file.
func writeOutput(path, content string) error {
	temporary, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("writing output: %w", err)
	}
	if _, err := temporary.WriteString(content); err != nil {
		temporary.Close()
		os.Remove(temporary.Name())
		return fmt.Errorf("writing output: %w", err)
	}
	if err := temporary.Close(); err != nil {
		os.Remove(temporary.Name())
		return fmt.Errorf("writing output: %w", err)
	}
	if err := os.Rename(temporary.Name(), path); err != nil {
		os.Remove(temporary.Name())
		return fmt.Errorf("writing output: %w", err)
	}
	return nil
}
