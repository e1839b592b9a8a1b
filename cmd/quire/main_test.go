// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bureau-foundation/quire/access"
	"github.com/bureau-foundation/quire/lib/config"
	"github.com/bureau-foundation/quire/lib/testutil"
	"github.com/bureau-foundation/quire/transport"
)

// soloTransport opens sessions in an empty room.
type soloTransport struct{}

func (soloTransport) Open(context.Context, string, transport.SessionHandler) (transport.Session, error) {
	return soloSession{}, nil
}

type soloSession struct{}

func (soloSession) Broadcast([]byte) error      { return nil }
func (soloSession) SendTo(string, []byte) error { return transport.ErrUnknownPeer }
func (soloSession) Close() error                { return nil }

func TestLoadConfigFlagOverrides(t *testing.T) {
	t.Setenv(config.EnvVar, "")
	path := filepath.Join(t.TempDir(), "quire.yaml")
	content := "room:\n  name: from-file\nidentity:\n  name: File User\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := loadConfig(options{configPath: path})
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.Room.Name != "from-file" || cfg.Identity.Name != "File User" {
		t.Fatalf("room, name = %q, %q; want file values", cfg.Room.Name, cfg.Identity.Name)
	}

	cfg, err = loadConfig(options{
		configPath: path,
		room:       "from-flag",
		name:       "Flag User",
		signaling:  []string{"wss://signal.example.com"},
		verbose:    true,
	})
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.Room.Name != "from-flag" || cfg.Identity.Name != "Flag User" {
		t.Fatalf("room, name = %q, %q; want flag values", cfg.Room.Name, cfg.Identity.Name)
	}
	if len(cfg.Signaling.Servers) != 1 || cfg.Signaling.Servers[0] != "wss://signal.example.com" {
		t.Fatalf("signaling = %v, want the flag value", cfg.Signaling.Servers)
	}
	if cfg.Logging.Level != "debug" {
		t.Fatalf("level = %s, want debug", cfg.Logging.Level)
	}
}

func TestLoadConfigDefaultsNeedRoom(t *testing.T) {
	t.Setenv(config.EnvVar, "")
	if _, err := loadConfig(options{}); err == nil || !strings.Contains(err.Error(), "room.name") {
		t.Fatalf("loadConfig without room = %v, want a room.name error", err)
	}
	cfg, err := loadConfig(options{room: "notes"})
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.Room.Name != "notes" {
		t.Fatalf("room = %q, want notes", cfg.Room.Name)
	}
}

func TestLoadConfigFromEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "quire.jsonc")
	if err := os.WriteFile(path, []byte(`{"room": {"name": "env-room"}, // trailing comment
}`), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	t.Setenv(config.EnvVar, path)

	cfg, err := loadConfig(options{})
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.Room.Name != "env-room" {
		t.Fatalf("room = %q, want env-room", cfg.Room.Name)
	}
}

func TestNewLogger(t *testing.T) {
	var buffer bytes.Buffer
	logger, err := newLogger(&buffer, config.LoggingConfig{Level: "warn", Format: "json"})
	if err != nil {
		t.Fatalf("newLogger: %v", err)
	}
	logger.Info("hidden")
	logger.Warn("shown", "peer", "peer-a")
	output := buffer.String()
	if strings.Contains(output, "hidden") {
		t.Fatalf("output %q contains a record below the level", output)
	}
	if !strings.Contains(output, `"peer":"peer-a"`) {
		t.Fatalf("output %q is not JSON with the peer attribute", output)
	}

	buffer.Reset()
	logger, err = newLogger(&buffer, config.LoggingConfig{Level: "info", Format: "text"})
	if err != nil {
		t.Fatalf("newLogger: %v", err)
	}
	logger.Info("shown", "peer", "peer-a")
	if !strings.Contains(buffer.String(), "peer=peer-a") {
		t.Fatalf("output %q is not text format", buffer.String())
	}

	if _, err := newLogger(&buffer, config.LoggingConfig{Level: "chatty"}); err == nil {
		t.Fatal("newLogger accepted an unknown level")
	}
}

func TestSessionConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Room.Name = "notes"
	cfg.Identity.PeerID = "peer-a"
	cfg.Transport.ReconnectInterval = "off"
	cfg.ICE.Servers = append(cfg.ICE.Servers, config.ICEServerConfig{
		URLs:       []string{"turn:turn.example.com:3478"},
		Username:   "ada",
		Credential: "secret",
	})
	cfg.Access = &config.AccessConfig{Participants: map[string][]string{"peer-b": {"read"}}}

	settings, err := sessionConfig(cfg, testutil.Logger())
	if err != nil {
		t.Fatalf("sessionConfig: %v", err)
	}
	if settings.Room != "notes" || settings.PeerID != "peer-a" || settings.Document != "content" {
		t.Fatalf("settings = %+v", settings)
	}
	if len(settings.ICE.Servers) != 2 {
		t.Fatalf("ice servers = %d, want 2", len(settings.ICE.Servers))
	}
	if settings.ReconnectInterval >= 0 {
		t.Fatalf("reconnect interval = %v, want disabled", settings.ReconnectInterval)
	}
	if settings.PresenceTimeout != 30*time.Second {
		t.Fatalf("presence timeout = %v, want 30s", settings.PresenceTimeout)
	}
	if settings.Authorizer == nil || !settings.Authorizer.Allowed("peer-b", access.Read) || settings.Authorizer.Allowed("peer-b", access.Write) {
		t.Fatal("authorizer does not reflect the access section")
	}

	cfg.ICE.Servers = []config.ICEServerConfig{{URLs: []string{"turn:turn.example.com"}}}
	if _, err := sessionConfig(cfg, testutil.Logger()); err == nil {
		t.Fatal("sessionConfig accepted a TURN server without credentials")
	}
}

func TestWriteOutput(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "notes.md")

	for _, content := range []string{"first\n", "second\n", ""} {
		if err := writeOutput(path, content); err != nil {
			t.Fatalf("writeOutput: %v", err)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			t.Fatalf("ReadFile: %v", err)
		}
		if string(data) != content {
			t.Fatalf("file = %q, want %q", data, content)
		}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("directory has %d entries, want only the output file", len(entries))
	}

	if err := writeOutput(filepath.Join(dir, "missing", "notes.md"), "x"); err == nil {
		t.Fatal("writeOutput into a missing directory succeeded")
	}
}

func TestServeMirrorsStdin(t *testing.T) {
	t.Setenv(config.EnvVar, "")
	cfg, err := loadConfig(options{room: "notes"})
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	settings, err := sessionConfig(cfg, testutil.Logger())
	if err != nil {
		t.Fatalf("sessionConfig: %v", err)
	}
	settings.Transport = soloTransport{}
	settings.ReconnectInterval = -1

	output := filepath.Join(t.TempDir(), "notes.md")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() {
		done <- serve(ctx, settings, strings.NewReader("first line\nsecond line\n"), output, testutil.Logger())
	}()

	want := "first line\nsecond line\n"
	deadline := time.Now().Add(5 * time.Second)
	for {
		data, _ := os.ReadFile(output)
		if string(data) == want {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("output = %q, want %q", data, want)
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	if err := testutil.RequireReceive(t, done, 5*time.Second, "waiting for serve to return"); err != nil {
		t.Fatalf("serve: %v", err)
	}
}

func TestRunRejectsArguments(t *testing.T) {
	if err := run([]string{"extra"}, strings.NewReader("")); err == nil {
		t.Fatal("run accepted a positional argument")
	}
	if err := run([]string{"--no-such-flag"}, strings.NewReader("")); err == nil {
		t.Fatal("run accepted an unknown flag")
	}
}
