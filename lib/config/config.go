// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/bureau-foundation/quire/access"
	"github.com/bureau-foundation/quire/lib/codec"
)

// EnvVar names the environment variable Load reads the config path
// from.
const EnvVar = "QUIRE_CONFIG"

// Environment represents the deployment environment.
type Environment string

const (
	// Development is for local testing against a signaling server on
	// the same machine.
	Development Environment = "development"
	// Production is for peers that meet through public signaling and
	// STUN/TURN servers.
	Production Environment = "production"
)

// Config is the complete configuration for a quire peer.
type Config struct {
	// Environment selects which override section applies.
	Environment Environment `yaml:"environment" json:"environment"`

	Identity  IdentityConfig  `yaml:"identity" json:"identity"`
	Room      RoomConfig      `yaml:"room" json:"room"`
	Signaling SignalingConfig `yaml:"signaling" json:"signaling"`
	ICE       ICEConfig       `yaml:"ice" json:"ice"`
	Transport TransportConfig `yaml:"transport" json:"transport"`
	Presence  PresenceConfig  `yaml:"presence" json:"presence"`
	Logging   LoggingConfig   `yaml:"logging" json:"logging"`

	// Access restricts which peers may read and edit. Without it every
	// peer in the room is trusted.
	Access *AccessConfig `yaml:"access,omitempty" json:"access,omitempty"`

	Development *ConfigOverrides `yaml:"development,omitempty" json:"development,omitempty"`
	Production  *ConfigOverrides `yaml:"production,omitempty" json:"production,omitempty"`
}

// ConfigOverrides contains the sections an environment may override.
// Non-zero fields replace the base values.
type ConfigOverrides struct {
	Signaling *SignalingConfig `yaml:"signaling,omitempty" json:"signaling,omitempty"`
	ICE       *ICEConfig       `yaml:"ice,omitempty" json:"ice,omitempty"`
	Transport *TransportConfig `yaml:"transport,omitempty" json:"transport,omitempty"`
	Presence  *PresenceConfig  `yaml:"presence,omitempty" json:"presence,omitempty"`
	Logging   *LoggingConfig   `yaml:"logging,omitempty" json:"logging,omitempty"`
}

// IdentityConfig describes the local user.
type IdentityConfig struct {
	// PeerID is the transport and awareness id. Empty means a random
	// id per run.
	PeerID string `yaml:"peer_id" json:"peer_id"`

	// Name is shown to other peers.
	// Default: Anonymous User
	Name string `yaml:"name" json:"name"`

	// Color is a CSS color. Empty picks one from the palette.
	Color string `yaml:"color" json:"color"`
}

// RoomConfig names the shared room and document.
type RoomConfig struct {
	Name string `yaml:"name" json:"name"`

	// Document names the shared text inside the room.
	// Default: content
	Document string `yaml:"document" json:"document"`
}

// SignalingConfig configures how peers find each other.
type SignalingConfig struct {
	// Servers are WebSocket URLs tried in order.
	// Default: ws://localhost:4444
	Servers []string `yaml:"servers" json:"servers"`

	// PingInterval keeps idle signaling connections alive.
	// Default: 30s
	PingInterval string `yaml:"ping_interval" json:"ping_interval"`

	// PublishRate caps signaling messages per second.
	// Default: 20
	PublishRate float64 `yaml:"publish_rate" json:"publish_rate"`

	// Listen is the address quire-signal serves on.
	// Default: localhost:4444
	Listen string `yaml:"listen" json:"listen"`
}

// ICEConfig lists STUN and TURN servers.
type ICEConfig struct {
	Servers []ICEServerConfig `yaml:"servers" json:"servers"`
}

// ICEServerConfig is one STUN or TURN endpoint.
type ICEServerConfig struct {
	URLs       []string `yaml:"urls" json:"urls"`
	Username   string   `yaml:"username,omitempty" json:"username,omitempty"`
	Credential string   `yaml:"credential,omitempty" json:"credential,omitempty"`
}

// TransportConfig tunes the peer mesh and frame encoding.
type TransportConfig struct {
	// Default: 50
	MaxConnections int `yaml:"max_connections" json:"max_connections"`

	// ReconnectInterval is how often a disconnected peer retries.
	// "off" disables reconnection.
	// Default: 5s
	ReconnectInterval string `yaml:"reconnect_interval" json:"reconnect_interval"`

	// Compression is none, lz4, or zstd.
	// Default: zstd
	Compression string `yaml:"compression" json:"compression"`

	// CompressionThreshold is the smallest frame body compressed.
	// Default: 1024
	CompressionThreshold int `yaml:"compression_threshold" json:"compression_threshold"`

	// RenewInterval is how often the local presence is re-announced.
	// Default: 15s
	RenewInterval string `yaml:"renew_interval" json:"renew_interval"`
}

// PresenceConfig configures presence tracking.
type PresenceConfig struct {
	// Timeout evicts peers not heard from in this long.
	// Default: 30s
	Timeout string `yaml:"timeout" json:"timeout"`

	// Default: 10
	MaxParticipants int `yaml:"max_participants" json:"max_participants"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	// Level is debug, info, warn, or error.
	// Default: info
	Level string `yaml:"level" json:"level"`

	// Format is text or json.
	// Default: text
	Format string `yaml:"format" json:"format"`
}

// AccessConfig lists participants and the permissions each holds.
type AccessConfig struct {
	// FolderID identifies the shared folder. Default: the room name.
	FolderID string `yaml:"folder" json:"folder"`

	// Participants maps peer ids to permission names.
	Participants map[string][]string `yaml:"participants" json:"participants"`
}

// Default returns the development defaults. A loaded file is merged
// over them.
func Default() *Config {
	return &Config{
		Environment: Development,
		Identity: IdentityConfig{
			Name: "Anonymous User",
		},
		Room: RoomConfig{
			Document: "content",
		},
		Signaling: SignalingConfig{
			Servers:      []string{"ws://localhost:4444"},
			PingInterval: "30s",
			PublishRate:  20,
			Listen:       "localhost:4444",
		},
		ICE: ICEConfig{
			Servers: []ICEServerConfig{{URLs: []string{"stun:stun.l.google.com:19302"}}},
		},
		Transport: TransportConfig{
			MaxConnections:       50,
			ReconnectInterval:    "5s",
			Compression:          "zstd",
			CompressionThreshold: 1024,
			RenewInterval:        "15s",
		},
		Presence: PresenceConfig{
			Timeout:         "30s",
			MaxParticipants: 10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load loads configuration from the file named by QUIRE_CONFIG. It
// fails when the variable is unset.
func Load() (*Config, error) {
	configPath := os.Getenv(EnvVar)
	if configPath == "" {
		return nil, fmt.Errorf("%s environment variable not set; "+
			"set it to the path of your quire.yaml config file, or use --config flag", EnvVar)
	}
	return LoadFile(configPath)
}

// LoadFile loads configuration from path over Default(). Files ending
// in .json or .jsonc are read as JSON with comments; anything else is
// YAML. The environment section matching Environment is applied, then
// ${VAR} references are expanded.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	if err := cfg.loadFile(path); err != nil {
		return nil, err
	}
	cfg.applyEnvironmentOverrides()
	cfg.expandVariables()
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonc":
		if err := json.Unmarshal(jsonc.ToJSON(data), c); err != nil {
			return fmt.Errorf("parsing %s: %w", path, err)
		}
	default:
		if err := yaml.Unmarshal(data, c); err != nil {
			return fmt.Errorf("parsing %s: %w", path, err)
		}
	}
	return nil
}

func (c *Config) applyEnvironmentOverrides() {
	var overrides *ConfigOverrides
	switch c.Environment {
	case Development:
		overrides = c.Development
	case Production:
		overrides = c.Production
		// Production logs JSON unless the file says otherwise.
		if overrides == nil {
			overrides = &ConfigOverrides{
				Logging: &LoggingConfig{Format: "json"},
			}
		}
	}
	if overrides == nil {
		return
	}

	if overrides.Signaling != nil {
		if len(overrides.Signaling.Servers) > 0 {
			c.Signaling.Servers = overrides.Signaling.Servers
		}
		if overrides.Signaling.PingInterval != "" {
			c.Signaling.PingInterval = overrides.Signaling.PingInterval
		}
		if overrides.Signaling.PublishRate != 0 {
			c.Signaling.PublishRate = overrides.Signaling.PublishRate
		}
		if overrides.Signaling.Listen != "" {
			c.Signaling.Listen = overrides.Signaling.Listen
		}
	}

	if overrides.ICE != nil && len(overrides.ICE.Servers) > 0 {
		c.ICE.Servers = overrides.ICE.Servers
	}

	if overrides.Transport != nil {
		if overrides.Transport.MaxConnections != 0 {
			c.Transport.MaxConnections = overrides.Transport.MaxConnections
		}
		if overrides.Transport.ReconnectInterval != "" {
			c.Transport.ReconnectInterval = overrides.Transport.ReconnectInterval
		}
		if overrides.Transport.Compression != "" {
			c.Transport.Compression = overrides.Transport.Compression
		}
		if overrides.Transport.CompressionThreshold != 0 {
			c.Transport.CompressionThreshold = overrides.Transport.CompressionThreshold
		}
		if overrides.Transport.RenewInterval != "" {
			c.Transport.RenewInterval = overrides.Transport.RenewInterval
		}
	}

	if overrides.Presence != nil {
		if overrides.Presence.Timeout != "" {
			c.Presence.Timeout = overrides.Presence.Timeout
		}
		if overrides.Presence.MaxParticipants != 0 {
			c.Presence.MaxParticipants = overrides.Presence.MaxParticipants
		}
	}

	if overrides.Logging != nil {
		if overrides.Logging.Level != "" {
			c.Logging.Level = overrides.Logging.Level
		}
		if overrides.Logging.Format != "" {
			c.Logging.Format = overrides.Logging.Format
		}
	}
}

// expandVariables expands ${VAR} and ${VAR:-default} in the fields
// that commonly come from the environment: names and credentials.
func (c *Config) expandVariables() {
	vars := map[string]string{
		"QUIRE_ROOM": c.Room.Name,
		"USER":       os.Getenv("USER"),
	}
	c.Identity.Name = expandVars(c.Identity.Name, vars)
	c.Identity.PeerID = expandVars(c.Identity.PeerID, vars)
	c.Room.Name = expandVars(c.Room.Name, vars)
	vars["QUIRE_ROOM"] = c.Room.Name
	for index, server := range c.Signaling.Servers {
		c.Signaling.Servers[index] = expandVars(server, vars)
	}
	for index := range c.ICE.Servers {
		server := &c.ICE.Servers[index]
		server.Username = expandVars(server.Username, vars)
		server.Credential = expandVars(server.Credential, vars)
	}
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}
		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Validate checks the configuration and reports every problem found.
func (c *Config) Validate() error {
	var errs []error

	if c.Environment != Development && c.Environment != Production {
		errs = append(errs, fmt.Errorf("invalid environment: %s", c.Environment))
	}
	if c.Room.Name == "" {
		errs = append(errs, errors.New("room.name is required"))
	}
	if c.Room.Document == "" {
		errs = append(errs, errors.New("room.document is required"))
	}

	if len(c.Signaling.Servers) == 0 {
		errs = append(errs, errors.New("signaling.servers must list at least one server"))
	}
	for _, server := range c.Signaling.Servers {
		parsed, err := url.Parse(server)
		if err != nil || (parsed.Scheme != "ws" && parsed.Scheme != "wss") || parsed.Host == "" {
			errs = append(errs, fmt.Errorf("signaling.servers: %q is not a ws:// or wss:// URL", server))
		}
	}
	errs = appendDurationError(errs, "signaling.ping_interval", c.Signaling.PingInterval)
	if c.Signaling.PublishRate < 0 {
		errs = append(errs, errors.New("signaling.publish_rate must not be negative"))
	}

	for index, server := range c.ICE.Servers {
		if len(server.URLs) == 0 {
			errs = append(errs, fmt.Errorf("ice.servers[%d] has no urls", index))
		}
	}

	if c.Transport.MaxConnections < 0 {
		errs = append(errs, errors.New("transport.max_connections must not be negative"))
	}
	if c.Transport.ReconnectInterval != "off" {
		errs = appendDurationError(errs, "transport.reconnect_interval", c.Transport.ReconnectInterval)
	}
	if _, err := codec.ParseCompressionTag(c.Transport.Compression); err != nil {
		errs = append(errs, fmt.Errorf("transport.compression: %w", err))
	}
	if c.Transport.CompressionThreshold < 0 {
		errs = append(errs, errors.New("transport.compression_threshold must not be negative"))
	}
	errs = appendDurationError(errs, "transport.renew_interval", c.Transport.RenewInterval)

	errs = appendDurationError(errs, "presence.timeout", c.Presence.Timeout)
	if c.Presence.MaxParticipants < 0 {
		errs = append(errs, errors.New("presence.max_participants must not be negative"))
	}

	if _, err := c.Logging.SlogLevel(); err != nil {
		errs = append(errs, fmt.Errorf("logging.level: %w", err))
	}
	if !slices.Contains([]string{"text", "json"}, c.Logging.Format) {
		errs = append(errs, fmt.Errorf("logging.format must be one of: text, json (got %q)", c.Logging.Format))
	}

	if c.Access != nil {
		for _, peerID := range sortedKeys(c.Access.Participants) {
			for _, name := range c.Access.Participants[peerID] {
				if _, err := access.ParsePermission(name); err != nil {
					errs = append(errs, fmt.Errorf("access.participants[%s]: %w", peerID, err))
				}
			}
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

func appendDurationError(errs []error, field, value string) []error {
	if value == "" {
		return errs
	}
	duration, err := time.ParseDuration(value)
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", field, err))
	}
	if duration <= 0 {
		return append(errs, fmt.Errorf("%s must be positive, got %s", field, value))
	}
	return errs
}

// parseDuration returns the parsed value, or zero for an empty or
// invalid one. Validate reports invalid values.
func parseDuration(value string) time.Duration {
	duration, err := time.ParseDuration(value)
	if err != nil {
		return 0
	}
	return duration
}

func sortedKeys(m map[string][]string) []string {
	return slices.Sorted(maps.Keys(m))
}

// PingIntervalDuration returns PingInterval, or zero when unset.
func (s SignalingConfig) PingIntervalDuration() time.Duration {
	return parseDuration(s.PingInterval)
}

// ReconnectIntervalDuration returns ReconnectInterval, zero when unset,
// or a negative value when reconnection is "off".
func (t TransportConfig) ReconnectIntervalDuration() time.Duration {
	if t.ReconnectInterval == "off" {
		return -1
	}
	return parseDuration(t.ReconnectInterval)
}

// RenewIntervalDuration returns RenewInterval, or zero when unset.
func (t TransportConfig) RenewIntervalDuration() time.Duration {
	return parseDuration(t.RenewInterval)
}

// CompressionTag returns the configured frame compression. An invalid
// name yields no compression.
func (t TransportConfig) CompressionTag() codec.CompressionTag {
	tag, err := codec.ParseCompressionTag(t.Compression)
	if err != nil {
		return codec.CompressionNone
	}
	return tag
}

// TimeoutDuration returns Timeout, or zero when unset.
func (p PresenceConfig) TimeoutDuration() time.Duration {
	return parseDuration(p.Timeout)
}

// SlogLevel parses Level.
func (l LoggingConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if l.Level == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, err
	}
	return level, nil
}

// NewFolder builds the access records described by the config. The
// folder id defaults to room.
func (a *AccessConfig) NewFolder(room string) (*access.Folder, error) {
	id := a.FolderID
	if id == "" {
		id = room
	}
	folder := access.NewFolder(id, room, "")
	for _, peerID := range sortedKeys(a.Participants) {
		folder.AddParticipant(peerID)
		for _, name := range a.Participants[peerID] {
			permission, err := access.ParsePermission(name)
			if err != nil {
				return nil, fmt.Errorf("participant %s: %w", peerID, err)
			}
			if err := folder.Grant(peerID, permission); err != nil {
				return nil, fmt.Errorf("participant %s: %w", peerID, err)
			}
		}
	}
	return folder, nil
}
