// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"fmt"
	"strings"

	"github.com/pion/webrtc/v4"
)

// DefaultICEServer is the public STUN server used when none is
// configured.
const DefaultICEServer = "stun:stun.l.google.com:19302"

// ICEConfig holds ICE server configuration for WebRTC PeerConnections.
type ICEConfig struct {
	// Servers is the list of ICE servers (STUN + TURN) to use during
	// candidate gathering. Order matters: pion tries them in sequence.
	Servers []webrtc.ICEServer
}

// ICEServer is one configured STUN or TURN endpoint.
type ICEServer struct {
	URLs       []string
	Username   string
	Credential string
}

// DefaultICEConfig returns a config with DefaultICEServer only.
func DefaultICEConfig() ICEConfig {
	return ICEConfig{Servers: []webrtc.ICEServer{{URLs: []string{DefaultICEServer}}}}
}

// ICEConfigFromServers validates servers and converts them to pion ICE
// server entries. URLs must use the stun, stuns, turn, or turns scheme;
// TURN entries need a username and credential. An empty list yields a
// config with only host candidates, which is enough on one machine or
// LAN.
func ICEConfigFromServers(servers []ICEServer) (ICEConfig, error) {
	var config ICEConfig
	for index, server := range servers {
		if len(server.URLs) == 0 {
			return ICEConfig{}, fmt.Errorf("ICE server %d has no URLs", index)
		}
		relay := false
		for _, url := range server.URLs {
			scheme, _, found := strings.Cut(url, ":")
			if !found {
				return ICEConfig{}, fmt.Errorf("ICE server %d: URL %q has no scheme", index, url)
			}
			switch scheme {
			case "stun", "stuns":
			case "turn", "turns":
				relay = true
			default:
				return ICEConfig{}, fmt.Errorf("ICE server %d: URL %q has unsupported scheme %q", index, url, scheme)
			}
		}
		if relay && (server.Username == "" || server.Credential == "") {
			return ICEConfig{}, fmt.Errorf("ICE server %d: TURN URLs need a username and credential", index)
		}
		entry := webrtc.ICEServer{URLs: append([]string(nil), server.URLs...)}
		if server.Username != "" {
			entry.Username = server.Username
			entry.Credential = server.Credential
		}
		config.Servers = append(config.Servers, entry)
	}
	return config, nil
}
