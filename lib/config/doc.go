// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads configuration for quire peers and the signaling
// server.
//
// Configuration comes from a single file named either by the
// QUIRE_CONFIG environment variable (via [Load]) or a --config flag
// (via [LoadFile]). Files ending in .json or .jsonc are parsed as JSON
// with comments and trailing commas; every other file is YAML. There
// is no search path and no per-field environment override.
//
// The file may carry development and production sections that override
// base values when [Config].Environment matches. Production without a
// section of its own logs JSON.
//
// ${VAR} and ${VAR:-default} references are expanded in the identity
// name and peer id, the room name, signaling URLs, and ICE
// credentials, so secrets such as TURN passwords can stay out of the
// file.
//
// Duration fields are strings in time.ParseDuration syntax. [Config.Validate]
// reports every invalid field at once; the *Duration accessors return
// zero for values Validate would reject.
package config
