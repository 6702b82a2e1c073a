// Copyright 2026 The Remem Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides YAML configuration loading for the rememd
// daemon.
//
// rememd is normally spawned on the remote side of an ssh connection
// with no arguments, so unlike an interactively launched service it
// cannot insist on explicit configuration. [Load] therefore resolves
// the file in order: REMEMD_CONFIG environment variable, then
// /etc/rememd.yaml, then built-in defaults. A file named explicitly
// (env variable or --config flag via [LoadFile]) must exist; the
// system-wide path is optional.
//
// Variable expansion is performed on path fields after loading:
// ${HOME} and ${VAR:-default} patterns are expanded. No other
// environment variables override config values.
//
// Key exports:
//
//   - [Config] -- pool directory, logging, fabric and persist settings
//   - [Default] -- returns a Config with usable defaults
//   - [Load] and [LoadFile] -- the two entry points for loading
//
// This package depends on no other remem packages.
package config
