// Copyright 2026 The Remem Authors
// SPDX-License-Identifier: Apache-2.0

// rememd is the remote pool replication daemon. It is normally spawned
// on the pool host by a replication client through ssh, not run by
// hand: the client executes "rememd" as the remote command and the ssh
// session's standard streams become the session channels.
//
//	stdin   control requests (create, open, close)
//	stdout  readiness word, then control responses
//	stderr  diagnostic text, fetched by the client on failure
//
// The process serves exactly one client and exits when the session
// ends: status 0 after a clean close exchange, 1 when initialization
// fails (the failure is also reported in the readiness word) or the
// session dies mid-stream.
//
// Configuration comes from --config, else $REMEMD_CONFIG, else
// /etc/rememd.yaml, else built-in defaults; a daemon spawned over ssh
// usually runs with no arguments at all.
package main
