// Copyright 2026 The Remem Authors
// SPDX-License-Identifier: Apache-2.0

// remem is the replication client CLI. Its replicate subcommand maps a
// local file and mirrors it into a pool served by a rememd daemon on a
// remote host, spawning the daemon over ssh the same way the library
// does:
//
//	remem replicate --target backup-host --pool db.set --create db.img
//
// The pool must be described by a set file in the remote daemon's pool
// directory; --create provisions its part file, without --create the
// pool must already exist. The local file is mapped shared and
// read-write, so the mapping itself is the replicated region.
package main
