// Copyright 2026 The Remem Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers for remem packages.
//
// [RequireReceive], [RequireSend], and [RequireClosed] encapsulate the
// timeout safety valve pattern (select with time.After fallback) so
// that tests coordinating with goroutines cannot hang the whole suite
// when the goroutine misbehaves.
//
// [Script] writes an executable shell script into the test's temp
// directory. The transport and daemon tests use it to stand in for the
// remote-shell client binary: the script is installed via the REMEM_SSH
// environment override and fakes the remote side of a session.
//
// All helpers call t.Fatalf on failure rather than returning errors,
// since test setup failures are not recoverable.
//
// This package has no remem-internal dependencies.
package testutil
