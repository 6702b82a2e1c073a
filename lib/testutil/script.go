// Copyright 2026 The Remem Authors
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"os"
	"path/filepath"
)

// scriptTB is the slice of testing.T that Script needs.
type scriptTB interface {
	Helper()
	Fatalf(format string, args ...any)
	TempDir() string
}

// Script writes body as an executable shell script in a fresh temp
// directory and returns its path. The body should start with a
// "#!/bin/sh" line. Tests install the returned path as a stand-in for
// an external binary, typically through the REMEM_SSH environment
// override.
func Script(t scriptTB, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "stub.sh")
	if err := os.WriteFile(path, []byte(body), 0o755); err != nil {
		t.Fatalf("write stub script: %v", err)
	}
	return path
}
