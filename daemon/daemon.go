// Copyright 2026 The Remem Authors
// SPDX-License-Identifier: Apache-2.0

// Package daemon implements the rememd session: the daemon side of a
// remote pool replication, serving exactly one client for the lifetime
// of the process.
//
// A session is driven entirely over the spawned-process streams. The
// client runs rememd on the remote host (normally through ssh), reads
// one 4-byte readiness word, then issues create/open/close requests on
// the control channel; a successful create or open additionally stands
// up the in-band data plane the client connects to for the actual
// replication traffic.
//
//   - daemon.go: startup sequence, readiness word, request loop
//   - session.go: the create/open/close handlers and their unwind paths
//   - log.go: JSON file logging with an error mirror on the diagnostic
//     stream
//
// Startup initializes the control server before anything else so every
// later failure can still be reported in the readiness word; the
// client's only other window into this process is the diagnostic text
// on stderr.
package daemon

import (
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/remem-project/remem/control"
	"github.com/remem-project/remem/lib/config"
	"github.com/remem-project/remem/pooldb"
)

// Options configures a daemon run. In and Out carry the control
// protocol; under ssh spawn these are the process's stdin and stdout.
// ErrOut is the diagnostic side channel the client's strerror reads.
type Options struct {
	In     io.Reader
	Out    io.Writer
	ErrOut io.Writer

	// ConfigPath, when set, names the configuration file explicitly
	// and bypasses the REMEMD_CONFIG / system-path search.
	ConfigPath string
}

// Run executes one daemon session to completion. It returns nil after
// a clean close exchange; any error means the process should exit
// nonzero. Initialization failures are reported to the client through
// a nonzero readiness word plus a diagnostic line before returning.
func Run(opts Options) error {
	srv := control.NewServer(opts.In, opts.Out)

	cfg, err := loadConfig(opts.ConfigPath)
	if err != nil {
		return initFailure(srv, opts.ErrOut, fmt.Errorf("loading configuration: %w", err))
	}
	if err := cfg.Validate(); err != nil {
		return initFailure(srv, opts.ErrOut, fmt.Errorf("invalid configuration: %w", err))
	}

	logger, closeLog, err := newLogger(cfg.Log, opts.ErrOut)
	if err != nil {
		return initFailure(srv, opts.ErrOut, err)
	}
	defer closeLog()

	threads := cfg.Threads
	if threads == 0 {
		threads = runtime.NumCPU()
	}

	db, err := pooldb.New(cfg.PoolDir)
	if err != nil {
		logger.Error("pool database initialization failed", "dir", cfg.PoolDir, "error", err)
		return initFailure(srv, opts.ErrOut, fmt.Errorf("pool database: %w", err))
	}

	if err := srv.WriteStatus(0); err != nil {
		logger.Error("writing readiness word failed", "error", err)
		return err
	}

	sess := newSession(srv, db, logger, sessionSettings{
		node:          resolveNode(cfg.Fabric.Node),
		method:        resolveMethod(cfg.Persist),
		maxLanes:      cfg.Fabric.MaxLanes,
		threads:       threads,
		acceptTimeout: cfg.Fabric.Timeout(),
	})

	logger.Info("rememd ready",
		"ssh_connection", os.Getenv("SSH_CONNECTION"),
		"user", os.Getenv("USER"),
		"pool_dir", db.Dir(),
		"persist_method", sess.method.String(),
		"threads", threads,
	)

	for {
		if err := srv.Process(sess); err != nil {
			logger.Error("control connection processing failed", "error", err)
			return err
		}
		if sess.Closing() {
			break
		}
	}

	logger.Info("session closed, shutting down")
	return nil
}

// loadConfig resolves the configuration: an explicit path wins, else
// the package-level search order.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	return config.Load()
}

// initFailure reports a startup error to the client: a nonzero
// readiness word (carrying the OS error number when the cause has one)
// and a diagnostic line on the error stream. Returns err so callers
// can `return initFailure(...)`.
func initFailure(srv *control.Server, errOut io.Writer, err error) error {
	word := uint32(1)
	var errno unix.Errno
	if errors.As(err, &errno) && errno != 0 {
		word = uint32(errno)
	}
	// Best effort: the client may already be gone.
	srv.WriteStatus(word)
	fmt.Fprintf(errOut, "rememd: %v\n", err)
	return err
}

// resolveNode picks the data-plane listen address: the configured node
// when set, else the local address the ssh connection arrived on, else
// all interfaces.
func resolveNode(configured string) string {
	if configured != "" {
		return configured
	}
	// SSH_CONNECTION is "client_ip client_port server_ip server_port".
	if fields := strings.Fields(os.Getenv("SSH_CONNECTION")); len(fields) == 4 {
		return fields[2]
	}
	return ""
}

// resolveMethod maps the configured persist switches to the method
// offered to clients. Appliance persist wins when enabled; general
// purpose is the fallback that works on any storage.
func resolveMethod(p config.PersistConfig) control.PersistMethod {
	if p.Appliance {
		return control.PersistAPM
	}
	return control.PersistGPSPM
}
