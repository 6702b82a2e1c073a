// Copyright 2026 The Remem Authors
// SPDX-License-Identifier: Apache-2.0

package replicate

import (
	"bytes"
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/remem-project/remem/control"
	"github.com/remem-project/remem/daemon"
	"github.com/remem-project/remem/fabric"
	"github.com/remem-project/remem/lib/testutil"
	"github.com/remem-project/remem/pooldb"
	"github.com/remem-project/remem/transport"
)

// TestMain doubles as the remote daemon: the ssh stub re-executes this
// binary with REMEM_TEST_DAEMON set, turning the spawned process into
// a real rememd serving on its standard streams.
func TestMain(m *testing.M) {
	if os.Getenv("REMEM_TEST_DAEMON") == "1" {
		err := daemon.Run(daemon.Options{
			In:         os.Stdin,
			Out:        os.Stdout,
			ErrOut:     os.Stderr,
			ConfigPath: os.Getenv("REMEM_TEST_CONFIG"),
		})
		if err != nil {
			os.Exit(1)
		}
		os.Exit(0)
	}
	os.Exit(m.Run())
}

// stubConfig controls the daemon environment a test stands up.
type stubConfig struct {
	// missingPoolDir skips creating the pool directory so daemon
	// startup fails.
	missingPoolDir bool

	// pidFile, when set, makes the stub record the daemon's process
	// id there before starting it.
	pidFile string
}

// installDaemonStub points the transport's remote-shell client at a
// script that runs a real daemon in place of ssh. It returns the pool
// directory the daemon serves.
func installDaemonStub(t *testing.T, cfg stubConfig) string {
	t.Helper()
	dir := t.TempDir()
	poolDir := filepath.Join(dir, "pools")
	if !cfg.missingPoolDir {
		if err := os.MkdirAll(poolDir, 0o755); err != nil {
			t.Fatalf("mkdir pool dir: %v", err)
		}
	}
	cfgPath := filepath.Join(dir, "rememd.yaml")
	doc := fmt.Sprintf("pool_dir: %q\nfabric:\n  node: 127.0.0.1\n", poolDir)
	if err := os.WriteFile(cfgPath, []byte(doc), 0o600); err != nil {
		t.Fatalf("write daemon config: %v", err)
	}

	exe, err := os.Executable()
	if err != nil {
		t.Fatalf("locate test binary: %v", err)
	}
	script := "#!/bin/sh\n"
	if cfg.pidFile != "" {
		script += fmt.Sprintf("echo $$ > %q\n", cfg.pidFile)
	}
	script += fmt.Sprintf("REMEM_TEST_DAEMON=1 REMEM_TEST_CONFIG=%q exec %q\n", cfgPath, exe)
	t.Setenv(transport.EnvSSH, testutil.Script(t, script))
	return poolDir
}

func writeSetFile(t *testing.T, poolDir, name, part string, size int64) {
	t.Helper()
	doc := fmt.Sprintf("{\n\t\"part\": %q,\n\t\"size\": %d,\n}\n", part, size)
	if err := os.WriteFile(filepath.Join(poolDir, name), []byte(doc), 0o600); err != nil {
		t.Fatalf("write pool set: %v", err)
	}
}

func testAttributes() control.PoolAttributes {
	attrs := control.PoolAttributes{
		Major:       1,
		PoolsetUUID: uuid.MustParse("0c41e1bf-e305-4744-934a-0000000000b1"),
		UUID:        uuid.MustParse("0c41e1bf-e305-4744-934a-0000000000b2"),
	}
	copy(attrs.Signature[:], "PMEMOBJ")
	return attrs
}

func TestCreatePersistReadClose(t *testing.T) {
	poolDir := installDaemonStub(t, stubConfig{})
	const poolSize = 64 << 10
	writeSetFile(t, poolDir, "p1.set", "p1.data", poolSize+pooldb.HeaderSize)

	localMem := make([]byte, poolSize)
	attrs := testAttributes()
	pool, err := Create("127.0.0.1", "p1.set", localMem, Options{
		Compression: fabric.CompressionLZ4,
		Attributes:  &attrs,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if got := pool.Lanes(); got != DefaultLanes {
		t.Errorf("negotiated lanes = %d, want %d", got, DefaultLanes)
	}
	if got := pool.Resource().Persist; got != control.PersistGPSPM {
		t.Errorf("persist method = %s, want %s", got, control.PersistGPSPM)
	}
	if got := pool.Attributes(); *got != attrs {
		t.Errorf("attributes = %+v, want %+v", *got, attrs)
	}

	// Long byte runs compress; the random stretch travels raw.
	for i := range localMem {
		localMem[i] = byte(i / 256)
	}
	if _, err := rand.Read(localMem[poolSize/2 : poolSize/2+4096]); err != nil {
		t.Fatalf("generate random stretch: %v", err)
	}
	const chunk = poolSize / 4
	for i := 0; i < 4; i++ {
		if err := pool.Persist(int64(i*chunk), chunk); err != nil {
			t.Fatalf("persist chunk %d: %v", i, err)
		}
	}
	if err := pool.Drain(); err != nil {
		t.Fatalf("drain: %v", err)
	}

	verify := make([]byte, poolSize)
	if err := pool.Read(verify, 0); err != nil {
		t.Fatalf("read back: %v", err)
	}
	if !bytes.Equal(verify, localMem) {
		t.Fatal("remote pool content diverges from the local region")
	}

	if err := pool.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := pool.Close(); !errors.Is(err, ErrPoolClosed) {
		t.Errorf("second Close: got %v, want ErrPoolClosed", err)
	}

	part, err := os.ReadFile(filepath.Join(poolDir, "p1.data"))
	if err != nil {
		t.Fatalf("read part file: %v", err)
	}
	if !bytes.Equal(part[pooldb.HeaderSize:pooldb.HeaderSize+poolSize], localMem) {
		t.Fatal("part file content diverges from the local region")
	}
}

func TestOpenSeesEarlierSession(t *testing.T) {
	poolDir := installDaemonStub(t, stubConfig{})
	const poolSize = 32 << 10
	writeSetFile(t, poolDir, "p1.set", "p1.data", poolSize+pooldb.HeaderSize)

	localMem := make([]byte, poolSize)
	for i := range localMem {
		localMem[i] = byte(i % 131)
	}
	attrs := testAttributes()
	pool, err := Create("127.0.0.1", "p1.set", localMem, Options{Attributes: &attrs})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := pool.Persist(0, poolSize); err != nil {
		t.Fatalf("persist: %v", err)
	}
	if err := pool.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// A second session, a second daemon: the pool and its attribute
	// record come back from disk.
	reopened := make([]byte, poolSize)
	pool, err = Open("127.0.0.1", "p1.set", reopened, Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if got := pool.Attributes(); *got != attrs {
		t.Errorf("stored attributes = %+v, want %+v", *got, attrs)
	}
	if err := pool.Read(reopened, 0); err != nil {
		t.Fatalf("read back: %v", err)
	}
	if !bytes.Equal(reopened, localMem) {
		t.Fatal("reopened pool content diverges from the first session")
	}
	if err := pool.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestCreateExistingPool(t *testing.T) {
	poolDir := installDaemonStub(t, stubConfig{})
	const poolSize = 16 << 10
	writeSetFile(t, poolDir, "p1.set", "p1.data", poolSize+pooldb.HeaderSize)

	localMem := make([]byte, poolSize)
	pool, err := Create("127.0.0.1", "p1.set", localMem, Options{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := pool.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	_, err = Create("127.0.0.1", "p1.set", localMem, Options{})
	var statusErr *control.StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("second Create: got %v, want StatusError", err)
	}
	if statusErr.Op != "create" || statusErr.Status != control.StatusExists {
		t.Errorf("second Create: got %q on %s, want %q on create", statusErr.Status, statusErr.Op, control.StatusExists)
	}
}

func TestCreateOversizedRegion(t *testing.T) {
	poolDir := installDaemonStub(t, stubConfig{})
	const capacity = 8 << 10
	writeSetFile(t, poolDir, "p1.set", "p1.data", capacity+pooldb.HeaderSize)

	localMem := make([]byte, capacity*2)
	_, err := Create("127.0.0.1", "p1.set", localMem, Options{})
	var statusErr *control.StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("Create: got %v, want StatusError", err)
	}
	if statusErr.Status != control.StatusBadSize {
		t.Errorf("Create: got status %q, want %q", statusErr.Status, control.StatusBadSize)
	}
	if _, err := os.Stat(filepath.Join(poolDir, "p1.data")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("rejected create left a part file behind: %v", err)
	}
}

func TestOpenUnknownPool(t *testing.T) {
	installDaemonStub(t, stubConfig{})

	localMem := make([]byte, 4096)
	_, err := Open("127.0.0.1", "missing.set", localMem, Options{})
	var statusErr *control.StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("Open: got %v, want StatusError", err)
	}
	if statusErr.Op != "open" || statusErr.Status != control.StatusNoExist {
		t.Errorf("Open: got %q on %s, want %q on open", statusErr.Status, statusErr.Op, control.StatusNoExist)
	}
}

func TestCreateDaemonStartupFailure(t *testing.T) {
	installDaemonStub(t, stubConfig{missingPoolDir: true})

	localMem := make([]byte, 4096)
	_, err := Create("127.0.0.1", "p1.set", localMem, Options{})
	var handshakeErr *transport.HandshakeError
	if !errors.As(err, &handshakeErr) {
		t.Fatalf("Create: got %v, want HandshakeError", err)
	}
	if handshakeErr.Status != uint32(unix.ENOENT) {
		t.Errorf("handshake status = %d, want %d", handshakeErr.Status, uint32(unix.ENOENT))
	}
	if !strings.Contains(handshakeErr.Diagnostic, "pool database") {
		t.Errorf("diagnostic %q does not name the failing stage", handshakeErr.Diagnostic)
	}
}

func TestWatchdogPoisonsHandleOnDaemonDeath(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "daemon.pid")
	poolDir := installDaemonStub(t, stubConfig{pidFile: pidFile})
	const poolSize = 16 << 10
	writeSetFile(t, poolDir, "p1.set", "p1.data", poolSize+pooldb.HeaderSize)

	localMem := make([]byte, poolSize)
	pool, err := Create("127.0.0.1", "p1.set", localMem, Options{
		MonitorPeriod: 10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	// The readiness handshake happens after the stub records its pid,
	// so the file is in place once Create returns.
	pidText, err := os.ReadFile(pidFile)
	if err != nil {
		t.Fatalf("read pid file: %v", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(pidText)))
	if err != nil {
		t.Fatalf("parse pid %q: %v", pidText, err)
	}
	if err := unix.Kill(pid, unix.SIGKILL); err != nil {
		t.Fatalf("kill daemon: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for pool.alive() == nil {
		if time.Now().After(deadline) {
			t.Fatal("watchdog did not notice the daemon dying")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err := pool.alive(); !errors.Is(err, transport.ErrConnectionReset) {
		t.Fatalf("poisoned handle: got %v, want wrapped ErrConnectionReset", err)
	}
	if err := pool.Persist(0, 4096); !errors.Is(err, transport.ErrConnectionReset) {
		t.Errorf("Persist on poisoned handle: got %v, want wrapped ErrConnectionReset", err)
	}
	if err := pool.Close(); err == nil {
		t.Error("Close after daemon death reported success")
	}
}

func TestCreateEmptyRegion(t *testing.T) {
	t.Parallel()
	if _, err := Create("127.0.0.1", "p1.set", nil, Options{}); err == nil {
		t.Error("Create with an empty region reported success")
	}
	if _, err := Open("127.0.0.1", "p1.set", nil, Options{}); err == nil {
		t.Error("Open with an empty region reported success")
	}
}
