// Copyright 2026 The Remem Authors
// SPDX-License-Identifier: Apache-2.0

package fabric

import (
	"bytes"
	"crypto/rand"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/remem-project/remem/control"
	"github.com/remem-project/remem/lib/testutil"
)

// persistRecorder stands in for a pool's persist function and keeps
// every range it was asked to flush.
type persistRecorder struct {
	mu     sync.Mutex
	ranges [][2]int64
	fail   error
}

func (r *persistRecorder) persist(offset, length int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return r.fail
	}
	r.ranges = append(r.ranges, [2]int64{offset, length})
	return nil
}

func (r *persistRecorder) snapshot() [][2]int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][2]int64(nil), r.ranges...)
}

type pairConfig struct {
	method   control.PersistMethod
	tag      CompressionTag
	lanes    uint32
	maxLanes uint32
	threads  int
	size     int
	recorder *persistRecorder
}

// newPair stands up a connected server and client over loopback with
// processing running, and returns both halves with their memory
// regions.
func newPair(t *testing.T, pc pairConfig) (*Server, *Client, []byte, []byte, *control.ResourceAttributes) {
	t.Helper()
	if pc.lanes == 0 {
		pc.lanes = 4
	}
	if pc.threads == 0 {
		pc.threads = 2
	}
	if pc.size == 0 {
		pc.size = 256 * 1024
	}
	if pc.method == 0 {
		pc.method = control.PersistAPM
	}
	if pc.recorder == nil {
		pc.recorder = &persistRecorder{}
	}
	serverMemory := make([]byte, pc.size)
	clientMemory := make([]byte, pc.size)

	server, attrs, err := Init(Config{
		Node:          "127.0.0.1",
		Memory:        serverMemory,
		Persist:       pc.recorder.persist,
		Lanes:         pc.lanes,
		MaxLanes:      pc.maxLanes,
		Threads:       pc.threads,
		Method:        pc.method,
		AcceptTimeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(func() { server.Fini() })

	acceptErr := make(chan error, 1)
	go func() { acceptErr <- server.Accept() }()

	client, err := Connect(dataAddr(attrs), clientMemory, attrs, pc.tag)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	if err := testutil.RequireReceive(t, acceptErr, 5*time.Second, "waiting for Accept"); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if err := server.ProcessStart(); err != nil {
		t.Fatalf("ProcessStart: %v", err)
	}
	return server, client, serverMemory, clientMemory, attrs
}

func dataAddr(attrs *control.ResourceAttributes) string {
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(int(attrs.Port)))
}

func fillPattern(buf []byte, seed byte) {
	for i := range buf {
		buf[i] = seed + byte(i%251)
	}
}

func TestResourceAttributes(t *testing.T) {
	t.Parallel()
	recorder := &persistRecorder{}
	_, _, _, _, attrs := newPair(t, pairConfig{lanes: 8, maxLanes: 4, recorder: recorder})
	if attrs.Lanes != 4 {
		t.Errorf("negotiated lanes = %d, want 4 (requested 8, capped at 4)", attrs.Lanes)
	}
	if attrs.Port == 0 {
		t.Error("advertised port is zero")
	}
	if attrs.RKey == 0 {
		t.Error("remote key is zero")
	}
	if attrs.RAddr == 0 || attrs.RAddr%4096 != 0 {
		t.Errorf("remote base 0x%x is not a nonzero page-aligned address", attrs.RAddr)
	}
	if attrs.Persist != control.PersistAPM {
		t.Errorf("persist method = %v, want %v", attrs.Persist, control.PersistAPM)
	}
}

func TestPersistAppendMethod(t *testing.T) {
	t.Parallel()
	recorder := &persistRecorder{}
	server, client, serverMemory, clientMemory, _ := newPair(t, pairConfig{
		method:   control.PersistAPM,
		recorder: recorder,
	})

	fillPattern(clientMemory, 7)
	if err := client.Persist(0, 0, int64(len(clientMemory))); err != nil {
		t.Fatalf("Persist: %v", err)
	}

	// Under the append method the acknowledgment implies durability,
	// so once Persist returns the remote bytes and the recorded
	// flushes are already in place.
	if !bytes.Equal(serverMemory, clientMemory) {
		t.Error("remote region does not match local region")
	}
	var flushed int64
	for _, r := range recorder.snapshot() {
		flushed += r[1]
	}
	if flushed != int64(len(clientMemory)) {
		t.Errorf("flushed %d bytes, want %d", flushed, len(clientMemory))
	}
	if err := server.ProcessStop(); err != nil {
		t.Errorf("ProcessStop: %v", err)
	}
}

func TestPersistGeneralPurposeMethod(t *testing.T) {
	t.Parallel()
	recorder := &persistRecorder{}
	server, client, serverMemory, clientMemory, _ := newPair(t, pairConfig{
		method:   control.PersistGPSPM,
		recorder: recorder,
	})

	fillPattern(clientMemory, 31)
	const offset, length = 8192, 64 * 1024
	if err := client.Persist(1, offset, length); err != nil {
		t.Fatalf("Persist: %v", err)
	}

	if !bytes.Equal(serverMemory[offset:offset+length], clientMemory[offset:offset+length]) {
		t.Error("remote range does not match local range")
	}
	// One persist operation flushes the whole range: writes stream
	// unacknowledged and the flush is the single acknowledged barrier.
	if got := recorder.snapshot(); len(got) != 1 || got[0] != [2]int64{offset, length} {
		t.Errorf("recorded flushes = %v, want [[%d %d]]", got, offset, length)
	}
	if err := server.ProcessStop(); err != nil {
		t.Errorf("ProcessStop: %v", err)
	}
}

func TestPersistChunksLargeRanges(t *testing.T) {
	t.Parallel()
	recorder := &persistRecorder{}
	size := maxFramePayload + 64*1024
	_, client, serverMemory, clientMemory, _ := newPair(t, pairConfig{
		method:   control.PersistAPM,
		size:     size,
		recorder: recorder,
	})

	fillPattern(clientMemory, 101)
	if err := client.Persist(2, 0, int64(size)); err != nil {
		t.Fatalf("Persist: %v", err)
	}
	if !bytes.Equal(serverMemory, clientMemory) {
		t.Error("remote region does not match local region")
	}
	if got := len(recorder.snapshot()); got != 2 {
		t.Errorf("chunked persist recorded %d flushes, want 2", got)
	}
}

func TestReadBack(t *testing.T) {
	t.Parallel()
	_, client, _, clientMemory, _ := newPair(t, pairConfig{tag: CompressionLZ4})

	fillPattern(clientMemory, 55)
	if err := client.Persist(0, 0, int64(len(clientMemory))); err != nil {
		t.Fatalf("Persist: %v", err)
	}

	buf := make([]byte, 48*1024)
	if err := client.Read(3, buf, 4096); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(buf, clientMemory[4096:4096+len(buf)]) {
		t.Error("read-back bytes do not match replicated bytes")
	}
}

func TestReplicationAcrossCompressionTags(t *testing.T) {
	t.Parallel()
	for _, tag := range []CompressionTag{CompressionNone, CompressionLZ4, CompressionZstd} {
		t.Run(tag.String(), func(t *testing.T) {
			t.Parallel()
			_, client, serverMemory, clientMemory, _ := newPair(t, pairConfig{tag: tag})

			// Compressible front half, incompressible back half, so
			// every tag exercises both its own path and the raw
			// fallback.
			half := len(clientMemory) / 2
			fillPattern(clientMemory[:half], 3)
			if _, err := rand.Read(clientMemory[half:]); err != nil {
				t.Fatalf("rand.Read: %v", err)
			}
			if err := client.Persist(0, 0, int64(len(clientMemory))); err != nil {
				t.Fatalf("Persist: %v", err)
			}
			if !bytes.Equal(serverMemory, clientMemory) {
				t.Error("remote region does not match local region")
			}
		})
	}
}

func TestConcurrentLanes(t *testing.T) {
	t.Parallel()
	const lanes = 4
	_, client, serverMemory, clientMemory, attrs := newPair(t, pairConfig{
		lanes:   lanes,
		threads: 2,
	})
	if attrs.Lanes != lanes {
		t.Fatalf("negotiated lanes = %d, want %d", attrs.Lanes, lanes)
	}

	// Each lane owns a disjoint stripe and rewrites it twice; the
	// second write must win, which is exactly the per-lane ordering
	// guarantee.
	stripe := int64(len(clientMemory) / lanes)
	var wg sync.WaitGroup
	errs := make([]error, lanes)
	for lane := uint32(0); lane < lanes; lane++ {
		wg.Add(1)
		go func(lane uint32) {
			defer wg.Done()
			offset := int64(lane) * stripe
			fillPattern(clientMemory[offset:offset+stripe], byte(lane))
			if err := client.Persist(lane, offset, stripe); err != nil {
				errs[lane] = err
				return
			}
			fillPattern(clientMemory[offset:offset+stripe], byte(lane)+128)
			errs[lane] = client.Persist(lane, offset, stripe)
		}(lane)
	}
	wg.Wait()
	for lane, err := range errs {
		if err != nil {
			t.Fatalf("lane %d: %v", lane, err)
		}
	}
	if !bytes.Equal(serverMemory, clientMemory) {
		t.Error("remote region does not match local region after concurrent lanes")
	}
}

func TestCloseHandshake(t *testing.T) {
	t.Parallel()
	server, client, _, clientMemory, _ := newPair(t, pairConfig{})

	fillPattern(clientMemory[:4096], 9)
	if err := client.Persist(0, 0, 4096); err != nil {
		t.Fatalf("Persist: %v", err)
	}
	if err := server.ProcessStop(); err != nil {
		t.Fatalf("ProcessStop: %v", err)
	}
	if err := client.Close(); err != nil {
		t.Fatalf("client Close: %v", err)
	}
	if err := server.WaitClose(-1); err != nil {
		t.Fatalf("WaitClose: %v", err)
	}
	if err := server.Close(); err != nil {
		t.Errorf("server Close: %v", err)
	}
	if err := server.Fini(); err != nil {
		t.Errorf("Fini: %v", err)
	}
}

func TestWaitCloseTimeout(t *testing.T) {
	t.Parallel()
	server, _, _, _, _ := newPair(t, pairConfig{})
	if err := server.ProcessStop(); err != nil {
		t.Fatalf("ProcessStop: %v", err)
	}
	err := server.WaitClose(50 * time.Millisecond)
	if err == nil || !strings.Contains(err.Error(), "timed out") {
		t.Errorf("WaitClose error = %v, want timeout", err)
	}
}

func TestWaitCloseOnVanishedPeer(t *testing.T) {
	t.Parallel()
	server, client, _, _, _ := newPair(t, pairConfig{})
	if err := server.ProcessStop(); err != nil {
		t.Fatalf("ProcessStop: %v", err)
	}
	// The peer drops the connection without announcing the close; the
	// daemon treats that the same as a close.
	client.conn.Close()
	if err := server.WaitClose(5 * time.Second); err != nil {
		t.Errorf("WaitClose after abrupt disconnect: %v", err)
	}
}

func TestHelloRejectsWrongKey(t *testing.T) {
	t.Parallel()
	serverMemory := make([]byte, 64*1024)
	recorder := &persistRecorder{}
	server, attrs, err := Init(Config{
		Node:          "127.0.0.1",
		Memory:        serverMemory,
		Persist:       recorder.persist,
		Lanes:         2,
		AcceptTimeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer server.Fini()

	acceptErr := make(chan error, 1)
	go func() { acceptErr <- server.Accept() }()

	tampered := *attrs
	tampered.RKey++
	_, err = Connect(dataAddr(attrs), make([]byte, 64*1024), &tampered, CompressionNone)
	if err == nil || !strings.Contains(err.Error(), "rejected") {
		t.Errorf("Connect with wrong key: error = %v, want rejection", err)
	}
	err = testutil.RequireReceive(t, acceptErr, 5*time.Second, "waiting for Accept")
	if err == nil || !strings.Contains(err.Error(), "remote key mismatch") {
		t.Errorf("Accept error = %v, want remote key mismatch", err)
	}
}

func TestHelloRejectsBadMagic(t *testing.T) {
	t.Parallel()
	serverMemory := make([]byte, 64*1024)
	recorder := &persistRecorder{}
	server, attrs, err := Init(Config{
		Node:          "127.0.0.1",
		Memory:        serverMemory,
		Persist:       recorder.persist,
		Lanes:         2,
		AcceptTimeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer server.Fini()

	acceptErr := make(chan error, 1)
	go func() { acceptErr <- server.Accept() }()

	conn, err := net.Dial("tcp", dataAddr(attrs))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if _, err := conn.Write(bytes.Repeat([]byte{0x5a}, helloRequestLength)); err != nil {
		t.Fatalf("write: %v", err)
	}
	err = testutil.RequireReceive(t, acceptErr, 5*time.Second, "waiting for Accept")
	if err == nil || !strings.Contains(err.Error(), "bad magic") {
		t.Errorf("Accept error = %v, want bad magic", err)
	}
}

func TestAcceptTimeout(t *testing.T) {
	t.Parallel()
	server, _, err := Init(Config{
		Node:          "127.0.0.1",
		Memory:        make([]byte, 4096),
		Persist:       (&persistRecorder{}).persist,
		Lanes:         1,
		AcceptTimeout: 50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer server.Fini()
	if err := server.Accept(); err == nil {
		t.Error("Accept with no client succeeded")
	}
}

func TestOutOfRangeAddressPoisonsSession(t *testing.T) {
	t.Parallel()
	server, client, _, _, _ := newPair(t, pairConfig{})

	// A write past the replication region is a protocol violation:
	// the daemon drops the connection and reports the failure when
	// processing stops.
	err := client.send(&frame{
		op:      opWrite,
		lane:    0,
		addr:    client.raddr + uint64(len(client.memory)),
		length:  16,
		payload: make([]byte, 16),
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for {
		if err := client.Persist(0, 0, 4096); err != nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("connection survived an out-of-range write")
		}
		time.Sleep(5 * time.Millisecond)
	}
	err = server.ProcessStop()
	if err == nil || !strings.Contains(err.Error(), "outside replication region") {
		t.Errorf("ProcessStop error = %v, want out-of-range report", err)
	}
}

func TestPersistFailureSurfacesAtStop(t *testing.T) {
	t.Parallel()
	recorder := &persistRecorder{fail: fmt.Errorf("sync pool range: %w", unix.EIO)}
	server, client, _, _, _ := newPair(t, pairConfig{
		method:   control.PersistAPM,
		recorder: recorder,
	})

	if err := client.Persist(0, 0, 4096); err == nil {
		t.Error("Persist succeeded while the pool cannot flush")
	}
	err := server.ProcessStop()
	if !errors.Is(err, unix.EIO) {
		t.Errorf("ProcessStop error = %v, want EIO", err)
	}
}

func TestProcessStopWithoutStart(t *testing.T) {
	t.Parallel()
	server, _, err := Init(Config{
		Node:    "127.0.0.1",
		Memory:  make([]byte, 4096),
		Persist: (&persistRecorder{}).persist,
		Lanes:   1,
	})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer server.Fini()
	if err := server.ProcessStop(); err != nil {
		t.Errorf("ProcessStop before start: %v", err)
	}
}

func TestBarrier(t *testing.T) {
	t.Parallel()
	recorder := &persistRecorder{}
	_, client, serverMemory, clientMemory, _ := newPair(t, pairConfig{
		method:   control.PersistGPSPM,
		recorder: recorder,
	})

	fillPattern(clientMemory[:8192], 77)
	if err := client.Persist(0, 0, 8192); err != nil {
		t.Fatalf("Persist: %v", err)
	}
	if err := client.Barrier(0); err != nil {
		t.Fatalf("Barrier: %v", err)
	}
	// The barrier acknowledgment orders after the persist on the same
	// lane, so the range is applied by the time it returns.
	if !bytes.Equal(serverMemory[:8192], clientMemory[:8192]) {
		t.Error("remote range does not match local range after barrier")
	}
	if err := client.Barrier(client.lanes); err == nil {
		t.Error("Barrier on out-of-range lane succeeded")
	}
}

func TestClientLaneAndRangeValidation(t *testing.T) {
	t.Parallel()
	_, client, _, _, attrs := newPair(t, pairConfig{lanes: 2})

	if err := client.Persist(attrs.Lanes, 0, 16); err == nil {
		t.Error("Persist on out-of-range lane succeeded")
	}
	if err := client.Persist(0, -1, 16); err == nil {
		t.Error("Persist at negative offset succeeded")
	}
	if err := client.Persist(0, 0, int64(len(client.memory))+1); err == nil {
		t.Error("Persist past the region succeeded")
	}
	if err := client.Read(0, make([]byte, 16), int64(len(client.memory))); err == nil {
		t.Error("Read past the region succeeded")
	}
}
