// Copyright 2026 The Remem Authors
// SPDX-License-Identifier: Apache-2.0

package fabric

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/remem-project/remem/control"
)

// Config carries everything the daemon side needs to stand up the data
// plane for one pool.
type Config struct {
	// Node is the local host or address to listen on. The listening
	// port is always ephemeral and reported in the resource
	// attributes.
	Node string

	// Memory is the replication region: the slice of the mapped pool
	// that remote addresses resolve into.
	Memory []byte

	// Persist makes a region of Memory durable. Offsets are relative
	// to the start of Memory.
	Persist func(offset, length int64) error

	// Lanes is the lane count the client requested. The negotiated
	// count is min(Lanes, MaxLanes); a zero MaxLanes applies no cap.
	Lanes    uint32
	MaxLanes uint32

	// Threads caps the worker count. The server runs
	// min(Threads, negotiated lanes) workers, at least one.
	Threads int

	// Method selects the persist semantics. Zero means
	// [control.PersistGPSPM].
	Method control.PersistMethod

	// AcceptTimeout bounds Accept's wait for the in-band connection
	// and its hello. Zero waits forever.
	AcceptTimeout time.Duration
}

// Server is the daemon side of the data plane for a single pool.
// Lifecycle: Init, Accept, ProcessStart, ProcessStop, WaitClose,
// Close, Fini. The lifecycle methods are driven by one goroutine;
// internally, one reader dispatches frames to workers that each own a
// fixed subset of lanes, so per-lane order is preserved while lanes
// proceed in parallel.
type Server struct {
	cfg    Config
	lanes  uint32
	method control.PersistMethod
	rkey   uint64
	raddr  uint64

	listener *net.TCPListener
	conn     net.Conn
	sendMu   sync.Mutex

	started    bool
	stop       chan struct{}
	readerDone chan struct{}
	workers    []chan *frame
	workerWg   sync.WaitGroup

	peerClosed chan struct{}
	closedOnce sync.Once
	connOnce   sync.Once
	lisOnce    sync.Once

	errMu   sync.Mutex
	procErr error
}

// Init opens the data-plane listener for one pool and mints the
// resources the client will address it with: an ephemeral port, a
// random remote key, a random remote base address, and the negotiated
// lane count.
func Init(cfg Config) (*Server, *control.ResourceAttributes, error) {
	if len(cfg.Memory) == 0 {
		return nil, nil, errors.New("fabric: empty replication region")
	}
	if cfg.Persist == nil {
		return nil, nil, errors.New("fabric: nil persist function")
	}
	if cfg.Lanes == 0 {
		return nil, nil, errors.New("fabric: lane count must be positive")
	}
	lanes := cfg.Lanes
	if cfg.MaxLanes > 0 {
		lanes = min(lanes, cfg.MaxLanes)
	}
	method := cfg.Method
	if method == 0 {
		method = control.PersistGPSPM
	}

	listener, err := net.Listen("tcp", net.JoinHostPort(cfg.Node, "0"))
	if err != nil {
		return nil, nil, fmt.Errorf("fabric: listen on %s: %w", cfg.Node, err)
	}
	rkey, err := randomKey()
	if err != nil {
		listener.Close()
		return nil, nil, err
	}
	raddr, err := randomBase()
	if err != nil {
		listener.Close()
		return nil, nil, err
	}

	s := &Server{
		cfg:        cfg,
		lanes:      lanes,
		method:     method,
		rkey:       rkey,
		raddr:      raddr,
		listener:   listener.(*net.TCPListener),
		stop:       make(chan struct{}),
		peerClosed: make(chan struct{}),
	}
	attrs := &control.ResourceAttributes{
		Port:    uint16(s.listener.Addr().(*net.TCPAddr).Port),
		RKey:    rkey,
		RAddr:   raddr,
		Lanes:   lanes,
		Persist: method,
	}
	return s, attrs, nil
}

// randomKey returns a random nonzero remote key.
func randomKey() (uint64, error) {
	for {
		var buf [8]byte
		if _, err := rand.Read(buf[:]); err != nil {
			return 0, fmt.Errorf("fabric: generate remote key: %w", err)
		}
		if key := binary.BigEndian.Uint64(buf[:]); key != 0 {
			return key, nil
		}
	}
}

// randomBase returns a random nonzero page-aligned remote base
// address, shaped like a canonical user-space address so the region
// never wraps the address space.
func randomBase() (uint64, error) {
	for {
		var buf [8]byte
		if _, err := rand.Read(buf[:]); err != nil {
			return 0, fmt.Errorf("fabric: generate remote base: %w", err)
		}
		if base := binary.BigEndian.Uint64(buf[:]) & 0x00007ffffffff000; base != 0 {
			return base, nil
		}
	}
}

// Accept waits for the single in-band connection and validates its
// hello against the advertised remote key and negotiated lane count. A
// connection that fails validation is answered with a rejection and
// closed, and Accept returns the reason.
func (s *Server) Accept() error {
	if s.conn != nil {
		return errors.New("fabric: connection already accepted")
	}
	if s.cfg.AcceptTimeout > 0 {
		s.listener.SetDeadline(time.Now().Add(s.cfg.AcceptTimeout))
		defer s.listener.SetDeadline(time.Time{})
	}
	conn, err := s.listener.Accept()
	if err != nil {
		return fmt.Errorf("fabric: accept in-band connection: %w", err)
	}
	if err := s.checkHello(conn); err != nil {
		conn.Write(encodeHelloReply(false))
		conn.Close()
		return err
	}
	if _, err := conn.Write(encodeHelloReply(true)); err != nil {
		conn.Close()
		return fmt.Errorf("fabric: send hello reply: %w", err)
	}
	s.conn = conn
	return nil
}

func (s *Server) checkHello(conn net.Conn) error {
	if s.cfg.AcceptTimeout > 0 {
		conn.SetReadDeadline(time.Now().Add(s.cfg.AcceptTimeout))
		defer conn.SetReadDeadline(time.Time{})
	}
	var hello [helloRequestLength]byte
	if _, err := io.ReadFull(conn, hello[:]); err != nil {
		return fmt.Errorf("fabric: read hello: %w", err)
	}
	if magic := binary.BigEndian.Uint32(hello[0:4]); magic != helloMagic {
		return fmt.Errorf("fabric: hello carries bad magic 0x%08x", magic)
	}
	if rkey := binary.BigEndian.Uint64(hello[4:12]); rkey != s.rkey {
		return errors.New("fabric: hello remote key mismatch")
	}
	if lanes := binary.BigEndian.Uint32(hello[12:16]); lanes != s.lanes {
		return fmt.Errorf("fabric: hello lane count %d, negotiated %d", lanes, s.lanes)
	}
	return nil
}

// ProcessStart begins servicing data-plane operations on the accepted
// connection. Lane L is owned by worker L mod workers for the life of
// the session, which is what keeps per-lane operations ordered.
func (s *Server) ProcessStart() error {
	if s.conn == nil {
		return errors.New("fabric: no accepted connection")
	}
	if s.started {
		return errors.New("fabric: processing already started")
	}
	workerCount := max(1, min(s.cfg.Threads, int(s.lanes)))
	s.workers = make([]chan *frame, workerCount)
	for i := range s.workers {
		s.workers[i] = make(chan *frame, 64)
		s.workerWg.Add(1)
		go s.runWorker(s.workers[i])
	}
	s.readerDone = make(chan struct{})
	go s.runReader()
	s.started = true
	return nil
}

func (s *Server) runReader() {
	defer close(s.readerDone)
	for {
		f, err := readFrame(s.conn)
		if err != nil {
			if isTimeout(err) {
				select {
				case <-s.stop:
					return
				default:
					continue
				}
			}
			if isDisconnect(err) {
				s.markPeerClosed()
				select {
				case <-s.stop:
				default:
					s.recordError(fmt.Errorf("fabric: connection lost during processing: %w", err))
				}
				return
			}
			s.recordError(fmt.Errorf("fabric: %w", err))
			s.closeConn()
			return
		}
		if f.op == opClose {
			s.markPeerClosed()
			return
		}
		if f.op == opAck {
			s.recordError(errors.New("fabric: unexpected ack frame from client"))
			s.closeConn()
			return
		}
		if f.lane >= s.lanes {
			s.recordError(fmt.Errorf("fabric: lane %d out of range, negotiated %d", f.lane, s.lanes))
			s.closeConn()
			return
		}
		s.workers[int(f.lane)%len(s.workers)] <- f
	}
}

func (s *Server) runWorker(frames <-chan *frame) {
	defer s.workerWg.Done()
	for f := range frames {
		if s.processingError() != nil {
			continue
		}
		if err := s.apply(f); err != nil {
			s.recordError(err)
			s.closeConn()
		}
	}
}

// apply performs one operation against the replication region and
// sends its acknowledgment. Writes are acknowledged only under the
// append persist method, where the acknowledgment implies durability.
func (s *Server) apply(f *frame) error {
	offset, err := s.rangeOffset(f.addr, f.length)
	if err != nil {
		return err
	}
	switch f.op {
	case opWrite:
		copy(s.cfg.Memory[offset:offset+int64(f.length)], f.payload)
		if s.method != control.PersistAPM {
			return nil
		}
		if err := s.cfg.Persist(offset, int64(f.length)); err != nil {
			return err
		}
		return s.sendAck(f, nil)

	case opPersist:
		if err := s.cfg.Persist(offset, int64(f.length)); err != nil {
			return err
		}
		return s.sendAck(f, nil)

	case opRead:
		return s.sendAck(f, s.cfg.Memory[offset:offset+int64(f.length)])

	default:
		return fmt.Errorf("fabric: unexpected %s frame", opName(f.op))
	}
}

// rangeOffset validates a remote address range and translates it to an
// offset into the replication region.
func (s *Server) rangeOffset(addr uint64, length uint32) (int64, error) {
	size := uint64(len(s.cfg.Memory))
	if addr < s.raddr {
		return 0, fmt.Errorf("fabric: address 0x%x below region base 0x%x", addr, s.raddr)
	}
	offset := addr - s.raddr
	if offset > size || uint64(length) > size-offset {
		return 0, fmt.Errorf("fabric: range [0x%x, +%d) outside replication region", addr, length)
	}
	return int64(offset), nil
}

func (s *Server) sendAck(request *frame, payload []byte) error {
	ack := &frame{op: opAck, lane: request.lane, addr: request.addr}
	if payload != nil {
		ack.length = uint32(len(payload))
		ack.payload = payload
		ack.tag = request.tag
	}
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	return writeFrame(s.conn, ack)
}

// ProcessStop stops the reader and drains the workers, leaving the
// connection open for the close handshake. It returns the first error
// encountered during processing, if any. Calling it without processing
// started is a no-op so teardown paths can call it unconditionally.
func (s *Server) ProcessStop() error {
	if !s.started {
		return s.processingError()
	}
	s.started = false
	close(s.stop)
	s.conn.SetReadDeadline(time.Now())
	<-s.readerDone
	s.conn.SetReadDeadline(time.Time{})
	for _, frames := range s.workers {
		close(frames)
	}
	s.workerWg.Wait()
	return s.processingError()
}

// WaitClose waits for the client's close frame or for the peer to go
// away, whichever comes first. A negative timeout waits forever. Call
// it only with processing stopped.
func (s *Server) WaitClose(timeout time.Duration) error {
	select {
	case <-s.peerClosed:
		return nil
	default:
	}
	if s.conn == nil {
		return errors.New("fabric: no accepted connection")
	}
	if s.started {
		return errors.New("fabric: wait for close with processing running")
	}
	if timeout >= 0 {
		s.conn.SetReadDeadline(time.Now().Add(timeout))
		defer s.conn.SetReadDeadline(time.Time{})
	}
	for {
		f, err := readFrame(s.conn)
		if err != nil {
			if isTimeout(err) {
				return errors.New("fabric: timed out waiting for in-band close")
			}
			if isDisconnect(err) {
				s.markPeerClosed()
				return nil
			}
			return fmt.Errorf("fabric: %w", err)
		}
		if f.op == opClose {
			s.markPeerClosed()
			return nil
		}
		return fmt.Errorf("fabric: unexpected %s frame while waiting for close", opName(f.op))
	}
}

// Close releases the in-band connection. Safe to call repeatedly and
// before any connection was accepted.
func (s *Server) Close() error {
	var err error
	s.connOnce.Do(func() {
		if s.conn != nil {
			err = s.conn.Close()
		}
	})
	return err
}

func (s *Server) closeConn() {
	s.connOnce.Do(func() {
		if s.conn != nil {
			s.conn.Close()
		}
	})
}

// Fini releases the listener and whatever else is still held. After
// Fini the server is done for good; a new pool session builds a new
// one.
func (s *Server) Fini() error {
	s.closeConn()
	var err error
	s.lisOnce.Do(func() {
		err = s.listener.Close()
	})
	return err
}

func (s *Server) markPeerClosed() {
	s.closedOnce.Do(func() { close(s.peerClosed) })
}

func (s *Server) recordError(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.procErr == nil {
		s.procErr = err
	}
}

func (s *Server) processingError() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.procErr
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func isDisconnect(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, unix.ECONNRESET) ||
		errors.Is(err, unix.EPIPE)
}
