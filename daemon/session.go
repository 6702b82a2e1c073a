// Copyright 2026 The Remem Authors
// SPDX-License-Identifier: Apache-2.0

package daemon

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sys/unix"

	"github.com/remem-project/remem/control"
	"github.com/remem-project/remem/fabric"
	"github.com/remem-project/remem/pooldb"
)

// sessionSettings are the environment-resolved knobs a session serves
// requests with: listen address, persist method, lane cap, worker
// count, and the in-band accept timeout.
type sessionSettings struct {
	node          string
	method        control.PersistMethod
	maxLanes      uint32
	threads       int
	acceptTimeout time.Duration
}

// Session holds the state of one daemon session: at most one open pool
// and its data plane, plus the closing flag that ends the request
// loop. It implements [control.Handlers].
//
// Request handling is strictly sequential, so Session needs no
// locking. Failure paths release partially acquired resources in
// reverse acquisition order (data plane, then pool) and report a
// status to the client whenever a response can still be sent.
type Session struct {
	srv *control.Server
	db  *pooldb.DB
	log *slog.Logger

	sessionSettings

	pool *pooldb.Pool
	fab  *fabric.Server

	closing bool
}

func newSession(srv *control.Server, db *pooldb.DB, logger *slog.Logger, settings sessionSettings) *Session {
	return &Session{
		srv:             srv,
		db:              db,
		log:             logger,
		sessionSettings: settings,
	}
}

// Closing reports whether the session has ended: a close exchange
// completed, or a failure made further requests impossible.
func (s *Session) Closing() bool {
	return s.closing
}

// OnCreate provisions a new pool and stands up its data plane.
//
// Request-level failures (pool exists, bad size) are reported in the
// response and leave the session ready for another request; data-plane
// failures force the session closed. A failure after the success
// response went out cannot be reported at all, only unwound.
func (s *Session) OnCreate(req *control.CreateRequest) error {
	s.log.Info("create request",
		"descriptor", req.Descriptor,
		"pool_size", req.PoolSize,
		"lanes", req.Lanes,
		"provider", req.Provider.String(),
	)

	if s.pool != nil {
		s.log.Error("create while a pool is attached")
		return s.srv.SendCreateResponse(control.StatusFatal, nil)
	}

	pool, err := s.db.Create(req.Descriptor, &req.Attributes)
	if err != nil {
		status := statusFromError(err)
		s.log.Error("pool create failed", "descriptor", req.Descriptor, "status", status.String(), "error", err)
		return s.srv.SendCreateResponse(status, nil)
	}

	if req.PoolSize > uint64(pool.Capacity()) {
		s.log.Error("requested size exceeds pool capacity",
			"requested", req.PoolSize, "capacity", pool.Capacity())
		s.removeCreated(pool, req.Descriptor)
		return s.srv.SendCreateResponse(control.StatusBadSize, nil)
	}

	fab, resource, err := s.initFabric(pool, req.PoolSize, req.Lanes, req.Provider)
	if err != nil {
		s.log.Error("data plane initialization failed", "status", control.StatusFatalConn.String(), "error", err)
		s.removeCreated(pool, req.Descriptor)
		s.closing = true
		return s.srv.SendCreateResponse(control.StatusFatalConn, nil)
	}

	s.logResource(resource)
	if err := s.srv.SendCreateResponse(control.StatusOK, resource); err != nil {
		s.log.Error("sending create response failed", "error", err)
		fab.Fini()
		s.removeCreated(pool, req.Descriptor)
		s.closing = true
		return err
	}

	if err := s.startDataPlane(fab); err != nil {
		s.log.Error("data plane bring-up failed", "status", control.StatusFatalConn.String(), "error", err)
		fab.Fini()
		s.removeCreated(pool, req.Descriptor)
		s.closing = true
		return err
	}

	s.pool = pool
	s.fab = fab
	return nil
}

// OnOpen attaches an existing pool and stands up its data plane. Same
// shape as OnCreate, but the pool's stored attributes travel back in
// the response, and unwinding never removes the pool: it existed
// before this session.
func (s *Session) OnOpen(req *control.OpenRequest) error {
	s.log.Info("open request",
		"descriptor", req.Descriptor,
		"pool_size", req.PoolSize,
		"lanes", req.Lanes,
		"provider", req.Provider.String(),
	)

	if s.pool != nil {
		s.log.Error("open while a pool is attached")
		return s.srv.SendOpenResponse(control.StatusFatal, nil, nil)
	}

	pool, attrs, err := s.db.Open(req.Descriptor)
	if err != nil {
		status := statusFromError(err)
		s.log.Error("pool open failed", "descriptor", req.Descriptor, "status", status.String(), "error", err)
		return s.srv.SendOpenResponse(status, nil, nil)
	}

	if req.PoolSize > uint64(pool.Capacity()) {
		s.log.Error("requested size exceeds pool capacity",
			"requested", req.PoolSize, "capacity", pool.Capacity())
		s.closeAttached(pool)
		return s.srv.SendOpenResponse(control.StatusBadSize, nil, nil)
	}

	fab, resource, err := s.initFabric(pool, req.PoolSize, req.Lanes, req.Provider)
	if err != nil {
		s.log.Error("data plane initialization failed", "status", control.StatusFatalConn.String(), "error", err)
		s.closeAttached(pool)
		s.closing = true
		return s.srv.SendOpenResponse(control.StatusFatalConn, nil, nil)
	}

	s.logResource(resource)
	if err := s.srv.SendOpenResponse(control.StatusOK, resource, attrs); err != nil {
		s.log.Error("sending open response failed", "error", err)
		fab.Fini()
		s.closeAttached(pool)
		s.closing = true
		return err
	}

	if err := s.startDataPlane(fab); err != nil {
		s.log.Error("data plane bring-up failed", "status", control.StatusFatalConn.String(), "error", err)
		fab.Fini()
		s.closeAttached(pool)
		s.closing = true
		return err
	}

	s.pool = pool
	s.fab = fab
	return nil
}

// OnClose tears the session down: pool first, then data-plane
// processing, then the response, then the wait for the peer's in-band
// close. A stop failure becomes the response status rather than
// aborting the teardown; resource release is unconditional, response
// delivery best-effort.
func (s *Session) OnClose() error {
	s.log.Info("close request")
	s.closing = true

	if s.pool == nil {
		s.log.Error("close with no pool attached")
		return s.srv.SendCloseResponse(control.StatusFatal)
	}

	if err := s.pool.Close(); err != nil {
		s.log.Warn("pool close failed", "error", err)
	}
	s.pool = nil

	status := control.StatusOK
	if err := s.fab.ProcessStop(); err != nil {
		status = statusFromError(err)
		s.log.Error("data plane stop failed", "status", status.String(), "error", err)
	}

	err := s.srv.SendCloseResponse(status)
	if err != nil {
		s.log.Error("sending close response failed", "error", err)
	} else if werr := s.fab.WaitClose(-1); werr != nil {
		s.log.Warn("waiting for peer close failed", "error", werr)
	}

	s.fab.Close()
	s.fab.Fini()
	s.fab = nil
	return err
}

// initFabric stands up the data plane for a freshly attached pool. The
// replication region is the requested prefix of the pool body; the
// header never travels.
func (s *Session) initFabric(pool *pooldb.Pool, size uint64, lanes uint32, provider control.Provider) (*fabric.Server, *control.ResourceAttributes, error) {
	if provider != control.ProviderSockets {
		return nil, nil, fmt.Errorf("provider %s not available", provider)
	}
	return fabric.Init(fabric.Config{
		Node:          s.node,
		Memory:        pool.Data()[:size],
		Persist:       pool.Persist,
		Lanes:         lanes,
		MaxLanes:      s.maxLanes,
		Threads:       s.threads,
		Method:        s.method,
		AcceptTimeout: s.acceptTimeout,
	})
}

// startDataPlane waits for the client's in-band connection and starts
// frame processing. A start failure closes the accepted connection
// here; both failures leave listener teardown to the caller's Fini.
func (s *Session) startDataPlane(fab *fabric.Server) error {
	s.log.Info("waiting for in-band connection")
	if err := fab.Accept(); err != nil {
		return fmt.Errorf("in-band accept: %w", err)
	}
	s.log.Info("in-band connection established")
	if err := fab.ProcessStart(); err != nil {
		fab.Close()
		return fmt.Errorf("data plane start: %w", err)
	}
	return nil
}

// removeCreated unwinds a pool provisioned by the current create
// request: close the handle, delete the part file. Nothing of the
// failed create may remain in the database.
func (s *Session) removeCreated(pool *pooldb.Pool, desc string) {
	if err := pool.Close(); err != nil {
		s.log.Warn("closing discarded pool failed", "error", err)
	}
	if err := s.db.Remove(desc); err != nil {
		s.log.Warn("removing discarded pool failed", "descriptor", desc, "error", err)
	}
}

// closeAttached unwinds a pool attached by the current open request.
// The pool predates the session, so it is closed but never removed.
func (s *Session) closeAttached(pool *pooldb.Pool) {
	if err := pool.Close(); err != nil {
		s.log.Warn("closing pool failed", "error", err)
	}
}

func (s *Session) logResource(resource *control.ResourceAttributes) {
	s.log.Info("data plane ready",
		"port", resource.Port,
		"lanes", resource.Lanes,
		"persist_method", resource.Persist.String(),
	)
}

// statusFromError folds a collaborator error into a response status.
// Errors carrying an OS error number use the protocol mapping;
// anything else is fatal. Raw errors never cross the protocol
// boundary.
func statusFromError(err error) control.Status {
	var errno unix.Errno
	if errors.As(err, &errno) {
		return control.StatusFromErrno(errno)
	}
	return control.StatusFatal
}
