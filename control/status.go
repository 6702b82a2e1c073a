// Copyright 2026 The Remem Authors
// SPDX-License-Identifier: Apache-2.0

package control

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Status is the outcome of a control request. The set is closed: every
// response carries exactly one of these values, and pool-database errors
// are folded into it by StatusFromErrno before anything reaches the
// wire.
type Status uint8

const (
	// StatusOK is success.
	StatusOK Status = iota

	// StatusExists: create found the pool already provisioned.
	StatusExists

	// StatusNoAccess: the daemon lacks permission on the pool files.
	StatusNoAccess

	// StatusNoExist: the descriptor names no known pool.
	StatusNoExist

	// StatusBusy: another daemon holds the pool's lock.
	StatusBusy

	// StatusBadSize: the requested size does not fit the provisioned
	// pool. Raised by validation, never mapped from an OS error.
	StatusBadSize

	// StatusFatal: an unrecoverable request-level failure, including
	// any pool-database error with no specific mapping and protocol
	// misuse such as a second create on a live session.
	StatusFatal

	// StatusFatalConn: data-plane setup or accept failed. The session
	// cannot continue; the daemon shuts down after reporting it.
	StatusFatalConn
)

// String returns the status name used in logs and error text.
func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusExists:
		return "pool already exists"
	case StatusNoAccess:
		return "access denied"
	case StatusNoExist:
		return "pool does not exist"
	case StatusBusy:
		return "pool is busy"
	case StatusBadSize:
		return "invalid pool size"
	case StatusFatal:
		return "fatal error"
	case StatusFatalConn:
		return "fatal connection error"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// valid reports whether s is one of the defined status values. Used on
// the client side to reject corrupt responses.
func (s Status) valid() bool {
	return s <= StatusFatalConn
}

// StatusFromErrno maps an OS error number from a pool-database call to
// the status reported to the client. The mapping is total: every errno
// yields a status, with StatusFatal for anything without a specific
// meaning at the protocol level. StatusBadSize and StatusFatalConn are
// never produced here.
func StatusFromErrno(errno unix.Errno) Status {
	switch errno {
	case 0:
		return StatusOK
	case unix.EEXIST:
		return StatusExists
	case unix.EACCES:
		return StatusNoAccess
	case unix.ENOENT:
		return StatusNoExist
	case unix.EWOULDBLOCK:
		return StatusBusy
	default:
		return StatusFatal
	}
}

// StatusError is a non-OK status returned by the daemon in an otherwise
// well-formed response. Callers distinguish it from transport failure:
// the control channel is still usable after a StatusError (except for
// StatusFatalConn, after which the daemon is shutting down).
type StatusError struct {
	// Op is the request that failed: "create", "open" or "close".
	Op string

	// Status is the daemon's verdict.
	Status Status
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Status)
}
