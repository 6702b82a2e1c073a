// Copyright 2026 The Remem Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/sys/unix"
)

// diagBufferLength is the size of the per-transport diagnostic buffer.
// Remote error text beyond this is dropped.
const diagBufferLength = 4096

// Send writes the whole of p to the outbound stream. A broken pipe or
// reset is normalized to ErrConnectionReset.
func (t *Transport) Send(p []byte) error {
	if t.closed {
		return ErrClosed
	}
	if _, err := t.out.Write(p); err != nil {
		err = normalizeStreamError(err)
		t.lastErr = err
		return err
	}
	return nil
}

// Recv reads exactly len(p) bytes from the inbound stream. A stream
// that ends early is normalized to ErrConnectionReset: the peer closing
// mid-message and the peer being gone are the same condition at this
// layer.
func (t *Transport) Recv(p []byte) error {
	if t.closed {
		return ErrClosed
	}
	if _, err := io.ReadFull(t.in, p); err != nil {
		err = normalizeStreamError(err)
		t.lastErr = err
		return err
	}
	return nil
}

// normalizeStreamError folds the several ways a dead peer shows up into
// ErrConnectionReset. Anything else passes through unchanged.
func normalizeStreamError(err error) error {
	switch {
	case errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, unix.EPIPE),
		errors.Is(err, unix.ECONNRESET):
		return ErrConnectionReset
	case errors.Is(err, os.ErrClosed):
		return ErrClosed
	default:
		return err
	}
}

// Monitor probes session liveness by peeking at the inbound stream
// without consuming anything. It returns (true, nil) when the peer is
// alive and idle, (false, nil) when the peer has closed, and an error
// when the probe itself failed or protocol bytes showed up unsolicited
// (ErrUnexpectedData): the monitor only runs between round trips, so
// queued data means the endpoints have lost framing.
//
// In blocking mode the call does not return while the peer stays
// silent; a watchdog goroutine uses the nonblocking mode on a timer
// instead.
func (t *Transport) Monitor(nonblock bool) (bool, error) {
	if t.closed {
		return false, ErrClosed
	}
	flags := unix.MSG_PEEK
	if nonblock {
		flags |= unix.MSG_DONTWAIT
	}
	var peek [4]byte
	for {
		n, _, err := unix.Recvfrom(int(t.in.Fd()), peek[:], flags)
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN:
			// Nonblocking probe with nothing queued: connected.
			return true, nil
		case err != nil:
			return false, fmt.Errorf("peek control stream: %w", err)
		case n == 0:
			return false, nil
		default:
			return false, ErrUnexpectedData
		}
	}
}

// Strerror fetches the diagnostic text the remote side wrote on the
// error stream, stripping the trailing line ending. When the stream has
// no text, it synthesizes a message from the last stream error, or
// "unknown error". The first call reads the stream and caches; later
// calls return the cached string.
//
// Call it after a failure: the first read blocks until the remote side
// has written something or exited.
func (t *Transport) Strerror() string {
	if t.diag != "" {
		return t.diag
	}
	total := 0
	if !t.closed {
		n, _ := t.errStream.Read(t.diagBuf[:])
		total = n
		total += t.drainDiagnostics(total)
	}
	text := strings.TrimRight(string(t.diagBuf[:total]), "\r\n")
	if text == "" {
		if t.lastErr != nil {
			text = t.lastErr.Error()
		} else {
			text = "unknown error"
		}
	}
	t.diag = text
	return t.diag
}

// drainDiagnostics collects whatever else is already queued on the
// error stream, without blocking. The first blocking read got the
// leading chunk; remote writers may have split the text.
func (t *Transport) drainDiagnostics(total int) int {
	fd := int(t.errStream.Fd())
	drained := 0
	for total+drained < diagBufferLength {
		n, _, err := unix.Recvfrom(fd, t.diagBuf[total+drained:], unix.MSG_DONTWAIT)
		if err == unix.EINTR {
			continue
		}
		if err != nil || n == 0 {
			break
		}
		drained += n
	}
	return drained
}
