// Copyright 2026 The Remem Authors
// SPDX-License-Identifier: Apache-2.0

// Package transport carries the control protocol between a replication
// client and a remote rememd daemon. The medium is not a socket the
// package opens itself: it spawns a remote-shell client (ssh) as a
// subprocess, which authenticates, reaches the target host, and starts
// the daemon there. The subprocess's three standard streams become the
// session's channels: stdin carries requests, stdout carries responses,
// and stderr is the diagnostic side channel read by Strerror.
//
// The streams are unix socketpairs rather than pipes so that liveness
// probing can peek at the inbound stream without consuming protocol
// bytes.
//
//   - transport.go: dial, handshake, teardown, exit classification
//   - stream.go: send/recv, liveness monitor, diagnostic fetch
//   - command.go: target parsing and remote-shell argument assembly
//
// A Transport is owned by one session and is not safe for concurrent
// use, with one exception: Monitor may run from a watchdog goroutine
// concurrently with Send and Recv. The owner must stop that goroutine
// before calling Close.
package transport

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// Sentinel errors callers branch on.
var (
	// ErrConnectionReset reports that the peer vanished: a zero-byte
	// read, a broken pipe, or a reset connection, normalized to one
	// condition on both the send and receive paths.
	ErrConnectionReset = errors.New("connection reset")

	// ErrUnexpectedData reports that the liveness monitor saw protocol
	// bytes arrive when the session should have been idle.
	ErrUnexpectedData = errors.New("unexpected data on control stream")

	// ErrClosed reports use of a transport after Close.
	ErrClosed = errors.New("transport is closed")
)

// HandshakeError reports that the remote daemon failed to initialize.
// Either the daemon delivered a nonzero status word, or the stream
// ended before the word arrived (the daemon never started). Diagnostic
// carries whatever the remote side wrote on the error stream.
type HandshakeError struct {
	// Status is the daemon's startup word; 0 when the read itself
	// failed before a word arrived.
	Status uint32

	// Diagnostic is the text fetched from the error side channel.
	Diagnostic string

	// Err is the underlying stream error, nil when a nonzero word was
	// read cleanly.
	Err error
}

func (e *HandshakeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("remote daemon handshake: %v: %s", e.Err, e.Diagnostic)
	}
	return fmt.Sprintf("remote daemon failed to start (status %d): %s", e.Status, e.Diagnostic)
}

func (e *HandshakeError) Unwrap() error { return e.Err }

// Transport is one spawned remote-shell session. Created by Dial,
// destroyed exactly once by Close.
type Transport struct {
	cmd *exec.Cmd

	// out feeds the child's stdin (requests), in reads its stdout
	// (responses), errStream reads its stderr (diagnostics).
	out       *os.File
	in        *os.File
	errStream *os.File

	// diagBuf is the fixed per-transport buffer Strerror reads remote
	// error text into; diag caches the extracted string.
	diagBuf [diagBufferLength]byte
	diag    string

	// lastErr remembers the most recent stream failure; Strerror falls
	// back to it when the error stream has no text.
	lastErr error

	closed bool
}

// socketpair returns a connected stream pair wrapped in files, parent
// end first.
func socketpair(name string) (parent, child *os.File, err error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("socketpair for %s: %w", name, err)
	}
	return os.NewFile(uintptr(fds[0]), name+"-parent"), os.NewFile(uintptr(fds[1]), name+"-child"), nil
}

// Dial spawns the remote-shell client toward target, starts the remote
// daemon, and performs the readiness handshake: one 4-byte status word,
// zero meaning the daemon is serving. On handshake failure the
// subprocess is torn down and the returned error is a *HandshakeError
// carrying the remote diagnostic.
func Dial(target Target, cfg DialConfig) (*Transport, error) {
	stdin, stdinChild, err := socketpair("stdin")
	if err != nil {
		return nil, err
	}
	stdout, stdoutChild, err := socketpair("stdout")
	if err != nil {
		stdin.Close()
		stdinChild.Close()
		return nil, err
	}
	stderr, stderrChild, err := socketpair("stderr")
	if err != nil {
		stdin.Close()
		stdinChild.Close()
		stdout.Close()
		stdoutChild.Close()
		return nil, err
	}

	ssh := sshBinary()
	cmd := exec.Command(ssh, buildArgs(target, cfg)...)
	cmd.Stdin = stdinChild
	cmd.Stdout = stdoutChild
	cmd.Stderr = stderrChild

	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdinChild.Close()
		stdout.Close()
		stdoutChild.Close()
		stderr.Close()
		stderrChild.Close()
		return nil, fmt.Errorf("spawn %s: %w", ssh, err)
	}
	// The child holds its own copies of the three streams on fds
	// 0/1/2; drop ours so EOF propagates when either side closes.
	stdinChild.Close()
	stdoutChild.Close()
	stderrChild.Close()

	t := &Transport{
		cmd:       cmd,
		out:       stdin,
		in:        stdout,
		errStream: stderr,
	}

	var word [4]byte
	if err := t.Recv(word[:]); err != nil {
		diag := t.Strerror()
		t.Close()
		return nil, &HandshakeError{Diagnostic: diag, Err: err}
	}
	status := uint32(word[0])<<24 | uint32(word[1])<<16 | uint32(word[2])<<8 | uint32(word[3])
	if status != 0 {
		diag := t.Strerror()
		t.Close()
		return nil, &HandshakeError{Status: status, Diagnostic: diag}
	}
	return t, nil
}

// Close terminates the session: it closes all three streams, which
// delivers EOF and broken pipes to the remote-shell client, waits for
// the subprocess to exit, and classifies the exit. A clean exit returns
// nil; death by signal or a nonzero exit code is an error naming the
// signal or code. Resources are released exactly once; a second Close
// returns ErrClosed.
func (t *Transport) Close() error {
	if t.closed {
		return ErrClosed
	}
	t.closed = true
	t.out.Close()
	t.in.Close()
	t.errStream.Close()
	return classifyExit(t.cmd.Wait())
}

// classifyExit turns the subprocess wait result into the transport's
// close verdict.
func classifyExit(err error) error {
	if err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			if status.Signaled() {
				return fmt.Errorf("remote-shell client killed by signal %d (%s)", int(status.Signal()), status.Signal())
			}
			return fmt.Errorf("remote-shell client exited with status %d", status.ExitStatus())
		}
		return fmt.Errorf("remote-shell client exited: %w", exitErr)
	}
	return fmt.Errorf("wait for remote-shell client: %w", err)
}
