// Copyright 2026 The Remem Authors
// SPDX-License-Identifier: Apache-2.0

package pooldb

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Pool is an open, locked, memory-mapped pool part. The usable region
// starts after the header; offsets in Data and Persist are relative to
// it. A Pool is owned by one session and is not safe for concurrent
// mutation, except that Persist may be called from replication workers
// while the owner only waits.
type Pool struct {
	file   *os.File
	data   []byte
	size   int64
	closed bool
}

// Size returns the pool's total size, header included.
func (p *Pool) Size() int64 {
	return p.size
}

// Capacity returns the size of the usable region.
func (p *Pool) Capacity() int64 {
	return p.size - HeaderSize
}

// Data returns the usable region of the mapping. Writes land in the
// part file; Persist makes them durable.
func (p *Pool) Data() []byte {
	return p.data[HeaderSize:]
}

// Persist flushes [offset, offset+length) of the usable region to the
// part file. The range is widened to page boundaries as msync
// requires.
func (p *Pool) Persist(offset, length int64) error {
	if offset < 0 || length < 0 || offset+length > p.Capacity() {
		return fmt.Errorf("persist range [%d, %d) outside pool capacity %d", offset, offset+length, p.Capacity())
	}
	if length == 0 {
		return nil
	}
	pageSize := int64(unix.Getpagesize())
	start := (HeaderSize + offset) / pageSize * pageSize
	end := HeaderSize + offset + length
	if err := unix.Msync(p.data[start:end], unix.MS_SYNC); err != nil {
		return fmt.Errorf("sync pool range: %w", err)
	}
	return nil
}

// Close flushes the whole mapping, unmaps it, and releases the part
// file and its lock. Closing an already closed pool is a no-op so
// teardown paths can close unconditionally.
func (p *Pool) Close() error {
	if p.closed {
		return nil
	}
	p.closed = true
	syncErr := unix.Msync(p.data, unix.MS_SYNC)
	unmapErr := unix.Munmap(p.data)
	p.data = nil
	closeErr := p.file.Close()
	if syncErr != nil {
		return fmt.Errorf("sync pool: %w", syncErr)
	}
	if unmapErr != nil {
		return fmt.Errorf("unmap pool: %w", unmapErr)
	}
	if closeErr != nil {
		return fmt.Errorf("close pool part: %w", closeErr)
	}
	return nil
}
