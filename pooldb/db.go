// Copyright 2026 The Remem Authors
// SPDX-License-Identifier: Apache-2.0

// Package pooldb is the daemon's pool database: the directory of pool
// set files and the part files they provision. A control-request
// descriptor names a set file relative to the database root; the set
// file says where the pool's data lives and how large it is. Creating
// a pool materializes the part file with a header stamped from the
// client's attributes; opening verifies the header and hands back the
// stored attributes; the part file's flock is what makes a pool busy
// to every other daemon.
//
//   - db.go: database root, create/open/remove by descriptor
//   - set.go: JSONC set-file parsing and size notation
//   - header.go: pool header layout, attribute record, checksum
//   - pool.go: the open pool handle (mapping, persist, close)
//
// Errors out of Create, Open and Remove preserve the underlying OS
// errno (wrapped, reachable with errors.As) so the session layer can
// fold them into protocol status codes.
package pooldb

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/remem-project/remem/control"
)

// DB is an open pool database rooted at a directory. Methods are safe
// for sequential use by one session; the daemon model is one client,
// one request at a time.
type DB struct {
	dir string
}

// New opens the pool database rooted at dir. The directory must exist;
// set files inside it are read lazily per request.
func New(dir string) (*DB, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("pool directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("pool directory %s: %w", dir, unix.ENOTDIR)
	}
	return &DB{dir: dir}, nil
}

// Dir returns the database root directory.
func (db *DB) Dir() string {
	return db.dir
}

// resolve maps a pool descriptor to its set-file path. Descriptors are
// confined to the database root: absolute paths and parent escapes are
// rejected before touching the filesystem.
func (db *DB) resolve(desc string) (string, error) {
	if desc == "" || !filepath.IsLocal(desc) {
		return "", fmt.Errorf("pool descriptor %q: %w", desc, unix.EINVAL)
	}
	return filepath.Join(db.dir, desc), nil
}

// Create provisions the pool named by desc: it reads the set file,
// creates the part file exclusively, sizes it, locks it, maps it, and
// stamps the header from attrs. The returned pool is live and locked.
// A part file that already exists fails with EEXIST and the existing
// file is left alone.
func (db *DB) Create(desc string, attrs *control.PoolAttributes) (*Pool, error) {
	set, err := db.readSet(desc)
	if err != nil {
		return nil, err
	}
	file, err := os.OpenFile(set.partPath, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, fmt.Errorf("create pool part: %w", err)
	}
	pool, err := db.preparePool(file, set.size, attrs)
	if err != nil {
		file.Close()
		os.Remove(set.partPath)
		return nil, err
	}
	return pool, nil
}

// preparePool sizes, locks, maps and stamps a freshly created part
// file. The caller removes the part on failure.
func (db *DB) preparePool(file *os.File, size int64, attrs *control.PoolAttributes) (*Pool, error) {
	if err := file.Truncate(size); err != nil {
		return nil, fmt.Errorf("size pool part: %w", err)
	}
	if err := lockPart(file); err != nil {
		return nil, err
	}
	data, err := unix.Mmap(int(file.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("map pool part: %w", err)
	}
	header, err := encodeHeader(attrs)
	if err != nil {
		unix.Munmap(data)
		return nil, err
	}
	copy(data[:HeaderSize], header)
	if err := unix.Msync(data[:HeaderSize], unix.MS_SYNC); err != nil {
		unix.Munmap(data)
		return nil, fmt.Errorf("sync pool header: %w", err)
	}
	return &Pool{file: file, data: data, size: size}, nil
}

// Open opens the existing pool named by desc, locking and mapping its
// part file and verifying the header. The pool's stored attributes are
// returned alongside the handle. A part held by another daemon fails
// with EWOULDBLOCK; a part whose header does not verify fails without
// an errno and maps to a fatal status upstream.
func (db *DB) Open(desc string) (*Pool, *control.PoolAttributes, error) {
	set, err := db.readSet(desc)
	if err != nil {
		return nil, nil, err
	}
	file, err := os.OpenFile(set.partPath, os.O_RDWR, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("open pool part: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, nil, fmt.Errorf("stat pool part: %w", err)
	}
	size := info.Size()
	if size < HeaderSize {
		file.Close()
		return nil, nil, fmt.Errorf("pool part %s: %d bytes is smaller than the header", set.partPath, size)
	}
	if err := lockPart(file); err != nil {
		file.Close()
		return nil, nil, err
	}
	data, err := unix.Mmap(int(file.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		file.Close()
		return nil, nil, fmt.Errorf("map pool part: %w", err)
	}
	attrs, err := decodeHeader(data[:HeaderSize])
	if err != nil {
		unix.Munmap(data)
		file.Close()
		return nil, nil, fmt.Errorf("pool part %s: %w", set.partPath, err)
	}
	return &Pool{file: file, data: data, size: size}, attrs, nil
}

// Remove deletes the pool's part file. The set file stays: it is
// provisioning state, and a later create can materialize the pool
// again. Removing a pool that was never created fails with ENOENT.
func (db *DB) Remove(desc string) error {
	set, err := db.readSet(desc)
	if err != nil {
		return err
	}
	if err := os.Remove(set.partPath); err != nil {
		return fmt.Errorf("remove pool part: %w", err)
	}
	return nil
}

// lockPart takes the exclusive non-blocking flock that marks a pool in
// use. EWOULDBLOCK from here is what the protocol reports as busy.
func lockPart(file *os.File) error {
	if err := unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		return fmt.Errorf("lock pool part: %w", err)
	}
	return nil
}
