// Copyright 2026 The Remem Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/pflag"
	"golang.org/x/sys/unix"

	"github.com/remem-project/remem/control"
	"github.com/remem-project/remem/fabric"
	"github.com/remem-project/remem/replicate"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	args := os.Args[1:]
	if len(args) == 0 {
		printUsage()
		return fmt.Errorf("subcommand required")
	}
	switch args[0] {
	case "replicate":
		return runReplicate(args[1:])
	case "--help", "-h", "help":
		printUsage()
		return nil
	default:
		return fmt.Errorf("unknown command %q (run 'remem --help' for usage)", args[0])
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `remem mirrors local memory into pools served by remote rememd daemons.

Usage:
  remem replicate --target <[user@]host[:port]> --pool <set> [flags] <file>

Run 'remem replicate --help' for the replicate flags.
`)
}

func runReplicate(args []string) error {
	flagSet := pflag.NewFlagSet("remem replicate", pflag.ContinueOnError)
	target := flagSet.String("target", "", "replication target, [user@]host[:port] (required)")
	poolSet := flagSet.String("pool", "", "pool set file, relative to the remote daemon's pool directory (required)")
	create := flagSet.Bool("create", false, "provision the pool instead of opening it")
	lanes := flagSet.Uint32("lanes", 0, "data-plane lanes to request (0 means the library default)")
	compress := flagSet.String("compress", "none", "payload compression: none, lz4 or zstd")
	chunk := flagSet.Int64("chunk", 1<<20, "bytes replicated per persist operation")
	verbose := flagSet.BoolP("verbose", "v", false, "log negotiated session details")
	help := flagSet.BoolP("help", "h", false, "show help")
	flagSet.SetOutput(io.Discard)

	if err := flagSet.Parse(args); err != nil {
		return fmt.Errorf("replicate: %w", err)
	}
	if *help {
		printReplicateHelp(flagSet)
		return nil
	}
	rest := flagSet.Args()
	if len(rest) != 1 {
		return fmt.Errorf("replicate: expected exactly one local file, got %d arguments", len(rest))
	}
	if *target == "" {
		return fmt.Errorf("replicate: --target is required")
	}
	if *poolSet == "" {
		return fmt.Errorf("replicate: --pool is required")
	}
	if *chunk <= 0 {
		return fmt.Errorf("replicate: --chunk must be positive")
	}
	tag, err := fabric.ParseCompressionTag(*compress)
	if err != nil {
		return fmt.Errorf("replicate: %w", err)
	}

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	file := rest[0]
	mem, cleanup, err := mapFile(file)
	if err != nil {
		return err
	}
	defer cleanup()

	opts := replicate.Options{Lanes: *lanes, Compression: tag}
	var pool *replicate.Pool
	if *create {
		attrs := newAttributes()
		opts.Attributes = &attrs
		pool, err = replicate.Create(*target, *poolSet, mem, opts)
	} else {
		pool, err = replicate.Open(*target, *poolSet, mem, opts)
	}
	if err != nil {
		return err
	}

	resource := pool.Resource()
	logger.Info("session established",
		"target", *target,
		"pool", *poolSet,
		"lanes", resource.Lanes,
		"persist_method", resource.Persist.String(),
		"port", resource.Port,
	)
	if !*create {
		attrs := pool.Attributes()
		logger.Info("stored pool attributes",
			"signature", signatureString(attrs.Signature),
			"major", attrs.Major,
			"uuid", attrs.UUID.String(),
		)
	}

	size := int64(len(mem))
	for offset := int64(0); offset < size; offset += *chunk {
		if err := pool.Persist(offset, min(*chunk, size-offset)); err != nil {
			pool.Close()
			return fmt.Errorf("persist at offset %d: %w", offset, err)
		}
	}
	if err := pool.Drain(); err != nil {
		pool.Close()
		return fmt.Errorf("drain: %w", err)
	}
	if err := pool.Close(); err != nil {
		return fmt.Errorf("close: %w", err)
	}

	fmt.Printf("replicated %s (%d bytes) to %s %s\n", file, size, *target, *poolSet)
	return nil
}

func printReplicateHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `Mirror a local file into a remote pool.

The file is mapped read-write and shared; the mapping is the replicated
region. The target daemon is spawned over ssh, so the usual ssh
authentication applies. With --create the remote pool's part file is
provisioned first (its set file must already describe the pool);
without it the pool must exist.

Usage:
  remem replicate --target <[user@]host[:port]> --pool <set> [flags] <file>

Examples:
  # Provision and replicate a database image
  remem replicate --target backup-host --pool db.set --create db.img

  # Update an existing replica over a compressed data plane
  remem replicate --target ben@backup-host:2222 --pool db.set --compress lz4 db.img

Flags:
`)
	flagSet.SetOutput(os.Stderr)
	flagSet.PrintDefaults()
}

// mapFile maps path read-write and shared. The returned cleanup unmaps
// and closes.
func mapFile(path string) ([]byte, func(), error) {
	file, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, nil, err
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, nil, err
	}
	size := info.Size()
	if size == 0 {
		file.Close()
		return nil, nil, fmt.Errorf("%s is empty, nothing to replicate", path)
	}
	mem, err := unix.Mmap(int(file.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		file.Close()
		return nil, nil, fmt.Errorf("map %s: %w", path, err)
	}
	return mem, func() {
		unix.Munmap(mem)
		file.Close()
	}, nil
}

// newAttributes builds the attribute record stamped on created pools: a
// fresh identity with the replica chain linked to itself, the form a
// single-replica pool takes.
func newAttributes() control.PoolAttributes {
	id := uuid.New()
	attrs := control.PoolAttributes{
		Major:       1,
		PoolsetUUID: uuid.New(),
		UUID:        id,
		NextUUID:    id,
		PrevUUID:    id,
	}
	copy(attrs.Signature[:], "REMEMCLI")
	return attrs
}

func signatureString(sig [8]byte) string {
	end := len(sig)
	for end > 0 && sig[end-1] == 0 {
		end--
	}
	return string(sig[:end])
}
