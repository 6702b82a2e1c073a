// Copyright 2026 The Remem Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/pflag"

	"github.com/remem-project/remem/daemon"
)

func main() {
	os.Exit(run())
}

func run() int {
	flagSet := pflag.NewFlagSet("rememd", pflag.ContinueOnError)
	configPath := flagSet.String("config", "", "configuration file (default: $REMEMD_CONFIG, then /etc/rememd.yaml)")
	help := flagSet.BoolP("help", "h", false, "show help")
	flagSet.SetOutput(io.Discard)

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "rememd: %v\n", err)
		return 1
	}
	if *help {
		printHelp(flagSet)
		return 0
	}
	if args := flagSet.Args(); len(args) > 0 {
		fmt.Fprintf(os.Stderr, "rememd: unexpected argument %q\n", args[0])
		return 1
	}

	// Run reports its own failures: the readiness word for the client,
	// a diagnostic line on stderr for the human.
	if err := daemon.Run(daemon.Options{
		In:         os.Stdin,
		Out:        os.Stdout,
		ErrOut:     os.Stderr,
		ConfigPath: *configPath,
	}); err != nil {
		return 1
	}
	return 0
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `rememd serves one remote pool replication session on its standard
streams and exits. It is spawned on the pool host by the replication
client (normally through ssh) and is not intended for interactive use.

Usage:
  rememd [flags]

Flags:
`)
	flagSet.SetOutput(os.Stderr)
	flagSet.PrintDefaults()
}
