// Copyright 2026 The Remem Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Environment overrides, read at dial time.
const (
	// EnvSSH names the remote-shell client binary to spawn. Defaults
	// to "ssh" from PATH. Tests point this at a stub script.
	EnvSSH = "REMEM_SSH"

	// EnvCommand is the command line executed on the remote host.
	// Defaults to DefaultCommand; set it to pass flags to the daemon,
	// for example "rememd --config /etc/rememd.yaml".
	EnvCommand = "REMEM_CMD"
)

// DefaultCommand is the remote daemon command when neither DialConfig
// nor the environment names one.
const DefaultCommand = "rememd"

// Target is a parsed replication target address of the form
// [user@]host[:port]. IPv6 literals with a port take the bracketed form
// "[::1]:2222"; a bare literal with colons and no brackets is taken
// whole as the host.
type Target struct {
	User string
	Host string
	Port int // 0 when the target names no port
}

// ParseTarget parses an address string into a Target.
func ParseTarget(s string) (Target, error) {
	var t Target
	rest := s
	if user, after, found := strings.Cut(rest, "@"); found {
		if user == "" {
			return Target{}, fmt.Errorf("target %q: empty user", s)
		}
		t.User = user
		rest = after
	}
	var port string
	switch {
	case strings.HasPrefix(rest, "["):
		end := strings.Index(rest, "]")
		if end < 0 {
			return Target{}, fmt.Errorf("target %q: unterminated address bracket", s)
		}
		t.Host = rest[1:end]
		tail := rest[end+1:]
		if tail != "" {
			if !strings.HasPrefix(tail, ":") || len(tail) == 1 {
				return Target{}, fmt.Errorf("target %q: junk after address bracket", s)
			}
			port = tail[1:]
		}
	case strings.Count(rest, ":") == 1:
		t.Host, port, _ = strings.Cut(rest, ":")
		if port == "" {
			return Target{}, fmt.Errorf("target %q: empty port", s)
		}
	default:
		// No colon, or several: a bare IPv6 literal carries no port.
		t.Host = rest
	}
	if t.Host == "" {
		return Target{}, fmt.Errorf("target %q: empty host", s)
	}
	if port != "" {
		p, err := strconv.ParseUint(port, 10, 16)
		if err != nil || p == 0 {
			return Target{}, fmt.Errorf("target %q: invalid port %q", s, port)
		}
		t.Port = int(p)
	}
	return t, nil
}

// String reassembles the target in its parseable form.
func (t Target) String() string {
	var b strings.Builder
	if t.User != "" {
		b.WriteString(t.User)
		b.WriteByte('@')
	}
	if strings.Contains(t.Host, ":") {
		b.WriteByte('[')
		b.WriteString(t.Host)
		b.WriteByte(']')
	} else {
		b.WriteString(t.Host)
	}
	if t.Port != 0 {
		fmt.Fprintf(&b, ":%d", t.Port)
	}
	return b.String()
}

// identity is the destination argument handed to the remote-shell
// client: user@host, or the bare host. The port travels separately in
// the -p flag.
func (t Target) identity() string {
	if t.User != "" {
		return t.User + "@" + t.Host
	}
	return t.Host
}

// DialConfig adjusts how the remote daemon is reached. The zero value
// is ready to use.
type DialConfig struct {
	// ForceIPv4 makes the remote-shell client resolve the target over
	// IPv4 only.
	ForceIPv4 bool

	// Command is the command line executed on the remote host. Empty
	// means EnvCommand, then DefaultCommand.
	Command string
}

// sshBinary resolves the remote-shell client binary.
func sshBinary() string {
	if v := os.Getenv(EnvSSH); v != "" {
		return v
	}
	return "ssh"
}

// remoteCommand resolves the command line run on the remote host. It is
// passed to the remote-shell client as a single argument; the remote
// shell performs word splitting.
func remoteCommand(cfg DialConfig) string {
	if cfg.Command != "" {
		return cfg.Command
	}
	if v := os.Getenv(EnvCommand); v != "" {
		return v
	}
	return DefaultCommand
}

// buildArgs assembles the remote-shell client argument list. -T keeps
// the remote side from allocating a terminal, which would mangle the
// binary protocol; BatchMode makes a missing key fail the dial instead
// of prompting.
func buildArgs(target Target, cfg DialConfig) []string {
	args := make([]string, 0, 8)
	if target.Port != 0 {
		args = append(args, "-p", strconv.Itoa(target.Port))
	}
	args = append(args, "-T")
	if cfg.ForceIPv4 {
		args = append(args, "-4")
	}
	args = append(args, "-oBatchMode=yes")
	args = append(args, target.identity(), remoteCommand(cfg))
	return args
}
