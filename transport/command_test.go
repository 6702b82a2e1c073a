// Copyright 2026 The Remem Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"reflect"
	"testing"
)

func TestParseTarget(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		input string
		want  Target
	}{
		{
			name:  "bare host",
			input: "replica.example.net",
			want:  Target{Host: "replica.example.net"},
		},
		{
			name:  "user and host",
			input: "pmem@replica.example.net",
			want:  Target{User: "pmem", Host: "replica.example.net"},
		},
		{
			name:  "host and port",
			input: "replica.example.net:2222",
			want:  Target{Host: "replica.example.net", Port: 2222},
		},
		{
			name:  "user host and port",
			input: "pmem@replica.example.net:22",
			want:  Target{User: "pmem", Host: "replica.example.net", Port: 22},
		},
		{
			name:  "ipv4 with port",
			input: "192.0.2.17:7636",
			want:  Target{Host: "192.0.2.17", Port: 7636},
		},
		{
			name:  "bare ipv6 literal",
			input: "fe80::aa12:1",
			want:  Target{Host: "fe80::aa12:1"},
		},
		{
			name:  "bracketed ipv6 with port",
			input: "[::1]:2222",
			want:  Target{Host: "::1", Port: 2222},
		},
		{
			name:  "user with bracketed ipv6",
			input: "pmem@[fe80::1]",
			want:  Target{User: "pmem", Host: "fe80::1"},
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()
			got, err := ParseTarget(test.input)
			if err != nil {
				t.Fatalf("ParseTarget(%q): %v", test.input, err)
			}
			if got != test.want {
				t.Errorf("ParseTarget(%q): got %+v, want %+v", test.input, got, test.want)
			}
			back, err := ParseTarget(got.String())
			if err != nil {
				t.Fatalf("ParseTarget(String()): %v", err)
			}
			if back != got {
				t.Errorf("String round trip: got %+v, want %+v", back, got)
			}
		})
	}
}

func TestParseTargetInvalid(t *testing.T) {
	t.Parallel()
	inputs := []string{
		"",
		"@host",
		"user@",
		"host:",
		"host:0",
		"host:70000",
		"host:ssh",
		"[::1",
		"[::1]junk",
	}
	for _, input := range inputs {
		if _, err := ParseTarget(input); err == nil {
			t.Errorf("ParseTarget(%q): expected error", input)
		}
	}
}

func TestBuildArgs(t *testing.T) {
	tests := []struct {
		name   string
		target Target
		cfg    DialConfig
		env    string
		want   []string
	}{
		{
			name:   "minimal",
			target: Target{Host: "replica.example.net"},
			want:   []string{"-T", "-oBatchMode=yes", "replica.example.net", "rememd"},
		},
		{
			name:   "everything set",
			target: Target{User: "pmem", Host: "replica.example.net", Port: 2222},
			cfg:    DialConfig{ForceIPv4: true, Command: "rememd --config /etc/rememd.yaml"},
			want: []string{
				"-p", "2222", "-T", "-4", "-oBatchMode=yes",
				"pmem@replica.example.net", "rememd --config /etc/rememd.yaml",
			},
		},
		{
			name:   "environment command",
			target: Target{Host: "replica.example.net"},
			env:    "rememd --pool-dir /srv/pools",
			want:   []string{"-T", "-oBatchMode=yes", "replica.example.net", "rememd --pool-dir /srv/pools"},
		},
		{
			name:   "config wins over environment",
			target: Target{Host: "replica.example.net"},
			cfg:    DialConfig{Command: "rememd-next"},
			env:    "rememd --pool-dir /srv/pools",
			want:   []string{"-T", "-oBatchMode=yes", "replica.example.net", "rememd-next"},
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			t.Setenv(EnvCommand, test.env)
			got := buildArgs(test.target, test.cfg)
			if !reflect.DeepEqual(got, test.want) {
				t.Errorf("buildArgs:\n got %q\nwant %q", got, test.want)
			}
		})
	}
}
