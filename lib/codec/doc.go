// Copyright 2026 The Remem Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides remem's standard CBOR encoding configuration.
//
// Remem uses two serialization formats with a clear boundary:
//
//   - JSONC for operator-authored input: pool set files under the
//     daemon's pool directory, and the daemon configuration loaded by
//     lib/config (YAML there, but still hand-written text).
//   - CBOR for machine-written records: the attribute record inside
//     every pool header.
//
// The encoder uses Core Deterministic Encoding (RFC 8949 §4.2): sorted
// map keys, smallest integer encoding, no indefinite-length items.
// Same logical data always produces identical bytes, which is what
// lets the pool header carry a checksum over the encoded record: a
// re-encode of an unchanged record verifies byte-for-byte.
//
// The decoder ignores unknown fields, so a newer daemon can open a
// pool written by an older one and vice versa as long as the known
// fields agree.
package codec
