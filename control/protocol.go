// Copyright 2026 The Remem Authors
// SPDX-License-Identifier: Apache-2.0

// Package control implements the out-of-band control protocol spoken
// between a replication client and the rememd daemon. The protocol is a
// strict request/response exchange over the spawned-process transport:
// the daemon writes a 4-byte readiness word after startup, then the
// client issues one request at a time (create, open, close) and reads
// exactly one response per request. There is no pipelining and no
// concurrent in-flight request; the daemon serves a single client for
// its whole process lifetime.
//
// The package is organized around the two protocol endpoints:
//
//   - protocol.go: wire format (message types, attribute blocks, limits)
//   - status.go: response status codes and the errno mapping
//   - server.go: daemon side (readiness word, request loop, response writers)
//   - client.go: client side (one blocking round trip per operation)
//
// All multi-byte fields are big-endian.
package control

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

// Message type constants for the control wire format. A request starts
// with one type byte; the matching response echoes the type with the
// high bit set.
const (
	msgCreate byte = 0x01
	msgOpen   byte = 0x02
	msgClose  byte = 0x03

	// respFlag marks a message as a response to the request type in the
	// low bits.
	respFlag byte = 0x80
)

// MaxDescriptorLength bounds the pool descriptor carried in create and
// open requests. Descriptors name a set file relative to the daemon's
// pool directory; 1 KiB is far beyond any sane path.
const MaxDescriptorLength = 1024

// Fixed block sizes. The request header follows the type byte; the
// response header is the echoed type byte plus one status byte.
const (
	// requestFixedLength is pool size (8) + lane count (4) + provider
	// (1) + descriptor length (2). The descriptor bytes follow.
	requestFixedLength = 15

	// poolAttributesLength is the encoded size of PoolAttributes.
	poolAttributesLength = 104

	// resourceAttributesLength is the encoded size of
	// ResourceAttributes: port (2) + rkey (8) + raddr (8) + lane count
	// (4) + persist method (1).
	resourceAttributesLength = 23
)

// Provider selects the data-plane transport implementation the client
// wants the daemon to stand up.
type Provider uint8

const (
	// ProviderSockets is the socket-based data plane. Always available.
	ProviderSockets Provider = iota + 1

	// ProviderVerbs is the RDMA-verbs data plane. The daemon rejects it
	// when the host has no verbs support; clients fall back to sockets.
	ProviderVerbs
)

// String returns the provider name used in configuration and logs.
func (p Provider) String() string {
	switch p {
	case ProviderSockets:
		return "sockets"
	case ProviderVerbs:
		return "verbs"
	default:
		return fmt.Sprintf("provider(%d)", uint8(p))
	}
}

// PersistMethod is the durability algorithm the daemon selected for the
// data plane, reported back to the client in create and open responses.
type PersistMethod uint8

const (
	// PersistGPSPM is general-purpose server persist: the client sends
	// an explicit persist message after its writes and the daemon
	// flushes the range before acknowledging.
	PersistGPSPM PersistMethod = iota + 1

	// PersistAPM is appliance persist: every write is durable once
	// acknowledged, with no separate persist round trip.
	PersistAPM
)

// String returns the persist method name used in configuration and logs.
func (m PersistMethod) String() string {
	switch m {
	case PersistGPSPM:
		return "general-purpose"
	case PersistAPM:
		return "appliance"
	default:
		return fmt.Sprintf("persist(%d)", uint8(m))
	}
}

// PoolAttributes is the metadata record stored with a pool and carried
// on the wire: in create requests (the attributes to stamp into the new
// pool) and in open responses (the attributes read back from the
// existing pool). The identifier chain links replicas of the same pool
// set together.
type PoolAttributes struct {
	// Signature identifies the pool layout, for example "PMEMOBJ".
	Signature [8]byte

	// Major is the pool format major version.
	Major uint32

	// Compat, Incompat and ROCompat are feature masks. Incompat
	// features make the pool unusable to implementations that do not
	// know them; ROCompat features allow read-only use.
	Compat   uint32
	Incompat uint32
	ROCompat uint32

	// PoolsetUUID identifies the replica set this pool belongs to.
	// UUID is this pool's own identity; NextUUID and PrevUUID link the
	// replica chain.
	PoolsetUUID uuid.UUID
	UUID        uuid.UUID
	NextUUID    uuid.UUID
	PrevUUID    uuid.UUID

	// UserFlags is opaque space for the pool's owner.
	UserFlags [16]byte
}

func appendPoolAttributes(b []byte, a *PoolAttributes) []byte {
	b = append(b, a.Signature[:]...)
	b = binary.BigEndian.AppendUint32(b, a.Major)
	b = binary.BigEndian.AppendUint32(b, a.Compat)
	b = binary.BigEndian.AppendUint32(b, a.Incompat)
	b = binary.BigEndian.AppendUint32(b, a.ROCompat)
	b = append(b, a.PoolsetUUID[:]...)
	b = append(b, a.UUID[:]...)
	b = append(b, a.NextUUID[:]...)
	b = append(b, a.PrevUUID[:]...)
	b = append(b, a.UserFlags[:]...)
	return b
}

func decodePoolAttributes(b []byte) PoolAttributes {
	var a PoolAttributes
	copy(a.Signature[:], b[0:8])
	a.Major = binary.BigEndian.Uint32(b[8:12])
	a.Compat = binary.BigEndian.Uint32(b[12:16])
	a.Incompat = binary.BigEndian.Uint32(b[16:20])
	a.ROCompat = binary.BigEndian.Uint32(b[20:24])
	copy(a.PoolsetUUID[:], b[24:40])
	copy(a.UUID[:], b[40:56])
	copy(a.NextUUID[:], b[56:72])
	copy(a.PrevUUID[:], b[72:88])
	copy(a.UserFlags[:], b[88:104])
	return a
}

// ResourceAttributes describes the data plane the daemon stood up for a
// successful create or open: where to connect and how to address the
// remote pool memory.
type ResourceAttributes struct {
	// Port is the TCP port the daemon listens on for the in-band
	// connection, on the same host the control channel reached.
	Port uint16

	// RKey authorizes access to the remote memory region. The in-band
	// hello must present it; a mismatch ends the connection.
	RKey uint64

	// RAddr is the base address of the remote region. In-band message
	// addresses are absolute within [RAddr, RAddr+size).
	RAddr uint64

	// Lanes is the negotiated lane count, at most what the client
	// requested.
	Lanes uint32

	// Persist is the durability method the daemon chose.
	Persist PersistMethod
}

func appendResourceAttributes(b []byte, a *ResourceAttributes) []byte {
	b = binary.BigEndian.AppendUint16(b, a.Port)
	b = binary.BigEndian.AppendUint64(b, a.RKey)
	b = binary.BigEndian.AppendUint64(b, a.RAddr)
	b = binary.BigEndian.AppendUint32(b, a.Lanes)
	b = append(b, byte(a.Persist))
	return b
}

func decodeResourceAttributes(b []byte) ResourceAttributes {
	return ResourceAttributes{
		Port:    binary.BigEndian.Uint16(b[0:2]),
		RKey:    binary.BigEndian.Uint64(b[2:10]),
		RAddr:   binary.BigEndian.Uint64(b[10:18]),
		Lanes:   binary.BigEndian.Uint32(b[18:22]),
		Persist: PersistMethod(b[22]),
	}
}

// CreateRequest asks the daemon to provision a new pool and stand up a
// data plane for it.
type CreateRequest struct {
	// Descriptor names the pool's set file relative to the daemon's
	// pool directory.
	Descriptor string

	// PoolSize is the usable size the client needs, excluding the pool
	// header. The daemon rejects the request when the provisioned pool
	// cannot hold it.
	PoolSize uint64

	// Lanes is the requested data-plane lane count.
	Lanes uint32

	// Provider selects the data-plane transport.
	Provider Provider

	// Attributes are stamped into the new pool's header.
	Attributes PoolAttributes
}

// OpenRequest asks the daemon to open an existing pool and stand up a
// data plane for it. The pool's stored attributes come back in the
// response.
type OpenRequest struct {
	Descriptor string
	PoolSize   uint64
	Lanes      uint32
	Provider   Provider
}

// encodeRequest appends the shared request encoding: type byte, fixed
// attribute block, descriptor bytes.
func encodeRequest(msgType byte, desc string, size uint64, lanes uint32, provider Provider) ([]byte, error) {
	if len(desc) == 0 {
		return nil, fmt.Errorf("empty pool descriptor")
	}
	if len(desc) > MaxDescriptorLength {
		return nil, fmt.Errorf("pool descriptor length %d exceeds maximum %d", len(desc), MaxDescriptorLength)
	}
	b := make([]byte, 0, 1+requestFixedLength+len(desc)+poolAttributesLength)
	b = append(b, msgType)
	b = binary.BigEndian.AppendUint64(b, size)
	b = binary.BigEndian.AppendUint32(b, lanes)
	b = append(b, byte(provider))
	b = binary.BigEndian.AppendUint16(b, uint16(len(desc)))
	b = append(b, desc...)
	return b, nil
}
