// Copyright 2026 The Remem Authors
// SPDX-License-Identifier: Apache-2.0

package pooldb

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"

	"github.com/remem-project/remem/control"
	"github.com/remem-project/remem/lib/codec"
)

// HeaderSize is the reserved prefix of every pool part. The region a
// pool exposes for replication starts at this offset; everything in
// front of it belongs to the daemon.
const HeaderSize = 4096

// Header layout, all integers big-endian:
//
//	[0:4]          magic
//	[4:6]          header version
//	[6:8]          attribute record length
//	[8:8+len]      CBOR attribute record
//	[8+len:4064]   zero padding
//	[4064:4096]    BLAKE3 keyed checksum of bytes [0:4064]
const (
	headerMagic   = 0x52454D50 // "REMP"
	headerVersion = 1

	checksumOffset = HeaderSize - 32
	recordOffset   = 8
)

// domainKey is a 32-byte key for BLAKE3 keyed hashing. The header
// checksum is domain-separated so pool headers can never verify as
// anything else that happens to hash the same bytes.
type domainKey [32]byte

// The byte values are the ASCII encoding of the domain name,
// zero-padded to 32 bytes, so the key is readable in a hex dump.
var headerDomainKey = domainKey{
	'r', 'e', 'm', 'e', 'm', '.', 'p', 'o', 'o', 'l', '.',
	'h', 'e', 'a', 'd', 'e', 'r', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
}

// keyedHash computes the BLAKE3 keyed hash of data under key.
func keyedHash(key domainKey, data []byte) [32]byte {
	// NewKeyed only fails for a wrong key length, which domainKey
	// rules out.
	hasher, err := blake3.NewKeyed(key[:])
	if err != nil {
		panic("pooldb: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	hasher.Write(data)
	var hash [32]byte
	copy(hash[:], hasher.Sum(nil))
	return hash
}

// headerRecord is the stored form of a pool's attributes. It is
// encoded as a deterministic CBOR map so the checksum is stable for a
// given attribute set, and decoded leniently so a newer daemon can
// open pools stamped by an older one.
type headerRecord struct {
	Signature []byte    `cbor:"signature"`
	Major     uint32    `cbor:"major"`
	Compat    uint32    `cbor:"compat"`
	Incompat  uint32    `cbor:"incompat"`
	ROCompat  uint32    `cbor:"ro_compat"`
	PoolsetID uuid.UUID `cbor:"poolset_uuid"`
	ID        uuid.UUID `cbor:"uuid"`
	NextID    uuid.UUID `cbor:"next_uuid"`
	PrevID    uuid.UUID `cbor:"prev_uuid"`
	UserFlags []byte    `cbor:"user_flags"`
}

// encodeHeader builds the full HeaderSize-byte header for attrs.
func encodeHeader(attrs *control.PoolAttributes) ([]byte, error) {
	record := headerRecord{
		Signature: bytes.Clone(attrs.Signature[:]),
		Major:     attrs.Major,
		Compat:    attrs.Compat,
		Incompat:  attrs.Incompat,
		ROCompat:  attrs.ROCompat,
		PoolsetID: attrs.PoolsetUUID,
		ID:        attrs.UUID,
		NextID:    attrs.NextUUID,
		PrevID:    attrs.PrevUUID,
		UserFlags: bytes.Clone(attrs.UserFlags[:]),
	}
	encoded, err := codec.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("encode pool attributes: %w", err)
	}
	if recordOffset+len(encoded) > checksumOffset {
		return nil, fmt.Errorf("pool attribute record is %d bytes, exceeds header capacity", len(encoded))
	}
	header := make([]byte, HeaderSize)
	binary.BigEndian.PutUint32(header[0:4], headerMagic)
	binary.BigEndian.PutUint16(header[4:6], headerVersion)
	binary.BigEndian.PutUint16(header[6:8], uint16(len(encoded)))
	copy(header[recordOffset:], encoded)
	checksum := keyedHash(headerDomainKey, header[:checksumOffset])
	copy(header[checksumOffset:], checksum[:])
	return header, nil
}

// decodeHeader verifies a HeaderSize-byte header and recovers the
// pool's attributes. Verification order is checksum, magic, version,
// record: a corrupt header is reported as corrupt before it is
// reported as anything more specific.
func decodeHeader(header []byte) (*control.PoolAttributes, error) {
	if len(header) != HeaderSize {
		return nil, fmt.Errorf("pool header is %d bytes, want %d", len(header), HeaderSize)
	}
	checksum := keyedHash(headerDomainKey, header[:checksumOffset])
	if !bytes.Equal(checksum[:], header[checksumOffset:]) {
		return nil, fmt.Errorf("pool header checksum mismatch")
	}
	if magic := binary.BigEndian.Uint32(header[0:4]); magic != headerMagic {
		return nil, fmt.Errorf("bad pool header magic 0x%08x", magic)
	}
	if version := binary.BigEndian.Uint16(header[4:6]); version != headerVersion {
		return nil, fmt.Errorf("unsupported pool header version %d", version)
	}
	length := int(binary.BigEndian.Uint16(header[6:8]))
	if recordOffset+length > checksumOffset {
		return nil, fmt.Errorf("pool attribute record length %d exceeds header capacity", length)
	}
	var record headerRecord
	if err := codec.Unmarshal(header[recordOffset:recordOffset+length], &record); err != nil {
		return nil, fmt.Errorf("decode pool attributes: %w", err)
	}
	attrs := &control.PoolAttributes{
		Major:       record.Major,
		Compat:      record.Compat,
		Incompat:    record.Incompat,
		ROCompat:    record.ROCompat,
		PoolsetUUID: record.PoolsetID,
		UUID:        record.ID,
		NextUUID:    record.NextID,
		PrevUUID:    record.PrevID,
	}
	copy(attrs.Signature[:], record.Signature)
	copy(attrs.UserFlags[:], record.UserFlags)
	return attrs, nil
}
