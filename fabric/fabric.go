// Copyright 2026 The Remem Authors
// SPDX-License-Identifier: Apache-2.0

// Package fabric is the in-band data plane: the channel that carries
// pool bytes after the out-of-band protocol has negotiated a create or
// open. It emulates an RDMA-style fabric over TCP. The daemon side
// advertises a remote key and a remote base address; the client side
// addresses every operation in that remote address space and spreads
// work across negotiated lanes. Per-lane operation order is preserved
// end to end; distinct lanes may be serviced concurrently.
//
//   - fabric.go: wire format shared by both sides (hello, frames)
//   - compress.go: frame payload compression
//   - server.go: daemon side (Init, Accept, ProcessStart, ProcessStop,
//     WaitClose, Close, Fini)
//   - client.go: client side (Connect, Persist, Read, Close)
//
// Persist semantics depend on the negotiated method. Under
// [control.PersistAPM] every write is durable on the remote pool when
// its acknowledgment arrives. Under [control.PersistGPSPM] writes are
// unacknowledged and a persist operation is the flush barrier: its
// acknowledgment covers every earlier write on the same lane.
package fabric

import (
	"encoding/binary"
	"fmt"
	"io"
)

// helloMagic opens the in-band connection. The daemon rejects a
// connection whose hello carries the wrong magic or a remote key other
// than the one it advertised out of band.
const helloMagic = 0x52454D46 // "REMF"

// Frame operations.
const (
	opWrite   = 0x01
	opPersist = 0x02
	opRead    = 0x03
	opClose   = 0x04
	opAck     = 0x05
)

// maxFramePayload caps the pool range a single write or read frame may
// carry. Larger transfers are chunked by the client.
const maxFramePayload = 1 << 20

const (
	helloRequestLength = 16
	helloReplyLength   = 5
	frameHeaderLength  = 18
)

// frame is one data-plane message. addr is an address in the daemon's
// advertised remote address space and length is the size of the pool
// range the operation covers. Write frames and read acknowledgments
// carry a payload of length bytes; for every other operation the
// payload is empty. On the wire an uncompressed payload is exactly
// length bytes, while a compressed payload is a 4-byte compressed size
// followed by that many bytes.
//
// The tag on a read request does not describe a payload. It names the
// compression the client wants applied to the reply.
type frame struct {
	op      uint8
	lane    uint32
	addr    uint64
	length  uint32
	tag     CompressionTag
	payload []byte
}

func opName(op uint8) string {
	switch op {
	case opWrite:
		return "write"
	case opPersist:
		return "persist"
	case opRead:
		return "read"
	case opClose:
		return "close"
	case opAck:
		return "ack"
	default:
		return fmt.Sprintf("unknown(0x%02x)", op)
	}
}

func payloadBearing(op uint8) bool {
	return op == opWrite || op == opAck
}

// writeFrame encodes and sends one frame. A payload is compressed with
// the requested tag, falling back to the uncompressed form when
// compression does not shrink it. Callers serialize writes to w.
func writeFrame(w io.Writer, f *frame) error {
	tag := f.tag
	payload := f.payload
	if payloadBearing(f.op) && len(payload) > 0 && tag != CompressionNone {
		compressed, err := compressPayload(payload, tag)
		if err != nil {
			return err
		}
		if compressed == nil {
			tag = CompressionNone
		} else {
			payload = compressed
		}
	}

	buf := make([]byte, frameHeaderLength, frameHeaderLength+len(payload)+4)
	buf[0] = f.op
	binary.BigEndian.PutUint32(buf[1:5], f.lane)
	binary.BigEndian.PutUint64(buf[5:13], f.addr)
	binary.BigEndian.PutUint32(buf[13:17], f.length)
	buf[17] = uint8(tag)
	if payloadBearing(f.op) && f.length > 0 {
		if tag != CompressionNone {
			buf = binary.BigEndian.AppendUint32(buf, uint32(len(payload)))
		}
		buf = append(buf, payload...)
	}
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("send %s frame: %w", opName(f.op), err)
	}
	return nil
}

// readFrame reads and decodes one frame, decompressing any payload so
// callers always see the pool bytes.
func readFrame(r io.Reader) (*frame, error) {
	var header [frameHeaderLength]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	f := &frame{
		op:     header[0],
		lane:   binary.BigEndian.Uint32(header[1:5]),
		addr:   binary.BigEndian.Uint64(header[5:13]),
		length: binary.BigEndian.Uint32(header[13:17]),
		tag:    CompressionTag(header[17]),
	}
	switch f.op {
	case opWrite, opPersist, opRead, opClose, opAck:
	default:
		return nil, fmt.Errorf("unknown frame operation 0x%02x", f.op)
	}
	if f.op != opPersist && f.length > maxFramePayload {
		return nil, fmt.Errorf("%s frame length %d exceeds limit %d", opName(f.op), f.length, maxFramePayload)
	}
	if !payloadBearing(f.op) || f.length == 0 {
		return f, nil
	}

	switch f.tag {
	case CompressionNone:
		f.payload = make([]byte, f.length)
		if _, err := io.ReadFull(r, f.payload); err != nil {
			return nil, fmt.Errorf("read %s payload: %w", opName(f.op), err)
		}
	case CompressionLZ4, CompressionZstd:
		var sizeField [4]byte
		if _, err := io.ReadFull(r, sizeField[:]); err != nil {
			return nil, fmt.Errorf("read %s payload: %w", opName(f.op), err)
		}
		compressedLength := binary.BigEndian.Uint32(sizeField[:])
		// Compression is only used when it shrinks the payload.
		if compressedLength >= f.length {
			return nil, fmt.Errorf("%s frame: compressed payload %d not smaller than %d", opName(f.op), compressedLength, f.length)
		}
		compressed := make([]byte, compressedLength)
		if _, err := io.ReadFull(r, compressed); err != nil {
			return nil, fmt.Errorf("read %s payload: %w", opName(f.op), err)
		}
		payload, err := decompressPayload(compressed, f.tag, int(f.length))
		if err != nil {
			return nil, err
		}
		f.payload = payload
	default:
		return nil, fmt.Errorf("unknown compression tag %d", f.tag)
	}
	return f, nil
}

// encodeHello builds the client's opening message: magic, the remote
// key learned out of band, and the lane count the client will use.
func encodeHello(rkey uint64, lanes uint32) []byte {
	buf := make([]byte, helloRequestLength)
	binary.BigEndian.PutUint32(buf[0:4], helloMagic)
	binary.BigEndian.PutUint64(buf[4:12], rkey)
	binary.BigEndian.PutUint32(buf[12:16], lanes)
	return buf
}

func encodeHelloReply(ok bool) []byte {
	buf := make([]byte, helloReplyLength)
	binary.BigEndian.PutUint32(buf[0:4], helloMagic)
	if !ok {
		buf[4] = 1
	}
	return buf
}
