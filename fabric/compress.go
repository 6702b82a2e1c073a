// Copyright 2026 The Remem Authors
// SPDX-License-Identifier: Apache-2.0

package fabric

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// CompressionTag identifies the compression applied to a frame
// payload. Tags travel on the wire (1 byte per frame); the values are
// protocol constants.
type CompressionTag uint8

const (
	// CompressionNone sends pool bytes as they are. The right choice
	// for incompressible content, and the fallback whenever a
	// compressor fails to shrink a payload.
	CompressionNone CompressionTag = 0

	// CompressionLZ4 is LZ4 block compression. Fast default when the
	// pool's content is unknown.
	CompressionLZ4 CompressionTag = 1

	// CompressionZstd is zstd at its default level. Better ratios for
	// text-like pool content at more CPU.
	CompressionZstd CompressionTag = 2
)

// String returns the tag's wire-configuration name.
func (tag CompressionTag) String() string {
	switch tag {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionZstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", tag)
	}
}

// ParseCompressionTag parses a tag from its configuration name.
func ParseCompressionTag(name string) (CompressionTag, error) {
	switch name {
	case "none":
		return CompressionNone, nil
	case "lz4":
		return CompressionLZ4, nil
	case "zstd":
		return CompressionZstd, nil
	default:
		return 0, fmt.Errorf("unknown compression tag: %q", name)
	}
}

// zstdEncoder and zstdDecoder are shared across frames. Both are safe
// for concurrent use.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("fabric: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("fabric: zstd decoder initialization failed: " + err.Error())
	}
}

// compressPayload compresses data with the given algorithm. A nil
// result with a nil error means the data did not shrink and the frame
// should fall back to CompressionNone.
func compressPayload(data []byte, tag CompressionTag) ([]byte, error) {
	switch tag {
	case CompressionLZ4:
		bound := lz4.CompressBlockBound(len(data))
		destination := make([]byte, bound)
		written, err := lz4.CompressBlock(data, destination, nil)
		if err != nil {
			return nil, fmt.Errorf("lz4 compress: %w", err)
		}
		// CompressBlock reports incompressible input as zero bytes
		// written.
		if written == 0 || written >= len(data) {
			return nil, nil
		}
		return destination[:written], nil

	case CompressionZstd:
		compressed := zstdEncoder.EncodeAll(data, nil)
		if len(compressed) >= len(data) {
			return nil, nil
		}
		return compressed, nil

	default:
		return nil, fmt.Errorf("unsupported compression tag: %d", tag)
	}
}

// decompressPayload decompresses a frame payload. The caller supplies
// the expected pool-range length from the frame header; a mismatch is
// an error, never a short result.
func decompressPayload(compressed []byte, tag CompressionTag, uncompressedSize int) ([]byte, error) {
	switch tag {
	case CompressionLZ4:
		destination := make([]byte, uncompressedSize)
		read, err := lz4.UncompressBlock(compressed, destination)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress: %w", err)
		}
		if read != uncompressedSize {
			return nil, fmt.Errorf("lz4 decompress: got %d bytes, expected %d", read, uncompressedSize)
		}
		return destination, nil

	case CompressionZstd:
		result, err := zstdDecoder.DecodeAll(compressed, make([]byte, 0, uncompressedSize))
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		if len(result) != uncompressedSize {
			return nil, fmt.Errorf("zstd decompress: got %d bytes, expected %d", len(result), uncompressedSize)
		}
		return result, nil

	default:
		return nil, fmt.Errorf("unsupported compression tag: %d", tag)
	}
}
