// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cachestore

import (
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression selects how entry files are encoded on disk. The tag of
// each stored file is recorded in its entry manifest, so changing the
// store's policy never affects entries already written.
type Compression uint8

const (
	// CompressionNone stores files verbatim.
	CompressionNone Compression = 0

	// CompressionLZ4 uses LZ4 block compression: fast, modest ratio.
	CompressionLZ4 Compression = 1

	// CompressionZstd uses zstd at the default level: better ratio,
	// more CPU.
	CompressionZstd Compression = 2

	// CompressionAuto picks per file: none for already-compressed
	// formats, otherwise whichever of zstd or LZ4 the probe favors.
	// Never recorded in a manifest.
	CompressionAuto Compression = 255
)

// String returns the configuration name of a compression setting.
func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionZstd:
		return "zstd"
	case CompressionAuto:
		return "auto"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(c))
	}
}

// ParseCompression parses a configuration name.
func ParseCompression(name string) (Compression, error) {
	switch name {
	case "none":
		return CompressionNone, nil
	case "lz4":
		return CompressionLZ4, nil
	case "zstd":
		return CompressionZstd, nil
	case "auto", "":
		return CompressionAuto, nil
	default:
		return 0, fmt.Errorf("unknown compression %q", name)
	}
}

// errIncompressible means the encoded form would not be smaller than
// the input; the caller stores the file uncompressed instead.
var errIncompressible = errors.New("data is incompressible")

// zstd encoders and decoders are safe for concurrent use and costly to
// create, so one of each is shared.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("cachestore: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("cachestore: zstd decoder initialization failed: " + err.Error())
	}
}

// precompressedExtensions are formats that do not shrink further.
var precompressedExtensions = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".webp": true,
	".zip": true, ".gz": true, ".zst": true, ".lz4": true,
	".ogg": true, ".mp3": true, ".mp4": true, ".ktx2": true,
}

// encodeFile compresses data under the requested policy and returns
// the bytes to write plus the tag actually used. Incompressible data
// falls back to CompressionNone.
func encodeFile(filePath string, data []byte, policy Compression) ([]byte, Compression, error) {
	tag := policy
	if tag == CompressionAuto {
		tag = selectCompression(filePath, data)
	}

	var (
		encoded []byte
		err     error
	)
	switch tag {
	case CompressionNone:
		return data, CompressionNone, nil
	case CompressionLZ4:
		encoded, err = compressLZ4(data)
	case CompressionZstd:
		encoded, err = compressZstd(data)
	default:
		return nil, 0, fmt.Errorf("unsupported compression %s", tag)
	}
	if errors.Is(err, errIncompressible) {
		return data, CompressionNone, nil
	}
	if err != nil {
		return nil, 0, err
	}
	return encoded, tag, nil
}

// decodeFile reverses encodeFile. size is the original length recorded
// in the manifest and is verified.
func decodeFile(encoded []byte, tag Compression, size int64) ([]byte, error) {
	switch tag {
	case CompressionNone:
		if int64(len(encoded)) != size {
			return nil, fmt.Errorf("stored file is %d bytes, manifest says %d", len(encoded), size)
		}
		return encoded, nil
	case CompressionLZ4:
		destination := make([]byte, size)
		read, err := lz4.UncompressBlock(encoded, destination)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress: %w", err)
		}
		if int64(read) != size {
			return nil, fmt.Errorf("lz4 decompress: got %d bytes, expected %d", read, size)
		}
		return destination, nil
	case CompressionZstd:
		result, err := zstdDecoder.DecodeAll(encoded, make([]byte, 0, size))
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		if int64(len(result)) != size {
			return nil, fmt.Errorf("zstd decompress: got %d bytes, expected %d", len(result), size)
		}
		return result, nil
	default:
		return nil, fmt.Errorf("unsupported compression tag %d", uint8(tag))
	}
}

func compressLZ4(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, errIncompressible
	}
	destination := make([]byte, lz4.CompressBlockBound(len(data)))
	written, err := lz4.CompressBlock(data, destination, nil)
	if err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}
	// CompressBlock reports 0 for incompressible input.
	if written == 0 || written >= len(data) {
		return nil, errIncompressible
	}
	return destination[:written], nil
}

func compressZstd(data []byte) ([]byte, error) {
	compressed := zstdEncoder.EncodeAll(data, nil)
	if len(compressed) >= len(data) {
		return nil, errIncompressible
	}
	return compressed, nil
}

// probeSize bounds how much of a file the auto policy compresses to
// estimate its ratio.
const probeSize = 64 * 1024

// selectCompression implements CompressionAuto. A zstd ratio of 1.5x
// or better on the probe selects zstd, 1.1x to 1.5x selects LZ4, and
// anything worse is stored uncompressed.
func selectCompression(filePath string, data []byte) Compression {
	if precompressedExtensions[strings.ToLower(path.Ext(filePath))] || len(data) == 0 {
		return CompressionNone
	}
	probe := data
	if len(probe) > probeSize {
		probe = probe[:probeSize]
	}
	compressed := zstdEncoder.EncodeAll(probe, nil)
	ratio := float64(len(probe)) / float64(len(compressed))
	switch {
	case ratio >= 1.5:
		return CompressionZstd
	case ratio >= 1.1:
		return CompressionLZ4
	default:
		return CompressionNone
	}
}
