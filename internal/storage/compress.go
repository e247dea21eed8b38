package storage

import (
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/onexay/commitvault/internal/faults"
)

// Compression selects how payloads are compressed before encryption.
type Compression string

const (
	CompressionNone Compression = "none"
	CompressionLZ4  Compression = "lz4"
	CompressionZstd Compression = "zstd"
	// CompressionAuto samples each payload and picks zstd, lz4 or none.
	CompressionAuto Compression = "auto"
)

// ParseCompression validates a configured compression name. The empty
// string means none.
func ParseCompression(name string) (Compression, error) {
	switch c := Compression(name); c {
	case "":
		return CompressionNone, nil
	case CompressionNone, CompressionLZ4, CompressionZstd, CompressionAuto:
		return c, nil
	default:
		return "", &faults.ConfigurationError{Message: fmt.Sprintf("unknown compression %q", name)}
	}
}

// compressionTag is the one-byte algorithm id written to envelopes.
type compressionTag uint8

const (
	tagNone compressionTag = 0
	tagLZ4  compressionTag = 1
	tagZstd compressionTag = 2
)

var errIncompressible = errors.New("data is incompressible")

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("storage: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("storage: zstd decoder initialization failed: " + err.Error())
	}
}

// compress returns the payload and the tag actually applied. Incompressible
// input falls back to tagNone.
func compress(data []byte, mode Compression) ([]byte, compressionTag, error) {
	tag := tagNone
	switch mode {
	case CompressionLZ4:
		tag = tagLZ4
	case CompressionZstd:
		tag = tagZstd
	case CompressionAuto:
		tag = selectCompression(data)
	}

	var (
		out []byte
		err error
	)
	switch tag {
	case tagLZ4:
		out, err = compressLZ4(data)
	case tagZstd:
		out, err = compressZstd(data)
	default:
		return data, tagNone, nil
	}
	if errors.Is(err, errIncompressible) {
		return data, tagNone, nil
	}
	if err != nil {
		return nil, 0, err
	}
	return out, tag, nil
}

func decompress(data []byte, tag compressionTag, size int) ([]byte, error) {
	switch tag {
	case tagNone:
		if len(data) != size {
			return nil, fmt.Errorf("uncompressed payload is %d bytes, expected %d", len(data), size)
		}
		return data, nil
	case tagLZ4:
		out := make([]byte, size)
		n, err := lz4.UncompressBlock(data, out)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress: %w", err)
		}
		if n != size {
			return nil, fmt.Errorf("lz4 decompress: got %d bytes, expected %d", n, size)
		}
		return out, nil
	case tagZstd:
		out, err := zstdDecoder.DecodeAll(data, make([]byte, 0, size))
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		if len(out) != size {
			return nil, fmt.Errorf("zstd decompress: got %d bytes, expected %d", len(out), size)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported compression tag %d", tag)
	}
}

func compressLZ4(data []byte) ([]byte, error) {
	dst := make([]byte, lz4.CompressBlockBound(len(data)))
	n, err := lz4.CompressBlock(data, dst, nil)
	if err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}
	if n == 0 || n >= len(data) {
		return nil, errIncompressible
	}
	return dst[:n], nil
}

func compressZstd(data []byte) ([]byte, error) {
	out := zstdEncoder.EncodeAll(data, nil)
	if len(out) >= len(data) {
		return nil, errIncompressible
	}
	return out, nil
}

// selectCompression trial-encodes with zstd: ratios >= 1.5 keep zstd, >= 1.1 use
// lz4, anything lower is stored as is.
func selectCompression(data []byte) compressionTag {
	if len(data) == 0 {
		return tagNone
	}
	trial := zstdEncoder.EncodeAll(data, nil)
	ratio := float64(len(data)) / float64(len(trial))
	switch {
	case ratio >= 1.5:
		return tagZstd
	case ratio >= 1.1:
		return tagLZ4
	default:
		return tagNone
	}
}
