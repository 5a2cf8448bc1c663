package envelope

import (
	"fmt"

	"github.com/golang/snappy"
)

// Compressor shrinks payloads before encryption. The tag is carried inside
// the envelope so the opening side selects the matching implementation.
type Compressor interface {
	// Tag identifies the algorithm on the wire.
	Tag() string

	// Compress encodes the payload.
	Compress(data []byte) ([]byte, error)

	// Decompress decodes a compressed payload.
	Decompress(data []byte) ([]byte, error)
}

// Compression tags carried in envelopes.
const (
	CompressionNone   = "none"
	CompressionSnappy = "snappy"
)

// SnappyCompressor is the default Compressor.
type SnappyCompressor struct{}

// Tag returns "snappy".
func (SnappyCompressor) Tag() string { return CompressionSnappy }

// Compress encodes data in snappy block format.
func (SnappyCompressor) Compress(data []byte) ([]byte, error) {
	return snappy.Encode(nil, data), nil
}

// Decompress decodes a snappy block.
func (SnappyCompressor) Decompress(data []byte) ([]byte, error) {
	out, err := snappy.Decode(nil, data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecompression, err)
	}
	return out, nil
}

// NullCompressor passes payloads through unchanged.
type NullCompressor struct{}

// Tag returns "none".
func (NullCompressor) Tag() string { return CompressionNone }

// Compress returns data unchanged.
func (NullCompressor) Compress(data []byte) ([]byte, error) { return data, nil }

// Decompress returns data unchanged.
func (NullCompressor) Decompress(data []byte) ([]byte, error) { return data, nil }

// CompressorByTag resolves the Compressor for a wire tag.
func CompressorByTag(tag string) (Compressor, bool) {
	switch tag {
	case CompressionSnappy:
		return SnappyCompressor{}, true
	case CompressionNone:
		return NullCompressor{}, true
	default:
		return nil, false
	}
}
