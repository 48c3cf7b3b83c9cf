// Package compression encodes cache entries for storage on disk.
//
// Every encoded entry starts with a one-byte algorithm tag followed by the
// uvarint length of the original data, so decoding never depends on how
// the store was configured when the entry was written.
package compression

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Algorithm identifies how an entry body is encoded. The values are stored
// on disk; do not renumber them.
type Algorithm uint8

const (
	None Algorithm = 0
	LZ4  Algorithm = 1
	Zstd Algorithm = 2
)

const (
	// minSize is the smallest input worth compressing.
	minSize = 128
	// maxSize bounds the decoded size recorded in an entry header.
	maxSize = 1 << 30
	// lz4MaxRatio is the largest expansion an lz4 block can encode.
	lz4MaxRatio = 255
)

var ErrCorrupt = errors.New("compression: corrupt entry")

func (a Algorithm) String() string {
	switch a {
	case None:
		return "none"
	case LZ4:
		return "lz4"
	case Zstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(a))
	}
}

// ParseAlgorithm maps a name from configuration to an Algorithm.
func ParseAlgorithm(name string) (Algorithm, error) {
	switch name {
	case "none", "":
		return None, nil
	case "lz4":
		return LZ4, nil
	case "zstd":
		return Zstd, nil
	default:
		return None, fmt.Errorf("unknown compression algorithm %q", name)
	}
}

// Compressor encodes and decodes entries. It is safe for concurrent use.
type Compressor struct {
	algorithm Algorithm
	encoder   *zstd.Encoder
	decoder   *zstd.Decoder
}

// NewCompressor returns a Compressor that writes entries with algorithm.
// level applies to zstd only: 1 fastest, 2 default, 3 better compression.
func NewCompressor(algorithm Algorithm, level int) (*Compressor, error) {
	var encoderLevel zstd.EncoderLevel
	switch level {
	case 1:
		encoderLevel = zstd.SpeedFastest
	case 3:
		encoderLevel = zstd.SpeedBetterCompression
	default:
		encoderLevel = zstd.SpeedDefault
	}

	encoder, err := zstd.NewWriter(nil,
		zstd.WithEncoderLevel(encoderLevel),
		zstd.WithEncoderConcurrency(1),
	)
	if err != nil {
		return nil, err
	}

	// Readers must handle zstd entries even when writing with another algorithm.
	decoder, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(0), zstd.WithDecoderMaxMemory(maxSize))
	if err != nil {
		encoder.Close()
		return nil, err
	}

	return &Compressor{
		algorithm: algorithm,
		encoder:   encoder,
		decoder:   decoder,
	}, nil
}

// Algorithm returns the algorithm used for new entries.
func (c *Compressor) Algorithm() Algorithm { return c.algorithm }

// Compress encodes data. Small or incompressible data is stored raw.
func (c *Compressor) Compress(data []byte) ([]byte, error) {
	algorithm := c.algorithm
	if len(data) < minSize {
		algorithm = None
	}

	var body []byte
	switch algorithm {
	case Zstd:
		body = c.encoder.EncodeAll(data, make([]byte, 0, len(data)))
	case LZ4:
		buf := make([]byte, lz4.CompressBlockBound(len(data)))
		n, err := lz4.CompressBlock(data, buf, nil)
		if err != nil {
			return nil, fmt.Errorf("lz4 compress: %w", err)
		}
		body = buf[:n]
	}

	if algorithm == None || len(body) == 0 || len(body) >= len(data) {
		algorithm, body = None, data
	}

	out := make([]byte, 1, 1+binary.MaxVarintLen64+len(body))
	out[0] = byte(algorithm)
	out = binary.AppendUvarint(out, uint64(len(data)))
	return append(out, body...), nil
}

// Decompress decodes an entry written by Compress.
func (c *Compressor) Decompress(entry []byte) ([]byte, error) {
	if len(entry) < 2 {
		return nil, ErrCorrupt
	}
	algorithm := Algorithm(entry[0])
	size, n := binary.Uvarint(entry[1:])
	if n <= 0 || size > maxSize {
		return nil, ErrCorrupt
	}
	body := entry[1+n:]
	if algorithm == None && size != uint64(len(body)) ||
		algorithm == LZ4 && size > uint64(len(body))*lz4MaxRatio {
		return nil, fmt.Errorf("%w: size %d does not fit %d byte body", ErrCorrupt, size, len(body))
	}

	var data []byte
	switch algorithm {
	case None:
		data = body
	case Zstd:
		out, err := c.decoder.DecodeAll(body, nil)
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		data = out
	case LZ4:
		out := make([]byte, size)
		read, err := lz4.UncompressBlock(body, out)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress: %w", err)
		}
		data = out[:read]
	default:
		return nil, fmt.Errorf("%w: algorithm %s", ErrCorrupt, algorithm)
	}

	if uint64(len(data)) != size {
		return nil, fmt.Errorf("%w: got %d bytes, expected %d", ErrCorrupt, len(data), size)
	}
	return data, nil
}

func (c *Compressor) Close() error {
	if c.encoder != nil {
		c.encoder.Close()
	}
	if c.decoder != nil {
		c.decoder.Close()
	}
	return nil
}
