package codec

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math/bits"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// Compression names the body compression applied before fragmentation.
type Compression string

const (
	CompressionNone Compression = "none"
	CompressionZstd Compression = "zstd"
)

// ParseCompression maps a config name to a Compression.
func ParseCompression(name string) (Compression, error) {
	switch Compression(strings.ToLower(strings.TrimSpace(name))) {
	case "", CompressionNone:
		return CompressionNone, nil
	case CompressionZstd:
		return CompressionZstd, nil
	default:
		return "", fmt.Errorf("codec: unknown compression %q", name)
	}
}

// The zstd encoder and decoder are safe for concurrent EncodeAll/DecodeAll
// calls, so a single pair serves every connection.
var (
	zstdOnce sync.Once
	zstdEnc  *zstd.Encoder
	zstdDec  *zstd.Decoder
	zstdErr  error
)

func zstdInit() {
	zstdOnce.Do(func() {
		zstdEnc, zstdErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
		if zstdErr != nil {
			return
		}
		zstdDec, zstdErr = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
	})
}

// Compress returns the zstd encoding of data.
func Compress(data []byte) ([]byte, error) {
	zstdInit()
	if zstdErr != nil {
		return nil, zstdErr
	}
	return zstdEnc.EncodeAll(data, make([]byte, 0, len(data)/2)), nil
}

// ErrTooLarge is returned when a compressed body expands beyond its limit.
var ErrTooLarge = errors.New("codec: decompressed body exceeds limit")

// boundedPools holds one decoder pool per size limit. Each decoder's memory
// cap is a small multiple of the limit: encoders round the window up to a
// power of two, and a frame declaring more is refused before its window is
// allocated.
var boundedPools sync.Map // int → *sync.Pool

func boundedPool(maxSize int) *sync.Pool {
	if p, ok := boundedPools.Load(maxSize); ok {
		return p.(*sync.Pool)
	}
	p, _ := boundedPools.LoadOrStore(maxSize, &sync.Pool{
		New: func() any {
			dec, err := zstd.NewReader(nil,
				zstd.WithDecoderConcurrency(1),
				zstd.WithDecoderLowmem(true),
				zstd.WithDecoderMaxMemory(uint64(1)<<(bits.Len(uint(maxSize))+1)))
			if err != nil {
				return err
			}
			return dec
		},
	})
	return p.(*sync.Pool)
}

// Decompress reverses Compress. maxSize bounds the decoded length while it
// is decoded; zero means no bound.
func Decompress(data []byte, maxSize int) ([]byte, error) {
	if maxSize <= 0 {
		zstdInit()
		if zstdErr != nil {
			return nil, zstdErr
		}
		out, err := zstdDec.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("codec: zstd decode: %w", err)
		}
		return out, nil
	}

	// Stream into a LimitReader: a body that expands past maxSize is cut off
	// after maxSize+1 bytes instead of being fully inflated.
	pool := boundedPool(maxSize)
	pooled := pool.Get()
	dec, ok := pooled.(*zstd.Decoder)
	if !ok {
		return nil, pooled.(error)
	}
	defer pool.Put(dec)
	var buf bytes.Buffer
	var n int64
	err := dec.Reset(bytes.NewReader(data))
	if err == nil {
		n, err = buf.ReadFrom(io.LimitReader(dec, int64(maxSize)+1))
	}
	if errors.Is(err, zstd.ErrDecoderSizeExceeded) || errors.Is(err, zstd.ErrWindowSizeExceeded) || n > int64(maxSize) {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrTooLarge, maxSize)
	}
	if err != nil {
		return nil, fmt.Errorf("codec: zstd decode: %w", err)
	}
	return buf.Bytes(), nil
}
