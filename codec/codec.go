// Package codec serializes logical envelopes to bytes and back.
//
// The codec is chosen per connection by the client: the codec byte of the
// first frame header names it, and the server replies in kind.
package codec

import (
	"fmt"
	"strings"
)

type CodecType byte

const (
	CodecTypeJSON CodecType = 0
	CodecTypeCBOR CodecType = 1
)

type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
	Type() CodecType // 0=JSON, 1=CBOR
}

func (t CodecType) String() string {
	switch t {
	case CodecTypeJSON:
		return "json"
	case CodecTypeCBOR:
		return "cbor"
	default:
		return fmt.Sprintf("codec(%d)", byte(t))
	}
}

// Valid reports whether t names a known codec.
func (t CodecType) Valid() bool {
	return t == CodecTypeJSON || t == CodecTypeCBOR
}

func GetCodec(codecType CodecType) Codec {
	if codecType == CodecTypeCBOR {
		return cborCodec
	}

	return &JSONCodec{}
}

// ParseCodecType maps a config name ("json", "cbor") to its CodecType.
func ParseCodecType(name string) (CodecType, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "json":
		return CodecTypeJSON, nil
	case "cbor":
		return CodecTypeCBOR, nil
	default:
		return 0, fmt.Errorf("codec: unknown codec %q", name)
	}
}

// Convert re-encodes src into dst through c. Handlers use it to bind a
// generically decoded argument (map[string]any, []any) to a typed value.
func Convert(c Codec, src any, dst any) error {
	data, err := c.Encode(src)
	if err != nil {
		return err
	}
	return c.Decode(data, dst)
}
