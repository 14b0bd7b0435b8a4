package codec

import (
	"reflect"

	cbor "github.com/fxamacker/cbor/v2"
)

// CBORCodec encodes envelopes as CBOR (RFC 8949). Byte slices travel as CBOR
// byte strings, so volumetric payloads are not inflated the way base64 in
// JSON inflates them.
type CBORCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

var (
	cborCodec    = mustCBOR()
	mapStringAny = reflect.TypeOf(map[string]any(nil))
)

// NewCBORCodec returns a codec using canonical encoding and a decoder that
// produces map[string]any for maps so values convert cleanly between codecs.
func NewCBORCodec() (*CBORCodec, error) {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		return nil, err
	}
	dm, err := cbor.DecOptions{
		DefaultMapType: mapStringAny,
	}.DecMode()
	if err != nil {
		return nil, err
	}
	return &CBORCodec{enc: em, dec: dm}, nil
}

func mustCBOR() *CBORCodec {
	c, err := NewCBORCodec()
	if err != nil {
		panic(err)
	}
	return c
}

func (c *CBORCodec) Encode(v any) ([]byte, error) {
	return c.enc.Marshal(v)
}

func (c *CBORCodec) Decode(data []byte, v any) error {
	return c.dec.Unmarshal(data, v)
}

func (c *CBORCodec) Type() CodecType {
	return CodecTypeCBOR
}
