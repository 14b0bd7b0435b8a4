package codec

import (
	"bytes"
	"errors"
	"runtime"
	"testing"

	"vizrpc/message"
)

func TestJSONCodec(t *testing.T) {
	jsonCodec := &JSONCodec{}

	originalMsg := &message.Request{
		CallID: float64(1),
		Method: "echo",
		Args:   []any{"hi"},
	}

	data, err := jsonCodec.Encode(originalMsg)
	if err != nil {
		t.Fatalf("JSONCodec Encode failed: %v", err)
	}

	var decodedMsg message.Request
	if err := jsonCodec.Decode(data, &decodedMsg); err != nil {
		t.Fatalf("JSONCodec Decode failed: %v", err)
	}

	if decodedMsg.Method != originalMsg.Method {
		t.Errorf("Method mismatch: got %s, want %s", decodedMsg.Method, originalMsg.Method)
	}
	if message.CallKey(decodedMsg.CallID) != message.CallKey(originalMsg.CallID) {
		t.Errorf("CallID mismatch: got %v, want %v", decodedMsg.CallID, originalMsg.CallID)
	}
	if len(decodedMsg.Args) != 1 || decodedMsg.Args[0] != "hi" {
		t.Errorf("Args mismatch: got %v", decodedMsg.Args)
	}
}

func TestCBORCodecBinaryPayload(t *testing.T) {
	c := GetCodec(CodecTypeCBOR)
	if c.Type() != CodecTypeCBOR {
		t.Fatalf("expect cbor codec, got %s", c.Type())
	}

	volume := make([]byte, 4096)
	for i := range volume {
		volume[i] = byte(i % 251)
	}
	resp := message.Result(uint64(9), volume)

	data, err := c.Encode(resp)
	if err != nil {
		t.Fatalf("CBORCodec Encode failed: %v", err)
	}
	// CBOR byte strings carry the payload verbatim, with a few bytes of overhead.
	if len(data) > len(volume)+64 {
		t.Fatalf("expect compact binary encoding, got %d bytes for %d", len(data), len(volume))
	}

	var decoded message.Response
	if err := c.Decode(data, &decoded); err != nil {
		t.Fatalf("CBORCodec Decode failed: %v", err)
	}
	got, ok := decoded.Result.([]byte)
	if !ok {
		t.Fatalf("expect []byte result, got %T", decoded.Result)
	}
	if !bytes.Equal(got, volume) {
		t.Fatal("payload mismatch after CBOR round trip")
	}
}

func TestConvert(t *testing.T) {
	type point struct {
		X int `json:"x" cbor:"x"`
		Y int `json:"y" cbor:"y"`
	}

	for _, ct := range []CodecType{CodecTypeJSON, CodecTypeCBOR} {
		c := GetCodec(ct)
		var generic any
		data, _ := c.Encode(point{X: 3, Y: 4})
		if err := c.Decode(data, &generic); err != nil {
			t.Fatalf("%s: decode generic: %v", ct, err)
		}

		var p point
		if err := Convert(c, generic, &p); err != nil {
			t.Fatalf("%s: convert: %v", ct, err)
		}
		if p.X != 3 || p.Y != 4 {
			t.Fatalf("%s: expect {3 4}, got %+v", ct, p)
		}
	}
}

func TestParseCodecType(t *testing.T) {
	if ct, err := ParseCodecType("CBOR"); err != nil || ct != CodecTypeCBOR {
		t.Fatalf("expect cbor, got %v %v", ct, err)
	}
	if ct, err := ParseCodecType(""); err != nil || ct != CodecTypeJSON {
		t.Fatalf("expect json default, got %v %v", ct, err)
	}
	if _, err := ParseCodecType("xml"); err == nil {
		t.Fatal("expect error for unknown codec")
	}
}

func TestCompressRoundTrip(t *testing.T) {
	data := bytes.Repeat([]byte("volume-slice-"), 10000)

	packed, err := Compress(data)
	if err != nil {
		t.Fatal(err)
	}
	if len(packed) >= len(data) {
		t.Fatalf("expect repetitive data to shrink, %d >= %d", len(packed), len(data))
	}

	unpacked, err := Decompress(packed, 0)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(unpacked, data) {
		t.Fatal("payload mismatch after zstd round trip")
	}

	if _, err := Decompress(packed, 10); !errors.Is(err, ErrTooLarge) {
		t.Fatalf("expect ErrTooLarge, got %v", err)
	}
}

func TestDecompressStopsAtLimit(t *testing.T) {
	packed, err := Compress(make([]byte, 64<<20))
	if err != nil {
		t.Fatal(err)
	}

	var before, after runtime.MemStats
	runtime.GC()
	runtime.ReadMemStats(&before)
	_, err = Decompress(packed, 1<<20)
	runtime.ReadMemStats(&after)

	if !errors.Is(err, ErrTooLarge) {
		t.Fatalf("Decompress err = %v, want ErrTooLarge", err)
	}
	// 64 MiB of zeros must not be inflated to find out it is too big.
	if grown := after.TotalAlloc - before.TotalAlloc; grown > 16<<20 {
		t.Fatalf("Decompress allocated %d bytes for a 1 MiB limit", grown)
	}

	// The limit is inclusive.
	exact, err := Compress(make([]byte, 1<<20))
	if err != nil {
		t.Fatal(err)
	}
	out, err := Decompress(exact, 1<<20)
	if err != nil || len(out) != 1<<20 {
		t.Fatalf("Decompress at limit = %d bytes, %v", len(out), err)
	}
}
