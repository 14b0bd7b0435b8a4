package transport

import (
	"fmt"

	"vizrpc/chunking"
	"vizrpc/codec"
	"vizrpc/protocol"
)

// Encoder turns a serialized envelope into the fragments of one stream,
// compressing it first when configured to.
type Encoder struct {
	splitter    *chunking.Splitter
	compression codec.Compression
	threshold   int
}

// NewEncoder returns an Encoder cutting fragments of at most chunkSize bytes.
// With zstd compression, bodies larger than threshold are compressed when
// that makes them smaller.
func NewEncoder(chunkSize int, compression codec.Compression, threshold int) *Encoder {
	return &Encoder{
		splitter:    chunking.NewSplitter(chunkSize),
		compression: compression,
		threshold:   threshold,
	}
}

// ChunkSize returns the fragment payload limit.
func (e *Encoder) ChunkSize() int { return e.splitter.ChunkSize() }

// Fragments prepares body for sending.
func (e *Encoder) Fragments(msgType protocol.MsgType, ct codec.CodecType, body []byte) ([]chunking.Fragment, error) {
	tmpl := protocol.Header{MsgType: msgType, CodecType: byte(ct)}
	if e.compression == codec.CompressionZstd && len(body) > e.threshold {
		packed, err := codec.Compress(body)
		if err != nil {
			return nil, err
		}
		if len(packed) < len(body) {
			body = packed
			tmpl.Flags |= protocol.FlagCompressed
		}
	}
	return e.splitter.Split(tmpl, body), nil
}

// WriteMessage fragments body and writes every fragment to link, in seq
// order. Fragments of concurrent writers may interleave on the link; each
// one is atomic. It returns the number of fragments written.
func (e *Encoder) WriteMessage(link Link, msgType protocol.MsgType, ct codec.CodecType, body []byte) (int, error) {
	frags, err := e.Fragments(msgType, ct, body)
	if err != nil {
		return 0, err
	}
	for i := range frags {
		if err := link.WriteFrame(&frags[i].Header, frags[i].Payload); err != nil {
			return i, err
		}
	}
	return len(frags), nil
}

// Unpack returns the serialized envelope of a reassembled message,
// decompressing it when its stream was compressed.
func Unpack(msg *chunking.Message, maxSize int) ([]byte, error) {
	if !msg.Compressed {
		return msg.Body, nil
	}
	body, err := codec.Decompress(msg.Body, maxSize)
	if err != nil {
		return nil, fmt.Errorf("transport: stream %d: %w", msg.StreamID, err)
	}
	return body, nil
}
