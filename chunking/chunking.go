// Package chunking fragments oversized logical messages on send and
// reassembles them on receive.
//
// A logical message is always sent as a stream of one or more fragments, so
// the receiving side has a single code path:
//
//	Split(body, chunkSize=4)                 Feed(...) per fragment
//	"abcdefghij" ──► {s=7,seq=0} "abcd"  ──►  stream 7: [abcd]
//	                 {s=7,seq=1} "efgh"  ──►  stream 7: [abcd efgh]
//	                 {s=7,seq=2,last} "ij" ─► Message{"abcdefghij"}, stream 7 released
//
// Streams are independent: fragments of different stream IDs may interleave
// freely, and aborting one stream never touches another.
package chunking

import (
	"errors"
	"fmt"
	"sync/atomic"

	"vizrpc/protocol"
)

// DefaultChunkSize is the fragment payload threshold, 1 MiB.
const DefaultChunkSize = 1 << 20

var (
	// ErrStreamAborted is matched (errors.Is) by every *StreamError.
	ErrStreamAborted = errors.New("chunk stream aborted")
	// ErrClosed is returned by Feed after the owning connection closed.
	ErrClosed = errors.New("reassembler closed")
)

// StreamError reports why a single stream was aborted.
type StreamError struct {
	StreamID uint32
	Reason   string
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("chunk stream %d aborted: %s", e.StreamID, e.Reason)
}

func (e *StreamError) Unwrap() error { return ErrStreamAborted }

// Fragment is one frame of a stream: its header and payload slice.
type Fragment struct {
	Header  protocol.Header
	Payload []byte
}

// Splitter allocates outbound stream IDs and cuts bodies into fragments.
// One Splitter serves one connection direction; it is safe for concurrent use.
type Splitter struct {
	chunkSize int
	next      atomic.Uint32
}

// NewSplitter returns a Splitter producing payloads of at most chunkSize bytes.
func NewSplitter(chunkSize int) *Splitter {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &Splitter{chunkSize: chunkSize}
}

// ChunkSize returns the configured threshold.
func (s *Splitter) ChunkSize() int { return s.chunkSize }

// Split cuts body into sequential fragments tagged with a fresh stream ID.
// tmpl supplies CodecType, MsgType and any flags other than FlagLast; seq
// starts at 0 and the final fragment carries FlagLast. An empty body still
// yields one (empty, last) fragment. Payloads alias body.
func (s *Splitter) Split(tmpl protocol.Header, body []byte) []Fragment {
	streamID := s.next.Add(1)

	n := (len(body) + s.chunkSize - 1) / s.chunkSize
	if n == 0 {
		n = 1
	}
	frags := make([]Fragment, 0, n)
	for i := 0; i < n; i++ {
		start := i * s.chunkSize
		end := min(start+s.chunkSize, len(body))

		h := tmpl
		h.StreamID = streamID
		h.Seq = uint32(i)
		h.Flags &^= protocol.FlagLast
		if i == n-1 {
			h.Flags |= protocol.FlagLast
		}
		h.BodyLen = uint32(end - start)
		frags = append(frags, Fragment{Header: h, Payload: body[start:end]})
	}
	return frags
}
