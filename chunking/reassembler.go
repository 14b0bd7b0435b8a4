package chunking

import (
	"sync"

	"vizrpc/protocol"
)

// Message is a reassembled logical message.
type Message struct {
	StreamID   uint32
	MsgType    protocol.MsgType
	CodecType  byte
	Compressed bool
	Body       []byte
}

type stream struct {
	first protocol.Header // header of seq 0, fixes codec/type/flags for the stream
	next  uint32          // seq expected on the next fragment
	parts [][]byte
	size  int
}

// Reassembler buffers inbound fragments per stream ID for one connection.
//
// Out-of-order and duplicate seq values are rejected: the stream is aborted
// and its buffer released. Later fragments bearing that stream ID then fail
// too, because an unknown stream may only be opened by seq 0.
type Reassembler struct {
	mu         sync.Mutex
	streams    map[uint32]*stream
	maxMessage int // upper bound on one stream's buffered bytes, 0 = unbounded
	buffered   int // bytes held across all Accumulating streams
	closed     bool
	aborted    uint64
}

// NewReassembler returns an empty reassembler. maxMessage bounds a single
// logical message; zero disables the bound.
func NewReassembler(maxMessage int) *Reassembler {
	return &Reassembler{
		streams:    make(map[uint32]*stream),
		maxMessage: maxMessage,
	}
}

// Feed adds one fragment. It returns the completed Message when h carries
// FlagLast, nil while the stream is still Accumulating, and a *StreamError
// when the fragment violates ordering or size rules. Heartbeats are ignored.
func (r *Reassembler) Feed(h *protocol.Header, payload []byte) (*Message, error) {
	if h.MsgType == protocol.MsgTypeHeartbeat {
		return nil, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrClosed
	}

	st, ok := r.streams[h.StreamID]
	if !ok {
		if h.Seq != 0 {
			r.aborted++
			return nil, &StreamError{StreamID: h.StreamID, Reason: "fragment for unknown stream"}
		}
		st = &stream{first: *h}
		r.streams[h.StreamID] = st
	}

	switch {
	case h.Seq != st.next:
		return nil, r.abortLocked(h.StreamID, st, "out-of-order or duplicate fragment")
	case h.MsgType != st.first.MsgType || h.CodecType != st.first.CodecType:
		return nil, r.abortLocked(h.StreamID, st, "fragment header changed mid-stream")
	case r.maxMessage > 0 && st.size+len(payload) > r.maxMessage:
		return nil, r.abortLocked(h.StreamID, st, "message exceeds size limit")
	}

	st.parts = append(st.parts, payload)
	st.size += len(payload)
	st.next++
	r.buffered += len(payload)

	if !h.IsLast() {
		return nil, nil
	}

	// Concatenate in seq order; parts were appended strictly in order.
	body := make([]byte, 0, st.size)
	for _, p := range st.parts {
		body = append(body, p...)
	}
	r.release(h.StreamID, st)
	return &Message{
		StreamID:   h.StreamID,
		MsgType:    st.first.MsgType,
		CodecType:  st.first.CodecType,
		Compressed: st.first.Compressed(),
		Body:       body,
	}, nil
}

func (r *Reassembler) abortLocked(id uint32, st *stream, reason string) error {
	r.release(id, st)
	r.aborted++
	return &StreamError{StreamID: id, Reason: reason}
}

func (r *Reassembler) release(id uint32, st *stream) {
	r.buffered -= st.size
	st.parts = nil
	delete(r.streams, id)
}

// Accumulating reports whether streamID is buffered and awaiting its last
// fragment.
func (r *Reassembler) Accumulating(streamID uint32) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.streams[streamID]
	return ok
}

// Close aborts every Accumulating stream, releases its memory, and makes
// later Feed calls fail with ErrClosed. It returns the number of streams
// aborted and is idempotent.
func (r *Reassembler) Close() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return 0
	}
	r.closed = true
	n := len(r.streams)
	for id, st := range r.streams {
		r.release(id, st)
	}
	r.streams = nil
	r.buffered = 0
	r.aborted += uint64(n)
	return n
}

// BufferedBytes returns the bytes currently held by Accumulating streams.
func (r *Reassembler) BufferedBytes() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.buffered
}

// ActiveStreams returns the number of Accumulating streams.
func (r *Reassembler) ActiveStreams() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.streams)
}

// AbortedStreams returns how many streams were aborted over the lifetime of
// the reassembler.
func (r *Reassembler) AbortedStreams() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.aborted
}
