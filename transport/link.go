// Package transport moves protocol frames over a physical link and implements
// the client side of vizrpc.
//
// A Link carries whole frames. Two implementations exist:
//
//	WebSocketLink: one binary WebSocket message = one frame (browser clients)
//	StreamLink:    frames back to back on a byte stream (TCP, net.Pipe)
//
// ClientTransport enables multiple concurrent calls over a single Link.
// Each call gets a unique call id, and a background goroutine (recvLoop)
// reassembles response streams and routes them to the waiting caller:
//
//	goroutine-1 ──Call(id=1)──┐
//	goroutine-2 ──Call(id=2)──┼──→ one Link ──→ Server
//	goroutine-3 ──Call(id=3)──┘
//
//	recvLoop: ←── fragments → Reassembler → Response{id=2} → pending[2] → goroutine-2 wakes up
package transport

import (
	"context"
	"errors"

	"vizrpc/protocol"
)

// ErrLinkClosed is returned by operations on a closed link.
var ErrLinkClosed = errors.New("transport: link closed")

// Link is a bidirectional, frame-oriented connection.
//
// ReadFrame is called from a single goroutine. WriteFrame is safe for
// concurrent use and writes each frame atomically. Close unblocks ReadFrame.
type Link interface {
	ReadFrame(ctx context.Context) (*protocol.Header, []byte, error)
	WriteFrame(h *protocol.Header, body []byte) error
	Close() error
	RemoteAddr() string
}
