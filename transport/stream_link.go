package transport

import (
	"bufio"
	"context"
	"net"
	"sync"

	"vizrpc/protocol"
)

// StreamLink frames a byte stream (TCP connection, net.Pipe).
type StreamLink struct {
	conn    net.Conn
	r       *bufio.Reader
	maxBody uint32
	writeMu sync.Mutex // one frame at a time, otherwise header/body bytes of two frames interleave
}

// NewStreamLink wraps conn. Frames whose payload exceeds maxBody are refused
// before their body is allocated; zero disables the check.
func NewStreamLink(conn net.Conn, maxBody int) *StreamLink {
	return &StreamLink{
		conn:    conn,
		r:       bufio.NewReaderSize(conn, 64<<10),
		maxBody: uint32(maxBody),
	}
}

// ReadFrame blocks until a frame arrives or the connection fails. The context
// is not consulted; Close the link to unblock it.
func (l *StreamLink) ReadFrame(ctx context.Context) (*protocol.Header, []byte, error) {
	return protocol.Decode(l.r, l.maxBody)
}

func (l *StreamLink) WriteFrame(h *protocol.Header, body []byte) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	return protocol.Encode(l.conn, h, body)
}

func (l *StreamLink) Close() error {
	return l.conn.Close()
}

func (l *StreamLink) RemoteAddr() string {
	if a := l.conn.RemoteAddr(); a != nil {
		return a.String()
	}
	return ""
}
