package transport

import (
	"context"
	"net"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
)

// Dial connects to addr. "ws://" and "wss://" URLs open a WebSocketLink;
// anything else is treated as a TCP host:port and opens a StreamLink.
func Dial(ctx context.Context, addr string, chunkSize int, header http.Header) (Link, error) {
	if strings.HasPrefix(addr, "ws://") || strings.HasPrefix(addr, "wss://") {
		dialer := *websocket.DefaultDialer
		conn, _, err := dialer.DialContext(ctx, addr, header)
		if err != nil {
			return nil, err
		}
		return NewWebSocketLink(conn, chunkSize, false), nil
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return NewStreamLink(conn, chunkSize), nil
}
