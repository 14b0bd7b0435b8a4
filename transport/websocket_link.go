package transport

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"vizrpc/protocol"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// WebSocketLink carries one frame per binary WebSocket message.
type WebSocketLink struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex // gorilla allows one concurrent writer
	closeOnce sync.Once
	done      chan struct{}
}

// NewWebSocketLink wraps an established connection. maxBody bounds the frame
// payload (the chunk size); the read limit is maxBody plus the header. When
// keepalive is set the link pings the peer and expects pongs within pongWait.
func NewWebSocketLink(conn *websocket.Conn, maxBody int, keepalive bool) *WebSocketLink {
	l := &WebSocketLink{conn: conn, done: make(chan struct{})}
	if maxBody > 0 {
		conn.SetReadLimit(int64(maxBody + protocol.HeaderSize))
	}
	if keepalive {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		go l.pingLoop()
	}
	return l
}

// ReadFrame reads the next binary message and decodes exactly one frame from it.
func (l *WebSocketLink) ReadFrame(ctx context.Context) (*protocol.Header, []byte, error) {
	for {
		mt, data, err := l.conn.ReadMessage()
		if err != nil {
			return nil, nil, err
		}
		if mt != websocket.BinaryMessage {
			// Text messages are not part of the protocol.
			continue
		}
		r := bytes.NewReader(data)
		h, body, err := protocol.Decode(r, 0)
		if err != nil {
			return nil, nil, err
		}
		if r.Len() != 0 {
			return nil, nil, fmt.Errorf("transport: %d trailing bytes after frame", r.Len())
		}
		return h, body, nil
	}
}

func (l *WebSocketLink) WriteFrame(h *protocol.Header, body []byte) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	l.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return l.conn.WriteMessage(websocket.BinaryMessage, protocol.Marshal(h, body))
}

func (l *WebSocketLink) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.done)
		l.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		err = l.conn.Close()
	})
	return err
}

func (l *WebSocketLink) RemoteAddr() string {
	if a := l.conn.RemoteAddr(); a != nil {
		return a.String()
	}
	return ""
}

func (l *WebSocketLink) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			// WriteControl may run concurrently with WriteMessage.
			if err := l.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-l.done:
			return
		}
	}
}

// NewUpgrader returns a gorilla upgrader sized for chunkSize frames that
// admits only the listed origins. An empty list admits same-origin requests
// only (gorilla's default); "*" admits any origin.
func NewUpgrader(chunkSize int, origins []string) *websocket.Upgrader {
	u := &websocket.Upgrader{
		ReadBufferSize:  min(chunkSize+protocol.HeaderSize, 1<<20),
		WriteBufferSize: min(chunkSize+protocol.HeaderSize, 1<<20),
	}
	if len(origins) > 0 {
		allowed := make(map[string]bool, len(origins))
		for _, o := range origins {
			allowed[o] = true
		}
		u.CheckOrigin = func(r *http.Request) bool {
			if allowed["*"] {
				return true
			}
			origin := r.Header.Get("Origin")
			return origin == "" || allowed[origin]
		}
	}
	return u
}
