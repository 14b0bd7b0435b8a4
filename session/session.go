// Package session holds per-connection state: a Session (identity, auth,
// metadata) and a ClientStore (opaque key-value bag), both owned by exactly one
// open connection.
//
// Handlers reach them through the dispatch context:
//
//	func(ctx context.Context, call *router.Call) (any, error) {
//		sess, err := session.CurrentSession(ctx)
//		...
//	}
//
// The binding lives in the context.Context of the call, never in a shared
// global cell, so concurrent dispatches for different connections cannot
// observe each other's state.
package session

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrConnectionClosed is returned by every accessor once the owning
// connection is closed, and by the context accessors outside a dispatch.
var ErrConnectionClosed = errors.New("connection closed")

// Session is the logical state of one open connection.
type Session struct {
	id         string
	connID     string
	remoteAddr string
	header     http.Header
	createdAt  time.Time

	mu            sync.RWMutex
	closed        bool
	identity      string
	authenticated bool
	metadata      map[string]any
}

func newSession(connID string, info ConnInfo) *Session {
	return &Session{
		id:         uuid.NewString(),
		connID:     connID,
		remoteAddr: info.RemoteAddr,
		header:     info.Header.Clone(),
		createdAt:  time.Now(),
		metadata:   make(map[string]any),
	}
}

func (s *Session) ID() string           { return s.id }
func (s *Session) ConnectionID() string { return s.connID }
func (s *Session) RemoteAddr() string   { return s.remoteAddr }
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// Header returns the handshake headers of the connection (WebSocket upgrade
// request), empty for raw TCP links. Connect hooks use it to authenticate.
func (s *Session) Header() http.Header { return s.header }

// SetIdentity records who is on the other end of the connection.
func (s *Session) SetIdentity(identity string, authenticated bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrConnectionClosed
	}
	s.identity = identity
	s.authenticated = authenticated
	return nil
}

// Identity returns the recorded identity and whether it was authenticated.
func (s *Session) Identity() (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return "", false, ErrConnectionClosed
	}
	return s.identity, s.authenticated, nil
}

// Get returns a metadata value.
func (s *Session) Get(key string) (any, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, false, ErrConnectionClosed
	}
	v, ok := s.metadata[key]
	return v, ok, nil
}

// Set stores a metadata value.
func (s *Session) Set(key string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrConnectionClosed
	}
	s.metadata[key] = value
	return nil
}

// Delete removes a metadata value.
func (s *Session) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrConnectionClosed
	}
	delete(s.metadata, key)
	return nil
}

// Closed reports whether the owning connection has closed.
func (s *Session) Closed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

func (s *Session) close() {
	s.mu.Lock()
	s.closed = true
	s.metadata = nil
	s.mu.Unlock()
}
