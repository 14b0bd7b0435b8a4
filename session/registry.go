package session

import (
	"context"
	"fmt"
	"net/http"
	"sync"
)

// ConnInfo describes the physical link a scope is opened for.
type ConnInfo struct {
	RemoteAddr string
	Header     http.Header // WebSocket upgrade request headers, nil for TCP
}

// Scope binds one open connection to its Session and ClientStore. Both are
// created with the scope and destroyed with it.
type Scope struct {
	connID  string
	session *Session
	store   *ClientStore
}

func (s *Scope) ConnectionID() string      { return s.connID }
func (s *Scope) Session() *Session         { return s.session }
func (s *Scope) ClientStore() *ClientStore { return s.store }

// Closed reports whether the scope's connection has closed.
func (s *Scope) Closed() bool { return s.session.Closed() }

// Registry is the process-wide table of open connection scopes.
type Registry struct {
	mu     sync.RWMutex
	scopes map[string]*Scope
}

func NewRegistry() *Registry {
	return &Registry{scopes: make(map[string]*Scope)}
}

// Open creates the Session and ClientStore for connID. Opening an id that is
// already open is an error.
func (r *Registry) Open(connID string, info ConnInfo) (*Scope, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.scopes[connID]; ok {
		return nil, fmt.Errorf("session: connection %s already open", connID)
	}
	sc := &Scope{
		connID:  connID,
		session: newSession(connID, info),
		store:   newClientStore(),
	}
	r.scopes[connID] = sc
	return sc, nil
}

// Close destroys the scope of connID. Accessors held by in-flight handlers
// fail with ErrConnectionClosed from then on. Closing an unknown id is a no-op.
func (r *Registry) Close(connID string) {
	r.mu.Lock()
	sc, ok := r.scopes[connID]
	delete(r.scopes, connID)
	r.mu.Unlock()
	if ok {
		sc.session.close()
		sc.store.close()
	}
}

// Lookup returns the open scope for connID.
func (r *Registry) Lookup(connID string) (*Scope, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sc, ok := r.scopes[connID]
	return sc, ok
}

// Len returns the number of open scopes.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.scopes)
}

type scopeKey struct{}

// WithScope returns a context bound to sc for the extent of one dispatch.
func WithScope(ctx context.Context, sc *Scope) context.Context {
	return context.WithValue(ctx, scopeKey{}, sc)
}

// FromContext returns the scope bound to ctx, if any.
func FromContext(ctx context.Context) (*Scope, bool) {
	sc, ok := ctx.Value(scopeKey{}).(*Scope)
	return sc, ok && sc != nil
}

func current(ctx context.Context) (*Scope, error) {
	sc, ok := FromContext(ctx)
	if !ok {
		return nil, fmt.Errorf("session: no active dispatch: %w", ErrConnectionClosed)
	}
	if sc.Closed() {
		return nil, fmt.Errorf("session: connection %s: %w", sc.connID, ErrConnectionClosed)
	}
	return sc, nil
}

// CurrentSession returns the Session of the connection whose call is being
// dispatched on ctx.
func CurrentSession(ctx context.Context) (*Session, error) {
	sc, err := current(ctx)
	if err != nil {
		return nil, err
	}
	return sc.session, nil
}

// CurrentClientStore returns the ClientStore of the connection whose call is
// being dispatched on ctx.
func CurrentClientStore(ctx context.Context) (*ClientStore, error) {
	sc, err := current(ctx)
	if err != nil {
		return nil, err
	}
	return sc.store, nil
}
