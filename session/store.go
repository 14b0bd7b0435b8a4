package session

import (
	"sort"
	"sync"
)

// ClientStore is the per-connection key-value bag. Values are whatever the
// application puts in; the store never inspects them.
type ClientStore struct {
	mu     sync.RWMutex
	closed bool
	data   map[string]any
}

func newClientStore() *ClientStore {
	return &ClientStore{data: make(map[string]any)}
}

func (c *ClientStore) Get(key string) (any, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil, false, ErrConnectionClosed
	}
	v, ok := c.data[key]
	return v, ok, nil
}

func (c *ClientStore) Set(key string, value any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConnectionClosed
	}
	c.data[key] = value
	return nil
}

func (c *ClientStore) Delete(key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConnectionClosed
	}
	delete(c.data, key)
	return nil
}

// Keys returns the stored keys in sorted order.
func (c *ClientStore) Keys() ([]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil, ErrConnectionClosed
	}
	keys := make([]string, 0, len(c.data))
	for k := range c.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (c *ClientStore) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.data)
}

func (c *ClientStore) close() {
	c.mu.Lock()
	c.closed = true
	c.data = nil
	c.mu.Unlock()
}
