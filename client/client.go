// Package client is the Go counterpart of a visualization front-end: it finds
// vizrpc servers through a registry, picks one with a balancer, and keeps one
// multiplexed transport per server address.
package client

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"vizrpc/loadbalance"
	"vizrpc/registry"
	"vizrpc/transport"
)

// AffinityHeader carries the client's affinity key on WebSocket upgrades.
const AffinityHeader = "X-Vizrpc-Client"

var ErrClosed = errors.New("client: closed")

type Options struct {
	Service  string               // Registry service name, "vizrpc" by default
	Balancer loadbalance.Balancer // RoundRobin by default
	// AffinityKey is handed to the balancer on every pick. A random key is
	// generated when empty, so one Client sticks to one server under
	// consistent hashing.
	AffinityKey string
	Transport   transport.Options
	Logger      *zap.Logger
}

type Client struct {
	registry registry.Registry // find server instances from registry
	opts     Options
	logger   *zap.Logger

	mu         sync.Mutex
	transports map[string]*transport.ClientTransport // one transport per server address
	instances  []registry.ServiceInstance            // latest list from Watch, nil until first update
	closed     bool

	stopWatch context.CancelFunc
}

// New creates a client and starts watching the registry for membership changes.
func New(reg registry.Registry, opts Options) *Client {
	if opts.Service == "" {
		opts.Service = "vizrpc"
	}
	if opts.Balancer == nil {
		opts.Balancer = &loadbalance.RoundRobinBalancer{}
	}
	if opts.AffinityKey == "" {
		opts.AffinityKey = uuid.NewString()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Transport.Logger == nil {
		opts.Transport.Logger = opts.Logger
	}

	c := &Client{
		registry:   reg,
		opts:       opts,
		logger:     opts.Logger.With(zap.String("service", opts.Service)),
		transports: make(map[string]*transport.ClientTransport),
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.stopWatch = cancel
	go c.watch(ctx)
	return c
}

// watch keeps the cached instance list current and closes transports of
// servers that left the registry.
func (c *Client) watch(ctx context.Context) {
	for instances := range c.registry.Watch(ctx, c.opts.Service) {
		live := make(map[string]bool, len(instances))
		for _, inst := range instances {
			live[inst.Addr] = true
		}

		c.mu.Lock()
		c.instances = instances
		var gone []*transport.ClientTransport
		for addr, t := range c.transports {
			if !live[addr] {
				gone = append(gone, t)
				delete(c.transports, addr)
			}
		}
		c.mu.Unlock()

		for _, t := range gone {
			t.Close()
		}
		c.logger.Debug("instances updated", zap.Int("count", len(instances)), zap.Int("dropped", len(gone)))
	}
}

func (c *Client) discover(ctx context.Context) ([]registry.ServiceInstance, error) {
	c.mu.Lock()
	cached := c.instances
	c.mu.Unlock()
	if cached != nil {
		return cached, nil
	}
	return c.registry.Discover(ctx, c.opts.Service)
}

// getTransport returns the live transport for inst, dialing a new one when
// there is none or the previous one broke.
func (c *Client) getTransport(ctx context.Context, inst *registry.ServiceInstance) (*transport.ClientTransport, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	if t, ok := c.transports[inst.Addr]; ok {
		if t.Err() == nil {
			c.mu.Unlock()
			return t, nil
		}
		delete(c.transports, inst.Addr)
	}
	c.mu.Unlock()

	opts := c.opts.Transport
	if inst.ChunkSize > 0 {
		opts.ChunkSize = inst.ChunkSize
	}
	header := http.Header{}
	header.Set(AffinityHeader, c.opts.AffinityKey)
	link, err := transport.Dial(ctx, inst.Addr, opts.ChunkSize, header)
	if err != nil {
		return nil, err
	}
	t := transport.NewClientTransport(link, opts)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		t.Close()
		return nil, ErrClosed
	}
	// Another caller may have dialed the same server meanwhile; keep theirs.
	if existing, ok := c.transports[inst.Addr]; ok && existing.Err() == nil {
		t.Close()
		return existing, nil
	}
	c.transports[inst.Addr] = t
	c.logger.Info("connected", zap.String("addr", inst.Addr))
	return t, nil
}

// Call invokes method on a server picked by the balancer and decodes the
// result into reply (nil discards it). A failed call is not retried.
func (c *Client) Call(ctx context.Context, method string, reply any, args ...any) error {
	// Get server instances from registry
	instances, err := c.discover(ctx)
	if err != nil {
		return err
	}

	// Select an instance using load balancer
	instance, err := c.opts.Balancer.Pick(instances, c.opts.AffinityKey)
	if err != nil {
		return err
	}

	// Get the transport for the selected instance
	t, err := c.getTransport(ctx, instance)
	if err != nil {
		return err
	}

	// Send the request and wait for the response
	return t.CallInto(ctx, reply, method, args...)
}

// Close stops watching and closes every transport; pending calls fail with
// ConnectionClosed.
func (c *Client) Close() error {
	c.stopWatch()
	c.mu.Lock()
	c.closed = true
	transports := c.transports
	c.transports = make(map[string]*transport.ClientTransport)
	c.mu.Unlock()

	for _, t := range transports {
		t.Close()
	}
	return nil
}
