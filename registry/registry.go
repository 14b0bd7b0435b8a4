package registry

import "context"

// ServiceInstance is one advertised server.
type ServiceInstance struct {
	Addr      string // "ws://host:port/socket" or "host:port" for framed TCP
	Weight    int    // Weight for load balancing
	Version   string
	ChunkSize int // Fragment payload limit the server was started with
}

type Registry interface {
	Register(ctx context.Context, serviceName string, instance ServiceInstance, ttl int64) error
	Deregister(ctx context.Context, serviceName string, addr string) error
	Discover(ctx context.Context, serviceName string) ([]ServiceInstance, error)
	Watch(ctx context.Context, serviceName string) <-chan []ServiceInstance
}
