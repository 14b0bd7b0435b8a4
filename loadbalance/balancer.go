// Package loadbalance provides load balancing strategies for distributing
// front-end connections across multiple vizrpc servers.
//
// Three strategies are implemented:
//   - RoundRobin:      Equal-capacity servers, no affinity
//   - WeightedRandom:  Heterogeneous servers (different CPU/memory/GPU)
//   - ConsistentHash:  Session affinity: a client key keeps landing on the
//     server that holds its Session and ClientStore
package loadbalance

import (
	"errors"

	"vizrpc/registry"
)

// ErrNoInstances is returned when there is nothing to pick from.
var ErrNoInstances = errors.New("loadbalance: no instances available")

// Balancer is the interface for load balancing strategies.
// The client calls Pick() before dialing a server.
type Balancer interface {
	// Pick selects one instance from the available list. key is the
	// caller's affinity key; strategies without affinity ignore it.
	// Called concurrently — must be goroutine-safe.
	Pick(instances []registry.ServiceInstance, key string) (*registry.ServiceInstance, error)

	// Name returns the strategy name (for logging/debugging).
	Name() string
}

// New returns the balancer registered under name: "round_robin",
// "weighted_random" or "consistent_hash".
func New(name string) (Balancer, error) {
	switch name {
	case "", "round_robin":
		return &RoundRobinBalancer{}, nil
	case "weighted_random":
		return &WeightedRandomBalancer{}, nil
	case "consistent_hash":
		return NewConsistentHashBalancer(), nil
	default:
		return nil, errors.New("loadbalance: unknown strategy " + name)
	}
}
