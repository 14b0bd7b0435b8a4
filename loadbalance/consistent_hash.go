package loadbalance

import (
	"fmt"
	"hash/crc32"
	"sort"
	"strings"
	"sync"

	"vizrpc/registry"
)

// ConsistentHashBalancer maps keys to instances using a hash ring.
// The same key always maps to the same instance (until the ring changes),
// so a front-end reconnecting with the same key finds its server again.
//
// Virtual nodes: each real instance is mapped to N virtual nodes on the ring.
// Without virtual nodes, 3 instances might cluster together on the ring,
// causing uneven load distribution. 100 virtual nodes per instance ensures
// statistical uniformity.
//
//	Hash Ring:
//	                  0
//	                ╱   ╲
//	              ╱       ╲
//	         B ●               ● A
//	           │    key ◆──►   │   (clockwise to nearest node → A)
//	         C ●               ● A' (virtual node of A)
//	              ╲       ╱
//	                ╲   ╱
type ConsistentHashBalancer struct {
	replicas int // Virtual nodes per real instance

	mu        sync.RWMutex
	ring      []uint32                            // Sorted hash values on the ring
	nodes     map[uint32]registry.ServiceInstance // Hash value → instance mapping
	members   map[string]bool                     // Addrs currently on the ring
	signature string                              // Instance set the ring was last synced to
}

// NewConsistentHashBalancer creates a hash ring with 100 virtual nodes per instance.
func NewConsistentHashBalancer() *ConsistentHashBalancer {
	return &ConsistentHashBalancer{
		replicas: 100,
		nodes:    make(map[uint32]registry.ServiceInstance),
		members:  make(map[string]bool),
	}
}

// Add places an instance onto the hash ring with N virtual nodes.
// Each virtual node is hashed from "{addr}#{i}" to spread evenly across the ring.
func (b *ConsistentHashBalancer) Add(instance registry.ServiceInstance) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.addLocked(instance)
	b.signature = ""
}

// Remove takes an instance and its virtual nodes off the ring.
func (b *ConsistentHashBalancer) Remove(addr string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removeLocked(addr)
	b.signature = ""
}

func (b *ConsistentHashBalancer) addLocked(instance registry.ServiceInstance) {
	if b.members[instance.Addr] {
		return
	}
	b.members[instance.Addr] = true
	for i := 0; i < b.replicas; i++ {
		hash := crc32.ChecksumIEEE([]byte(fmt.Sprintf("%s#%d", instance.Addr, i)))
		b.ring = append(b.ring, hash)
		b.nodes[hash] = instance
	}
	// Keep the ring sorted for binary search in Pick()
	sort.Slice(b.ring, func(i, j int) bool { return b.ring[i] < b.ring[j] })
}

func (b *ConsistentHashBalancer) removeLocked(addr string) {
	if !b.members[addr] {
		return
	}
	delete(b.members, addr)
	kept := b.ring[:0]
	for _, h := range b.ring {
		if b.nodes[h].Addr == addr {
			delete(b.nodes, h)
			continue
		}
		kept = append(kept, h)
	}
	b.ring = kept
}

// sync makes the ring hold exactly instances. Unchanged sets cost one string
// comparison; changed sets move only the keys of added or removed instances.
func (b *ConsistentHashBalancer) sync(instances []registry.ServiceInstance) {
	addrs := make([]string, len(instances))
	for i, inst := range instances {
		addrs[i] = inst.Addr
	}
	sort.Strings(addrs)
	sig := strings.Join(addrs, ",")

	b.mu.RLock()
	same := sig == b.signature
	b.mu.RUnlock()
	if same {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	want := make(map[string]bool, len(addrs))
	for _, a := range addrs {
		want[a] = true
	}
	for addr := range b.members {
		if !want[addr] {
			b.removeLocked(addr)
		}
	}
	for _, inst := range instances {
		b.addLocked(inst)
	}
	b.signature = sig
}

// Pick finds the instance responsible for key among instances.
// It hashes the key, then binary-searches for the first node >= hash on the ring.
// If the hash is larger than all nodes, it wraps around to the first node (ring property).
// A nil instances list picks from the ring as built by Add/Remove.
func (b *ConsistentHashBalancer) Pick(instances []registry.ServiceInstance, key string) (*registry.ServiceInstance, error) {
	if instances != nil {
		if len(instances) == 0 {
			return nil, ErrNoInstances
		}
		b.sync(instances)
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.ring) == 0 {
		return nil, ErrNoInstances
	}

	hash := crc32.ChecksumIEEE([]byte(key))

	// Binary search: find first node with hash >= key's hash
	idx := sort.Search(len(b.ring), func(i int) bool {
		return b.ring[i] >= hash
	})

	// Wrap around: if key's hash > all nodes, go to the first node
	if idx == len(b.ring) {
		idx = 0
	}

	inst := b.nodes[b.ring[idx]]
	return &inst, nil
}

func (b *ConsistentHashBalancer) Name() string {
	return "ConsistentHash"
}
