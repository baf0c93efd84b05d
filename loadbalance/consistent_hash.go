package loadbalance

import (
	"fmt"
	"hash/crc32"
	"sort"
	"strings"
	"sync"

	"xic/endpoint"
)

// ConsistentHashBalancer maps caller keys to endpoints using a hash ring.
// The same key always maps to the same endpoint until the endpoint set
// changes, and a change only moves the keys of the affected endpoint.
//
// Each endpoint is placed on the ring as `replicas` virtual nodes so a
// handful of endpoints still split the key space evenly.
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
	replicas int

	mu    sync.Mutex
	last  *endpoint.Endpoint // first element of the slice last picked from
	n     int
	sig   string // endpoint keys the ring was built from
	ring  []uint32
	nodes map[uint32]endpoint.Endpoint
}

// NewConsistentHashBalancer creates a ring with 100 virtual nodes per endpoint.
func NewConsistentHashBalancer() *ConsistentHashBalancer {
	return &ConsistentHashBalancer{replicas: 100}
}

func signature(eps []endpoint.Endpoint) string {
	keys := make([]string, len(eps))
	for i, ep := range eps {
		keys[i] = ep.Key()
	}
	sort.Strings(keys)
	return strings.Join(keys, "@")
}

// rebuild places every endpoint on a fresh ring. Caller holds mu.
func (b *ConsistentHashBalancer) rebuild(eps []endpoint.Endpoint, sig string) {
	b.ring = make([]uint32, 0, len(eps)*b.replicas)
	b.nodes = make(map[uint32]endpoint.Endpoint, len(eps)*b.replicas)
	for _, ep := range eps {
		for i := 0; i < b.replicas; i++ {
			hash := crc32.ChecksumIEEE([]byte(fmt.Sprintf("%s#%d", ep.Key(), i)))
			if _, taken := b.nodes[hash]; taken {
				continue
			}
			b.ring = append(b.ring, hash)
			b.nodes[hash] = ep
		}
	}
	sort.Slice(b.ring, func(i, j int) bool { return b.ring[i] < b.ring[j] })
	b.sig = sig
}

// Pick hashes key and walks clockwise to the first virtual node. eps is
// treated as immutable: passing the same slice again skips the ring check.
func (b *ConsistentHashBalancer) Pick(eps []endpoint.Endpoint, key string) (endpoint.Endpoint, error) {
	if len(eps) == 0 {
		return endpoint.Endpoint{}, ErrNoEndpoints
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if &eps[0] != b.last || len(eps) != b.n {
		if sig := signature(eps); sig != b.sig {
			b.rebuild(eps, sig)
		}
		b.last, b.n = &eps[0], len(eps)
	}

	hash := crc32.ChecksumIEEE([]byte(key))
	idx := sort.Search(len(b.ring), func(i int) bool {
		return b.ring[i] >= hash
	})
	// wrap around
	if idx == len(b.ring) {
		idx = 0
	}
	return b.nodes[b.ring[idx]], nil
}

func (b *ConsistentHashBalancer) Name() string {
	return "ConsistentHash"
}
