package loadbalance

import (
	"sync/atomic"

	"xic/endpoint"
)

// RoundRobinBalancer cycles through the endpoints in order.
// Uses an atomic counter for lock-free, goroutine-safe operation.
type RoundRobinBalancer struct {
	counter atomic.Uint64
}

// Pick selects the next endpoint in round-robin order.
func (b *RoundRobinBalancer) Pick(eps []endpoint.Endpoint, _ string) (endpoint.Endpoint, error) {
	if len(eps) == 0 {
		return endpoint.Endpoint{}, ErrNoEndpoints
	}
	index := (b.counter.Add(1) - 1) % uint64(len(eps))
	return eps[index], nil
}

func (b *RoundRobinBalancer) Name() string {
	return "RoundRobin"
}
