// Package loadbalance picks the endpoint a proxy sends its next quest to.
//
// Four strategies are implemented:
//   - First:           always the preferred endpoint (fixed proxies)
//   - RoundRobin:      spread calls evenly over all endpoints (default)
//   - WeightedRandom:  random, weighted by address priority
//   - ConsistentHash:  the same caller key keeps hitting the same endpoint
package loadbalance

import (
	"errors"
	"fmt"

	"xic/endpoint"
)

// ErrNoEndpoints is returned by Pick when the endpoint list is empty.
var ErrNoEndpoints = errors.New("loadbalance: no endpoints available")

// Balancer selects one endpoint. The proxy calls Pick before each quest,
// so implementations must be goroutine-safe. key is the caller's hash key
// and is ignored by strategies that do not need one.
type Balancer interface {
	Pick(eps []endpoint.Endpoint, key string) (endpoint.Endpoint, error)

	// Name returns the strategy name (for logging/debugging).
	Name() string
}

// Mode names a strategy in configuration and proxy options.
type Mode string

const (
	ModeFixed      Mode = "fixed"
	ModeRoundRobin Mode = "round_robin"
	ModeRandom     Mode = "random"
	ModeHash       Mode = "hash"
)

// ParseMode validates a mode name; "" selects round robin.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case "":
		return ModeRoundRobin, nil
	case ModeFixed, ModeRoundRobin, ModeRandom, ModeHash:
		return m, nil
	}
	return "", fmt.Errorf("loadbalance: unknown mode %q", s)
}

// New returns a fresh balancer for mode.
func New(mode Mode) Balancer {
	switch mode {
	case ModeFixed:
		return FirstBalancer{}
	case ModeRandom:
		return &WeightedRandomBalancer{}
	case ModeHash:
		return NewConsistentHashBalancer()
	}
	return &RoundRobinBalancer{}
}

// FirstBalancer always picks the first endpoint. Proxies keep their
// endpoints sorted by priority, so this is the preferred one.
type FirstBalancer struct{}

func (FirstBalancer) Pick(eps []endpoint.Endpoint, _ string) (endpoint.Endpoint, error) {
	if len(eps) == 0 {
		return endpoint.Endpoint{}, ErrNoEndpoints
	}
	return eps[0], nil
}

func (FirstBalancer) Name() string {
	return "First"
}
