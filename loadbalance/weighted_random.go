package loadbalance

import (
	"math/rand/v2"

	"xic/endpoint"
)

// WeightedRandomBalancer picks at random with the endpoint's address
// priority as weight, so a loopback endpoint is chosen three times as
// often as a public one.
type WeightedRandomBalancer struct{}

func weight(ep endpoint.Endpoint) int {
	if ep.Priority <= 0 {
		return 1
	}
	return int(ep.Priority)
}

func (b *WeightedRandomBalancer) Pick(eps []endpoint.Endpoint, _ string) (endpoint.Endpoint, error) {
	if len(eps) == 0 {
		return endpoint.Endpoint{}, ErrNoEndpoints
	}

	total := 0
	for _, ep := range eps {
		total += weight(ep)
	}

	// walk the cumulative weights until r drops below zero
	r := rand.IntN(total)
	for _, ep := range eps {
		r -= weight(ep)
		if r < 0 {
			return ep, nil
		}
	}
	return eps[len(eps)-1], nil
}

func (b *WeightedRandomBalancer) Name() string {
	return "WeightedRandom"
}
