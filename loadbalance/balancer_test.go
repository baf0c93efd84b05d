package loadbalance

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"xic/endpoint"
)

func mustList(t *testing.T, s string) []endpoint.Endpoint {
	t.Helper()
	eps, err := endpoint.ParseList(s)
	require.NoError(t, err)
	return eps
}

func TestRoundRobin(t *testing.T) {
	eps := mustList(t, "tcp+127.0.0.1+8001@tcp+10.0.0.1+8002@tcp+8.8.8.8+8003")
	b := &RoundRobinBalancer{}

	// three picks cycle through every endpoint, the fourth wraps around
	seen := make([]string, 3)
	for i := range seen {
		ep, err := b.Pick(eps, "")
		require.NoError(t, err)
		seen[i] = ep.Key()
	}
	assert.ElementsMatch(t, []string{eps[0].Key(), eps[1].Key(), eps[2].Key()}, seen)

	ep, _ := b.Pick(eps, "")
	assert.Equal(t, seen[0], ep.Key())
}

func TestEmpty(t *testing.T) {
	for _, mode := range []Mode{ModeFixed, ModeRoundRobin, ModeRandom, ModeHash} {
		_, err := New(mode).Pick(nil, "k")
		assert.ErrorIs(t, err, ErrNoEndpoints, mode)
	}
}

func TestWeightedRandom(t *testing.T) {
	// loopback priority 3, public priority 1
	eps := mustList(t, "tcp+127.0.0.1+8001@tcp+8.8.8.8+8002")
	b := &WeightedRandomBalancer{}

	counts := map[int]int{}
	for i := 0; i < 10000; i++ {
		ep, err := b.Pick(eps, "")
		require.NoError(t, err)
		counts[ep.Port]++
	}
	ratio := float64(counts[8001]) / float64(counts[8002])
	assert.InDelta(t, 3.0, ratio, 0.6)
}

func TestConsistentHash(t *testing.T) {
	eps := mustList(t, "tcp+h1+1@tcp+h2+2@tcp+h3+3")
	b := NewConsistentHashBalancer()

	first, err := b.Pick(eps, "user-123")
	require.NoError(t, err)
	again, _ := b.Pick(eps, "user-123")
	assert.Equal(t, first.Key(), again.Key())

	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		ep, _ := b.Pick(eps, fmt.Sprintf("key-%d", i))
		seen[ep.Key()] = true
	}
	assert.GreaterOrEqual(t, len(seen), 2)

	// order of the list does not matter
	reversed := []endpoint.Endpoint{eps[2], eps[1], eps[0]}
	ep, _ := b.Pick(reversed, "user-123")
	assert.Equal(t, first.Key(), ep.Key())
}

func TestConsistentHashRingChange(t *testing.T) {
	eps := mustList(t, "tcp+h1+1@tcp+h2+2@tcp+h3+3")
	b := NewConsistentHashBalancer()

	before := map[string]string{}
	for i := 0; i < 200; i++ {
		k := fmt.Sprintf("key-%d", i)
		ep, _ := b.Pick(eps, k)
		before[k] = ep.Key()
	}

	// dropping h3 only moves the keys that lived on h3
	for k, owner := range before {
		ep, _ := b.Pick(eps[:2], k)
		if owner != eps[2].Key() {
			assert.Equal(t, owner, ep.Key(), k)
		}
	}
}

func TestConsistentHashKeepsRingForSameEndpoints(t *testing.T) {
	eps := mustList(t, "tcp+h1+1@tcp+h2+2")
	b := NewConsistentHashBalancer()
	_, err := b.Pick(eps, "a")
	require.NoError(t, err)
	ring := &b.ring[0]

	b.Pick(eps, "b")
	b.Pick(append([]endpoint.Endpoint(nil), eps...), "c")
	assert.Same(t, ring, &b.ring[0])

	b.Pick(eps[:1], "d")
	assert.Len(t, b.ring, b.replicas)
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("")
	require.NoError(t, err)
	assert.Equal(t, ModeRoundRobin, m)

	m, err = ParseMode("hash")
	require.NoError(t, err)
	assert.Equal(t, "ConsistentHash", New(m).Name())

	_, err = ParseMode("sticky")
	assert.Error(t, err)
}

func TestFirst(t *testing.T) {
	eps := mustList(t, "tcp+h1+1@tcp+h2+2")
	ep, err := New(ModeFixed).Pick(eps, "")
	require.NoError(t, err)
	assert.Equal(t, 1, ep.Port)
}
