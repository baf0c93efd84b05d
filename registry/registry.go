// Package registry lets adapters publish the endpoints of their services and
// lets proxies created from a bare service name find them.
package registry

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Discover when no instance is registered.
var ErrNotFound = errors.New("registry: service not found")

// ServiceInstance is one published endpoint of a service.
type ServiceInstance struct {
	Endpoint string `json:"endpoint"` // endpoint string, see package endpoint
	Adapter  string `json:"adapter,omitempty"`
	Version  string `json:"version,omitempty"`
}

// Registry is a service directory.
type Registry interface {
	// Register publishes instance under service for ttl seconds, renewed
	// until Deregister or Close.
	Register(ctx context.Context, service string, instance ServiceInstance, ttl int64) error
	Deregister(ctx context.Context, service string, instance ServiceInstance) error
	Discover(ctx context.Context, service string) ([]ServiceInstance, error)
	// Watch emits the full instance list after every change until ctx is done.
	Watch(ctx context.Context, service string) <-chan []ServiceInstance
	Close() error
}
