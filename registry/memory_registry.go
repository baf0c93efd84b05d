package registry

import (
	"context"
	"sync"
)

// MemoryRegistry is an in-process Registry for tests and single-process
// deployments. TTLs are ignored.
type MemoryRegistry struct {
	mu        sync.Mutex
	instances map[string][]ServiceInstance
	watchers  map[string][]chan []ServiceInstance
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		instances: make(map[string][]ServiceInstance),
		watchers:  make(map[string][]chan []ServiceInstance),
	}
}

func (m *MemoryRegistry) Register(_ context.Context, service string, inst ServiceInstance, _ int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.instances[service]
	for i, old := range list {
		if old.Endpoint == inst.Endpoint {
			list[i] = inst
			m.notify(service)
			return nil
		}
	}
	m.instances[service] = append(list, inst)
	m.notify(service)
	return nil
}

func (m *MemoryRegistry) Deregister(_ context.Context, service string, inst ServiceInstance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.instances[service]
	for i, old := range list {
		if old.Endpoint == inst.Endpoint {
			m.instances[service] = append(list[:i:i], list[i+1:]...)
			m.notify(service)
			break
		}
	}
	return nil
}

func (m *MemoryRegistry) Discover(_ context.Context, service string) ([]ServiceInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.instances[service]
	if len(list) == 0 {
		return nil, ErrNotFound
	}
	return append([]ServiceInstance(nil), list...), nil
}

func (m *MemoryRegistry) Watch(ctx context.Context, service string) <-chan []ServiceInstance {
	ch := make(chan []ServiceInstance, 1)
	m.mu.Lock()
	m.watchers[service] = append(m.watchers[service], ch)
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		defer m.mu.Unlock()
		ws := m.watchers[service]
		for i, w := range ws {
			if w == ch {
				m.watchers[service] = append(ws[:i:i], ws[i+1:]...)
				break
			}
		}
		close(ch)
	}()
	return ch
}

// notify hands the latest list to every watcher, replacing a stale list a
// slow watcher has not consumed yet. Caller holds mu.
func (m *MemoryRegistry) notify(service string) {
	list := append([]ServiceInstance(nil), m.instances[service]...)
	for _, ch := range m.watchers[service] {
		select {
		case <-ch:
		default:
		}
		ch <- list
	}
}

func (m *MemoryRegistry) Close() error {
	return nil
}
