package registry

import (
	"context"
	"sync"
	"time"
)

// MemoryRegistry keeps instances in process. Entries never expire; ttl is
// ignored. It serves tests and single-host setups without etcd.
type MemoryRegistry struct {
	mu       sync.Mutex
	services map[string]map[string]Instance
	watchers map[string][]chan struct{}
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		services: make(map[string]map[string]Instance),
		watchers: make(map[string][]chan struct{}),
	}
}

func (r *MemoryRegistry) Register(ctx context.Context, service string, instance Instance, ttl time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.services[service] == nil {
		r.services[service] = make(map[string]Instance)
	}
	r.services[service][instance.ID] = instance
	r.notify(service)
	return nil
}

func (r *MemoryRegistry) Deregister(ctx context.Context, service string, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.services[service], id)
	r.notify(service)
	return nil
}

func (r *MemoryRegistry) Discover(ctx context.Context, service string) ([]Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.list(service), nil
}

func (r *MemoryRegistry) Watch(ctx context.Context, service string) <-chan []Instance {
	wake := make(chan struct{}, 1)
	r.mu.Lock()
	r.watchers[service] = append(r.watchers[service], wake)
	r.mu.Unlock()

	ch := make(chan []Instance, 1)
	go func() {
		defer close(ch)
		defer r.unwatch(service, wake)
		for {
			select {
			case <-wake:
				instances, _ := r.Discover(ctx, service)
				select {
				case ch <- instances:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}

func (r *MemoryRegistry) list(service string) []Instance {
	instances := make([]Instance, 0, len(r.services[service]))
	for _, inst := range r.services[service] {
		instances = append(instances, inst)
	}
	sortInstances(instances)
	return instances
}

// notify must be called with mu held.
func (r *MemoryRegistry) notify(service string) {
	for _, wake := range r.watchers[service] {
		select {
		case wake <- struct{}{}:
		default:
		}
	}
}

func (r *MemoryRegistry) unwatch(service string, wake chan struct{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ws := r.watchers[service]
	for i, w := range ws {
		if w == wake {
			r.watchers[service] = append(ws[:i], ws[i+1:]...)
			break
		}
	}
}
