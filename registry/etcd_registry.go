// Package registry provides the etcd-based implementation of the Registry interface.
//
//	Key:   /pymolcode/{service}/{instance ID}
//	Value: JSON-encoded Instance
//
// Registration uses TTL-based leases: if the supervisor dies without
// deregistering, the lease expires and the entry disappears with it.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

const keyPrefix = "/pymolcode/"

// EtcdRegistry implements Registry using etcd v3.
type EtcdRegistry struct {
	client *clientv3.Client

	mu     sync.Mutex
	leases map[string]lease // service/id → lease kept alive by this process
}

type lease struct {
	id   clientv3.LeaseID
	stop context.CancelFunc
}

func NewEtcdRegistry(endpoints []string, dialTimeout time.Duration) (*EtcdRegistry, error) {
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("registry: connect etcd: %w", err)
	}
	return &EtcdRegistry{client: c, leases: make(map[string]lease)}, nil
}

func key(service, id string) string {
	return keyPrefix + service + "/" + id
}

// Register stores instance under a lease of ttl (rounded up to whole seconds)
// and keeps the lease alive until Deregister or Close.
func (r *EtcdRegistry) Register(ctx context.Context, service string, instance Instance, ttl time.Duration) error {
	if instance.ID == "" {
		return fmt.Errorf("registry: instance id must not be empty")
	}
	seconds := int64(math.Ceil(ttl.Seconds()))
	if seconds < 1 {
		seconds = 1
	}

	granted, err := r.client.Grant(ctx, seconds)
	if err != nil {
		return fmt.Errorf("registry: grant lease: %w", err)
	}

	val, err := json.Marshal(instance)
	if err != nil {
		return err
	}
	if _, err := r.client.Put(ctx, key(service, instance.ID), string(val), clientv3.WithLease(granted.ID)); err != nil {
		return fmt.Errorf("registry: put %s: %w", instance.ID, err)
	}

	// Renewal outlives the registration call, so it gets its own context
	keepCtx, stop := context.WithCancel(context.Background())
	ch, err := r.client.KeepAlive(keepCtx, granted.ID)
	if err != nil {
		stop()
		return fmt.Errorf("registry: keep lease alive: %w", err)
	}
	go func() {
		for range ch {
		}
	}()

	r.mu.Lock()
	if old, ok := r.leases[service+"/"+instance.ID]; ok {
		old.stop()
	}
	r.leases[service+"/"+instance.ID] = lease{id: granted.ID, stop: stop}
	r.mu.Unlock()
	return nil
}

// Deregister removes the entry and revokes its lease if this process holds it.
func (r *EtcdRegistry) Deregister(ctx context.Context, service string, id string) error {
	r.mu.Lock()
	l, ok := r.leases[service+"/"+id]
	delete(r.leases, service+"/"+id)
	r.mu.Unlock()

	if ok {
		l.stop()
		if _, err := r.client.Revoke(ctx, l.id); err == nil {
			return nil
		}
	}
	if _, err := r.client.Delete(ctx, key(service, id)); err != nil {
		return fmt.Errorf("registry: delete %s: %w", id, err)
	}
	return nil
}

// Discover returns every instance registered under service, oldest first.
func (r *EtcdRegistry) Discover(ctx context.Context, service string) ([]Instance, error) {
	resp, err := r.client.Get(ctx, keyPrefix+service+"/", clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("registry: discover %s: %w", service, err)
	}

	instances := make([]Instance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var instance Instance
		if err := json.Unmarshal(kv.Value, &instance); err != nil {
			continue // Skip malformed entries
		}
		instances = append(instances, instance)
	}
	sortInstances(instances)
	return instances, nil
}

// Watch uses etcd's server-push watch and re-reads the full list on every event.
func (r *EtcdRegistry) Watch(ctx context.Context, service string) <-chan []Instance {
	ch := make(chan []Instance, 1)
	go func() {
		defer close(ch)
		watchChan := r.client.Watch(ctx, keyPrefix+service+"/", clientv3.WithPrefix())
		for range watchChan {
			instances, err := r.Discover(ctx, service)
			if err != nil {
				continue
			}
			select {
			case ch <- instances:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}

// Close stops all lease renewals and the etcd client. Entries expire with
// their leases.
func (r *EtcdRegistry) Close() error {
	r.mu.Lock()
	for k, l := range r.leases {
		l.stop()
		delete(r.leases, k)
	}
	r.mu.Unlock()
	return r.client.Close()
}

func sortInstances(instances []Instance) {
	sort.Slice(instances, func(i, j int) bool {
		if !instances[i].StartedAt.Equal(instances[j].StartedAt) {
			return instances[i].StartedAt.Before(instances[j].StartedAt)
		}
		return instances[i].ID < instances[j].ID
	})
}
