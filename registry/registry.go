// Package registry announces running bridge sessions so that other tools can
// find them.
package registry

import (
	"context"
	"time"
)

// Instance describes one running supervised session.
type Instance struct {
	ID              string    `json:"id"`
	PID             int       `json:"pid"`
	Host            string    `json:"host"`
	ProtocolVersion string    `json:"protocolVersion"`
	Capabilities    []string  `json:"capabilities,omitempty"`
	StartedAt       time.Time `json:"startedAt"`
}

type Registry interface {
	// Register announces instance under service. The entry expires ttl after
	// the announcing process stops renewing it.
	Register(ctx context.Context, service string, instance Instance, ttl time.Duration) error
	Deregister(ctx context.Context, service string, id string) error
	Discover(ctx context.Context, service string) ([]Instance, error)
	// Watch emits the full instance list after every change until ctx ends.
	Watch(ctx context.Context, service string) <-chan []Instance
}
