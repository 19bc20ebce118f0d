// Package client provides typed calls against a bridge over a transport.Client.
package client

import (
	"context"
	"fmt"

	"github.com/chenDeepin/pymolcode/codec"
	"github.com/chenDeepin/pymolcode/message"
	"github.com/chenDeepin/pymolcode/transport"
)

type Bridge struct {
	transport *transport.Client
}

func New(t *transport.Client) *Bridge {
	return &Bridge{transport: t}
}

func (b *Bridge) Transport() *transport.Client {
	return b.transport
}

// Call invokes method with args and decodes the result into reply.
// reply may be nil when the result is not needed.
func (b *Bridge) Call(ctx context.Context, method string, args any, reply any) error {
	result, err := b.transport.Call(ctx, method, args)
	if err != nil {
		return err
	}
	if reply == nil {
		return nil
	}
	if err := codec.JSON.Decode(result, reply); err != nil {
		return fmt.Errorf("client: decode %s result: %w", method, err)
	}
	return nil
}

func (b *Bridge) Notify(ctx context.Context, method string, args any) error {
	return b.transport.Notify(ctx, method, args)
}

// Initialize performs the handshake and returns the advertised capabilities.
func (b *Bridge) Initialize(ctx context.Context) (*message.InitializeResult, error) {
	var res message.InitializeResult
	if err := b.Call(ctx, message.MethodInitialize, map[string]any{}, &res); err != nil {
		return nil, err
	}
	if res.ProtocolVersion == "" {
		return nil, fmt.Errorf("client: handshake result carries no protocol version")
	}
	return &res, nil
}

func (b *Bridge) Ping(ctx context.Context) (*message.PingResult, error) {
	var res message.PingResult
	if err := b.Call(ctx, message.MethodPing, nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Shutdown asks the bridge to end its session. The bridge stops reading after
// it answers.
func (b *Bridge) Shutdown(ctx context.Context) error {
	var res message.ShutdownResult
	if err := b.Call(ctx, message.MethodShutdown, map[string]any{}, &res); err != nil {
		return err
	}
	if !res.OK {
		return fmt.Errorf("client: shutdown not acknowledged")
	}
	return nil
}
