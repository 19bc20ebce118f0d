package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/chenDeepin/pymolcode/codec"
	"github.com/chenDeepin/pymolcode/message"
)

var reserved = map[string]string{
	message.MethodInitialize: "Negotiate protocol version and list capabilities",
	message.MethodShutdown:   "Acknowledge and end the session",
}

type entry struct {
	handler     Handler
	description string
}

// Dispatcher routes requests by exact method name to registered handlers.
// Method names follow a "namespace.verb" convention, but the namespace is not
// used for routing.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[string]entry
}

// NewDispatcher returns a dispatcher with the built-in bridge.ping method.
func NewDispatcher() *Dispatcher {
	d := &Dispatcher{handlers: make(map[string]entry)}
	d.handlers[message.MethodPing] = entry{
		handler:     HandlerFunc(d.ping),
		description: "Return bridge protocol metadata",
	}
	return d
}

// Register adds a handler. Empty, reserved, and already registered names are
// rejected.
func (d *Dispatcher) Register(name string, h Handler, description string) error {
	if name == "" {
		return errors.New("server: method name must not be empty")
	}
	if h == nil {
		return fmt.Errorf("server: nil handler for %q", name)
	}
	if _, ok := reserved[name]; ok {
		return fmt.Errorf("server: method %q is reserved", name)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.handlers[name]; ok {
		return fmt.Errorf("server: method %q already registered", name)
	}
	d.handlers[name] = entry{handler: h, description: description}
	return nil
}

// Methods returns every callable method name, reserved ones included, sorted.
func (d *Dispatcher) Methods() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	methods := make([]string, 0, len(reserved)+len(d.handlers))
	for name := range reserved {
		methods = append(methods, name)
	}
	for name := range d.handlers {
		methods = append(methods, name)
	}
	sort.Strings(methods)
	return methods
}

func (d *Dispatcher) catalog() map[string]string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make(map[string]string, len(reserved)+len(d.handlers))
	for name, desc := range reserved {
		out[name] = desc
	}
	for name, e := range d.handlers {
		out[name] = e.description
	}
	return out
}

// Handle adapts the dispatcher to the middleware chain.
func (d *Dispatcher) Handle(ctx context.Context, req *message.Request) (message.Outcome, error) {
	return d.Dispatch(ctx, req.Method, req.Params)
}

// Dispatch runs method with params. Every error it returns is a *message.Error;
// handler errors and panics stop here.
func (d *Dispatcher) Dispatch(ctx context.Context, method string, params json.RawMessage) (out message.Outcome, err error) {
	switch method {
	case message.MethodInitialize:
		return encodeResult(message.InitializeResult{
			ProtocolVersion: message.ProtocolVersion,
			Capabilities:    d.Methods(),
		})
	case message.MethodShutdown:
		out, err = encodeResult(message.ShutdownResult{OK: true})
		out.Terminate = err == nil
		return out, err
	}

	d.mu.RLock()
	e, ok := d.handlers[method]
	d.mu.RUnlock()
	if !ok {
		return message.Outcome{}, message.Errorf(message.CodeMethodNotFound, "Method not found: %s", method)
	}

	params, perr := objectParams(params)
	if perr != nil {
		return message.Outcome{}, perr
	}

	defer func() {
		if r := recover(); r != nil {
			out = message.Outcome{}
			err = message.Errorf(message.CodeInternalError, "panic in %s: %v", method, r)
		}
	}()

	result, herr := e.handler.Handle(ctx, params)
	if herr != nil {
		return message.Outcome{}, toRPCError(herr)
	}
	return encodeResult(result)
}

func (d *Dispatcher) ping(ctx context.Context, params json.RawMessage) (any, error) {
	return message.PingResult{
		Protocol:        message.ProtocolName,
		ProtocolVersion: message.ProtocolVersion,
		JSONRPCVersion:  message.Version,
		Transport:       message.TransportName,
		Methods:         d.Methods(),
		MethodCatalog:   d.catalog(),
	}, nil
}

// objectParams maps absent params to {} and rejects anything but an object.
func objectParams(params json.RawMessage) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(params)
	if len(trimmed) == 0 {
		return json.RawMessage("{}"), nil
	}
	if trimmed[0] != '{' {
		return nil, message.NewError(message.CodeInvalidParams, "params must be an object")
	}
	return trimmed, nil
}

func encodeResult(v any) (message.Outcome, error) {
	if raw, ok := v.(json.RawMessage); ok && len(raw) > 0 {
		return message.Outcome{Result: raw}, nil
	}
	body, err := codec.JSON.Encode(v)
	if err != nil {
		return message.Outcome{}, message.Errorf(message.CodeInternalError, "encode result: %v", err)
	}
	return message.Outcome{Result: body}, nil
}

func toRPCError(err error) *message.Error {
	var rpcErr *message.Error
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	return message.NewError(message.CodeInternalError, err.Error())
}
