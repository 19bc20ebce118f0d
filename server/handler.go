package server

import (
	"context"
	"encoding/json"

	"github.com/chenDeepin/pymolcode/codec"
	"github.com/chenDeepin/pymolcode/message"
)

// Handler serves one method. Params is always a JSON object.
//
// The returned value is marshalled as the result. Returning a *message.Error
// chooses the error code sent to the caller; any other error is reported as an
// internal error carrying its text.
type Handler interface {
	Handle(ctx context.Context, params json.RawMessage) (any, error)
}

type HandlerFunc func(ctx context.Context, params json.RawMessage) (any, error)

func (f HandlerFunc) Handle(ctx context.Context, params json.RawMessage) (any, error) {
	return f(ctx, params)
}

// Typed adapts a function taking a decoded parameter struct. Params that do not
// decode into P are rejected as invalid params before fn runs.
func Typed[P, R any](fn func(ctx context.Context, params P) (R, error)) Handler {
	return HandlerFunc(func(ctx context.Context, raw json.RawMessage) (any, error) {
		var params P
		if err := codec.JSON.Decode(raw, &params); err != nil {
			return nil, message.ErrInvalidParams().WithData(err.Error())
		}
		return fn(ctx, params)
	})
}
