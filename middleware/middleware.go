// Package middleware wraps request dispatch with cross-cutting behavior.
package middleware

import (
	"context"

	"github.com/chenDeepin/pymolcode/message"
)

// HandlerFunc handles one validated request. A non-nil error is always a
// *message.Error by the time it leaves the dispatcher.
type HandlerFunc func(ctx context.Context, req *message.Request) (message.Outcome, error)

type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes middlewares so that the first one listed runs outermost.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
