package middleware

import (
	"context"
	"sync"
	"time"

	"github.com/chenDeepin/pymolcode/message"
)

type inflightKey struct{}

// WithInflight returns a context under which handlers that Timeout gives up on
// are counted in wg until they actually return. A loop that must not overlap
// dispatches waits on wg before taking the next request.
func WithInflight(ctx context.Context, wg *sync.WaitGroup) context.Context {
	return context.WithValue(ctx, inflightKey{}, wg)
}

// Timeout bounds how long a handler may run. When the budget runs out the
// caller gets CodeRequestTimeout; the handler keeps its cancelled context and
// its eventual result is dropped.
func Timeout(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) (message.Outcome, error) {
			inflight, _ := ctx.Value(inflightKey{}).(*sync.WaitGroup)
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			type result struct {
				out message.Outcome
				err error
			}
			done := make(chan result, 1)
			if inflight != nil {
				inflight.Add(1)
			}
			go func() {
				if inflight != nil {
					defer inflight.Done()
				}
				out, err := next(ctx, req)
				done <- result{out, err}
			}()

			select {
			case r := <-done:
				return r.out, r.err
			case <-ctx.Done():
				return message.Outcome{}, message.NewError(message.CodeRequestTimeout, "request timed out")
			}
		}
	}
}
