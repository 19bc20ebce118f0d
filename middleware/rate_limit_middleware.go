package middleware

import (
	"context"

	"golang.org/x/time/rate"

	"github.com/chenDeepin/pymolcode/message"
)

// RateLimit admits requests through a token bucket of r tokens per second.
// Reserved lifecycle methods bypass the bucket so a busy bridge can still be
// shut down.
func RateLimit(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) (message.Outcome, error) {
			switch req.Method {
			case message.MethodInitialize, message.MethodShutdown:
				return next(ctx, req)
			}
			if !limiter.Allow() {
				return message.Outcome{}, message.NewError(message.CodeRateLimited, "rate limit exceeded")
			}
			return next(ctx, req)
		}
	}
}
