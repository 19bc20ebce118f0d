package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/chenDeepin/pymolcode/message"
)

// Outcome classes reported in request logs.
const (
	OutcomeOK           = "ok"
	OutcomeError        = "error"
	OutcomeNotification = "notification"
)

// Logging records one line per request with its method, id, outcome class and
// elapsed time.
func Logging(log *zap.Logger) Middleware {
	if log == nil {
		log = zap.NewNop()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) (message.Outcome, error) {
			start := time.Now()
			out, err := next(ctx, req)

			fields := []zap.Field{
				zap.String("method", req.Method),
				zap.String("outcome", outcomeOf(req, err)),
				zap.Duration("elapsed", time.Since(start)),
			}
			if req.ID != nil {
				fields = append(fields, zap.Stringer("id", req.ID))
			}
			if err != nil {
				fields = append(fields, zap.Error(err))
			}
			log.Info("request complete", fields...)
			return out, err
		}
	}
}

func outcomeOf(req *message.Request, err error) string {
	switch {
	case req.IsNotification():
		return OutcomeNotification
	case err != nil:
		return OutcomeError
	}
	return OutcomeOK
}
