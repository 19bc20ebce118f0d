package middleware

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/chenDeepin/pymolcode/message"
)

// Metrics counts requests by method and outcome class and observes how long
// each handler ran. Collectors are registered on reg.
func Metrics(reg prometheus.Registerer) (Middleware, error) {
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pymolcode",
		Subsystem: "bridge",
		Name:      "requests_total",
		Help:      "Requests handled, by method and outcome.",
	}, []string{"method", "outcome"})
	latency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "pymolcode",
		Subsystem: "bridge",
		Name:      "handler_seconds",
		Help:      "Time spent in method handlers.",
		Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 10),
	}, []string{"method"})

	for _, c := range []prometheus.Collector{requests, latency} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}

	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) (message.Outcome, error) {
			start := time.Now()
			out, err := next(ctx, req)
			latency.WithLabelValues(req.Method).Observe(time.Since(start).Seconds())
			requests.WithLabelValues(req.Method, outcomeOf(req, err)).Inc()
			return out, err
		}
	}, nil
}
