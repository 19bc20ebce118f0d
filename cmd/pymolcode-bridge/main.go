// Command pymolcode-bridge serves the bridge protocol on stdin and stdout.
// Logs go to stderr.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/chenDeepin/pymolcode/config"
	"github.com/chenDeepin/pymolcode/middleware"
	"github.com/chenDeepin/pymolcode/server"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	cfg, err := config.ParseBridge(args)
	if errors.Is(err, flag.ErrHelp) {
		return 0
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	log, err := config.NewLogger(cfg.LogLevel, "bridge")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer log.Sync()

	out := os.Stdout
	if cfg.GuardStdout {
		stdout, restore, err := server.GuardStdout(log)
		if err != nil {
			log.Error("stdout guard", zap.Error(err))
			return 1
		}
		defer restore()
		out = stdout
	}

	srv := server.New(server.NewDispatcher(), log)
	srv.MaxMalformed = cfg.MaxMalformed
	if cfg.HandlerTimeout > 0 {
		srv.Use(middleware.Timeout(cfg.HandlerTimeout))
	}
	if cfg.RateLimit > 0 {
		srv.Use(middleware.RateLimit(cfg.RateLimit, cfg.RateBurst))
	}
	if cfg.MetricsAddr != "" {
		_, stop, err := serveMetrics(cfg.MetricsAddr, srv, log)
		if err != nil {
			log.Error("metrics endpoint", zap.Error(err))
			return 1
		}
		defer stop()
	}

	// No signal handling: SIGTERM from the supervisor should end the process.
	log.Info("bridge serving", zap.Int("pid", os.Getpid()))
	if err := srv.Serve(context.Background(), os.Stdin, out); err != nil {
		log.Error("bridge stopped", zap.Error(err))
		return 1
	}
	log.Info("bridge stopped")
	return 0
}

// serveMetrics installs the metrics middleware on srv and serves /metrics on addr.
func serveMetrics(addr string, srv *server.Server, log *zap.Logger) (net.Addr, func(), error) {
	reg := prometheus.NewRegistry()
	mw, err := middleware.Metrics(reg)
	if err != nil {
		return nil, nil, err
	}
	srv.Use(mw)

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, nil, err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	hs := &http.Server{Handler: mux}
	go func() {
		if err := hs.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn("metrics endpoint stopped", zap.Error(err))
		}
	}()
	log.Info("metrics endpoint", zap.Stringer("addr", ln.Addr()))
	return ln.Addr(), func() { hs.Close() }, nil
}
