// Command pymolcode-launcher starts the bridge and the runtime, supervises
// them, and exits with the supervisor's exit code.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/chenDeepin/pymolcode/config"
	"github.com/chenDeepin/pymolcode/registry"
	"github.com/chenDeepin/pymolcode/supervisor"
)

const etcdDialTimeout = 5 * time.Second

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	cfg, err := config.ParseLauncher(args)
	if errors.Is(err, flag.ErrHelp) {
		return 0
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	log, err := config.NewLogger(cfg.LogLevel, "launcher")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer log.Sync()

	// SIGINT and SIGTERM become a graceful stop request
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var opts []supervisor.Option
	if len(cfg.EtcdEndpoints) > 0 {
		reg, err := registry.NewEtcdRegistry(cfg.EtcdEndpoints, etcdDialTimeout)
		if err != nil {
			log.Error("registry unavailable", zap.Error(err))
			if cfg.ListSessions || cfg.WatchSessions {
				return 1
			}
		} else {
			defer reg.Close()
			if cfg.ListSessions || cfg.WatchSessions {
				return listSessions(ctx, reg, cfg.WatchSessions, os.Stdout, log)
			}
			opts = append(opts, supervisor.WithRegistry(reg, cfg.RegistryTTL))
		}
	}

	sup := supervisor.New(cfg.Supervisor(), log, opts...)
	code, err := sup.Run(ctx)
	if err != nil {
		log.Error("launcher stopped", zap.Int("exitCode", code), zap.Error(err))
	} else {
		log.Info("launcher stopped", zap.Int("exitCode", code))
	}
	return code
}

func listSessions(ctx context.Context, reg registry.Registry, watch bool, w io.Writer, log *zap.Logger) int {
	lookup, cancel := context.WithTimeout(ctx, etcdDialTimeout)
	sessions, err := reg.Discover(lookup, supervisor.RegistryService)
	cancel()
	if err != nil {
		log.Error("list sessions", zap.Error(err))
		return 1
	}
	printSessions(w, sessions)
	if !watch {
		return 0
	}
	for sessions := range reg.Watch(ctx, supervisor.RegistryService) {
		fmt.Fprintln(w, "--")
		printSessions(w, sessions)
	}
	return 0
}

func printSessions(w io.Writer, sessions []registry.Instance) {
	if len(sessions) == 0 {
		fmt.Fprintln(w, "no sessions")
		return
	}
	for _, s := range sessions {
		fmt.Fprintf(w, "%s\tpid=%d\thost=%s\tprotocol=%s\tstarted=%s\tmethods=%s\n",
			s.ID, s.PID, s.Host, s.ProtocolVersion,
			s.StartedAt.Format(time.RFC3339), strings.Join(s.Capabilities, ","))
	}
}
