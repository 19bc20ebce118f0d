// Package config parses command-line options for the launcher and the bridge.
// Every flag falls back to a PYMOLCODE_* environment variable, then to its
// default.
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/shlex"

	"github.com/chenDeepin/pymolcode/supervisor"
)

const (
	defaultBridgeCmd    = "pymolcode-bridge"
	defaultLogLevel     = "info"
	defaultRegistryTTL  = 10 * time.Second
	defaultMaxMalformed = 8
)

// Launcher holds the supervisor options.
type Launcher struct {
	BridgeCmd   []string
	RuntimeCmd  []string // empty: no runtime subordinate
	ProjectRoot string

	HandshakeTimeout  time.Duration
	ShutdownTimeout   time.Duration
	StartupGrace      time.Duration
	HeartbeatInterval time.Duration
	PollInterval      time.Duration

	LogLevel      string
	EtcdEndpoints []string
	RegistryTTL   time.Duration
	ListSessions  bool
	WatchSessions bool
}

// Bridge holds the transport loop options.
type Bridge struct {
	LogLevel       string
	HandlerTimeout time.Duration // 0: none
	RateLimit      float64       // requests per second, 0: unlimited
	RateBurst      int
	MaxMalformed   int
	GuardStdout    bool
	MetricsAddr    string // empty: no metrics endpoint
}

// ParseLauncher parses args (without the program name).
func ParseLauncher(args []string) (Launcher, error) {
	var cfg Launcher
	env := &envReader{}

	bridgeCmd := env.strOr("PYMOLCODE_BRIDGE_CMD", defaultBridgeCmd)
	runtimeCmd := env.strOr("PYMOLCODE_RUNTIME_CMD", "")
	etcd := env.strOr("PYMOLCODE_ETCD_ENDPOINTS", "")

	fs := flag.NewFlagSet("pymolcode-launcher", flag.ContinueOnError)
	fs.StringVar(&bridgeCmd, "bridge-cmd", bridgeCmd, "bridge command line")
	fs.StringVar(&runtimeCmd, "runtime-cmd", runtimeCmd, "runtime command line (optional)")
	fs.StringVar(&cfg.ProjectRoot, "project-root", env.strOr("PYMOLCODE_PROJECT_ROOT", "."), "working directory for both subordinates")
	fs.Var(seconds{&cfg.HandshakeTimeout}, "handshake-timeout", "seconds to wait for initialize and shutdown responses")
	fs.Var(seconds{&cfg.ShutdownTimeout}, "shutdown-timeout", "seconds to wait at each termination step")
	fs.Var(seconds{&cfg.StartupGrace}, "startup-grace", "seconds both subordinates must survive before the handshake")
	fs.Var(seconds{&cfg.HeartbeatInterval}, "heartbeat-interval", "seconds between heartbeats")
	fs.Var(seconds{&cfg.PollInterval}, "poll-interval", "seconds between liveness checks")
	fs.StringVar(&cfg.LogLevel, "log-level", env.strOr("PYMOLCODE_LOG_LEVEL", defaultLogLevel), "debug, info, warn or error")
	fs.StringVar(&etcd, "etcd-endpoints", etcd, "comma-separated etcd endpoints for session announcement")
	fs.Var(seconds{&cfg.RegistryTTL}, "registry-ttl", "seconds a session announcement outlives the launcher")
	fs.BoolVar(&cfg.ListSessions, "list-sessions", false, "print sessions announced in etcd and exit")
	fs.BoolVar(&cfg.WatchSessions, "watch-sessions", false, "print sessions announced in etcd whenever they change")

	cfg.HandshakeTimeout = env.secondsOr("PYMOLCODE_HANDSHAKE_TIMEOUT", supervisor.DefaultHandshakeTimeout)
	cfg.ShutdownTimeout = env.secondsOr("PYMOLCODE_SHUTDOWN_TIMEOUT", supervisor.DefaultShutdownTimeout)
	cfg.StartupGrace = env.secondsOr("PYMOLCODE_STARTUP_GRACE", supervisor.DefaultStartupGrace)
	cfg.HeartbeatInterval = env.secondsOr("PYMOLCODE_HEARTBEAT_INTERVAL", supervisor.DefaultHeartbeatInterval)
	cfg.PollInterval = env.secondsOr("PYMOLCODE_POLL_INTERVAL", supervisor.DefaultPollInterval)
	cfg.RegistryTTL = env.secondsOr("PYMOLCODE_REGISTRY_TTL", defaultRegistryTTL)
	if env.err != nil {
		return cfg, env.err
	}

	if err := fs.Parse(args); err != nil {
		return cfg, fmt.Errorf("config: %w", err)
	}
	if fs.NArg() > 0 {
		return cfg, fmt.Errorf("config: unexpected arguments %q", fs.Args())
	}

	var err error
	if cfg.BridgeCmd, err = splitCommand(bridgeCmd); err != nil {
		return cfg, fmt.Errorf("config: --bridge-cmd: %w", err)
	}
	if strings.TrimSpace(runtimeCmd) != "" {
		if cfg.RuntimeCmd, err = splitCommand(runtimeCmd); err != nil {
			return cfg, fmt.Errorf("config: --runtime-cmd: %w", err)
		}
	}
	cfg.EtcdEndpoints = splitList(etcd)
	return cfg, cfg.Validate()
}

func (c Launcher) Validate() error {
	if len(c.BridgeCmd) == 0 {
		return errors.New("config: bridge command is empty")
	}
	for name, d := range map[string]time.Duration{
		"handshake-timeout":  c.HandshakeTimeout,
		"shutdown-timeout":   c.ShutdownTimeout,
		"heartbeat-interval": c.HeartbeatInterval,
		"poll-interval":      c.PollInterval,
		"registry-ttl":       c.RegistryTTL,
	} {
		if d <= 0 {
			return fmt.Errorf("config: --%s must be positive", name)
		}
	}
	if c.StartupGrace < 0 {
		return errors.New("config: --startup-grace must not be negative")
	}
	if (c.ListSessions || c.WatchSessions) && len(c.EtcdEndpoints) == 0 {
		return errors.New("config: listing sessions needs --etcd-endpoints")
	}
	return nil
}

// Supervisor converts the options into a supervisor configuration.
func (c Launcher) Supervisor() supervisor.Config {
	cfg := supervisor.Config{
		Bridge: supervisor.ProcessSpec{
			Name: "bridge",
			Path: c.BridgeCmd[0],
			Args: c.BridgeCmd[1:],
			Dir:  c.ProjectRoot,
		},
		HandshakeTimeout:  c.HandshakeTimeout,
		ShutdownTimeout:   c.ShutdownTimeout,
		StartupGrace:      c.StartupGrace,
		HeartbeatInterval: c.HeartbeatInterval,
		PollInterval:      c.PollInterval,
	}
	if len(c.RuntimeCmd) > 0 {
		cfg.Runtime = &supervisor.ProcessSpec{
			Name: "runtime",
			Path: c.RuntimeCmd[0],
			Args: c.RuntimeCmd[1:],
			Dir:  c.ProjectRoot,
		}
	}
	return cfg
}

// ParseBridge parses args (without the program name).
func ParseBridge(args []string) (Bridge, error) {
	var cfg Bridge
	env := &envReader{}

	fs := flag.NewFlagSet("pymolcode-bridge", flag.ContinueOnError)
	fs.StringVar(&cfg.LogLevel, "log-level", env.strOr("PYMOLCODE_LOG_LEVEL", defaultLogLevel), "debug, info, warn or error")
	fs.Var(seconds{&cfg.HandlerTimeout}, "handler-timeout", "seconds a handler may run, 0 for no limit")
	fs.Float64Var(&cfg.RateLimit, "rate-limit", env.floatOr("PYMOLCODE_RATE_LIMIT", 0), "requests per second, 0 for no limit")
	fs.IntVar(&cfg.RateBurst, "rate-burst", env.intOr("PYMOLCODE_RATE_BURST", 1), "rate limiter burst size")
	fs.IntVar(&cfg.MaxMalformed, "max-malformed", env.intOr("PYMOLCODE_MAX_MALFORMED", defaultMaxMalformed), "consecutive malformed frames tolerated")
	fs.BoolVar(&cfg.GuardStdout, "guard-stdout", env.boolOr("PYMOLCODE_GUARD_STDOUT", true), "reject stray writes to stdout")
	fs.StringVar(&cfg.MetricsAddr, "metrics-addr", env.strOr("PYMOLCODE_METRICS_ADDR", ""), "host:port for a Prometheus /metrics endpoint")
	cfg.HandlerTimeout = env.secondsOr("PYMOLCODE_HANDLER_TIMEOUT", 0)
	if env.err != nil {
		return cfg, env.err
	}

	if err := fs.Parse(args); err != nil {
		return cfg, fmt.Errorf("config: %w", err)
	}
	return cfg, cfg.Validate()
}

func (c Bridge) Validate() error {
	if c.HandlerTimeout < 0 {
		return errors.New("config: --handler-timeout must not be negative")
	}
	if c.RateLimit < 0 {
		return errors.New("config: --rate-limit must not be negative")
	}
	if c.RateLimit > 0 && c.RateBurst < 1 {
		return errors.New("config: --rate-burst must be at least 1")
	}
	return nil
}

func splitCommand(cmd string) ([]string, error) {
	argv, err := shlex.Split(cmd)
	if err != nil {
		return nil, err
	}
	if len(argv) == 0 {
		return nil, errors.New("empty command")
	}
	return argv, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// seconds is a flag.Value for durations written as (fractional) seconds.
// Go duration strings such as "1500ms" are accepted too.
type seconds struct{ d *time.Duration }

func (s seconds) String() string {
	if s.d == nil {
		return "0"
	}
	return strconv.FormatFloat(s.d.Seconds(), 'f', -1, 64)
}

func (s seconds) Set(v string) error {
	d, err := parseSeconds(v)
	if err != nil {
		return err
	}
	*s.d = d
	return nil
}

func parseSeconds(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Duration(f * float64(time.Second)), nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", v)
	}
	return d, nil
}

// envReader reads typed environment fallbacks and keeps the first error.
type envReader struct {
	err error
}

func (e *envReader) lookup(key string) (string, bool) {
	v, ok := os.LookupEnv(key)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

func (e *envReader) fail(key string, err error) {
	if e.err == nil {
		e.err = fmt.Errorf("config: %s: %w", key, err)
	}
}

func (e *envReader) strOr(key, fallback string) string {
	if v, ok := e.lookup(key); ok {
		return v
	}
	return fallback
}

func (e *envReader) secondsOr(key string, fallback time.Duration) time.Duration {
	v, ok := e.lookup(key)
	if !ok {
		return fallback
	}
	d, err := parseSeconds(v)
	if err != nil {
		e.fail(key, err)
		return fallback
	}
	return d
}

func (e *envReader) floatOr(key string, fallback float64) float64 {
	v, ok := e.lookup(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		e.fail(key, err)
		return fallback
	}
	return f
}

func (e *envReader) intOr(key string, fallback int) int {
	v, ok := e.lookup(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.fail(key, err)
		return fallback
	}
	return n
}

func (e *envReader) boolOr(key string, fallback bool) bool {
	v, ok := e.lookup(key)
	if !ok {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.fail(key, err)
		return fallback
	}
	return b
}
