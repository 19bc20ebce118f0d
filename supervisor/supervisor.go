// Package supervisor runs the bridge as a subordinate process, together with
// an optional runtime process, and keeps the pair healthy.
//
//	Idle → Starting → Handshaking → Running ─┬─ stop request ──→ ShuttingDownGraceful ─┐
//	          │            │                 └─ health lost ───→ ShuttingDownForced ───┼→ Stopped
//	          └────────────┴── failure ─────────────────────────→ ShuttingDownForced ───┘
//
// Liveness is polled at a fixed interval; the handshake is repeated as a
// heartbeat. A Supervisor runs once. Starting again needs a new instance.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/chenDeepin/pymolcode/client"
	"github.com/chenDeepin/pymolcode/message"
	"github.com/chenDeepin/pymolcode/registry"
	"github.com/chenDeepin/pymolcode/transport"
)

// Exit codes reported by Run besides a subordinate's own code.
const (
	ExitClean   = 0
	ExitFailure = 1
)

// RegistryService is the registry service name sessions are announced under.
const RegistryService = "sessions"

var ErrAlreadyStarted = errors.New("supervisor: already started")

// Defaults for zero Config durations.
const (
	DefaultHandshakeTimeout  = 10 * time.Second
	DefaultShutdownTimeout   = 8 * time.Second
	DefaultStartupGrace      = 1500 * time.Millisecond
	DefaultHeartbeatInterval = 10 * time.Second
	DefaultPollInterval      = 100 * time.Millisecond
)

type Config struct {
	Bridge  ProcessSpec  // speaks the framed protocol on stdin/stdout
	Runtime *ProcessSpec // optional, supervised for liveness only

	HandshakeTimeout  time.Duration // budget for initialize, heartbeat and shutdown calls
	ShutdownTimeout   time.Duration // grace period per escalation step
	StartupGrace      time.Duration // how long both children must survive before the handshake
	HeartbeatInterval time.Duration
	PollInterval      time.Duration
}

func (c Config) withDefaults() Config {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	if c.StartupGrace < 0 {
		c.StartupGrace = 0
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.Bridge.Name == "" {
		c.Bridge.Name = "bridge"
	}
	if c.Runtime != nil && c.Runtime.Name == "" {
		rt := *c.Runtime
		rt.Name = "runtime"
		c.Runtime = &rt
	}
	return c
}

type Option func(*Supervisor)

// WithRegistry announces the session in reg while it is Running.
func WithRegistry(reg registry.Registry, ttl time.Duration) Option {
	return func(s *Supervisor) {
		s.registry = reg
		s.registryTTL = ttl
	}
}

type Supervisor struct {
	cfg Config
	log *zap.Logger

	registry    registry.Registry
	registryTTL time.Duration
	instanceID  string

	// mu serializes state transitions and guards everything below it.
	mu           sync.Mutex
	state        State
	bridge       *subordinate
	runtime      *subordinate
	bridgeClient *client.Bridge
	capabilities []string

	stopOnce sync.Once
	stopCh   chan struct{}
}

func New(cfg Config, log *zap.Logger, opts ...Option) *Supervisor {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Supervisor{
		cfg:    cfg.withDefaults(),
		log:    log,
		stopCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Capabilities returns the method list advertised in the handshake.
func (s *Supervisor) Capabilities() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.capabilities...)
}

// Stop requests a graceful shutdown. It does not wait; Run returns when done.
func (s *Supervisor) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

func (s *Supervisor) transition(to State) {
	s.mu.Lock()
	from := s.state
	s.state = to
	s.mu.Unlock()
	s.log.Info("state transition", zap.Stringer("from", from), zap.Stringer("to", to))
}

// stopRequested merges Stop and ctx cancellation into one channel. The
// watcher exits when done is closed.
func (s *Supervisor) stopRequested(ctx context.Context, done <-chan struct{}) <-chan struct{} {
	ch := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
		case <-s.stopCh:
		case <-done:
			return
		}
		close(ch)
	}()
	return ch
}

// Run supervises the children until a stop request or a failure and returns
// the process exit code: 0 after a requested stop, the child's own code when
// one exits with a non-zero code, and 1 for every other failure. The error
// explains any non-zero code and carries termination problems.
func (s *Supervisor) Run(ctx context.Context) (int, error) {
	s.mu.Lock()
	if s.state != Idle {
		s.mu.Unlock()
		return ExitFailure, ErrAlreadyStarted
	}
	s.state = Starting
	s.mu.Unlock()
	s.log.Info("state transition", zap.Stringer("from", Idle), zap.Stringer("to", Starting))

	done := make(chan struct{})
	defer close(done)
	stop := s.stopRequested(ctx, done)

	if err := s.start(); err != nil {
		return s.fail(ExitFailure, err)
	}
	if stopped, err := s.awaitStartup(stop); err != nil {
		return s.fail(ExitFailure, err)
	} else if stopped {
		return s.finish(ExitClean, s.shutdownGraceful())
	}

	s.transition(Handshaking)
	caps, err := s.handshake(stop)
	if errors.Is(err, errStopRequested) {
		return s.finish(ExitClean, s.shutdownGraceful())
	}
	if err != nil {
		return s.fail(ExitFailure, fmt.Errorf("supervisor: handshake: %w", err))
	}
	s.mu.Lock()
	s.capabilities = caps
	s.mu.Unlock()

	s.transition(Running)
	s.announce(caps)

	code, err := s.monitor(stop)
	if err != nil {
		return s.fail(code, err)
	}
	return s.finish(ExitClean, s.shutdownGraceful())
}

// start spawns the bridge, then the runtime.
func (s *Supervisor) start() error {
	bridge, err := spawn(s.cfg.Bridge, true)
	if err != nil {
		return err
	}
	s.log.Info("subordinate started", zap.String("process", s.cfg.Bridge.Name), zap.Int("pid", bridge.pid()))

	tr := transport.NewClient(bridge.stdout, bridge.stdin, s.log.Named("transport"))
	s.mu.Lock()
	s.bridge = bridge
	s.bridgeClient = client.New(tr)
	s.mu.Unlock()

	if s.cfg.Runtime == nil {
		return nil
	}
	runtime, err := spawn(*s.cfg.Runtime, false)
	if err != nil {
		return err
	}
	s.log.Info("subordinate started", zap.String("process", s.cfg.Runtime.Name), zap.Int("pid", runtime.pid()))
	s.mu.Lock()
	s.runtime = runtime
	s.mu.Unlock()
	return nil
}

// awaitStartup requires both children to stay alive for the startup grace.
func (s *Supervisor) awaitStartup(stop <-chan struct{}) (stopped bool, err error) {
	deadline := time.NewTimer(s.cfg.StartupGrace)
	defer deadline.Stop()
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if err := s.checkLiveness(); err != nil {
			return false, fmt.Errorf("supervisor: during startup: %w", err)
		}
		select {
		case <-deadline.C:
			return false, s.checkLiveness()
		case <-stop:
			return true, nil
		case <-ticker.C:
		}
	}
}

var errStopRequested = errors.New("supervisor: stop requested")

func (s *Supervisor) handshake(stop <-chan struct{}) ([]string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.HandshakeTimeout)
	defer cancel()
	go func() {
		select {
		case <-stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	res, err := s.bridgeClient.Initialize(ctx)
	if err != nil {
		select {
		case <-stop:
			return nil, errStopRequested
		default:
		}
		return nil, err
	}
	s.log.Info("bridge healthy",
		zap.String("protocolVersion", res.ProtocolVersion),
		zap.Strings("capabilities", res.Capabilities))
	return res.Capabilities, nil
}

// exitError is a subordinate exiting on its own while the session is up.
type exitError struct {
	name string
	code int
}

func (e *exitError) Error() string {
	return fmt.Sprintf("%s exited unexpectedly (code=%d)", e.name, e.code)
}

func (s *Supervisor) checkLiveness() error {
	if code, ok := s.bridge.exited(); ok {
		return &exitError{name: s.bridge.spec.Name, code: code}
	}
	if s.runtime != nil {
		if code, ok := s.runtime.exited(); ok {
			return &exitError{name: s.runtime.spec.Name, code: code}
		}
	}
	return nil
}

// lostHealth maps a dead subordinate to its exit code, or 1 if it exited
// cleanly while it was expected to keep running.
func (s *Supervisor) lostHealth() (int, error) {
	err := s.checkLiveness()
	if err == nil {
		return ExitClean, nil
	}
	var ee *exitError
	if errors.As(err, &ee) && ee.code != 0 {
		return ee.code, fmt.Errorf("supervisor: %w", err)
	}
	return ExitFailure, fmt.Errorf("supervisor: %w", err)
}

// monitor polls liveness every PollInterval and runs the heartbeat as a future
// so that a slow heartbeat never delays exit detection. It returns a nil error
// on a stop request, otherwise the exit code and reason for losing health.
func (s *Supervisor) monitor(stop <-chan struct{}) (int, error) {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	s.log.Info("supervisor ready")

	nextBeat := time.Now().Add(s.cfg.HeartbeatInterval)
	var (
		beat       *transport.Call
		beatDone   <-chan *transport.Call
		beatCancel context.CancelFunc = func() {}
	)
	defer func() { beatCancel() }()

	for {
		select {
		case <-stop:
			s.log.Info("stop requested")
			return ExitClean, nil
		case call := <-beatDone:
			beatCancel()
			beat, beatDone = nil, nil
			if call.Error != nil {
				// A dead bridge also fails its heartbeat; report the exit instead
				s.bridge.waitExit(s.cfg.PollInterval)
				if code, err := s.lostHealth(); err != nil {
					return code, err
				}
				return ExitFailure, fmt.Errorf("supervisor: heartbeat: %w", call.Error)
			}
			s.log.Debug("heartbeat ok", zap.Duration("rtt", time.Since(call.IssuedAt)))
			nextBeat = time.Now().Add(s.cfg.HeartbeatInterval)
		case now := <-ticker.C:
			if code, err := s.lostHealth(); err != nil {
				return code, err
			}
			if beat == nil && !now.Before(nextBeat) {
				var ctx context.Context
				ctx, beatCancel = context.WithTimeout(context.Background(), s.cfg.HandshakeTimeout)
				beat = s.bridgeClient.Transport().Go(ctx, message.MethodInitialize, map[string]any{})
				beatDone = beat.Done
			}
		}
	}
}

// fail performs a forced shutdown after a failure and reports code.
func (s *Supervisor) fail(code int, cause error) (int, error) {
	s.log.Error("supervision failed", zap.Error(cause), zap.Int("exitCode", code))
	return s.finish(code, multierr.Append(cause, s.shutdownForced()))
}

func (s *Supervisor) finish(code int, err error) (int, error) {
	s.transition(Stopped)
	return code, err
}

// shutdownGraceful asks the bridge to shut down, then terminates the bridge
// and the runtime in that order. Failures are collected, never short-circuited.
func (s *Supervisor) shutdownGraceful() error {
	s.transition(ShuttingDownGraceful)
	s.withdraw()

	if _, exited := s.bridge.exited(); !exited {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.HandshakeTimeout)
		if err := s.bridgeClient.Shutdown(ctx); err != nil {
			s.log.Warn("bridge shutdown call failed", zap.Error(err))
		}
		cancel()
	}
	return s.terminateAll()
}

// shutdownForced terminates whatever was started, without any RPC.
func (s *Supervisor) shutdownForced() error {
	s.transition(ShuttingDownForced)
	s.withdraw()
	return s.terminateAll()
}

func (s *Supervisor) terminateAll() error {
	s.mu.Lock()
	bridge, runtime, bc := s.bridge, s.runtime, s.bridgeClient
	s.mu.Unlock()

	var err error
	for _, sub := range []*subordinate{bridge, runtime} {
		if sub == nil {
			continue
		}
		result, terr := sub.terminate(s.cfg.ShutdownTimeout, s.log)
		s.log.Info("termination result", zap.String("process", sub.spec.Name), zap.String("result", string(result)))
		err = multierr.Append(err, terr)
	}
	if bc != nil {
		_ = bc.Transport().Close()
	}
	return err
}

func (s *Supervisor) announce(caps []string) {
	if s.registry == nil {
		return
	}
	host, _ := os.Hostname()
	s.instanceID = uuid.NewString()

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.HandshakeTimeout)
	defer cancel()
	err := s.registry.Register(ctx, RegistryService, registry.Instance{
		ID:              s.instanceID,
		PID:             os.Getpid(),
		Host:            host,
		ProtocolVersion: message.ProtocolVersion,
		Capabilities:    caps,
		StartedAt:       time.Now().UTC(),
	}, s.registryTTL)
	if err != nil {
		// The session works without being discoverable
		s.log.Warn("session announcement failed", zap.Error(err))
		s.instanceID = ""
		return
	}
	s.log.Info("session announced", zap.String("id", s.instanceID))
}

func (s *Supervisor) withdraw() {
	if s.registry == nil || s.instanceID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.HandshakeTimeout)
	defer cancel()
	if err := s.registry.Deregister(ctx, RegistryService, s.instanceID); err != nil {
		s.log.Warn("session withdrawal failed", zap.Error(err))
	}
	s.instanceID = ""
}
