package supervisor

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrUnreapable is reported when a subordinate survives SIGKILL for a full grace period.
var ErrUnreapable = errors.New("supervisor: process could not be reaped")

// ProcessSpec describes how to launch a subordinate process.
type ProcessSpec struct {
	Name string
	Path string
	Args []string
	Dir  string
	Env  []string // nil inherits the supervisor's environment
}

func (p ProcessSpec) validate() error {
	if p.Path == "" {
		return fmt.Errorf("supervisor: %s: empty command", p.Name)
	}
	return nil
}

// Termination outcomes, as logged.
type termination string

const (
	termAlreadyExited termination = "already exited"
	termStopped       termination = "stopped"
	termKilled        termination = "killed"
	termUnreapable    termination = "unreapable"
)

// subordinate is one spawned child. A reaper goroutine waits on it and closes
// done once it has exited.
type subordinate struct {
	spec ProcessSpec
	cmd  *exec.Cmd

	// Set for the protocol speaker only: our ends of its stdin and stdout.
	stdin  io.WriteCloser
	stdout io.ReadCloser

	done     chan struct{}
	mu       sync.Mutex
	exitCode int
}

// spawn starts spec in its own process group. With speaksProtocol the child's
// stdin and stdout are connected to pipes; otherwise stdin is empty and stdout
// goes to our stderr. stderr is always shared.
func spawn(spec ProcessSpec, speaksProtocol bool) (*subordinate, error) {
	if err := spec.validate(); err != nil {
		return nil, err
	}
	cmd := exec.Command(spec.Path, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = spec.Env
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = sysProcAttr()

	sub := &subordinate{spec: spec, cmd: cmd, done: make(chan struct{})}

	// os.Pipe rather than cmd.StdinPipe/StdoutPipe: Wait must not close our
	// read end before the last response has been consumed.
	var childIn, childOut *os.File
	if speaksProtocol {
		inR, inW, err := os.Pipe()
		if err != nil {
			return nil, fmt.Errorf("supervisor: %s: stdin pipe: %w", spec.Name, err)
		}
		outR, outW, err := os.Pipe()
		if err != nil {
			inR.Close()
			inW.Close()
			return nil, fmt.Errorf("supervisor: %s: stdout pipe: %w", spec.Name, err)
		}
		cmd.Stdin, cmd.Stdout = inR, outW
		childIn, childOut = inR, outW
		sub.stdin, sub.stdout = inW, outR
	} else {
		cmd.Stdout = os.Stderr
	}

	err := cmd.Start()
	// The child holds its own copies now
	if childIn != nil {
		childIn.Close()
		childOut.Close()
	}
	if err != nil {
		if sub.stdin != nil {
			sub.stdin.Close()
			sub.stdout.Close()
		}
		return nil, fmt.Errorf("supervisor: start %s: %w", spec.Name, err)
	}

	go sub.reap()
	return sub, nil
}

func (s *subordinate) reap() {
	_ = s.cmd.Wait()
	code := -1
	if s.cmd.ProcessState != nil {
		code = exitCodeOf(s.cmd.ProcessState)
	}
	s.mu.Lock()
	s.exitCode = code
	s.mu.Unlock()
	close(s.done)
}

func (s *subordinate) pid() int {
	return s.cmd.Process.Pid
}

// exited is the liveness poll: it never blocks.
func (s *subordinate) exited() (code int, ok bool) {
	select {
	case <-s.done:
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.exitCode, true
	default:
		return 0, false
	}
}

func (s *subordinate) waitExit(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-s.done:
		return true
	case <-t.C:
		return false
	}
}

// terminate escalates SIGTERM → wait grace → SIGKILL → wait grace. It never
// waits longer than two grace periods; an unreapable child is reported and
// left behind.
func (s *subordinate) terminate(grace time.Duration, log *zap.Logger) (termination, error) {
	log = log.With(zap.String("process", s.spec.Name), zap.Int("pid", s.pid()))

	if code, ok := s.exited(); ok {
		log.Info("subordinate already exited", zap.Int("code", code))
		return termAlreadyExited, nil
	}

	if err := terminateGroup(s.cmd.Process); err != nil && !errors.Is(err, os.ErrProcessDone) {
		log.Warn("SIGTERM failed", zap.Error(err))
	}
	if s.waitExit(grace) {
		code, _ := s.exited()
		log.Info("subordinate stopped", zap.Int("code", code))
		return termStopped, nil
	}

	log.Warn("subordinate did not stop after SIGTERM; sending SIGKILL", zap.Duration("grace", grace))
	if err := killGroup(s.cmd.Process); err != nil && !errors.Is(err, os.ErrProcessDone) {
		log.Warn("SIGKILL failed", zap.Error(err))
	}
	if s.waitExit(grace) {
		code, _ := s.exited()
		log.Info("subordinate killed", zap.Int("code", code))
		return termKilled, nil
	}

	log.Error("subordinate could not be reaped after SIGKILL")
	return termUnreapable, fmt.Errorf("%w: %s (pid %d)", ErrUnreapable, s.spec.Name, s.pid())
}
