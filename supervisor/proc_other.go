//go:build !unix

package supervisor

import (
	"os"
	"syscall"
)

// Without process groups only the direct child can be signalled.
func sysProcAttr() *syscall.SysProcAttr {
	return nil
}

func terminateGroup(p *os.Process) error {
	return p.Kill()
}

func killGroup(p *os.Process) error {
	return p.Kill()
}

func exitCodeOf(state *os.ProcessState) int {
	return state.ExitCode()
}
