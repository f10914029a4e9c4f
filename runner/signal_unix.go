//go:build unix

package runner

import (
	"os/exec"
	"syscall"
)

// terminate asks the process to shut down gracefully.
func terminate(proc *exec.Cmd) error {
	return proc.Process.Signal(syscall.SIGTERM)
}
