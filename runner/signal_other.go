//go:build !unix

package runner

import "os/exec"

// terminate falls back to a hard kill on platforms without a graceful
// termination signal.
func terminate(proc *exec.Cmd) error {
	return proc.Process.Kill()
}
