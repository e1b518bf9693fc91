// Package process runs child commands so they can be torn down as a group.
package process

import (
	"errors"
	"os/exec"
)

// Cleanup kills whatever Setup attached to a command. It is safe to call
// after the command has exited.
type Cleanup func()

// ExitCode reports the status of a command that ran and exited, or -1 when
// err does not come from a finished process (for example a failed start).
func ExitCode(err error) int {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}
