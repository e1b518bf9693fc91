//go:build !linux

package process

import "os/exec"

func Setup(cmd *exec.Cmd) Cleanup {
	return func() {
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
	}
}
