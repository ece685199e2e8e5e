//go:build linux

package executor

import (
	"os/exec"
	"syscall"
)

func setCloneflags(c *exec.Cmd, flags uintptr) error {
	if flags == 0 {
		return nil
	}
	c.SysProcAttr = &syscall.SysProcAttr{Cloneflags: flags}
	return nil
}
