//go:build !linux

package executor

import (
	"fmt"
	"os/exec"

	"github.com/onkernel/minirun/lib/errkind"
)

func setCloneflags(_ *exec.Cmd, flags uintptr) error {
	if flags == 0 {
		return nil
	}
	return fmt.Errorf("%w: namespaces require linux", errkind.ErrPrivilege)
}
