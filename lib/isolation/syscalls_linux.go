//go:build linux

package isolation

import (
	"context"

	"github.com/onkernel/minirun/lib/executor"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"golang.org/x/sys/unix"
)

// Network isolation is out of scope; only namespaces with a clone flag here
// can be requested.
var namespaceFlags = map[specs.LinuxNamespaceType]uintptr{
	specs.PIDNamespace: unix.CLONE_NEWPID,
	specs.UTSNamespace: unix.CLONE_NEWUTS,
	specs.IPCNamespace: unix.CLONE_NEWIPC,
}

type hostSyscalls struct{}

func (hostSyscalls) Chroot(path string) error {
	return unix.Chroot(path)
}

func (hostSyscalls) Chdir(path string) error {
	return unix.Chdir(path)
}

func (hostSyscalls) Spawn(ctx context.Context, cmd executor.Command) (*executor.Process, error) {
	return executor.Start(ctx, cmd)
}
