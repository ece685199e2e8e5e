//go:build !linux

package isolation

import (
	"context"
	"errors"

	"github.com/onkernel/minirun/lib/executor"
	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// errUnsupportedPlatform is returned by every host syscall off Linux.
var errUnsupportedPlatform = errors.New("isolation requires linux")

// The flags only identify the namespaces here; nothing is cloned with them.
var namespaceFlags = map[specs.LinuxNamespaceType]uintptr{
	specs.PIDNamespace: 1 << 0,
	specs.UTSNamespace: 1 << 1,
	specs.IPCNamespace: 1 << 2,
}

type hostSyscalls struct{}

func (hostSyscalls) Chroot(string) error {
	return errUnsupportedPlatform
}

func (hostSyscalls) Chdir(string) error {
	return errUnsupportedPlatform
}

func (hostSyscalls) Spawn(context.Context, executor.Command) (*executor.Process, error) {
	return nil, errUnsupportedPlatform
}
