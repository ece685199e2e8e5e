// Package isolation moves the current process into a confined execution
// context: a new root directory, and a private PID namespace the command
// is created in.
package isolation

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"slices"
	"sync"
	"syscall"

	"github.com/onkernel/minirun/lib/errkind"
	"github.com/onkernel/minirun/lib/executor"
	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// State is the position of a bootstrap in its one-way sequence.
type State int

const (
	Unconstrained State = iota
	RootChanged
	WorkingDirSet
	NamespaceIsolated
)

func (s State) String() string {
	switch s {
	case Unconstrained:
		return "unconstrained"
	case RootChanged:
		return "root-changed"
	case WorkingDirSet:
		return "working-dir-set"
	case NamespaceIsolated:
		return "namespace-isolated"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var (
	// ErrAlreadyAttempted is returned by a second Commit. A bootstrap that
	// failed part way has left the process in an unknown state.
	ErrAlreadyAttempted = errors.New("bootstrap already attempted")

	// ErrUnsupportedNamespace is returned for namespace types the bootstrap
	// does not create.
	ErrUnsupportedNamespace = errors.New("unsupported namespace")

	// ErrNotCommitted is returned by Run before a successful Commit.
	ErrNotCommitted = errors.New("bootstrap not committed")
)

// Syscalls performs the privileged operations of a bootstrap.
type Syscalls interface {
	Chroot(path string) error
	Chdir(path string) error
	// Spawn starts cmd as the first process of the namespaces named by
	// cmd.Cloneflags.
	Spawn(ctx context.Context, cmd executor.Command) (*executor.Process, error)
}

// Options configures a Bootstrap.
type Options struct {
	// Namespaces the command is created in. Defaults to the PID namespace.
	Namespaces []specs.LinuxNamespaceType
	// Syscalls defaults to the host kernel.
	Syscalls Syscalls
}

// Bootstrap confines the calling process. Transitions only move forward and
// a bootstrap is committed at most once.
type Bootstrap struct {
	mu         sync.Mutex
	state      State
	attempted  bool
	spawned    bool
	namespaces []specs.LinuxNamespaceType
	flags      uintptr
	sys        Syscalls
}

// New validates opts and returns a bootstrap in the Unconstrained state.
func New(opts Options) (*Bootstrap, error) {
	namespaces := opts.Namespaces
	if len(namespaces) == 0 {
		namespaces = []specs.LinuxNamespaceType{specs.PIDNamespace}
	}
	var flags uintptr
	for _, ns := range namespaces {
		flag, ok := namespaceFlags[ns]
		if !ok {
			return nil, fmt.Errorf("%w: %w %q", errkind.ErrUsage, ErrUnsupportedNamespace, ns)
		}
		flags |= flag
	}

	sys := opts.Syscalls
	if sys == nil {
		sys = hostSyscalls{}
	}

	return &Bootstrap{
		state:      Unconstrained,
		namespaces: slices.Clone(namespaces),
		flags:      flags,
		sys:        sys,
	}, nil
}

// State returns the furthest state reached.
func (b *Bootstrap) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Commit changes the root to root and moves to "/" inside it. It locks the
// calling goroutine to its OS thread and leaves it locked, so Run must be
// called from the same goroutine.
//
// Any failure is final. There is no rollback and Commit cannot be retried.
func (b *Bootstrap) Commit(root string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.attempted {
		return fmt.Errorf("%w: %w (state %s)", errkind.ErrPrivilege, ErrAlreadyAttempted, b.state)
	}
	b.attempted = true

	runtime.LockOSThread()

	if err := b.sys.Chroot(root); err != nil {
		return fmt.Errorf("%w: chroot %s: %w", errkind.ErrPrivilege, root, err)
	}
	b.state = RootChanged

	if err := b.sys.Chdir("/"); err != nil {
		return fmt.Errorf("%w: chdir /: %w", errkind.ErrFilesystem, err)
	}
	b.state = WorkingDirSet

	return nil
}

// Run starts cmd in fresh namespaces inside the committed root and waits
// for it. The namespaces are entered by the child as it is cloned; the
// calling process keeps its own. Run succeeds at most once per bootstrap.
func (b *Bootstrap) Run(ctx context.Context, cmd executor.Command) (*executor.Outcome, error) {
	p, err := b.spawn(ctx, cmd)
	if err != nil {
		return nil, err
	}
	return p.Wait()
}

func (b *Bootstrap) spawn(ctx context.Context, cmd executor.Command) (*executor.Process, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.spawned {
		return nil, fmt.Errorf("%w: %w (state %s)", errkind.ErrPrivilege, ErrAlreadyAttempted, b.state)
	}
	if b.state != WorkingDirSet {
		return nil, fmt.Errorf("%w: %w (state %s)", errkind.ErrPrivilege, ErrNotCommitted, b.state)
	}
	b.spawned = true

	cmd.Cloneflags = b.flags
	p, err := b.sys.Spawn(ctx, cmd)
	if errors.Is(err, syscall.EPERM) {
		return nil, fmt.Errorf("%w: create namespaces %v: %w", errkind.ErrPrivilege, b.namespaces, err)
	}
	if err != nil {
		return nil, err
	}
	b.state = NamespaceIsolated

	return p, nil
}
