// Package errkind defines the error kinds a run can fail with and maps each
// of them to a reserved process exit code.
package errkind

import (
	"errors"
	"fmt"
)

var (
	// ErrUsage is returned when the command line cannot be interpreted
	ErrUsage = errors.New("usage error")

	// ErrAuth is returned when a registry pull token cannot be obtained
	ErrAuth = errors.New("registry auth failed")

	// ErrManifest is returned when a manifest cannot be fetched, parsed or
	// matched to the target architecture
	ErrManifest = errors.New("manifest resolution failed")

	// ErrLayer is returned when a layer cannot be fetched, verified or unpacked
	ErrLayer = errors.New("layer fetch failed")

	// ErrFilesystem is returned when the staging root cannot be assembled
	ErrFilesystem = errors.New("filesystem setup failed")

	// ErrPrivilege is returned when the root or namespace transition is denied
	ErrPrivilege = errors.New("isolation denied")

	// ErrExec is returned when the target command cannot be spawned
	ErrExec = errors.New("exec failed")

	// ErrExitCodeUnavailable is returned when the child was terminated by a
	// signal and has no exit code to propagate
	ErrExitCodeUnavailable = errors.New("exit code unavailable")

	// ErrOutputDecode is returned when captured output is not valid text
	ErrOutputDecode = errors.New("output is not valid utf-8")
)

// Reserved exit codes. Child exit codes are propagated unchanged, so these
// only identify the failing stage when the child never produced a code.
const (
	ExitGeneric         = 1
	ExitUsage           = 120
	ExitAuth            = 121
	ExitManifest        = 122
	ExitLayer           = 123
	ExitFilesystem      = 124
	ExitPrivilege       = 125
	ExitExec            = 126
	ExitCodeUnavailable = 127
	ExitOutputDecode    = 128
)

type kind struct {
	err   error
	stage string
	code  int
}

// Ordered from most to least specific. A layer error that wraps a
// filesystem failure is still reported as a layer error.
var kinds = []kind{
	{ErrUsage, "usage", ExitUsage},
	{ErrAuth, "auth", ExitAuth},
	{ErrManifest, "manifest", ExitManifest},
	{ErrLayer, "layer", ExitLayer},
	{ErrPrivilege, "isolation", ExitPrivilege},
	{ErrFilesystem, "filesystem", ExitFilesystem},
	{ErrExec, "exec", ExitExec},
	{ErrExitCodeUnavailable, "exit", ExitCodeUnavailable},
	{ErrOutputDecode, "output", ExitOutputDecode},
}

// ExitCode returns the reserved exit code for err, ExitGeneric for errors
// of no known kind and 0 for nil.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.code
		}
	}
	return ExitGeneric
}

// Stage returns the name of the pipeline stage err belongs to.
func Stage(err error) string {
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.stage
		}
	}
	return "run"
}

// Message formats err for the terminal, prefixed with its stage.
func Message(err error) string {
	return fmt.Sprintf("minirun: %s: %v", Stage(err), err)
}

// ExitCodeUnavailableError reports a child terminated by a signal.
type ExitCodeUnavailableError struct {
	Signal string
}

func (e *ExitCodeUnavailableError) Error() string {
	return fmt.Sprintf("%v: terminated by signal %s", ErrExitCodeUnavailable, e.Signal)
}

func (e *ExitCodeUnavailableError) Unwrap() error {
	return ErrExitCodeUnavailable
}
