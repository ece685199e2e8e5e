// Package executor runs the confined command and hands back exactly what it
// wrote.
package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"syscall"
	"unicode/utf8"

	"github.com/onkernel/minirun/lib/errkind"
	"github.com/onkernel/minirun/lib/logger"
)

// Command is a program to run and its arguments.
type Command struct {
	Path  string
	Args  []string
	Env   []string  // nil inherits the current environment
	Stdin io.Reader // nil reads from the null device
	// Cloneflags are CLONE_NEW* flags the child is created with, making it
	// the first process of those namespaces. Linux only.
	Cloneflags uintptr
}

// Outcome is the captured result of a finished command.
type Outcome struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// Process is a started command whose output is being captured.
type Process struct {
	path   string
	cmd    *exec.Cmd
	stdout bytes.Buffer
	stderr bytes.Buffer
}

// Run starts cmd, waits for it and captures both output streams in full.
// A non-zero exit is not an error. A child killed by a signal yields an
// *errkind.ExitCodeUnavailableError alongside the captured output.
func Run(ctx context.Context, cmd Command) (*Outcome, error) {
	p, err := Start(ctx, cmd)
	if err != nil {
		return nil, err
	}
	return p.Wait()
}

// Start spawns cmd without waiting for it.
func Start(ctx context.Context, cmd Command) (*Process, error) {
	log := logger.FromContext(ctx)

	p := &Process{path: cmd.Path}
	c := exec.CommandContext(ctx, cmd.Path, cmd.Args...)
	c.Env = cmd.Env
	c.Stdin = cmd.Stdin
	c.Stdout = &p.stdout
	c.Stderr = &p.stderr
	if err := setCloneflags(c, cmd.Cloneflags); err != nil {
		return nil, err
	}
	p.cmd = c

	if err := c.Start(); err != nil {
		return nil, fmt.Errorf("%w: start %s: %w", errkind.ErrExec, cmd.Path, err)
	}
	log.Debug("started command", "path", cmd.Path, "pid", c.Process.Pid)
	return p, nil
}

// Pid is the process id of the child as seen from the caller.
func (p *Process) Pid() int {
	return p.cmd.Process.Pid
}

// Wait waits for the child to exit and returns its captured output, with
// the same error semantics as Run.
func (p *Process) Wait() (*Outcome, error) {
	err := p.cmd.Wait()
	outcome := &Outcome{Stdout: p.stdout.Bytes(), Stderr: p.stderr.Bytes()}
	if err == nil {
		return outcome, nil
	}

	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return outcome, fmt.Errorf("%w: wait %s: %w", errkind.ErrExec, p.path, err)
	}

	if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
		outcome.ExitCode = -1
		return outcome, &errkind.ExitCodeUnavailableError{Signal: status.Signal().String()}
	}

	outcome.ExitCode = exitErr.ExitCode()
	return outcome, nil
}

// Relay writes the captured streams to stdout and stderr byte for byte.
func (o *Outcome) Relay(stdout, stderr io.Writer) error {
	if _, err := stdout.Write(o.Stdout); err != nil {
		return fmt.Errorf("relay stdout: %w", err)
	}
	if _, err := stderr.Write(o.Stderr); err != nil {
		return fmt.Errorf("relay stderr: %w", err)
	}
	return nil
}

// Text returns the captured streams as strings for diagnostics. Output that
// is not valid UTF-8 is reported with errkind.ErrOutputDecode; Relay is
// unaffected by it.
func (o *Outcome) Text() (stdout, stderr string, err error) {
	if !utf8.Valid(o.Stdout) {
		return "", "", fmt.Errorf("%w: stdout", errkind.ErrOutputDecode)
	}
	if !utf8.Valid(o.Stderr) {
		return "", "", fmt.Errorf("%w: stderr", errkind.ErrOutputDecode)
	}
	return string(o.Stdout), string(o.Stderr), nil
}
