// Package runner ties a run together: it stages the root filesystem in a
// supervisor process and confines the command in a re-executed init
// process.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/onkernel/minirun/lib/errkind"
	"github.com/onkernel/minirun/lib/executor"
	"github.com/onkernel/minirun/lib/images"
	"github.com/onkernel/minirun/lib/isolation"
	"github.com/onkernel/minirun/lib/logger"
	mrotel "github.com/onkernel/minirun/lib/otel"
	"github.com/onkernel/minirun/lib/rootfs"
	"github.com/samber/lo"
)

// InitMarkerEnv is set by the supervisor on the init process it starts.
// Init refuses to run without it.
const InitMarkerEnv = "MINIRUN_INIT"

// DefaultExecutable re-executes the running binary.
const DefaultExecutable = "/proc/self/exe"

// Puller materializes an image into a directory.
type Puller interface {
	Pull(ctx context.Context, ref *images.Reference, destDir string, tracker *images.ProgressTracker) (*images.PullResult, error)
}

// RunRequest is a command to run, optionally inside an image.
type RunRequest struct {
	Image   string // empty for a bare root holding only the command
	Command string
	Args    []string
}

// InitRequest is what the supervisor hands the init process.
type InitRequest struct {
	Root    string
	Command string // path inside Root
	Args    []string
}

// Options configures a Runner.
type Options struct {
	StagingDir string
	// Executable is started as the init process. Defaults to the running
	// binary.
	Executable string
	// InitArgs are passed to Executable ahead of the init command.
	InitArgs  []string
	Isolation isolation.Options
	Metrics   *mrotel.RunMetrics

	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

// Runner runs commands in isolated roots.
type Runner struct {
	puller     Puller
	stagingDir string
	executable string
	initArgs   []string
	isolation  isolation.Options
	metrics    *mrotel.RunMetrics

	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
}

// New creates a runner pulling images with puller
func New(puller Puller, opts Options) *Runner {
	r := &Runner{
		puller:     puller,
		stagingDir: opts.StagingDir,
		executable: opts.Executable,
		initArgs:   slices.Clone(opts.InitArgs),
		isolation:  opts.Isolation,
		metrics:    opts.Metrics,
		stdin:      opts.Stdin,
		stdout:     opts.Stdout,
		stderr:     opts.Stderr,
	}
	if r.executable == "" {
		r.executable = DefaultExecutable
	}
	if r.stdin == nil {
		r.stdin = os.Stdin
	}
	if r.stdout == nil {
		r.stdout = os.Stdout
	}
	if r.stderr == nil {
		r.stderr = os.Stderr
	}
	return r
}

// Run stages the root for req, runs the command confined to it and returns
// the exit code to leave with: the command's own code, or the reserved
// code of the stage that failed. The staging directory is removed before
// Run returns.
func (r *Runner) Run(ctx context.Context, req RunRequest) int {
	start := time.Now()
	code, err := r.run(ctx, req)
	code = r.report(ctx, code, err)
	r.metrics.RecordRun(ctx, runOutcome(code, err), time.Since(start))
	return code
}

func (r *Runner) run(ctx context.Context, req RunRequest) (int, error) {
	log := logger.FromContext(ctx)

	if req.Command == "" {
		return 0, fmt.Errorf("%w: no command given", errkind.ErrUsage)
	}

	var ref *images.Reference
	if req.Image != "" {
		var err error
		ref, err = images.ParseReference(req.Image)
		if err != nil {
			return 0, fmt.Errorf("%w: %w", errkind.ErrUsage, err)
		}
	}

	staging, err := rootfs.NewStaging(r.stagingDir)
	if err != nil {
		return 0, err
	}
	defer func() {
		if err := staging.Remove(); err != nil {
			log.WarnContext(ctx, "failed to remove staging directory", "dir", staging.Dir, "error", err)
		}
	}()
	log = log.With("run", staging.ID)
	ctx = logger.AddToContext(ctx, log)
	log.DebugContext(ctx, "created staging directory", "root", staging.Root)

	if ref != nil {
		if err := r.pull(ctx, ref, staging); err != nil {
			return 0, err
		}
	}

	if err := rootfs.PrepareRoot(staging.Root); err != nil {
		return 0, err
	}

	path, err := stageCommand(staging.Root, req.Command, ref != nil)
	if err != nil {
		return 0, err
	}
	log.DebugContext(ctx, "staged command", "command", req.Command, "path", path)

	return r.startInit(ctx, staging, path, req.Args)
}

func (r *Runner) pull(ctx context.Context, ref *images.Reference, staging *rootfs.Staging) error {
	log := logger.FromContext(ctx)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	tracker := images.NewProgressTracker()
	defer tracker.Close()

	updates, err := tracker.Subscribe(ctx)
	if err != nil {
		return err
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		logProgress(ctx, updates)
	}()

	result, err := r.puller.Pull(ctx, ref, staging.Root, tracker)
	tracker.Close()
	<-done
	if err != nil {
		return err
	}

	size, _ := staging.Size()
	log.InfoContext(ctx, "image ready",
		"image", result.Reference,
		"digest", result.ManifestDigest,
		"layers", len(result.Layers),
		"bytes", size,
	)
	return nil
}

// logProgress logs pull transitions until updates is closed.
func logProgress(ctx context.Context, updates <-chan images.ProgressUpdate) {
	log := logger.FromContext(ctx)
	for u := range updates {
		switch u.Status {
		case images.StatusPulling:
			log.DebugContext(ctx, "pulling layer", "layer", u.Layer, "of", u.Layers, "digest", u.Digest)
		case images.StatusUnpacking:
			log.DebugContext(ctx, "unpacking layer", "layer", u.Layer, "of", u.Layers, "digest", u.Digest)
		case images.StatusFailed:
			log.DebugContext(ctx, "pull failed", "error", lo.FromPtr(u.Error))
		default:
			log.DebugContext(ctx, "pull status", "status", u.Status)
		}
	}
}

// stageCommand makes command available inside root and returns its path
// there. A host executable is copied in; with an image, a command that is
// not on the host may instead name a file the image provides.
func stageCommand(root, command string, fromImage bool) (string, error) {
	hostPath, lookErr := exec.LookPath(command)
	if lookErr == nil {
		return rootfs.InstallBinary(root, hostPath)
	}

	if fromImage {
		path, err := rootfs.LookupInRoot(root, command)
		if err == nil {
			return path, nil
		}
		if !errors.Is(err, rootfs.ErrNotFound) {
			return "", err
		}
	}

	return "", fmt.Errorf("%w: %s: %w", errkind.ErrExec, command, lookErr)
}

// startInit re-executes the binary as the init process for staging and
// waits for it. Its exit code is the run's exit code.
func (r *Runner) startInit(ctx context.Context, staging *rootfs.Staging, path string, args []string) (int, error) {
	log := logger.FromContext(ctx)

	argv := append(slices.Clone(r.initArgs), "init", "--root", staging.Root, "--", path)
	argv = append(argv, args...)

	cmd := exec.CommandContext(ctx, r.executable, argv...)
	cmd.Env = append(os.Environ(), InitMarkerEnv+"="+staging.ID)
	cmd.Stdin = r.stdin
	cmd.Stdout = r.stdout
	cmd.Stderr = r.stderr

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("%w: start init: %w", errkind.ErrExec, err)
	}
	log.DebugContext(ctx, "started init process", "pid", cmd.Process.Pid)

	err := cmd.Wait()
	if err == nil {
		return 0, nil
	}

	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return 0, fmt.Errorf("%w: wait init: %w", errkind.ErrExec, err)
	}
	if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
		return 0, &errkind.ExitCodeUnavailableError{Signal: status.Signal().String()}
	}
	return exitErr.ExitCode(), nil
}

// Init confines the calling process to req.Root and runs the command as the
// first process of a new PID namespace, relaying its output. Returns the
// command's exit code or the reserved code of the failing stage. Only valid in a process started by Run.
func (r *Runner) Init(ctx context.Context, req InitRequest) int {
	code, err := r.init(ctx, req)
	return r.report(ctx, code, err)
}

func (r *Runner) init(ctx context.Context, req InitRequest) (int, error) {
	log := logger.FromContext(ctx)

	runID := os.Getenv(InitMarkerEnv)
	if runID == "" {
		return 0, fmt.Errorf("%w: init is started by minirun run and cannot be invoked directly", errkind.ErrUsage)
	}
	if req.Root == "" || req.Command == "" {
		return 0, fmt.Errorf("%w: init needs a root and a command", errkind.ErrUsage)
	}
	log = log.With("run", runID)
	ctx = logger.AddToContext(ctx, log)

	bootstrap, err := isolation.New(r.isolation)
	if err != nil {
		return 0, err
	}
	if err := bootstrap.Commit(req.Root); err != nil {
		return 0, err
	}
	log.DebugContext(ctx, "isolation committed", "state", bootstrap.State())

	outcome, err := bootstrap.Run(ctx, executor.Command{
		Path:  req.Command,
		Args:  req.Args,
		Env:   childEnv(os.Environ()),
		Stdin: r.stdin,
	})
	if outcome != nil {
		if relayErr := outcome.Relay(r.stdout, r.stderr); relayErr != nil {
			log.WarnContext(ctx, "failed to relay output", "error", relayErr)
		}
		if _, _, decodeErr := outcome.Text(); decodeErr != nil {
			log.DebugContext(ctx, "output relayed as raw bytes", "error", decodeErr)
		}
	}
	if err != nil {
		return 0, err
	}

	return outcome.ExitCode, nil
}

// childEnv is the environment of the confined command: the caller's,
// without the init marker.
func childEnv(environ []string) []string {
	return lo.Filter(environ, func(kv string, _ int) bool {
		return !strings.HasPrefix(kv, InitMarkerEnv+"=")
	})
}

// report writes err to stderr and returns the exit code to leave with.
func (r *Runner) report(ctx context.Context, code int, err error) int {
	if err == nil {
		return code
	}
	logger.FromContext(ctx).DebugContext(ctx, "run failed", "stage", errkind.Stage(err), "error", err)
	fmt.Fprintln(r.stderr, errkind.Message(err))
	return errkind.ExitCode(err)
}

// runOutcome classifies a run for metrics.
func runOutcome(code int, err error) string {
	switch {
	case err != nil:
		return errkind.Stage(err)
	case code != 0:
		return "exit"
	default:
		return "ok"
	}
}
