package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/onkernel/minirun/cmd/minirun/config"
	"github.com/onkernel/minirun/lib/errkind"
	"github.com/onkernel/minirun/lib/logger"
	"github.com/onkernel/minirun/lib/providers"
	"github.com/onkernel/minirun/lib/runner"
)

// CLI is the root command.
type CLI struct {
	LogLevel  string `help:"Log level: debug, info, warn or error." placeholder:"LEVEL"`
	LogFormat string `help:"Log format: text or json." placeholder:"FORMAT"`

	Run     RunCmd     `cmd:"" help:"Run a command in an isolated root, optionally built from an image."`
	Init    InitCmd    `cmd:"" hidden:"" help:"Confine and run a staged command. Started by run."`
	Version VersionCmd `cmd:"" help:"Show version information."`
}

// RunCmd stages a root and runs a command in it.
type RunCmd struct {
	Image      string   `help:"Image to build the root from." placeholder:"IMAGE"`
	NoImage    bool     `help:"Run in an empty root; the first argument is the command."`
	Arch       string   `help:"Image architecture to pull." placeholder:"ARCH"`
	Registry   string   `help:"Registry base URL." placeholder:"URL"`
	AuthURL    string   `name:"auth-url" help:"Registry token endpoint." placeholder:"URL"`
	StagingDir string   `help:"Directory that holds run roots." placeholder:"DIR"`
	Args       []string `arg:"" passthrough:"" help:"[IMAGE] COMMAND [ARG...]"`
}

// InitCmd is the re-executed half of run.
type InitCmd struct {
	Root string   `required:"" help:"Root to confine the command to." placeholder:"DIR"`
	Args []string `arg:"" passthrough:"" help:"COMMAND [ARG...]"`
}

// VersionCmd prints the version.
type VersionCmd struct{}

// ExitError signals a non-zero exit code without forcing os.Exit in Run
// handlers. The cause has already been reported.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("exit status %d", e.Code)
}

// request applies the [IMAGE] COMMAND [ARG...] rule: the first argument is
// the image when at least two are given and it does not look like a path.
func (c *RunCmd) request() (runner.RunRequest, error) {
	args := c.Args
	if len(args) > 0 && args[0] == "--" {
		args = args[1:]
	}

	if c.Image != "" && c.NoImage {
		return runner.RunRequest{}, fmt.Errorf("%w: --image and --no-image are mutually exclusive", errkind.ErrUsage)
	}

	image := c.Image
	if image == "" && !c.NoImage && len(args) >= 2 && !looksLikePath(args[0]) {
		image, args = args[0], args[1:]
	}
	if len(args) == 0 {
		return runner.RunRequest{}, fmt.Errorf("%w: no command given", errkind.ErrUsage)
	}

	return runner.RunRequest{Image: image, Command: args[0], Args: args[1:]}, nil
}

func looksLikePath(s string) bool {
	return strings.HasPrefix(s, "/") || strings.HasPrefix(s, ".")
}

func (c *RunCmd) Run(ctx context.Context, cli *CLI) error {
	req, err := c.request()
	if err != nil {
		return err
	}

	app, cleanup, err := initializeApp(ctx, config.Flags{
		Architecture: c.Arch,
		RegistryURL:  c.Registry,
		AuthURL:      c.AuthURL,
		StagingDir:   c.StagingDir,
		LogLevel:     cli.LogLevel,
		LogFormat:    cli.LogFormat,
	})
	if err != nil {
		return fmt.Errorf("%w: %w", errkind.ErrUsage, err)
	}
	defer cleanup()

	ctx = logger.AddToContext(ctx, app.Logger)
	if code := app.Runner.Run(ctx, req); code != 0 {
		return &ExitError{Code: code}
	}
	return nil
}

func (c *InitCmd) Run(ctx context.Context, cli *CLI) error {
	args := c.Args
	if len(args) > 0 && args[0] == "--" {
		args = args[1:]
	}
	if len(args) == 0 {
		return fmt.Errorf("%w: no command given", errkind.ErrUsage)
	}

	// The root is already staged; telemetry would only dial out from inside it.
	app, cleanup, err := initializeApp(ctx, config.Flags{
		LogLevel:    cli.LogLevel,
		LogFormat:   cli.LogFormat,
		NoTelemetry: true,
	})
	if err != nil {
		return fmt.Errorf("%w: %w", errkind.ErrUsage, err)
	}
	defer cleanup()

	ctx = logger.AddToContext(ctx, app.Logger)
	code := app.Runner.Init(ctx, runner.InitRequest{Root: c.Root, Command: args[0], Args: args[1:]})
	if code != 0 {
		return &ExitError{Code: code}
	}
	return nil
}

func (c *VersionCmd) Run(kctx *kong.Context) error {
	_, err := fmt.Fprintf(kctx.Stdout, "minirun %s\n", providers.Version)
	return err
}

// Execute parses args, runs the selected command and returns the process
// exit code.
func Execute(args []string, stdout, stderr io.Writer) int {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var cli CLI
	parser, err := kong.New(&cli,
		kong.Name("minirun"),
		kong.Description("Run a command in an isolated root filesystem and PID namespace.\n\nThe root is optionally built from a container image pulled from a registry."),
		kong.Writers(stdout, stderr),
		kong.BindTo(ctx, (*context.Context)(nil)),
		kong.Bind(&cli),
	)
	if err != nil {
		fmt.Fprintln(stderr, errkind.Message(err))
		return errkind.ExitGeneric
	}

	kctx, err := parser.Parse(args)
	if err != nil {
		fmt.Fprintln(stderr, errkind.Message(fmt.Errorf("%w: %w", errkind.ErrUsage, err)))
		return errkind.ExitUsage
	}

	err = kctx.Run()
	var exitErr *ExitError
	switch {
	case err == nil:
		return 0
	case errors.As(err, &exitErr):
		return exitErr.Code
	default:
		fmt.Fprintln(stderr, errkind.Message(err))
		return errkind.ExitCode(err)
	}
}
