package providers

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/onkernel/minirun/cmd/minirun/config"
	"github.com/onkernel/minirun/lib/images"
	"github.com/onkernel/minirun/lib/logger"
	mrotel "github.com/onkernel/minirun/lib/otel"
	"github.com/onkernel/minirun/lib/runner"
)

// Version is reported in telemetry. Set at build time.
var Version = "dev"

// ProvideConfig provides the application configuration with flag overrides
func ProvideConfig(flags config.Flags) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	flags.Apply(cfg)
	return cfg, cfg.Validate()
}

// ProvideLogger provides a structured logger on stderr, also exported over
// OTLP when telemetry is enabled. Stdout carries the confined command's
// output only.
func ProvideLogger(cfg *config.Config, telemetry *mrotel.Provider) (*slog.Logger, error) {
	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}

	var extra []slog.Handler
	if telemetry.LogHandler != nil {
		extra = append(extra, telemetry.LogHandler)
	}
	log, err := logger.New(os.Stderr, cfg.LogFormat, level, extra...)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(log)
	return log, nil
}

// ProvideTelemetry provides the OpenTelemetry provider. The cleanup flushes
// pending logs, metrics and spans.
func ProvideTelemetry(ctx context.Context, cfg *config.Config) (*mrotel.Provider, func(), error) {
	provider, err := mrotel.Setup(ctx, mrotel.Config{
		Endpoint: cfg.OtelEndpoint,
		Insecure: cfg.OtelInsecure,
		Version:  Version,
	})
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() {
		if err := provider.Shutdown(context.WithoutCancel(ctx)); err != nil {
			fmt.Fprintf(os.Stderr, "minirun: failed to flush telemetry: %v\n", err)
		}
	}
	return provider, cleanup, nil
}

// ProvidePullMetrics provides the image pull metrics
func ProvidePullMetrics(provider *mrotel.Provider) (*mrotel.PullMetrics, error) {
	return mrotel.NewPullMetrics(provider.Meter)
}

// ProvideRunMetrics provides the run metrics
func ProvideRunMetrics(provider *mrotel.Provider) (*mrotel.RunMetrics, error) {
	return mrotel.NewRunMetrics(provider.Meter)
}

// ProvideClient provides the registry client
func ProvideClient(cfg *config.Config) *images.Client {
	return images.NewClient(images.ClientOptions{
		RegistryURL: cfg.RegistryURL,
		AuthURL:     cfg.AuthURL,
		AuthService: cfg.AuthService,
		Timeout:     cfg.HTTPTimeout,
	})
}

// ProvidePuller provides the image puller
func ProvidePuller(cfg *config.Config, client *images.Client, metrics *mrotel.PullMetrics) *images.Puller {
	return images.NewPuller(client, images.PullerOptions{
		Architecture: cfg.Architecture,
		Concurrency:  cfg.PullConcurrency,
		MaxLayerSize: int64(cfg.MaxLayerSize.Bytes()),
		Metrics:      metrics,
	})
}

// ProvideRunner provides the runner. The init process it starts inherits
// the logging settings.
func ProvideRunner(cfg *config.Config, puller *images.Puller, metrics *mrotel.RunMetrics) *runner.Runner {
	return runner.New(puller, runner.Options{
		StagingDir: cfg.StagingDir,
		InitArgs: []string{
			"--log-level=" + cfg.LogLevel,
			"--log-format=" + cfg.LogFormat,
		},
		Metrics: metrics,
	})
}
