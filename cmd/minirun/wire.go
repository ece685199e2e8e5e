//go:build wireinject

package main

import (
	"context"
	"log/slog"

	"github.com/google/wire"
	"github.com/onkernel/minirun/cmd/minirun/config"
	"github.com/onkernel/minirun/lib/providers"
	"github.com/onkernel/minirun/lib/runner"
)

// application struct to hold initialized components
type application struct {
	Logger *slog.Logger
	Config *config.Config
	Runner *runner.Runner
}

// initializeApp is the injector function
func initializeApp(ctx context.Context, flags config.Flags) (*application, func(), error) {
	panic(wire.Build(
		providers.ProvideConfig,
		providers.ProvideLogger,
		providers.ProvideTelemetry,
		providers.ProvidePullMetrics,
		providers.ProvideRunMetrics,
		providers.ProvideClient,
		providers.ProvidePuller,
		providers.ProvideRunner,
		wire.Struct(new(application), "*"),
	))
}
