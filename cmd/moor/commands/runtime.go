package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/openmoor/moor/pkg/config"
	"github.com/openmoor/moor/pkg/runner"
)

// shutdownTimeout bounds telemetry flush and store close on exit.
const shutdownTimeout = 10 * time.Second

// openRuntime boots a fully wired runner from the configured (or
// default) configuration file. The returned close function flushes
// telemetry and closes the store; callers must invoke it before the
// process exits.
func openRuntime(ctx context.Context) (*runner.Runner, func(), error) {
	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	if verbose {
		cfg.Logging.Level = "debug"
	}

	r, err := runner.Open(ctx, cfg, buildInfo)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to start runner: %w", err)
	}

	closeRuntime := func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = r.Close(shutdownCtx)
	}
	return r, closeRuntime, nil
}
