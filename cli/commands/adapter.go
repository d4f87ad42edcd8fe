package commands

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/kestrel-es/kestrel/adapters"
	"github.com/kestrel-es/kestrel/adapters/memory"
	"github.com/kestrel-es/kestrel/adapters/postgres"
	"github.com/kestrel-es/kestrel/adapters/sqlite"
	"github.com/kestrel-es/kestrel/cli/config"
)

// pingTimeout bounds the connection check made when an adapter is opened.
const pingTimeout = 5 * time.Second

// OpenAdapter creates the adapter selected by cfg.Database.Driver and checks
// that its backend is reachable.
func OpenAdapter(ctx context.Context, cfg *config.Config) (adapters.EventStoreAdapter, error) {
	url := cfg.DatabaseURL()

	var adapter adapters.EventStoreAdapter
	switch cfg.Database.Driver {
	case config.DriverPostgres, "postgresql":
		var opts []postgres.Option
		if cfg.Database.Schema != "" {
			opts = append(opts, postgres.WithSchema(cfg.Database.Schema))
		}
		pg, err := postgres.NewAdapter(url, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create postgres adapter: %w", err)
		}
		adapter = pg

	case config.DriverSQLite:
		lite, err := sqlite.Open(url)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite database: %w", err)
		}
		adapter = lite

	case config.DriverMemory:
		return memory.NewAdapter(), nil

	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Database.Driver)
	}

	if hc, ok := adapter.(adapters.HealthChecker); ok {
		pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
		defer cancel()
		if err := hc.Ping(pingCtx); err != nil {
			_ = adapter.Close()
			return nil, fmt.Errorf("failed to connect to %s: %w", cfg.Database.Driver, err)
		}
	}

	return adapter, nil
}

// loadConfig reads the config named by path, or searches upward from the
// working directory when path is empty. Environment overrides are applied
// and the result is validated.
func loadConfig(path string) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if path != "" {
		cfg, err = config.LoadFile(path)
	} else {
		var cwd string
		if cwd, err = os.Getwd(); err == nil {
			_, cfg, err = config.FindConfig(cwd)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("no %s found: %w", config.ConfigFileName, err)
	}

	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// withAdapter loads configuration, opens the adapter, runs fn and closes the
// adapter again.
func withAdapter(ctx context.Context, configPath string, fn func(adapters.EventStoreAdapter) error) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	adapter, err := OpenAdapter(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = adapter.Close() }()

	return fn(adapter)
}
