package cli

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/provsync/internal/breaker"
	"github.com/roach88/provsync/internal/config"
	"github.com/roach88/provsync/internal/connector"
	"github.com/roach88/provsync/internal/ir"
	"github.com/roach88/provsync/internal/notify"
	"github.com/roach88/provsync/internal/provisioning"
	"github.com/roach88/provsync/internal/reconcile"
	"github.com/roach88/provsync/internal/store"
)

// app is the wired runtime shared by commands that touch the store.
type app struct {
	cfg      config.Config
	logger   *slog.Logger
	store    *store.Store
	registry *connector.Registry
	breaker  *breaker.Breaker
	exec     *provisioning.Executor
	engine   *reconcile.Engine
	amqp     *notify.AMQPSender
}

// loadConfig reads the config file named by --config, or the defaults, and
// applies the global flag overrides.
func (o *RootOptions) loadConfig() (config.Config, error) {
	cfg := config.Default()
	if o.Config != "" {
		loaded, err := config.Load(o.Config)
		if err != nil {
			return config.Config{}, err
		}
		cfg = loaded
	}
	if o.Database != "" {
		cfg.Database = o.Database
	}
	if o.Verbose {
		cfg.Log.Level = "debug"
	}
	return cfg, nil
}

// openStore opens only the store, for read-only audit commands.
func (o *RootOptions) openStore(cmd *cobra.Command) (*store.Store, *slog.Logger, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	logger := cfg.Logger(cmd.ErrOrStderr())
	logger.Debug("opening database", "event", "store_open", "path", cfg.Database)
	st, err := store.Open(cfg.Database)
	if err != nil {
		return nil, nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}
	return st, logger, nil
}

// openApp wires the full runtime: store, connectors built from the stored
// systems, break policy with its notifiers, executor and sync engine.
func (o *RootOptions) openApp(cmd *cobra.Command) (*app, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	a := &app{cfg: cfg, logger: cfg.Logger(cmd.ErrOrStderr())}

	a.logger.Debug("opening database", "event", "store_open", "path", cfg.Database)
	a.store, err = store.Open(cfg.Database)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if err := a.wire(ctx); err != nil {
		a.Close()
		return nil, WrapExitError(ExitCommandError, "failed to initialize runtime", err)
	}
	return a, nil
}

func (a *app) wire(ctx context.Context) error {
	a.registry = connector.NewRegistry()
	a.registry.Register("memory", fixtureFactory(a.cfg.Fixtures))
	systems, err := a.store.ListSystems(ctx)
	if err != nil {
		return fmt.Errorf("list systems: %w", err)
	}
	if err := a.registry.Build(systems); err != nil {
		return err
	}

	dispatcher := notify.NewDispatcher()
	dispatcher.Register("log", notify.NewLogSender(a.logger))
	if a.cfg.AMQP.URL != "" {
		a.amqp = notify.NewAMQPSender(a.cfg.AMQP.URL)
		dispatcher.Register("amqp", a.amqp)
	}

	a.breaker = breaker.New(a.store,
		breaker.WithLogger(a.logger),
		breaker.WithNotifier(dispatcher),
	)

	a.exec, err = provisioning.New(ctx, a.store, a.registry,
		provisioning.WithLogger(a.logger),
		provisioning.WithBreaker(a.breaker),
		provisioning.WithWorkers(a.cfg.Workers),
	)
	if err != nil {
		return err
	}

	a.engine = reconcile.New(a.store, a.registry, a.exec, reconcile.WithLogger(a.logger))
	a.logger.Debug("runtime ready",
		"event", "runtime_ready",
		"systems", len(systems),
		"workers", a.cfg.Workers,
	)
	return nil
}

// Close drains in-flight work, bounded by the shutdown timeout, then closes
// the broker connection and the store.
func (a *app) Close() {
	done := make(chan struct{})
	go func() {
		defer close(done)
		if a.engine != nil {
			a.engine.Shutdown()
		}
		if a.exec != nil {
			a.exec.Stop()
		}
	}()
	if a.cfg.ShutdownTimeout <= 0 {
		<-done
	}
	select {
	case <-done:
	case <-time.After(a.cfg.ShutdownTimeout):
		a.logger.Warn("shutdown timed out", "event", "shutdown_timeout", "timeout", a.cfg.ShutdownTimeout)
	}

	if a.amqp != nil {
		if err := a.amqp.Close(); err != nil {
			a.logger.Error("error closing amqp connection", "error", err)
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Error("error closing database", "error", err)
		}
	}
}

// fixtureFactory builds memory connectors, resolving relative fixture
// paths against dir.
func fixtureFactory(dir string) connector.Factory {
	return func(sys ir.System) (connector.Connector, error) {
		path := ir.AsString(sys.Settings["fixture"])
		if dir != "" && path != "" && !filepath.IsAbs(path) {
			sys.Settings = sys.Settings.Clone()
			sys.Settings["fixture"] = ir.Str(filepath.Join(dir, path))
		}
		return connector.MemoryFactory(sys)
	}
}
