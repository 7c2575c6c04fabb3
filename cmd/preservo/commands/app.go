package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/preservo/preservo/pkg/archive"
	"github.com/preservo/preservo/pkg/config"
	"github.com/preservo/preservo/pkg/engine"
	"github.com/preservo/preservo/pkg/graph"
	"github.com/preservo/preservo/pkg/policy"
	"github.com/preservo/preservo/pkg/registry"
	"github.com/preservo/preservo/pkg/services"
	"github.com/preservo/preservo/pkg/stores"
	"github.com/preservo/preservo/pkg/telemetry"
	sshtransport "github.com/preservo/preservo/pkg/transports/ssh"
)

// app holds the wired components of one preservo process.
type app struct {
	cfg      *config.AppConfig
	tel      *telemetry.Telemetry
	logger   zerolog.Logger
	store    *stores.SQLiteStore
	archive  *archive.Archive
	registry *registry.Registry
	invoker  *services.Invoker
	authz    *policy.Authorizer
	graph    *graph.Manager
	resolver *graph.Resolver
	executor *engine.Executor
	delivery *engine.DeliveryExecutor
	manager  *engine.PlanManager
}

func loadConfig() (*config.AppConfig, error) {
	return config.Load(v, configPath)
}

// openApp loads the configuration and wires every component. The database
// is migrated on open.
func openApp(ctx context.Context) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	tel, err := telemetry.NewTelemetry(&cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	logger := tel.Logger.Zerolog()

	a := &app{cfg: cfg, tel: tel, logger: logger}
	if err := a.open(ctx); err != nil {
		_ = a.close(ctx)
		return nil, err
	}
	return a, nil
}

func (a *app) open(ctx context.Context) error {
	cfg := a.cfg

	if cfg.Database.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o755); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	store, err := stores.NewSQLiteStore(stores.Config{
		Path:         cfg.Database.Path,
		MaxOpenConns: cfg.Database.MaxOpenConns,
	})
	if err != nil {
		return err
	}
	if err := store.Init(ctx); err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	a.store = store
	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	store.RecordEvents(a.tel.Events, a.logger)

	if a.archive, err = archive.New(archive.Config{
		Root:        cfg.Archive.Root,
		Compression: cfg.Archive.Compression,
	}, store, a.logger); err != nil {
		return err
	}

	if a.registry, err = registry.Load(cfg.Registry.Catalog); err != nil {
		return fmt.Errorf("failed to load registry: %w", err)
	}

	if a.authz, err = policy.NewAuthorizer(ctx, cfg.Policy, store, a.logger); err != nil {
		return fmt.Errorf("failed to initialize policies: %w", err)
	}

	a.graph = graph.NewManager(store, a.logger)
	a.resolver = graph.NewResolver(store)
	a.invoker = services.NewInvoker(a.registry, cfg.Services.SpoolDir, a.logger)

	processor := engine.NewProcessor(engine.ProcessorDeps{
		Store:       store,
		Objects:     a.archive,
		Services:    a.invoker,
		Permissions: a.authz,
		Provenance:  a.graph,
		Origins:     a.resolver,
		WorkDir:     cfg.Executor.WorkDir,
		Telemetry:   a.tel,
	}, a.logger)
	a.executor = engine.NewExecutor(store, processor, cfg.Executor.MaxParallel, a.tel, a.logger)

	var sink engine.DeliverySink
	if cfg.Executor.SFTP != nil {
		if sink, err = sshtransport.NewSink(cfg.Executor.SFTP, a.logger); err != nil {
			return fmt.Errorf("failed to configure sftp delivery: %w", err)
		}
	}
	a.delivery = engine.NewDeliveryExecutor(engine.DeliveryDeps{
		Store:       store,
		Objects:     a.archive,
		Services:    a.invoker,
		Permissions: a.authz,
		Root:        cfg.Executor.DeliveryRoot,
		Sink:        sink,
		WorkDir:     cfg.Executor.WorkDir,
		MaxParallel: cfg.Executor.MaxParallel,
		Telemetry:   a.tel,
	}, a.logger)
	a.manager = engine.NewPlanManager(engine.PlanManagerDeps{
		Store:       store,
		Catalog:     store,
		Registry:    a.registry,
		Permissions: a.authz,
		Editor:      a.graph,
		Reader:      a.resolver,
		Executor:    a.executor,
		Deliveries:  a.delivery,
		Telemetry:   a.tel,
	}, a.logger)
	a.invoker.SetNotifier(a.manager)
	return nil
}

// close stops running work and releases resources in reverse order.
func (a *app) close(ctx context.Context) error {
	var errs []error
	if a.manager != nil {
		errs = append(errs, a.manager.Shutdown(ctx))
	}
	if a.invoker != nil {
		errs = append(errs, a.invoker.Wait(ctx))
	}
	if a.tel != nil {
		errs = append(errs, a.tel.Shutdown(ctx))
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	return errors.Join(errs...)
}

// withApp runs fn against a freshly opened app and closes it afterwards.
func withApp(ctx context.Context, fn func(ctx context.Context, a *app) error) error {
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.close(context.WithoutCancel(ctx)); cerr != nil {
			a.logger.Warn().Err(cerr).Msg("Shutdown incomplete")
		}
	}()
	return fn(ctx, a)
}

func jsonOutput() bool {
	return v.GetBool("json")
}

func currentUser() string {
	return v.GetString("user")
}

func printJSON(val any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(val)
}
