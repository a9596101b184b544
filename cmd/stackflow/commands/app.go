package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/stackflow/stackflow/pkg/config"
	"github.com/stackflow/stackflow/pkg/definitions"
	"github.com/stackflow/stackflow/pkg/engine"
	"github.com/stackflow/stackflow/pkg/features"
	"github.com/stackflow/stackflow/pkg/flow"
	"github.com/stackflow/stackflow/pkg/flows"
	"github.com/stackflow/stackflow/pkg/history"
	"github.com/stackflow/stackflow/pkg/policy"
	"github.com/stackflow/stackflow/pkg/poll"
	"github.com/stackflow/stackflow/pkg/provider/mock"
	"github.com/stackflow/stackflow/pkg/registry"
	"github.com/stackflow/stackflow/pkg/service"
	"github.com/stackflow/stackflow/pkg/stores"
	"github.com/stackflow/stackflow/pkg/telemetry"
)

// app holds the components of a running StackFlow process.
type app struct {
	cfg       *config.Config
	telemetry *telemetry.Telemetry
	logger    zerolog.Logger

	store    stores.Store
	provider *mock.Provider
	catalog  *flow.Catalog
	registry *registry.Registry
	policies *policy.Engine
	features flow.FeatureLookup
	recorder *history.Recorder
	poller   *poll.Scheduler
	engine   *engine.Engine
	pool     *engine.Pool
	service  *service.Service

	closers []func() error
}

type appOptions struct {
	workers   int
	queueSize int
	onDone    func(*flow.Instance, error)
}

// newApp wires every component from the configuration. Background watchers
// run until ctx is done.
func newApp(ctx context.Context, cfg *config.Config, opts appOptions) (a *app, err error) {
	tel, err := telemetry.NewTelemetry(&cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	log.Logger = tel.Logger.Zerolog()

	a = &app{
		cfg:       cfg,
		telemetry: tel,
		logger:    tel.Logger.Zerolog(),
	}
	defer func() {
		if err != nil {
			_ = a.Close(context.Background())
		}
	}()

	if a.store, err = openStore(ctx, cfg.Store); err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.store.Close)

	if a.provider, err = loadFixtures(fixturesPath); err != nil {
		return nil, err
	}

	flowOpts := flows.Options{
		Poll:        cfg.Poll.Interval,
		PollTimeout: cfg.Poll.Timeout,
		Lookup:      cfg.Lookup,
	}
	if a.catalog, err = buildCatalog(a.provider, flowOpts, cfg.Definitions); err != nil {
		return nil, err
	}

	if a.features, err = a.openFeatures(ctx); err != nil {
		return nil, err
	}
	if a.policies, err = a.openPolicies(ctx); err != nil {
		return nil, err
	}
	sink, err := a.openSink()
	if err != nil {
		return nil, err
	}

	a.registry = registry.New(a.store, a.catalog,
		registry.WithLogger(a.component("registry")),
		registry.WithMetrics(tel.Metrics),
	)
	a.recorder = history.NewRecorder(a.store,
		history.WithSink(cfg.Notifications.Sink, sink),
		history.WithRetryPolicy(cfg.Notifications.Delivery),
		history.WithProgressInterval(cfg.Notifications.ProgressInterval),
		history.WithLogger(a.component("history")),
		history.WithMetrics(tel.Metrics),
	)

	workers := opts.workers
	if workers == 0 {
		workers = cfg.Engine.Workers
	}
	queueSize := opts.queueSize
	if queueSize == 0 {
		queueSize = cfg.Engine.QueueSize
	}

	a.poller = poll.NewScheduler(workers, queueSize, poll.WithObserver(tel.Metrics))
	a.engine = engine.New(a.catalog, a.store,
		engine.WithRecorder(a.recorder),
		engine.WithReleaser(a.registry),
		engine.WithFeatures(a.features),
		engine.WithPoller(a.poller),
		engine.WithStrict(cfg.Engine.Strict),
		engine.WithTelemetry(tel),
	)

	poolOpts := []engine.PoolOption{engine.PoolTelemetry(tel)}
	if opts.onDone != nil {
		poolOpts = append(poolOpts, engine.OnDone(opts.onDone))
	}
	a.pool = engine.NewPool(a.engine, workers, queueSize, poolOpts...)

	a.service = service.New(a.registry, a.pool,
		service.WithAdmission(a.policies),
		service.WithLogger(a.component("service")),
		service.WithTracer(tel.Tracer),
	)
	return a, nil
}

func (a *app) component(name string) zerolog.Logger {
	return a.logger.With().Str("component", name).Logger()
}

// start launches the poll scheduler and the engine pool.
func (a *app) start(ctx context.Context) {
	a.poller.Start(ctx)
	a.pool.Start(ctx)
}

// Close stops the workers and releases every resource, newest first.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	if a.pool != nil {
		errs = append(errs, a.pool.Stop())
	}
	if a.poller != nil {
		errs = append(errs, a.poller.Stop())
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	errs = append(errs, a.telemetry.Shutdown(ctx))
	return errors.Join(errs...)
}

func openStore(ctx context.Context, cfg config.StoreConfig) (stores.Store, error) {
	switch cfg.Driver {
	case config.DriverSQLite:
		return stores.OpenSQLiteStore(ctx, stores.SQLiteConfig{
			Path:         cfg.SQLite.Path,
			MaxOpenConns: cfg.SQLite.MaxOpenConns,
		})
	case config.DriverRedis:
		s, err := stores.NewRedisStore(stores.RedisConfig{
			Addrs:     cfg.Redis.Addrs,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			Namespace: cfg.Redis.Namespace,
		})
		if err != nil {
			return nil, err
		}
		if err := s.HealthCheck(ctx); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("redis store is not reachable: %w", err)
		}
		return s, nil
	default:
		return stores.NewMemoryStore(), nil
	}
}

// buildCatalog registers the built-in flows and those defined in CUE files.
func buildCatalog(p *mock.Provider, opts flows.Options, cfg config.DefinitionsConfig) (*flow.Catalog, error) {
	defs, err := flows.Definitions(p, opts)
	if err != nil {
		return nil, err
	}
	if cfg.Dir != "" {
		loader, err := definitions.NewLoader(flows.Actions(p, opts), definitions.WithScriptTimeout(cfg.ScriptTimeout))
		if err != nil {
			return nil, err
		}
		custom, err := loader.LoadDir(cfg.Dir)
		if err != nil {
			return nil, fmt.Errorf("failed to load flow definitions from %s: %w", cfg.Dir, err)
		}
		defs = append(defs, custom...)
		log.Info().Int("count", len(custom)).Str("dir", cfg.Dir).Msg("Flow definitions loaded")
	}
	return flow.NewCatalog(defs...)
}

func (a *app) openFeatures(ctx context.Context) (flow.FeatureLookup, error) {
	cfg := a.cfg.Features
	if cfg.File == "" {
		return features.NewLookup(features.Static{}), nil
	}
	source, err := features.NewFileSource(cfg.File, a.logger)
	if err != nil {
		return nil, err
	}
	if cfg.CacheTTL <= 0 {
		if cfg.Watch {
			if err := source.Watch(ctx, func() {}); err != nil {
				return nil, err
			}
		}
		return features.NewLookup(source), nil
	}

	cached := features.NewCachedLookup(source, cfg.CacheTTL)
	if cfg.Watch {
		if err := source.Watch(ctx, cached.Flush); err != nil {
			return nil, err
		}
	}
	return cached, nil
}

func (a *app) openPolicies(ctx context.Context) (*policy.Engine, error) {
	cfg := a.cfg.Policies
	eng, err := policy.NewEngine(a.logger, policy.WithParams(cfg.Params))
	if err != nil {
		return nil, err
	}
	if cfg.Dir == "" {
		return eng, nil
	}
	if err := eng.LoadPolicies(ctx, []string{cfg.Dir}); err != nil {
		return nil, err
	}
	if cfg.Watch {
		loader := policy.NewLoader(a.logger)
		err := loader.Watch(ctx, []string{cfg.Dir}, func(policies []policy.Policy) error {
			return eng.Replace(ctx, policies)
		})
		if err != nil {
			return nil, err
		}
	}
	return eng, nil
}

func (a *app) openSink() (history.Sink, error) {
	cfg := a.cfg.Notifications
	if cfg.Sink != config.SinkNATS {
		return history.NewLogSink(a.component("notifications")), nil
	}
	nc, err := history.ConnectNATS(cfg.NATSURL, "stackflow", a.component("nats"))
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() error {
		return nc.Drain()
	})
	return history.NewNATSSink(nc, cfg.SubjectPrefix), nil
}
