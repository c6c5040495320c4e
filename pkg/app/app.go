package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/openfroyo/wsm/pkg/api"
	"github.com/openfroyo/wsm/pkg/config"
	"github.com/openfroyo/wsm/pkg/engine"
	"github.com/openfroyo/wsm/pkg/flights"
	"github.com/openfroyo/wsm/pkg/iam"
	"github.com/openfroyo/wsm/pkg/policy"
	"github.com/openfroyo/wsm/pkg/providers"
	"github.com/openfroyo/wsm/pkg/stores"
	"github.com/openfroyo/wsm/pkg/telemetry"
)

// persistedEvents are the event types copied into the events table.
var persistedEvents = []string{
	telemetry.EventTypeRunCompleted,
	telemetry.EventTypeStageFailed,
	telemetry.EventTypeStageCompensated,
	telemetry.EventTypeCompensationFailed,
	telemetry.EventTypeStateChanged,
	telemetry.EventTypeOrphanMarked,
	telemetry.EventTypePolicyConflict,
}

// App is the assembled service: state store, collaborators, flights and engine.
type App struct {
	Config    *config.Config
	Telemetry *telemetry.Telemetry
	Store     *stores.Store
	Rules     *policy.Engine
	Policy    *policy.MemoryService
	IAM       *iam.MemoryAuthorizer
	Providers *providers.Registry
	Flights   *flights.Flights
	Engine    *engine.Engine
	Janitor   *flights.Janitor

	loader *policy.Loader
	logger *telemetry.Logger
}

// New opens and migrates the store and wires every component. A nil tel
// builds telemetry from cfg.
func New(ctx context.Context, cfg *config.Config, tel *telemetry.Telemetry) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if tel == nil {
		var err error
		tel, err = telemetry.NewTelemetry(&cfg.Telemetry)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
		}
	}
	a := &App{
		Config:    cfg,
		Telemetry: tel,
		logger:    tel.Logger.NewComponentLogger("app"),
	}

	store, err := OpenStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.Store = store

	if err := a.wire(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return a, nil
}

// OpenStore opens the configured store and applies pending migrations.
func OpenStore(ctx context.Context, cfg *config.Config) (*stores.Store, error) {
	store, err := stores.NewStore(cfg.StoreConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}

func (a *App) wire(ctx context.Context) error {
	cfg := a.Config
	zl := a.Telemetry.Logger.Zerolog()

	rules, err := policy.NewEngine(zl)
	if err != nil {
		return fmt.Errorf("failed to create policy engine: %w", err)
	}
	a.Rules = rules
	a.loader = policy.NewLoader(zl)
	if cfg.Policy.Dir != "" {
		if err := a.reloadRules(ctx); err != nil {
			return err
		}
	}

	a.Policy = policy.NewMemoryService(rules, cfg.Regions)
	a.IAM = iam.NewMemoryAuthorizer(cfg.Superusers...)

	a.Providers = providers.NewRegistry()
	platforms := make([]string, 0, len(cfg.Regions))
	for platform := range cfg.Regions {
		platforms = append(platforms, platform)
	}
	sort.Strings(platforms)
	for _, platform := range platforms {
		p := providers.Instrument(providers.NewMemoryProvider(platform), a.Telemetry, cfg.Providers.CallTimeout)
		if err := a.Providers.Register(p); err != nil {
			return err
		}
	}

	opts := flights.DefaultOptions()
	opts.FanOutLimit = cfg.Engine.FanOutLimit
	f, err := flights.New(flights.Deps{
		Store:     a.Store,
		Policy:    a.Policy,
		Rules:     rules,
		Providers: a.Providers,
		IAM:       a.IAM,
		Telemetry: a.Telemetry,
	}, opts)
	if err != nil {
		return err
	}
	a.Flights = f

	registry := engine.NewRegistry()
	if err := f.Register(registry); err != nil {
		return err
	}
	eng, err := engine.NewEngine(cfg.EngineConfig(), a.Store, registry, a.Telemetry)
	if err != nil {
		return err
	}
	f.SetRunner(eng)
	a.Engine = eng

	a.Janitor = flights.NewJanitor(a.Store, a.Telemetry, cfg.Janitor.Interval)
	a.Telemetry.Events.Subscribe(a.persistEvent, telemetry.FilterByType(persistedEvents...))
	return nil
}

// reloadRules replaces operator rules with the contents of the policy directory.
func (a *App) reloadRules(ctx context.Context) error {
	rules, err := a.loader.LoadFromPaths([]string{a.Config.Policy.Dir})
	if err != nil {
		return fmt.Errorf("failed to load policy rules: %w", err)
	}
	if err := a.Rules.ReplaceRules(ctx, rules); err != nil {
		return fmt.Errorf("failed to load policy rules: %w", err)
	}
	return nil
}

// persistEvent copies an event into the events table. Failures are logged only.
func (a *App) persistEvent(ev telemetry.Event) {
	rec := &stores.EventRecord{
		EventID:   ev.ID,
		Type:      ev.Type,
		Source:    ev.Source,
		RunID:     ev.RunID,
		Stage:     ev.Stage,
		ObjectID:  ev.ObjectID,
		Level:     ev.Level,
		Message:   ev.Message,
		CreatedAt: ev.Timestamp,
	}
	if len(ev.Data) > 0 {
		if data, err := json.Marshal(ev.Data); err == nil {
			rec.Data = string(data)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Store.AppendEvent(ctx, rec); err != nil {
		a.logger.WithError(err).WithField("event_type", ev.Type).Warn("failed to persist event")
	}
}

// Handler returns the HTTP API of the app.
func (a *App) Handler() http.Handler {
	return api.NewServer(a.Engine, a.Store, a.Telemetry)
}

// Serve starts the engine, recovers unfinished runs, runs the janitor and the
// policy watcher, and serves the API until ctx is cancelled.
func (a *App) Serve(ctx context.Context) error {
	cfg := a.Config

	if err := a.Engine.Start(ctx); err != nil {
		return err
	}
	if cfg.Engine.RecoverOnStart {
		if _, err := a.Engine.Recover(ctx); err != nil {
			return err
		}
	}

	if cfg.Policy.Dir != "" && cfg.Policy.Watch {
		reload := func(rules []policy.Rule) error {
			return a.Rules.ReplaceRules(ctx, rules)
		}
		if err := a.loader.Watch(ctx, []string{cfg.Policy.Dir}, reload); err != nil {
			return err
		}
	}

	a.Telemetry.Metrics.StartMetricsServer(ctx, a.logger)

	server := &http.Server{
		Addr:              cfg.Server.ListenAddress,
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Infof("api listening on %s", cfg.Server.ListenAddress)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server failed: %w", err)
		}
		return nil
	})
	if cfg.Janitor.Enabled {
		g.Go(func() error {
			a.Janitor.Run(gctx)
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	err := g.Wait()

	stopCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	return errors.Join(err, a.Engine.Stop(stopCtx))
}

// Close stops the policy watcher, flushes telemetry and closes the store.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.loader != nil {
		errs = append(errs, a.loader.StopWatching())
	}
	errs = append(errs, a.Telemetry.Shutdown(ctx))
	if a.Store != nil {
		errs = append(errs, a.Store.Close())
	}
	return errors.Join(errs...)
}
