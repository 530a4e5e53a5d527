// Package app wires the configured backends into a session manager.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/forge-labs/forge-go/internal/aibackend"
	"github.com/forge-labs/forge-go/internal/assetstore"
	"github.com/forge-labs/forge-go/internal/config"
	"github.com/forge-labs/forge-go/internal/domain"
	"github.com/forge-labs/forge-go/internal/engine"
	"github.com/forge-labs/forge-go/internal/export"
	"github.com/forge-labs/forge-go/internal/params"
	"github.com/forge-labs/forge-go/internal/platform/httpserver"
	"github.com/forge-labs/forge-go/internal/platform/logging"
	"github.com/forge-labs/forge-go/internal/platform/metrics"
	"github.com/forge-labs/forge-go/internal/platform/objectstore"
	"github.com/forge-labs/forge-go/internal/platform/postgres"
	"github.com/forge-labs/forge-go/internal/platform/sqlite"
	"github.com/forge-labs/forge-go/internal/retry"
	"github.com/forge-labs/forge-go/internal/session"
	"github.com/forge-labs/forge-go/internal/sessionstore"
	"github.com/forge-labs/forge-go/internal/stage"
	"github.com/forge-labs/forge-go/internal/stage/synth3d"
	"github.com/forge-labs/forge-go/internal/stage/variation"
)

const checkTimeout = 750 * time.Millisecond

type App struct {
	Config   config.Config
	Logger   *slog.Logger
	Metrics  *metrics.Collector
	Params   *params.Registry
	Assets   *assetstore.Store
	Stages   *stage.Registry
	Engine   *engine.Engine
	Sessions sessionstore.Store
	Manager  *session.Manager

	checks  []httpserver.ReadinessCheck
	closers []func() error
}

// New builds every component named by cfg. The caller must Close the app.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	a := &App{
		Config:  cfg,
		Logger:  logging.OrDiscard(logger),
		Metrics: metrics.NewCollector("forge"),
	}
	if err := a.build(ctx); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context) error {
	cfg := a.Config
	var extra []params.Schema
	if cfg.SchemaDir != "" {
		schemas, err := params.LoadSchemaDir(cfg.SchemaDir)
		if err != nil {
			return fmt.Errorf("load schemas: %w", err)
		}
		extra = schemas
	}
	reg, err := params.NewRegistry(a.Logger, extra...)
	if err != nil {
		return fmt.Errorf("parameter registry: %w", err)
	}
	a.Params = reg

	retrier := retry.New(cfg.Retry, a.Metrics, a.Logger)
	backend, err := a.assetBackend(ctx)
	if err != nil {
		return err
	}
	a.Assets = assetstore.New(backend,
		assetstore.WithMetrics(a.Metrics),
		assetstore.WithRetrier(retrier),
		assetstore.WithLogger(a.Logger),
	)

	if a.Stages, err = a.stageRegistry(); err != nil {
		return err
	}
	if a.Engine, err = engine.New(a.Stages, a.Assets, engine.WithMetrics(a.Metrics), engine.WithLogger(a.Logger)); err != nil {
		return err
	}

	codec := sessionstore.NewCodec(reg, Targets(a.Stages))
	if a.Sessions, err = a.sessionStore(ctx, codec); err != nil {
		return err
	}
	a.closers = append(a.closers, a.Sessions.Close)

	gateway := export.NewGateway(export.WithMetrics(a.Metrics), export.WithLogger(a.Logger))
	a.Manager, err = session.New(a.Engine, a.Assets, reg, a.Sessions,
		session.WithGateway(gateway),
		session.WithRetrier(retrier),
		session.WithStageAttempts(cfg.Stages.RetryAttempts),
		session.WithMetrics(a.Metrics),
		session.WithLogger(a.Logger),
	)
	return err
}

// Targets maps each registered stage to the state a successful run reaches.
func Targets(r *stage.Registry) map[string]domain.State {
	out := map[string]domain.State{}
	for _, d := range r.Descriptors() {
		out[d.ID] = d.To
	}
	return out
}

func (a *App) stageRegistry() (*stage.Registry, error) {
	schema, ok := a.Params.Schema(a.Params.Current())
	if !ok {
		return nil, fmt.Errorf("schema v%d missing", a.Params.Current())
	}
	vs, err := variation.New(schema)
	if err != nil {
		return nil, err
	}

	var backend aibackend.Backend
	switch a.Config.AI.Backend {
	case config.AIHTTP:
		client, err := aibackend.NewHTTPClient(a.Config.AI.HTTP, schema, a.Logger)
		if err != nil {
			return nil, fmt.Errorf("ai backend: %w", err)
		}
		backend = client
	default:
		backend = aibackend.NewProcedural(aibackend.DefaultProceduralVersion)
	}
	gs, err := synth3d.New(backend)
	if err != nil {
		return nil, err
	}
	return stage.NewRegistry(vs, gs)
}

func (a *App) assetBackend(ctx context.Context) (assetstore.Backend, error) {
	cfg := a.Config
	switch cfg.Assets.Backend {
	case config.AssetsMemory:
		return assetstore.NewMemoryBackend(), nil
	case config.AssetsMinIO:
		store, err := objectstore.NewMinioStore(cfg.ObjectStore)
		if err != nil {
			return nil, fmt.Errorf("object store client: %w", err)
		}
		startCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := objectstore.EnsureBucket(startCtx, store.Client(), cfg.ObjectStore); err != nil {
			return nil, fmt.Errorf("object store unavailable: %w", err)
		}
		a.checks = append(a.checks, httpserver.ReadinessCheck{
			Name: "minio",
			Check: func(ctx context.Context) error {
				checkCtx, cancel := context.WithTimeout(ctx, checkTimeout)
				defer cancel()
				return objectstore.CheckBucket(checkCtx, store.Client(), cfg.ObjectStore)
			},
		})
		return assetstore.NewObjectBackend(store, cfg.ObjectStore.BucketAsset, cfg.ObjectStore.Prefix)
	default:
		return assetstore.NewFSBackend(filepath.Join(cfg.DataDir, "assets"))
	}
}

func (a *App) sessionStore(ctx context.Context, codec *sessionstore.Codec) (sessionstore.Store, error) {
	cfg := a.Config
	switch cfg.Sessions.Backend {
	case config.SessionsSQLite:
		db, err := sqlite.Open(ctx, cfg.SQLite)
		if err != nil {
			return nil, fmt.Errorf("sqlite unavailable: %w", err)
		}
		store, err := sessionstore.NewSQLiteStore(db, codec)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		if err := store.Migrate(ctx); err != nil {
			_ = db.Close()
			return nil, err
		}
		a.addPing("sqlite", db)
		return store, nil
	case config.SessionsPostgres:
		db, err := postgres.Open(ctx, cfg.Postgres)
		if err != nil {
			return nil, fmt.Errorf("database unavailable: %w", err)
		}
		store, err := sessionstore.NewPostgresStore(db, codec)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		if err := store.Migrate(ctx); err != nil {
			_ = db.Close()
			return nil, err
		}
		a.addPing("postgres", db)
		return store, nil
	default:
		return sessionstore.NewFileStore(filepath.Join(cfg.DataDir, "sessions"), codec, sessionstore.WithFileLogger(a.Logger))
	}
}

func (a *App) addPing(name string, db *sql.DB) {
	a.checks = append(a.checks, httpserver.ReadinessCheck{
		Name: name,
		Check: func(ctx context.Context) error {
			checkCtx, cancel := context.WithTimeout(ctx, checkTimeout)
			defer cancel()
			return db.PingContext(checkCtx)
		},
	})
}

// Readiness lists the checks /readyz runs for the configured backends.
func (a *App) Readiness() []httpserver.ReadinessCheck { return a.checks }

func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}
