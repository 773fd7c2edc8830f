// Package app wires a workspace into a ready engine: database, migrations,
// config, credential vault, lock backend and tracing.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"featuregate/internal/config"
	"featuregate/internal/db"
	"featuregate/internal/engine"
	"featuregate/internal/lock"
	"featuregate/internal/migrate"
	"featuregate/internal/telemetry"
	"featuregate/internal/vault"
)

// Options carry process-level secrets; none of them are read from the
// workspace config file.
type Options struct {
	Workspace  string
	BuiltinKey string
	SecretKey  string
	Version    string
	Logger     *slog.Logger
}

type App struct {
	Engine engine.Engine
	Config *config.Config
	DB     *sql.DB

	closers []func(context.Context) error
}

// Open prepares the workspace. The governance singleton is seeded from config
// on first use.
func Open(ctx context.Context, opts Options) (*App, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg, err := config.LoadOptional(opts.Workspace)
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, err
	}
	a := &App{Config: cfg, DB: conn}
	a.closers = append(a.closers, func(context.Context) error { return conn.Close() })
	if err := migrate.MigrateContext(ctx, conn); err != nil {
		a.Close(ctx)
		return nil, fmt.Errorf("migrate: %w", err)
	}

	engOpts := engine.Options{BuiltinKey: opts.BuiltinKey}
	if opts.SecretKey != "" {
		keys, err := vault.NewKeyring(opts.SecretKey)
		if err != nil {
			a.Close(ctx)
			return nil, fmt.Errorf("secret key: %w", err)
		}
		engOpts.Keys = keys
	}
	if addr := cfg.Lock.RedisAddr; addr != "" {
		ttl := time.Duration(cfg.Lock.TTLSeconds) * time.Second
		rl := lock.NewRedis(addr, cfg.Lock.RedisPassword, cfg.Lock.RedisDB, ttl)
		engOpts.Locker = rl
		a.closers = append(a.closers, func(context.Context) error { return rl.Close() })
	}

	shutdown, err := telemetry.Setup(ctx, telemetry.Config{
		Endpoint:       cfg.Telemetry.Endpoint,
		Insecure:       cfg.Telemetry.Insecure,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: opts.Version,
	})
	if err != nil {
		a.Close(ctx)
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	a.closers = append(a.closers, shutdown)

	a.Engine = engine.New(conn, cfg, engOpts)
	a.Engine.Logger = logger.With("component", "engine")
	if err := a.Engine.EnsureGovernance(ctx); err != nil {
		a.Close(ctx)
		return nil, fmt.Errorf("seed governance: %w", err)
	}
	return a, nil
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
