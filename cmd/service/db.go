package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"gitlab-metrics-service/internal/config"
	"gitlab-metrics-service/internal/storage"

	"github.com/cenkalti/backoff/v4"
	_ "github.com/lib/pq"
)

// openPostgres opens the pool and waits for the server to accept connections,
// then applies pending migrations.
func openPostgres(ctx context.Context, cfg config.DatabaseConfig, log *slog.Logger) (*storage.SQLStore, error) {
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.MaxInterval = 5 * time.Second
	bo.MaxElapsedTime = cfg.ConnectTimeout

	ping := func() error {
		pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return db.PingContext(pctx)
	}
	notify := func(err error, wait time.Duration) {
		log.Warn("database not ready", "error", err, "retry_in", wait)
	}
	if err := backoff.RetryNotify(ping, backoff.WithContext(bo, ctx), notify); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	store := storage.NewSQLStore(db)
	applied, err := storage.Migrate(ctx, store.DB())
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	for _, name := range applied {
		log.Info("migration applied", "name", name)
	}
	return store, nil
}

func openStore(ctx context.Context, cfg config.DatabaseConfig, log *slog.Logger) (storage.Store, error) {
	if cfg.Driver == "memory" {
		log.Warn("using in-memory storage; data is lost on restart")
		return storage.NewMemoryStore(), nil
	}
	return openPostgres(ctx, cfg, log)
}
