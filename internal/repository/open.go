package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"chainflow/internal/config"
)

// Open connects the store selected by db.driver and applies the schema
// when db.auto_migrate is set.
func Open(ctx context.Context, cfg *config.Config) (Repository, error) {
	switch cfg.DB.Driver {
	case "memory":
		return NewMemoryStore(), nil

	case "sqlite":
		store, err := OpenSQLite(cfg.DB.SQLitePath)
		if err != nil {
			return nil, err
		}
		if cfg.DB.AutoMigrate {
			if err := store.Migrate(ctx); err != nil {
				store.Close()
				return nil, err
			}
		}
		return store, nil

	default:
		pool, err := initPool(ctx, cfg.PostgresDSN())
		if err != nil {
			return nil, err
		}
		store := NewPostgresStore(pool)
		if cfg.DB.AutoMigrate {
			if err := store.Migrate(ctx); err != nil {
				store.Close()
				return nil, err
			}
		}
		return store, nil
	}
}

func initPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return pool, nil
}
