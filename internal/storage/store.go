package storage

import (
	"context"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"price-truth/internal/config"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// NewPool configures a PostgreSQL connection pool from runtime settings.
func NewPool(ctx context.Context, cfg config.StorageConfig) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("storage.dsn is required")
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse storage dsn: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		poolConfig.MaxConns = int32(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		poolConfig.MinConns = int32(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.ConnMaxLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create pgx pool: %w", err)
	}

	return pool, nil
}

// Migrate applies the embedded PostgreSQL migrations.
func Migrate(dsn string) error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", sourceDriver, dsn)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	defer func() { _, _ = m.Close() }()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration failed: %w", err)
	}
	return nil
}

// Open builds the record store selected by cfg.Driver.
func Open(ctx context.Context, cfg config.StorageConfig, logger zerolog.Logger) (RecordStore, error) {
	logger = logger.With().Str("component", "storage").Str("driver", cfg.Driver).Logger()

	switch cfg.Driver {
	case "", config.DriverMemory:
		return NewMemoryStore(), nil
	case config.DriverPostgres:
		if cfg.AutoMigrate {
			if err := Migrate(cfg.DSN); err != nil {
				return nil, err
			}
			logger.Info().Msg("migrations applied")
		}
		pool, err := NewPool(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return NewPostgresStore(pool), nil
	case config.DriverSQLite:
		return OpenSQLite(ctx, cfg.SQLite.Path)
	case config.DriverRedis:
		return OpenRedis(cfg.Redis)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}
