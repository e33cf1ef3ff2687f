// Package storage is the Storage Gateway: the only part of the hub that speaks SQL. It owns the connection pool,
// schema migrations, and transaction helpers; every other package reaches Postgres through the repositories built
// on top of this package.
package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/roleplay-hub/hub/internal/storage/migrations"
)

// gooseLogger adapts zerolog to the goose.Logger interface.
type gooseLogger struct {
	log zerolog.Logger
}

func newGooseLogger() gooseLogger {
	return gooseLogger{log: log.Logger}
}

func (g gooseLogger) Fatalf(format string, v ...any) { g.log.Error().Msgf(format, v...) }
func (g gooseLogger) Printf(format string, v ...any) { g.log.Info().Msgf(format, v...) }

// Connect creates a pgxpool.Pool from the given DSN with the specified connection limits.
func Connect(ctx context.Context, dsn string, maxConns, minConns int) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	cfg.MaxConns = int32(maxConns)
	cfg.MinConns = int32(minConns)

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return pool, nil
}

// Migrate runs all pending goose migrations using the embedded SQL files. Migrations are applied in numbered
// order and tracked in the goose_db_version table; Migrate never drops or recreates a table to force a mismatched
// schema into shape. If the on-disk migration history doesn't line up with what's already applied — someone ran a
// migration out of band, or an older binary skipped one this version expects — goose reports the checksum/version
// mismatch as an error and Migrate returns it, so the process fails to start rather than silently reconciling
// schema state.
func Migrate(dsn string) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("open sql connection for migrations: %w", err)
	}
	defer db.Close()

	goose.SetBaseFS(migrations.FS)
	goose.SetLogger(newGooseLogger())

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}

	if err := goose.Up(db, "."); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

// PendingMigrations reports how many migrations have not yet been applied, without applying anything. cmd/hub
// uses this after Migrate as a sanity check: in the normal path it is always zero, since Migrate just brought the
// schema current; a non-zero count after a successful Migrate call would indicate the goose version table itself
// is inconsistent, which is surfaced as a startup error rather than papered over by dropping and recreating
// tables.
func PendingMigrations(dsn string) (int, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return 0, fmt.Errorf("open sql connection for schema check: %w", err)
	}
	defer db.Close()

	goose.SetBaseFS(migrations.FS)
	goose.SetLogger(newGooseLogger())

	if err := goose.SetDialect("postgres"); err != nil {
		return 0, fmt.Errorf("set goose dialect: %w", err)
	}

	current, err := goose.GetDBVersion(db)
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}

	all, err := goose.CollectMigrations(".", 0, goose.MaxVersion)
	if err != nil {
		return 0, fmt.Errorf("collect embedded migrations: %w", err)
	}

	pending := 0
	for _, m := range all {
		if m.Version > current {
			pending++
		}
	}
	return pending, nil
}
