// SPDX-License-Identifier: MIT

// Package store is the typed access layer over the Postgres durable store.
// Every tenant-scoped query carries an explicit tenant_id predicate; the
// schema backs the same boundary with row-level security so a leaked query
// cannot cross tenants even if the application forgets the predicate.
package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog"

	"github.com/spotsense/spotsense/internal/fault"
	"github.com/spotsense/spotsense/internal/log"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Config holds the database connection settings.
type Config struct {
	DSN          string
	MaxOpenConns int
	MaxIdleConns int
	ConnLifetime time.Duration
}

// Store wraps the connection pool and exposes the repositories.
type Store struct {
	db     *sqlx.DB
	logger zerolog.Logger
}

// poolConfig prepares the pgx settings for the daemon's pool. Every
// connection starts with parkd.bypass_rls set: the repositories scope each
// query by tenant_id themselves, and the forced row policies stay armed
// against any other role on the database.
func poolConfig(dsn string) (*pgx.ConnConfig, error) {
	pgCfg, err := pgx.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	pgCfg.RuntimeParams["parkd.bypass_rls"] = "on"
	return pgCfg, nil
}

// Open connects, configures the pool, and applies pending migrations.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	pgCfg, err := poolConfig(cfg.DSN)
	if err != nil {
		return nil, err
	}
	db, err := sqlx.Open("pgx", stdlib.RegisterConnConfig(pgCfg))
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db.DB, "migrations"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply migrations: %w", err)
	}

	logger := log.WithComponent("store")
	logger.Info().
		Int("max_open_conns", cfg.MaxOpenConns).
		Int("max_idle_conns", cfg.MaxIdleConns).
		Msg("durable store ready")

	return &Store{db: db, logger: logger}, nil
}

// NewFromDB wraps an existing database handle; used by tests with sqlmock.
func NewFromDB(db *sql.DB) *Store {
	return &Store{db: sqlx.NewDb(db, "pgx"), logger: zerolog.Nop()}
}

// Close closes the pool.
func (s *Store) Close() error { return s.db.Close() }

// Ping checks store availability; used by the readiness probe.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// InTx runs fn inside a transaction with the minimal default isolation.
func (s *Store) InTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			s.logger.Warn().Err(rbErr).Msg("rollback failed")
		}
		return err
	}
	return tx.Commit()
}

// Postgres error codes the repositories classify.
const (
	pgUniqueViolation    = "23505"
	pgExclusionViolation = "23P01"
)

// classify maps low-level database errors onto the fault taxonomy.
func classify(err error, conflictCode string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fault.Wrap(fault.NotFound, "not-found", "resource not found", err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgUniqueViolation:
			return fault.Wrap(fault.Conflict, conflictCode, "unique constraint violated", err)
		case pgExclusionViolation:
			return fault.Wrap(fault.Conflict, conflictCode, "exclusion constraint violated", err)
		}
	}
	return err
}

// IsUniqueViolation reports whether err is a Postgres unique violation.
// Ingest uses it to classify duplicate readings as a result, not an error.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}
