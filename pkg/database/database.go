// Package database owns connection setup, schema initialization, transaction
// composition, and cluster-wide advisory locking for both supported engines:
// PostgreSQL in production and embedded SQLite in lite mode.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/lib/pq"
	_ "modernc.org/sqlite" // SQLite driver (lite mode)
)

// Dialect identifies the backing engine. A handful of statements (sequence
// allocation, leader election) differ between the two.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

// Querier is the subset of database/sql satisfied by both *sql.DB and
// *sql.Tx. Stores accept it so ledger appends and projection updates can be
// composed into one transaction by the caller.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// DB bundles the pool with its dialect.
type DB struct {
	*sql.DB
	Dialect Dialect
}

// Open connects to Postgres when url is non-empty, otherwise falls back to an
// embedded SQLite file at litePath (lite mode).
func Open(ctx context.Context, url, litePath string) (*DB, error) {
	if url != "" {
		db, err := sql.Open("postgres", url)
		if err != nil {
			return nil, fmt.Errorf("database: open postgres: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			return nil, fmt.Errorf("database: ping postgres: %w", err)
		}
		slog.Info("database connected", "dialect", DialectPostgres)
		return &DB{DB: db, Dialect: DialectPostgres}, nil
	}

	db, err := sql.Open("sqlite", litePath)
	if err != nil {
		return nil, fmt.Errorf("database: open sqlite: %w", err)
	}
	// Single writer; SQLite serializes writes anyway and the modernc driver
	// returns SQLITE_BUSY under writer contention.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("database: ping sqlite: %w", err)
	}
	slog.Info("database connected (lite mode)", "dialect", DialectSQLite, "path", litePath)
	return &DB{DB: db, Dialect: DialectSQLite}, nil
}

// IsUniqueViolation reports whether err is a unique-constraint failure from
// either engine. Callers use it to map insert races onto idempotent reads.
func IsUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// WithTx runs fn inside a transaction, committing on nil error and rolling
// back otherwise. If tx is non-nil the existing transaction is reused and
// commit/rollback is left to its owner.
func WithTx(ctx context.Context, db *DB, tx *sql.Tx, fn func(tx *sql.Tx) error) error {
	if tx != nil {
		return fn(tx)
	}

	own, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("database: begin: %w", err)
	}
	if err := fn(own); err != nil {
		_ = own.Rollback()
		return err
	}
	if err := own.Commit(); err != nil {
		return fmt.Errorf("database: commit: %w", err)
	}
	return nil
}
