package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// AdvisoryLocker provides cluster-wide cooperative exclusion keyed by a
// well-known 64-bit constant. Exactly one holder exists at a time across all
// service instances sharing the database.
type AdvisoryLocker interface {
	// TryAcquire returns true if the lock was obtained. A false return is not
	// an error; the caller skips its turn.
	TryAcquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// NewAdvisoryLocker returns the engine-appropriate locker: pg_advisory_lock
// on Postgres, a leased row with conditional updates on SQLite.
func NewAdvisoryLocker(db *DB, key int64, holder string, leaseTTL time.Duration) AdvisoryLocker {
	if db.Dialect == DialectPostgres {
		return &pgAdvisoryLock{db: db, key: key}
	}
	return &leaseLock{db: db, key: key, holder: holder, ttl: leaseTTL}
}

// pgAdvisoryLock holds a session-scoped advisory lock. The lock binds to the
// physical connection, so acquire and release must run on the same pinned
// *sql.Conn; going through the pool would release on a different session.
type pgAdvisoryLock struct {
	db   *DB
	key  int64
	conn *sql.Conn
}

func (l *pgAdvisoryLock) TryAcquire(ctx context.Context) (bool, error) {
	if l.conn == nil {
		conn, err := l.db.Conn(ctx)
		if err != nil {
			return false, fmt.Errorf("database: advisory conn: %w", err)
		}
		l.conn = conn
	}
	var got bool
	err := l.conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1)`, l.key).Scan(&got)
	if err != nil {
		l.unpin()
		return false, fmt.Errorf("database: advisory lock: %w", err)
	}
	if !got {
		l.unpin()
	}
	return got, nil
}

func (l *pgAdvisoryLock) Release(ctx context.Context) error {
	if l.conn == nil {
		return errors.New("database: advisory unlock: lock was not held")
	}
	var released bool
	err := l.conn.QueryRowContext(ctx, `SELECT pg_advisory_unlock($1)`, l.key).Scan(&released)
	l.unpin()
	if err != nil {
		return fmt.Errorf("database: advisory unlock: %w", err)
	}
	if !released {
		return errors.New("database: advisory unlock: lock was not held")
	}
	return nil
}

func (l *pgAdvisoryLock) unpin() {
	if l.conn != nil {
		_ = l.conn.Close()
		l.conn = nil
	}
}

// leaseLock emulates the advisory lock with a single leased row keyed by the
// lock constant. Acquisition is a conditional upsert: it succeeds when the row
// is absent, expired, or already held by this instance.
type leaseLock struct {
	db     *DB
	key    int64
	holder string
	ttl    time.Duration
}

func (l *leaseLock) tenant() string {
	return fmt.Sprintf("*:%d", l.key)
}

func (l *leaseLock) TryAcquire(ctx context.Context) (bool, error) {
	now := time.Now().UTC()
	expires := now.Add(l.ttl)

	res, err := l.db.ExecContext(ctx,
		`UPDATE leader_lease SET holder = $1, expires_at = $2
		 WHERE tenant = $3 AND (expires_at < $4 OR holder = $1)`,
		l.holder, expires, l.tenant(), now)
	if err != nil {
		return false, fmt.Errorf("database: lease update: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("database: lease rows: %w", err)
	}
	if n > 0 {
		return true, nil
	}

	// No claimable row; try to create one. A unique-key failure means another
	// instance won the race.
	_, err = l.db.ExecContext(ctx,
		`INSERT INTO leader_lease (tenant, holder, expires_at) VALUES ($1, $2, $3)`,
		l.tenant(), l.holder, expires)
	if err != nil {
		var current string
		scanErr := l.db.QueryRowContext(ctx,
			`SELECT holder FROM leader_lease WHERE tenant = $1`, l.tenant()).Scan(&current)
		if scanErr == nil && current != l.holder {
			return false, nil
		}
		if errors.Is(scanErr, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("database: lease insert: %w", err)
	}
	return true, nil
}

func (l *leaseLock) Release(ctx context.Context) error {
	_, err := l.db.ExecContext(ctx,
		`DELETE FROM leader_lease WHERE tenant = $1 AND holder = $2`, l.tenant(), l.holder)
	if err != nil {
		return fmt.Errorf("database: lease release: %w", err)
	}
	return nil
}
