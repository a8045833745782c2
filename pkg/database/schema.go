package database

import (
	"context"
	"fmt"
)

// Schema statements shared by both engines. Types are chosen from the
// intersection of Postgres and SQLite (TEXT, BIGINT, TIMESTAMP).
var commonSchema = []string{
	`CREATE TABLE IF NOT EXISTS ledger_commits (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		case_id TEXT,
		event_type TEXT NOT NULL,
		ts BIGINT NOT NULL UNIQUE,
		actor_kind TEXT NOT NULL,
		actor_user_id TEXT,
		authority_proof TEXT NOT NULL,
		intent_context TEXT,
		payload TEXT NOT NULL,
		supersedes_commit_id TEXT,
		superseded_by_id TEXT,
		commitment_hash TEXT NOT NULL,
		signature TEXT NOT NULL,
		request_id TEXT,
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_ledger_tenant_case_ts ON ledger_commits (tenant_id, case_id, ts)`,

	`CREATE TABLE IF NOT EXISTS cases (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		reference_code TEXT NOT NULL,
		lifecycle TEXT NOT NULL,
		status TEXT NOT NULL,
		author_user_id TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_cases_tenant ON cases (tenant_id)`,

	`CREATE TABLE IF NOT EXISTS decisions (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		case_id TEXT NOT NULL,
		decision_type TEXT NOT NULL,
		actor_kind TEXT NOT NULL,
		actor_user_id TEXT,
		decided_at TIMESTAMP NOT NULL,
		reason TEXT,
		intent_context TEXT,
		superseded_at TIMESTAMP,
		supersedes_decision_id TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_decisions_case_type ON decisions (tenant_id, case_id, decision_type)`,

	`CREATE TABLE IF NOT EXISTS executions (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		case_id TEXT NOT NULL,
		status TEXT NOT NULL,
		started_at TIMESTAMP,
		completed_at TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS execution_milestones (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		execution_id TEXT NOT NULL,
		title TEXT NOT NULL,
		completed INTEGER NOT NULL DEFAULT 0,
		ordinal INTEGER NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS verification_records (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		case_id TEXT NOT NULL,
		required_verifiers INTEGER NOT NULL,
		consensus_reached INTEGER NOT NULL DEFAULT 0,
		routed_at TIMESTAMP NOT NULL,
		verified_at TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS verification_required_roles (
		verification_id TEXT NOT NULL,
		tenant_id TEXT NOT NULL,
		role TEXT NOT NULL,
		PRIMARY KEY (verification_id, role)
	)`,

	`CREATE TABLE IF NOT EXISTS disbursements (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		case_id TEXT NOT NULL UNIQUE,
		type TEXT NOT NULL,
		status TEXT NOT NULL,
		amount BIGINT NOT NULL,
		currency TEXT NOT NULL,
		payee_kind TEXT NOT NULL,
		payee_id TEXT NOT NULL,
		actor_kind TEXT NOT NULL,
		actor_user_id TEXT,
		authority_proof TEXT NOT NULL,
		verification_record_id TEXT NOT NULL,
		execution_id TEXT NOT NULL,
		authorized_at TIMESTAMP NOT NULL,
		executed_at TIMESTAMP,
		failed_at TIMESTAMP,
		failure_reason TEXT
	)`,

	`CREATE TABLE IF NOT EXISTS idempotency_records (
		tenant_id TEXT NOT NULL,
		key TEXT NOT NULL,
		response_hash TEXT NOT NULL,
		status_code INTEGER NOT NULL,
		payload TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		PRIMARY KEY (tenant_id, key)
	)`,

	`CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		case_id TEXT NOT NULL,
		author_user_id TEXT NOT NULL,
		body TEXT NOT NULL,
		client_mutation_id TEXT,
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_case_created ON messages (case_id, created_at, id)`,

	`CREATE TABLE IF NOT EXISTS message_receipts (
		message_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		delivered_at TIMESTAMP,
		seen_at TIMESTAMP,
		PRIMARY KEY (message_id, user_id)
	)`,

	`CREATE TABLE IF NOT EXISTS case_read_positions (
		tenant_id TEXT NOT NULL,
		case_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		last_read_message_id TEXT NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		PRIMARY KEY (case_id, user_id)
	)`,
}

var postgresSchema = []string{
	`CREATE SEQUENCE IF NOT EXISTS ledger_global_seq`,
}

// sqliteSchema substitutes a counter row for the Postgres sequence and a
// lease table for advisory locks.
var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS ledger_global_seq (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		value BIGINT NOT NULL
	)`,
	`INSERT OR IGNORE INTO ledger_global_seq (id, value) VALUES (1, 0)`,
	`CREATE TABLE IF NOT EXISTS leader_lease (
		tenant TEXT PRIMARY KEY,
		holder TEXT NOT NULL,
		expires_at TIMESTAMP NOT NULL
	)`,
}

// Init creates the schema idempotently.
func (db *DB) Init(ctx context.Context) error {
	stmts := append([]string{}, commonSchema...)
	switch db.Dialect {
	case DialectPostgres:
		stmts = append(stmts, postgresSchema...)
	case DialectSQLite:
		stmts = append(stmts, sqliteSchema...)
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("database: init schema: %w", err)
		}
	}
	return nil
}
