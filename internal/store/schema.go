// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package store owns the relational schema shared by the backlog and the
// run supervisor. Table and column names are fixed; existing deployments
// migrate in place via PRAGMA user_version.
package store

import (
	"database/sql"
	"fmt"

	"github.com/ManuGH/factoryd/internal/persistence/sqlite"
)

const schemaVersion = 1

// Open initializes the control-plane database and applies the schema.
func Open(dbPath string) (*sql.DB, error) {
	db, err := sqlite.Open(dbPath, sqlite.DefaultConfig())
	if err != nil {
		return nil, err
	}
	if err := Migrate(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: migration failed: %w", err)
	}
	return db, nil
}

// Migrate creates or upgrades the schema. Timestamps are stored as UTC
// unix milliseconds so lease-expiry and heartbeat predicates stay plain
// integer comparisons inside conditional UPDATEs.
func Migrate(db *sql.DB) error {
	var currentVersion int
	if err := db.QueryRow("PRAGMA user_version").Scan(&currentVersion); err != nil {
		return err
	}
	if currentVersion >= schemaVersion {
		return nil
	}

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	schema := `
	CREATE TABLE IF NOT EXISTS tickets (
		id TEXT PRIMARY KEY,
		source TEXT NOT NULL,
		type TEXT NOT NULL,
		priority TEXT NOT NULL,
		repo TEXT NOT NULL,
		context TEXT NOT NULL DEFAULT '{}',
		acceptance_criteria TEXT NOT NULL DEFAULT '[]',
		idempotency_key TEXT NOT NULL UNIQUE,
		status TEXT NOT NULL DEFAULT 'READY',
		attempts INTEGER NOT NULL DEFAULT 0,
		lease_owner TEXT,
		lease_token TEXT,
		lease_expires_at INTEGER,
		last_failure_reason TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS ix_tickets_ready_status ON tickets(status);
	CREATE INDEX IF NOT EXISTS ix_tickets_lease_expiry ON tickets(lease_expires_at);

	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		ticket_id TEXT NOT NULL REFERENCES tickets(id),
		harness TEXT NOT NULL,
		state TEXT NOT NULL,
		sandbox_id TEXT,
		lease_token TEXT NOT NULL,
		max_minutes INTEGER NOT NULL,
		max_tokens INTEGER NOT NULL,
		token_count INTEGER NOT NULL DEFAULT 0,
		started_at INTEGER NOT NULL,
		heartbeat_at INTEGER NOT NULL,
		ended_at INTEGER,
		error_message TEXT
	);

	CREATE INDEX IF NOT EXISTS ix_runs_state ON runs(state);
	CREATE INDEX IF NOT EXISTS ix_runs_heartbeat ON runs(heartbeat_at);
	CREATE INDEX IF NOT EXISTS ix_runs_ticket ON runs(ticket_id);

	CREATE TABLE IF NOT EXISTS run_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL REFERENCES runs(id),
		ticket_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		payload TEXT NOT NULL DEFAULT '{}',
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS ix_run_events_run ON run_events(run_id);
	CREATE INDEX IF NOT EXISTS ix_run_events_ticket ON run_events(ticket_id);

	CREATE TABLE IF NOT EXISTS leases (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ticket_id TEXT NOT NULL REFERENCES tickets(id),
		owner TEXT NOT NULL,
		token TEXT NOT NULL,
		expires_at INTEGER NOT NULL,
		released_at INTEGER,
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS ix_leases_ticket ON leases(ticket_id);
	CREATE INDEX IF NOT EXISTS ix_leases_token ON leases(token);

	CREATE TABLE IF NOT EXISTS artifacts (
		id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL REFERENCES runs(id),
		ticket_id TEXT NOT NULL,
		artifact_type TEXT NOT NULL,
		uri TEXT NOT NULL,
		metadata TEXT NOT NULL DEFAULT '{}',
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS ix_artifacts_run ON artifacts(run_id);
	CREATE INDEX IF NOT EXISTS ix_artifacts_ticket ON artifacts(ticket_id);
	`

	if _, err := tx.Exec(schema); err != nil {
		return err
	}
	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
		return err
	}
	return tx.Commit()
}
