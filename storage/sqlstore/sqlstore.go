// Package sqlstore bootstraps the single relational store shared by every
// core component (events, policy approvals, payment intents, issuances,
// reservations, postings, namespaces, assets, system state). It follows the
// same embedded-schema, raw-SQL style as the payments gateway it was
// adapted from: one *sql.DB, opened once and handed to every owner, never
// reopened per request.
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// Store wraps a pooled *sql.DB handle. Components that own a logical table
// embed *Store and issue their own statements against it; Store itself only
// owns bootstrapping and transaction plumbing.
type Store struct {
	DB *sql.DB
}

// Open creates (or attaches to) the SQLite database at path and applies the
// schema for every table §6 of the specification enumerates. path may be
// ":memory:" for tests.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open: %w", err)
	}
	db.SetMaxOpenConns(1) // single-writer per store; concurrent readers share this handle safely via SQLite's own locking.
	store := &Store{DB: db}
	if err := store.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) Close() error { return s.DB.Close() }

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS events (
			event_id TEXT PRIMARY KEY,
			actor TEXT NOT NULL,
			type TEXT NOT NULL,
			payload TEXT NOT NULL,
			timestamp TEXT NOT NULL,
			previous_hash TEXT,
			created_at INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_events_actor ON events(actor, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_events_type ON events(type, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_events_created_at ON events(created_at);`,

		`CREATE TABLE IF NOT EXISTS audit_chain (
			seq INTEGER PRIMARY KEY,
			prev_hash TEXT NOT NULL,
			hash TEXT NOT NULL,
			height INTEGER NOT NULL,
			slot INTEGER NOT NULL,
			type TEXT NOT NULL,
			payload TEXT NOT NULL
		);`,

		`CREATE TABLE IF NOT EXISTS processed_external_events (
			external_event_id TEXT PRIMARY KEY,
			event_type TEXT NOT NULL,
			payment_intent_id TEXT,
			processed_at INTEGER NOT NULL,
			outcome TEXT NOT NULL
		);`,

		`CREATE TABLE IF NOT EXISTS payment_intents (
			id TEXT PRIMARY KEY,
			external_id TEXT NOT NULL UNIQUE,
			amount_minor INTEGER NOT NULL,
			currency TEXT NOT NULL,
			payer TEXT NOT NULL,
			tier TEXT NOT NULL,
			namespace_reserved TEXT,
			status TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			settled_at INTEGER,
			issuance_lock_token TEXT,
			processing_started_at INTEGER
		);`,

		`CREATE TABLE IF NOT EXISTS issuances (
			id TEXT PRIMARY KEY,
			payment_intent_id TEXT NOT NULL UNIQUE,
			namespace TEXT NOT NULL,
			state TEXT NOT NULL,
			ipfs_cid TEXT,
			content_hash TEXT,
			download_token TEXT UNIQUE,
			download_expires_at INTEGER,
			retry_count INTEGER NOT NULL DEFAULT 0,
			last_error TEXT,
			next_retry_at INTEGER,
			voided_at INTEGER,
			disputed INTEGER NOT NULL DEFAULT 0,
			issued_at INTEGER,
			created_at INTEGER NOT NULL
		);`,

		`CREATE TABLE IF NOT EXISTS inventory_tiers (
			tier TEXT PRIMARY KEY,
			presell_cap INTEGER NOT NULL,
			presold_count INTEGER NOT NULL DEFAULT 0,
			frozen_at INTEGER
		);`,
		`CREATE TABLE IF NOT EXISTS inventory_partners (
			tier TEXT NOT NULL,
			partner TEXT NOT NULL,
			allocation INTEGER NOT NULL,
			sold INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (tier, partner)
		);`,
		`CREATE TABLE IF NOT EXISTS inventory_reservations (
			id TEXT PRIMARY KEY,
			payment_intent_id TEXT NOT NULL UNIQUE,
			tier TEXT NOT NULL,
			partner TEXT,
			status TEXT NOT NULL,
			reserved_at INTEGER NOT NULL,
			released_at INTEGER
		);`,

		`CREATE TABLE IF NOT EXISTS assets (
			symbol TEXT PRIMARY KEY,
			decimals INTEGER NOT NULL,
			policy_uri TEXT
		);`,
		`CREATE TABLE IF NOT EXISTS accounts (
			account TEXT PRIMARY KEY,
			display_name TEXT
		);`,
		`CREATE TABLE IF NOT EXISTS postings (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts INTEGER NOT NULL,
			asset TEXT NOT NULL,
			account TEXT NOT NULL,
			side TEXT NOT NULL,
			amount TEXT NOT NULL,
			memo TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_postings_asset_account ON postings(asset, account);`,
		`CREATE TABLE IF NOT EXISTS namespaces (
			name TEXT PRIMARY KEY,
			controller TEXT NOT NULL,
			metadata_hash TEXT,
			registered_at INTEGER NOT NULL
		);`,

		`CREATE TABLE IF NOT EXISTS system_state (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			genesis_completed INTEGER NOT NULL DEFAULT 0,
			genesis_cid TEXT,
			genesis_timestamp INTEGER,
			genesis_hash TEXT,
			halted INTEGER NOT NULL DEFAULT 0
		);`,
		`INSERT OR IGNORE INTO system_state (id, genesis_completed, halted) VALUES (1, 0, 0);`,
	}
	for _, stmt := range stmts {
		if _, err := s.DB.Exec(stmt); err != nil {
			return fmt.Errorf("sqlstore: migrate: %w", err)
		}
	}
	return nil
}

// WithTx runs fn inside a transaction, committing on success and rolling
// back on error or panic. Components use this to atomically bridge
// writes across tables they own (e.g. reservation insert + tier counter
// update).
func WithTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) (err error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlstore: begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()
	if err = fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("sqlstore: commit: %w", err)
	}
	return nil
}
