// Package sqlstore persists the transaction ledger, fingerprint, subscribers and
// run lease in a SQLite database. It satisfies the same contracts as package storage.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"roster-alerts/pkg/roster"
)

const fingerprintKey = "last_hash"

// DB wraps the SQLite connection.
type DB struct {
	conn   *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

// Open opens (creating if needed) the database at path and initializes the schema.
func Open(path string, logger *slog.Logger) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// A single writer keeps SQLite from returning SQLITE_BUSY under concurrent retires.
	conn.SetMaxOpenConns(1)

	db := &DB{conn: conn, logger: logger, now: time.Now}
	if err := db.initSchema(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) initSchema() error {
	schema := `
	PRAGMA journal_mode = WAL;
	PRAGMA busy_timeout = 5000;

	CREATE TABLE IF NOT EXISTS state (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS transactions (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL,
		payload TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_transactions_id ON transactions(id);

	CREATE TABLE IF NOT EXISTS seen (
		id TEXT PRIMARY KEY,
		seen_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS subscribers (
		endpoint TEXT PRIMARY KEY,
		payload TEXT NOT NULL,
		is_active INTEGER NOT NULL DEFAULT 1
	);

	CREATE TABLE IF NOT EXISTS leases (
		name TEXT PRIMARY KEY,
		owner TEXT NOT NULL,
		expires_at INTEGER NOT NULL
	);
	`
	_, err := db.conn.Exec(schema)
	return err
}

// Fingerprint returns the stored page fingerprint, or "" if none was stored yet.
func (db *DB) Fingerprint(ctx context.Context) (string, error) {
	var value string
	err := db.conn.QueryRowContext(ctx, `SELECT value FROM state WHERE key = ?`, fingerprintKey).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("load fingerprint: %w", err)
	}
	return value, nil
}

// SetFingerprint overwrites the stored page fingerprint.
func (db *DB) SetFingerprint(ctx context.Context, fingerprint string) error {
	_, err := db.conn.ExecContext(ctx, `
	INSERT INTO state (key, value) VALUES (?, ?)
	ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, fingerprintKey, fingerprint)
	if err != nil {
		return fmt.Errorf("save fingerprint: %w", err)
	}
	return nil
}

// IsKnown reports whether a transaction id is in the seen set or, for rows
// written without their seen entry, in the ledger itself.
func (db *DB) IsKnown(ctx context.Context, id string) (bool, error) {
	var known bool
	err := db.conn.QueryRowContext(ctx, `
	SELECT EXISTS (SELECT 1 FROM seen WHERE id = ?)
	    OR EXISTS (SELECT 1 FROM transactions WHERE id = ?)
	`, id, id).Scan(&known)
	if err != nil {
		return false, fmt.Errorf("check seen: %w", err)
	}
	return known, nil
}

// AppendNew pushes each record onto the head of the ledger in order, records the
// ids as seen and trims the ledger to roster.MaxRecords, dropping evicted ids.
func (db *DB) AppendNew(ctx context.Context, txs []roster.Transaction) error {
	if len(txs) == 0 {
		return nil
	}

	dbTx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		_ = dbTx.Rollback()
	}()

	for _, t := range txs {
		payload, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("marshal transaction: %w", err)
		}
		if _, err := dbTx.ExecContext(ctx, `INSERT INTO transactions (id, payload) VALUES (?, ?)`, t.ID, string(payload)); err != nil {
			return fmt.Errorf("insert transaction: %w", err)
		}
		if _, err := dbTx.ExecContext(ctx, `INSERT OR IGNORE INTO seen (id, seen_at) VALUES (?, ?)`, t.ID, t.SeenAt); err != nil {
			return fmt.Errorf("insert seen: %w", err)
		}
	}

	rows, err := dbTx.QueryContext(ctx, `
	SELECT seq, id FROM transactions
	WHERE seq NOT IN (SELECT seq FROM transactions ORDER BY seq DESC LIMIT ?)
	`, roster.MaxRecords)
	if err != nil {
		return fmt.Errorf("find evicted: %w", err)
	}
	var evictedSeqs []any
	var evictedIDs []any
	for rows.Next() {
		var seq int64
		var id string
		if err := rows.Scan(&seq, &id); err != nil {
			_ = rows.Close()
			return fmt.Errorf("scan evicted: %w", err)
		}
		evictedSeqs = append(evictedSeqs, seq)
		evictedIDs = append(evictedIDs, id)
	}
	if err := rows.Close(); err != nil {
		return fmt.Errorf("close evicted rows: %w", err)
	}

	if len(evictedSeqs) > 0 {
		if _, err := dbTx.ExecContext(ctx, `DELETE FROM transactions WHERE seq IN (`+placeholders(len(evictedSeqs))+`)`, evictedSeqs...); err != nil {
			return fmt.Errorf("trim ledger: %w", err)
		}
		if _, err := dbTx.ExecContext(ctx, `DELETE FROM seen WHERE id IN (`+placeholders(len(evictedIDs))+`)`, evictedIDs...); err != nil {
			return fmt.Errorf("trim seen: %w", err)
		}
	}

	if err := dbTx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	db.logger.Info("Transactions appended", "added", len(txs), "evicted", len(evictedSeqs))
	return nil
}

// Recent returns up to limit transactions, newest first. A limit of 0 returns all.
func (db *DB) Recent(ctx context.Context, limit int) ([]roster.Transaction, error) {
	if limit <= 0 {
		limit = roster.MaxRecords
	}
	rows, err := db.conn.QueryContext(ctx, `SELECT payload FROM transactions ORDER BY seq DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query ledger: %w", err)
	}
	defer rows.Close()

	var out []roster.Transaction
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan ledger: %w", err)
		}
		t, ok := roster.DecodeTransaction([]byte(payload))
		if !ok {
			db.logger.Warn("Skipping malformed ledger row")
			continue
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
