// Package persist is the per-account embedded database: one SQLite file
// per Trader, opened with aristath-sentinel's internal/database's
// WAL/PRAGMA connection-string pattern, but carrying only the single
// "standard" profile a Trader needs — it owns exactly one database, not
// several. Schemas are plain SQL, applied once at startup; there is no
// ORM (spec §9).
package persist

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaFS embed.FS

// DB wraps the account's embedded SQLite connection.
type DB struct {
	conn      *sql.DB
	path      string
	accountID string
}

// Open creates or opens the database at path, applies the schema, and
// returns a ready-to-use DB. The directory is created if missing.
func Open(accountID, path string) (*DB, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve database path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(absPath), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	connStr := absPath +
		"?_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(NORMAL)" +
		"&_pragma=foreign_keys(1)" +
		"&_pragma=wal_autocheckpoint(1000)" +
		"&_pragma=cache_size(-64000)"

	conn, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", accountID, err)
	}
	conn.SetMaxOpenConns(1) // single-writer per account (spec §5)
	conn.SetConnMaxLifetime(24 * time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping database %s: %w", accountID, err)
	}

	db := &DB{conn: conn, path: absPath, accountID: accountID}
	if err := db.migrate(); err != nil {
		return nil, fmt.Errorf("migrate database %s: %w", accountID, err)
	}
	return db, nil
}

func (db *DB) migrate() error {
	schema, err := schemaFS.ReadFile("schema.sql")
	if err != nil {
		return fmt.Errorf("read embedded schema: %w", err)
	}
	if _, err := db.conn.Exec(string(schema)); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Close closes the underlying connection.
func (db *DB) Close() error { return db.conn.Close() }

// Conn exposes the raw *sql.DB for repositories.
func (db *DB) Conn() *sql.DB { return db.conn }

// WithTx runs fn inside a transaction, committing on success and rolling
// back on error or panic (grounded on database.WithTransaction in the
// retrieval pack).
func (db *DB) WithTx(fn func(*sql.Tx) error) (err error) {
	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			err = fmt.Errorf("panic in transaction: %v", p)
			return
		}
		if err != nil {
			_ = tx.Rollback()
			return
		}
		err = tx.Commit()
	}()
	return fn(tx)
}
