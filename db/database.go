package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Database owns the SQLite connection used by the Repository and runs the
// embedded migrations.
//
// Usage:
//
//	database, err := NewDatabase("history.db")
//	if err != nil {
//	    return err
//	}
//	defer database.Close()
//	if err := database.Migrate(); err != nil {
//	    return err
//	}
type Database struct {
	db   *sql.DB
	path string
	mu   sync.RWMutex
}

// DatabaseConfig holds configuration for a Database.
type DatabaseConfig struct {
	// Path is the database file path
	Path string
	// ConnectionConfig allows customizing the SQLite connection
	ConnectionConfig *ConnectionConfig
}

// NewDatabase opens path with the default connection settings. The file and
// its parent directories are created if they don't exist.
func NewDatabase(path string) (*Database, error) {
	return NewDatabaseWithConfig(DatabaseConfig{Path: path})
}

// NewDatabaseWithConfig opens a Database with custom connection settings.
func NewDatabaseWithConfig(config DatabaseConfig) (*Database, error) {
	if config.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	dir := filepath.Dir(config.Path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory %s: %w", dir, err)
		}
	}

	connConfig := DefaultConnectionConfig(config.Path)
	if config.ConnectionConfig != nil {
		connConfig = *config.ConnectionConfig
		connConfig.Path = config.Path
	}

	conn, err := NewSQLiteConnection(connConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create database connection: %w", err)
	}

	return &Database{db: conn, path: config.Path}, nil
}

// Migrate applies pending migrations. It is safe to call repeatedly.
//
// golang-migrate closes the connection it is given, so migrations run on a
// separate connection to the same file.
func (d *Database) Migrate() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := MigrateUpFromPath(d.path); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	return nil
}

// Version reports the applied schema version.
func (d *Database) Version() (uint, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return MigrationVersionFromPath(d.path)
}

// DB returns the underlying connection. Close the Database, not the
// returned handle.
func (d *Database) DB() *sql.DB {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.db
}

// Path returns the database file path.
func (d *Database) Path() string {
	return d.path
}

// Close closes the connection. The Database must not be used afterwards.
func (d *Database) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.db == nil {
		return nil
	}
	if err := d.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	d.db = nil
	return nil
}

// Ping verifies the connection is alive.
func (d *Database) Ping() error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.db == nil {
		return errClosed
	}
	return d.db.Ping()
}

// ExecContext executes a statement without returning rows.
func (d *Database) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.db == nil {
		return nil, errClosed
	}
	return d.db.ExecContext(ctx, query, args...)
}

// QueryContext executes a query that returns rows.
func (d *Database) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.db == nil {
		return nil, errClosed
	}
	return d.db.QueryContext(ctx, query, args...)
}

// ScanRow runs a query expected to return at most one row and scans it into
// dest. No row yields sql.ErrNoRows.
func (d *Database) ScanRow(ctx context.Context, query string, args []any, dest ...any) error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.db == nil {
		return errClosed
	}
	return d.db.QueryRowContext(ctx, query, args...).Scan(dest...)
}

// Begin starts a transaction.
func (d *Database) Begin(ctx context.Context) (*sql.Tx, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.db == nil {
		return nil, errClosed
	}
	return d.db.BeginTx(ctx, nil)
}

var errClosed = errors.New("database connection is closed")
