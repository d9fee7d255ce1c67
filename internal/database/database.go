package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// ErrClosed is returned by every call on a closed Database.
var ErrClosed = errors.New("database: connection is closed")

// Database is a connection to a run report database.
type Database struct {
	db       *sql.DB
	path     string
	readOnly bool
}

// DatabaseOptions configures how the report database is opened.
type DatabaseOptions struct {
	Path string

	// ReadOnly opens an existing database without creating or migrating it.
	ReadOnly bool

	// WALMode lets a report be read while a run is still writing to it.
	WALMode bool

	ForeignKeys bool

	// BusyTimeout is how long a writer waits on a locked database.
	BusyTimeout time.Duration
}

// DefaultDatabaseOptions returns the options batch commands write with.
func DefaultDatabaseOptions(path string) *DatabaseOptions {
	return &DatabaseOptions{
		Path:        path,
		WALMode:     true,
		ForeignKeys: true,
		BusyTimeout: 30 * time.Second,
	}
}

// NewDatabase opens the database at options.Path, creating the file and its
// directory unless ReadOnly is set.
func NewDatabase(options *DatabaseOptions) (*Database, error) {
	if options == nil {
		return nil, fmt.Errorf("database options cannot be nil")
	}
	if options.Path == "" {
		return nil, fmt.Errorf("database path cannot be empty")
	}

	if !options.ReadOnly {
		if dir := filepath.Dir(options.Path); dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("creating database directory: %w", err)
			}
		}
	}

	db, err := sql.Open("sqlite3", connectionString(options))
	if err != nil {
		return nil, fmt.Errorf("opening database %s: %w", options.Path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("opening database %s: %w", options.Path, err)
	}

	slog.Debug("Opened report database", "path", options.Path, "read_only", options.ReadOnly)
	return &Database{db: db, path: options.Path, readOnly: options.ReadOnly}, nil
}

func connectionString(options *DatabaseOptions) string {
	q := url.Values{}
	if options.ReadOnly {
		q.Set("mode", "ro")
	} else if options.WALMode {
		q.Set("_journal_mode", "WAL")
		q.Set("_synchronous", "NORMAL")
	}
	if options.ForeignKeys {
		q.Set("_foreign_keys", "on")
	}
	if options.BusyTimeout > 0 {
		q.Set("_busy_timeout", fmt.Sprint(options.BusyTimeout.Milliseconds()))
	}
	return "file:" + options.Path + "?" + q.Encode()
}

// Path is the database file.
func (d *Database) Path() string {
	return d.path
}

// ReadOnly reports whether the database was opened without write access.
func (d *Database) ReadOnly() bool {
	return d.readOnly
}

// Close is safe to call more than once.
func (d *Database) Close() error {
	if d.db == nil {
		return nil
	}
	err := d.db.Close()
	d.db = nil
	if err != nil {
		return fmt.Errorf("closing database: %w", err)
	}
	return nil
}

// WithTx runs fn inside a transaction, committing when fn returns nil and
// rolling back otherwise.
func (d *Database) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	if d.db == nil {
		return ErrClosed
	}

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func (d *Database) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	if d.db == nil {
		return nil, ErrClosed
	}
	result, err := d.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("executing statement: %w", err)
	}
	return result, nil
}

func (d *Database) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	if d.db == nil {
		return nil, ErrClosed
	}
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("executing query: %w", err)
	}
	return rows, nil
}

// QueryRow must not be called after Close.
func (d *Database) QueryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return d.db.QueryRowContext(ctx, query, args...)
}
