package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// ErrActivityNotFound is returned when an activity doesn't exist
var ErrActivityNotFound = errors.New("activity not found")

// ErrConfigNotFound is returned when a configuration version doesn't exist
var ErrConfigNotFound = errors.New("configuration not found")

// ErrJobNotFound is returned when a recalculation job doesn't exist
var ErrJobNotFound = errors.New("recalculation job not found")

// ErrJobConflict is returned when an owner already has a non-terminal job
var ErrJobConflict = errors.New("owner already has an open recalculation job")

// ErrJobStateChanged is returned when a job is no longer in the state a write expected
var ErrJobStateChanged = errors.New("recalculation job state changed")

// ErrIntegrity is returned when staged rows no longer match their checkpoints
var ErrIntegrity = errors.New("staged rows do not match checkpoint")

const driverName = "sqlite"

func init() {
	sqlx.BindDriver(driverName, sqlx.QUESTION)
}

// Store is the application's data access layer
type Store struct {
	db  *sqlx.DB
	now func() time.Time
}

// Open opens the SQLite database at path, creating it if necessary.
// An empty path uses ~/.loadengine/data.db.
func Open(path string) (*Store, error) {
	if path == "" {
		p, err := DefaultPath()
		if err != nil {
			return nil, fmt.Errorf("getting db path: %w", err)
		}
		path = p
	}

	// Ensure directory exists
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	dsn := "file:" + path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	return open(dsn)
}

var memoryDBs atomic.Int64

// OpenMemory opens a private in-memory database. Used by tests and dry runs.
func OpenMemory() (*Store, error) {
	name := fmt.Sprintf("loadengine-%d-%d", os.Getpid(), memoryDBs.Add(1))
	dsn := "file:" + name + "?mode=memory&cache=shared&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	return open(dsn)
}

func open(dsn string) (*Store, error) {
	db, err := sqlx.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// SQLite allows one writer; a single connection keeps transactions from
	// tripping over each other and keeps in-memory databases alive.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db, now: time.Now}, nil
}

// DefaultPath returns the path to the SQLite database file
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("getting home directory: %w", err)
	}
	return filepath.Join(home, ".loadengine", "data.db"), nil
}

// Close closes the underlying database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying *sqlx.DB for advanced operations
func (s *Store) DB() *sqlx.DB {
	return s.db
}

// SetClock overrides the time source used for bookkeeping timestamps
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

// Ping verifies the database is reachable
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// withTx runs fn in a transaction, committing on success.
// fn must only use tx: the pool has a single connection.
func (s *Store) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		// CURRENT_TIMESTAMP defaults use SQLite's own layout
		t, _ = time.Parse("2006-01-02 15:04:05", s)
	}
	return t
}

func parseTimePtr(s *string) *time.Time {
	if s == nil || *s == "" {
		return nil
	}
	t := parseTime(*s)
	return &t
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
