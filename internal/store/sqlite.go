// ABOUTME: SQLite implementation of the Store interface (modernc.org/sqlite or mattn/go-sqlite3)
// ABOUTME: Provides agent/conversation/queue/history persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

// Supported database/sql driver names.
const (
	DriverModernc = "sqlite"  // pure Go, default
	DriverCGO     = "sqlite3" // mattn/go-sqlite3, requires cgo
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path using the pure Go driver.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	return OpenSQLiteStore(DriverModernc, path)
}

// OpenSQLiteStore opens a SQLite store with the named driver.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func OpenSQLiteStore(driver, path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	switch driver {
	case "":
		driver = DriverModernc
	case DriverModernc, DriverCGO:
	default:
		return nil, fmt.Errorf("unsupported sqlite driver %q", driver)
	}

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open(driver, path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Single writer. Conditional updates and the enqueue transaction rely on it,
	// and :memory: databases are per-connection.
	db.SetMaxOpenConns(1)

	if path != ":memory:" {
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enabling WAL mode: %w", err)
		}
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path, "driver", driver)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS agents (
			id                 TEXT PRIMARY KEY,
			tenant_id          TEXT NOT NULL,
			name               TEXT NOT NULL,
			role               TEXT NOT NULL,
			active             INTEGER NOT NULL DEFAULT 1,
			status             TEXT NOT NULL DEFAULT 'offline',
			preferred_language TEXT NOT NULL DEFAULT '',
			last_activity_at   TEXT,
			max_concurrent     INTEGER NOT NULL DEFAULT 0,

			CHECK (role IN ('agent', 'admin', 'viewer')),
			CHECK (status IN ('online', 'busy', 'away', 'offline'))
		);

		CREATE INDEX IF NOT EXISTS idx_agents_tenant ON agents(tenant_id);

		CREATE TABLE IF NOT EXISTS agent_departments (
			agent_id   TEXT NOT NULL REFERENCES agents(id) ON DELETE CASCADE,
			department TEXT NOT NULL,

			PRIMARY KEY (agent_id, department)
		);

		CREATE INDEX IF NOT EXISTS idx_agent_departments_department ON agent_departments(department);

		CREATE TABLE IF NOT EXISTS conversations (
			id                TEXT PRIMARY KEY,
			tenant_id         TEXT NOT NULL,
			status            TEXT NOT NULL,
			assigned_agent_id TEXT,
			priority          INTEGER NOT NULL DEFAULT 1,
			department        TEXT NOT NULL DEFAULT '',
			language          TEXT NOT NULL DEFAULT '',
			created_at        TEXT NOT NULL,
			updated_at        TEXT NOT NULL,

			CHECK (status IN ('queued', 'active', 'resolved', 'closed'))
		);

		CREATE INDEX IF NOT EXISTS idx_conversations_tenant_status ON conversations(tenant_id, status);
		CREATE INDEX IF NOT EXISTS idx_conversations_agent ON conversations(assigned_agent_id, status);

		CREATE TABLE IF NOT EXISTS queue_entries (
			conversation_id   TEXT PRIMARY KEY REFERENCES conversations(id) ON DELETE CASCADE,
			tenant_id         TEXT NOT NULL,
			priority          INTEGER NOT NULL,
			queued_at         TEXT NOT NULL,
			department        TEXT NOT NULL DEFAULT '',
			language          TEXT NOT NULL DEFAULT '',
			previous_status   TEXT NOT NULL,
			previous_agent_id TEXT NOT NULL DEFAULT ''
		);

		CREATE INDEX IF NOT EXISTS idx_queue_entries_tenant ON queue_entries(tenant_id, priority DESC, queued_at);

		CREATE TABLE IF NOT EXISTS routing_events (
			seq             INTEGER PRIMARY KEY AUTOINCREMENT,
			event_id        TEXT NOT NULL UNIQUE,
			conversation_id TEXT NOT NULL,
			tenant_id       TEXT NOT NULL,
			type            TEXT NOT NULL,
			agent_id        TEXT NOT NULL DEFAULT '',
			from_agent_id   TEXT NOT NULL DEFAULT '',
			priority        INTEGER NOT NULL DEFAULT 1,
			reason          TEXT NOT NULL DEFAULT '',
			occurred_at     TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_routing_events_conversation ON routing_events(conversation_id, seq);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ping verifies the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// Compile-time check that SQLiteStore implements Store
var _ Store = (*SQLiteStore)(nil)
