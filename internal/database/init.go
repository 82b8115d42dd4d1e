package database

import (
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"

	"github.com/0tSystemsPublicRepos/honeyhive/internal/logging"
)

// InitializeDatabase opens the sqlite file, creates tables and runs migrations.
func InitializeDatabase(cfg *SQLiteConfig) (*SQLiteDB, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", dsn(cfg))
	if err != nil {
		return nil, err
	}

	// Test connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}

	if err := createAllTables(db); err != nil {
		db.Close()
		return nil, err
	}

	if err := RunMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate %s: %w", cfg.Path, err)
	}

	logging.Debug("[DATABASE] Initialized %s", cfg.Path)
	return &SQLiteDB{db: db}, nil
}

func dsn(cfg *SQLiteConfig) string {
	journal := cfg.JournalMode
	if journal == "" {
		journal = "WAL"
	}
	busy := cfg.BusyTimeout.Milliseconds()
	if busy <= 0 {
		busy = 5000
	}
	q := url.Values{}
	q.Set("_journal_mode", journal)
	q.Set("_busy_timeout", fmt.Sprintf("%d", busy))
	return fmt.Sprintf("file:%s?%s", cfg.Path, q.Encode())
}

// createAllTables creates all required database tables
func createAllTables(db *sql.DB) error {
	tables := []struct {
		name   string
		schema string
	}{
		{
			name: "events",
			schema: `CREATE TABLE IF NOT EXISTS events (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				instance_id TEXT NOT NULL,
				session_id TEXT,
				remote_addr TEXT,
				category TEXT NOT NULL,
				message TEXT,
				fields TEXT,
				tag TEXT,
				timestamp TEXT NOT NULL
			)`,
		},
		{
			name: "running_instances",
			schema: `CREATE TABLE IF NOT EXISTS running_instances (
				id TEXT PRIMARY KEY,
				handle TEXT NOT NULL,
				type TEXT NOT NULL,
				port INTEGER NOT NULL,
				addr TEXT,
				started_at TEXT NOT NULL
			)`,
		},
		{
			name: "schema_migrations",
			schema: `CREATE TABLE IF NOT EXISTS schema_migrations (
				version INTEGER PRIMARY KEY,
				applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
			)`,
		},
	}

	for _, table := range tables {
		if _, err := db.Exec(table.schema); err != nil {
			logging.Error("[DATABASE] Error creating table %s: %v", table.name, err)
			return err
		}
	}

	return createIndexes(db)
}

// createIndexes creates all database indexes
func createIndexes(db *sql.DB) error {
	indexes := []struct {
		name  string
		query string
	}{
		{"idx_events_instance_id", "CREATE INDEX IF NOT EXISTS idx_events_instance_id ON events(instance_id, id)"},
		{"idx_events_remote", "CREATE INDEX IF NOT EXISTS idx_events_remote ON events(instance_id, remote_addr)"},
	}

	for _, idx := range indexes {
		if _, err := db.Exec(idx.query); err != nil {
			// Don't fail on index errors, they might already exist
			logging.Warn("[DATABASE] Error creating index %s: %v", idx.name, err)
		}
	}
	return nil
}
