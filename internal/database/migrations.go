package database

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/0tSystemsPublicRepos/honeyhive/internal/logging"
)

type migration struct {
	version int
	name    string
	stmts   []string
}

// migrations are applied in order, each once. Append only.
var migrations = []migration{
	{
		version: 1,
		name:    "events remote host column",
		stmts: []string{
			`ALTER TABLE events ADD COLUMN remote_host TEXT`,
			`CREATE INDEX IF NOT EXISTS idx_events_remote_host ON events(instance_id, remote_host)`,
		},
	},
}

// RunMigrations executes all pending database migrations
func RunMigrations(db *sql.DB) error {
	applied := make(map[int]bool)
	rows, err := db.Query(`SELECT version FROM schema_migrations`)
	if err != nil {
		return err
	}
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			rows.Close()
			return err
		}
		applied[v] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, m := range migrations {
		if applied[m.version] {
			continue
		}
		if err := apply(db, m); err != nil {
			return fmt.Errorf("migration %d (%s): %w", m.version, m.name, err)
		}
		logging.Debug("[DATABASE] Applied migration %d: %s", m.version, m.name)
	}
	return nil
}

func apply(db *sql.DB, m migration) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	for _, stmt := range m.stmts {
		if _, err := tx.Exec(stmt); err != nil {
			// A column added by an older build is fine.
			if strings.Contains(err.Error(), "duplicate column name") {
				continue
			}
			tx.Rollback()
			return err
		}
	}
	if _, err := tx.Exec(`INSERT INTO schema_migrations (version) VALUES (?)`, m.version); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}
