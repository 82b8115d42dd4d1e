package database

import (
	"context"
	"time"

	"github.com/0tSystemsPublicRepos/honeyhive/internal/honeypot"
)

// EventIndex is the queryable copy of instance events.
type EventIndex interface {
	InsertEvent(ev honeypot.Event) error
	RecentEvents(instanceID string, limit int) ([]honeypot.Event, error)
	EventStats(instanceID string) (EventStats, error)
	DeleteInstanceEvents(instanceID string) error
}

// RunningStore persists the supervisor's registry so a restarted daemon can
// tell which instances were live before it went down.
type RunningStore interface {
	UpsertRunning(ctx context.Context, row RunningRow) error
	DeleteRunning(ctx context.Context, id string) error
	ListRunning(ctx context.Context) ([]RunningRow, error)
	ClearRunning(ctx context.Context) error
}

// RunningRow is one row of running_instances.
type RunningRow struct {
	ID        string
	Handle    string
	Type      string
	Port      int
	Addr      string
	StartedAt time.Time
}

// EventStats summarises the indexed events of one instance.
type EventStats struct {
	Total         int64            `json:"total"`
	ByCategory    map[string]int64 `json:"by_category"`
	ByTag         map[string]int64 `json:"by_tag"`
	UniqueRemotes int64            `json:"unique_remotes"`
	LastSeen      *time.Time       `json:"last_seen,omitempty"`
}

// SQLiteConfig holds the connection settings of the sqlite file.
type SQLiteConfig struct {
	Path        string
	JournalMode string
	BusyTimeout time.Duration
}
