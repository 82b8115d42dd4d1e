package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"net"
	"sync"
	"time"

	"github.com/0tSystemsPublicRepos/honeyhive/internal/honeypot"
)

const timeLayout = time.RFC3339Nano

type SQLiteDB struct {
	db *sql.DB
	mu sync.RWMutex
}

func (s *SQLiteDB) Close() error {
	return s.db.Close()
}

func (s *SQLiteDB) Ping() error {
	return s.db.Ping()
}

// === EVENTS ===

// InsertEvent indexes one event.
func (s *SQLiteDB) InsertEvent(ev honeypot.Event) error {
	var fields []byte
	if len(ev.Fields) > 0 {
		var err error
		if fields, err = json.Marshal(ev.Fields); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`INSERT INTO events (instance_id, session_id, remote_addr, remote_host, category, message, fields, tag, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.InstanceID, ev.SessionID, ev.RemoteAddr, remoteHost(ev.RemoteAddr), string(ev.Category),
		ev.Message, string(fields), ev.Tag, ev.Timestamp.UTC().Format(timeLayout),
	)
	return err
}

// RecentEvents returns up to limit events of an instance, newest first.
func (s *SQLiteDB) RecentEvents(instanceID string, limit int) ([]honeypot.Event, error) {
	if limit <= 0 {
		limit = 100
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT instance_id, COALESCE(session_id, ''), COALESCE(remote_addr, ''), category,
		        COALESCE(message, ''), COALESCE(fields, ''), COALESCE(tag, ''), timestamp
		 FROM events
		 WHERE instance_id = ?
		 ORDER BY id DESC
		 LIMIT ?`,
		instanceID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []honeypot.Event
	for rows.Next() {
		var ev honeypot.Event
		var category, fields, ts string
		if err := rows.Scan(&ev.InstanceID, &ev.SessionID, &ev.RemoteAddr, &category, &ev.Message, &fields, &ev.Tag, &ts); err != nil {
			return nil, err
		}
		ev.Category = honeypot.Category(category)
		if fields != "" {
			if err := json.Unmarshal([]byte(fields), &ev.Fields); err != nil {
				return nil, err
			}
		}
		ev.Timestamp, _ = time.Parse(timeLayout, ts)
		events = append(events, ev)
	}

	return events, rows.Err()
}

// EventStats aggregates the events of one instance.
func (s *SQLiteDB) EventStats(instanceID string) (EventStats, error) {
	stats := EventStats{
		ByCategory: make(map[string]int64),
		ByTag:      make(map[string]int64),
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var last sql.NullString
	err := s.db.QueryRow(
		`SELECT COUNT(*), COUNT(DISTINCT remote_host), MAX(timestamp) FROM events WHERE instance_id = ?`,
		instanceID,
	).Scan(&stats.Total, &stats.UniqueRemotes, &last)
	if err != nil {
		return stats, err
	}
	if last.Valid {
		if t, err := time.Parse(timeLayout, last.String); err == nil {
			stats.LastSeen = &t
		}
	}

	if err := s.countInto(stats.ByCategory,
		`SELECT category, COUNT(*) FROM events WHERE instance_id = ? GROUP BY category`, instanceID); err != nil {
		return stats, err
	}
	if err := s.countInto(stats.ByTag,
		`SELECT tag, COUNT(*) FROM events WHERE instance_id = ? AND tag != '' GROUP BY tag`, instanceID); err != nil {
		return stats, err
	}
	return stats, nil
}

func (s *SQLiteDB) countInto(dst map[string]int64, query string, args ...interface{}) error {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var key string
		var n int64
		if err := rows.Scan(&key, &n); err != nil {
			return err
		}
		dst[key] = n
	}
	return rows.Err()
}

// DeleteInstanceEvents removes every indexed event of an instance.
func (s *SQLiteDB) DeleteInstanceEvents(instanceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`DELETE FROM events WHERE instance_id = ?`, instanceID)
	return err
}

// === RUNNING INSTANCES ===

func (s *SQLiteDB) UpsertRunning(ctx context.Context, row RunningRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO running_instances (id, handle, type, port, addr, started_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			handle = excluded.handle,
			type = excluded.type,
			port = excluded.port,
			addr = excluded.addr,
			started_at = excluded.started_at`,
		row.ID, row.Handle, row.Type, row.Port, row.Addr, row.StartedAt.UTC().Format(timeLayout),
	)
	return err
}

func (s *SQLiteDB) DeleteRunning(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `DELETE FROM running_instances WHERE id = ?`, id)
	return err
}

func (s *SQLiteDB) ListRunning(ctx context.Context) ([]RunningRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, handle, type, port, COALESCE(addr, ''), started_at FROM running_instances ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RunningRow
	for rows.Next() {
		var r RunningRow
		var started string
		if err := rows.Scan(&r.ID, &r.Handle, &r.Type, &r.Port, &r.Addr, &started); err != nil {
			return nil, err
		}
		r.StartedAt, _ = time.Parse(timeLayout, started)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteDB) ClearRunning(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `DELETE FROM running_instances`)
	return err
}

func remoteHost(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
