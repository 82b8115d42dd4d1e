package eventlog

import (
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/0tSystemsPublicRepos/honeyhive/internal/catalog"
	"github.com/0tSystemsPublicRepos/honeyhive/internal/database"
	"github.com/0tSystemsPublicRepos/honeyhive/internal/detection"
	"github.com/0tSystemsPublicRepos/honeyhive/internal/honeypot"
)

type fakeIndex struct {
	mu      sync.Mutex
	events  []honeypot.Event
	deleted []string
}

func (f *fakeIndex) InsertEvent(ev honeypot.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return nil
}
func (f *fakeIndex) RecentEvents(string, int) ([]honeypot.Event, error) { return nil, nil }
func (f *fakeIndex) EventStats(string) (database.EventStats, error)     { return database.EventStats{}, nil }
func (f *fakeIndex) DeleteInstanceEvents(id string) error {
	f.deleted = append(f.deleted, id)
	return nil
}

type fakeAlerts struct {
	mu     sync.Mutex
	events []honeypot.Event
}

func (f *fakeAlerts) Notify(_ honeypot.Config, ev honeypot.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
}

func newManager(t *testing.T) (*Manager, *fakeIndex, *fakeAlerts) {
	t.Helper()
	idx := &fakeIndex{}
	al := &fakeAlerts{}
	m := NewManager(t.TempDir(), Options{
		Index:      idx,
		Alerts:     al,
		Classifier: detection.NewDetectionEngine(),
	})
	return m, idx, al
}

func TestTextSinkWritesAndTails(t *testing.T) {
	m, idx, al := newManager(t)
	cfg := honeypot.Config{ID: "ftp_1", EnableLogging: true}
	sink, err := m.Open(cfg, catalog.FormatText)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		sink.Record(honeypot.Event{
			Timestamp:  base.Add(time.Duration(i) * time.Second),
			RemoteAddr: "203.0.113.7:5000",
			Category:   honeypot.CategoryCommand,
			Message:    "NOOP",
		})
	}
	sink.Record(honeypot.Event{Timestamp: base, RemoteAddr: "203.0.113.7:5000", Category: honeypot.CategoryCommand, Message: "CWD ../../etc"})
	sink.Close()

	lines, err := m.Tail("ftp_1", 2)
	if err != nil {
		t.Fatalf("Tail: %v", err)
	}
	if len(lines) != 2 {
		t.Fatalf("got %d lines", len(lines))
	}
	if !strings.HasSuffix(lines[1], "- CWD ../../etc tag=path_traversal") {
		t.Fatalf("last line = %q", lines[1])
	}
	if !strings.HasPrefix(lines[0], "2024-05-01 12:00:04 [COMMAND] 203.0.113.7:5000 - NOOP") {
		t.Fatalf("first line = %q", lines[0])
	}
	if len(idx.events) != 6 || idx.events[0].InstanceID != "ftp_1" {
		t.Fatalf("indexed %d events", len(idx.events))
	}
	if len(al.events) != 6 {
		t.Fatalf("alerts saw %d events", len(al.events))
	}
}

func TestJSONLSink(t *testing.T) {
	m, _, _ := newManager(t)
	sink, err := m.Open(honeypot.Config{ID: "pma_1", EnableLogging: true}, catalog.FormatJSONL)
	if err != nil {
		t.Fatal(err)
	}
	sink.Record(honeypot.Event{
		RemoteAddr: "198.51.100.2:40000",
		Category:   honeypot.CategoryAuth,
		Message:    "login attempt",
		Fields:     map[string]string{"username": "root", "password": "toor"},
	})
	sink.Close()

	rc, err := m.Reader("pma_1")
	if err != nil {
		t.Fatalf("Reader: %v", err)
	}
	defer rc.Close()
	data, _ := io.ReadAll(rc)

	var ev honeypot.Event
	if err := json.Unmarshal([]byte(strings.TrimSpace(string(data))), &ev); err != nil {
		t.Fatalf("artifact is not one JSON record: %v\n%s", err, data)
	}
	if ev.Fields["password"] != "toor" || ev.InstanceID != "pma_1" || ev.Timestamp.IsZero() {
		t.Fatalf("record = %+v", ev)
	}
}

func TestLoggingDisabledWritesNothing(t *testing.T) {
	m, idx, al := newManager(t)
	sink, err := m.Open(honeypot.Config{ID: "tel_1"}, catalog.FormatText)
	if err != nil {
		t.Fatal(err)
	}
	sink.Record(honeypot.Event{Category: honeypot.CategoryConnect, RemoteAddr: "1.2.3.4:1"})
	sink.Close()

	if _, err := os.Stat(m.LogPath("tel_1")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("artifact created: %v", err)
	}
	if len(idx.events) != 0 {
		t.Fatal("event indexed with logging disabled")
	}
	if len(al.events) != 1 {
		t.Fatal("alerts must still see the event")
	}
	if lines, err := m.Tail("tel_1", 10); err != nil || len(lines) != 0 {
		t.Fatalf("Tail = %v, %v", lines, err)
	}
	if _, err := m.Reader("tel_1"); !errors.Is(err, honeypot.ErrLogNotFound) {
		t.Fatalf("Reader err = %v", err)
	}
}

func TestRemoveDeletesEverything(t *testing.T) {
	m, idx, _ := newManager(t)
	sink, _ := m.Open(honeypot.Config{ID: "ftp_9", EnableLogging: true}, catalog.FormatText)
	sink.Record(honeypot.Event{Category: honeypot.CategoryConnect})

	rec, err := m.Recording("ftp_9", "s1")
	if err != nil {
		t.Fatalf("Recording: %v", err)
	}
	rec.Write([]byte("USER root\r\n"))
	rec.Close()

	backup := filepath.Join(m.dir, "ftp_9_logs-2024-01-01T00-00-00.000.txt.gz")
	if err := os.WriteFile(backup, []byte("old"), 0644); err != nil {
		t.Fatal(err)
	}

	if err := m.Remove("ftp_9"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	for _, p := range []string{m.LogPath("ftp_9"), backup, m.RecordingDir("ftp_9")} {
		if _, err := os.Stat(p); !errors.Is(err, os.ErrNotExist) {
			t.Errorf("%s still exists", p)
		}
	}
	if len(idx.deleted) != 1 || idx.deleted[0] != "ftp_9" {
		t.Fatalf("index delete = %v", idx.deleted)
	}

	// recording after close must not panic or resurrect the log
	sink.Record(honeypot.Event{Category: honeypot.CategoryDisconnect})
}

func TestFormatTextEscapesNewlines(t *testing.T) {
	line := FormatText(honeypot.Event{
		Timestamp: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
		Category:  honeypot.CategoryCommand,
		Message:   "echo a\nrm -rf /",
		SessionID: "abc",
	})
	if strings.Contains(line, "\n") {
		t.Fatalf("line contains newline: %q", line)
	}
	if !strings.Contains(line, "session=abc - echo a\\nrm -rf /") {
		t.Fatalf("line = %q", line)
	}
}
