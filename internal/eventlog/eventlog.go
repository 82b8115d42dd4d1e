// Package eventlog owns the per-instance log artifacts and fans every
// recorded event out to the index, metrics and alerting.
package eventlog

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/natefinch/lumberjack/v3"

	"github.com/0tSystemsPublicRepos/honeyhive/internal/catalog"
	"github.com/0tSystemsPublicRepos/honeyhive/internal/config"
	"github.com/0tSystemsPublicRepos/honeyhive/internal/database"
	"github.com/0tSystemsPublicRepos/honeyhive/internal/detection"
	"github.com/0tSystemsPublicRepos/honeyhive/internal/honeypot"
	"github.com/0tSystemsPublicRepos/honeyhive/internal/logging"
)

const DefaultTailLines = 100

// Alerter receives every recorded event together with its instance config.
type Alerter interface {
	Notify(cfg honeypot.Config, ev honeypot.Event)
}

// EventObserver counts recorded events.
type EventObserver interface {
	EventRecorded(instanceID, category, tag string)
}

type Manager struct {
	dir        string
	rotation   *config.LogRotationConfig
	index      database.EventIndex
	alerts     Alerter
	classifier *detection.DetectionEngine
	observer   EventObserver

	mu    sync.Mutex
	sinks map[string]*Sink
}

// Options wires the optional collaborators of a Manager. Nil fields are skipped.
type Options struct {
	Rotation   *config.LogRotationConfig
	Index      database.EventIndex
	Alerts     Alerter
	Classifier *detection.DetectionEngine
	Observer   EventObserver
}

func NewManager(dir string, opts Options) *Manager {
	return &Manager{
		dir:        dir,
		rotation:   opts.Rotation,
		index:      opts.Index,
		alerts:     opts.Alerts,
		classifier: opts.Classifier,
		observer:   opts.Observer,
		sinks:      make(map[string]*Sink),
	}
}

// LogPath is the current artifact of an instance.
func (m *Manager) LogPath(id string) string {
	return filepath.Join(m.dir, id+"_logs.txt")
}

// RecordingDir holds the raw session captures of an instance.
func (m *Manager) RecordingDir(id string) string {
	return filepath.Join(m.dir, id+"_recordings")
}

// Open returns the event sink of an instance. With logging disabled the sink
// writes no artifact and indexes nothing, but still feeds metrics and alerts.
func (m *Manager) Open(cfg honeypot.Config, format string) (*Sink, error) {
	s := &Sink{
		mgr:    m,
		cfg:    cfg.Clone(),
		format: format,
	}
	if format == "" {
		s.format = catalog.FormatText
	}

	if cfg.EnableLogging {
		if err := os.MkdirAll(m.dir, 0755); err != nil {
			return nil, fmt.Errorf("create log dir: %w", err)
		}
		r, err := logging.NewRoller(m.LogPath(cfg.ID), m.rotation)
		if err != nil {
			return nil, fmt.Errorf("open log for %s: %w", cfg.ID, err)
		}
		s.out = r
	}

	m.mu.Lock()
	old := m.sinks[cfg.ID]
	m.sinks[cfg.ID] = s
	m.mu.Unlock()
	if old != nil {
		old.Close()
	}
	return s, nil
}

func (m *Manager) release(s *Sink) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sinks[s.cfg.ID] == s {
		delete(m.sinks, s.cfg.ID)
	}
}

// Tail returns the most recent n lines of the current artifact. A missing
// artifact yields no lines.
func (m *Manager) Tail(id string, n int) ([]string, error) {
	if n <= 0 {
		n = DefaultTailLines
	}
	f, err := os.Open(m.LogPath(id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []string{}, nil
		}
		return nil, err
	}
	defer f.Close()

	ring := make([]string, 0, n)
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		if len(ring) == n {
			copy(ring, ring[1:])
			ring = ring[:n-1]
		}
		ring = append(ring, sc.Text())
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return ring, nil
}

// Reader opens the full current artifact for download.
func (m *Manager) Reader(id string) (io.ReadCloser, error) {
	f, err := os.Open(m.LogPath(id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", honeypot.ErrLogNotFound, id)
		}
		return nil, err
	}
	return f, nil
}

// Remove deletes the artifact, its rotated backups, recordings and indexed
// events. Every step is attempted and the errors are joined.
func (m *Manager) Remove(id string) error {
	m.mu.Lock()
	s := m.sinks[id]
	m.mu.Unlock()
	if s != nil {
		s.Close()
	}

	var errs []error
	if err := os.Remove(m.LogPath(id)); err != nil && !errors.Is(err, os.ErrNotExist) {
		errs = append(errs, err)
	}
	backups, _ := filepath.Glob(filepath.Join(m.dir, id+"_logs-*"))
	for _, b := range backups {
		if err := os.Remove(b); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	if err := os.RemoveAll(m.RecordingDir(id)); err != nil {
		errs = append(errs, err)
	}
	if m.index != nil {
		if err := m.index.DeleteInstanceEvents(id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Recording opens a capture file for one session.
func (m *Manager) Recording(instanceID, sessionID string) (io.WriteCloser, error) {
	dir := m.RecordingDir(instanceID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	name := fmt.Sprintf("%s_%s.raw", time.Now().UTC().Format("20060102T150405"), sessionID)
	return os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
}

// Sink is the EventSink of one running instance. Writes are serialized.
type Sink struct {
	mgr    *Manager
	cfg    honeypot.Config
	format string

	mu     sync.Mutex
	out    *lumberjack.Roller
	closed bool
}

// Record stamps, classifies and distributes one event. Failures are logged,
// never returned, so a broken disk cannot take a session down.
func (s *Sink) Record(ev honeypot.Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	if ev.InstanceID == "" {
		ev.InstanceID = s.cfg.ID
	}
	if s.mgr.classifier != nil {
		s.mgr.classifier.Tag(&ev)
	}

	if s.out != nil {
		line, err := s.render(ev)
		if err != nil {
			logging.Error("[EVENTLOG] Failed to encode event for %s: %v", ev.InstanceID, err)
		} else {
			s.mu.Lock()
			if !s.closed {
				if _, err := s.out.Write(line); err != nil {
					logging.Error("[EVENTLOG] Failed to write event for %s: %v", ev.InstanceID, err)
				}
			}
			s.mu.Unlock()
		}

		if s.mgr.index != nil {
			if err := s.mgr.index.InsertEvent(ev); err != nil {
				logging.Error("[EVENTLOG] Failed to index event for %s: %v", ev.InstanceID, err)
			}
		}
	}

	if s.mgr.observer != nil {
		s.mgr.observer.EventRecorded(ev.InstanceID, string(ev.Category), ev.Tag)
	}
	if ev.Tag != "" {
		logging.Attack(ev.InstanceID, ev.RemoteAddr, string(ev.Category), ev.Tag, ev.Message)
	}
	if s.mgr.alerts != nil {
		s.mgr.alerts.Notify(s.cfg, ev)
	}
}

func (s *Sink) render(ev honeypot.Event) ([]byte, error) {
	if s.format == catalog.FormatJSONL {
		b, err := json.Marshal(ev)
		if err != nil {
			return nil, err
		}
		return append(b, '\n'), nil
	}
	return []byte(FormatText(ev) + "\n"), nil
}

// Close flushes and closes the artifact. Later events are dropped from the file.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.mgr.release(s)
	if s.out != nil {
		return s.out.Close()
	}
	return nil
}

// FormatText renders an event as one plain text line:
//
//	2024-05-01 12:00:00 [AUTH] 203.0.113.7:5000 session=ab12 - PASS attempt user="root" password="toor" tag=recon
func FormatText(ev honeypot.Event) string {
	var b strings.Builder
	b.WriteString(ev.Timestamp.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(&b, " [%s] %s", strings.ToUpper(string(ev.Category)), ev.RemoteAddr)
	if ev.SessionID != "" {
		fmt.Fprintf(&b, " session=%s", ev.SessionID)
	}
	b.WriteString(" - ")
	b.WriteString(sanitize(ev.Message))

	if len(ev.Fields) > 0 {
		keys := make([]string, 0, len(ev.Fields))
		for k := range ev.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, " %s=%q", k, ev.Fields[k])
		}
	}
	if ev.Tag != "" {
		fmt.Fprintf(&b, " tag=%s", ev.Tag)
	}
	return b.String()
}

// sanitize keeps attacker input on a single line.
func sanitize(s string) string {
	return strings.NewReplacer("\r", `\r`, "\n", `\n`).Replace(s)
}
