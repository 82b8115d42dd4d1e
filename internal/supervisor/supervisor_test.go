package supervisor

import (
	"bufio"
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/0tSystemsPublicRepos/honeyhive/internal/catalog"
	"github.com/0tSystemsPublicRepos/honeyhive/internal/database"
	"github.com/0tSystemsPublicRepos/honeyhive/internal/engine"
	"github.com/0tSystemsPublicRepos/honeyhive/internal/eventlog"
	"github.com/0tSystemsPublicRepos/honeyhive/internal/honeypot"
	"github.com/0tSystemsPublicRepos/honeyhive/internal/store"
)

// memRegistry is an in-memory database.RunningStore.
type memRegistry struct {
	mu   sync.Mutex
	rows map[string]database.RunningRow
	fail error
}

func newMemRegistry() *memRegistry {
	return &memRegistry{rows: make(map[string]database.RunningRow)}
}

func (m *memRegistry) UpsertRunning(_ context.Context, row database.RunningRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	m.rows[row.ID] = row
	return nil
}

func (m *memRegistry) DeleteRunning(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rows, id)
	return nil
}

func (m *memRegistry) ListRunning(context.Context) ([]database.RunningRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]database.RunningRow, 0, len(m.rows))
	for _, r := range m.rows {
		out = append(out, r)
	}
	return out, nil
}

func (m *memRegistry) ClearRunning(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows = make(map[string]database.RunningRow)
	return nil
}

func (m *memRegistry) has(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.rows[id]
	return ok
}

type fixture struct {
	sup    *Supervisor
	store  *store.ConfigStore
	reg    *memRegistry
	logDir string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	cat := catalog.Default()
	st, err := store.Open(filepath.Join(dir, "honeypot_configs.json"), cat)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	logDir := filepath.Join(dir, "instances")
	reg := newMemRegistry()
	sup := New(st, cat, engine.Default(), eventlog.NewManager(logDir, eventlog.Options{}), Options{
		BindAddress: "127.0.0.1",
		GracePeriod: 200 * time.Millisecond,
		Registry:    reg,
	})
	t.Cleanup(func() { sup.Shutdown(context.Background()) })
	return &fixture{sup: sup, store: st, reg: reg, logDir: logDir}
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func (f *fixture) saveFTP(t *testing.T) string {
	t.Helper()
	id, err := f.store.Save(honeypot.Config{Type: "ftp_honeypot", Port: freePort(t), EnableLogging: true})
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	return id
}

func greet(t *testing.T, addr string) {
	t.Helper()
	c, err := net.DialTimeout("tcp", addr, time.Second)
	if err != nil {
		t.Fatalf("dial %s: %v", addr, err)
	}
	defer c.Close()
	c.SetDeadline(time.Now().Add(2 * time.Second))
	line, err := bufio.NewReader(c).ReadString('\n')
	if err != nil || !strings.HasPrefix(line, "220") {
		t.Fatalf("greeting = %q, %v", line, err)
	}
	c.Write([]byte("QUIT\r\n"))
}

func TestStartStop(t *testing.T) {
	f := newFixture(t)
	id := f.saveFTP(t)

	ri, err := f.sup.Start(id)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if ri.Handle == "" || ri.Config.ID != id {
		t.Fatalf("running instance = %+v", ri)
	}
	if !f.reg.has(id) {
		t.Fatal("no registry row after start")
	}
	greet(t, ri.Addr)

	if _, err := f.sup.Start(id); !errors.Is(err, honeypot.ErrAlreadyRunning) {
		t.Fatalf("second Start err = %v, want ErrAlreadyRunning", err)
	}
	if st := f.sup.Status(); st.Running != 1 || st.Total != 1 {
		t.Fatalf("status = %+v", st)
	}

	if err := f.sup.Stop(id); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := f.sup.Stop(id); !errors.Is(err, honeypot.ErrNotRunning) {
		t.Fatalf("second Stop err = %v, want ErrNotRunning", err)
	}
	if f.reg.has(id) {
		t.Fatal("registry row survived stop")
	}
	ln, err := net.Listen("tcp", ri.Addr)
	if err != nil {
		t.Fatalf("port not released: %v", err)
	}
	ln.Close()

	if _, err := f.sup.Start(id); err != nil {
		t.Fatalf("restart: %v", err)
	}
}

func TestStartErrors(t *testing.T) {
	f := newFixture(t)

	if _, err := f.sup.Start("ftp_honeypot_missing"); !errors.Is(err, honeypot.ErrConfigNotFound) {
		t.Fatalf("unknown id err = %v", err)
	}

	busy, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer busy.Close()
	id, _ := f.store.Save(honeypot.Config{Type: "ftp_honeypot", Port: busy.Addr().(*net.TCPAddr).Port})
	if _, err := f.sup.Start(id); !errors.Is(err, honeypot.ErrBindFailure) {
		t.Fatalf("bind err = %v", err)
	}
	if f.sup.Status().Running != 0 || f.reg.has(id) {
		t.Fatal("failed start left a registry entry")
	}

	noEngine, _ := f.store.Save(honeypot.Config{Type: "dionaea", Port: freePort(t)})
	if _, err := f.sup.Start(noEngine); !errors.Is(err, honeypot.ErrProcessSpawnFailure) {
		t.Fatalf("engineless type err = %v", err)
	}
	if _, err := os.Stat(f.sup.logs.LogPath(noEngine)); !os.IsNotExist(err) {
		t.Fatalf("log opened for engineless type: %v", err)
	}
}

func TestRegistryFailureRollsBack(t *testing.T) {
	f := newFixture(t)
	f.reg.fail = errors.New("disk full")
	id := f.saveFTP(t)
	cfg, _ := f.store.Get(id)

	if _, err := f.sup.Start(id); !errors.Is(err, honeypot.ErrPersistenceWrite) {
		t.Fatalf("err = %v, want ErrPersistenceWrite", err)
	}
	if f.sup.IsRunning(id) {
		t.Fatal("instance registered despite persistence failure")
	}
	ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(cfg.Port)))
	if err != nil {
		t.Fatalf("port not released: %v", err)
	}
	ln.Close()
}

func TestStatusDuringStop(t *testing.T) {
	f := newFixture(t)
	id := f.saveFTP(t)
	if _, err := f.sup.Start(id); err != nil {
		t.Fatal(err)
	}

	stop := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
					f.sup.Status()
				}
			}
		}()
	}

	if err := f.sup.Stop(id); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	for i := 0; i < 20; i++ {
		if st := f.sup.Status(); st.Running != 0 {
			t.Fatalf("status after stop = %+v", st)
		}
	}
	close(stop)
	wg.Wait()
}

func TestDeadListenerIsPurged(t *testing.T) {
	f := newFixture(t)
	id := f.saveFTP(t)
	if _, err := f.sup.Start(id); err != nil {
		t.Fatal(err)
	}

	f.sup.mu.Lock()
	ln := f.sup.running[id].ln
	f.sup.mu.Unlock()
	ln.Shutdown(0)

	st := f.sup.Status()
	if st.Running != 0 || len(st.RunningDetails) != 0 {
		t.Fatalf("dead instance still reported: %+v", st)
	}
	if f.reg.has(id) {
		t.Fatal("registry row of dead instance kept")
	}
	if _, err := f.sup.Start(id); err != nil {
		t.Fatalf("start after purge: %v", err)
	}
}

func TestExitCallbackPurges(t *testing.T) {
	f := newFixture(t)
	id := f.saveFTP(t)
	ri, err := f.sup.Start(id)
	if err != nil {
		t.Fatal(err)
	}

	f.sup.exited(id, "some-other-handle", errors.New("stale"))
	if !f.sup.IsRunning(id) {
		t.Fatal("callback with a stale handle purged the instance")
	}
	f.sup.exited(id, ri.Handle, errors.New("accept: bad file descriptor"))
	if _, ok := f.sup.Status().RunningDetails[id]; ok {
		t.Fatal("instance still registered after exit callback")
	}
}

func TestDelete(t *testing.T) {
	f := newFixture(t)
	id := f.saveFTP(t)
	ri, err := f.sup.Start(id)
	if err != nil {
		t.Fatal(err)
	}
	greet(t, ri.Addr)

	logPath := filepath.Join(f.logDir, id+"_logs.txt")
	deadline := time.Now().Add(2 * time.Second)
	for {
		if lines, _ := f.sup.ReadLogs(id, 10); len(lines) > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("no log lines recorded")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := f.sup.Delete(id); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := os.Stat(logPath); !os.IsNotExist(err) {
		t.Fatalf("artifact left behind: %v", err)
	}
	if _, err := f.store.Get(id); !errors.Is(err, honeypot.ErrConfigNotFound) {
		t.Fatalf("config survived delete: %v", err)
	}
	if f.sup.IsRunning(id) || f.reg.has(id) {
		t.Fatal("instance survived delete")
	}
	if err := f.sup.Delete(id); !errors.Is(err, honeypot.ErrConfigNotFound) {
		t.Fatalf("second Delete err = %v", err)
	}
}

func TestLogsOfConfiguredInstance(t *testing.T) {
	f := newFixture(t)
	id := f.saveFTP(t)

	lines, err := f.sup.ReadLogs(id, 0)
	if err != nil || len(lines) != 0 {
		t.Fatalf("ReadLogs = %v, %v", lines, err)
	}
	if _, err := f.sup.DownloadLogs(id); !errors.Is(err, honeypot.ErrLogNotFound) {
		t.Fatalf("DownloadLogs err = %v", err)
	}
	if _, err := f.sup.ReadLogs("nope", 5); !errors.Is(err, honeypot.ErrConfigNotFound) {
		t.Fatalf("ReadLogs unknown err = %v", err)
	}
	if evs, err := f.sup.Events(id, 10); err != nil || len(evs) != 0 {
		t.Fatalf("Events = %v, %v", evs, err)
	}
}

func TestRestore(t *testing.T) {
	tests := []struct {
		name    string
		resume  bool
		running int
	}{
		{"clear only", false, 0},
		{"resume", true, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			id := f.saveFTP(t)
			f.reg.rows[id] = database.RunningRow{ID: id, Handle: "previous"}
			f.reg.rows["gone_1234"] = database.RunningRow{ID: "gone_1234"}

			resumed, err := f.sup.Restore(context.Background(), tt.resume)
			if err != nil {
				t.Fatalf("Restore: %v", err)
			}
			if len(resumed) != tt.running {
				t.Fatalf("resumed = %v", resumed)
			}
			if got := f.sup.Status().Running; got != tt.running {
				t.Fatalf("running = %d, want %d", got, tt.running)
			}
			if f.reg.has("gone_1234") {
				t.Fatal("stale row kept")
			}
			if f.reg.has(id) != tt.resume {
				t.Fatalf("row for %s present = %v", id, f.reg.has(id))
			}
		})
	}
}

func TestShutdownKeepsRegistryRows(t *testing.T) {
	f := newFixture(t)
	a, b := f.saveFTP(t), f.saveFTP(t)
	for _, id := range []string{a, b} {
		if _, err := f.sup.Start(id); err != nil {
			t.Fatal(err)
		}
	}
	if err := f.sup.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if f.sup.Status().Running != 0 {
		t.Fatal("instances still running after shutdown")
	}
	if !f.reg.has(a) || !f.reg.has(b) {
		t.Fatal("shutdown dropped registry rows needed for resume")
	}
}
