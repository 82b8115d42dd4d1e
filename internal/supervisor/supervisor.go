// Package supervisor owns the lifecycle of decoy instances: it starts their
// listeners, keeps the running registry and reconciles it against the
// listeners that are actually alive.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/0tSystemsPublicRepos/honeyhive/internal/catalog"
	"github.com/0tSystemsPublicRepos/honeyhive/internal/database"
	"github.com/0tSystemsPublicRepos/honeyhive/internal/engine"
	"github.com/0tSystemsPublicRepos/honeyhive/internal/eventlog"
	"github.com/0tSystemsPublicRepos/honeyhive/internal/honeypot"
	"github.com/0tSystemsPublicRepos/honeyhive/internal/listener"
	"github.com/0tSystemsPublicRepos/honeyhive/internal/logging"
	"github.com/0tSystemsPublicRepos/honeyhive/internal/session"
	"github.com/0tSystemsPublicRepos/honeyhive/internal/store"
)

const (
	DefaultGracePeriod = 5 * time.Second
	registryTimeout    = 5 * time.Second
)

// Metrics receives connection and registry gauges.
type Metrics interface {
	listener.Observer
	SetRunning(n int)
	Forget(instanceID string)
}

// RunningInstance is the registry entry of a live instance.
type RunningInstance struct {
	ID        string          `json:"id"`
	Handle    string          `json:"handle"`
	StartedAt time.Time       `json:"started_at"`
	Addr      string          `json:"addr"`
	Config    honeypot.Config `json:"config"`
}

// Status is the reconciled view returned by Status.
type Status struct {
	Total          int                        `json:"total"`
	Running        int                        `json:"running"`
	Configs        map[string]honeypot.Config `json:"configs"`
	RunningDetails map[string]RunningInstance `json:"running_details"`
}

type Options struct {
	// BindAddress is the host part of every instance listener. Empty binds all interfaces.
	BindAddress string
	GracePeriod time.Duration
	Env         session.Env
	Registry    database.RunningStore
	Index       database.EventIndex
	Metrics     Metrics
}

type Supervisor struct {
	configs *store.ConfigStore
	catalog *catalog.Catalog
	engines *engine.Registry
	logs    *eventlog.Manager

	bind     string
	grace    time.Duration
	env      session.Env
	registry database.RunningStore
	index    database.EventIndex
	metrics  Metrics

	mu      sync.Mutex
	running map[string]*instance
	// busy holds ids with a start or stop in progress.
	busy map[string]bool
}

type instance struct {
	RunningInstance
	ln      *listener.Listener
	handler engine.Handler
	sink    *eventlog.Sink
}

func New(configs *store.ConfigStore, cat *catalog.Catalog, engines *engine.Registry, logs *eventlog.Manager, opts Options) *Supervisor {
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = DefaultGracePeriod
	}
	return &Supervisor{
		configs:  configs,
		catalog:  cat,
		engines:  engines,
		logs:     logs,
		bind:     opts.BindAddress,
		grace:    opts.GracePeriod,
		env:      opts.Env,
		registry: opts.Registry,
		index:    opts.Index,
		metrics:  opts.Metrics,
		running:  make(map[string]*instance),
		busy:     make(map[string]bool),
	}
}

// Start brings up the listener of a configured instance.
func (s *Supervisor) Start(id string) (RunningInstance, error) {
	cfg, err := s.configs.Get(id)
	if err != nil {
		return RunningInstance{}, err
	}

	s.reconcile()
	s.mu.Lock()
	if _, ok := s.running[id]; ok || s.busy[id] {
		s.mu.Unlock()
		return RunningInstance{}, fmt.Errorf("%w: %s", honeypot.ErrAlreadyRunning, id)
	}
	s.busy[id] = true
	s.mu.Unlock()

	inst, err := s.launch(cfg)

	s.mu.Lock()
	delete(s.busy, id)
	if err == nil {
		s.running[id] = inst
	}
	n := len(s.running)
	s.mu.Unlock()

	if err != nil {
		logging.Error("[SUPERVISOR] Failed to start %s: %v", id, err)
		return RunningInstance{}, err
	}
	s.setRunning(n)
	logging.Info("[SUPERVISOR] Started %s (%s) on %s, handle %s", id, cfg.Type, inst.Addr, inst.Handle)
	return inst.RunningInstance, nil
}

func (s *Supervisor) launch(cfg honeypot.Config) (*instance, error) {
	desc, ok := s.catalog.Get(cfg.Type)
	if !ok {
		return nil, fmt.Errorf("%w: %w: %s", honeypot.ErrProcessSpawnFailure, honeypot.ErrUnknownType, cfg.Type)
	}
	if !s.engines.Has(cfg.Type) {
		return nil, fmt.Errorf("%w: no engine for type %q", honeypot.ErrProcessSpawnFailure, cfg.Type)
	}

	sink, err := s.logs.Open(cfg, desc.LogFormat)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", honeypot.ErrProcessSpawnFailure, err)
	}
	env := s.env
	env.Sink = sink
	h, err := s.engines.Build(cfg, env)
	if err != nil {
		sink.Close()
		return nil, err
	}

	handle := uuid.NewString()
	opts := listener.Options{
		Cap:    cfg.ConnectionCap(desc.DefaultMaxConnections),
		Sink:   sink,
		OnExit: func(err error) { s.exited(cfg.ID, handle, err) },
	}
	if s.metrics != nil {
		opts.Observer = s.metrics
	}
	if cfg.EnableRecording {
		opts.Recorder = s.logs
	}

	addr := net.JoinHostPort(s.bind, strconv.Itoa(cfg.Port))
	ln, err := listener.Listen(addr, cfg, h, opts)
	if err != nil {
		closeHandler(h)
		sink.Close()
		return nil, err
	}

	inst := &instance{
		RunningInstance: RunningInstance{
			ID:        cfg.ID,
			Handle:    handle,
			StartedAt: time.Now(),
			Addr:      ln.Addr().String(),
			Config:    cfg,
		},
		ln:      ln,
		handler: h,
		sink:    sink,
	}

	if s.registry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), registryTimeout)
		defer cancel()
		err := s.registry.UpsertRunning(ctx, database.RunningRow{
			ID:        cfg.ID,
			Handle:    handle,
			Type:      cfg.Type,
			Port:      cfg.Port,
			Addr:      inst.Addr,
			StartedAt: inst.StartedAt,
		})
		if err != nil {
			s.release(inst, false)
			return nil, fmt.Errorf("%w: running registry: %w", honeypot.ErrPersistenceWrite, err)
		}
	}
	return inst, nil
}

// Stop removes the instance from the registry and shuts its listener down,
// forcing it after the grace period.
func (s *Supervisor) Stop(id string) error {
	s.reconcile()
	s.mu.Lock()
	inst, ok := s.running[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", honeypot.ErrNotRunning, id)
	}
	delete(s.running, id)
	s.busy[id] = true
	n := len(s.running)
	s.mu.Unlock()
	s.setRunning(n)

	s.release(inst, true)

	s.mu.Lock()
	delete(s.busy, id)
	s.mu.Unlock()
	logging.Info("[SUPERVISOR] Stopped %s", id)
	return nil
}

// release tears down everything an instance holds. dropRow controls whether
// its persisted registry row goes too.
func (s *Supervisor) release(inst *instance, dropRow bool) {
	if forced := inst.ln.Shutdown(s.grace); forced {
		logging.Warn("[SUPERVISOR] %s did not drain within %v; sessions abandoned", inst.ID, s.grace)
	}
	closeHandler(inst.handler)
	if err := inst.sink.Close(); err != nil {
		logging.Warn("[SUPERVISOR] Failed to close log of %s: %v", inst.ID, err)
	}
	if dropRow && s.registry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), registryTimeout)
		defer cancel()
		if err := s.registry.DeleteRunning(ctx, inst.ID); err != nil {
			logging.Error("[SUPERVISOR] %v: running registry: %v", honeypot.ErrPersistenceWrite, err)
		}
	}
}

func closeHandler(h engine.Handler) {
	if c, ok := h.(io.Closer); ok {
		if err := c.Close(); err != nil {
			logging.Warn("[SUPERVISOR] Failed to close handler: %v", err)
		}
	}
}

// exited is the listener's fatal exit callback.
func (s *Supervisor) exited(id, handle string, err error) {
	s.mu.Lock()
	inst, ok := s.running[id]
	if !ok || inst.Handle != handle {
		s.mu.Unlock()
		return
	}
	delete(s.running, id)
	n := len(s.running)
	s.mu.Unlock()

	logging.Error("[SUPERVISOR] %v: %s: listener exited: %v", honeypot.ErrLivenessProbeFailure, id, err)
	s.setRunning(n)
	go s.release(inst, true)
}

// reconcile purges registry entries whose listener is no longer alive.
func (s *Supervisor) reconcile() {
	s.mu.Lock()
	var dead []*instance
	for id, inst := range s.running {
		if !inst.ln.Alive() {
			dead = append(dead, inst)
			delete(s.running, id)
		}
	}
	n := len(s.running)
	s.mu.Unlock()

	if len(dead) == 0 {
		return
	}
	s.setRunning(n)
	for _, inst := range dead {
		logging.Error("[SUPERVISOR] %v: %s: %v", honeypot.ErrLivenessProbeFailure, inst.ID, inst.ln.Err())
		s.release(inst, true)
	}
}

// Status reconciles the registry, then reports every config and live instance.
func (s *Supervisor) Status() Status {
	s.reconcile()
	configs := s.configs.List()

	s.mu.Lock()
	details := make(map[string]RunningInstance, len(s.running))
	for id, inst := range s.running {
		ri := inst.RunningInstance
		ri.Config = ri.Config.Clone()
		details[id] = ri
	}
	s.mu.Unlock()

	return Status{
		Total:          len(configs),
		Running:        len(details),
		Configs:        configs,
		RunningDetails: details,
	}
}

// IsRunning reports whether id has a live registry entry.
func (s *Supervisor) IsRunning(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.running[id]
	return ok && inst.ln.Alive()
}

// Delete stops the instance if needed, drops its config and removes its
// artifacts. Earlier steps are not undone when a later one fails.
func (s *Supervisor) Delete(id string) error {
	if err := s.Stop(id); err != nil && !errors.Is(err, honeypot.ErrNotRunning) {
		return err
	}
	if err := s.configs.Delete(id); err != nil {
		return err
	}
	if s.metrics != nil {
		s.metrics.Forget(id)
	}
	if err := s.logs.Remove(id); err != nil {
		return fmt.Errorf("remove artifacts of %s: %w", id, err)
	}
	logging.Info("[SUPERVISOR] Deleted %s", id)
	return nil
}

func (s *Supervisor) ListConfigs() map[string]honeypot.Config {
	return s.configs.List()
}

func (s *Supervisor) GetConfig(id string) (honeypot.Config, error) {
	return s.configs.Get(id)
}

// SaveConfig stores cfg. A running instance keeps the snapshot it started with.
func (s *Supervisor) SaveConfig(cfg honeypot.Config) (string, error) {
	return s.configs.Save(cfg)
}

// ReadLogs returns the last n lines of the instance artifact.
func (s *Supervisor) ReadLogs(id string, n int) ([]string, error) {
	if _, err := s.configs.Get(id); err != nil {
		return nil, err
	}
	return s.logs.Tail(id, n)
}

// DownloadLogs opens the full artifact. The caller closes it.
func (s *Supervisor) DownloadLogs(id string) (io.ReadCloser, error) {
	if _, err := s.configs.Get(id); err != nil {
		return nil, err
	}
	return s.logs.Reader(id)
}

// Events returns the most recent indexed events of an instance.
func (s *Supervisor) Events(id string, limit int) ([]honeypot.Event, error) {
	if _, err := s.configs.Get(id); err != nil {
		return nil, err
	}
	if s.index == nil {
		return []honeypot.Event{}, nil
	}
	return s.index.RecentEvents(id, limit)
}

// Stats summarises the indexed events of an instance.
func (s *Supervisor) Stats(id string) (database.EventStats, error) {
	if _, err := s.configs.Get(id); err != nil {
		return database.EventStats{}, err
	}
	if s.index == nil {
		return database.EventStats{ByCategory: map[string]int64{}, ByTag: map[string]int64{}}, nil
	}
	return s.index.EventStats(id)
}

func (s *Supervisor) Types() []catalog.TypeDescriptor {
	return s.catalog.List()
}

// RunReconciler reconciles the registry every interval until ctx ends.
func (s *Supervisor) RunReconciler(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.reconcile()
		}
	}
}

// Restore clears registry rows left by a previous process. With resume set
// it starts those instances again and returns the ids that came back.
func (s *Supervisor) Restore(ctx context.Context, resume bool) ([]string, error) {
	if s.registry == nil {
		return nil, nil
	}
	rows, err := s.registry.ListRunning(ctx)
	if err != nil {
		return nil, fmt.Errorf("list running registry: %w", err)
	}
	if err := s.registry.ClearRunning(ctx); err != nil {
		return nil, fmt.Errorf("%w: clear running registry: %w", honeypot.ErrPersistenceWrite, err)
	}
	if len(rows) > 0 {
		logging.Info("[SUPERVISOR] Found %d instances from a previous run", len(rows))
	}
	if !resume {
		return nil, nil
	}

	var resumed []string
	for _, row := range rows {
		if ctx.Err() != nil {
			return resumed, ctx.Err()
		}
		if _, err := s.Start(row.ID); err != nil {
			logging.Warn("[SUPERVISOR] Could not resume %s: %v", row.ID, err)
			continue
		}
		resumed = append(resumed, row.ID)
	}
	return resumed, nil
}

// Shutdown stops every instance in parallel. Registry rows are kept so the
// next Restore can resume them. It returns ctx.Err() if ctx ends first.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	all := make([]*instance, 0, len(s.running))
	for id, inst := range s.running {
		all = append(all, inst)
		delete(s.running, id)
		s.busy[id] = true
	}
	s.mu.Unlock()
	s.setRunning(0)

	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	var wg sync.WaitGroup
	for _, inst := range all {
		wg.Add(1)
		go func(inst *instance) {
			defer wg.Done()
			s.release(inst, false)
			s.mu.Lock()
			delete(s.busy, inst.ID)
			s.mu.Unlock()
		}(inst)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		logging.Info("[SUPERVISOR] Stopped %d instances", len(all))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Supervisor) setRunning(n int) {
	if s.metrics != nil {
		s.metrics.SetRunning(n)
	}
}
