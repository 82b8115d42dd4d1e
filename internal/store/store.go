// Package store persists decoy instance configurations as one JSON snapshot.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/0tSystemsPublicRepos/honeyhive/internal/catalog"
	"github.com/0tSystemsPublicRepos/honeyhive/internal/honeypot"
)

// ConfigStore is the single source of truth for instance configurations.
type ConfigStore struct {
	mu      sync.Mutex
	path    string
	catalog *catalog.Catalog
	configs map[string]honeypot.Config

	// replaced in tests
	write func(path string, data []byte) error
}

// Open loads the snapshot at path. A missing file yields an empty store.
func Open(path string, cat *catalog.Catalog) (*ConfigStore, error) {
	s := &ConfigStore{
		path:    path,
		catalog: cat,
		configs: make(map[string]honeypot.Config),
		write:   writeAtomic,
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("read config snapshot: %w", err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return s, nil
	}
	if err := json.Unmarshal(data, &s.configs); err != nil {
		return nil, fmt.Errorf("parse config snapshot %s: %w", path, err)
	}
	for id, cfg := range s.configs {
		if cfg.ID == "" {
			cfg.ID = id
			s.configs[id] = cfg
		}
	}
	return s, nil
}

// List returns a copy of every stored config keyed by id.
func (s *ConfigStore) List() map[string]honeypot.Config {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]honeypot.Config, len(s.configs))
	for id, cfg := range s.configs {
		out[id] = cfg.Clone()
	}
	return out
}

// IDs returns the stored ids in sorted order.
func (s *ConfigStore) IDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.configs))
	for id := range s.configs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (s *ConfigStore) Get(id string) (honeypot.Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg, ok := s.configs[id]
	if !ok {
		return honeypot.Config{}, fmt.Errorf("%w: %s", honeypot.ErrConfigNotFound, id)
	}
	return cfg.Clone(), nil
}

// Save inserts or fully replaces a config and returns its id.
func (s *ConfigStore) Save(cfg honeypot.Config) (string, error) {
	cfg = cfg.Clone()

	desc, ok := s.catalog.Get(cfg.Type)
	if !ok {
		return "", fmt.Errorf("%w: %q", honeypot.ErrUnknownType, cfg.Type)
	}
	if cfg.Port == 0 {
		cfg.Port = desc.DefaultPort
	}
	if cfg.Name == "" {
		cfg.Name = desc.Name
	}
	if cfg.CreatedAt.IsZero() {
		cfg.CreatedAt = time.Now().UTC().Truncate(time.Second)
	}
	if err := s.catalog.Validate(cfg); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if cfg.ID == "" {
		cfg.ID = s.newID(cfg.Type)
	}

	prev, existed := s.configs[cfg.ID]
	s.configs[cfg.ID] = cfg
	if err := s.persist(); err != nil {
		if existed {
			s.configs[cfg.ID] = prev
		} else {
			delete(s.configs, cfg.ID)
		}
		return "", err
	}
	return cfg.ID, nil
}

func (s *ConfigStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.configs[id]
	if !ok {
		return fmt.Errorf("%w: %s", honeypot.ErrConfigNotFound, id)
	}
	delete(s.configs, id)
	if err := s.persist(); err != nil {
		s.configs[id] = prev
		return err
	}
	return nil
}

// newID mints "<type>_<8 hex>". Caller holds mu.
func (s *ConfigStore) newID(typeID string) string {
	for {
		hex := strings.ReplaceAll(uuid.NewString(), "-", "")
		id := fmt.Sprintf("%s_%s", typeID, hex[:8])
		if _, taken := s.configs[id]; !taken {
			return id
		}
	}
}

// persist writes the whole map. Caller holds mu.
func (s *ConfigStore) persist() error {
	data, err := json.MarshalIndent(s.configs, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: encode snapshot: %v", honeypot.ErrPersistenceWrite, err)
	}
	if err := s.write(s.path, data); err != nil {
		return fmt.Errorf("%w: %v", honeypot.ErrPersistenceWrite, err)
	}
	return nil
}

// writeAtomic writes data to a temp file next to path, syncs it and renames it
// over path so readers never observe a partial snapshot.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	cleanup := func() { os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Chmod(tmpName, 0600); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return err
	}
	return nil
}
