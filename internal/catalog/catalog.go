package catalog

import (
	"fmt"
	"sort"

	"github.com/0tSystemsPublicRepos/honeyhive/internal/honeypot"
)

// Log formats for instance artifacts.
const (
	FormatText  = "text"
	FormatJSONL = "jsonl"
)

// TypeDescriptor describes one supported decoy type. It is never mutated after load.
type TypeDescriptor struct {
	ID                    string   `json:"id"`
	Name                  string   `json:"name"`
	Description           string   `json:"description"`
	DefaultPort           int      `json:"default_port"`
	SupportedPorts        []int    `json:"supported_ports"`
	Features              []string `json:"features"`
	Category              string   `json:"category"`
	ConfigurableFields    []string `json:"config_fields"`
	DefaultMaxConnections int      `json:"default_max_connections"`
	LogFormat             string   `json:"log_format"`
}

func (d TypeDescriptor) clone() TypeDescriptor {
	d.SupportedPorts = append([]int(nil), d.SupportedPorts...)
	d.Features = append([]string(nil), d.Features...)
	d.ConfigurableFields = append([]string(nil), d.ConfigurableFields...)
	return d
}

// SupportsPort reports whether port is one of the advertised ports for the type.
func (d TypeDescriptor) SupportsPort(port int) bool {
	for _, p := range d.SupportedPorts {
		if p == port {
			return true
		}
	}
	return false
}

// HasFeature reports whether the type carries the given feature tag.
func (d TypeDescriptor) HasFeature(tag string) bool {
	for _, f := range d.Features {
		if f == tag {
			return true
		}
	}
	return false
}

// AcceptsField reports whether name is a configurable field of the type.
func (d TypeDescriptor) AcceptsField(name string) bool {
	for _, f := range d.ConfigurableFields {
		if f == name {
			return true
		}
	}
	return false
}

// Catalog is an immutable table of type descriptors keyed by id.
type Catalog struct {
	types map[string]TypeDescriptor
}

// New builds a catalog from descriptors. Duplicate ids are rejected.
func New(descriptors []TypeDescriptor) (*Catalog, error) {
	c := &Catalog{types: make(map[string]TypeDescriptor, len(descriptors))}
	for _, d := range descriptors {
		if d.ID == "" {
			return nil, fmt.Errorf("catalog: descriptor with empty id")
		}
		if _, dup := c.types[d.ID]; dup {
			return nil, fmt.Errorf("catalog: duplicate type %q", d.ID)
		}
		if d.LogFormat == "" {
			d.LogFormat = FormatText
		}
		c.types[d.ID] = d.clone()
	}
	return c, nil
}

// Get returns a copy of the descriptor for id.
func (c *Catalog) Get(id string) (TypeDescriptor, bool) {
	d, ok := c.types[id]
	if !ok {
		return TypeDescriptor{}, false
	}
	return d.clone(), true
}

// List returns all descriptors ordered by id.
func (c *Catalog) List() []TypeDescriptor {
	out := make([]TypeDescriptor, 0, len(c.types))
	for _, d := range c.types {
		out = append(out, d.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Validate checks an instance config against its type descriptor.
func (c *Catalog) Validate(cfg honeypot.Config) error {
	d, ok := c.types[cfg.Type]
	if !ok {
		return fmt.Errorf("%w: %q", honeypot.ErrUnknownType, cfg.Type)
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", honeypot.ErrInvalidConfig, cfg.Port)
	}
	for key := range cfg.Options {
		if !d.AcceptsField(key) {
			return fmt.Errorf("%w: field %q is not configurable for %s", honeypot.ErrInvalidConfig, key, cfg.Type)
		}
	}
	return nil
}
