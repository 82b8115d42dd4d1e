// Package engine maps decoy type ids to the protocol handlers that serve them.
package engine

import (
	"context"
	"fmt"
	"net"
	"sort"

	"github.com/0tSystemsPublicRepos/honeyhive/internal/engine/ftp"
	"github.com/0tSystemsPublicRepos/honeyhive/internal/engine/mysql"
	"github.com/0tSystemsPublicRepos/honeyhive/internal/engine/sshd"
	"github.com/0tSystemsPublicRepos/honeyhive/internal/engine/telnet"
	"github.com/0tSystemsPublicRepos/honeyhive/internal/engine/webconsole"
	"github.com/0tSystemsPublicRepos/honeyhive/internal/honeypot"
	"github.com/0tSystemsPublicRepos/honeyhive/internal/session"
)

// Handler serves one accepted connection until the session ends or ctx is
// cancelled. Handlers that hold per-instance resources also implement io.Closer.
type Handler interface {
	Serve(ctx context.Context, conn net.Conn)
}

// Factory builds the handler of one running instance.
type Factory func(cfg honeypot.Config, env session.Env) (Handler, error)

// Registry is a fixed lookup table from type id to factory.
type Registry struct {
	factories map[string]Factory
}

func NewRegistry(factories map[string]Factory) *Registry {
	r := &Registry{factories: make(map[string]Factory, len(factories))}
	for id, f := range factories {
		r.factories[id] = f
	}
	return r
}

// Default registers every built-in engine.
func Default() *Registry {
	return NewRegistry(map[string]Factory{
		"ftp_honeypot": func(cfg honeypot.Config, env session.Env) (Handler, error) {
			return ftp.New(cfg, env)
		},
		"telnet_switch": func(cfg honeypot.Config, env session.Env) (Handler, error) {
			return telnet.New(cfg, env)
		},
		"mysql_honeypot": func(cfg honeypot.Config, env session.Env) (Handler, error) {
			return mysql.New(cfg, env)
		},
		"phpmyadmin_honeypot": func(cfg honeypot.Config, env session.Env) (Handler, error) {
			return webconsole.New(cfg, env)
		},
		"cowrie": func(cfg honeypot.Config, env session.Env) (Handler, error) {
			return sshd.New(cfg, env)
		},
	})
}

// Build constructs a handler for cfg.Type.
func (r *Registry) Build(cfg honeypot.Config, env session.Env) (Handler, error) {
	f, ok := r.factories[cfg.Type]
	if !ok {
		return nil, fmt.Errorf("%w: no engine for type %q", honeypot.ErrProcessSpawnFailure, cfg.Type)
	}
	h, err := f(cfg, env)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", honeypot.ErrProcessSpawnFailure, cfg.Type, err)
	}
	return h, nil
}

// Has reports whether typeID can be built.
func (r *Registry) Has(typeID string) bool {
	_, ok := r.factories[typeID]
	return ok
}

// Types lists the registered type ids in order.
func (r *Registry) Types() []string {
	out := make([]string, 0, len(r.factories))
	for id := range r.factories {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
