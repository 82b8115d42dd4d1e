package engine

import (
	"errors"
	"io"
	"testing"

	"github.com/0tSystemsPublicRepos/honeyhive/internal/catalog"
	"github.com/0tSystemsPublicRepos/honeyhive/internal/honeypot"
	"github.com/0tSystemsPublicRepos/honeyhive/internal/session"
)

func TestEnginesAreCatalogued(t *testing.T) {
	cat := catalog.Default()
	types := Default().Types()
	if len(types) != 5 {
		t.Fatalf("registered engines = %v", types)
	}
	for _, id := range types {
		if _, ok := cat.Get(id); !ok {
			t.Errorf("engine %s has no catalog descriptor", id)
		}
	}
}

func TestBuild(t *testing.T) {
	r := Default()
	tests := []struct {
		name    string
		cfg     honeypot.Config
		wantErr bool
		closer  bool
	}{
		{"ftp", honeypot.Config{ID: "f", Type: "ftp_honeypot"}, false, false},
		{"telnet", honeypot.Config{ID: "t", Type: "telnet_switch"}, false, false},
		{"mysql", honeypot.Config{ID: "m", Type: "mysql_honeypot"}, false, false},
		{"webconsole", honeypot.Config{ID: "p", Type: "phpmyadmin_honeypot"}, false, true},
		{"ssh", honeypot.Config{ID: "c", Type: "cowrie"}, false, false},
		{"unknown type", honeypot.Config{ID: "x", Type: "smtp"}, true, false},
		{"catalogued without engine", honeypot.Config{ID: "d", Type: "dionaea"}, true, false},
		{"bad option", honeypot.Config{ID: "t", Type: "telnet_switch", Options: map[string]string{"device_type": "fridge"}}, true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, err := r.Build(tt.cfg, session.Env{})
			if tt.wantErr {
				if !errors.Is(err, honeypot.ErrProcessSpawnFailure) {
					t.Fatalf("err = %v, want ErrProcessSpawnFailure", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Build: %v", err)
			}
			c, ok := h.(io.Closer)
			if ok != tt.closer {
				t.Fatalf("io.Closer = %v, want %v", ok, tt.closer)
			}
			if ok {
				c.Close()
			}
		})
	}
}
