package catalog

import (
	"errors"
	"testing"

	"github.com/0tSystemsPublicRepos/honeyhive/internal/honeypot"
)

func TestDefaultCatalogIsSortedAndComplete(t *testing.T) {
	c := Default()
	list := c.List()
	if len(list) != len(builtin) {
		t.Fatalf("expected %d types, got %d", len(builtin), len(list))
	}
	for i := 1; i < len(list); i++ {
		if list[i-1].ID >= list[i].ID {
			t.Fatalf("list not sorted at %d: %s >= %s", i, list[i-1].ID, list[i].ID)
		}
	}
	for _, id := range []string{"ftp_honeypot", "telnet_switch", "mysql_honeypot", "phpmyadmin_honeypot", "cowrie"} {
		if _, ok := c.Get(id); !ok {
			t.Fatalf("missing %s", id)
		}
	}
}

func TestGetReturnsCopy(t *testing.T) {
	c := Default()
	d, _ := c.Get("ftp_honeypot")
	d.SupportedPorts[0] = 1
	d.ConfigurableFields = nil

	again, _ := c.Get("ftp_honeypot")
	if again.SupportedPorts[0] != 21 {
		t.Fatalf("catalog mutated through returned descriptor: %v", again.SupportedPorts)
	}
	if len(again.ConfigurableFields) == 0 {
		t.Fatal("configurable fields lost")
	}
}

func TestNewRejectsDuplicates(t *testing.T) {
	_, err := New([]TypeDescriptor{{ID: "a"}, {ID: "a"}})
	if err == nil {
		t.Fatal("expected duplicate error")
	}
}

func TestValidate(t *testing.T) {
	c := Default()
	cases := []struct {
		name string
		cfg  honeypot.Config
		want error
	}{
		{"ok", honeypot.Config{Type: "ftp_honeypot", Port: 2121, Options: map[string]string{"fake_files": "a.txt"}}, nil},
		{"unknown type", honeypot.Config{Type: "gopher", Port: 70}, honeypot.ErrUnknownType},
		{"bad port", honeypot.Config{Type: "ftp_honeypot", Port: 70000}, honeypot.ErrInvalidConfig},
		{"bad option", honeypot.Config{Type: "ftp_honeypot", Port: 21, Options: map[string]string{"device_type": "x"}}, honeypot.ErrInvalidConfig},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := c.Validate(tc.cfg)
			if tc.want == nil && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tc.want != nil && !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestJSONLFormatForHTTPTypes(t *testing.T) {
	d, _ := Default().Get("phpmyadmin_honeypot")
	if d.LogFormat != FormatJSONL {
		t.Fatalf("expected jsonl, got %s", d.LogFormat)
	}
	d, _ = Default().Get("telnet_switch")
	if d.LogFormat != FormatText {
		t.Fatalf("expected text, got %s", d.LogFormat)
	}
}
