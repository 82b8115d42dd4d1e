package session

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/0tSystemsPublicRepos/honeyhive/internal/honeypot"
)

type memSink struct {
	mu     sync.Mutex
	events []honeypot.Event
}

func (m *memSink) Record(ev honeypot.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
}

func newPipeSession(t *testing.T) (*Session, net.Conn, *memSink) {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() {
		server.Close()
		client.Close()
	})
	sink := &memSink{}
	ctx := WithID(context.Background(), "sess-1")
	s := New(ctx, honeypot.Config{ID: "ftp_1"}, server, sink, time.Second)
	return s, client, sink
}

func TestReadLine(t *testing.T) {
	s, client, _ := newPipeSession(t)
	go client.Write([]byte("USER root\r\nPASS x\n"))

	for _, want := range []string{"USER root", "PASS x"} {
		got, err := s.ReadLine(1024)
		if err != nil {
			t.Fatalf("ReadLine: %v", err)
		}
		if got != want {
			t.Fatalf("got %q, want %q", got, want)
		}
	}
}

func TestReadLineTooLong(t *testing.T) {
	s, client, _ := newPipeSession(t)
	go client.Write([]byte(strings.Repeat("A", 2000) + "\r\n"))

	_, err := s.ReadLine(1024)
	if !errors.Is(err, ErrLineTooLong) || !errors.Is(err, honeypot.ErrProtocolDecode) {
		t.Fatalf("err = %v", err)
	}
}

func TestReadLineIdleTimeout(t *testing.T) {
	s, _, _ := newPipeSession(t)
	s.idle = 20 * time.Millisecond
	_, err := s.ReadLine(1024)
	if !IsTimeout(err) {
		t.Fatalf("expected timeout, got %v", err)
	}
}

func TestEventsCarrySessionIdentity(t *testing.T) {
	s, _, sink := newPipeSession(t)
	s.Connect()
	s.Auth("admin", "admin", map[string]string{"stage": "enable"})
	s.Finish(nil)

	if len(sink.events) != 3 {
		t.Fatalf("got %d events", len(sink.events))
	}
	for _, ev := range sink.events {
		if ev.SessionID != "sess-1" || ev.InstanceID != "ftp_1" || ev.RemoteAddr == "" {
			t.Fatalf("event missing identity: %+v", ev)
		}
	}
	auth := sink.events[1]
	if auth.Category != honeypot.CategoryAuth || auth.Fields["password"] != "admin" || auth.Fields["stage"] != "enable" {
		t.Fatalf("auth event = %+v", auth)
	}
}

func TestElevateRequiresLogin(t *testing.T) {
	s, _, _ := newPipeSession(t)
	if s.Elevate() || s.Privileged {
		t.Fatal("elevated before authentication")
	}
	s.Login("admin")
	if !s.Elevate() || !s.Privileged {
		t.Fatal("elevate after login failed")
	}
	s.Drop()
	if s.Privileged {
		t.Fatal("drop did not clear privilege")
	}
}

func TestFinishClassifiesErrors(t *testing.T) {
	s, _, sink := newPipeSession(t)
	s.Finish(ErrLineTooLong)
	if len(sink.events) != 2 || sink.events[0].Category != honeypot.CategoryError {
		t.Fatalf("events = %+v", sink.events)
	}
	if sink.events[1].Fields["reason"] != "error" {
		t.Fatalf("disconnect = %+v", sink.events[1])
	}
}
