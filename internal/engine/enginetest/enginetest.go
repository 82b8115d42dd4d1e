// Package enginetest holds helpers shared by the engine tests.
package enginetest

import (
	"bufio"
	"context"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/0tSystemsPublicRepos/honeyhive/internal/honeypot"
)

// Sink collects events in memory.
type Sink struct {
	mu     sync.Mutex
	events []honeypot.Event
}

func (s *Sink) Record(ev honeypot.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

// Events returns a copy of everything recorded so far.
func (s *Sink) Events() []honeypot.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]honeypot.Event(nil), s.events...)
}

// Find returns the recorded events of one category.
func (s *Sink) Find(cat honeypot.Category) []honeypot.Event {
	var out []honeypot.Event
	for _, ev := range s.Events() {
		if ev.Category == cat {
			out = append(out, ev)
		}
	}
	return out
}

type Server interface {
	Serve(ctx context.Context, conn net.Conn)
}

// Client is the attacker side of an in-memory connection.
type Client struct {
	t    *testing.T
	Conn net.Conn
	R    *bufio.Reader
	Done chan struct{}
}

// Dial starts h.Serve on one end of a net.Pipe and returns the other end.
func Dial(t *testing.T, h Server) *Client {
	t.Helper()
	server, client := net.Pipe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer server.Close()
		h.Serve(context.Background(), server)
	}()
	c := &Client{t: t, Conn: client, R: bufio.NewReader(client), Done: done}
	t.Cleanup(func() { client.Close() })
	return c
}

// Send writes raw bytes.
func (c *Client) Send(s string) {
	c.t.Helper()
	c.Conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	if _, err := c.Conn.Write([]byte(s)); err != nil {
		c.t.Fatalf("write %q: %v", s, err)
	}
}

// Line reads one CRLF terminated line without the terminator.
func (c *Client) Line() string {
	c.t.Helper()
	c.Conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := c.R.ReadString('\n')
	if err != nil {
		c.t.Fatalf("read line: %v (partial %q)", err, line)
	}
	return strings.TrimRight(line, "\r\n")
}

// Until reads until the accumulated output ends with suffix.
func (c *Client) Until(suffix string) string {
	c.t.Helper()
	c.Conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var b strings.Builder
	for !strings.HasSuffix(b.String(), suffix) {
		ch, err := c.R.ReadByte()
		if err != nil {
			c.t.Fatalf("waiting for %q: %v (got %q)", suffix, err, b.String())
		}
		b.WriteByte(ch)
	}
	return b.String()
}

// WaitClosed waits for the server side to finish.
func (c *Client) WaitClosed() {
	c.t.Helper()
	select {
	case <-c.Done:
	case <-time.After(2 * time.Second):
		c.t.Fatal("session did not end")
	}
}
