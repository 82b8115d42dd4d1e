// Package session holds the per-connection state shared by the protocol engines.
package session

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/0tSystemsPublicRepos/honeyhive/internal/honeypot"
)

const DefaultIdleTimeout = 5 * time.Minute

// ErrLineTooLong is returned by ReadLine when a client exceeds the line limit.
var ErrLineTooLong = fmt.Errorf("%w: line too long", honeypot.ErrProtocolDecode)

// Env carries what an engine needs from the daemon besides its config.
type Env struct {
	Sink           honeypot.EventSink
	SessionTimeout time.Duration
	DataDir        string
}

// IdleTimeout resolves the session_timeout option against the daemon default.
func (e Env) IdleTimeout(cfg honeypot.Config) time.Duration {
	def := e.SessionTimeout
	if def <= 0 {
		def = DefaultIdleTimeout
	}
	return cfg.DurationOption("session_timeout", def)
}

type ctxKey struct{}

// WithID attaches the listener-minted session id to ctx.
func WithID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// IDFrom returns the session id carried by ctx, if any.
func IDFrom(ctx context.Context) string {
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}

// Session is the state of one attacker connection. It is owned by a single
// goroutine and never shared.
type Session struct {
	ID            string
	InstanceID    string
	Remote        string
	Authenticated bool
	Privileged    bool
	Username      string
	Cwd           string

	conn    net.Conn
	reader  *bufio.Reader
	sink    honeypot.EventSink
	idle    time.Duration
	started time.Time
}

func New(ctx context.Context, cfg honeypot.Config, conn net.Conn, sink honeypot.EventSink, idle time.Duration) *Session {
	id := IDFrom(ctx)
	if id == "" {
		id = uuid.NewString()
	}
	if idle <= 0 {
		idle = DefaultIdleTimeout
	}
	return &Session{
		ID:         id,
		InstanceID: cfg.ID,
		Remote:     conn.RemoteAddr().String(),
		Cwd:        "/",
		conn:       conn,
		reader:     bufio.NewReader(conn),
		sink:       sink,
		idle:       idle,
		started:    time.Now(),
	}
}

func (s *Session) Conn() net.Conn { return s.conn }

func (s *Session) Reader() *bufio.Reader { return s.reader }

func (s *Session) IdleTimeout() time.Duration { return s.idle }

// === EVENTS ===

func (s *Session) Log(cat honeypot.Category, msg string, fields map[string]string) {
	if s.sink == nil {
		return
	}
	s.sink.Record(honeypot.Event{
		Timestamp:  time.Now(),
		InstanceID: s.InstanceID,
		SessionID:  s.ID,
		RemoteAddr: s.Remote,
		Category:   cat,
		Message:    msg,
		Fields:     fields,
	})
}

func (s *Session) Connect() {
	s.Log(honeypot.CategoryConnect, "New connection", nil)
}

func (s *Session) Command(raw string, fields map[string]string) {
	s.Log(honeypot.CategoryCommand, raw, fields)
}

// Auth records a credential submission. extra is merged into the fields.
func (s *Session) Auth(username, password string, extra map[string]string) {
	fields := map[string]string{"username": username, "password": password}
	for k, v := range extra {
		fields[k] = v
	}
	s.Log(honeypot.CategoryAuth, fmt.Sprintf("Login attempt - Username: %s, Password: %s", username, password), fields)
}

func (s *Session) Error(err error) {
	s.Log(honeypot.CategoryError, err.Error(), nil)
}

func (s *Session) Disconnect(reason string) {
	fields := map[string]string{"duration": time.Since(s.started).Round(time.Millisecond).String()}
	if reason != "" {
		fields["reason"] = reason
	}
	s.Log(honeypot.CategoryDisconnect, "Connection closed", fields)
}

// Finish logs the end of the session, classifying err: clean EOFs, idle
// timeouts and closed sockets are disconnects, anything else is an error
// followed by a disconnect.
func (s *Session) Finish(err error) {
	switch {
	case err == nil:
		s.Disconnect("")
	case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
		s.Disconnect("client closed")
	case IsTimeout(err):
		s.Disconnect("idle timeout")
	default:
		s.Error(err)
		s.Disconnect("error")
	}
}

// === PRIVILEGE ===

// Login marks the session authenticated.
func (s *Session) Login(username string) {
	s.Authenticated = true
	s.Username = username
}

// Elevate grants privileged mode. It refuses unless the session already
// passed authentication.
func (s *Session) Elevate() bool {
	if !s.Authenticated {
		return false
	}
	s.Privileged = true
	return true
}

func (s *Session) Drop() {
	s.Privileged = false
}

// === I/O ===

// Touch pushes the read deadline out by the idle timeout.
func (s *Session) Touch() {
	s.conn.SetReadDeadline(time.Now().Add(s.idle))
}

// ReadLine reads one line, without its CR/LF, of at most max bytes. Longer
// lines return ErrLineTooLong; the stream is then out of sync and the
// caller should end the session.
func (s *Session) ReadLine(max int) (string, error) {
	s.Touch()
	var buf []byte
	for {
		chunk, isPrefix, err := s.reader.ReadLine()
		if err != nil {
			if len(buf) > 0 && errors.Is(err, io.EOF) {
				return string(buf), nil
			}
			return "", err
		}
		buf = append(buf, chunk...)
		if max > 0 && len(buf) > max {
			return "", ErrLineTooLong
		}
		if !isPrefix {
			return strings.TrimRight(string(buf), "\r"), nil
		}
	}
}

// Write sends raw bytes with a write deadline.
func (s *Session) Write(p []byte) error {
	s.conn.SetWriteDeadline(time.Now().Add(s.idle))
	_, err := s.conn.Write(p)
	return err
}

func (s *Session) WriteString(str string) error {
	return s.Write([]byte(str))
}

// Reply sends a CRLF terminated line.
func (s *Session) Reply(format string, args ...interface{}) error {
	return s.WriteString(fmt.Sprintf(format, args...) + "\r\n")
}

// IsTimeout reports whether err is a network timeout.
func IsTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
