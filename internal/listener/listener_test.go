package listener

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/0tSystemsPublicRepos/honeyhive/internal/engine/enginetest"
	"github.com/0tSystemsPublicRepos/honeyhive/internal/honeypot"
	"github.com/0tSystemsPublicRepos/honeyhive/internal/session"
)

type handlerFunc func(ctx context.Context, conn net.Conn)

func (f handlerFunc) Serve(ctx context.Context, conn net.Conn) { f(ctx, conn) }

// echo answers each read with the same bytes until the client goes away.
var echo = handlerFunc(func(ctx context.Context, conn net.Conn) {
	io.Copy(conn, conn)
})

type counter struct {
	mu                       sync.Mutex
	opened, closed, rejected int
}

func (c *counter) ConnectionOpened(string, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.opened++
}

func (c *counter) ConnectionClosed(string, string, time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed++
}

func (c *counter) ConnectionRejected(string, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rejected++
}

func (c *counter) snapshot() (int, int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opened, c.closed, c.rejected
}

func listen(t *testing.T, cfg honeypot.Config, h Handler, opts Options) *Listener {
	t.Helper()
	l, err := Listen("127.0.0.1:0", cfg, h, opts)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	t.Cleanup(func() { l.Shutdown(100 * time.Millisecond) })
	return l
}

func dial(t *testing.T, l *Listener) net.Conn {
	t.Helper()
	c, err := net.DialTimeout("tcp", l.Addr().String(), time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	c.SetDeadline(time.Now().Add(2 * time.Second))
	return c
}

func roundTrip(t *testing.T, c net.Conn, msg string) {
	t.Helper()
	if _, err := c.Write([]byte(msg)); err != nil {
		t.Fatalf("write: %v", err)
	}
	buf := make([]byte, len(msg))
	if _, err := io.ReadFull(c, buf); err != nil || string(buf) != msg {
		t.Fatalf("echo = %q, %v", buf, err)
	}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestConnectionCap(t *testing.T) {
	sink := &enginetest.Sink{}
	obs := &counter{}
	l := listen(t, honeypot.Config{ID: "ftp_cap", Type: "ftp_honeypot"}, echo, Options{Cap: 1, Sink: sink, Observer: obs})

	first := dial(t, l)
	roundTrip(t, first, "hello")

	second := dial(t, l)
	if _, err := second.Read(make([]byte, 1)); err == nil {
		t.Fatal("second connection was served past the cap")
	}
	eventually(t, "reject event", func() bool { return len(sink.Find(honeypot.CategoryReject)) == 1 })
	if _, _, rejected := obs.snapshot(); rejected != 1 {
		t.Fatalf("rejected = %d", rejected)
	}

	first.Close()
	eventually(t, "slot to free", func() bool { return l.Active() == 0 })
	third := dial(t, l)
	roundTrip(t, third, "again")

	opened, _, _ := obs.snapshot()
	if opened != 2 {
		t.Fatalf("opened = %d, want 2", opened)
	}
}

func TestPanicIsContained(t *testing.T) {
	sink := &enginetest.Sink{}
	var calls sync.Mutex
	n := 0
	h := handlerFunc(func(ctx context.Context, conn net.Conn) {
		calls.Lock()
		n++
		first := n == 1
		calls.Unlock()
		if first {
			panic("boom")
		}
		io.Copy(conn, conn)
	})
	l := listen(t, honeypot.Config{ID: "p"}, h, Options{Sink: sink})

	c := dial(t, l)
	if _, err := c.Read(make([]byte, 1)); err == nil {
		t.Fatal("panicking session left the connection open")
	}
	eventually(t, "error event", func() bool { return len(sink.Find(honeypot.CategoryError)) == 1 })

	roundTrip(t, dial(t, l), "still up")
	if !l.Alive() {
		t.Fatal("listener died after a session panic")
	}
}

func TestSessionIDInContext(t *testing.T) {
	ids := make(chan string, 1)
	h := handlerFunc(func(ctx context.Context, conn net.Conn) {
		ids <- session.IDFrom(ctx)
	})
	l := listen(t, honeypot.Config{ID: "s"}, h, Options{})
	dial(t, l)
	select {
	case id := <-ids:
		if len(id) != 36 {
			t.Fatalf("session id = %q", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handler not called")
	}
}

func TestShutdownClosesSessions(t *testing.T) {
	l := listen(t, honeypot.Config{ID: "g"}, echo, Options{})
	c := dial(t, l)
	roundTrip(t, c, "x")

	if forced := l.Shutdown(time.Second); forced {
		t.Fatal("echo sessions should end when their sockets close")
	}
	if l.Alive() || l.Err() != nil {
		t.Fatalf("alive=%v err=%v after shutdown", l.Alive(), l.Err())
	}
	if _, err := net.DialTimeout("tcp", l.Addr().String(), 200*time.Millisecond); err == nil {
		t.Fatal("listen socket still open")
	}
}

func TestShutdownForcesStuckSessions(t *testing.T) {
	cancelled := make(chan struct{})
	h := handlerFunc(func(ctx context.Context, conn net.Conn) {
		<-ctx.Done()
		close(cancelled)
	})
	l := listen(t, honeypot.Config{ID: "f"}, h, Options{})
	dial(t, l)
	eventually(t, "session start", func() bool { return l.Active() == 1 })

	start := time.Now()
	if forced := l.Shutdown(50 * time.Millisecond); !forced {
		t.Fatal("expected forced shutdown")
	}
	if time.Since(start) > time.Second {
		t.Fatal("shutdown waited past the grace period")
	}
	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("session context not cancelled")
	}
}

type memRecorder struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (r *memRecorder) Recording(instanceID, sessionID string) (io.WriteCloser, error) {
	return nopCloser{r}, nil
}

func (r *memRecorder) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.buf.Write(p)
}

func (r *memRecorder) String() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.buf.String()
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

func TestRecordingTee(t *testing.T) {
	for _, enabled := range []bool{true, false} {
		rec := &memRecorder{}
		l := listen(t, honeypot.Config{ID: "r", EnableRecording: enabled}, echo, Options{Recorder: rec})
		roundTrip(t, dial(t, l), "USER root\r\n")

		want := ""
		if enabled {
			want = "USER root\r\n"
		}
		if got := rec.String(); got != want {
			t.Errorf("recording (enabled=%v) = %q, want %q", enabled, got, want)
		}
	}
}

func TestBindFailure(t *testing.T) {
	l := listen(t, honeypot.Config{ID: "a"}, echo, Options{})
	_, err := Listen(l.Addr().String(), honeypot.Config{ID: "b"}, echo, Options{})
	if !errors.Is(err, honeypot.ErrBindFailure) {
		t.Fatalf("err = %v, want ErrBindFailure", err)
	}
}

// scriptedListener returns the queued errors from Accept, then blocks until closed.
type scriptedListener struct {
	errs   chan error
	closed chan struct{}
	once   sync.Once
}

func (s *scriptedListener) Accept() (net.Conn, error) {
	select {
	case err := <-s.errs:
		return nil, err
	case <-s.closed:
		return nil, net.ErrClosed
	}
}

func (s *scriptedListener) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func (s *scriptedListener) Addr() net.Addr { return &net.TCPAddr{} }

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestTransientErrorsAreRetried(t *testing.T) {
	ln := &scriptedListener{errs: make(chan error, 3), closed: make(chan struct{})}
	exited := make(chan error, 1)
	l := Serve(ln, honeypot.Config{ID: "t"}, echo, Options{OnExit: func(err error) { exited <- err }})

	ln.errs <- timeoutErr{}
	ln.errs <- timeoutErr{}
	time.Sleep(50 * time.Millisecond)
	if !l.Alive() {
		t.Fatal("listener exited on a transient error")
	}

	fatal := errors.New("listener torn down")
	ln.errs <- fatal
	select {
	case err := <-exited:
		if !errors.Is(err, fatal) {
			t.Fatalf("exit err = %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("exit callback not called")
	}
	if l.Alive() || !errors.Is(l.Err(), fatal) {
		t.Fatalf("alive=%v err=%v", l.Alive(), l.Err())
	}
	l.Shutdown(10 * time.Millisecond)
}

func TestShutdownDoesNotCallOnExit(t *testing.T) {
	called := make(chan struct{}, 1)
	l := listen(t, honeypot.Config{ID: "q"}, echo, Options{OnExit: func(error) { called <- struct{}{} }})
	l.Shutdown(10 * time.Millisecond)
	select {
	case <-called:
		t.Fatal("OnExit called on shutdown")
	case <-time.After(50 * time.Millisecond):
	}
}
