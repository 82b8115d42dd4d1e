// Package listener runs the accept loop of one decoy instance.
package listener

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/0tSystemsPublicRepos/honeyhive/internal/honeypot"
	"github.com/0tSystemsPublicRepos/honeyhive/internal/logging"
	"github.com/0tSystemsPublicRepos/honeyhive/internal/session"
)

const (
	minBackoff = 5 * time.Millisecond
	maxBackoff = time.Second
)

// Handler serves one accepted connection.
type Handler interface {
	Serve(ctx context.Context, conn net.Conn)
}

// Observer is told about connection lifecycle changes.
type Observer interface {
	ConnectionOpened(instanceID, typeID string)
	ConnectionClosed(instanceID, typeID string, d time.Duration)
	ConnectionRejected(instanceID, typeID string)
}

// Recorder opens the raw capture file of one session.
type Recorder interface {
	Recording(instanceID, sessionID string) (io.WriteCloser, error)
}

type Options struct {
	// Cap limits concurrent sessions. Zero means unbounded.
	Cap      int
	Sink     honeypot.EventSink
	Observer Observer
	Recorder Recorder
	// OnExit is called once if the accept loop dies on its own.
	OnExit func(err error)
}

type Listener struct {
	cfg  honeypot.Config
	h    Handler
	ln   net.Listener
	opts Options

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	conns map[net.Conn]struct{}
	wg    sync.WaitGroup

	closing atomic.Bool
	done    chan struct{}
	err     error
}

// Listen binds addr and starts accepting. A bind error wraps ErrBindFailure.
func Listen(addr string, cfg honeypot.Config, h Handler, opts Options) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", honeypot.ErrBindFailure, addr, err)
	}
	return Serve(ln, cfg, h, opts), nil
}

// Serve starts the accept loop on an existing listener.
func Serve(ln net.Listener, cfg honeypot.Config, h Handler, opts Options) *Listener {
	ctx, cancel := context.WithCancel(context.Background())
	l := &Listener{
		cfg:    cfg,
		h:      h,
		ln:     ln,
		opts:   opts,
		ctx:    ctx,
		cancel: cancel,
		conns:  make(map[net.Conn]struct{}),
		done:   make(chan struct{}),
	}
	go l.run()
	return l
}

func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Done is closed when the accept loop has exited.
func (l *Listener) Done() <-chan struct{} { return l.done }

// Err returns the error that ended the accept loop, if it was not shut down.
func (l *Listener) Err() error {
	select {
	case <-l.done:
		return l.err
	default:
		return nil
	}
}

// Alive reports whether the accept loop is still running.
func (l *Listener) Alive() bool {
	select {
	case <-l.done:
		return false
	default:
		return true
	}
}

// Active returns the number of sessions in flight.
func (l *Listener) Active() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.conns)
}

func (l *Listener) run() {
	var delay time.Duration
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if l.closing.Load() {
				close(l.done)
				return
			}
			if temporary(err) {
				if delay == 0 {
					delay = minBackoff
				} else if delay *= 2; delay > maxBackoff {
					delay = maxBackoff
				}
				logging.Warn("[LISTENER] %s: accept error: %v; retrying in %v", l.cfg.ID, err, delay)
				select {
				case <-time.After(delay):
				case <-l.ctx.Done():
				}
				continue
			}

			logging.Error("[LISTENER] %s: accept loop stopped: %v", l.cfg.ID, err)
			l.err = err
			close(l.done)
			if l.opts.OnExit != nil {
				l.opts.OnExit(err)
			}
			return
		}
		delay = 0
		l.handle(conn)
	}
}

func temporary(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EMFILE) ||
		errors.Is(err, syscall.ENFILE)
}

func (l *Listener) handle(conn net.Conn) {
	l.mu.Lock()
	if l.closing.Load() {
		l.mu.Unlock()
		conn.Close()
		return
	}
	if l.opts.Cap > 0 && len(l.conns) >= l.opts.Cap {
		l.mu.Unlock()
		l.reject(conn)
		return
	}
	l.conns[conn] = struct{}{}
	l.wg.Add(1)
	l.mu.Unlock()

	if l.opts.Observer != nil {
		l.opts.Observer.ConnectionOpened(l.cfg.ID, l.cfg.Type)
	}
	go l.serve(conn, uuid.NewString())
}

func (l *Listener) reject(conn net.Conn) {
	remote := conn.RemoteAddr().String()
	conn.Close()
	if l.opts.Sink != nil {
		l.opts.Sink.Record(honeypot.Event{
			Timestamp:  time.Now(),
			InstanceID: l.cfg.ID,
			RemoteAddr: remote,
			Category:   honeypot.CategoryReject,
			Message:    fmt.Sprintf("Connection rejected: %d concurrent sessions", l.opts.Cap),
			Fields:     map[string]string{"limit": fmt.Sprint(l.opts.Cap)},
		})
	}
	if l.opts.Observer != nil {
		l.opts.Observer.ConnectionRejected(l.cfg.ID, l.cfg.Type)
	}
}

func (l *Listener) serve(conn net.Conn, sessionID string) {
	start := time.Now()
	remote := conn.RemoteAddr().String()
	defer func() {
		if r := recover(); r != nil {
			logging.Error("[LISTENER] %s: session %s panicked: %v", l.cfg.ID, sessionID, r)
			if l.opts.Sink != nil {
				l.opts.Sink.Record(honeypot.Event{
					Timestamp:  time.Now(),
					InstanceID: l.cfg.ID,
					SessionID:  sessionID,
					RemoteAddr: remote,
					Category:   honeypot.CategoryError,
					Message:    fmt.Sprintf("session panic: %v", r),
				})
			}
		}
		conn.Close()
		l.mu.Lock()
		delete(l.conns, conn)
		l.mu.Unlock()
		if l.opts.Observer != nil {
			l.opts.Observer.ConnectionClosed(l.cfg.ID, l.cfg.Type, time.Since(start))
		}
		l.wg.Done()
	}()

	c := conn
	if l.cfg.EnableRecording && l.opts.Recorder != nil {
		w, err := l.opts.Recorder.Recording(l.cfg.ID, sessionID)
		if err != nil {
			logging.Warn("[LISTENER] %s: recording disabled for %s: %v", l.cfg.ID, sessionID, err)
		} else {
			defer w.Close()
			c = &teeConn{Conn: conn, w: w}
		}
	}

	l.h.Serve(session.WithID(l.ctx, sessionID), c)
}

// Shutdown closes the listen socket and every session socket, then waits up
// to grace for the sessions to return. Past the grace period it cancels the
// session contexts, expires all deadlines and stops waiting. forced reports
// whether that happened.
func (l *Listener) Shutdown(grace time.Duration) (forced bool) {
	l.closing.Store(true)
	l.ln.Close()

	l.mu.Lock()
	for c := range l.conns {
		c.Close()
	}
	l.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
	case <-time.After(grace):
		forced = true
		l.cancel()
		now := time.Now()
		l.mu.Lock()
		for c := range l.conns {
			c.SetDeadline(now)
		}
		l.mu.Unlock()
		logging.Warn("[LISTENER] %s: %d sessions still running after %v, abandoning", l.cfg.ID, l.Active(), grace)
	}
	l.cancel()
	<-l.done
	return forced
}

// teeConn copies everything read from the client into w.
type teeConn struct {
	net.Conn
	w io.Writer
}

func (c *teeConn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	if n > 0 {
		c.w.Write(p[:n])
	}
	return n, err
}
