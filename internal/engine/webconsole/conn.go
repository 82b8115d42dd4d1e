package webconsole

import (
	"net"
	"sync"

	"github.com/0tSystemsPublicRepos/honeyhive/internal/session"
)

// connListener feeds connections accepted elsewhere into an http.Server.
type connListener struct {
	conns  chan net.Conn
	closed chan struct{}
	once   sync.Once
}

func newConnListener() *connListener {
	return &connListener{
		conns:  make(chan net.Conn),
		closed: make(chan struct{}),
	}
}

func (l *connListener) Accept() (net.Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.closed:
		return nil, net.ErrClosed
	}
}

func (l *connListener) Close() error {
	l.once.Do(func() { close(l.closed) })
	return nil
}

func (l *connListener) Addr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4zero}
}

// trackedConn signals done once the http.Server has closed it.
type trackedConn struct {
	net.Conn
	sess *session.Session
	once sync.Once
	done chan struct{}
}

func (c *trackedConn) Close() error {
	err := c.Conn.Close()
	c.once.Do(func() { close(c.done) })
	return err
}
