package telnet

import (
	"github.com/0tSystemsPublicRepos/honeyhive/internal/session"
)

const (
	maxInput = 512

	iac  = 0xff
	sb   = 0xfa
	se   = 0xf0
	will = 0xfb
	dont = 0xfe
)

// editor turns the raw byte stream of a telnet client into lines, echoing
// like a device in character mode.
type editor struct {
	s *session.Session

	// skip is set after a CR so that a following LF or NUL is dropped.
	skip bool
}

// readLine returns the next line. Input beyond maxInput bytes is dropped.
func (e *editor) readLine(echo bool) (string, error) {
	r := e.s.Reader()
	buf := make([]byte, 0, 64)
	for {
		e.s.Touch()
		b, err := r.ReadByte()
		if err != nil {
			return "", err
		}
		if e.skip {
			e.skip = false
			if b == '\n' || b == 0 {
				continue
			}
		}

		switch {
		case b == iac:
			if err := e.negotiation(); err != nil {
				return "", err
			}
		case b == '\r' || b == '\n':
			e.skip = b == '\r'
			if err := e.s.WriteString("\r\n"); err != nil {
				return "", err
			}
			return string(buf), nil
		case b == 0x08 || b == 0x7f:
			if len(buf) == 0 {
				continue
			}
			buf = buf[:len(buf)-1]
			if echo {
				if err := e.s.WriteString("\b \b"); err != nil {
					return "", err
				}
			}
		case b >= 0x20:
			if len(buf) >= maxInput {
				continue
			}
			buf = append(buf, b)
			if echo {
				if err := e.s.Write([]byte{b}); err != nil {
					return "", err
				}
			}
		}
	}
}

// negotiation consumes the remainder of an IAC sequence without answering.
func (e *editor) negotiation() error {
	r := e.s.Reader()
	cmd, err := r.ReadByte()
	if err != nil {
		return err
	}
	switch {
	case cmd >= will && cmd <= dont:
		_, err = r.ReadByte()
		return err
	case cmd == sb:
		var prev byte
		for {
			b, err := r.ReadByte()
			if err != nil {
				return err
			}
			if prev == iac && b == se {
				return nil
			}
			prev = b
		}
	}
	return nil
}
