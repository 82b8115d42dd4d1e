// Package mysql answers the MySQL client/server handshake and denies every login.
package mysql

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/0tSystemsPublicRepos/honeyhive/internal/honeypot"
	"github.com/0tSystemsPublicRepos/honeyhive/internal/session"
)

const (
	defaultVersion = "5.7.36"
	connectionID   = 8
	authPlugin     = "mysql_native_password"

	// Largest client packet we are willing to buffer.
	maxPacket = 64 << 10

	errAccessDenied = 1045
	sqlState        = "28000"
)

// Capability flags.
const (
	clientLongPassword     = 0x00000001
	clientFoundRows        = 0x00000002
	clientLongFlag         = 0x00000004
	clientConnectWithDB    = 0x00000008
	clientProtocol41       = 0x00000200
	clientSSL              = 0x00000800
	clientTransactions     = 0x00002000
	clientSecureConnection = 0x00008000
	clientPluginAuth       = 0x00080000
	clientPluginAuthLenenc = 0x00200000
)

var salt = []byte{0x44, 0x2a, 0x2e, 0x1b, 0x5c, 0x21, 0x60, 0x3f, 0x12, 0x6e, 0x55, 0x0d, 0x4b, 0x38, 0x71, 0x29, 0x3a, 0x47, 0x6c, 0x19}

type Handler struct {
	cfg     honeypot.Config
	env     session.Env
	version string
	ssl     bool
	idle    time.Duration
}

func New(cfg honeypot.Config, env session.Env) (*Handler, error) {
	h := &Handler{
		cfg:     cfg,
		env:     env,
		version: cfg.Option("mysql_version", defaultVersion),
		idle:    env.IdleTimeout(cfg),
	}
	if raw := cfg.Option("ssl_enabled", ""); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: ssl_enabled %q", honeypot.ErrInvalidConfig, raw)
		}
		h.ssl = v
	}
	return h, nil
}

// Serve sends the greeting, records the client's answer and denies access.
func (h *Handler) Serve(ctx context.Context, conn net.Conn) {
	s := session.New(ctx, h.cfg, conn, h.env.Sink, h.idle)
	s.Connect()
	s.Finish(h.run(s))
}

func (h *Handler) run(s *session.Session) error {
	if err := s.Write(packet(0, h.greeting())); err != nil {
		return err
	}

	raw, err := h.readReply(s)
	if len(raw) == 0 {
		return err
	}
	s.Command(strconv.Quote(string(raw)), map[string]string{
		"bytes": strconv.Itoa(len(raw)),
		"hex":   hex.EncodeToString(raw),
	})

	// Unframed input is answered with sequence id 2.
	seq := byte(1)
	var resp response
	if fseq, payload, framed := frame(raw); framed {
		seq = fseq
		var ok bool
		if resp, ok = parseResponse(payload); ok {
			extra := map[string]string{"plugin": resp.plugin}
			if resp.database != "" {
				extra["database"] = resp.database
			}
			s.Auth(resp.user, hex.EncodeToString(resp.auth), extra)
		}
	}

	return s.Write(packet(seq+1, h.denied(s, resp.user, len(resp.auth) > 0)))
}

// readReply does one bounded read of whatever the client sends after the
// greeting. Partial data is returned alongside the read error.
func (h *Handler) readReply(s *session.Session) ([]byte, error) {
	s.Touch()
	buf := make([]byte, maxPacket)
	n, err := s.Reader().Read(buf)
	return buf[:n], err
}

func (h *Handler) capabilities() uint32 {
	caps := uint32(clientLongPassword | clientFoundRows | clientLongFlag | clientConnectWithDB |
		clientProtocol41 | clientTransactions | clientSecureConnection | clientPluginAuth)
	if h.ssl {
		caps |= clientSSL
	}
	return caps
}

// greeting builds a protocol 10 handshake payload.
func (h *Handler) greeting() []byte {
	caps := h.capabilities()
	var b bytes.Buffer
	b.WriteByte(10)
	b.WriteString(h.version)
	b.WriteByte(0)
	binary.Write(&b, binary.LittleEndian, uint32(connectionID))
	b.Write(salt[:8])
	b.WriteByte(0)
	binary.Write(&b, binary.LittleEndian, uint16(caps))
	b.WriteByte(0x21) // utf8_general_ci
	binary.Write(&b, binary.LittleEndian, uint16(0x0002))
	binary.Write(&b, binary.LittleEndian, uint16(caps>>16))
	b.WriteByte(byte(len(salt) + 1))
	b.Write(make([]byte, 10))
	b.Write(salt[8:])
	b.WriteByte(0)
	b.WriteString(authPlugin)
	b.WriteByte(0)
	return b.Bytes()
}

func (h *Handler) denied(s *session.Session, user string, withPassword bool) []byte {
	host := s.Remote
	if ip, _, err := net.SplitHostPort(host); err == nil {
		host = ip
	}
	using := "NO"
	if withPassword {
		using = "YES"
	}
	var b bytes.Buffer
	b.WriteByte(0xff)
	binary.Write(&b, binary.LittleEndian, uint16(errAccessDenied))
	b.WriteByte('#')
	b.WriteString(sqlState)
	fmt.Fprintf(&b, "Access denied for user '%s'@'%s' (using password: %s)", user, host, using)
	return b.Bytes()
}

func packet(seq byte, payload []byte) []byte {
	out := make([]byte, 4, 4+len(payload))
	n := len(payload)
	out[0], out[1], out[2], out[3] = byte(n), byte(n>>8), byte(n>>16), seq
	return append(out, payload...)
}

// frame splits raw into sequence id and payload when it holds exactly one
// complete MySQL packet.
func frame(raw []byte) (seq byte, payload []byte, ok bool) {
	if len(raw) < 4 {
		return 0, nil, false
	}
	n := int(raw[0]) | int(raw[1])<<8 | int(raw[2])<<16
	if n == 0 || n != len(raw)-4 {
		return 0, nil, false
	}
	return raw[3], raw[4:], true
}

type response struct {
	caps     uint32
	user     string
	auth     []byte
	database string
	plugin   string
}

// parseResponse decodes a HandshakeResponse41. ok is false for anything else,
// including an SSLRequest.
func parseResponse(p []byte) (resp response, ok bool) {
	if len(p) < 32 {
		return resp, false
	}
	resp.caps = binary.LittleEndian.Uint32(p)
	if resp.caps&clientProtocol41 == 0 {
		return resp, false
	}
	rest := p[32:]

	user, rest, ok := cstring(rest)
	if !ok {
		return resp, false
	}
	resp.user = user

	switch {
	case resp.caps&clientPluginAuthLenenc != 0:
		n, m := lenenc(rest)
		if m == 0 || uint64(len(rest)-m) < n {
			return resp, true
		}
		resp.auth, rest = rest[m:m+int(n)], rest[m+int(n):]
	case resp.caps&clientSecureConnection != 0:
		if len(rest) == 0 || len(rest) < 1+int(rest[0]) {
			return resp, true
		}
		n := int(rest[0])
		resp.auth, rest = rest[1:1+n], rest[1+n:]
	default:
		var a string
		if a, rest, ok = cstring(rest); !ok {
			return resp, true
		}
		resp.auth = []byte(a)
	}

	if resp.caps&clientConnectWithDB != 0 {
		var db string
		if db, rest, ok = cstring(rest); !ok {
			return resp, true
		}
		resp.database = db
	}
	if resp.caps&clientPluginAuth != 0 {
		if plugin, _, ok := cstring(rest); ok {
			resp.plugin = plugin
		} else {
			resp.plugin = string(rest)
		}
	}
	return resp, true
}

func cstring(b []byte) (string, []byte, bool) {
	i := bytes.IndexByte(b, 0)
	if i < 0 {
		return "", b, false
	}
	return string(b[:i]), b[i+1:], true
}

// lenenc decodes a length-encoded integer, returning the value and the
// number of bytes consumed (0 on malformed input).
func lenenc(b []byte) (uint64, int) {
	if len(b) == 0 {
		return 0, 0
	}
	switch c := b[0]; {
	case c < 0xfb:
		return uint64(c), 1
	case c == 0xfc && len(b) >= 3:
		return uint64(binary.LittleEndian.Uint16(b[1:])), 3
	case c == 0xfd && len(b) >= 4:
		return uint64(b[1]) | uint64(b[2])<<8 | uint64(b[3])<<16, 4
	case c == 0xfe && len(b) >= 9:
		return binary.LittleEndian.Uint64(b[1:]), 9
	}
	return 0, 0
}
