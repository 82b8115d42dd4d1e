// Package ftp emulates a small, convincing subset of an FTP control channel.
package ftp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/0tSystemsPublicRepos/honeyhive/internal/honeypot"
	"github.com/0tSystemsPublicRepos/honeyhive/internal/session"
)

const (
	maxLine       = 1024
	defaultBanner = "220 Welcome to FTP Server"
	passiveReply  = "227 Entering Passive Mode (127,0,0,1,200,10)"
)

// Entry is one row of the fake directory listing.
type Entry struct {
	Name  string
	IsDir bool
	Size  int
}

var defaultEntries = []Entry{
	{Name: "readme.txt", Size: 256},
	{Name: "documents", IsDir: true},
	{Name: "documents/important.pdf", Size: 5120},
	{Name: "uploads", IsDir: true},
}

type Handler struct {
	cfg       honeypot.Config
	env       session.Env
	banner    string
	anonymous bool
	entries   []Entry
	idle      time.Duration
}

func New(cfg honeypot.Config, env session.Env) (*Handler, error) {
	h := &Handler{
		cfg:       cfg,
		env:       env,
		banner:    banner(cfg),
		anonymous: cfg.AnonymousLogin,
		entries:   parseEntries(cfg.Option("fake_files", "")),
		idle:      env.IdleTimeout(cfg),
	}
	if raw := cfg.Option("anonymous_login", ""); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: anonymous_login %q", honeypot.ErrInvalidConfig, raw)
		}
		h.anonymous = v
	}
	return h, nil
}

func banner(cfg honeypot.Config) string {
	b := cfg.Option("ftp_banner", cfg.Banner)
	b = strings.TrimSpace(b)
	if b == "" {
		return defaultBanner
	}
	if !strings.HasPrefix(b, "220") {
		b = "220 " + b
	}
	return b
}

// parseEntries reads one path per line; a trailing slash marks a directory.
func parseEntries(raw string) []Entry {
	lines := honeypot.Lines(raw)
	if len(lines) == 0 {
		return append([]Entry(nil), defaultEntries...)
	}
	out := make([]Entry, 0, len(lines))
	for _, line := range lines {
		if strings.HasSuffix(line, "/") {
			out = append(out, Entry{Name: strings.TrimRight(line, "/"), IsDir: true})
			continue
		}
		out = append(out, Entry{Name: line, Size: 1024})
	}
	return out
}

// Serve runs one control connection until QUIT, EOF, idle timeout or ctx ends.
func (h *Handler) Serve(ctx context.Context, conn net.Conn) {
	s := session.New(ctx, h.cfg, conn, h.env.Sink, h.idle)
	s.Connect()

	if err := s.Reply("%s", h.banner); err != nil {
		s.Finish(err)
		return
	}

	for {
		line, err := s.ReadLine(maxLine)
		if errors.Is(err, session.ErrLineTooLong) {
			s.Reply("500 Line too long")
			s.Finish(err)
			return
		}
		if err != nil {
			s.Finish(err)
			return
		}
		if ctx.Err() != nil {
			s.Finish(nil)
			return
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		done, err := h.dispatch(s, line)
		if err != nil || done {
			s.Finish(err)
			return
		}
	}
}

func (h *Handler) dispatch(s *session.Session, line string) (bool, error) {
	command, args, _ := strings.Cut(line, " ")
	command = strings.ToUpper(command)
	args = strings.TrimSpace(args)

	if command != "PASS" {
		s.Command(line, map[string]string{"command": command, "args": args})
	}

	switch command {
	case "USER":
		s.Username = args
		if h.anonymous && (strings.EqualFold(args, "anonymous") || strings.EqualFold(args, "ftp")) {
			return false, s.Reply("331 Anonymous login ok, send your email address as password.")
		}
		return false, s.Reply("331 Password required for %s", args)

	case "PASS":
		if s.Username == "" {
			s.Command("PASS", map[string]string{"command": command})
			return false, s.Reply("503 Login with USER first")
		}
		s.Auth(s.Username, args, nil)
		s.Login(s.Username)
		return false, s.Reply("230 User %s logged in", s.Username)

	case "SYST":
		return false, s.Reply("215 UNIX Type: L8")

	case "PWD", "XPWD":
		return false, s.Reply(`257 "%s" is current directory`, s.Cwd)

	case "LIST", "NLST":
		if !s.Authenticated {
			return false, s.Reply("530 Not logged in")
		}
		return false, s.WriteString(h.listing(command == "NLST"))

	case "CWD":
		if !s.Authenticated {
			return false, s.Reply("530 Not logged in")
		}
		s.Cwd = changeDir(s.Cwd, args)
		return false, s.Reply("250 Directory changed to %s", s.Cwd)

	case "CDUP":
		if !s.Authenticated {
			return false, s.Reply("530 Not logged in")
		}
		s.Cwd = changeDir(s.Cwd, "..")
		return false, s.Reply("250 Directory changed to %s", s.Cwd)

	case "TYPE":
		mode := strings.ToUpper(args)
		if mode == "" {
			mode = "I"
		}
		return false, s.Reply("200 Type set to %s", mode)

	case "PASV":
		return false, s.Reply(passiveReply)

	case "RETR":
		s.Command("Download attempt: "+args, map[string]string{"command": command, "file": args, "cwd": s.Cwd})
		return false, s.Reply("550 File not found")

	case "STOR":
		s.Command("Upload attempt: "+args, map[string]string{"command": command, "file": args, "cwd": s.Cwd})
		return false, s.Reply("550 Permission denied")

	case "NOOP":
		return false, s.Reply("200 NOOP ok")

	case "QUIT":
		s.Reply("221 Goodbye")
		return true, nil

	default:
		return false, s.Reply("502 Command '%s' not implemented", command)
	}
}

// listing renders the fake table between the 150 and 226 replies.
func (h *Handler) listing(namesOnly bool) string {
	var b strings.Builder
	b.WriteString("150 Opening data connection\r\n")
	for _, e := range h.entries {
		switch {
		case namesOnly:
			b.WriteString(e.Name)
		case e.IsDir:
			fmt.Fprintf(&b, "drwxr-xr-x 2 ftp ftp 4096 Jan 01 12:00 %s", e.Name)
		default:
			fmt.Fprintf(&b, "-rw-r--r-- 1 ftp ftp %d Jan 01 12:00 %s", e.Size, e.Name)
		}
		b.WriteString("\r\n")
	}
	b.WriteString("226 Transfer complete\r\n")
	return b.String()
}

// changeDir replaces the path with an absolute argument and appends a
// relative one.
func changeDir(cwd, arg string) string {
	if arg == "" {
		return cwd
	}
	if strings.HasPrefix(arg, "/") {
		return path.Clean(arg)
	}
	return path.Clean(strings.TrimRight(cwd, "/") + "/" + arg)
}
