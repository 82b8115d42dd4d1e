// Package sshd emulates an OpenSSH server that lets everyone in with a
// password and hands them a canned shell.
package sshd

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/term"

	"github.com/0tSystemsPublicRepos/honeyhive/internal/honeypot"
	"github.com/0tSystemsPublicRepos/honeyhive/internal/session"
)

const (
	defaultVersion  = "SSH-2.0-OpenSSH_7.4"
	defaultHostname = "svr04"
	maxAuthTries    = 6
)

type Handler struct {
	cfg      honeypot.Config
	env      session.Env
	signer   ssh.Signer
	version  string
	hostname string
	commands map[string]string
	idle     time.Duration
}

func New(cfg honeypot.Config, env session.Env) (*Handler, error) {
	signer, err := hostKey(env.DataDir, cfg.ID)
	if err != nil {
		return nil, fmt.Errorf("host key: %w", err)
	}
	version := strings.TrimSpace(cfg.Option("banner", cfg.Banner))
	if version == "" {
		version = defaultVersion
	}
	if !strings.HasPrefix(version, "SSH-2.0-") {
		version = "SSH-2.0-" + version
	}
	return &Handler{
		cfg:      cfg,
		env:      env,
		signer:   signer,
		version:  version,
		hostname: cfg.Option("hostname", defaultHostname),
		commands: parseCommands(cfg.Option("fake_commands", "")),
		idle:     env.IdleTimeout(cfg),
	}, nil
}

// hostKey loads the instance's ed25519 key from dataDir, creating it on first
// use. Without a dataDir the key lives only as long as the handler.
func hostKey(dataDir, id string) (ssh.Signer, error) {
	if dataDir == "" {
		_, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, err
		}
		return ssh.NewSignerFromKey(priv)
	}

	path := filepath.Join(dataDir, "hostkeys", id+"_ed25519")
	if data, err := os.ReadFile(path); err == nil {
		return ssh.ParsePrivateKey(data)
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	block, err := ssh.MarshalPrivateKey(priv, id)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0600); err != nil {
		return nil, err
	}
	return ssh.NewSignerFromKey(priv)
}

// PublicKey returns the host key clients will see.
func (h *Handler) PublicKey() ssh.PublicKey {
	return h.signer.PublicKey()
}

func (h *Handler) serverConfig(s *session.Session) *ssh.ServerConfig {
	cfg := &ssh.ServerConfig{
		ServerVersion: h.version,
		MaxAuthTries:  maxAuthTries,
		PasswordCallback: func(md ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			s.Auth(md.User(), string(password), map[string]string{
				"method":         "password",
				"client_version": string(md.ClientVersion()),
			})
			s.Login(md.User())
			return &ssh.Permissions{}, nil
		},
		PublicKeyCallback: func(md ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			s.Log(honeypot.CategoryAuth, "Public key attempt - Username: "+md.User(), map[string]string{
				"username":    md.User(),
				"method":      "publickey",
				"key_type":    key.Type(),
				"fingerprint": ssh.FingerprintSHA256(key),
			})
			return nil, errors.New("public key refused")
		},
	}
	cfg.AddHostKey(h.signer)
	return cfg
}

// idleConn pushes the read deadline out on every read.
type idleConn struct {
	net.Conn
	idle time.Duration
}

func (c *idleConn) Read(p []byte) (int, error) {
	c.Conn.SetReadDeadline(time.Now().Add(c.idle))
	return c.Conn.Read(p)
}

// Serve runs the SSH handshake and the session channels of one client.
func (h *Handler) Serve(ctx context.Context, conn net.Conn) {
	s := session.New(ctx, h.cfg, conn, h.env.Sink, h.idle)
	s.Connect()

	sconn, chans, reqs, err := ssh.NewServerConn(&idleConn{Conn: conn, idle: h.idle}, h.serverConfig(s))
	if err != nil {
		s.Finish(handshakeErr(err))
		return
	}
	defer sconn.Close()

	stop := context.AfterFunc(ctx, func() { sconn.Close() })
	defer stop()

	go ssh.DiscardRequests(reqs)

	var wg sync.WaitGroup
	for nc := range chans {
		if nc.ChannelType() != "session" {
			s.Log(honeypot.CategoryCommand, "Rejected channel: "+nc.ChannelType(), map[string]string{"channel": nc.ChannelType()})
			nc.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		ch, requests, err := nc.Accept()
		if err != nil {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.channel(s, ch, requests)
		}()
	}
	wg.Wait()
	s.Finish(sconn.Wait())
}

// handshakeErr maps a client that walked away during the handshake to EOF.
func handshakeErr(err error) error {
	if errors.Is(err, io.EOF) || strings.Contains(err.Error(), "no auth passed yet") {
		return io.EOF
	}
	return err
}

type exitStatus struct {
	Status uint32
}

func (h *Handler) channel(s *session.Session, ch ssh.Channel, requests <-chan *ssh.Request) {
	defer ch.Close()
	sh := &shell{user: s.Username, hostname: h.hostname, custom: h.commands}
	sh.cwd = sh.home()

	for req := range requests {
		switch req.Type {
		case "pty-req", "env", "window-change":
			req.Reply(true, nil)

		case "exec":
			var payload struct{ Command string }
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
				req.Reply(false, nil)
				continue
			}
			req.Reply(true, nil)
			s.Command(payload.Command, map[string]string{"channel": "exec"})
			out, _ := sh.run(payload.Command)
			if out != "" {
				io.WriteString(ch, out+"\n")
			}
			ch.SendRequest("exit-status", false, ssh.Marshal(exitStatus{}))
			return

		case "shell":
			req.Reply(true, nil)
			go ssh.DiscardRequests(requests)
			h.shell(s, sh, ch)
			ch.SendRequest("exit-status", false, ssh.Marshal(exitStatus{}))
			return

		default:
			s.Log(honeypot.CategoryCommand, "Refused request: "+req.Type, map[string]string{"request": req.Type})
			req.Reply(false, nil)
		}
	}
}

func (h *Handler) shell(s *session.Session, sh *shell, ch ssh.Channel) {
	t := term.NewTerminal(ch, sh.prompt())
	fmt.Fprintf(t, "Last login: %s from 10.0.2.2\n", time.Now().Add(-26*time.Hour).Format("Mon Jan _2 15:04:05 2006"))
	for {
		line, err := t.ReadLine()
		if err != nil {
			return
		}
		if strings.TrimSpace(line) == "" {
			continue
		}
		s.Command(line, map[string]string{"channel": "shell", "cwd": sh.cwd})
		out, exit := sh.run(line)
		if exit {
			io.WriteString(t, "logout\n")
			return
		}
		if out != "" {
			io.WriteString(t, out+"\n")
		}
		t.SetPrompt(sh.prompt())
	}
}
