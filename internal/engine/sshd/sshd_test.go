package sshd

import (
	"bufio"
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"net"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/0tSystemsPublicRepos/honeyhive/internal/engine/enginetest"
	"github.com/0tSystemsPublicRepos/honeyhive/internal/honeypot"
	"github.com/0tSystemsPublicRepos/honeyhive/internal/session"
)

// serve runs h behind a loopback listener and returns its address.
func serve(t *testing.T, h *Handler) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		ln.Close()
	})
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				h.Serve(ctx, conn)
			}()
		}
	}()
	return ln.Addr().String()
}

func newHandler(t *testing.T, opts map[string]string) (*Handler, *enginetest.Sink) {
	t.Helper()
	sink := &enginetest.Sink{}
	h, err := New(honeypot.Config{ID: "cowrie_test", Type: "cowrie", Options: opts}, session.Env{Sink: sink})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return h, sink
}

func dial(t *testing.T, addr string, auth ...ssh.AuthMethod) (*ssh.Client, error) {
	t.Helper()
	return ssh.Dial("tcp", addr, &ssh.ClientConfig{
		User:            "root",
		Auth:            auth,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         2 * time.Second,
	})
}

// waitFor polls the sink until n events of cat are present.
func waitFor(t *testing.T, sink *enginetest.Sink, cat honeypot.Category, n int) []honeypot.Event {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		evs := sink.Find(cat)
		if len(evs) >= n || time.Now().After(deadline) {
			return evs
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestPasswordAcceptedAndExec(t *testing.T) {
	h, sink := newHandler(t, map[string]string{"fake_commands": "cat /flag=HTB{nope}\nnproc=64"})
	addr := serve(t, h)

	client, err := dial(t, addr, ssh.Password("123456"))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	if v := string(client.ServerVersion()); v != defaultVersion {
		t.Fatalf("server version = %q", v)
	}

	tests := []struct {
		cmd  string
		want string
	}{
		{"uname -a", "Linux svr04 "},
		{"whoami", "root\n"},
		{"cat /flag", "HTB{nope}\n"},
		{"nproc", "64\n"},
		{"nmap -sS 10.0.0.0/8", "-bash: nmap: command not found\n"},
	}
	for _, tt := range tests {
		sess, err := client.NewSession()
		if err != nil {
			t.Fatalf("new session: %v", err)
		}
		out, err := sess.Output(tt.cmd)
		sess.Close()
		if err != nil {
			t.Fatalf("%q: %v", tt.cmd, err)
		}
		if !strings.Contains(string(out), tt.want) {
			t.Errorf("%q = %q, want %q", tt.cmd, out, tt.want)
		}
	}

	auth := sink.Find(honeypot.CategoryAuth)
	if len(auth) != 1 || auth[0].Fields["username"] != "root" || auth[0].Fields["password"] != "123456" {
		t.Fatalf("auth = %+v", auth)
	}
	cmds := waitFor(t, sink, honeypot.CategoryCommand, len(tests))
	if len(cmds) != len(tests) || cmds[0].Message != "uname -a" || cmds[0].Fields["channel"] != "exec" {
		t.Fatalf("commands = %+v", cmds)
	}
}

func TestPublicKeyRefused(t *testing.T) {
	h, sink := newHandler(t, nil)
	addr := serve(t, h)

	_, priv, _ := ed25519.GenerateKey(rand.Reader)
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := dial(t, addr, ssh.PublicKeys(signer)); err == nil {
		t.Fatal("public key login succeeded")
	}

	auth := waitFor(t, sink, honeypot.CategoryAuth, 1)
	if len(auth) == 0 || auth[0].Fields["fingerprint"] != ssh.FingerprintSHA256(signer.PublicKey()) {
		t.Fatalf("auth = %+v", auth)
	}
	if evs := waitFor(t, sink, honeypot.CategoryDisconnect, 1); len(evs) != 1 {
		t.Fatalf("disconnects = %+v", evs)
	}
}

func TestInteractiveShell(t *testing.T) {
	h, sink := newHandler(t, map[string]string{"hostname": "db-prod-2"})
	addr := serve(t, h)

	client, err := dial(t, addr, ssh.Password("x"))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	sess, err := client.NewSession()
	if err != nil {
		t.Fatal(err)
	}
	defer sess.Close()
	if err := sess.RequestPty("xterm", 24, 80, ssh.TerminalModes{}); err != nil {
		t.Fatalf("pty: %v", err)
	}
	stdin, _ := sess.StdinPipe()
	stdout, _ := sess.StdoutPipe()
	if err := sess.Shell(); err != nil {
		t.Fatalf("shell: %v", err)
	}

	r := bufio.NewReader(stdout)
	readUntil := func(suffix string) string {
		t.Helper()
		var b bytes.Buffer
		done := make(chan struct{})
		go func() {
			defer close(done)
			for !strings.HasSuffix(b.String(), suffix) {
				c, err := r.ReadByte()
				if err != nil {
					return
				}
				b.WriteByte(c)
			}
		}()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatalf("waiting for %q", suffix)
		}
		return b.String()
	}

	readUntil("root@db-prod-2:~# ")
	stdin.Write([]byte("cd /tmp\r"))
	readUntil("root@db-prod-2:/tmp# ")
	stdin.Write([]byte("pwd\r"))
	if out := readUntil("# "); !strings.Contains(out, "/tmp") {
		t.Fatalf("pwd output = %q", out)
	}
	stdin.Write([]byte("exit\r"))
	readUntil("logout\r\n")

	cmds := waitFor(t, sink, honeypot.CategoryCommand, 3)
	if len(cmds) != 3 || cmds[1].Message != "pwd" || cmds[1].Fields["channel"] != "shell" {
		t.Fatalf("commands = %+v", cmds)
	}
}

func TestHostKeyPersisted(t *testing.T) {
	dir := t.TempDir()
	cfg := honeypot.Config{ID: "cowrie_abc"}
	a, err := New(cfg, session.Env{DataDir: dir})
	if err != nil {
		t.Fatal(err)
	}
	b, err := New(cfg, session.Env{DataDir: dir})
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(a.PublicKey().Marshal(), b.PublicKey().Marshal()) {
		t.Fatal("host key changed between handlers")
	}
	other, _ := New(honeypot.Config{ID: "cowrie_def"}, session.Env{DataDir: dir})
	if bytes.Equal(a.PublicKey().Marshal(), other.PublicKey().Marshal()) {
		t.Fatal("instances share a host key")
	}
}

func TestBannerPrefix(t *testing.T) {
	h, err := New(honeypot.Config{Banner: "OpenSSH_8.2p1 Ubuntu-4ubuntu0.5"}, session.Env{})
	if err != nil {
		t.Fatal(err)
	}
	if h.version != "SSH-2.0-OpenSSH_8.2p1 Ubuntu-4ubuntu0.5" {
		t.Fatalf("version = %q", h.version)
	}
}

func TestParseCommands(t *testing.T) {
	got := parseCommands("ls=a  b\nbad\n=x\nuname -r=5.4.0\\nextra")
	if len(got) != 2 || got["ls"] != "a  b" || got["uname -r"] != "5.4.0\nextra" {
		t.Fatalf("parsed = %q", got)
	}
}
