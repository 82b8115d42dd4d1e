// Package telnet emulates the management console of a network switch or router.
package telnet

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"strings"
	"time"

	"github.com/0tSystemsPublicRepos/honeyhive/internal/honeypot"
	"github.com/0tSystemsPublicRepos/honeyhive/internal/session"
)

const defaultHostname = "SW-CORE-01"

type mode int

const (
	modeExec mode = iota
	modeConfig
)

type Handler struct {
	cfg        honeypot.Config
	env        session.Env
	device     string
	profile    profile
	hostname   string
	motd       string
	interfaces []iface
	idle       time.Duration
}

func New(cfg honeypot.Config, env session.Env) (*Handler, error) {
	device := strings.ToLower(strings.TrimSpace(cfg.Option("device_type", defaultDevice)))
	p, ok := profiles[device]
	if !ok {
		return nil, fmt.Errorf("%w: unknown device_type %q", honeypot.ErrInvalidConfig, device)
	}
	motd := defaultMOTD
	if v, set := cfg.Options["motd"]; set {
		motd = v
	}
	return &Handler{
		cfg:        cfg,
		env:        env,
		device:     device,
		profile:    p,
		hostname:   strings.TrimSpace(cfg.Option("hostname", defaultHostname)),
		motd:       motd,
		interfaces: parseInterfaces(cfg.Option("interface_config", "")),
		idle:       env.IdleTimeout(cfg),
	}, nil
}

// conn is the state of one console session.
type conn struct {
	*session.Session
	h    *Handler
	ed   *editor
	host string
	mode mode
}

func (c *conn) prompt() string {
	switch {
	case c.mode == modeConfig:
		return fmt.Sprintf(c.h.profile.configPrompt, c.host)
	case c.Privileged:
		return fmt.Sprintf(c.h.profile.enablePrompt, c.host)
	default:
		return fmt.Sprintf(c.h.profile.userPrompt, c.host)
	}
}

// out writes text with bare newlines converted to CRLF.
func (c *conn) out(text string) error {
	return c.WriteString(strings.ReplaceAll(text, "\n", "\r\n"))
}

// Serve runs one console session: MOTD and banner, login, then the command loop.
func (h *Handler) Serve(ctx context.Context, nc net.Conn) {
	s := session.New(ctx, h.cfg, nc, h.env.Sink, h.idle)
	c := &conn{Session: s, h: h, ed: &editor{s: s}, host: h.hostname}
	s.Connect()
	s.Finish(c.run(ctx))
}

func (c *conn) run(ctx context.Context) error {
	if c.h.motd != "" {
		if err := c.out(c.h.motd + "\n\n"); err != nil {
			return err
		}
	}
	if err := c.out(c.h.profile.banner + "\n\n"); err != nil {
		return err
	}

	if err := c.WriteString("Username: "); err != nil {
		return err
	}
	user, err := c.ed.readLine(true)
	if err != nil {
		return err
	}
	if err := c.WriteString("Password: "); err != nil {
		return err
	}
	pass, err := c.ed.readLine(false)
	if err != nil {
		return err
	}
	c.Auth(user, pass, map[string]string{"stage": "login", "device_type": c.h.device})
	c.Login(user)

	for {
		if err := c.out(c.prompt() + " "); err != nil {
			return err
		}
		line, err := c.ed.readLine(true)
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		var done bool
		if c.mode == modeConfig {
			done, err = c.configLine(line)
		} else {
			done, err = c.exec(line)
		}
		if err != nil || done {
			return err
		}
	}
}

func (c *conn) exec(line string) (bool, error) {
	args := strings.Fields(strings.ToLower(line))
	c.Command(line, map[string]string{"command": args[0], "privileged": fmt.Sprint(c.Privileged)})

	switch args[0] {
	case "help", "?":
		if c.Privileged {
			return false, c.out(helpPrivileged)
		}
		return false, c.out(helpUser)

	case "show", "sh":
		return false, c.show(args[1:])

	case "enable", "en":
		if c.Privileged {
			return false, nil
		}
		if err := c.WriteString("Password: "); err != nil {
			return false, err
		}
		pw, err := c.ed.readLine(false)
		if err != nil {
			return false, err
		}
		c.Auth(c.Username, pw, map[string]string{"stage": "enable", "device_type": c.h.device})
		c.Elevate()
		return false, nil

	case "disable":
		c.Drop()
		return false, nil

	case "exit", "logout", "quit":
		// exit from enable mode only drops privilege.
		if args[0] == "exit" && c.Privileged {
			c.Drop()
			return false, nil
		}
		return true, nil

	case "configure", "conf", "config":
		if !c.Privileged {
			return false, c.out(c.h.profile.invalidInput(line) + "\n")
		}
		if len(args) == 1 {
			if err := c.WriteString("Configuring from terminal, memory, or network [terminal]? "); err != nil {
				return false, err
			}
			if _, err := c.ed.readLine(true); err != nil {
				return false, err
			}
		}
		c.mode = modeConfig
		return false, c.out("Enter configuration commands, one per line.  End with CNTL/Z.\n")

	case "ping":
		return false, c.out(ping(target(args)))

	case "traceroute", "tracert", "trace":
		return false, c.out(traceroute(target(args)))

	default:
		return false, c.out(c.h.profile.invalidInput(line) + "\n")
	}
}

func (c *conn) show(args []string) error {
	if len(args) == 0 {
		return c.out("% Incomplete command.\n")
	}
	switch args[0] {
	case "version", "ver":
		return c.out(c.h.profile.versionFor(c.host) + "\n")
	case "interfaces", "int", "interface":
		var b strings.Builder
		b.WriteString("Interface                  Status         Protocol\n")
		for _, i := range c.h.interfaces {
			fmt.Fprintf(&b, "%-25s  %-14s %s\n", i.name, i.line, i.protocol)
		}
		return c.out(b.String())
	case "ip":
		if len(args) > 1 && args[1] == "route" {
			return c.out(ipRoute)
		}
		return c.out("% Incomplete command.\n")
	case "running-config", "run":
		return c.out(strings.ReplaceAll(runningConfig, "{hostname}", c.host))
	default:
		return c.out(c.h.profile.invalidInput("show "+strings.Join(args, " ")) + "\n")
	}
}

// configLine handles one line in configuration mode. Lines are accepted and
// logged; only hostname changes anything, and only for this session.
func (c *conn) configLine(line string) (bool, error) {
	c.Command(line, map[string]string{"command": strings.Fields(line)[0], "mode": "config"})

	fields := strings.Fields(line)
	switch strings.ToLower(fields[0]) {
	case "end", "exit":
		c.mode = modeExec
	case "hostname":
		if len(fields) > 1 {
			c.host = fields[1]
		}
	}
	return false, nil
}

func target(args []string) string {
	if len(args) > 1 {
		return args[1]
	}
	return "8.8.8.8"
}

func ping(host string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "PING %s: 56 data bytes\n", host)
	lo, hi, sum := 1e9, 0.0, 0.0
	for i := 0; i < 5; i++ {
		ms := 1 + rand.Float64()*0.5
		lo, hi, sum = min(lo, ms), max(hi, ms), sum+ms
		fmt.Fprintf(&b, "64 bytes from %s: icmp_seq=%d ttl=64 time=%.3f ms\n", host, i, ms)
	}
	fmt.Fprintf(&b, "\n--- %s ping statistics ---\n", host)
	b.WriteString("5 packets transmitted, 5 packets received, 0% packet loss\n")
	fmt.Fprintf(&b, "round-trip min/avg/max = %.3f/%.3f/%.3f ms\n", lo, sum/5, hi)
	return b.String()
}

func traceroute(host string) string {
	hops := []string{"192.168.1.1", "10.0.0.1", host}
	var b strings.Builder
	fmt.Fprintf(&b, "traceroute to %s, 30 hops max, 40 byte packets\n", host)
	for i, hop := range hops {
		base := float64(1 + 4*i)
		fmt.Fprintf(&b, " %d  %s (%s)", i+1, hop, hop)
		for j := 0; j < 3; j++ {
			fmt.Fprintf(&b, "  %.3f ms", base+rand.Float64()*0.4)
		}
		b.WriteString("\n")
	}
	return b.String()
}
