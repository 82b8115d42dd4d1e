package sshd

import (
	"fmt"
	"sort"
	"strings"
)

// shell answers commands from a fixed table. It never runs anything.
type shell struct {
	user     string
	hostname string
	cwd      string
	custom   map[string]string
}

// parseCommands reads "cmd=output" lines. A literal \n in the output becomes
// a newline.
func parseCommands(raw string) map[string]string {
	out := make(map[string]string)
	for _, line := range strings.Split(strings.ReplaceAll(raw, "\r\n", "\n"), "\n") {
		cmd, output, ok := strings.Cut(line, "=")
		cmd = strings.TrimSpace(cmd)
		if !ok || cmd == "" {
			continue
		}
		out[cmd] = strings.ReplaceAll(output, `\n`, "\n")
	}
	return out
}

func (s *shell) home() string {
	if s.user == "root" {
		return "/root"
	}
	return "/home/" + s.user
}

// run returns the output for one command line, without a trailing newline.
// exit reports that the session should end.
func (s *shell) run(line string) (output string, exit bool) {
	line = strings.TrimSpace(line)
	if out, ok := s.custom[line]; ok {
		return out, false
	}
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return "", false
	}
	if out, ok := s.custom[fields[0]]; ok {
		return out, false
	}

	switch fields[0] {
	case "exit", "logout":
		return "", true
	case "whoami":
		return s.user, false
	case "id":
		if s.user == "root" {
			return "uid=0(root) gid=0(root) groups=0(root)", false
		}
		return fmt.Sprintf("uid=1000(%[1]s) gid=1000(%[1]s) groups=1000(%[1]s),27(sudo)", s.user), false
	case "hostname":
		return s.hostname, false
	case "uname":
		if len(fields) > 1 && fields[1] == "-a" {
			return fmt.Sprintf("Linux %s 3.10.0-1160.el7.x86_64 #1 SMP Mon Oct 19 16:18:59 UTC 2020 x86_64 x86_64 x86_64 GNU/Linux", s.hostname), false
		}
		return "Linux", false
	case "pwd":
		return s.cwd, false
	case "cd":
		switch {
		case len(fields) == 1 || fields[1] == "~":
			s.cwd = s.home()
		case strings.HasPrefix(fields[1], "/"):
			s.cwd = fields[1]
		default:
			s.cwd = strings.TrimRight(s.cwd, "/") + "/" + fields[1]
		}
		return "", false
	case "ls":
		return "backup.tar.gz  notes.txt  scripts", false
	case "uptime":
		return " 10:42:17 up 87 days,  3:12,  1 user,  load average: 0.08, 0.03, 0.01", false
	case "w", "who":
		return s.user + "    pts/0        2024-01-01 10:40", false
	case "ps":
		return "  PID TTY          TIME CMD\n 2201 pts/0    00:00:00 bash\n 2245 pts/0    00:00:00 ps", false
	case "cat":
		if len(fields) > 1 && fields[1] == "/etc/passwd" {
			return "root:x:0:0:root:/root:/bin/bash\n" +
				"daemon:x:1:1:daemon:/usr/sbin:/usr/sbin/nologin\n" +
				"mysql:x:27:27:MySQL Server:/var/lib/mysql:/bin/false\n" +
				"admin:x:1000:1000:admin:/home/admin:/bin/bash", false
		}
		if len(fields) > 1 {
			return "cat: " + fields[1] + ": Permission denied", false
		}
		return "", false
	case "echo":
		return strings.Join(fields[1:], " "), false
	case "wget", "curl":
		return fields[0] + ": unable to resolve host address", false
	case "help":
		names := []string{"cat", "cd", "echo", "exit", "hostname", "id", "ls", "ps", "pwd", "uname", "uptime", "w", "whoami"}
		for name := range s.custom {
			names = append(names, name)
		}
		sort.Strings(names)
		return strings.Join(names, "  "), false
	}
	return "-bash: " + fields[0] + ": command not found", false
}

func (s *shell) prompt() string {
	dir := s.cwd
	if dir == s.home() {
		dir = "~"
	}
	sigil := "$"
	if s.user == "root" {
		sigil = "#"
	}
	return fmt.Sprintf("%s@%s:%s%s ", s.user, s.hostname, dir, sigil)
}
