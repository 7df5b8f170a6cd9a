package mcpscout

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gobwas/glob"
)

// defaultProcessPatterns are glob patterns a command line must match to count
// as a server process.
var defaultProcessPatterns = []string{
	"*mcp-server*",
	"*mcp_server*",
	"*mcp-scout-server*",
	"*modelcontextprotocol*",
}

// processStoplist names processes that routinely match broad patterns but are
// never servers themselves (shells, interpreters launched bare, system
// daemons). The process name must equal the entry exactly to be excluded.
var processStoplist = map[string]struct{}{
	"sh": {}, "bash": {}, "zsh": {}, "fish": {}, "dash": {},
	"python": {}, "python3": {}, "node": {}, "ruby": {}, "perl": {},
	"systemd": {}, "sshd": {}, "dockerd": {}, "containerd": {},
	"grep": {}, "vim": {}, "less": {}, "tmux": {}, "ps": {},
}

// processScanner inspects the local process table for running servers whose
// command line matches a known pattern. Matches become stdio endpoints whose
// command is the observed command line, so a session re-spawns its own
// instance rather than attaching to the running one.
type processScanner struct {
	procRoot string
	patterns []glob.Glob
	logger   *slog.Logger
}

func newProcessScanner(patterns []string, logger *slog.Logger) (*processScanner, error) {
	if len(patterns) == 0 {
		patterns = defaultProcessPatterns
	}
	compiled := make([]glob.Glob, 0, len(patterns))
	for _, pattern := range patterns {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, newError(CategoryConfiguration, SeverityLow,
				"invalid process pattern "+pattern, err)
		}
		compiled = append(compiled, g)
	}
	return &processScanner{
		procRoot: "/proc",
		patterns: compiled,
		logger:   logger,
	}, nil
}

// scan walks the process table once. Unreadable entries (exited processes,
// permission boundaries) are skipped silently.
func (s *processScanner) scan() []Endpoint {
	entries, err := os.ReadDir(s.procRoot)
	if err != nil {
		s.logger.Debug("process table unavailable", "root", s.procRoot, "err", err)
		return nil
	}

	self := os.Getpid()
	var endpoints []Endpoint
	for _, entry := range entries {
		pid, err := strconv.Atoi(entry.Name())
		if err != nil || pid == self {
			continue
		}

		cmdline, err := os.ReadFile(filepath.Join(s.procRoot, entry.Name(), "cmdline"))
		if err != nil || len(cmdline) == 0 {
			continue
		}
		argv := splitCmdline(cmdline)
		if len(argv) == 0 {
			continue
		}

		if _, stopped := processStoplist[filepath.Base(argv[0])]; stopped && !s.matches(strings.Join(argv[1:], " ")) {
			continue
		}
		if !s.matches(strings.Join(argv, " ")) {
			continue
		}

		endpoints = append(endpoints, Endpoint{
			Kind:    TransportStdio,
			Command: argv[0],
			Args:    argv[1:],
			Name:    filepath.Base(argv[0]),
			Via:     SourceProcess,
		})
	}
	return endpoints
}

func (s *processScanner) matches(cmdline string) bool {
	for _, g := range s.patterns {
		if g.Match(cmdline) {
			return true
		}
	}
	return false
}

// splitCmdline splits the NUL-separated /proc cmdline format into argv.
func splitCmdline(raw []byte) []string {
	parts := bytes.Split(bytes.TrimRight(raw, "\x00"), []byte{0})
	argv := make([]string, 0, len(parts))
	for _, part := range parts {
		if len(part) > 0 {
			argv = append(argv, string(part))
		}
	}
	return argv
}
