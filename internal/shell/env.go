package shell

import (
	"os"
	"sort"
	"strings"
)

// DefaultPath is used when the host has no PATH at all.
const DefaultPath = "/usr/local/bin:/usr/bin:/bin:/usr/sbin:/sbin"

const terminalType = "xterm-256color"

// allowList is copied first, only when present on the host.
var allowList = []string{"HOME", "PATH", "USER", "LOGNAME", "TMPDIR", "LANG", "LC_ALL"}

// EnvBuilder assembles a shell environment from host sources.
type EnvBuilder struct {
	Environ func() []string
	HomeDir func() (string, error)
}

// BuildEnv builds the environment for shellPath from the process environment.
func BuildEnv(shellPath string) map[string]string {
	return EnvBuilder{Environ: os.Environ, HomeDir: os.UserHomeDir}.Build(shellPath)
}

// Build returns allow-listed host variables, forced TERM and SHELL, HOME and
// PATH backfills, then every other host variable free of NUL bytes without
// overwriting anything already set.
func (b EnvBuilder) Build(shellPath string) map[string]string {
	host := make(map[string]string)
	var order []string
	for _, kv := range b.Environ() {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || key == "" {
			continue
		}
		if _, seen := host[key]; !seen {
			order = append(order, key)
		}
		host[key] = value
	}

	env := make(map[string]string, len(host)+2)
	for _, key := range allowList {
		if value, ok := host[key]; ok && !hasNUL(value) {
			env[key] = value
		}
	}

	env["TERM"] = terminalType
	env["SHELL"] = shellPath

	if env["HOME"] == "" {
		if home, err := b.HomeDir(); err == nil && home != "" {
			env["HOME"] = home
		}
	}
	if env["PATH"] == "" {
		env["PATH"] = DefaultPath
	}

	for _, key := range order {
		if _, set := env[key]; set {
			continue
		}
		value := host[key]
		if hasNUL(key) || hasNUL(value) {
			continue
		}
		env[key] = value
	}
	return env
}

// EnvList flattens env into sorted KEY=VALUE pairs for exec.Cmd.
func EnvList(env map[string]string) []string {
	list := make([]string, 0, len(env))
	for k, v := range env {
		list = append(list, k+"="+v)
	}
	sort.Strings(list)
	return list
}

func hasNUL(s string) bool {
	return strings.IndexByte(s, 0) >= 0
}
