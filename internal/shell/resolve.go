// Package shell picks the interactive shell for new terminals and builds the
// environment it runs with.
package shell

import (
	"errors"
	"os"
)

// ErrNoShell means no candidate shell is executable on this host. Terminals
// cannot be offered at all, so callers treat it as fatal at startup.
var ErrNoShell = errors.New("no executable shell found")

// posixCandidates are tried in order when $SHELL is unusable.
var posixCandidates = []string{"/bin/zsh", "/bin/bash", "/bin/sh"}

// Resolver finds a shell. The zero value is not usable; use NewResolver.
type Resolver struct {
	Getenv     func(string) string
	Executable func(path string) bool
	Candidates []string
}

// NewResolver returns a resolver backed by the process environment and the
// host's execute-permission check.
func NewResolver() *Resolver {
	return &Resolver{
		Getenv:     os.Getenv,
		Executable: isExecutable,
		Candidates: posixCandidates,
	}
}

// Resolve returns the shell for this platform using the default resolver.
func Resolve() (string, error) {
	return NewResolver().Resolve()
}

// Resolve prefers $SHELL when it is executable, then the fixed candidates.
func (r *Resolver) Resolve() (string, error) {
	if fixed, ok := platformShell(); ok {
		return fixed, nil
	}

	if sh := r.Getenv("SHELL"); sh != "" && r.Executable(sh) {
		return sh, nil
	}
	for _, candidate := range r.Candidates {
		if r.Executable(candidate) {
			return candidate, nil
		}
	}
	return "", ErrNoShell
}
