//go:build !windows

package shell

import (
	"os"

	"golang.org/x/sys/unix"
)

func platformShell() (string, bool) {
	return "", false
}

// isExecutable checks the execute bit for the current user with access(2),
// not just existence.
func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return false
	}
	return unix.Access(path, unix.X_OK) == nil
}
