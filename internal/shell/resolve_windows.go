//go:build windows

package shell

import "os"

const powerShellPath = `C:\Windows\System32\WindowsPowerShell\v1.0\powershell.exe`

func platformShell() (string, bool) {
	return powerShellPath, true
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
