package agent

import (
	"regexp"
	"strings"
)

// Status is the best-effort state of an agent running in a terminal, inferred
// from what it prints.
type Status string

const (
	StatusNone     Status = ""
	StatusStarting Status = "starting"
	StatusWorking  Status = "working"
	StatusWaiting  Status = "waiting_for_input"
	StatusReady    Status = "ready"
)

// tailBytes bounds how much recent output the classifier inspects.
const tailBytes = 4096

var ansiPattern = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]|\x1b\][^\x07\x1b]*(?:\x07|\x1b\\)`)

// Markers printed by the Claude CLI. Later matches in the output win.
var markers = []struct {
	text   string
	status Status
}{
	{"welcome to claude", StatusStarting},
	{"esc to interrupt", StatusWorking},
	{"do you want", StatusWaiting},
	{"❯ 1. yes", StatusWaiting},
	{"? for shortcuts", StatusReady},
}

// StripANSI removes CSI and OSC escape sequences.
func StripANSI(s string) string {
	return ansiPattern.ReplaceAllString(s, "")
}

// Classify returns the status indicated by the most recent marker in output,
// or StatusNone when no marker is present.
func Classify(output string) Status {
	if len(output) > tailBytes {
		output = output[len(output)-tailBytes:]
	}
	text := strings.ToLower(StripANSI(output))

	best, bestAt := StatusNone, -1
	for _, m := range markers {
		if at := strings.LastIndex(text, m.text); at > bestAt {
			best, bestAt = m.status, at
		}
	}
	return best
}
