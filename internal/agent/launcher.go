// Package agent starts an interactive coding agent inside a terminal session
// and tracks what the agent appears to be doing from its output.
package agent

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/agent-command/termd/internal/metrics"
	"github.com/agent-command/termd/internal/terminal"
)

const (
	// DefaultDelay is how long after creation an armed launch fires.
	DefaultDelay = 500 * time.Millisecond
	// DefaultCommand starts the Claude CLI.
	DefaultCommand = "claude"

	TriggerAuto   = "auto"
	TriggerManual = "manual"
)

// Terminals is the part of the session registry the launcher needs.
type Terminals interface {
	Write(id string, data []byte) bool
	Get(id string) (terminal.Info, bool)
}

type tracked struct {
	tail   string
	status Status
}

// Launcher submits the agent command to sessions and remembers the last
// status observed for each one.
type Launcher struct {
	terms   Terminals
	command atomic.Pointer[string]
	log     zerolog.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	sessions map[string]*tracked
}

type Option func(*Launcher)

func WithLogger(log zerolog.Logger) Option {
	return func(l *Launcher) { l.log = log }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Launcher) { l.metrics = m }
}

func WithCommand(cmd string) Option {
	return func(l *Launcher) { l.SetCommand(cmd) }
}

func NewLauncher(terms Terminals, opts ...Option) *Launcher {
	l := &Launcher{
		terms:    terms,
		log:      zerolog.Nop(),
		sessions: make(map[string]*tracked),
	}
	l.SetCommand(DefaultCommand)
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// SetCommand replaces the launch command for future launches. Empty is ignored.
func (l *Launcher) SetCommand(cmd string) {
	if cmd == "" {
		return
	}
	l.command.Store(&cmd)
}

func (l *Launcher) Command() string {
	return *l.command.Load()
}

// Launch writes the launch command into the session. It reports whether the
// session existed and accepted the write, not whether the agent started.
func (l *Launcher) Launch(id string) bool {
	return l.launch(id, TriggerManual)
}

func (l *Launcher) launch(id, trigger string) bool {
	if !l.terms.Write(id, []byte(l.Command()+"\r")) {
		return false
	}
	l.metrics.AgentLaunched(trigger)
	l.log.Info().Str("session_id", id).Str("trigger", trigger).Msg("Agent launch submitted")

	l.mu.Lock()
	if t := l.trackLocked(id); t != nil && t.status == StatusNone {
		t.status = StatusStarting
	}
	l.mu.Unlock()
	return true
}

// trackLocked returns the state for id, creating it if the session is live.
// The liveness check runs under l.mu so a concurrent Forget cannot be undone.
func (l *Launcher) trackLocked(id string) *tracked {
	if t := l.sessions[id]; t != nil {
		return t
	}
	if _, ok := l.terms.Get(id); !ok {
		return nil
	}
	t := &tracked{}
	l.sessions[id] = t
	return t
}

// Observe feeds a chunk of session output to the classifier. It returns the
// current status and whether this chunk changed it. Output for sessions that
// are no longer registered is ignored.
func (l *Launcher) Observe(id, chunk string) (Status, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	t := l.trackLocked(id)
	if t == nil {
		return StatusNone, false
	}
	t.tail += chunk
	if len(t.tail) > tailBytes {
		t.tail = t.tail[len(t.tail)-tailBytes:]
	}

	next := Classify(t.tail)
	if next == StatusNone || next == t.status {
		return t.status, false
	}
	t.status = next
	return next, true
}

// Status returns the last observed status. The boolean is false when nothing
// has been observed for id.
func (l *Launcher) Status(id string) (Status, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	t := l.sessions[id]
	if t == nil || t.status == StatusNone {
		return StatusNone, false
	}
	return t.status, true
}

// Forget drops all state for id.
func (l *Launcher) Forget(id string) {
	l.mu.Lock()
	delete(l.sessions, id)
	l.mu.Unlock()
}

// Pending is an armed launch. Stop cancels it.
type Pending struct {
	ID string

	mu    sync.Mutex
	done  bool
	timer *time.Timer
}

// Stop cancels the launch if it has not fired. It is safe to call any number
// of times. Once Stop returns, the launch command will not be written.
func (p *Pending) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.done = true
	p.timer.Stop()
}

// Arm schedules a launch for id after delay. When the timer fires and the
// session still exists, the command is written and fired is called with the
// resulting status. fired is not called if the launch was cancelled or the
// session is gone.
func (l *Launcher) Arm(id string, delay time.Duration, fired func(Status, bool)) *Pending {
	p := &Pending{ID: id}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.timer = time.AfterFunc(delay, func() {
		p.mu.Lock()
		if p.done {
			p.mu.Unlock()
			return
		}
		p.done = true

		if _, ok := l.terms.Get(id); !ok {
			p.mu.Unlock()
			l.log.Debug().Str("session_id", id).Msg("Session gone before agent launch")
			return
		}
		ok := l.launch(id, TriggerAuto)
		p.mu.Unlock()

		if fired != nil {
			st, _ := l.Status(id)
			fired(st, ok)
		}
	})
	return p
}
