// Package terminal owns the live PTY sessions: spawning shells, routing input,
// resizing, buffering recent output and tearing sessions down.
package terminal

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/agent-command/termd/internal/metrics"
)

// ErrSessionExists is returned by Spawn when the id is already live. The
// existing session is left untouched.
var ErrSessionExists = errors.New("terminal session already exists")

// ErrRegistryClosed is returned by Spawn after KillAll.
var ErrRegistryClosed = errors.New("terminal registry closed")

// drainTimeout bounds how long exit handling waits for buffered output after
// the child has exited. Background jobs can hold the PTY open indefinitely.
const drainTimeout = 250 * time.Millisecond

// SpawnOptions describes a new session. OnOutput and OnExit are installed
// before the read loop starts, so no output is missed.
type SpawnOptions struct {
	ID         string
	WorkDir    string
	ProjectID  string
	WorktreeID string

	// OnOutput receives every chunk in the order the PTY produced it.
	OnOutput func(chunk string)
	// OnExit runs when the process exits on its own, while the session is
	// still registered. It does not run for sessions removed by Kill.
	OnExit func(ExitStatus)
}

// Registry manages multiple PTY sessions keyed by caller-supplied id.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*session
	// reserved holds ids whose process is still starting.
	reserved map[string]struct{}
	closed   bool

	shell       string
	env         func() []string
	start       Starter
	outputLimit int
	log         zerolog.Logger
	metrics     *metrics.Metrics

	killAllOnce sync.Once
}

type Option func(*Registry)

// WithStarter replaces the PTY starter, mainly for tests.
func WithStarter(start Starter) Option {
	return func(r *Registry) { r.start = start }
}

// WithEnv sets the environment source for new shells.
func WithEnv(env func() []string) Option {
	return func(r *Registry) { r.env = env }
}

func WithLogger(log zerolog.Logger) Option {
	return func(r *Registry) { r.log = log }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// WithOutputLimit sets the per-session output chunk limit.
func WithOutputLimit(n int) Option {
	return func(r *Registry) { r.outputLimit = n }
}

// NewRegistry creates a registry that spawns shellPath for every session.
func NewRegistry(shellPath string, opts ...Option) *Registry {
	r := &Registry{
		sessions:    make(map[string]*session),
		reserved:    make(map[string]struct{}),
		shell:       shellPath,
		env:         os.Environ,
		start:       StartPTY,
		outputLimit: DefaultOutputLimit,
		log:         zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Spawn starts a shell for opts.ID. A missing working directory falls back to
// the process working directory, then the home directory. Start failures are
// returned and leave no registry state behind.
func (r *Registry) Spawn(opts SpawnOptions) (Info, error) {
	if opts.ID == "" {
		return Info{}, fmt.Errorf("terminal id is required")
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return Info{}, ErrRegistryClosed
	}
	_, live := r.sessions[opts.ID]
	_, starting := r.reserved[opts.ID]
	if live || starting {
		r.mu.Unlock()
		return Info{}, fmt.Errorf("%w: %s", ErrSessionExists, opts.ID)
	}
	r.reserved[opts.ID] = struct{}{}
	r.mu.Unlock()

	dir := resolveWorkDir(opts.WorkDir)
	if dir != opts.WorkDir {
		r.log.Warn().Str("session_id", opts.ID).Str("requested", opts.WorkDir).Str("using", dir).
			Msg("Working directory unavailable, using fallback")
	}

	proc, err := r.start(StartSpec{
		Shell: r.shell,
		Dir:   dir,
		Env:   r.env(),
		Cols:  DefaultCols,
		Rows:  DefaultRows,
	})
	if err != nil {
		r.mu.Lock()
		delete(r.reserved, opts.ID)
		r.mu.Unlock()
		r.metrics.SpawnFailed()
		r.log.Error().Err(err).Str("session_id", opts.ID).Msg("Failed to spawn terminal")
		return Info{}, fmt.Errorf("spawn terminal %s: %w", opts.ID, err)
	}

	s := &session{
		id:         opts.ID,
		projectID:  opts.ProjectID,
		worktreeID: opts.WorktreeID,
		workDir:    dir,
		startTime:  time.Now(),
		proc:       proc,
		output:     newOutputBuffer(r.outputLimit),
		onOutput:   opts.OnOutput,
		onExit:     opts.OnExit,
		readDone:   make(chan struct{}),
	}
	r.mu.Lock()
	delete(r.reserved, s.id)
	if r.closed {
		r.mu.Unlock()
		_ = proc.Kill()
		_ = proc.Close()
		go proc.Wait()
		r.log.Info().Str("session_id", s.id).Msg("Registry closed during spawn, terminal discarded")
		return Info{}, ErrRegistryClosed
	}
	r.sessions[s.id] = s
	r.metrics.SessionSpawned()
	r.mu.Unlock()

	go s.readLoop(r.log)
	go r.waitForExit(s)

	r.log.Info().Str("session_id", s.id).Str("project_id", s.projectID).Str("cwd", dir).
		Int("pid", proc.Pid()).Msg("Terminal spawned")
	return s.info(), nil
}

// waitForExit reaps the child, lets the read loop drain, then runs the exit
// hook if the session was not already killed.
func (r *Registry) waitForExit(s *session) {
	status := s.proc.Wait()

	select {
	case <-s.readDone:
	case <-time.After(drainTimeout):
	}
	_ = s.proc.Close()

	r.mu.RLock()
	current := r.sessions[s.id]
	r.mu.RUnlock()
	if current != s {
		return
	}

	ev := r.log.Info().Str("session_id", s.id).Int("exit_code", status.Code)
	if status.Signal != nil {
		ev = ev.Int("signal", *status.Signal)
	}
	ev.Msg("Terminal exited")

	if s.onExit != nil {
		s.onExit(status)
	}
	r.remove(s)
}

func (r *Registry) remove(s *session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessions[s.id] == s {
		delete(r.sessions, s.id)
		r.metrics.SessionRemoved()
	}
}

func (r *Registry) lookup(id string) *session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[id]
}

// Write forwards raw input to the session. Unknown ids are ignored. It
// reports whether the bytes reached a live PTY.
func (r *Registry) Write(id string, data []byte) bool {
	s := r.lookup(id)
	if s == nil {
		return false
	}
	if _, err := s.proc.Write(data); err != nil {
		r.log.Debug().Err(err).Str("session_id", id).Msg("PTY write failed")
		return false
	}
	return true
}

// Resize changes the session's window size. Unknown ids are ignored.
func (r *Registry) Resize(id string, cols, rows uint16) bool {
	s := r.lookup(id)
	if s == nil {
		return false
	}
	if err := s.proc.Resize(cols, rows); err != nil {
		r.log.Debug().Err(err).Str("session_id", id).Msg("PTY resize failed")
		return false
	}
	return true
}

// Kill terminates the session's process and always removes the record, even
// when termination fails. Unknown ids are ignored.
func (r *Registry) Kill(id string) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
		r.metrics.SessionRemoved()
	}
	r.mu.Unlock()

	if !ok {
		return
	}

	if err := s.proc.Kill(); err != nil {
		r.log.Warn().Err(err).Str("session_id", id).Msg("Failed to kill terminal process")
	}
	_ = s.proc.Close()
	r.log.Info().Str("session_id", id).Msg("Terminal killed")
}

// KillAll kills every live session. Only the first call has any effect.
func (r *Registry) KillAll() {
	r.killAllOnce.Do(func() {
		r.mu.Lock()
		r.closed = true
		ids := make([]string, 0, len(r.sessions))
		for id := range r.sessions {
			ids = append(ids, id)
		}
		r.mu.Unlock()

		for _, id := range ids {
			r.Kill(id)
		}
		r.log.Info().Int("count", len(ids)).Msg("All terminals killed")
	})
}

func (r *Registry) Get(id string) (Info, bool) {
	s := r.lookup(id)
	if s == nil {
		return Info{}, false
	}
	return s.info(), true
}

// All returns every live session, oldest first.
func (r *Registry) All() []Info {
	return r.filter(func(*session) bool { return true })
}

// AllForProject returns the live sessions tagged with projectID, oldest first.
func (r *Registry) AllForProject(projectID string) []Info {
	return r.filter(func(s *session) bool { return s.projectID == projectID })
}

func (r *Registry) filter(keep func(*session) bool) []Info {
	r.mu.RLock()
	out := make([]Info, 0, len(r.sessions))
	for _, s := range r.sessions {
		if keep(s) {
			out = append(out, s.info())
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartTime.Before(out[j].StartTime)
	})
	return out
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Metadata snapshots a session for insight capture.
func (r *Registry) Metadata(id string) (Metadata, bool) {
	s := r.lookup(id)
	if s == nil {
		return Metadata{}, false
	}
	return Metadata{
		Output:       s.output.Joined(),
		StartTime:    s.startTime,
		EndTime:      time.Now(),
		CommandCount: int(s.commandCount.Load()),
		ProjectID:    s.projectID,
		WorktreeID:   s.worktreeID,
		WorkDir:      s.workDir,
	}, true
}

func resolveWorkDir(dir string) string {
	if dir != "" {
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			return dir
		}
	}
	if wd, err := os.Getwd(); err == nil {
		return wd
	}
	if home, err := os.UserHomeDir(); err == nil {
		return home
	}
	return string(os.PathSeparator)
}
