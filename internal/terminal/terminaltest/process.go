// Package terminaltest provides an in-memory terminal.Process for tests that
// should not depend on a real PTY.
package terminaltest

import (
	"errors"
	"io"
	"sync"
	"syscall"

	"github.com/agent-command/termd/internal/terminal"
)

// Process is a fake PTY. Output is injected with Emit; input written by the
// registry is recorded and can be read back with Writes.
type Process struct {
	Spec terminal.StartSpec

	outR *io.PipeReader
	outW *io.PipeWriter

	mu      sync.Mutex
	writes  [][]byte
	cols    uint16
	rows    uint16
	killed  bool
	killErr error

	exitOnce sync.Once
	exited   chan terminal.ExitStatus
	status   terminal.ExitStatus
}

func NewProcess(spec terminal.StartSpec) *Process {
	r, w := io.Pipe()
	return &Process{
		Spec:   spec,
		outR:   r,
		outW:   w,
		cols:   spec.Cols,
		rows:   spec.Rows,
		exited: make(chan terminal.ExitStatus, 1),
	}
}

func (p *Process) Read(b []byte) (int, error) {
	return p.outR.Read(b)
}

func (p *Process) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.killed {
		return 0, errors.New("process killed")
	}
	p.writes = append(p.writes, append([]byte(nil), b...))
	return len(b), nil
}

func (p *Process) Resize(cols, rows uint16) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cols, p.rows = cols, rows
	return nil
}

// Kill marks the process killed and makes it exit with SIGKILL. A failure set
// with FailKill is returned after the process is marked killed.
func (p *Process) Kill() error {
	p.mu.Lock()
	p.killed = true
	err := p.killErr
	p.mu.Unlock()

	sig := int(syscall.SIGKILL)
	p.Exit(terminal.ExitStatus{Code: -1, Signal: &sig})
	return err
}

func (p *Process) Wait() terminal.ExitStatus {
	return <-p.exited
}

func (p *Process) Pid() int { return 4242 }

func (p *Process) Close() error {
	return p.outW.Close()
}

// Emit makes data appear as PTY output. It blocks until the registry reads it.
func (p *Process) Emit(data string) {
	_, _ = p.outW.Write([]byte(data))
}

// Exit ends the process with status. Later calls are ignored.
func (p *Process) Exit(status terminal.ExitStatus) {
	p.exitOnce.Do(func() {
		p.status = status
		_ = p.outW.Close()
		p.exited <- status
	})
}

// FailKill makes Kill return err.
func (p *Process) FailKill(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.killErr = err
}

// Writes returns a copy of every input write, in order.
func (p *Process) Writes() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([][]byte, len(p.writes))
	copy(out, p.writes)
	return out
}

// Input returns all input written so far concatenated.
func (p *Process) Input() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var s string
	for _, w := range p.writes {
		s += string(w)
	}
	return s
}

func (p *Process) Size() (cols, rows uint16) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cols, p.rows
}

func (p *Process) Killed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.killed
}

// Starter hands out fake processes and remembers them in creation order.
type Starter struct {
	mu      sync.Mutex
	procs   []*Process
	err     error
	gate    chan struct{}
	waiting int
}

// Fail makes subsequent starts return err.
func (s *Starter) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// Hold makes subsequent starts block until release is called.
func (s *Starter) Hold() (release func()) {
	gate := make(chan struct{})
	s.mu.Lock()
	s.gate = gate
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			if s.gate == gate {
				s.gate = nil
			}
			s.mu.Unlock()
			close(gate)
		})
	}
}

// Waiting returns how many starts are blocked by Hold.
func (s *Starter) Waiting() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.waiting
}

func (s *Starter) Start(spec terminal.StartSpec) (terminal.Process, error) {
	s.mu.Lock()
	gate := s.gate
	if gate != nil {
		s.waiting++
		s.mu.Unlock()
		<-gate
		s.mu.Lock()
		s.waiting--
	}
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	p := NewProcess(spec)
	s.procs = append(s.procs, p)
	return p, nil
}

// Last returns the most recently started process, or nil.
func (s *Starter) Last() *Process {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.procs) == 0 {
		return nil
	}
	return s.procs[len(s.procs)-1]
}

// Started returns how many processes have been started.
func (s *Starter) Started() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.procs)
}
