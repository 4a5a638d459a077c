package terminal

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/creack/pty"
)

// Initial geometry for every new terminal.
const (
	DefaultCols = 80
	DefaultRows = 24
)

// ExitStatus describes how a terminal's process ended. Signal is nil when the
// process exited on its own.
type ExitStatus struct {
	Code   int
	Signal *int
}

// Process is the OS side of one terminal: the PTY master plus the child it
// controls. Only the Registry holds Process values.
type Process interface {
	io.ReadWriteCloser
	Resize(cols, rows uint16) error
	Kill() error
	// Wait blocks until the child exits. It is called exactly once.
	Wait() ExitStatus
	Pid() int
}

// StartSpec is everything needed to start one shell.
type StartSpec struct {
	Shell string
	Dir   string
	Env   []string
	Cols  uint16
	Rows  uint16
}

// Starter launches a Process. StartPTY is the production implementation.
type Starter func(spec StartSpec) (Process, error)

// ptyProcess runs a shell attached to a real PTY, giving proper terminal
// semantics: echo, line editing, job control and window-size signals.
type ptyProcess struct {
	cmd       *exec.Cmd
	ptmx      *os.File
	closeOnce sync.Once
}

// StartPTY starts spec.Shell as an interactive shell on a new PTY.
func StartPTY(spec StartSpec) (Process, error) {
	cmd := exec.Command(spec.Shell)
	cmd.Dir = spec.Dir
	cmd.Env = spec.Env

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: spec.Rows, Cols: spec.Cols})
	if err != nil {
		return nil, fmt.Errorf("start %s with PTY: %w", spec.Shell, err)
	}

	return &ptyProcess{cmd: cmd, ptmx: ptmx}, nil
}

func (p *ptyProcess) Read(b []byte) (int, error) {
	n, err := p.ptmx.Read(b)
	// Linux reports EIO on the master once the slave side is gone.
	if err != nil && errors.Is(err, syscall.EIO) {
		return n, io.EOF
	}
	return n, err
}

func (p *ptyProcess) Write(b []byte) (int, error) {
	return p.ptmx.Write(b)
}

func (p *ptyProcess) Resize(cols, rows uint16) error {
	return pty.Setsize(p.ptmx, &pty.Winsize{Rows: rows, Cols: cols})
}

func (p *ptyProcess) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	err := p.cmd.Process.Kill()
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

func (p *ptyProcess) Wait() ExitStatus {
	err := p.cmd.Wait()

	status := ExitStatus{}
	state := p.cmd.ProcessState
	if state == nil {
		status.Code = -1
		if err == nil {
			status.Code = 0
		}
		return status
	}

	status.Code = state.ExitCode()
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		sig := int(ws.Signal())
		status.Signal = &sig
	}
	return status
}

func (p *ptyProcess) Pid() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

func (p *ptyProcess) Close() error {
	var err error
	p.closeOnce.Do(func() {
		err = p.ptmx.Close()
	})
	return err
}
