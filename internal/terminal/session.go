package terminal

import (
	"errors"
	"io"
	"os"
	"strings"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
)

const readBufSize = 32 * 1024

// Info is a read-only snapshot of a live session.
type Info struct {
	ID           string    `json:"id"`
	ProjectID    string    `json:"projectId"`
	WorktreeID   string    `json:"worktreeId,omitempty"`
	WorkDir      string    `json:"cwd"`
	StartTime    time.Time `json:"startTime"`
	Pid          int       `json:"pid"`
	CommandCount int       `json:"commandCount"`
}

// Metadata is the close-time snapshot handed to insight capture. EndTime is
// the time of the call, not a stored value.
type Metadata struct {
	Output       string
	StartTime    time.Time
	EndTime      time.Time
	CommandCount int
	ProjectID    string
	WorktreeID   string
	WorkDir      string
}

// session is one live PTY. Only the Registry touches proc.
type session struct {
	id         string
	projectID  string
	worktreeID string
	workDir    string
	startTime  time.Time

	proc         Process
	output       *outputBuffer
	commandCount atomic.Int64

	onOutput func(chunk string)
	onExit   func(ExitStatus)
	readDone chan struct{}
}

func (s *session) info() Info {
	return Info{
		ID:           s.id,
		ProjectID:    s.projectID,
		WorktreeID:   s.worktreeID,
		WorkDir:      s.workDir,
		StartTime:    s.startTime,
		Pid:          s.proc.Pid(),
		CommandCount: int(s.commandCount.Load()),
	}
}

// record appends chunk to the output buffer and bumps the command counter for
// newline-terminated chunks, a rough proxy for a finished command.
func (s *session) record(chunk string) {
	s.output.Append(chunk)
	if chunk != "" && strings.HasSuffix(chunk, "\n") {
		s.commandCount.Add(1)
	}
}

// readLoop copies PTY output into the buffer and to onOutput until the PTY
// closes. Chunks are cut on rune boundaries so a multi-byte character split
// across reads is delivered whole in the next chunk.
func (s *session) readLoop(log zerolog.Logger) {
	defer close(s.readDone)

	buf := make([]byte, readBufSize)
	var carry []byte

	for {
		n, err := s.proc.Read(buf)
		if n > 0 {
			data := append(carry, buf[:n]...)
			cut := completePrefix(data)
			carry = append([]byte(nil), data[cut:]...)
			if cut > 0 {
				s.emit(string(data[:cut]))
			}
		}
		if err != nil {
			if len(carry) > 0 {
				s.emit(string(carry))
			}
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				log.Debug().Err(err).Str("session_id", s.id).Msg("PTY read ended")
			}
			return
		}
	}
}

func (s *session) emit(chunk string) {
	s.record(chunk)
	if s.onOutput != nil {
		s.onOutput(chunk)
	}
}

// completePrefix returns the length of the longest prefix of b that does not
// end inside an incomplete UTF-8 sequence.
func completePrefix(b []byte) int {
	for i := len(b) - 1; i >= 0 && len(b)-i < utf8.UTFMax; i-- {
		if utf8.RuneStart(b[i]) {
			if utf8.FullRune(b[i:]) {
				return len(b)
			}
			return i
		}
	}
	return len(b)
}
