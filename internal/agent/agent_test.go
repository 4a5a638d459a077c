package agent_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agent-command/termd/internal/agent"
	"github.com/agent-command/termd/internal/terminal"
	"github.com/agent-command/termd/internal/terminal/terminaltest"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name   string
		output string
		want   agent.Status
	}{
		{"empty", "", agent.StatusNone},
		{"plain shell", "$ ls\r\nfoo bar\r\n$ ", agent.StatusNone},
		{"welcome", "✻ Welcome to Claude Code!", agent.StatusStarting},
		{"ready", "> \r\n  ? for shortcuts", agent.StatusReady},
		{"working", "✶ Thinking… (3s · esc to interrupt)", agent.StatusWorking},
		{"waiting", "Do you want to make this edit to main.go?", agent.StatusWaiting},
		{"latest marker wins", "esc to interrupt\r\n...\r\n? for shortcuts", agent.StatusReady},
		{"ansi split marker", "\x1b[2mesc \x1b[0m\x1b[1mto interrupt\x1b[0m", agent.StatusWorking},
		{"case insensitive", "ESC TO INTERRUPT", agent.StatusWorking},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, agent.Classify(tt.output))
		})
	}
}

func TestStripANSI(t *testing.T) {
	assert.Equal(t, "hello world", agent.StripANSI("\x1b[31mhello\x1b[0m \x1b]0;title\x07world"))
}

func newLauncher(t *testing.T) (*agent.Launcher, *terminal.Registry, *terminaltest.Starter) {
	t.Helper()
	starter := &terminaltest.Starter{}
	reg := terminal.NewRegistry("/bin/sh", terminal.WithStarter(starter.Start))
	t.Cleanup(reg.KillAll)
	return agent.NewLauncher(reg, agent.WithCommand("claude --resume")), reg, starter
}

func spawn(t *testing.T, reg *terminal.Registry, id string) {
	t.Helper()
	_, err := reg.Spawn(terminal.SpawnOptions{ID: id, WorkDir: t.TempDir()})
	require.NoError(t, err)
}

func TestLaunchWritesCommand(t *testing.T) {
	l, reg, starter := newLauncher(t)
	spawn(t, reg, "t1")

	require.True(t, l.Launch("t1"))
	assert.Equal(t, "claude --resume\r", starter.Last().Input())

	st, ok := l.Status("t1")
	require.True(t, ok)
	assert.Equal(t, agent.StatusStarting, st)
}

func TestLaunchUnknownSession(t *testing.T) {
	l, _, _ := newLauncher(t)
	assert.False(t, l.Launch("ghost"))
	_, ok := l.Status("ghost")
	assert.False(t, ok)
}

func TestSetCommand(t *testing.T) {
	l, reg, starter := newLauncher(t)
	spawn(t, reg, "t1")

	l.SetCommand("")
	assert.Equal(t, "claude --resume", l.Command())
	l.SetCommand("codex")
	require.True(t, l.Launch("t1"))
	assert.Equal(t, "codex\r", starter.Last().Input())
}

func TestObserveReportsOnlyChanges(t *testing.T) {
	l, reg, _ := newLauncher(t)
	spawn(t, reg, "t1")

	st, changed := l.Observe("t1", "$ claude\r\n")
	assert.False(t, changed)
	assert.Equal(t, agent.StatusNone, st)

	st, changed = l.Observe("t1", "? for shortcuts")
	assert.True(t, changed)
	assert.Equal(t, agent.StatusReady, st)

	_, changed = l.Observe("t1", "\x1b[2K")
	assert.False(t, changed, "same status does not re-trigger")

	st, changed = l.Observe("t1", "esc to interrupt")
	assert.True(t, changed)
	assert.Equal(t, agent.StatusWorking, st)
}

func TestObserveIgnoresUnknownAndForget(t *testing.T) {
	l, reg, _ := newLauncher(t)

	_, changed := l.Observe("ghost", "? for shortcuts")
	assert.False(t, changed)
	_, ok := l.Status("ghost")
	assert.False(t, ok)

	spawn(t, reg, "t1")
	l.Observe("t1", "? for shortcuts")
	l.Forget("t1")
	_, ok = l.Status("t1")
	assert.False(t, ok)
}

func TestObserveAfterKillAndForgetLeavesNoState(t *testing.T) {
	l, reg, _ := newLauncher(t)
	spawn(t, reg, "t1")

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				l.Observe("t1", "? for shortcuts")
			}
		}
	}()
	time.Sleep(10 * time.Millisecond)
	reg.Kill("t1")
	l.Forget("t1")
	time.Sleep(20 * time.Millisecond)
	close(stop)
	wg.Wait()

	_, ok := l.Status("t1")
	assert.False(t, ok, "late output does not resurrect a forgotten session")

	spawn(t, reg, "t1")
	_, ok = l.Status("t1")
	assert.False(t, ok, "a reused id starts without status")
	st, changed := l.Observe("t1", "esc to interrupt")
	assert.True(t, changed)
	assert.Equal(t, agent.StatusWorking, st)
}

func TestArmFiresAfterDelay(t *testing.T) {
	l, reg, starter := newLauncher(t)
	spawn(t, reg, "t1")

	fired := make(chan bool, 1)
	start := time.Now()
	l.Arm("t1", 30*time.Millisecond, func(st agent.Status, ok bool) {
		assert.Equal(t, agent.StatusStarting, st)
		fired <- ok
	})

	select {
	case ok := <-fired:
		assert.True(t, ok)
		assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
	case <-time.After(2 * time.Second):
		t.Fatal("launch never fired")
	}
	assert.Equal(t, "claude --resume\r", starter.Last().Input())
}

func TestArmCancelledBeforeFireNeverWrites(t *testing.T) {
	l, reg, starter := newLauncher(t)
	spawn(t, reg, "t1")
	proc := starter.Last()

	p := l.Arm("t1", 40*time.Millisecond, func(agent.Status, bool) {
		t.Error("fired after cancel")
	})
	p.Stop()
	reg.Kill("t1")
	p.Stop()

	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, proc.Writes())
}

func TestArmSkipsDeadSession(t *testing.T) {
	l, reg, starter := newLauncher(t)
	spawn(t, reg, "t1")
	proc := starter.Last()

	l.Arm("t1", 20*time.Millisecond, func(agent.Status, bool) {
		t.Error("fired for a dead session")
	})
	reg.Kill("t1")

	time.Sleep(80 * time.Millisecond)
	assert.Empty(t, proc.Writes())
}
