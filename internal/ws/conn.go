package ws

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/agent-command/termd/internal/agent"
	"github.com/agent-command/termd/internal/insight"
	"github.com/agent-command/termd/internal/metrics"
	"github.com/agent-command/termd/internal/terminal"
)

// conn is one authenticated client. All socket writes go through send and
// are performed by writePump.
type conn struct {
	g      *Gateway
	ws     *websocket.Conn
	id     string
	userID string
	token  string
	log    zerolog.Logger

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once

	mu        sync.Mutex
	terminals map[string]string
	pending   map[string]*agent.Pending
}

func newConn(g *Gateway, ws *websocket.Conn, userID, token string) *conn {
	id := newConnID()
	return &conn{
		g:         g,
		ws:        ws,
		id:        id,
		userID:    userID,
		token:     token,
		log:       g.log.With().Str("conn_id", id).Str("user_id", userID).Logger(),
		send:      make(chan []byte, sendBuffer),
		done:      make(chan struct{}),
		terminals: make(map[string]string),
		pending:   make(map[string]*agent.Pending),
	}
}

func (c *conn) open() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

func (c *conn) serve() {
	c.g.metrics.ConnectionOpened()
	go c.writePump()
	c.readPump()
}

func (c *conn) readPump() {
	defer c.teardown()

	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(readDeadline))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(readDeadline))
	})

	for {
		_, message, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Warn().Err(err).Msg("WebSocket read error")
			}
			return
		}
		c.handle(message)
	}
}

func (c *conn) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.log.Debug().Err(err).Msg("WebSocket write failed")
				go c.teardown()
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				go c.teardown()
				return
			}
		case <-c.done:
			c.ws.SetWriteDeadline(time.Now().Add(time.Second))
			_ = c.ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// emit queues f for the client. Frames for a closed connection are dropped.
func (c *conn) emit(f frame) {
	if !c.open() {
		return
	}
	data, err := json.Marshal(f)
	if err != nil {
		c.log.Error().Err(err).Str("type", f.frameType()).Msg("Failed to encode frame")
		return
	}
	select {
	case c.send <- data:
		c.g.metrics.Frame(metrics.Outbound, f.frameType())
	case <-c.done:
	}
}

// teardown stops the keepalive and every pending launch. Sessions created
// by this connection keep running.
func (c *conn) teardown() {
	c.closeOnce.Do(func() {
		close(c.done)

		c.mu.Lock()
		pending := c.pending
		c.pending = make(map[string]*agent.Pending)
		count := len(c.terminals)
		c.mu.Unlock()

		for _, p := range pending {
			p.Stop()
		}
		_ = c.ws.SetReadDeadline(time.Now())
		c.g.metrics.ConnectionClosed()
		c.log.Info().Int("terminals", count).Msg("Terminal connection closed")
	})
}

// handle decodes and dispatches one message. A failing command produces an
// error frame and never ends the connection.
func (c *conn) handle(message []byte) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error().Str("panic", fmt.Sprint(r)).Msg("Terminal command failed")
			c.emit(errorFrame("", "Internal error"))
		}
	}()

	cmd, err := Decode(message)
	if err != nil {
		var perr *ProtocolError
		if !errors.As(err, &perr) {
			perr = &ProtocolError{Message: err.Error()}
		}
		c.g.metrics.Frame(metrics.Inbound, metricLabel(perr.Type))
		c.log.Debug().Str("type", perr.Type).Str("reason", perr.Message).Msg("Rejected terminal command")
		c.emit(errorFrame(perr.ID, perr.Message))
		return
	}

	c.g.metrics.Frame(metrics.Inbound, cmd.Type())
	Dispatch(cmd, c)
}

func (c *conn) cancelPending(id string) {
	c.mu.Lock()
	p := c.pending[id]
	delete(c.pending, id)
	c.mu.Unlock()
	if p != nil {
		p.Stop()
	}
}

func (c *conn) terminalName(id string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.terminals[id]
}

func (c *conn) captureInsight(id, name string) {
	md, ok := c.g.terms.Metadata(id)
	if !ok {
		return
	}
	c.g.insight.Submit(c.token, insight.NewPayload(id, name, md))
}

func (c *conn) HandleCreate(cmd CreateCommand) {
	id := cmd.ID

	c.mu.Lock()
	prev, hadPrev := c.terminals[id]
	c.terminals[id] = cmd.Name
	c.mu.Unlock()

	_, err := c.g.terms.Spawn(terminal.SpawnOptions{
		ID:         id,
		WorkDir:    cmd.Cwd,
		ProjectID:  cmd.ProjectID,
		WorktreeID: cmd.WorktreeID,
		OnOutput:   func(chunk string) { c.onOutput(id, chunk) },
		OnExit:     func(st terminal.ExitStatus) { c.onExit(id, st) },
	})
	if err != nil {
		c.mu.Lock()
		if hadPrev {
			c.terminals[id] = prev
		} else if c.terminals[id] == cmd.Name {
			delete(c.terminals, id)
		}
		c.mu.Unlock()

		if errors.Is(err, terminal.ErrSessionExists) {
			c.emit(errorFrame(id, fmt.Sprintf("Terminal %s already exists", id)))
			return
		}
		c.log.Warn().Err(err).Str("session_id", id).Msg("Terminal spawn failed")
		c.emit(errorFrame(id, "Failed to create terminal"))
		return
	}

	time.AfterFunc(stabilizeDelay, func() {
		if !c.open() {
			c.log.Debug().Str("session_id", id).Msg("Connection closed before terminal was ready")
			return
		}
		if _, ok := c.g.terms.Get(id); !ok {
			c.log.Debug().Str("session_id", id).Msg("Terminal gone before it was ready")
			return
		}
		c.emit(createdFrame(id))
	})

	if cmd.AutoLaunchAgent == nil || *cmd.AutoLaunchAgent {
		delay := agent.DefaultDelay
		if cmd.AutoLaunchDelayMs > 0 {
			delay = time.Duration(cmd.AutoLaunchDelayMs) * time.Millisecond
		}
		c.arm(id, delay)
	}
}

func (c *conn) arm(id string, delay time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if old := c.pending[id]; old != nil {
		old.Stop()
	}

	var p *agent.Pending
	p = c.g.launcher.Arm(id, delay, func(st agent.Status, ok bool) {
		c.mu.Lock()
		if c.pending[id] == p {
			delete(c.pending, id)
		}
		c.mu.Unlock()
		c.emit(statusFrame(id, st, ok))
	})
	c.pending[id] = p
}

func (c *conn) onOutput(id, chunk string) {
	st, changed := c.g.launcher.Observe(id, chunk)
	if !c.open() {
		return
	}
	c.emit(outputFrame(id, chunk))
	if changed {
		c.emit(statusFrame(id, st, true))
	}
}

func (c *conn) onExit(id string, st terminal.ExitStatus) {
	c.cancelPending(id)
	c.emit(exitFrame(id, st.Code, st.Signal))

	name := c.terminalName(id)
	c.captureInsight(id, name)

	c.mu.Lock()
	delete(c.terminals, id)
	c.mu.Unlock()

	c.g.terms.Kill(id)
	c.g.launcher.Forget(id)
}

func (c *conn) HandleInput(cmd InputCommand) {
	c.g.terms.Write(cmd.ID, []byte(*cmd.Data))
}

func (c *conn) HandleResize(cmd ResizeCommand) {
	c.g.terms.Resize(cmd.ID, uint16(cmd.Cols), uint16(cmd.Rows))
}

func (c *conn) HandleClose(cmd CloseCommand) {
	id := cmd.ID
	c.cancelPending(id)

	c.mu.Lock()
	name := c.terminals[id]
	delete(c.terminals, id)
	c.mu.Unlock()

	c.captureInsight(id, name)
	c.g.terms.Kill(id)
	c.g.launcher.Forget(id)
	c.emit(closedFrame(id))
}

func (c *conn) HandleBroadcast(cmd BroadcastCommand) {
	data := []byte(*cmd.Data)
	count := 0
	for _, info := range c.g.terms.AllForProject(cmd.ProjectID) {
		if c.g.terms.Write(info.ID, data) {
			count++
		}
	}
	c.log.Debug().Str("project_id", cmd.ProjectID).Int("count", count).Msg("Broadcast input")
	c.emit(broadcastedFrame(count))
}

func (c *conn) HandleLaunchAgent(cmd LaunchAgentCommand) {
	ok := c.g.launcher.Launch(cmd.ID)
	st, _ := c.g.launcher.Status(cmd.ID)
	c.emit(statusFrame(cmd.ID, st, ok))
}

func (c *conn) HandleGetStatus(cmd GetStatusCommand) {
	st, ok := c.g.launcher.Status(cmd.ID)
	c.emit(statusFrame(cmd.ID, st, ok))
}
