package ws

import (
	"encoding/json"

	"github.com/agent-command/termd/internal/agent"
)

// Inbound command types.
const (
	TypeCreate      = "create"
	TypeInput       = "input"
	TypeResize      = "resize"
	TypeClose       = "close"
	TypeBroadcast   = "broadcast"
	TypeLaunchAgent = "launch_agent"
	TypeGetStatus   = "get_status"
)

var inboundTypes = map[string]struct{}{
	TypeCreate: {}, TypeInput: {}, TypeResize: {}, TypeClose: {},
	TypeBroadcast: {}, TypeLaunchAgent: {}, TypeGetStatus: {},
}

// metricLabel maps a client-supplied type onto a bounded label set.
func metricLabel(typ string) string {
	if _, ok := inboundTypes[typ]; ok {
		return typ
	}
	return "unknown"
}

// Outbound frame types.
const (
	TypeCreated      = "created"
	TypeOutput       = "output"
	TypeClaudeStatus = "claude_status"
	TypeExit         = "exit"
	TypeClosed       = "closed"
	TypeBroadcasted  = "broadcasted"
	TypeError        = "error"
)

// Handler receives decoded commands, one method per command type.
type Handler interface {
	HandleCreate(CreateCommand)
	HandleInput(InputCommand)
	HandleResize(ResizeCommand)
	HandleClose(CloseCommand)
	HandleBroadcast(BroadcastCommand)
	HandleLaunchAgent(LaunchAgentCommand)
	HandleGetStatus(GetStatusCommand)
}

// Command is one decoded inbound message.
type Command interface {
	Type() string
	dispatch(Handler)
}

type CreateCommand struct {
	ID              string `json:"id"`
	Cwd             string `json:"cwd"`
	ProjectID       string `json:"projectId"`
	Name            string `json:"name"`
	WorktreeID      string `json:"worktreeId,omitempty"`
	AutoLaunchAgent *bool  `json:"autoLaunchAgent,omitempty"`
	// AutoLaunchDelayMs overrides the default launch delay when positive.
	AutoLaunchDelayMs int `json:"autoLaunchDelayMs,omitempty"`
}

type InputCommand struct {
	ID   string  `json:"id"`
	Data *string `json:"data"`
}

type ResizeCommand struct {
	ID   string `json:"id"`
	Cols int    `json:"cols"`
	Rows int    `json:"rows"`
}

type CloseCommand struct {
	ID string `json:"id"`
}

type BroadcastCommand struct {
	ProjectID string  `json:"projectId"`
	Data      *string `json:"data"`
}

type LaunchAgentCommand struct {
	ID string `json:"id"`
}

type GetStatusCommand struct {
	ID string `json:"id"`
}

func (CreateCommand) Type() string      { return TypeCreate }
func (InputCommand) Type() string       { return TypeInput }
func (ResizeCommand) Type() string      { return TypeResize }
func (CloseCommand) Type() string       { return TypeClose }
func (BroadcastCommand) Type() string   { return TypeBroadcast }
func (LaunchAgentCommand) Type() string { return TypeLaunchAgent }
func (GetStatusCommand) Type() string   { return TypeGetStatus }

func (c CreateCommand) dispatch(h Handler)      { h.HandleCreate(c) }
func (c InputCommand) dispatch(h Handler)       { h.HandleInput(c) }
func (c ResizeCommand) dispatch(h Handler)      { h.HandleResize(c) }
func (c CloseCommand) dispatch(h Handler)       { h.HandleClose(c) }
func (c BroadcastCommand) dispatch(h Handler)   { h.HandleBroadcast(c) }
func (c LaunchAgentCommand) dispatch(h Handler) { h.HandleLaunchAgent(c) }
func (c GetStatusCommand) dispatch(h Handler)   { h.HandleGetStatus(c) }

// Dispatch hands cmd to the matching Handler method.
func Dispatch(cmd Command, h Handler) {
	cmd.dispatch(h)
}

// ProtocolError is a rejected inbound message. Message is sent to the client
// verbatim in an error frame.
type ProtocolError struct {
	Type    string
	ID      string
	Message string
}

func (e *ProtocolError) Error() string { return e.Message }

const maxDimension = 1<<16 - 1

// Decode parses and validates one inbound message.
func Decode(data []byte) (Command, error) {
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, &ProtocolError{Message: "Invalid message format"}
	}

	invalid := func(id, msg string) error {
		return &ProtocolError{Type: env.Type, ID: id, Message: msg}
	}

	switch env.Type {
	case TypeCreate:
		var c CreateCommand
		if err := json.Unmarshal(data, &c); err != nil {
			return nil, invalid("", "Invalid create message")
		}
		if c.ID == "" || c.Cwd == "" || c.ProjectID == "" || c.Name == "" {
			return nil, invalid(c.ID, "Missing required fields for create")
		}
		return c, nil

	case TypeInput:
		var c InputCommand
		if err := json.Unmarshal(data, &c); err != nil || c.ID == "" || c.Data == nil {
			return nil, invalid(c.ID, "Missing required fields for input")
		}
		return c, nil

	case TypeResize:
		var c ResizeCommand
		if err := json.Unmarshal(data, &c); err != nil || c.ID == "" || c.Cols == 0 || c.Rows == 0 {
			return nil, invalid(c.ID, "Missing required fields for resize")
		}
		if c.Cols < 0 || c.Rows < 0 || c.Cols > maxDimension || c.Rows > maxDimension {
			return nil, invalid(c.ID, "Invalid terminal size")
		}
		return c, nil

	case TypeClose:
		var c CloseCommand
		if err := json.Unmarshal(data, &c); err != nil || c.ID == "" {
			return nil, invalid(c.ID, "Missing required fields for close")
		}
		return c, nil

	case TypeBroadcast:
		var c BroadcastCommand
		if err := json.Unmarshal(data, &c); err != nil || c.ProjectID == "" || c.Data == nil {
			return nil, invalid("", "Missing required fields for broadcast")
		}
		return c, nil

	case TypeLaunchAgent:
		var c LaunchAgentCommand
		if err := json.Unmarshal(data, &c); err != nil || c.ID == "" {
			return nil, invalid(c.ID, "Missing required fields for launch_agent")
		}
		return c, nil

	case TypeGetStatus:
		var c GetStatusCommand
		if err := json.Unmarshal(data, &c); err != nil || c.ID == "" {
			return nil, invalid(c.ID, "Missing required fields for get_status")
		}
		return c, nil
	}

	return nil, invalid("", "Unknown message type")
}

// Outbound frames.

type frame interface {
	frameType() string
}

type idFrame struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

type OutputFrame struct {
	Type string `json:"type"`
	ID   string `json:"id"`
	Data string `json:"data"`
}

type StatusFrame struct {
	Type    string  `json:"type"`
	ID      string  `json:"id"`
	Status  *string `json:"status"`
	Success bool    `json:"success"`
}

type ExitFrame struct {
	Type     string `json:"type"`
	ID       string `json:"id"`
	ExitCode int    `json:"exitCode"`
	Signal   *int   `json:"signal"`
}

type BroadcastedFrame struct {
	Type  string `json:"type"`
	Count int    `json:"count"`
}

type ErrorFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	ID      string `json:"id,omitempty"`
}

func (f idFrame) frameType() string          { return f.Type }
func (f OutputFrame) frameType() string      { return f.Type }
func (f StatusFrame) frameType() string      { return f.Type }
func (f ExitFrame) frameType() string        { return f.Type }
func (f BroadcastedFrame) frameType() string { return f.Type }
func (f ErrorFrame) frameType() string       { return f.Type }

func createdFrame(id string) frame { return idFrame{Type: TypeCreated, ID: id} }
func closedFrame(id string) frame  { return idFrame{Type: TypeClosed, ID: id} }

func outputFrame(id, data string) frame {
	return OutputFrame{Type: TypeOutput, ID: id, Data: data}
}

// statusFrame reports st, or a null status when nothing has been observed.
func statusFrame(id string, st agent.Status, success bool) frame {
	f := StatusFrame{Type: TypeClaudeStatus, ID: id, Success: success}
	if st != agent.StatusNone {
		s := string(st)
		f.Status = &s
	}
	return f
}

func exitFrame(id string, code int, signal *int) frame {
	return ExitFrame{Type: TypeExit, ID: id, ExitCode: code, Signal: signal}
}

func broadcastedFrame(count int) frame {
	return BroadcastedFrame{Type: TypeBroadcasted, Count: count}
}

func errorFrame(id, msg string) frame {
	return ErrorFrame{Type: TypeError, Message: msg, ID: id}
}
