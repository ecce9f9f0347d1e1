package ws

import (
	"encoding/json"
	"time"

	"github.com/hyper-ai-inc/devspace/internal/events"
)

// Client message types.
const (
	TypePing            = "ping"
	TypeChatMessage     = "chat:message"
	TypeTerminalCreate  = "terminal:create"
	TypeTerminalInput   = "terminal:input"
	TypeTerminalResize  = "terminal:resize"
	TypeTerminalDestroy = "terminal:destroy"
	TypeProcessStart    = "process:start"
	TypeProcessStop     = "process:stop"
)

// Reply types.
const (
	TypeConnected       = "connected"
	TypePong            = "pong"
	TypeTerminalCreated = "terminal:created"
	TypeProcessStarted  = "process:started"
	TypeProcessStopped  = "process:stopped"
	TypeError           = "error"
)

// Error codes carried in error replies.
const (
	CodeUnauthorized     = "unauthorized"
	CodeInvalidMessage   = "invalid_message"
	CodeUnknownType      = "unknown_type"
	CodeBadRequest       = "bad_request"
	CodeNotFound         = "not_found"
	CodeNoPorts          = "no_ports"
	CodeNoRunnableConfig = "no_runnable_config"
	CodeUnavailable      = "unavailable"
	CodeInternal         = "internal"
)

// Close codes sent when authentication fails after the upgrade.
const (
	CloseMissingToken     = 4001
	CloseInvalidToken     = 4002
	CloseSubjectNotFound  = 4003
	defaultTerminalCols   = 80
	defaultTerminalRows   = 24
	maxChatMessageBytes   = 16 * 1024
	processRequestTimeout = 30 * time.Second
)

// ClientMessage is a JSON control message sent by a client.
type ClientMessage struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId,omitempty"`

	// terminal:*
	SessionID string `json:"sessionId,omitempty"`
	Data      string `json:"data,omitempty"`
	Cols      uint16 `json:"cols,omitempty"`
	Rows      uint16 `json:"rows,omitempty"`

	// process:start; an empty command starts the detected dev server.
	Command string   `json:"command,omitempty"`
	Args    []string `json:"args,omitempty"`
	Env     []string `json:"env,omitempty"`

	// chat:message
	Message json.RawMessage `json:"message,omitempty"`
}

// ServerMessage is every frame the gateway writes.
type ServerMessage struct {
	Type      string      `json:"type"`
	ID        string      `json:"id,omitempty"`
	RequestID string      `json:"requestId,omitempty"`
	ProjectID string      `json:"projectId,omitempty"`
	SessionID string      `json:"sessionId,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data,omitempty"`

	// Set on error replies only.
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// ConnectedData is the payload of the first frame on every connection.
type ConnectedData struct {
	ConnectionID string `json:"connectionId"`
	UserID       string `json:"userId"`
	ProjectID    string `json:"projectId,omitempty"`
	Subscribed   bool   `json:"subscribed"`
}

// ChatData is the payload of a relayed chat message.
type ChatData struct {
	UserID  string          `json:"userId"`
	Message json.RawMessage `json:"message"`
}

// TerminalCreatedData answers terminal:create.
type TerminalCreatedData struct {
	SessionID string `json:"sessionId"`
	Cols      uint16 `json:"cols"`
	Rows      uint16 `json:"rows"`
}

func fromEvent(ev events.Event) ServerMessage {
	return ServerMessage{
		Type:      string(ev.Type),
		ID:        ev.ID,
		ProjectID: ev.ProjectID,
		SessionID: ev.SessionID,
		Timestamp: ev.Time,
		Data:      ev.Data,
	}
}

func errorMessage(requestID, code, message string) ServerMessage {
	return ServerMessage{
		Type:      TypeError,
		RequestID: requestID,
		Timestamp: time.Now().UTC(),
		Code:      code,
		Message:   message,
	}
}
