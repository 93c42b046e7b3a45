package protocol

import (
	"encoding/json"
	"strings"

	"github.com/agent-command/vcd/internal/approval"
	"github.com/agent-command/vcd/internal/expand"
	"github.com/agent-command/vcd/internal/summary"
	"github.com/agent-command/vcd/internal/terminal"
)

// Error codes sent in error messages besides the runner's own kinds.
const (
	ErrInvalidJSON    = "invalid_json"
	ErrUnknownType    = "unknown_type"
	ErrBadRequest     = "bad_request"
	ErrDenied         = "denied"
	ErrServer         = "server_error"
	ErrNotRunning     = "not_running"
	ErrPTYStartFailed = "pty_start_failed"
	ErrPTYWriteFailed = "pty_write_failed"

	ErrUnknownExpand = "unknown_expand_type"
	ErrNoContent     = "no_content"
)

// Inbound messages. Each handler decodes the full frame into its own type.

type envelope struct {
	Type string `json:"type"`
}

type startSessionMsg struct {
	Options terminal.Options `json:"options"`
}

type promptMsg struct {
	ID   json.RawMessage `json:"id,omitempty"`
	Text string          `json:"text"`
}

type resizeMsg struct {
	Cols int `json:"cols"`
	Rows int `json:"rows"`
}

type actionResponseMsg struct {
	ActionID string `json:"actionId"`
	Approve  bool   `json:"approve"`
}

type expandRequestMsg struct {
	RequestID  string `json:"requestId"`
	ExpandType string `json:"expandType"`
}

// Outbound messages.

type helloOut struct {
	Type string `json:"type"`
	OK   bool   `json:"ok"`
}

type sessionStartedOut struct {
	Type           string           `json:"type"`
	OK             bool             `json:"ok"`
	AlreadyRunning bool             `json:"alreadyRunning,omitempty"`
	PID            int              `json:"pid,omitempty"`
	Config         *terminal.Config `json:"cfg,omitempty"`
	Running        bool             `json:"running"`
}

type ackOut struct {
	Type string          `json:"type"`
	ID   json.RawMessage `json:"id,omitempty"`
}

type outputOut struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

type replyChunkOut struct {
	Type          string          `json:"type"`
	ID            json.RawMessage `json:"id,omitempty"`
	CorrelationID string          `json:"correlationId"`
	Data          string          `json:"data"`
	Stderr        bool            `json:"stderr,omitempty"`
}

type replyOut struct {
	Type          string          `json:"type"`
	ID            json.RawMessage `json:"id,omitempty"`
	CorrelationID string          `json:"correlationId"`
	Text          string          `json:"text"`
}

type errorOut struct {
	Type    string          `json:"type"`
	ID      json.RawMessage `json:"id,omitempty"`
	Error   string          `json:"error"`
	Message string          `json:"message"`
	Preview string          `json:"preview,omitempty"`
}

type sessionExitOut struct {
	Type string             `json:"type"`
	Info *terminal.ExitInfo `json:"info"`
}

type actionRequestOut struct {
	Type string `json:"type"`
	approval.Request
}

type actionResolvedOut struct {
	Type string `json:"type"`
	approval.Decision
}

type summaryStatusOut struct {
	Type          string `json:"type"`
	Running       bool   `json:"running"`
	CorrelationID string `json:"correlationId"`
}

type summaryOut struct {
	Type          string           `json:"type"`
	CorrelationID string           `json:"correlationId"`
	Summary       *summary.Summary `json:"summary"`
}

type expandResponseOut struct {
	Type      string      `json:"type"`
	RequestID string      `json:"requestId"`
	OK        bool        `json:"ok"`
	Kind      expand.Kind `json:"kind,omitempty"`
	Title     string      `json:"title,omitempty"`
	Mime      string      `json:"mime,omitempty"`
	Content   string      `json:"content,omitempty"`
	Error     string      `json:"error,omitempty"`
	Message   string      `json:"message,omitempty"`
}

func errorMsg(id json.RawMessage, code, message string) errorOut {
	return errorOut{Type: "error", ID: id, Error: code, Message: message}
}

// idString renders a client id for use as a correlation id: JSON strings
// are unquoted, anything else is used as written.
func idString(id json.RawMessage) string {
	raw := strings.TrimSpace(string(id))
	if raw == "" || raw == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(id, &s); err == nil {
		return s
	}
	return raw
}
