// Package protocol defines the newline-delimited JSON wire protocol spoken
// on the daemon's unix socket. Each frame is one JSON object terminated by
// '\n'; the type field selects the shape.
package protocol

import "time"

// Client→daemon frame types.
const (
	TypeRegisterClient = "register_client"
	TypeChatRequest    = "chat_request"
	TypeSetModel       = "set_model"
	TypeNewSession     = "new_session"
	TypePing           = "ping"
)

// Daemon→client frame types.
const (
	TypeRegistered      = "registered"
	TypeHistorySnapshot = "history_snapshot"
	TypeStatusNote      = "status_note"
	TypeChatStart       = "chat_start"
	TypeChatDelta       = "chat_delta"
	TypeToolUse         = "tool_use"
	TypeResultError     = "result_error"
	TypeChatEnd         = "chat_end"
	TypeModelUpdated    = "model_updated"
	TypePong            = "pong"
	TypeError           = "error"
)

// History entry roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleNote      = "note"
	RoleError     = "error"
)

// Frame is the fat decoded view: every field any frame in either
// direction can carry. Readers decode into it once and switch on Type;
// writers use the typed structs below instead.
type Frame struct {
	Type          string            `json:"type"`
	RequestID     string            `json:"requestId,omitempty"`
	ClientID      string            `json:"clientId,omitempty"`
	Text          string            `json:"text,omitempty"`
	Alias         string            `json:"alias,omitempty"`
	ZellijSession string            `json:"zellijSession,omitempty"`
	ZellijEnv     map[string]string `json:"zellijEnv,omitempty"`
	Cwd           string            `json:"cwd,omitempty"`
	Hostname      string            `json:"hostname,omitempty"`
	PID           int               `json:"pid,omitempty"`

	// Daemon→client fields.
	Message     string         `json:"message,omitempty"`
	Model       string         `json:"model,omitempty"`
	Busy        bool           `json:"busy,omitempty"`
	DaemonPID   int            `json:"daemonPid,omitempty"`
	Entries     []HistoryEntry `json:"entries,omitempty"`
	QueuedAhead int            `json:"queuedAhead,omitempty"`
	Name        string         `json:"name,omitempty"`
	Subtype     string         `json:"subtype,omitempty"`
	Errors      []string       `json:"errors,omitempty"`
	OK          bool           `json:"ok,omitempty"`
}

// HistoryEntry is one line of the history journal and one element of a
// history_snapshot frame.
type HistoryEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Role      string    `json:"role"`
	Session   string    `json:"session,omitempty"`
	Text      string    `json:"text"`
}

// Registered acknowledges a register_client frame.
type Registered struct {
	Type      string `json:"type"`
	ClientID  string `json:"clientId"`
	DaemonPID int    `json:"daemonPid"`
	Model     string `json:"model"`
	Busy      bool   `json:"busy"`
}

// HistorySnapshot replays the journal suffix, sent once after Registered.
type HistorySnapshot struct {
	Type    string         `json:"type"`
	Entries []HistoryEntry `json:"entries"`
}

// StatusNote is an informational line untied to any request.
type StatusNote struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// ChatStart opens a request's event stream.
type ChatStart struct {
	Type        string `json:"type"`
	RequestID   string `json:"requestId"`
	Model       string `json:"model"`
	QueuedAhead int    `json:"queuedAhead"`
}

// ChatDelta carries one fragment of streamed assistant text.
type ChatDelta struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId"`
	Text      string `json:"text"`
}

// ToolUse reports a named tool invocation by the model.
type ToolUse struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId"`
	Name      string `json:"name"`
}

// ResultError carries a structured error from the model runtime.
type ResultError struct {
	Type      string   `json:"type"`
	RequestID string   `json:"requestId"`
	Subtype   string   `json:"subtype,omitempty"`
	Errors    []string `json:"errors"`
}

// ChatEnd terminates a request's event stream; exactly one per started request.
type ChatEnd struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId"`
	OK        bool   `json:"ok"`
	Model     string `json:"model"`
}

// ModelUpdated is broadcast after a successful set_model.
type ModelUpdated struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId"`
	Alias     string `json:"alias"`
}

// Pong answers a ping.
type Pong struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId"`
	DaemonPID int    `json:"daemonPid"`
}

// ErrorFrame reports a protocol-level or unexpected error.
type ErrorFrame struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId,omitempty"`
	Message   string `json:"message"`
}

// NewRegistered builds a registered frame.
func NewRegistered(clientID string, daemonPID int, model string, busy bool) *Registered {
	return &Registered{Type: TypeRegistered, ClientID: clientID, DaemonPID: daemonPID, Model: model, Busy: busy}
}

// NewHistorySnapshot builds a history_snapshot frame. A nil slice still
// serializes as entries:[] so clients can range without a nil check.
func NewHistorySnapshot(entries []HistoryEntry) *HistorySnapshot {
	if entries == nil {
		entries = []HistoryEntry{}
	}
	return &HistorySnapshot{Type: TypeHistorySnapshot, Entries: entries}
}

// NewStatusNote builds a status_note frame.
func NewStatusNote(message string) *StatusNote {
	return &StatusNote{Type: TypeStatusNote, Message: message}
}

// NewChatStart builds a chat_start frame.
func NewChatStart(requestID, model string, queuedAhead int) *ChatStart {
	return &ChatStart{Type: TypeChatStart, RequestID: requestID, Model: model, QueuedAhead: queuedAhead}
}

// NewChatDelta builds a chat_delta frame.
func NewChatDelta(requestID, text string) *ChatDelta {
	return &ChatDelta{Type: TypeChatDelta, RequestID: requestID, Text: text}
}

// NewToolUse builds a tool_use frame.
func NewToolUse(requestID, name string) *ToolUse {
	return &ToolUse{Type: TypeToolUse, RequestID: requestID, Name: name}
}

// NewResultError builds a result_error frame.
func NewResultError(requestID, subtype string, errs []string) *ResultError {
	if errs == nil {
		errs = []string{}
	}
	return &ResultError{Type: TypeResultError, RequestID: requestID, Subtype: subtype, Errors: errs}
}

// NewChatEnd builds a chat_end frame.
func NewChatEnd(requestID string, ok bool, model string) *ChatEnd {
	return &ChatEnd{Type: TypeChatEnd, RequestID: requestID, OK: ok, Model: model}
}

// NewModelUpdated builds a model_updated frame.
func NewModelUpdated(requestID, alias string) *ModelUpdated {
	return &ModelUpdated{Type: TypeModelUpdated, RequestID: requestID, Alias: alias}
}

// NewPong builds a pong frame.
func NewPong(requestID string, daemonPID int) *Pong {
	return &Pong{Type: TypePong, RequestID: requestID, DaemonPID: daemonPID}
}

// NewError builds an error frame.
func NewError(requestID, message string) *ErrorFrame {
	return &ErrorFrame{Type: TypeError, RequestID: requestID, Message: message}
}
