// Package claudecode provides types and a client for the Claude Code CLI
// stream-json protocol: streaming JSON over stdin/stdout with control
// requests for permissions.
package claudecode

import "encoding/json"

// Message types from Claude Code CLI
const (
	// MessageTypeSystem is the initial system message with session info
	MessageTypeSystem = "system"
	// MessageTypeAssistant contains text or tool use from the assistant
	MessageTypeAssistant = "assistant"
	// MessageTypeStreamEvent carries partial content updates
	MessageTypeStreamEvent = "stream_event"
	// MessageTypeResult is the final result message
	MessageTypeResult = "result"
	// MessageTypeControlRequest is a control request (permission prompt)
	MessageTypeControlRequest = "control_request"
	// MessageTypeControlResponse is a response to a control request
	MessageTypeControlResponse = "control_response"
	// MessageTypeUser is a user message (prompt)
	MessageTypeUser = "user"
)

// System message subtypes
const (
	SubtypeInit = "init"
)

// Control request subtypes
const (
	// SubtypeCanUseTool is a permission request for tool use
	SubtypeCanUseTool = "can_use_tool"
)

// Permission behaviors
const (
	BehaviorAllow = "allow"
	BehaviorDeny  = "deny"
)

// CLIMessage represents messages from Claude Code CLI stdout.
// The message type determines which fields are populated.
type CLIMessage struct {
	// Type is the message type (system, assistant, result, ...)
	Type    string `json:"type"`
	Subtype string `json:"subtype,omitempty"`

	// For system messages
	SessionID string `json:"session_id,omitempty"`
	Model     string `json:"model,omitempty"`

	// For control_request messages
	RequestID string          `json:"request_id,omitempty"`
	Request   *ControlRequest `json:"request,omitempty"`

	// For assistant messages
	Message *AssistantMessage `json:"message,omitempty"`

	// For stream_event messages
	Event *StreamEvent `json:"event,omitempty"`

	// For result messages.
	// Result can be either a string (error message) or an object.
	Result     json.RawMessage `json:"result,omitempty"`
	IsError    bool            `json:"is_error,omitempty"`
	Errors     []string        `json:"errors,omitempty"`
	DurationMS int64           `json:"duration_ms,omitempty"`
	NumTurns   int             `json:"num_turns,omitempty"`
	CostUSD    float64         `json:"total_cost_usd,omitempty"`
}

// AssistantMessage contains the assistant's response content.
type AssistantMessage struct {
	Role       string         `json:"role"`
	Content    []ContentBlock `json:"content,omitempty"`
	Model      string         `json:"model,omitempty"`
	StopReason string         `json:"stop_reason,omitempty"`
}

// ContentBlock represents a block of content in an assistant message.
type ContentBlock struct {
	Type string `json:"type"`

	// For text blocks
	Text string `json:"text,omitempty"`

	// For tool_use blocks
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`
}

// StreamEvent is the inner event of a stream_event message
// (from --include-partial-messages).
type StreamEvent struct {
	Type  string     `json:"type"`
	Index int        `json:"index,omitempty"`
	Delta *TextDelta `json:"delta,omitempty"`
}

// TextDelta contains a partial text update.
type TextDelta struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// TextDeltaText returns the fragment of a content_block_delta/text_delta
// stream event, or "".
func (m *CLIMessage) TextDeltaText() string {
	if m.Type != MessageTypeStreamEvent || m.Event == nil {
		return ""
	}
	if m.Event.Type != "content_block_delta" || m.Event.Delta == nil {
		return ""
	}
	if m.Event.Delta.Type != "text_delta" {
		return ""
	}
	return m.Event.Delta.Text
}

// ResultString returns the Result field as a string, used when the result
// carries an error message.
func (m *CLIMessage) ResultString() string {
	if len(m.Result) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(m.Result, &s); err != nil {
		return ""
	}
	return s
}

// ResultErrors collects the structured error texts of a result message.
func (m *CLIMessage) ResultErrors() []string {
	if !m.IsError {
		return nil
	}
	if len(m.Errors) > 0 {
		return m.Errors
	}
	if s := m.ResultString(); s != "" {
		return []string{s}
	}
	return []string{"unknown runtime error"}
}

// ControlRequest represents a control request from Claude Code CLI.
// Used for permission prompts (can_use_tool).
type ControlRequest struct {
	// Subtype identifies the type of control request
	Subtype string `json:"subtype"`

	// For can_use_tool requests
	ToolName  string         `json:"tool_name,omitempty"`
	Input     map[string]any `json:"input,omitempty"`
	ToolUseID string         `json:"tool_use_id,omitempty"`
}

// ControlResponseMessage is the message sent to respond to control requests.
type ControlResponseMessage struct {
	Type      string           `json:"type"` // "control_response"
	RequestID string           `json:"request_id"`
	Response  *ControlResponse `json:"response"`
}

// ControlResponse is the response to a control request.
type ControlResponse struct {
	// Subtype is the response type (success, error)
	Subtype string `json:"subtype"`

	// For success responses
	Result *PermissionResult `json:"result,omitempty"`

	// For error responses
	Error string `json:"error,omitempty"`
}

// PermissionResult is the result for tool approval responses.
type PermissionResult struct {
	// Behavior is "allow" or "deny"
	Behavior string `json:"behavior"`

	// Message provides feedback to the model on deny
	Message string `json:"message,omitempty"`
}

// UserMessage is sent to provide a prompt to Claude Code.
type UserMessage struct {
	Type    string          `json:"type"` // "user"
	Message UserMessageBody `json:"message"`
}

// UserMessageBody contains the user message content.
type UserMessageBody struct {
	Role    string `json:"role"` // "user"
	Content string `json:"content"`
}

// Common tool names that show up in permission prompts
const (
	ToolBash         = "Bash"
	ToolWrite        = "Write"
	ToolEdit         = "Edit"
	ToolNotebookEdit = "NotebookEdit"
	ToolRead         = "Read"
	ToolGlob         = "Glob"
	ToolGrep         = "Grep"
)
