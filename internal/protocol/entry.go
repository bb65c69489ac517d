package protocol

import "encoding/json"

// Entry is one history record. Every history-producing broadcast message is
// an Entry, so the live stream and the persisted session log share one
// encoding: one self-describing JSON object per event, which is also one
// line of the session file. Fields are sparse; which ones are set depends on
// Type.
type Entry struct {
	Type string `json:"type"`

	// user_message, delta, thinking_delta, result, info, error
	Text string `json:"text,omitempty"`

	// user_message
	Images []Image `json:"images,omitempty"`

	// message_uuid: engine-assigned id of the containing assistant message,
	// used only as a rewind target
	UUID string `json:"uuid,omitempty"`

	// tool_start, tool_executing, tool_result, question lifecycle
	ToolID string `json:"tool_id,omitempty"`
	Tool   string `json:"tool,omitempty"`

	// tool_executing: parsed tool input; permission_request: requested input
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result
	Content string `json:"content,omitempty"`
	IsError bool   `json:"is_error,omitempty"`

	// permission_request, permission_resolved, permission_cancel
	RequestID string `json:"request_id,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Decision  string `json:"decision,omitempty"`

	// result
	DurationMS int64 `json:"duration_ms,omitempty"`
}

// IsUserMessage reports whether the entry opens a turn.
func (e *Entry) IsUserMessage() bool {
	return e.Type == TypeUserMessage
}

// SearchableText returns the text considered by session search: user input
// and streamed assistant output, nothing else.
func (e *Entry) SearchableText() string {
	switch e.Type {
	case TypeUserMessage, TypeDelta:
		return e.Text
	}
	return ""
}
