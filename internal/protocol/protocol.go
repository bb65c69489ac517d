// Package protocol defines the discrete tagged messages exchanged between
// connected clients and the daemon over a project websocket, plus the Entry
// record shared by live broadcast and the durable session log.
package protocol

// Message types for the client websocket protocol.
const (
	// Client → daemon
	TypeMessage            = "message"
	TypeStop               = "stop"
	TypeNewSession         = "new_session"
	TypeSwitchSession      = "switch_session"
	TypeDeleteSession      = "delete_session"
	TypeRenameSession      = "rename_session"
	TypeResumeSession      = "resume_session"
	TypeSearchSessions     = "search_sessions"
	TypeLoadMoreHistory    = "load_more_history"
	TypePermissionResponse = "permission_response"
	TypeAskUserResponse    = "ask_user_response"
	TypeRewindPreview      = "rewind_preview"
	TypeRewindExecute      = "rewind_execute"
	TypeInputSync          = "input_sync" // bidirectional: mirrored to other clients
	TypeSetModel           = "set_model"

	// Daemon → client (control)
	TypeState             = "state"
	TypeSessionList       = "session_list"
	TypeSessionSwitched   = "session_switched"
	TypeHistoryMeta       = "history_meta"
	TypeHistoryPrepend    = "history_prepend"
	TypeSearchResults     = "search_results"
	TypeModel             = "model"
	TypePermissionPending = "permission_request_pending"
	TypeQuestionRequest   = "question_request"
	TypeRewindPreviewDone = "rewind_preview_result"
	TypeRewindComplete    = "rewind_complete"
	TypeRewindError       = "rewind_error"
	TypeFileChanged       = "file_changed"

	// Daemon → client (history-producing; these are Entry records and are
	// appended to the session log in the same order they are broadcast)
	TypeUserMessage        = "user_message"
	TypeMessageUUID        = "message_uuid"
	TypeDelta              = "delta"
	TypeThinkingStart      = "thinking_start"
	TypeThinkingDelta      = "thinking_delta"
	TypeThinkingStop       = "thinking_stop"
	TypeToolStart          = "tool_start"
	TypeToolExecuting      = "tool_executing"
	TypeToolResult         = "tool_result"
	TypePermissionRequest  = "permission_request"
	TypePermissionResolved = "permission_resolved"
	TypePermissionCancel   = "permission_cancel"
	TypeResult             = "result"
	TypeDone               = "done"
	TypeInfo               = "info"
	TypeError              = "error"
)

// Permission decisions carried by permission_response and permission_resolved.
const (
	DecisionAllow       = "allow"
	DecisionAllowAlways = "allow_always"
	DecisionDeny        = "deny"
)

// Rewind modes.
const (
	RewindFiles = "files"
	RewindChat  = "chat"
	RewindBoth  = "both"
)

// Envelope wraps every message with a type field for routing.
type Envelope struct {
	Type string `json:"type"`
}

// Image is an inline image attached to a user message.
type Image struct {
	MediaType string `json:"media_type"` // e.g. "image/png"
	Data      string `json:"data"`       // base64
}
