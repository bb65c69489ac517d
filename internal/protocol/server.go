package protocol

import "encoding/json"

// Daemon → client control messages (not persisted to history).

// TerminalInfo describes one live terminal exposed by the external terminal
// manager. The daemon only relays the listing.
type TerminalInfo struct {
	ID    string `json:"id"`
	Title string `json:"title,omitempty"`
}

// StateSnapshot is the first message a client receives after connecting.
type StateSnapshot struct {
	Type          string         `json:"type"`
	Slug          string         `json:"slug"`
	ProjectPath   string         `json:"project_path"`
	Version       string         `json:"version"`
	SlashCommands []string       `json:"slash_commands,omitempty"`
	Model         string         `json:"model,omitempty"`
	Terminals     []TerminalInfo `json:"terminals,omitempty"`
}

// SessionInfo summarizes one session for session_list and search_results.
type SessionInfo struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id,omitempty"`
	Title          string `json:"title,omitempty"`
	CreatedAt      int64  `json:"created_at"`
	LastActivity   int64  `json:"last_activity"`
	Processing     bool   `json:"processing,omitempty"`
	MatchKind      string `json:"match_kind,omitempty"` // search: title | content | both
}

// SessionList carries the full session list plus the active pointer.
type SessionList struct {
	Type     string        `json:"type"`
	Sessions []SessionInfo `json:"sessions"`
	ActiveID string        `json:"active_id"`
}

// SessionSwitched announces a project-wide active-session change.
type SessionSwitched struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

// HistoryMeta precedes a replay of the active session's recent history.
// Entries follow as individual messages; Start is the history offset of the
// first replayed entry and HasMore indicates older pages exist.
type HistoryMeta struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Total     int    `json:"total"`
	Start     int    `json:"start"`
	HasMore   bool   `json:"has_more"`
}

// HistoryPrepend is the response to load_more_history: a turn-aligned page
// of entries strictly before the requested offset.
type HistoryPrepend struct {
	Type    string  `json:"type"`
	Entries []Entry `json:"entries"`
	Start   int     `json:"start"`
	HasMore bool    `json:"has_more"`
}

// SearchResults carries the sessions matching a search_sessions query.
type SearchResults struct {
	Type     string        `json:"type"`
	Query    string        `json:"query"`
	Sessions []SessionInfo `json:"sessions"`
}

// ModelMsg announces the model in effect for the active session.
type ModelMsg struct {
	Type  string `json:"type"`
	Model string `json:"model"`
}

// PermissionPending re-announces an unanswered permission request to a newly
// connected or newly focused client.
type PermissionPending struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id"`
	Tool      string          `json:"tool"`
	Input     json.RawMessage `json:"input,omitempty"`
	Reason    string          `json:"reason,omitempty"`
}

// Question is one question inside a question_request.
type Question struct {
	Question    string   `json:"question"`
	Header      string   `json:"header,omitempty"`
	Options     []string `json:"options,omitempty"`
	MultiSelect bool     `json:"multi_select,omitempty"`
}

// QuestionRequest asks the user to answer one or more questions on behalf of
// the engine. Keyed by the tool-call id; answered by ask_user_response.
type QuestionRequest struct {
	Type      string     `json:"type"`
	ToolID    string     `json:"tool_id"`
	Questions []Question `json:"questions"`
}

// FileDiff is one file's diff in a rewind preview.
type FileDiff struct {
	Path string `json:"path"`
	Diff string `json:"diff"`
}

// RewindPreviewResult returns the dry-run diffs for a rewind_preview.
type RewindPreviewResult struct {
	Type  string     `json:"type"`
	UUID  string     `json:"uuid"`
	Files []FileDiff `json:"files"`
}

// RewindComplete confirms a rewind_execute.
type RewindComplete struct {
	Type string `json:"type"`
	UUID string `json:"uuid"`
	Mode string `json:"mode"`
}

// RewindErrorMsg reports a failed rewind operation.
type RewindErrorMsg struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// FileChanged reports filesystem changes under the project directory,
// debounced by the project watcher.
type FileChanged struct {
	Type  string   `json:"type"`
	Paths []string `json:"paths"`
}
