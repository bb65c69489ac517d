package protocol

// Client → daemon messages. Each websocket frame is probed with Envelope and
// then decoded into one of these.

// SendMessage submits a user turn (text and/or images) to the active session.
type SendMessage struct {
	Type   string  `json:"type"`
	Text   string  `json:"text"`
	Images []Image `json:"images,omitempty"`
}

// StopTurn aborts the in-flight turn of the active session.
type StopTurn struct {
	Type string `json:"type"`
}

// NewSession creates a fresh empty session and makes it active.
type NewSession struct {
	Type string `json:"type"`
}

// SwitchSession changes the project-wide active session.
type SwitchSession struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

// DeleteSession removes a session and its durable log.
type DeleteSession struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

// RenameSession sets a session title.
type RenameSession struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Title     string `json:"title"`
}

// ResumeSession switches to (or creates) a session by engine conversation id.
type ResumeSession struct {
	Type           string  `json:"type"`
	ConversationID string  `json:"conversation_id"`
	History        []Entry `json:"history,omitempty"` // seed when the session is unknown
}

// SearchSessions queries titles and message text across all sessions.
type SearchSessions struct {
	Type  string `json:"type"`
	Query string `json:"query"`
}

// LoadMoreHistory requests the page of history before a given offset.
type LoadMoreHistory struct {
	Type   string `json:"type"`
	Before int    `json:"before"`
}

// PermissionResponse answers a pending permission_request.
type PermissionResponse struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id"`
	Decision  string `json:"decision"` // allow | allow_always | deny
}

// AskUserResponse answers a pending question_request. Answers maps each
// question to the selected options; multi-select answers are joined into one
// string per question before being handed back to the engine.
type AskUserResponse struct {
	Type    string              `json:"type"`
	ToolID  string              `json:"tool_id"`
	Answers map[string][]string `json:"answers"`
}

// RewindPreview asks for a dry-run diff of restoring files to a message uuid.
type RewindPreview struct {
	Type string `json:"type"`
	UUID string `json:"uuid"`
}

// RewindExecute restores files, chat, or both to a message uuid.
type RewindExecute struct {
	Type string `json:"type"`
	UUID string `json:"uuid"`
	Mode string `json:"mode"` // files | chat | both
}

// InputSyncMsg mirrors in-progress free-text input between clients. The
// daemon relays it to every other client of the project.
type InputSyncMsg struct {
	Type     string `json:"type"`
	ClientID string `json:"client_id"`
	Text     string `json:"text"`
}

// SetModel selects the model used for subsequent engine calls.
type SetModel struct {
	Type  string `json:"type"`
	Model string `json:"model"`
}
