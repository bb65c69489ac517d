// Package session owns the per-project conversation state: the set of
// sessions, the single shared active-session pointer, and the durable log
// behind each session. All mutation is serialized by the Manager's lock;
// multiple client connections and the bridge's event loop dispatch into the
// same session concurrently.
package session

import (
	"encoding/json"
	"time"

	"github.com/ehrlich-b/perch/internal/history"
	"github.com/ehrlich-b/perch/internal/protocol"
)

// PendingPermission is an unanswered tool authorization request. Ephemeral:
// never persisted, removed the instant exactly one decision (or
// cancellation) lands.
type PendingPermission struct {
	RequestID string // client-facing id
	EngineID  string // engine-side control id, echoed in the response
	ToolID    string
	Tool      string
	Input     json.RawMessage
	Reason    string
}

// PendingQuestion is an unanswered user question, keyed by tool-call id.
type PendingQuestion struct {
	ToolID    string
	EngineID  string
	Questions []protocol.Question
}

// Session is one conversation. The local ID is stable only within process
// lifetime; ConversationID is assigned by the engine on first response and
// immutable once observed.
type Session struct {
	ID             string
	ConversationID string
	Title          string
	CreatedAt      time.Time
	LastActivity   time.Time

	// Entries is the append-only history; the only rewrite is rewind
	// truncation. UUIDIndex maps message uuids to their history offset and
	// exists solely for rewind targeting.
	Entries   []protocol.Entry
	UUIDIndex map[string]int

	Processing bool
	Model      string
	ResumeAt   string // uuid recorded by chat rewind; consumed by the next engine call

	PendingPermissions map[string]*PendingPermission // request id → pending
	PendingQuestions   map[string]*PendingQuestion   // tool id → pending
	AlwaysAllow        map[string]bool               // tool name → auto-allow

	// Log is nil until the conversation id is observed; entries accumulated
	// before that are written when the log is created.
	Log *history.Log

	// abort cancels the in-flight engine turn, if any. Set by the bridge.
	abort func()
}

func newSession(id string) *Session {
	now := time.Now()
	return &Session{
		ID:                 id,
		CreatedAt:          now,
		LastActivity:       now,
		UUIDIndex:          make(map[string]int),
		PendingPermissions: make(map[string]*PendingPermission),
		PendingQuestions:   make(map[string]*PendingQuestion),
		AlwaysAllow:        make(map[string]bool),
	}
}

// Info summarizes the session for the wire.
func (s *Session) Info() protocol.SessionInfo {
	return protocol.SessionInfo{
		ID:             s.ID,
		ConversationID: s.ConversationID,
		Title:          s.Title,
		CreatedAt:      s.CreatedAt.Unix(),
		LastActivity:   s.LastActivity.Unix(),
		Processing:     s.Processing,
	}
}
