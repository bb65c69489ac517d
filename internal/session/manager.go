package session

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ehrlich-b/perch/internal/history"
	"github.com/ehrlich-b/perch/internal/logger"
	"github.com/ehrlich-b/perch/internal/protocol"
)

// Replay is the bounded history page plus pending prompts sent when a
// session gains focus or a client connects.
type Replay struct {
	Meta        protocol.HistoryMeta
	Entries     []protocol.Entry
	Permissions []*PendingPermission
	Questions   []*PendingQuestion
}

// Notifier receives project-wide announcements. The manager calls these with
// its lock held so that broadcast order always matches history order;
// implementations must only queue, never call back into the manager or
// block on the network.
type Notifier interface {
	SessionsChanged(list protocol.SessionList)
	SessionSwitched(s *Session, r Replay)
	EntryAppended(s *Session, e protocol.Entry, active bool)
}

type nopNotifier struct{}

func (nopNotifier) SessionsChanged(protocol.SessionList) {}

func (nopNotifier) SessionSwitched(*Session, Replay) {}

func (nopNotifier) EntryAppended(*Session, protocol.Entry, bool) {}

// Manager owns all sessions of one project and the single shared active
// pointer. Every connected client sees the same active session; switching it
// is a project-wide action.
type Manager struct {
	mu       sync.Mutex
	store    *history.Store
	sessions map[string]*Session
	active   *Session
	notifier Notifier
}

func NewManager(store *history.Store) *Manager {
	return &Manager{
		store:    store,
		sessions: make(map[string]*Session),
		notifier: nopNotifier{},
	}
}

// SetNotifier installs the project's fan-out. Call before serving clients.
func (m *Manager) SetNotifier(n Notifier) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifier = n
}

// Load reads all session logs from disk. The most recently created session
// becomes active; if none exist a fresh one is created.
func (m *Manager) Load() error {
	logs, err := m.store.LoadAll(func(path string, err error) {
		logger.Warn("skipping unreadable session log", "path", path, "err", err)
	})
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, l := range logs {
		s := newSession(newLocalID())
		s.ConversationID = l.Meta.ConversationID
		s.Title = l.Meta.Title
		s.CreatedAt = time.Unix(l.Meta.CreatedAt, 0)
		s.LastActivity = s.CreatedAt
		s.ResumeAt = l.Meta.LastRewind
		s.Entries = l.Entries
		s.Log = l
		for i, e := range l.Entries {
			if e.Type == protocol.TypeMessageUUID {
				s.UUIDIndex[e.UUID] = i
			}
		}
		m.sessions[s.ID] = s
		m.active = s // logs arrive sorted by creation time
	}
	if m.active == nil {
		m.active = m.createLocked()
	}
	return nil
}

func newLocalID() string {
	return uuid.New().String()[:8]
}

func (m *Manager) createLocked() *Session {
	s := newSession(newLocalID())
	m.sessions[s.ID] = s
	return s
}

// Create makes a new empty session, activates it, and broadcasts the updated
// list.
func (m *Manager) Create() *Session {
	m.mu.Lock()
	s := m.createLocked()
	m.active = s
	m.notifier.SessionsChanged(m.listLocked())
	m.notifier.SessionSwitched(s, m.replayLocked(s))
	m.mu.Unlock()
	return s
}

// Switch changes the shared active session and broadcasts it. Re-selecting
// the current session broadcasts too, so a client with a stale view gets a
// fresh replay. Unknown ids are a no-op.
func (m *Manager) Switch(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return
	}
	m.active = s
	m.notifier.SessionsChanged(m.listLocked())
	m.notifier.SessionSwitched(s, m.replayLocked(s))
}

// Delete aborts any in-flight turn, removes the session and its durable log.
// If the deleted session was active, the most recently used remaining
// session takes over; a project is never left without an active session.
func (m *Manager) Delete(id string) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	abort := s.abort
	s.abort = nil
	delete(m.sessions, id)
	if s.Log != nil {
		if err := s.Log.Delete(); err != nil {
			logger.Warn("delete session log", "session", id, "err", err)
		}
	}
	wasActive := s == m.active
	if wasActive {
		m.active = m.mostRecentLocked()
		if m.active == nil {
			m.active = m.createLocked()
		}
	}
	next := m.active
	m.notifier.SessionsChanged(m.listLocked())
	if wasActive {
		m.notifier.SessionSwitched(next, m.replayLocked(next))
	}
	m.mu.Unlock()

	if abort != nil {
		abort()
	}
}

func (m *Manager) mostRecentLocked() *Session {
	var best *Session
	for _, s := range m.sessions {
		if best == nil || s.LastActivity.After(best.LastActivity) {
			best = s
		}
	}
	return best
}

// Resume switches to the session with the given engine conversation id,
// creating one seeded with the supplied history if it is unknown.
// Idempotent by conversation id.
func (m *Manager) Resume(conversationID string, seed []protocol.Entry) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if s.ConversationID == conversationID {
			if s != m.active {
				m.active = s
				m.notifier.SessionsChanged(m.listLocked())
				m.notifier.SessionSwitched(s, m.replayLocked(s))
			}
			return s
		}
	}
	s := m.createLocked()
	s.Entries = append([]protocol.Entry(nil), seed...)
	for i, e := range s.Entries {
		if e.Type == protocol.TypeMessageUUID {
			s.UUIDIndex[e.UUID] = i
		}
	}
	m.bindLocked(s, conversationID)
	m.active = s
	m.notifier.SessionsChanged(m.listLocked())
	m.notifier.SessionSwitched(s, m.replayLocked(s))
	return s
}

// Rename sets a session title and rewrites the log header.
func (m *Manager) Rename(id, title string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return
	}
	s.Title = title
	if s.Log != nil {
		s.Log.Meta.Title = title
		if err := s.Log.Rewrite(); err != nil {
			logger.Warn("persist rename", "session", id, "err", err)
		}
	}
	m.notifier.SessionsChanged(m.listLocked())
}

// Search performs a case-insensitive substring match over titles and over
// user_message/delta text. MatchKind reports where the query hit.
func (m *Manager) Search(query string) []protocol.SessionInfo {
	q := strings.ToLower(query)
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []protocol.SessionInfo
	for _, s := range m.sessions {
		titleHit := q != "" && strings.Contains(strings.ToLower(s.Title), q)
		contentHit := false
		for _, e := range s.Entries {
			if t := e.SearchableText(); t != "" && strings.Contains(strings.ToLower(t), q) {
				contentHit = true
				break
			}
		}
		if !titleHit && !contentHit {
			continue
		}
		info := s.Info()
		switch {
		case titleHit && contentHit:
			info.MatchKind = "both"
		case titleHit:
			info.MatchKind = "title"
		default:
			info.MatchKind = "content"
		}
		out = append(out, info)
	}
	return out
}

// Active returns the shared active session.
func (m *Manager) Active() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// Get returns a session by local id, or nil.
func (m *Manager) Get(id string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[id]
}

// List returns the session_list message.
func (m *Manager) List() protocol.SessionList {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listLocked()
}

func (m *Manager) listLocked() protocol.SessionList {
	list := protocol.SessionList{Type: protocol.TypeSessionList}
	for _, s := range m.sessions {
		list.Sessions = append(list.Sessions, s.Info())
	}
	if m.active != nil {
		list.ActiveID = m.active.ID
	}
	return list
}

// BuildReplay assembles the bounded history page and pending prompts for a
// session, for the connect-time snapshot.
func (m *Manager) BuildReplay(s *Session) Replay {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.replayLocked(s)
}

func (m *Manager) replayLocked(s *Session) Replay {
	start, hasMore := history.InitialPage(s.Entries)
	r := Replay{
		Meta: protocol.HistoryMeta{
			Type:      protocol.TypeHistoryMeta,
			SessionID: s.ID,
			Total:     len(s.Entries),
			Start:     start,
			HasMore:   hasMore,
		},
		Entries: append([]protocol.Entry(nil), s.Entries[start:]...),
	}
	for _, p := range s.PendingPermissions {
		r.Permissions = append(r.Permissions, p)
	}
	for _, q := range s.PendingQuestions {
		r.Questions = append(r.Questions, q)
	}
	return r
}

// AppendEntry appends one history entry, persists it if the log exists, and
// fans it out to clients when the session is active. This is the single
// write path for history: observation order is persistence order is
// broadcast order.
func (m *Manager) AppendEntry(s *Session, e protocol.Entry) {
	m.mu.Lock()
	if e.Type == protocol.TypeMessageUUID {
		s.UUIDIndex[e.UUID] = len(s.Entries)
	}
	s.Entries = append(s.Entries, e)
	s.LastActivity = time.Now()
	if s.Title == "" && e.Type == protocol.TypeUserMessage {
		s.Title = truncateTitle(e.Text)
	}
	if s.Log != nil {
		if err := s.Log.Append(e); err != nil {
			// Non-fatal: in-memory history stays authoritative.
			logger.Warn("append session log", "session", s.ID, "err", err)
		}
	}
	active := s == m.active
	m.notifier.EntryAppended(s, e, active)
	m.mu.Unlock()
}

func truncateTitle(text string) string {
	text = strings.TrimSpace(text)
	if i := strings.IndexByte(text, '\n'); i >= 0 {
		text = text[:i]
	}
	runes := []rune(text)
	if len(runes) > 50 {
		return string(runes[:50]) + "…"
	}
	return text
}

// BindConversation records the engine-assigned conversation id. The first
// observation creates the durable log (header plus everything accumulated so
// far); later observations only update the in-memory value.
func (m *Manager) BindConversation(s *Session, conversationID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bindLocked(s, conversationID)
}

func (m *Manager) bindLocked(s *Session, conversationID string) {
	if s.ConversationID == conversationID {
		return
	}
	first := s.Log == nil
	s.ConversationID = conversationID
	if !first {
		return
	}
	l, err := m.store.Create(history.Meta{
		LocalID:        s.ID,
		ConversationID: conversationID,
		Title:          s.Title,
		CreatedAt:      s.CreatedAt.Unix(),
	}, s.Entries)
	if err != nil {
		logger.Warn("create session log", "session", s.ID, "err", err)
		return
	}
	s.Log = l
}

// ConversationID returns the engine conversation id, if observed.
func (m *Manager) ConversationID(s *Session) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return s.ConversationID
}

// HasUUID reports whether a message uuid is already indexed.
func (m *Manager) HasUUID(s *Session, id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := s.UUIDIndex[id]
	return ok
}

// SetProcessing flips the in-flight flag.
func (m *Manager) SetProcessing(s *Session, v bool) {
	m.mu.Lock()
	s.Processing = v
	m.mu.Unlock()
}

// IsProcessing reports the in-flight flag.
func (m *Manager) IsProcessing(s *Session) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return s.Processing
}

// SetModel records the model for subsequent engine calls.
func (m *Manager) SetModel(s *Session, model string) {
	m.mu.Lock()
	s.Model = model
	m.mu.Unlock()
}

// Model returns the session's model.
func (m *Manager) Model(s *Session) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return s.Model
}

// SetAbort installs (or clears) the in-flight turn's abort hook.
func (m *Manager) SetAbort(s *Session, fn func()) {
	m.mu.Lock()
	s.abort = fn
	m.mu.Unlock()
}

// Abort cancels the session's in-flight turn, if any.
func (m *Manager) Abort(s *Session) {
	m.mu.Lock()
	abort := s.abort
	s.abort = nil
	m.mu.Unlock()
	if abort != nil {
		abort()
	}
}

// AbortAll cancels every in-flight turn. Used on project removal and daemon
// shutdown.
func (m *Manager) AbortAll() {
	m.mu.Lock()
	var aborts []func()
	for _, s := range m.sessions {
		if s.abort != nil {
			aborts = append(aborts, s.abort)
			s.abort = nil
		}
	}
	m.mu.Unlock()
	for _, fn := range aborts {
		fn()
	}
}

// AddPendingPermission registers an unanswered permission request.
func (m *Manager) AddPendingPermission(s *Session, p *PendingPermission) {
	m.mu.Lock()
	s.PendingPermissions[p.RequestID] = p
	m.mu.Unlock()
}

// TakePendingPermission removes and returns the pending request, or nil if
// already resolved. Removal here is what makes resolution exactly-once: a
// second decision finds nothing and is a no-op.
func (m *Manager) TakePendingPermission(s *Session, requestID string) *PendingPermission {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := s.PendingPermissions[requestID]
	if !ok {
		return nil
	}
	delete(s.PendingPermissions, requestID)
	return p
}

// AddPendingQuestion registers an unanswered question request.
func (m *Manager) AddPendingQuestion(s *Session, q *PendingQuestion) {
	m.mu.Lock()
	s.PendingQuestions[q.ToolID] = q
	m.mu.Unlock()
}

// TakePendingQuestion removes and returns the pending question, or nil.
func (m *Manager) TakePendingQuestion(s *Session, toolID string) *PendingQuestion {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := s.PendingQuestions[toolID]
	if !ok {
		return nil
	}
	delete(s.PendingQuestions, toolID)
	return q
}

// TakeAllPending drains both pending tables. Used by cancellation.
func (m *Manager) TakeAllPending(s *Session) ([]*PendingPermission, []*PendingQuestion) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var perms []*PendingPermission
	for _, p := range s.PendingPermissions {
		perms = append(perms, p)
	}
	var qs []*PendingQuestion
	for _, q := range s.PendingQuestions {
		qs = append(qs, q)
	}
	s.PendingPermissions = make(map[string]*PendingPermission)
	s.PendingQuestions = make(map[string]*PendingQuestion)
	return perms, qs
}

// PendingSnapshot copies both pending tables for re-announcement to a newly
// connected or newly focused client.
func (m *Manager) PendingSnapshot(s *Session) ([]*PendingPermission, []*PendingQuestion) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var perms []*PendingPermission
	for _, p := range s.PendingPermissions {
		perms = append(perms, p)
	}
	var qs []*PendingQuestion
	for _, q := range s.PendingQuestions {
		qs = append(qs, q)
	}
	return perms, qs
}

// SetAlwaysAllow marks a tool as pre-authorized for this session.
func (m *Manager) SetAlwaysAllow(s *Session, tool string) {
	m.mu.Lock()
	s.AlwaysAllow[tool] = true
	m.mu.Unlock()
}

// IsAlwaysAllowed reports whether a tool is pre-authorized.
func (m *Manager) IsAlwaysAllowed(s *Session, tool string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return s.AlwaysAllow[tool]
}

// TakeResumeAt returns and clears the rewind resume marker.
func (m *Manager) TakeResumeAt(s *Session) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	at := s.ResumeAt
	s.ResumeAt = ""
	return at
}

// InitialPage snapshots the bounded replay for a connecting client.
func (m *Manager) InitialPage(s *Session) (entries []protocol.Entry, start, total int, hasMore bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	start, hasMore = history.InitialPage(s.Entries)
	entries = append([]protocol.Entry(nil), s.Entries[start:]...)
	return entries, start, len(s.Entries), hasMore
}

// PageBefore snapshots a turn-aligned page of older history.
func (m *Manager) PageBefore(s *Session, before int) protocol.HistoryPrepend {
	m.mu.Lock()
	defer m.mu.Unlock()
	page, start, hasMore := history.PageBefore(s.Entries, before)
	return protocol.HistoryPrepend{
		Type:    protocol.TypeHistoryPrepend,
		Entries: append([]protocol.Entry(nil), page...),
		Start:   start,
		HasMore: hasMore,
	}
}

// TruncateForRewind cuts history at the turn boundary at or before the
// uuid's recorded offset and rewrites the log. Returns false if the uuid is
// unknown. The uuid is recorded so the next engine call resumes the
// underlying conversation from that point.
func (m *Manager) TruncateForRewind(s *Session, uuid string) bool {
	m.mu.Lock()
	offset, ok := s.UUIDIndex[uuid]
	if !ok {
		m.mu.Unlock()
		return false
	}
	boundary := history.FindTurnBoundary(s.Entries, offset)
	s.Entries = s.Entries[:boundary]
	for u, off := range s.UUIDIndex {
		if off >= boundary {
			delete(s.UUIDIndex, u)
		}
	}
	s.ResumeAt = uuid
	if s.Log != nil {
		s.Log.Entries = s.Entries
		s.Log.Meta.LastRewind = uuid
		if err := s.Log.Rewrite(); err != nil {
			logger.Warn("persist rewind truncation", "session", s.ID, "err", err)
		}
	}
	m.notifier.SessionSwitched(s, m.replayLocked(s)) // force a fresh replay on every client
	m.mu.Unlock()
	return true
}

// EntriesSnapshot copies the session's history for read-only scans.
func (m *Manager) EntriesSnapshot(s *Session) []protocol.Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]protocol.Entry(nil), s.Entries...)
}

// UUIDOffset returns the history offset recorded for a message uuid.
func (m *Manager) UUIDOffset(s *Session, uuid string) (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	off, ok := s.UUIDIndex[uuid]
	return off, ok
}

// Close releases every open log handle.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if s.Log != nil {
			s.Log.Close()
		}
	}
}
