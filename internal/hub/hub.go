// Package hub fans daemon state out to every websocket client of one project
// and dispatches their commands to the session manager and engine bridge.
package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/ehrlich-b/perch/internal/bridge"
	"github.com/ehrlich-b/perch/internal/logger"
	"github.com/ehrlich-b/perch/internal/protocol"
	"github.com/ehrlich-b/perch/internal/session"
)

const (
	outboxSize   = 256
	writeTimeout = 10 * time.Second
	readLimit    = 1 << 20 // generous: messages may carry base64 images
)

// TerminalLister exposes the live terminal listing relayed in the state
// snapshot. May be nil when no terminal manager is attached.
type TerminalLister interface {
	Terminals() []protocol.TerminalInfo
}

// Hub is the per-project client fan-out. It implements session.Notifier and
// bridge.ControlSink; both are called with the manager lock held, so every
// delivery goes through a per-client outbox channel and a writer goroutine.
type Hub struct {
	slug    string
	path    string
	version string
	mgr     *session.Manager
	terms   TerminalLister

	mu      sync.Mutex
	br      *bridge.Bridge
	clients map[string]*client
}

type client struct {
	id     string
	conn   *websocket.Conn
	outbox chan []byte
	done   chan struct{}
	once   sync.Once
}

func New(slug, path, version string, mgr *session.Manager, terms TerminalLister) *Hub {
	return &Hub{
		slug:    slug,
		path:    path,
		version: version,
		mgr:     mgr,
		terms:   terms,
		clients: make(map[string]*client),
	}
}

// SetBridge wires the engine bridge. The hub and bridge reference each other,
// so the bridge is installed after construction.
func (h *Hub) SetBridge(b *bridge.Bridge) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.br = b
}

func (h *Hub) bridge() *bridge.Bridge {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.br
}

// ClientCount reports the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every client. Used on project removal and shutdown.
func (h *Hub) Close() {
	h.mu.Lock()
	clients := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[string]*client)
	h.mu.Unlock()
	for _, c := range clients {
		c.close()
	}
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.CloseNow()
	})
}

// enqueue hands one pre-marshalled frame to the writer goroutine. A full
// outbox means the client cannot keep up; it is disconnected rather than
// allowed to stall the manager.
func (c *client) enqueue(data []byte) {
	select {
	case c.outbox <- data:
	case <-c.done:
	default:
		logger.Warn("client outbox full, disconnecting", "client", c.id)
		c.close()
	}
}

func (c *client) send(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		logger.Error("marshal outbound message", "err", err)
		return
	}
	c.enqueue(data)
}

func (c *client) writeLoop() {
	for {
		select {
		case data := <-c.outbox:
			ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
			err := c.conn.Write(ctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				c.close()
				return
			}
		case <-c.done:
			return
		}
	}
}

func (h *Hub) broadcast(v any) {
	h.broadcastExcept("", v)
}

func (h *Hub) broadcastExcept(skipID string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		logger.Error("marshal broadcast", "err", err)
		return
	}
	h.mu.Lock()
	clients := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		if c.id == skipID {
			continue
		}
		clients = append(clients, c)
	}
	h.mu.Unlock()
	for _, c := range clients {
		c.enqueue(data)
	}
}

// BroadcastControl implements bridge.ControlSink.
func (h *Hub) BroadcastControl(v any) {
	h.broadcast(v)
}

// SessionsChanged implements session.Notifier.
func (h *Hub) SessionsChanged(list protocol.SessionList) {
	h.broadcast(list)
}

// SessionSwitched implements session.Notifier: announce the switch, then
// replay the new active session so every client rebuilds its view.
func (h *Hub) SessionSwitched(s *session.Session, r session.Replay) {
	h.broadcast(protocol.SessionSwitched{Type: protocol.TypeSessionSwitched, SessionID: s.ID})
	h.mu.Lock()
	clients := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()
	for _, c := range clients {
		h.sendReplay(c, r)
	}
}

// EntryAppended implements session.Notifier. Entries of inactive sessions
// stay in memory and on disk but are not fanned out.
func (h *Hub) EntryAppended(_ *session.Session, e protocol.Entry, active bool) {
	if !active {
		return
	}
	h.broadcast(e)
}

func (h *Hub) sendReplay(c *client, r session.Replay) {
	c.send(r.Meta)
	for _, e := range r.Entries {
		c.send(e)
	}
	for _, p := range r.Permissions {
		c.send(protocol.PermissionPending{
			Type:      protocol.TypePermissionPending,
			RequestID: p.RequestID,
			Tool:      p.Tool,
			Input:     p.Input,
			Reason:    p.Reason,
		})
	}
	for _, q := range r.Questions {
		c.send(protocol.QuestionRequest{
			Type:      protocol.TypeQuestionRequest,
			ToolID:    q.ToolID,
			Questions: q.Questions,
		})
	}
}

// HandleWS upgrades one client connection, replays current state, and then
// dispatches its messages until disconnect. Authentication happens upstream.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		logger.Warn("websocket accept", "project", h.slug, "err", err)
		return
	}
	conn.SetReadLimit(readLimit)

	c := &client{
		id:     uuid.New().String()[:8],
		conn:   conn,
		outbox: make(chan []byte, outboxSize),
		done:   make(chan struct{}),
	}
	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()
	go c.writeLoop()

	defer func() {
		h.mu.Lock()
		delete(h.clients, c.id)
		h.mu.Unlock()
		c.close()
	}()

	logger.Info("client connected", "project", h.slug, "client", c.id)
	h.sendSnapshot(c)

	ctx := r.Context()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			logger.Info("client disconnected", "project", h.slug, "client", c.id)
			return
		}
		h.dispatch(c, data)
	}
}

// sendSnapshot delivers the connect sequence: project state, session list,
// bounded history replay, pending prompts, model.
func (h *Hub) sendSnapshot(c *client) {
	br := h.bridge()
	state := protocol.StateSnapshot{
		Type:        protocol.TypeState,
		Slug:        h.slug,
		ProjectPath: h.path,
		Version:     h.version,
	}
	if br != nil {
		state.SlashCommands = br.SlashCommands()
		state.Model = br.Model()
	}
	if h.terms != nil {
		state.Terminals = h.terms.Terminals()
	}
	c.send(state)
	c.send(h.mgr.List())

	s := h.mgr.Active()
	if s == nil {
		return
	}
	h.sendReplay(c, h.mgr.BuildReplay(s))
	if state.Model != "" {
		c.send(protocol.ModelMsg{Type: protocol.TypeModel, Model: state.Model})
	}
}

// dispatch decodes one client frame and routes it. Malformed input is
// dropped; the connection stays up.
func (h *Hub) dispatch(c *client, data []byte) {
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return
	}
	br := h.bridge()
	if br == nil {
		return
	}

	switch env.Type {
	case protocol.TypeMessage:
		var m protocol.SendMessage
		if err := json.Unmarshal(data, &m); err != nil {
			return
		}
		if m.Text == "" && len(m.Images) == 0 {
			return
		}
		br.SendMessage(h.mgr.Active(), m.Text, m.Images)

	case protocol.TypeStop:
		br.Stop(h.mgr.Active())

	case protocol.TypeNewSession:
		h.mgr.Create()

	case protocol.TypeSwitchSession:
		var m protocol.SwitchSession
		if err := json.Unmarshal(data, &m); err != nil {
			return
		}
		h.mgr.Switch(m.SessionID)

	case protocol.TypeDeleteSession:
		var m protocol.DeleteSession
		if err := json.Unmarshal(data, &m); err != nil {
			return
		}
		h.mgr.Delete(m.SessionID)

	case protocol.TypeRenameSession:
		var m protocol.RenameSession
		if err := json.Unmarshal(data, &m); err != nil {
			return
		}
		h.mgr.Rename(m.SessionID, m.Title)

	case protocol.TypeResumeSession:
		var m protocol.ResumeSession
		if err := json.Unmarshal(data, &m); err != nil || m.ConversationID == "" {
			return
		}
		h.mgr.Resume(m.ConversationID, m.History)

	case protocol.TypeSearchSessions:
		var m protocol.SearchSessions
		if err := json.Unmarshal(data, &m); err != nil {
			return
		}
		c.send(protocol.SearchResults{
			Type:     protocol.TypeSearchResults,
			Query:    m.Query,
			Sessions: h.mgr.Search(m.Query),
		})

	case protocol.TypeLoadMoreHistory:
		var m protocol.LoadMoreHistory
		if err := json.Unmarshal(data, &m); err != nil {
			return
		}
		s := h.mgr.Active()
		if s == nil {
			return
		}
		c.send(h.mgr.PageBefore(s, m.Before))

	case protocol.TypePermissionResponse:
		var m protocol.PermissionResponse
		if err := json.Unmarshal(data, &m); err != nil {
			return
		}
		br.ResolvePermission(h.mgr.Active(), m.RequestID, m.Decision)

	case protocol.TypeAskUserResponse:
		var m protocol.AskUserResponse
		if err := json.Unmarshal(data, &m); err != nil {
			return
		}
		br.AnswerQuestion(h.mgr.Active(), m.ToolID, m.Answers)

	case protocol.TypeRewindPreview:
		var m protocol.RewindPreview
		if err := json.Unmarshal(data, &m); err != nil {
			return
		}
		res, err := br.RewindPreview(h.mgr.Active(), m.UUID)
		if err != nil {
			c.send(protocol.RewindErrorMsg{Type: protocol.TypeRewindError, Message: err.Error()})
			return
		}
		c.send(res)

	case protocol.TypeRewindExecute:
		var m protocol.RewindExecute
		if err := json.Unmarshal(data, &m); err != nil {
			return
		}
		res, err := br.RewindExecute(h.mgr.Active(), m.UUID, m.Mode)
		if err != nil {
			c.send(protocol.RewindErrorMsg{Type: protocol.TypeRewindError, Message: err.Error()})
			return
		}
		h.broadcast(res)

	case protocol.TypeInputSync:
		var m protocol.InputSyncMsg
		if err := json.Unmarshal(data, &m); err != nil {
			return
		}
		m.ClientID = c.id
		h.broadcastExcept(c.id, m)

	case protocol.TypeSetModel:
		var m protocol.SetModel
		if err := json.Unmarshal(data, &m); err != nil || m.Model == "" {
			return
		}
		s := h.mgr.Active()
		if s == nil {
			return
		}
		h.mgr.SetModel(s, m.Model)
		br.SetModel(m.Model)
		h.broadcast(protocol.ModelMsg{Type: protocol.TypeModel, Model: m.Model})

	default:
		// Unknown types are ignored so old daemons tolerate new clients.
	}
}
