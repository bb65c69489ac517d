// Package bridge adapts the engine's push-style event stream to the relay's
// discrete client protocol, and client-style discrete user turns into the
// pull-style input stream the engine expects. It owns the permission and
// question handshakes and the rewind operation.
package bridge

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/ehrlich-b/perch/internal/engine"
	"github.com/ehrlich-b/perch/internal/logger"
	"github.com/ehrlich-b/perch/internal/protocol"
	"github.com/ehrlich-b/perch/internal/session"
)

// ControlSink fans out non-history control messages to every client of the
// project. Implementations must not block.
type ControlSink interface {
	BroadcastControl(v any)
}

// Notify receives external notification triggers. All methods are
// fire-and-forget.
type Notify interface {
	TurnDone(preview string)
	TurnFailed(errText string)
	PermissionNeeded(tool string)
}

// Bridge runs engine turns for one project's sessions. At most one engine
// call per session accepts input at a time; a finished call may still be
// draining its event stream when the next one starts.
type Bridge struct {
	eng     engine.Engine
	mgr     *session.Manager
	control ControlSink
	notify  Notify // may be nil
	dir     string

	mu            sync.Mutex
	turns         map[string]*turn // session local id → in-flight turn
	model         string           // last model announced by the engine
	slashCommands []string
}

func New(eng engine.Engine, mgr *session.Manager, control ControlSink, notify Notify, dir string) *Bridge {
	return &Bridge{
		eng:     eng,
		mgr:     mgr,
		control: control,
		notify:  notify,
		dir:     dir,
		turns:   make(map[string]*turn),
	}
}

type turn struct {
	sess   *session.Session
	queue  *Queue
	call   engine.Call
	cancel context.CancelFunc

	cancelled atomic.Bool
	discarded atomic.Bool  // aborted by chat rewind; emit nothing further
	pending   atomic.Int32 // user turns sent but not yet resulted

	// Event-loop-local state; touched only by the run goroutine.
	open          map[int]*openBlock
	forwarded     map[string]bool
	textStreamed  bool
	finishedClean bool
}

type openBlock struct {
	typ      string
	toolID   string
	toolName string
	partial  strings.Builder
}

// Model returns the engine's announced model, if seen.
func (b *Bridge) Model() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.model
}

// SetModel updates the announced model so connect-time snapshots reflect a
// user selection before the engine confirms it.
func (b *Bridge) SetModel(model string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.model = model
}

// SlashCommands returns the user-facing slash command menu.
func (b *Bridge) SlashCommands() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.slashCommands...)
}

// SendMessage submits a user turn. If a turn is already in flight the new
// turn is appended to the live input queue rather than starting a second
// engine call.
func (b *Bridge) SendMessage(s *session.Session, text string, images []protocol.Image) {
	b.mgr.AppendEntry(s, protocol.Entry{
		Type:   protocol.TypeUserMessage,
		Text:   text,
		Images: images,
	})

	t := engine.Turn{Text: text, Images: images}

	b.mu.Lock()
	if inflight := b.turns[s.ID]; inflight != nil {
		inflight.pending.Add(1)
		q := inflight.queue
		b.mu.Unlock()
		q.Push(t)
		return
	}
	b.mu.Unlock()

	b.startQuery(s, t)
}

func (b *Bridge) startQuery(s *session.Session, first engine.Turn) {
	b.mgr.SetProcessing(s, true)

	ctx, cancel := context.WithCancel(context.Background())
	call, err := b.eng.Start(ctx, engine.Options{
		Dir:      b.dir,
		Model:    b.mgr.Model(s),
		Resume:   b.mgr.ConversationID(s),
		ResumeAt: b.mgr.TakeResumeAt(s),
	})
	if err != nil {
		cancel()
		logger.Error("start engine", "session", s.ID, "err", err)
		b.mgr.AppendEntry(s, protocol.Entry{Type: protocol.TypeError, Text: "failed to start engine: " + err.Error()})
		b.mgr.AppendEntry(s, protocol.Entry{Type: protocol.TypeDone})
		b.mgr.SetProcessing(s, false)
		return
	}

	t := &turn{
		sess:      s,
		queue:     NewQueue(),
		call:      call,
		cancel:    cancel,
		open:      make(map[int]*openBlock),
		forwarded: make(map[string]bool),
	}
	t.pending.Store(1)
	t.queue.Push(first)

	b.mu.Lock()
	b.turns[s.ID] = t
	b.mu.Unlock()

	b.mgr.SetAbort(s, func() {
		t.cancelled.Store(true)
		t.call.Interrupt() // best effort; cancelling the context kills the process
		cancel()
	})

	go t.pump(ctx)
	go b.run(t)
}

// pump forwards queued user turns into the engine's input stream. The
// bridge keeps exactly one outstanding pull per session.
func (t *turn) pump(ctx context.Context) {
	for {
		item, ok, err := t.queue.Next(ctx)
		if err != nil || !ok {
			return
		}
		if err := t.call.Send(item); err != nil {
			logger.Warn("send turn to engine", "err", err)
			return
		}
	}
}

// run is the per-turn event loop: every engine event is reduced to client
// messages and session mutation, in order.
func (b *Bridge) run(t *turn) {
	defer func() {
		// Always leave a clean slate for the next turn.
		b.mu.Lock()
		delete(b.turns, t.sess.ID)
		b.mu.Unlock()
		t.queue.End()
		t.cancel()
		b.mgr.SetAbort(t.sess, nil)
	}()

	for ev := range t.call.Events() {
		b.reduce(t, ev)
	}

	if t.discarded.Load() {
		// The turn was cut away by a chat rewind; anything it would still
		// write belongs to discarded history.
		b.mgr.TakeAllPending(t.sess)
		b.mgr.SetProcessing(t.sess, false)
		return
	}

	if t.finishedClean && !t.cancelled.Load() {
		return
	}

	// The stream ended without a terminal result: user-initiated
	// cancellation or a genuine engine failure. Either way the turn must
	// not be left hanging.
	b.cancelPendings(t, false)
	if t.cancelled.Load() {
		b.mgr.AppendEntry(t.sess, protocol.Entry{Type: protocol.TypeInfo, Text: "Interrupted by user"})
	} else {
		errText := "engine stream ended unexpectedly"
		if err := t.call.Err(); err != nil {
			errText = err.Error()
		}
		b.mgr.AppendEntry(t.sess, protocol.Entry{Type: protocol.TypeError, Text: errText})
		if b.notify != nil {
			go b.notify.TurnFailed(errText)
		}
	}
	b.mgr.AppendEntry(t.sess, protocol.Entry{Type: protocol.TypeDone})
	b.mgr.SetProcessing(t.sess, false)
	t.open = make(map[int]*openBlock)
	t.forwarded = make(map[string]bool)
}

// cancelPendings drains both pending tables, optionally denying each request
// to the engine, and emits cancellation notices to clients.
func (b *Bridge) cancelPendings(t *turn, respond bool) {
	perms, questions := b.mgr.TakeAllPending(t.sess)
	for _, p := range perms {
		if respond {
			if err := t.call.Deny(p.EngineID, "Request cancelled"); err != nil {
				logger.Debug("deny cancelled permission", "err", err)
			}
		}
		b.mgr.AppendEntry(t.sess, protocol.Entry{
			Type:      protocol.TypePermissionCancel,
			RequestID: p.RequestID,
			Tool:      p.Tool,
		})
	}
	for _, q := range questions {
		if respond {
			if err := t.call.Deny(q.EngineID, "Request cancelled"); err != nil {
				logger.Debug("deny cancelled question", "err", err)
			}
		}
	}
}

// Stop aborts the session's in-flight turn, if any.
func (b *Bridge) Stop(s *session.Session) {
	b.mgr.Abort(s)
}

// StopAll aborts every in-flight turn of the project.
func (b *Bridge) StopAll() {
	b.mgr.AbortAll()
}

// ResolvePermission applies a client's decision to a pending permission
// request. Unknown or already-resolved ids are a no-op: the table entry has
// already been removed, so there is no state change and no duplicate
// broadcast.
func (b *Bridge) ResolvePermission(s *session.Session, requestID, decision string) {
	p := b.mgr.TakePendingPermission(s, requestID)
	if p == nil {
		return
	}
	if decision == protocol.DecisionAllowAlways {
		b.mgr.SetAlwaysAllow(s, p.Tool)
	}

	b.mu.Lock()
	t := b.turns[s.ID]
	b.mu.Unlock()
	if t != nil {
		var err error
		switch decision {
		case protocol.DecisionAllow, protocol.DecisionAllowAlways:
			err = t.call.Allow(p.EngineID, p.Input)
		default:
			err = t.call.Deny(p.EngineID, "User denied permission")
		}
		if err != nil {
			logger.Warn("respond to permission request", "request", requestID, "err", err)
		}
	}

	b.mgr.AppendEntry(s, protocol.Entry{
		Type:      protocol.TypePermissionResolved,
		RequestID: requestID,
		Tool:      p.Tool,
		Decision:  decision,
	})
}

// AnswerQuestion applies a client's answers to a pending question request.
// Multi-select answers are joined into one string per question.
func (b *Bridge) AnswerQuestion(s *session.Session, toolID string, answers map[string][]string) {
	q := b.mgr.TakePendingQuestion(s, toolID)
	if q == nil {
		return
	}
	joined := make(map[string]string, len(answers))
	for question, selected := range answers {
		joined[question] = strings.Join(selected, ", ")
	}

	b.mu.Lock()
	t := b.turns[s.ID]
	b.mu.Unlock()
	if t == nil {
		return
	}
	if err := t.call.Answer(q.EngineID, joined); err != nil {
		logger.Warn("respond to question request", "tool", toolID, "err", err)
	}
}

func newRequestID() string {
	return uuid.New().String()
}

func truncatePreview(text string, max int) string {
	runes := []rune(strings.TrimSpace(text))
	if len(runes) <= max {
		return string(runes)
	}
	return string(runes[:max]) + "…"
}
