package bridge

import (
	"encoding/json"
	"slices"

	"github.com/ehrlich-b/perch/internal/engine"
	"github.com/ehrlich-b/perch/internal/logger"
	"github.com/ehrlich-b/perch/internal/protocol"
	"github.com/ehrlich-b/perch/internal/session"
)

// reduce maps one engine event to emitted client messages and session-state
// mutation. Runs on the turn's event-loop goroutine only.
func (b *Bridge) reduce(t *turn, ev engine.Event) {
	if t.discarded.Load() {
		return
	}
	s := t.sess
	switch ev.Kind {
	case engine.KindConversation:
		// First observation creates the durable log; later ones only update
		// the in-memory value.
		b.mgr.BindConversation(s, ev.ConversationID)

	case engine.KindInit:
		b.handleInit(ev.Init)

	case engine.KindMessageUUID:
		// A new assistant message begins; the streamed-text flag resets so
		// the full-text fallback applies per message, never per turn.
		t.textStreamed = false
		if b.mgr.HasUUID(s, ev.MessageUUID) {
			return
		}
		b.mgr.AppendEntry(s, protocol.Entry{Type: protocol.TypeMessageUUID, UUID: ev.MessageUUID})

	case engine.KindBlockStart:
		blk := ev.Block
		ob := &openBlock{typ: blk.Type, toolID: blk.ToolID, toolName: blk.ToolName}
		t.open[blk.Index] = ob
		switch blk.Type {
		case engine.BlockToolUse:
			b.mgr.AppendEntry(s, protocol.Entry{
				Type:   protocol.TypeToolStart,
				ToolID: blk.ToolID,
				Tool:   blk.ToolName,
			})
		case engine.BlockThinking:
			b.mgr.AppendEntry(s, protocol.Entry{Type: protocol.TypeThinkingStart})
		}

	case engine.KindBlockDelta:
		d := ev.Delta
		switch d.Type {
		case engine.DeltaText:
			t.textStreamed = true
			b.mgr.AppendEntry(s, protocol.Entry{Type: protocol.TypeDelta, Text: d.Text})
		case engine.DeltaThinking:
			b.mgr.AppendEntry(s, protocol.Entry{Type: protocol.TypeThinkingDelta, Text: d.Text})
		case engine.DeltaInputJSON:
			if ob := t.open[d.Index]; ob != nil {
				ob.partial.WriteString(d.Partial)
			}
		}

	case engine.KindBlockStop:
		ob := t.open[ev.StopIndex]
		if ob == nil {
			return
		}
		delete(t.open, ev.StopIndex)
		switch ob.typ {
		case engine.BlockToolUse:
			b.mgr.AppendEntry(s, protocol.Entry{
				Type:   protocol.TypeToolExecuting,
				ToolID: ob.toolID,
				Tool:   ob.toolName,
				Input:  parseToolInput(ob.partial.String()),
			})
		case engine.BlockThinking:
			b.mgr.AppendEntry(s, protocol.Entry{Type: protocol.TypeThinkingStop})
		}

	case engine.KindAssistantText:
		// Fallback for text the engine did not stream incrementally;
		// forwarded once, in full, never both ways.
		if t.textStreamed {
			return
		}
		t.textStreamed = true
		b.mgr.AppendEntry(s, protocol.Entry{Type: protocol.TypeDelta, Text: ev.AssistantText})

	case engine.KindToolResult:
		tr := ev.ToolResult
		if t.forwarded[tr.ToolID] {
			return
		}
		t.forwarded[tr.ToolID] = true
		b.mgr.AppendEntry(s, protocol.Entry{
			Type:    protocol.TypeToolResult,
			ToolID:  tr.ToolID,
			Content: tr.Content,
			IsError: tr.IsError,
		})

	case engine.KindPermission:
		b.handlePermission(t, ev.Permission)

	case engine.KindQuestion:
		q := ev.Question
		b.mgr.AddPendingQuestion(s, &session.PendingQuestion{
			ToolID:    q.ToolID,
			EngineID:  q.RequestID,
			Questions: q.Questions,
		})
		b.control.BroadcastControl(protocol.QuestionRequest{
			Type:      protocol.TypeQuestionRequest,
			ToolID:    q.ToolID,
			Questions: q.Questions,
		})
		if b.notify != nil {
			go b.notify.PermissionNeeded("AskUserQuestion")
		}

	case engine.KindResult:
		b.handleResult(t, ev.Result)
	}
}

func (b *Bridge) handleInit(init *engine.Init) {
	// Internal skills are filtered out of the user-facing command menu.
	commands := make([]string, 0, len(init.Commands))
	for _, c := range init.Commands {
		if slices.Contains(init.Skills, c) {
			continue
		}
		commands = append(commands, c)
	}

	b.mu.Lock()
	changed := b.model != init.Model
	b.model = init.Model
	b.slashCommands = commands
	b.mu.Unlock()

	if changed {
		b.control.BroadcastControl(protocol.ModelMsg{Type: protocol.TypeModel, Model: init.Model})
	}
}

func (b *Bridge) handlePermission(t *turn, req *engine.PermissionRequest) {
	s := t.sess
	if b.mgr.IsAlwaysAllowed(s, req.Tool) {
		if err := t.call.Allow(req.RequestID, req.Input); err != nil {
			logger.Warn("auto-allow tool", "tool", req.Tool, "err", err)
		}
		return
	}

	requestID := newRequestID()
	b.mgr.AddPendingPermission(s, &session.PendingPermission{
		RequestID: requestID,
		EngineID:  req.RequestID,
		ToolID:    req.ToolID,
		Tool:      req.Tool,
		Input:     req.Input,
		Reason:    req.Reason,
	})
	b.mgr.AppendEntry(s, protocol.Entry{
		Type:      protocol.TypePermissionRequest,
		RequestID: requestID,
		Tool:      req.Tool,
		Input:     req.Input,
		Reason:    req.Reason,
	})
	if b.notify != nil {
		go b.notify.PermissionNeeded(req.Tool)
	}
}

func (b *Bridge) handleResult(t *turn, res *engine.Result) {
	s := t.sess

	// A terminal result clears all per-turn transient state.
	t.open = make(map[int]*openBlock)
	t.forwarded = make(map[string]bool)
	t.textStreamed = false
	b.cancelPendings(t, false)

	entry := protocol.Entry{
		Type:       protocol.TypeResult,
		Text:       res.Text,
		IsError:    res.IsError,
		DurationMS: res.DurationMS,
	}
	b.mgr.AppendEntry(s, entry)
	b.mgr.AppendEntry(s, protocol.Entry{Type: protocol.TypeDone})

	// The decrement and the map removal happen under the bridge lock so a
	// concurrent SendMessage either lands on the live queue (it incremented
	// pending first, keeping the call open) or finds no in-flight turn and
	// starts a fresh call. A turn is never pushed into an ended queue.
	b.mu.Lock()
	last := t.pending.Add(-1) <= 0
	if last {
		delete(b.turns, s.ID)
	}
	b.mu.Unlock()

	if last {
		// No queued follow-up turns: the call can wind down.
		t.finishedClean = true
		b.mgr.SetProcessing(s, false)
		t.queue.End()
		if err := t.call.EndInput(); err != nil {
			logger.Debug("end engine input", "err", err)
		}
	}

	if b.notify != nil {
		go b.notify.TurnDone(truncatePreview(res.Text, 120))
	}
}

// parseToolInput finalizes a tool block's accumulated partial JSON. An empty
// accumulation means a no-argument tool; anything unparsable is carried
// verbatim so clients can still render it.
func parseToolInput(partial string) json.RawMessage {
	if partial == "" {
		return json.RawMessage(`{}`)
	}
	if json.Valid([]byte(partial)) {
		return json.RawMessage(partial)
	}
	raw, _ := json.Marshal(map[string]string{"_partial": partial})
	return raw
}
