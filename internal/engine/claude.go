package engine

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"sync"
	"sync/atomic"

	"github.com/ehrlich-b/perch/internal/logger"
	"github.com/ehrlich-b/perch/internal/protocol"
)

// Claude drives the claude CLI in bidirectional stream-json mode: user turns
// are written to stdin as they arrive, events are scanned off stdout one
// JSON line at a time, and tool authorization runs over the same pipe as
// control_request/control_response pairs.
type Claude struct {
	bin string
}

func NewClaude(bin string) *Claude {
	if bin == "" {
		bin = "claude"
	}
	return &Claude{bin: bin}
}

// Health checks that the engine binary is runnable.
func (c *Claude) Health() error {
	cmd := exec.Command(c.bin, "--version")
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s health check failed: %w", c.bin, err)
	}
	return nil
}

func (c *Claude) Start(ctx context.Context, opts Options) (Call, error) {
	args := []string{
		"--input-format", "stream-json",
		"--output-format", "stream-json",
		"--include-partial-messages",
		"--verbose",
	}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	if opts.Resume != "" {
		args = append(args, "--resume", opts.Resume)
		if opts.ResumeAt != "" {
			args = append(args, "--resume-session-at", opts.ResumeAt)
		}
	}

	cmd := exec.CommandContext(ctx, c.bin, args...)
	cmd.Dir = opts.Dir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", c.bin, err)
	}

	call := &claudeCall{
		events: make(chan Event, 64),
		stdin:  stdin,
	}

	go func() {
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 1024*1024), 16*1024*1024)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			for _, ev := range parseLine(line) {
				select {
				case call.events <- ev:
				case <-ctx.Done():
				}
			}
		}
		err := cmd.Wait()
		if scanErr := scanner.Err(); scanErr != nil && err == nil {
			err = scanErr
		}
		call.mu.Lock()
		call.err = err
		call.mu.Unlock()
		close(call.events)
	}()

	return call, nil
}

type claudeCall struct {
	events chan Event

	mu    sync.Mutex
	stdin interface {
		Write([]byte) (int, error)
		Close() error
	}
	closed bool
	err    error
}

var controlSeq atomic.Uint64

func (c *claudeCall) Events() <-chan Event { return c.events }

func (c *claudeCall) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *claudeCall) writeLine(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("engine input closed")
	}
	_, err = c.stdin.Write(append(data, '\n'))
	return err
}

func (c *claudeCall) Send(turn Turn) error {
	content := make([]map[string]any, 0, 1+len(turn.Images))
	if turn.Text != "" {
		content = append(content, map[string]any{"type": "text", "text": turn.Text})
	}
	for _, img := range turn.Images {
		content = append(content, map[string]any{
			"type": "image",
			"source": map[string]any{
				"type":       "base64",
				"media_type": img.MediaType,
				"data":       img.Data,
			},
		})
	}
	return c.writeLine(map[string]any{
		"type": "user",
		"message": map[string]any{
			"role":    "user",
			"content": content,
		},
	})
}

func (c *claudeCall) EndInput() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.stdin.Close()
}

func (c *claudeCall) controlResponse(requestID string, response map[string]any) error {
	return c.writeLine(map[string]any{
		"type": "control_response",
		"response": map[string]any{
			"subtype":    "success",
			"request_id": requestID,
			"response":   response,
		},
	})
}

func (c *claudeCall) Allow(requestID string, updatedInput json.RawMessage) error {
	resp := map[string]any{"behavior": "allow"}
	if len(updatedInput) > 0 {
		resp["updatedInput"] = json.RawMessage(updatedInput)
	}
	return c.controlResponse(requestID, resp)
}

func (c *claudeCall) Deny(requestID, message string) error {
	return c.controlResponse(requestID, map[string]any{
		"behavior": "deny",
		"message":  message,
	})
}

func (c *claudeCall) Answer(requestID string, answers map[string]string) error {
	return c.controlResponse(requestID, map[string]any{
		"behavior":     "allow",
		"updatedInput": map[string]any{"answers": answers},
	})
}

func (c *claudeCall) Interrupt() error {
	id := fmt.Sprintf("c-%d", controlSeq.Add(1))
	return c.writeLine(map[string]any{
		"type":       "control_request",
		"request_id": id,
		"request":    map[string]any{"subtype": "interrupt"},
	})
}

// Wire parsing. One stdout line can yield several events.

type sdkLine struct {
	Type          string          `json:"type"`
	Subtype       string          `json:"subtype"`
	SessionID     string          `json:"session_id"`
	Model         string          `json:"model"`
	SlashCommands []string        `json:"slash_commands"`
	Skills        []string        `json:"skills"`
	Event         *streamEvent    `json:"event"`
	Message       *sdkMessage     `json:"message"`
	RequestID     string          `json:"request_id"`
	Request       *controlRequest `json:"request"`
	Result        string          `json:"result"`
	IsError       bool            `json:"is_error"`
	DurationMS    int64           `json:"duration_ms"`
}

type streamEvent struct {
	Type         string `json:"type"`
	Index        int    `json:"index"`
	Message      *struct {
		ID string `json:"id"`
	} `json:"message"`
	ContentBlock *struct {
		Type string `json:"type"`
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"content_block"`
	Delta *struct {
		Type        string `json:"type"`
		Text        string `json:"text"`
		Thinking    string `json:"thinking"`
		PartialJSON string `json:"partial_json"`
	} `json:"delta"`
}

type sdkMessage struct {
	ID      string         `json:"id"`
	Role    string         `json:"role"`
	Content []contentBlock `json:"content"`
}

type contentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text"`
	ToolUseID string          `json:"tool_use_id"`
	Content   json.RawMessage `json:"content"`
	IsError   bool            `json:"is_error"`
}

type controlRequest struct {
	Subtype   string          `json:"subtype"`
	ToolName  string          `json:"tool_name"`
	ToolUseID string          `json:"tool_use_id"`
	Input     json.RawMessage `json:"input"`
	Reason    string          `json:"reason"`
}

func parseLine(line []byte) []Event {
	var l sdkLine
	if err := json.Unmarshal(line, &l); err != nil {
		logger.Debug("engine: unparsable line", "err", err)
		return nil
	}

	var out []Event
	switch l.Type {
	case "system":
		if l.Subtype != "init" {
			return nil
		}
		if l.SessionID != "" {
			out = append(out, Event{Kind: KindConversation, ConversationID: l.SessionID})
		}
		out = append(out, Event{Kind: KindInit, Init: &Init{
			Model:    l.Model,
			Commands: l.SlashCommands,
			Skills:   l.Skills,
		}})

	case "stream_event":
		if l.Event == nil {
			return nil
		}
		ev := l.Event
		switch ev.Type {
		case "message_start":
			if ev.Message != nil && ev.Message.ID != "" {
				out = append(out, Event{Kind: KindMessageUUID, MessageUUID: ev.Message.ID})
			}
		case "content_block_start":
			if ev.ContentBlock == nil {
				return nil
			}
			b := &Block{Index: ev.Index}
			switch ev.ContentBlock.Type {
			case "tool_use":
				b.Type = BlockToolUse
				b.ToolID = ev.ContentBlock.ID
				b.ToolName = ev.ContentBlock.Name
			case "thinking":
				b.Type = BlockThinking
			default:
				b.Type = BlockText
			}
			out = append(out, Event{Kind: KindBlockStart, Block: b})
		case "content_block_delta":
			if ev.Delta == nil {
				return nil
			}
			d := &Delta{Index: ev.Index}
			switch ev.Delta.Type {
			case "text_delta":
				d.Type = DeltaText
				d.Text = ev.Delta.Text
			case "thinking_delta":
				d.Type = DeltaThinking
				d.Text = ev.Delta.Thinking
			case "input_json_delta":
				d.Type = DeltaInputJSON
				d.Partial = ev.Delta.PartialJSON
			default:
				return nil
			}
			out = append(out, Event{Kind: KindBlockDelta, Delta: d})
		case "content_block_stop":
			out = append(out, Event{Kind: KindBlockStop, StopIndex: ev.Index})
		}

	case "assistant":
		if l.Message == nil {
			return nil
		}
		var text string
		for _, b := range l.Message.Content {
			if b.Type == "text" {
				text += b.Text
			}
		}
		if l.Message.ID != "" {
			out = append(out, Event{Kind: KindMessageUUID, MessageUUID: l.Message.ID})
		}
		if text != "" {
			out = append(out, Event{
				Kind:          KindAssistantText,
				AssistantUUID: l.Message.ID,
				AssistantText: text,
			})
		}

	case "user":
		if l.Message == nil {
			return nil
		}
		for _, b := range l.Message.Content {
			if b.Type != "tool_result" || b.ToolUseID == "" {
				continue
			}
			out = append(out, Event{Kind: KindToolResult, ToolResult: &ToolResult{
				ToolID:  b.ToolUseID,
				Content: flattenContent(b.Content),
				IsError: b.IsError,
			}})
		}

	case "result":
		if l.SessionID != "" {
			out = append(out, Event{Kind: KindConversation, ConversationID: l.SessionID})
		}
		out = append(out, Event{Kind: KindResult, Result: &Result{
			Text:       l.Result,
			IsError:    l.IsError || l.Subtype != "success",
			DurationMS: l.DurationMS,
		}})

	case "control_request":
		if l.Request == nil || l.Request.Subtype != "can_use_tool" {
			return nil
		}
		req := l.Request
		if req.ToolName == "AskUserQuestion" {
			out = append(out, Event{Kind: KindQuestion, Question: &QuestionRequest{
				RequestID: l.RequestID,
				ToolID:    req.ToolUseID,
				Questions: parseQuestions(req.Input),
			}})
		} else {
			out = append(out, Event{Kind: KindPermission, Permission: &PermissionRequest{
				RequestID: l.RequestID,
				ToolID:    req.ToolUseID,
				Tool:      req.ToolName,
				Input:     req.Input,
				Reason:    req.Reason,
			}})
		}
	}
	return out
}

// flattenContent renders a tool_result content payload, which the wire
// carries as either a bare string or a list of text blocks.
func flattenContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &blocks); err == nil {
		var out string
		for _, b := range blocks {
			if b.Type == "text" {
				out += b.Text
			}
		}
		return out
	}
	return string(raw)
}

func parseQuestions(raw json.RawMessage) []protocol.Question {
	var input struct {
		Questions []struct {
			Question    string   `json:"question"`
			Header      string   `json:"header"`
			Options     []string `json:"options"`
			MultiSelect bool     `json:"multiSelect"`
		} `json:"questions"`
	}
	if err := json.Unmarshal(raw, &input); err != nil {
		return nil
	}
	qs := make([]protocol.Question, 0, len(input.Questions))
	for _, q := range input.Questions {
		qs = append(qs, protocol.Question{
			Question:    q.Question,
			Header:      q.Header,
			Options:     q.Options,
			MultiSelect: q.MultiSelect,
		})
	}
	return qs
}
