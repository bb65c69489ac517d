// Package engine adapts the external streaming coding-agent process. The
// engine is a black box: a bidirectional event stream plus an out-of-band
// authorization channel. One Call is one engine invocation; additional user
// turns are pushed into the live call with Send.
package engine

import (
	"context"
	"encoding/json"

	"github.com/ehrlich-b/perch/internal/protocol"
)

// Kind enumerates engine events. The set is closed; the bridge matches it
// exhaustively.
type Kind int

const (
	KindInit Kind = iota
	KindConversation
	KindMessageUUID
	KindBlockStart
	KindBlockDelta
	KindBlockStop
	KindAssistantText
	KindToolResult
	KindPermission
	KindQuestion
	KindResult
)

// Block content types.
const (
	BlockText     = "text"
	BlockThinking = "thinking"
	BlockToolUse  = "tool_use"
)

// Delta payload types.
const (
	DeltaText      = "text"
	DeltaThinking  = "thinking"
	DeltaInputJSON = "input_json"
)

// Init carries the engine's startup announcement.
type Init struct {
	Model    string
	Commands []string // slash command names, unfiltered
	Skills   []string // internal skill names hidden from the command menu
}

// Block is an opened content block.
type Block struct {
	Index    int
	Type     string // text | thinking | tool_use
	ToolID   string // tool_use only
	ToolName string // tool_use only
}

// Delta is an incremental addition to an open block.
type Delta struct {
	Index   int
	Type    string // text | thinking | input_json
	Text    string // text/thinking payload
	Partial string // input_json payload fragment
}

// ToolResult is the engine reporting a completed tool execution.
type ToolResult struct {
	ToolID  string
	Content string
	IsError bool
}

// PermissionRequest asks for authorization to run a tool.
type PermissionRequest struct {
	RequestID string // engine-side request id, echoed in the response
	ToolID    string
	Tool      string
	Input     json.RawMessage
	Reason    string
}

// QuestionRequest asks the user to answer questions mid-turn. Keyed by the
// tool-call id rather than a request id.
type QuestionRequest struct {
	RequestID string // engine-side control id, echoed in the response
	ToolID    string
	Questions []protocol.Question
}

// Result terminates a turn.
type Result struct {
	Text       string
	IsError    bool
	DurationMS int64
}

// Event is one engine stream event. Exactly the field matching Kind is set.
type Event struct {
	Kind           Kind
	Init           *Init
	ConversationID string
	MessageUUID    string
	Block          *Block
	Delta          *Delta
	StopIndex      int
	AssistantUUID  string
	AssistantText  string
	ToolResult     *ToolResult
	Permission     *PermissionRequest
	Question       *QuestionRequest
	Result         *Result
}

// Turn is one user submission pushed into a live call.
type Turn struct {
	Text   string
	Images []protocol.Image
}

// Options configure one engine call.
type Options struct {
	Dir      string // working directory
	Model    string
	Resume   string // conversation id to resume, if any
	ResumeAt string // message uuid to rewind the engine conversation to
}

// Call is one in-flight engine invocation. Events is closed when the call
// ends; the final event is always KindResult unless the call failed, in
// which case Err reports why.
type Call interface {
	Events() <-chan Event
	Send(turn Turn) error
	EndInput() error
	Allow(requestID string, updatedInput json.RawMessage) error
	Deny(requestID, message string) error
	Answer(requestID string, answers map[string]string) error
	Interrupt() error
	Err() error
}

// Engine starts calls. Implementations must be safe for use from multiple
// sessions concurrently.
type Engine interface {
	Start(ctx context.Context, opts Options) (Call, error)
}
