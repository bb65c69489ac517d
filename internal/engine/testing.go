package engine

import (
	"context"
	"encoding/json"
	"sync"
)

// Fake is a scriptable Engine for tests. Each Start returns a FakeCall the
// test drives by emitting events and inspecting what the bridge wrote back.
type Fake struct {
	mu    sync.Mutex
	calls []*FakeCall
}

func (f *Fake) Start(ctx context.Context, opts Options) (Call, error) {
	call := &FakeCall{
		Opts:     opts,
		events:   make(chan Event, 64),
		Answered: make(map[string]map[string]string),
	}
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
	return call, nil
}

// Calls returns all calls started so far.
func (f *Fake) Calls() []*FakeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*FakeCall(nil), f.calls...)
}

// LastCall returns the most recent call, or nil.
func (f *Fake) LastCall() *FakeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		return nil
	}
	return f.calls[len(f.calls)-1]
}

type FakeCall struct {
	Opts Options

	mu          sync.Mutex
	events      chan Event
	finished    bool
	err         error
	Sent        []Turn
	InputEnded  bool
	Allowed     []string
	Denied      []string
	Answered    map[string]map[string]string
	Interrupted bool
}

func (c *FakeCall) Events() <-chan Event { return c.events }

// Emit pushes one event to the bridge.
func (c *FakeCall) Emit(ev Event) {
	c.events <- ev
}

// Finish closes the event stream with an optional error.
func (c *FakeCall) Finish(err error) {
	c.mu.Lock()
	if c.finished {
		c.mu.Unlock()
		return
	}
	c.finished = true
	c.err = err
	c.mu.Unlock()
	close(c.events)
}

func (c *FakeCall) Send(turn Turn) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Sent = append(c.Sent, turn)
	return nil
}

func (c *FakeCall) EndInput() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.InputEnded = true
	return nil
}

func (c *FakeCall) Allow(requestID string, updatedInput json.RawMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Allowed = append(c.Allowed, requestID)
	return nil
}

func (c *FakeCall) Deny(requestID, message string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Denied = append(c.Denied, requestID)
	return nil
}

func (c *FakeCall) Answer(requestID string, answers map[string]string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Answered[requestID] = answers
	return nil
}

func (c *FakeCall) Interrupt() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Interrupted = true
	return nil
}

func (c *FakeCall) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// SentTurns returns a copy of the turns the bridge pushed in.
func (c *FakeCall) SentTurns() []Turn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Turn(nil), c.Sent...)
}

// Ended reports whether EndInput was called.
func (c *FakeCall) Ended() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.InputEnded
}

// AllowedIDs returns the request ids allowed so far.
func (c *FakeCall) AllowedIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.Allowed...)
}

// DeniedIDs returns the request ids denied so far.
func (c *FakeCall) DeniedIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.Denied...)
}

// AnswerFor returns the recorded answer to one question of a request.
func (c *FakeCall) AnswerFor(requestID, question string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Answered[requestID][question]
}

// WasInterrupted reports whether Interrupt was called.
func (c *FakeCall) WasInterrupted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Interrupted
}
