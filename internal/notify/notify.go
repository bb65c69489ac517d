// Package notify sends push notifications via ntfy.sh (or a self-hosted
// ntfy server) when a turn needs attention while no one is watching.
package notify

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/ehrlich-b/perch/internal/logger"
)

// Client implements the bridge's notification sink. Sends are
// fire-and-forget and rate limited so a runaway turn cannot flood a phone.
// Every send fans out to the configured topic plus any topics reported by
// the topic source, typically the device subscription table.
type Client struct {
	base    string // configured URL, may be empty
	token   string // optional bearer token for reserved topics
	events  map[string]bool
	limiter *rate.Limiter

	mu     sync.Mutex
	source func() []string
}

// New builds a client. Topic can be a bare topic name (expanded to
// https://ntfy.sh/{topic}), a full URL, or empty when only subscribed
// device topics should receive notices. Events is a comma-separated list
// of "done", "failed", "permission"; empty enables all.
func New(topic, token, events string) *Client {
	base := ""
	if topic != "" {
		base = expandTopic(topic)
	}
	evMap := make(map[string]bool)
	for _, e := range strings.Split(events, ",") {
		e = strings.TrimSpace(e)
		if e != "" {
			evMap[e] = true
		}
	}
	return &Client{
		base:    base,
		token:   token,
		events:  evMap,
		limiter: rate.NewLimiter(rate.Every(10*time.Second), 3),
	}
}

func expandTopic(topic string) string {
	if strings.HasPrefix(topic, "http://") || strings.HasPrefix(topic, "https://") {
		return topic
	}
	return "https://ntfy.sh/" + topic
}

// SetTopicSource registers a provider of subscriber topics, resolved at
// send time so subscriptions take effect without a restart.
func (c *Client) SetTopicSource(fn func() []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.source = fn
}

// urls resolves the current destination set, deduplicated.
func (c *Client) urls() []string {
	c.mu.Lock()
	src := c.source
	c.mu.Unlock()

	seen := make(map[string]bool)
	var out []string
	add := func(u string) {
		if u != "" && !seen[u] {
			seen[u] = true
			out = append(out, u)
		}
	}
	add(c.base)
	if src != nil {
		for _, topic := range src() {
			add(expandTopic(topic))
		}
	}
	return out
}

func (c *Client) enabled(event string) bool {
	return len(c.events) == 0 || c.events[event]
}

// TurnDone announces a finished turn with a preview of the final text.
func (c *Client) TurnDone(preview string) {
	if !c.enabled("done") {
		return
	}
	if preview == "" {
		preview = "Turn finished"
	}
	go c.post("Turn finished", preview, "default", "white_check_mark")
}

// TurnFailed announces a turn that ended in an error.
func (c *Client) TurnFailed(errText string) {
	if !c.enabled("failed") {
		return
	}
	go c.post("Turn failed", errText, "high", "x")
}

// PermissionNeeded announces a blocked tool call waiting on a decision.
func (c *Client) PermissionNeeded(tool string) {
	if !c.enabled("permission") {
		return
	}
	go c.post(fmt.Sprintf("Permission needed: %s", tool), "A tool call is waiting for your decision", "high", "bell")
}

// SendTest sends a test notification synchronously and returns any error.
// Bypasses the rate limiter so a test always goes out.
func (c *Client) SendTest() error {
	if len(c.urls()) == 0 {
		return fmt.Errorf("no notification topics configured")
	}
	return c.send("perch test", "Push notifications are working!", "default", "test_tube")
}

func (c *Client) post(title, body, priority, tags string) {
	if !c.limiter.Allow() {
		logger.Debug("notification dropped by rate limit", "title", title)
		return
	}
	if err := c.send(title, body, priority, tags); err != nil {
		logger.Warn("push notification", "err", err)
	}
}

// send posts to every destination. With no destinations it is a silent
// no-op; the first failure is reported after all sends were attempted.
func (c *Client) send(title, body, priority, tags string) error {
	var firstErr error
	for _, u := range c.urls() {
		if err := c.postTo(u, title, body, priority, tags); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (c *Client) postTo(url, title, body, priority, tags string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBufferString(body))
	if err != nil {
		return err
	}
	req.Header.Set("Title", title)
	req.Header.Set("Priority", priority)
	req.Header.Set("Tags", tags)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("ntfy: HTTP %d", resp.StatusCode)
	}
	return nil
}
