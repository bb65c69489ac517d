package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"golang.org/x/crypto/bcrypt"
)

type Client struct {
	http *http.Client
}

func NewClient(socketPath string) *Client {
	return &Client{
		http: &http.Client{
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					var d net.Dialer
					return d.DialContext(ctx, "unix", socketPath)
				},
			},
		},
	}
}

// Probe reports whether a daemon is listening on the socket.
func (c *Client) Probe() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 1500*time.Millisecond)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://perch/ping", nil)
	if err != nil {
		return false
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// Do sends one control command and decodes the uniform response. A
// {ok:false} reply is returned as an error.
func (c *Client) Do(req Request) (*Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Post("http://perch/control", "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("daemon not reachable: %w", err)
	}
	defer resp.Body.Close()
	var out Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if !out.OK {
		if out.Error != "" {
			return nil, fmt.Errorf("%s", out.Error)
		}
		return nil, fmt.Errorf("command %s failed", req.Cmd)
	}
	return &out, nil
}

func (c *Client) AddProject(path string) (*Response, error) {
	return c.Do(Request{Cmd: "add_project", Path: path})
}

func (c *Client) RemoveProject(key string) error {
	_, err := c.Do(Request{Cmd: "remove_project", Slug: key})
	return err
}

func (c *Client) SetProjectTitle(slug, title string) error {
	_, err := c.Do(Request{Cmd: "set_project_title", Slug: slug, Title: title})
	return err
}

// SetPin hashes the PIN on this side so only the bcrypt hash crosses the
// control channel. Empty clears the PIN and disables auth.
func (c *Client) SetPin(pin string) error {
	hash := ""
	if pin != "" {
		h, err := bcrypt.GenerateFromPassword([]byte(pin), bcrypt.DefaultCost)
		if err != nil {
			return fmt.Errorf("hash pin: %w", err)
		}
		hash = string(h)
	}
	_, err := c.Do(Request{Cmd: "set_pin", PinHash: hash})
	return err
}

func (c *Client) TestNotify() error {
	_, err := c.Do(Request{Cmd: "test_notify"})
	return err
}

func (c *Client) SetKeepAwake(on bool) error {
	_, err := c.Do(Request{Cmd: "set_keep_awake", On: on})
	return err
}

func (c *Client) Status() (*Status, error) {
	resp, err := c.Do(Request{Cmd: "get_status"})
	if err != nil {
		return nil, err
	}
	if resp.Status == nil {
		return nil, fmt.Errorf("empty status")
	}
	return resp.Status, nil
}

func (c *Client) Shutdown() error {
	_, err := c.Do(Request{Cmd: "shutdown"})
	return err
}
