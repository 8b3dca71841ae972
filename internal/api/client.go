package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client talks to a running devtray.
type Client struct {
	base string
	http *http.Client
}

// NewClient returns a client for the API at addr, given as host:port or
// as a full URL.
func NewClient(addr string) *Client {
	if addr == "" {
		addr = DefaultAddr
	}
	base := addr
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	return &Client{
		base: strings.TrimRight(base, "/"),
		http: &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("devtray is not reachable at %s: %w", c.base, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var er ErrorResponse
		if json.Unmarshal(data, &er) != nil || er.Error == "" {
			er.Error = strings.TrimSpace(string(data))
		}
		return &Error{Status: resp.StatusCode, Message: er.Error}
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode %s response: %w", path, err)
		}
	}
	return nil
}

// Health checks that the API answers.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/healthz", nil, nil)
}

// Servers lists the registered servers.
func (c *Client) Servers(ctx context.Context) ([]ServerView, error) {
	var resp ServersResponse
	if err := c.do(ctx, http.MethodGet, "/v1/servers", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Servers, nil
}

// Start starts the active server.
func (c *Client) Start(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/v1/active/start", nil, nil)
}

// Stop stops the active server.
func (c *Client) Stop(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/v1/active/stop", nil, nil)
}

// Restart restarts the active server.
func (c *Client) Restart(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/v1/active/restart", nil, nil)
}

// Switch makes machine the active server. confirm answers the question
// whether a running active server may be stopped.
func (c *Client) Switch(ctx context.Context, machine string, confirm bool) error {
	return c.do(ctx, http.MethodPut, "/v1/active", SwitchRequest{Machine: machine, Confirm: confirm}, nil)
}

// Ping tests the active server.
func (c *Client) Ping(ctx context.Context) (PingResponse, error) {
	var resp PingResponse
	err := c.do(ctx, http.MethodPost, "/v1/active/ping", nil, &resp)
	return resp, err
}

// Console shows or focuses the console of the active server.
func (c *Client) Console(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/v1/active/console", nil, nil)
}

// RunCommand runs a named command on the active server. An empty
// commandLine uses the configured one.
func (c *Client) RunCommand(ctx context.Context, name, commandLine string) error {
	var body any
	if commandLine != "" {
		body = CommandRequest{CommandLine: commandLine}
	}
	return c.do(ctx, http.MethodPost, "/v1/active/commands/"+url.PathEscape(name), body, nil)
}
