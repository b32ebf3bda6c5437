package control

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"syscall"
	"time"

	"github.com/coder/websocket"
	"github.com/prismon/hazelnut/internal/models"
)

const (
	// socketHost is a placeholder; the transport always dials the socket
	socketHost = "hazelnutd"

	firstStatusTimeout = 10 * time.Second
)

// Client talks to a daemon over its control socket
type Client struct {
	socket  string
	http    *http.Client
	stream  *http.Client
	timeout time.Duration
}

// NewClient creates a client for socketPath
func NewClient(socketPath string) *Client {
	dial := func(ctx context.Context, _, _ string) (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, "unix", socketPath)
	}
	return &Client{
		socket:  socketPath,
		http:    &http.Client{Transport: &http.Transport{DialContext: dial}},
		stream:  &http.Client{Transport: &http.Transport{DialContext: dial}},
		timeout: 30 * time.Second,
	}
}

// notRunning reports whether err means nothing is listening on the socket
func notRunning(err error) bool {
	return errors.Is(err, syscall.ENOENT) || errors.Is(err, syscall.ECONNREFUSED)
}

// Call sends one request and decodes the result into out, which may be nil
func (c *Client) Call(ctx context.Context, op Op, params any, out any) error {
	req := Request{Op: op}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("failed to encode params: %w", err)
		}
		req.Params = raw
	}
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}
	return c.post(ctx, body, out)
}

func (c *Client) post(ctx context.Context, body []byte, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://"+socketHost+requestPath, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		if notRunning(err) {
			return fmt.Errorf("daemon is %w", models.ErrNotRunning)
		}
		return fmt.Errorf("failed to reach daemon: %w", err)
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return fmt.Errorf("%w: malformed response: %v", models.ErrProtocol, err)
	}
	if resp.Error != nil {
		return &Error{Kind: resp.Error.Kind, Message: resp.Error.Message}
	}
	if out != nil && len(resp.OK) > 0 {
		if err := json.Unmarshal(resp.OK, out); err != nil {
			return fmt.Errorf("%w: bad result: %v", models.ErrProtocol, err)
		}
	}
	return nil
}

// Status fetches the daemon status
func (c *Client) Status(ctx context.Context) (models.DaemonStatus, error) {
	var st models.DaemonStatus
	err := c.Call(ctx, OpGetStatus, nil, &st)
	return st, err
}

// ListRules fetches the rules with their activity summaries
func (c *Client) ListRules(ctx context.Context) ([]models.RuleInfo, error) {
	var rules []models.RuleInfo
	err := c.Call(ctx, OpListRules, nil, &rules)
	return rules, err
}

// AddRule adds a rule and returns it with its assigned id
func (c *Client) AddRule(ctx context.Context, rule models.Rule) (models.Rule, error) {
	var out models.Rule
	err := c.Call(ctx, OpAddRule, RuleParams{Rule: rule}, &out)
	return out, err
}

// EditRule replaces the rule with the same id
func (c *Client) EditRule(ctx context.Context, rule models.Rule) (models.Rule, error) {
	var out models.Rule
	err := c.Call(ctx, OpEditRule, RuleParams{Rule: rule}, &out)
	return out, err
}

// DeleteRule removes a rule
func (c *Client) DeleteRule(ctx context.Context, id string) error {
	return c.Call(ctx, OpDeleteRule, IDParams{ID: id}, nil)
}

// ToggleRule flips a rule, or sets it when enabled is non-nil
func (c *Client) ToggleRule(ctx context.Context, id string, enabled *bool) (models.Rule, error) {
	var out models.Rule
	err := c.Call(ctx, OpToggleRule, ToggleParams{ID: id, Enabled: enabled}, &out)
	return out, err
}

// Reload asks the daemon to re-read its configuration
func (c *Client) Reload(ctx context.Context) error {
	return c.Call(ctx, OpReload, nil, nil)
}

// Stop asks the daemon to shut down
func (c *Client) Stop(ctx context.Context) error {
	return c.Call(ctx, OpStop, nil, nil)
}

// TailLog fetches the last n outcomes
func (c *Client) TailLog(ctx context.Context, n int) ([]models.ExecutionOutcome, error) {
	var out []models.ExecutionOutcome
	err := c.Call(ctx, OpTailLog, TailParams{N: n}, &out)
	return out, err
}

// History queries persisted outcome history
func (c *Client) History(ctx context.Context, p HistoryParams) ([]models.ExecutionOutcome, error) {
	var out []models.ExecutionOutcome
	err := c.Call(ctx, OpHistory, p, &out)
	return out, err
}

// Subscribe calls fn with every status change until ctx is done, fn
// returns false, or the daemon goes away
func (c *Client) Subscribe(ctx context.Context, fn func(models.DaemonStatus) bool) error {
	conn, _, err := websocket.Dial(ctx, "ws://"+socketHost+subscribePath, &websocket.DialOptions{HTTPClient: c.stream})
	if err != nil {
		if notRunning(err) {
			return fmt.Errorf("daemon is %w", models.ErrNotRunning)
		}
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	defer conn.CloseNow()

	received := false
	for {
		var (
			data []byte
			err  error
		)
		if received {
			_, data, err = conn.Read(ctx)
		} else {
			// The daemon sends the current status as soon as the stream opens
			first, cancel := context.WithTimeout(ctx, firstStatusTimeout)
			_, data, err = conn.Read(first)
			cancel()
		}
		if err != nil {
			if !received {
				return fmt.Errorf("%w: subscription produced no status: %v", models.ErrProtocol, err)
			}
			if ctx.Err() != nil || websocket.CloseStatus(err) != -1 {
				return nil
			}
			return fmt.Errorf("subscription ended: %w", err)
		}
		received = true
		var st models.DaemonStatus
		if err := json.Unmarshal(data, &st); err != nil {
			return fmt.Errorf("%w: bad status: %v", models.ErrProtocol, err)
		}
		if !fn(st) {
			conn.Close(websocket.StatusNormalClosure, "")
			return nil
		}
	}
}
