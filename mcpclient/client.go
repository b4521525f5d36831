package mcpclient

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/nevindra/relay"
)

const (
	defaultCallTimeout = 30 * time.Second
	closeGracePeriod   = 2 * time.Second
	closeKillPeriod    = time.Second
)

// Client is one spawned MCP server connection. A background reader routes
// responses to per-id channels; requests time out independently.
type Client struct {
	name   string
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	logger *slog.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[int64]chan *response
	nextID  int64
	closed  bool

	done chan struct{}
}

// Spawn starts the server process and performs the initialize handshake.
func Spawn(ctx context.Context, name string, cfg relay.MCPServerConfig, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = relay.NopLogger()
	}
	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Env = buildEnv(cfg.Env)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, relay.Ef(relay.CodeSpawnFailed, "stdin pipe for %s: %v", name, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, relay.Ef(relay.CodeSpawnFailed, "stdout pipe for %s: %v", name, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, relay.Ef(relay.CodeSpawnFailed, "start %s (%s): %v", name, cfg.Command, err)
	}

	c := &Client{
		name:    name,
		cmd:     cmd,
		stdin:   stdin,
		logger:  logger,
		pending: make(map[int64]chan *response),
		done:    make(chan struct{}),
	}
	go c.readLoop(stdout)

	if _, err := c.call(ctx, "initialize", initializeParams{
		ProtocolVersion: protocolVersion,
		Capabilities:    struct{}{},
		ClientInfo:      clientInfo{Name: "relay", Version: "1.0"},
	}); err != nil {
		_ = c.Close()
		return nil, relay.Ef(relay.CodeSpawnFailed, "initialize %s: %v", name, err)
	}
	if err := c.notify("notifications/initialized", nil); err != nil {
		_ = c.Close()
		return nil, relay.Ef(relay.CodeSpawnFailed, "initialized notification to %s: %v", name, err)
	}
	return c, nil
}

// buildEnv merges configured variables over the inherited environment, so a
// server keeps PATH and HOME. A nil return means exec's default (inherit
// everything); extras are appended last and win on duplicate keys.
func buildEnv(extra map[string]string) []string {
	if len(extra) == 0 {
		return nil
	}
	env := os.Environ()
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}

// ListTools asks the server for its tool catalog.
func (c *Client) ListTools(ctx context.Context) ([]ToolDefinition, error) {
	raw, err := c.call(ctx, "tools/list", struct{}{})
	if err != nil {
		return nil, err
	}
	var result toolsListResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decode tools/list from %s: %w", c.name, err)
	}
	return result.Tools, nil
}

// CallTool invokes one tool by its raw (un-namespaced) name.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (*ToolCallResult, error) {
	raw, err := c.call(ctx, "tools/call", toolCallParams{Name: name, Arguments: args})
	if err != nil {
		return nil, err
	}
	var result ToolCallResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decode tools/call from %s: %w", c.name, err)
	}
	return &result, nil
}

// call sends one request and waits for its response, bounded by ctx and the
// default call timeout.
func (c *Client) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, relay.Ef(relay.CodeProviderClosed, "mcp server %s is closed", c.name)
	}
	c.nextID++
	id := c.nextID
	ch := make(chan *response, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.send(request{JSONRPC: "2.0", ID: &id, Method: method, Params: params}); err != nil {
		return nil, relay.Ef(relay.CodeConnectionError, "write to %s: %v", c.name, err)
	}

	timer := time.NewTimer(defaultCallTimeout)
	defer timer.Stop()
	select {
	case resp, ok := <-ch:
		if !ok || resp == nil {
			return nil, relay.Ef(relay.CodeConnectionError, "mcp server %s closed the connection", c.name)
		}
		if resp.Error != nil {
			return nil, fmt.Errorf("%s %s: rpc error %d: %s", c.name, method, resp.Error.Code, resp.Error.Message)
		}
		return resp.Result, nil
	case <-timer.C:
		return nil, relay.Ef(relay.CodeTimeout, "%s %s timed out", c.name, method)
	case <-ctx.Done():
		return nil, relay.Ef(relay.CodeTimeout, "%s %s: %v", c.name, method, ctx.Err())
	case <-c.done:
		return nil, relay.Ef(relay.CodeConnectionError, "mcp server %s exited", c.name)
	}
}

func (c *Client) notify(method string, params any) error {
	return c.send(request{JSONRPC: "2.0", Method: method, Params: params})
}

func (c *Client) send(req request) error {
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err = c.stdin.Write(data)
	return err
}

// readLoop decodes newline-delimited responses and routes them by id. On
// reader exit every pending call fails with a connection error.
func (c *Client) readLoop(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 1<<20), 10<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var resp response
		if err := json.Unmarshal(line, &resp); err != nil {
			c.logger.Debug("mcp response parse failed", "server", c.name, "error", err)
			continue
		}
		id, err := strconv.ParseInt(string(resp.ID), 10, 64)
		if err != nil {
			continue
		}
		c.mu.Lock()
		ch := c.pending[id]
		c.mu.Unlock()
		if ch != nil {
			ch <- &resp
		}
	}

	c.mu.Lock()
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	c.mu.Unlock()
	close(c.done)
}

// Close is idempotent: it closes stdin, waits up to the grace period for the
// process to exit, then kills it.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	_ = c.stdin.Close()

	waited := make(chan error, 1)
	go func() { waited <- c.cmd.Wait() }()

	select {
	case <-waited:
		return nil
	case <-time.After(closeGracePeriod):
	}

	if err := c.cmd.Process.Kill(); err != nil {
		c.logger.Warn("mcp server kill failed", "server", c.name, "error", err)
	}
	select {
	case <-waited:
	case <-time.After(closeKillPeriod):
	}
	return nil
}
