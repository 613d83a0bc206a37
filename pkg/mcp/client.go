// Package mcp speaks the Model Context Protocol over a line-delimited JSON-RPC stream
// and turns the tools a server lists into tool.Tool values.
package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	protocolVersion       = "2024-11-05"
	defaultRequestTimeout = 30 * time.Second
	maxMessageSize        = 8 * 1024 * 1024
)

// ErrClosed is returned for requests on a client whose stream has ended
var ErrClosed = errors.New("mcp: connection closed")

// JSON-RPC messages
type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
	ID      *int64      `json:"id,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
	ID      *int64          `json:"id"`
}

// RPCError is an error object returned by the server
type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("mcp error (%d): %s", e.Code, e.Message)
}

// RemoteTool is one entry of a tools/list result
type RemoteTool struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"inputSchema"`
}

// Content is one item of a tools/call result
type Content struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// CallResult is the result of tools/call
type CallResult struct {
	Content []Content `json:"content"`
	IsError bool      `json:"isError"`
}

// Text joins the text items of the result
func (r *CallResult) Text() string {
	var out []byte
	for _, c := range r.Content {
		if c.Type != "text" {
			continue
		}
		if len(out) > 0 {
			out = append(out, '\n')
		}
		out = append(out, c.Text...)
	}
	return string(out)
}

// ClientConfig configures a Client
type ClientConfig struct {
	// Name identifies the server in logs and errors
	Name           string
	ClientName     string
	ClientVersion  string
	RequestTimeout time.Duration
	Logger         zerolog.Logger
}

// Client is a JSON-RPC client for one MCP server
type Client struct {
	cfg    ClientConfig
	logger zerolog.Logger

	writeMu sync.Mutex
	w       io.WriteCloser

	mu      sync.Mutex
	nextID  int64
	pending map[int64]chan *rpcResponse
	closed  bool
	done    chan struct{}
}

// NewClient starts reading responses from r. Requests are written to w, one JSON
// document per line.
func NewClient(r io.Reader, w io.WriteCloser, cfg ClientConfig) *Client {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.ClientName == "" {
		cfg.ClientName = "parley"
	}
	c := &Client{
		cfg:     cfg,
		logger:  cfg.Logger.With().Str("mcp_server", cfg.Name).Logger(),
		w:       w,
		pending: make(map[int64]chan *rpcResponse),
		done:    make(chan struct{}),
	}
	go c.listen(r)
	return c
}

func (c *Client) listen(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxMessageSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var resp rpcResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to unmarshal MCP message")
			continue
		}
		// server notifications and requests carry no matching id
		if resp.ID == nil {
			continue
		}

		c.mu.Lock()
		ch, ok := c.pending[*resp.ID]
		if ok {
			delete(c.pending, *resp.ID)
		}
		c.mu.Unlock()
		if ok {
			ch <- &resp
		}
	}
	if err := scanner.Err(); err != nil {
		c.logger.Warn().Err(err).Msg("MCP stream ended with error")
	}
	c.shutdown()
}

func (c *Client) shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.done)
}

// Done is closed when the server stream ends
func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) write(req rpcRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err = c.w.Write(data)
	return err
}

func (c *Client) call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.nextID++
	id := c.nextID
	ch := make(chan *rpcResponse, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	forget := func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}

	if err := c.write(rpcRequest{JSONRPC: "2.0", Method: method, Params: params, ID: &id}); err != nil {
		forget()
		return nil, fmt.Errorf("failed to send %s: %w", method, err)
	}

	timer := time.NewTimer(c.cfg.RequestTimeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-c.done:
		forget()
		return nil, ErrClosed
	case <-ctx.Done():
		forget()
		return nil, ctx.Err()
	case <-timer.C:
		forget()
		return nil, fmt.Errorf("%s on %s: request timeout after %s", method, c.cfg.Name, c.cfg.RequestTimeout)
	}
}

func (c *Client) notify(method string, params interface{}) error {
	return c.write(rpcRequest{JSONRPC: "2.0", Method: method, Params: params})
}

// Initialize performs the protocol handshake
func (c *Client) Initialize(ctx context.Context) error {
	params := map[string]interface{}{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]interface{}{},
		"clientInfo": map[string]interface{}{
			"name":    c.cfg.ClientName,
			"version": c.cfg.ClientVersion,
		},
	}
	if _, err := c.call(ctx, "initialize", params); err != nil {
		return fmt.Errorf("initialize %s: %w", c.cfg.Name, err)
	}
	return c.notify("notifications/initialized", nil)
}

// ListTools fetches the tool definitions from the server
func (c *Client) ListTools(ctx context.Context) ([]RemoteTool, error) {
	raw, err := c.call(ctx, "tools/list", nil)
	if err != nil {
		return nil, err
	}

	var result struct {
		Tools []RemoteTool `json:"tools"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("invalid tools/list result: %w", err)
	}
	return result.Tools, nil
}

// CallTool invokes a tool on the server
func (c *Client) CallTool(ctx context.Context, name string, args map[string]interface{}) (*CallResult, error) {
	if args == nil {
		args = map[string]interface{}{}
	}
	raw, err := c.call(ctx, "tools/call", map[string]interface{}{
		"name":      name,
		"arguments": args,
	})
	if err != nil {
		return nil, err
	}

	var result CallResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("invalid tools/call result: %w", err)
	}
	return &result, nil
}

// Ping checks that the server answers
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.call(ctx, "ping", nil)
	return err
}

// Close closes the request stream
func (c *Client) Close() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.w.Close()
}
