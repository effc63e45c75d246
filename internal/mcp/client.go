// Package mcp is a minimal Model Context Protocol client over SSE: the
// server announces a JSON-RPC endpoint on the event stream, requests are
// POSTed there and responses come back as "message" events.
package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const defaultCallTimeout = 30 * time.Second

// ServerConfig names one MCP server and the category its tools feed.
type ServerConfig struct {
	Name     string `json:"name"`
	URL      string `json:"url"`
	Category string `json:"category,omitempty"`
}

// ToolInfo describes a tool exposed by an MCP server.
type ToolInfo struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

type rpcReply struct {
	result json.RawMessage
	err    error
}

// Client talks to one MCP server.
type Client struct {
	name    string
	sseURL  string
	rpcURL  string
	httpc   *http.Client
	tools   []ToolInfo
	pending map[int64]chan rpcReply
	nextID  atomic.Int64
	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	timeout time.Duration
	logger  *zap.Logger
}

// NewClient creates a client for the server's SSE endpoint.
func NewClient(name, sseURL string, logger *zap.Logger) *Client {
	return &Client{
		name:    name,
		sseURL:  sseURL,
		httpc:   &http.Client{},
		pending: make(map[int64]chan rpcReply),
		timeout: defaultCallTimeout,
		logger:  logger,
	}
}

// Name returns the server name.
func (c *Client) Name() string { return c.name }

// Tools returns the tools discovered at Connect.
func (c *Client) Tools() []ToolInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]ToolInfo(nil), c.tools...)
}

// Connect opens the event stream, waits for the endpoint announcement and
// lists the server's tools. The stream stays open until Close.
func (c *Client) Connect(ctx context.Context) error {
	streamCtx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, c.sseURL, nil)
	if err != nil {
		cancel()
		return fmt.Errorf("mcp connect: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpc.Do(req)
	if err != nil {
		cancel()
		return fmt.Errorf("mcp sse connect: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return fmt.Errorf("mcp sse status %d", resp.StatusCode)
	}

	events := newEventReader(resp.Body)
	endpoint, err := events.waitFor("endpoint")
	if err != nil {
		resp.Body.Close()
		cancel()
		return fmt.Errorf("mcp endpoint event: %w", err)
	}
	c.rpcURL = c.resolveURL(endpoint)
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.readLoop(resp.Body, events)

	c.logger.Info("mcp endpoint discovered", zap.String("server", c.name), zap.String("rpc", c.rpcURL))

	if err := c.fetchTools(ctx); err != nil {
		c.Close()
		return fmt.Errorf("mcp list tools: %w", err)
	}
	c.logger.Info("mcp tools discovered", zap.String("server", c.name), zap.Int("count", len(c.Tools())))
	return nil
}

func (c *Client) resolveURL(path string) string {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	base := c.sseURL
	if i := strings.Index(base, "://"); i >= 0 {
		if j := strings.Index(base[i+3:], "/"); j >= 0 {
			base = base[:i+3+j]
		}
	}
	return strings.TrimSuffix(base, "/") + "/" + strings.TrimPrefix(path, "/")
}

func (c *Client) readLoop(body io.ReadCloser, events *eventReader) {
	defer close(c.done)
	defer body.Close()
	for {
		ev, data, err := events.next()
		if err != nil {
			c.failPending(fmt.Errorf("mcp stream closed: %w", err))
			return
		}
		if ev == "message" {
			c.dispatch([]byte(data))
		}
	}
}

func (c *Client) dispatch(data []byte) {
	var envelope struct {
		ID     int64           `json:"id"`
		Result json.RawMessage `json:"result"`
		Error  *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		c.logger.Debug("mcp: ignoring non-jsonrpc message", zap.String("server", c.name))
		return
	}

	c.mu.Lock()
	ch, ok := c.pending[envelope.ID]
	delete(c.pending, envelope.ID)
	c.mu.Unlock()
	if !ok {
		return
	}
	if envelope.Error != nil {
		ch <- rpcReply{err: fmt.Errorf("rpc error %d: %s", envelope.Error.Code, envelope.Error.Message)}
		return
	}
	ch <- rpcReply{result: envelope.Result}
}

func (c *Client) failPending(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, ch := range c.pending {
		ch <- rpcReply{err: err}
		delete(c.pending, id)
	}
}

func (c *Client) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := c.nextID.Add(1)
	ch := make(chan rpcReply, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	forget := func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}

	body, err := json.Marshal(struct {
		JSONRPC string `json:"jsonrpc"`
		ID      int64  `json:"id"`
		Method  string `json:"method"`
		Params  any    `json:"params,omitempty"`
	}{"2.0", id, method, params})
	if err != nil {
		forget()
		return nil, fmt.Errorf("marshal rpc: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.rpcURL, bytes.NewReader(body))
	if err != nil {
		forget()
		return nil, fmt.Errorf("create rpc request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpc.Do(req)
	if err != nil {
		forget()
		return nil, fmt.Errorf("send rpc: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		forget()
		return nil, fmt.Errorf("rpc %s status %d", method, resp.StatusCode)
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()
	select {
	case r := <-ch:
		return r.result, r.err
	case <-ctx.Done():
		forget()
		return nil, ctx.Err()
	case <-timer.C:
		forget()
		return nil, fmt.Errorf("mcp rpc timeout for %s", method)
	}
}

func (c *Client) fetchTools(ctx context.Context) error {
	result, err := c.call(ctx, "tools/list", nil)
	if err != nil {
		return err
	}
	var resp struct {
		Tools []ToolInfo `json:"tools"`
	}
	if err := json.Unmarshal(result, &resp); err != nil {
		return fmt.Errorf("parse tools/list: %w", err)
	}
	c.mu.Lock()
	c.tools = resp.Tools
	c.mu.Unlock()
	return nil
}

// CallTool invokes a tool and returns its text content.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
	result, err := c.call(ctx, "tools/call", map[string]any{
		"name":      name,
		"arguments": args,
	})
	if err != nil {
		return "", fmt.Errorf("mcp call %s: %w", name, err)
	}

	var resp struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		IsError bool `json:"isError"`
	}
	if err := json.Unmarshal(result, &resp); err != nil {
		return string(result), nil
	}
	var sb strings.Builder
	for _, part := range resp.Content {
		if part.Type == "text" || part.Type == "" {
			if sb.Len() > 0 {
				sb.WriteString("\n")
			}
			sb.WriteString(part.Text)
		}
	}
	if resp.IsError {
		return "", fmt.Errorf("mcp tool %s: %s", name, sb.String())
	}
	if sb.Len() == 0 {
		return string(result), nil
	}
	return sb.String(), nil
}

// Close drops the event stream and fails outstanding calls.
func (c *Client) Close() error {
	if c.cancel != nil {
		c.cancel()
		<-c.done
		c.cancel = nil
	}
	return nil
}

// eventReader splits a text/event-stream into (event, data) pairs.
type eventReader struct {
	r *bufio.Reader
}

func newEventReader(r io.Reader) *eventReader {
	return &eventReader{r: bufio.NewReader(r)}
}

func (e *eventReader) next() (string, string, error) {
	var event string
	var data []string
	for {
		line, err := e.r.ReadString('\n')
		if err != nil {
			return "", "", err
		}
		line = strings.TrimRight(line, "\r\n")
		switch {
		case line == "":
			if len(data) > 0 {
				if event == "" {
					event = "message"
				}
				return event, strings.Join(data, "\n"), nil
			}
			event = ""
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
}

func (e *eventReader) waitFor(name string) (string, error) {
	for {
		ev, data, err := e.next()
		if err != nil {
			return "", fmt.Errorf("stream ended before %s event: %w", name, err)
		}
		if ev == name {
			return data, nil
		}
	}
}
