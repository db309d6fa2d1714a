package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ageniuscoder/corelink/internal/capability"
	"github.com/ageniuscoder/corelink/internal/transport"
	"github.com/ageniuscoder/corelink/internal/wire"
	"github.com/google/uuid"
)

const DefaultTimeout = 30 * time.Second

type outcome struct {
	resp wire.Response
	err  error
}

// Client is the remote capability.Backend. Each call sends one rpc_request
// and waits for the rpc_response with the same id.
type Client struct {
	link    Sender
	from    string
	timeout time.Duration
	log     *slog.Logger

	mu      sync.Mutex
	pending map[string]chan outcome
}

func NewClient(link Sender, from string, timeout time.Duration, log *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		link:    link,
		from:    from,
		timeout: timeout,
		log:     log.With("component", "rpc"),
		pending: make(map[string]chan outcome),
	}
}

// Call invokes method on server and decodes the result into out, which may
// be nil. Without a deadline on ctx the client timeout applies.
func (c *Client) Call(ctx context.Context, server, method string, params, out any) error {
	raw, err := marshalParams(params)
	if err != nil {
		return err
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	id := uuid.NewString()
	ch := make(chan outcome, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	defer c.forget(id)

	req := wire.Request{ID: id, From: c.from, Server: server, Method: method, Params: raw}
	if err := c.link.Send(ctx, wire.RequestFrame(req)); err != nil {
		return err
	}

	select {
	case o := <-ch:
		if o.err != nil {
			return o.err
		}
		return decodeResult(server, o.resp, out)
	case <-ctx.Done():
		return &transport.ConnectionError{Op: method, Target: server, Err: ctx.Err()}
	}
}

func decodeResult(server string, resp wire.Response, out any) error {
	if resp.Error != nil {
		if resp.Error.Code == CodeUnavailable {
			return &transport.ConnectionError{Op: "route", Target: server, Err: errors.New(resp.Error.Message)}
		}
		return &RemoteError{Server: server, Code: resp.Error.Code, Message: resp.Error.Message}
	}
	if out == nil || len(resp.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Result, out); err != nil {
		return fmt.Errorf("decode %s result: %w", server, err)
	}
	return nil
}

func (c *Client) forget(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// Resolve completes the call waiting on resp.ID. Responses for calls that
// already timed out are discarded.
func (c *Client) Resolve(resp wire.Response) bool {
	c.mu.Lock()
	ch, ok := c.pending[resp.ID]
	delete(c.pending, resp.ID)
	c.mu.Unlock()
	if !ok {
		c.log.Debug("discarding orphaned response", "id", resp.ID, "server", resp.Server)
		return false
	}
	ch <- outcome{resp: resp}
	return true
}

// Abort fails every in-flight call with err.
func (c *Client) Abort(err error) {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[string]chan outcome)
	c.mu.Unlock()
	for _, ch := range pending {
		ch <- outcome{err: err}
	}
}

// Pending reports the number of calls awaiting a response.
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Client) Ping(ctx context.Context, server string) error {
	return c.Call(ctx, server, MethodPing, nil, nil)
}

func (c *Client) FetchCapabilities(ctx context.Context, server string) (capability.Set, error) {
	var set capability.Set
	err := c.Call(ctx, server, MethodCapabilities, nil, &set)
	return set, err
}

func (c *Client) CallTool(ctx context.Context, server string, call capability.ToolCall) (capability.ToolResult, error) {
	var res capability.ToolResult
	err := c.Call(ctx, server, MethodCallTool, call, &res)
	var re *RemoteError
	if errors.As(err, &re) && re.Code == CodeToolNotFound {
		return res, &capability.ToolNotFoundError{Server: server, Tool: call.Tool}
	}
	return res, err
}

func (c *Client) ReadResource(ctx context.Context, server, uri string) (capability.ResourceContents, error) {
	var res capability.ResourceContents
	err := c.Call(ctx, server, MethodReadResource, readResourceParams{URI: uri}, &res)
	var re *RemoteError
	if errors.As(err, &re) && re.Code == CodeResourceNotFound {
		return res, &capability.ResourceNotFoundError{Server: server, URI: uri}
	}
	return res, err
}

func (c *Client) GetPrompt(ctx context.Context, server, name string, args map[string]string) (capability.PromptResult, error) {
	var res capability.PromptResult
	err := c.Call(ctx, server, MethodGetPrompt, getPromptParams{Name: name, Arguments: args}, &res)
	var re *RemoteError
	if errors.As(err, &re) && re.Code == CodePromptNotFound {
		return res, &capability.PromptNotFoundError{Server: server, Name: name}
	}
	return res, err
}
