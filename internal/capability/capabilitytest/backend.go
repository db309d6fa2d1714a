// Package capabilitytest provides a Backend double that counts calls and
// injects failures.
package capabilitytest

import (
	"context"
	"errors"
	"sync"

	"github.com/ageniuscoder/corelink/internal/capability"
	"github.com/ageniuscoder/corelink/internal/transport"
)

var ErrUnreachable = errors.New("server unreachable")

type Backend struct {
	inner capability.Backend

	mu       sync.Mutex
	calls    map[string]int
	pingFail bool
	callFail bool
	onPing   func(server string)
}

var _ capability.Backend = (*Backend)(nil)

// Wrap counts every call forwarded to inner.
func Wrap(inner capability.Backend) *Backend {
	return &Backend{inner: inner, calls: map[string]int{}}
}

// OnPing runs fn at the start of every Ping.
func (b *Backend) OnPing(fn func(server string)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onPing = fn
}

func (b *Backend) FailPings(v bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pingFail = v
}

// FailCalls makes tool, resource and prompt calls fail with a
// transport.ConnectionError wrapping ErrUnreachable.
func (b *Backend) FailCalls(v bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.callFail = v
}

// Calls returns how many times method was invoked.
func (b *Backend) Calls(method string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[method]
}

// Total is the number of calls of any kind.
func (b *Backend) Total() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, c := range b.calls {
		n += c
	}
	return n
}

func (b *Backend) record(method string) (pingFail, callFail bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls[method]++
	return b.pingFail, b.callFail
}

func unreachable(server string) error {
	return &transport.ConnectionError{Op: "call", Target: server, Err: ErrUnreachable}
}

func (b *Backend) Ping(ctx context.Context, server string) error {
	b.mu.Lock()
	hook := b.onPing
	b.mu.Unlock()
	if hook != nil {
		hook(server)
	}
	if fail, _ := b.record("ping"); fail {
		return ErrUnreachable
	}
	return b.inner.Ping(ctx, server)
}

func (b *Backend) FetchCapabilities(ctx context.Context, server string) (capability.Set, error) {
	b.record("capabilities")
	return b.inner.FetchCapabilities(ctx, server)
}

func (b *Backend) CallTool(ctx context.Context, server string, call capability.ToolCall) (capability.ToolResult, error) {
	if _, fail := b.record("tool"); fail {
		return capability.ToolResult{}, unreachable(server)
	}
	return b.inner.CallTool(ctx, server, call)
}

func (b *Backend) ReadResource(ctx context.Context, server, uri string) (capability.ResourceContents, error) {
	if _, fail := b.record("resource"); fail {
		return capability.ResourceContents{}, unreachable(server)
	}
	return b.inner.ReadResource(ctx, server, uri)
}

func (b *Backend) GetPrompt(ctx context.Context, server, name string, args map[string]string) (capability.PromptResult, error) {
	if _, fail := b.record("prompt"); fail {
		return capability.PromptResult{}, unreachable(server)
	}
	return b.inner.GetPrompt(ctx, server, name, args)
}
