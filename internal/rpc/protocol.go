// Package rpc carries capability calls between peers as rpc_request and
// rpc_response frames routed by the relay.
package rpc

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ageniuscoder/corelink/internal/capability"
	"github.com/ageniuscoder/corelink/internal/wire"
)

const (
	MethodPing         = "ping"
	MethodCapabilities = "capabilities/list"
	MethodCallTool     = "tools/call"
	MethodReadResource = "resources/read"
	MethodGetPrompt    = "prompts/get"
)

// Error codes carried in wire.RPCError.
const (
	CodeToolNotFound     = "tool_not_found"
	CodeResourceNotFound = "resource_not_found"
	CodePromptNotFound   = "prompt_not_found"
	CodeMethodNotFound   = "method_not_found"
	CodeInvalidParams    = "invalid_params"
	CodeUnavailable      = "unavailable"
	CodeInternal         = "internal"
)

// Sender writes frames on the primary transport.
type Sender interface {
	Send(ctx context.Context, f wire.Frame) error
}

type readResourceParams struct {
	URI string `json:"uri"`
}

type getPromptParams struct {
	Name      string            `json:"name"`
	Arguments map[string]string `json:"arguments,omitempty"`
}

// RemoteError is a failure reported by the serving peer.
type RemoteError struct {
	Server  string
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("server %s: %s: %s", e.Server, e.Code, e.Message)
}

func marshalParams(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode params: %w", err)
	}
	return b, nil
}

var _ capability.Backend = (*Client)(nil)
