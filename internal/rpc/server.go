package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ageniuscoder/corelink/internal/capability"
	"github.com/ageniuscoder/corelink/internal/wire"
)

// Server answers rpc_request frames for the providers hosted in-process.
type Server struct {
	backend *capability.LocalBackend
	link    Sender
	log     *slog.Logger
}

func NewServer(backend *capability.LocalBackend, link Sender, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{backend: backend, link: link, log: log.With("component", "rpc-server")}
}

// Handle serves req and writes the response back to the caller.
func (s *Server) Handle(ctx context.Context, req wire.Request) {
	resp := s.Serve(ctx, req)
	if err := s.link.Send(ctx, wire.ResponseFrame(resp)); err != nil {
		s.log.Warn("failed to send rpc response", "id", req.ID, "to", req.From, "err", err)
	}
}

// Serve computes the response for req without sending it.
func (s *Server) Serve(ctx context.Context, req wire.Request) wire.Response {
	resp := wire.Response{ID: req.ID, To: req.From, Server: req.Server}
	if _, ok := s.backend.Provider(req.Server); !ok {
		resp.Error = &wire.RPCError{Code: CodeUnavailable, Message: fmt.Sprintf("server %s is not hosted here", req.Server)}
		return resp
	}

	result, err := s.dispatch(ctx, req)
	if err != nil {
		s.log.Debug("rpc call failed", "method", req.Method, "server", req.Server, "err", err)
		resp.Error = toRPCError(err)
		return resp
	}
	b, err := json.Marshal(result)
	if err != nil {
		resp.Error = &wire.RPCError{Code: CodeInternal, Message: err.Error()}
		return resp
	}
	resp.Result = b
	return resp
}

type invalidParams struct{ err error }

func (e invalidParams) Error() string { return e.err.Error() }

func decodeParams(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return invalidParams{errors.New("missing params")}
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return invalidParams{err}
	}
	return nil
}

func (s *Server) dispatch(ctx context.Context, req wire.Request) (any, error) {
	switch req.Method {
	case MethodPing:
		return struct{}{}, s.backend.Ping(ctx, req.Server)
	case MethodCapabilities:
		return s.backend.FetchCapabilities(ctx, req.Server)
	case MethodCallTool:
		var call capability.ToolCall
		if err := decodeParams(req.Params, &call); err != nil {
			return nil, err
		}
		return s.backend.CallTool(ctx, req.Server, call)
	case MethodReadResource:
		var p readResourceParams
		if err := decodeParams(req.Params, &p); err != nil {
			return nil, err
		}
		return s.backend.ReadResource(ctx, req.Server, p.URI)
	case MethodGetPrompt:
		var p getPromptParams
		if err := decodeParams(req.Params, &p); err != nil {
			return nil, err
		}
		return s.backend.GetPrompt(ctx, req.Server, p.Name, p.Arguments)
	default:
		return nil, &RemoteError{Server: req.Server, Code: CodeMethodNotFound, Message: req.Method}
	}
}

func toRPCError(err error) *wire.RPCError {
	var (
		tool     *capability.ToolNotFoundError
		resource *capability.ResourceNotFoundError
		prompt   *capability.PromptNotFoundError
		remote   *RemoteError
		invalid  invalidParams
	)
	switch {
	case errors.As(err, &tool):
		return &wire.RPCError{Code: CodeToolNotFound, Message: err.Error()}
	case errors.As(err, &resource):
		return &wire.RPCError{Code: CodeResourceNotFound, Message: err.Error()}
	case errors.As(err, &prompt):
		return &wire.RPCError{Code: CodePromptNotFound, Message: err.Error()}
	case errors.As(err, &remote):
		return &wire.RPCError{Code: remote.Code, Message: remote.Message}
	case errors.As(err, &invalid):
		return &wire.RPCError{Code: CodeInvalidParams, Message: err.Error()}
	default:
		return &wire.RPCError{Code: CodeInternal, Message: err.Error()}
	}
}
