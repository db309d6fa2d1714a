// Package dispatch validates capability calls against the cached capability
// map and executes them, optionally sharing the outcome with a project.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ageniuscoder/corelink/internal/capability"
	"github.com/ageniuscoder/corelink/internal/clock"
	"github.com/ageniuscoder/corelink/internal/collab"
	"github.com/ageniuscoder/corelink/internal/metrics"
	"github.com/ageniuscoder/corelink/internal/queue"
	"github.com/ageniuscoder/corelink/internal/transport"
	"github.com/ageniuscoder/corelink/internal/wire"
)

// Sharer persists a shared memory record.
type Sharer interface {
	ShareMemory(ctx context.Context, e collab.Entry, projectID string) (string, error)
}

// Broadcaster queues outbound messages.
type Broadcaster interface {
	Send(ctx context.Context, d queue.Draft) (string, error)
}

type Options struct {
	UserID string
	// Timeout bounds a call whose context carries no deadline. The remote
	// execution is not cancelled when it fires.
	Timeout time.Duration
	Clock   clock.Clock
	Log     *slog.Logger
}

type Dispatcher struct {
	registry *capability.Registry
	backend  capability.Backend
	sharer   Sharer
	out      Broadcaster
	opts     Options
	clock    clock.Clock
	log      *slog.Logger
}

func New(registry *capability.Registry, backend capability.Backend, sharer Sharer, out Broadcaster, opts Options) *Dispatcher {
	if opts.Clock == nil {
		opts.Clock = clock.System{}
	}
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	return &Dispatcher{
		registry: registry,
		backend:  backend,
		sharer:   sharer,
		out:      out,
		opts:     opts,
		clock:    opts.Clock,
		log:      opts.Log.With("component", "dispatch"),
	}
}

// target returns the server connection, failing without any network
// attempt when it is not connected.
func (d *Dispatcher) target(op, serverID string) (*capability.ServerConnection, error) {
	sc, ok := d.registry.Get(serverID)
	if !ok || !sc.Connected() {
		return nil, &transport.ConnectionError{Op: op, Target: serverID}
	}
	return sc, nil
}

func (d *Dispatcher) ExecuteTool(ctx context.Context, serverID string, call capability.ToolCall) (capability.ToolResult, error) {
	sc, err := d.target("execute tool", serverID)
	if err != nil {
		return capability.ToolResult{}, err
	}
	if !sc.Capabilities().HasTool(call.Tool) {
		return capability.ToolResult{}, &capability.ToolNotFoundError{Server: serverID, Tool: call.Tool}
	}
	return invoke(ctx, d, sc, "execute_tool", func(ctx context.Context) (capability.ToolResult, error) {
		return d.backend.CallTool(ctx, serverID, call)
	})
}

func (d *Dispatcher) GetResource(ctx context.Context, serverID, uri string) (capability.ResourceContents, error) {
	sc, err := d.target("get resource", serverID)
	if err != nil {
		return capability.ResourceContents{}, err
	}
	if !sc.Capabilities().HasResource(uri) {
		return capability.ResourceContents{}, &capability.ResourceNotFoundError{Server: serverID, URI: uri}
	}
	return invoke(ctx, d, sc, "get_resource", func(ctx context.Context) (capability.ResourceContents, error) {
		return d.backend.ReadResource(ctx, serverID, uri)
	})
}

func (d *Dispatcher) ExecutePrompt(ctx context.Context, serverID, name string, args map[string]string) (capability.PromptResult, error) {
	sc, err := d.target("execute prompt", serverID)
	if err != nil {
		return capability.PromptResult{}, err
	}
	if !sc.Capabilities().HasPrompt(name) {
		return capability.PromptResult{}, &capability.PromptNotFoundError{Server: serverID, Name: name}
	}
	return invoke(ctx, d, sc, "execute_prompt", func(ctx context.Context) (capability.PromptResult, error) {
		return d.backend.GetPrompt(ctx, serverID, name, args)
	})
}

// invoke times fn and folds its round trip into the shared connection record.
func invoke[T any](ctx context.Context, d *Dispatcher, sc *capability.ServerConnection, name string, fn func(context.Context) (T, error)) (T, error) {
	if _, ok := ctx.Deadline(); !ok && d.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.opts.Timeout)
		defer cancel()
	}
	start := d.clock.Now()
	v, err := metrics.Timed(name, func() (T, error) { return fn(ctx) })
	sc.ObserveCall(d.clock.Now().Sub(start), isTransportError(err))
	return v, err
}

func isTransportError(err error) bool {
	return transport.IsConnectionError(err) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled)
}

// ExecuteToolCollaboratively runs the tool, stores the result as a shared
// memory of projectID and tells the project about it.
func (d *Dispatcher) ExecuteToolCollaboratively(ctx context.Context, serverID string, call capability.ToolCall, projectID string) (capability.ToolResult, error) {
	res, err := d.ExecuteTool(ctx, serverID, call)
	if err != nil {
		return res, err
	}
	return res, d.share(ctx, collab.KindToolResult, collab.EventToolExecuted, serverID, call.Tool, projectID, res)
}

// ExecutePromptCollaboratively runs the prompt and shares the result. With
// requireApproval an approval_required broadcast goes out first; execution
// does not wait for any answer to it.
func (d *Dispatcher) ExecutePromptCollaboratively(ctx context.Context, serverID, name string, args map[string]string, projectID string, requireApproval bool) (capability.PromptResult, error) {
	if requireApproval {
		if _, err := d.out.Send(ctx, queue.Draft{
			Type:      wire.TypeCollaborationEvent,
			To:        wire.Broadcast,
			ProjectID: projectID,
			Priority:  wire.PriorityHigh,
			Data: collab.Event{
				Event:     collab.EventApprovalRequired,
				ProjectID: projectID,
				Server:    serverID,
				Name:      name,
				By:        d.opts.UserID,
				Arguments: args,
			},
		}); err != nil {
			return capability.PromptResult{}, fmt.Errorf("request approval: %w", err)
		}
		d.log.Info("approval requested", "server", serverID, "prompt", name, "project", projectID)
	}

	res, err := d.ExecutePrompt(ctx, serverID, name, args)
	if err != nil {
		return res, err
	}
	return res, d.share(ctx, collab.KindPromptResult, collab.EventPromptExecuted, serverID, name, projectID, res)
}

// ShareResourceWithProject reads the resource and shares its contents.
func (d *Dispatcher) ShareResourceWithProject(ctx context.Context, serverID, uri, projectID string) (capability.ResourceContents, error) {
	res, err := d.GetResource(ctx, serverID, uri)
	if err != nil {
		return res, err
	}
	return res, d.share(ctx, collab.KindResource, collab.EventResourceShared, serverID, uri, projectID, res)
}

func (d *Dispatcher) share(ctx context.Context, kind collab.Kind, event collab.EventType, serverID, name, projectID string, result any) error {
	content, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode shared %s: %w", kind, err)
	}
	id, err := d.sharer.ShareMemory(ctx, collab.Entry{
		Kind:     kind,
		Server:   serverID,
		Name:     name,
		Content:  content,
		SharedBy: d.opts.UserID,
	}, projectID)
	if err != nil {
		return err
	}
	if _, err := d.out.Send(ctx, queue.Draft{
		Type:      wire.TypeCollaborationEvent,
		To:        wire.Broadcast,
		ProjectID: projectID,
		Priority:  wire.PriorityMedium,
		Data: collab.Event{
			Event:     event,
			ProjectID: projectID,
			SharedID:  id,
			Server:    serverID,
			Name:      name,
			By:        d.opts.UserID,
		},
	}); err != nil {
		return fmt.Errorf("broadcast %s: %w", event, err)
	}
	return nil
}
