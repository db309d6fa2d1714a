package core

import (
	"context"
	"errors"

	"github.com/ageniuscoder/corelink/internal/capability"
	"github.com/ageniuscoder/corelink/internal/connection"
	"github.com/ageniuscoder/corelink/internal/presence"
	"github.com/ageniuscoder/corelink/internal/queue"
	"github.com/ageniuscoder/corelink/internal/secure"
)

var errNoGateway = &secure.EncryptionError{Op: "decrypt", Err: errors.New("no encryption gateway configured")}

func (s *Session) UserID() string {
	p, err := s.active()
	if err != nil {
		return ""
	}
	return p.userID
}

func (s *Session) ConnectToServer(ctx context.Context, desc capability.Descriptor) (capability.Info, error) {
	p, err := s.active()
	if err != nil {
		return capability.Info{}, err
	}
	return p.registry.Connect(ctx, desc)
}

func (s *Session) DisconnectServer(serverID string) (bool, error) {
	p, err := s.active()
	if err != nil {
		return false, err
	}
	return p.registry.Disconnect(serverID), nil
}

// SendMessage queues d and returns the assigned message id.
func (s *Session) SendMessage(ctx context.Context, d queue.Draft) (string, error) {
	p, err := s.active()
	if err != nil {
		return "", err
	}
	return p.queue.Send(ctx, d)
}

func (s *Session) UpdateUserPresence(ctx context.Context, status presence.Status, projectID string, activeMemories []string) (presence.Record, error) {
	p, err := s.active()
	if err != nil {
		return presence.Record{}, err
	}
	return p.presence.Update(ctx, status, projectID, activeMemories)
}

func (s *Session) ExecuteTool(ctx context.Context, serverID string, call capability.ToolCall) (capability.ToolResult, error) {
	p, err := s.active()
	if err != nil {
		return capability.ToolResult{}, err
	}
	return p.dispatcher.ExecuteTool(ctx, serverID, call)
}

func (s *Session) GetResource(ctx context.Context, serverID, uri string) (capability.ResourceContents, error) {
	p, err := s.active()
	if err != nil {
		return capability.ResourceContents{}, err
	}
	return p.dispatcher.GetResource(ctx, serverID, uri)
}

func (s *Session) ExecutePrompt(ctx context.Context, serverID, name string, args map[string]string) (capability.PromptResult, error) {
	p, err := s.active()
	if err != nil {
		return capability.PromptResult{}, err
	}
	return p.dispatcher.ExecutePrompt(ctx, serverID, name, args)
}

func (s *Session) ExecuteToolCollaboratively(ctx context.Context, serverID string, call capability.ToolCall, projectID string) (capability.ToolResult, error) {
	p, err := s.active()
	if err != nil {
		return capability.ToolResult{}, err
	}
	return p.dispatcher.ExecuteToolCollaboratively(ctx, serverID, call, projectID)
}

func (s *Session) ExecutePromptCollaboratively(ctx context.Context, serverID, name string, args map[string]string, projectID string, requireApproval bool) (capability.PromptResult, error) {
	p, err := s.active()
	if err != nil {
		return capability.PromptResult{}, err
	}
	return p.dispatcher.ExecutePromptCollaboratively(ctx, serverID, name, args, projectID, requireApproval)
}

func (s *Session) ShareResourceWithProject(ctx context.Context, serverID, uri, projectID string) (capability.ResourceContents, error) {
	p, err := s.active()
	if err != nil {
		return capability.ResourceContents{}, err
	}
	return p.dispatcher.ShareResourceWithProject(ctx, serverID, uri, projectID)
}

// ConnectionStatus reports the primary connection. It is the zero Status
// before Initialize.
func (s *Session) ConnectionStatus() connection.Status {
	p, err := s.active()
	if err != nil {
		return connection.Status{}
	}
	return p.supervisor.Status()
}

func (s *Session) QueueState() queue.State {
	p, err := s.active()
	if err != nil {
		return queue.State{}
	}
	return p.queue.State()
}

// Presence returns userID's record, or an offline record when unknown.
func (s *Session) Presence(userID string) presence.Record {
	p, err := s.active()
	if err != nil {
		return presence.Record{UserID: userID, Status: presence.StatusOffline, LastSeen: s.clock.Now(), ActiveMemories: []string{}}
	}
	return p.presence.Get(userID)
}

func (s *Session) PresenceSnapshot() []presence.Record {
	p, err := s.active()
	if err != nil {
		return nil
	}
	return p.presence.Snapshot()
}

func (s *Session) Servers() []capability.Info {
	p, err := s.active()
	if err != nil {
		return nil
	}
	return p.registry.List()
}
