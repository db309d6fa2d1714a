package capability

import (
	"context"
	"fmt"
	"sync"
)

type (
	ToolHandler     func(ctx context.Context, args map[string]any) (ToolResult, error)
	ResourceHandler func(ctx context.Context, uri string) (ResourceContents, error)
	PromptHandler   func(ctx context.Context, args map[string]string) (PromptResult, error)
)

// Provider is one logical server's set of capabilities and their handlers.
type Provider struct {
	id string

	mu        sync.RWMutex
	set       Set
	tools     map[string]ToolHandler
	resources map[string]ResourceHandler
	prompts   map[string]PromptHandler
}

func NewProvider(serverID string) *Provider {
	return &Provider{
		id: serverID,
		set: Set{
			Tools:     map[string]Tool{},
			Resources: map[string]Resource{},
			Prompts:   map[string]Prompt{},
		},
		tools:     map[string]ToolHandler{},
		resources: map[string]ResourceHandler{},
		prompts:   map[string]PromptHandler{},
	}
}

func (p *Provider) ID() string { return p.id }

func (p *Provider) AddTool(t Tool, h ToolHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if t.ID == "" {
		t.ID = t.Name
	}
	p.set.Tools[t.Name] = t
	p.tools[t.Name] = h
}

func (p *Provider) AddResource(r Resource, h ResourceHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.set.Resources[r.URI] = r
	p.resources[r.URI] = h
}

func (p *Provider) AddPrompt(pr Prompt, h PromptHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.set.Prompts[pr.Name] = pr
	p.prompts[pr.Name] = h
}

// Capabilities returns a copy of the advertised map.
func (p *Provider) Capabilities() Set {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := Set{
		Tools:     make(map[string]Tool, len(p.set.Tools)),
		Resources: make(map[string]Resource, len(p.set.Resources)),
		Prompts:   make(map[string]Prompt, len(p.set.Prompts)),
	}
	for k, v := range p.set.Tools {
		out.Tools[k] = v
	}
	for k, v := range p.set.Resources {
		out.Resources[k] = v
	}
	for k, v := range p.set.Prompts {
		out.Prompts[k] = v
	}
	return out
}

func (p *Provider) CallTool(ctx context.Context, call ToolCall) (ToolResult, error) {
	p.mu.RLock()
	h, ok := p.tools[call.Tool]
	p.mu.RUnlock()
	if !ok {
		return ToolResult{}, &ToolNotFoundError{Server: p.id, Tool: call.Tool}
	}
	return h(ctx, call.Arguments)
}

func (p *Provider) ReadResource(ctx context.Context, uri string) (ResourceContents, error) {
	p.mu.RLock()
	h, ok := p.resources[uri]
	p.mu.RUnlock()
	if !ok {
		return ResourceContents{}, &ResourceNotFoundError{Server: p.id, URI: uri}
	}
	return h(ctx, uri)
}

func (p *Provider) GetPrompt(ctx context.Context, name string, args map[string]string) (PromptResult, error) {
	p.mu.RLock()
	h, ok := p.prompts[name]
	def := p.set.Prompts[name]
	p.mu.RUnlock()
	if !ok {
		return PromptResult{}, &PromptNotFoundError{Server: p.id, Name: name}
	}
	for _, a := range def.Arguments {
		if _, set := args[a.Name]; a.Required && !set {
			return PromptResult{}, fmt.Errorf("prompt %q: missing required argument %q", name, a.Name)
		}
	}
	return h(ctx, args)
}

// LocalBackend serves in-process providers through the Backend interface.
type LocalBackend struct {
	mu        sync.RWMutex
	providers map[string]*Provider
}

var _ Backend = (*LocalBackend)(nil)

func NewLocalBackend(providers ...*Provider) *LocalBackend {
	b := &LocalBackend{providers: map[string]*Provider{}}
	for _, p := range providers {
		b.providers[p.ID()] = p
	}
	return b
}

func (b *LocalBackend) Add(p *Provider) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.providers[p.ID()] = p
}

// Provider returns the provider registered under serverID.
func (b *LocalBackend) Provider(serverID string) (*Provider, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	p, ok := b.providers[serverID]
	return p, ok
}

func (b *LocalBackend) lookup(server string) (*Provider, error) {
	p, ok := b.Provider(server)
	if !ok {
		return nil, fmt.Errorf("server %s is not hosted here", server)
	}
	return p, nil
}

func (b *LocalBackend) Ping(ctx context.Context, server string) error {
	_, err := b.lookup(server)
	return err
}

func (b *LocalBackend) FetchCapabilities(ctx context.Context, server string) (Set, error) {
	p, err := b.lookup(server)
	if err != nil {
		return Set{}, err
	}
	return p.Capabilities(), nil
}

func (b *LocalBackend) CallTool(ctx context.Context, server string, call ToolCall) (ToolResult, error) {
	p, err := b.lookup(server)
	if err != nil {
		return ToolResult{}, err
	}
	return p.CallTool(ctx, call)
}

func (b *LocalBackend) ReadResource(ctx context.Context, server, uri string) (ResourceContents, error) {
	p, err := b.lookup(server)
	if err != nil {
		return ResourceContents{}, err
	}
	return p.ReadResource(ctx, uri)
}

func (b *LocalBackend) GetPrompt(ctx context.Context, server, name string, args map[string]string) (PromptResult, error) {
	p, err := b.lookup(server)
	if err != nil {
		return PromptResult{}, err
	}
	return p.GetPrompt(ctx, name, args)
}
