package capability

import (
	"context"
	"sync"
	"time"

	"github.com/ageniuscoder/corelink/internal/connection"
)

// Backend reaches the logical servers. The remote implementation lives in
// the rpc package; LocalBackend serves in-process providers.
type Backend interface {
	Ping(ctx context.Context, server string) error
	FetchCapabilities(ctx context.Context, server string) (Set, error)
	CallTool(ctx context.Context, server string, call ToolCall) (ToolResult, error)
	ReadResource(ctx context.Context, server, uri string) (ResourceContents, error)
	GetPrompt(ctx context.Context, server, name string, args map[string]string) (PromptResult, error)
}

type Descriptor struct {
	ID   string `json:"id" validate:"required"`
	Name string `json:"name"`
}

// Info is a point-in-time copy of a ServerConnection.
type Info struct {
	ServerID     string             `json:"serverId"`
	Name         string             `json:"name,omitempty"`
	Connected    bool               `json:"connected"`
	LastPing     time.Time          `json:"lastPing"`
	Latency      time.Duration      `json:"latency"`
	ErrorCount   int                `json:"errorCount"`
	Quality      connection.Quality `json:"quality"`
	Capabilities Set                `json:"capabilities"`
}

// ServerConnection is shared by heartbeats, call completions and explicit
// connect/disconnect; every mutation goes through mu.
type ServerConnection struct {
	desc Descriptor

	connectMu sync.Mutex

	mu         sync.Mutex
	connected  bool
	lastPing   time.Time
	latency    time.Duration
	errorCount int
	caps       Set
}

func (c *ServerConnection) ID() string { return c.desc.ID }

func (c *ServerConnection) Descriptor() Descriptor { return c.desc }

func (c *ServerConnection) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Capabilities returns the map fetched at the last successful connect. It is
// kept after a disconnect.
func (c *ServerConnection) Capabilities() Set {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.caps
}

func (c *ServerConnection) Info() Info {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Info{
		ServerID:     c.desc.ID,
		Name:         c.desc.Name,
		Connected:    c.connected,
		LastPing:     c.lastPing,
		Latency:      c.latency,
		ErrorCount:   c.errorCount,
		Quality:      connection.QualityFor(c.latency),
		Capabilities: c.caps,
	}
}

func (c *ServerConnection) establish(caps Set, rtt time.Duration, at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = true
	c.caps = caps
	c.latency = rtt
	c.lastPing = at
	c.errorCount = 0
}

// recordPing stores a successful probe and clears the failure streak.
func (c *ServerConnection) recordPing(rtt time.Duration, at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.latency = rtt
	c.lastPing = at
	c.errorCount = 0
}

// recordFailure increments the error count and, once it exceeds threshold,
// marks the connection down. It reports whether this call flipped it.
func (c *ServerConnection) recordFailure(threshold int) (count int, tripped bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errorCount++
	if c.connected && threshold > 0 && c.errorCount > threshold {
		c.connected = false
		return c.errorCount, true
	}
	return c.errorCount, false
}

// ObserveCall folds a completed call into the shared connection record.
func (c *ServerConnection) ObserveCall(rtt time.Duration, transportErr bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if transportErr {
		c.errorCount++
		return
	}
	c.latency = rtt
}

func (c *ServerConnection) markDisconnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	was := c.connected
	c.connected = false
	return was
}
