package capability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ageniuscoder/corelink/internal/clock"
	"github.com/ageniuscoder/corelink/internal/connection"
	"github.com/ageniuscoder/corelink/internal/transport"
	"github.com/go-playground/validator/v10"
)

const reconnectTimeout = 15 * time.Second

type RegistryOptions struct {
	Clock   clock.Clock
	Log     *slog.Logger
	Backoff connection.Backoff
}

// Registry is the pool of server connections keyed by server id.
type Registry struct {
	backend  Backend
	clock    clock.Clock
	log      *slog.Logger
	backoff  connection.Backoff
	validate *validator.Validate

	mu       sync.Mutex
	conns    map[string]*ServerConnection
	retries  map[string]clock.Timer
	// gens is bumped by Disconnect so in-flight reconnects notice it.
	gens     map[string]int
	released map[string]bool
	disposed bool
}

func NewRegistry(backend Backend, opts RegistryOptions) *Registry {
	if opts.Clock == nil {
		opts.Clock = clock.System{}
	}
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	if opts.Backoff.Max <= 0 {
		opts.Backoff = connection.DefaultBackoff
	}
	return &Registry{
		backend:  backend,
		clock:    opts.Clock,
		log:      opts.Log.With("component", "capabilities"),
		backoff:  opts.Backoff,
		validate: validator.New(),
		conns:    make(map[string]*ServerConnection),
		retries:  make(map[string]clock.Timer),
		gens:     make(map[string]int),
		released: make(map[string]bool),
	}
}

// Connect returns the existing connection unchanged when it is already up.
// Otherwise it measures initial latency and fetches the capability map.
func (r *Registry) Connect(ctx context.Context, desc Descriptor) (Info, error) {
	if err := r.validate.Struct(desc); err != nil {
		return Info{}, fmt.Errorf("invalid server descriptor: %w", err)
	}

	r.mu.Lock()
	delete(r.released, desc.ID)
	gen := r.gens[desc.ID]
	r.mu.Unlock()
	return r.connect(ctx, desc, gen)
}

var errReleased = errors.New("server disconnected while connecting")

func (r *Registry) connect(ctx context.Context, desc Descriptor, gen int) (Info, error) {
	r.mu.Lock()
	sc, ok := r.conns[desc.ID]
	if !ok {
		sc = &ServerConnection{desc: desc}
		r.conns[desc.ID] = sc
	}
	r.mu.Unlock()

	sc.connectMu.Lock()
	defer sc.connectMu.Unlock()
	if sc.Connected() {
		return sc.Info(), nil
	}

	start := r.clock.Now()
	if err := r.backend.Ping(ctx, desc.ID); err != nil {
		return sc.Info(), &transport.ConnectionError{Op: "connect", Target: desc.ID, Err: err}
	}
	rtt := r.clock.Now().Sub(start)

	caps, err := r.backend.FetchCapabilities(ctx, desc.ID)
	if err != nil {
		return sc.Info(), &transport.ConnectionError{Op: "fetch capabilities", Target: desc.ID, Err: err}
	}
	if !r.current(desc.ID, gen) {
		return sc.Info(), &transport.ConnectionError{Op: "connect", Target: desc.ID, Err: errReleased}
	}
	sc.establish(caps, rtt, r.clock.Now())
	// Disconnect may have run between the check and establish.
	if !r.current(desc.ID, gen) {
		sc.markDisconnected()
		return sc.Info(), &transport.ConnectionError{Op: "connect", Target: desc.ID, Err: errReleased}
	}
	r.log.Info("server connected", "server", desc.ID,
		"tools", len(caps.Tools), "resources", len(caps.Resources), "prompts", len(caps.Prompts))
	return sc.Info(), nil
}

// Disconnect marks the server down. The cached capability map stays until
// the next successful Connect replaces it.
func (r *Registry) Disconnect(serverID string) bool {
	r.mu.Lock()
	sc, ok := r.conns[serverID]
	if ok {
		r.gens[serverID]++
		r.released[serverID] = true
	}
	if t := r.retries[serverID]; t != nil {
		t.Stop()
		delete(r.retries, serverID)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	if sc.markDisconnected() {
		r.log.Info("server disconnected", "server", serverID)
	}
	return true
}

// Released reports whether serverID was explicitly disconnected and not
// connected again since.
func (r *Registry) Released(serverID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.released[serverID]
}

func (r *Registry) current(serverID string, gen int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.disposed && r.gens[serverID] == gen
}

func (r *Registry) Get(serverID string) (*ServerConnection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sc, ok := r.conns[serverID]
	return sc, ok
}

func (r *Registry) List() []Info {
	r.mu.Lock()
	conns := make([]*ServerConnection, 0, len(r.conns))
	for _, sc := range r.conns {
		conns = append(conns, sc)
	}
	r.mu.Unlock()

	out := make([]Info, 0, len(conns))
	for _, sc := range conns {
		out = append(out, sc.Info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ServerID < out[j].ServerID })
	return out
}

func (r *Registry) connected() []*ServerConnection {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*ServerConnection
	for _, sc := range r.conns {
		if sc.Connected() {
			out = append(out, sc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].desc.ID < out[j].desc.ID })
	return out
}

// scheduleReconnect retries Connect for a server the heartbeat forced down.
func (r *Registry) scheduleReconnect(desc Descriptor, attempt int) {
	r.mu.Lock()
	gen := r.gens[desc.ID]
	r.mu.Unlock()
	r.retryLater(desc, gen, attempt)
}

func (r *Registry) retryLater(desc Descriptor, gen, attempt int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.disposed || r.gens[desc.ID] != gen {
		return
	}
	if attempt >= r.backoff.Max {
		r.log.Error("server reconnect attempts exhausted", "server", desc.ID, "attempts", attempt)
		delete(r.retries, desc.ID)
		return
	}
	delay := r.backoff.Delay(attempt)
	r.retries[desc.ID] = r.clock.AfterFunc(delay, func() {
		ctx, cancel := context.WithTimeout(context.Background(), reconnectTimeout)
		defer cancel()
		if !r.current(desc.ID, gen) {
			return
		}
		if _, err := r.connect(ctx, desc, gen); err != nil {
			r.log.Warn("server reconnect failed", "server", desc.ID, "attempt", attempt+1, "err", err)
			r.retryLater(desc, gen, attempt+1)
			return
		}
		r.mu.Lock()
		if r.gens[desc.ID] == gen {
			delete(r.retries, desc.ID)
		}
		r.mu.Unlock()
	})
}

// Dispose cancels pending server reconnects.
func (r *Registry) Dispose() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disposed = true
	for id, t := range r.retries {
		t.Stop()
		delete(r.retries, id)
	}
}
