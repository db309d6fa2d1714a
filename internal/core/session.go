// Package core assembles the connection, queue, presence, capability and
// dispatch components into one client session.
package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ageniuscoder/corelink/internal/capability"
	"github.com/ageniuscoder/corelink/internal/clock"
	"github.com/ageniuscoder/corelink/internal/collab"
	"github.com/ageniuscoder/corelink/internal/connection"
	"github.com/ageniuscoder/corelink/internal/dispatch"
	"github.com/ageniuscoder/corelink/internal/notify"
	"github.com/ageniuscoder/corelink/internal/presence"
	"github.com/ageniuscoder/corelink/internal/queue"
	"github.com/ageniuscoder/corelink/internal/rpc"
	"github.com/ageniuscoder/corelink/internal/secure"
	"github.com/ageniuscoder/corelink/internal/transport"
	"github.com/ageniuscoder/corelink/internal/wire"
)

var (
	ErrNotInitialized     = errors.New("session not initialized")
	ErrAlreadyInitialized = errors.New("session already initialized")
)

type Options struct {
	Device string
	Token  connection.TokenSource

	// Providers are served to peers under their ids.
	Providers []*capability.Provider
	// Backend reaches remote servers. Defaults to an rpc client over the
	// primary connection.
	Backend capability.Backend
	// Servers are connected whenever the primary connection comes up,
	// unless DisconnectServer released them.
	Servers []capability.Descriptor

	Gateway  secure.Gateway
	Sharer   dispatch.Sharer
	Notifier notify.Notifier

	Backoff     connection.Backoff
	Heartbeat   capability.HeartbeatOptions
	CallTimeout time.Duration

	RetryInterval time.Duration
	RetryWindow   time.Duration
	HistoryCap    int

	// PresenceSweep is a cron expression; empty disables sweeping.
	PresenceSweep string
	PresenceTTL   time.Duration

	Clock clock.Clock
	Log   *slog.Logger
}

type parts struct {
	userID     string
	supervisor *connection.Supervisor
	queue      *queue.Queue
	presence   *presence.Registry
	sweeper    *presence.Sweeper
	registry   *capability.Registry
	heartbeat  *capability.Heartbeat
	client     *rpc.Client
	server     *rpc.Server
	dispatcher *dispatch.Dispatcher
}

// Session is the lifecycle surface a client process drives.
type Session struct {
	dialer transport.Dialer
	opts   Options
	clock  clock.Clock
	log    *slog.Logger

	mu        sync.RWMutex
	p         *parts
	disposed  bool
	listeners listeners
}

func New(dialer transport.Dialer, opts Options) *Session {
	if opts.Clock == nil {
		opts.Clock = clock.System{}
	}
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.LogNotifier{Log: opts.Log}
	}
	return &Session{
		dialer: dialer,
		opts:   opts,
		clock:  opts.Clock,
		log:    opts.Log.With("component", "session"),
	}
}

// Initialize builds the components for userID and connects to endpoint. A
// connection failure is returned, but reconnection continues in the
// background.
func (s *Session) Initialize(ctx context.Context, userID, endpoint string) error {
	if userID == "" {
		return fmt.Errorf("initialize: user id is required")
	}
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return connection.ErrDisposed
	}
	if s.p != nil {
		s.mu.Unlock()
		return ErrAlreadyInitialized
	}
	p, err := s.build(userID)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.p = p
	s.mu.Unlock()

	p.queue.Start()
	if p.sweeper != nil {
		if err := p.sweeper.Start(); err != nil {
			return err
		}
	}
	s.log.Info("session initialized", "user", userID, "endpoint", endpoint, "serves", len(s.opts.Providers))
	return p.supervisor.Connect(ctx, endpoint)
}

func (s *Session) build(userID string) (*parts, error) {
	o := s.opts
	p := &parts{userID: userID}

	serves := make([]string, 0, len(o.Providers))
	for _, prov := range o.Providers {
		serves = append(serves, prov.ID())
	}
	p.supervisor = connection.NewSupervisor(s.dialer, connection.Options{
		UserID:  userID,
		Device:  o.Device,
		Serves:  serves,
		Token:   o.Token,
		Backoff: o.Backoff,
		Clock:   o.Clock,
		Log:     o.Log,
		OnFatal: s.fatal,
	})

	p.queue = queue.New(p.supervisor, queue.Options{
		UserID:        userID,
		RetryInterval: o.RetryInterval,
		RetryWindow:   o.RetryWindow,
		HistoryCap:    o.HistoryCap,
		Gateway:       o.Gateway,
		Clock:         o.Clock,
		Log:           o.Log,
	})
	p.presence = presence.NewRegistry(userID, o.Device, p.queue, o.Clock, o.Log)
	if o.PresenceSweep != "" {
		sw, err := presence.NewSweeper(p.presence, o.PresenceSweep, o.PresenceTTL, o.Clock)
		if err != nil {
			return nil, err
		}
		p.sweeper = sw
	}

	p.client = rpc.NewClient(p.supervisor, userID, o.CallTimeout, o.Log)
	backend := o.Backend
	if backend == nil {
		backend = p.client
	}
	p.registry = capability.NewRegistry(backend, capability.RegistryOptions{
		Clock:   o.Clock,
		Log:     o.Log,
		Backoff: o.Backoff,
	})
	hb := o.Heartbeat
	hb.OnLatency = p.supervisor.RecordLatency
	p.heartbeat = capability.NewHeartbeat(p.registry, hb)

	if len(o.Providers) > 0 {
		p.server = rpc.NewServer(capability.NewLocalBackend(o.Providers...), p.supervisor, o.Log)
	}

	sharer := o.Sharer
	if sharer == nil {
		sharer = noSharer{}
	}
	p.dispatcher = dispatch.New(p.registry, backend, sharer, p.queue, dispatch.Options{
		UserID:  userID,
		Timeout: o.CallTimeout,
		Clock:   o.Clock,
		Log:     o.Log,
	})

	p.supervisor.SetFrameHandler(func(f wire.Frame) { s.route(p, f) })
	p.supervisor.OnConnected(func(ctx context.Context) {
		p.queue.Flush(ctx)
		p.heartbeat.Start()
		if len(o.Servers) > 0 {
			go s.connectServers(p)
		}
	})
	p.supervisor.OnDisconnected(func() {
		p.heartbeat.Stop()
		p.client.Abort(&transport.ConnectionError{Op: "call", Target: "relay", Err: transport.ErrClosed})
	})
	return p, nil
}

func (s *Session) connectServers(p *parts) {
	for _, desc := range s.opts.Servers {
		if p.registry.Released(desc.ID) {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), s.opts.CallTimeout+5*time.Second)
		_, err := p.registry.Connect(ctx, desc)
		cancel()
		if err != nil {
			s.log.Warn("server connect failed", "server", desc.ID, "err", err)
		}
	}
}

func (s *Session) fatal(err error) {
	s.log.Error("primary connection lost for good", "err", err)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if nerr := s.opts.Notifier.Notify(ctx, notify.Alert{
		Subject: "corelink: relay unreachable",
		Body:    err.Error(),
		At:      s.clock.Now(),
	}); nerr != nil {
		s.log.Warn("fatal notification failed", "err", nerr)
	}
	for _, fn := range s.listeners.fatal() {
		fn(err)
	}
}

func (s *Session) active() (*parts, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.disposed {
		return nil, connection.ErrDisposed
	}
	if s.p == nil {
		return nil, ErrNotInitialized
	}
	return s.p, nil
}

// Dispose stops every timer and closes the transport.
func (s *Session) Dispose() {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	s.disposed = true
	p := s.p
	s.mu.Unlock()
	if p == nil {
		return
	}

	p.heartbeat.Stop()
	if p.sweeper != nil {
		p.sweeper.Stop()
	}
	p.registry.Dispose()
	p.queue.Stop()
	p.supervisor.Dispose()
	p.client.Abort(connection.ErrDisposed)
	s.log.Info("session disposed", "user", p.userID)
}

type noSharer struct{}

func (noSharer) ShareMemory(context.Context, collab.Entry, string) (string, error) {
	return "", errors.New("no collaboration store configured")
}
