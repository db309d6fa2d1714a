package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ageniuscoder/corelink/internal/clock"
	"github.com/ageniuscoder/corelink/internal/metrics"
	"github.com/ageniuscoder/corelink/internal/transport"
	"github.com/ageniuscoder/corelink/internal/wire"
)

const dialTimeout = 15 * time.Second

var (
	ErrDisposed           = errors.New("supervisor disposed")
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
)

// TokenSource returns a fresh credential for the auth frame.
type TokenSource func() (string, error)

type Options struct {
	UserID  string
	Device  string
	Serves  []string
	Token   TokenSource
	Backoff Backoff
	Clock   clock.Clock
	Log     *slog.Logger
	// OnFatal is called once per exhaustion of reconnect attempts.
	OnFatal func(error)
}

// Supervisor owns the primary transport: connect, authenticate, reconnect
// with backoff, and route inbound frames to a single handler.
type Supervisor struct {
	dialer  transport.Dialer
	opts    Options
	clock   clock.Clock
	log     *slog.Logger
	backoff Backoff

	mu               sync.Mutex
	state            State
	endpoint         string
	conn             transport.Conn
	gen              int
	lost             int
	attempts         int
	lastConnected    time.Time
	lastDisconnected time.Time
	latency          time.Duration
	retry            clock.Timer
	fatalSent        bool
	disposed         bool

	handler        func(wire.Frame)
	onConnected    []func(context.Context)
	onDisconnected []func()
}

func NewSupervisor(dialer transport.Dialer, opts Options) *Supervisor {
	if opts.Clock == nil {
		opts.Clock = clock.System{}
	}
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	b := opts.Backoff
	if b.Base <= 0 {
		b.Base = DefaultBackoff.Base
	}
	if b.Cap <= 0 {
		b.Cap = DefaultBackoff.Cap
	}
	if b.Max <= 0 {
		b.Max = DefaultBackoff.Max
	}
	return &Supervisor{
		dialer:  dialer,
		opts:    opts,
		clock:   opts.Clock,
		log:     opts.Log.With("component", "supervisor"),
		backoff: b,
	}
}

// SetFrameHandler installs the receiver for inbound frames.
func (s *Supervisor) SetFrameHandler(h func(wire.Frame)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = h
}

// OnConnected registers fn to run after every successful connection, once the
// auth frame has been sent.
func (s *Supervisor) OnConnected(fn func(context.Context)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onConnected = append(s.onConnected, fn)
}

// OnDisconnected registers fn to run whenever an established connection ends.
func (s *Supervisor) OnDisconnected(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onDisconnected = append(s.onDisconnected, fn)
}

// Connect opens the transport to endpoint. A failure is returned to the
// caller and also starts reconnect scheduling.
func (s *Supervisor) Connect(ctx context.Context, endpoint string) error {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return ErrDisposed
	}
	if s.state == StateConnected && s.endpoint == endpoint {
		s.mu.Unlock()
		return nil
	}
	if s.retry != nil {
		s.retry.Stop()
		s.retry = nil
	}
	s.endpoint = endpoint
	s.state = StateConnecting
	s.attempts = 0
	s.fatalSent = false
	s.mu.Unlock()

	return s.dial(ctx)
}

func (s *Supervisor) dial(ctx context.Context) error {
	s.mu.Lock()
	s.gen++
	gen := s.gen
	endpoint := s.endpoint
	s.mu.Unlock()

	conn, err := s.dialer.Dial(ctx, endpoint, &connHandler{s: s, gen: gen})
	if err != nil {
		s.log.Warn("connect failed", "endpoint", endpoint, "err", err)
		s.fail(err)
		if !transport.IsConnectionError(err) {
			err = &transport.ConnectionError{Op: "dial", Target: endpoint, Err: err}
		}
		return err
	}

	// The auth frame must be the first frame on the socket, so conn is only
	// published to Send once it has gone out.
	if err := s.authenticate(ctx, conn); err != nil {
		s.log.Error("auth frame failed", "err", err)
		_ = conn.Close()
		if s.current(gen) {
			s.fail(err)
		}
		return &transport.ConnectionError{Op: "auth", Target: endpoint, Err: err}
	}

	s.mu.Lock()
	if s.disposed || gen != s.gen {
		s.mu.Unlock()
		_ = conn.Close()
		return ErrDisposed
	}
	if s.lost == gen {
		s.mu.Unlock()
		_ = conn.Close()
		s.fail(transport.ErrClosed)
		return &transport.ConnectionError{Op: "auth", Target: endpoint, Err: transport.ErrClosed}
	}
	s.conn = conn
	s.state = StateConnected
	s.attempts = 0
	s.fatalSent = false
	s.lastConnected = s.clock.Now()
	hooks := append([]func(context.Context){}, s.onConnected...)
	s.mu.Unlock()

	metrics.Connected.Set(1)
	s.log.Info("connected", "endpoint", endpoint)
	for _, fn := range hooks {
		fn(ctx)
	}
	return nil
}

func (s *Supervisor) current(gen int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.disposed && gen == s.gen
}

func (s *Supervisor) authenticate(ctx context.Context, conn transport.Conn) error {
	var token string
	if s.opts.Token != nil {
		t, err := s.opts.Token()
		if err != nil {
			return fmt.Errorf("mint auth token: %w", err)
		}
		token = t
	}
	return conn.Send(ctx, wire.AuthFrame(wire.Auth{
		Token:  token,
		UserID: s.opts.UserID,
		Device: s.opts.Device,
		Serves: s.opts.Serves,
	}))
}

// fail records a failed connect and schedules the next attempt.
func (s *Supervisor) fail(cause error) {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	fatal := s.scheduleLocked(cause)
	s.mu.Unlock()
	s.notifyFatal(fatal)
}

// scheduleLocked arms the retry timer, or returns the fatal error once the
// attempt budget is spent.
func (s *Supervisor) scheduleLocked(cause error) error {
	if s.attempts >= s.backoff.Max {
		s.state = StateDisconnected
		if s.fatalSent {
			return nil
		}
		s.fatalSent = true
		return fmt.Errorf("%w after %d attempts: %v", ErrReconnectExhausted, s.attempts, cause)
	}
	delay := s.backoff.Delay(s.attempts)
	s.attempts++
	s.state = StateReconnecting
	s.retry = s.clock.AfterFunc(delay, s.reconnect)
	metrics.ReconnectAttempts.Inc()
	s.log.Info("reconnect scheduled", "attempt", s.attempts, "delay", delay)
	return nil
}

func (s *Supervisor) notifyFatal(err error) {
	if err == nil {
		return
	}
	s.log.Error("giving up on connection", "err", err)
	if s.opts.OnFatal != nil {
		s.opts.OnFatal(err)
	}
}

func (s *Supervisor) reconnect() {
	s.mu.Lock()
	if s.disposed || s.state != StateReconnecting {
		s.mu.Unlock()
		return
	}
	s.retry = nil
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()
	_ = s.dial(ctx)
}

func (s *Supervisor) closed(gen int, err error) {
	s.mu.Lock()
	if !s.disposed && gen == s.gen && s.state != StateConnected {
		// closed before the auth frame went out; dial reports it
		s.lost = gen
	}
	if s.disposed || gen != s.gen || s.state != StateConnected {
		s.mu.Unlock()
		return
	}
	s.conn = nil
	s.lastDisconnected = s.clock.Now()
	if err == nil {
		err = transport.ErrClosed
	}
	fatal := s.scheduleLocked(err)
	hooks := append([]func(){}, s.onDisconnected...)
	s.mu.Unlock()

	metrics.Connected.Set(0)
	s.log.Warn("connection lost", "err", err)
	for _, fn := range hooks {
		fn()
	}
	s.notifyFatal(fatal)
}

// Send writes f on the current connection.
func (s *Supervisor) Send(ctx context.Context, f wire.Frame) error {
	s.mu.Lock()
	conn := s.conn
	state := s.state
	endpoint := s.endpoint
	s.mu.Unlock()
	if state != StateConnected || conn == nil {
		return &transport.ConnectionError{Op: "send", Target: endpoint}
	}
	return conn.Send(ctx, f)
}

func (s *Supervisor) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateConnected
}

func (s *Supervisor) UserID() string { return s.opts.UserID }

// RecordLatency stores the latest measured round trip.
func (s *Supervisor) RecordLatency(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latency = d
}

func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		State:             s.state,
		Connected:         s.state == StateConnected,
		Connecting:        s.state == StateConnecting,
		Reconnecting:      s.state == StateReconnecting,
		ReconnectAttempts: s.attempts,
		LastConnected:     s.lastConnected,
		LastDisconnected:  s.lastDisconnected,
		Latency:           s.latency,
		Quality:           QualityFor(s.latency),
	}
}

// Dispose closes the transport and stops all reconnection. It is the only
// externally requested path to Disconnected.
func (s *Supervisor) Dispose() {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	s.disposed = true
	wasConnected := s.state == StateConnected
	s.state = StateDisconnected
	if s.retry != nil {
		s.retry.Stop()
		s.retry = nil
	}
	conn := s.conn
	s.conn = nil
	if wasConnected {
		s.lastDisconnected = s.clock.Now()
	}
	hooks := append([]func(){}, s.onDisconnected...)
	s.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	metrics.Connected.Set(0)
	if wasConnected {
		for _, fn := range hooks {
			fn()
		}
	}
}

func (s *Supervisor) deliver(gen int, f wire.Frame) {
	s.mu.Lock()
	h := s.handler
	stale := gen != s.gen
	s.mu.Unlock()
	if stale || h == nil {
		return
	}
	h(f)
}

type connHandler struct {
	s   *Supervisor
	gen int
}

func (h *connHandler) HandleFrame(f wire.Frame) { h.s.deliver(h.gen, f) }
func (h *connHandler) HandleClose(err error)    { h.s.closed(h.gen, err) }
