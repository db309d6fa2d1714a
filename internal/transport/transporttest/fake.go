// Package transporttest provides in-memory transport doubles.
package transporttest

import (
	"context"
	"errors"
	"sync"

	"github.com/ageniuscoder/corelink/internal/transport"
	"github.com/ageniuscoder/corelink/internal/wire"
)

var ErrRefused = errors.New("connection refused")

// Dialer hands out Conns and fails while Fail is positive.
type Dialer struct {
	mu       sync.Mutex
	fail     int
	attempts int
	conns    []*Conn
}

func (d *Dialer) Dial(ctx context.Context, endpoint string, h transport.Handler) (transport.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.attempts++
	if d.fail != 0 {
		if d.fail > 0 {
			d.fail--
		}
		return nil, &transport.ConnectionError{Op: "dial", Target: endpoint, Err: ErrRefused}
	}
	c := &Conn{handler: h}
	d.conns = append(d.conns, c)
	return c, nil
}

// FailNext makes the next n dials fail. A negative n fails every dial.
func (d *Dialer) FailNext(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fail = n
}

func (d *Dialer) Attempts() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.attempts
}

// Last returns the most recently opened Conn.
func (d *Dialer) Last() *Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

// Conn records sent frames and lets tests inject inbound frames or drops.
type Conn struct {
	mu      sync.Mutex
	handler transport.Handler
	sent    []wire.Frame
	closed  bool
	failing bool
}

func (c *Conn) Send(ctx context.Context, f wire.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.failing {
		return &transport.ConnectionError{Op: "send", Target: "fake", Err: transport.ErrClosed}
	}
	c.sent = append(c.sent, f)
	return nil
}

func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	c.handler.HandleClose(nil)
	return nil
}

// Drop simulates the remote end going away.
func (c *Conn) Drop(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()
	c.handler.HandleClose(err)
}

// SetFailing makes Send return a ConnectionError without closing.
func (c *Conn) SetFailing(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failing = v
}

// Deliver injects an inbound frame.
func (c *Conn) Deliver(f wire.Frame) {
	c.handler.HandleFrame(f)
}

func (c *Conn) Sent() []wire.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]wire.Frame, len(c.sent))
	copy(out, c.sent)
	return out
}

// SentKind returns the sent frames of one kind.
func (c *Conn) SentKind(kind wire.FrameKind) []wire.Frame {
	var out []wire.Frame
	for _, f := range c.Sent() {
		if f.Kind == kind {
			out = append(out, f)
		}
	}
	return out
}

func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
