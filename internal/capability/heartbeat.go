package capability

import (
	"context"
	"sync"
	"time"

	"github.com/ageniuscoder/corelink/internal/clock"
	"github.com/ageniuscoder/corelink/internal/metrics"
)

type HeartbeatOptions struct {
	Interval  time.Duration
	Timeout   time.Duration
	Threshold int
	// OnLatency receives the mean round trip of each successful beat.
	OnLatency func(time.Duration)
}

// Heartbeat probes every connected server on a fixed interval while the
// primary transport is up.
type Heartbeat struct {
	registry *Registry
	opts     HeartbeatOptions

	mu   sync.Mutex
	stop func()
}

func NewHeartbeat(r *Registry, opts HeartbeatOptions) *Heartbeat {
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.Threshold <= 0 {
		opts.Threshold = 3
	}
	return &Heartbeat{registry: r, opts: opts}
}

func (h *Heartbeat) Start() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stop != nil {
		return
	}
	h.stop = clock.Every(h.registry.clock, h.opts.Interval, func() {
		h.Beat(context.Background())
	})
}

func (h *Heartbeat) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stop != nil {
		h.stop()
		h.stop = nil
	}
}

// Beat pings each connected server once.
func (h *Heartbeat) Beat(ctx context.Context) {
	r := h.registry
	var total time.Duration
	var ok int
	for _, sc := range r.connected() {
		rtt, err := h.probe(ctx, sc)
		if err == nil {
			sc.recordPing(rtt, r.clock.Now())
			metrics.HeartbeatLatency.WithLabelValues(sc.ID()).Observe(rtt.Seconds())
			total += rtt
			ok++
			continue
		}
		metrics.HeartbeatFailures.WithLabelValues(sc.ID()).Inc()
		count, tripped := sc.recordFailure(h.opts.Threshold)
		r.log.Warn("heartbeat failed", "server", sc.ID(), "errors", count, "err", err)
		if tripped {
			r.log.Warn("server marked disconnected after heartbeat failures", "server", sc.ID(), "errors", count)
			r.scheduleReconnect(sc.Descriptor(), 0)
		}
	}
	if ok > 0 && h.opts.OnLatency != nil {
		h.opts.OnLatency(total / time.Duration(ok))
	}
}

func (h *Heartbeat) probe(ctx context.Context, sc *ServerConnection) (time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, h.opts.Timeout)
	defer cancel()
	start := h.registry.clock.Now()
	if err := h.registry.backend.Ping(ctx, sc.ID()); err != nil {
		return 0, err
	}
	return h.registry.clock.Now().Sub(start), nil
}
