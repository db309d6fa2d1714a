package presence

import (
	"fmt"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/ageniuscoder/corelink/internal/clock"
)

const DefaultSweepCron = "*/5 * * * *"

// Sweeper prunes stale peers on a cron schedule so the registry does not
// grow without bound.
type Sweeper struct {
	registry *Registry
	expr     string
	ttl      time.Duration
	clock    clock.Clock

	mu      sync.Mutex
	timer   clock.Timer
	stopped bool
}

func NewSweeper(r *Registry, cronExpr string, ttl time.Duration, clk clock.Clock) (*Sweeper, error) {
	if cronExpr == "" {
		cronExpr = DefaultSweepCron
	}
	if !gronx.IsValid(cronExpr) {
		return nil, fmt.Errorf("invalid presence sweep cron expression: %s", cronExpr)
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("presence ttl must be positive, got %s", ttl)
	}
	if clk == nil {
		clk = clock.System{}
	}
	return &Sweeper{registry: r, expr: cronExpr, ttl: ttl, clock: clk}, nil
}

func (s *Sweeper) Start() error {
	return s.schedule()
}

func (s *Sweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	if s.timer != nil {
		s.timer.Stop()
	}
}

func (s *Sweeper) schedule() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	now := s.clock.Now()
	next, err := gronx.NextTickAfter(s.expr, now, false)
	if err != nil {
		return fmt.Errorf("next sweep tick: %w", err)
	}
	s.timer = s.clock.AfterFunc(next.Sub(now), s.run)
	return nil
}

func (s *Sweeper) run() {
	cutoff := s.clock.Now().Add(-s.ttl)
	if n := s.registry.Prune(cutoff); n > 0 {
		s.registry.log.Info("pruned stale presence records", "count", n)
	}
	if err := s.schedule(); err != nil {
		s.registry.log.Error("presence sweeper stopped", "err", err)
	}
}
