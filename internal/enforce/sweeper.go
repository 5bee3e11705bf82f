package enforce

import (
	"context"
	"fmt"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/dray-io/autoprune/internal/logging"
	"github.com/dray-io/autoprune/internal/trigger"
)

// NamespaceSource lists namespaces that hold at least one policy.
type NamespaceSource interface {
	Namespaces(ctx context.Context) ([]string, error)
}

// DefaultSweepInterval is how often every policy namespace is re-enforced.
const DefaultSweepInterval = 6 * time.Hour

// Sweeper periodically enqueues every namespace with a policy. It is the
// safety net for lost triggers and for tags that age past a cutoff.
type Sweeper struct {
	source   NamespaceSource
	handler  trigger.Handler
	interval time.Duration
	clock    clock.WithTicker
	logger   *logging.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// SweeperOption configures a Sweeper.
type SweeperOption func(*Sweeper)

// WithSweeperClock sets the clock driving the sweep ticker.
func WithSweeperClock(c clock.WithTicker) SweeperOption {
	return func(s *Sweeper) { s.clock = c }
}

// WithSweeperLogger sets the logger.
func WithSweeperLogger(l *logging.Logger) SweeperOption {
	return func(s *Sweeper) { s.logger = l }
}

// NewSweeper creates a Sweeper feeding handler every interval.
func NewSweeper(source NamespaceSource, handler trigger.Handler, interval time.Duration, opts ...SweeperOption) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	s := &Sweeper{
		source:   source,
		handler:  handler,
		interval: interval,
		clock:    clock.RealClock{},
		logger:   logging.Global().Named("sweeper"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start sweeps once immediately and then on every tick.
func (s *Sweeper) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.mu.Unlock()

	go s.run()
}

// Stop stops the sweeper and waits for the loop to exit.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	close(s.stopCh)
	s.mu.Unlock()

	<-s.doneCh

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
}

func (s *Sweeper) run() {
	defer close(s.doneCh)

	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-s.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	s.sweep(ctx)
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C():
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	n, err := s.SweepOnce(ctx)
	if err != nil {
		s.logger.Warnf("sweep failed", map[string]any{"error": err})
		return
	}
	s.logger.Debugf("sweep enqueued namespaces", map[string]any{"count": n})
}

// SweepOnce enqueues every policy namespace and returns how many it enqueued.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	namespaces, err := s.source.Namespaces(ctx)
	if err != nil {
		return 0, fmt.Errorf("enforce: list namespaces: %w", err)
	}
	for _, ns := range namespaces {
		s.handler.Enqueue(ns, trigger.ReasonScheduledSweep)
	}
	return len(namespaces), nil
}
