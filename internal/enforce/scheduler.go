package enforce

import (
	"context"
	"errors"
	"sync"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/util/workqueue"
	"k8s.io/utils/clock"

	"github.com/dray-io/autoprune/internal/logging"
	"github.com/dray-io/autoprune/internal/metrics"
	"github.com/dray-io/autoprune/internal/trigger"
)

// Runner executes one enforcement pass. *Executor implements it.
type Runner interface {
	Run(ctx context.Context, task Task) (RunResult, error)
}

// SchedulerConfig holds scheduler tuning.
type SchedulerConfig struct {
	// Workers is the number of namespaces enforced concurrently.
	Workers int

	// MaxRetries bounds retries of a failed pass before it is dropped
	// until the next trigger.
	MaxRetries int

	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
}

// DefaultSchedulerConfig returns the default scheduler tuning.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		Workers:        2,
		MaxRetries:     5,
		RetryBaseDelay: 5 * time.Second,
		RetryMaxDelay:  5 * time.Minute,
	}
}

// Scheduler queues namespaces for enforcement and dispatches them to a
// bounded set of workers. A namespace is queued at most once and is never
// processed by two workers at the same time.
type Scheduler struct {
	runner  Runner
	cfg     SchedulerConfig
	leases  *LeaseManager
	clock   clock.PassiveClock
	metrics *metrics.EnforcementMetrics
	logger  *logging.Logger

	queue workqueue.TypedRateLimitingInterface[string]

	// pending is the task each queued namespace will run with. An entry
	// is removed when a worker picks the namespace up, so a trigger
	// during the pass creates a fresh entry and one follow-up pass.
	mu      sync.Mutex
	pending map[string]Task
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithLeases makes workers hold a namespace lease while enforcing.
func WithLeases(lm *LeaseManager) SchedulerOption {
	return func(s *Scheduler) { s.leases = lm }
}

// WithSchedulerClock sets the clock used for task timestamps.
func WithSchedulerClock(c clock.PassiveClock) SchedulerOption {
	return func(s *Scheduler) { s.clock = c }
}

// WithSchedulerMetrics records triggers and queue depth.
func WithSchedulerMetrics(m *metrics.EnforcementMetrics) SchedulerOption {
	return func(s *Scheduler) { s.metrics = m }
}

// WithSchedulerLogger sets the logger.
func WithSchedulerLogger(l *logging.Logger) SchedulerOption {
	return func(s *Scheduler) { s.logger = l }
}

// NewScheduler creates a Scheduler dispatching to runner.
func NewScheduler(runner Runner, cfg SchedulerConfig, opts ...SchedulerOption) *Scheduler {
	def := DefaultSchedulerConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = def.RetryBaseDelay
	}
	if cfg.RetryMaxDelay < cfg.RetryBaseDelay {
		cfg.RetryMaxDelay = cfg.RetryBaseDelay
	}

	s := &Scheduler{
		runner:  runner,
		cfg:     cfg,
		clock:   clock.RealClock{},
		logger:  logging.Global().Named("scheduler"),
		pending: make(map[string]Task),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.queue = workqueue.NewTypedRateLimitingQueueWithConfig(
		workqueue.NewTypedItemExponentialFailureRateLimiter[string](cfg.RetryBaseDelay, cfg.RetryMaxDelay),
		workqueue.TypedRateLimitingQueueConfig[string]{Name: "autoprune-enforcement"},
	)
	return s
}

// Enqueue requests a pass for namespace. It never blocks and never fails;
// a namespace already waiting is not queued twice.
func (s *Scheduler) Enqueue(namespace string, reason trigger.Reason) {
	if namespace == "" {
		return
	}
	if s.metrics != nil {
		s.metrics.RecordTrigger(string(reason))
	}

	s.mu.Lock()
	existing, ok := s.pending[namespace]
	switch {
	case !ok:
		s.pending[namespace] = Task{Namespace: namespace, EnqueuedAt: s.clock.Now(), Reason: reason}
		s.queue.Add(namespace)
	case existing.Reason == trigger.ReasonRetry && reason != trigger.ReasonRetry:
		// A fresh trigger overrides a backoff-delayed retry.
		s.pending[namespace] = Task{Namespace: namespace, EnqueuedAt: s.clock.Now(), Reason: reason}
		s.queue.Add(namespace)
	}
	s.mu.Unlock()
	s.updateDepth()
}

// Pending reports whether namespace is waiting for a worker.
func (s *Scheduler) Pending(namespace string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pending[namespace]
	return ok
}

// Len returns the number of namespaces waiting for a worker.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Run starts the workers and blocks until ctx is cancelled and every
// worker has returned. A Scheduler can be run once.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Infof("scheduler started", map[string]any{"workers": s.cfg.Workers})

	var wg sync.WaitGroup
	for i := 0; i < s.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			wait.UntilWithContext(ctx, s.worker, time.Second)
		}()
	}

	<-ctx.Done()
	s.queue.ShutDown()
	wg.Wait()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) worker(ctx context.Context) {
	for s.processNextWorkItem(ctx) {
	}
}

func (s *Scheduler) processNextWorkItem(ctx context.Context) bool {
	namespace, shutdown := s.queue.Get()
	if shutdown {
		return false
	}
	defer s.queue.Done(namespace)

	if ctx.Err() != nil {
		return true
	}

	s.mu.Lock()
	task, ok := s.pending[namespace]
	delete(s.pending, namespace)
	s.mu.Unlock()
	s.updateDepth()
	if !ok {
		// Stale retry for a namespace that has since been processed.
		return true
	}

	err := s.execute(ctx, task)
	switch {
	case err == nil:
		s.queue.Forget(namespace)
	case ctx.Err() != nil:
	case errors.Is(err, ErrLeaseHeldByOther):
		s.queue.Forget(namespace)
	default:
		s.retry(namespace, task, err)
	}
	return true
}

func (s *Scheduler) execute(ctx context.Context, task Task) error {
	log := s.logger.With(map[string]any{"namespace": task.Namespace, "reason": string(task.Reason)})

	if s.leases != nil {
		if err := s.leases.Acquire(ctx, task.Namespace, ""); err != nil {
			if errors.Is(err, ErrLeaseHeldByOther) {
				log.Debugf("namespace is enforced elsewhere, skipping", map[string]any{"error": err})
				if s.metrics != nil {
					s.metrics.RecordRun(metrics.RunStats{Reason: string(task.Reason), Outcome: metrics.OutcomeSkipped})
				}
			}
			return err
		}
		defer func() {
			rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), leaseTimeout)
			defer cancel()
			if err := s.leases.Release(rctx, task.Namespace); err != nil {
				log.Warnf("failed to release lease", map[string]any{"error": err})
			}
		}()
	}

	_, err := s.runner.Run(ctx, task)
	return err
}

func (s *Scheduler) retry(namespace string, task Task, cause error) {
	log := s.logger.With(map[string]any{"namespace": namespace, "error": cause})

	s.mu.Lock()
	if _, ok := s.pending[namespace]; ok {
		// A trigger arrived during the pass; its follow-up covers the retry.
		s.mu.Unlock()
		return
	}
	attempts := s.queue.NumRequeues(namespace)
	if attempts >= s.cfg.MaxRetries {
		s.mu.Unlock()
		s.queue.Forget(namespace)
		log.Errorf("enforcement pass failed, giving up until next trigger", map[string]any{"attempts": attempts + 1})
		return
	}
	s.pending[namespace] = Task{Namespace: namespace, EnqueuedAt: task.EnqueuedAt, Reason: trigger.ReasonRetry}
	s.mu.Unlock()

	log.Warnf("enforcement pass failed, retrying", map[string]any{"attempt": attempts + 1})
	if s.metrics != nil {
		s.metrics.RecordTrigger(string(trigger.ReasonRetry))
	}
	s.queue.AddRateLimited(namespace)
	s.updateDepth()
}

func (s *Scheduler) updateDepth() {
	if s.metrics != nil {
		s.metrics.SetQueueDepth(s.Len())
	}
}

var _ trigger.Handler = (*Scheduler)(nil)
