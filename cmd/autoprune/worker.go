package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/dray-io/autoprune/internal/config"
	"github.com/dray-io/autoprune/internal/enforce"
	"github.com/dray-io/autoprune/internal/logging"
	"github.com/dray-io/autoprune/internal/metrics"
	"github.com/dray-io/autoprune/internal/policy"
	"github.com/dray-io/autoprune/internal/server"
	"github.com/dray-io/autoprune/internal/trigger"
	"github.com/dray-io/autoprune/internal/trigger/kafka"
)

const shutdownTimeout = 30 * time.Second

func newWorkerCommand(root *rootOptions) *cobra.Command {
	var (
		healthAddr string
		workerID   string
	)
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run the enforcement worker",
		Long: `Run the enforcement worker.

The worker consumes enforcement triggers, sweeps every namespace with
policies on a fixed interval, and deletes the tags each namespace's
policies select.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}
			if healthAddr != "" {
				cfg.Observability.HealthAddr = healthAddr
			}
			if workerID == "" {
				workerID = uuid.New().String()
			}

			logger := logging.Configure(cfg.Observability.LogLevel, cfg.Observability.LogFormat)
			w := NewWorker(WorkerOptions{
				Config:     cfg,
				ConfigPath: root.configPath,
				Logger:     logger,
				WorkerID:   workerID,
			})
			return runUntilSignal(cmd.Context(), w, logger)
		},
	}
	cmd.Flags().StringVar(&healthAddr, "health-addr", "", "override health endpoint address (e.g. :9090)")
	cmd.Flags().StringVar(&workerID, "worker-id", "", "lease holder id (default: random UUID)")
	return cmd
}

func runUntilSignal(parent context.Context, w *Worker, logger *logging.Logger) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := w.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	logger.Info("received shutdown signal, initiating graceful shutdown")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := w.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Info("worker shutdown complete")
	return nil
}

// WorkerOptions configures a Worker.
type WorkerOptions struct {
	Config     *config.Config
	ConfigPath string
	Logger     *logging.Logger
	WorkerID   string

	// Registry receives every metric. Defaults to a fresh registry with
	// the Go and process collectors.
	Registry *prometheus.Registry
}

// Worker runs the scheduler, sweeper, trigger consumer and health server
// of one enforcement process.
type Worker struct {
	opts   WorkerOptions
	logger *logging.Logger

	backends  *backends
	store     *policy.Store
	scheduler *enforce.Scheduler
	sweeper   *enforce.Sweeper
	publisher *kafka.Publisher
	consumer  *kafka.Consumer
	health    *server.HealthServer

	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	started bool
}

func NewWorker(opts WorkerOptions) *Worker {
	if opts.Logger == nil {
		opts.Logger = logging.DefaultLogger()
	}
	if opts.Registry == nil {
		opts.Registry = prometheus.NewRegistry()
		opts.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}
	return &Worker{opts: opts, logger: opts.Logger.With(map[string]any{"worker": opts.WorkerID})}
}

// Start builds every component and starts the background loops. It
// returns once the worker is serving.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return errors.New("worker already started")
	}
	w.started = true
	w.mu.Unlock()

	cfg := w.opts.Config
	reg := w.opts.Registry

	b, err := openBackends(ctx, cfg, reg, w.logger)
	if err != nil {
		return err
	}
	w.backends = b

	enfMetrics := metrics.NewEnforcementMetricsWithRegistry(reg)

	// The scheduler is created after the store, so in-process triggers go
	// through a handler that is filled in below.
	local := &trigger.Local{}
	var publisher trigger.Publisher = local
	if cfg.Trigger.Transport == "kafka" {
		kcfg := kafkaConfig(cfg.Trigger, w.opts.WorkerID)
		w.publisher, err = kafka.NewPublisher(kcfg)
		if err != nil {
			return w.abort(err)
		}
		if err := w.publisher.EnsureTopic(ctx); err != nil {
			return w.abort(err)
		}
		publisher = w.publisher
	}

	w.store = policy.NewStore(b.meta, b.catalog,
		policy.WithPublisher(publisher),
		policy.WithLogger(w.logger),
	)

	executor := enforce.NewExecutor(w.store, b.catalog, executorConfig(cfg.Enforcement),
		enforce.WithExecutorMetrics(enfMetrics),
		enforce.WithReportSink(b.reportSink()),
		enforce.WithExecutorLogger(w.logger.Named("executor")),
	)

	schedOpts := []enforce.SchedulerOption{
		enforce.WithSchedulerMetrics(enfMetrics),
		enforce.WithSchedulerLogger(w.logger.Named("scheduler")),
	}
	if cfg.Enforcement.LeaseEnabled {
		schedOpts = append(schedOpts, enforce.WithLeases(enforce.NewLeaseManager(b.meta, w.opts.WorkerID)))
	}
	w.scheduler = enforce.NewScheduler(executor, schedulerConfig(cfg.Enforcement), schedOpts...)
	local.Handler = w.scheduler

	if cfg.Trigger.Transport == "kafka" {
		w.consumer, err = kafka.NewConsumer(kafkaConfig(cfg.Trigger, w.opts.WorkerID), w.scheduler, w.logger)
		if err != nil {
			return w.abort(err)
		}
	}

	w.sweeper = enforce.NewSweeper(w.store, w.scheduler, cfg.Enforcement.SweepInterval,
		enforce.WithSweeperLogger(w.logger.Named("sweeper")),
	)

	w.health = server.NewHealthServer(cfg.Observability.HealthAddr, w.logger)
	w.health.RegisterReadinessCheck(server.NewMetadataChecker(b.meta))
	if b.catalogPing != nil {
		w.health.RegisterReadinessCheck(server.NewPingChecker("registry_catalog", b.catalogPing))
	}
	if b.reports != nil {
		w.health.RegisterReadinessCheck(server.NewObjectStoreChecker(b.reports, ""))
	}
	if w.publisher != nil {
		w.health.RegisterReadinessCheck(server.NewPingChecker("trigger_transport", w.publisher))
	}
	if cfg.Observability.MetricsEnabled {
		w.health.RegisterHandler("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	}
	if err := w.health.Start(); err != nil {
		return w.abort(fmt.Errorf("start health server: %w", err))
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	w.cancel = cancel

	w.goTracked("scheduler", func() { w.scheduler.Run(runCtx) })
	if w.consumer != nil {
		w.goTracked("trigger_consumer", func() {
			if err := w.consumer.Run(runCtx); err != nil {
				w.logger.Errorf("trigger consumer stopped", map[string]any{"error": err})
			}
		})
	}
	if w.opts.ConfigPath != "" {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			if err := config.Watch(runCtx, w.opts.ConfigPath, w.logger, config.ApplyLogLevel(w.logger)); err != nil {
				w.logger.Warnf("config watch disabled", map[string]any{"error": err})
			}
		}()
	}

	w.sweeper.Start()
	w.health.ComponentStarted("sweeper")

	w.logger.Infof("worker started", map[string]any{
		"healthAddr": w.health.Addr(),
		"transport":  cfg.Trigger.Transport,
		"workers":    cfg.Enforcement.Workers,
		"leases":     cfg.Enforcement.LeaseEnabled,
		"dryRun":     cfg.Enforcement.DryRun,
	})
	return nil
}

func (w *Worker) goTracked(name string, fn func()) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.health.Track(name, fn)
	}()
}

// abort releases whatever Start opened before failing.
func (w *Worker) abort(err error) error {
	if w.publisher != nil {
		w.publisher.Close()
	}
	if w.backends != nil {
		_ = w.backends.Close()
	}
	return err
}

// Shutdown stops intake first, waits for in-flight passes, then closes
// the backends.
func (w *Worker) Shutdown(ctx context.Context) error {
	w.mu.Lock()
	started := w.started
	w.mu.Unlock()
	if !started || w.cancel == nil {
		return nil
	}

	w.health.SetShuttingDown()
	w.sweeper.Stop()
	w.health.ComponentStopped("sweeper")
	if w.consumer != nil {
		w.consumer.Close()
	}
	w.cancel()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	var errs []error
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("waiting for enforcement passes: %w", ctx.Err()))
	}

	if w.publisher != nil {
		w.publisher.Close()
	}
	if err := w.health.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := w.backends.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func kafkaConfig(cfg config.TriggerConfig, clientID string) kafka.Config {
	return kafka.Config{
		Brokers:  cfg.Brokers,
		Topic:    cfg.Topic,
		Group:    cfg.Group,
		ClientID: "autoprune-" + clientID,
	}
}
