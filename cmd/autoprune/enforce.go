package main

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/dray-io/autoprune/internal/enforce"
	"github.com/dray-io/autoprune/internal/logging"
	"github.com/dray-io/autoprune/internal/metrics"
	"github.com/dray-io/autoprune/internal/policy"
	"github.com/dray-io/autoprune/internal/trigger"
)

func newEnforceCommand(root *rootOptions) *cobra.Command {
	var (
		namespace string
		dryRun    bool
	)
	cmd := &cobra.Command{
		Use:   "enforce",
		Short: "Run one enforcement pass for a namespace and print the result",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}
			if dryRun {
				cfg.Enforcement.DryRun = true
			}
			logger := logging.New(logging.Config{
				Level:  logging.ParseLevel(cfg.Observability.LogLevel),
				Format: logging.ParseFormat(cfg.Observability.LogFormat),
				Output: cmd.ErrOrStderr(),
			})

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			reg := prometheus.NewRegistry()
			b, err := openBackends(ctx, cfg, reg, logger)
			if err != nil {
				return err
			}
			defer b.Close()

			store := policy.NewStore(b.meta, b.catalog, policy.WithLogger(logger))
			executor := enforce.NewExecutor(store, b.catalog, executorConfig(cfg.Enforcement),
				enforce.WithExecutorMetrics(metrics.NewEnforcementMetricsWithRegistry(reg)),
				enforce.WithReportSink(b.reportSink()),
				enforce.WithExecutorLogger(logger.Named("executor")),
			)

			res, runErr := executor.Run(ctx, enforce.Task{
				Namespace:  namespace,
				EnqueuedAt: time.Now(),
				Reason:     trigger.ReasonManual,
			})
			if err := printJSON(cmd.OutOrStdout(), res); err != nil {
				return err
			}
			return runErr
		},
	}
	cmd.Flags().StringVarP(&namespace, "namespace", "n", "", "registry namespace")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report the tags that would be deleted without deleting them")
	_ = cmd.MarkFlagRequired("namespace")
	return cmd
}
