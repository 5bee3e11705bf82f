package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/dray-io/autoprune/internal/config"
	"github.com/dray-io/autoprune/internal/enforce"
	"github.com/dray-io/autoprune/internal/objectstore"
)

var errReportsDisabled = errors.New("reports are disabled (set reports.enabled and reports.location)")

// openReportStore opens only the report bucket; report commands need no
// metadata store or catalog. Tests replace it with an in-memory store.
var openReportStore = func(ctx context.Context, cfg *config.Config) (objectstore.Store, error) {
	if !cfg.Reports.Enabled {
		return nil, errReportsDisabled
	}
	b := &backends{}
	if err := b.openReports(ctx, cfg.Reports, prometheus.NewRegistry()); err != nil {
		return nil, err
	}
	return b.reports, nil
}

func newReportCommand(root *rootOptions) *cobra.Command {
	var namespace string
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Inspect stored enforcement run reports",
	}
	cmd.PersistentFlags().StringVarP(&namespace, "namespace", "n", "", "registry namespace")
	_ = cmd.MarkPersistentFlagRequired("namespace")

	withReports := func(cmd *cobra.Command, fn func(ctx context.Context, r *enforce.ObjectStoreReports) error) error {
		cfg, err := root.load()
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		store, err := openReportStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer store.Close()
		return fn(ctx, enforce.NewObjectStoreReports(store, ""))
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List the namespace's reports by run id",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withReports(cmd, func(ctx context.Context, r *enforce.ObjectStoreReports) error {
				summaries, err := r.ListReports(ctx, namespace)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), summaries)
			})
		},
	}

	get := &cobra.Command{
		Use:   "get RUN_ID",
		Short: "Print one run report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withReports(cmd, func(ctx context.Context, r *enforce.ObjectStoreReports) error {
				res, err := r.ReadReport(ctx, namespace, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res)
			})
		},
	}

	del := &cobra.Command{
		Use:   "delete RUN_ID",
		Short: "Delete one run report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withReports(cmd, func(ctx context.Context, r *enforce.ObjectStoreReports) error {
				if err := r.DeleteReport(ctx, namespace, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted report %s\n", args[0])
				return nil
			})
		},
	}

	cmd.AddCommand(list, get, del)
	return cmd
}
