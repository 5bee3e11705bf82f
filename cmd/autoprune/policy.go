package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/dray-io/autoprune/internal/config"
	"github.com/dray-io/autoprune/internal/logging"
	"github.com/dray-io/autoprune/internal/policy"
	"github.com/dray-io/autoprune/internal/trigger/kafka"
)

// policyClient is a policy store bound to the configured backends, for
// one-shot commands.
type policyClient struct {
	store     *policy.Store
	backends  *backends
	publisher *kafka.Publisher
}

func openPolicyClient(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*policyClient, error) {
	b, err := openBackends(ctx, cfg, prometheus.NewRegistry(), logger)
	if err != nil {
		return nil, err
	}
	c := &policyClient{backends: b}

	opts := []policy.StoreOption{policy.WithLogger(logger)}
	if cfg.Trigger.Transport == "kafka" {
		c.publisher, err = kafka.NewPublisher(kafkaConfig(cfg.Trigger, "cli"))
		if err != nil {
			_ = b.Close()
			return nil, err
		}
		opts = append(opts, policy.WithPublisher(c.publisher))
	}
	c.store = policy.NewStore(b.meta, b.catalog, opts...)
	return c, nil
}

func (c *policyClient) Close() error {
	if c.publisher != nil {
		c.publisher.Close()
	}
	return c.backends.Close()
}

// parseValue reads a CLI value: integers become numbers, anything else a
// string.
func parseValue(s string) policy.Value {
	if n, err := strconv.Atoi(s); err == nil {
		return policy.IntValue(n)
	}
	return policy.StringValue(s)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newPolicyCommand(root *rootOptions) *cobra.Command {
	var namespace string
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Manage a namespace's auto-prune policies",
	}
	cmd.PersistentFlags().StringVarP(&namespace, "namespace", "n", "", "registry namespace")
	_ = cmd.MarkPersistentFlagRequired("namespace")

	// withClient loads configuration, opens the store and closes it after fn.
	withClient := func(cmd *cobra.Command, fn func(ctx context.Context, c *policyClient) error) error {
		cfg, err := root.load()
		if err != nil {
			return err
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
		c, err := openPolicyClient(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer c.Close()
		return fn(ctx, c)
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List policies in creation order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withClient(cmd, func(ctx context.Context, c *policyClient) error {
				policies, err := c.store.List(ctx, namespace)
				if err != nil {
					return err
				}
				views := make([]policy.View, 0, len(policies))
				for _, p := range policies {
					views = append(views, p.View())
				}
				return printJSON(cmd.OutOrStdout(), views)
			})
		},
	}

	get := &cobra.Command{
		Use:   "get ID",
		Short: "Show one policy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(ctx context.Context, c *policyClient) error {
				p, err := c.store.Get(ctx, namespace, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), p.View())
			})
		},
	}

	var method, value string

	create := &cobra.Command{
		Use:   "create",
		Short: "Create a policy and request enforcement of the namespace",
		Long: `Create a policy and request enforcement of the namespace.

With trigger.transport set to kafka the request is published and a running
worker enforces the namespace promptly. With the inprocess transport there is
no worker to notify from this process, so the namespace is enforced on the
next periodic sweep (enforcement.sweepInterval). Run "autoprune enforce" to
apply the policy immediately.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withClient(cmd, func(ctx context.Context, c *policyClient) error {
				p, err := c.store.Create(ctx, namespace, method, parseValue(value))
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), p.View())
			})
		},
	}

	update := &cobra.Command{
		Use:   "update ID",
		Short: "Replace a policy's method and value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(ctx context.Context, c *policyClient) error {
				if _, err := c.store.Update(ctx, namespace, args[0], method, parseValue(value)); err != nil {
					return err
				}
				p, err := c.store.Get(ctx, namespace, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), p.View())
			})
		},
	}

	for _, c := range []*cobra.Command{create, update} {
		c.Flags().StringVar(&method, "method", "", "number_of_tags or creation_date")
		c.Flags().StringVar(&value, "value", "", "tag count, or a period such as 30d")
		_ = c.MarkFlagRequired("method")
		_ = c.MarkFlagRequired("value")
	}

	del := &cobra.Command{
		Use:   "delete ID",
		Short: "Delete a policy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(ctx context.Context, c *policyClient) error {
				if _, err := c.store.Delete(ctx, namespace, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
				return nil
			})
		},
	}

	cmd.AddCommand(list, get, create, update, del)
	return cmd
}

func newValidateCommand() *cobra.Command {
	var method, value string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check a method and value without storing anything",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rule, err := policy.Validate(method, parseValue(value))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), rule.String())
			return nil
		},
	}
	cmd.Flags().StringVar(&method, "method", "", "number_of_tags or creation_date")
	cmd.Flags().StringVar(&value, "value", "", "tag count, or a period such as 30d")
	_ = cmd.MarkFlagRequired("method")
	_ = cmd.MarkFlagRequired("value")
	return cmd
}
