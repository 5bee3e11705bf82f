package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dray-io/autoprune/internal/config"
)

var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type rootOptions struct {
	configPath string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "autoprune",
		Short:         "Tag auto-pruning for container registry namespaces",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to configuration file (default: $"+config.PathEnv+")")

	cmd.AddCommand(
		newWorkerCommand(opts),
		newPolicyCommand(opts),
		newEnforceCommand(opts),
		newReportCommand(opts),
		newValidateCommand(),
		newVersionCommand(),
	)
	return cmd
}

// load reads the configuration from --config, falling back to the
// environment.
func (o *rootOptions) load() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if o.configPath != "" {
		cfg, err = config.LoadFromPath(o.configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "autoprune version %s (built %s, commit %s)\n", version, buildTime, gitCommit)
		},
	}
}
