// Package cmd defines the crawld command line.
package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawld/internal/config"
	"github.com/JakeFAU/crawld/internal/logging"
)

// Version is set at build time with -ldflags "-X github.com/JakeFAU/crawld/cmd.Version=...".
var Version = "dev"

type rootOptions struct {
	cfgFile string
	cfg     config.Config
	logger  *zap.Logger
}

// newRootCmd creates the root command and its subcommands.
func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "crawld",
		Short: "Queue, launch and track spider crawls.",
		Long: `crawld runs spider processes on a single node. Jobs are submitted over a
scrapyd-compatible HTTP API, queued per project by priority, and started
while free process slots remain.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.cfgFile, "config", "", "config file (YAML, TOML or JSON)")

	cmd.AddCommand(newServeCmd(opts))
	cmd.AddCommand(newProjectsCmd(opts))
	cmd.AddCommand(newVersionCmd())
	return cmd
}

// load reads configuration and builds the logger for commands that need them.
func (o *rootOptions) load() error {
	cfg, err := config.Load(o.cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(logging.Options{
		Development: cfg.Logging.Development,
		Level:       cfg.Logging.Level,
		NodeName:    cfg.Server.NodeName,
	})
	if err != nil {
		return fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	o.cfg = cfg
	o.logger = logger
	return nil
}

// Execute runs the command line and returns the process exit code.
func Execute() int {
	return run(context.Background(), os.Args[1:])
}

func run(ctx context.Context, args []string) int {
	root := newRootCmd()
	root.SetArgs(args)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(root.ErrOrStderr(), "crawld: %v\n", err)
		return 1
	}
	return 0
}
