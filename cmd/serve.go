package cmd

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawld/internal/server"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the daemon",
		Long: `Starts the HTTP API and the poller. SIGINT and SIGTERM stop the daemon
after running workers have been signalled; SIGHUP reloads the project
manifest.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := opts.load(); err != nil {
				return err
			}
			defer func() { _ = opts.logger.Sync() }()

			app, err := server.Build(cmd.Context(), opts.cfg, opts.logger)
			if err != nil {
				return err
			}
			opts.logger.Info("crawld starting",
				zap.String("version", Version),
				zap.String("addr", opts.cfg.Server.Addr()),
			)
			return app.Run(cmd.Context())
		},
	}
}
