package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/crawld/internal/registry"
)

func newProjectsCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "projects",
		Short: "List deployed projects, versions and spiders from the manifest",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := opts.load(); err != nil {
				return err
			}
			reg, err := registry.Load(opts.cfg.Registry.Manifest, registry.Options{
				Runner:  opts.cfg.Launcher.Runner,
				LogsDir: opts.cfg.Launcher.LogsDir,
			})
			if err != nil {
				return fmt.Errorf("load manifest: %w", err)
			}
			ctx := cmd.Context()
			out := cmd.OutOrStdout()
			projects, err := reg.ListProjects(ctx)
			if err != nil {
				return err
			}
			for _, project := range projects {
				versions, err := reg.ListVersions(ctx, project)
				if err != nil {
					return err
				}
				spiders, err := reg.ListSpiders(ctx, project, "")
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "%s\tversions=%s\tspiders=%s\n",
					project, strings.Join(versions, ","), strings.Join(spiders, ","))
			}
			return nil
		},
	}
}
