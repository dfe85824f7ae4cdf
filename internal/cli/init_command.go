package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"docscale/internal/config"
	"docscale/internal/runstore"
)

func newInitCommand(a *app) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a configuration file with the default settings",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			if runstore.FileExists(a.configPath) && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", a.configPath)
			}
			if err := config.Write(a.configPath, config.DefaultConfig()); err != nil {
				return err
			}
			fprintf(a.stdout, "wrote %s\n", a.configPath)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}
