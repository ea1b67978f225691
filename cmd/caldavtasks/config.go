package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"caldavtasks/internal/config"
	"caldavtasks/internal/utils"
)

func newConfigCmd(c *cliState) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show the effective configuration",
		Long: `Print the configuration in effect: the config file merged over the
defaults. Use 'caldavtasks config init' to write a commented sample.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open()
			if err != nil {
				return err
			}
			cfg := a.Config()
			out := cmd.OutOrStdout()
			if !cfg.Exists() {
				fmt.Fprintf(out, "# %s does not exist, showing defaults\n", cfg.Path())
			} else {
				fmt.Fprintf(out, "# %s\n", cfg.Path())
			}
			return utils.WriteYAML(out, cfg)
		},
	}

	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write the commented sample config",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open()
			if err != nil {
				return err
			}
			path := a.Config().Path()
			if a.Config().Exists() && !force {
				return utils.WrapWithSuggestion(fmt.Errorf("%s already exists", path), "Use --force to overwrite it")
			}
			if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
				return err
			}
			if err := os.WriteFile(path, config.Sample(), 0600); err != nil {
				return err
			}
			success(cmd.OutOrStdout(), "Wrote %s", path)
			return nil
		},
	}
	initCmd.Flags().BoolVarP(&force, "force", "f", false, "overwrite an existing file")
	cmd.AddCommand(initCmd)
	return cmd
}
