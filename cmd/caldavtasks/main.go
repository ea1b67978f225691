package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"caldavtasks/backend"
	"caldavtasks/internal/app"
	"caldavtasks/internal/cli"
	"caldavtasks/internal/utils"
)

// cliState is shared by every command. The app is opened on first use so
// that help and completion work without a config.
type cliState struct {
	configPath string
	verbose    bool
	format     string
	newRemote  app.RemoteFactory
	in         io.Reader
	app        *app.App
}

func (c *cliState) open() (*app.App, error) {
	if c.app != nil {
		return c.app, nil
	}
	a, err := app.New(app.Options{
		ConfigPath: c.configPath,
		Verbose:    c.verbose,
		NewRemote:  c.newRemote,
	})
	if err != nil {
		return nil, err
	}
	c.app = a
	return a, nil
}

func (c *cliState) close() {
	if c.app != nil {
		if err := c.app.Close(); err != nil {
			utils.Warnf("Failed to close cache: %v", err)
		}
		c.app = nil
	}
}

// listNames feeds shell completion from the cache.
func (c *cliState) listNames(ctx context.Context) ([]backend.TaskList, error) {
	a, err := c.open()
	if err != nil {
		return nil, err
	}
	return a.Store().GetTaskLists(ctx)
}

func (c *cliState) completeList() func(*cobra.Command, []string, string) ([]string, cobra.ShellCompDirective) {
	return cli.ListNameCompletion(c.listNames)
}

func newRootCmd(c *cliState) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "caldavtasks",
		Short: "Offline-first task manager for CalDAV and Nextcloud",
		Long: `caldavtasks keeps the tasks of a CalDAV server (Nextcloud, Radicale,
Baikal, ...) in a local cache. Every command works offline; changes are
queued and pushed to the server on the next sync.

Examples:
  caldavtasks login https://cloud.example.com
  caldavtasks lists
  caldavtasks tasks Work
  caldavtasks add Work "Write report" --due 2026-01-31 --priority 1
  caldavtasks done Work "Write report"
  caldavtasks sync`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			c.close()
		},
	}

	rootCmd.PersistentFlags().StringVar(&c.configPath, "config", "", "config file or directory (default $XDG_CONFIG_HOME/caldavtasks/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&c.verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVar(&c.format, "format", utils.FormatText, "output format: text, json or yaml")
	_ = rootCmd.RegisterFlagCompletionFunc("format", func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		return []string{utils.FormatText, utils.FormatJSON, utils.FormatYAML}, cobra.ShellCompDirectiveNoFileComp
	})

	rootCmd.AddCommand(
		newLoginCmd(c),
		newListsCmd(c),
		newTasksCmd(c),
		newAddCmd(c),
		newEditCmd(c),
		newDoneCmd(c),
		newReopenCmd(c),
		newRemoveCmd(c),
		newSyncCmd(c),
		newWorkerCmd(c),
		newCredentialsCmd(c),
		newConfigCmd(c),
	)
	return rootCmd
}

// firstLine drops the suggestion part of an error for one-line notes.
func firstLine(err error) string {
	msg := err.Error()
	if i := strings.IndexByte(msg, '\n'); i >= 0 {
		return msg[:i]
	}
	return msg
}

func main() {
	c := &cliState{in: os.Stdin}
	err := newRootCmd(c).Execute()
	c.close()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
