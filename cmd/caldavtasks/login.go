package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"caldavtasks/internal/cli"
	"caldavtasks/internal/tui"
)

func newLoginCmd(c *cliState) *cobra.Command {
	var username string
	var noTUI bool

	cmd := &cobra.Command{
		Use:   "login [server-url]",
		Short: "Connect to a CalDAV or Nextcloud server",
		Long: `Verify an account against the server, store the password in the
system keyring and save the server in the config file.

Nextcloud accounts with two-factor authentication need an app password
(Settings > Security > Devices & sessions).

Examples:
  caldavtasks login                                  # interactive form
  caldavtasks login https://cloud.example.com -u alice
  caldavtasks login nextcloud://cloud.example.com --no-tui`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open()
			if err != nil {
				return err
			}
			cfg := a.Config()

			defaults := tui.LoginForm{URL: cfg.Server.URL, Username: cfg.Server.Username}
			if len(args) == 1 {
				defaults.URL = args[0]
			}
			if username != "" {
				defaults.Username = username
			}

			form, err := c.readLogin(cmd, defaults, noTUI)
			if err != nil {
				return err
			}

			lists, err := a.Login(cmd.Context(), form.URL, form.Username, form.Password)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			success(out, "Logged in to %s as %s", cfg.Server.URL, cfg.Server.Username)
			cli.ShowTaskLists(out, lists, nil)
			fmt.Fprintln(out, "Run 'caldavtasks sync' to download the tasks.")
			return nil
		},
	}

	cmd.Flags().StringVarP(&username, "username", "u", "", "account name")
	cmd.Flags().BoolVar(&noTUI, "no-tui", false, "ask line by line instead of showing the form")
	return cmd
}

func (c *cliState) readLogin(cmd *cobra.Command, defaults tui.LoginForm, noTUI bool) (tui.LoginForm, error) {
	f, isFile := c.in.(*os.File)
	tty := isFile && term.IsTerminal(int(f.Fd()))

	if tty && !noTUI {
		return tui.RunLogin(defaults)
	}
	var readPassword func() (string, error)
	if tty {
		readPassword = tui.ReadPassword(int(f.Fd()))
	}
	return tui.PromptLogin(c.in, cmd.ErrOrStderr(), defaults, readPassword)
}
