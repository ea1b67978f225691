package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"caldavtasks/internal/credentials"
	"caldavtasks/internal/tui"
	"caldavtasks/internal/utils"
)

func newCredentialsCmd(c *cliState) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "credentials",
		Short: "Manage server passwords in the system keyring",
		Long: `Manage passwords stored in the system keyring.

Credentials are looked up in this order:
  1. System keyring, keyed by server host and username
  2. Environment variables CALDAVTASKS_<NAME>_USERNAME / _PASSWORD / _HOST,
     where NAME is server.name of the config (also read from .env files)
  3. user:password in the server URL

Host and username default to the configured server.

Examples:
  caldavtasks credentials set                        # configured server
  caldavtasks credentials set cloud.example.com alice
  caldavtasks credentials get
  caldavtasks credentials delete cloud.example.com alice`,
	}

	cmd.AddCommand(newCredentialsSetCmd(c), newCredentialsGetCmd(c), newCredentialsDeleteCmd(c))
	return cmd
}

// credentialKey returns host and username from args or the config.
func (c *cliState) credentialKey(args []string) (string, string, error) {
	a, err := c.open()
	if err != nil {
		return "", "", err
	}
	if len(args) == 0 && !a.Config().Exists() {
		return "", "", utils.ErrConfigFileNotFound(a.Config().Path())
	}
	var host, username string
	if url := a.Config().Server.URL; url != "" {
		server, err := utils.ValidateServerURL(url)
		if err != nil {
			return "", "", err
		}
		host = server.URL.Host
	}
	username = a.Config().Server.Username

	if len(args) >= 1 {
		host = args[0]
	}
	if len(args) == 2 {
		username = args[1]
	}
	if host == "" {
		return "", "", utils.ErrNotLoggedIn()
	}
	if username == "" {
		return "", "", fmt.Errorf("no username given for %s", host)
	}
	return host, username, nil
}

func newCredentialsSetCmd(c *cliState) *cobra.Command {
	return &cobra.Command{
		Use:   "set [host] [username]",
		Short: "Store a password in the system keyring",
		Long: `Store a password in the system keyring. The password is read from
the terminal without echo, or as one line from standard input.`,
		Args: cobra.MaximumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			host, username, err := c.credentialKey(args)
			if err != nil {
				return err
			}

			var password string
			if f, ok := c.in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
				fmt.Fprintf(cmd.ErrOrStderr(), "Password for %s@%s: ", username, host)
				password, err = tui.ReadPassword(int(f.Fd()))()
				fmt.Fprintln(cmd.ErrOrStderr())
			} else {
				password, err = utils.PromptLine(bufio.NewReader(c.in), cmd.ErrOrStderr(), "Password: ")
			}
			if err != nil {
				return fmt.Errorf("failed to read password: %w", err)
			}

			if err := credentials.Set(host, username, password); err != nil {
				return err
			}
			success(cmd.OutOrStdout(), "Stored password for %s@%s in the keyring", username, host)
			return nil
		},
	}
}

func newCredentialsGetCmd(c *cliState) *cobra.Command {
	return &cobra.Command{
		Use:   "get [host] [username]",
		Short: "Check whether a password is stored",
		Args:  cobra.MaximumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			host, username, err := c.credentialKey(args)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			_, err = credentials.Get(host, username)
			switch {
			case err == nil:
				success(out, "Password for %s@%s is stored in the keyring", username, host)
				return nil
			case !errors.Is(err, credentials.ErrNotFound):
				return err
			}

			name := c.app.Config().Server.Name
			if credentials.HasCredentials(name) {
				success(out, "Password for %s is set in %s", host, credentials.EnvVarName(name, "PASSWORD"))
				return nil
			}
			return utils.ErrCredentialsNotFound(host, username)
		},
	}
}

func newCredentialsDeleteCmd(c *cliState) *cobra.Command {
	return &cobra.Command{
		Use:     "delete [host] [username]",
		Aliases: []string{"rm"},
		Short:   "Remove a password from the system keyring",
		Args:    cobra.MaximumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			host, username, err := c.credentialKey(args)
			if err != nil {
				return err
			}
			if err := credentials.Delete(host, username); err != nil {
				if errors.Is(err, credentials.ErrNotFound) {
					return utils.ErrCredentialsNotFound(host, username)
				}
				return err
			}
			success(cmd.OutOrStdout(), "Removed password for %s@%s", username, host)
			return nil
		},
	}
}
