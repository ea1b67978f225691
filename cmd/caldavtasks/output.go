package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"caldavtasks/backend"
	"caldavtasks/internal/app"
	"caldavtasks/internal/utils"
)

var (
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	noteStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
)

func success(w io.Writer, format string, args ...interface{}) {
	fmt.Fprintln(w, successStyle.Render("✓ "+fmt.Sprintf(format, args...)))
}

func note(w io.Writer, format string, args ...interface{}) {
	fmt.Fprintln(w, noteStyle.Render("⚠ "+fmt.Sprintf(format, args...)))
}

// structured writes data as JSON or YAML when --format asks for it and
// reports whether it did.
func (c *cliState) structured(cmd *cobra.Command, data interface{}) (bool, error) {
	return utils.WriteStructured(cmd.OutOrStdout(), c.format, data)
}

// pushChanges uploads queued edits right away. Failures are reported but
// not returned: the edit is saved in the cache and stays queued.
func pushChanges(cmd *cobra.Command, a *app.App) {
	out := cmd.OutOrStdout()
	result, err := a.PushPending(cmd.Context())
	if err == nil {
		return
	}

	var suggestion *utils.ErrorWithSuggestion
	switch {
	case errors.As(err, &suggestion) && result == nil:
		// not logged in or no credentials
		note(out, "Saved locally only: %s", firstLine(err))
	case result != nil && result.Transient():
		note(out, "Server unreachable, the change is queued for the next sync")
	case backend.IsUnauthorized(err):
		note(out, "Server rejected the credentials, the change is queued. Run 'caldavtasks login'")
	default:
		note(out, "Push failed, the change is queued: %s", firstLine(err))
	}
	utils.Debugf("push after edit: %v", err)
}
