package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"caldavtasks/backend/sync"
	"caldavtasks/internal/cli"
	"caldavtasks/internal/utils"
)

func newSyncCmd(c *cliState) *cobra.Command {
	var full bool
	var listName string

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Synchronize the cache with the server",
		Long: `Pull remote changes into the cache, then push the queued local
changes. Lists whose CTag did not change are skipped.

Conflicts are resolved with the sync.conflict_resolution strategy of the
config (server_wins, local_wins, merge or keep_both).

Examples:
  caldavtasks sync                 # pull and push
  caldavtasks sync --full          # ignore CTags and refetch every list
  caldavtasks sync --list Work     # pull one list only

  caldavtasks sync status          # cache and queue statistics
  caldavtasks sync queue           # show pending operations
  caldavtasks sync queue retry     # retry operations that gave up
  caldavtasks sync queue clear     # discard local changes`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open()
			if err != nil {
				return err
			}
			opts := sync.Options{Full: full}
			if listName != "" {
				list, err := a.FindList(cmd.Context(), listName)
				if err != nil {
					return err
				}
				opts.ListID = list.ID
			}

			result, err := a.Sync(cmd.Context(), opts)
			if result == nil {
				return err
			}
			if handled, serr := c.structured(cmd, newSyncReport(result)); handled || serr != nil {
				if serr != nil {
					return serr
				}
				return err
			}
			cli.ShowSyncResult(cmd.OutOrStdout(), result)
			if err != nil && result.Transient() {
				return utils.ErrServerOffline(a.Config().Server.URL, firstLine(result.Errors.Errors[0]))
			}
			return err
		},
	}

	cmd.Flags().BoolVar(&full, "full", false, "ignore CTags and refetch every list")
	cmd.Flags().StringVarP(&listName, "list", "l", "", "only pull this list")
	_ = cmd.RegisterFlagCompletionFunc("list", c.completeList())

	cmd.AddCommand(newSyncStatusCmd(c), newSyncQueueCmd(c))
	return cmd
}

// syncReport is the structured form of a sync result.
type syncReport struct {
	Pulled            int      `json:"pulled" yaml:"pulled"`
	Pushed            int      `json:"pushed" yaml:"pushed"`
	Deleted           int      `json:"deleted" yaml:"deleted"`
	ConflictsFound    int      `json:"conflicts_found" yaml:"conflicts_found"`
	ConflictsResolved int      `json:"conflicts_resolved" yaml:"conflicts_resolved"`
	SkippedLists      int      `json:"skipped_lists" yaml:"skipped_lists"`
	Errors            []string `json:"errors,omitempty" yaml:"errors,omitempty"`
	Duration          string   `json:"duration" yaml:"duration"`
}

func newSyncReport(r *sync.SyncResult) syncReport {
	report := syncReport{
		Pulled:            r.PulledTasks,
		Pushed:            r.PushedTasks,
		Deleted:           r.DeletedTasks,
		ConflictsFound:    r.ConflictsFound,
		ConflictsResolved: r.ConflictsResolved,
		SkippedLists:      r.SkippedLists,
		Duration:          r.Duration.Round(time.Millisecond).String(),
	}
	if r.Errors != nil {
		for _, err := range r.Errors.Errors {
			report.Errors = append(report.Errors, err.Error())
		}
	}
	return report
}

func newSyncStatusCmd(c *cliState) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show cache and queue statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			stats, err := a.Store().Stats(ctx)
			if err != nil {
				return err
			}
			lists, err := a.Store().GetTaskLists(ctx)
			if err != nil {
				return err
			}
			if handled, err := c.structured(cmd, stats); handled || err != nil {
				return err
			}
			cli.ShowStatus(cmd.OutOrStdout(), stats, lists, a.Config().Server.URL, time.Now())
			return nil
		},
	}
}

func newSyncQueueCmd(c *cliState) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Show local changes waiting to be pushed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			ops, err := a.Store().PendingOperations(ctx, 0)
			if err != nil {
				return err
			}
			if handled, err := c.structured(cmd, ops); handled || err != nil {
				return err
			}

			summaries := make(map[string]string, len(ops))
			for _, op := range ops {
				if lt, err := a.Store().LookupTask(ctx, op.TaskUID); err == nil {
					summaries[op.TaskUID] = lt.Summary
				}
			}
			cli.ShowQueue(cmd.OutOrStdout(), ops, summaries)
			return nil
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "retry",
		Short: "Retry operations that reached the retry limit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open()
			if err != nil {
				return err
			}
			n, err := a.Store().ResetFailures(cmd.Context())
			if err != nil {
				return err
			}
			success(cmd.OutOrStdout(), "Reset %d failed %s", n, pluralOps(n))
			if n > 0 {
				pushChanges(cmd, a)
			}
			return nil
		},
	})

	var force bool
	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Discard every pending local change",
		Long: `Discard every queued local change. Tasks that were never uploaded
are removed; the others are restored from the server on the next sync.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if !force && !utils.PromptYesNo(c.in, out, "Discard all local changes that were not pushed yet?") {
				fmt.Fprintln(out, "Cancelled")
				return nil
			}
			n, err := a.Store().ClearQueue(cmd.Context())
			if err != nil {
				return err
			}
			success(out, "Discarded %d %s. Run 'caldavtasks sync' to restore server state", n, pluralOps(n))
			return nil
		},
	}
	clearCmd.Flags().BoolVarP(&force, "force", "f", false, "do not ask for confirmation")
	cmd.AddCommand(clearCmd)
	return cmd
}

func pluralOps(n int) string {
	if n == 1 {
		return "operation"
	}
	return "operations"
}
