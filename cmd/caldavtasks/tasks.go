package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"caldavtasks/backend"
	"caldavtasks/backend/sqlite"
	"caldavtasks/internal/app"
	"caldavtasks/internal/cli"
	"caldavtasks/internal/utils"
)

var validStatuses = backend.StatusStringTranslateToAppStatus([]string{
	backend.StatusNeedsAction, backend.StatusInProcess, backend.StatusCompleted, backend.StatusCancelled,
})

// parseStatuses maps CLI status names to VTODO statuses.
func parseStatuses(values []string) ([]string, error) {
	var statuses []string
	for _, v := range values {
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				statuses = append(statuses, s)
			}
		}
	}
	standard := backend.StatusStringTranslateToStandardStatus(statuses)
	for i, s := range standard {
		if !backend.IsValidStatus(s) {
			return nil, utils.ErrInvalidStatus(statuses[i], validStatuses)
		}
	}
	return standard, nil
}

func newTasksCmd(c *cliState) *cobra.Command {
	var statuses []string
	var all bool
	var dueBefore, dueAfter, search string

	cmd := &cobra.Command{
		Use:     "tasks [list]",
		Aliases: []string{"t", "ls"},
		Short:   "Show tasks from the cache",
		Long: `Show the tasks of a list, or of every list when none is given.
Completed and cancelled tasks are hidden unless --all or --status is set.

Status names: TODO (T), PROCESSING (P), DONE (D), CANCELLED (C).

Examples:
  caldavtasks tasks Work
  caldavtasks tasks Work --status DONE
  caldavtasks tasks --due-before 2026-02-01
  caldavtasks tasks Work --search report --format json`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open()
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			filter := &backend.TaskFilter{Summary: search}
			if len(statuses) > 0 {
				if filter.Statuses, err = parseStatuses(statuses); err != nil {
					return err
				}
			} else if !all {
				filter.ExcludeStatuses = []string{backend.StatusCompleted, backend.StatusCancelled}
			}
			if filter.DueBefore, err = parseDueBound(dueBefore, true); err != nil {
				return err
			}
			if filter.DueAfter, err = parseDueBound(dueAfter, false); err != nil {
				return err
			}

			title := "All Tasks"
			listID := ""
			if len(args) == 0 {
				lists, err := a.Store().GetTaskLists(ctx)
				if err != nil {
					return err
				}
				if len(lists) == 0 {
					return utils.ErrNoListsAvailable()
				}
			} else {
				list, err := a.FindList(ctx, args[0])
				if err != nil {
					return err
				}
				title, listID = list.Name, list.ID
			}

			tasks, err := a.Store().GetTasks(ctx, listID, filter)
			if err != nil {
				return err
			}
			if handled, err := c.structured(cmd, tasks); handled || err != nil {
				return err
			}
			cli.ShowTasks(cmd.OutOrStdout(), title, tasks, a.Config().GetDateFormat(), time.Now())
			return nil
		},
	}

	cmd.Flags().StringSliceVarP(&statuses, "status", "s", nil, "only show these statuses (repeatable or comma separated)")
	cmd.Flags().BoolVarP(&all, "all", "a", false, "include completed and cancelled tasks")
	cmd.Flags().StringVar(&dueBefore, "due-before", "", "only tasks due on or before this date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&dueAfter, "due-after", "", "only tasks due on or after this date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&search, "search", "", "only tasks whose summary contains this text")
	cmd.ValidArgsFunction = c.completeList()

	// Also reachable as top-level shortcuts.
	cmd.AddCommand(newAddCmd(c), newEditCmd(c), newDoneCmd(c), newReopenCmd(c), newRemoveCmd(c))
	return cmd
}

// parseDueBound parses a date filter. An upper bound covers the whole day.
func parseDueBound(s string, endOfDay bool) (*time.Time, error) {
	d, err := utils.ParseDateFlag(s)
	if err != nil || d == nil {
		return nil, err
	}
	if endOfDay {
		end := d.AddDate(0, 0, 1).Add(-time.Nanosecond)
		return &end, nil
	}
	return d, nil
}

// taskFlags are the editable task fields shared by add and edit.
type taskFlags struct {
	summary     string
	description string
	status      string
	priority    int
	percent     int
	due         string
	start       string
	parent      string
	categories  []string
}

func (f *taskFlags) register(flags *pflag.FlagSet, withSummary bool) {
	if withSummary {
		flags.StringVar(&f.summary, "summary", "", "new summary")
	}
	flags.StringVarP(&f.description, "description", "d", "", "task description")
	flags.StringVar(&f.status, "status", "", "status: TODO, PROCESSING, DONE or CANCELLED")
	flags.IntVarP(&f.priority, "priority", "p", 0, "priority 0-9 (1 highest, 0 undefined)")
	flags.IntVar(&f.percent, "percent", 0, "percent complete 0-100")
	flags.StringVar(&f.due, "due", "", "due date (YYYY-MM-DD, empty clears)")
	flags.StringVar(&f.start, "start", "", "start date (YYYY-MM-DD, empty clears)")
	flags.StringVarP(&f.parent, "parent", "P", "", "parent task (summary or UID, empty clears)")
	flags.StringSliceVarP(&f.categories, "category", "c", nil, "categories (repeatable or comma separated)")
}

var taskFlagNames = []string{"summary", "description", "status", "priority", "percent", "due", "start", "parent", "category"}

func (f *taskFlags) anyChanged(cmd *cobra.Command) bool {
	for _, name := range taskFlagNames {
		if cmd.Flags().Changed(name) {
			return true
		}
	}
	return false
}

// apply copies the flags set on the command line into task.
func (f *taskFlags) apply(cmd *cobra.Command, a *app.App, listID string, task *backend.Task) error {
	changed := cmd.Flags().Changed
	now := time.Now()

	if changed("summary") {
		if strings.TrimSpace(f.summary) == "" {
			return fmt.Errorf("summary cannot be empty")
		}
		task.Summary = f.summary
	}
	if changed("description") {
		task.Description = f.description
	}
	if changed("priority") {
		if err := utils.ValidatePriority(f.priority); err != nil {
			return utils.ErrInvalidPriority(f.priority)
		}
		task.Priority = f.priority
	}
	if changed("percent") {
		if err := utils.ValidatePercent(f.percent); err != nil {
			return err
		}
		task.PercentComplete = f.percent
	}
	if changed("due") {
		d, err := utils.ParseDateFlag(f.due)
		if err != nil {
			return utils.ErrInvalidDate(f.due)
		}
		task.DueDate = d
	}
	if changed("start") {
		d, err := utils.ParseDateFlag(f.start)
		if err != nil {
			return utils.ErrInvalidDate(f.start)
		}
		task.StartDate = d
	}
	if changed("due") || changed("start") {
		task.AllDay = true
		if err := utils.ValidateDates(task.StartDate, task.DueDate); err != nil {
			return err
		}
	}
	if changed("category") {
		task.Categories = nil
		for _, v := range f.categories {
			if v = strings.TrimSpace(v); v != "" {
				task.Categories = append(task.Categories, v)
			}
		}
	}
	if changed("parent") {
		task.ParentUID = ""
		if f.parent != "" {
			parent, err := a.ResolveTask(cmd.Context(), listID, f.parent)
			if err != nil {
				return err
			}
			if parent.UID == task.UID {
				return fmt.Errorf("a task cannot be its own parent")
			}
			task.ParentUID = parent.UID
		}
	}
	if changed("status") {
		statuses, err := parseStatuses([]string{f.status})
		if err != nil {
			return err
		}
		switch {
		case statuses[0] == backend.StatusCompleted:
			task.MarkCompleted(now)
		case task.Status == backend.StatusCompleted:
			task.Reopen(now)
			task.Status = statuses[0]
		default:
			task.Status = statuses[0]
		}
	}
	return nil
}

func newAddCmd(c *cliState) *cobra.Command {
	var flags taskFlags

	cmd := &cobra.Command{
		Use:     "add <list> <summary>",
		Aliases: []string{"a"},
		Short:   "Add a task",
		Long: `Add a task to a list. The task is stored in the cache and pushed to
the server right away; offline it stays queued for the next sync.

Examples:
  caldavtasks add Work "Write report"
  caldavtasks add Work "Proofread" --parent "Write report" --due 2026-01-31
  caldavtasks add Home "Buy milk" -p 1 -c errands`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open()
			if err != nil {
				return err
			}
			list, err := a.FindList(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if strings.TrimSpace(args[1]) == "" {
				return fmt.Errorf("summary cannot be empty")
			}

			task := backend.Task{Summary: args[1], Status: backend.StatusNeedsAction}
			if err := flags.apply(cmd, a, list.ID, &task); err != nil {
				return err
			}
			created, err := a.Store().CreateLocal(cmd.Context(), list.ID, task)
			if err != nil {
				return err
			}
			success(cmd.OutOrStdout(), "Added '%s' to %s", created.Summary, list.Name)
			pushChanges(cmd, a)
			return nil
		},
	}

	flags.register(cmd.Flags(), false)
	cmd.ValidArgsFunction = c.completeList()
	return cmd
}

// resolveTaskArgs resolves "<list> <task>" or "<task>" arguments.
func resolveTaskArgs(cmd *cobra.Command, a *app.App, args []string) (*sqlite.LocalTask, error) {
	listID := ""
	term := args[0]
	if len(args) == 2 {
		list, err := a.FindList(cmd.Context(), args[0])
		if err != nil {
			return nil, err
		}
		listID, term = list.ID, args[1]
	}
	return a.ResolveTask(cmd.Context(), listID, term)
}

func newEditCmd(c *cliState) *cobra.Command {
	var flags taskFlags

	cmd := &cobra.Command{
		Use:     "edit [list] <task>",
		Aliases: []string{"e", "update"},
		Short:   "Change a task",
		Long: `Change the fields given as flags. The task is found by UID, exact
summary or a unique part of the summary.

Examples:
  caldavtasks edit Work "report" --summary "Write the Q1 report"
  caldavtasks edit Work "report" --due ""          # clear the due date
  caldavtasks edit "report" --status PROCESSING --percent 40`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open()
			if err != nil {
				return err
			}
			lt, err := resolveTaskArgs(cmd, a, args)
			if err != nil {
				return err
			}
			if !flags.anyChanged(cmd) {
				return fmt.Errorf("nothing to change; see 'caldavtasks edit --help'")
			}

			task := lt.Task
			if err := flags.apply(cmd, a, lt.ListID, &task); err != nil {
				return err
			}
			if err := a.Store().UpdateLocal(cmd.Context(), task); err != nil {
				return err
			}
			success(cmd.OutOrStdout(), "Updated '%s'", task.Summary)
			pushChanges(cmd, a)
			return nil
		},
	}

	flags.register(cmd.Flags(), true)
	cmd.ValidArgsFunction = c.completeList()
	return cmd
}

// newStatusCmd builds the done and reopen commands.
func newStatusCmd(c *cliState, use, alias, short, verb string, change func(t *backend.Task, now time.Time)) *cobra.Command {
	return &cobra.Command{
		Use:               use + " [list] <task>",
		Aliases:           []string{alias},
		Short:             short,
		Args:              cobra.RangeArgs(1, 2),
		ValidArgsFunction: c.completeList(),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open()
			if err != nil {
				return err
			}
			lt, err := resolveTaskArgs(cmd, a, args)
			if err != nil {
				return err
			}

			task := lt.Task
			change(&task, time.Now())
			if err := a.Store().UpdateLocal(cmd.Context(), task); err != nil {
				return err
			}
			success(cmd.OutOrStdout(), "%s '%s'", verb, task.Summary)
			pushChanges(cmd, a)
			return nil
		},
	}
}

func newDoneCmd(c *cliState) *cobra.Command {
	return newStatusCmd(c, "done", "d", "Mark a task completed", "Completed", (*backend.Task).MarkCompleted)
}

func newReopenCmd(c *cliState) *cobra.Command {
	return newStatusCmd(c, "reopen", "undo", "Mark a completed task as not done", "Reopened", (*backend.Task).Reopen)
}

func newRemoveCmd(c *cliState) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:     "rm [list] <task>",
		Aliases: []string{"delete"},
		Short:   "Delete a task",
		Args:    cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open()
			if err != nil {
				return err
			}
			lt, err := resolveTaskArgs(cmd, a, args)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if !force && !utils.PromptYesNo(c.in, out, fmt.Sprintf("Delete task '%s'?", lt.Summary)) {
				fmt.Fprintln(out, "Cancelled")
				return nil
			}
			if err := a.Store().DeleteLocal(cmd.Context(), lt.UID); err != nil {
				return err
			}
			success(out, "Deleted '%s'", lt.Summary)
			pushChanges(cmd, a)
			return nil
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "do not ask for confirmation")
	cmd.ValidArgsFunction = c.completeList()
	return cmd
}
