// Package cli renders lists, tasks and sync state for the terminal.
package cli

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"caldavtasks/backend"
	"caldavtasks/backend/sqlite"
	"caldavtasks/backend/sync"
)

var (
	headerStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("36"))
	nameStyle    = lipgloss.NewStyle().Bold(true)
	mutedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	numberStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("36"))
	doneStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("241")).Strikethrough(true)
	overdueStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	okStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
)

// GetTerminalWidth returns the current terminal width, defaulting to 80 if unable to detect
func GetTerminalWidth() int {
	width, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil {
		return 80
	}
	return width
}

func borderWidth() int {
	w := GetTerminalWidth() - 2
	if w < 40 {
		return 40
	}
	if w > 100 {
		return 100
	}
	return w
}

func header(w io.Writer, title string) {
	text := "─ " + title + " "
	pad := borderWidth() - lipgloss.Width(text)
	if pad < 0 {
		pad = 0
	}
	fmt.Fprintln(w, headerStyle.Render("┌"+text+strings.Repeat("─", pad)+"┐"))
}

func footer(w io.Writer) {
	fmt.Fprintln(w, headerStyle.Render("└"+strings.Repeat("─", borderWidth())+"┘"))
}

// ShowTaskLists prints the lists with their open task counts.
func ShowTaskLists(w io.Writer, lists []backend.TaskList, counts map[string]int) {
	if len(lists) == 0 {
		fmt.Fprintln(w, mutedStyle.Render("No task lists. Run 'caldavtasks sync' or 'caldavtasks lists create <name>'."))
		return
	}

	header(w, "Task Lists")
	for i, list := range lists {
		line := fmt.Sprintf("  %s %s", numberStyle.Render(fmt.Sprintf("%2d.", i+1)), nameStyle.Render(list.Name))
		if n := counts[list.ID]; n > 0 {
			line += mutedStyle.Render(fmt.Sprintf(" (%d %s)", n, plural(n, "task", "tasks")))
		}
		fmt.Fprintln(w, line)
		if list.Description != "" {
			fmt.Fprintln(w, "      "+mutedStyle.Render(list.Description))
		}
	}
	footer(w)
}

// ShowTasks prints tasks as a tree, subtasks indented under their parent.
func ShowTasks(w io.Writer, title string, tasks []backend.Task, dateFormat string, now time.Time) {
	if len(tasks) == 0 {
		fmt.Fprintln(w, mutedStyle.Render("No tasks."))
		return
	}

	sorted := append([]backend.Task(nil), tasks...)
	backend.SortTasks(sorted)
	sorted = backend.SortTasksByHierarchy(sorted)

	depth := make(map[string]int, len(sorted))
	for _, t := range sorted {
		if d, ok := depth[t.ParentUID]; ok && t.ParentUID != "" {
			depth[t.UID] = d + 1
		} else {
			depth[t.UID] = 0
		}
	}

	header(w, title)
	for _, t := range sorted {
		fmt.Fprintln(w, "  "+strings.Repeat("  ", depth[t.UID])+formatTask(t, dateFormat, now))
	}
	footer(w)
}

func formatTask(t backend.Task, dateFormat string, now time.Time) string {
	summary := t.Summary
	switch t.Status {
	case backend.StatusCompleted, backend.StatusCancelled:
		summary = doneStyle.Render(summary)
	}

	var b strings.Builder
	b.WriteString(statusSymbol(t.Status))
	b.WriteString(" ")
	b.WriteString(summary)
	if t.Priority > 0 {
		b.WriteString(" " + warnStyle.Render(fmt.Sprintf("[P%d]", t.Priority)))
	}
	if t.PercentComplete > 0 && t.PercentComplete < 100 {
		b.WriteString(mutedStyle.Render(fmt.Sprintf(" %d%%", t.PercentComplete)))
	}
	if t.DueDate != nil {
		due, overdue := dueLabel(t, dateFormat, now)
		if t.Status != backend.StatusCompleted && overdue {
			b.WriteString(overdueStyle.Render(due))
		} else {
			b.WriteString(mutedStyle.Render(due))
		}
	}
	if len(t.Categories) > 0 {
		b.WriteString(mutedStyle.Render(" #" + strings.Join(t.Categories, " #")))
	}
	return b.String()
}

// dueLabel renders the due date. All-day dates are calendar dates kept at
// midnight UTC, so they are shown in UTC and compared against today's local
// date rather than the current instant.
func dueLabel(t backend.Task, dateFormat string, now time.Time) (string, bool) {
	if t.AllDay {
		d := t.DueDate.UTC()
		today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
		return fmt.Sprintf(" (due %s)", d.Format(dateFormat)), d.Before(today)
	}
	return fmt.Sprintf(" (due %s)", t.DueDate.Local().Format(dateFormat)), t.DueDate.Before(now)
}

func statusSymbol(status string) string {
	switch status {
	case backend.StatusCompleted:
		return okStyle.Render("✓")
	case backend.StatusInProcess:
		return warnStyle.Render("●")
	case backend.StatusCancelled:
		return mutedStyle.Render("✗")
	default:
		return "○"
	}
}

// ShowSyncResult prints a summary line and any errors of a run.
func ShowSyncResult(w io.Writer, result *sync.SyncResult) {
	if result == nil {
		return
	}
	status := okStyle.Render("✓ Sync completed")
	if result.Err() != nil {
		status = warnStyle.Render("⚠ Sync finished with errors")
	}
	fmt.Fprintf(w, "%s in %s\n", status, result.Duration.Round(time.Millisecond))
	fmt.Fprintf(w, "  Pulled: %d  Pushed: %d  Deleted: %d  Unchanged lists: %d\n",
		result.PulledTasks, result.PushedTasks, result.DeletedTasks, result.SkippedLists)
	if result.ConflictsFound > 0 {
		fmt.Fprintf(w, "  Conflicts: %d found, %d resolved\n", result.ConflictsFound, result.ConflictsResolved)
	}
	if result.Errors != nil {
		for _, err := range result.Errors.Errors {
			fmt.Fprintln(w, "  "+overdueStyle.Render("✗ "+err.Error()))
		}
	}
}

// ShowStatus prints cache statistics and when each list was last synced.
func ShowStatus(w io.Writer, stats *sqlite.Stats, lists []backend.TaskList, server string, now time.Time) {
	header(w, "Sync Status")
	if server == "" {
		server = mutedStyle.Render("not logged in")
	}
	fmt.Fprintf(w, "  Server: %s\n", server)
	fmt.Fprintf(w, "  Cache: %s (%.1f KB, schema v%d)\n", stats.Path, float64(stats.SizeBytes)/1024, stats.SchemaVersion)
	fmt.Fprintf(w, "  Lists: %d  Tasks: %d\n", stats.Lists, stats.Tasks)

	pending := fmt.Sprintf("%d", stats.PendingOps)
	if stats.PendingOps > 0 {
		pending = warnStyle.Render(pending)
	}
	fmt.Fprintf(w, "  Pending operations: %s  Modified locally: %d\n", pending, stats.DirtyTasks)
	if stats.FailedOps > 0 {
		fmt.Fprintln(w, "  "+overdueStyle.Render(fmt.Sprintf("Failed operations: %d (see 'caldavtasks sync queue')", stats.FailedOps)))
	}

	for _, l := range lists {
		last := mutedStyle.Render("never")
		if l.LastSynced != nil {
			last = humanizeSince(now.Sub(*l.LastSynced)) + " ago"
		}
		fmt.Fprintf(w, "  %-30s last synced %s\n", l.Name, last)
	}
	footer(w)
}

// ShowQueue prints the pending operations, oldest first.
func ShowQueue(w io.Writer, ops []sqlite.Operation, summaries map[string]string) {
	if len(ops) == 0 {
		fmt.Fprintln(w, okStyle.Render("✓ No pending operations"))
		return
	}
	header(w, fmt.Sprintf("Pending Operations (%d)", len(ops)))
	for _, op := range ops {
		name := summaries[op.TaskUID]
		if name == "" {
			name = op.TaskUID
		}
		line := fmt.Sprintf("  %-7s %s", op.Type, name)
		if op.RetryCount > 0 {
			line += overdueStyle.Render(fmt.Sprintf("  retries: %d, last error: %s", op.RetryCount, op.LastError))
		}
		fmt.Fprintln(w, line)
	}
	footer(w)
}

func humanizeSince(d time.Duration) string {
	switch {
	case d < time.Minute:
		return "less than a minute"
	case d < time.Hour:
		n := int(d / time.Minute)
		return fmt.Sprintf("%d %s", n, plural(n, "minute", "minutes"))
	case d < 48*time.Hour:
		n := int(d / time.Hour)
		return fmt.Sprintf("%d %s", n, plural(n, "hour", "hours"))
	default:
		return fmt.Sprintf("%d days", int(d/(24*time.Hour)))
	}
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
