package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"caldavtasks/backend"
	"caldavtasks/internal/cli"
	"caldavtasks/internal/utils"
)

func newListsCmd(c *cliState) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "lists",
		Aliases: []string{"list", "l"},
		Short:   "Show and manage task lists",
		Long: `Show the cached task lists with their open task counts.

Examples:
  caldavtasks lists
  caldavtasks lists create Groceries --description "Weekly shopping"
  caldavtasks lists rename Groceries Shopping
  caldavtasks lists delete Shopping`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			lists, err := a.Store().GetTaskLists(ctx)
			if err != nil {
				return err
			}
			if handled, err := c.structured(cmd, lists); handled || err != nil {
				return err
			}

			open := &backend.TaskFilter{ExcludeStatuses: []string{backend.StatusCompleted, backend.StatusCancelled}}
			counts := make(map[string]int, len(lists))
			for _, l := range lists {
				tasks, err := a.Store().GetTasks(ctx, l.ID, open)
				if err != nil {
					return err
				}
				counts[l.ID] = len(tasks)
			}
			cli.ShowTaskLists(cmd.OutOrStdout(), lists, counts)
			return nil
		},
	}

	cmd.AddCommand(newListsCreateCmd(c), newListsRenameCmd(c), newListsDeleteCmd(c))
	return cmd
}

func newListsCreateCmd(c *cliState) *cobra.Command {
	var description, color string

	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a task list on the server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open()
			if err != nil {
				return err
			}
			if _, err := a.Store().FindList(cmd.Context(), args[0]); err == nil {
				return fmt.Errorf("list '%s' already exists", args[0])
			}
			list, err := a.CreateList(cmd.Context(), args[0], description, color)
			if err != nil {
				return err
			}
			success(cmd.OutOrStdout(), "Created list '%s'", list.Name)
			return nil
		},
	}

	cmd.Flags().StringVarP(&description, "description", "d", "", "list description")
	cmd.Flags().StringVar(&color, "color", "", "list color, e.g. #0082c9")
	return cmd
}

func newListsRenameCmd(c *cliState) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rename <list> <new-name>",
		Short: "Rename a task list",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open()
			if err != nil {
				return err
			}
			list, err := a.FindList(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			old := list.Name
			if _, err := a.RenameList(cmd.Context(), list, args[1]); err != nil {
				return err
			}
			success(cmd.OutOrStdout(), "Renamed list '%s' to '%s'", old, args[1])
			return nil
		},
	}
	cmd.ValidArgsFunction = c.completeList()
	return cmd
}

func newListsDeleteCmd(c *cliState) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "delete <list>",
		Short: "Delete a task list and all of its tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open()
			if err != nil {
				return err
			}
			list, err := a.FindList(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if !force {
				question := fmt.Sprintf("Delete list '%s' and all of its tasks on the server?", list.Name)
				if !utils.PromptYesNo(c.in, out, question) {
					fmt.Fprintln(out, "Cancelled")
					return nil
				}
			}
			if err := a.DeleteList(cmd.Context(), list); err != nil {
				return err
			}
			success(out, "Deleted list '%s'", list.Name)
			return nil
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "do not ask for confirmation")
	cmd.ValidArgsFunction = c.completeList()
	return cmd
}
