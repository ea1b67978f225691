package cli

import (
	"context"
	"strings"

	"github.com/spf13/cobra"

	"caldavtasks/backend"
)

// ListLister returns the cached task lists.
type ListLister func(ctx context.Context) ([]backend.TaskList, error)

// ListNameCompletion completes the first argument with cached list names.
func ListNameCompletion(lists ListLister) func(*cobra.Command, []string, string) ([]string, cobra.ShellCompDirective) {
	return func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		if len(args) > 0 {
			return nil, cobra.ShellCompDirectiveNoFileComp
		}
		all, err := lists(cmd.Context())
		if err != nil {
			return nil, cobra.ShellCompDirectiveError
		}

		var completions []string
		for _, list := range all {
			if strings.HasPrefix(strings.ToLower(list.Name), strings.ToLower(toComplete)) {
				completions = append(completions, list.Name)
			}
		}
		return completions, cobra.ShellCompDirectiveNoFileComp
	}
}
