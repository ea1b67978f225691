package utils

import (
	"fmt"
	"strings"
)

// ErrorWithSuggestion wraps an error with a helpful suggestion for the user
type ErrorWithSuggestion struct {
	Err        error
	Suggestion string
}

// Error implements the error interface
func (e *ErrorWithSuggestion) Error() string {
	if e.Suggestion != "" {
		return fmt.Sprintf("%v\n\nSuggestion: %s", e.Err, e.Suggestion)
	}
	return e.Err.Error()
}

// Unwrap allows errors.Is and errors.As to work
func (e *ErrorWithSuggestion) Unwrap() error {
	return e.Err
}

// ErrTaskNotFound creates an error when no task matches a search term.
func ErrTaskNotFound(searchTerm string) error {
	return &ErrorWithSuggestion{
		Err:        fmt.Errorf("no tasks found matching '%s'", searchTerm),
		Suggestion: "Try a different search term or run 'caldavtasks tasks <list>' to see all tasks",
	}
}

// ErrAmbiguousTask is returned when a summary matches more than one task.
func ErrAmbiguousTask(searchTerm string, matches int) error {
	return &ErrorWithSuggestion{
		Err:        fmt.Errorf("%d tasks match '%s'", matches, searchTerm),
		Suggestion: "Use the exact summary or the task UID",
	}
}

// ErrListNotFound creates an error when a list is not found
func ErrListNotFound(listName string) error {
	return &ErrorWithSuggestion{
		Err:        fmt.Errorf("list '%s' not found", listName),
		Suggestion: "Run 'caldavtasks lists' to see available lists, or 'caldavtasks sync' to refresh them",
	}
}

// ErrNoListsAvailable creates an error when no lists are available
func ErrNoListsAvailable() error {
	return &ErrorWithSuggestion{
		Err:        fmt.Errorf("no task lists available"),
		Suggestion: "Create a new list with 'caldavtasks lists create <name>'",
	}
}

// ErrNotLoggedIn is returned when no server is configured.
func ErrNotLoggedIn() error {
	return &ErrorWithSuggestion{
		Err:        fmt.Errorf("no server configured"),
		Suggestion: "Run 'caldavtasks login <server-url>' first",
	}
}

// ErrServerOffline creates an error when the server cannot be reached.
func ErrServerOffline(server, reason string) error {
	suggestion := "Check your internet connection and try again"
	switch {
	case strings.Contains(reason, "no such host"), strings.Contains(reason, "DNS"):
		suggestion = "Check the server address and your DNS settings"
	case strings.Contains(reason, "refused"):
		suggestion = "Check if the server is running and accessible"
	case strings.Contains(reason, "timeout"), strings.Contains(reason, "deadline exceeded"):
		suggestion = "The server may be slow or unreachable. Try again later"
	}

	return &ErrorWithSuggestion{
		Err:        fmt.Errorf("server %s is unreachable: %s", server, reason),
		Suggestion: suggestion + ". Local changes stay queued until the next sync",
	}
}

// ErrInvalidPriority creates an error for invalid priority values
func ErrInvalidPriority(priority int) error {
	return &ErrorWithSuggestion{
		Err:        fmt.Errorf("invalid priority %d", priority),
		Suggestion: "Priority must be between 0 (undefined) and 9, 1 being the highest",
	}
}

// ErrInvalidDate creates an error for invalid date formats
func ErrInvalidDate(dateStr string) error {
	return &ErrorWithSuggestion{
		Err:        fmt.Errorf("invalid date format: %s", dateStr),
		Suggestion: "Use YYYY-MM-DD format (e.g., 2026-01-15)",
	}
}

// ErrInvalidStatus creates an error for invalid status values
func ErrInvalidStatus(status string, validStatuses []string) error {
	return &ErrorWithSuggestion{
		Err:        fmt.Errorf("invalid status: %s", status),
		Suggestion: fmt.Sprintf("Valid statuses: %s", strings.Join(validStatuses, ", ")),
	}
}

// ErrCredentialsNotFound creates an error when credentials are not found
func ErrCredentialsNotFound(host, username string) error {
	return &ErrorWithSuggestion{
		Err:        fmt.Errorf("credentials not found for %s (user: %s)", host, username),
		Suggestion: fmt.Sprintf("Store credentials with 'caldavtasks credentials set %s %s'", host, username),
	}
}

// ErrAuthenticationFailed creates an error when the server rejects the credentials.
func ErrAuthenticationFailed(host string) error {
	return &ErrorWithSuggestion{
		Err:        fmt.Errorf("authentication failed for %s", host),
		Suggestion: "Nextcloud accounts with two-factor authentication need an app password. Run 'caldavtasks login' again",
	}
}

// ErrConfigFileNotFound creates an error when config file is not found
func ErrConfigFileNotFound(path string) error {
	return &ErrorWithSuggestion{
		Err:        fmt.Errorf("config file not found at %s", path),
		Suggestion: "Run 'caldavtasks login <server-url>' to create one",
	}
}

// ErrInvalidConfig creates an error for invalid configuration
func ErrInvalidConfig(path, field, reason string) error {
	return &ErrorWithSuggestion{
		Err:        fmt.Errorf("invalid configuration for '%s': %s", field, reason),
		Suggestion: fmt.Sprintf("Check %s and fix the '%s' field", path, field),
	}
}

// WrapWithSuggestion wraps an existing error with a suggestion
func WrapWithSuggestion(err error, suggestion string) error {
	if err == nil {
		return nil
	}
	return &ErrorWithSuggestion{
		Err:        err,
		Suggestion: suggestion,
	}
}
