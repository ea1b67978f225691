package utils

import (
	"errors"
	"strings"
	"testing"
)

func TestErrorWithSuggestion_Error(t *testing.T) {
	with := &ErrorWithSuggestion{Err: errors.New("task not found"), Suggestion: "Try searching"}
	if got := with.Error(); got != "task not found\n\nSuggestion: Try searching" {
		t.Errorf("Error() = %q", got)
	}

	without := &ErrorWithSuggestion{Err: errors.New("simple error")}
	if got := without.Error(); got != "simple error" {
		t.Errorf("Error() = %q", got)
	}
}

func TestErrorWithSuggestion_Unwrap(t *testing.T) {
	originalErr := errors.New("original error")
	wrapped := WrapWithSuggestion(originalErr, "do something")

	if !errors.Is(wrapped, originalErr) {
		t.Error("errors.Is should see through ErrorWithSuggestion")
	}
	var ews *ErrorWithSuggestion
	if !errors.As(wrapped, &ews) || ews.Suggestion != "do something" {
		t.Errorf("errors.As() = %v", ews)
	}
	if WrapWithSuggestion(nil, "unused") != nil {
		t.Error("WrapWithSuggestion(nil) should return nil")
	}
}

func TestErrorConstructors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want []string
	}{
		{"task not found", ErrTaskNotFound("my task"), []string{"my task", "caldavtasks tasks"}},
		{"ambiguous task", ErrAmbiguousTask("buy", 3), []string{"3 tasks match 'buy'", "UID"}},
		{"list not found", ErrListNotFound("Work"), []string{"'Work'", "caldavtasks lists"}},
		{"no lists", ErrNoListsAvailable(), []string{"no task lists", "lists create"}},
		{"not logged in", ErrNotLoggedIn(), []string{"no server configured", "caldavtasks login"}},
		{"invalid priority", ErrInvalidPriority(15), []string{"15", "between 0"}},
		{"invalid date", ErrInvalidDate("01/15/2026"), []string{"01/15/2026", "YYYY-MM-DD"}},
		{"invalid status", ErrInvalidStatus("X", []string{"TODO", "DONE"}), []string{"invalid status: X", "TODO, DONE"}},
		{"credentials", ErrCredentialsNotFound("cloud.example.com", "alice"), []string{"cloud.example.com", "alice", "credentials set"}},
		{"auth failed", ErrAuthenticationFailed("cloud.example.com"), []string{"authentication failed", "app password"}},
		{"config missing", ErrConfigFileNotFound("/tmp/c.yaml"), []string{"/tmp/c.yaml", "login"}},
		{"config invalid", ErrInvalidConfig("/tmp/c.yaml", "sync.interval", "bad spec"), []string{"sync.interval", "bad spec", "/tmp/c.yaml"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := tt.err.Error()
			if !strings.Contains(msg, "Suggestion:") {
				t.Errorf("Error() = %q, want a suggestion", msg)
			}
			for _, want := range tt.want {
				if !strings.Contains(msg, want) {
					t.Errorf("Error() = %q, want to contain %q", msg, want)
				}
			}
		})
	}
}

func TestErrServerOffline(t *testing.T) {
	tests := []struct {
		reason         string
		wantSuggestion string
	}{
		{"dial tcp: lookup cloud.example.com: no such host", "DNS settings"},
		{"connection refused", "server is running"},
		{"context deadline exceeded", "slow or unreachable"},
		{"unknown error", "internet connection"},
	}

	for _, tt := range tests {
		t.Run(tt.reason, func(t *testing.T) {
			msg := ErrServerOffline("cloud.example.com", tt.reason).Error()
			for _, want := range []string{"cloud.example.com", tt.reason, tt.wantSuggestion, "stay queued"} {
				if !strings.Contains(msg, want) {
					t.Errorf("Error() = %q, want to contain %q", msg, want)
				}
			}
		})
	}
}
