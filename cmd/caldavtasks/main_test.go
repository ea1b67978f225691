package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/zalando/go-keyring"

	"caldavtasks/backend"
	"caldavtasks/backend/caldav"
)

func TestMain(m *testing.M) {
	keyring.MockInit()
	os.Exit(m.Run())
}

const loggedIn = `
server:
  name: clitest
  url: https://cloud.example.com/
  username: alice
`

type testCLI struct {
	cfgPath string
	remote  *backend.FakeRemote
}

func newTestCLI(t *testing.T, configYAML string) *testCLI {
	t.Helper()
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	configYAML += "\ncache:\n  path: " + filepath.Join(dir, "tasks.db") + "\n"
	if err := os.WriteFile(cfgPath, []byte(configYAML), 0600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CALDAVTASKS_CLITEST_USERNAME", "alice")
	t.Setenv("CALDAVTASKS_CLITEST_PASSWORD", "secret")
	return &testCLI{cfgPath: cfgPath, remote: backend.NewFakeRemote()}
}

// run executes one command line with stdin and returns everything written.
func (tc *testCLI) run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	c := &cliState{
		in: strings.NewReader(stdin),
		newRemote: func(backend.ConnectorConfig) (backend.RemoteManager, error) {
			return tc.remote, nil
		},
	}
	defer c.close()

	cmd := newRootCmd(c)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--config", tc.cfgPath}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func (tc *testCLI) mustRun(t *testing.T, args ...string) string {
	t.Helper()
	out, err := tc.run(t, "", args...)
	if err != nil {
		t.Fatalf("%v: error = %v\n%s", args, err, out)
	}
	return out
}

// withTask sets up a Work list holding one task and syncs it.
func withTask(t *testing.T) (*testCLI, backend.Task) {
	t.Helper()
	tc := newTestCLI(t, loggedIn)
	tc.remote.AddList("work", "Work")
	task := tc.remote.SetTask("work", backend.Task{UID: "t1", Summary: "Write report", Status: backend.StatusNeedsAction})
	tc.mustRun(t, "sync")
	return tc, task
}

func assertContains(t *testing.T, out string, want ...string) {
	t.Helper()
	for _, w := range want {
		if !strings.Contains(out, w) {
			t.Errorf("output does not contain %q:\n%s", w, out)
		}
	}
}

func TestSyncThenShow(t *testing.T) {
	tc := newTestCLI(t, loggedIn)
	tc.remote.AddList("work", "Work")
	tc.remote.SetTask("work", backend.Task{UID: "t1", Summary: "Write report", Status: backend.StatusNeedsAction})
	tc.remote.SetTask("work", backend.Task{UID: "t2", Summary: "Old task", Status: backend.StatusCompleted})

	assertContains(t, tc.mustRun(t, "sync"), "Sync completed", "Pulled: 2")
	assertContains(t, tc.mustRun(t, "lists"), "Work", "(1 task)")

	out := tc.mustRun(t, "tasks", "Work")
	assertContains(t, out, "Write report")
	if strings.Contains(out, "Old task") {
		t.Errorf("completed task shown without --all:\n%s", out)
	}
	assertContains(t, tc.mustRun(t, "tasks", "Work", "--all"), "Old task")
	assertContains(t, tc.mustRun(t, "tasks", "--status", "DONE"), "Old task")

	tc.mustRun(t, "sync")
	assertContains(t, tc.mustRun(t, "sync"), "Unchanged lists: 1")
}

func TestTasksJSON(t *testing.T) {
	tc, _ := withTask(t)
	out := tc.mustRun(t, "tasks", "Work", "--format", "json")

	var tasks []backend.Task
	if err := json.Unmarshal([]byte(out), &tasks); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, out)
	}
	if len(tasks) != 1 || tasks[0].UID != "t1" {
		t.Errorf("tasks = %+v", tasks)
	}
}

func TestTasksErrors(t *testing.T) {
	tc, _ := withTask(t)
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"unknown list", []string{"tasks", "Nope"}, "list 'Nope' not found"},
		{"bad status", []string{"tasks", "--status", "WAITING"}, "invalid status: WAITING"},
		{"bad date", []string{"tasks", "--due-before", "31/01/2026"}, "invalid date format"},
		{"bad format", []string{"tasks", "--format", "xml"}, "xml"},
		{"unknown task", []string{"done", "Work", "Holiday"}, "no tasks found matching 'Holiday'"},
		{"bad priority", []string{"edit", "Work", "Write report", "--priority", "12"}, "invalid priority 12"},
		{"nothing to edit", []string{"edit", "Work", "Write report"}, "nothing to change"},
		{"start after due", []string{"add", "Work", "Trip", "--start", "2026-02-02", "--due", "2026-02-01"}, "cannot be after due date"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tc.run(t, "", tt.args...)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("%v: error = %v, want %q", tt.args, err, tt.want)
			}
		})
	}
}

func TestAddPushesToServer(t *testing.T) {
	tc, _ := withTask(t)

	out := tc.mustRun(t, "add", "Work", "Proofread", "--parent", "Write report", "-p", "1", "--due", "2026-01-31", "-c", "office,q1")
	assertContains(t, out, "Added 'Proofread' to Work")
	if strings.Contains(out, "queued") {
		t.Errorf("add was not pushed:\n%s", out)
	}
	if n := tc.remote.TaskCount("work"); n != 2 {
		t.Fatalf("remote has %d tasks, want 2", n)
	}

	out = tc.mustRun(t, "tasks", "Work", "--format", "json")
	var tasks []backend.Task
	if err := json.Unmarshal([]byte(out), &tasks); err != nil {
		t.Fatal(err)
	}
	var added *backend.Task
	for i := range tasks {
		if tasks[i].Summary == "Proofread" {
			added = &tasks[i]
		}
	}
	if added == nil {
		t.Fatalf("Proofread not cached: %s", out)
	}
	if added.ParentUID != "t1" || added.Priority != 1 || added.DueDate == nil || len(added.Categories) != 2 {
		t.Errorf("added task = %+v", added)
	}
}

func TestAllDayDueDateAcrossZones(t *testing.T) {
	saved := time.Local
	t.Cleanup(func() { time.Local = saved })

	tc, _ := withTask(t)
	time.Local = time.FixedZone("JST", 9*3600)
	tc.mustRun(t, "add", "Work", "Holiday", "--due", "2025-01-31")

	out := tc.mustRun(t, "tasks", "Work", "--format", "json")
	var tasks []backend.Task
	if err := json.Unmarshal([]byte(out), &tasks); err != nil {
		t.Fatal(err)
	}
	var href string
	for _, task := range tasks {
		if task.Summary == "Holiday" {
			href = task.Href
		}
	}
	pushed, ok := tc.remote.Task(href)
	if !ok {
		t.Fatalf("Holiday not pushed: %s", out)
	}
	data, err := caldav.EncodeTask(pushed)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(data, "DUE;VALUE=DATE:20250131") {
		t.Errorf("pushed due date shifted:\n%s", data)
	}

	time.Local = time.FixedZone("EST", -5*3600)
	assertContains(t, tc.mustRun(t, "tasks", "Work"), "due 2025-01-31")
	assertContains(t, tc.mustRun(t, "tasks", "Work", "--due-before", "2025-01-31", "--due-after", "2025-01-31"), "Holiday")
	if out := tc.mustRun(t, "tasks", "Work", "--due-before", "2025-01-30"); strings.Contains(out, "Holiday") {
		t.Errorf("--due-before 2025-01-30 matched a task due 2025-01-31:\n%s", out)
	}
	if out := tc.mustRun(t, "tasks", "Work", "--due-after", "2025-02-01"); strings.Contains(out, "Holiday") {
		t.Errorf("--due-after 2025-02-01 matched a task due 2025-01-31:\n%s", out)
	}
}

func TestEditOfflineIsQueued(t *testing.T) {
	tc, _ := withTask(t)
	tc.remote.Err = backend.NewBackendError("PutTask", 503, "maintenance")

	out := tc.mustRun(t, "edit", "Work", "report", "--summary", "Write Q1 report")
	assertContains(t, out, "Updated 'Write Q1 report'", "queued")

	assertContains(t, tc.mustRun(t, "sync", "queue"), "update", "Write Q1 report")
	assertContains(t, tc.mustRun(t, "sync", "status"), "Pending operations: 1")

	tc.remote.Err = nil
	assertContains(t, tc.mustRun(t, "sync"), "Pushed: 1")
	assertContains(t, tc.mustRun(t, "sync", "queue"), "No pending operations")
}

func TestDoneAndReopen(t *testing.T) {
	tc, task := withTask(t)

	assertContains(t, tc.mustRun(t, "done", "Work", "Write report"), "Completed 'Write report'")
	got, ok := tc.remote.Task(task.Href)
	if !ok || got.Status != backend.StatusCompleted || got.Completed == nil {
		t.Fatalf("remote task after done = %+v", got)
	}

	assertContains(t, tc.mustRun(t, "reopen", "t1"), "Reopened 'Write report'")
	got, _ = tc.remote.Task(task.Href)
	if got.Status != backend.StatusNeedsAction || got.Completed != nil {
		t.Errorf("remote task after reopen = %+v", got)
	}
}

func TestRemoveAsksForConfirmation(t *testing.T) {
	tc, _ := withTask(t)

	out, err := tc.run(t, "n\n", "rm", "Work", "Write report")
	if err != nil {
		t.Fatal(err)
	}
	assertContains(t, out, "Cancelled")
	if tc.remote.TaskCount("work") != 1 {
		t.Fatal("task deleted without confirmation")
	}

	if _, err := tc.run(t, "y\n", "rm", "Work", "Write report"); err != nil {
		t.Fatal(err)
	}
	if n := tc.remote.TaskCount("work"); n != 0 {
		t.Errorf("remote has %d tasks after rm", n)
	}
}

func TestQueueClear(t *testing.T) {
	tc, _ := withTask(t)
	tc.remote.Err = backend.NewBackendError("PutTask", 503, "maintenance")
	tc.mustRun(t, "add", "Work", "Draft")

	assertContains(t, tc.mustRun(t, "sync", "queue", "clear", "--force"), "Discarded 1 operation")
	if out := tc.mustRun(t, "tasks", "Work"); strings.Contains(out, "Draft") {
		t.Errorf("unpushed task kept after clear:\n%s", out)
	}
}

func TestListManagement(t *testing.T) {
	tc, _ := withTask(t)

	assertContains(t, tc.mustRun(t, "lists", "create", "Groceries", "-d", "Weekly"), "Created list 'Groceries'")
	if _, err := tc.run(t, "", "lists", "create", "groceries"); err == nil {
		t.Error("duplicate list created")
	}
	assertContains(t, tc.mustRun(t, "lists", "rename", "Groceries", "Shopping"), "Renamed list 'Groceries' to 'Shopping'")
	assertContains(t, tc.mustRun(t, "lists"), "Shopping", "Weekly")

	if _, err := tc.run(t, "y\n", "lists", "delete", "Shopping"); err != nil {
		t.Fatal(err)
	}
	if out := tc.mustRun(t, "lists"); strings.Contains(out, "Shopping") {
		t.Errorf("deleted list still shown:\n%s", out)
	}
}

func TestLoginPrompts(t *testing.T) {
	tc := newTestCLI(t, "")
	tc.remote.AddList("personal", "Personal")

	out, err := tc.run(t, "cloud.example.com\nalice\napp-password\n", "login", "--no-tui")
	if err != nil {
		t.Fatalf("login error = %v\n%s", err, out)
	}
	assertContains(t, out, "Logged in to https://cloud.example.com/ as alice", "Personal")

	data, err := os.ReadFile(tc.cfgPath)
	if err != nil {
		t.Fatal(err)
	}
	assertContains(t, string(data), "url: https://cloud.example.com/", "username: alice")
	if strings.Contains(string(data), "app-password") {
		t.Error("password written to the config file")
	}

	assertContains(t, tc.mustRun(t, "credentials", "get"), "stored in the keyring")
}

func TestNotLoggedIn(t *testing.T) {
	tc := newTestCLI(t, "")
	_, err := tc.run(t, "", "sync")
	if err == nil || !strings.Contains(err.Error(), "caldavtasks login") {
		t.Errorf("sync error = %v, want login suggestion", err)
	}
}

func TestCredentialsCommands(t *testing.T) {
	tc := newTestCLI(t, loggedIn)

	out, err := tc.run(t, "s3cret\n", "credentials", "set")
	if err != nil {
		t.Fatal(err)
	}
	assertContains(t, out, "Stored password for alice@cloud.example.com")
	assertContains(t, tc.mustRun(t, "credentials", "get", "cloud.example.com", "alice"), "stored in the keyring")
	assertContains(t, tc.mustRun(t, "credentials", "delete"), "Removed password")

	// falls back to the environment
	assertContains(t, tc.mustRun(t, "credentials", "get"), "CALDAVTASKS_CLITEST_PASSWORD")

	if _, err := tc.run(t, "", "credentials", "delete"); err == nil || !strings.Contains(err.Error(), "credentials not found") {
		t.Errorf("second delete error = %v", err)
	}
}

func TestTaskSubcommands(t *testing.T) {
	tc, _ := withTask(t)
	assertContains(t, tc.mustRun(t, "tasks", "add", "Work", "Call Bob"), "Added 'Call Bob' to Work")
	assertContains(t, tc.mustRun(t, "tasks", "done", "Work", "Call Bob"), "Completed 'Call Bob'")
}

func TestConfigCommands(t *testing.T) {
	tc := newTestCLI(t, loggedIn)
	assertContains(t, tc.mustRun(t, "config"), tc.cfgPath, "conflict_resolution: server_wins", "url: https://cloud.example.com/")

	if _, err := tc.run(t, "", "config", "init"); err == nil || !strings.Contains(err.Error(), "already exists") {
		t.Errorf("config init over existing file error = %v", err)
	}
	assertContains(t, tc.mustRun(t, "config", "init", "--force"), "Wrote "+tc.cfgPath)

	data, err := os.ReadFile(tc.cfgPath)
	if err != nil {
		t.Fatal(err)
	}
	assertContains(t, string(data), "# server_wins, local_wins, merge or keep_both")
}
