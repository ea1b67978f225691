package sqlite

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"caldavtasks/backend"
)

func seedList(t *testing.T, s *Store, id string) backend.TaskList {
	t.Helper()
	list := backend.TaskList{ID: id, Href: "/calendars/user/" + id + "/", Name: id}
	if err := s.UpsertList(context.Background(), list); err != nil {
		t.Fatalf("UpsertList() error = %v", err)
	}
	return list
}

func taskWithSummary(summary string) backend.Task {
	return backend.Task{Summary: summary}
}

// remoteTask builds a task as it would arrive from the server.
func remoteTask(uid, summary, etag string) backend.Task {
	return backend.Task{
		UID:      uid,
		Summary:  summary,
		Status:   backend.StatusNeedsAction,
		Created:  time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Modified: time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC),
		Href:     "/calendars/user/work/" + uid + ".ics",
		ETag:     etag,
		Raw:      "BEGIN:VCALENDAR\r\nEND:VCALENDAR\r\n",
	}
}

func TestListLifecycle(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)

	seedList(t, s, "work")
	seedList(t, s, "home")

	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	if err := s.SetListSyncState(ctx, "work", "ctag-1", "token-1", now); err != nil {
		t.Fatalf("SetListSyncState() error = %v", err)
	}
	// Metadata updates keep the sync cursors.
	if err := s.UpsertList(ctx, backend.TaskList{ID: "work", Href: "/calendars/user/work/", Name: "Work", Color: "#ff0000"}); err != nil {
		t.Fatalf("UpsertList() error = %v", err)
	}

	got, err := s.GetList(ctx, "work")
	if err != nil {
		t.Fatalf("GetList() error = %v", err)
	}
	want := backend.TaskList{ID: "work", Href: "/calendars/user/work/", Name: "Work", Color: "#ff0000", CTag: "ctag-1", SyncToken: "token-1", LastSynced: &now}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("GetList() mismatch (-want +got):\n%s", diff)
	}

	lists, err := s.GetTaskLists(ctx)
	if err != nil {
		t.Fatalf("GetTaskLists() error = %v", err)
	}
	if len(lists) != 2 || lists[0].ID != "home" || lists[1].ID != "work" {
		t.Errorf("GetTaskLists() = %+v", lists)
	}

	found, err := s.FindList(ctx, "WORK")
	if err != nil || found.ID != "work" {
		t.Errorf("FindList(WORK) = %+v, %v", found, err)
	}
	if _, err := s.FindList(ctx, "missing"); !errors.Is(err, ErrListNotFound) {
		t.Errorf("FindList(missing) error = %v", err)
	}

	if err := s.DeleteList(ctx, "home"); err != nil {
		t.Fatalf("DeleteList() error = %v", err)
	}
	if _, err := s.GetList(ctx, "home"); !errors.Is(err, ErrListNotFound) {
		t.Errorf("GetList() after delete error = %v", err)
	}
	if err := s.DeleteList(ctx, "home"); !errors.Is(err, ErrListNotFound) {
		t.Errorf("DeleteList() twice error = %v", err)
	}
}

func TestDeleteListCascades(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	seedList(t, s, "work")

	created, err := s.CreateLocal(ctx, "work", taskWithSummary("doomed"))
	if err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteList(ctx, "work"); err != nil {
		t.Fatalf("DeleteList() error = %v", err)
	}
	if _, err := s.LookupTask(ctx, created.UID); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("task survived list delete: %v", err)
	}
	ops, _ := s.PendingOperations(ctx, 0)
	if len(ops) != 0 {
		t.Errorf("queue survived list delete: %+v", ops)
	}
}

func TestCreateLocal(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	seedList(t, s, "work")

	due := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	created, err := s.CreateLocal(ctx, "work", backend.Task{
		Summary:    "Write report",
		Priority:   1,
		DueDate:    &due,
		Categories: []string{"office", "a,b"},
	})
	if err != nil {
		t.Fatalf("CreateLocal() error = %v", err)
	}
	if created.UID == "" {
		t.Fatal("CreateLocal() did not generate a UID")
	}
	if want := "/calendars/user/work/" + created.UID + ".ics"; created.Href != want {
		t.Errorf("Href = %q, want %q", created.Href, want)
	}
	if created.Status != backend.StatusNeedsAction {
		t.Errorf("Status = %q", created.Status)
	}

	got, err := s.GetTask(ctx, created.UID)
	if err != nil {
		t.Fatalf("GetTask() error = %v", err)
	}
	if !got.Dirty || got.ListID != "work" {
		t.Errorf("GetTask() state = dirty %v list %q", got.Dirty, got.ListID)
	}
	if diff := cmp.Diff([]string{"office", "a,b"}, got.Categories); diff != "" {
		t.Errorf("Categories mismatch (-want +got):\n%s", diff)
	}
	if got.DueDate == nil || !got.DueDate.Equal(due) {
		t.Errorf("DueDate = %v", got.DueDate)
	}

	op, err := s.GetOperation(ctx, created.UID)
	if err != nil || op == nil {
		t.Fatalf("GetOperation() = %v, %v", op, err)
	}
	if op.Type != OpCreate || op.Revision != 1 || op.ListID != "work" {
		t.Errorf("operation = %+v", op)
	}

	if _, err := s.CreateLocal(ctx, "nope", taskWithSummary("x")); !errors.Is(err, ErrListNotFound) {
		t.Errorf("CreateLocal() on missing list error = %v", err)
	}
}

func TestUpdateLocalFoldsIntoCreate(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	seedList(t, s, "work")

	created, _ := s.CreateLocal(ctx, "work", taskWithSummary("draft"))
	created.Summary = "final"
	if err := s.UpdateLocal(ctx, created); err != nil {
		t.Fatalf("UpdateLocal() error = %v", err)
	}

	op, _ := s.GetOperation(ctx, created.UID)
	if op.Type != OpCreate || op.Revision != 2 {
		t.Errorf("operation after update = %+v, want create rev 2", op)
	}
	got, _ := s.GetTask(ctx, created.UID)
	if got.Summary != "final" {
		t.Errorf("Summary = %q", got.Summary)
	}
}

func TestUpdateLocalOfSyncedTask(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	seedList(t, s, "work")

	remote := remoteTask("r1", "from server", `"e1"`)
	if err := s.ApplyRemote(ctx, "work", remote); err != nil {
		t.Fatalf("ApplyRemote() error = %v", err)
	}

	edit := remote
	edit.Summary = "edited"
	edit.ETag = "ignored"
	edit.Href = "ignored"
	if err := s.UpdateLocal(ctx, edit); err != nil {
		t.Fatalf("UpdateLocal() error = %v", err)
	}

	got, _ := s.GetTask(ctx, "r1")
	if got.ETag != `"e1"` || got.Href != remote.Href || got.Raw != remote.Raw {
		t.Errorf("server state was overwritten: %+v", got)
	}
	if !got.Dirty || got.Summary != "edited" {
		t.Errorf("local edit not stored: %+v", got)
	}
	op, _ := s.GetOperation(ctx, "r1")
	if op == nil || op.Type != OpUpdate {
		t.Errorf("operation = %+v, want update", op)
	}

	if err := s.UpdateLocal(ctx, backend.Task{UID: "missing"}); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("UpdateLocal(missing) error = %v", err)
	}
}

func TestDeleteLocal(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	seedList(t, s, "work")

	t.Run("never pushed task is removed", func(t *testing.T) {
		created, _ := s.CreateLocal(ctx, "work", taskWithSummary("local only"))
		if err := s.DeleteLocal(ctx, created.UID); err != nil {
			t.Fatalf("DeleteLocal() error = %v", err)
		}
		if _, err := s.LookupTask(ctx, created.UID); !errors.Is(err, ErrTaskNotFound) {
			t.Errorf("LookupTask() error = %v, want not found", err)
		}
		if op, _ := s.GetOperation(ctx, created.UID); op != nil {
			t.Errorf("operation left behind: %+v", op)
		}
	})

	t.Run("synced task is soft deleted", func(t *testing.T) {
		if err := s.ApplyRemote(ctx, "work", remoteTask("r2", "server", `"e2"`)); err != nil {
			t.Fatal(err)
		}
		if err := s.DeleteLocal(ctx, "r2"); err != nil {
			t.Fatalf("DeleteLocal() error = %v", err)
		}
		if _, err := s.GetTask(ctx, "r2"); !errors.Is(err, ErrTaskNotFound) {
			t.Errorf("GetTask() error = %v, want hidden", err)
		}
		lt, err := s.LookupTask(ctx, "r2")
		if err != nil || !lt.Deleted {
			t.Errorf("LookupTask() = %+v, %v", lt, err)
		}
		op, _ := s.GetOperation(ctx, "r2")
		if op == nil || op.Type != OpDelete {
			t.Errorf("operation = %+v, want delete", op)
		}
		if err := s.DeleteLocal(ctx, "r2"); !errors.Is(err, ErrTaskNotFound) {
			t.Errorf("DeleteLocal() twice error = %v", err)
		}
	})
}

func TestGetTasksFilters(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	seedList(t, s, "work")
	seedList(t, s, "home")

	early := time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)
	late := time.Date(2024, 6, 10, 0, 0, 0, 0, time.UTC)
	tasks := []struct {
		list string
		task backend.Task
	}{
		{"work", backend.Task{UID: "w1", Summary: "Report", Status: backend.StatusNeedsAction, DueDate: &early}},
		{"work", backend.Task{UID: "w2", Summary: "Review report", Status: backend.StatusCompleted, DueDate: &late}},
		{"work", backend.Task{UID: "w3", Summary: "Sub step", Status: backend.StatusInProcess, ParentUID: "w1"}},
		{"home", backend.Task{UID: "h1", Summary: "Groceries", Status: backend.StatusNeedsAction}},
	}
	for _, tt := range tasks {
		if err := s.ApplyRemote(ctx, tt.list, tt.task); err != nil {
			t.Fatal(err)
		}
	}
	root := ""
	parent := "w1"
	cutoff := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name   string
		listID string
		filter *backend.TaskFilter
		want   []string
	}{
		{"all lists", "", nil, []string{"h1", "w1", "w2", "w3"}},
		{"one list", "work", nil, []string{"w1", "w2", "w3"}},
		{"status", "work", &backend.TaskFilter{Statuses: []string{backend.StatusCompleted}}, []string{"w2"}},
		{"exclude status", "work", &backend.TaskFilter{ExcludeStatuses: []string{backend.StatusCompleted}}, []string{"w1", "w3"}},
		{"due before", "", &backend.TaskFilter{DueBefore: &cutoff}, []string{"w1"}},
		{"due after", "", &backend.TaskFilter{DueAfter: &cutoff}, []string{"w2"}},
		{"roots", "work", &backend.TaskFilter{ParentUID: &root}, []string{"w1", "w2"}},
		{"children", "work", &backend.TaskFilter{ParentUID: &parent}, []string{"w3"}},
		{"summary", "", &backend.TaskFilter{Summary: "REPORT"}, []string{"w1", "w2"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.GetTasks(ctx, tt.listID, tt.filter)
			if err != nil {
				t.Fatalf("GetTasks() error = %v", err)
			}
			var uids []string
			for _, task := range got {
				uids = append(uids, task.UID)
			}
			if diff := cmp.Diff(tt.want, uids, cmpopts.SortSlices(func(a, b string) bool { return a < b })); diff != "" {
				t.Errorf("GetTasks() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestFindTasksBySummaryExactFirst(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	seedList(t, s, "work")

	for _, task := range []backend.Task{
		{UID: "a", Summary: "Call Bob again", Priority: 1},
		{UID: "b", Summary: "call bob", Priority: 9},
		{UID: "c", Summary: "Email Alice"},
	} {
		if err := s.ApplyRemote(ctx, "work", task); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.FindTasksBySummary(ctx, "work", "Call Bob")
	if err != nil {
		t.Fatalf("FindTasksBySummary() error = %v", err)
	}
	if len(got) != 2 || got[0].UID != "b" || got[1].UID != "a" {
		t.Errorf("FindTasksBySummary() = %+v", got)
	}
}

func TestSummarySearchIsLiteral(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	seedList(t, s, "work")

	for _, task := range []backend.Task{
		{UID: "pct", Summary: "Raise budget 50%"},
		{UID: "num", Summary: "Order 500 items"},
		{UID: "snake", Summary: "Rename max_size"},
		{UID: "plain", Summary: "Rename maxisize"},
		{UID: "path", Summary: `Clean C:\temp`},
	} {
		if err := s.ApplyRemote(ctx, "work", task); err != nil {
			t.Fatal(err)
		}
	}

	tests := []struct {
		query string
		want  []string
	}{
		{"50%", []string{"pct"}},
		{"max_size", []string{"snake"}},
		{`c:\t`, []string{"path"}},
		{"%", []string{"pct"}},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			found, err := s.FindTasksBySummary(ctx, "work", tt.query)
			if err != nil {
				t.Fatalf("FindTasksBySummary() error = %v", err)
			}
			filtered, err := s.GetTasks(ctx, "work", &backend.TaskFilter{Summary: tt.query})
			if err != nil {
				t.Fatalf("GetTasks() error = %v", err)
			}
			for name, got := range map[string][]backend.Task{"FindTasksBySummary": found, "GetTasks": filtered} {
				var uids []string
				for _, task := range got {
					uids = append(uids, task.UID)
				}
				if diff := cmp.Diff(tt.want, uids); diff != "" {
					t.Errorf("%s(%q) mismatch (-want +got):\n%s", name, tt.query, diff)
				}
			}
		})
	}
}

func TestApplyRemoteDropsPendingOperation(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	seedList(t, s, "work")

	remote := remoteTask("r1", "v1", `"e1"`)
	s.ApplyRemote(ctx, "work", remote)
	remote.Summary = "local"
	s.UpdateLocal(ctx, remote)

	remote.Summary = "server wins"
	remote.ETag = `"e2"`
	if err := s.ApplyRemote(ctx, "work", remote); err != nil {
		t.Fatalf("ApplyRemote() error = %v", err)
	}
	got, _ := s.GetTask(ctx, "r1")
	if got.Dirty || got.Summary != "server wins" || got.ETag != `"e2"` {
		t.Errorf("task after ApplyRemote = %+v", got)
	}
	if op, _ := s.GetOperation(ctx, "r1"); op != nil {
		t.Errorf("operation left behind: %+v", op)
	}
}

func TestCompleteOperation(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	seedList(t, s, "work")

	t.Run("create completes", func(t *testing.T) {
		created, _ := s.CreateLocal(ctx, "work", taskWithSummary("new"))
		op, _ := s.GetOperation(ctx, created.UID)

		done, err := s.CompleteOperation(ctx, *op, `"e1"`)
		if err != nil || !done {
			t.Fatalf("CompleteOperation() = %v, %v", done, err)
		}
		got, _ := s.GetTask(ctx, created.UID)
		if got.Dirty || got.ETag != `"e1"` {
			t.Errorf("task after push = %+v", got)
		}
		if op, _ := s.GetOperation(ctx, created.UID); op != nil {
			t.Errorf("operation left behind: %+v", op)
		}
	})

	t.Run("edit during push keeps the task queued", func(t *testing.T) {
		created, _ := s.CreateLocal(ctx, "work", taskWithSummary("racing"))
		op, _ := s.GetOperation(ctx, created.UID)

		created.Summary = "edited while pushing"
		if err := s.UpdateLocal(ctx, created); err != nil {
			t.Fatal(err)
		}

		done, err := s.CompleteOperation(ctx, *op, `"e7"`)
		if err != nil || done {
			t.Fatalf("CompleteOperation() = %v, %v, want not completed", done, err)
		}
		got, _ := s.GetTask(ctx, created.UID)
		if !got.Dirty || got.ETag != `"e7"` {
			t.Errorf("task = %+v, want dirty with new etag", got)
		}
		pending, _ := s.GetOperation(ctx, created.UID)
		if pending == nil || pending.Type != OpUpdate {
			t.Errorf("operation = %+v, want update", pending)
		}
	})

	t.Run("delete removes the row", func(t *testing.T) {
		s.ApplyRemote(ctx, "work", remoteTask("gone", "x", `"e3"`))
		s.DeleteLocal(ctx, "gone")
		op, _ := s.GetOperation(ctx, "gone")

		done, err := s.CompleteOperation(ctx, *op, "")
		if err != nil || !done {
			t.Fatalf("CompleteOperation() = %v, %v", done, err)
		}
		if _, err := s.LookupTask(ctx, "gone"); !errors.Is(err, ErrTaskNotFound) {
			t.Errorf("LookupTask() error = %v", err)
		}
	})
}

func TestPendingOperationsOrderAndRetries(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	seedList(t, s, "work")

	var uids []string
	for _, summary := range []string{"first", "second", "third"} {
		created, err := s.CreateLocal(ctx, "work", taskWithSummary(summary))
		if err != nil {
			t.Fatal(err)
		}
		uids = append(uids, created.UID)
	}

	ops, err := s.PendingOperations(ctx, 3)
	if err != nil {
		t.Fatalf("PendingOperations() error = %v", err)
	}
	var got []string
	for _, op := range ops {
		got = append(got, op.TaskUID)
	}
	if diff := cmp.Diff(uids, got); diff != "" {
		t.Errorf("queue order mismatch (-want +got):\n%s", diff)
	}

	for i := 0; i < 3; i++ {
		if err := s.RecordFailure(ctx, ops[0], errors.New("server down")); err != nil {
			t.Fatal(err)
		}
	}
	failed, _ := s.GetOperation(ctx, uids[0])
	if failed.RetryCount != 3 || failed.LastError != "server down" {
		t.Errorf("failed operation = %+v", failed)
	}

	ops, _ = s.PendingOperations(ctx, 3)
	if len(ops) != 2 {
		t.Errorf("PendingOperations(3) = %d ops, want 2", len(ops))
	}
	ops, _ = s.PendingOperations(ctx, 0)
	if len(ops) != 3 {
		t.Errorf("PendingOperations(0) = %d ops, want 3", len(ops))
	}

	n, err := s.ResetFailures(ctx)
	if err != nil || n != 1 {
		t.Errorf("ResetFailures() = %d, %v", n, err)
	}
	ops, _ = s.PendingOperations(ctx, 3)
	if len(ops) != 3 {
		t.Errorf("PendingOperations(3) after reset = %d ops, want 3", len(ops))
	}
}

func TestConflictWrites(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	seedList(t, s, "work")

	t.Run("keep local converts create", func(t *testing.T) {
		created, _ := s.CreateLocal(ctx, "work", taskWithSummary("mine"))
		if err := s.KeepLocal(ctx, created.UID, `"srv"`, "RAW"); err != nil {
			t.Fatalf("KeepLocal() error = %v", err)
		}
		got, _ := s.GetTask(ctx, created.UID)
		if !got.Dirty || got.ETag != `"srv"` || got.Raw != "RAW" || got.Summary != "mine" {
			t.Errorf("task = %+v", got)
		}
		op, _ := s.GetOperation(ctx, created.UID)
		if op.Type != OpUpdate {
			t.Errorf("operation = %+v, want update", op)
		}
	})

	t.Run("merged task is queued as update", func(t *testing.T) {
		merged := remoteTask("m1", "merged", `"e5"`)
		if err := s.ApplyMerged(ctx, "work", merged); err != nil {
			t.Fatalf("ApplyMerged() error = %v", err)
		}
		got, _ := s.GetTask(ctx, "m1")
		if !got.Dirty || got.ETag != `"e5"` {
			t.Errorf("task = %+v", got)
		}
		op, _ := s.GetOperation(ctx, "m1")
		if op == nil || op.Type != OpUpdate {
			t.Errorf("operation = %+v", op)
		}
	})

	t.Run("requeue as create forgets server state", func(t *testing.T) {
		s.ApplyRemote(ctx, "work", remoteTask("q1", "vanished", `"e9"`))
		if err := s.RequeueAsCreate(ctx, "q1"); err != nil {
			t.Fatalf("RequeueAsCreate() error = %v", err)
		}
		got, _ := s.GetTask(ctx, "q1")
		if got.ETag != "" || got.Raw != "" || !got.Dirty {
			t.Errorf("task = %+v", got)
		}
		op, _ := s.GetOperation(ctx, "q1")
		if op == nil || op.Type != OpCreate {
			t.Errorf("operation = %+v", op)
		}
	})
}

func TestClearQueue(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	seedList(t, s, "work")
	s.SetListSyncState(ctx, "work", "ctag", "", time.Now())

	created, _ := s.CreateLocal(ctx, "work", taskWithSummary("unsent"))
	synced := remoteTask("s1", "synced", `"e1"`)
	s.ApplyRemote(ctx, "work", synced)
	synced.Summary = "edited"
	s.UpdateLocal(ctx, synced)
	s.ApplyRemote(ctx, "work", remoteTask("s2", "to delete", `"e2"`))
	s.DeleteLocal(ctx, "s2")

	n, err := s.ClearQueue(ctx)
	if err != nil || n != 3 {
		t.Fatalf("ClearQueue() = %d, %v", n, err)
	}

	if _, err := s.LookupTask(ctx, created.UID); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("unsent task should be gone: %v", err)
	}
	for _, uid := range []string{"s1", "s2"} {
		got, err := s.GetTask(ctx, uid)
		if err != nil {
			t.Fatalf("GetTask(%s) error = %v", uid, err)
		}
		if got.Dirty || got.Deleted || got.ETag != "" {
			t.Errorf("task %s not reverted: %+v", uid, got)
		}
	}
	list, _ := s.GetList(ctx, "work")
	if list.CTag != "" {
		t.Errorf("CTag = %q, want reset", list.CTag)
	}
	ops, _ := s.PendingOperations(ctx, 0)
	if len(ops) != 0 {
		t.Errorf("queue not empty: %+v", ops)
	}
}
