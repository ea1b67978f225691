package backend

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestStatusStringTranslateToStandardStatus(t *testing.T) {
	tests := []struct {
		name     string
		input    []string
		expected []string
	}{
		{
			name:     "nil input",
			input:    nil,
			expected: nil,
		},
		{
			name:     "empty slice",
			input:    []string{},
			expected: []string{},
		},
		{
			name:     "long names",
			input:    []string{"TODO", "DONE", "PROCESSING", "CANCELLED"},
			expected: []string{"NEEDS-ACTION", "COMPLETED", "IN-PROCESS", "CANCELLED"},
		},
		{
			name:     "short names",
			input:    []string{"t", "D", "p", "C"},
			expected: []string{"NEEDS-ACTION", "COMPLETED", "IN-PROCESS", "CANCELLED"},
		},
		{
			name:     "mixed case with spaces",
			input:    []string{" Done "},
			expected: []string{"COMPLETED"},
		},
		{
			name:     "already standard status",
			input:    []string{"NEEDS-ACTION"},
			expected: []string{"NEEDS-ACTION"},
		},
		{
			name:     "unknown status passes through upper-cased",
			input:    []string{"custom"},
			expected: []string{"CUSTOM"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := StatusStringTranslateToStandardStatus(tt.input)
			if diff := cmp.Diff(tt.expected, got); diff != "" {
				t.Errorf("StatusStringTranslateToStandardStatus() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestStatusStringTranslateToAppStatus(t *testing.T) {
	got := StatusStringTranslateToAppStatus([]string{"NEEDS-ACTION", "COMPLETED", "IN-PROCESS", "CANCELLED", "OTHER"})
	want := []string{"TODO", "DONE", "PROCESSING", "CANCELLED", "OTHER"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}

func TestTaskFilterMatches(t *testing.T) {
	day := func(d int) *time.Time {
		v := time.Date(2024, 3, d, 12, 0, 0, 0, time.UTC)
		return &v
	}
	root := ""
	parent := "p1"
	task := Task{UID: "a", Summary: "Buy Milk", Status: StatusNeedsAction, DueDate: day(10), ParentUID: "p1"}

	tests := []struct {
		name   string
		filter *TaskFilter
		want   bool
	}{
		{"nil filter", nil, true},
		{"empty filter", &TaskFilter{}, true},
		{"status match", &TaskFilter{Statuses: []string{"NEEDS-ACTION"}}, true},
		{"status mismatch", &TaskFilter{Statuses: []string{"COMPLETED"}}, false},
		{"excluded status", &TaskFilter{ExcludeStatuses: []string{"needs-action"}}, false},
		{"due after ok", &TaskFilter{DueAfter: day(9)}, true},
		{"due after fails", &TaskFilter{DueAfter: day(11)}, false},
		{"due before ok", &TaskFilter{DueBefore: day(11)}, true},
		{"due before fails", &TaskFilter{DueBefore: day(9)}, false},
		{"parent match", &TaskFilter{ParentUID: &parent}, true},
		{"root only", &TaskFilter{ParentUID: &root}, false},
		{"summary substring", &TaskFilter{Summary: "milk"}, true},
		{"summary miss", &TaskFilter{Summary: "bread"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.filter.Matches(task); got != tt.want {
				t.Errorf("Matches() = %v, want %v", got, tt.want)
			}
		})
	}

	t.Run("due filter excludes tasks without due date", func(t *testing.T) {
		f := &TaskFilter{DueBefore: day(20)}
		if f.Matches(Task{UID: "b"}) {
			t.Error("task without due date should not match a due filter")
		}
	})
}

func TestMarkCompletedAndReopen(t *testing.T) {
	now := time.Date(2024, 5, 1, 8, 30, 0, 0, time.UTC)
	task := Task{UID: "x", Status: StatusNeedsAction, PercentComplete: 40}

	task.MarkCompleted(now)
	if task.Status != StatusCompleted || task.PercentComplete != 100 {
		t.Fatalf("after MarkCompleted: status=%s percent=%d", task.Status, task.PercentComplete)
	}
	if task.Completed == nil || !task.Completed.Equal(now) {
		t.Fatalf("Completed = %v, want %v", task.Completed, now)
	}

	task.Reopen(now.Add(time.Hour))
	if task.Status != StatusNeedsAction || task.PercentComplete != 0 || task.Completed != nil {
		t.Errorf("after Reopen: %+v", task)
	}
	if !task.Modified.Equal(now.Add(time.Hour)) {
		t.Errorf("Modified = %v", task.Modified)
	}
}

func TestSortTasks(t *testing.T) {
	due := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	later := due.Add(24 * time.Hour)
	tasks := []Task{
		{UID: "done", Status: StatusCompleted, Priority: 1},
		{UID: "nopri", Status: StatusNeedsAction},
		{UID: "p5-later", Status: StatusNeedsAction, Priority: 5, DueDate: &later},
		{UID: "p5-soon", Status: StatusNeedsAction, Priority: 5, DueDate: &due},
		{UID: "running", Status: StatusInProcess, Priority: 9},
		{UID: "p1", Status: StatusNeedsAction, Priority: 1},
	}

	SortTasks(tasks)

	var got []string
	for _, task := range tasks {
		got = append(got, task.UID)
	}
	want := []string{"running", "p1", "p5-soon", "p5-later", "nopri", "done"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("SortTasks order mismatch (-want +got):\n%s", diff)
	}
}

func TestSortTasksByHierarchy(t *testing.T) {
	tasks := []Task{
		{UID: "grandchild", ParentUID: "child"},
		{UID: "child", ParentUID: "root"},
		{UID: "orphan", ParentUID: "missing"},
		{UID: "root"},
	}

	sorted := SortTasksByHierarchy(tasks)

	pos := make(map[string]int)
	for i, task := range sorted {
		pos[task.UID] = i
	}
	if len(sorted) != len(tasks) {
		t.Fatalf("got %d tasks, want %d", len(sorted), len(tasks))
	}
	if !(pos["root"] < pos["child"] && pos["child"] < pos["grandchild"]) {
		t.Errorf("parents must precede children, got order %v", pos)
	}
}

func TestSortTasksByHierarchyCycle(t *testing.T) {
	tasks := []Task{
		{UID: "a", ParentUID: "b"},
		{UID: "b", ParentUID: "a"},
	}
	if got := SortTasksByHierarchy(tasks); len(got) != 2 {
		t.Errorf("cycle should keep both tasks, got %d", len(got))
	}
}
