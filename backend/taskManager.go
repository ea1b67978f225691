package backend

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"
)

type UnsupportedSchemeError struct {
	Scheme string
}

func (e *UnsupportedSchemeError) Error() string {
	return fmt.Sprintf("unsupported scheme: %q", e.Scheme)
}

// ConnectorConfig describes how to reach a remote task server.
type ConnectorConfig struct {
	URL                 *url.URL
	Username            string
	Password            string
	InsecureSkipVerify  bool // WARNING: Only use for self-signed certificates in dev
	SuppressSSLWarning  bool // Suppress SSL warning when InsecureSkipVerify is true
	AllowHTTP           bool
	SuppressHTTPWarning bool
	Timeout             time.Duration
	RequestsPerSecond   float64
}

// Remote builds the RemoteManager registered for the URL scheme.
func (c *ConnectorConfig) Remote() (RemoteManager, error) {
	if c.URL == nil {
		return nil, fmt.Errorf("connector URL is not set")
	}
	constructor, err := GetSchemeConstructor(c.URL.Scheme)
	if err != nil {
		return nil, &UnsupportedSchemeError{Scheme: c.URL.Scheme}
	}
	return constructor(*c)
}

// RemoteManager is the server side of a sync: task collections and the
// VTODO resources inside them, addressed by href and guarded by ETags.
type RemoteManager interface {
	GetTaskLists(ctx context.Context) ([]TaskList, error)
	GetTasks(ctx context.Context, list TaskList, filter *TaskFilter) ([]Task, error)
	// GetETags returns href -> etag for every task resource in the list.
	GetETags(ctx context.Context, list TaskList) (map[string]string, error)
	GetTasksByHref(ctx context.Context, list TaskList, hrefs []string) ([]Task, error)
	// PutTask writes the task. An empty etag creates (If-None-Match: *),
	// otherwise the write is conditional on etag. Returns the new etag,
	// which may be empty when the server does not report one.
	PutTask(ctx context.Context, list TaskList, task Task, etag string) (string, error)
	DeleteTask(ctx context.Context, href, etag string) error
	CreateTaskList(ctx context.Context, name, description, color string) (TaskList, error)
	RenameTaskList(ctx context.Context, list TaskList, name string) error
	DeleteTaskList(ctx context.Context, list TaskList) error
}

const (
	StatusNeedsAction = "NEEDS-ACTION"
	StatusInProcess   = "IN-PROCESS"
	StatusCompleted   = "COMPLETED"
	StatusCancelled   = "CANCELLED"
)

type TaskFilter struct {
	Statuses        []string // "NEEDS-ACTION", "COMPLETED", "IN-PROCESS", "CANCELLED"
	ExcludeStatuses []string
	DueAfter        *time.Time
	DueBefore       *time.Time
	ParentUID       *string // "" selects root tasks
	Summary         string  // case-insensitive substring
}

// Matches reports whether the task passes every criterion of the filter.
// A nil filter matches everything.
func (f *TaskFilter) Matches(t Task) bool {
	if f == nil {
		return true
	}
	if len(f.Statuses) > 0 && !containsFold(f.Statuses, t.Status) {
		return false
	}
	if len(f.ExcludeStatuses) > 0 && containsFold(f.ExcludeStatuses, t.Status) {
		return false
	}
	if f.DueAfter != nil && (t.DueDate == nil || t.DueDate.Before(*f.DueAfter)) {
		return false
	}
	if f.DueBefore != nil && (t.DueDate == nil || t.DueDate.After(*f.DueBefore)) {
		return false
	}
	if f.ParentUID != nil && t.ParentUID != *f.ParentUID {
		return false
	}
	if f.Summary != "" && !strings.Contains(strings.ToLower(t.Summary), strings.ToLower(f.Summary)) {
		return false
	}
	return true
}

// FilterTasks returns the tasks matching the filter, preserving order.
func FilterTasks(tasks []Task, f *TaskFilter) []Task {
	if f == nil {
		return tasks
	}
	out := make([]Task, 0, len(tasks))
	for _, t := range tasks {
		if f.Matches(t) {
			out = append(out, t)
		}
	}
	return out
}

func containsFold(values []string, s string) bool {
	for _, v := range values {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}

var toStandardStatus = map[string]string{
	"TODO":       StatusNeedsAction,
	"T":          StatusNeedsAction,
	"DONE":       StatusCompleted,
	"D":          StatusCompleted,
	"PROCESSING": StatusInProcess,
	"P":          StatusInProcess,
	"CANCELLED":  StatusCancelled,
	"C":          StatusCancelled,
}

var toAppStatus = map[string]string{
	StatusNeedsAction: "TODO",
	StatusCompleted:   "DONE",
	StatusInProcess:   "PROCESSING",
	StatusCancelled:   "CANCELLED",
}

// StatusStringTranslateToStandardStatus maps CLI names (TODO, T, DONE, ...)
// to CalDAV status values. Unknown values pass through upper-cased.
func StatusStringTranslateToStandardStatus(statuses []string) []string {
	if statuses == nil {
		return nil
	}
	result := make([]string, len(statuses))
	for i, s := range statuses {
		upper := strings.ToUpper(strings.TrimSpace(s))
		if normalized, ok := toStandardStatus[upper]; ok {
			result[i] = normalized
		} else {
			result[i] = upper
		}
	}
	return result
}

func StatusStringTranslateToAppStatus(statuses []string) []string {
	if statuses == nil {
		return nil
	}
	result := make([]string, len(statuses))
	for i, s := range statuses {
		if normalized, ok := toAppStatus[strings.ToUpper(s)]; ok {
			result[i] = normalized
		} else {
			result[i] = s
		}
	}
	return result
}

// IsValidStatus reports whether s is one of the four VTODO statuses.
func IsValidStatus(s string) bool {
	_, ok := toAppStatus[s]
	return ok
}

type Task struct {
	UID             string     `json:"uid"`
	Summary         string     `json:"summary"`
	Description     string     `json:"description,omitempty"`
	Status          string     `json:"status"`   // NEEDS-ACTION, IN-PROCESS, COMPLETED, CANCELLED
	Priority        int        `json:"priority"` // 0-9 (0=undefined, 1=highest, 9=lowest)
	PercentComplete int        `json:"percent_complete,omitempty"`
	Created         time.Time  `json:"created"`
	Modified        time.Time  `json:"modified"`
	DueDate         *time.Time `json:"due_date,omitempty"`
	StartDate       *time.Time `json:"start_date,omitempty"`
	Completed       *time.Time `json:"completed,omitempty"`
	Categories      []string   `json:"categories,omitempty"`
	ParentUID       string     `json:"parent_uid,omitempty"` // For subtasks
	AllDay          bool       `json:"all_day,omitempty"`    // DUE/DTSTART are VALUE=DATE

	// Sync state
	Href string `json:"href,omitempty"`
	ETag string `json:"etag,omitempty"`
	// Raw is the calendar object as last received from the server. It lets
	// the encoder keep properties the model does not know about.
	Raw string `json:"-"`
}

func (t Task) String() string {
	var b strings.Builder
	b.WriteString(statusSymbol(t.Status))
	b.WriteString(" ")
	b.WriteString(t.Summary)
	if t.Priority > 0 {
		fmt.Fprintf(&b, " [P%d]", t.Priority)
	}
	if t.DueDate != nil {
		fmt.Fprintf(&b, " (due: %s)", t.DueDate.Format("2006-01-02"))
	}
	return b.String()
}

func statusSymbol(status string) string {
	switch status {
	case StatusCompleted:
		return "✓"
	case StatusInProcess:
		return "●"
	case StatusCancelled:
		return "✗"
	default:
		return "○"
	}
}

// MarkCompleted sets the COMPLETED status, timestamp and percent.
func (t *Task) MarkCompleted(now time.Time) {
	t.Status = StatusCompleted
	at := now.UTC()
	t.Completed = &at
	t.PercentComplete = 100
	t.Modified = at
}

// Reopen undoes MarkCompleted.
func (t *Task) Reopen(now time.Time) {
	t.Status = StatusNeedsAction
	t.Completed = nil
	t.PercentComplete = 0
	t.Modified = now.UTC()
}

type TaskList struct {
	ID          string     `json:"id"`
	Href        string     `json:"href"`
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	Color       string     `json:"color,omitempty"`
	CTag        string     `json:"ctag,omitempty"`
	SyncToken   string     `json:"sync_token,omitempty"`
	LastSynced  *time.Time `json:"last_synced,omitempty"`
}

func (l TaskList) String() string {
	if l.Description != "" {
		return fmt.Sprintf("%s - %s", l.Name, l.Description)
	}
	return l.Name
}

// SortTasks orders tasks: open before done, then by priority (undefined
// last), then by due date (none last), then by summary.
func SortTasks(tasks []Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		a, b := tasks[i], tasks[j]
		if ra, rb := statusRank(a.Status), statusRank(b.Status); ra != rb {
			return ra < rb
		}
		if pa, pb := priorityRank(a.Priority), priorityRank(b.Priority); pa != pb {
			return pa < pb
		}
		switch {
		case a.DueDate != nil && b.DueDate == nil:
			return true
		case a.DueDate == nil && b.DueDate != nil:
			return false
		case a.DueDate != nil && b.DueDate != nil && !a.DueDate.Equal(*b.DueDate):
			return a.DueDate.Before(*b.DueDate)
		}
		return strings.ToLower(a.Summary) < strings.ToLower(b.Summary)
	})
}

func statusRank(s string) int {
	switch s {
	case StatusInProcess:
		return 0
	case StatusNeedsAction, "":
		return 1
	case StatusCompleted:
		return 2
	default:
		return 3
	}
}

func priorityRank(p int) int {
	if p <= 0 {
		return 10
	}
	return p
}

// SortTasksByHierarchy returns tasks ordered so that every parent precedes
// its children. Tasks whose parent is not in the slice are treated as roots.
func SortTasksByHierarchy(tasks []Task) []Task {
	byUID := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		byUID[t.UID] = true
	}
	children := make(map[string][]Task)
	var roots []Task
	for _, t := range tasks {
		if t.ParentUID == "" || !byUID[t.ParentUID] || t.ParentUID == t.UID {
			roots = append(roots, t)
			continue
		}
		children[t.ParentUID] = append(children[t.ParentUID], t)
	}

	out := make([]Task, 0, len(tasks))
	visited := make(map[string]bool, len(tasks))
	var walk func(t Task)
	walk = func(t Task) {
		if visited[t.UID] {
			return
		}
		visited[t.UID] = true
		out = append(out, t)
		for _, c := range children[t.UID] {
			walk(c)
		}
	}
	for _, r := range roots {
		walk(r)
	}
	// Cycles have no root; append them as-is.
	for _, t := range tasks {
		if !visited[t.UID] {
			walk(t)
		}
	}
	return out
}

// NormalizeHref reduces an href to its server-relative path with canonical
// percent-encoding, so hrefs reported by a server compare equal to the
// ones built locally.
func NormalizeHref(href string) string {
	u, err := url.Parse(href)
	if err != nil {
		return href
	}
	if u.Path == "" {
		return href
	}
	return (&url.URL{Path: u.Path}).EscapedPath()
}

// TaskHref builds the resource path of a new task inside a list.
func TaskHref(listHref, uid string) string {
	if !strings.HasSuffix(listHref, "/") {
		listHref += "/"
	}
	return NormalizeHref(listHref + url.PathEscape(uid) + ".ics")
}
