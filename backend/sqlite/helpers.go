package sqlite

import (
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"caldavtasks/backend"
)

var (
	ErrTaskNotFound = errors.New("task not found")
	ErrListNotFound = errors.New("list not found")
)

// LocalTask is a cached task together with its local sync state.
type LocalTask struct {
	backend.Task
	ListID  string
	Dirty   bool // modified locally, not yet pushed
	Deleted bool // deleted locally, delete not yet pushed
}

const taskColumns = `uid, list_id, summary, description, status, priority, percent_complete,
	created_at, modified_at, due_date, start_date, completed_at,
	parent_uid, categories, all_day, href, etag, raw_ical, dirty, deleted`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (LocalTask, error) {
	var lt LocalTask
	var description, status, parentUID, categories, href, etag, raw sql.NullString
	var createdAt, modifiedAt, dueDate, startDate, completedAt sql.NullInt64

	err := row.Scan(
		&lt.UID,
		&lt.ListID,
		&lt.Summary,
		&description,
		&status,
		&lt.Priority,
		&lt.PercentComplete,
		&createdAt,
		&modifiedAt,
		&dueDate,
		&startDate,
		&completedAt,
		&parentUID,
		&categories,
		&lt.AllDay,
		&href,
		&etag,
		&raw,
		&lt.Dirty,
		&lt.Deleted,
	)
	if err != nil {
		return LocalTask{}, err
	}

	lt.Description = description.String
	lt.Status = status.String
	lt.ParentUID = parentUID.String
	lt.Href = href.String
	lt.ETag = etag.String
	lt.Raw = raw.String
	lt.Categories = decodeCategories(categories)

	lt.Created = nullInt64ToTime(createdAt)
	lt.Modified = nullInt64ToTime(modifiedAt)
	lt.DueDate = nullInt64ToTimePtr(dueDate)
	lt.StartDate = nullInt64ToTimePtr(startDate)
	lt.Completed = nullInt64ToTimePtr(completedAt)
	return lt, nil
}

func scanTasks(rows *sql.Rows) ([]LocalTask, error) {
	var tasks []LocalTask
	for rows.Next() {
		lt, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, lt)
	}
	return tasks, rows.Err()
}

// Categories are stored as a JSON array; a comma is a legal character
// inside a category.
func encodeCategories(categories []string) sql.NullString {
	if len(categories) == 0 {
		return sql.NullString{}
	}
	data, err := json.Marshal(categories)
	if err != nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(data), Valid: true}
}

func decodeCategories(s sql.NullString) []string {
	if !s.Valid || s.String == "" {
		return nil
	}
	var categories []string
	if err := json.Unmarshal([]byte(s.String), &categories); err != nil {
		return nil
	}
	return categories
}

// nullString converts string to sql.NullString
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{Valid: false}
	}
	return sql.NullString{String: s, Valid: true}
}

// timeToNullInt64 converts *time.Time to sql.NullInt64
func timeToNullInt64(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{Valid: false}
	}
	return sql.NullInt64{Int64: t.Unix(), Valid: true}
}

// timeValueToNullInt64 converts time.Time (non-pointer) to sql.NullInt64
func timeValueToNullInt64(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{Valid: false}
	}
	return sql.NullInt64{Int64: t.Unix(), Valid: true}
}

func nullInt64ToTime(v sql.NullInt64) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	return time.Unix(v.Int64, 0).UTC()
}

func nullInt64ToTimePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(v.Int64, 0).UTC()
	return &t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
