package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"caldavtasks/backend"
)

// GetTasks retrieves tasks of a list with optional filtering. An empty
// listID searches every list. Locally deleted tasks are not returned.
func (s *Store) GetTasks(ctx context.Context, listID string, filter *backend.TaskFilter) ([]backend.Task, error) {
	query := "SELECT " + taskColumns + " FROM tasks WHERE deleted = 0"
	var args []any
	if listID != "" {
		query += " AND list_id = ?"
		args = append(args, listID)
	}
	query, args = applyFilters(query, args, filter)
	query += " ORDER BY priority ASC, created_at DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &SQLiteError{Op: "GetTasks", ListID: listID, Err: err}
	}
	defer rows.Close()

	local, err := scanTasks(rows)
	if err != nil {
		return nil, &SQLiteError{Op: "GetTasks", ListID: listID, Err: err}
	}
	return plainTasks(local), nil
}

// applyFilters adds WHERE clauses for task filtering
func applyFilters(query string, args []any, filter *backend.TaskFilter) (string, []any) {
	if filter == nil {
		return query, args
	}

	if len(filter.Statuses) > 0 {
		query += fmt.Sprintf(" AND status IN (%s)", placeholders(len(filter.Statuses)))
		for _, status := range filter.Statuses {
			args = append(args, status)
		}
	}
	if len(filter.ExcludeStatuses) > 0 {
		query += fmt.Sprintf(" AND status NOT IN (%s)", placeholders(len(filter.ExcludeStatuses)))
		for _, status := range filter.ExcludeStatuses {
			args = append(args, status)
		}
	}

	// Due date filters
	if filter.DueBefore != nil {
		query += " AND due_date <= ?"
		args = append(args, filter.DueBefore.Unix())
	}
	if filter.DueAfter != nil {
		query += " AND due_date >= ?"
		args = append(args, filter.DueAfter.Unix())
	}

	if filter.ParentUID != nil {
		if *filter.ParentUID == "" {
			query += " AND (parent_uid IS NULL OR parent_uid = '')"
		} else {
			query += " AND parent_uid = ?"
			args = append(args, *filter.ParentUID)
		}
	}
	if filter.Summary != "" {
		query += ` AND LOWER(summary) LIKE LOWER(?) ESCAPE '\'`
		args = append(args, containsPattern(filter.Summary))
	}

	return query, args
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// containsPattern builds a LIKE pattern matching s literally anywhere in the
// column. Pair it with ESCAPE '\'.
func containsPattern(s string) string {
	return "%" + likeEscaper.Replace(s) + "%"
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func plainTasks(local []LocalTask) []backend.Task {
	tasks := make([]backend.Task, len(local))
	for i, lt := range local {
		tasks[i] = lt.Task
	}
	return tasks
}

// GetTask returns a visible (not locally deleted) task by UID.
func (s *Store) GetTask(ctx context.Context, uid string) (*LocalTask, error) {
	lt, err := s.LookupTask(ctx, uid)
	if err != nil {
		return nil, err
	}
	if lt.Deleted {
		return nil, &SQLiteError{Op: "GetTask", TaskUID: uid, Err: ErrTaskNotFound}
	}
	return lt, nil
}

// LookupTask returns a task by UID including locally deleted ones.
func (s *Store) LookupTask(ctx context.Context, uid string) (*LocalTask, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+taskColumns+" FROM tasks WHERE uid = ?", uid)
	lt, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &SQLiteError{Op: "LookupTask", TaskUID: uid, Err: ErrTaskNotFound}
	}
	if err != nil {
		return nil, &SQLiteError{Op: "LookupTask", TaskUID: uid, Err: err}
	}
	return &lt, nil
}

// FindTasksBySummary searches for tasks by summary (case-insensitive).
// Exact matches sort first. An empty listID searches every list.
func (s *Store) FindTasksBySummary(ctx context.Context, listID, summary string) ([]backend.Task, error) {
	query := "SELECT " + taskColumns + ` FROM tasks WHERE deleted = 0 AND LOWER(summary) LIKE LOWER(?) ESCAPE '\'`
	args := []any{containsPattern(summary)}
	if listID != "" {
		query += " AND list_id = ?"
		args = append(args, listID)
	}
	query += `
		ORDER BY
			CASE WHEN LOWER(summary) = LOWER(?) THEN 0 ELSE 1 END,
			priority ASC,
			created_at DESC`
	args = append(args, summary)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &SQLiteError{Op: "FindTasksBySummary", ListID: listID, Err: err}
	}
	defer rows.Close()

	local, err := scanTasks(rows)
	if err != nil {
		return nil, &SQLiteError{Op: "FindTasksBySummary", ListID: listID, Err: err}
	}
	return plainTasks(local), nil
}

// ListTaskStates returns every cached task of a list with its sync state,
// locally deleted ones included.
func (s *Store) ListTaskStates(ctx context.Context, listID string) ([]LocalTask, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+taskColumns+" FROM tasks WHERE list_id = ?", listID)
	if err != nil {
		return nil, &SQLiteError{Op: "ListTaskStates", ListID: listID, Err: err}
	}
	defer rows.Close()

	local, err := scanTasks(rows)
	if err != nil {
		return nil, &SQLiteError{Op: "ListTaskStates", ListID: listID, Err: err}
	}
	return local, nil
}

func upsertTask(ctx context.Context, tx *sql.Tx, listID string, t backend.Task, dirty, deleted bool) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(uid) DO UPDATE SET
			list_id = excluded.list_id,
			summary = excluded.summary,
			description = excluded.description,
			status = excluded.status,
			priority = excluded.priority,
			percent_complete = excluded.percent_complete,
			created_at = excluded.created_at,
			modified_at = excluded.modified_at,
			due_date = excluded.due_date,
			start_date = excluded.start_date,
			completed_at = excluded.completed_at,
			parent_uid = excluded.parent_uid,
			categories = excluded.categories,
			all_day = excluded.all_day,
			href = excluded.href,
			etag = excluded.etag,
			raw_ical = excluded.raw_ical,
			dirty = excluded.dirty,
			deleted = excluded.deleted
	`,
		t.UID,
		listID,
		t.Summary,
		nullString(t.Description),
		t.Status,
		t.Priority,
		t.PercentComplete,
		timeValueToNullInt64(t.Created),
		timeValueToNullInt64(t.Modified),
		timeToNullInt64(t.DueDate),
		timeToNullInt64(t.StartDate),
		timeToNullInt64(t.Completed),
		nullString(t.ParentUID),
		encodeCategories(t.Categories),
		boolToInt(t.AllDay),
		nullString(t.Href),
		nullString(t.ETag),
		nullString(t.Raw),
		boolToInt(dirty),
		boolToInt(deleted),
	)
	return err
}

// withTx runs fn inside a transaction.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) listHref(ctx context.Context, tx *sql.Tx, listID string) (string, error) {
	var href string
	err := tx.QueryRowContext(ctx, "SELECT href FROM task_lists WHERE id = ?", listID).Scan(&href)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrListNotFound
	}
	return href, err
}

// CreateLocal stores a new task created on this device and queues its
// upload. A UID is generated when the task has none. Returns the stored
// task.
func (s *Store) CreateLocal(ctx context.Context, listID string, task backend.Task) (backend.Task, error) {
	if task.UID == "" {
		task.UID = uuid.NewString()
	}
	now := time.Now().UTC()
	if task.Created.IsZero() {
		task.Created = now
	}
	task.Modified = now
	if task.Status == "" {
		task.Status = backend.StatusNeedsAction
	}
	task.ETag = ""
	task.Raw = ""

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		href, err := s.listHref(ctx, tx, listID)
		if err != nil {
			return err
		}
		task.Href = backend.TaskHref(href, task.UID)
		if err := upsertTask(ctx, tx, listID, task, true, false); err != nil {
			return err
		}
		return enqueue(ctx, tx, task.UID, listID, OpCreate)
	})
	if err != nil {
		return backend.Task{}, &SQLiteError{Op: "CreateLocal", ListID: listID, TaskUID: task.UID, Err: err}
	}
	return task, nil
}

// UpdateLocal stores a local edit and queues an update. A create that
// has not been pushed yet stays a create.
func (s *Store) UpdateLocal(ctx context.Context, task backend.Task) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		current, err := lookupTx(ctx, tx, task.UID)
		if err != nil {
			return err
		}
		if current.Deleted {
			return ErrTaskNotFound
		}
		// Server state is not editable.
		task.Href = current.Href
		task.ETag = current.ETag
		task.Raw = current.Raw
		task.Created = current.Created
		task.Modified = time.Now().UTC()

		if err := upsertTask(ctx, tx, current.ListID, task, true, false); err != nil {
			return err
		}
		return enqueue(ctx, tx, task.UID, current.ListID, OpUpdate)
	})
	if err != nil {
		return &SQLiteError{Op: "UpdateLocal", TaskUID: task.UID, Err: err}
	}
	return nil
}

// DeleteLocal marks a task deleted and queues the remote delete. A task
// that never reached the server is removed outright.
func (s *Store) DeleteLocal(ctx context.Context, uid string) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		current, err := lookupTx(ctx, tx, uid)
		if err != nil {
			return err
		}
		if current.Deleted {
			return ErrTaskNotFound
		}

		op, err := operationTx(ctx, tx, uid)
		if err != nil {
			return err
		}
		if op != nil && op.Type == OpCreate {
			_, err := tx.ExecContext(ctx, "DELETE FROM tasks WHERE uid = ?", uid)
			return err
		}

		if _, err := tx.ExecContext(ctx,
			"UPDATE tasks SET deleted = 1, dirty = 1, modified_at = ? WHERE uid = ?",
			time.Now().Unix(), uid,
		); err != nil {
			return err
		}
		return enqueue(ctx, tx, uid, current.ListID, OpDelete)
	})
	if err != nil {
		return &SQLiteError{Op: "DeleteLocal", TaskUID: uid, Err: err}
	}
	return nil
}

func lookupTx(ctx context.Context, tx *sql.Tx, uid string) (*LocalTask, error) {
	row := tx.QueryRowContext(ctx, "SELECT "+taskColumns+" FROM tasks WHERE uid = ?", uid)
	lt, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, err
	}
	return &lt, nil
}

// ApplyRemote stores the server version of a task as clean and drops any
// pending operation for it.
func (s *Store) ApplyRemote(ctx context.Context, listID string, task backend.Task) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := upsertTask(ctx, tx, listID, task, false, false); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, "DELETE FROM sync_queue WHERE task_uid = ?", task.UID)
		return err
	})
	if err != nil {
		return &SQLiteError{Op: "ApplyRemote", ListID: listID, TaskUID: task.UID, Err: err}
	}
	return nil
}

// KeepLocal keeps the local version of a conflicting task but adopts the
// server etag and raw object, so the next conditional write targets the
// current server state. A pending create becomes an update.
func (s *Store) KeepLocal(ctx context.Context, uid, etag, raw string) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			"UPDATE tasks SET etag = ?, raw_ical = COALESCE(?, raw_ical) WHERE uid = ?",
			nullString(etag), nullString(raw), uid,
		)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrTaskNotFound
		}
		_, err = tx.ExecContext(ctx,
			"UPDATE sync_queue SET operation = 'update' WHERE task_uid = ? AND operation = 'create'",
			uid,
		)
		return err
	})
	if err != nil {
		return &SQLiteError{Op: "KeepLocal", TaskUID: uid, Err: err}
	}
	return nil
}

// ApplyMerged stores a merged task as dirty on top of the server etag and
// queues an update.
func (s *Store) ApplyMerged(ctx context.Context, listID string, task backend.Task) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := upsertTask(ctx, tx, listID, task, true, false); err != nil {
			return err
		}
		return setOperation(ctx, tx, task.UID, listID, OpUpdate)
	})
	if err != nil {
		return &SQLiteError{Op: "ApplyMerged", ListID: listID, TaskUID: task.UID, Err: err}
	}
	return nil
}

// RequeueAsCreate forgets the server state of a task whose resource
// vanished remotely and queues it to be uploaded again.
func (s *Store) RequeueAsCreate(ctx context.Context, uid string) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		current, err := lookupTx(ctx, tx, uid)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			"UPDATE tasks SET etag = NULL, raw_ical = NULL, dirty = 1, deleted = 0 WHERE uid = ?",
			uid,
		); err != nil {
			return err
		}
		return setOperation(ctx, tx, uid, current.ListID, OpCreate)
	})
	if err != nil {
		return &SQLiteError{Op: "RequeueAsCreate", TaskUID: uid, Err: err}
	}
	return nil
}

// RemoveTask hard-deletes a task and its queued operation.
func (s *Store) RemoveTask(ctx context.Context, uid string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM tasks WHERE uid = ?", uid); err != nil {
		return &SQLiteError{Op: "RemoveTask", TaskUID: uid, Err: err}
	}
	return nil
}
