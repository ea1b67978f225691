package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// OpType is the kind of change waiting to be pushed.
type OpType string

const (
	OpCreate OpType = "create"
	OpUpdate OpType = "update"
	OpDelete OpType = "delete"
)

// Operation is a pending change of one task. Later edits of the same task
// fold into it and bump Revision.
type Operation struct {
	ID         int64
	TaskUID    string
	ListID     string
	Type       OpType
	CreatedAt  time.Time
	RetryCount int
	LastError  string
	Revision   int
}

const operationColumns = `id, task_uid, list_id, operation, created_at, retry_count, last_error, revision`

func scanOperation(row rowScanner) (Operation, error) {
	var op Operation
	var createdAt int64
	var lastError sql.NullString
	if err := row.Scan(&op.ID, &op.TaskUID, &op.ListID, &op.Type, &createdAt, &op.RetryCount, &lastError, &op.Revision); err != nil {
		return Operation{}, err
	}
	op.CreatedAt = time.Unix(createdAt, 0).UTC()
	op.LastError = lastError.String
	return op, nil
}

// enqueue records a local change. The queue position of an already
// queued task is kept; a pending create absorbs updates.
func enqueue(ctx context.Context, tx *sql.Tx, uid, listID string, op OpType) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO sync_queue (task_uid, list_id, operation, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(task_uid) DO UPDATE SET
			operation = CASE
				WHEN sync_queue.operation = 'create' AND excluded.operation = 'update' THEN 'create'
				ELSE excluded.operation
			END,
			list_id = excluded.list_id,
			revision = sync_queue.revision + 1,
			retry_count = 0,
			last_error = NULL
	`, uid, listID, string(op), time.Now().Unix())
	return err
}

// setOperation replaces the pending operation of a task with op.
func setOperation(ctx context.Context, tx *sql.Tx, uid, listID string, op OpType) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO sync_queue (task_uid, list_id, operation, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(task_uid) DO UPDATE SET
			operation = excluded.operation,
			list_id = excluded.list_id,
			revision = sync_queue.revision + 1
	`, uid, listID, string(op), time.Now().Unix())
	return err
}

func operationTx(ctx context.Context, tx *sql.Tx, uid string) (*Operation, error) {
	row := tx.QueryRowContext(ctx, "SELECT "+operationColumns+" FROM sync_queue WHERE task_uid = ?", uid)
	op, err := scanOperation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &op, nil
}

// PendingOperations returns queued operations oldest first. Operations
// that failed maxRetries times or more are left out; maxRetries <= 0
// returns everything.
func (s *Store) PendingOperations(ctx context.Context, maxRetries int) ([]Operation, error) {
	query := "SELECT " + operationColumns + " FROM sync_queue"
	var args []any
	if maxRetries > 0 {
		query += " WHERE retry_count < ?"
		args = append(args, maxRetries)
	}
	query += " ORDER BY created_at ASC, id ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &SQLiteError{Op: "PendingOperations", Err: err}
	}
	defer rows.Close()

	var ops []Operation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, &SQLiteError{Op: "PendingOperations", Err: err}
		}
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, &SQLiteError{Op: "PendingOperations", Err: err}
	}
	return ops, nil
}

// GetOperation returns the pending operation of a task, or nil.
func (s *Store) GetOperation(ctx context.Context, uid string) (*Operation, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+operationColumns+" FROM sync_queue WHERE task_uid = ?", uid)
	op, err := scanOperation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, &SQLiteError{Op: "GetOperation", TaskUID: uid, Err: err}
	}
	return &op, nil
}

// CompleteOperation records a successful push of op. The new etag is
// stored in any case. The queue entry is removed and the task marked
// clean only if the task was not edited again since op was read; it
// reports whether that was the case. A completed delete removes the task.
func (s *Store) CompleteOperation(ctx context.Context, op Operation, etag string) (bool, error) {
	completed := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		current, err := operationTx(ctx, tx, op.TaskUID)
		if err != nil {
			return err
		}

		if op.Type == OpDelete {
			completed = true
			_, err := tx.ExecContext(ctx, "DELETE FROM tasks WHERE uid = ?", op.TaskUID)
			return err
		}

		if _, err := tx.ExecContext(ctx, "UPDATE tasks SET etag = ? WHERE uid = ?", nullString(etag), op.TaskUID); err != nil {
			return err
		}
		if current == nil {
			return nil
		}
		if current.Revision != op.Revision {
			// Edited while the push was in flight: the resource exists now.
			_, err := tx.ExecContext(ctx,
				"UPDATE sync_queue SET operation = 'update' WHERE id = ? AND operation = 'create'",
				current.ID,
			)
			return err
		}

		completed = true
		if _, err := tx.ExecContext(ctx, "DELETE FROM sync_queue WHERE id = ?", current.ID); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, "UPDATE tasks SET dirty = 0 WHERE uid = ?", op.TaskUID)
		return err
	})
	if err != nil {
		return false, &SQLiteError{Op: "CompleteOperation", TaskUID: op.TaskUID, Err: err}
	}
	return completed, nil
}

// SetETag stores the server etag of a task without changing its state.
func (s *Store) SetETag(ctx context.Context, uid, etag string) error {
	if _, err := s.db.ExecContext(ctx, "UPDATE tasks SET etag = ? WHERE uid = ?", nullString(etag), uid); err != nil {
		return &SQLiteError{Op: "SetETag", TaskUID: uid, Err: err}
	}
	return nil
}

// RecordFailure counts a failed push attempt of op.
func (s *Store) RecordFailure(ctx context.Context, op Operation, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	_, err := s.db.ExecContext(ctx,
		"UPDATE sync_queue SET retry_count = retry_count + 1, last_error = ? WHERE id = ?",
		nullString(msg), op.ID,
	)
	if err != nil {
		return &SQLiteError{Op: "RecordFailure", TaskUID: op.TaskUID, Err: err}
	}
	return nil
}

// ResetFailures makes every failed operation eligible again and returns
// how many were reset.
func (s *Store) ResetFailures(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, "UPDATE sync_queue SET retry_count = 0, last_error = NULL WHERE retry_count > 0")
	if err != nil {
		return 0, &SQLiteError{Op: "ResetFailures", Err: err}
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ClearQueue discards every pending local change. Tasks that were never
// uploaded are removed, the others are reverted to clean with their etag
// forgotten, and the list ctags are reset so the next pull refetches
// everything from the server. Returns the number of discarded operations.
func (s *Store) ClearQueue(ctx context.Context) (int, error) {
	var n int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM sync_queue").Scan(&n); err != nil {
			return err
		}
		stmts := []string{
			"DELETE FROM tasks WHERE uid IN (SELECT task_uid FROM sync_queue WHERE operation = 'create')",
			"UPDATE tasks SET dirty = 0, deleted = 0, etag = NULL WHERE uid IN (SELECT task_uid FROM sync_queue)",
			"DELETE FROM sync_queue",
			"UPDATE task_lists SET ctag = NULL, sync_token = NULL",
		}
		for _, stmt := range stmts {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, &SQLiteError{Op: "ClearQueue", Err: err}
	}
	return int(n), nil
}
