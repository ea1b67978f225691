package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"caldavtasks/backend"
)

const listColumns = `id, href, name, description, color, ctag, sync_token, last_synced_at`

func scanList(row rowScanner) (backend.TaskList, error) {
	var list backend.TaskList
	var description, color, ctag, token sql.NullString
	var lastSynced sql.NullInt64

	if err := row.Scan(&list.ID, &list.Href, &list.Name, &description, &color, &ctag, &token, &lastSynced); err != nil {
		return backend.TaskList{}, err
	}
	list.Description = description.String
	list.Color = color.String
	list.CTag = ctag.String
	list.SyncToken = token.String
	list.LastSynced = nullInt64ToTimePtr(lastSynced)
	return list, nil
}

// UpsertList stores list metadata. The sync cursors (ctag, sync token,
// last sync time) are left alone; SetListSyncState owns them.
func (s *Store) UpsertList(ctx context.Context, list backend.TaskList) error {
	now := time.Now().Unix()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_lists (id, href, name, description, color, created_at, modified_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			href = excluded.href,
			name = excluded.name,
			description = excluded.description,
			color = excluded.color,
			modified_at = excluded.modified_at
	`, list.ID, list.Href, list.Name, nullString(list.Description), nullString(list.Color), now, now)
	if err != nil {
		return &SQLiteError{Op: "UpsertList", ListID: list.ID, Err: err}
	}
	return nil
}

// GetTaskLists returns all cached lists ordered by name.
func (s *Store) GetTaskLists(ctx context.Context) ([]backend.TaskList, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+listColumns+" FROM task_lists ORDER BY name COLLATE NOCASE ASC")
	if err != nil {
		return nil, &SQLiteError{Op: "GetTaskLists", Err: err}
	}
	defer rows.Close()

	var lists []backend.TaskList
	for rows.Next() {
		list, err := scanList(rows)
		if err != nil {
			return nil, &SQLiteError{Op: "GetTaskLists", Err: err}
		}
		lists = append(lists, list)
	}
	if err := rows.Err(); err != nil {
		return nil, &SQLiteError{Op: "GetTaskLists", Err: err}
	}
	return lists, nil
}

// GetList returns the list with the given ID.
func (s *Store) GetList(ctx context.Context, id string) (backend.TaskList, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+listColumns+" FROM task_lists WHERE id = ?", id)
	list, err := scanList(row)
	if errors.Is(err, sql.ErrNoRows) {
		return backend.TaskList{}, &SQLiteError{Op: "GetList", ListID: id, Err: ErrListNotFound}
	}
	if err != nil {
		return backend.TaskList{}, &SQLiteError{Op: "GetList", ListID: id, Err: err}
	}
	return list, nil
}

// FindList resolves a list by ID, then by case-insensitive name.
func (s *Store) FindList(ctx context.Context, nameOrID string) (backend.TaskList, error) {
	list, err := s.GetList(ctx, nameOrID)
	if err == nil || !errors.Is(err, ErrListNotFound) {
		return list, err
	}

	lists, err := s.GetTaskLists(ctx)
	if err != nil {
		return backend.TaskList{}, err
	}
	for _, l := range lists {
		if strings.EqualFold(l.Name, nameOrID) {
			return l, nil
		}
	}
	return backend.TaskList{}, &SQLiteError{Op: "FindList", ListID: nameOrID, Err: ErrListNotFound}
}

// DeleteList removes a list with its tasks and their queued operations.
func (s *Store) DeleteList(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM task_lists WHERE id = ?", id)
	if err != nil {
		return &SQLiteError{Op: "DeleteList", ListID: id, Err: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &SQLiteError{Op: "DeleteList", ListID: id, Err: ErrListNotFound}
	}
	return nil
}

// SetListSyncState records the cursors of a completed pull.
func (s *Store) SetListSyncState(ctx context.Context, id, ctag, syncToken string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE task_lists SET ctag = ?, sync_token = ?, last_synced_at = ? WHERE id = ?",
		nullString(ctag), nullString(syncToken), timeValueToNullInt64(at), id,
	)
	if err != nil {
		return &SQLiteError{Op: "SetListSyncState", ListID: id, Err: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &SQLiteError{Op: "SetListSyncState", ListID: id, Err: ErrListNotFound}
	}
	return nil
}
