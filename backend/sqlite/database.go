package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"caldavtasks/internal/utils"
)

// ErrSchemaTooNew is returned when the database was written by a newer
// binary.
var ErrSchemaTooNew = errors.New("database schema is newer than this version supports")

// SQLiteError represents errors specific to the cache operations
type SQLiteError struct {
	Op      string // Operation that failed
	Err     error  // Underlying error
	ListID  string // Optional: list ID if relevant
	TaskUID string // Optional: task UID if relevant
}

func (e *SQLiteError) Error() string {
	if e.ListID != "" && e.TaskUID != "" {
		return fmt.Sprintf("sqlite %s failed for task %s in list %s: %v", e.Op, e.TaskUID, e.ListID, e.Err)
	} else if e.ListID != "" {
		return fmt.Sprintf("sqlite %s failed for list %s: %v", e.Op, e.ListID, e.Err)
	} else if e.TaskUID != "" {
		return fmt.Sprintf("sqlite %s failed for task %s: %v", e.Op, e.TaskUID, e.Err)
	}
	return fmt.Sprintf("sqlite %s failed: %v", e.Op, e.Err)
}

func (e *SQLiteError) Unwrap() error {
	return e.Err
}

// Store is the local relational cache of lists, tasks and pending changes.
type Store struct {
	db   *sql.DB
	path string
}

// DefaultPath returns the path to the SQLite database file
// Priority: $XDG_DATA_HOME/caldavtasks/tasks.db > ~/.local/share/caldavtasks/tasks.db
func DefaultPath() (string, error) {
	if xdgDataHome := os.Getenv("XDG_DATA_HOME"); xdgDataHome != "" {
		return filepath.Join(xdgDataHome, "caldavtasks", "tasks.db"), nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}

	return filepath.Join(homeDir, ".local", "share", "caldavtasks", "tasks.db"), nil
}

func dsn(path string) string {
	q := url.Values{}
	for _, p := range pragmas {
		q.Add("_pragma", p)
	}
	return "file:" + path + "?" + q.Encode()
}

// Open opens (creating if needed) the database at path and migrates it to
// SchemaVersion. An empty path selects DefaultPath.
func Open(path string) (*Store, error) {
	if path == "" {
		var err error
		if path, err = DefaultPath(); err != nil {
			return nil, &SQLiteError{Op: "open", Err: err}
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, &SQLiteError{Op: "open", Err: fmt.Errorf("failed to create database directory: %w", err)}
	}

	db, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, &SQLiteError{Op: "open", Err: err}
	}
	// One connection: SQLite serializes writers anyway and the pragmas
	// then hold for every statement.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, path: path}
	if err := s.migrate(context.Background(), SchemaVersion); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file location.
func (s *Store) Path() string {
	return s.path
}

// SchemaVersion returns the highest applied migration.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	var version sql.NullInt64
	err := s.db.QueryRowContext(ctx, "SELECT MAX(version) FROM schema_version").Scan(&version)
	if err != nil {
		return 0, &SQLiteError{Op: "SchemaVersion", Err: err}
	}
	return int(version.Int64), nil
}

// migrate applies the migrations between the recorded version and target.
func (s *Store) migrate(ctx context.Context, target int) error {
	if _, err := s.db.ExecContext(ctx, SchemaVersionTableSQL); err != nil {
		return &SQLiteError{Op: "migrate", Err: err}
	}

	current, err := s.SchemaVersion(ctx)
	if err != nil {
		return err
	}
	if current > len(migrations) {
		return &SQLiteError{Op: "migrate", Err: fmt.Errorf("%w: found version %d, supported %d", ErrSchemaTooNew, current, len(migrations))}
	}

	for version := current + 1; version <= target && version <= len(migrations); version++ {
		if err := s.applyMigration(ctx, version); err != nil {
			return &SQLiteError{Op: "migrate", Err: fmt.Errorf("migration to version %d: %w", version, err)}
		}
		utils.Debugf("Applied database migration %d", version)
	}
	return nil
}

func (s *Store) applyMigration(ctx context.Context, version int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range migrations[version-1] {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%s: %w", firstLine(stmt), err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO schema_version (version, applied_at) VALUES (?, ?)",
		version, time.Now().Unix(),
	); err != nil {
		return err
	}
	return tx.Commit()
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// Stats summarizes the cache content.
type Stats struct {
	Path          string
	SchemaVersion int
	Lists         int
	Tasks         int
	DirtyTasks    int
	PendingOps    int
	FailedOps     int
	SizeBytes     int64
}

// Stats counts lists, tasks and queue entries.
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	st := &Stats{Path: s.path}
	var err error
	if st.SchemaVersion, err = s.SchemaVersion(ctx); err != nil {
		return nil, err
	}

	counts := []struct {
		query string
		dst   *int
	}{
		{"SELECT COUNT(*) FROM task_lists", &st.Lists},
		{"SELECT COUNT(*) FROM tasks WHERE deleted = 0", &st.Tasks},
		{"SELECT COUNT(*) FROM tasks WHERE dirty = 1", &st.DirtyTasks},
		{"SELECT COUNT(*) FROM sync_queue", &st.PendingOps},
		{"SELECT COUNT(*) FROM sync_queue WHERE retry_count > 0", &st.FailedOps},
	}
	for _, c := range counts {
		if err := s.db.QueryRowContext(ctx, c.query).Scan(c.dst); err != nil {
			return nil, &SQLiteError{Op: "Stats", Err: err}
		}
	}

	if info, err := os.Stat(s.path); err == nil {
		st.SizeBytes = info.Size()
	}
	return st, nil
}

// String returns a formatted string representation of stats
func (st *Stats) String() string {
	return fmt.Sprintf(`Database Statistics:
  Path: %s
  Schema version: %d
  Size: %.2f KB
  Lists: %d
  Tasks: %d
  Modified locally: %d
  Pending operations: %d
  Failed operations: %d`,
		st.Path,
		st.SchemaVersion,
		float64(st.SizeBytes)/1024,
		st.Lists,
		st.Tasks,
		st.DirtyTasks,
		st.PendingOps,
		st.FailedOps,
	)
}
