package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// createTestStore opens a fresh database in a temp dir
func createTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenCreatesDatabase(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "dir", "tasks.db")
	s, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer s.Close()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Errorf("Database file was not created")
	}

	version, err := s.SchemaVersion(context.Background())
	if err != nil {
		t.Fatalf("SchemaVersion() error = %v", err)
	}
	if version != SchemaVersion {
		t.Errorf("SchemaVersion() = %d, want %d", version, SchemaVersion)
	}
}

func TestOpenIsIdempotent(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "tasks.db")
	for i := 0; i < 3; i++ {
		s, err := Open(dbPath)
		if err != nil {
			t.Fatalf("Open() #%d error = %v", i, err)
		}
		var rows int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version").Scan(&rows); err != nil {
			t.Fatalf("count versions: %v", err)
		}
		if rows != SchemaVersion {
			t.Errorf("Open() #%d: %d version rows, want %d", i, rows, SchemaVersion)
		}
		s.Close()
	}
}

func TestPragmasApplied(t *testing.T) {
	s := createTestStore(t)

	var fk int
	if err := s.db.QueryRow("PRAGMA foreign_keys").Scan(&fk); err != nil {
		t.Fatalf("PRAGMA foreign_keys: %v", err)
	}
	if fk != 1 {
		t.Errorf("foreign_keys = %d, want 1", fk)
	}

	var mode string
	if err := s.db.QueryRow("PRAGMA journal_mode").Scan(&mode); err != nil {
		t.Fatalf("PRAGMA journal_mode: %v", err)
	}
	if !strings.EqualFold(mode, "wal") {
		t.Errorf("journal_mode = %q, want wal", mode)
	}
}

func TestUpgradeFromVersion1(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "old.db")

	db, err := sql.Open("sqlite", dsn(dbPath))
	if err != nil {
		t.Fatalf("sql.Open() error = %v", err)
	}
	old := &Store{db: db, path: dbPath}
	if err := old.migrate(ctx, 1); err != nil {
		t.Fatalf("migrate(1) error = %v", err)
	}
	stmts := []string{
		`INSERT INTO task_lists (id, href, name) VALUES ('work', '/cal/work/', 'Work')`,
		`INSERT INTO tasks (uid, list_id, summary, status, priority, categories) VALUES ('t1', 'work', 'Old task', 'NEEDS-ACTION', 2, NULL)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			t.Fatalf("seed %q: %v", stmt, err)
		}
	}
	db.Close()

	s, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open() on v1 database error = %v", err)
	}
	defer s.Close()

	version, _ := s.SchemaVersion(ctx)
	if version != SchemaVersion {
		t.Errorf("SchemaVersion() = %d, want %d", version, SchemaVersion)
	}

	task, err := s.GetTask(ctx, "t1")
	if err != nil {
		t.Fatalf("GetTask() after upgrade error = %v", err)
	}
	if task.Summary != "Old task" || task.Priority != 2 || task.PercentComplete != 0 || task.Dirty {
		t.Errorf("upgraded task = %+v", task)
	}
}

func TestOpenRejectsNewerSchema(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "future.db")
	s, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if _, err := s.db.Exec("INSERT INTO schema_version (version, applied_at) VALUES (?, 0)", SchemaVersion+5); err != nil {
		t.Fatalf("insert version: %v", err)
	}
	s.Close()

	_, err = Open(dbPath)
	if !errors.Is(err, ErrSchemaTooNew) {
		t.Errorf("Open() error = %v, want ErrSchemaTooNew", err)
	}
}

func TestDefaultPath(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", "/tmp/xdg-data")
	got, err := DefaultPath()
	if err != nil {
		t.Fatalf("DefaultPath() error = %v", err)
	}
	if want := filepath.Join("/tmp/xdg-data", "caldavtasks", "tasks.db"); got != want {
		t.Errorf("DefaultPath() = %q, want %q", got, want)
	}
}

func TestStats(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	seedList(t, s, "work")

	if _, err := s.CreateLocal(ctx, "work", taskWithSummary("a")); err != nil {
		t.Fatal(err)
	}
	created, err := s.CreateLocal(ctx, "work", taskWithSummary("b"))
	if err != nil {
		t.Fatal(err)
	}
	op, _ := s.GetOperation(ctx, created.UID)
	if err := s.RecordFailure(ctx, *op, errors.New("boom")); err != nil {
		t.Fatal(err)
	}

	st, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if st.Lists != 1 || st.Tasks != 2 || st.DirtyTasks != 2 || st.PendingOps != 2 || st.FailedOps != 1 {
		t.Errorf("Stats() = %+v", st)
	}
	if st.SchemaVersion != SchemaVersion {
		t.Errorf("Stats().SchemaVersion = %d", st.SchemaVersion)
	}
	if !strings.Contains(st.String(), "Pending operations: 2") {
		t.Errorf("Stats.String() = %q", st.String())
	}
}
