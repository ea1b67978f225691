package sqlite

// SchemaVersion is the newest schema this binary knows.
const SchemaVersion = 3

// SchemaVersionTableSQL creates the schema version table for migration tracking
const SchemaVersionTableSQL = `
CREATE TABLE IF NOT EXISTS schema_version (
    version INTEGER PRIMARY KEY,
    applied_at INTEGER NOT NULL
);
`

// migrations[i] upgrades the schema from version i to i+1. Each migration
// runs in its own transaction.
var migrations = [][]string{
	// v1: lists and tasks following the VTODO fields
	{
		`CREATE TABLE task_lists (
    id TEXT PRIMARY KEY,
    href TEXT NOT NULL,
    name TEXT NOT NULL,
    description TEXT,
    color TEXT,
    ctag TEXT,
    created_at INTEGER,
    modified_at INTEGER
)`,
		`CREATE TABLE tasks (
    uid TEXT PRIMARY KEY,
    list_id TEXT NOT NULL,
    summary TEXT NOT NULL,
    description TEXT,
    status TEXT,
    priority INTEGER DEFAULT 0,
    created_at INTEGER,
    modified_at INTEGER,
    due_date INTEGER,
    start_date INTEGER,
    completed_at INTEGER,
    parent_uid TEXT,
    categories TEXT,

    FOREIGN KEY(list_id) REFERENCES task_lists(id) ON DELETE CASCADE
)`,
	},

	// v2: server state per task and the queue of local changes to push
	{
		`ALTER TABLE tasks ADD COLUMN href TEXT`,
		`ALTER TABLE tasks ADD COLUMN etag TEXT`,
		`ALTER TABLE tasks ADD COLUMN raw_ical TEXT`,
		`ALTER TABLE tasks ADD COLUMN dirty INTEGER NOT NULL DEFAULT 0`,
		`ALTER TABLE tasks ADD COLUMN deleted INTEGER NOT NULL DEFAULT 0`,
		`CREATE TABLE sync_queue (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    task_uid TEXT NOT NULL,
    list_id TEXT NOT NULL,
    operation TEXT NOT NULL CHECK(operation IN ('create', 'update', 'delete')),
    created_at INTEGER NOT NULL,
    retry_count INTEGER NOT NULL DEFAULT 0,
    last_error TEXT,
    revision INTEGER NOT NULL DEFAULT 1,

    -- One pending operation per task; later edits fold into it
    UNIQUE(task_uid),
    FOREIGN KEY(task_uid) REFERENCES tasks(uid) ON DELETE CASCADE
)`,
	},

	// v3: progress, all-day dates, list sync cursors and indexes
	{
		`ALTER TABLE tasks ADD COLUMN percent_complete INTEGER NOT NULL DEFAULT 0`,
		`ALTER TABLE tasks ADD COLUMN all_day INTEGER NOT NULL DEFAULT 0`,
		`ALTER TABLE task_lists ADD COLUMN sync_token TEXT`,
		`ALTER TABLE task_lists ADD COLUMN last_synced_at INTEGER`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_list_id ON tasks(list_id)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_due_date ON tasks(due_date)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_parent_uid ON tasks(parent_uid)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_href ON tasks(href)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_dirty ON tasks(dirty)`,
		`CREATE INDEX IF NOT EXISTS idx_sync_queue_created_at ON sync_queue(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_sync_queue_retry_count ON sync_queue(retry_count)`,
	},
}

// Pragmas applied to every connection through the DSN.
var pragmas = []string{
	"foreign_keys(1)",
	"journal_mode(WAL)",   // Write-Ahead Logging for better concurrency
	"synchronous(NORMAL)", // Balance between safety and performance
	"busy_timeout(5000)",
}
