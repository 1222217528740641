package memory

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

// DatabaseFile is the SQLite file created under the storage base path.
const DatabaseFile = "notes.db"

// SQLiteStore persists notes, entities, the enrichment queue, clarifications,
// usage records and webhooks in a single SQLite database.
type SQLiteStore struct {
	db       *sql.DB
	basePath string
}

// NewSQLiteStore opens (or creates) the store under basePath.
// The special basePath ":memory:" opens a private in-memory database.
func NewSQLiteStore(basePath string) (*SQLiteStore, error) {
	var dsn string
	if basePath == ":memory:" {
		dsn = "file::memory:?_pragma=foreign_keys(1)"
	} else {
		if err := os.MkdirAll(basePath, 0755); err != nil {
			return nil, fmt.Errorf("create storage directory: %w", err)
		}
		// Pragmas in the DSN apply to every pooled connection, not just the first.
		dsn = "file:" + filepath.Join(basePath, DatabaseFile) +
			"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_txlock=immediate"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if basePath == ":memory:" {
		// Each connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	store := &SQLiteStore{
		db:       db,
		basePath: basePath,
	}

	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	return store, nil
}

// initSchema creates the database tables if they don't exist.
func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS notes (
		id TEXT PRIMARY KEY,
		owner TEXT NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		content TEXT NOT NULL DEFAULT '',
		category TEXT NOT NULL DEFAULT '',
		type TEXT NOT NULL DEFAULT 'note',
		tags TEXT NOT NULL DEFAULT '[]',       -- JSON array, ordered, unique
		properties TEXT NOT NULL DEFAULT '[]', -- JSON array of extracted properties
		priority INTEGER NOT NULL DEFAULT 0,
		project_id TEXT,
		embedding BLOB,                        -- little-endian float32 vector
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		original_created_at TEXT,              -- preserved from an import source
		original_updated_at TEXT,
		enriched_at TEXT,
		embedded_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_notes_owner ON notes(owner);
	CREATE INDEX IF NOT EXISTS idx_notes_owner_category ON notes(owner, category);
	CREATE INDEX IF NOT EXISTS idx_notes_owner_type ON notes(owner, type);

	CREATE VIRTUAL TABLE IF NOT EXISTS notes_fts USING fts5(
		id UNINDEXED,
		title,
		content,
		content='notes',
		content_rowid='rowid'
	);

	CREATE TABLE IF NOT EXISTS entities (
		id TEXT PRIMARY KEY,
		owner TEXT NOT NULL,
		kind TEXT NOT NULL,                    -- person, company, project
		name TEXT NOT NULL,                    -- first-seen display form
		normalized_name TEXT NOT NULL,
		type TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		UNIQUE(owner, kind, normalized_name)
	);

	CREATE TABLE IF NOT EXISTS note_entities (
		note_id TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		created_at TEXT NOT NULL,
		PRIMARY KEY (note_id, entity_id),
		FOREIGN KEY (note_id) REFERENCES notes(id) ON DELETE CASCADE,
		FOREIGN KEY (entity_id) REFERENCES entities(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_note_entities_entity ON note_entities(entity_id);

	CREATE TABLE IF NOT EXISTS enrichment_queue (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		note_id TEXT NOT NULL UNIQUE,
		owner TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending', -- pending, processing, completed, failed
		priority INTEGER NOT NULL DEFAULT 0,
		attempts INTEGER NOT NULL DEFAULT 0,
		max_attempts INTEGER NOT NULL DEFAULT 3,
		last_error TEXT,
		requeue INTEGER NOT NULL DEFAULT 0,     -- note changed while processing
		created_at TEXT NOT NULL,
		available_at TEXT NOT NULL,
		started_at TEXT,
		completed_at TEXT,
		FOREIGN KEY (note_id) REFERENCES notes(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_queue_claim ON enrichment_queue(status, priority DESC, created_at);

	CREATE TABLE IF NOT EXISTS clarifications (
		id TEXT PRIMARY KEY,
		note_id TEXT NOT NULL,
		owner TEXT NOT NULL,
		question TEXT NOT NULL,
		message_id TEXT,
		status TEXT NOT NULL DEFAULT 'pending', -- pending, answered, applied
		answer TEXT,
		created_at TEXT NOT NULL,
		answered_at TEXT,
		applied_at TEXT,
		FOREIGN KEY (note_id) REFERENCES notes(id) ON DELETE CASCADE
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_clarifications_one_pending
		ON clarifications(note_id) WHERE status = 'pending';
	CREATE INDEX IF NOT EXISTS idx_clarifications_message ON clarifications(message_id);
	CREATE INDEX IF NOT EXISTS idx_clarifications_owner_status ON clarifications(owner, status, created_at);

	CREATE TABLE IF NOT EXISTS usage_records (
		id TEXT PRIMARY KEY,
		model TEXT NOT NULL,
		operation TEXT NOT NULL,
		input_tokens INTEGER NOT NULL DEFAULT 0,
		output_tokens INTEGER NOT NULL DEFAULT 0,
		cost REAL NOT NULL DEFAULT 0,
		note_id TEXT,
		owner TEXT,
		metadata TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_usage_owner_created ON usage_records(owner, created_at);
	CREATE INDEX IF NOT EXISTS idx_usage_note ON usage_records(note_id);

	CREATE TABLE IF NOT EXISTS webhooks (
		id TEXT PRIMARY KEY,
		owner TEXT NOT NULL,
		url TEXT NOT NULL,
		secret TEXT,
		events TEXT NOT NULL DEFAULT '[]',     -- JSON array; empty means all events
		active INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_webhooks_owner ON webhooks(owner);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}

	// SQLite has no IF NOT EXISTS for triggers, so check sqlite_master first.
	triggers := []struct {
		name string
		sql  string
	}{
		{
			name: "notes_fts_ai",
			sql: `CREATE TRIGGER notes_fts_ai AFTER INSERT ON notes BEGIN
				INSERT INTO notes_fts(rowid, id, title, content)
				VALUES (NEW.rowid, NEW.id, NEW.title, NEW.content);
			END`,
		},
		{
			name: "notes_fts_ad",
			sql: `CREATE TRIGGER notes_fts_ad AFTER DELETE ON notes BEGIN
				INSERT INTO notes_fts(notes_fts, rowid, id, title, content)
				VALUES('delete', OLD.rowid, OLD.id, OLD.title, OLD.content);
			END`,
		},
		{
			// Only text edits touch the index; embedding and tag writes do not.
			name: "notes_fts_au",
			sql: `CREATE TRIGGER notes_fts_au AFTER UPDATE OF title, content ON notes BEGIN
				INSERT INTO notes_fts(notes_fts, rowid, id, title, content)
				VALUES('delete', OLD.rowid, OLD.id, OLD.title, OLD.content);
				INSERT INTO notes_fts(rowid, id, title, content)
				VALUES (NEW.rowid, NEW.id, NEW.title, NEW.content);
			END`,
		},
	}

	for _, t := range triggers {
		var count int
		err := s.db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='trigger' AND name=?", t.name).Scan(&count)
		if err != nil {
			return fmt.Errorf("check trigger %s: %w", t.name, err)
		}
		if count == 0 {
			if _, err := s.db.Exec(t.sql); err != nil {
				return fmt.Errorf("create trigger %s: %w", t.name, err)
			}
		}
	}

	// Columns added after the first release of the notes table.
	migrations := []struct {
		column string
		ddl    string
	}{
		{"properties", "ALTER TABLE notes ADD COLUMN properties TEXT NOT NULL DEFAULT '[]'"},
		{"original_created_at", "ALTER TABLE notes ADD COLUMN original_created_at TEXT"},
		{"original_updated_at", "ALTER TABLE notes ADD COLUMN original_updated_at TEXT"},
		{"embedded_at", "ALTER TABLE notes ADD COLUMN embedded_at TEXT"},
	}
	for _, m := range migrations {
		exists, err := s.columnExists("notes", m.column)
		if err != nil {
			return err
		}
		if exists {
			continue
		}
		if _, err := s.db.Exec(m.ddl); err != nil {
			// Only ignore "duplicate column" (two processes migrating at once).
			if !strings.Contains(err.Error(), "duplicate column") {
				return fmt.Errorf("migration %s failed: %w", m.column, err)
			}
		}
	}

	return nil
}

func (s *SQLiteStore) columnExists(table, column string) (bool, error) {
	rows, err := s.db.Query("PRAGMA table_info(" + table + ")")
	if err != nil {
		return false, fmt.Errorf("table info %s: %w", table, err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dflt any
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return false, fmt.Errorf("scan table info: %w", err)
		}
		if name == column {
			return true, nil
		}
	}
	return false, checkRowsErr(rows)
}

// RebuildFTS repopulates the keyword index from the notes table and
// returns the number of notes indexed.
func (s *SQLiteStore) RebuildFTS(ctx context.Context) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin reindex: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, "INSERT INTO notes_fts(notes_fts) VALUES('delete-all')"); err != nil {
		return 0, fmt.Errorf("clear fts index: %w", err)
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO notes_fts(rowid, id, title, content)
		SELECT rowid, id, title, content FROM notes
	`)
	if err != nil {
		return 0, fmt.Errorf("rebuild fts index: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("check rows affected: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit reindex: %w", err)
	}
	return n, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
