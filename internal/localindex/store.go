// Package localindex is the SQLite-backed local index: a book-key to
// vault-path mapping, and per-source-file processing state, with
// capability-gated persistence and an async rebuild for when the
// persistent file can't be opened.
package localindex

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/kohl-import/kohl-import/internal/capability"
)

//go:embed schema.sql
var schemaSQL string

const currentSchemaVersion = 3

// State describes how the index is currently backed.
type State string

const (
	StatePersistent  State = "persistent"
	StateInMemory    State = "in_memory"
	StateUnavailable State = "unavailable"
)

// Index wraps the local SQLite database. All mutations funnel through
// a single writer mutex: single logical writer, many readers.
type Index struct {
	db         *sql.DB
	writerMu   sync.Mutex
	state      State
	rebuilding bool
	mu         sync.RWMutex
}

// Open opens path, consulting oracle for whether persistence is worth
// attempting. On capability failure or on open failure it falls back to
// an in-memory database; if even that fails, State becomes
// unavailable and every query degrades to empty results.
func Open(ctx context.Context, path string, oracle *capability.Oracle) (*Index, error) {
	if oracle != nil && !oracle.PersistentIndexLikely(ctx) {
		return openInMemory()
	}

	idx, err := openDB(path)
	if err != nil {
		if memIdx, memErr := openInMemory(); memErr == nil {
			return memIdx, nil
		}
		return &Index{state: StateUnavailable}, fmt.Errorf("open persistent index, and in-memory fallback also failed: %w", err)
	}
	idx.state = StatePersistent
	return idx, nil
}

func openInMemory() (*Index, error) {
	db, err := sql.Open("sqlite", "file::memory:?cache=shared")
	if err != nil {
		return &Index{state: StateUnavailable}, fmt.Errorf("open in-memory index: %w", err)
	}
	if err := initSchema(db); err != nil {
		db.Close()
		return &Index{state: StateUnavailable}, fmt.Errorf("init in-memory schema: %w", err)
	}
	return &Index{db: db, state: StateInMemory}, nil
}

func openDB(path string) (*Index, error) {
	idx, err := openDBOnce(path)
	if err != nil {
		if isSchemaMismatch(err) {
			os.Remove(path)
			os.Remove(path + "-wal")
			os.Remove(path + "-shm")
			return openDBOnce(path)
		}
		return nil, err
	}
	return idx, nil
}

func isSchemaMismatch(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "no such column") ||
		strings.Contains(msg, "no such table") ||
		strings.Contains(msg, "SQL logic error")
}

func openDBOnce(path string) (*Index, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create index directory: %w", err)
		}
	}

	escaped := strings.ReplaceAll(path, " ", "%20")
	db, err := sql.Open("sqlite", "file:"+escaped+"?_time_format=sqlite")
	if err != nil {
		return nil, fmt.Errorf("open index: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	return &Index{db: db}, nil
}

// migrate brings an existing database from whatever PRAGMA user_version
// it reports up to currentSchemaVersion, transactionally and
// idempotently. A brand new file (version 0) just gets the fresh v3
// schema.
func migrate(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("read user_version: %w", err)
	}

	if version == 0 {
		if err := initSchema(db); err != nil {
			return err
		}
		return setUserVersion(db, currentSchemaVersion)
	}

	if version == 1 {
		if err := migrateV1ToV2(db); err != nil {
			return fmt.Errorf("migrate v1->v2: %w", err)
		}
		version = 2
	}
	if version == 2 {
		if err := migrateV2ToV3(db); err != nil {
			return fmt.Errorf("migrate v2->v3: %w", err)
		}
		version = 3
	}
	return nil
}

func initSchema(db *sql.DB) error {
	_, err := db.Exec(schemaSQL)
	return err
}

func setUserVersion(db *sql.DB, version int) error {
	_, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", version))
	return err
}

// migrateV1ToV2 adds the import_source table to a v1 database that only
// had the book table (with an inlined vault_path, addressed by v2->v3).
func migrateV1ToV2(db *sql.DB) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS import_source (
			source_path          TEXT PRIMARY KEY,
			last_processed_mtime DATETIME,
			last_processed_size  INTEGER,
			newest_annotation_ts TEXT,
			last_success_ts      DATETIME,
			last_error           TEXT,
			book_key             TEXT,
			md5                  TEXT
		)`); err != nil {
		return err
	}
	if err := setUserVersionTx(tx, 2); err != nil {
		return err
	}
	return tx.Commit()
}

// migrateV2ToV3 normalizes the v1/v2 book table's inlined vault_path
// column out into book_instances, then drops the column.
func migrateV2ToV3(db *sql.DB) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var hasVaultPath bool
	rows, err := tx.Query("PRAGMA table_info(book)")
	if err != nil {
		return err
	}
	for rows.Next() {
		var cid int
		var name, colType string
		var notNull, pk int
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dflt, &pk); err != nil {
			rows.Close()
			return err
		}
		if name == "vault_path" {
			hasVaultPath = true
		}
	}
	rows.Close()

	if _, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS book_instances (
			book_key   TEXT NOT NULL REFERENCES book(key) ON DELETE CASCADE,
			vault_path TEXT NOT NULL UNIQUE,
			PRIMARY KEY (book_key, vault_path)
		)`); err != nil {
		return err
	}

	if hasVaultPath {
		if _, err := tx.Exec(`
			INSERT OR IGNORE INTO book_instances (book_key, vault_path)
			SELECT key, vault_path FROM book WHERE vault_path IS NOT NULL AND vault_path != ''
		`); err != nil {
			return err
		}
		if _, err := tx.Exec(`
			CREATE TABLE book_new (key TEXT PRIMARY KEY, id TEXT NOT NULL, title TEXT NOT NULL, authors TEXT NOT NULL)
		`); err != nil {
			return err
		}
		if _, err := tx.Exec(`INSERT INTO book_new (key, id, title, authors) SELECT key, id, title, authors FROM book`); err != nil {
			return err
		}
		if _, err := tx.Exec(`DROP TABLE book`); err != nil {
			return err
		}
		if _, err := tx.Exec(`ALTER TABLE book_new RENAME TO book`); err != nil {
			return err
		}
	}

	if _, err := tx.Exec(`
		CREATE TRIGGER IF NOT EXISTS book_gc_on_instance_delete
		AFTER DELETE ON book_instances
		WHEN (SELECT COUNT(*) FROM book_instances WHERE book_key = OLD.book_key) = 0
		BEGIN
			DELETE FROM book WHERE key = OLD.book_key;
		END
	`); err != nil {
		return err
	}

	if err := setUserVersionTx(tx, 3); err != nil {
		return err
	}
	return tx.Commit()
}

func setUserVersionTx(tx *sql.Tx, version int) error {
	_, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", version))
	return err
}

// State reports how the index is currently backed.
func (idx *Index) State() State {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.state
}

// Close flushes and closes the underlying database.
func (idx *Index) Close() error {
	if idx.db == nil {
		return nil
	}
	return idx.db.Close()
}

// withWriter serializes mutating operations into the single logical
// writer, wrapping the body in BEGIN ... COMMIT with ROLLBACK on error.
// writerMu already guarantees only one writer transaction is ever open
// at a time, so the plain deferred BEGIN that database/sql issues is
// safe here; it is never promoted to BEGIN IMMEDIATE.
func (idx *Index) withWriter(ctx context.Context, fn func(tx *sql.Tx) error) error {
	if idx.db == nil {
		return fmt.Errorf("index unavailable")
	}
	idx.writerMu.Lock()
	defer idx.writerMu.Unlock()

	tx, err := idx.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin writer transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// Now returns the current time normalized for SQLite storage.
func Now() time.Time {
	return time.Now().UTC().Round(0)
}

func toNullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func fromNullString(s sql.NullString) string {
	if !s.Valid {
		return ""
	}
	return s.String
}

func toNullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}

func fromNullTime(t sql.NullTime) time.Time {
	if !t.Valid {
		return time.Time{}
	}
	return t.Time
}

// DefaultDBPath returns the default index.db location under the
// plugin data directory.
func DefaultDBPath(dataDir string) string {
	return filepath.Join(dataDir, "index.db")
}
