package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	log "github.com/sirupsen/logrus"
)

// DefaultDBFileName is the SQLite filename under the data directory.
const DefaultDBFileName = "lanpair.db"

type migration struct {
	name string
	stmt string
}

// migrations are applied in order; PRAGMA user_version records how many ran.
var migrations = []migration{
	{
		name: "create items",
		stmt: `
CREATE TABLE IF NOT EXISTS items (
  item_key   TEXT PRIMARY KEY,
  item_value TEXT NOT NULL,
  updated_at INTEGER NOT NULL
);
`,
	},
	{
		name: "index items by update time",
		stmt: `
CREATE INDEX IF NOT EXISTS idx_items_updated_at
ON items (updated_at DESC, item_key);
`,
	},
}

// Store is a SQLite-backed string item store.
//
// Pairing records hold shared keys, so the database runs with secure_delete
// and Checkpoint truncates the WAL after evictions.
type Store struct {
	path string

	mu        sync.RWMutex
	db        *sql.DB
	closeOnce sync.Once
}

// Open opens (or creates) the item database under the given data directory and runs migrations.
func Open(dataDir string) (*Store, string, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, "", fmt.Errorf("create storage directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, DefaultDBFileName)
	store, err := OpenPath(dbPath)
	if err != nil {
		return nil, "", err
	}

	return store, dbPath, nil
}

// OpenPath opens SQLite at an explicit path and runs schema migrations.
func OpenPath(dbPath string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_secure_delete=on", filepath.ToSlash(dbPath))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite database: %w", err)
	}

	if err := verifyJournalMode(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	applied, err := applyMigrations(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	store := &Store{path: dbPath, db: db}
	if err := store.Checkpoint(); err != nil {
		_ = db.Close()
		return nil, err
	}

	log.WithFields(log.Fields{
		"path":    dbPath,
		"version": len(migrations),
		"applied": applied,
	}).Debug("Opened item store")

	return store, nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Checkpoint folds the WAL back into the main database file and truncates it.
func (s *Store) Checkpoint() error {
	db, err := s.handle()
	if err != nil {
		return err
	}
	if _, err := db.Exec("PRAGMA wal_checkpoint(TRUNCATE);"); err != nil {
		return fmt.Errorf("wal checkpoint truncate: %w", err)
	}
	return nil
}

// Close closes the SQLite connection. Later calls are no-ops.
func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	var closeErr error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		closeErr = s.db.Close()
		s.db = nil
	})
	return closeErr
}

func (s *Store) handle() (*sql.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return nil, ErrClosed
	}
	return s.db, nil
}

func verifyJournalMode(db *sql.DB) error {
	var journalMode string
	if err := db.QueryRow("PRAGMA journal_mode;").Scan(&journalMode); err != nil {
		return fmt.Errorf("read journal mode: %w", err)
	}
	if !strings.EqualFold(journalMode, "wal") {
		return fmt.Errorf("enable WAL mode: unexpected journal mode %q", journalMode)
	}
	return nil
}

func applyMigrations(db *sql.DB) (int, error) {
	var version int
	if err := db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	if version >= len(migrations) {
		return 0, nil
	}

	tx, err := db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin migration transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for i := version; i < len(migrations); i++ {
		if _, err := tx.Exec(migrations[i].stmt); err != nil {
			return 0, fmt.Errorf("apply migration %d (%s): %w", i+1, migrations[i].name, err)
		}
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d;", i+1)); err != nil {
			return 0, fmt.Errorf("set schema version %d: %w", i+1, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit migration transaction: %w", err)
	}
	return len(migrations) - version, nil
}
