package taskqueue

import (
	"database/sql"
	"strings"
	"sync"
)

// NewSQLiteStore initializes the queue tables in the given DB and returns a
// Store backed by SQLite.
//
// It expects an *sql.DB that uses a SQLite driver (for example,
// "modernc.org/sqlite"). Durability of Put depends on the connection's
// synchronous pragma; open the database with
//
//	file:fluxq.db?_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)
//
// so that a committed write has been fsynced. Writers are serialized inside
// the store because SQLite has no row-level locking.
func NewSQLiteStore(db *sql.DB) (*SQLStore, error) {
	s := &SQLStore{
		db: db,
		dialect: sqlDialect{
			name: "sqlite",
			isUniqueViolation: func(err error) bool {
				return strings.Contains(err.Error(), "UNIQUE constraint failed")
			},
		},
		writeMu: &sync.Mutex{},
	}
	if err := s.initSQLiteSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) initSQLiteSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS fluxq_queue_entries (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id TEXT NOT NULL UNIQUE,
			queue TEXT NOT NULL,
			priority INTEGER NOT NULL,
			visible_at INTEGER NOT NULL,
			retry_count INTEGER NOT NULL,
			deliveries INTEGER NOT NULL DEFAULT 0,
			task BLOB NOT NULL,
			tag TEXT UNIQUE,
			worker_id TEXT,
			leased_at INTEGER,
			deadline INTEGER
		);
		CREATE INDEX IF NOT EXISTS fluxq_queue_entries_ready
			ON fluxq_queue_entries (queue, priority DESC, id) WHERE tag IS NULL;
		CREATE INDEX IF NOT EXISTS fluxq_queue_entries_deadline
			ON fluxq_queue_entries (deadline) WHERE tag IS NOT NULL;
	`)
	return err
}
