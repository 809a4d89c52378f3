package taskqueue

import (
	"database/sql"
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

const pgUniqueViolation = "23505"

// NewPostgresStore creates the required schema if needed and returns a Store
// backed by PostgreSQL.
//
// The *sql.DB is expected to use the pgx stdlib driver:
//
//	import _ "github.com/jackc/pgx/v5/stdlib"
//	db, _ := sql.Open("pgx", dsn)
//
// Leasing uses SELECT ... FOR UPDATE SKIP LOCKED, so many brokers can share
// one database without handing the same task out twice.
func NewPostgresStore(db *sql.DB) (*SQLStore, error) {
	s := &SQLStore{
		db: db,
		dialect: sqlDialect{
			name:     "postgres",
			lockRows: " FOR UPDATE SKIP LOCKED",
			numbered: true,
			isUniqueViolation: func(err error) bool {
				var pgErr *pgconn.PgError
				return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
			},
		},
	}
	if err := s.initPostgresSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) initPostgresSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS fluxq_queue_entries (
			id          BIGSERIAL PRIMARY KEY,
			task_id     TEXT NOT NULL UNIQUE,
			queue       TEXT NOT NULL,
			priority    INTEGER NOT NULL,
			visible_at  BIGINT NOT NULL,
			retry_count INTEGER NOT NULL,
			deliveries  INTEGER NOT NULL DEFAULT 0,
			task        BYTEA NOT NULL,
			tag         TEXT UNIQUE,
			worker_id   TEXT,
			leased_at   BIGINT,
			deadline    BIGINT
		)`,
		`CREATE INDEX IF NOT EXISTS fluxq_queue_entries_ready
			ON fluxq_queue_entries (queue, priority DESC, id) WHERE tag IS NULL`,
		`CREATE INDEX IF NOT EXISTS fluxq_queue_entries_deadline
			ON fluxq_queue_entries (deadline) WHERE tag IS NOT NULL`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}
