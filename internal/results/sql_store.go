package results

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/petrijr/fluxq/pkg/api"
)

// SQLStore is a result store backed by SQLite or PostgreSQL.
//
// Table layout (fluxq_task_results):
//
//	task_id     primary key
//	state       task state
//	payload     result payload
//	error       error text
//	updated_at  unix nanos
//	expires_at  unix nanos, 0 for records that never expire
//
// Terminal protection is a conditional upsert, so concurrent brokers cannot
// move a terminal record.
type SQLStore struct {
	db       *sql.DB
	numbered bool
}

var _ Store = (*SQLStore)(nil)

// NewSQLiteStore creates the results table in a SQLite database.
func NewSQLiteStore(db *sql.DB) (*SQLStore, error) {
	s := &SQLStore{db: db}
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS fluxq_task_results (
			task_id TEXT PRIMARY KEY,
			state TEXT NOT NULL,
			payload BLOB,
			error TEXT NOT NULL DEFAULT '',
			updated_at INTEGER NOT NULL,
			expires_at INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS fluxq_task_results_expires
			ON fluxq_task_results (expires_at) WHERE expires_at > 0;
	`)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// NewPostgresStore creates the results table in a PostgreSQL database opened
// with the pgx stdlib driver.
func NewPostgresStore(db *sql.DB) (*SQLStore, error) {
	s := &SQLStore{db: db, numbered: true}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS fluxq_task_results (
			task_id    TEXT PRIMARY KEY,
			state      TEXT NOT NULL,
			payload    BYTEA,
			error      TEXT NOT NULL DEFAULT '',
			updated_at BIGINT NOT NULL,
			expires_at BIGINT NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS fluxq_task_results_expires
			ON fluxq_task_results (expires_at) WHERE expires_at > 0`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *SQLStore) q(query string) string {
	if !s.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func nanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// terminalList is the SQL literal list of terminal states.
var terminalList = "'" + strings.Join(terminalStrings(), "', '") + "'"

// upsert writes r when the existing row matches cond, reporting whether a row
// was written.
func (s *SQLStore) upsert(ctx context.Context, r api.TaskResult, cond string) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO fluxq_task_results (task_id, state, payload, error, updated_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (task_id) DO UPDATE SET
			state = excluded.state,
			payload = excluded.payload,
			error = excluded.error,
			updated_at = excluded.updated_at,
			expires_at = excluded.expires_at
		WHERE `+cond),
		r.TaskID,
		string(r.State),
		r.Payload,
		r.Error,
		nanos(r.UpdatedAt),
		nanos(r.ExpiresAt),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *SQLStore) Create(ctx context.Context, r api.TaskResult) error {
	ok, err := s.upsert(ctx, r, `fluxq_task_results.state IN (`+terminalList+`)`)
	if err != nil {
		return err
	}
	if !ok {
		return api.ErrDuplicateTaskID
	}
	return nil
}

func (s *SQLStore) RecordState(ctx context.Context, r api.TaskResult) error {
	ok, err := s.upsert(ctx, r, `fluxq_task_results.state NOT IN (`+terminalList+`)`)
	if err != nil {
		return err
	}
	if !ok {
		return api.ErrTerminalState
	}
	return nil
}

func (s *SQLStore) GetState(ctx context.Context, taskID string) (api.TaskResult, error) {
	var (
		r         api.TaskResult
		state     string
		updatedAt int64
		expiresAt int64
	)
	err := s.db.QueryRowContext(ctx, s.q(`
		SELECT task_id, state, payload, error, updated_at, expires_at
		FROM fluxq_task_results WHERE task_id = ?`), taskID,
	).Scan(&r.TaskID, &state, &r.Payload, &r.Error, &updatedAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return api.TaskResult{}, api.ErrNotFound
	}
	if err != nil {
		return api.TaskResult{}, err
	}
	r.State = api.State(state)
	r.UpdatedAt = fromNanos(updatedAt)
	r.ExpiresAt = fromNanos(expiresAt)
	return r, nil
}

func (s *SQLStore) Delete(ctx context.Context, taskID string) error {
	_, err := s.db.ExecContext(ctx, s.q(`DELETE FROM fluxq_task_results WHERE task_id = ?`), taskID)
	return err
}

func (s *SQLStore) Evict(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, s.q(`
		DELETE FROM fluxq_task_results WHERE expires_at > 0 AND expires_at <= ?`), now.UnixNano())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}
