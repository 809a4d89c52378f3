package taskqueue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/petrijr/fluxq/pkg/api"
)

// sqlDialect captures the differences between the SQL backends.
type sqlDialect struct {
	name string

	// lockRows is appended to the lease SELECT.
	lockRows string

	// numbered placeholders ($1, $2, ...) instead of '?'.
	numbered bool

	isUniqueViolation func(error) bool
}

// SQLStore is a Store backed by a relational database through database/sql.
//
// Table layout (fluxq_queue_entries):
//
//	id          autoincrement, the FIFO sequence within a priority
//	task_id     unique task id
//	queue       queue name
//	priority    task priority
//	visible_at  unix nanos before which the task is not deliverable
//	retry_count current retry count (authoritative over the encoded task)
//	deliveries  number of leases handed out so far
//	task        gob-encoded api.Task
//	tag         delivery tag while leased, NULL otherwise
//	worker_id, leased_at, deadline
type SQLStore struct {
	db      *sql.DB
	dialect sqlDialect

	// writeMu serializes writers for databases without row-level locking.
	writeMu *sync.Mutex
}

// Ensure SQLStore implements Store.
var _ Store = (*SQLStore)(nil)

const entryColumns = `id, task_id, queue, retry_count, deliveries, task, tag, worker_id, leased_at, deadline`

func (s *SQLStore) q(query string) string {
	if !s.dialect.numbered {
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

func (s *SQLStore) lock() func() {
	if s.writeMu == nil {
		return func() {}
	}
	s.writeMu.Lock()
	return s.writeMu.Unlock
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func nanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n sql.NullInt64) time.Time {
	if !n.Valid || n.Int64 == 0 {
		return time.Time{}
	}
	return time.Unix(0, n.Int64)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDelivery(row rowScanner) (api.Delivery, int64, error) {
	var (
		id         int64
		taskID     string
		queue      string
		retryCount int
		deliveries int
		blob       []byte
		tag        sql.NullString
		workerID   sql.NullString
		leasedAt   sql.NullInt64
		deadline   sql.NullInt64
	)
	if err := row.Scan(&id, &taskID, &queue, &retryCount, &deliveries, &blob, &tag, &workerID, &leasedAt, &deadline); err != nil {
		return api.Delivery{}, 0, err
	}

	task, err := DecodeTask(blob)
	if err != nil {
		return api.Delivery{}, 0, fmt.Errorf("task %s: %w", taskID, err)
	}
	task.Queue = queue
	task.RetryCount = retryCount

	return api.Delivery{
		Task:     task,
		WorkerID: workerID.String,
		Tag:      tag.String,
		LeasedAt: fromNanos(leasedAt),
		Deadline: fromNanos(deadline),
		Attempt:  deliveries,
	}, id, nil
}

func (s *SQLStore) Put(ctx context.Context, task api.Task, visibleAt time.Time) error {
	blob, err := EncodeTask(task)
	if err != nil {
		return err
	}

	defer s.lock()()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	err = tx.QueryRowContext(ctx, s.q(`SELECT 1 FROM fluxq_queue_entries WHERE task_id = ?`), task.ID).Scan(&exists)
	switch {
	case err == nil:
		return api.ErrDuplicateTaskID
	case !errors.Is(err, sql.ErrNoRows):
		return err
	}

	if err := s.insert(ctx, tx, task, blob, visibleAt, 0); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLStore) insert(ctx context.Context, tx *sql.Tx, task api.Task, blob []byte, visibleAt time.Time, deliveries int) error {
	_, err := tx.ExecContext(ctx, s.q(`
		INSERT INTO fluxq_queue_entries (task_id, queue, priority, visible_at, retry_count, deliveries, task)
		VALUES (?, ?, ?, ?, ?, ?, ?)`),
		task.ID,
		task.Queue,
		task.Priority,
		nanos(visibleAt),
		task.RetryCount,
		deliveries,
		blob,
	)
	if err != nil && s.dialect.isUniqueViolation != nil && s.dialect.isUniqueViolation(err) {
		return api.ErrDuplicateTaskID
	}
	return err
}

func (s *SQLStore) Lease(ctx context.Context, req LeaseRequest) ([]api.Delivery, error) {
	if req.Limit <= 0 || len(req.Queues) == 0 {
		return nil, nil
	}

	defer s.lock()()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	args := make([]any, 0, len(req.Queues)+2)
	for _, q := range req.Queues {
		args = append(args, q)
	}
	args = append(args, req.Now.UnixNano(), req.Limit)

	rows, err := tx.QueryContext(ctx, s.q(`
		SELECT `+entryColumns+`
		FROM fluxq_queue_entries
		WHERE queue IN (`+placeholders(len(req.Queues))+`)
		  AND tag IS NULL
		  AND visible_at <= ?
		ORDER BY priority DESC, id
		LIMIT ?`+s.dialect.lockRows), args...)
	if err != nil {
		return nil, err
	}

	var (
		out []api.Delivery
		ids []int64
	)
	for rows.Next() {
		d, id, err := scanDelivery(rows)
		if err != nil {
			_ = rows.Close()
			return nil, err
		}
		out = append(out, d)
		ids = append(ids, id)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	deadline := req.Now.Add(req.TTL)
	for i := range out {
		tag := uuid.NewString()
		res, err := tx.ExecContext(ctx, s.q(`
			UPDATE fluxq_queue_entries
			SET tag = ?, worker_id = ?, leased_at = ?, deadline = ?, deliveries = deliveries + 1
			WHERE id = ? AND tag IS NULL`),
			tag, req.WorkerID, req.Now.UnixNano(), deadline.UnixNano(), ids[i],
		)
		if err != nil {
			return nil, err
		}
		if n, err := res.RowsAffected(); err != nil {
			return nil, err
		} else if n != 1 {
			return nil, fmt.Errorf("%s: lost lease race on task %s", s.dialect.name, out[i].Task.ID)
		}

		out[i].Tag = tag
		out[i].WorkerID = req.WorkerID
		out[i].LeasedAt = req.Now
		out[i].Deadline = deadline
		out[i].Attempt++
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *SQLStore) Lookup(ctx context.Context, tag string) (api.Delivery, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+entryColumns+` FROM fluxq_queue_entries WHERE tag = ?`), tag)
	d, _, err := scanDelivery(row)
	if errors.Is(err, sql.ErrNoRows) {
		return api.Delivery{}, api.ErrLeaseExpired
	}
	return d, err
}

func (s *SQLStore) Ack(ctx context.Context, tag string) (bool, error) {
	defer s.lock()()

	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM fluxq_queue_entries WHERE tag = ?`), tag)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *SQLStore) Requeue(ctx context.Context, tag string, r Requeue) (bool, error) {
	defer s.lock()()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, s.q(`SELECT `+entryColumns+` FROM fluxq_queue_entries WHERE tag = ?`+s.dialect.lockRows), tag)
	d, id, err := scanDelivery(row)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	queue := d.Task.Queue
	if r.Queue != "" {
		queue = r.Queue
	}

	if r.Resequence {
		task := d.Task
		task.Queue = queue
		task.RetryCount = r.RetryCount
		blob, err := EncodeTask(task)
		if err != nil {
			return false, err
		}
		if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM fluxq_queue_entries WHERE id = ?`), id); err != nil {
			return false, err
		}
		if err := s.insert(ctx, tx, task, blob, r.VisibleAt, d.Attempt); err != nil {
			return false, err
		}
	} else {
		_, err := tx.ExecContext(ctx, s.q(`
			UPDATE fluxq_queue_entries
			SET queue = ?, retry_count = ?, visible_at = ?, tag = NULL, worker_id = NULL, leased_at = NULL, deadline = NULL
			WHERE id = ?`),
			queue, r.RetryCount, nanos(r.VisibleAt), id,
		)
		if err != nil {
			return false, err
		}
	}

	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

func (s *SQLStore) Expired(ctx context.Context, now time.Time, limit int) ([]api.Delivery, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT `+entryColumns+`
		FROM fluxq_queue_entries
		WHERE tag IS NOT NULL AND deadline <= ?
		ORDER BY deadline
		LIMIT ?`), now.UnixNano(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []api.Delivery
	for rows.Next() {
		d, _, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *SQLStore) Remove(ctx context.Context, taskID string) (bool, error) {
	defer s.lock()()

	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM fluxq_queue_entries WHERE task_id = ? AND tag IS NULL`), taskID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *SQLStore) Len(ctx context.Context, queue string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.q(`SELECT COUNT(*) FROM fluxq_queue_entries WHERE queue = ? AND tag IS NULL`), queue).Scan(&n)
	return n, err
}
