package schedule

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Locker arbitrates which scheduler instance fires a given (entry, fire time)
// pair. Claim reports true to exactly one caller per pair while the claim is
// retained (at least ttl).
type Locker interface {
	Claim(ctx context.Context, entry string, fireAt time.Time, ttl time.Duration) (bool, error)

	// Release gives up a claim so the firing can be claimed again.
	Release(ctx context.Context, entry string, fireAt time.Time) error
}

func claimKey(entry string, fireAt time.Time) string {
	return entry + "@" + strconv.FormatInt(fireAt.UnixNano(), 10)
}

// MemoryLocker coordinates schedulers within one process.
type MemoryLocker struct {
	mu     sync.Mutex
	claims map[string]time.Time // key -> retained until
}

// NewMemoryLocker creates an empty in-process locker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{claims: make(map[string]time.Time)}
}

func (l *MemoryLocker) Claim(ctx context.Context, entry string, fireAt time.Time, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	// Claims are retained relative to the fire time so the locker never
	// needs a clock of its own.
	for k, until := range l.claims {
		if until.Before(fireAt) {
			delete(l.claims, k)
		}
	}

	key := claimKey(entry, fireAt)
	if _, taken := l.claims[key]; taken {
		return false, nil
	}
	l.claims[key] = fireAt.Add(ttl)
	return true, nil
}

func (l *MemoryLocker) Release(ctx context.Context, entry string, fireAt time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.claims, claimKey(entry, fireAt))
	return nil
}

// RedisLocker claims firings with SET NX PX, so any number of scheduler
// processes sharing a Redis can run the same entries.
type RedisLocker struct {
	client redis.UniversalClient
	prefix string
	owner  string
}

// NewRedisLocker creates a Redis-backed locker. owner is stored as the claim
// value for debugging.
func NewRedisLocker(client redis.UniversalClient, prefix, owner string) *RedisLocker {
	if prefix == "" {
		prefix = "fluxq:"
	}
	return &RedisLocker{client: client, prefix: prefix, owner: owner}
}

func (l *RedisLocker) Claim(ctx context.Context, entry string, fireAt time.Time, ttl time.Duration) (bool, error) {
	key := l.prefix + "schedule:" + claimKey(entry, fireAt)
	ok, err := l.client.SetNX(ctx, key, l.owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis claim %s: %w", entry, err)
	}
	return ok, nil
}

func (l *RedisLocker) Release(ctx context.Context, entry string, fireAt time.Time) error {
	key := l.prefix + "schedule:" + claimKey(entry, fireAt)
	if err := l.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis release %s: %w", entry, err)
	}
	return nil
}

// SQLLocker claims firings by inserting a row keyed by (entry, fire_at).
// The primary key makes the insert succeed for exactly one scheduler.
type SQLLocker struct {
	db       *sql.DB
	owner    string
	numbered bool
}

// NewSQLiteLocker creates the claims table in a SQLite database.
func NewSQLiteLocker(db *sql.DB, owner string) (*SQLLocker, error) {
	return newSQLLocker(db, owner, false)
}

// NewPostgresLocker creates the claims table in a PostgreSQL database.
func NewPostgresLocker(db *sql.DB, owner string) (*SQLLocker, error) {
	return newSQLLocker(db, owner, true)
}

func newSQLLocker(db *sql.DB, owner string, numbered bool) (*SQLLocker, error) {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS fluxq_schedule_claims (
			entry      TEXT NOT NULL,
			fire_at    BIGINT NOT NULL,
			owner      TEXT NOT NULL,
			expires_at BIGINT NOT NULL,
			PRIMARY KEY (entry, fire_at)
		)`)
	if err != nil {
		return nil, err
	}
	return &SQLLocker{db: db, owner: owner, numbered: numbered}, nil
}

func (l *SQLLocker) q(query string) string {
	if !l.numbered {
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

func (l *SQLLocker) Claim(ctx context.Context, entry string, fireAt time.Time, ttl time.Duration) (bool, error) {
	_, err := l.db.ExecContext(ctx, l.q(`DELETE FROM fluxq_schedule_claims WHERE entry = ? AND expires_at < ?`),
		entry, fireAt.UnixNano())
	if err != nil {
		return false, err
	}

	res, err := l.db.ExecContext(ctx, l.q(`
		INSERT INTO fluxq_schedule_claims (entry, fire_at, owner, expires_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (entry, fire_at) DO NOTHING`),
		entry, fireAt.UnixNano(), l.owner, fireAt.Add(ttl).UnixNano(),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (l *SQLLocker) Release(ctx context.Context, entry string, fireAt time.Time) error {
	_, err := l.db.ExecContext(ctx, l.q(`DELETE FROM fluxq_schedule_claims WHERE entry = ? AND fire_at = ?`),
		entry, fireAt.UnixNano())
	return err
}
