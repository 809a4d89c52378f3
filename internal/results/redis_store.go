package results

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/petrijr/fluxq/pkg/api"
)

// RedisStore keeps each result in a hash:
//
//	<prefix>result:<id>  => state, payload, error, updated_at, expires_at
//
// Terminal records get a PEXPIREAT so Redis drops them on its own; Evict is a
// no-op.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore creates a Redis-backed result store.
// prefix is optional but recommended (e.g. "fluxq:").
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "fluxq:"
	}
	return &RedisStore{client: client, prefix: prefix}
}

var redisWriteScript = redis.NewScript(`
local key = KEYS[1]
local cur = redis.call('HGET', key, 'state')
local terminal = (cur == 'SUCCESS' or cur == 'FAILURE' or cur == 'REVOKED')
if ARGV[1] == 'create' then
	if cur and not terminal then
		return 0
	end
elseif terminal then
	return 0
end
redis.call('DEL', key)
redis.call('HSET', key,
	'state', ARGV[2],
	'payload', ARGV[3],
	'error', ARGV[4],
	'updated_at', ARGV[5],
	'expires_at', ARGV[6])
local expire_ms = tonumber(ARGV[7])
if expire_ms > 0 then
	redis.call('PEXPIREAT', key, expire_ms)
end
return 1
`)

func (s *RedisStore) key(id string) string {
	return s.prefix + "result:" + id
}

func (s *RedisStore) write(ctx context.Context, mode string, r api.TaskResult) (bool, error) {
	expireMs := int64(0)
	if !r.ExpiresAt.IsZero() {
		expireMs = r.ExpiresAt.UnixMilli()
	}
	n, err := redisWriteScript.Run(ctx, s.client, []string{s.key(r.TaskID)},
		mode,
		string(r.State),
		r.Payload,
		r.Error,
		nanos(r.UpdatedAt),
		nanos(r.ExpiresAt),
		expireMs,
	).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *RedisStore) Create(ctx context.Context, r api.TaskResult) error {
	ok, err := s.write(ctx, "create", r)
	if err != nil {
		return err
	}
	if !ok {
		return api.ErrDuplicateTaskID
	}
	return nil
}

func (s *RedisStore) RecordState(ctx context.Context, r api.TaskResult) error {
	ok, err := s.write(ctx, "record", r)
	if err != nil {
		return err
	}
	if !ok {
		return api.ErrTerminalState
	}
	return nil
}

func (s *RedisStore) GetState(ctx context.Context, taskID string) (api.TaskResult, error) {
	fields, err := s.client.HGetAll(ctx, s.key(taskID)).Result()
	if err != nil {
		return api.TaskResult{}, err
	}
	if len(fields) == 0 {
		return api.TaskResult{}, api.ErrNotFound
	}

	r := api.TaskResult{
		TaskID: taskID,
		State:  api.State(fields["state"]),
		Error:  fields["error"],
	}
	if p := fields["payload"]; p != "" {
		r.Payload = []byte(p)
	}
	r.UpdatedAt = parseNanos(fields["updated_at"])
	r.ExpiresAt = parseNanos(fields["expires_at"])
	return r, nil
}

func parseNanos(s string) time.Time {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return fromNanos(n)
}

func (s *RedisStore) Delete(ctx context.Context, taskID string) error {
	return s.client.Del(ctx, s.key(taskID)).Err()
}

func (s *RedisStore) Evict(ctx context.Context, now time.Time) (int, error) {
	return 0, nil
}
