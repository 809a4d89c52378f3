package taskqueue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/petrijr/fluxq/pkg/api"
)

// RedisStore implements Store on top of Redis.
//
// Keys (all under prefix):
//
//	<prefix>seq             INCR counter for FIFO sequence numbers
//	<prefix>task:<id>       hash: task, queue, priority, score, visible_at,
//	                        retry_count, deliveries, tag, worker_id, leased_at, deadline
//	<prefix>queue:<name>    zset of ready task ids, score = (255-priority)*1e13 + seq
//	<prefix>delayed:<name>  zset of delayed task ids, score = visible_at (unix ms, rounded up)
//	<prefix>leases          zset of delivery tags, score = deadline (unix ms)
//	<prefix>tags            hash: delivery tag -> task id
//
// Every mutation runs as a Lua script so it is atomic on the server. The
// scripts build keys from the prefix, so the store requires a single Redis
// node (or a cluster hash tag in the prefix).
//
// Durability follows the server's persistence settings; run Redis with
// appendfsync always, or set WaitReplicas to require replica acknowledgment
// before Put returns.
type RedisStore struct {
	client redis.UniversalClient
	prefix string

	// WaitReplicas, when > 0, makes Put wait for that many replicas to
	// acknowledge the write.
	WaitReplicas int
	WaitTimeout  time.Duration
}

// NewRedisStore constructs a Redis-backed Store.
// prefix is optional but recommended (e.g. "fluxq:").
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "fluxq:"
	}
	return &RedisStore{
		client:      client,
		prefix:      prefix,
		WaitTimeout: time.Second,
	}
}

// Ensure RedisStore implements Store.
var _ Store = (*RedisStore)(nil)

var redisPutScript = redis.NewScript(`
local prefix = ARGV[1]
local id = ARGV[2]
local queue = ARGV[3]
local priority = tonumber(ARGV[4])
local key = prefix .. 'task:' .. id
if redis.call('EXISTS', key) == 1 then
	return 0
end
local seq = redis.call('INCR', prefix .. 'seq')
local score = (255 - priority) * 1e13 + seq
redis.call('HSET', key,
	'task', ARGV[5],
	'queue', queue,
	'priority', priority,
	'score', string.format('%.0f', score),
	'visible_at', ARGV[6],
	'retry_count', ARGV[8],
	'deliveries', 0)
local visible_ms = tonumber(ARGV[7])
if visible_ms > 0 then
	redis.call('ZADD', prefix .. 'delayed:' .. queue, visible_ms, id)
else
	redis.call('ZADD', prefix .. 'queue:' .. queue, score, id)
end
return 1
`)

var redisLeaseScript = redis.NewScript(`
local prefix = ARGV[1]
local now_ms = tonumber(ARGV[2])
local now_ns = ARGV[3]
local deadline_ns = ARGV[4]
local deadline_ms = tonumber(ARGV[5])
local limit = tonumber(ARGV[6])
local worker = ARGV[7]
local nq = tonumber(ARGV[8])
local queues = {}
for i = 1, nq do
	queues[i] = ARGV[8 + i]
end

for _, q in ipairs(queues) do
	local dkey = prefix .. 'delayed:' .. q
	local due = redis.call('ZRANGEBYSCORE', dkey, '-inf', now_ms)
	for _, id in ipairs(due) do
		redis.call('ZREM', dkey, id)
		local score = redis.call('HGET', prefix .. 'task:' .. id, 'score')
		if score then
			redis.call('HSET', prefix .. 'task:' .. id, 'visible_at', 0)
			redis.call('ZADD', prefix .. 'queue:' .. q, score, id)
		end
	end
end

local out = {}
for i = 1, limit do
	local best_q, best_id, best_score = nil, nil, nil
	for _, q in ipairs(queues) do
		local head = redis.call('ZRANGE', prefix .. 'queue:' .. q, 0, 0, 'WITHSCORES')
		if head[1] then
			local s = tonumber(head[2])
			if best_score == nil or s < best_score then
				best_q, best_id, best_score = q, head[1], s
			end
		end
	end
	if best_id == nil then
		break
	end
	redis.call('ZREM', prefix .. 'queue:' .. best_q, best_id)
	local key = prefix .. 'task:' .. best_id
	local tag = ARGV[8 + nq + i]
	redis.call('HINCRBY', key, 'deliveries', 1)
	redis.call('HSET', key, 'tag', tag, 'worker_id', worker, 'leased_at', now_ns, 'deadline', deadline_ns)
	redis.call('HSET', prefix .. 'tags', tag, best_id)
	redis.call('ZADD', prefix .. 'leases', deadline_ms, tag)
	out[#out + 1] = best_id
end
return out
`)

var redisAckScript = redis.NewScript(`
local prefix = ARGV[1]
local tag = ARGV[2]
local id = redis.call('HGET', prefix .. 'tags', tag)
if not id then
	return 0
end
redis.call('HDEL', prefix .. 'tags', tag)
redis.call('ZREM', prefix .. 'leases', tag)
local key = prefix .. 'task:' .. id
if redis.call('HGET', key, 'tag') ~= tag then
	return 0
end
redis.call('DEL', key)
return 1
`)

var redisRequeueScript = redis.NewScript(`
local prefix = ARGV[1]
local tag = ARGV[2]
local id = redis.call('HGET', prefix .. 'tags', tag)
if not id then
	return 0
end
local key = prefix .. 'task:' .. id
if redis.call('HGET', key, 'tag') ~= tag then
	return 0
end
redis.call('HDEL', prefix .. 'tags', tag)
redis.call('ZREM', prefix .. 'leases', tag)
redis.call('HDEL', key, 'tag', 'worker_id', 'leased_at', 'deadline')

local queue = ARGV[3]
if queue == '' then
	queue = redis.call('HGET', key, 'queue')
end
local score = redis.call('HGET', key, 'score')
if ARGV[7] == '1' then
	local priority = tonumber(redis.call('HGET', key, 'priority'))
	local seq = redis.call('INCR', prefix .. 'seq')
	score = string.format('%.0f', (255 - priority) * 1e13 + seq)
end
redis.call('HSET', key, 'queue', queue, 'retry_count', ARGV[4], 'visible_at', ARGV[5], 'score', score)
local visible_ms = tonumber(ARGV[6])
if visible_ms > 0 then
	redis.call('ZADD', prefix .. 'delayed:' .. queue, visible_ms, id)
else
	redis.call('ZADD', prefix .. 'queue:' .. queue, score, id)
end
return 1
`)

var redisRemoveScript = redis.NewScript(`
local prefix = ARGV[1]
local id = ARGV[2]
local key = prefix .. 'task:' .. id
if redis.call('EXISTS', key) == 0 then
	return 0
end
local tag = redis.call('HGET', key, 'tag')
if tag and tag ~= '' then
	return 0
end
local queue = redis.call('HGET', key, 'queue')
redis.call('ZREM', prefix .. 'queue:' .. queue, id)
redis.call('ZREM', prefix .. 'delayed:' .. queue, id)
redis.call('DEL', key)
return 1
`)

// ceilMillis rounds up so a task never becomes visible before its time.
func ceilMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	ns := t.UnixNano()
	ms := ns / int64(time.Millisecond)
	if ns%int64(time.Millisecond) != 0 {
		ms++
	}
	return ms
}

func (q *RedisStore) taskKey(id string) string {
	return q.prefix + "task:" + id
}

func (q *RedisStore) Put(ctx context.Context, task api.Task, visibleAt time.Time) error {
	blob, err := EncodeTask(task)
	if err != nil {
		return err
	}

	res, err := redisPutScript.Run(ctx, q.client, nil,
		q.prefix,
		task.ID,
		task.Queue,
		task.Priority,
		blob,
		nanos(visibleAt),
		ceilMillis(visibleAt),
		task.RetryCount,
	).Int()
	if err != nil {
		return err
	}
	if res == 0 {
		return api.ErrDuplicateTaskID
	}

	if q.WaitReplicas > 0 {
		acked, err := q.client.Do(ctx, "wait", q.WaitReplicas, int(q.WaitTimeout/time.Millisecond)).Int64()
		if err != nil {
			return err
		}
		if acked < int64(q.WaitReplicas) {
			return fmt.Errorf("redis: %d of %d replicas acknowledged task %s", acked, q.WaitReplicas, task.ID)
		}
	}
	return nil
}

func (q *RedisStore) Lease(ctx context.Context, req LeaseRequest) ([]api.Delivery, error) {
	if req.Limit <= 0 || len(req.Queues) == 0 {
		return nil, nil
	}

	deadline := req.Now.Add(req.TTL)
	args := []any{
		q.prefix,
		req.Now.UnixMilli(),
		req.Now.UnixNano(),
		deadline.UnixNano(),
		deadline.UnixMilli(),
		req.Limit,
		req.WorkerID,
		len(req.Queues),
	}
	for _, name := range req.Queues {
		args = append(args, name)
	}
	for i := 0; i < req.Limit; i++ {
		args = append(args, uuid.NewString())
	}

	ids, err := redisLeaseScript.Run(ctx, q.client, nil, args...).StringSlice()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}

	out := make([]api.Delivery, 0, len(ids))
	var errs []error
	for _, id := range ids {
		d, err := q.load(ctx, id)
		if err != nil {
			// The lease on id stays until the sweeper expires it.
			errs = append(errs, err)
			continue
		}
		out = append(out, d)
	}
	return out, errors.Join(errs...)
}

func (q *RedisStore) load(ctx context.Context, id string) (api.Delivery, error) {
	fields, err := q.client.HGetAll(ctx, q.taskKey(id)).Result()
	if err != nil {
		return api.Delivery{}, err
	}
	if len(fields) == 0 {
		return api.Delivery{}, api.ErrLeaseExpired
	}

	task, err := DecodeTask([]byte(fields["task"]))
	if err != nil {
		return api.Delivery{}, fmt.Errorf("task %s: %w", id, err)
	}
	task.Queue = fields["queue"]
	task.RetryCount = atoi(fields["retry_count"])

	return api.Delivery{
		Task:     task,
		WorkerID: fields["worker_id"],
		Tag:      fields["tag"],
		LeasedAt: unixNanos(fields["leased_at"]),
		Deadline: unixNanos(fields["deadline"]),
		Attempt:  atoi(fields["deliveries"]),
	}, nil
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func unixNanos(s string) time.Time {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

func (q *RedisStore) Lookup(ctx context.Context, tag string) (api.Delivery, error) {
	id, err := q.client.HGet(ctx, q.prefix+"tags", tag).Result()
	if errors.Is(err, redis.Nil) {
		return api.Delivery{}, api.ErrLeaseExpired
	}
	if err != nil {
		return api.Delivery{}, err
	}
	d, err := q.load(ctx, id)
	if err != nil {
		return api.Delivery{}, err
	}
	if d.Tag != tag {
		return api.Delivery{}, api.ErrLeaseExpired
	}
	return d, nil
}

func (q *RedisStore) Ack(ctx context.Context, tag string) (bool, error) {
	n, err := redisAckScript.Run(ctx, q.client, nil, q.prefix, tag).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (q *RedisStore) Requeue(ctx context.Context, tag string, r Requeue) (bool, error) {
	reseq := "0"
	if r.Resequence {
		reseq = "1"
	}
	n, err := redisRequeueScript.Run(ctx, q.client, nil,
		q.prefix,
		tag,
		r.Queue,
		r.RetryCount,
		nanos(r.VisibleAt),
		ceilMillis(r.VisibleAt),
		reseq,
	).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (q *RedisStore) Expired(ctx context.Context, now time.Time, limit int) ([]api.Delivery, error) {
	if limit <= 0 {
		limit = 1000
	}
	tags, err := q.client.ZRangeByScore(ctx, q.prefix+"leases", &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, err
	}

	out := make([]api.Delivery, 0, len(tags))
	for _, tag := range tags {
		d, err := q.Lookup(ctx, tag)
		if errors.Is(err, api.ErrLeaseExpired) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if d.Expired(now) {
			out = append(out, d)
		}
	}
	return out, nil
}

func (q *RedisStore) Remove(ctx context.Context, taskID string) (bool, error) {
	n, err := redisRemoveScript.Run(ctx, q.client, nil, q.prefix, taskID).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (q *RedisStore) Len(ctx context.Context, queue string) (int, error) {
	pipe := q.client.Pipeline()
	ready := pipe.ZCard(ctx, q.prefix+"queue:"+queue)
	delayed := pipe.ZCard(ctx, q.prefix+"delayed:"+queue)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return int(ready.Val() + delayed.Val()), nil
}
