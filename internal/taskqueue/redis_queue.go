package taskqueue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisQueue implements Queue using Redis.
//
// Keys:
//
//	<prefix>queue:ready      sorted set of members "<seq>:<id>" scored by the
//	                         unix millisecond at which the task becomes visible
//	<prefix>queue:task:<id>  hash with payload, attempts, owner, lease_until
//	<prefix>queue:seq        enqueue counter that keeps FIFO order within a score
//
// Leasing moves the member's score to the lease deadline, so an expired
// lease makes the task visible again without a sweeper.
type RedisQueue struct {
	client       *redis.Client
	prefix       string
	pollInterval time.Duration
}

// NewRedisQueue constructs a Redis-backed Queue.
// prefix is optional but recommended (e.g. "graphflow:").
func NewRedisQueue(client *redis.Client, prefix string) *RedisQueue {
	if prefix == "" {
		prefix = "graphflow:"
	}
	return &RedisQueue{client: client, prefix: prefix, pollInterval: DefaultPollInterval}
}

// Ensure RedisQueue implements Queue.
var _ Queue = (*RedisQueue)(nil)

func (q *RedisQueue) readyKey() string { return q.prefix + "queue:ready" }
func (q *RedisQueue) taskPrefix() string { return q.prefix + "queue:task:" }
func (q *RedisQueue) taskKey(id string) string { return q.taskPrefix() + id }
func (q *RedisQueue) seqKey() string { return q.prefix + "queue:seq" }
func millis(t time.Time) int64 { return t.UnixMilli() }

// claimScript leases the first visible member. It returns
// {id, payload, attempts, not_before} or nil.
var claimScript = redis.NewScript(`
local m = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 1)
if #m == 0 then return false end
local member = m[1]
local id = string.sub(member, string.find(member, ':', 1, true) + 1)
local key = ARGV[4] .. id
redis.call('ZADD', KEYS[1], ARGV[2], member)
redis.call('HSET', key, 'owner', ARGV[3], 'lease_until', ARGV[2])
return {id, redis.call('HGET', key, 'payload'), redis.call('HGET', key, 'attempts'), redis.call('HGET', key, 'not_before')}
`)

// leaseScript applies ack, nack or renew for the lease holder. It returns
// 1 on success, 0 when the task does not exist and -1 when the lease is lost.
var leaseScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[2]) == 0 then return 0 end
local owner = redis.call('HGET', KEYS[2], 'owner')
local until_ms = tonumber(redis.call('HGET', KEYS[2], 'lease_until'))
if owner ~= ARGV[1] or until_ms <= tonumber(ARGV[2]) then return -1 end
local member = redis.call('HGET', KEYS[2], 'member')
if ARGV[3] == 'ack' then
  redis.call('ZREM', KEYS[1], member)
  redis.call('DEL', KEYS[2])
elseif ARGV[3] == 'nack' then
  redis.call('ZADD', KEYS[1], ARGV[4], member)
  redis.call('HSET', KEYS[2], 'owner', '', 'lease_until', 0, 'attempts', ARGV[5], 'not_before', ARGV[4])
else
  redis.call('ZADD', KEYS[1], ARGV[4], member)
  redis.call('HSET', KEYS[2], 'lease_until', ARGV[4])
end
return 1
`)

func (q *RedisQueue) Enqueue(ctx context.Context, t Task) error {
	t = prepare(t, uuid.NewString)
	data, err := EncodeTask(t)
	if err != nil {
		return err
	}

	key := q.taskKey(t.ID)
	n, err := q.client.Exists(ctx, key).Result()
	if err != nil {
		return err
	}
	if n > 0 {
		return fmt.Errorf("enqueue: task %q already queued", t.ID)
	}
	seq, err := q.client.Incr(ctx, q.seqKey()).Result()
	if err != nil {
		return err
	}
	member := fmt.Sprintf("%019d:%s", seq, t.ID)
	notBefore := millis(t.NotBefore)

	_, err = q.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, key,
			"payload", data,
			"attempts", t.Attempts,
			"not_before", notBefore,
			"member", member,
			"owner", "",
			"lease_until", 0,
		)
		p.ZAdd(ctx, q.readyKey(), redis.Z{Score: float64(notBefore), Member: member})
		return nil
	})
	return err
}

func (q *RedisQueue) Dequeue(ctx context.Context, owner string, leaseTTL time.Duration) (*Task, error) {
	tmr := newStoppedTimer()
	defer tmr.Stop()

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		now := time.Now()
		res, err := claimScript.Run(ctx, q.client, []string{q.readyKey()},
			millis(now), millis(now.Add(leaseTTL)), owner, q.taskPrefix()).Slice()
		if errors.Is(err, redis.Nil) {
			if err := wait(ctx, tmr, q.pollInterval); err != nil {
				return nil, err
			}
			continue
		}
		if err != nil {
			return nil, err
		}
		return decodeClaim(res)
	}
}

func decodeClaim(res []any) (*Task, error) {
	if len(res) != 4 {
		return nil, fmt.Errorf("claim: unexpected reply %v", res)
	}
	id, _ := res[0].(string)
	payload, _ := res[1].(string)
	t, err := DecodeTask([]byte(payload))
	if err != nil {
		return nil, fmt.Errorf("decode task %q: %w", id, err)
	}
	if s, ok := res[2].(string); ok {
		t.Attempts, _ = strconv.Atoi(s)
	}
	if s, ok := res[3].(string); ok {
		if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
			t.NotBefore = time.UnixMilli(ms)
		}
	}
	return t, nil
}

func (q *RedisQueue) lease(ctx context.Context, taskID, owner, op string, score int64, attempts int) error {
	code, err := leaseScript.Run(ctx, q.client, []string{q.readyKey(), q.taskKey(taskID)},
		owner, millis(time.Now()), op, score, attempts).Int()
	if err != nil {
		return err
	}
	switch code {
	case 1:
		return nil
	case 0:
		return fmt.Errorf("%w: %q", ErrTaskNotFound, taskID)
	default:
		return fmt.Errorf("%w: %q by %q", ErrLeaseLost, taskID, owner)
	}
}

func (q *RedisQueue) Ack(ctx context.Context, taskID, owner string) error {
	return q.lease(ctx, taskID, owner, "ack", 0, 0)
}

func (q *RedisQueue) Nack(ctx context.Context, taskID, owner string, notBefore time.Time, attempts int) error {
	return q.lease(ctx, taskID, owner, "nack", millis(notBefore), attempts)
}

func (q *RedisQueue) RenewLease(ctx context.Context, taskID, owner string, leaseTTL time.Duration) error {
	return q.lease(ctx, taskID, owner, "renew", millis(time.Now().Add(leaseTTL)), 0)
}

// Len returns the approximate number of tasks queued (ZCARD).
func (q *RedisQueue) Len() int {
	n, err := q.client.ZCard(context.Background(), q.readyKey()).Result()
	if err != nil {
		return 0
	}
	return int(n)
}
