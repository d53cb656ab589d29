// Package rdb encapsulates the atomic, server-side queue operations
// that coordinate a logical queue's four Redis keys.
package rdb

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cast"

	"github.com/relaycode/redisqueue/internal/base"
	"github.com/relaycode/redisqueue/internal/errors"
)

// RDB is a client interface to the atomic queue operations described
// in the broker's Redis key layout. It holds no queue state of its
// own; every method is a single round trip (often a single Lua
// script) against the injected redis.UniversalClient. Callers pass
// every time value explicitly, so RDB has no need for its own clock.
type RDB struct {
	client redis.UniversalClient
}

// NewRDB returns a new instance of RDB.
func NewRDB(client redis.UniversalClient) *RDB {
	return &RDB{client: client}
}

// Client returns the reference to the underlying redis client, so the
// broker façade can build pipelines/transactions spanning multiple
// atomic calls (e.g. Bulk).
func (r *RDB) Client() redis.UniversalClient { return r.client }

// Close closes the connection with the redis server.
func (r *RDB) Close() error { return r.client.Close() }

func (r *RDB) runScriptInt(ctx context.Context, op errors.Op, qname string, script *redis.Script, keys []string, args ...interface{}) (int64, error) {
	res, err := script.Run(ctx, r.client, keys, args...).Result()
	if err != nil {
		return 0, errors.E(op, errors.Queue(qname), errors.Internal, &errors.RedisCommandError{Command: "eval", Err: err})
	}
	n, err := cast.ToInt64E(res)
	if err != nil {
		return 0, errors.E(op, errors.Queue(qname), errors.Internal, fmt.Sprintf("unexpected return value from script: %v", res))
	}
	return n, nil
}

// KEYS[1] -> ready list
// KEYS[2] -> delayed zset
// KEYS[3] -> reserved zset
var sizeCmd = redis.NewScript(`
return redis.call("LLEN", KEYS[1]) + redis.call("ZCARD", KEYS[2]) + redis.call("ZCARD", KEYS[3])`)

// Size returns the total number of jobs outstanding in the queue:
// ready + delayed + reserved.
func (r *RDB) Size(ctx context.Context, qname string) (int64, error) {
	var op errors.Op = "rdb.Size"
	keys := []string{base.QueueKey(qname), base.DelayedKey(qname), base.ReservedKey(qname)}
	return r.runScriptInt(ctx, op, qname, sizeCmd, keys)
}

// KEYS[1] -> ready list
// KEYS[2] -> notify list
// ARGV[1] -> encoded payload
const pushScriptSource = `
redis.call("RPUSH", KEYS[1], ARGV[1])
redis.call("RPUSH", KEYS[2], "1")
return 1`

var pushCmd = redis.NewScript(pushScriptSource)

// Push appends payload to the tail of the ready list and emits one
// notify token, atomically.
func (r *RDB) Push(ctx context.Context, qname string, payload []byte) error {
	var op errors.Op = "rdb.Push"
	keys := []string{base.QueueKey(qname), base.NotifyKey(qname)}
	if err := pushCmd.Run(ctx, r.client, keys, string(payload)).Err(); err != nil {
		return errors.E(op, errors.Queue(qname), errors.Internal, &errors.RedisCommandError{Command: "eval", Err: err})
	}
	return nil
}

// PushScriptSource returns the raw Lua source used by Push. The
// broker façade's Bulk operation queues it via Eval directly inside a
// pipeline: queuing a *redis.Script there would rely on the
// EVALSHA-then-EVAL fallback, whose NOSCRIPT check can't observe the
// error before the pipeline executes.
func PushScriptSource() string { return pushScriptSource }

// Later schedules payload on the delayed zset with score availableAt.
// Per the design, this is a plain ZADD, not a script: delayed jobs do
// not touch the notify list until migration makes them visible.
func (r *RDB) Later(ctx context.Context, qname string, payload []byte, availableAt time.Time) error {
	var op errors.Op = "rdb.Later"
	z := redis.Z{Score: float64(availableAt.Unix()), Member: string(payload)}
	if err := r.client.ZAdd(ctx, base.DelayedKey(qname), z).Err(); err != nil {
		return errors.E(op, errors.Queue(qname), errors.Internal, &errors.RedisCommandError{Command: "zadd", Err: err})
	}
	return nil
}

// KEYS[1] -> source zset (delayed or reserved)
// KEYS[2] -> destination ready list
// KEYS[3] -> destination notify list
// ARGV[1] -> now (unix seconds)
// ARGV[2] -> batch size (-1 for unlimited)
var migrateExpiredJobsCmd = redis.NewScript(`
local moved = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, ARGV[2])
if #moved == 0 then
	return moved
end
for _, payload in ipairs(moved) do
	redis.call("RPUSH", KEYS[2], payload)
	redis.call("RPUSH", KEYS[3], "1")
	redis.call("ZREM", KEYS[1], payload)
end
return moved`)

// MigrateExpiredJobs atomically moves up to batchSize elements (-1 for
// unlimited) from the "from" sorted set whose score is <= now to the
// tail of the "to" list, emitting one notify token per moved element.
// It is used for both delayed->ready and reserved->ready migration.
func (r *RDB) MigrateExpiredJobs(ctx context.Context, from, to, toNotify string, now time.Time, batchSize int) ([][]byte, error) {
	var op errors.Op = "rdb.MigrateExpiredJobs"
	res, err := migrateExpiredJobsCmd.Run(ctx, r.client, []string{from, to, toNotify}, now.Unix(), batchSize).Result()
	if err != nil {
		return nil, errors.E(op, errors.Internal, &errors.RedisCommandError{Command: "eval", Err: err})
	}
	items, err := cast.ToSliceE(res)
	if err != nil {
		return nil, errors.E(op, errors.Internal, fmt.Sprintf("unexpected return value from script: %v", res))
	}
	out := make([][]byte, 0, len(items))
	for _, it := range items {
		s, err := cast.ToStringE(it)
		if err != nil {
			return nil, errors.E(op, errors.Internal, fmt.Sprintf("unexpected element in migrate result: %v", it))
		}
		out = append(out, []byte(s))
	}
	return out, nil
}

// KEYS[1] -> ready list
// KEYS[2] -> reserved zset
// KEYS[3] -> notify list
// ARGV[1] -> reservation visibility expiry (unix seconds)
// ARGV[2] -> now (unix seconds), stamped as reserved_at
var popCmd = redis.NewScript(`
local payload = redis.call("LPOP", KEYS[1])
if not payload then
	return false
end
redis.call("LPOP", KEYS[3])
local decoded = cjson.decode(payload)
decoded["attempts"] = (decoded["attempts"] or 0) + 1
decoded["reserved_at"] = tonumber(ARGV[2])
local reservedCopy = cjson.encode(decoded)
redis.call("ZADD", KEYS[2], ARGV[1], reservedCopy)
return {payload, reservedCopy}`)

// Pop atomically reserves the next ready job: it pops the head of the
// ready list, consumes one notify token, stamps attempts/reserved_at
// on a copy, and parks that copy in the reserved zset scored by
// visibilityExpiry. It returns (nil, nil, nil) when the ready list is
// empty.
func (r *RDB) Pop(ctx context.Context, qname string, visibilityExpiry, now time.Time) (original, reservedCopy []byte, err error) {
	var op errors.Op = "rdb.Pop"
	keys := []string{base.QueueKey(qname), base.ReservedKey(qname), base.NotifyKey(qname)}
	res, runErr := popCmd.Run(ctx, r.client, keys, visibilityExpiry.Unix(), now.Unix()).Result()
	if runErr != nil {
		return nil, nil, errors.E(op, errors.Queue(qname), errors.Internal, &errors.RedisCommandError{Command: "eval", Err: runErr})
	}
	items, ok := res.([]interface{})
	if !ok {
		// Lua `false` surfaces as a nil result via go-redis: no job available.
		return nil, nil, nil
	}
	if len(items) != 2 {
		return nil, nil, errors.E(op, errors.Queue(qname), errors.Internal, fmt.Sprintf("unexpected return value from script: %v", res))
	}
	orig, err1 := cast.ToStringE(items[0])
	copyStr, err2 := cast.ToStringE(items[1])
	if err1 != nil || err2 != nil {
		return nil, nil, errors.E(op, errors.Queue(qname), errors.Internal, fmt.Sprintf("unexpected elements in pop result: %v", res))
	}
	return []byte(orig), []byte(copyStr), nil
}

// KEYS[1] -> delayed zset
// KEYS[2] -> reserved zset
// ARGV[1] -> reserved copy (member to move)
// ARGV[2] -> availableAt (unix seconds)
var releaseCmd = redis.NewScript(`
local removed = redis.call("ZREM", KEYS[2], ARGV[1])
if removed == 1 then
	redis.call("ZADD", KEYS[1], ARGV[2], ARGV[1])
end
return removed`)

// Release atomically moves reservedCopy from the reserved zset to the
// delayed zset scored by availableAt. If reservedCopy is no longer in
// the reserved zset (it was already recovered by migration, or
// already released/deleted by a racing caller), Release returns
// errors.ErrAbandonedReservation without mutating anything further --
// this is not treated as fatal by callers.
func (r *RDB) Release(ctx context.Context, qname string, reservedCopy []byte, availableAt time.Time) error {
	var op errors.Op = "rdb.Release"
	keys := []string{base.DelayedKey(qname), base.ReservedKey(qname)}
	n, err := r.runScriptInt(ctx, op, qname, releaseCmd, keys, string(reservedCopy), availableAt.Unix())
	if err != nil {
		return err
	}
	if n == 0 {
		return errors.E(op, errors.Queue(qname), errors.NotFound, errors.ErrAbandonedReservation)
	}
	return nil
}

// KEYS[1] -> reserved zset
// ARGV[1] -> reserved copy (member to remove)
var deleteReservedCmd = redis.NewScript(`
return redis.call("ZREM", KEYS[1], ARGV[1])`)

// DeleteReserved removes reservedCopy from the reserved zset: the ack
// path. If the member was not present, DeleteReserved returns
// errors.ErrAbandonedReservation without it being fatal.
func (r *RDB) DeleteReserved(ctx context.Context, qname string, reservedCopy []byte) error {
	var op errors.Op = "rdb.DeleteReserved"
	n, err := r.runScriptInt(ctx, op, qname, deleteReservedCmd, []string{base.ReservedKey(qname)}, string(reservedCopy))
	if err != nil {
		return err
	}
	if n == 0 {
		return errors.E(op, errors.Queue(qname), errors.NotFound, errors.ErrAbandonedReservation)
	}
	return nil
}

// KEYS[1] -> ready list
// KEYS[2] -> delayed zset
// KEYS[3] -> reserved zset
// KEYS[4] -> notify list
var clearCmd = redis.NewScript(`
local total = redis.call("LLEN", KEYS[1]) + redis.call("ZCARD", KEYS[2]) + redis.call("ZCARD", KEYS[3])
redis.call("DEL", KEYS[1], KEYS[2], KEYS[3], KEYS[4])
return total`)

// Clear atomically returns the queue's total job count and deletes all
// four of its keys.
func (r *RDB) Clear(ctx context.Context, qname string) (int64, error) {
	var op errors.Op = "rdb.Clear"
	keys := []string{base.QueueKey(qname), base.DelayedKey(qname), base.ReservedKey(qname), base.NotifyKey(qname)}
	return r.runScriptInt(ctx, op, qname, clearCmd, keys)
}

// BLPopNotify blocks for up to timeout waiting for a notify token on
// qname's notify list. It returns (false, nil) on timeout, and
// (true, nil) if a token arrived. The token value itself is
// informational only -- the caller must still re-attempt Pop.
func (r *RDB) BLPopNotify(ctx context.Context, qname string, timeout time.Duration) (bool, error) {
	var op errors.Op = "rdb.BLPopNotify"
	_, err := r.client.BLPop(ctx, timeout, base.NotifyKey(qname)).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, errors.E(op, errors.Queue(qname), errors.Unknown, &errors.RedisCommandError{Command: "blpop", Err: err})
	}
	return true, nil
}
