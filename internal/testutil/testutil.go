// Package testutil defines test helpers for the broker and its
// internal packages.
package testutil

import (
	"context"
	"sort"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/relaycode/redisqueue/internal/base"
)

// SortPayloadsOpt is a cmp.Option to sort base.Payload slices by ID
// before comparing, since ready-list order is not guaranteed to
// survive a round trip through a map-keyed test fixture.
var SortPayloadsOpt = cmp.Transformer("SortPayloads", func(in []base.Payload) []base.Payload {
	out := append([]base.Payload(nil), in...)
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
})

// NewUniqueID returns a UUID string, distinct from the broker's own
// 32-char job ID, for use as test fixture data (e.g. an external
// correlation ID embedded in a job's Data).
func NewUniqueID() string { return uuid.NewString() }

// FlushDB deletes all the keys of the currently selected DB (or, for
// a cluster client, of every master node).
func FlushDB(tb testing.TB, r redis.UniversalClient) {
	tb.Helper()
	ctx := context.Background()
	switch c := r.(type) {
	case *redis.Client:
		if err := c.FlushDB(ctx).Err(); err != nil {
			tb.Fatal(err)
		}
	case *redis.ClusterClient:
		err := c.ForEachMaster(ctx, func(ctx context.Context, c *redis.Client) error {
			return c.FlushAll(ctx).Err()
		})
		if err != nil {
			tb.Fatal(err)
		}
	default:
		tb.Fatalf("FlushDB: unsupported client type %T", r)
	}
}

// MustMarshal marshals p and fails the test on error.
func MustMarshal(tb testing.TB, p base.Payload) []byte {
	tb.Helper()
	data, err := base.EncodePayload(p)
	if err != nil {
		tb.Fatal(err)
	}
	return data
}

// MustUnmarshal unmarshals data into a base.Payload and fails the
// test on error.
func MustUnmarshal(tb testing.TB, data []byte) base.Payload {
	tb.Helper()
	p, err := base.DecodePayload(data)
	if err != nil {
		tb.Fatal(err)
	}
	return p
}

// SeedReadyQueue pushes payloads onto qname's ready list (RPUSH, in
// order) and emits one notify token per payload, matching the
// invariant that notify length tracks ready length.
func SeedReadyQueue(tb testing.TB, r redis.UniversalClient, payloads []base.Payload, qname string) {
	tb.Helper()
	ctx := context.Background()
	for _, p := range payloads {
		if err := r.RPush(ctx, base.QueueKey(qname), MustMarshal(tb, p)).Err(); err != nil {
			tb.Fatal(err)
		}
		if err := r.RPush(ctx, base.NotifyKey(qname), "1").Err(); err != nil {
			tb.Fatal(err)
		}
	}
}

// ZEntry pairs a payload with the score it should be seeded at in a
// delayed or reserved sorted set.
type ZEntry struct {
	Payload base.Payload
	Score   int64
}

// SeedDelayedQueue seeds qname's delayed zset with entries.
func SeedDelayedQueue(tb testing.TB, r redis.UniversalClient, entries []ZEntry, qname string) {
	tb.Helper()
	seedZSet(tb, r, base.DelayedKey(qname), entries)
}

// SeedReservedQueue seeds qname's reserved zset with entries.
func SeedReservedQueue(tb testing.TB, r redis.UniversalClient, entries []ZEntry, qname string) {
	tb.Helper()
	seedZSet(tb, r, base.ReservedKey(qname), entries)
}

func seedZSet(tb testing.TB, r redis.UniversalClient, key string, entries []ZEntry) {
	tb.Helper()
	ctx := context.Background()
	for _, e := range entries {
		z := redis.Z{Score: float64(e.Score), Member: string(MustMarshal(tb, e.Payload))}
		if err := r.ZAdd(ctx, key, z).Err(); err != nil {
			tb.Fatal(err)
		}
	}
}

// GetReadyMessages returns every payload currently in qname's ready
// list, in FIFO order.
func GetReadyMessages(tb testing.TB, r redis.UniversalClient, qname string) []base.Payload {
	tb.Helper()
	raw, err := r.LRange(context.Background(), base.QueueKey(qname), 0, -1).Result()
	if err != nil {
		tb.Fatal(err)
	}
	return decodeAll(tb, raw)
}

// GetDelayedMessages returns every payload currently in qname's
// delayed zset, ordered by ascending score.
func GetDelayedMessages(tb testing.TB, r redis.UniversalClient, qname string) []base.Payload {
	tb.Helper()
	return getZSetMessages(tb, r, base.DelayedKey(qname))
}

// GetReservedMessages returns every payload currently in qname's
// reserved zset, ordered by ascending score.
func GetReservedMessages(tb testing.TB, r redis.UniversalClient, qname string) []base.Payload {
	tb.Helper()
	return getZSetMessages(tb, r, base.ReservedKey(qname))
}

func getZSetMessages(tb testing.TB, r redis.UniversalClient, key string) []base.Payload {
	tb.Helper()
	raw, err := r.ZRange(context.Background(), key, 0, -1).Result()
	if err != nil {
		tb.Fatal(err)
	}
	return decodeAll(tb, raw)
}

func decodeAll(tb testing.TB, raw []string) []base.Payload {
	tb.Helper()
	payloads := make([]base.Payload, len(raw))
	for i, s := range raw {
		payloads[i] = MustUnmarshal(tb, []byte(s))
	}
	return payloads
}

// NotifyLen returns the current length of qname's notify list.
func NotifyLen(tb testing.TB, r redis.UniversalClient, qname string) int64 {
	tb.Helper()
	n, err := r.LLen(context.Background(), base.NotifyKey(qname)).Result()
	if err != nil {
		tb.Fatal(err)
	}
	return n
}
