package broker

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/relaycode/redisqueue/internal/base"
	"github.com/relaycode/redisqueue/internal/errors"
	"github.com/relaycode/redisqueue/internal/testutil"
	"github.com/relaycode/redisqueue/internal/timeutil"
)

func newTestBroker(t *testing.T, cfg Config) (*Broker, redis.UniversalClient) {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379", DB: 15})
	testutil.FlushDB(t, client)
	return New(client, cfg), client
}

func TestPushAndPop(t *testing.T) {
	b, _ := newTestBroker(t, NewConfig())
	ctx := context.Background()

	id, err := b.Push(ctx, "send_email", map[string]interface{}{"user_id": float64(42)})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	job, err := b.Pop(ctx, "default", 0)
	require.NoError(t, err)
	require.NotNil(t, job)
	require.Equal(t, id, job.ID())
	require.Equal(t, "send_email", job.Job())
	require.Equal(t, 1, job.Attempts())

	uid, err := job.Data().GetInt("user_id")
	require.NoError(t, err)
	require.Equal(t, 42, uid)

	require.NoError(t, job.Delete(ctx))

	size, err := b.Size(ctx, "default")
	require.NoError(t, err)
	require.Zero(t, size)
}

func TestPopOnEmptyQueueReturnsNil(t *testing.T) {
	b, _ := newTestBroker(t, NewConfig())
	job, err := b.Pop(context.Background(), "default", 0)
	require.NoError(t, err)
	require.Nil(t, job)
}

func TestDelayedRelease(t *testing.T) {
	cfg := NewConfig()
	b, _ := newTestBroker(t, cfg)
	clock := timeutil.NewSimulatedClock(time.Now())
	b.SetClock(clock)
	ctx := context.Background()

	id, err := b.Push(ctx, "generate_report", nil)
	require.NoError(t, err)

	job, err := b.Pop(ctx, "default", 0)
	require.NoError(t, err)
	require.Equal(t, id, job.ID())

	require.NoError(t, job.Release(ctx, Seconds(2)))

	// Immediately: not yet visible.
	again, err := b.Pop(ctx, "default", 0)
	require.NoError(t, err)
	require.Nil(t, again)

	clock.AdvanceTime(3 * time.Second)

	again, err = b.Pop(ctx, "default", 0)
	require.NoError(t, err)
	require.NotNil(t, again)
	require.Equal(t, id, again.ID())
	require.Equal(t, 2, again.Attempts())
}

func TestVisibilityRecovery(t *testing.T) {
	retryAfter := time.Second
	cfg := NewConfig()
	cfg.RetryAfter = &retryAfter
	b, _ := newTestBroker(t, cfg)
	clock := timeutil.NewSimulatedClock(time.Now())
	b.SetClock(clock)
	ctx := context.Background()

	id, err := b.Push(ctx, "ship_order", nil)
	require.NoError(t, err)

	job, err := b.Pop(ctx, "default", 0)
	require.NoError(t, err)
	require.Equal(t, id, job.ID())
	require.Equal(t, 1, job.Attempts())
	// Do not ack.

	clock.AdvanceTime(2 * time.Second)

	recovered, err := b.Pop(ctx, "default", 0)
	require.NoError(t, err)
	require.NotNil(t, recovered)
	require.Equal(t, id, recovered.ID())
	require.Equal(t, 2, recovered.Attempts())
}

func TestDeleteAfterRecoveryIsAbandoned(t *testing.T) {
	retryAfter := time.Second
	cfg := NewConfig()
	cfg.RetryAfter = &retryAfter
	b, _ := newTestBroker(t, cfg)
	clock := timeutil.NewSimulatedClock(time.Now())
	b.SetClock(clock)
	ctx := context.Background()

	_, err := b.Push(ctx, "ship_order", nil)
	require.NoError(t, err)

	stale, err := b.Pop(ctx, "default", 0)
	require.NoError(t, err)
	require.NotNil(t, stale)

	clock.AdvanceTime(2 * time.Second)
	recovered, err := b.Pop(ctx, "default", 0)
	require.NoError(t, err)
	require.NotNil(t, recovered)

	err = stale.Delete(ctx)
	require.True(t, errors.Is(err, errors.ErrAbandonedReservation))
}

func TestClearCountsAcrossAllThreeStates(t *testing.T) {
	b, _ := newTestBroker(t, NewConfig())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := b.Push(ctx, "job", nil)
		require.NoError(t, err)
	}
	for i := 0; i < 2; i++ {
		_, err := b.Later(ctx, In(time.Hour), "job", nil)
		require.NoError(t, err)
	}
	_, err := b.Pop(ctx, "default", 0)
	require.NoError(t, err)

	n, err := b.Clear(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(5), n)

	size, err := b.Size(ctx)
	require.NoError(t, err)
	require.Zero(t, size)
}

func TestBulkMixesImmediateAndDelayed(t *testing.T) {
	b, _ := newTestBroker(t, NewConfig())
	ctx := context.Background()

	ids, err := b.Bulk(ctx, []BulkJob{
		{Job: "a"},
		{Job: "b", Delay: In(time.Hour)},
		{Job: "c"},
	})
	require.NoError(t, err)
	require.Len(t, ids, 3)

	size, err := b.Size(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(3), size)

	first, err := b.Pop(ctx, "default", 0)
	require.NoError(t, err)
	require.NotNil(t, first)
	require.Equal(t, "a", first.Job())

	second, err := b.Pop(ctx, "default", 0)
	require.NoError(t, err)
	require.NotNil(t, second)
	require.Equal(t, "c", second.Job())
}

func TestPushRawPreservesCallerAssignedID(t *testing.T) {
	b, _ := newTestBroker(t, NewConfig())
	ctx := context.Background()

	payload := base.NewPayload("import", nil)
	payload.SetID("caller-chosen-id")
	id, err := b.PushRaw(ctx, payload)
	require.NoError(t, err)
	require.Equal(t, "caller-chosen-id", id)

	job, err := b.Pop(ctx, "default", 0)
	require.NoError(t, err)
	require.NotNil(t, job)
	require.Equal(t, "caller-chosen-id", job.ID())
}

// TestPushRawPreservesUnknownFields exercises spec.md P6 at the
// façade layer: a top-level field the broker never interprets must
// still be readable back off the reserved job after a full push/pop
// round trip through Redis.
func TestPushRawPreservesUnknownFields(t *testing.T) {
	b, _ := newTestBroker(t, NewConfig())
	ctx := context.Background()

	payload := base.NewPayload("import", nil)
	payload["correlation_id"] = "ext-001"
	_, err := b.PushRaw(ctx, payload)
	require.NoError(t, err)

	job, err := b.Pop(ctx, "default", 0)
	require.NoError(t, err)
	require.NotNil(t, job)
	require.Equal(t, "ext-001", job.Payload()["correlation_id"])
}

func TestRecoverStuckReservations(t *testing.T) {
	cfg := NewConfig()
	cfg.RetryAfter = nil
	b, _ := newTestBroker(t, cfg)
	clock := timeutil.NewSimulatedClock(time.Now())
	b.SetClock(clock)
	ctx := context.Background()

	_, err := b.Push(ctx, "never_migrates_on_its_own", nil)
	require.NoError(t, err)

	job, err := b.Pop(ctx, "default", 0)
	require.NoError(t, err)
	require.NotNil(t, job)

	clock.AdvanceTime(time.Hour)
	// With RetryAfter nil, an ordinary Pop never recovers it.
	nothing, err := b.Pop(ctx, "default", 0)
	require.NoError(t, err)
	require.Nil(t, nothing)

	n, err := b.RecoverStuckReservations(ctx, "default", time.Minute)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	recovered, err := b.Pop(ctx, "default", 0)
	require.NoError(t, err)
	require.NotNil(t, recovered)
}
