package broker

import (
	"context"
	"time"

	"github.com/relaycode/redisqueue/internal/base"
)

// retryAfter returns the configured visibility timeout, or zero when
// Config.RetryAfter is nil. A zero retry-after still satisfies
// invariant 4 (score = reservation time + retry-after) with a
// well-defined value -- it just means the reservation is already
// eligible for migration the instant it's made. migrate never runs
// reserved->ready migration when RetryAfter is nil, so that eligible
// score is never actually read back by the ordinary pop loop; only
// RecoverStuckReservations reads it, on demand.
func (b *Broker) retryAfter() time.Duration {
	if b.cfg.RetryAfter == nil {
		return 0
	}
	return *b.cfg.RetryAfter
}

// migrate runs delayed->ready migration, and when RetryAfter is
// configured, reserved->ready recovery migration, both bounded by
// Config.MigrationBatchSize.
func (b *Broker) migrate(ctx context.Context, qname string) error {
	now := b.clock.Now()
	if _, err := b.rdb.MigrateExpiredJobs(ctx, base.DelayedKey(qname), base.QueueKey(qname), base.NotifyKey(qname), now, b.cfg.MigrationBatchSize); err != nil {
		return err
	}
	if b.cfg.RetryAfter != nil {
		if _, err := b.rdb.MigrateExpiredJobs(ctx, base.ReservedKey(qname), base.QueueKey(qname), base.NotifyKey(qname), now, b.cfg.MigrationBatchSize); err != nil {
			return err
		}
	}
	return nil
}

// popOnce implements one invocation of the pop algorithm against a
// single queue: migrate, attempt reservation, and -- when block is
// true and Config.BlockFor is set -- one BLPOP-then-retry. It returns
// (nil, nil) when no job is available.
func (b *Broker) popOnce(ctx context.Context, qname string, block bool) (*ReservedJob, error) {
	qlog := b.logger.ForQueue(qname)
	if err := b.migrate(ctx, qname); err != nil {
		qlog.Warn("migration failed: %v", err)
		return nil, err
	}

	job, err := b.reserve(ctx, qname)
	if err != nil {
		qlog.Warn("reserve failed: %v", err)
		return nil, err
	}
	if job != nil {
		return job, nil
	}

	if !block || b.cfg.BlockFor == nil {
		return nil, nil
	}

	arrived, err := b.rdb.BLPopNotify(ctx, qname, *b.cfg.BlockFor)
	if err != nil {
		qlog.Warn("blocking wait failed: %v", err)
		return nil, err
	}
	if !arrived {
		return nil, nil
	}
	// Retry once, non-blocking: a blocked BLPOP already consumed the
	// wait budget for this call.
	return b.reserve(ctx, qname)
}

func (b *Broker) reserve(ctx context.Context, qname string) (*ReservedJob, error) {
	now := b.clock.Now()
	visibilityExpiry := now.Add(b.retryAfter())
	original, reservedCopy, err := b.rdb.Pop(ctx, qname, visibilityExpiry, now)
	if err != nil {
		return nil, err
	}
	if original == nil {
		return nil, nil
	}
	payload, err := base.DecodePayload(original)
	if err != nil {
		return nil, err
	}
	b.logger.ForQueue(qname).Debug("reserved job %s (attempt %d)", payload.ID(), payload.Attempts()+1)
	return &ReservedJob{broker: b, queue: qname, original: payload, reserved: reservedCopy}, nil
}

// Pop attempts to reserve one job from queue. index controls whether
// this call is allowed to block: only index 0 may block, mirroring
// the role a caller's highest-priority queue plays inside a Watcher
// sweep. A standalone Pop call has no memory of prior sweeps, so
// unlike Watcher.Pop, it never suppresses blocking based on whether a
// secondary queue had work -- callers that monitor more than one
// queue should use Watch instead.
func (b *Broker) Pop(ctx context.Context, queue string, index int) (*ReservedJob, error) {
	qname := b.cfg.queueName([]string{queue})
	return b.popOnce(ctx, qname, index == 0)
}

// Watcher monitors an ordered list of queues and applies the
// multi-queue fairness rule: only the first (highest-priority) queue
// may block, and only when the previous full sweep found no work on
// any of the other queues.
type Watcher struct {
	broker               *Broker
	queues               []string
	secondaryQueueHadJob bool
}

// Watch returns a Watcher over queues, in priority order. queues[0] is
// the only queue ever allowed to block.
func (b *Broker) Watch(queues ...string) *Watcher {
	qnames := make([]string, len(queues))
	for i, q := range queues {
		qnames[i] = b.cfg.queueName([]string{q})
	}
	return &Watcher{broker: b, queues: qnames}
}

// Pop sweeps the watcher's queues in priority order, non-blocking, and
// returns the first reserved job found. Only once that sweep comes up
// empty on every queue does it consider blocking -- and only on the
// primary queue, and only if the previous sweep didn't find work on a
// secondary queue. That last condition is what keeps a busy secondary
// queue from being starved behind a blocking wait on an empty primary
// one: after a secondary hit, the next call returns promptly so the
// caller can loop back around to it again soon.
func (w *Watcher) Pop(ctx context.Context) (*ReservedJob, error) {
	for index, qname := range w.queues {
		job, err := w.broker.popOnce(ctx, qname, false)
		if err != nil {
			return nil, err
		}
		if job != nil {
			w.secondaryQueueHadJob = index > 0
			return job, nil
		}
	}

	if w.secondaryQueueHadJob {
		w.secondaryQueueHadJob = false
		return nil, nil
	}
	if w.broker.cfg.BlockFor == nil || len(w.queues) == 0 {
		return nil, nil
	}

	primary := w.queues[0]
	arrived, err := w.broker.rdb.BLPopNotify(ctx, primary, *w.broker.cfg.BlockFor)
	if err != nil {
		return nil, err
	}
	if !arrived {
		return nil, nil
	}
	return w.broker.reserve(ctx, primary)
}
