// Package broker implements a durable, Redis-backed job queue: atomic
// server-side operations over four coupled keys per logical queue,
// a producer-side façade, and a consumer-side pop loop with
// multi-queue fairness.
package broker

import (
	"context"
	"os"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/relaycode/redisqueue/internal/base"
	"github.com/relaycode/redisqueue/internal/errors"
	"github.com/relaycode/redisqueue/internal/idgen"
	"github.com/relaycode/redisqueue/internal/log"
	"github.com/relaycode/redisqueue/internal/rdb"
	"github.com/relaycode/redisqueue/internal/timeutil"
)

// Broker is the top-level handle producers and consumers use to push
// and reserve jobs. A Broker is safe for concurrent use by multiple
// goroutines.
type Broker struct {
	rdb    *rdb.RDB
	cfg    Config
	clock  timeutil.Clock
	logger *log.Logger
}

// New returns a Broker backed by client, applying cfg's defaults via
// Config.withDefaults. client may be a *redis.Client or a
// *redis.ClusterClient; Bulk dispatches differently depending on
// which.
func New(client redis.UniversalClient, cfg Config) *Broker {
	return &Broker{
		rdb:    rdb.NewRDB(client),
		cfg:    cfg.withDefaults(),
		clock:  timeutil.NewRealClock(),
		logger: log.NewLogger(os.Stderr),
	}
}

// SetClock overrides the broker's time source. Intended for tests;
// production callers should leave the default real clock in place.
func (b *Broker) SetClock(c timeutil.Clock) {
	b.clock = c
}

// SetLogger overrides where the broker logs WARN/INFO messages.
// Defaults to a Logger writing to stderr.
func (b *Broker) SetLogger(l *log.Logger) {
	b.logger = l
}

// Close closes the underlying Redis connection.
func (b *Broker) Close() error { return b.rdb.Close() }

func (b *Broker) buildPayload(job string, data map[string]interface{}) base.Payload {
	p := base.NewPayload(job, data)
	p.SetID(idgen.RandomID())
	if b.cfg.DispatchAfterCommit {
		p.SetDispatchAfterCommit(true)
	}
	return p
}

// Push builds a job payload for job/data, appends it to the tail of
// queue's ready list, and returns the assigned ID. queue defaults to
// Config.Default when omitted.
func (b *Broker) Push(ctx context.Context, job string, data map[string]interface{}, queue ...string) (string, error) {
	payload := b.buildPayload(job, data)
	if err := b.pushPayload(ctx, b.cfg.queueName(queue), payload); err != nil {
		return "", err
	}
	return payload.ID(), nil
}

func (b *Broker) pushPayload(ctx context.Context, qname string, payload base.Payload) error {
	if err := base.ValidateQueueName(qname); err != nil {
		return errors.E(errors.Op("Broker.Push"), errors.Queue(qname), errors.FailedPrecondition, err)
	}
	encoded, err := base.EncodePayload(payload)
	if err != nil {
		return errors.E(errors.Op("Broker.Push"), errors.Queue(qname), errors.Internal, err)
	}
	return b.rdb.Push(ctx, qname, encoded)
}

// PushRaw appends a pre-built payload to queue's ready list. Use this
// when the ID has already been assigned by the caller (e.g. to keep
// it consistent with an external record), or when the caller needs
// top-level fields beyond id/job/data carried through verbatim on
// every later transition.
func (b *Broker) PushRaw(ctx context.Context, payload base.Payload, queue ...string) (string, error) {
	if payload.ID() == "" {
		payload.SetID(idgen.RandomID())
	}
	qname := b.cfg.queueName(queue)
	if err := b.pushPayload(ctx, qname, payload); err != nil {
		return "", err
	}
	return payload.ID(), nil
}

// Later builds a job payload for job/data and schedules it on queue's
// delayed set, to become visible at delay's resolved instant. It does
// not touch the notify list: the job becomes visible only once
// migration moves it to ready.
func (b *Broker) Later(ctx context.Context, delay Delay, job string, data map[string]interface{}, queue ...string) (string, error) {
	payload := b.buildPayload(job, data)
	qname := b.cfg.queueName(queue)
	if err := base.ValidateQueueName(qname); err != nil {
		return "", errors.E(errors.Op("Broker.Later"), errors.Queue(qname), errors.FailedPrecondition, err)
	}
	encoded, err := base.EncodePayload(payload)
	if err != nil {
		return "", errors.E(errors.Op("Broker.Later"), errors.Queue(qname), errors.Internal, err)
	}
	availableAt := delay.resolve(b.clock)
	if err := b.rdb.Later(ctx, qname, encoded, availableAt); err != nil {
		return "", err
	}
	return payload.ID(), nil
}

// BulkJob describes one job within a Bulk call: its queue (or the
// default queue, if empty), name, data, and an optional Delay. A zero
// Delay pushes the job immediately.
type BulkJob struct {
	Queue string
	Job   string
	Data  map[string]interface{}
	Delay Delay
}

// Bulk enqueues jobs in a single round trip: a real MULTI/EXEC
// transaction against a single-node *redis.Client, or plain pipelining
// against a *redis.ClusterClient (jobs may span multiple hash slots
// on a cluster, so transactions are unsafe there). Delayed and
// immediate jobs may be mixed freely.
func (b *Broker) Bulk(ctx context.Context, jobs []BulkJob) ([]string, error) {
	op := errors.Op("Broker.Bulk")
	// Freeze "now" for the whole batch: every job's relative delay
	// resolves against the same instant, rather than drifting across
	// however long building the plan takes.
	frozen := timeutil.NewSimulatedClock(b.clock.Now())
	ids := make([]string, len(jobs))
	type op4pipe struct {
		immediate bool
		qname     string
		payload   []byte
		availAt   time.Time
	}
	plan := make([]op4pipe, 0, len(jobs))
	for i, j := range jobs {
		qname := b.cfg.queueName([]string{j.Queue})
		if err := base.ValidateQueueName(qname); err != nil {
			return nil, errors.E(op, errors.Queue(qname), errors.FailedPrecondition, err)
		}
		pj := b.buildPayload(j.Job, j.Data)
		payload, err := base.EncodePayload(pj)
		if err != nil {
			return nil, errors.E(op, errors.Queue(qname), errors.Internal, err)
		}
		ids[i] = pj.ID()
		immediate := !j.Delay.set
		availAt := j.Delay.resolve(frozen)
		plan = append(plan, op4pipe{immediate: immediate, qname: qname, payload: payload, availAt: availAt})
	}

	client := b.rdb.Client()
	queuer := func(pipe redis.Pipeliner) error {
		for _, p := range plan {
			if p.immediate {
				// Eval, not Run: inside a pipeline the EVALSHA-then-
				// fall-back-to-EVAL logic in Run cannot observe the
				// NOSCRIPT error before the pipeline is executed.
				pipe.Eval(ctx, rdb.PushScriptSource(), []string{base.QueueKey(p.qname), base.NotifyKey(p.qname)}, string(p.payload))
			} else {
				pipe.ZAdd(ctx, base.DelayedKey(p.qname), redis.Z{Score: float64(p.availAt.Unix()), Member: string(p.payload)})
			}
		}
		return nil
	}

	var err error
	switch client.(type) {
	case *redis.ClusterClient:
		_, err = client.Pipelined(ctx, queuer)
	default:
		_, err = client.TxPipelined(ctx, queuer)
	}
	if err != nil {
		b.logger.Warn("bulk pipeline of %d job(s) failed: %v", len(jobs), err)
		return nil, errors.E(op, errors.Internal, &errors.RedisCommandError{Command: "pipeline", Err: err})
	}
	return ids, nil
}

// deleteReserved acknowledges a reservation: the ack path.
func (b *Broker) deleteReserved(ctx context.Context, qname string, reservedCopy []byte) error {
	op := errors.Op("Broker.deleteReserved")
	if err := b.rdb.DeleteReserved(ctx, qname, reservedCopy); err != nil {
		if errors.Is(err, errors.ErrAbandonedReservation) {
			return err
		}
		return errors.E(op, errors.Queue(qname), err)
	}
	return nil
}

// deleteAndRelease moves a reservation back to the delayed set.
func (b *Broker) deleteAndRelease(ctx context.Context, qname string, reservedCopy []byte, delay Delay) error {
	op := errors.Op("Broker.deleteAndRelease")
	availableAt := delay.resolve(b.clock)
	if err := b.rdb.Release(ctx, qname, reservedCopy, availableAt); err != nil {
		if errors.Is(err, errors.ErrAbandonedReservation) {
			return err
		}
		return errors.E(op, errors.Queue(qname), err)
	}
	return nil
}

// Clear atomically empties queue and returns the number of jobs it
// held across ready, delayed, and reserved.
func (b *Broker) Clear(ctx context.Context, queue ...string) (int64, error) {
	qname := b.cfg.queueName(queue)
	qlog := b.logger.ForQueue(qname)
	n, err := b.rdb.Clear(ctx, qname)
	if err != nil {
		qlog.Warn("clear failed: %v", err)
		return 0, err
	}
	qlog.Info("cleared %d job(s)", n)
	return n, nil
}

// Size returns the total number of jobs outstanding on queue: ready +
// delayed + reserved.
func (b *Broker) Size(ctx context.Context, queue ...string) (int64, error) {
	return b.rdb.Size(ctx, b.cfg.queueName(queue))
}

// RecoverStuckReservations migrates the entries of queue's reserved
// set whose score (visibility expiry) lies at least olderThan in the
// past back to ready, at most Config.MigrationBatchSize per call,
// regardless of Config.RetryAfter. With RetryAfter nil a reservation's
// score is its reservation time, so olderThan is then the minimum age
// of a recovered reservation. It is the manual recovery operation available
// when RetryAfter is nil: with no configured visibility timeout the
// pop loop never runs reserved migration on its own, so reservations
// left behind by a crashed worker would otherwise stay stuck forever.
func (b *Broker) RecoverStuckReservations(ctx context.Context, queue string, olderThan time.Duration) (int64, error) {
	qname := b.cfg.queueName([]string{queue})
	qlog := b.logger.ForQueue(qname)
	cutoff := b.clock.Now().Add(-olderThan)
	// migrateExpiredJobs moves everything scored <= now; to recover
	// only reservations older than olderThan we pass cutoff as "now".
	moved, err := b.rdb.MigrateExpiredJobs(ctx, base.ReservedKey(qname), base.QueueKey(qname), base.NotifyKey(qname), cutoff, b.cfg.MigrationBatchSize)
	if err != nil {
		qlog.Warn("manual recovery failed: %v", err)
		return 0, err
	}
	if len(moved) > 0 {
		qlog.Info("manually recovered %d stuck reservation(s) older than %s", len(moved), olderThan)
	}
	return int64(len(moved)), nil
}
