/*
Package broker implements a durable, Redis-backed job queue.

A Broker wraps a redis.UniversalClient and exposes a push/pop/ack
surface over four coupled Redis keys per logical queue: a ready list,
a delayed sorted set, a reserved sorted set, and a notify list used to
wake blocking consumers.

Producers push jobs immediately or for later delivery:

	b := broker.New(client, broker.NewConfig())
	id, err := b.Push(ctx, "send_email", map[string]interface{}{"user_id": 42})
	id, err = b.Later(ctx, broker.In(time.Minute), "send_email", data)

Consumers reserve jobs with Pop, then ack or release them:

	job, err := b.Pop(ctx, "default", 0)
	if job != nil {
	    if err := process(job); err != nil {
	        job.Release(ctx, broker.In(30*time.Second))
	    } else {
	        job.Delete(ctx)
	    }
	}

A worker monitoring more than one queue should use Watch, which
applies the multi-queue fairness rule described on Watcher:

	w := b.Watch("high", "low")
	for {
	    job, err := w.Pop(ctx)
	    ...
	}
*/
package broker
