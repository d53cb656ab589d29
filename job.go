package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cast"

	"github.com/relaycode/redisqueue/internal/base"
)

// Data is the arbitrary, broker-opaque payload attached to a job.
// Accessor methods mirror the shape of a typed config lookup, since
// the underlying value arrives as a decoded JSON map.
type Data map[string]interface{}

type errKeyNotFound struct {
	key string
}

func (e *errKeyNotFound) Error() string {
	return fmt.Sprintf("key %q does not exist", e.key)
}

// Has reports whether key exists.
func (d Data) Has(key string) bool {
	_, ok := d[key]
	return ok
}

// GetString returns a string value if a string type is associated with
// the key, otherwise reports an error.
func (d Data) GetString(key string) (string, error) {
	v, ok := d[key]
	if !ok {
		return "", &errKeyNotFound{key}
	}
	return cast.ToStringE(v)
}

// GetInt returns an int value if a numeric type is associated with
// the key, otherwise reports an error.
func (d Data) GetInt(key string) (int, error) {
	v, ok := d[key]
	if !ok {
		return 0, &errKeyNotFound{key}
	}
	return cast.ToIntE(v)
}

// GetFloat64 returns a float64 value if a numeric type is associated with
// the key, otherwise reports an error.
func (d Data) GetFloat64(key string) (float64, error) {
	v, ok := d[key]
	if !ok {
		return 0, &errKeyNotFound{key}
	}
	return cast.ToFloat64E(v)
}

// GetBool returns a boolean value if a boolean type is associated with
// the key, otherwise reports an error.
func (d Data) GetBool(key string) (bool, error) {
	v, ok := d[key]
	if !ok {
		return false, &errKeyNotFound{key}
	}
	return cast.ToBoolE(v)
}

// GetStringSlice returns a slice of strings if a string slice type is
// associated with the key, otherwise reports an error.
func (d Data) GetStringSlice(key string) ([]string, error) {
	v, ok := d[key]
	if !ok {
		return nil, &errKeyNotFound{key}
	}
	return cast.ToStringSliceE(v)
}

// GetStringMap returns a map of string to empty interface if a correct
// map type is associated with the key, otherwise reports an error.
func (d Data) GetStringMap(key string) (map[string]interface{}, error) {
	v, ok := d[key]
	if !ok {
		return nil, &errKeyNotFound{key}
	}
	return cast.ToStringMapE(v)
}

// GetTime returns a time value if a correct type is associated with
// the key, otherwise reports an error.
func (d Data) GetTime(key string) (time.Time, error) {
	v, ok := d[key]
	if !ok {
		return time.Time{}, &errKeyNotFound{key}
	}
	return cast.ToTimeE(v)
}

// GetDuration returns a duration value if a correct type is
// associated with the key, otherwise reports an error.
func (d Data) GetDuration(key string) (time.Duration, error) {
	v, ok := d[key]
	if !ok {
		return 0, &errKeyNotFound{key}
	}
	return cast.ToDurationE(v)
}

// ReservedJob is a job handle returned by a successful Pop. It carries
// both the original payload (what the caller should act on) and the
// reserved copy (the exact token parked in the reserved set, required
// to ack or release the reservation).
type ReservedJob struct {
	broker   *Broker
	queue    string
	original base.Payload
	reserved []byte
}

// ID returns the job's broker-assigned identifier.
func (j *ReservedJob) ID() string { return j.original.ID() }

// Job returns the job type/name as passed to Push/Later.
func (j *ReservedJob) Job() string { return j.original.Job() }

// Data returns the job's opaque payload data.
func (j *ReservedJob) Data() Data { return Data(j.original.Data()) }

// Attempts returns the number of times this job has been reserved,
// including the current reservation.
func (j *ReservedJob) Attempts() int { return j.original.Attempts() + 1 }

// Payload returns the job's full decoded payload, including any
// top-level fields outside the broker's own id/job/data/attempts/
// reserved_at/dispatch_after_commit set. Use this when a caller needs
// to read back fields it attached via PushRaw.
func (j *ReservedJob) Payload() base.Payload { return j.original }

// Queue returns the name of the queue this job was reserved from.
func (j *ReservedJob) Queue() string { return j.queue }

// Delete acknowledges the job: it removes the reserved copy from the
// reserved set. If the reservation was already abandoned (its
// visibility timeout expired and migration already returned it to
// ready), Delete returns an error wrapping
// internal/errors.ErrAbandonedReservation; callers may detect this
// with errors.Is but must not treat it as fatal.
func (j *ReservedJob) Delete(ctx context.Context) error {
	return j.broker.deleteReserved(ctx, j.queue, j.reserved)
}

// Release returns the job to the delayed set to become visible again
// at the time described by delay. Like Delete, a no-op ZREM (the
// reservation was already abandoned) is reported via
// internal/errors.ErrAbandonedReservation, non-fatal.
func (j *ReservedJob) Release(ctx context.Context, delay Delay) error {
	return j.broker.deleteAndRelease(ctx, j.queue, j.reserved, delay)
}
