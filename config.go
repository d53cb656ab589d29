package broker

import (
	"time"

	"github.com/relaycode/redisqueue/internal/base"
)

// Config carries the broker's tunable defaults. NewConfig returns a
// Config with every documented default filled in; the zero value of
// Config is not itself the default. New fills in only Default (when
// empty) and MigrationBatchSize (when 0); a nil RetryAfter is kept as
// nil by New, which disables reserved-set recovery.
type Config struct {
	// Default is the queue name used whenever a caller omits one.
	Default string

	// Connection names the logical Redis connection this broker talks
	// to. It is informational only -- useful for logging when a
	// process manages more than one connection -- and is never used
	// to build a key.
	Connection string

	// RetryAfter is how long a reservation stays invisible before it
	// is eligible for recovery back to ready. A nil value disables
	// reserved-set migration entirely: reservations never expire on
	// their own (see Broker.RecoverStuckReservations).
	RetryAfter *time.Duration

	// BlockFor is how long Pop may block on the notify list when the
	// primary queue is empty and allowed to block. A nil value means
	// never block.
	BlockFor *time.Duration

	// MigrationBatchSize bounds how many elements a single migration
	// script call may move. -1 means unlimited.
	MigrationBatchSize int

	// DispatchAfterCommit is forwarded onto built payloads verbatim;
	// the broker does not interpret it.
	DispatchAfterCommit bool
}

// DefaultRetryAfter is the visibility timeout NewConfig sets on
// Config.RetryAfter.
const DefaultRetryAfter = 60 * time.Second

// NewConfig returns a Config with spec defaults: Default queue
// "default", RetryAfter 60s, BlockFor disabled (nil), and an
// unlimited MigrationBatchSize.
func NewConfig() Config {
	retryAfter := DefaultRetryAfter
	return Config{
		Default:            base.DefaultQueueName,
		RetryAfter:         &retryAfter,
		BlockFor:           nil,
		MigrationBatchSize: -1,
	}
}

func (c Config) withDefaults() Config {
	if c.Default == "" {
		c.Default = base.DefaultQueueName
	}
	if c.MigrationBatchSize == 0 {
		c.MigrationBatchSize = -1
	}
	return c
}

func (c Config) queueName(overrides []string) string {
	if len(overrides) > 0 && overrides[0] != "" {
		return overrides[0]
	}
	return c.Default
}
