package testutil

import (
	"github.com/relaycode/redisqueue/internal/base"
	"github.com/relaycode/redisqueue/internal/idgen"
)

func makeDefaultPayload() base.Payload {
	p := base.NewPayload("default_job", nil)
	p.SetID(idgen.RandomID())
	return p
}

// PayloadBuilder builds a base.Payload for use in tests, filling in a
// random ID and a placeholder job name unless overridden. Set exposes
// arbitrary top-level fields directly, for exercising the
// round-trip-preservation invariant P6 covers.
type PayloadBuilder struct {
	payload base.Payload
}

func NewPayloadBuilder() *PayloadBuilder {
	return &PayloadBuilder{}
}

func (b *PayloadBuilder) lazyInit() {
	if b.payload == nil {
		b.payload = makeDefaultPayload()
	}
}

func (b *PayloadBuilder) Build() base.Payload {
	b.lazyInit()
	return b.payload
}

func (b *PayloadBuilder) SetID(id string) *PayloadBuilder {
	b.lazyInit()
	b.payload.SetID(id)
	return b
}

func (b *PayloadBuilder) SetJob(job string) *PayloadBuilder {
	b.lazyInit()
	b.payload["job"] = job
	return b
}

func (b *PayloadBuilder) SetData(data map[string]interface{}) *PayloadBuilder {
	b.lazyInit()
	b.payload["data"] = data
	return b
}

func (b *PayloadBuilder) SetAttempts(n int) *PayloadBuilder {
	b.lazyInit()
	b.payload.SetAttempts(n)
	return b
}

func (b *PayloadBuilder) SetReservedAt(unixSeconds int64) *PayloadBuilder {
	b.lazyInit()
	b.payload.SetReservedAt(unixSeconds)
	return b
}

// Set attaches an arbitrary top-level field to the payload under
// construction, outside the id/job/data/attempts/reserved_at set the
// broker itself interprets.
func (b *PayloadBuilder) Set(key string, value interface{}) *PayloadBuilder {
	b.lazyInit()
	b.payload[key] = value
	return b
}
