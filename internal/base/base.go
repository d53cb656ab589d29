// Package base defines the Redis key layout and wire-level message shape
// shared by the broker façade and the atomic script layer.
package base

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cast"
)

// DefaultQueueName is used when callers do not specify a queue name.
const DefaultQueueName = "default"

// queuePrefix namespaces every queue key. Hash tags around the queue
// name keep a logical queue's four keys on the same cluster slot.
const queuePrefix = "queues:"

// QueueKey returns the ready-list key for the given queue name,
// falling back to DefaultQueueName when name is empty.
func QueueKey(name string) string {
	if name == "" {
		name = DefaultQueueName
	}
	return queuePrefix + "{" + name + "}"
}

// DelayedKey returns the delayed sorted-set key for the given queue name.
func DelayedKey(name string) string {
	return QueueKey(name) + ":delayed"
}

// ReservedKey returns the reserved sorted-set key for the given queue name.
func ReservedKey(name string) string {
	return QueueKey(name) + ":reserved"
}

// NotifyKey returns the notify-list key for the given queue name.
func NotifyKey(name string) string {
	return QueueKey(name) + ":notify"
}

// ValidateQueueName reports an error if name would produce a key that
// defeats hash-tagging (a queue name cannot itself contain braces).
func ValidateQueueName(name string) error {
	if strings.ContainsAny(name, "{}") {
		return fmt.Errorf("queue name %q must not contain '{' or '}'", name)
	}
	return nil
}

// Payload is the wire representation of a job: a plain JSON object.
// id, job, data, attempts, reserved_at, and dispatch_after_commit are
// the fields the broker interprets; every other top-level key a
// caller sets (via PushRaw) rides along untouched through every
// transition (push, pop, release, re-pop) because the whole object,
// not a fixed struct, is what gets marshaled and unmarshaled. The
// typed accessors below exist for convenience, not to restrict the
// shape.
type Payload map[string]interface{}

// NewPayload builds a Payload for job/data with no ID assigned yet.
func NewPayload(job string, data map[string]interface{}) Payload {
	p := Payload{"job": job}
	if data != nil {
		p["data"] = data
	}
	return p
}

func (p Payload) ID() string { return cast.ToString(p["id"]) }

func (p Payload) SetID(id string) { p["id"] = id }

func (p Payload) Job() string { return cast.ToString(p["job"]) }

// Data returns the job's opaque data sub-map, or nil if none was set.
func (p Payload) Data() map[string]interface{} {
	m, _ := p["data"].(map[string]interface{})
	return m
}

func (p Payload) Attempts() int { return cast.ToInt(p["attempts"]) }

// SetAttempts stores n as a float64, the type encoding/json decodes a
// JSON number into, so a payload built in Go compares equal to its own
// EncodePayload/DecodePayload round trip.
func (p Payload) SetAttempts(n int) { p["attempts"] = float64(n) }

func (p Payload) ReservedAt() int64 { return cast.ToInt64(p["reserved_at"]) }

func (p Payload) SetReservedAt(unixSeconds int64) { p["reserved_at"] = unixSeconds }

// DispatchAfterCommit is carried verbatim from Config; the broker
// never interprets it itself. It's a hint for callers that build the
// job inside a database transaction and want to defer visibility
// until that transaction commits.
func (p Payload) DispatchAfterCommit() bool { return cast.ToBool(p["dispatch_after_commit"]) }

func (p Payload) SetDispatchAfterCommit(b bool) { p["dispatch_after_commit"] = b }

// EncodePayload serializes a Payload to its wire format.
func EncodePayload(p Payload) ([]byte, error) {
	return json.Marshal(map[string]interface{}(p))
}

// DecodePayload parses a Payload from its wire format.
func DecodePayload(data []byte) (Payload, error) {
	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	return p, nil
}
