// Package publisher is the producer-facing façade over the outbox and the
// broker. Domain services call it instead of touching either directly:
// durable sends write an outbox record inside the caller's transaction and
// are relayed later; direct sends bypass the store for loss-tolerant events
// and ride a circuit breaker so a dead broker fails fast.
//
// Safety-critical event types always travel the durable path. The override
// is an invariant of Publish, not a default callers can disable.
package publisher
