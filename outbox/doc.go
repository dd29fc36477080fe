// Package outbox implements the storage side of the transactional outbox
// pattern: domain events are written as durable records in the same database
// transaction as the aggregate change that produced them, then claimed and
// relayed to the broker by a background processor.
//
// The package defines the Record shape, the status state machine that guards
// the relay's claim semantics, and the Store contract that concrete database
// backends (see the postgres subpackage) implement.
package outbox
