// Package relay moves committed outbox records to the broker. A fixed
// interval tick claims a bounded batch of dispatchable records through the
// store's conditional update, publishes them sequentially with confirm-mode
// semantics, and advances each record's state machine. The same scheduler
// runs retention cleanup and a periodic stats report.
//
// Delivery is at-least-once: a crash between broker confirm and the
// PROCESSED update republishes the record, so consumers deduplicate on the
// envelope id.
package relay
