// Package consumer holds the platform's three delivery handlers: the
// websocket bridge, the notification dispatcher, and the audit sink. Each is
// a rabbitmq.Handler factory around an injected side-effect interface, so
// the broker plumbing stays in package rabbitmq and the handlers stay
// testable without a running broker.
//
// Delivery is at-least-once. Every handler tolerates redelivery: the
// dispatcher deduplicates on envelope id, the bridge re-broadcasts (clients
// reconcile against server state), and the audit sink's writer keys on the
// envelope id.
package consumer
