// Package rabbitmq provides the broker side of the event pipeline: a
// mutex-guarded connection hub with reconnect backoff, the exchange and queue
// topology declared at startup, a confirm-mode publisher, and a consumer
// runner that maps handler outcomes onto ack, requeue, or dead-letter.
package rabbitmq
