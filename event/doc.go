// Package event defines the platform event vocabulary, the wire envelope, and
// the broker routing table shared by producers and consumers.
package event
