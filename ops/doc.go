// Package ops exposes the outbox's small operational HTTP surface: per-status
// counts and a manual retention cleanup trigger. It is meant to be mounted on
// an internal port, not the public API.
package ops
