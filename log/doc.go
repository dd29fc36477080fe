// Package log defines the structured logging contract used across the event
// pipeline, with a zap-backed production implementation and a nop fallback.
package log
