// Package postgres implements outbox.Store on PostgreSQL.
//
// The store operates on a single shared outbox_events table with a tenant_id
// column; row claiming is a conditional bulk UPDATE so several relay
// instances can share the table without double-publishing. Schema migrations
// are embedded and applied with Migrate.
package postgres
