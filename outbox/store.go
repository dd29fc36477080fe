package outbox

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// Tx is the transactional handle used by CreateEvent.
//
// It intentionally aliases *sql.Tx so the store contract composes with the
// caller's existing database/sql transaction orchestration. The outbox write
// must share the transaction of the aggregate mutation it describes; an
// adapter layer here would make that coupling easy to break by accident.
type Tx = *sql.Tx

// Store defines persistence operations for outbox records.
//
// CreateEvent runs inside the caller's transaction; every other operation is
// invoked by the relay (or operational endpoints) outside any business
// transaction.
type Store interface {
	// CreateEvent inserts a PENDING record inside the caller's transaction.
	// The record commits or rolls back atomically with the aggregate change.
	CreateEvent(ctx context.Context, tx Tx, record *Record) (*Record, error)

	// GetPendingEvents returns dispatchable records ordered by created_at
	// ascending: rows that are PENDING, plus FAILED rows whose retry_count
	// is still below maxRetries. PROCESSING and PROCESSED rows are never
	// returned.
	GetPendingEvents(ctx context.Context, limit, maxRetries int) ([]*Record, error)

	// MarkAsProcessing claims the given records for this relay pass via a
	// conditional bulk update, returning the IDs actually claimed. Rows
	// that a concurrent claimer already moved out of a claimable status
	// are silently excluded from the result.
	MarkAsProcessing(ctx context.Context, ids []uuid.UUID) ([]uuid.UUID, error)

	// MarkAsProcessed finalizes a record after broker confirmation,
	// stamping processed_at.
	MarkAsProcessed(ctx context.Context, id uuid.UUID, processedAt time.Time) error

	// MarkAsFailed records a publish failure: increments retry_count and
	// stores a sanitized rendering of errMsg in last_error.
	MarkAsFailed(ctx context.Context, id uuid.UUID, errMsg string) error

	// ResetStuckProcessing reclaims PROCESSING records whose updated_at is
	// older than olderThan, moving them to FAILED without charging
	// retry_count, and returns the number reclaimed. A relay that dies
	// between claiming and publishing leaves its rows PROCESSING forever;
	// this hands them back to the normal poll on the next pass.
	ResetStuckProcessing(ctx context.Context, olderThan time.Duration) (int64, error)

	// ReleaseEvents returns claimed records that were never attempted back
	// to FAILED without charging retry_count, and returns the number
	// released. Used when a relay pass aborts mid-batch.
	ReleaseEvents(ctx context.Context, ids []uuid.UUID) (int64, error)

	// CleanupProcessedEvents deletes PROCESSED records older than the given
	// retention window and returns the number removed. Records in any other
	// status are retained regardless of age.
	CleanupProcessedEvents(ctx context.Context, olderThan time.Duration) (int64, error)

	// GetStats counts records per status.
	GetStats(ctx context.Context) (Stats, error)
}

// Stats is a point-in-time count of records per status.
type Stats struct {
	Pending    int64 `json:"pending"`
	Processing int64 `json:"processing"`
	Processed  int64 `json:"processed"`
	Failed     int64 `json:"failed"`
}

// Total sums all status buckets.
func (s Stats) Total() int64 {
	return s.Pending + s.Processing + s.Processed + s.Failed
}
