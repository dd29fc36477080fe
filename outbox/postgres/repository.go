package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/careloophq/lib-events/log"
	"github.com/careloophq/lib-events/outbox"
)

const defaultTableName = "outbox_events"

const maxSQLIdentifierLength = 63

var (
	ErrConnectionRequired       = errors.New("postgres connection is required")
	ErrTransactionRequired      = errors.New("postgres transaction is required")
	ErrStateTransitionConflict  = errors.New("outbox record state transition conflict")
	ErrLimitMustBePositive      = errors.New("limit must be greater than zero")
	ErrMaxRetriesMustBePositive = errors.New("maxRetries must be greater than zero")
	ErrIDRequired               = errors.New("id is required")
	ErrInvalidIdentifier        = errors.New("invalid sql identifier")

	identifierPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)
)

const recordColumns = "id, event_type, exchange, routing_key, payload, aggregate_type, aggregate_id, " +
	"status, retry_count, last_error, processed_at, correlation_id, caused_by, tenant_id, family_id, " +
	"created_at, updated_at"

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used for sanitized failure reporting.
func WithLogger(logger log.Logger) Option {
	return func(store *Store) {
		if logger != nil {
			store.logger = logger
		}
	}
}

// WithTableName overrides the outbox table name. The name is validated as a
// SQL identifier before any query is built from it.
func WithTableName(tableName string) Option {
	return func(store *Store) {
		store.tableName = tableName
	}
}

// WithTracer overrides the tracer used for store spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(store *Store) {
		if tracer != nil {
			store.tracer = tracer
		}
	}
}

// Store persists outbox records in PostgreSQL. It implements outbox.Store.
type Store struct {
	db        *sql.DB
	logger    log.Logger
	tracer    trace.Tracer
	tableName string
}

var _ outbox.Store = (*Store)(nil)

// NewStore creates a PostgreSQL outbox store over an open connection pool.
func NewStore(db *sql.DB, opts ...Option) (*Store, error) {
	if db == nil {
		return nil, ErrConnectionRequired
	}

	store := &Store{
		db:        db,
		logger:    log.NewNop(),
		tracer:    otel.Tracer("lib-events/outbox/postgres"),
		tableName: defaultTableName,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}

	store.tableName = strings.TrimSpace(store.tableName)
	if store.tableName == "" {
		store.tableName = defaultTableName
	}

	if err := validateIdentifier(store.tableName); err != nil {
		return nil, fmt.Errorf("table name: %w", err)
	}

	return store, nil
}

// CreateEvent inserts a PENDING record inside the caller's transaction, so
// the outbox row commits or rolls back with the aggregate change.
func (store *Store) CreateEvent(ctx context.Context, tx outbox.Tx, record *outbox.Record) (*outbox.Record, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if tx == nil {
		return nil, ErrTransactionRequired
	}

	if record == nil {
		return nil, outbox.ErrRecordRequired
	}

	ctx, span := store.tracer.Start(ctx, "postgres.create_outbox_event")
	defer span.End()

	query := "INSERT INTO " + quoteIdentifier(store.tableName) + " (" + recordColumns + ") " +
		"VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)"

	now := time.Now().UTC()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}

	record.UpdatedAt = record.CreatedAt

	_, err := tx.ExecContext(ctx, query,
		record.ID,
		record.EventType,
		record.Exchange,
		record.RoutingKey,
		record.Payload,
		record.AggregateType,
		record.AggregateID,
		record.Status,
		record.RetryCount,
		record.LastError,
		record.ProcessedAt,
		record.CorrelationID,
		record.CausedBy,
		record.TenantID,
		record.FamilyID,
		record.CreatedAt,
		record.UpdatedAt,
	)
	if err != nil {
		store.logFailure(ctx, "failed to create outbox record", err)

		return nil, fmt.Errorf("creating outbox record: %w", err)
	}

	return record, nil
}

// GetPendingEvents returns dispatchable records in creation order: PENDING
// rows plus FAILED rows still under the retry cap. PROCESSING rows are left
// alone so a concurrent relay pass is never disturbed.
func (store *Store) GetPendingEvents(ctx context.Context, limit, maxRetries int) ([]*outbox.Record, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if limit <= 0 {
		return nil, ErrLimitMustBePositive
	}

	if maxRetries <= 0 {
		return nil, ErrMaxRetriesMustBePositive
	}

	ctx, span := store.tracer.Start(ctx, "postgres.get_pending_outbox_events")
	defer span.End()

	query := "SELECT " + recordColumns + " FROM " + quoteIdentifier(store.tableName) +
		" WHERE status = $1 OR (status = $2 AND retry_count < $3)" +
		" ORDER BY created_at ASC LIMIT $4"

	rows, err := store.db.QueryContext(ctx, query,
		outbox.StatusPending, outbox.StatusFailed, maxRetries, limit)
	if err != nil {
		store.logFailure(ctx, "failed to query pending outbox records", err)

		return nil, fmt.Errorf("querying pending records: %w", err)
	}
	defer rows.Close()

	records := make([]*outbox.Record, 0, limit)

	for rows.Next() {
		record, scanErr := scanRecord(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scanning outbox record: %w", scanErr)
		}

		records = append(records, record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating outbox records: %w", err)
	}

	return records, nil
}

// MarkAsProcessing claims records via a conditional bulk update and returns
// the IDs actually claimed. Rows another relay already moved to PROCESSING
// (or that were finalized meanwhile) are excluded without error.
func (store *Store) MarkAsProcessing(ctx context.Context, ids []uuid.UUID) ([]uuid.UUID, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if len(ids) == 0 {
		return nil, nil
	}

	ctx, span := store.tracer.Start(ctx, "postgres.mark_outbox_processing")
	defer span.End()

	query := "UPDATE " + quoteIdentifier(store.tableName) +
		" SET status = $1, updated_at = $2" +
		" WHERE id = ANY($3::uuid[]) AND status = ANY($4::text[])" +
		" RETURNING id"

	claimable := []string{outbox.StatusPendingRaw, outbox.StatusFailedRaw}

	rows, err := store.db.QueryContext(ctx, query,
		outbox.StatusProcessing, time.Now().UTC(), ids, claimable)
	if err != nil {
		store.logFailure(ctx, "failed to claim outbox records", err)

		return nil, fmt.Errorf("claiming outbox records: %w", err)
	}
	defer rows.Close()

	claimed := make([]uuid.UUID, 0, len(ids))

	for rows.Next() {
		var id uuid.UUID
		if scanErr := rows.Scan(&id); scanErr != nil {
			return nil, fmt.Errorf("scanning claimed id: %w", scanErr)
		}

		claimed = append(claimed, id)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating claimed ids: %w", err)
	}

	return claimed, nil
}

// MarkAsProcessed finalizes a claimed record after broker confirmation.
func (store *Store) MarkAsProcessed(ctx context.Context, id uuid.UUID, processedAt time.Time) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if id == uuid.Nil {
		return ErrIDRequired
	}

	ctx, span := store.tracer.Start(ctx, "postgres.mark_outbox_processed")
	defer span.End()

	query := "UPDATE " + quoteIdentifier(store.tableName) +
		" SET status = $1, processed_at = $2, updated_at = $3" +
		" WHERE id = $4 AND status = $5"

	result, err := store.db.ExecContext(ctx, query,
		outbox.StatusProcessed, processedAt.UTC(), time.Now().UTC(), id, outbox.StatusProcessing)
	if err != nil {
		store.logFailure(ctx, "failed to mark outbox record processed", err)

		return fmt.Errorf("marking record processed: %w", err)
	}

	return ensureRowAffected(result)
}

// MarkAsFailed records a publish failure: the retry counter advances and a
// sanitized rendering of errMsg lands in last_error. The row stays
// re-claimable until the claim query's retry cap excludes it.
func (store *Store) MarkAsFailed(ctx context.Context, id uuid.UUID, errMsg string) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if id == uuid.Nil {
		return ErrIDRequired
	}

	ctx, span := store.tracer.Start(ctx, "postgres.mark_outbox_failed")
	defer span.End()

	query := "UPDATE " + quoteIdentifier(store.tableName) +
		" SET status = $1, retry_count = retry_count + 1, last_error = $2, updated_at = $3" +
		" WHERE id = $4 AND status = $5"

	result, err := store.db.ExecContext(ctx, query,
		outbox.StatusFailed, outbox.SanitizeErrorMessage(errMsg), time.Now().UTC(), id, outbox.StatusProcessing)
	if err != nil {
		store.logFailure(ctx, "failed to mark outbox record failed", err)

		return fmt.Errorf("marking record failed: %w", err)
	}

	return ensureRowAffected(result)
}

// ResetStuckProcessing reclaims PROCESSING records left behind by a relay
// that died between claiming and publishing. Stale rows move to FAILED
// without charging retry_count, so the next poll picks them up with their
// retry budget intact.
func (store *Store) ResetStuckProcessing(ctx context.Context, olderThan time.Duration) (int64, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if olderThan <= 0 {
		return 0, outbox.ErrRetentionMustBePositive
	}

	ctx, span := store.tracer.Start(ctx, "postgres.reset_stuck_outbox_processing")
	defer span.End()

	query := "UPDATE " + quoteIdentifier(store.tableName) +
		" SET status = $1, last_error = $2, updated_at = $3" +
		" WHERE status = $4 AND updated_at < $5"

	cutoff := time.Now().UTC().Add(-olderThan)

	result, err := store.db.ExecContext(ctx, query,
		outbox.StatusFailed, "reclaimed after stale processing claim", time.Now().UTC(),
		outbox.StatusProcessing, cutoff)
	if err != nil {
		store.logFailure(ctx, "failed to reset stuck outbox records", err)

		return 0, fmt.Errorf("resetting stuck records: %w", err)
	}

	reclaimed, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reading reclaim row count: %w", err)
	}

	return reclaimed, nil
}

// ReleaseEvents hands claimed-but-never-attempted records back to FAILED
// without charging retry_count. The relay uses it for the untouched tail of
// a batch it abandoned.
func (store *Store) ReleaseEvents(ctx context.Context, ids []uuid.UUID) (int64, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if len(ids) == 0 {
		return 0, nil
	}

	ctx, span := store.tracer.Start(ctx, "postgres.release_outbox_events")
	defer span.End()

	query := "UPDATE " + quoteIdentifier(store.tableName) +
		" SET status = $1, last_error = $2, updated_at = $3" +
		" WHERE id = ANY($4::uuid[]) AND status = $5"

	result, err := store.db.ExecContext(ctx, query,
		outbox.StatusFailed, "released before publish attempt", time.Now().UTC(),
		ids, outbox.StatusProcessing)
	if err != nil {
		store.logFailure(ctx, "failed to release claimed outbox records", err)

		return 0, fmt.Errorf("releasing claimed records: %w", err)
	}

	released, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reading release row count: %w", err)
	}

	return released, nil
}

// CleanupProcessedEvents deletes PROCESSED records older than the retention
// window. Records in any other status survive regardless of age.
func (store *Store) CleanupProcessedEvents(ctx context.Context, olderThan time.Duration) (int64, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if olderThan <= 0 {
		return 0, outbox.ErrRetentionMustBePositive
	}

	ctx, span := store.tracer.Start(ctx, "postgres.cleanup_outbox_processed")
	defer span.End()

	query := "DELETE FROM " + quoteIdentifier(store.tableName) +
		" WHERE status = $1 AND processed_at < $2"

	cutoff := time.Now().UTC().Add(-olderThan)

	result, err := store.db.ExecContext(ctx, query, outbox.StatusProcessed, cutoff)
	if err != nil {
		store.logFailure(ctx, "failed to clean up processed outbox records", err)

		return 0, fmt.Errorf("cleaning up processed records: %w", err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reading cleanup row count: %w", err)
	}

	return deleted, nil
}

// GetStats counts records per status.
func (store *Store) GetStats(ctx context.Context) (outbox.Stats, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	ctx, span := store.tracer.Start(ctx, "postgres.get_outbox_stats")
	defer span.End()

	query := "SELECT status, COUNT(*) FROM " + quoteIdentifier(store.tableName) + " GROUP BY status"

	rows, err := store.db.QueryContext(ctx, query)
	if err != nil {
		store.logFailure(ctx, "failed to query outbox stats", err)

		return outbox.Stats{}, fmt.Errorf("querying outbox stats: %w", err)
	}
	defer rows.Close()

	var stats outbox.Stats

	for rows.Next() {
		var (
			rawStatus string
			count     int64
		)

		if scanErr := rows.Scan(&rawStatus, &count); scanErr != nil {
			return outbox.Stats{}, fmt.Errorf("scanning outbox stats: %w", scanErr)
		}

		switch outbox.Status(rawStatus) {
		case outbox.StatusPending:
			stats.Pending = count
		case outbox.StatusProcessing:
			stats.Processing = count
		case outbox.StatusProcessed:
			stats.Processed = count
		case outbox.StatusFailed:
			stats.Failed = count
		}
	}

	if err := rows.Err(); err != nil {
		return outbox.Stats{}, fmt.Errorf("iterating outbox stats: %w", err)
	}

	return stats, nil
}

func (store *Store) logFailure(ctx context.Context, message string, err error) {
	log.SafeError(store.logger, ctx, message, errors.New(outbox.SanitizeError(err)))
}

func scanRecord(scanner interface{ Scan(dest ...any) error }) (*outbox.Record, error) {
	var (
		record      outbox.Record
		rawStatus   string
		processedAt sql.NullTime
	)

	err := scanner.Scan(
		&record.ID,
		&record.EventType,
		&record.Exchange,
		&record.RoutingKey,
		&record.Payload,
		&record.AggregateType,
		&record.AggregateID,
		&rawStatus,
		&record.RetryCount,
		&record.LastError,
		&processedAt,
		&record.CorrelationID,
		&record.CausedBy,
		&record.TenantID,
		&record.FamilyID,
		&record.CreatedAt,
		&record.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	status, err := outbox.ParseStatus(rawStatus)
	if err != nil {
		return nil, err
	}

	record.Status = status

	if processedAt.Valid {
		t := processedAt.Time
		record.ProcessedAt = &t
	}

	return &record, nil
}

func ensureRowAffected(result sql.Result) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("reading affected rows: %w", err)
	}

	if affected == 0 {
		return ErrStateTransitionConflict
	}

	return nil
}

func validateIdentifier(identifier string) error {
	if identifier == "" || len(identifier) > maxSQLIdentifierLength {
		return fmt.Errorf("%w: %q", ErrInvalidIdentifier, identifier)
	}

	if !identifierPattern.MatchString(identifier) {
		return fmt.Errorf("%w: %q", ErrInvalidIdentifier, identifier)
	}

	return nil
}

func quoteIdentifier(identifier string) string {
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
