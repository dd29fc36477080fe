package outbox

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/careloophq/lib-events/event"
)

// DefaultMaxPayloadBytes bounds the JSON document persisted per record.
const DefaultMaxPayloadBytes = 1 << 20

// Record is one durable outbox row: a domain event awaiting relay to the
// broker. Created in the same transaction as the aggregate mutation it
// describes; mutated only by the relay; deleted only by retention cleanup.
type Record struct {
	ID            uuid.UUID
	EventType     event.Type
	Exchange      string
	RoutingKey    string
	Payload       json.RawMessage
	AggregateType string
	AggregateID   string
	Status        Status
	RetryCount    int
	LastError     string
	ProcessedAt   *time.Time
	CorrelationID string
	CausedBy      string
	TenantID      string
	FamilyID      string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// NewRecordParams carries the caller-supplied fields for a new record.
type NewRecordParams struct {
	EventType     event.Type
	Payload       json.RawMessage
	AggregateType string
	AggregateID   string
	CorrelationID string
	CausedBy      string
	TenantID      string
	FamilyID      string
}

// NewRecord creates a valid pending record. The broker destination is
// resolved from the vocabulary routing table, never supplied by callers.
func NewRecord(params NewRecordParams) (*Record, error) {
	if !params.EventType.IsValid() {
		return nil, fmt.Errorf("%w: %q", event.ErrUnknownType, params.EventType)
	}

	if len(params.Payload) == 0 {
		return nil, ErrPayloadRequired
	}

	if len(params.Payload) > DefaultMaxPayloadBytes {
		return nil, ErrPayloadTooLarge
	}

	if !json.Valid(params.Payload) {
		return nil, ErrPayloadNotJSON
	}

	if params.AggregateType == "" || params.AggregateID == "" {
		return nil, ErrAggregateRequired
	}

	route := event.RouteFor(params.EventType)
	now := time.Now().UTC()

	return &Record{
		ID:            uuid.New(),
		EventType:     params.EventType,
		Exchange:      route.Exchange,
		RoutingKey:    route.RoutingKey,
		Payload:       params.Payload,
		AggregateType: params.AggregateType,
		AggregateID:   params.AggregateID,
		Status:        StatusPending,
		RetryCount:    0,
		CorrelationID: params.CorrelationID,
		CausedBy:      params.CausedBy,
		TenantID:      params.TenantID,
		FamilyID:      params.FamilyID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

// Envelope builds the wire envelope for this record. The envelope id equals
// the record id, so broker-side deduplication and tracing line up with the
// outbox row.
func (record *Record) Envelope() (*event.Envelope, error) {
	if record == nil {
		return nil, ErrRecordRequired
	}

	return event.NewEnvelopeWithID(
		record.ID,
		record.EventType,
		record.Payload,
		event.WithCorrelationID(record.CorrelationID),
		event.WithCausedBy(record.CausedBy),
		event.WithTenancy(record.TenantID, record.FamilyID),
	)
}
