package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// Source identifies this platform in every envelope.
const Source = "careloop.platform"

// SpecVersion is the envelope schema version.
const SpecVersion = "1.0"

// MaxDataBytes bounds the opaque data document carried by one envelope.
const MaxDataBytes = 1 << 20

var (
	ErrEnvelopeDataRequired = errors.New("envelope data is required")
	ErrEnvelopeDataTooLarge = errors.New("envelope data exceeds maximum allowed size")
	ErrEnvelopeDataNotJSON  = errors.New("envelope data must be a valid JSON document")
	ErrEnvelopeInvalid      = errors.New("envelope failed validation")
)

var envelopeValidator = validator.New(validator.WithRequiredStructEnabled())

// Envelope is the immutable wire form of a domain event. Data is an opaque
// structured document: the envelope's typed fields never depend on its shape,
// which keeps schema evolution inside the payload.
type Envelope struct {
	ID            uuid.UUID       `json:"id" validate:"required"`
	Type          Type            `json:"type" validate:"required"`
	Source        string          `json:"source" validate:"required"`
	Timestamp     time.Time       `json:"timestamp" validate:"required"`
	SpecVersion   string          `json:"specVersion" validate:"required"`
	Data          json.RawMessage `json:"data" validate:"required"`
	CorrelationID string          `json:"correlationId,omitempty" validate:"omitempty,uuid"`
	CausedBy      string          `json:"causedBy,omitempty"`
	TenantID      string          `json:"tenantId,omitempty"`
	FamilyID      string          `json:"familyId,omitempty"`
}

// EnvelopeOption sets optional correlation and tenancy fields.
type EnvelopeOption func(*Envelope)

// WithCorrelationID links the envelope to an originating request or event.
func WithCorrelationID(correlationID string) EnvelopeOption {
	return func(envelope *Envelope) {
		envelope.CorrelationID = correlationID
	}
}

// WithCausedBy records the actor that triggered the event.
func WithCausedBy(actorID string) EnvelopeOption {
	return func(envelope *Envelope) {
		envelope.CausedBy = actorID
	}
}

// WithTenancy scopes the envelope to a tenant and family.
func WithTenancy(tenantID, familyID string) EnvelopeOption {
	return func(envelope *Envelope) {
		envelope.TenantID = tenantID
		envelope.FamilyID = familyID
	}
}

// NewEnvelope builds a validated envelope around an opaque JSON document.
func NewEnvelope(eventType Type, data json.RawMessage, opts ...EnvelopeOption) (*Envelope, error) {
	return NewEnvelopeWithID(uuid.New(), eventType, data, opts...)
}

// NewEnvelopeWithID builds a validated envelope with a caller-provided id,
// used by the relay so messageId always equals the outbox record id.
func NewEnvelopeWithID(id uuid.UUID, eventType Type, data json.RawMessage, opts ...EnvelopeOption) (*Envelope, error) {
	if !eventType.IsValid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, eventType)
	}

	if len(data) == 0 {
		return nil, ErrEnvelopeDataRequired
	}

	if len(data) > MaxDataBytes {
		return nil, ErrEnvelopeDataTooLarge
	}

	if !json.Valid(data) {
		return nil, ErrEnvelopeDataNotJSON
	}

	envelope := &Envelope{
		ID:          id,
		Type:        eventType,
		Source:      Source,
		Timestamp:   time.Now().UTC(),
		SpecVersion: SpecVersion,
		Data:        data,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(envelope)
		}
	}

	if err := envelopeValidator.Struct(envelope); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEnvelopeInvalid, err)
	}

	return envelope, nil
}

// Encode serializes the envelope for publishing.
func (envelope *Envelope) Encode() ([]byte, error) {
	if envelope == nil {
		return nil, ErrEnvelopeInvalid
	}

	encoded, err := json.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("encoding envelope: %w", err)
	}

	return encoded, nil
}

// DecodeEnvelope parses and validates a received envelope. Consumers use it
// as the single entry point so malformed deliveries fail before any handler
// side effects run.
func DecodeEnvelope(raw []byte) (*Envelope, error) {
	var envelope Envelope

	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("decoding envelope: %w", err)
	}

	if !envelope.Type.IsValid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, envelope.Type)
	}

	if err := envelopeValidator.Struct(&envelope); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEnvelopeInvalid, err)
	}

	return &envelope, nil
}
