//go:build unit

package event

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEnvelopeDefaults(t *testing.T) {
	t.Parallel()

	envelope, err := NewEnvelope(TypeAppointmentCreated, json.RawMessage(`{"appointmentId":"A1"}`))
	require.NoError(t, err)

	assert.NotEqual(t, uuid.Nil, envelope.ID)
	assert.Equal(t, Source, envelope.Source)
	assert.Equal(t, SpecVersion, envelope.SpecVersion)
	assert.WithinDuration(t, time.Now().UTC(), envelope.Timestamp, time.Minute)
	assert.Empty(t, envelope.CorrelationID)
}

func TestNewEnvelopeValidation(t *testing.T) {
	t.Parallel()

	_, err := NewEnvelope(Type("unknown.kind"), json.RawMessage(`{}`))
	assert.ErrorIs(t, err, ErrUnknownType)

	_, err = NewEnvelope(TypeDocumentShared, nil)
	assert.ErrorIs(t, err, ErrEnvelopeDataRequired)

	_, err = NewEnvelope(TypeDocumentShared, json.RawMessage(`{"broken":`))
	assert.ErrorIs(t, err, ErrEnvelopeDataNotJSON)

	oversized := append([]byte(`{"blob":"`), bytes.Repeat([]byte("x"), MaxDataBytes)...)
	oversized = append(oversized, []byte(`"}`)...)
	_, err = NewEnvelope(TypeDocumentShared, oversized)
	assert.ErrorIs(t, err, ErrEnvelopeDataTooLarge)

	_, err = NewEnvelope(TypeDocumentShared, json.RawMessage(`{}`), WithCorrelationID("not-a-uuid"))
	assert.ErrorIs(t, err, ErrEnvelopeInvalid)
}

func TestEnvelopeRoundTrip(t *testing.T) {
	t.Parallel()

	payload := json.RawMessage(`{"medication":"amoxicillin","doseMg":250,"taken":true}`)
	correlationID := uuid.NewString()

	original, err := NewEnvelope(TypeMedicationLogged, payload,
		WithCorrelationID(correlationID),
		WithCausedBy("user-77"),
		WithTenancy("tenant-9", "family-4"),
	)
	require.NoError(t, err)

	encoded, err := original.Encode()
	require.NoError(t, err)

	decoded, err := DecodeEnvelope(encoded)
	require.NoError(t, err)

	assert.Equal(t, original.ID, decoded.ID)
	assert.Equal(t, TypeMedicationLogged, decoded.Type)
	assert.Equal(t, correlationID, decoded.CorrelationID)
	assert.Equal(t, "user-77", decoded.CausedBy)
	assert.Equal(t, "tenant-9", decoded.TenantID)
	assert.Equal(t, "family-4", decoded.FamilyID)
	assert.JSONEq(t, string(payload), string(decoded.Data))
}

func TestDecodeEnvelopeRejectsGarbage(t *testing.T) {
	t.Parallel()

	_, err := DecodeEnvelope([]byte("not json"))
	require.Error(t, err)

	_, err = DecodeEnvelope([]byte(`{"id":"` + uuid.NewString() + `","type":"mystery.kind","source":"x","specVersion":"1.0","timestamp":"2026-01-02T03:04:05Z","data":{}}`))
	assert.ErrorIs(t, err, ErrUnknownType)
}
