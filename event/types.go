package event

import (
	"fmt"
	"strings"
)

// Type is a dot-hierarchical event type. The first segment is the category
// and doubles as the routing-key prefix on the domain-events topic exchange.
type Type string

// Domain event vocabulary. Producers and consumers share these constants
// instead of matching on string conventions.
const (
	TypeAppointmentCreated   Type = "appointment.created"
	TypeAppointmentUpdated   Type = "appointment.updated"
	TypeAppointmentCancelled Type = "appointment.cancelled"
	TypeAppointmentReminder  Type = "appointment.reminder"

	TypeDocumentUploaded Type = "document.uploaded"
	TypeDocumentShared   Type = "document.shared"
	TypeDocumentDeleted  Type = "document.deleted"

	TypeFamilyMemberAdded   Type = "family.member_added"
	TypeFamilyMemberRemoved Type = "family.member_removed"
	TypeFamilyRoleChanged   Type = "family.role_changed"

	TypeMedicationLogged Type = "medication.logged"
	TypeMedicationMissed Type = "medication.missed"

	TypeEmergencyAlertRaised  Type = "emergency.alert_raised"
	TypeEmergencyAlertCleared Type = "emergency.alert_cleared"

	TypeAuditAccess Type = "audit.access"
	TypeAuditChange Type = "audit.change"
)

// ErrUnknownType is returned when a raw string is not part of the vocabulary.
var ErrUnknownType = fmt.Errorf("unknown event type")

var knownTypes = map[Type]struct{}{
	TypeAppointmentCreated:    {},
	TypeAppointmentUpdated:    {},
	TypeAppointmentCancelled:  {},
	TypeAppointmentReminder:   {},
	TypeDocumentUploaded:      {},
	TypeDocumentShared:        {},
	TypeDocumentDeleted:       {},
	TypeFamilyMemberAdded:     {},
	TypeFamilyMemberRemoved:   {},
	TypeFamilyRoleChanged:     {},
	TypeMedicationLogged:      {},
	TypeMedicationMissed:      {},
	TypeEmergencyAlertRaised:  {},
	TypeEmergencyAlertCleared: {},
	TypeAuditAccess:           {},
	TypeAuditChange:           {},
}

// ParseType validates a raw string against the vocabulary.
func ParseType(raw string) (Type, error) {
	parsed := Type(strings.TrimSpace(raw))

	if !parsed.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownType, raw)
	}

	return parsed, nil
}

// IsValid reports whether the type is part of the vocabulary.
func (eventType Type) IsValid() bool {
	_, ok := knownTypes[eventType]

	return ok
}

// Category returns the segment before the first dot ("appointment",
// "emergency", ...). Empty for invalid values.
func (eventType Type) Category() string {
	raw := string(eventType)

	idx := strings.IndexByte(raw, '.')
	if idx <= 0 {
		return ""
	}

	return raw[:idx]
}

// SafetyCritical reports whether the type must always travel the durable
// outbox path. Callers cannot opt emergency events out of durability.
func (eventType Type) SafetyCritical() bool {
	return eventType.Category() == "emergency"
}

// AuditCategory reports whether the type belongs to the fire-and-forget
// audit stream, whose direct-path publish failures are swallowed.
func (eventType Type) AuditCategory() bool {
	return eventType.Category() == "audit"
}

func (eventType Type) String() string {
	return string(eventType)
}

// Types returns the full vocabulary, for topology declaration and tests.
func Types() []Type {
	all := make([]Type, 0, len(knownTypes))
	for eventType := range knownTypes {
		all = append(all, eventType)
	}

	return all
}
