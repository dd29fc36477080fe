package outbox

import "fmt"

// Status raw string values as persisted in the outbox_status enum column.
const (
	StatusPendingRaw    = "PENDING"
	StatusProcessingRaw = "PROCESSING"
	StatusProcessedRaw  = "PROCESSED"
	StatusFailedRaw     = "FAILED"
)

// Status represents an outbox record lifecycle state.
type Status string

const (
	StatusPending    Status = StatusPendingRaw
	StatusProcessing Status = StatusProcessingRaw
	StatusProcessed  Status = StatusProcessedRaw
	StatusFailed     Status = StatusFailedRaw
)

// ParseStatus validates and converts a raw string status.
func ParseStatus(raw string) (Status, error) {
	status := Status(raw)

	if !status.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrStatusInvalid, raw)
	}

	return status, nil
}

// IsValid reports whether the status is part of the outbox lifecycle.
func (status Status) IsValid() bool {
	switch status {
	case StatusPending, StatusProcessing, StatusProcessed, StatusFailed:
		return true
	default:
		return false
	}
}

// CanTransitionTo reports whether a transition from status to next is
// allowed. PROCESSED is terminal; FAILED is re-claimable (the retry cap is
// enforced by the claim query, not by the state machine).
func (status Status) CanTransitionTo(next Status) bool {
	switch status {
	case StatusPending:
		return next == StatusProcessing
	case StatusFailed:
		return next == StatusProcessing
	case StatusProcessing:
		return next == StatusProcessed || next == StatusFailed
	case StatusProcessed:
		return false
	default:
		return false
	}
}

// ValidateTransition validates a raw status transition using typed rules.
func ValidateTransition(fromRaw, toRaw string) error {
	from, err := ParseStatus(fromRaw)
	if err != nil {
		return fmt.Errorf("from status: %w", err)
	}

	to, err := ParseStatus(toRaw)
	if err != nil {
		return fmt.Errorf("to status: %w", err)
	}

	if !from.CanTransitionTo(to) {
		return fmt.Errorf("%w: %s -> %s", ErrTransitionInvalid, from, to)
	}

	return nil
}

func (status Status) String() string {
	return string(status)
}
