package outbox

import "errors"

var (
	ErrRecordRequired          = errors.New("outbox record is required")
	ErrStoreRequired           = errors.New("outbox store is required")
	ErrPayloadRequired         = errors.New("outbox record payload is required")
	ErrPayloadTooLarge         = errors.New("outbox record payload exceeds maximum allowed size")
	ErrPayloadNotJSON          = errors.New("outbox record payload must be valid JSON (stored as JSONB)")
	ErrAggregateRequired       = errors.New("aggregate type and id are required")
	ErrStatusInvalid           = errors.New("invalid outbox status")
	ErrTransitionInvalid       = errors.New("invalid outbox status transition")
	ErrRetryCapMustBePositive  = errors.New("retry cap must be greater than zero")
	ErrRetentionMustBePositive = errors.New("retention days must be greater than zero")
)
