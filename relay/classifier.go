package relay

import (
	"context"
	"errors"

	"github.com/careloophq/lib-events/event"
	"github.com/careloophq/lib-events/outbox"
	"github.com/careloophq/lib-events/rabbitmq"
)

// FailureKind sorts publish failures by how the relay reacts to them.
type FailureKind int

const (
	// TransientBrokerFailure covers connection loss, confirm timeouts, and
	// broker nacks. The whole broker is suspect, so the relay aborts the
	// remainder of the batch and lets the next tick retry.
	TransientBrokerFailure FailureKind = iota

	// PermanentRecordFailure covers serialization and validation failures
	// local to one record. Other records in the batch are unaffected and
	// the pass continues.
	PermanentRecordFailure
)

func (kind FailureKind) String() string {
	if kind == PermanentRecordFailure {
		return "permanent"
	}

	return "transient"
}

// Classifier maps a publish error onto a FailureKind.
type Classifier interface {
	Classify(err error) FailureKind
}

// ClassifierFunc adapts a function to the Classifier interface.
type ClassifierFunc func(err error) FailureKind

func (fn ClassifierFunc) Classify(err error) FailureKind {
	if fn == nil {
		return TransientBrokerFailure
	}

	return fn(err)
}

// DefaultClassifier treats record-local encode and validation errors as
// permanent and everything else as a transient broker failure. Unknown
// errors default to transient: retrying a permanent error wastes a few
// attempts, while dropping the batch on a transient one delays delivery.
func DefaultClassifier() Classifier {
	return ClassifierFunc(func(err error) FailureKind {
		switch {
		case err == nil:
			return PermanentRecordFailure
		case errors.Is(err, event.ErrUnknownType),
			errors.Is(err, event.ErrEnvelopeInvalid),
			errors.Is(err, rabbitmq.ErrEnvelopeRequired),
			errors.Is(err, outbox.ErrPayloadNotJSON),
			errors.Is(err, outbox.ErrPayloadTooLarge):
			return PermanentRecordFailure
		case errors.Is(err, rabbitmq.ErrConfirmTimeout),
			errors.Is(err, rabbitmq.ErrPublishNacked),
			errors.Is(err, rabbitmq.ErrPublisherClosed),
			errors.Is(err, context.DeadlineExceeded):
			return TransientBrokerFailure
		default:
			return TransientBrokerFailure
		}
	})
}
