package consumer

import (
	"context"
	"errors"

	"github.com/careloophq/lib-events/event"
	"github.com/careloophq/lib-events/log"
	"github.com/careloophq/lib-events/outbox"
	"github.com/careloophq/lib-events/rabbitmq"
)

var ErrAuditWriterRequired = errors.New("audit writer is required")

// AuditWriter persists one audit entry. Implementations should key on the
// envelope id so a redelivered entry overwrites rather than duplicates.
type AuditWriter interface {
	Record(ctx context.Context, env *event.Envelope) error
}

// AuditSink drains the audit fanout queue. It never requeues: audit capture
// must not apply backpressure to the platform, so a failed write is logged
// and the delivery acknowledged anyway.
type AuditSink struct {
	writer AuditWriter
	logger log.Logger
}

// NewAuditSink builds the sink handler factory.
func NewAuditSink(writer AuditWriter, logger log.Logger) (*AuditSink, error) {
	if writer == nil {
		return nil, ErrAuditWriterRequired
	}

	if logger == nil {
		logger = log.NewNop()
	}

	return &AuditSink{writer: writer, logger: logger}, nil
}

// Handle writes the entry and always acknowledges.
func (sink *AuditSink) Handle(ctx context.Context, env *event.Envelope) rabbitmq.Action {
	if sink == nil || env == nil {
		return rabbitmq.Ack
	}

	if err := sink.writer.Record(ctx, env); err != nil {
		sink.logger.Log(ctx, log.LevelError, "audit write failed, entry dropped",
			log.String("event_id", env.ID.String()),
			log.String("event_type", env.Type.String()),
			log.String("error_detail", outbox.SanitizeError(err)))
	}

	return rabbitmq.Ack
}

// LogAuditWriter records entries to the structured log. It backs deployments
// where the log pipeline is the audit store of record.
type LogAuditWriter struct {
	logger log.Logger
}

// NewLogAuditWriter wraps a logger as an AuditWriter.
func NewLogAuditWriter(logger log.Logger) *LogAuditWriter {
	if logger == nil {
		logger = log.NewNop()
	}

	return &LogAuditWriter{logger: logger}
}

func (writer *LogAuditWriter) Record(ctx context.Context, env *event.Envelope) error {
	if writer == nil || env == nil {
		return nil
	}

	writer.logger.Log(ctx, log.LevelInfo, "audit",
		log.String("event_id", env.ID.String()),
		log.String("event_type", env.Type.String()),
		log.String("tenant_id", env.TenantID),
		log.String("family_id", env.FamilyID),
		log.String("caused_by", env.CausedBy),
		log.String("correlation_id", env.CorrelationID),
		log.Any("timestamp", env.Timestamp))

	return nil
}
