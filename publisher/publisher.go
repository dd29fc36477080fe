package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/careloophq/lib-events/event"
	"github.com/careloophq/lib-events/log"
	"github.com/careloophq/lib-events/outbox"
	"github.com/careloophq/lib-events/rabbitmq"
)

var (
	ErrStoreRequired           = errors.New("publisher store is required")
	ErrBrokerRequired          = errors.New("publisher broker is required")
	ErrTransactionRequired     = errors.New("durable publish requires the caller's transaction")
	ErrBrokerUnavailable       = errors.New("broker unavailable, circuit breaker rejected the send")
	ErrDirectDeliveryForbidden = errors.New("safety-critical events cannot be sent direct")
	ErrNotAuditType            = errors.New("event type is not in the audit category")
	ErrNotEmergencyType        = errors.New("event type is not in the emergency category")
)

// Broker is the confirm-mode publish surface used by the direct path.
type Broker interface {
	Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error
}

// Aggregate identifies the domain entity a durable event describes.
type Aggregate struct {
	Type string
	ID   string
}

// Publisher routes producer sends to the outbox (durable) or the broker
// (direct). Safe for concurrent use.
type Publisher struct {
	store   outbox.Store
	broker  Broker
	breaker *gobreaker.CircuitBreaker
	logger  log.Logger
	tracer  trace.Tracer
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithLogger sets the publisher logger.
func WithLogger(logger log.Logger) Option {
	return func(pub *Publisher) {
		if logger != nil {
			pub.logger = logger
		}
	}
}

// WithTracer sets the publisher tracer.
func WithTracer(tracer trace.Tracer) Option {
	return func(pub *Publisher) {
		if tracer != nil {
			pub.tracer = tracer
		}
	}
}

// WithBreakerSettings replaces the default circuit breaker settings for the
// direct path.
func WithBreakerSettings(settings gobreaker.Settings) Option {
	return func(pub *Publisher) {
		pub.breaker = gobreaker.NewCircuitBreaker(settings)
	}
}

// defaultBreakerSettings trip the direct path after a run of consecutive
// failures or a sustained failure ratio, then probe with a few requests.
func defaultBreakerSettings() gobreaker.Settings {
	return gobreaker.Settings{
		Name:        "rabbitmq-direct",
		MaxRequests: 3,
		Interval:    2 * time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)

			return counts.ConsecutiveFailures >= 5 ||
				(counts.Requests >= 10 && failureRatio >= 0.5)
		},
	}
}

// New creates a publisher over an outbox store and a broker channel.
func New(store outbox.Store, broker Broker, opts ...Option) (*Publisher, error) {
	if store == nil {
		return nil, ErrStoreRequired
	}

	if broker == nil {
		return nil, ErrBrokerRequired
	}

	pub := &Publisher{
		store:  store,
		broker: broker,
		logger: log.NewNop(),
		tracer: otel.Tracer("careloop.publisher"),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(pub)
		}
	}

	if pub.breaker == nil {
		pub.breaker = gobreaker.NewCircuitBreaker(defaultBreakerSettings())
	}

	return pub, nil
}

// SendOption sets per-send delivery and envelope fields.
type SendOption func(*sendOptions)

type sendOptions struct {
	direct        bool
	correlationID string
	causedBy      string
	tenantID      string
	familyID      string
}

// WithDirectDelivery opts a send out of the outbox. Ignored for
// safety-critical event types.
func WithDirectDelivery() SendOption {
	return func(options *sendOptions) {
		options.direct = true
	}
}

// WithCorrelationID links the event to an originating request or event.
func WithCorrelationID(correlationID string) SendOption {
	return func(options *sendOptions) {
		options.correlationID = correlationID
	}
}

// WithCausedBy records the actor that triggered the event.
func WithCausedBy(actorID string) SendOption {
	return func(options *sendOptions) {
		options.causedBy = actorID
	}
}

// WithTenancy scopes the event to a tenant and family.
func WithTenancy(tenantID, familyID string) SendOption {
	return func(options *sendOptions) {
		options.tenantID = tenantID
		options.familyID = familyID
	}
}

func applySendOptions(opts []SendOption) sendOptions {
	var options sendOptions

	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}

	return options
}

func (options sendOptions) envelopeOptions() []event.EnvelopeOption {
	return []event.EnvelopeOption{
		event.WithCorrelationID(options.correlationID),
		event.WithCausedBy(options.causedBy),
		event.WithTenancy(options.tenantID, options.familyID),
	}
}

// Publish sends a domain event, durable by default: an outbox record is
// written inside tx and relayed after commit. WithDirectDelivery switches to
// an immediate broker send, except for safety-critical types, which are
// forced durable regardless of options. The returned record is nil for
// direct sends.
func (pub *Publisher) Publish(ctx context.Context, tx outbox.Tx, eventType event.Type, data json.RawMessage, aggregate Aggregate, opts ...SendOption) (*outbox.Record, error) {
	if pub == nil {
		return nil, ErrStoreRequired
	}

	ctx, span := pub.tracer.Start(ctx, "publisher.publish")
	defer span.End()

	options := applySendOptions(opts)

	if options.direct {
		if !eventType.SafetyCritical() {
			return nil, pub.sendDirect(ctx, eventType, data, options)
		}

		pub.logger.Log(ctx, log.LevelWarn, "direct delivery overridden for safety-critical event",
			log.String("event_type", eventType.String()))
	}

	return pub.enqueue(ctx, tx, eventType, data, aggregate, options)
}

// PublishDirect builds an envelope and publishes it immediately, bypassing
// the store. Broker failures surface to the caller for domain sends and are
// logged and swallowed for audit-category sends. Safety-critical types are
// rejected: they may only travel the durable path.
func (pub *Publisher) PublishDirect(ctx context.Context, eventType event.Type, data json.RawMessage, opts ...SendOption) error {
	if pub == nil {
		return ErrBrokerRequired
	}

	if eventType.SafetyCritical() {
		return fmt.Errorf("%w: %q", ErrDirectDeliveryForbidden, eventType)
	}

	ctx, span := pub.tracer.Start(ctx, "publisher.publish_direct")
	defer span.End()

	err := pub.sendDirect(ctx, eventType, data, applySendOptions(opts))
	if err != nil && eventType.AuditCategory() && !isCallerError(err) {
		pub.logger.Log(ctx, log.LevelWarn, "audit send dropped",
			log.String("event_type", eventType.String()),
			log.String("error_detail", outbox.SanitizeError(err)))

		return nil
	}

	return err
}

// PublishNotification sends a notification payload to one delivery channel
// on the direct notifications exchange. Notifications are loss-tolerant, so
// the send bypasses the store.
func (pub *Publisher) PublishNotification(ctx context.Context, channel event.NotificationChannel, eventType event.Type, data json.RawMessage, opts ...SendOption) error {
	if pub == nil {
		return ErrBrokerRequired
	}

	if _, err := event.ParseChannel(string(channel)); err != nil {
		return err
	}

	ctx, span := pub.tracer.Start(ctx, "publisher.publish_notification")
	defer span.End()

	env, err := event.NewEnvelope(eventType, data, applySendOptions(opts).envelopeOptions()...)
	if err != nil {
		return err
	}

	return pub.send(ctx, event.NotificationRoute(channel), env)
}

// PublishAuditEvent publishes to the audit fanout exchange, fire and forget:
// broker failures are logged and dropped. Envelope construction errors still
// surface, since they indicate a caller bug rather than a broker outage.
func (pub *Publisher) PublishAuditEvent(ctx context.Context, eventType event.Type, data json.RawMessage, opts ...SendOption) error {
	if pub == nil {
		return ErrBrokerRequired
	}

	if !eventType.AuditCategory() {
		return fmt.Errorf("%w: %q", ErrNotAuditType, eventType)
	}

	return pub.PublishDirect(ctx, eventType, data, opts...)
}

// PublishEmergencyAlert enqueues an emergency event. Always durable: there
// is no option to bypass the store for this path.
func (pub *Publisher) PublishEmergencyAlert(ctx context.Context, tx outbox.Tx, eventType event.Type, data json.RawMessage, aggregate Aggregate, opts ...SendOption) (*outbox.Record, error) {
	if pub == nil {
		return nil, ErrStoreRequired
	}

	if !eventType.SafetyCritical() {
		return nil, fmt.Errorf("%w: %q", ErrNotEmergencyType, eventType)
	}

	ctx, span := pub.tracer.Start(ctx, "publisher.publish_emergency")
	defer span.End()

	options := applySendOptions(opts)
	options.direct = false

	return pub.enqueue(ctx, tx, eventType, data, aggregate, options)
}

func (pub *Publisher) enqueue(ctx context.Context, tx outbox.Tx, eventType event.Type, data json.RawMessage, aggregate Aggregate, options sendOptions) (*outbox.Record, error) {
	if tx == nil {
		return nil, ErrTransactionRequired
	}

	record, err := outbox.NewRecord(outbox.NewRecordParams{
		EventType:     eventType,
		Payload:       data,
		AggregateType: aggregate.Type,
		AggregateID:   aggregate.ID,
		CorrelationID: options.correlationID,
		CausedBy:      options.causedBy,
		TenantID:      options.tenantID,
		FamilyID:      options.familyID,
	})
	if err != nil {
		return nil, err
	}

	return pub.store.CreateEvent(ctx, tx, record)
}

func (pub *Publisher) sendDirect(ctx context.Context, eventType event.Type, data json.RawMessage, options sendOptions) error {
	env, err := event.NewEnvelope(eventType, data, options.envelopeOptions()...)
	if err != nil {
		return err
	}

	return pub.send(ctx, event.RouteFor(eventType), env)
}

func (pub *Publisher) send(ctx context.Context, route event.Route, env *event.Envelope) error {
	msg, err := rabbitmq.BuildPublishing(env)
	if err != nil {
		return err
	}

	_, err = pub.breaker.Execute(func() (any, error) {
		return nil, pub.broker.Publish(ctx, route.Exchange, route.RoutingKey, msg)
	})

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %w", ErrBrokerUnavailable, err)
	}

	return err
}

// isCallerError reports whether a direct-send failure came from the caller's
// input rather than the broker. Those are never swallowed.
func isCallerError(err error) bool {
	return errors.Is(err, event.ErrUnknownType) ||
		errors.Is(err, event.ErrEnvelopeInvalid) ||
		errors.Is(err, event.ErrEnvelopeDataRequired) ||
		errors.Is(err, event.ErrEnvelopeDataNotJSON) ||
		errors.Is(err, event.ErrEnvelopeDataTooLarge)
}
