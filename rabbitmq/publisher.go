package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/careloophq/lib-events/event"
	"github.com/careloophq/lib-events/log"
)

var (
	ErrPublisherRequired = errors.New("confirmable publisher is required")
	ErrPublisherNotReady = errors.New("confirmable publisher not initialized")
	ErrConfirmMode       = errors.New("channel does not support confirm mode")
	ErrPublishNacked     = errors.New("message was nacked by broker")
	ErrConfirmTimeout    = errors.New("confirmation timed out")
	ErrPublisherClosed   = errors.New("publisher is closed")
	ErrEnvelopeRequired  = errors.New("event envelope is required")
)

const (
	// DefaultConfirmTimeout bounds the wait for broker confirmation.
	DefaultConfirmTimeout = 5 * time.Second

	// confirmChannelBuffer should be >= max unconfirmed messages to avoid
	// blocking the broker's confirm stream.
	confirmChannelBuffer = 256
)

// ConfirmableChannel is the AMQP channel surface needed for confirm-mode
// publishing.
type ConfirmableChannel interface {
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// ConfirmablePublisher wraps an AMQP channel with publisher confirms enabled.
// A message is only reported published once the broker acknowledges it, which
// is what lets the relay mark outbox rows PROCESSED truthfully.
type ConfirmablePublisher struct {
	mu             sync.RWMutex
	publishMu      sync.Mutex
	ch             ConfirmableChannel
	confirms       chan amqp.Confirmation
	logger         log.Logger
	confirmTimeout time.Duration
	closed         bool
}

// ConfirmablePublisherOption configures a ConfirmablePublisher.
type ConfirmablePublisherOption func(*ConfirmablePublisher)

// WithPublisherLogger sets a structured logger for the publisher.
func WithPublisherLogger(logger log.Logger) ConfirmablePublisherOption {
	return func(pub *ConfirmablePublisher) {
		if logger != nil {
			pub.logger = logger
		}
	}
}

// WithConfirmTimeout overrides the broker confirmation timeout.
func WithConfirmTimeout(timeout time.Duration) ConfirmablePublisherOption {
	return func(pub *ConfirmablePublisher) {
		if timeout > 0 {
			pub.confirmTimeout = timeout
		}
	}
}

// NewConfirmablePublisher puts the channel into confirm mode and registers
// the confirmation stream.
func NewConfirmablePublisher(ch ConfirmableChannel, opts ...ConfirmablePublisherOption) (*ConfirmablePublisher, error) {
	if ch == nil {
		return nil, ErrChannelRequired
	}

	if err := ch.Confirm(false); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfirmMode, err)
	}

	pub := &ConfirmablePublisher{
		ch:             ch,
		confirms:       ch.NotifyPublish(make(chan amqp.Confirmation, confirmChannelBuffer)),
		logger:         log.NewNop(),
		confirmTimeout: DefaultConfirmTimeout,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(pub)
		}
	}

	return pub, nil
}

// Publish sends a message and synchronously waits for broker confirmation.
//
// Calls are serialized per publisher instance to preserve confirm ordering
// without delivery-tag correlation state. Shard across publisher instances
// for higher throughput.
func (pub *ConfirmablePublisher) Publish(
	ctx context.Context,
	exchange, routingKey string,
	msg amqp.Publishing,
) error {
	if pub == nil {
		return ErrPublisherRequired
	}

	if ctx == nil {
		ctx = context.Background()
	}

	pub.publishMu.Lock()
	defer pub.publishMu.Unlock()

	pub.mu.RLock()

	if pub.closed {
		pub.mu.RUnlock()
		return ErrPublisherClosed
	}

	if pub.ch == nil {
		pub.mu.RUnlock()
		return ErrPublisherNotReady
	}

	ch := pub.ch
	confirms := pub.confirms
	confirmTimeout := pub.confirmTimeout
	pub.mu.RUnlock()

	if err := ch.PublishWithContext(ctx, exchange, routingKey, false, false, msg); err != nil {
		return fmt.Errorf("publish: %w", err)
	}

	return waitForConfirm(ctx, confirms, confirmTimeout)
}

// Close permanently closes the publisher and its channel.
func (pub *ConfirmablePublisher) Close() error {
	if pub == nil {
		return ErrPublisherRequired
	}

	pub.mu.Lock()
	defer pub.mu.Unlock()

	if pub.closed {
		return nil
	}

	pub.closed = true

	ch := pub.ch
	pub.ch = nil

	if ch != nil {
		return ch.Close()
	}

	return nil
}

func waitForConfirm(ctx context.Context, confirms <-chan amqp.Confirmation, confirmTimeout time.Duration) error {
	timeout := time.NewTimer(confirmTimeout)
	defer timeout.Stop()

	select {
	case confirmed, ok := <-confirms:
		if !ok {
			return ErrPublisherClosed
		}

		if !confirmed.Ack {
			return fmt.Errorf("%w: delivery_tag=%d", ErrPublishNacked, confirmed.DeliveryTag)
		}

		return nil

	case <-timeout.C:
		return ErrConfirmTimeout

	case <-ctx.Done():
		return fmt.Errorf("context cancelled: %w", ctx.Err())
	}
}

// PublishingOption tweaks the wire message built from an envelope.
type PublishingOption func(*amqp.Publishing)

// Transient marks the message non-persistent (best-effort delivery).
func Transient() PublishingOption {
	return func(msg *amqp.Publishing) {
		msg.DeliveryMode = amqp.Transient
	}
}

// WithPriority sets the message priority (meaningful only on queues declared
// with x-max-priority).
func WithPriority(priority uint8) PublishingOption {
	return func(msg *amqp.Publishing) {
		msg.Priority = priority
	}
}

// WithHeader adds one application header.
func WithHeader(key string, value any) PublishingOption {
	return func(msg *amqp.Publishing) {
		if msg.Headers == nil {
			msg.Headers = amqp.Table{}
		}

		msg.Headers[key] = value
	}
}

// BuildPublishing renders an envelope as an AMQP message. Messages are
// persistent by default; the envelope id becomes the AMQP messageId so
// consumers can deduplicate redeliveries.
func BuildPublishing(env *event.Envelope, opts ...PublishingOption) (amqp.Publishing, error) {
	if env == nil {
		return amqp.Publishing{}, ErrEnvelopeRequired
	}

	body, err := env.Encode()
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("encoding envelope: %w", err)
	}

	msg := amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		MessageId:     env.ID.String(),
		CorrelationId: env.CorrelationID,
		Timestamp:     env.Timestamp,
		Type:          env.Type.String(),
		AppId:         event.Source,
		Body:          body,
		Headers: amqp.Table{
			"eventType": env.Type.String(),
			"tenantId":  env.TenantID,
			"familyId":  env.FamilyID,
		},
	}

	for _, opt := range opts {
		if opt != nil {
			opt(&msg)
		}
	}

	return msg, nil
}
