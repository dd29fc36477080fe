package consumer

import (
	"context"
	"errors"
	"net"

	"github.com/careloophq/lib-events/event"
	"github.com/careloophq/lib-events/log"
	"github.com/careloophq/lib-events/outbox"
	"github.com/careloophq/lib-events/rabbitmq"
)

// Delivery failures a Sender may return. The dispatcher maps them onto
// requeue-or-dead-letter verdicts, so senders should wrap their provider
// errors with one of these.
var (
	ErrSendTimeout           = errors.New("notification send timed out")
	ErrProviderUnavailable   = errors.New("notification provider unavailable")
	ErrRateLimited           = errors.New("notification provider rate limited")
	ErrMalformedNotification = errors.New("notification payload is malformed")

	ErrSenderRequired = errors.New("notification sender is required")
)

// Sender delivers one notification payload over a concrete channel
// (push gateway, SMTP relay, SMS provider).
type Sender interface {
	Send(ctx context.Context, channel event.NotificationChannel, env *event.Envelope) error
}

// NotificationDispatcher drains one channel queue and hands payloads to its
// Sender. One dispatcher per channel queue.
type NotificationDispatcher struct {
	channel event.NotificationChannel
	sender  Sender
	deduper Deduper
	logger  log.Logger
}

// NewNotificationDispatcher builds the dispatcher for a channel. A nil
// deduper disables deduplication.
func NewNotificationDispatcher(channel event.NotificationChannel, sender Sender, deduper Deduper, logger log.Logger) (*NotificationDispatcher, error) {
	if _, err := event.ParseChannel(string(channel)); err != nil {
		return nil, err
	}

	if sender == nil {
		return nil, ErrSenderRequired
	}

	if deduper == nil {
		deduper = NopDeduper{}
	}

	if logger == nil {
		logger = log.NewNop()
	}

	return &NotificationDispatcher{
		channel: channel,
		sender:  sender,
		deduper: deduper,
		logger:  logger,
	}, nil
}

// Handle sends the notification. Transient provider failures requeue for a
// later attempt; permanent ones dead-letter so a poison payload cannot loop
// through the queue forever. Duplicates are acknowledged without sending.
func (dispatcher *NotificationDispatcher) Handle(ctx context.Context, env *event.Envelope) rabbitmq.Action {
	if dispatcher == nil || env == nil {
		return rabbitmq.Reject
	}

	seen, err := dispatcher.deduper.AlreadyHandled(ctx, env.ID)
	if err != nil {
		// Dedupe is an optimization. When the mark store is down, sending a
		// possible duplicate beats dropping a notification.
		dispatcher.logger.Log(ctx, log.LevelWarn, "dedupe check failed, sending anyway",
			log.String("event_id", env.ID.String()),
			log.String("error_detail", outbox.SanitizeError(err)))
	}

	if seen {
		dispatcher.logger.Log(ctx, log.LevelDebug, "duplicate notification skipped",
			log.String("event_id", env.ID.String()),
			log.String("channel", string(dispatcher.channel)))

		return rabbitmq.Ack
	}

	sendErr := dispatcher.sender.Send(ctx, dispatcher.channel, env)
	if sendErr == nil {
		// The mark is written only after the send succeeded. Marking before
		// sending would let a requeued redelivery see its own claim and drop
		// the notification.
		if markErr := dispatcher.deduper.MarkHandled(ctx, env.ID); markErr != nil {
			dispatcher.logger.Log(ctx, log.LevelWarn, "failed to mark notification handled",
				log.String("event_id", env.ID.String()),
				log.String("error_detail", outbox.SanitizeError(markErr)))
		}

		return rabbitmq.Ack
	}

	action := rabbitmq.Reject
	if transientSendFailure(sendErr) {
		action = rabbitmq.Requeue
	}

	dispatcher.logger.Log(ctx, log.LevelWarn, "notification send failed",
		log.String("event_id", env.ID.String()),
		log.String("event_type", env.Type.String()),
		log.String("channel", string(dispatcher.channel)),
		log.String("action", action.String()),
		log.String("error_detail", outbox.SanitizeError(sendErr)))

	return action
}

// transientSendFailure reports whether a later attempt against the provider
// may succeed.
func transientSendFailure(err error) bool {
	if errors.Is(err, ErrSendTimeout) ||
		errors.Is(err, ErrProviderUnavailable) ||
		errors.Is(err, ErrRateLimited) ||
		errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	return false
}
