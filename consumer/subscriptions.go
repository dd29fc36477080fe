package consumer

import (
	"fmt"

	"github.com/careloophq/lib-events/event"
	"github.com/careloophq/lib-events/rabbitmq"
)

// WebsocketSubscription names the queue the websocket bridge drains.
func WebsocketSubscription() rabbitmq.Subscription {
	return rabbitmq.Subscription{
		Queue: rabbitmq.QueueWebsocketEvents,
		Name:  "careloop-websocket-bridge",
	}
}

// NotificationSubscription names the queue for one delivery channel.
func NotificationSubscription(channel event.NotificationChannel) (rabbitmq.Subscription, error) {
	var queue string

	switch channel {
	case event.ChannelPush:
		queue = rabbitmq.QueueNotificationsPush
	case event.ChannelEmail:
		queue = rabbitmq.QueueNotificationsEmail
	case event.ChannelSMS:
		queue = rabbitmq.QueueNotificationsSMS
	default:
		return rabbitmq.Subscription{}, fmt.Errorf("%w: %q", event.ErrUnknownChannel, channel)
	}

	return rabbitmq.Subscription{
		Queue: queue,
		Name:  "careloop-notifications-" + string(channel),
	}, nil
}

// AuditSubscription names the audit fanout queue. Prefetch is raised because
// the sink does no external I/O per entry.
func AuditSubscription() rabbitmq.Subscription {
	return rabbitmq.Subscription{
		Queue:    rabbitmq.QueueAuditSink,
		Name:     "careloop-audit-sink",
		Prefetch: 50,
	}
}
