package event

import (
	"fmt"
	"strings"
)

// Exchange names declared by the topology manager. Each kind carries a
// distinct delivery contract (see rabbitmq.DeclareTopology).
const (
	ExchangeDomainEvents  = "domain.events" // topic: hierarchical routing keys
	ExchangeNotifications = "notifications" // direct: exact-match per channel
	ExchangeDeadLetter    = "events.dlx"    // direct: per-source-queue triage
	ExchangeAudit         = "audit.events"  // fanout: every bound queue observes
)

// NotificationChannel is a delivery channel on the notifications exchange.
type NotificationChannel string

const (
	ChannelPush  NotificationChannel = "push"
	ChannelEmail NotificationChannel = "email"
	ChannelSMS   NotificationChannel = "sms"
)

// ErrUnknownChannel is returned for channels outside the supported set.
var ErrUnknownChannel = fmt.Errorf("unknown notification channel")

// ParseChannel validates a raw notification channel.
func ParseChannel(raw string) (NotificationChannel, error) {
	channel := NotificationChannel(strings.ToLower(strings.TrimSpace(raw)))

	switch channel {
	case ChannelPush, ChannelEmail, ChannelSMS:
		return channel, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownChannel, raw)
	}
}

// Route is the broker destination for one event type.
type Route struct {
	Exchange   string
	RoutingKey string
}

// RouteFor maps an event type to its broker destination. Audit types go to
// the fanout exchange; everything else rides the domain topic exchange with
// the type itself as routing key.
func RouteFor(eventType Type) Route {
	if eventType.AuditCategory() {
		return Route{Exchange: ExchangeAudit, RoutingKey: eventType.String()}
	}

	return Route{Exchange: ExchangeDomainEvents, RoutingKey: eventType.String()}
}

// NotificationRoute maps a channel to its destination on the direct exchange.
func NotificationRoute(channel NotificationChannel) Route {
	return Route{Exchange: ExchangeNotifications, RoutingKey: string(channel)}
}
