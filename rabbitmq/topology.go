package rabbitmq

import (
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/careloophq/lib-events/event"
)

const (
	// DeadLetterQueue collects permanently rejected messages for triage.
	DeadLetterQueue = "events.dlq"

	// EmergencyMaxPriority is the x-max-priority of the emergency queue, so
	// backlogged critical alerts are served before routine traffic.
	EmergencyMaxPriority = 10
)

// Queue names in the default topology. Consumers subscribe by these.
const (
	QueueWebsocketEvents    = "careloop.websocket.events"
	QueueEmergencyAlerts    = "careloop.emergency.alerts"
	QueueNotificationsPush  = "careloop.notifications.push"
	QueueNotificationsEmail = "careloop.notifications.email"
	QueueNotificationsSMS   = "careloop.notifications.sms"
	QueueAuditSink          = "careloop.audit.sink"
)

var (
	ErrMissingDeadLetter  = errors.New("domain-event queue declared without dead-letter target")
	ErrUnknownExchange    = errors.New("queue bound to undeclared exchange")
	ErrChannelRequired    = errors.New("rabbitmq channel is required")
	ErrEmptyExchangeName  = errors.New("exchange name is required")
	ErrEmptyQueueName     = errors.New("queue name is required")
	ErrInvalidExchangeKnd = errors.New("exchange kind must be topic, direct, or fanout")
)

// TopologyChannel is the subset of AMQP channel operations needed to declare
// the broker topology.
type TopologyChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
}

// Exchange describes one durable exchange.
type Exchange struct {
	Name string
	Kind string
}

// Queue describes one durable queue and its binding.
//
// DeadLetter routes rejected messages to the dead-letter exchange tagged with
// the source queue name. It is mandatory for every queue fed by domain
// events; the declaration step refuses a topology that omits it.
type Queue struct {
	Name        string
	Exchange    string
	BindingKey  string
	DeadLetter  bool
	MaxPriority uint8
}

// Topology is the full broker layout, declared once at process start and not
// mutated afterwards.
type Topology struct {
	Exchanges []Exchange
	Queues    []Queue
}

// DefaultTopology returns the platform's standard broker layout.
func DefaultTopology() Topology {
	return Topology{
		Exchanges: []Exchange{
			{Name: event.ExchangeDomainEvents, Kind: "topic"},
			{Name: event.ExchangeNotifications, Kind: "direct"},
			{Name: event.ExchangeDeadLetter, Kind: "direct"},
			{Name: event.ExchangeAudit, Kind: "fanout"},
		},
		Queues: []Queue{
			{Name: QueueWebsocketEvents, Exchange: event.ExchangeDomainEvents, BindingKey: "#", DeadLetter: true},
			{Name: QueueEmergencyAlerts, Exchange: event.ExchangeDomainEvents, BindingKey: "emergency.*", DeadLetter: true, MaxPriority: EmergencyMaxPriority},
			{Name: QueueNotificationsPush, Exchange: event.ExchangeNotifications, BindingKey: string(event.ChannelPush), DeadLetter: true},
			{Name: QueueNotificationsEmail, Exchange: event.ExchangeNotifications, BindingKey: string(event.ChannelEmail), DeadLetter: true},
			{Name: QueueNotificationsSMS, Exchange: event.ExchangeNotifications, BindingKey: string(event.ChannelSMS), DeadLetter: true},
			{Name: QueueAuditSink, Exchange: event.ExchangeAudit, BindingKey: ""},
		},
	}
}

// Validate checks structural rules before anything touches the broker: names
// present, exchange kinds known, every queue bound to a declared exchange,
// and every domain-event queue carrying a dead-letter target.
func (t Topology) Validate() error {
	kinds := make(map[string]string, len(t.Exchanges))

	for _, exchange := range t.Exchanges {
		if exchange.Name == "" {
			return ErrEmptyExchangeName
		}

		switch exchange.Kind {
		case "topic", "direct", "fanout":
		default:
			return fmt.Errorf("%w: %q is %q", ErrInvalidExchangeKnd, exchange.Name, exchange.Kind)
		}

		kinds[exchange.Name] = exchange.Kind
	}

	for _, queue := range t.Queues {
		if queue.Name == "" {
			return ErrEmptyQueueName
		}

		if _, ok := kinds[queue.Exchange]; !ok {
			return fmt.Errorf("%w: queue %q exchange %q", ErrUnknownExchange, queue.Name, queue.Exchange)
		}

		if requiresDeadLetter(queue.Exchange) && !queue.DeadLetter {
			return fmt.Errorf("%w: %q", ErrMissingDeadLetter, queue.Name)
		}
	}

	return nil
}

// Declare creates the exchanges, queues, and bindings on the broker. All
// objects are durable; declaration is idempotent on an unchanged layout.
func (t Topology) Declare(ch TopologyChannel) error {
	if ch == nil {
		return ErrChannelRequired
	}

	if err := t.Validate(); err != nil {
		return err
	}

	for _, exchange := range t.Exchanges {
		if err := ch.ExchangeDeclare(exchange.Name, exchange.Kind, true, false, false, false, nil); err != nil {
			return fmt.Errorf("declaring exchange %q: %w", exchange.Name, err)
		}
	}

	for _, queue := range t.Queues {
		if _, err := ch.QueueDeclare(queue.Name, true, false, false, false, queue.args()); err != nil {
			return fmt.Errorf("declaring queue %q: %w", queue.Name, err)
		}

		if err := ch.QueueBind(queue.Name, queue.BindingKey, queue.Exchange, false, nil); err != nil {
			return fmt.Errorf("binding queue %q to %q: %w", queue.Name, queue.Exchange, err)
		}

		if queue.DeadLetter {
			// The dead-letter exchange is direct and the dead-letter routing
			// key equals the source queue name, so the shared DLQ binding
			// below tags every dead letter with where it came from.
			if err := ch.QueueBind(DeadLetterQueue, queue.Name, event.ExchangeDeadLetter, false, nil); err != nil {
				return fmt.Errorf("binding dead-letter queue for %q: %w", queue.Name, err)
			}
		}
	}

	return nil
}

// DeclareAll declares the shared dead-letter queue first, then the topology.
func DeclareAll(ch TopologyChannel, t Topology) error {
	if ch == nil {
		return ErrChannelRequired
	}

	if _, err := ch.QueueDeclare(DeadLetterQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declaring dead-letter queue: %w", err)
	}

	return t.Declare(ch)
}

func (queue Queue) args() amqp.Table {
	args := amqp.Table{}

	if queue.DeadLetter {
		args["x-dead-letter-exchange"] = event.ExchangeDeadLetter
		args["x-dead-letter-routing-key"] = queue.Name
	}

	if queue.MaxPriority > 0 {
		args["x-max-priority"] = int32(queue.MaxPriority)
	}

	if len(args) == 0 {
		return nil
	}

	return args
}

func requiresDeadLetter(exchange string) bool {
	return exchange == event.ExchangeDomainEvents || exchange == event.ExchangeNotifications
}
