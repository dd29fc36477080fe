//go:build unit

package rabbitmq

import (
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/require"

	"github.com/careloophq/lib-events/event"
)

type declaredQueue struct {
	name string
	args amqp.Table
}

type declaredBinding struct {
	queue    string
	key      string
	exchange string
}

type fakeTopologyChannel struct {
	exchanges map[string]string
	queues    []declaredQueue
	bindings  []declaredBinding
	failOn    string
}

func newFakeTopologyChannel() *fakeTopologyChannel {
	return &fakeTopologyChannel{exchanges: map[string]string{}}
}

func (ch *fakeTopologyChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	if ch.failOn == name {
		return amqp.ErrClosed
	}

	ch.exchanges[name] = kind

	return nil
}

func (ch *fakeTopologyChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	if ch.failOn == name {
		return amqp.Queue{}, amqp.ErrClosed
	}

	ch.queues = append(ch.queues, declaredQueue{name: name, args: args})

	return amqp.Queue{Name: name}, nil
}

func (ch *fakeTopologyChannel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	ch.bindings = append(ch.bindings, declaredBinding{queue: name, key: key, exchange: exchange})

	return nil
}

func (ch *fakeTopologyChannel) queueArgs(name string) amqp.Table {
	for _, queue := range ch.queues {
		if queue.name == name {
			return queue.args
		}
	}

	return nil
}

func TestDefaultTopologyValidates(t *testing.T) {
	t.Parallel()

	require.NoError(t, DefaultTopology().Validate())
}

func TestValidateRejectsMissingDeadLetter(t *testing.T) {
	t.Parallel()

	topology := DefaultTopology()
	for i := range topology.Queues {
		if topology.Queues[i].Exchange == event.ExchangeDomainEvents {
			topology.Queues[i].DeadLetter = false
		}
	}

	require.ErrorIs(t, topology.Validate(), ErrMissingDeadLetter)
}

func TestValidateRejectsUnknownExchange(t *testing.T) {
	t.Parallel()

	topology := Topology{
		Exchanges: []Exchange{{Name: "domain.events", Kind: "topic"}},
		Queues:    []Queue{{Name: "q", Exchange: "nowhere", DeadLetter: true}},
	}

	require.ErrorIs(t, topology.Validate(), ErrUnknownExchange)
}

func TestValidateRejectsBadExchangeKind(t *testing.T) {
	t.Parallel()

	topology := Topology{Exchanges: []Exchange{{Name: "x", Kind: "headers"}}}
	require.ErrorIs(t, topology.Validate(), ErrInvalidExchangeKnd)
}

func TestDeclareAll(t *testing.T) {
	t.Parallel()

	ch := newFakeTopologyChannel()
	require.NoError(t, DeclareAll(ch, DefaultTopology()))

	require.Equal(t, "topic", ch.exchanges[event.ExchangeDomainEvents])
	require.Equal(t, "direct", ch.exchanges[event.ExchangeNotifications])
	require.Equal(t, "direct", ch.exchanges[event.ExchangeDeadLetter])
	require.Equal(t, "fanout", ch.exchanges[event.ExchangeAudit])

	// Every domain queue carries the dead-letter exchange argument tagged
	// with its own name.
	wsArgs := ch.queueArgs("careloop.websocket.events")
	require.Equal(t, event.ExchangeDeadLetter, wsArgs["x-dead-letter-exchange"])
	require.Equal(t, "careloop.websocket.events", wsArgs["x-dead-letter-routing-key"])

	emergencyArgs := ch.queueArgs("careloop.emergency.alerts")
	require.EqualValues(t, EmergencyMaxPriority, emergencyArgs["x-max-priority"])

	// The audit sink observes without a dead-letter hop.
	require.Nil(t, ch.queueArgs("careloop.audit.sink"))

	require.Contains(t, ch.bindings, declaredBinding{
		queue:    DeadLetterQueue,
		key:      "careloop.emergency.alerts",
		exchange: event.ExchangeDeadLetter,
	})
	require.Contains(t, ch.bindings, declaredBinding{
		queue:    "careloop.notifications.sms",
		key:      "sms",
		exchange: event.ExchangeNotifications,
	})
}

func TestDeclareAllPropagatesBrokerErrors(t *testing.T) {
	t.Parallel()

	ch := newFakeTopologyChannel()
	ch.failOn = event.ExchangeAudit

	require.Error(t, DeclareAll(ch, DefaultTopology()))

	require.ErrorIs(t, DeclareAll(nil, DefaultTopology()), ErrChannelRequired)
}
