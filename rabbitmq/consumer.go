package rabbitmq

import (
	"context"
	"errors"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/careloophq/lib-events/event"
	"github.com/careloophq/lib-events/log"
	"github.com/careloophq/lib-events/runtime"
)

// Action is a handler's verdict on one delivery.
type Action int

const (
	// Ack acknowledges the delivery: processing succeeded.
	Ack Action = iota

	// Requeue negatively acknowledges with redelivery: processing failed
	// transiently and a later attempt may succeed.
	Requeue

	// Reject negatively acknowledges without redelivery: the message is
	// routed to the dead-letter exchange (when the queue declares one).
	Reject
)

func (action Action) String() string {
	switch action {
	case Ack:
		return "ack"
	case Requeue:
		return "requeue"
	case Reject:
		return "reject"
	default:
		return "unknown"
	}
}

// Handler processes one decoded event and reports the delivery outcome.
// Handlers must be idempotent: at-least-once delivery means redeliveries of
// an already-handled event are normal operation.
type Handler func(ctx context.Context, env *event.Envelope) Action

var (
	ErrConsumerRequired = errors.New("consumer channel is required")
	ErrHandlerRequired  = errors.New("consumer handler is required")
	ErrQueueRequired    = errors.New("consumer queue is required")
)

// DefaultPrefetch bounds unacknowledged deliveries per consumer.
const DefaultPrefetch = 10

// ConsumeChannel is the AMQP channel surface needed to run a consumer.
type ConsumeChannel interface {
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
}

// Subscription names the queue a consumer drains.
type Subscription struct {
	Queue    string
	Name     string
	Prefetch int
}

// Consumer drains one queue, decoding envelopes and delegating verdicts to a
// Handler.
type Consumer struct {
	sub      Subscription
	handler  Handler
	logger   log.Logger
	stopOnce sync.Once
	done     chan struct{}
	wg       sync.WaitGroup
}

// NewConsumer builds a consumer for the given subscription.
func NewConsumer(sub Subscription, handler Handler, logger log.Logger) (*Consumer, error) {
	if sub.Queue == "" {
		return nil, ErrQueueRequired
	}

	if handler == nil {
		return nil, ErrHandlerRequired
	}

	if logger == nil {
		logger = log.NewNop()
	}

	if sub.Prefetch <= 0 {
		sub.Prefetch = DefaultPrefetch
	}

	return &Consumer{
		sub:     sub,
		handler: handler,
		logger:  logger,
		done:    make(chan struct{}),
	}, nil
}

// Start registers the consumer on the channel and drains deliveries on a
// panic-guarded goroutine until Stop is called or the delivery stream closes.
func (consumer *Consumer) Start(ctx context.Context, ch ConsumeChannel) error {
	if consumer == nil {
		return ErrConsumerRequired
	}

	if ch == nil {
		return ErrConsumerRequired
	}

	if ctx == nil {
		ctx = context.Background()
	}

	if err := ch.Qos(consumer.sub.Prefetch, 0, false); err != nil {
		return err
	}

	deliveries, err := ch.Consume(consumer.sub.Queue, consumer.sub.Name, false, false, false, false, nil)
	if err != nil {
		return err
	}

	consumer.wg.Add(1)

	runtime.SafeGo(consumer.logger, "consumer."+consumer.sub.Queue, runtime.KeepRunning, func() {
		defer consumer.wg.Done()
		consumer.drain(ctx, deliveries)
	})

	return nil
}

// Stop signals the drain loop to exit and waits for in-flight deliveries.
func (consumer *Consumer) Stop() {
	if consumer == nil {
		return
	}

	consumer.stopOnce.Do(func() { close(consumer.done) })
	consumer.wg.Wait()
}

func (consumer *Consumer) drain(ctx context.Context, deliveries <-chan amqp.Delivery) {
	for {
		select {
		case <-consumer.done:
			return
		case <-ctx.Done():
			return
		case delivery, ok := <-deliveries:
			if !ok {
				consumer.logger.Log(ctx, log.LevelWarn, "delivery stream closed",
					log.String("queue", consumer.sub.Queue))

				return
			}

			consumer.handleDelivery(ctx, delivery)
		}
	}
}

func (consumer *Consumer) handleDelivery(ctx context.Context, delivery amqp.Delivery) {
	// A panicking handler would tear down the drain loop; recover and
	// dead-letter the message instead. Panics are usually deterministic, so
	// requeueing would only loop the poison message forever.
	defer func() {
		if panicValue := recover(); panicValue != nil {
			consumer.logger.Log(ctx, log.LevelError, "handler panicked, dead-lettering delivery",
				log.String("queue", consumer.sub.Queue),
				log.Any("panic", panicValue))

			consumer.finish(ctx, delivery, Reject)
		}
	}()

	env, err := event.DecodeEnvelope(delivery.Body)
	if err != nil {
		consumer.logger.Log(ctx, log.LevelError, "undecodable message, dead-lettering delivery",
			log.String("queue", consumer.sub.Queue),
			log.String("message_id", delivery.MessageId),
			log.Err(err))

		consumer.finish(ctx, delivery, Reject)

		return
	}

	consumer.finish(ctx, delivery, consumer.handler(ctx, env))
}

func (consumer *Consumer) finish(ctx context.Context, delivery amqp.Delivery, action Action) {
	var err error

	switch action {
	case Ack:
		err = delivery.Ack(false)
	case Requeue:
		err = delivery.Nack(false, true)
	case Reject:
		err = delivery.Nack(false, false)
	}

	if err != nil {
		consumer.logger.Log(ctx, log.LevelError, "failed to settle delivery",
			log.String("queue", consumer.sub.Queue),
			log.String("action", action.String()),
			log.Err(err))
	}
}
