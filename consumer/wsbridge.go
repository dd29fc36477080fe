package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/careloophq/lib-events/event"
	"github.com/careloophq/lib-events/log"
	"github.com/careloophq/lib-events/outbox"
	"github.com/careloophq/lib-events/rabbitmq"
)

var ErrBroadcasterRequired = errors.New("broadcaster is required")

// Broadcaster fans a realtime message out to one room of connected clients.
type Broadcaster interface {
	Broadcast(ctx context.Context, room string, message []byte) error
}

// RoomMessage is the realtime wire form pushed to websocket clients.
type RoomMessage struct {
	Event     string          `json:"event"`
	ID        string          `json:"id"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

// RedisBroadcaster publishes room messages on redis pub/sub channels. The
// websocket gateway subscribes per room and forwards to its sockets, so this
// process never holds client connections.
type RedisBroadcaster struct {
	client redis.UniversalClient
}

// NewRedisBroadcaster wraps a shared redis client.
func NewRedisBroadcaster(client redis.UniversalClient) (*RedisBroadcaster, error) {
	if client == nil {
		return nil, ErrRedisClientRequired
	}

	return &RedisBroadcaster{client: client}, nil
}

func (broadcaster *RedisBroadcaster) Broadcast(ctx context.Context, room string, message []byte) error {
	if broadcaster == nil || broadcaster.client == nil {
		return ErrRedisClientRequired
	}

	return broadcaster.client.Publish(ctx, room, message).Err()
}

// WebsocketBridge turns delivered envelopes into room broadcasts.
type WebsocketBridge struct {
	broadcaster Broadcaster
	logger      log.Logger
}

// NewWebsocketBridge builds the bridge handler factory.
func NewWebsocketBridge(broadcaster Broadcaster, logger log.Logger) (*WebsocketBridge, error) {
	if broadcaster == nil {
		return nil, ErrBroadcasterRequired
	}

	if logger == nil {
		logger = log.NewNop()
	}

	return &WebsocketBridge{broadcaster: broadcaster, logger: logger}, nil
}

// Rooms derives the broadcast targets from the envelope's tenancy fields:
// the family room when the event is family-scoped, otherwise the tenant
// room. Unscoped events have no audience and produce no rooms.
func Rooms(env *event.Envelope) []string {
	if env == nil || env.TenantID == "" {
		return nil
	}

	if env.FamilyID != "" {
		return []string{"family:" + env.TenantID + ":" + env.FamilyID}
	}

	return []string{"tenant:" + env.TenantID}
}

// Handle broadcasts the envelope to its rooms. Broadcast failure requeues:
// a missed live update is recoverable, so a later attempt is worth it.
func (bridge *WebsocketBridge) Handle(ctx context.Context, env *event.Envelope) rabbitmq.Action {
	if bridge == nil || env == nil {
		return rabbitmq.Reject
	}

	rooms := Rooms(env)
	if len(rooms) == 0 {
		bridge.logger.Log(ctx, log.LevelDebug, "event has no tenancy scope, skipping broadcast",
			log.String("event_type", env.Type.String()),
			log.String("event_id", env.ID.String()))

		return rabbitmq.Ack
	}

	message, err := json.Marshal(RoomMessage{
		Event:     env.Type.String(),
		ID:        env.ID.String(),
		Data:      env.Data,
		Timestamp: env.Timestamp,
	})
	if err != nil {
		return rabbitmq.Reject
	}

	for _, room := range rooms {
		if err := bridge.broadcaster.Broadcast(ctx, room, message); err != nil {
			bridge.logger.Log(ctx, log.LevelWarn, "broadcast failed, requeueing",
				log.String("room", room),
				log.String("event_id", env.ID.String()),
				log.String("error_detail", outbox.SanitizeError(err)))

			return rabbitmq.Requeue
		}
	}

	return rabbitmq.Ack
}
