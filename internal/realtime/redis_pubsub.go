package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	channelPrefix  = "rtms:room:"
	publishTimeout = 5 * time.Second
)

// redisPayload is the message published to Redis for cross-instance fanout.
type redisPayload struct {
	Message json.RawMessage `json:"message"`
	At      int64           `json:"at"`
}

// RedisPubSub implements RedisPublisher and RedisSubscriber on Redis pub/sub.
type RedisPubSub struct {
	client *redis.Client
	logger *zap.Logger
}

// NewRedisPubSub creates a Redis pub/sub bridge for viewer rooms.
func NewRedisPubSub(client *redis.Client, logger *zap.Logger) *RedisPubSub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisPubSub{client: client, logger: logger}
}

// ChannelFor returns the Redis channel of a room.
func ChannelFor(room string) string {
	return channelPrefix + room
}

// PublishRoomEvent publishes an encoded viewer message to the room's channel.
func (r *RedisPubSub) PublishRoomEvent(room string, message []byte) error {
	body, err := json.Marshal(redisPayload{Message: message, At: time.Now().Unix()})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	return r.client.Publish(ctx, ChannelFor(room), body).Err()
}

// SubscribeRoom subscribes to a room's channel and calls handler for each message.
// The returned cancel function stops the subscription.
func (r *RedisPubSub) SubscribeRoom(room string, handler func(message []byte)) (cancel func(), err error) {
	ctx, cancelCtx := context.WithCancel(context.Background())
	pubsub := r.client.Subscribe(ctx, ChannelFor(room))
	if _, err = pubsub.Receive(ctx); err != nil {
		cancelCtx()
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	ch := pubsub.Channel()
	go func() {
		defer pubsub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var p redisPayload
				if err := json.Unmarshal([]byte(msg.Payload), &p); err != nil {
					r.logger.Debug("redis: bad room payload", zap.String("channel", msg.Channel), zap.Error(err))
					continue
				}
				handler(p.Message)
			}
		}
	}()
	return cancelCtx, nil
}
