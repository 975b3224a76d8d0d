package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	bridgePrefix   = "relay:session:"
	publishTimeout = 5 * time.Second
)

// bridgePayload is the message published to Redis for cross-instance
// fan-out.
type bridgePayload struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
	At    int64           `json:"at"`
}

// RedisBridge implements Bridge over Redis pub/sub, one channel per
// session.
type RedisBridge struct {
	client *redis.Client
	logger *zap.Logger
}

// NewRedisBridge creates a Redis bridge for cross-instance session events.
func NewRedisBridge(client *redis.Client, logger *zap.Logger) *RedisBridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisBridge{client: client, logger: logger}
}

// PublishSessionEvent publishes an event to the session's Redis channel.
func (b *RedisBridge) PublishSessionEvent(sessionID, event string, payload []byte) error {
	body, err := json.Marshal(bridgePayload{Event: event, Data: payload, At: time.Now().Unix()})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	return b.client.Publish(ctx, bridgePrefix+sessionID, body).Err()
}

// SubscribeSession subscribes to a session's Redis channel and calls
// handler for each event. Returns a cancel function to stop the
// subscription.
func (b *RedisBridge) SubscribeSession(sessionID string, handler func(event string, payload []byte)) (cancel func(), err error) {
	ctx, cancelCtx := context.WithCancel(context.Background())
	pubsub := b.client.Subscribe(ctx, bridgePrefix+sessionID)
	if _, err := pubsub.Receive(ctx); err != nil {
		cancelCtx()
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
				var p bridgePayload
				if err := json.Unmarshal([]byte(msg.Payload), &p); err != nil {
					continue
				}
				handler(p.Event, p.Data)
			}
		}
	}()
	return func() { cancelCtx() }, nil
}
